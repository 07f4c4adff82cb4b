package fsstore

import (
	"context"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/youzan/zangeo/common"
	"github.com/youzan/zangeo/common/geohash"
	"github.com/youzan/zangeo/common/record"
	"github.com/youzan/zangeo/geoquery"
	"github.com/youzan/zangeo/livequery"
	"github.com/youzan/zangeo/slow"
)

func TestMain(m *testing.M) {
	SetLogger(0, nil)
	slow.SetLogger(0, nil)
	os.Exit(m.Run())
}

func TestCheckDocID(t *testing.T) {
	assert.Nil(t, checkDocID("courier-1"))
	assert.Equal(t, common.ErrKeySize, checkDocID(""))
	for _, key := range []string{".", "..", "a/b", "__id__"} {
		assert.ErrorIs(t, checkDocID(key), common.ErrInvalidArgs, key)
	}
}

func TestRecordFields(t *testing.T) {
	codec := record.Codec{DataField: "data", Compress: true, Precision: 8}
	loc := geohash.MustGeoPoint(39.9087, 116.3975)
	fields, err := recordFields(codec, loc, []byte("hello"))
	require.Nil(t, err)
	hash, _ := geohash.Encode(loc, 8)
	assert.Equal(t, hash, fields[record.GeohashField])
	assert.Equal(t, []interface{}{39.9087, 116.3975}, fields[record.LocationField])
	assert.Equal(t, true, fields[record.CompressedField])
	assert.IsType(t, "", fields["data"])

	updated := time.Unix(100, 5)
	e, err := entryFromFields(codec, "k1", fields, updated)
	require.Nil(t, err)
	assert.Equal(t, "k1", e.Key)
	assert.Equal(t, hash, e.Geohash)
	assert.True(t, loc.Equal(e.Location))
	assert.Equal(t, "hello", string(e.Payload))
	assert.Equal(t, uint64(updated.UnixNano()), e.Version)

	fields, err = recordFields(codec, loc, nil)
	require.Nil(t, err)
	_, ok := fields["data"]
	assert.False(t, ok)

	_, err = entryFromFields(codec, "k1", map[string]interface{}{"g": "bad!"}, updated)
	assert.ErrorIs(t, err, record.ErrInvalidRecord)
	assert.Equal(t, uint64(0), docVersion(time.Time{}))
}

func TestChangeType(t *testing.T) {
	assert.Equal(t, livequery.EventAdded, changeType(firestore.DocumentAdded))
	assert.Equal(t, livequery.EventChanged, changeType(firestore.DocumentModified))
	assert.Equal(t, livequery.EventRemoved, changeType(firestore.DocumentRemoved))
}

// the tests below need a local emulator:
//   gcloud emulators firestore start --host-port=localhost:8080
//   FIRESTORE_EMULATOR_HOST=localhost:8080 go test ./engine/fsstore/
func newEmulatorStore(t *testing.T) *Store {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	cfg := NewConfig()
	cfg.ProjectID = "zangeo-test"
	cfg.Collection = "geo_" + uuid.New().String()
	s, err := New(context.Background(), cfg)
	require.Nil(t, err)
	return s
}

func TestEmulatorWriteGet(t *testing.T) {
	s := newEmulatorStore(t)
	defer s.Close()
	ctx := context.Background()
	loc := geohash.MustGeoPoint(31.23, 121.47)
	require.Nil(t, s.WriteEntry(ctx, "k1", loc, []byte("p1")))
	e, err := s.GetEntry(ctx, "k1")
	require.Nil(t, err)
	assert.True(t, loc.Equal(e.Location))
	assert.Equal(t, "p1", string(e.Payload))
	require.Nil(t, s.DeleteEntry(ctx, "k1"))
	_, err = s.GetEntry(ctx, "k1")
	assert.Equal(t, common.ErrNotFound, err)
}

func TestEmulatorLiveQuery(t *testing.T) {
	s := newEmulatorStore(t)
	defer s.Close()
	ctx := context.Background()
	require.Nil(t, s.WriteEntry(ctx, "k1", geohash.MustGeoPoint(31.231, 121.471), nil))

	q, err := livequery.NewQuery(s, geoquery.Circle{Center: geohash.MustGeoPoint(31.23, 121.47), RadiusMeters: 1000},
		livequery.WithPrecision(s.Precision()))
	require.Nil(t, err)
	defer q.Close()
	ch, _ := q.Events(16)
	require.Nil(t, q.Start())

	expect := func(kind livequery.EventKind, key string) {
		select {
		case ev := <-ch:
			require.Equal(t, kind, ev.Kind, "got %v", ev)
			require.Equal(t, key, ev.Key, "got %v", ev)
		case <-time.After(10 * time.Second):
			t.Fatalf("timeout waiting for %v %v", kind, key)
		}
	}
	expect(livequery.Entered, "k1")
	expect(livequery.Ready, "")
	require.Nil(t, s.WriteEntry(ctx, "k1", geohash.MustGeoPoint(31.5, 121.47), nil))
	expect(livequery.Exited, "k1")
}
