package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/youzan/zangeo/common/geohash"
	"github.com/youzan/zangeo/geoquery"
	"github.com/youzan/zangeo/livequery"
)

func nextQueryEvent(t *testing.T, ch <-chan livequery.Event) livequery.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "event channel closed")
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for query event")
	}
	return livequery.Event{}
}

func expectQueryEvent(t *testing.T, ch <-chan livequery.Event, kind livequery.EventKind, key string) livequery.Event {
	t.Helper()
	ev := nextQueryEvent(t, ch)
	require.Equal(t, kind, ev.Kind, "got %v", ev)
	require.Equal(t, key, ev.Key, "got %v", ev)
	return ev
}

func TestLiveQueryOnMemStore(t *testing.T) {
	ms := newTestStore(t)
	defer ms.Close()
	ctx := context.Background()
	center := geohash.MustGeoPoint(0, 0)
	far := geohash.MustGeoPoint(0, 1)
	require.Nil(t, ms.WriteEntry(ctx, "k1", geohash.MustGeoPoint(0.001, 0.001), []byte("p1")))
	require.Nil(t, ms.WriteEntry(ctx, "k3", far, nil))

	q, err := livequery.NewQuery(ms, geoquery.Circle{Center: center, RadiusMeters: 1000},
		livequery.WithPrecision(ms.Precision()), livequery.WithPayload(true))
	require.Nil(t, err)
	defer q.Close()
	ch, _ := q.Events(128)
	require.Nil(t, q.Start())

	ev := expectQueryEvent(t, ch, livequery.Entered, "k1")
	assert.Equal(t, "p1", string(ev.Payload))
	expectQueryEvent(t, ch, livequery.Ready, "")
	assert.Equal(t, int64(len(q.Ranges())), ms.Stats().Subscriptions)

	require.Nil(t, ms.WriteEntry(ctx, "k2", geohash.MustGeoPoint(-0.001, 0.001), nil))
	expectQueryEvent(t, ch, livequery.Entered, "k2")
	require.Nil(t, ms.WriteEntry(ctx, "k2", geohash.MustGeoPoint(-0.002, 0.001), nil))
	expectQueryEvent(t, ch, livequery.Moved, "k2")

	require.Nil(t, ms.WriteEntry(ctx, "k1", far, nil))
	expectQueryEvent(t, ch, livequery.Exited, "k1")
	require.Nil(t, ms.DeleteEntry(ctx, "k2"))
	expectQueryEvent(t, ch, livequery.Exited, "k2")
	assert.Equal(t, 0, len(q.Snapshot()))

	// the far entries show up once the circle reaches them
	require.Nil(t, q.SetRadius(200000))
	got := map[string]bool{}
	for len(got) < 2 {
		ev := nextQueryEvent(t, ch)
		require.Equal(t, livequery.Entered, ev.Kind, "got %v", ev)
		got[ev.Key] = true
	}
	assert.True(t, got["k1"])
	assert.True(t, got["k3"])
	expectQueryEvent(t, ch, livequery.Ready, "")
	assert.Equal(t, 2, len(q.Snapshot()))

	q.Close()
	select {
	case <-q.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("query not done after close")
	}
	// all the range subscriptions are released
	assert.Equal(t, int64(0), ms.Stats().Subscriptions)
}

func TestLiveQueryGrowKeepsRanges(t *testing.T) {
	ms := newTestStore(t)
	defer ms.Close()
	ctx := context.Background()
	// about 1112m east of the center
	edge := geohash.MustGeoPoint(0, 0.01)
	require.Nil(t, ms.WriteEntry(ctx, "edge", edge, []byte("e")))

	q, err := livequery.NewQuery(ms, geoquery.Circle{Center: geohash.MustGeoPoint(0, 0), RadiusMeters: 1100},
		livequery.WithPrecision(ms.Precision()), livequery.WithPayload(true))
	require.Nil(t, err)
	defer q.Close()
	ch, _ := q.Events(128)
	require.Nil(t, q.Start())
	expectQueryEvent(t, ch, livequery.Ready, "")
	assert.Equal(t, 0, len(q.Snapshot()))

	old := q.Ranges()
	require.Nil(t, q.SetRadius(1200))
	require.Equal(t, old, q.Ranges())
	ev := expectQueryEvent(t, ch, livequery.Entered, "edge")
	assert.True(t, edge.Equal(ev.Location))
	assert.Equal(t, "e", string(ev.Payload))
	expectQueryEvent(t, ch, livequery.Ready, "")
	assert.Equal(t, 1, len(q.Snapshot()))

	require.Nil(t, ms.DeleteEntry(ctx, "edge"))
	expectQueryEvent(t, ch, livequery.Exited, "edge")
	require.Nil(t, q.SetRadius(1100))
	expectQueryEvent(t, ch, livequery.Ready, "")
	require.Nil(t, q.SetRadius(1200))
	// deleted entries are not brought back
	expectQueryEvent(t, ch, livequery.Ready, "")
	assert.Equal(t, 0, len(q.Snapshot()))
}
