// Package fsstore keeps the geo index in a Firestore collection, one document
// per entry keyed by the entry key. Range subscriptions are snapshot listeners
// on the geohash field.
package fsstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/tidwall/gjson"
	"github.com/youzan/zangeo/common"
	"github.com/youzan/zangeo/common/geohash"
	"github.com/youzan/zangeo/common/record"
	"github.com/youzan/zangeo/geoquery"
	"github.com/youzan/zangeo/livequery"
	"github.com/youzan/zangeo/metric"
	"github.com/youzan/zangeo/slow"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	storeName      = "firestore"
	maxDocIDLength = 1500
)

var fsLog = common.NewLevelLogger(common.LOG_INFO, common.NewGLogger())

func SetLogLevel(level int32) {
	fsLog.SetLevel(level)
}

func SetLogger(level int32, logger common.Logger) {
	fsLog.SetLevel(level)
	fsLog.Logger = logger
}

var errStoreClosed = errors.New("firestore store closed")

type Config struct {
	ProjectID string `json:"project_id"`
	// CredentialsFile is a service account key, empty uses the default
	// credentials or the emulator set by FIRESTORE_EMULATOR_HOST.
	CredentialsFile string `json:"credentials_file"`
	Collection      string `json:"collection"`
	// Codec shapes the documents, its precision is the store precision.
	Codec record.Codec `json:"codec"`
}

func NewConfig() *Config {
	return &Config{
		Collection: "geo_entries",
		Codec:      record.Codec{Precision: geohash.DefaultPrecision},
	}
}

// Store implements livequery.Store and livequery.Writer.
type Store struct {
	cfg    Config
	client *firestore.Client
	coll   *firestore.CollectionRef
	ctx    context.Context
	cancel context.CancelFunc
	closed int32
	subNum int64
}

func New(ctx context.Context, cfg *Config) (*Store, error) {
	if cfg.ProjectID == "" || cfg.Collection == "" {
		return nil, fmt.Errorf("%w: project id and collection are required", common.ErrInvalidArgs)
	}
	if err := cfg.Codec.Validate(); err != nil {
		return nil, err
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		fsLog.Infof("using credentials file: %v", cfg.CredentialsFile)
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	fsLog.Infof("firestore client initialized for project %v, collection %v", cfg.ProjectID, cfg.Collection)
	return newWithClient(client, cfg), nil
}

func newWithClient(client *firestore.Client, cfg *Config) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		cfg:    *cfg,
		client: client,
		coll:   client.Collection(cfg.Collection),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Store) Precision() int {
	if s.cfg.Codec.Precision <= 0 {
		return geohash.DefaultPrecision
	}
	return s.cfg.Codec.Precision
}

func (s *Store) isClosed() bool {
	return atomic.LoadInt32(&s.closed) == 1
}

// Close stops all the listeners and the client.
func (s *Store) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	s.cancel()
	return s.client.Close()
}

func (s *Store) Stats() common.StoreStats {
	return common.StoreStats{
		EngType:       storeName,
		EntryNum:      -1,
		Subscriptions: atomic.LoadInt64(&s.subNum),
	}
}

// checkDocID rejects the keys Firestore can not use as a document id.
func checkDocID(key string) error {
	if err := common.CheckKey(key); err != nil {
		return err
	}
	if len(key) > maxDocIDLength || key == "." || key == ".." || strings.Contains(key, "/") ||
		(strings.HasPrefix(key, "__") && strings.HasSuffix(key, "__")) {
		return fmt.Errorf("%w: %q is not a valid document id", common.ErrInvalidArgs, key)
	}
	return nil
}

// recordFields turns the record of a location into document fields.
func recordFields(codec record.Codec, loc geohash.GeoPoint, payload []byte) (map[string]interface{}, error) {
	data, err := codec.ToRecord(loc, payload)
	if err != nil {
		return nil, err
	}
	fields, ok := gjson.ParseBytes(data).Value().(map[string]interface{})
	if !ok {
		return nil, record.ErrInvalidRecord
	}
	return fields, nil
}

func entryFromFields(codec record.Codec, key string, fields map[string]interface{}, updated time.Time) (livequery.Entry, error) {
	data, err := json.Marshal(fields)
	if err != nil {
		return livequery.Entry{}, err
	}
	r, err := codec.FromRecord(data)
	if err != nil {
		return livequery.Entry{}, err
	}
	return livequery.Entry{
		Key:      key,
		Location: r.Location,
		Geohash:  r.Geohash,
		Payload:  r.Payload,
		Version:  docVersion(updated),
	}, nil
}

func docVersion(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UnixNano())
}

func (s *Store) WriteEntry(ctx context.Context, key string, loc geohash.GeoPoint, payload []byte) error {
	if s.isClosed() {
		return errStoreClosed
	}
	if err := checkDocID(key); err != nil {
		return err
	}
	if err := common.CheckKeyPayload(key, payload); err != nil {
		return err
	}
	fields, err := recordFields(s.cfg.Codec, loc, payload)
	if err != nil {
		return err
	}
	start := time.Now()
	_, err = s.coll.Doc(key).Set(ctx, fields)
	if err != nil {
		metric.ErrorCnt.WithLabelValues("firestore_write").Inc()
		return fmt.Errorf("failed to write entry %v: %w", key, err)
	}
	cost := time.Since(start)
	metric.StoreWriteLatency.WithLabelValues(storeName, "write").Observe(float64(cost.Milliseconds()))
	metric.WriteByteSize.WithLabelValues(storeName).Observe(float64(len(payload)))
	slow.LogSlowWrite(cost, slow.NewSlowLogInfo(storeName, key, "write"))
	slow.LogLargePayload(len(payload), slow.NewSlowLogInfo(storeName, key, ""))
	return nil
}

func (s *Store) DeleteEntry(ctx context.Context, key string) error {
	if s.isClosed() {
		return errStoreClosed
	}
	if err := checkDocID(key); err != nil {
		return err
	}
	start := time.Now()
	if _, err := s.coll.Doc(key).Delete(ctx); err != nil {
		metric.ErrorCnt.WithLabelValues("firestore_write").Inc()
		return fmt.Errorf("failed to delete entry %v: %w", key, err)
	}
	metric.StoreWriteLatency.WithLabelValues(storeName, "delete").Observe(float64(time.Since(start).Milliseconds()))
	return nil
}

func (s *Store) GetEntry(ctx context.Context, key string) (livequery.Entry, error) {
	if s.isClosed() {
		return livequery.Entry{}, errStoreClosed
	}
	if err := checkDocID(key); err != nil {
		return livequery.Entry{}, err
	}
	doc, err := s.coll.Doc(key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return livequery.Entry{}, common.ErrNotFound
		}
		return livequery.Entry{}, err
	}
	return entryFromFields(s.cfg.Codec, key, doc.Data(), doc.UpdateTime)
}

type rangeSub struct {
	cancel context.CancelFunc
}

func (rs *rangeSub) Unsubscribe() {
	rs.cancel()
}

// SubscribeRange listens to the documents whose geohash is in the range. The
// first snapshot is the initial load and is followed by the ready event.
func (s *Store) SubscribeRange(rng geoquery.Range, handler livequery.EventHandler) (livequery.Subscription, error) {
	if rng.Empty() || handler == nil {
		return nil, common.ErrInvalidArgs
	}
	if s.isClosed() {
		return nil, errStoreClosed
	}
	ctx, cancel := context.WithCancel(s.ctx)
	q := s.coll.Where(record.GeohashField, ">=", rng.Start).
		Where(record.GeohashField, "<", rng.End).
		OrderBy(record.GeohashField, firestore.Asc)
	it := q.Snapshots(ctx)
	atomic.AddInt64(&s.subNum, 1)
	go s.listen(ctx, rng, it, handler)
	return &rangeSub{cancel: cancel}, nil
}

func (s *Store) listen(ctx context.Context, rng geoquery.Range, it *firestore.QuerySnapshotIterator, handler livequery.EventHandler) {
	defer atomic.AddInt64(&s.subNum, -1)
	defer it.Stop()
	ready := false
	for {
		snap, err := it.Next()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if status.Code(err) == codes.Canceled {
				return
			}
			fsLog.Warningf("listener on %v failed: %v", rng, err)
			metric.ErrorCnt.WithLabelValues("firestore_listen").Inc()
			handler(livequery.StoreEvent{Type: livequery.EventError, Err: err})
			return
		}
		for _, ch := range snap.Changes {
			ev, err := s.changeEvent(ch)
			if err != nil {
				fsLog.Infof("skipped bad document on %v: %v", rng, err)
				metric.ErrorCnt.WithLabelValues("bad_record").Inc()
				continue
			}
			if ctx.Err() != nil {
				return
			}
			handler(ev)
		}
		if !ready {
			ready = true
			handler(livequery.StoreEvent{Type: livequery.EventReady})
		}
	}
}

// changeEvent converts one document change. A removed document carries the
// version of its last state, so a newer add of the same key seen by another
// range always wins.
func (s *Store) changeEvent(ch firestore.DocumentChange) (livequery.StoreEvent, error) {
	key := ch.Doc.Ref.ID
	if ch.Kind == firestore.DocumentRemoved {
		return livequery.StoreEvent{Type: livequery.EventRemoved, Key: key,
			Version: docVersion(ch.Doc.UpdateTime)}, nil
	}
	e, err := entryFromFields(s.cfg.Codec, key, ch.Doc.Data(), ch.Doc.UpdateTime)
	if err != nil {
		return livequery.StoreEvent{}, err
	}
	return livequery.StoreEvent{
		Type:     changeType(ch.Kind),
		Key:      key,
		Location: e.Location,
		Payload:  e.Payload,
		Version:  e.Version,
	}, nil
}

func changeType(kind firestore.DocumentChangeKind) livequery.EventType {
	switch kind {
	case firestore.DocumentAdded:
		return livequery.EventAdded
	case firestore.DocumentModified:
		return livequery.EventChanged
	default:
		return livequery.EventRemoved
	}
}
