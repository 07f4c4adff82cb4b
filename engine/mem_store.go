package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"
	"github.com/hashicorp/go-memdb"
	"github.com/youzan/zangeo/common"
	"github.com/youzan/zangeo/common/geohash"
	"github.com/youzan/zangeo/geoquery"
	"github.com/youzan/zangeo/livequery"
	"github.com/youzan/zangeo/metric"
	"github.com/youzan/zangeo/slow"
)

const (
	entryTableName = "entries"
	idIndex        = "id"
	geoIndex       = "geo"
	memStoreName   = "mem"
)

type geoItem struct {
	Key string
	// GeoKey is the geohash joined with the key, so the geo index keeps
	// entries sharing a cell apart.
	GeoKey   string
	Geohash  string
	Location geohash.GeoPoint
	Payload  []byte
	Version  uint64
}

func (item *geoItem) toEntry() livequery.Entry {
	return livequery.Entry{
		Key:      item.Key,
		Location: item.Location,
		Geohash:  item.Geohash,
		Payload:  item.Payload,
		Version:  item.Version,
	}
}

func geoKey(hash string, key string) string {
	return hash + "\x00" + key
}

func newSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			entryTableName: &memdb.TableSchema{
				Name: entryTableName,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: &memdb.IndexSchema{
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Key"},
					},
					geoIndex: &memdb.IndexSchema{
						Name:    geoIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "GeoKey"},
					},
				},
			},
		},
	}
}

// MemStore is an in memory geo index with range subscriptions. Writes are
// serialized and every write is dispatched to the subscriptions whose range
// holds the old or the new geohash of the entry.
type MemStore struct {
	cfg         MemStoreConfig
	db          *memdb.MemDB
	writerMutex sync.Mutex
	version     uint64
	entryNum    int64
	closed      int32

	subsMu  sync.RWMutex
	subs    map[uint64]*memSub
	nextSub uint64

	writeStats    common.WriteStats
	hotKeys       *metric.HotKeys
	largePayloads *metric.PayloadSizeHeap
}

func NewMemStore(cfg *MemStoreConfig) (*MemStore, error) {
	if cfg.Precision < 1 || cfg.Precision > geohash.MaxPrecision {
		return nil, fmt.Errorf("%w: %d", geohash.ErrInvalidPrecision, cfg.Precision)
	}
	if err := cfg.Codec.Validate(); err != nil {
		return nil, err
	}
	if cfg.SubscriptionQueueSize <= 0 {
		cfg.SubscriptionQueueSize = NewMemStoreConfig().SubscriptionQueueSize
	}
	db, err := memdb.NewMemDB(newSchema())
	if err != nil {
		return nil, err
	}
	ms := &MemStore{
		cfg:           *cfg,
		db:            db,
		subs:          make(map[uint64]*memSub),
		hotKeys:       metric.NewHotKeys(metric.DefaultSampleRate),
		largePayloads: metric.NewPayloadSizeHeap(metric.DefaultHeapCapacity, metric.DefaultMinPayloadSize),
	}
	return ms, nil
}

// OpenMemStore creates the store and loads the checkpoint under the data
// dir if there is one.
func OpenMemStore(cfg *MemStoreConfig) (*MemStore, error) {
	ms, err := NewMemStore(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.DataDir == "" {
		return ms, nil
	}
	n, err := ms.NewCheckpoint().Load(cfg.DataDir)
	if err != nil {
		dbLog.Errorf("failed to load checkpoint from %v: %v", cfg.DataDir, err)
		return nil, err
	}
	dbLog.Infof("loaded %v entries from %v", n, cfg.DataDir)
	return ms, nil
}

func (ms *MemStore) Precision() int {
	return ms.cfg.Precision
}

func (ms *MemStore) IsClosed() bool {
	return atomic.LoadInt32(&ms.closed) == 1
}

// Close stops all the subscriptions. It does not save a checkpoint.
func (ms *MemStore) Close() {
	ms.writerMutex.Lock()
	if !atomic.CompareAndSwapInt32(&ms.closed, 0, 1) {
		ms.writerMutex.Unlock()
		return
	}
	ms.writerMutex.Unlock()
	ms.subsMu.RLock()
	subs := make([]*memSub, 0, len(ms.subs))
	for _, s := range ms.subs {
		subs = append(subs, s)
	}
	ms.subsMu.RUnlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
	dbLog.Infof("mem store closed, %v subscriptions stopped", len(subs))
}

func (ms *MemStore) Len() int64 {
	return atomic.LoadInt64(&ms.entryNum)
}

func (ms *MemStore) WriteEntry(ctx context.Context, key string, loc geohash.GeoPoint, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkEntryKey(key); err != nil {
		return err
	}
	if err := common.CheckKeyPayload(key, payload); err != nil {
		return err
	}
	item := &geoItem{
		Key:      key,
		Location: loc,
	}
	if len(payload) > 0 {
		item.Payload = append([]byte(nil), payload...)
	}
	if err := ms.indexItem(item); err != nil {
		return err
	}
	start := time.Now()
	ms.writerMutex.Lock()
	defer ms.writerMutex.Unlock()
	if ms.IsClosed() {
		return errStoreClosed
	}
	old, err := ms.insertLocked(item)
	if err != nil {
		return err
	}
	ms.dispatchLocked(old, item)

	cost := time.Since(start)
	ms.writeStats.UpdateWriteStats(int64(len(payload)), cost.Microseconds())
	metric.StoreWriteLatency.WithLabelValues(memStoreName, "write").Observe(float64(cost.Milliseconds()))
	metric.WriteByteSize.WithLabelValues(memStoreName).Observe(float64(len(payload)))
	slow.LogSlowWrite(cost, slow.NewSlowLogInfo(memStoreName, key, "write"))
	slow.LogLargePayload(len(payload), slow.NewSlowLogInfo(memStoreName, key, ""))
	ms.hotKeys.HitWrite(key)
	ms.largePayloads.Update(key, len(payload))
	return nil
}

func (ms *MemStore) indexItem(item *geoItem) error {
	hash, err := geohash.Encode(item.Location, ms.cfg.Precision)
	if err != nil {
		return err
	}
	item.Geohash = hash
	item.GeoKey = geoKey(hash, item.Key)
	return nil
}

func (ms *MemStore) insertLocked(item *geoItem) (*geoItem, error) {
	txn := ms.db.Txn(true)
	raw, err := txn.First(entryTableName, idIndex, item.Key)
	if err != nil {
		txn.Abort()
		return nil, err
	}
	ms.version++
	item.Version = ms.version
	if err := txn.Insert(entryTableName, item); err != nil {
		txn.Abort()
		return nil, err
	}
	txn.Commit()
	if raw == nil {
		atomic.AddInt64(&ms.entryNum, 1)
		return nil, nil
	}
	return raw.(*geoItem), nil
}

// DeleteEntry removes the entry, deleting an unknown key is not an error.
func (ms *MemStore) DeleteEntry(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := common.CheckKey(key); err != nil {
		return err
	}
	start := time.Now()
	ms.writerMutex.Lock()
	defer ms.writerMutex.Unlock()
	if ms.IsClosed() {
		return errStoreClosed
	}
	txn := ms.db.Txn(true)
	raw, err := txn.First(entryTableName, idIndex, key)
	if err != nil {
		txn.Abort()
		return err
	}
	if raw == nil {
		txn.Abort()
		return nil
	}
	old := raw.(*geoItem)
	if err := txn.Delete(entryTableName, old); err != nil {
		txn.Abort()
		return err
	}
	txn.Commit()
	atomic.AddInt64(&ms.entryNum, -1)
	ms.version++
	ms.dispatchLocked(old, &geoItem{Key: key, Version: ms.version})

	metric.StoreWriteLatency.WithLabelValues(memStoreName, "delete").Observe(float64(time.Since(start).Milliseconds()))
	ms.largePayloads.Remove(key)
	return nil
}

func (ms *MemStore) GetEntry(ctx context.Context, key string) (livequery.Entry, error) {
	if err := ctx.Err(); err != nil {
		return livequery.Entry{}, err
	}
	if err := common.CheckKey(key); err != nil {
		return livequery.Entry{}, err
	}
	txn := ms.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(entryTableName, idIndex, key)
	if err != nil {
		return livequery.Entry{}, err
	}
	if raw == nil {
		return livequery.Entry{}, common.ErrNotFound
	}
	return raw.(*geoItem).toEntry(), nil
}

// dispatchLocked sends one write to the subscriptions. A deleted entry is
// passed as an item without geohash.
func (ms *MemStore) dispatchLocked(old *geoItem, item *geoItem) {
	ms.subsMu.RLock()
	defer ms.subsMu.RUnlock()
	for _, s := range ms.subs {
		inOld := old != nil && s.rng.Contains(old.Geohash)
		inNew := item.Geohash != "" && s.rng.Contains(item.Geohash)
		switch {
		case inOld && inNew:
			s.push(livequery.StoreEvent{Type: livequery.EventChanged, Key: item.Key,
				Location: item.Location, Payload: item.Payload, Version: item.Version})
		case inNew:
			s.push(livequery.StoreEvent{Type: livequery.EventAdded, Key: item.Key,
				Location: item.Location, Payload: item.Payload, Version: item.Version})
		case inOld && item.Geohash != "":
			s.push(livequery.StoreEvent{Type: livequery.EventRemoved, Key: item.Key,
				Location: item.Location, HasLocation: true, Payload: item.Payload, Version: item.Version})
		case inOld:
			s.push(livequery.StoreEvent{Type: livequery.EventRemoved, Key: item.Key, Version: item.Version})
		}
	}
}

// SubscribeRange sends the entries already in the range as added events,
// then the ready event, then the changes. The snapshot and the registration
// happen under the writer lock so no write is lost or seen twice.
func (ms *MemStore) SubscribeRange(rng geoquery.Range, handler livequery.EventHandler) (livequery.Subscription, error) {
	if rng.Empty() || handler == nil {
		return nil, common.ErrInvalidArgs
	}
	ms.writerMutex.Lock()
	defer ms.writerMutex.Unlock()
	if ms.IsClosed() {
		return nil, errStoreClosed
	}
	s := newMemSub(ms, rng, handler, ms.cfg.SubscriptionQueueSize)
	cnt := 0
	err := ms.scanRange(rng, func(item *geoItem) bool {
		s.push(livequery.StoreEvent{Type: livequery.EventAdded, Key: item.Key,
			Location: item.Location, Payload: item.Payload, Version: item.Version})
		cnt++
		return true
	})
	if err != nil {
		return nil, err
	}
	s.push(livequery.StoreEvent{Type: livequery.EventReady})

	ms.subsMu.Lock()
	ms.nextSub++
	s.id = ms.nextSub
	ms.subs[s.id] = s
	ms.subsMu.Unlock()
	go s.run()
	dbLog.Debugf("subscription %v opened on %v with %v entries", s.id, rng, cnt)
	return s, nil
}

func (ms *MemStore) removeSub(id uint64) {
	ms.subsMu.Lock()
	delete(ms.subs, id)
	ms.subsMu.Unlock()
}

// scanRange walks the geo index from the range start in geohash order.
func (ms *MemStore) scanRange(rng geoquery.Range, f func(item *geoItem) bool) error {
	txn := ms.db.Txn(false)
	defer txn.Abort()
	it, err := txn.LowerBound(entryTableName, geoIndex, rng.Start)
	if err != nil {
		return err
	}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		item := obj.(*geoItem)
		if item.Geohash >= rng.End {
			break
		}
		if !rng.Contains(item.Geohash) {
			continue
		}
		if !f(item) {
			break
		}
	}
	return nil
}

// EntriesInRanges returns the entries stored in the ranges, unordered.
func (ms *MemStore) EntriesInRanges(ranges []geoquery.Range) ([]livequery.Entry, error) {
	var list []livequery.Entry
	for _, rng := range ranges {
		err := ms.scanRange(rng, func(item *geoItem) bool {
			list = append(list, item.toEntry())
			return true
		})
		if err != nil {
			return nil, err
		}
	}
	return list, nil
}

// Scan lists the entries after the cursor key in key order. The next cursor
// is empty once the end is reached.
func (ms *MemStore) Scan(cursor string, match string, count int) ([]livequery.Entry, string, error) {
	var g glob.Glob
	if match != "" && match != "*" {
		var err error
		g, err = glob.Compile(match)
		if err != nil {
			return nil, "", fmt.Errorf("%w: bad match pattern %v", common.ErrInvalidArgs, err)
		}
	}
	if count <= 0 {
		count = 10
	}
	txn := ms.db.Txn(false)
	defer txn.Abort()
	it, err := txn.LowerBound(entryTableName, idIndex, cursor)
	if err != nil {
		return nil, "", err
	}
	list := make([]livequery.Entry, 0, count)
	walked := 0
	last := ""
	for obj := it.Next(); obj != nil; obj = it.Next() {
		item := obj.(*geoItem)
		if item.Key == cursor {
			continue
		}
		if walked >= count {
			return list, last, nil
		}
		walked++
		last = item.Key
		if g != nil && !g.Match(item.Key) {
			continue
		}
		list = append(list, item.toEntry())
	}
	return list, "", nil
}

func (ms *MemStore) Stats() common.StoreStats {
	ms.subsMu.RLock()
	subs := len(ms.subs)
	ms.subsMu.RUnlock()
	return common.StoreStats{
		EngType:       memStoreName,
		EntryNum:      ms.Len(),
		Subscriptions: int64(subs),
		WriteStats:    ms.writeStats.Copy(),
	}
}

func (ms *MemStore) HotWriteKeys() []metric.KeyCount {
	return ms.hotKeys.TopWrites()
}

func (ms *MemStore) LargePayloadKeys() []metric.KeyCount {
	return ms.largePayloads.TopKeys()
}

// the geo index joins the geohash and the key with a nul byte
func checkEntryKey(key string) error {
	if strings.IndexByte(key, 0) >= 0 {
		return fmt.Errorf("%w: entry key can not contain a nul byte", common.ErrInvalidArgs)
	}
	return nil
}
