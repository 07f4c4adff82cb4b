package livequery

import (
	"bytes"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/gobwas/glob"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/youzan/zangeo/common"
	"github.com/youzan/zangeo/common/geohash"
	"github.com/youzan/zangeo/geoquery"
	"github.com/youzan/zangeo/metric"
	"golang.org/x/sync/errgroup"
)

var (
	ErrQueryClosed  = errors.New("query closed")
	ErrQueryStarted = errors.New("query already started")
)

const (
	defaultQueueSize     = 64
	maxConcurrentOpening = 8
	maxTombstones        = 4096
)

var queryLog = common.NewLevelLogger(common.LOG_INFO, common.NewDefaultLogger("livequery"))

func SetLogLevel(level int32) {
	queryLog.SetLevel(level)
}

func SetLogger(level int32, logger common.Logger) {
	queryLog.SetLevel(level)
	queryLog.Logger = logger
}

var (
	activeQueries   int64
	startedQueries  int64
	openRanges      int64
	deliveredEvents int64
)

// Stats sums up all the queries of the process.
func Stats() common.QueryStats {
	return common.QueryStats{
		Active:         atomic.LoadInt64(&activeQueries),
		TotalStarted:   atomic.LoadInt64(&startedQueries),
		OpenRanges:     atomic.LoadInt64(&openRanges),
		EventDelivered: atomic.LoadInt64(&deliveredEvents),
	}
}

type queryState int

const (
	stateInactive queryState = iota
	stateActive
	stateClosed
)

type options struct {
	precision   int
	decomposer  *geoquery.Decomposer
	withPayload bool
	log         *common.LevelLogger
	keyMatch    glob.Glob
	queueSize   int
}

type Option func(*options) error

// WithPrecision sets the geohash length of the store entries, the query
// never uses cells finer than that.
func WithPrecision(precision int) Option {
	return func(o *options) error {
		if precision < 1 || precision > geohash.MaxPrecision {
			return fmt.Errorf("%w: %d", geohash.ErrInvalidPrecision, precision)
		}
		o.precision = precision
		return nil
	}
}

func WithDecomposer(d *geoquery.Decomposer) Option {
	return func(o *options) error {
		if d != nil {
			o.decomposer = d
		}
		return nil
	}
}

// WithPayload makes entered and moved events carry the entry payload.
func WithPayload(enabled bool) Option {
	return func(o *options) error {
		o.withPayload = enabled
		return nil
	}
}

func WithLogger(l *common.LevelLogger) Option {
	return func(o *options) error {
		if l != nil {
			o.log = l
		}
		return nil
	}
}

// WithKeyMatch ignores every entry whose key does not match the glob pattern.
func WithKeyMatch(pattern string) Option {
	return func(o *options) error {
		if pattern == "" {
			return nil
		}
		g, err := glob.Compile(pattern)
		if err != nil {
			return fmt.Errorf("%w: bad key pattern %q: %v", common.ErrInvalidArgs, pattern, err)
		}
		o.keyMatch = g
		return nil
	}
}

func WithQueueSize(size int) Option {
	return func(o *options) error {
		if size > 0 {
			o.queueSize = size
		}
		return nil
	}
}

type trackedEntry struct {
	loc     geohash.GeoPoint
	payload []byte
}

// knownEntry is the last location an open range delivered for a key, inside
// the circle or not.
type knownEntry struct {
	loc     geohash.GeoPoint
	payload []byte
	version uint64
	rng     geoquery.Range
}

type tombstone struct {
	version uint64
	rng     geoquery.Range
}

type rangeSub struct {
	rng    geoquery.Range
	sub    Subscription
	ready  bool
	failed bool
	closed bool
}

type listenerEntry struct {
	handle  ListenerHandle
	l       Listener
	fromSeq uint64
}

// Query keeps the set of entries inside a circle up to date while the store
// changes, and tells its listeners about every change of that set.
type Query struct {
	id    string
	store Store
	opts  options

	// serializes Start and the circle updates
	mutateMu sync.Mutex

	mu         sync.Mutex
	state      queryState
	circle     geoquery.Circle
	ranges     []geoquery.Range
	subs       map[geoquery.Range]*rangeSub
	tracked    map[string]*trackedEntry
	known      map[string]*knownEntry
	tombstones *lru.Cache
	readyFired bool
	seq        uint64

	listenersMu sync.RWMutex
	listeners   map[ListenerHandle]*listenerEntry
	nextHandle  ListenerHandle

	queue     *common.EntryQueue[Event]
	stopC     chan struct{}
	doneC     chan struct{}
	closeOnce sync.Once
}

func NewQuery(store Store, circle geoquery.Circle, opts ...Option) (*Query, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", common.ErrInvalidArgs)
	}
	if err := circle.Validate(); err != nil {
		return nil, err
	}
	o := options{
		precision:  geohash.DefaultPrecision,
		decomposer: geoquery.DefaultDecomposer,
		log:        queryLog,
		queueSize:  defaultQueueSize,
	}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, err
		}
	}
	tombstones, err := lru.New(maxTombstones)
	if err != nil {
		return nil, err
	}
	q := &Query{
		id:         uuid.New().String(),
		store:      store,
		opts:       o,
		circle:     circle,
		subs:       make(map[geoquery.Range]*rangeSub),
		tracked:    make(map[string]*trackedEntry),
		known:      make(map[string]*knownEntry),
		tombstones: tombstones,
		listeners:  make(map[ListenerHandle]*listenerEntry),
		queue:      common.NewEntryQueue[Event](o.queueSize, 1),
		stopC:      make(chan struct{}),
		doneC:      make(chan struct{}),
	}
	return q, nil
}

func (q *Query) ID() string {
	return q.id
}

func (q *Query) Circle() geoquery.Circle {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.circle
}

// Ranges returns the geohash ranges currently subscribed.
func (q *Query) Ranges() []geoquery.Range {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]geoquery.Range(nil), q.ranges...)
}

// Snapshot returns the entries currently inside the circle.
func (q *Query) Snapshot() map[string]geohash.GeoPoint {
	q.mu.Lock()
	defer q.mu.Unlock()
	ret := make(map[string]geohash.GeoPoint, len(q.tracked))
	for k, te := range q.tracked {
		ret[k] = te.loc
	}
	return ret
}

// Done is closed once no more events can be delivered after Close.
func (q *Query) Done() <-chan struct{} {
	return q.doneC
}

// AddListener registers l. A listener added to a running query first gets
// an entered event for every entry already inside the circle, and the ready
// event if the initial load is complete.
func (q *Query) AddListener(l Listener) ListenerHandle {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == stateClosed {
		if r, ok := l.(releaser); ok {
			r.release()
		}
		return 0
	}
	q.listenersMu.Lock()
	q.nextHandle++
	h := q.nextHandle
	q.listeners[h] = &listenerEntry{handle: h, l: l, fromSeq: q.seq}
	q.listenersMu.Unlock()

	keys := make([]string, 0, len(q.tracked))
	for k := range q.tracked {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		te := q.tracked[k]
		q.enqueueLocked(Event{Kind: Entered, Key: k, Location: te.loc, Payload: te.payload, target: h})
	}
	if q.readyFired {
		q.enqueueLocked(Event{Kind: Ready, target: h})
	}
	return h
}

// RemoveListener stops the delivery to the listener, the channel of a
// listener from Events is closed.
func (q *Query) RemoveListener(h ListenerHandle) {
	q.listenersMu.Lock()
	le, ok := q.listeners[h]
	delete(q.listeners, h)
	q.listenersMu.Unlock()
	if !ok {
		return
	}
	if r, ok := le.l.(releaser); ok {
		r.release()
	}
}

// Events registers a listener sending every event to the returned channel.
// The channel is closed once the query is done, it must be drained or the
// delivery to the other listeners stalls.
func (q *Query) Events(size int) (<-chan Event, ListenerHandle) {
	cl := newChanListener(size, q.stopC)
	return cl.c, q.AddListener(cl)
}

// Start decomposes the circle and opens one subscription per range. A
// failed subscription is reported to the listeners and returned, the query
// stays active with the other ranges.
func (q *Query) Start() error {
	q.mutateMu.Lock()
	defer q.mutateMu.Unlock()

	q.mu.Lock()
	switch q.state {
	case stateClosed:
		q.mu.Unlock()
		return ErrQueryClosed
	case stateActive:
		q.mu.Unlock()
		return ErrQueryStarted
	}
	circle := q.circle
	q.mu.Unlock()

	ranges, err := q.opts.decomposer.RangesForCircle(circle, q.opts.precision)
	if err != nil {
		return err
	}

	q.mu.Lock()
	if q.state == stateClosed {
		q.mu.Unlock()
		return ErrQueryClosed
	}
	q.state = stateActive
	q.ranges = ranges
	newSubs := make([]*rangeSub, 0, len(ranges))
	for _, r := range ranges {
		rs := &rangeSub{rng: r}
		q.subs[r] = rs
		newSubs = append(newSubs, rs)
	}
	q.mu.Unlock()

	atomic.AddInt64(&activeQueries, 1)
	atomic.AddInt64(&startedQueries, 1)
	metric.ActiveQueries.Inc()
	go q.deliverLoop()

	q.opts.log.Debugf("query %v started on %v with ranges %v", q.id, circle, ranges)
	return q.openSubs(newSubs)
}

func (q *Query) openSubs(subs []*rangeSub) error {
	var g errgroup.Group
	g.SetLimit(maxConcurrentOpening)
	for _, rs := range subs {
		rs := rs
		g.Go(func() error {
			return q.openSub(rs)
		})
	}
	return g.Wait()
}

func (q *Query) openSub(rs *rangeSub) error {
	sub, err := q.store.SubscribeRange(rs.rng, func(ev StoreEvent) {
		q.handleStoreEvent(rs, ev)
	})
	q.mu.Lock()
	if err != nil {
		aerr := &AdapterError{Range: rs.rng, Err: err}
		if !rs.closed {
			q.opts.log.Warningf("query %v subscribe failed: %v", q.id, aerr)
			metric.ErrorCnt.WithLabelValues("subscribe_failed").Inc()
			rs.failed = true
			rs.ready = true
			q.enqueueLocked(Event{Kind: Error, ErrKind: ErrKindSubscribe, Err: aerr})
			q.checkReadyLocked()
		}
		q.mu.Unlock()
		return aerr
	}
	if rs.closed {
		// removed by a circle update or Close while subscribing
		q.mu.Unlock()
		sub.Unsubscribe()
		return nil
	}
	rs.sub = sub
	q.mu.Unlock()
	atomic.AddInt64(&openRanges, 1)
	metric.OpenRanges.Inc()
	return nil
}

func closeSubs(subs []Subscription) {
	for _, s := range subs {
		s.Unsubscribe()
		atomic.AddInt64(&openRanges, -1)
		metric.OpenRanges.Dec()
	}
}

// SetCenter moves the circle, see SetCircle.
func (q *Query) SetCenter(center geohash.GeoPoint) error {
	c := q.Circle()
	c.Center = center
	return q.SetCircle(c)
}

// SetRadius resizes the circle, see SetCircle.
func (q *Query) SetRadius(radiusMeters float64) error {
	c := q.Circle()
	c.RadiusMeters = radiusMeters
	return q.SetCircle(c)
}

// SetCircle changes the query region. The entries tracked outside the new
// circle exit at once and the entries already delivered by a range still open
// enter if the new circle holds them. The ranges are diffed against the open
// ones and only the changed ranges are closed or opened.
func (q *Query) SetCircle(c geoquery.Circle) error {
	if err := c.Validate(); err != nil {
		return err
	}
	q.mutateMu.Lock()
	defer q.mutateMu.Unlock()

	q.mu.Lock()
	switch q.state {
	case stateClosed:
		q.mu.Unlock()
		return ErrQueryClosed
	case stateInactive:
		q.circle = c
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()

	ranges, err := q.opts.decomposer.RangesForCircle(c, q.opts.precision)
	if err != nil {
		return err
	}

	q.mu.Lock()
	if q.state == stateClosed {
		q.mu.Unlock()
		return ErrQueryClosed
	}
	q.circle = c
	keys := make([]string, 0)
	for k, te := range q.tracked {
		if !c.Contains(te.loc) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		delete(q.tracked, k)
		q.enqueueLocked(Event{Kind: Exited, Key: k})
	}

	toClose, toOpen := geoquery.DiffRanges(q.ranges, ranges)
	closed := make(map[geoquery.Range]bool, len(toClose))
	var stale []Subscription
	for _, r := range toClose {
		closed[r] = true
		rs, ok := q.subs[r]
		if !ok {
			continue
		}
		rs.closed = true
		delete(q.subs, r)
		if rs.sub != nil {
			stale = append(stale, rs.sub)
		}
	}
	q.forgetRangesLocked(closed)
	entered := q.enterKnownLocked()
	newSubs := make([]*rangeSub, 0, len(toOpen))
	for _, r := range toOpen {
		rs := &rangeSub{rng: r}
		q.subs[r] = rs
		newSubs = append(newSubs, rs)
	}
	q.ranges = ranges
	q.readyFired = false
	q.checkReadyLocked()
	q.mu.Unlock()

	q.opts.log.Debugf("query %v moved to %v, %v exited, %v entered, closing %v, opening %v",
		q.id, c, len(keys), entered, toClose, toOpen)
	closeSubs(stale)
	return q.openSubs(newSubs)
}

// forgetRangesLocked drops what the closed ranges delivered, the ranges
// opened in their place deliver it again.
func (q *Query) forgetRangesLocked(closed map[geoquery.Range]bool) {
	if len(closed) == 0 {
		return
	}
	for k, ke := range q.known {
		if closed[ke.rng] {
			delete(q.known, k)
		}
	}
	for _, k := range q.tombstones.Keys() {
		v, ok := q.tombstones.Peek(k)
		if ok && closed[v.(tombstone).rng] {
			q.tombstones.Remove(k)
		}
	}
}

// enterKnownLocked checks the known entries not yet tracked against the
// current circle and returns how many entered.
func (q *Query) enterKnownLocked() int {
	keys := make([]string, 0)
	for k, ke := range q.known {
		if _, ok := q.tracked[k]; ok {
			continue
		}
		if q.circle.Contains(ke.loc) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		ke := q.known[k]
		q.tracked[k] = &trackedEntry{loc: ke.loc, payload: ke.payload}
		q.enqueueLocked(Event{Kind: Entered, Key: k, Location: ke.loc, Payload: ke.payload})
	}
	return len(keys)
}

// Close stops the query without waiting for the listener in flight, Done is
// closed once the delivery stopped. It is safe to call from a listener.
func (q *Query) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		prev := q.state
		q.state = stateClosed
		subs := make([]Subscription, 0, len(q.subs))
		for _, rs := range q.subs {
			rs.closed = true
			if rs.sub != nil {
				subs = append(subs, rs.sub)
			}
		}
		q.subs = nil
		q.tracked = nil
		q.known = nil
		q.tombstones.Purge()
		q.mu.Unlock()

		closeSubs(subs)
		close(q.stopC)
		q.queue.Close()
		if prev == stateActive {
			atomic.AddInt64(&activeQueries, -1)
			metric.ActiveQueries.Dec()
		} else {
			q.releaseListeners()
			close(q.doneC)
		}
		q.opts.log.Debugf("query %v closed", q.id)
	})
}

func (q *Query) releaseListeners() {
	q.listenersMu.Lock()
	defer q.listenersMu.Unlock()
	for h, le := range q.listeners {
		if r, ok := le.l.(releaser); ok {
			r.release()
		}
		delete(q.listeners, h)
	}
}

func (q *Query) enqueueLocked(ev Event) {
	q.seq++
	ev.seq = q.seq
	q.queue.Add(ev)
}

func (q *Query) checkReadyLocked() {
	if q.readyFired || q.state != stateActive {
		return
	}
	for _, rs := range q.subs {
		if !rs.ready {
			return
		}
	}
	q.readyFired = true
	q.enqueueLocked(Event{Kind: Ready})
}

// isStaleLocked drops the events older than the last one seen for the key.
// Deletions keep their version as a tombstone so a late add can not bring an
// entry back.
func (q *Query) isStaleLocked(key string, version uint64) bool {
	if version == 0 {
		return false
	}
	var last uint64
	if ke, ok := q.known[key]; ok {
		last = ke.version
	} else if v, ok := q.tombstones.Peek(key); ok {
		last = v.(tombstone).version
	}
	return version < last
}

func (q *Query) rememberLocked(rng geoquery.Range, ev StoreEvent) {
	payload := ev.Payload
	if !q.opts.withPayload {
		payload = nil
	}
	ke, ok := q.known[ev.Key]
	if !ok {
		ke = &knownEntry{}
		q.known[ev.Key] = ke
		q.tombstones.Remove(ev.Key)
	}
	ke.loc = ev.Location
	ke.payload = payload
	ke.rng = rng
	if ev.Version > ke.version {
		ke.version = ev.Version
	}
}

func (q *Query) handleStoreEvent(rs *rangeSub, ev StoreEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != stateActive || rs.closed {
		return
	}
	switch ev.Type {
	case EventReady:
		if !rs.ready {
			rs.ready = true
			q.checkReadyLocked()
		}
	case EventError:
		aerr := &AdapterError{Range: rs.rng, Err: ev.Err}
		q.opts.log.Warningf("query %v: %v", q.id, aerr)
		metric.ErrorCnt.WithLabelValues("adapter_error").Inc()
		rs.failed = true
		q.enqueueLocked(Event{Kind: Error, ErrKind: ErrKindAdapter, Err: aerr})
		if !rs.ready {
			rs.ready = true
			q.checkReadyLocked()
		}
	case EventAdded, EventChanged:
		if q.filteredLocked(ev) {
			return
		}
		q.rememberLocked(rs.rng, ev)
		q.applyLocationLocked(ev.Key, ev.Location, ev.Payload)
	case EventRemoved:
		if q.filteredLocked(ev) {
			return
		}
		ke, known := q.known[ev.Key]
		if ev.HasLocation {
			rng := rs.rng
			if known && ke.rng != rs.rng {
				rng = ke.rng
			}
			q.rememberLocked(rng, ev)
			q.applyLocationLocked(ev.Key, ev.Location, ev.Payload)
			return
		}
		if known && ke.rng != rs.rng {
			// another open range delivered the key since
			return
		}
		delete(q.known, ev.Key)
		if ev.Version > 0 {
			q.tombstones.Add(ev.Key, tombstone{version: ev.Version, rng: rs.rng})
		}
		if _, ok := q.tracked[ev.Key]; ok {
			delete(q.tracked, ev.Key)
			q.enqueueLocked(Event{Kind: Exited, Key: ev.Key})
		}
	default:
		q.opts.log.Infof("query %v ignored unknown store event %v", q.id, ev.Type)
	}
}

func (q *Query) filteredLocked(ev StoreEvent) bool {
	if q.opts.keyMatch != nil && !q.opts.keyMatch.Match(ev.Key) {
		return true
	}
	if q.isStaleLocked(ev.Key, ev.Version) {
		q.opts.log.Detailf("query %v dropped stale %v of %v at version %v", q.id, ev.Type, ev.Key, ev.Version)
		return true
	}
	return false
}

func (q *Query) applyLocationLocked(key string, loc geohash.GeoPoint, payload []byte) {
	if !q.opts.withPayload {
		payload = nil
	}
	te, tracked := q.tracked[key]
	if q.circle.Contains(loc) {
		switch {
		case !tracked:
			q.tracked[key] = &trackedEntry{loc: loc, payload: payload}
			q.enqueueLocked(Event{Kind: Entered, Key: key, Location: loc, Payload: payload})
		case !te.loc.Equal(loc):
			te.loc = loc
			te.payload = payload
			q.enqueueLocked(Event{Kind: Moved, Key: key, Location: loc, Payload: payload})
		case !bytes.Equal(te.payload, payload):
			te.payload = payload
		}
		return
	}
	if tracked {
		delete(q.tracked, key)
		q.enqueueLocked(Event{Kind: Exited, Key: key})
	}
}

func (q *Query) deliverLoop() {
	defer func() {
		q.releaseListeners()
		close(q.doneC)
	}()
	for {
		select {
		case <-q.stopC:
			return
		case <-q.queue.NotifyC():
		}
		events := q.queue.Get()
		metric.QueueLen.WithLabelValues("query_delivery").Set(float64(len(events)))
		for _, ev := range events {
			select {
			case <-q.stopC:
				return
			default:
			}
			q.dispatch(ev)
		}
	}
}

func (q *Query) dispatch(ev Event) {
	q.listenersMu.RLock()
	targets := make([]*listenerEntry, 0, len(q.listeners))
	for _, le := range q.listeners {
		if ev.target != 0 {
			if le.handle == ev.target {
				targets = append(targets, le)
			}
			continue
		}
		if ev.seq > le.fromSeq {
			targets = append(targets, le)
		}
	}
	q.listenersMu.RUnlock()
	sort.Slice(targets, func(i, j int) bool { return targets[i].handle < targets[j].handle })

	metric.EventCnt.WithLabelValues(ev.Kind.String()).Inc()
	for _, le := range targets {
		q.safeDeliver(le, ev)
	}
	atomic.AddInt64(&deliveredEvents, 1)
}

func (q *Query) safeDeliver(le *listenerEntry, ev Event) {
	defer func() {
		if e := recover(); e != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			buf = buf[0:n]
			q.opts.log.Errorf("query %v listener %v panic on %v: %v, %s", q.id, le.handle, ev, e, buf)
			metric.ErrorCnt.WithLabelValues("listener_panic").Inc()
		}
	}()
	deliver(le.l, ev)
}
