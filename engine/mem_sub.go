package engine

import (
	"sync/atomic"

	"github.com/youzan/zangeo/common"
	"github.com/youzan/zangeo/geoquery"
	"github.com/youzan/zangeo/livequery"
	"github.com/youzan/zangeo/metric"
)

// memSub queues the events of one range and calls the handler from its own
// goroutine, so a slow handler never blocks the writers.
type memSub struct {
	id      uint64
	rng     geoquery.Range
	handler livequery.EventHandler
	store   *MemStore
	queue   *common.EntryQueue[livequery.StoreEvent]
	stopC   chan struct{}
	closed  int32
}

func newMemSub(ms *MemStore, rng geoquery.Range, handler livequery.EventHandler, size int) *memSub {
	return &memSub{
		rng:     rng,
		handler: handler,
		store:   ms,
		queue:   common.NewEntryQueue[livequery.StoreEvent](size, 1),
		stopC:   make(chan struct{}),
	}
}

func (s *memSub) isClosed() bool {
	return atomic.LoadInt32(&s.closed) == 1
}

func (s *memSub) push(ev livequery.StoreEvent) {
	s.queue.Add(ev)
}

func (s *memSub) Unsubscribe() {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return
	}
	s.store.removeSub(s.id)
	s.queue.Close()
	close(s.stopC)
	dbLog.Debugf("subscription %v on %v closed", s.id, s.rng)
}

func (s *memSub) run() {
	for {
		select {
		case <-s.stopC:
			return
		case <-s.queue.NotifyC():
		}
		events := s.queue.Get()
		metric.QueueLen.WithLabelValues("store_subscription").Set(float64(len(events)))
		for _, ev := range events {
			if s.isClosed() {
				return
			}
			s.handler(ev)
		}
	}
}
