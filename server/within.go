package server

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/youzan/zangeo/common"
	"github.com/youzan/zangeo/common/geohash"
	"github.com/youzan/zangeo/geoquery"
	"github.com/youzan/zangeo/livequery"
	"github.com/youzan/zangeo/slow"
)

const withinSlow = time.Millisecond * 200

type WithinResult struct {
	Key      string  `json:"key"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Geohash  string  `json:"geohash,omitempty"`
	Distance float64 `json:"distance"`
	Payload  []byte  `json:"payload,omitempty"`
}

type withinOptions struct {
	match       string
	withPayload bool
	desc        bool
	count       int
}

// within lists the entries inside the circle sorted by distance.
func (s *Server) within(ctx context.Context, c geoquery.Circle, opts withinOptions) ([]WithinResult, error) {
	var g glob.Glob
	if opts.match != "" {
		var err error
		g, err = glob.Compile(opts.match)
		if err != nil {
			return nil, fmt.Errorf("%w: bad match pattern: %v", common.ErrInvalidArgs, err)
		}
	}
	start := time.Now()
	var entries []livequery.Entry
	var err error
	if rr, ok := s.store.(rangeReader); ok {
		entries, err = s.withinByRanges(rr, c)
	} else {
		entries, err = s.withinByQuery(ctx, c, opts)
	}
	if err != nil {
		return nil, err
	}
	loaded := time.Since(start)
	list := make([]WithinResult, 0, len(entries))
	for _, e := range entries {
		if g != nil && !g.Match(e.Key) {
			continue
		}
		dist := geohash.Distance(c.Center, e.Location)
		if dist > c.RadiusMeters {
			continue
		}
		r := WithinResult{
			Key:      e.Key,
			Lat:      e.Location.Latitude,
			Lon:      e.Location.Longitude,
			Geohash:  e.Geohash,
			Distance: dist,
		}
		if opts.withPayload {
			r.Payload = e.Payload
		}
		list = append(list, r)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Distance == list[j].Distance {
			return list[i].Key < list[j].Key
		}
		if opts.desc {
			return list[i].Distance > list[j].Distance
		}
		return list[i].Distance < list[j].Distance
	})
	si := slow.NewSlowLogInfo("within", c.String(), opts.match)
	slow.LogLargeResult(len(entries), si)
	slow.LogSlowForSteps(withinSlow, common.LOG_INFO, si, loaded, time.Since(start))
	if opts.count > 0 && len(list) > opts.count {
		list = list[:opts.count]
	}
	return list, nil
}

func (s *Server) withinByRanges(rr rangeReader, c geoquery.Circle) ([]livequery.Entry, error) {
	ranges, err := s.decomposer.RangesForCircle(c, s.store.Precision())
	if err != nil {
		return nil, err
	}
	return rr.EntriesInRanges(ranges)
}

// withinByQuery starts a live query, waits for its initial load and keeps
// what entered.
func (s *Server) withinByQuery(ctx context.Context, c geoquery.Circle, opts withinOptions) ([]livequery.Entry, error) {
	q, err := livequery.NewQuery(s.store, c,
		livequery.WithPrecision(s.store.Precision()),
		livequery.WithDecomposer(s.decomposer),
		livequery.WithPayload(opts.withPayload),
		livequery.WithLogger(sLog))
	if err != nil {
		return nil, err
	}
	defer q.Close()

	var mu sync.Mutex
	found := make(map[string]livequery.Entry)
	readyC := make(chan struct{})
	var readyOnce sync.Once
	update := func(key string, loc geohash.GeoPoint, payload []byte) {
		mu.Lock()
		found[key] = livequery.Entry{Key: key, Location: loc, Payload: payload}
		mu.Unlock()
	}
	q.AddListener(livequery.ListenerFuncs{
		Entered: update,
		Moved:   update,
		Exited: func(key string) {
			mu.Lock()
			delete(found, key)
			mu.Unlock()
		},
		Ready: func() {
			readyOnce.Do(func() { close(readyC) })
		},
		Error: func(kind livequery.ErrKind, err error) {
			sLog.Infof("within query %v got %v error: %v", q.ID(), kind, err)
		},
	})
	// a failed range is reported by the listener and counted as loaded
	if err := q.Start(); err != nil {
		sLog.Infof("within query %v started with error: %v", q.ID(), err)
	}
	timer := time.NewTimer(time.Duration(s.conf.WithinTimeout) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-readyC:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, errWithinTimeout
	}
	mu.Lock()
	defer mu.Unlock()
	list := make([]livequery.Entry, 0, len(found))
	for _, e := range found {
		list = append(list, e)
	}
	return list, nil
}
