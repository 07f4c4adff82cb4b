package livequery

import (
	"context"
	"fmt"

	"github.com/youzan/zangeo/common/geohash"
	"github.com/youzan/zangeo/geoquery"
)

type EventType int

const (
	EventAdded EventType = iota
	EventChanged
	EventRemoved
	// EventReady is sent once per subscription after the initial load
	EventReady
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventAdded:
		return "added"
	case EventChanged:
		return "changed"
	case EventRemoved:
		return "removed"
	case EventReady:
		return "ready"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// StoreEvent is one raw notification of a range subscription.
type StoreEvent struct {
	Type     EventType
	Key      string
	Location geohash.GeoPoint
	// HasLocation marks a removed event that knows where the entry went,
	// set when an entry leaves the range without being deleted.
	HasLocation bool
	Payload     []byte
	// Version orders the writes of one key, 0 if the store has no versions.
	Version uint64
	Err     error
}

type EventHandler func(ev StoreEvent)

type Subscription interface {
	// Unsubscribe stops the delivery, it may be called while the handler is
	// running and never waits for it.
	Unsubscribe()
}

// Store is the read side of an ordered store indexed by geohash. The handler
// is never called from inside SubscribeRange. The events of one
// subscription are delivered in order, different subscriptions run
// concurrently.
type Store interface {
	SubscribeRange(rng geoquery.Range, handler EventHandler) (Subscription, error)
}

type Entry struct {
	Key      string
	Location geohash.GeoPoint
	Geohash  string
	Payload  []byte
	Version  uint64
}

// Writer is the write side of a store. GetEntry returns common.ErrNotFound
// for an unknown key.
type Writer interface {
	WriteEntry(ctx context.Context, key string, loc geohash.GeoPoint, payload []byte) error
	DeleteEntry(ctx context.Context, key string) error
	GetEntry(ctx context.Context, key string) (Entry, error)
}

type ErrKind int

const (
	// the store could not open a range subscription
	ErrKindSubscribe ErrKind = iota
	// an open subscription reported a failure
	ErrKindAdapter
)

func (k ErrKind) String() string {
	switch k {
	case ErrKindSubscribe:
		return "subscribe"
	case ErrKindAdapter:
		return "adapter"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// AdapterError wraps a store failure for one range. It is reported once and
// never retried by the query.
type AdapterError struct {
	Range geoquery.Range
	Err   error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("store error on range %v: %v", e.Range, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}
