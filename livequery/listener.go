package livequery

import (
	"fmt"
	"sync"

	"github.com/youzan/zangeo/common/geohash"
)

// Listener receives the events of a query. All calls come from the single
// delivery goroutine of the query, never while the query holds its locks, so
// a listener may call back into the query.
type Listener interface {
	OnEntered(key string, loc geohash.GeoPoint, payload []byte)
	OnMoved(key string, loc geohash.GeoPoint, payload []byte)
	OnExited(key string)
	OnInitialLoadComplete()
	OnError(kind ErrKind, err error)
}

// ListenerFuncs adapts plain functions to a Listener, nil fields are skipped.
type ListenerFuncs struct {
	Entered func(key string, loc geohash.GeoPoint, payload []byte)
	Moved   func(key string, loc geohash.GeoPoint, payload []byte)
	Exited  func(key string)
	Ready   func()
	Error   func(kind ErrKind, err error)
}

func (lf ListenerFuncs) OnEntered(key string, loc geohash.GeoPoint, payload []byte) {
	if lf.Entered != nil {
		lf.Entered(key, loc, payload)
	}
}

func (lf ListenerFuncs) OnMoved(key string, loc geohash.GeoPoint, payload []byte) {
	if lf.Moved != nil {
		lf.Moved(key, loc, payload)
	}
}

func (lf ListenerFuncs) OnExited(key string) {
	if lf.Exited != nil {
		lf.Exited(key)
	}
}

func (lf ListenerFuncs) OnInitialLoadComplete() {
	if lf.Ready != nil {
		lf.Ready()
	}
}

func (lf ListenerFuncs) OnError(kind ErrKind, err error) {
	if lf.Error != nil {
		lf.Error(kind, err)
	}
}

type ListenerHandle uint64

type EventKind int

const (
	Entered EventKind = iota
	Moved
	Exited
	Ready
	Error
)

func (k EventKind) String() string {
	switch k {
	case Entered:
		return "entered"
	case Moved:
		return "moved"
	case Exited:
		return "exited"
	case Ready:
		return "ready"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Event is a query event as sent to the channel of Query.Events.
type Event struct {
	Kind     EventKind
	Key      string
	Location geohash.GeoPoint
	Payload  []byte
	ErrKind  ErrKind
	Err      error

	seq    uint64
	target ListenerHandle
}

func (ev Event) String() string {
	switch ev.Kind {
	case Entered, Moved:
		return fmt.Sprintf("%v %s %v", ev.Kind, ev.Key, ev.Location)
	case Exited:
		return fmt.Sprintf("%v %s", ev.Kind, ev.Key)
	case Error:
		return fmt.Sprintf("%v %v: %v", ev.Kind, ev.ErrKind, ev.Err)
	default:
		return ev.Kind.String()
	}
}

func deliver(l Listener, ev Event) {
	switch ev.Kind {
	case Entered:
		l.OnEntered(ev.Key, ev.Location, ev.Payload)
	case Moved:
		l.OnMoved(ev.Key, ev.Location, ev.Payload)
	case Exited:
		l.OnExited(ev.Key)
	case Ready:
		l.OnInitialLoadComplete()
	case Error:
		l.OnError(ev.ErrKind, ev.Err)
	}
}

// releaser is implemented by listeners owning resources that must be freed
// once the query can not deliver anymore.
type releaser interface {
	release()
}

type chanListener struct {
	c     chan Event
	stopC <-chan struct{}

	// removedC unblocks a pending send before c is closed
	removedC  chan struct{}
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

func newChanListener(size int, stopC <-chan struct{}) *chanListener {
	return &chanListener{
		c:        make(chan Event, size),
		stopC:    stopC,
		removedC: make(chan struct{}),
	}
}

func (cl *chanListener) send(ev Event) {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	if cl.closed {
		return
	}
	select {
	case cl.c <- ev:
	case <-cl.stopC:
	case <-cl.removedC:
	}
}

func (cl *chanListener) OnEntered(key string, loc geohash.GeoPoint, payload []byte) {
	cl.send(Event{Kind: Entered, Key: key, Location: loc, Payload: payload})
}

func (cl *chanListener) OnMoved(key string, loc geohash.GeoPoint, payload []byte) {
	cl.send(Event{Kind: Moved, Key: key, Location: loc, Payload: payload})
}

func (cl *chanListener) OnExited(key string) {
	cl.send(Event{Kind: Exited, Key: key})
}

func (cl *chanListener) OnInitialLoadComplete() {
	cl.send(Event{Kind: Ready})
}

func (cl *chanListener) OnError(kind ErrKind, err error) {
	cl.send(Event{Kind: Error, ErrKind: kind, Err: err})
}

func (cl *chanListener) release() {
	cl.closeOnce.Do(func() {
		close(cl.removedC)
		cl.mu.Lock()
		cl.closed = true
		close(cl.c)
		cl.mu.Unlock()
	})
}
