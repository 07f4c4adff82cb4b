// Copyright 2017-2019 Lei Ni (nilei81@gmail.com)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"sync"
)

// EntryQueue is a double buffered queue with a single consumer. Producers
// never block, the write side grows as needed.
type EntryQueue[T any] struct {
	left          []T
	right         []T
	leftInWrite   bool
	stopped       bool
	oldIdx        int
	cycle         uint64
	lazyFreeCycle uint64
	mu            sync.Mutex
	notifyC       chan struct{}
}

func NewEntryQueue[T any](size int, lazyFreeCycle uint64) *EntryQueue[T] {
	return &EntryQueue[T]{
		lazyFreeCycle: lazyFreeCycle,
		left:          make([]T, 0, size),
		right:         make([]T, 0, size),
		notifyC:       make(chan struct{}, 1),
	}
}

// NotifyC gets a signal after an add, a consumer woken by it must drain the
// queue with Get.
func (q *EntryQueue[T]) NotifyC() <-chan struct{} {
	return q.notifyC
}

func (q *EntryQueue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopped = true
}

func (q *EntryQueue[T]) targetQueue() *[]T {
	if q.leftInWrite {
		return &q.left
	}
	return &q.right
}

// Add returns false once the queue is closed.
func (q *EntryQueue[T]) Add(e T) bool {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return false
	}
	w := q.targetQueue()
	*w = append(*w, e)
	q.mu.Unlock()
	select {
	case q.notifyC <- struct{}{}:
	default:
	}
	return true
}

func (q *EntryQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(*q.targetQueue())
}

// gc drops the references held by the entries handed out in the last cycle,
// the buffer becomes the write side again.
func (q *EntryQueue[T]) gc() {
	var zero T
	oldq := q.targetQueue()
	if q.lazyFreeCycle > 0 {
		if q.lazyFreeCycle == 1 {
			for i := 0; i < q.oldIdx; i++ {
				(*oldq)[i] = zero
			}
		} else if q.cycle%q.lazyFreeCycle == 0 {
			full := (*oldq)[:cap(*oldq)]
			for i := range full {
				full[i] = zero
			}
		}
	}
	*oldq = (*oldq)[:0]
}

// Get swaps the buffers and returns the entries added since the last call.
// The returned slice is only valid until the next call.
func (q *EntryQueue[T]) Get() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cycle++
	t := *q.targetQueue()
	q.leftInWrite = !q.leftInWrite
	q.gc()
	q.oldIdx = len(t)
	return t
}
