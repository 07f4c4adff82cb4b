package metric

import (
	"container/heap"
	"sort"
	"sync"
)

const (
	// payloads under this size are not tracked
	DefaultMinPayloadSize = 4 * 1024
	DefaultHeapCapacity   = 100
)

type sizeItem struct {
	key   string
	size  int
	index int
}

// min heap on the size, the smallest tracked payload is evicted first
type sizeQueue []*sizeItem

func (pq sizeQueue) Len() int { return len(pq) }

func (pq sizeQueue) Less(i, j int) bool {
	return pq[i].size < pq[j].size
}

func (pq sizeQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *sizeQueue) Push(x interface{}) {
	item := x.(*sizeItem)
	item.index = len(*pq)
	*pq = append(*pq, item)
}

func (pq *sizeQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*pq = old[0 : n-1]
	return item
}

// PayloadSizeHeap keeps the entries carrying the largest payloads.
type PayloadSizeHeap struct {
	l        sync.Mutex
	pq       sizeQueue
	items    map[string]*sizeItem
	capacity int
	minSize  int
}

func NewPayloadSizeHeap(capacity int, minSize int) *PayloadSizeHeap {
	q := make(sizeQueue, 0)
	heap.Init(&q)
	return &PayloadSizeHeap{
		pq:       q,
		items:    make(map[string]*sizeItem),
		capacity: capacity,
		minSize:  minSize,
	}
}

func (h *PayloadSizeHeap) Update(key string, size int) {
	h.l.Lock()
	defer h.l.Unlock()
	item, ok := h.items[key]
	if ok {
		if size < h.minSize {
			h.removeLocked(item)
			return
		}
		item.size = size
		heap.Fix(&h.pq, item.index)
		return
	}
	if size < h.minSize {
		return
	}
	item = &sizeItem{key: key, size: size}
	heap.Push(&h.pq, item)
	h.items[key] = item
	if h.pq.Len() > h.capacity {
		old := heap.Pop(&h.pq).(*sizeItem)
		delete(h.items, old.key)
	}
}

func (h *PayloadSizeHeap) Remove(key string) {
	h.l.Lock()
	defer h.l.Unlock()
	if item, ok := h.items[key]; ok {
		h.removeLocked(item)
	}
}

func (h *PayloadSizeHeap) removeLocked(item *sizeItem) {
	heap.Remove(&h.pq, item.index)
	delete(h.items, item.key)
}

// TopKeys returns the tracked keys, largest payload first.
func (h *PayloadSizeHeap) TopKeys() []KeyCount {
	h.l.Lock()
	keys := make(keyCountList, 0, len(h.items))
	for _, item := range h.items {
		keys = append(keys, KeyCount{Key: item.key, Cnt: int32(item.size)})
	}
	h.l.Unlock()
	sort.Sort(keys)
	return keys
}
