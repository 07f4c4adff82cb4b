package metric

// hot keys are the entries written most often, usually a client reporting
// its location faster than needed. The keys are sampled on the write path
// into a few LRU buckets so only the recent hot keys are kept.

import (
	"sort"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
	"github.com/spaolacci/murmur3"
)

const (
	hotKeyBuckets     = 2
	maxHotKeyInBucket = 16
	DefaultSampleRate = 3
)

type hotKeyInfo struct {
	cnt int32
}

func (hki *hotKeyInfo) inc() int32 {
	return atomic.AddInt32(&hki.cnt, 1)
}

type hotBucket struct {
	keys      *lru.ARCCache
	sampleCnt int64
}

func newHotBucket() *hotBucket {
	l, err := lru.NewARC(maxHotKeyInBucket)
	if err != nil {
		panic(err)
	}
	return &hotBucket{
		keys: l,
	}
}

func (b *hotBucket) hit(key string, rate int64) {
	c := atomic.AddInt64(&b.sampleCnt, 1)
	if rate > 1 && c%rate != 0 {
		return
	}
	item, ok := b.keys.Get(key)
	if ok {
		item.(*hotKeyInfo).inc()
		return
	}
	// a concurrent add of the same key only loses one sample
	b.keys.Add(key, &hotKeyInfo{cnt: 1})
}

func (b *hotBucket) peek(key interface{}) int32 {
	v, ok := b.keys.Peek(key)
	if !ok {
		return 0
	}
	return atomic.LoadInt32(&v.(*hotKeyInfo).cnt)
}

type HotKeys struct {
	buckets    [hotKeyBuckets]*hotBucket
	sampleRate int64
	enabled    int32
}

// NewHotKeys counts one of every sampleRate writes, a rate of 1 or less
// counts all of them.
func NewHotKeys(sampleRate int64) *HotKeys {
	hk := &HotKeys{
		sampleRate: sampleRate,
		enabled:    1,
	}
	for i := 0; i < len(hk.buckets); i++ {
		hk.buckets[i] = newHotBucket()
	}
	return hk
}

// Clear drops the history so the new hot keys can show up.
func (hk *HotKeys) Clear() {
	for _, b := range hk.buckets {
		b.keys.Purge()
	}
}

func (hk *HotKeys) isEnabled() bool {
	return atomic.LoadInt32(&hk.enabled) > 0
}

func (hk *HotKeys) Enable(on bool) {
	if on {
		atomic.StoreInt32(&hk.enabled, 1)
	} else {
		atomic.StoreInt32(&hk.enabled, 0)
	}
}

func (hk *HotKeys) HitWrite(key string) {
	if !hk.isEnabled() || len(key) == 0 {
		return
	}
	b := hk.buckets[murmur3.Sum64([]byte(key))%uint64(len(hk.buckets))]
	b.hit(key, hk.sampleRate)
}

type KeyCount struct {
	Key string `json:"key"`
	Cnt int32  `json:"cnt"`
}

type keyCountList []KeyCount

func (t keyCountList) Len() int {
	return len(t)
}

func (t keyCountList) Swap(i, j int) {
	t[i], t[j] = t[j], t[i]
}

// the hottest key sorts first
func (t keyCountList) Less(i, j int) bool {
	if t[i].Cnt == t[j].Cnt {
		return t[i].Key < t[j].Key
	}
	return t[i].Cnt > t[j].Cnt
}

func (hk *HotKeys) TopWrites() []KeyCount {
	if !hk.isEnabled() {
		return nil
	}
	list := make(keyCountList, 0, len(hk.buckets)*maxHotKeyInBucket)
	for _, b := range hk.buckets {
		for _, key := range b.keys.Keys() {
			cnt := b.peek(key)
			if cnt == 0 {
				continue
			}
			list = append(list, KeyCount{Key: key.(string), Cnt: cnt})
		}
	}
	sort.Sort(list)
	return list
}
