package geoquery

import (
	"fmt"
	"sort"

	"github.com/youzan/zangeo/common/geohash"
)

// EndSentinel sorts after every geohash symbol, a range ending with it covers
// all hashes sharing the prefix before it.
const EndSentinel = "~"

// Range is a half open geohash interval [Start, End).
type Range struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

func (r Range) Contains(hash string) bool {
	return hash >= r.Start && hash < r.End
}

func (r Range) Empty() bool {
	return r.Start >= r.End
}

func (r Range) String() string {
	return fmt.Sprintf("[%s, %s)", r.Start, r.End)
}

// Successor returns the first string after every hash prefixed by hash, so
// [hash, Successor(hash)) is the cell of hash.
func Successor(hash string) string {
	b := []byte(hash)
	for i := len(b) - 1; i >= 0; i-- {
		v := geohash.CharValue(b[i])
		if v < 0 {
			break
		}
		if v < 31 {
			b[i] = geohash.Char(v + 1)
			return string(b[:i+1])
		}
	}
	return EndSentinel
}

// MergeRanges sorts ranges by start and coalesces every range whose start is
// not after the end of the one before it. The input is not modified.
func MergeRanges(ranges []Range) []Range {
	if len(ranges) == 0 {
		return nil
	}
	sorted := make([]Range, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Start == sorted[j].Start {
			return sorted[i].End < sorted[j].End
		}
		return sorted[i].Start < sorted[j].Start
	})
	merged := make([]Range, 0, len(sorted))
	cur := sorted[0]
	for _, r := range sorted[1:] {
		if cur.End >= r.Start {
			if r.End > cur.End {
				cur.End = r.End
			}
			continue
		}
		merged = append(merged, cur)
		cur = r
	}
	merged = append(merged, cur)
	return merged
}

// DiffRanges compares two decompositions by range equality. toClose holds
// the ranges only in old, toOpen the ranges only in new.
func DiffRanges(old, new []Range) (toClose []Range, toOpen []Range) {
	oldSet := make(map[Range]struct{}, len(old))
	for _, r := range old {
		oldSet[r] = struct{}{}
	}
	newSet := make(map[Range]struct{}, len(new))
	for _, r := range new {
		newSet[r] = struct{}{}
		if _, ok := oldSet[r]; !ok {
			toOpen = append(toOpen, r)
		}
	}
	for _, r := range old {
		if _, ok := newSet[r]; !ok {
			toClose = append(toClose, r)
		}
	}
	return
}

// RangesContain reports whether any range contains hash.
func RangesContain(ranges []Range, hash string) bool {
	for _, r := range ranges {
		if r.Contains(hash) {
			return true
		}
	}
	return false
}
