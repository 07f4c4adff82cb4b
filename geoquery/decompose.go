package geoquery

import (
	"encoding/binary"
	"math"

	lru "github.com/hashicorp/golang-lru"
	"github.com/paulmach/orb"
	"github.com/spaolacci/murmur3"
	"github.com/youzan/zangeo/common"
	"github.com/youzan/zangeo/common/geohash"
	"github.com/youzan/zangeo/metric"
)

const (
	// a cell at least half the box span means at most 3 cells per axis
	DefaultCellSizeFactor = 0.5
	// cells are indexed with uint64, 60 bits is a few centimeters
	MaxCellBits = 60
)

var queryLog = common.NewLevelLogger(common.LOG_INFO, common.NewDefaultLogger("geoquery"))

func SetLogLevel(level int32) {
	queryLog.SetLevel(level)
}

func SetLogger(level int32, logger common.Logger) {
	queryLog.SetLevel(level)
	queryLog.Logger = logger
}

type DecomposerOptions struct {
	// CellSizeFactor trades range count against false positives: the chosen
	// cells are at least CellSizeFactor times the radius box span. Smaller
	// values give finer cells and more ranges.
	CellSizeFactor float64 `json:"cell_size_factor"`
	// CacheSize enables an LRU of recent decompositions when positive.
	CacheSize int `json:"cache_size"`
}

// Decomposer turns circles into merged geohash ranges. It is safe for
// concurrent use.
type Decomposer struct {
	factor float64
	cache  *lru.Cache
}

var DefaultDecomposer = &Decomposer{factor: DefaultCellSizeFactor}

func NewDecomposer(opts DecomposerOptions) (*Decomposer, error) {
	d := &Decomposer{factor: opts.CellSizeFactor}
	if d.factor <= 0 || math.IsNaN(d.factor) {
		d.factor = DefaultCellSizeFactor
	}
	if opts.CacheSize > 0 {
		c, err := lru.New(opts.CacheSize)
		if err != nil {
			return nil, err
		}
		d.cache = c
	}
	return d, nil
}

func (d *Decomposer) CellSizeFactor() float64 {
	return d.factor
}

type cacheKey struct {
	lat       float64
	lon       float64
	radius    float64
	precision int
}

func (k cacheKey) hash() uint64 {
	var buf [32]byte
	binary.BigEndian.PutUint64(buf[0:], math.Float64bits(k.lat))
	binary.BigEndian.PutUint64(buf[8:], math.Float64bits(k.lon))
	binary.BigEndian.PutUint64(buf[16:], math.Float64bits(k.radius))
	binary.BigEndian.PutUint64(buf[24:], uint64(k.precision))
	return murmur3.Sum64(buf[:])
}

type cacheEntry struct {
	key    cacheKey
	ranges []Range
}

// RangesForCircle returns the sorted, merged ranges whose union holds the
// geohash (at precision characters) of every point inside the circle.
func (d *Decomposer) RangesForCircle(c Circle, precision int) ([]Range, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if precision < 1 || precision > geohash.MaxPrecision {
		return nil, geohash.ErrInvalidPrecision
	}
	key := cacheKey{lat: c.Center.Latitude, lon: c.Center.Longitude, radius: c.RadiusMeters, precision: precision}
	if d.cache != nil {
		if v, ok := d.cache.Get(key.hash()); ok {
			if e := v.(*cacheEntry); e.key == key {
				metric.DecomposeCacheCnt.WithLabelValues("hit").Inc()
				return append([]Range(nil), e.ranges...), nil
			}
		}
		metric.DecomposeCacheCnt.WithLabelValues("miss").Inc()
	}

	ranges, err := d.decompose(c, precision)
	if err != nil {
		return nil, err
	}
	metric.RangesPerQuery.Observe(float64(len(ranges)))
	if d.cache != nil {
		d.cache.Add(key.hash(), &cacheEntry{key: key, ranges: append([]Range(nil), ranges...)})
	}
	return ranges, nil
}

func (d *Decomposer) decompose(c Circle, precision int) ([]Range, error) {
	if c.RadiusMeters == 0 {
		hash, err := geohash.Encode(c.Center, precision)
		if err != nil {
			return nil, err
		}
		return []Range{{Start: hash, End: Successor(hash)}}, nil
	}
	box := c.BoundingBox()
	bits := d.cellBits(box, precision)
	cells := cellsInBox(box, bits)
	ranges := make([]Range, 0, len(cells))
	for _, h := range cells {
		ranges = append(ranges, rangeForCell(h, bits))
	}
	merged := MergeRanges(ranges)
	queryLog.Detailf("%v decomposed at %v bits: %v cells, ranges %v", c, bits, len(cells), merged)
	return merged, nil
}

// CellBits returns the bit length of the cells used to cover the circle.
func (d *Decomposer) CellBits(c Circle, precision int) int {
	if c.RadiusMeters == 0 {
		return precision * geohash.BitsPerChar
	}
	return d.cellBits(c.BoundingBox(), precision)
}

// cellBits picks the finest cells whose height and width are both at least
// factor times the box span.
func (d *Decomposer) cellBits(box geohash.RadiusBox, precision int) int {
	latSpan := box.Latitude.Span()
	lonSpan := box.MaxLongitudeSpan()
	maxBits := precision * geohash.BitsPerChar
	if maxBits > MaxCellBits {
		maxBits = MaxCellBits
	}
	for bits := maxBits; bits > 1; bits-- {
		latDeg, lonDeg := geohash.CellSize(bits)
		if latDeg >= d.factor*latSpan && lonDeg >= d.factor*lonSpan {
			return bits
		}
	}
	return 1
}

// axisIndex bisects r the same way the encoder does, so a point always
// lands in the cell its geohash names.
func axisIndex(v float64, r geohash.Range, bits int) uint64 {
	var idx uint64
	for i := 0; i < bits; i++ {
		mid := (r.Min + r.Max) / 2
		idx <<= 1
		if v >= mid {
			idx |= 1
			r.Min = mid
		} else {
			r.Max = mid
		}
	}
	return idx
}

func interleave(lonIdx, latIdx uint64, lonBits, latBits int) uint64 {
	var h uint64
	total := lonBits + latBits
	for i := 0; i < total; i++ {
		h <<= 1
		if i%2 == 0 {
			lonBits--
			h |= (lonIdx >> uint(lonBits)) & 1
		} else {
			latBits--
			h |= (latIdx >> uint(latBits)) & 1
		}
	}
	return h
}

func cellBound(lonIdx, latIdx uint64, lonBits, latBits int) orb.Bound {
	w := geohash.WGS84LonRange.Span() / float64(uint64(1)<<uint(lonBits))
	h := geohash.WGS84LatRange.Span() / float64(uint64(1)<<uint(latBits))
	minLon := geohash.WGS84LonRange.Min + float64(lonIdx)*w
	minLat := geohash.WGS84LatRange.Min + float64(latIdx)*h
	return orb.Bound{
		Min: orb.Point{minLon, minLat},
		Max: orb.Point{minLon + w, minLat + h},
	}
}

// cellsInBox lists the interleaved indexes of the cells at the given bit
// length overlapping any longitude interval of the box.
func cellsInBox(box geohash.RadiusBox, bits int) []uint64 {
	lonBits := (bits + 1) / 2
	latBits := bits / 2
	latLo := axisIndex(box.Latitude.Min, geohash.WGS84LatRange, latBits)
	latHi := axisIndex(box.Latitude.Max, geohash.WGS84LatRange, latBits)
	seen := make(map[uint64]struct{})
	var cells []uint64
	for i, bound := range box.Bounds() {
		lonRange := box.Longitudes[i]
		lonLo := axisIndex(lonRange.Min, geohash.WGS84LonRange, lonBits)
		lonHi := axisIndex(lonRange.Max, geohash.WGS84LonRange, lonBits)
		for y := latLo; y <= latHi; y++ {
			for x := lonLo; x <= lonHi; x++ {
				if !bound.Intersects(cellBound(x, y, lonBits, latBits)) {
					continue
				}
				h := interleave(x, y, lonBits, latBits)
				if _, ok := seen[h]; ok {
					continue
				}
				seen[h] = struct{}{}
				cells = append(cells, h)
			}
		}
	}
	return cells
}

func encodeBits(v uint64, chars int) string {
	buf := make([]byte, chars)
	for i := chars - 1; i >= 0; i-- {
		buf[i] = geohash.Char(int(v & 0x1f))
		v >>= geohash.BitsPerChar
	}
	return string(buf)
}

// rangeForCell covers every hash inside cell h of the given bit length. The
// unused low bits of the last character are zero in the start and the end is
// the start of the next cell, or the sentinel after the last one.
func rangeForCell(h uint64, bits int) Range {
	chars := (bits + geohash.BitsPerChar - 1) / geohash.BitsPerChar
	pad := uint(chars*geohash.BitsPerChar - bits)
	r := Range{Start: encodeBits(h<<pad, chars)}
	if h+1 == uint64(1)<<uint(bits) {
		r.End = EndSentinel
	} else {
		r.End = encodeBits((h+1)<<pad, chars)
	}
	return r
}
