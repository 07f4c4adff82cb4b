package geoquery

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/youzan/zangeo/common/geohash"
)

func TestMain(m *testing.M) {
	SetLogger(0, nil)
	m.Run()
}

func randPointNear(r *rand.Rand, c Circle) geohash.GeoPoint {
	for {
		// uniform in the radius box, keep points strictly inside the circle
		box := c.BoundingBox()
		lonR := box.Longitudes[r.Intn(len(box.Longitudes))]
		p := geohash.GeoPoint{
			Latitude:  box.Latitude.Min + r.Float64()*box.Latitude.Span(),
			Longitude: lonR.Min + r.Float64()*lonR.Span(),
		}
		if p.Validate() == nil && geohash.Distance(c.Center, p) < c.RadiusMeters {
			return p
		}
	}
}

func TestCircleValidate(t *testing.T) {
	_, err := NewCircle(geohash.MustGeoPoint(0, 0), -1)
	assert.ErrorIs(t, err, ErrInvalidRadius)
	_, err = NewCircle(geohash.MustGeoPoint(0, 0), math.NaN())
	assert.ErrorIs(t, err, ErrInvalidRadius)
	_, err = NewCircle(geohash.GeoPoint{Latitude: 91}, 10)
	assert.True(t, geohash.IsInvalidCoordinate(err))
	c, err := NewCircle(geohash.MustGeoPoint(0, 0), 1000)
	require.Nil(t, err)
	assert.True(t, c.Contains(geohash.MustGeoPoint(0, 0.0001)))
	assert.False(t, c.Contains(geohash.MustGeoPoint(0, 1)))

	_, err = DefaultDecomposer.RangesForCircle(Circle{Center: geohash.MustGeoPoint(0, 0), RadiusMeters: -5}, 10)
	assert.ErrorIs(t, err, ErrInvalidRadius)
	_, err = DefaultDecomposer.RangesForCircle(c, 0)
	assert.ErrorIs(t, err, geohash.ErrInvalidPrecision)
}

func TestRangeForCell(t *testing.T) {
	// whole characters
	r := rangeForCell(0, 5)
	assert.Equal(t, Range{Start: "0", End: "1"}, r)
	r = rangeForCell(31, 5)
	assert.Equal(t, Range{Start: "z", End: EndSentinel}, r)
	// partial last character keeps the unused bits cleared
	r = rangeForCell(1, 2)
	assert.Equal(t, Range{Start: "8", End: "h"}, r)
	r = rangeForCell(3, 2)
	assert.Equal(t, Range{Start: "s", End: EndSentinel}, r)
	// carry into the previous character
	h := uint64(geohash.CharValue('u'))<<5 | 31
	r = rangeForCell(h, 10)
	assert.Equal(t, Range{Start: "uz", End: "v0"}, r)

	for _, hash := range []string{"u4pru", "u4pruydqqv", "zzz", "0"} {
		cell := Range{Start: hash, End: Successor(hash)}
		assert.True(t, cell.Contains(hash+"0"))
		assert.True(t, cell.Contains(hash+"zzzz"))
	}
}

func TestSuccessor(t *testing.T) {
	assert.Equal(t, "u5", Successor("u4"))
	assert.Equal(t, "u5", Successor("u4z"))
	assert.Equal(t, "v", Successor("uzz"))
	assert.Equal(t, EndSentinel, Successor("zzz"))
	assert.Equal(t, "1", Successor("0"))
}

func TestMergeRanges(t *testing.T) {
	assert.Nil(t, MergeRanges(nil))
	in := []Range{
		{Start: "u5", End: "u6"},
		{Start: "u4", End: "u5"},
		{Start: "s0", End: "s1"},
		{Start: "u40", End: "u41"},
		{Start: "z", End: EndSentinel},
		{Start: "u8", End: "u9"},
	}
	merged := MergeRanges(in)
	assert.Equal(t, []Range{
		{Start: "s0", End: "s1"},
		{Start: "u4", End: "u6"},
		{Start: "u8", End: "u9"},
		{Start: "z", End: EndSentinel},
	}, merged)
	// input untouched
	assert.Equal(t, Range{Start: "u5", End: "u6"}, in[0])
}

func TestDiffRanges(t *testing.T) {
	old := []Range{{"a", "b"}, {"c", "d"}, {"e", "f"}}
	cur := []Range{{"c", "d"}, {"e", "g"}}
	toClose, toOpen := DiffRanges(old, cur)
	assert.Equal(t, []Range{{"a", "b"}, {"e", "f"}}, toClose)
	assert.Equal(t, []Range{{"e", "g"}}, toOpen)

	toClose, toOpen = DiffRanges(cur, cur)
	assert.Empty(t, toClose)
	assert.Empty(t, toOpen)
}

func checkMinimal(t *testing.T, ranges []Range) {
	for i, r := range ranges {
		require.False(t, r.Empty(), "range %v empty", r)
		if i > 0 {
			require.True(t, ranges[i-1].End < r.Start, "ranges %v and %v overlap or touch", ranges[i-1], r)
		}
	}
}

func TestDecomposeCoverage(t *testing.T) {
	r := rand.New(rand.NewSource(99))
	d, err := NewDecomposer(DecomposerOptions{})
	require.Nil(t, err)
	for i := 0; i < 300; i++ {
		c := Circle{
			Center: geohash.GeoPoint{
				Latitude:  r.Float64()*178 - 89,
				Longitude: r.Float64()*360 - 180,
			},
			RadiusMeters: math.Pow(10, r.Float64()*6.5),
		}
		precision := 1 + r.Intn(geohash.MaxPrecision)
		ranges, err := d.RangesForCircle(c, precision)
		require.Nil(t, err)
		require.NotEmpty(t, ranges)
		checkMinimal(t, ranges)
		for j := 0; j < 30; j++ {
			p := randPointNear(r, c)
			hash, err := geohash.Encode(p, precision)
			require.Nil(t, err)
			if !RangesContain(ranges, hash) {
				t.Fatalf("%v at precision %v: %v (%v) not in %v", c, precision, p, hash, ranges)
			}
		}
	}
}

func TestDecomposeCommonCase(t *testing.T) {
	c := Circle{Center: geohash.MustGeoPoint(37.7853889, -122.4056973), RadiusMeters: 1000}
	ranges, err := DefaultDecomposer.RangesForCircle(c, 10)
	require.Nil(t, err)
	checkMinimal(t, ranges)
	// at most 3x3 cells
	assert.True(t, len(ranges) <= 9, "too many ranges: %v", ranges)

	bits := DefaultDecomposer.CellBits(c, 10)
	latDeg, lonDeg := geohash.CellSize(bits)
	box := c.BoundingBox()
	assert.True(t, latDeg >= box.Latitude.Span()/2)
	assert.True(t, lonDeg >= box.MaxLongitudeSpan()/2)
	// one bit finer would be too small
	latDeg, lonDeg = geohash.CellSize(bits + 1)
	assert.True(t, latDeg < box.Latitude.Span()/2 || lonDeg < box.MaxLongitudeSpan()/2)

	// the cells are never finer than the requested precision
	assert.Equal(t, 5, DefaultDecomposer.CellBits(c, 1))
}

func TestDecomposeFactor(t *testing.T) {
	c := Circle{Center: geohash.MustGeoPoint(31.2304, 121.4737), RadiusMeters: 5000}
	fine, err := NewDecomposer(DecomposerOptions{CellSizeFactor: 0.1})
	require.Nil(t, err)
	assert.Equal(t, 0.1, fine.CellSizeFactor())
	assert.True(t, fine.CellBits(c, 12) > DefaultDecomposer.CellBits(c, 12))

	coarse, _ := fine.RangesForCircle(c, 12)
	checkMinimal(t, coarse)
}

func TestDecomposeSeam(t *testing.T) {
	c := Circle{Center: geohash.MustGeoPoint(0, 179.999), RadiusMeters: 2000}
	ranges, err := DefaultDecomposer.RangesForCircle(c, 10)
	require.Nil(t, err)
	checkMinimal(t, ranges)

	east, _ := geohash.Encode(geohash.MustGeoPoint(0, 179.999), 10)
	west, _ := geohash.Encode(geohash.MustGeoPoint(0, -179.999), 10)
	assert.True(t, RangesContain(ranges, east))
	assert.True(t, RangesContain(ranges, west))
	// both sides of the seam are far apart in hash order
	assert.True(t, len(ranges) >= 2)

	c.Center = geohash.MustGeoPoint(0, -179.999)
	ranges, err = DefaultDecomposer.RangesForCircle(c, 10)
	require.Nil(t, err)
	assert.True(t, RangesContain(ranges, east))
	assert.True(t, RangesContain(ranges, west))
}

func TestDecomposePole(t *testing.T) {
	c := Circle{Center: geohash.MustGeoPoint(89.999, 30), RadiusMeters: 1000}
	ranges, err := DefaultDecomposer.RangesForCircle(c, 10)
	require.Nil(t, err)
	checkMinimal(t, ranges)
	for _, lon := range []float64{-179, -90, 0, 90, 179} {
		p := geohash.MustGeoPoint(89.9999, lon)
		hash, _ := geohash.Encode(p, 10)
		assert.True(t, RangesContain(ranges, hash), "%v", p)
	}
}

func TestDecomposeZeroRadius(t *testing.T) {
	center := geohash.MustGeoPoint(57.64911, 10.40744)
	ranges, err := DefaultDecomposer.RangesForCircle(Circle{Center: center, RadiusMeters: 0}, 10)
	require.Nil(t, err)
	require.Equal(t, 1, len(ranges))
	hash, _ := geohash.Encode(center, 10)
	assert.Equal(t, Range{Start: hash, End: Successor(hash)}, ranges[0])
	full, _ := geohash.Encode(center, geohash.MaxPrecision)
	assert.True(t, ranges[0].Contains(full))
}

func TestDecomposeHugeRadius(t *testing.T) {
	c := Circle{Center: geohash.MustGeoPoint(0, 0), RadiusMeters: geohash.MaxDistanceInMeters * 3}
	ranges, err := DefaultDecomposer.RangesForCircle(c, 10)
	require.Nil(t, err)
	assert.Equal(t, []Range{{Start: "0", End: EndSentinel}}, ranges)
}

func TestDecomposeCache(t *testing.T) {
	d, err := NewDecomposer(DecomposerOptions{CacheSize: 4})
	require.Nil(t, err)
	c := Circle{Center: geohash.MustGeoPoint(39.9056, 116.3976), RadiusMeters: 3000}
	first, err := d.RangesForCircle(c, 10)
	require.Nil(t, err)
	second, err := d.RangesForCircle(c, 10)
	require.Nil(t, err)
	assert.Equal(t, first, second)
	// callers own the returned slice
	second[0].Start = "mutated"
	third, _ := d.RangesForCircle(c, 10)
	assert.Equal(t, first, third)

	other, _ := d.RangesForCircle(c, 5)
	uncached, _ := DefaultDecomposer.RangesForCircle(c, 5)
	assert.Equal(t, uncached, other)
}
