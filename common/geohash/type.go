package geohash

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

type Range struct {
	Max float64
	Min float64
}

func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

func (r Range) Span() float64 {
	return r.Max - r.Min
}

var (
	WGS84LatRange = Range{Max: 90, Min: -90}
	WGS84LonRange = Range{Max: 180, Min: -180}
)

// GeoPoint is an immutable latitude/longitude pair in degrees.
// Use NewGeoPoint to get a validated value.
type GeoPoint struct {
	Latitude  float64
	Longitude float64
}

func NewGeoPoint(lat, lon float64) (GeoPoint, error) {
	p := GeoPoint{Latitude: lat, Longitude: lon}
	if err := p.Validate(); err != nil {
		return GeoPoint{}, err
	}
	return p, nil
}

// MustGeoPoint panics on an invalid coordinate, it is meant for constants
// and tests.
func MustGeoPoint(lat, lon float64) GeoPoint {
	p, err := NewGeoPoint(lat, lon)
	if err != nil {
		panic(err)
	}
	return p
}

func (p GeoPoint) Validate() error {
	if math.IsNaN(p.Latitude) || math.IsNaN(p.Longitude) ||
		!WGS84LatRange.Contains(p.Latitude) || !WGS84LonRange.Contains(p.Longitude) {
		return &ErrInvalidCoordinate{Latitude: p.Latitude, Longitude: p.Longitude}
	}
	return nil
}

func (p GeoPoint) Equal(o GeoPoint) bool {
	return p.Latitude == o.Latitude && p.Longitude == o.Longitude
}

func (p GeoPoint) Point() orb.Point {
	return orb.Point{p.Longitude, p.Latitude}
}

func (p GeoPoint) String() string {
	return fmt.Sprintf("[%v, %v]", p.Latitude, p.Longitude)
}

// BoundingBox is the rectangular cell covered by a geohash, both corners
// are inclusive.
type BoundingBox struct {
	Min GeoPoint
	Max GeoPoint
}

func (b BoundingBox) Contains(p GeoPoint) bool {
	return p.Latitude >= b.Min.Latitude && p.Latitude <= b.Max.Latitude &&
		p.Longitude >= b.Min.Longitude && p.Longitude <= b.Max.Longitude
}

func (b BoundingBox) Center() GeoPoint {
	return GeoPoint{
		Latitude:  (b.Min.Latitude + b.Max.Latitude) / 2,
		Longitude: (b.Min.Longitude + b.Max.Longitude) / 2,
	}
}

func (b BoundingBox) Width() float64 {
	return b.Max.Longitude - b.Min.Longitude
}

func (b BoundingBox) Height() float64 {
	return b.Max.Latitude - b.Min.Latitude
}

func (b BoundingBox) Bound() orb.Bound {
	return orb.Bound{Min: b.Min.Point(), Max: b.Max.Point()}
}

// RadiusBox is the latitude/longitude box around a circle. Longitudes holds
// two intervals when the box crosses the 180 degree meridian.
type RadiusBox struct {
	Latitude   Range
	Longitudes []Range
}

func (rb RadiusBox) Contains(p GeoPoint) bool {
	if !rb.Latitude.Contains(p.Latitude) {
		return false
	}
	for _, lon := range rb.Longitudes {
		if lon.Contains(p.Longitude) {
			return true
		}
	}
	return false
}

func (rb RadiusBox) Wrapped() bool {
	return len(rb.Longitudes) > 1
}

// MaxLongitudeSpan returns the widest longitude interval in degrees.
func (rb RadiusBox) MaxLongitudeSpan() float64 {
	var span float64
	for _, lon := range rb.Longitudes {
		if lon.Span() > span {
			span = lon.Span()
		}
	}
	return span
}

func (rb RadiusBox) Bounds() []orb.Bound {
	bounds := make([]orb.Bound, 0, len(rb.Longitudes))
	for _, lon := range rb.Longitudes {
		bounds = append(bounds, orb.Bound{
			Min: orb.Point{lon.Min, rb.Latitude.Min},
			Max: orb.Point{lon.Max, rb.Latitude.Max},
		})
	}
	return bounds
}
