package geoquery

import (
	"errors"
	"fmt"
	"math"

	"github.com/youzan/zangeo/common/geohash"
)

var ErrInvalidRadius = errors.New("invalid radius")

// Circle is the query region, a center and a radius in meters.
type Circle struct {
	Center       geohash.GeoPoint
	RadiusMeters float64
}

func NewCircle(center geohash.GeoPoint, radiusMeters float64) (Circle, error) {
	c := Circle{Center: center, RadiusMeters: radiusMeters}
	if err := c.Validate(); err != nil {
		return Circle{}, err
	}
	return c, nil
}

func (c Circle) Validate() error {
	if err := c.Center.Validate(); err != nil {
		return err
	}
	if math.IsNaN(c.RadiusMeters) || math.IsInf(c.RadiusMeters, 0) || c.RadiusMeters < 0 {
		return fmt.Errorf("%w: %v", ErrInvalidRadius, c.RadiusMeters)
	}
	return nil
}

// Contains reports whether p is at most RadiusMeters away from the center.
func (c Circle) Contains(p geohash.GeoPoint) bool {
	return geohash.Distance(c.Center, p) <= c.RadiusMeters
}

func (c Circle) BoundingBox() geohash.RadiusBox {
	return geohash.BoundingBoxForRadius(c.Center, c.RadiusMeters)
}

func (c Circle) String() string {
	return fmt.Sprintf("circle(%v, %vm)", c.Center, c.RadiusMeters)
}
