package geohash

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidGeohash   = errors.New("invalid geohash")
	ErrInvalidPrecision = errors.New("invalid geohash precision")
)

// ErrInvalidCoordinate is returned for a latitude outside [-90, 90] or a
// longitude outside [-180, 180]. Coordinates are never clamped.
type ErrInvalidCoordinate struct {
	Latitude  float64
	Longitude float64
}

func (e *ErrInvalidCoordinate) Error() string {
	return fmt.Sprintf("invalid coordinate: latitude %v, longitude %v", e.Latitude, e.Longitude)
}

func IsInvalidCoordinate(err error) bool {
	var ic *ErrInvalidCoordinate
	return errors.As(err, &ic)
}
