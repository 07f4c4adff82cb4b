package common

import (
	"errors"
	"strings"
)

const (
	DIR_PERM  = 0755
	FILE_PERM = 0644
)

var (
	ErrInvalidCommand = errors.New("invalid command")
	ErrInvalidArgs    = errors.New("invalid arguments")
	ErrStopped        = errors.New("the server stopped")
	ErrNotFound       = errors.New("entry not found")
	ErrNotSupport     = errors.New("not supported")
)

// units accepted by the radius arguments of the redis and http api
const (
	UnitMeter     = "m"
	UnitKilometer = "km"
	UnitFeet      = "ft"
	UnitMile      = "mi"
)

// UnitToMeters returns the factor converting a distance in unit to meters.
func UnitToMeters(unit string) (float64, error) {
	switch strings.ToLower(unit) {
	case "", UnitMeter:
		return 1, nil
	case UnitKilometer:
		return 1000, nil
	case UnitFeet:
		return 0.3048, nil
	case UnitMile:
		return 1609.34, nil
	default:
		return -1, errors.New("unsupported unit provided. please use m, km, ft, mi")
	}
}

type StringArray []string

func (a *StringArray) Set(s string) error {
	*a = append(*a, s)
	return nil
}

func (a *StringArray) String() string {
	return strings.Join(*a, ",")
}
