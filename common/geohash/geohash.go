package geohash

import "fmt"

const (
	geoalphabet = "0123456789bcdefghjkmnpqrstuvwxyz"

	BitsPerChar = 5
	// 22 chars is far below a millimeter, more would only encode float noise
	MaxPrecision     = 22
	DefaultPrecision = 10
	MaxBits          = MaxPrecision * BitsPerChar
)

var base32Value [256]int8

func init() {
	for i := range base32Value {
		base32Value[i] = -1
	}
	for i := 0; i < len(geoalphabet); i++ {
		base32Value[geoalphabet[i]] = int8(i)
	}
}

// Char returns the alphabet symbol for a 5 bit value.
func Char(v int) byte {
	return geoalphabet[v&0x1f]
}

// CharValue returns the 5 bit value of an alphabet symbol, or -1.
func CharValue(c byte) int {
	return int(base32Value[c])
}

func ValidGeohash(hash string) bool {
	if len(hash) == 0 || len(hash) > MaxPrecision {
		return false
	}
	for i := 0; i < len(hash); i++ {
		if base32Value[hash[i]] < 0 {
			return false
		}
	}
	return true
}

// Encode interleaves the bisection bits of longitude and latitude, longitude
// first, and maps every 5 bits through the base32 alphabet.
func Encode(p GeoPoint, precision int) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	if precision < 1 || precision > MaxPrecision {
		return "", fmt.Errorf("%w: %d", ErrInvalidPrecision, precision)
	}
	latR, lonR := WGS84LatRange, WGS84LonRange
	buf := make([]byte, precision)
	even := true
	for i := 0; i < precision; i++ {
		var idx int
		for b := 0; b < BitsPerChar; b++ {
			idx <<= 1
			if even {
				mid := (lonR.Min + lonR.Max) / 2
				if p.Longitude >= mid {
					idx |= 1
					lonR.Min = mid
				} else {
					lonR.Max = mid
				}
			} else {
				mid := (latR.Min + latR.Max) / 2
				if p.Latitude >= mid {
					idx |= 1
					latR.Min = mid
				} else {
					latR.Max = mid
				}
			}
			even = !even
		}
		buf[i] = geoalphabet[idx]
	}
	return string(buf), nil
}

// DecodeBoundingBox returns the cell a geohash stands for.
func DecodeBoundingBox(hash string) (BoundingBox, error) {
	if len(hash) == 0 || len(hash) > MaxPrecision {
		return BoundingBox{}, fmt.Errorf("%w: %q", ErrInvalidGeohash, hash)
	}
	latR, lonR := WGS84LatRange, WGS84LonRange
	even := true
	for i := 0; i < len(hash); i++ {
		v := base32Value[hash[i]]
		if v < 0 {
			return BoundingBox{}, fmt.Errorf("%w: %q has invalid char %q", ErrInvalidGeohash, hash, hash[i])
		}
		for b := BitsPerChar - 1; b >= 0; b-- {
			bit := (v >> uint(b)) & 1
			if even {
				mid := (lonR.Min + lonR.Max) / 2
				if bit == 1 {
					lonR.Min = mid
				} else {
					lonR.Max = mid
				}
			} else {
				mid := (latR.Min + latR.Max) / 2
				if bit == 1 {
					latR.Min = mid
				} else {
					latR.Max = mid
				}
			}
			even = !even
		}
	}
	return BoundingBox{
		Min: GeoPoint{Latitude: latR.Min, Longitude: lonR.Min},
		Max: GeoPoint{Latitude: latR.Max, Longitude: lonR.Max},
	}, nil
}

// Decode returns the center of the geohash cell.
func Decode(hash string) (GeoPoint, error) {
	box, err := DecodeBoundingBox(hash)
	if err != nil {
		return GeoPoint{}, err
	}
	return box.Center(), nil
}

// CellSize returns the height and width in degrees of a cell described by
// the given number of bits. Longitude gets the extra bit for odd counts.
func CellSize(bits int) (latDegrees float64, lonDegrees float64) {
	lonBits := (bits + 1) / 2
	latBits := bits / 2
	latDegrees = WGS84LatRange.Span() / float64(uint64(1)<<uint(latBits))
	lonDegrees = WGS84LonRange.Span() / float64(uint64(1)<<uint(lonBits))
	return
}

// Neighbors returns the 8 cells around hash in the order
// N, NE, E, SE, S, SW, W, NW. Longitude wraps around the 180 meridian, cells
// beyond a pole are skipped.
func Neighbors(hash string) ([]string, error) {
	box, err := DecodeBoundingBox(hash)
	if err != nil {
		return nil, err
	}
	c := box.Center()
	h, w := box.Height(), box.Width()
	moves := [8][2]float64{
		{1, 0}, {1, 1}, {0, 1}, {-1, 1},
		{-1, 0}, {-1, -1}, {0, -1}, {1, -1},
	}
	neighbors := make([]string, 0, len(moves))
	for _, m := range moves {
		lat := c.Latitude + m[0]*h
		if lat > WGS84LatRange.Max || lat < WGS84LatRange.Min {
			continue
		}
		lon := WrapLongitude(c.Longitude + m[1]*w)
		n, err := Encode(GeoPoint{Latitude: lat, Longitude: lon}, len(hash))
		if err != nil {
			return nil, err
		}
		neighbors = append(neighbors, n)
	}
	return neighbors, nil
}
