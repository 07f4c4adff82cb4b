package geohash

import "math"

const (
	// Earth's quatratic mean radius for WGS-84
	EarthRadiusInMeters float64 = 6372797.560856

	// half of the earth circumference, no two points are farther apart
	MaxDistanceInMeters = math.Pi * EarthRadiusInMeters

	degToRad = math.Pi / 180.0
)

func degRad(ang float64) float64 {
	return ang * degToRad
}

func radDeg(ang float64) float64 {
	return ang / degToRad
}

// WrapLongitude maps any longitude into [-180, 180].
func WrapLongitude(lon float64) float64 {
	if lon >= -180 && lon <= 180 {
		return lon
	}
	adjusted := math.Mod(lon+180, 360)
	if adjusted < 0 {
		adjusted += 360
	}
	return adjusted - 180
}

// Distance calculates the haversine great circle distance in meters.
func Distance(a, b GeoPoint) float64 {
	lat0r := degRad(a.Latitude)
	lon0r := degRad(a.Longitude)
	lat1r := degRad(b.Latitude)
	lon1r := degRad(b.Longitude)

	u := math.Sin((lat1r - lat0r) / 2)
	v := math.Sin((lon1r - lon0r) / 2)

	h := u*u + math.Cos(lat0r)*math.Cos(lat1r)*v*v
	if h > 1 {
		h = 1
	}
	return 2.0 * EarthRadiusInMeters * math.Asin(math.Sqrt(h))
}

// DistanceBetweenGeohashes uses the cell centers of both hashes.
func DistanceBetweenGeohashes(hash0, hash1 string) (float64, error) {
	p0, err := Decode(hash0)
	if err != nil {
		return 0, err
	}
	p1, err := Decode(hash1)
	if err != nil {
		return 0, err
	}
	return Distance(p0, p1), nil
}

// MetersToLatitudeDegrees converts a north-south distance to degrees.
func MetersToLatitudeDegrees(meters float64) float64 {
	return radDeg(meters / EarthRadiusInMeters)
}

// BoundingBoxForRadius returns the box containing every point within radius
// meters of center. Latitude is clamped to the poles, a box reaching a pole
// covers all longitudes and a box crossing the 180 meridian is split into two
// longitude intervals.
func BoundingBoxForRadius(center GeoPoint, radius float64) RadiusBox {
	if radius < 0 || math.IsNaN(radius) {
		radius = 0
	}
	if radius > MaxDistanceInMeters {
		radius = MaxDistanceInMeters
	}
	d := radius / EarthRadiusInMeters
	dLat := radDeg(d)
	minLat, maxLat := center.Latitude-dLat, center.Latitude+dLat

	box := RadiusBox{
		Latitude: Range{
			Min: math.Max(minLat, WGS84LatRange.Min),
			Max: math.Min(maxLat, WGS84LatRange.Max),
		},
	}
	if minLat <= WGS84LatRange.Min || maxLat >= WGS84LatRange.Max {
		box.Longitudes = []Range{WGS84LonRange}
		return box
	}

	ratio := math.Sin(d) / math.Cos(degRad(center.Latitude))
	if ratio >= 1 {
		box.Longitudes = []Range{WGS84LonRange}
		return box
	}
	dLon := radDeg(math.Asin(ratio))
	if dLon >= 180 {
		box.Longitudes = []Range{WGS84LonRange}
		return box
	}
	minLon, maxLon := center.Longitude-dLon, center.Longitude+dLon
	switch {
	case minLon < WGS84LonRange.Min:
		box.Longitudes = []Range{
			{Min: minLon + 360, Max: WGS84LonRange.Max},
			{Min: WGS84LonRange.Min, Max: maxLon},
		}
	case maxLon > WGS84LonRange.Max:
		box.Longitudes = []Range{
			{Min: minLon, Max: WGS84LonRange.Max},
			{Min: WGS84LonRange.Min, Max: maxLon - 360},
		}
	default:
		box.Longitudes = []Range{{Min: minLon, Max: maxLon}}
	}
	return box
}
