package geohash

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistance(t *testing.T) {
	type tData struct {
		name string
		lat  float64
		lon  float64
		dist float64
	}

	center := tData{name: "Tian An Men Square", lat: 39.905637761392, lon: 116.39763057232}

	places := []tData{
		{name: "Tian An Men Square", lat: 39.905637761392, lon: 116.39763057232, dist: 0},
		{name: "The Great Wall", lat: 40.359759768836, lon: 116.02002181113, dist: 59853.4742},
		{name: "The Palace Museum", lat: 39.916345328893, lon: 116.39715582132, dist: 1191.8406},
		{name: "The Summer Palace", lat: 39.999886103047, lon: 116.27552270889, dist: 14774.6742},
		{name: "Great Hall of the people", lat: 39.9050003, lon: 116.3939423, dist: 322.7538},
		{name: "Terracotta Warriors and Horses", lat: 34.384972, lon: 109.274127, dist: 880281.2654},
		{name: "West Lake", lat: 30.150197, lon: 120.094491, dist: 1135799.4856},
		{name: "Hainan ends of the earth", lon: 109.205175, lat: 18.173128, dist: 2514090.2704},
		{name: "Pearl of the Orient", lon: 121.49491, lat: 31.24169, dist: 1067807.3858},
		{name: "Buckingham Palace", lon: -0.83279, lat: 51.30387, dist: 8193510.0282},
		{name: "Taj Mahal", lon: 78.23188, lat: 27.102839, dist: 3780302.7628},
		{name: "Sydney Opera House, Australia", lon: 151.12541, lat: -33.512513, dist: 8912296.5074},
		{name: "Pyramids, Egypt", lon: 31.8506, lat: 29.584341, dist: 7525469.5594},
		{name: "Statue of Liberty, New York City, USA", lon: -74.24038, lat: 40.412148, dist: 11022442.0136},
		{name: "Mount verest", lon: 86.9221941736, lat: 27.9782502279, dist: 3007044.9039},
	}

	c := MustGeoPoint(center.lat, center.lon)
	for _, v := range places {
		dist := Distance(c, MustGeoPoint(v.lat, v.lon))
		if math.Abs(dist-v.dist) > 0.5 {
			t.Fatalf("distance for Tian An Men Square to %s is %f, not %f", v.name, v.dist, dist)
		}
		// symmetric
		assert.InDelta(t, dist, Distance(MustGeoPoint(v.lat, v.lon), c), 1e-6)
	}

	for _, v := range places {
		h0, _ := Encode(c, MaxPrecision)
		h1, _ := Encode(MustGeoPoint(v.lat, v.lon), MaxPrecision)
		dist, err := DistanceBetweenGeohashes(h0, h1)
		require.Nil(t, err)
		if math.Abs(dist-v.dist) > 0.5 {
			t.Fatalf("hash distance for Tian An Men Square to %s is %f, not %f", v.name, v.dist, dist)
		}
	}
	_, err := DistanceBetweenGeohashes("", "u4")
	assert.ErrorIs(t, err, ErrInvalidGeohash)
}

func TestDistanceAcrossMeridian(t *testing.T) {
	a := MustGeoPoint(0, 179.999)
	b := MustGeoPoint(0, -179.999)
	d := Distance(a, b)
	assert.InDelta(t, 222.5, d, 1)
	// antipodal
	assert.InDelta(t, MaxDistanceInMeters, Distance(MustGeoPoint(0, 0), MustGeoPoint(0, 180)), 1e-3)
}

func TestWrapLongitude(t *testing.T) {
	assert.Equal(t, 180.0, WrapLongitude(180))
	assert.Equal(t, -180.0, WrapLongitude(-180))
	assert.InDelta(t, -179.0, WrapLongitude(181), 1e-9)
	assert.InDelta(t, 179.0, WrapLongitude(-181), 1e-9)
	assert.InDelta(t, 10.0, WrapLongitude(370), 1e-9)
	assert.InDelta(t, -10.0, WrapLongitude(-370), 1e-9)
}

func TestBoundingBoxForRadius(t *testing.T) {
	box := BoundingBoxForRadius(MustGeoPoint(0, 0), 1000)
	require.Equal(t, 1, len(box.Longitudes))
	dLat := MetersToLatitudeDegrees(1000)
	assert.InDelta(t, -dLat, box.Latitude.Min, 1e-12)
	assert.InDelta(t, dLat, box.Latitude.Max, 1e-12)
	assert.InDelta(t, -dLat, box.Longitudes[0].Min, 1e-9)
	assert.InDelta(t, dLat, box.Longitudes[0].Max, 1e-9)

	// longitude delta grows with latitude
	north := BoundingBoxForRadius(MustGeoPoint(60, 0), 1000)
	assert.InDelta(t, 2*dLat, north.Longitudes[0].Max, 1e-6)

	zero := BoundingBoxForRadius(MustGeoPoint(10, 20), 0)
	assert.Equal(t, 0.0, zero.Latitude.Span())
	assert.Equal(t, 0.0, zero.MaxLongitudeSpan())
	assert.True(t, zero.Contains(MustGeoPoint(10, 20)))
}

func TestBoundingBoxForRadiusWrap(t *testing.T) {
	east := BoundingBoxForRadius(MustGeoPoint(0, 179.999), 2000)
	require.True(t, east.Wrapped())
	assert.Equal(t, 180.0, east.Longitudes[0].Max)
	assert.Equal(t, -180.0, east.Longitudes[1].Min)
	assert.True(t, east.Contains(MustGeoPoint(0, -179.999)))
	assert.True(t, east.Contains(MustGeoPoint(0, 179.99)))
	assert.False(t, east.Contains(MustGeoPoint(0, 0)))

	west := BoundingBoxForRadius(MustGeoPoint(10, -179.999), 2000)
	require.True(t, west.Wrapped())
	assert.True(t, west.Contains(MustGeoPoint(10, 179.999)))
	assert.Equal(t, 2, len(west.Bounds()))
}

func TestBoundingBoxForRadiusPole(t *testing.T) {
	box := BoundingBoxForRadius(MustGeoPoint(89.99, 45), 5000)
	assert.Equal(t, 90.0, box.Latitude.Max)
	require.Equal(t, 1, len(box.Longitudes))
	assert.Equal(t, WGS84LonRange, box.Longitudes[0])

	all := BoundingBoxForRadius(MustGeoPoint(0, 0), MaxDistanceInMeters*2)
	assert.Equal(t, WGS84LatRange, all.Latitude)
	assert.Equal(t, WGS84LonRange, all.Longitudes[0])
}

func TestBoundingBoxContainsCircle(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	for i := 0; i < 200; i++ {
		center := GeoPoint{Latitude: r.Float64()*170 - 85, Longitude: r.Float64()*360 - 180}
		radius := math.Pow(10, 1+r.Float64()*5)
		box := BoundingBoxForRadius(center, radius)
		for j := 0; j < 50; j++ {
			// sample points around the box edges and keep the ones inside
			p := GeoPoint{
				Latitude:  center.Latitude + (r.Float64()*2-1)*MetersToLatitudeDegrees(radius)*1.01,
				Longitude: WrapLongitude(center.Longitude + (r.Float64()*2-1)*(box.MaxLongitudeSpan()/2+0.01)),
			}
			if p.Validate() != nil || Distance(center, p) > radius {
				continue
			}
			if !box.Contains(p) {
				t.Fatalf("box %v for %v radius %v misses %v", box, center, radius, p)
			}
		}
	}
}
