package server

import (
	"context"
	"strconv"
	"testing"

	"github.com/siddontang/goredis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/youzan/zangeo/common/geohash"
)

const (
	testLat = 31.23
	testLon = 121.47
)

func bg() context.Context {
	return context.Background()
}

// testLoc is north of the test center by latOffset degrees, about 111km per
// degree.
func testLoc(latOffset float64) geohash.GeoPoint {
	return geohash.MustGeoPoint(testLat+latOffset, testLon)
}

func geoset(t *testing.T, c *goredis.PoolConn, key string, loc geohash.GeoPoint, payload string) {
	t.Helper()
	ok, err := goredis.String(c.Do("geoset", key, loc.Longitude, loc.Latitude, payload))
	require.Nil(t, err)
	require.Equal(t, OK, ok)
}

func TestPingInfo(t *testing.T) {
	c := getTestConn(t)
	defer c.Close()

	v, err := goredis.String(c.Do("ping"))
	require.Nil(t, err)
	assert.Equal(t, "PONG", v)

	info, err := goredis.String(c.Do("info"))
	require.Nil(t, err)
	assert.Contains(t, info, "store_stats")

	_, err = c.Do("nosuchcmd")
	assert.NotNil(t, err)
}

func TestGeoSetGetDel(t *testing.T) {
	c := getTestConn(t)
	defer c.Close()

	loc := testLoc(0.001)
	geoset(t, c, "sgd:k1", loc, "p1")

	ay, err := goredis.Values(c.Do("geoget", "sgd:k1"))
	require.Nil(t, err)
	require.Equal(t, 4, len(ay))
	lon, _ := goredis.String(ay[0], nil)
	lat, _ := goredis.String(ay[1], nil)
	hash, _ := goredis.String(ay[2], nil)
	payload, _ := goredis.String(ay[3], nil)
	assert.Equal(t, strconv.FormatFloat(loc.Longitude, 'g', -1, 64), lon)
	assert.Equal(t, strconv.FormatFloat(loc.Latitude, 'g', -1, 64), lat)
	expHash, _ := geohash.Encode(loc, geohash.DefaultPrecision)
	assert.Equal(t, expHash, hash)
	assert.Equal(t, "p1", payload)

	// without payload
	ok, err := goredis.String(c.Do("geoset", "sgd:k2", loc.Longitude, loc.Latitude))
	require.Nil(t, err)
	assert.Equal(t, OK, ok)
	ay, err = goredis.Values(c.Do("geoget", "sgd:k2"))
	require.Nil(t, err)
	assert.Nil(t, ay[3])

	n, err := goredis.Int(c.Do("geodel", "sgd:k1", "sgd:k2", "sgd:none"))
	require.Nil(t, err)
	assert.Equal(t, 2, n)

	v, err := c.Do("geoget", "sgd:k1")
	require.Nil(t, err)
	assert.Nil(t, v)
}

func TestGeoSetInvalid(t *testing.T) {
	c := getTestConn(t)
	defer c.Close()

	_, err := c.Do("geoset", "inv:k1", 121.47, 91)
	assert.NotNil(t, err)
	_, err = c.Do("geoset", "inv:k1", 181, 31.2)
	assert.NotNil(t, err)
	_, err = c.Do("geoset", "inv:k1", "abc", 31.2)
	assert.NotNil(t, err)
	_, err = c.Do("geoset", "inv:k1", 121.47)
	assert.NotNil(t, err)
	_, err = c.Do("geoset", "", 121.47, 31.2)
	assert.NotNil(t, err)
	_, err = c.Do("geoget")
	assert.NotNil(t, err)
}

func TestGeoWithin(t *testing.T) {
	c := getTestConn(t)
	defer c.Close()

	// about 111m, 222m, 1.1km and 111km north
	geoset(t, c, "wi:k1", testLoc(0.001), "p1")
	geoset(t, c, "wi:k2", testLoc(0.002), "p2")
	geoset(t, c, "wi:k3", testLoc(0.01), "p3")
	geoset(t, c, "wi:k4", testLoc(1), "p4")
	defer c.Do("geodel", "wi:k1", "wi:k2", "wi:k3", "wi:k4")

	keys, err := goredis.Strings(c.Do("geowithin", testLon, testLat, 2, "km", "match", "wi:*"))
	require.Nil(t, err)
	assert.Equal(t, []string{"wi:k1", "wi:k2", "wi:k3"}, keys)

	keys, err = goredis.Strings(c.Do("geowithin", testLon, testLat, 2, "km", "desc", "count", 2, "match", "wi:*"))
	require.Nil(t, err)
	assert.Equal(t, []string{"wi:k3", "wi:k2"}, keys)

	keys, err = goredis.Strings(c.Do("geowithin", testLon, testLat, 150, "m", "match", "wi:*"))
	require.Nil(t, err)
	assert.Equal(t, []string{"wi:k1"}, keys)

	ay, err := goredis.Values(c.Do("geowithin", testLon, testLat, 200, "km",
		"withdist", "withhash", "withcoord", "withpayload", "match", "wi:k4"))
	require.Nil(t, err)
	require.Equal(t, 1, len(ay))
	item, err := goredis.Values(ay[0], nil)
	require.Nil(t, err)
	require.Equal(t, 5, len(item))
	key, _ := goredis.String(item[0], nil)
	assert.Equal(t, "wi:k4", key)
	dist, err := goredis.Float64(item[1], nil)
	require.Nil(t, err)
	assert.InDelta(t, geohash.Distance(testLoc(0), testLoc(1))/1000, dist, 0.001)
	hash, _ := goredis.String(item[2], nil)
	assert.Equal(t, geohash.DefaultPrecision, len(hash))
	coord, err := goredis.Values(item[3], nil)
	require.Nil(t, err)
	assert.Equal(t, 2, len(coord))
	payload, _ := goredis.String(item[4], nil)
	assert.Equal(t, "p4", payload)

	_, err = c.Do("geowithin", testLon, testLat, -1, "km")
	assert.NotNil(t, err)
	_, err = c.Do("geowithin", testLon, testLat, 1, "parsec")
	assert.NotNil(t, err)
	_, err = c.Do("geowithin", testLon, testLat, 1, "km", "count")
	assert.NotNil(t, err)
	_, err = c.Do("geowithin", testLon, testLat, 1, "km", "bad")
	assert.NotNil(t, err)
}

func TestGeoRanges(t *testing.T) {
	c := getTestConn(t)
	defer c.Close()

	ay, err := goredis.Values(c.Do("georanges", testLon, testLat, 1, "km"))
	require.Nil(t, err)
	require.True(t, len(ay) > 0)
	prevEnd := ""
	for _, v := range ay {
		r, err := goredis.Strings(v, nil)
		require.Nil(t, err)
		require.Equal(t, 2, len(r))
		assert.True(t, r[0] < r[1])
		assert.True(t, prevEnd < r[0])
		prevEnd = r[1]
	}

	ay, err = goredis.Values(c.Do("georanges", testLon, testLat, 1, "km", "precision", 5))
	require.Nil(t, err)
	for _, v := range ay {
		r, _ := goredis.Strings(v, nil)
		assert.True(t, len(r[0]) <= 5)
	}

	_, err = c.Do("georanges", testLon, testLat, 1, "km", "precision", 30)
	assert.NotNil(t, err)
	_, err = c.Do("georanges", testLon, testLat, 1, "km", "prec", 5)
	assert.NotNil(t, err)
}

func TestGeoKeys(t *testing.T) {
	c := getTestConn(t)
	defer c.Close()

	for i := 0; i < 15; i++ {
		geoset(t, c, "gk:k"+strconv.Itoa(100+i), testLoc(0.5), "")
	}
	var all []string
	cursor := "0"
	for i := 0; i < 100; i++ {
		ay, err := goredis.Values(c.Do("geokeys", cursor, "match", "gk:*", "count", 4))
		require.Nil(t, err)
		require.Equal(t, 2, len(ay))
		cursor, err = goredis.String(ay[0], nil)
		require.Nil(t, err)
		keys, err := goredis.Strings(ay[1], nil)
		require.Nil(t, err)
		all = append(all, keys...)
		if cursor == "0" {
			break
		}
	}
	assert.Equal(t, "0", cursor)
	require.Equal(t, 15, len(all))
	assert.Equal(t, "gk:k100", all[0])
	assert.Equal(t, "gk:k114", all[14])

	_, err := c.Do("geokeys", "!!", "count", 4)
	assert.NotNil(t, err)
	_, err = c.Do("geokeys", "0", "count")
	assert.NotNil(t, err)
	_, err = c.Do("geokeys", "0", "count", 0)
	assert.NotNil(t, err)
}

func TestScanCursor(t *testing.T) {
	assert.Equal(t, "0", encodeCursor(""))
	key, err := decodeCursor(encodeCursor("a:b/c"))
	require.Nil(t, err)
	assert.Equal(t, "a:b/c", key)
	key, err = decodeCursor("0")
	require.Nil(t, err)
	assert.Equal(t, "", key)
	_, err = decodeCursor("!!")
	assert.NotNil(t, err)
}
