package main

import (
	"flag"
	"fmt"
	"math/rand"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absolute8511/redigo/redis"
)

var ip = flag.String("ip", "127.0.0.1", "zangeo server ip")
var port = flag.Int("port", 12381, "zangeo redis api port")
var number = flag.Int("n", 1000, "request number")
var clients = flag.Int("c", 50, "number of clients")
var round = flag.Int("r", 1, "benchmark round number")
var valueSize = flag.Int("vsize", 100, "payload size")
var tests = flag.String("t", "geoset,geoget,randget,geowithin,georanges,watch,geodel", "only run the comma separated list of tests")
var primaryKeyCnt = flag.Int("pkn", 10000, "number of distinct entry keys")
var prefix = flag.String("prefix", "bench:", "the prefix of the entry keys")
var centerLat = flag.Float64("lat", 31.23, "latitude of the benchmark area center")
var centerLon = flag.Float64("lon", 121.47, "longitude of the benchmark area center")
var areaDegrees = flag.Float64("area", 0.5, "entries are spread within center +/- area degrees")
var radius = flag.Float64("radius", 2, "radius in km of geowithin and the watchers")
var wg sync.WaitGroup

var loop int
var latencyDistribute []int64

func init() {
	latencyDistribute = make([]int64, 32)
}

func randLocation(r *rand.Rand) (float64, float64) {
	lat := *centerLat + (r.Float64()*2-1)*(*areaDegrees)
	lon := *centerLon + (r.Float64()*2-1)*(*areaDegrees)
	return lon, lat
}

func entryKey(n int64) string {
	return *prefix + fmt.Sprintf("%010d", n)
}

func waitBench(c redis.Conn, cmd string, args ...interface{}) error {
	s := time.Now()
	_, err := c.Do(strings.ToUpper(cmd), args...)
	if err != nil {
		fmt.Printf("do %s error %s\n", cmd, err.Error())
		return err
	}
	cost := time.Since(s).Nanoseconds()
	index := cost / 1000 / 1000
	if index < 100 {
		index = index / 10
	} else if index < 1000 {
		index = 9 + index/100
	} else if index < 10000 {
		index = 19 + index/1000
	} else {
		index = 29
	}
	atomic.AddInt64(&latencyDistribute[index], 1)
	return nil
}

func dial(readTimeout time.Duration) (redis.Conn, error) {
	addr := fmt.Sprintf("%s:%d", *ip, *port)
	return redis.Dial("tcp", addr, redis.DialConnectTimeout(time.Second*3),
		redis.DialReadTimeout(readTimeout),
		redis.DialWriteTimeout(time.Second),
	)
}

func bench(cmd string, f func(c redis.Conn, r *rand.Rand, cindex int, loopIter int) error) {
	for i := range latencyDistribute {
		atomic.StoreInt64(&latencyDistribute[i], 0)
	}
	wg.Add(*clients)

	done := int32(0)
	currentNumList := make([]int64, *clients)
	errCnt := int64(0)
	t1 := time.Now()
	for i := 0; i < *clients; i++ {
		go func(clientIndex int) {
			defer wg.Done()
			c, err := dial(time.Second * 3)
			if err != nil {
				fmt.Printf("failed to dial: %v\n", err.Error())
				return
			}
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(clientIndex)))
			for j := 0; j < loop; j++ {
				err = f(c, r, clientIndex, j)
				if err != nil {
					atomic.AddInt64(&errCnt, 1)
				}
				atomic.AddInt64(&currentNumList[clientIndex], 1)
			}
			c.Close()
		}(i)
	}

	go func() {
		lastNum := int64(0)
		lastTime := time.Now()
		for atomic.LoadInt32(&done) == 0 {
			time.Sleep(time.Second * 30)
			t2 := time.Now()
			d := t2.Sub(lastTime)
			num := int64(0)
			for i := range currentNumList {
				num += atomic.LoadInt64(&currentNumList[i])
			}
			if num <= lastNum {
				continue
			}
			fmt.Printf("%s: %s %0.3f micros/op, %0.2fop/s, err: %v, num:%v\n",
				cmd,
				d.String(),
				float64(d.Nanoseconds()/1e3)/float64(num-lastNum),
				float64(num-lastNum)/d.Seconds(),
				atomic.LoadInt64(&errCnt),
				num,
			)
			lastNum = num
			lastTime = t2
		}
	}()

	wg.Wait()
	atomic.StoreInt32(&done, 1)
	t2 := time.Now()
	d := t2.Sub(t1)

	fmt.Printf("%s: %s %0.3f micros/op, %0.2fop/s, err: %v, num:%v\n",
		cmd,
		d.String(),
		float64(d.Nanoseconds()/1e3)/float64(*number),
		float64(*number)/d.Seconds(),
		atomic.LoadInt64(&errCnt),
		*number,
	)
	for i, v := range latencyDistribute {
		if v == 0 {
			continue
		}
		if i < 10 {
			fmt.Printf("latency %dms ~ %dms: %v\n", i*10, (i+1)*10, v)
		} else if i < 20 {
			fmt.Printf("latency %dms ~ %dms: %v\n", (i-9)*100, (i-8)*100, v)
		} else {
			fmt.Printf("latency above %ds: %v\n", i-19, v)
		}
	}
}

var setBase int64
var getBase int64
var delBase int64

func benchGeoSet() {
	valueSample := make([]byte, *valueSize)
	for i := 0; i < len(valueSample); i++ {
		valueSample[i] = byte(i % 255)
	}
	f := func(c redis.Conn, r *rand.Rand, cindex int, loopi int) error {
		n := atomic.AddInt64(&setBase, 1) % int64(*primaryKeyCnt)
		lon, lat := randLocation(r)
		return waitBench(c, "GEOSET", entryKey(n), lon, lat, valueSample)
	}
	bench("geoset", f)
}

func benchGeoGet() {
	f := func(c redis.Conn, r *rand.Rand, cindex int, loopi int) error {
		n := atomic.AddInt64(&getBase, 1) % int64(*primaryKeyCnt)
		return waitBench(c, "GEOGET", entryKey(n))
	}
	bench("geoget", f)
}

func benchRandGet() {
	f := func(c redis.Conn, r *rand.Rand, cindex int, loopi int) error {
		n := r.Int63n(int64(*primaryKeyCnt))
		return waitBench(c, "GEOGET", entryKey(n))
	}
	bench("randget", f)
}

func benchGeoWithin() {
	f := func(c redis.Conn, r *rand.Rand, cindex int, loopi int) error {
		lon, lat := randLocation(r)
		return waitBench(c, "GEOWITHIN", lon, lat, *radius, "km", "COUNT", 100, "MATCH", *prefix+"*")
	}
	bench("geowithin", f)
}

func benchGeoRanges() {
	f := func(c redis.Conn, r *rand.Rand, cindex int, loopi int) error {
		lon, lat := randLocation(r)
		return waitBench(c, "GEORANGES", lon, lat, *radius, "km")
	}
	bench("georanges", f)
}

func benchGeoDel() {
	f := func(c redis.Conn, r *rand.Rand, cindex int, loopi int) error {
		n := atomic.AddInt64(&delBase, 1) % int64(*primaryKeyCnt)
		return waitBench(c, "GEODEL", entryKey(n))
	}
	bench("geodel", f)
}

// benchWatch opens one watcher per client and counts the events pushed to
// them while the geoset benchmark runs.
func benchWatch() {
	var events int64
	var watchers sync.WaitGroup
	conns := make([]redis.Conn, 0, *clients)
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := 0; i < *clients; i++ {
		// watchers block on reading until closed
		c, err := dial(0)
		if err != nil {
			fmt.Printf("failed to dial: %v\n", err.Error())
			continue
		}
		lon, lat := randLocation(r)
		if _, err := c.Do("GEOWATCH", lon, lat, *radius, "km", "MATCH", *prefix+"*"); err != nil {
			fmt.Printf("failed to watch: %v\n", err.Error())
			c.Close()
			continue
		}
		conns = append(conns, c)
		watchers.Add(1)
		go func(c redis.Conn) {
			defer watchers.Done()
			for {
				if _, err := c.Receive(); err != nil {
					return
				}
				atomic.AddInt64(&events, 1)
			}
		}(c)
	}
	benchGeoSet()
	time.Sleep(time.Second)
	for _, c := range conns {
		c.Close()
	}
	watchers.Wait()
	fmt.Printf("watch: %v watchers received %v events\n", len(conns), atomic.LoadInt64(&events))
}

func main() {
	runtime.GOMAXPROCS(runtime.NumCPU())

	flag.Parse()

	if *number <= 0 {
		panic("invalid number")
	}

	if *clients <= 0 || *number < *clients {
		panic("invalid client number")
	}
	if *primaryKeyCnt <= 0 {
		panic("invalid key number: " + strconv.Itoa(*primaryKeyCnt))
	}

	loop = *number / *clients
	if *round <= 0 {
		*round = 1
	}

	ts := strings.Split(*tests, ",")

	for i := 0; i < *round; i++ {
		for _, s := range ts {
			switch strings.ToLower(s) {
			case "geoset":
				benchGeoSet()
			case "geoget":
				benchGeoGet()
			case "randget":
				benchRandGet()
			case "geowithin":
				benchGeoWithin()
			case "georanges":
				benchGeoRanges()
			case "watch":
				benchWatch()
			case "geodel":
				benchGeoDel()
			}
		}

		println("")
	}
}
