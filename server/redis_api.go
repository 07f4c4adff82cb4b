package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/absolute8511/redcon"
	"github.com/youzan/zangeo/common"
	"github.com/youzan/zangeo/common/geohash"
	"github.com/youzan/zangeo/geoquery"
)

var (
	errSyntax      = errors.New("ERR syntax error")
	errNotFloat    = errors.New("ERR value is not a valid float")
	errNotInteger  = errors.New("ERR value is not an integer or out of range")
	costStatsLevel int32
)

const scanStartCursor = "0"

func (s *Server) serverRedis(conn redcon.Conn, cmd redcon.Command) {
	defer func() {
		if e := recover(); e != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			buf = buf[0:n]
			sLog.Infof("handle redis command %v panic: %s:%v", string(cmd.Args[0]), buf, e)
			conn.Close()
		}
	}()

	var start time.Time
	level := atomic.LoadInt32(&costStatsLevel)
	if level > 0 {
		start = time.Now()
	}
	cmdName := strings.ToLower(string(cmd.Args[0]))
	switch cmdName {
	case "ping":
		conn.WriteString("PONG")
	case "quit":
		conn.WriteString("OK")
		conn.Close()
	case "info":
		d, _ := json.MarshalIndent(s.GetStats(), "", " ")
		conn.WriteBulkString(string(d))
	case "geoset":
		s.geosetCommand(conn, cmd)
	case "geodel":
		s.geodelCommand(conn, cmd)
	case "geoget":
		s.geogetCommand(conn, cmd)
	case "geowithin":
		s.geowithinCommand(conn, cmd)
	case "georanges":
		s.georangesCommand(conn, cmd)
	case "geokeys":
		s.geokeysCommand(conn, cmd)
	case "geowatch":
		s.geowatchCommand(conn, cmd)
	default:
		conn.WriteError("ERR unknown command '" + string(cmd.Args[0]) + "'")
	}
	if level > 0 {
		cost := time.Since(start)
		if cost >= time.Second ||
			(level > 1 && cost > time.Millisecond*100) ||
			(level > 2) {
			sLog.Infof("slow command %v cost %v", cmdName, cost)
		}
	}
}

func (s *Server) serveRedisAPI(port int, stopC <-chan struct{}) error {
	redisS := redcon.NewServer(
		":"+strconv.Itoa(port),
		s.serverRedis,
		func(conn redcon.Conn) bool {
			return true
		},
		func(conn redcon.Conn, err error) {
			if err != nil {
				sLog.Debugf("closed: %s, err: %v", conn.RemoteAddr(), err)
			}
		},
	)
	errC := make(chan error, 1)
	go func() {
		errC <- redisS.ListenAndServe()
	}()
	select {
	case err := <-errC:
		sLog.Errorf("failed to start the redis server: %v", err)
		return err
	case <-stopC:
	}
	redisS.Close()
	sLog.Infof("redis api server exit")
	return nil
}

func wrongArgs(conn redcon.Conn, name string) {
	conn.WriteError("ERR wrong number of arguments for '" + name + "' command")
}

func writeErr(conn redcon.Conn, err error) {
	msg := err.Error()
	if !strings.HasPrefix(msg, "ERR ") {
		msg = "ERR " + msg
	}
	conn.WriteError(msg)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func parseFloat(arg []byte) (float64, error) {
	v, err := strconv.ParseFloat(string(arg), 64)
	if err != nil {
		return 0, errNotFloat
	}
	return v, nil
}

// parseLocation reads "longitude latitude" in the redis GEO order.
func parseLocation(lonArg, latArg []byte) (geohash.GeoPoint, error) {
	lon, err := parseFloat(lonArg)
	if err != nil {
		return geohash.GeoPoint{}, err
	}
	lat, err := parseFloat(latArg)
	if err != nil {
		return geohash.GeoPoint{}, err
	}
	return geohash.NewGeoPoint(lat, lon)
}

func extractDistance(radius []byte, unit []byte) (float64, float64, error) {
	distance, err := strconv.ParseFloat(string(radius), 64)
	if err != nil {
		return -1, -1, errors.New("ERR need numeric radius")
	} else if distance < 0 {
		return -1, -1, errors.New("ERR radius cannot be negative")
	}
	toMeters, err := common.UnitToMeters(string(unit))
	if err != nil {
		return -1, -1, err
	}
	return distance * toMeters, toMeters, nil
}

// parseCircle reads "longitude latitude radius unit".
func parseCircle(args [][]byte) (geoquery.Circle, float64, error) {
	center, err := parseLocation(args[0], args[1])
	if err != nil {
		return geoquery.Circle{}, 0, err
	}
	radius, conversion, err := extractDistance(args[2], args[3])
	if err != nil {
		return geoquery.Circle{}, 0, err
	}
	c, err := geoquery.NewCircle(center, radius)
	return c, conversion, err
}

/* usage:
GEOSET key longitude latitude [payload]
*/
func (s *Server) geosetCommand(conn redcon.Conn, cmd redcon.Command) {
	if len(cmd.Args) != 4 && len(cmd.Args) != 5 {
		wrongArgs(conn, "geoset")
		return
	}
	loc, err := parseLocation(cmd.Args[2], cmd.Args[3])
	if err != nil {
		writeErr(conn, err)
		return
	}
	var payload []byte
	if len(cmd.Args) == 5 {
		payload = cmd.Args[4]
	}
	if err := s.store.WriteEntry(context.Background(), string(cmd.Args[1]), loc, payload); err != nil {
		writeErr(conn, err)
		return
	}
	conn.WriteString("OK")
}

/* usage:
GEODEL key [key ...]
*/
func (s *Server) geodelCommand(conn redcon.Conn, cmd redcon.Command) {
	if len(cmd.Args) < 2 {
		wrongArgs(conn, "geodel")
		return
	}
	ctx := context.Background()
	cnt := 0
	for _, arg := range cmd.Args[1:] {
		key := string(arg)
		_, err := s.store.GetEntry(ctx, key)
		if err == common.ErrNotFound {
			continue
		}
		if err != nil {
			writeErr(conn, err)
			return
		}
		if err := s.store.DeleteEntry(ctx, key); err != nil {
			writeErr(conn, err)
			return
		}
		cnt++
	}
	conn.WriteInt(cnt)
}

/* usage:
GEOGET key
reply: [longitude, latitude, geohash, payload] or nil
*/
func (s *Server) geogetCommand(conn redcon.Conn, cmd redcon.Command) {
	if len(cmd.Args) != 2 {
		wrongArgs(conn, "geoget")
		return
	}
	e, err := s.store.GetEntry(context.Background(), string(cmd.Args[1]))
	if err == common.ErrNotFound {
		conn.WriteNull()
		return
	}
	if err != nil {
		writeErr(conn, err)
		return
	}
	conn.WriteArray(4)
	conn.WriteBulkString(formatFloat(e.Location.Longitude))
	conn.WriteBulkString(formatFloat(e.Location.Latitude))
	conn.WriteBulkString(e.Geohash)
	if e.Payload == nil {
		conn.WriteNull()
	} else {
		conn.WriteBulk(e.Payload)
	}
}

/* usage:
GEOWITHIN longitude latitude radius m|km|ft|mi [WITHCOORD] [WITHDIST]
[WITHHASH] [WITHPAYLOAD] [COUNT count] [ASC|DESC] [MATCH pattern]
*/
func (s *Server) geowithinCommand(conn redcon.Conn, cmd redcon.Command) {
	if len(cmd.Args) < 5 {
		wrongArgs(conn, "geowithin")
		return
	}
	c, conversion, err := parseCircle(cmd.Args[1:5])
	if err != nil {
		writeErr(conn, err)
		return
	}
	var withdist, withhash, withcoords bool
	var optLen int
	var opts withinOptions
	args := cmd.Args[5:]
	for i := 0; i < len(args); i++ {
		switch strings.ToLower(string(args[i])) {
		case "withdist":
			withdist = true
			optLen++
		case "withcoord":
			withcoords = true
			optLen++
		case "withhash":
			withhash = true
			optLen++
		case "withpayload":
			opts.withPayload = true
			optLen++
		case "asc":
			opts.desc = false
		case "desc":
			opts.desc = true
		case "count":
			if i+1 >= len(args) {
				err = errSyntax
				break
			}
			opts.count, err = strconv.Atoi(string(args[i+1]))
			if err != nil || opts.count < 0 {
				err = errNotInteger
			}
			i++
		case "match":
			if i+1 >= len(args) {
				err = errSyntax
				break
			}
			opts.match = string(args[i+1])
			i++
		default:
			err = errSyntax
		}
		if err != nil {
			writeErr(conn, err)
			return
		}
	}

	list, err := s.within(context.Background(), c, opts)
	if err != nil {
		writeErr(conn, err)
		return
	}
	conn.WriteArray(len(list))
	for _, r := range list {
		if optLen > 0 {
			conn.WriteArray(optLen + 1)
		}
		conn.WriteBulkString(r.Key)
		if withdist {
			conn.WriteBulkString(formatFloat(r.Distance / conversion))
		}
		if withhash {
			conn.WriteBulkString(r.Geohash)
		}
		if withcoords {
			conn.WriteArray(2)
			conn.WriteBulkString(formatFloat(r.Lon))
			conn.WriteBulkString(formatFloat(r.Lat))
		}
		if opts.withPayload {
			if r.Payload == nil {
				conn.WriteNull()
			} else {
				conn.WriteBulk(r.Payload)
			}
		}
	}
}

/* usage:
GEORANGES longitude latitude radius m|km|ft|mi [PRECISION precision]
reply: [[start, end] ...]
*/
func (s *Server) georangesCommand(conn redcon.Conn, cmd redcon.Command) {
	if len(cmd.Args) != 5 && len(cmd.Args) != 7 {
		wrongArgs(conn, "georanges")
		return
	}
	c, _, err := parseCircle(cmd.Args[1:5])
	if err != nil {
		writeErr(conn, err)
		return
	}
	precision := s.store.Precision()
	if len(cmd.Args) == 7 {
		if strings.ToLower(string(cmd.Args[5])) != "precision" {
			writeErr(conn, errSyntax)
			return
		}
		precision, err = strconv.Atoi(string(cmd.Args[6]))
		if err != nil {
			writeErr(conn, errNotInteger)
			return
		}
	}
	ranges, err := s.decomposer.RangesForCircle(c, precision)
	if err != nil {
		writeErr(conn, err)
		return
	}
	conn.WriteArray(len(ranges))
	for _, r := range ranges {
		conn.WriteArray(2)
		conn.WriteBulkString(r.Start)
		conn.WriteBulkString(r.End)
	}
}

func encodeCursor(key string) string {
	if key == "" {
		return scanStartCursor
	}
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func decodeCursor(cursor string) (string, error) {
	if cursor == scanStartCursor || cursor == "" {
		return "", nil
	}
	key, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", errors.New("ERR invalid cursor")
	}
	return string(key), nil
}

/* usage:
GEOKEYS cursor [MATCH pattern] [COUNT count]
reply: [next cursor, [key ...]], the cursor is 0 at both ends
*/
func (s *Server) geokeysCommand(conn redcon.Conn, cmd redcon.Command) {
	if len(cmd.Args) < 2 || len(cmd.Args)%2 != 0 {
		wrongArgs(conn, "geokeys")
		return
	}
	scanner, ok := s.store.(keyScanner)
	if !ok {
		writeErr(conn, common.ErrNotSupport)
		return
	}
	cursor, err := decodeCursor(string(cmd.Args[1]))
	if err != nil {
		writeErr(conn, err)
		return
	}
	match := ""
	count := 10
	for i := 2; i < len(cmd.Args); i += 2 {
		switch strings.ToLower(string(cmd.Args[i])) {
		case "match":
			match = string(cmd.Args[i+1])
		case "count":
			count, err = strconv.Atoi(string(cmd.Args[i+1]))
			if err != nil || count <= 0 {
				writeErr(conn, errNotInteger)
				return
			}
		default:
			writeErr(conn, errSyntax)
			return
		}
	}
	list, next, err := scanner.Scan(cursor, match, count)
	if err != nil {
		writeErr(conn, err)
		return
	}
	conn.WriteArray(2)
	conn.WriteBulkString(encodeCursor(next))
	conn.WriteArray(len(list))
	for _, e := range list {
		conn.WriteBulkString(e.Key)
	}
}
