package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/youzan/zangeo/common"
	"github.com/youzan/zangeo/common/geohash"
	"github.com/youzan/zangeo/engine"
	"github.com/youzan/zangeo/engine/fsstore"
	"github.com/youzan/zangeo/geoquery"
	"github.com/youzan/zangeo/livequery"
	"github.com/youzan/zangeo/metric"
	"github.com/youzan/zangeo/slow"
)

type entryBody struct {
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Payload []byte  `json:"payload,omitempty"`
}

type entryResp struct {
	Key     string  `json:"key"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Geohash string  `json:"geohash"`
	Payload []byte  `json:"payload,omitempty"`
	Version uint64  `json:"version"`
}

func toEntryResp(e livequery.Entry) entryResp {
	return entryResp{
		Key:     e.Key,
		Lat:     e.Location.Latitude,
		Lon:     e.Location.Longitude,
		Geohash: e.Geohash,
		Payload: e.Payload,
		Version: e.Version,
	}
}

// httpErr maps the store errors to the status codes.
func httpErr(err error) error {
	switch {
	case errors.Is(err, common.ErrNotFound):
		return common.HttpErr{Code: http.StatusNotFound, Text: err.Error()}
	case errors.Is(err, common.ErrInvalidArgs),
		errors.Is(err, common.ErrKeySize),
		errors.Is(err, common.ErrPayloadSize),
		errors.Is(err, geohash.ErrInvalidPrecision),
		errors.Is(err, geoquery.ErrInvalidRadius),
		geohash.IsInvalidCoordinate(err):
		return common.HttpErr{Code: http.StatusBadRequest, Text: err.Error()}
	case errors.Is(err, common.ErrNotSupport):
		return common.HttpErr{Code: http.StatusNotImplemented, Text: err.Error()}
	case errors.Is(err, errWithinTimeout):
		return common.HttpErr{Code: http.StatusGatewayTimeout, Text: err.Error()}
	}
	return common.HttpErr{Code: http.StatusInternalServerError, Text: err.Error()}
}

func (s *Server) pingHandler(w http.ResponseWriter, req *http.Request, ps httprouter.Params) (interface{}, error) {
	return "OK", nil
}

func (s *Server) doSetEntry(w http.ResponseWriter, req *http.Request, ps httprouter.Params) (interface{}, error) {
	data, err := ioutil.ReadAll(http.MaxBytesReader(w, req.Body, int64(common.MaxPayloadSize*2)))
	if err != nil {
		return nil, common.HttpErr{Code: http.StatusBadRequest, Text: "INVALID_BODY"}
	}
	var body entryBody
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, common.HttpErr{Code: http.StatusBadRequest, Text: "INVALID_BODY"}
	}
	loc, err := geohash.NewGeoPoint(body.Lat, body.Lon)
	if err != nil {
		return nil, httpErr(err)
	}
	if err := s.store.WriteEntry(req.Context(), ps.ByName("key"), loc, body.Payload); err != nil {
		return nil, httpErr(err)
	}
	return nil, nil
}

func (s *Server) getEntry(w http.ResponseWriter, req *http.Request, ps httprouter.Params) (interface{}, error) {
	e, err := s.store.GetEntry(req.Context(), ps.ByName("key"))
	if err != nil {
		return nil, httpErr(err)
	}
	return toEntryResp(e), nil
}

func (s *Server) doDelEntry(w http.ResponseWriter, req *http.Request, ps httprouter.Params) (interface{}, error) {
	if err := s.store.DeleteEntry(req.Context(), ps.ByName("key")); err != nil {
		return nil, httpErr(err)
	}
	return nil, nil
}

func (s *Server) doScanEntries(w http.ResponseWriter, req *http.Request, ps httprouter.Params) (interface{}, error) {
	scanner, ok := s.store.(keyScanner)
	if !ok {
		return nil, httpErr(common.ErrNotSupport)
	}
	reqParams, err := url.ParseQuery(req.URL.RawQuery)
	if err != nil {
		return nil, common.HttpErr{Code: http.StatusBadRequest, Text: "INVALID_REQUEST"}
	}
	count := 10
	if cs := reqParams.Get("count"); cs != "" {
		count, err = strconv.Atoi(cs)
		if err != nil || count <= 0 {
			return nil, common.HttpErr{Code: http.StatusBadRequest, Text: "BAD_COUNT"}
		}
	}
	cursor, err := decodeCursor(reqParams.Get("cursor"))
	if err != nil {
		return nil, common.HttpErr{Code: http.StatusBadRequest, Text: "BAD_CURSOR"}
	}
	list, next, err := scanner.Scan(cursor, reqParams.Get("match"), count)
	if err != nil {
		return nil, httpErr(err)
	}
	entries := make([]entryResp, 0, len(list))
	for _, e := range list {
		entries = append(entries, toEntryResp(e))
	}
	return struct {
		Cursor  string      `json:"cursor"`
		Entries []entryResp `json:"entries"`
	}{encodeCursor(next), entries}, nil
}

// parseCircleParams reads lat, lon, radius and unit from the query string.
func parseCircleParams(reqParams url.Values) (geoquery.Circle, error) {
	lat, err := strconv.ParseFloat(reqParams.Get("lat"), 64)
	if err != nil {
		return geoquery.Circle{}, common.HttpErr{Code: http.StatusBadRequest, Text: "BAD_LAT"}
	}
	lon, err := strconv.ParseFloat(reqParams.Get("lon"), 64)
	if err != nil {
		return geoquery.Circle{}, common.HttpErr{Code: http.StatusBadRequest, Text: "BAD_LON"}
	}
	radius, _, err := extractDistance([]byte(reqParams.Get("radius")), []byte(reqParams.Get("unit")))
	if err != nil {
		return geoquery.Circle{}, common.HttpErr{Code: http.StatusBadRequest, Text: err.Error()}
	}
	center, err := geohash.NewGeoPoint(lat, lon)
	if err != nil {
		return geoquery.Circle{}, httpErr(err)
	}
	c, err := geoquery.NewCircle(center, radius)
	if err != nil {
		return geoquery.Circle{}, httpErr(err)
	}
	return c, nil
}

func (s *Server) doWithin(w http.ResponseWriter, req *http.Request, ps httprouter.Params) (interface{}, error) {
	reqParams, err := url.ParseQuery(req.URL.RawQuery)
	if err != nil {
		return nil, common.HttpErr{Code: http.StatusBadRequest, Text: "INVALID_REQUEST"}
	}
	c, err := parseCircleParams(reqParams)
	if err != nil {
		return nil, err
	}
	opts := withinOptions{match: reqParams.Get("match")}
	opts.withPayload, _ = strconv.ParseBool(reqParams.Get("payload"))
	opts.desc, _ = strconv.ParseBool(reqParams.Get("desc"))
	if cs := reqParams.Get("count"); cs != "" {
		opts.count, err = strconv.Atoi(cs)
		if err != nil || opts.count < 0 {
			return nil, common.HttpErr{Code: http.StatusBadRequest, Text: "BAD_COUNT"}
		}
	}
	list, err := s.within(req.Context(), c, opts)
	if err != nil {
		return nil, httpErr(err)
	}
	return list, nil
}

func (s *Server) doRanges(w http.ResponseWriter, req *http.Request, ps httprouter.Params) (interface{}, error) {
	reqParams, err := url.ParseQuery(req.URL.RawQuery)
	if err != nil {
		return nil, common.HttpErr{Code: http.StatusBadRequest, Text: "INVALID_REQUEST"}
	}
	c, err := parseCircleParams(reqParams)
	if err != nil {
		return nil, err
	}
	precision := s.store.Precision()
	if pstr := reqParams.Get("precision"); pstr != "" {
		precision, err = strconv.Atoi(pstr)
		if err != nil {
			return nil, common.HttpErr{Code: http.StatusBadRequest, Text: "BAD_PRECISION"}
		}
	}
	ranges, err := s.decomposer.RangesForCircle(c, precision)
	if err != nil {
		return nil, httpErr(err)
	}
	return struct {
		CellBits int              `json:"cell_bits"`
		Ranges   []geoquery.Range `json:"ranges"`
	}{s.decomposer.CellBits(c, precision), ranges}, nil
}

func (s *Server) doStats(w http.ResponseWriter, req *http.Request, ps httprouter.Params) (interface{}, error) {
	ss := s.GetStats()
	hot, large := s.hotKeys()
	uptime := time.Since(s.startTime)
	return struct {
		Version       string             `json:"version"`
		UpTime        int64              `json:"up_time"`
		Watches       int                `json:"watches"`
		Stats         common.ServerStats `json:"stats"`
		HotWriteKeys  []metric.KeyCount  `json:"hot_write_keys,omitempty"`
		LargePayloads []metric.KeyCount  `json:"large_payloads,omitempty"`
	}{common.VerBinary, int64(uptime.Seconds()), s.watchNum(), ss, hot, large}, nil
}

func (s *Server) doCheckpoint(w http.ResponseWriter, req *http.Request, ps httprouter.Params) (interface{}, error) {
	if s.memStore == nil || s.conf.DataDir == "" {
		return nil, common.HttpErr{Code: http.StatusBadRequest, Text: "NO_CHECKPOINT_STORE"}
	}
	n, err := s.memStore.NewCheckpoint().Save(s.conf.DataDir)
	if err != nil {
		return nil, common.HttpErr{Code: http.StatusInternalServerError, Text: err.Error()}
	}
	return struct {
		Entries int64 `json:"entries"`
	}{n}, nil
}

func (s *Server) doSetLogLevel(w http.ResponseWriter, req *http.Request, ps httprouter.Params) (interface{}, error) {
	reqParams, err := url.ParseQuery(req.URL.RawQuery)
	if err != nil {
		return nil, common.HttpErr{Code: http.StatusBadRequest, Text: "INVALID_REQUEST"}
	}
	levelStr := reqParams.Get("loglevel")
	if levelStr == "" {
		return nil, common.HttpErr{Code: http.StatusBadRequest, Text: "MISSING_ARG_LEVEL"}
	}
	level, err := strconv.Atoi(levelStr)
	if err != nil {
		return nil, common.HttpErr{Code: http.StatusBadRequest, Text: "BAD_LEVEL_STRING"}
	}
	mode := reqParams.Get("logmode")
	switch mode {
	case "":
		sLog.SetLevel(int32(level))
		engine.SetLogLevel(int32(level))
		fsstore.SetLogLevel(int32(level))
		livequery.SetLogLevel(int32(level))
		geoquery.SetLogLevel(int32(level))
	case "server":
		sLog.SetLevel(int32(level))
	case "engine":
		engine.SetLogLevel(int32(level))
		fsstore.SetLogLevel(int32(level))
	case "query":
		livequery.SetLogLevel(int32(level))
		geoquery.SetLogLevel(int32(level))
	default:
		sLog.Infof("unknown log mode: %v, available(server,engine,query)", mode)
	}
	return nil, nil
}

func (s *Server) doSetCostLevel(w http.ResponseWriter, req *http.Request, ps httprouter.Params) (interface{}, error) {
	reqParams, err := url.ParseQuery(req.URL.RawQuery)
	if err != nil {
		return nil, common.HttpErr{Code: http.StatusBadRequest, Text: "INVALID_REQUEST"}
	}
	levelStr := reqParams.Get("level")
	if levelStr == "" {
		return nil, common.HttpErr{Code: http.StatusBadRequest, Text: "MISSING_ARG_LEVEL"}
	}
	level, err := strconv.Atoi(levelStr)
	if err != nil {
		return nil, common.HttpErr{Code: http.StatusBadRequest, Text: "BAD_LEVEL_STRING"}
	}
	atomic.StoreInt32(&costStatsLevel, int32(level))
	return nil, nil
}

func (s *Server) doSetSlowLevel(w http.ResponseWriter, req *http.Request, ps httprouter.Params) (interface{}, error) {
	level, err := strconv.Atoi(req.FormValue("level"))
	if err != nil {
		return nil, common.HttpErr{Code: http.StatusBadRequest, Text: "BAD_LEVEL_STRING"}
	}
	slow.ChangeSlowLogLevel(level)
	sLog.Infof("slow log level changed to %v", level)
	return nil, nil
}

func (s *Server) newHttpRouter() http.Handler {
	log := common.HttpLog(sLog, common.LOG_INFO)
	debugLog := common.HttpLog(sLog, common.LOG_DEBUG)
	router := httprouter.New()
	router.Handle("GET", common.APIPing, common.Decorate(s.pingHandler, common.PlainText))
	router.Handle("GET", common.APIEntry, common.Decorate(s.getEntry, debugLog, common.V1))
	router.Handle("PUT", common.APIEntry, common.Decorate(s.doSetEntry, debugLog, common.V1))
	router.Handle("POST", common.APIEntry, common.Decorate(s.doSetEntry, debugLog, common.V1))
	router.Handle("DELETE", common.APIEntry, common.Decorate(s.doDelEntry, log, common.V1))
	router.Handle("GET", common.APIEntries, common.Decorate(s.doScanEntries, debugLog, common.V1))
	router.Handle("GET", common.APIWithin, common.Decorate(s.doWithin, debugLog, common.V1))
	router.Handle("GET", common.APIRanges, common.Decorate(s.doRanges, debugLog, common.V1))

	router.Handle("GET", common.APIStats, common.Decorate(s.doStats, common.V1))
	router.Handle("POST", "/checkpoint", common.Decorate(s.doCheckpoint, log, common.V1))
	router.Handle("POST", "/loglevel/set", common.Decorate(s.doSetLogLevel, log, common.V1))
	router.Handle("POST", "/costlevel/set", common.Decorate(s.doSetCostLevel, log, common.V1))
	router.Handle("POST", "/slowlevel/set", common.Decorate(s.doSetSlowLevel, log, common.V1))
	router.Handler("GET", common.APIMetrics, promhttp.Handler())
	return router
}

func (s *Server) serveHttpAPI(port int, stopC <-chan struct{}) error {
	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(port),
		Handler: s.router,
	}
	errC := make(chan error, 1)
	go func() {
		errC <- srv.ListenAndServe()
	}()
	select {
	case err := <-errC:
		if err != http.ErrServerClosed {
			return fmt.Errorf("http api server: %w", err)
		}
		return nil
	case <-stopC:
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*3)
	defer cancel()
	err := srv.Shutdown(ctx)
	sLog.Infof("http server stopped: %v", err)
	return nil
}
