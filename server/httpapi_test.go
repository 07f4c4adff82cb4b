package server

import (
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHttpTestServer(t *testing.T) (*Server, *httptest.Server) {
	conf := NewServerConfig()
	s, err := NewServer(conf)
	require.Nil(t, err)
	ts := httptest.NewServer(s.newHttpRouter())
	return s, ts
}

func doHttp(t *testing.T, method string, url string, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.Nil(t, err)
	rsp, err := http.DefaultClient.Do(req)
	require.Nil(t, err)
	defer rsp.Body.Close()
	data, err := ioutil.ReadAll(rsp.Body)
	require.Nil(t, err)
	return rsp.StatusCode, data
}

func TestHttpEntry(t *testing.T) {
	s, ts := newHttpTestServer(t)
	defer ts.Close()
	defer s.Stop()

	code, _ := doHttp(t, "GET", ts.URL+"/ping", "")
	assert.Equal(t, http.StatusOK, code)

	code, _ = doHttp(t, "PUT", ts.URL+"/entry/k1", `{"lat":31.231,"lon":121.47,"payload":"cDE="}`)
	require.Equal(t, http.StatusOK, code)

	code, data := doHttp(t, "GET", ts.URL+"/entry/k1", "")
	require.Equal(t, http.StatusOK, code)
	var e entryResp
	require.Nil(t, json.Unmarshal(data, &e))
	assert.Equal(t, "k1", e.Key)
	assert.Equal(t, 31.231, e.Lat)
	assert.Equal(t, 121.47, e.Lon)
	assert.Equal(t, "p1", string(e.Payload))
	assert.Equal(t, 10, len(e.Geohash))

	code, _ = doHttp(t, "PUT", ts.URL+"/entry/k2", `{"lat":91,"lon":121.47}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = doHttp(t, "PUT", ts.URL+"/entry/k2", `{"lat":`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = doHttp(t, "GET", ts.URL+"/entry/k2", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = doHttp(t, "DELETE", ts.URL+"/entry/k1", "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = doHttp(t, "GET", ts.URL+"/entry/k1", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHttpWithinRanges(t *testing.T) {
	s, ts := newHttpTestServer(t)
	defer ts.Close()
	defer s.Stop()

	require.Nil(t, s.Store().WriteEntry(bg(), "k1", testLoc(0.001), []byte("p1")))
	require.Nil(t, s.Store().WriteEntry(bg(), "k2", testLoc(0.005), nil))
	require.Nil(t, s.Store().WriteEntry(bg(), "k3", testLoc(1), nil))

	code, data := doHttp(t, "GET", ts.URL+"/within?lat=31.23&lon=121.47&radius=1&unit=km&payload=true", "")
	require.Equal(t, http.StatusOK, code)
	var list []WithinResult
	require.Nil(t, json.Unmarshal(data, &list))
	require.Equal(t, 2, len(list))
	assert.Equal(t, "k1", list[0].Key)
	assert.Equal(t, "p1", string(list[0].Payload))
	assert.Equal(t, "k2", list[1].Key)
	assert.True(t, list[0].Distance < list[1].Distance)

	code, data = doHttp(t, "GET", ts.URL+"/within?lat=31.23&lon=121.47&radius=200&unit=km&desc=true&count=1", "")
	require.Equal(t, http.StatusOK, code)
	list = nil
	require.Nil(t, json.Unmarshal(data, &list))
	require.Equal(t, 1, len(list))
	assert.Equal(t, "k3", list[0].Key)

	code, _ = doHttp(t, "GET", ts.URL+"/within?lat=31.23&lon=121.47&radius=-1", "")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = doHttp(t, "GET", ts.URL+"/within?lat=95&lon=121.47&radius=1", "")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = doHttp(t, "GET", ts.URL+"/within?lat=31.23&radius=1", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, data = doHttp(t, "GET", ts.URL+"/ranges?lat=31.23&lon=121.47&radius=500", "")
	require.Equal(t, http.StatusOK, code)
	var rr struct {
		CellBits int `json:"cell_bits"`
		Ranges   []struct {
			Start string `json:"start"`
			End   string `json:"end"`
		} `json:"ranges"`
	}
	require.Nil(t, json.Unmarshal(data, &rr))
	assert.True(t, rr.CellBits > 0)
	assert.True(t, len(rr.Ranges) > 0)
	code, _ = doHttp(t, "GET", ts.URL+"/ranges?lat=31.23&lon=121.47&radius=500&precision=0", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHttpScanStats(t *testing.T) {
	s, ts := newHttpTestServer(t)
	defer ts.Close()
	defer s.Stop()

	for _, k := range []string{"a1", "a2", "a3", "b1"} {
		require.Nil(t, s.Store().WriteEntry(bg(), k, testLoc(0), nil))
	}
	var page struct {
		Cursor  string      `json:"cursor"`
		Entries []entryResp `json:"entries"`
	}
	code, data := doHttp(t, "GET", ts.URL+"/entries?count=2", "")
	require.Equal(t, http.StatusOK, code)
	require.Nil(t, json.Unmarshal(data, &page))
	require.Equal(t, 2, len(page.Entries))
	assert.Equal(t, "a1", page.Entries[0].Key)
	assert.NotEqual(t, "0", page.Cursor)

	code, data = doHttp(t, "GET", ts.URL+"/entries?count=10&match=a*&cursor="+page.Cursor, "")
	require.Equal(t, http.StatusOK, code)
	page.Entries = nil
	require.Nil(t, json.Unmarshal(data, &page))
	require.Equal(t, 1, len(page.Entries))
	assert.Equal(t, "a3", page.Entries[0].Key)
	assert.Equal(t, "0", page.Cursor)

	code, data = doHttp(t, "GET", ts.URL+"/stats", "")
	require.Equal(t, http.StatusOK, code)
	var st struct {
		Stats struct {
			StoreStats struct {
				EngType  string `json:"eng_type"`
				EntryNum int64  `json:"entry_num"`
			} `json:"store_stats"`
		} `json:"stats"`
		HotWriteKeys []struct {
			Key string `json:"key"`
		} `json:"hot_write_keys"`
	}
	require.Nil(t, json.Unmarshal(data, &st))
	assert.Equal(t, int64(4), st.Stats.StoreStats.EntryNum)
	assert.NotEqual(t, "", st.Stats.StoreStats.EngType)

	code, _ = doHttp(t, "POST", ts.URL+"/checkpoint", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = doHttp(t, "POST", ts.URL+"/loglevel/set?loglevel=0", "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = doHttp(t, "POST", ts.URL+"/loglevel/set", "")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = doHttp(t, "POST", ts.URL+"/costlevel/set?level=0", "")
	assert.Equal(t, http.StatusOK, code)

	code, data = doHttp(t, "GET", ts.URL+"/metrics", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(data), "store_write_latency")
}
