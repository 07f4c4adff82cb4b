package metric

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// unit is ms
	StoreWriteLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "store_write_latency",
		Help:    "index entry write latency",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	}, []string{"store", "op"})

	WriteByteSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "write_byte_size",
		Help:    "index entry payload byte size",
		Buckets: prometheus.ExponentialBuckets(128, 2, 12),
	}, []string{"store"})

	RangesPerQuery = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ranges_per_query",
		Help:    "geohash ranges produced by one circle decomposition",
		Buckets: prometheus.LinearBuckets(1, 1, 12),
	})

	DecomposeCacheCnt = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "decompose_cache_cnt",
		Help: "decomposition cache lookups",
	}, []string{"result"})

	QueueLen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_len",
		Help: "queue length for the delivery queues of queries and subscriptions",
	}, []string{"queue_name"})

	ActiveQueries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "active_queries",
		Help: "live queries started and not closed yet",
	})

	OpenRanges = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "open_ranges",
		Help: "range subscriptions opened by live queries",
	})

	ErrorCnt = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "error_cnt",
		Help: "error counter for some useful kinds of internal error",
	}, []string{"error_info"})

	EventCnt = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "event_cnt",
		Help: "the query events delivered to listeners",
	}, []string{"event_name"})
)
