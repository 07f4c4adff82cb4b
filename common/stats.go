package common

import (
	"math"
	"sync/atomic"
)

type WriteStats struct {
	// <100bytes, <1KB, 2KB, 4KB, 8KB, 16KB, 32KB, 64KB, 128KB, 256KB, 512KB, 1MB
	PayloadSizeStats [16]int64 `json:"payload_size_stats"`
	// <1024us, 2ms, 4ms, 8ms, 16ms, 32ms, 64ms, 128ms, 256ms, 512ms, 1024ms, 2048ms, 4s, 8s
	WriteLatencyStats [16]int64 `json:"write_latency_stats"`
}

func (ws *WriteStats) UpdateSizeStats(vSize int64) {
	bucket := 0
	if vSize < 100 {
	} else if vSize < 1024 {
		bucket = 1
	} else {
		bucket = int(math.Log2(float64(vSize/1024))) + 2
	}
	if bucket >= len(ws.PayloadSizeStats) {
		bucket = len(ws.PayloadSizeStats) - 1
	}
	atomic.AddInt64(&ws.PayloadSizeStats[bucket], 1)
}

func (ws *WriteStats) UpdateLatencyStats(latencyUs int64) {
	bucket := 0
	if latencyUs >= 1024 {
		bucket = int(math.Log2(float64(latencyUs/1000))) + 1
	}
	if bucket >= len(ws.WriteLatencyStats) {
		bucket = len(ws.WriteLatencyStats) - 1
	}
	atomic.AddInt64(&ws.WriteLatencyStats[bucket], 1)
}

func (ws *WriteStats) UpdateWriteStats(vSize int64, latencyUs int64) {
	ws.UpdateSizeStats(vSize)
	ws.UpdateLatencyStats(latencyUs)
}

func (ws *WriteStats) Copy() *WriteStats {
	var s WriteStats
	for i := 0; i < len(ws.PayloadSizeStats); i++ {
		s.PayloadSizeStats[i] = atomic.LoadInt64(&ws.PayloadSizeStats[i])
	}
	for i := 0; i < len(ws.WriteLatencyStats); i++ {
		s.WriteLatencyStats[i] = atomic.LoadInt64(&ws.WriteLatencyStats[i])
	}
	return &s
}

type StoreStats struct {
	EngType       string      `json:"eng_type"`
	EntryNum      int64       `json:"entry_num"`
	Subscriptions int64       `json:"subscriptions"`
	WriteStats    *WriteStats `json:"write_stats,omitempty"`
}

type QueryStats struct {
	Active         int64 `json:"active"`
	TotalStarted   int64 `json:"total_started"`
	OpenRanges     int64 `json:"open_ranges"`
	EventDelivered int64 `json:"event_delivered"`
}

type ServerStats struct {
	Version    string     `json:"version"`
	StoreStats StoreStats `json:"store_stats"`
	QueryStats QueryStats `json:"query_stats"`
	// host memory from gopsutil, zero if not available
	HostMemTotal uint64 `json:"host_mem_total"`
	HostMemUsed  uint64 `json:"host_mem_used"`
}
