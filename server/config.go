package server

import (
	"fmt"

	"github.com/youzan/zangeo/common/geohash"
	"github.com/youzan/zangeo/geoquery"
)

const (
	EngTypeMem       = "mem"
	EngTypeFirestore = "firestore"
)

type ServerConfig struct {
	BroadcastInterface string `flag:"broadcast-interface" cfg:"broadcast_interface" json:"broadcast_interface"`
	BroadcastAddr      string `flag:"broadcast-address" cfg:"broadcast_address" json:"broadcast_address"`
	RedisAPIPort       int    `flag:"redis-api-port" cfg:"redis_api_port" json:"redis_api_port"`
	HttpAPIPort        int    `flag:"http-api-port" cfg:"http_api_port" json:"http_api_port"`
	ProfilePort        int    `flag:"profile-port" cfg:"profile_port" json:"profile_port"`

	LogLevel int32  `flag:"log-level" cfg:"log_level" json:"log_level"`
	LogDir   string `flag:"log-dir" cfg:"log_dir" json:"log_dir"`
	DataDir  string `flag:"data-dir" cfg:"data_dir" json:"data_dir"`

	// EngType is mem or firestore
	EngType string `flag:"eng-type" cfg:"eng_type" json:"eng_type"`
	// geohash length of the stored entries
	Precision       int    `flag:"precision" cfg:"precision" json:"precision"`
	DataField       string `flag:"data-field" cfg:"data_field" json:"data_field"`
	CompressPayload bool   `flag:"compress-payload" cfg:"compress_payload" json:"compress_payload"`
	// seconds between two checkpoints of the mem store, 0 only saves on stop
	CheckpointInterval int `flag:"checkpoint-interval" cfg:"checkpoint_interval" json:"checkpoint_interval"`

	CellSizeFactor     float64 `flag:"cell-size-factor" cfg:"cell_size_factor" json:"cell_size_factor"`
	DecomposeCacheSize int     `flag:"decompose-cache-size" cfg:"decompose_cache_size" json:"decompose_cache_size"`
	// events buffered for one GEOWATCH connection
	WatchQueueSize int `flag:"watch-queue-size" cfg:"watch_queue_size" json:"watch_queue_size"`
	// max milliseconds a GEOWITHIN waits for the initial load of a live query
	WithinTimeout int `flag:"within-timeout" cfg:"within_timeout" json:"within_timeout"`

	FirestoreProject     string `flag:"firestore-project" cfg:"firestore_project" json:"firestore_project"`
	FirestoreCollection  string `flag:"firestore-collection" cfg:"firestore_collection" json:"firestore_collection"`
	FirestoreCredentials string `flag:"firestore-credentials" cfg:"firestore_credentials" json:"firestore_credentials"`
}

func NewServerConfig() *ServerConfig {
	return &ServerConfig{
		RedisAPIPort:        12381,
		HttpAPIPort:         12380,
		LogLevel:            1,
		EngType:             EngTypeMem,
		Precision:           geohash.DefaultPrecision,
		CompressPayload:     true,
		CheckpointInterval:  600,
		CellSizeFactor:      geoquery.DefaultCellSizeFactor,
		DecomposeCacheSize:  1024,
		WatchQueueSize:      128,
		WithinTimeout:       3000,
		FirestoreCollection: "geo_entries",
	}
}

func (c *ServerConfig) Validate() error {
	switch c.EngType {
	case EngTypeMem:
	case EngTypeFirestore:
		if c.FirestoreProject == "" {
			return fmt.Errorf("firestore project is required for the firestore engine")
		}
	default:
		return fmt.Errorf("unknown engine type: %v", c.EngType)
	}
	if c.Precision < 1 || c.Precision > geohash.MaxPrecision {
		return fmt.Errorf("%w: %d", geohash.ErrInvalidPrecision, c.Precision)
	}
	if c.WatchQueueSize <= 0 {
		c.WatchQueueSize = 128
	}
	if c.WithinTimeout <= 0 {
		c.WithinTimeout = 3000
	}
	return nil
}
