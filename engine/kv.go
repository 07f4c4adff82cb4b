package engine

import (
	"errors"

	"github.com/youzan/zangeo/common"
	"github.com/youzan/zangeo/common/geohash"
	"github.com/youzan/zangeo/common/record"
)

var dbLog = common.NewLevelLogger(common.LOG_INFO, common.NewGLogger())

func SetLogLevel(level int32) {
	dbLog.SetLevel(level)
}

func SetLogger(level int32, logger common.Logger) {
	dbLog.SetLevel(level)
	dbLog.Logger = logger
}

var (
	errStoreClosed = errors.New("store closed")
)

const (
	checkpointFile = "geo.dat"
	checkpointVer  = "v001\n"
)

type MemStoreConfig struct {
	// DataDir holds the checkpoint, empty means no persistence.
	DataDir string `json:"data_dir"`
	// Precision is the geohash length the entries are indexed with, queries
	// must not use a larger precision.
	Precision int `json:"precision"`
	// Codec encodes the checkpoint records, its precision is ignored.
	Codec                 record.Codec `json:"codec"`
	SubscriptionQueueSize int          `json:"subscription_queue_size"`
}

func NewMemStoreConfig() *MemStoreConfig {
	return &MemStoreConfig{
		Precision:             geohash.DefaultPrecision,
		SubscriptionQueueSize: 64,
		Codec:                 record.Codec{Compress: true},
	}
}

type KVCheckpoint interface {
	Save(dir string) (int64, error)
	Load(dir string) (int, error)
}
