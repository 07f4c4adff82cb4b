package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/shirou/gopsutil/mem"
	"github.com/youzan/zangeo/common"
	"github.com/youzan/zangeo/common/record"
	"github.com/youzan/zangeo/engine"
	"github.com/youzan/zangeo/engine/fsstore"
	"github.com/youzan/zangeo/geoquery"
	"github.com/youzan/zangeo/livequery"
	"github.com/youzan/zangeo/metric"
	"golang.org/x/sync/errgroup"
)

var sLog = common.NewLevelLogger(common.LOG_INFO, common.NewDefaultLogger("server"))

func SetLogger(level int32, logger common.Logger) {
	sLog.SetLevel(level)
	sLog.Logger = logger
}

func SLogger() *common.LevelLogger {
	return sLog
}

// GeoStore is what the server needs from an engine.
type GeoStore interface {
	livequery.Store
	livequery.Writer
	Precision() int
	Stats() common.StoreStats
}

// rangeReader is implemented by the stores able to read a range at once,
// the others answer GEOWITHIN with a short lived live query.
type rangeReader interface {
	EntriesInRanges(ranges []geoquery.Range) ([]livequery.Entry, error)
}

type keyScanner interface {
	Scan(cursor string, match string, count int) ([]livequery.Entry, string, error)
}

type Server struct {
	conf       *ServerConfig
	store      GeoStore
	memStore   *engine.MemStore
	fsStore    *fsstore.Store
	decomposer *geoquery.Decomposer
	router     http.Handler
	startTime  time.Time

	stopC    chan struct{}
	stopOnce sync.Once
	g        errgroup.Group

	watchMu sync.Mutex
	watches map[string]*livequery.Query
}

func NewServer(conf *ServerConfig) (*Server, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	if conf.BroadcastInterface != "" {
		if ip := common.GetIPv4ForInterfaceName(conf.BroadcastInterface); ip != "" {
			conf.BroadcastAddr = ip
		}
	}
	d, err := geoquery.NewDecomposer(geoquery.DecomposerOptions{
		CellSizeFactor: conf.CellSizeFactor,
		CacheSize:      conf.DecomposeCacheSize,
	})
	if err != nil {
		return nil, err
	}
	s := &Server{
		conf:       conf,
		decomposer: d,
		stopC:      make(chan struct{}),
		watches:    make(map[string]*livequery.Query),
	}
	codec := record.Codec{
		DataField: conf.DataField,
		Compress:  conf.CompressPayload,
		Precision: conf.Precision,
	}
	switch conf.EngType {
	case EngTypeFirestore:
		fcfg := fsstore.NewConfig()
		fcfg.ProjectID = conf.FirestoreProject
		fcfg.CredentialsFile = conf.FirestoreCredentials
		if conf.FirestoreCollection != "" {
			fcfg.Collection = conf.FirestoreCollection
		}
		fcfg.Codec = codec
		fs, err := fsstore.New(context.Background(), fcfg)
		if err != nil {
			return nil, err
		}
		s.fsStore = fs
		s.store = fs
	default:
		mcfg := engine.NewMemStoreConfig()
		mcfg.DataDir = conf.DataDir
		mcfg.Precision = conf.Precision
		mcfg.Codec = codec
		ms, err := engine.OpenMemStore(mcfg)
		if err != nil {
			return nil, err
		}
		s.memStore = ms
		s.store = ms
	}
	sLog.Infof("server created with %v engine, precision %v, broadcast %v",
		conf.EngType, conf.Precision, conf.BroadcastAddr)
	return s, nil
}

func (s *Server) Store() GeoStore {
	return s.store
}

// Start runs the api servers in the background, they stop with Stop.
func (s *Server) Start() {
	s.startTime = time.Now()
	s.router = s.newHttpRouter()
	s.g.Go(func() error {
		return s.serveRedisAPI(s.conf.RedisAPIPort, s.stopC)
	})
	s.g.Go(func() error {
		return s.serveHttpAPI(s.conf.HttpAPIPort, s.stopC)
	})
	if s.memStore != nil && s.conf.DataDir != "" && s.conf.CheckpointInterval > 0 {
		s.g.Go(func() error {
			s.checkpointLoop(time.Duration(s.conf.CheckpointInterval) * time.Second)
			return nil
		})
	}
}

func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopC)
		s.closeWatches()
		if err := s.g.Wait(); err != nil {
			sLog.Warningf("api server exit with error: %v", err)
		}
		if s.memStore != nil {
			if s.conf.DataDir != "" {
				if _, err := s.memStore.NewCheckpoint().Save(s.conf.DataDir); err != nil {
					sLog.Errorf("failed to save checkpoint on stop: %v", err)
				}
			}
			s.memStore.Close()
		}
		if s.fsStore != nil {
			s.fsStore.Close()
		}
		sLog.Infof("server stopped")
	})
}

func (s *Server) checkpointLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopC:
			return
		case <-ticker.C:
			if _, err := s.memStore.NewCheckpoint().Save(s.conf.DataDir); err != nil {
				sLog.Errorf("failed to save checkpoint: %v", err)
				metric.ErrorCnt.WithLabelValues("checkpoint_failed").Inc()
			}
		}
	}
}

func (s *Server) addWatch(q *livequery.Query) bool {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	select {
	case <-s.stopC:
		return false
	default:
	}
	s.watches[q.ID()] = q
	return true
}

func (s *Server) removeWatch(q *livequery.Query) {
	s.watchMu.Lock()
	delete(s.watches, q.ID())
	s.watchMu.Unlock()
}

func (s *Server) closeWatches() {
	s.watchMu.Lock()
	watches := make([]*livequery.Query, 0, len(s.watches))
	for _, q := range s.watches {
		watches = append(watches, q)
	}
	s.watchMu.Unlock()
	for _, q := range watches {
		q.Close()
	}
}

func (s *Server) watchNum() int {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	return len(s.watches)
}

func (s *Server) GetStats() common.ServerStats {
	ss := common.ServerStats{
		Version:    common.VerBinary,
		StoreStats: s.store.Stats(),
		QueryStats: livequery.Stats(),
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		ss.HostMemTotal = vm.Total
		ss.HostMemUsed = vm.Used
	}
	return ss
}

// hotKeys returns the write hot spots, only the mem store tracks them.
func (s *Server) hotKeys() ([]metric.KeyCount, []metric.KeyCount) {
	if s.memStore == nil {
		return nil, nil
	}
	return s.memStore.HotWriteKeys(), s.memStore.LargePayloadKeys()
}

var (
	errWithinTimeout = errors.New("timeout waiting for the initial load")
	errStopping      = errors.New("ERR server is stopping")
	errWatchCommand  = errors.New("ERR only SETCENTER SETRADIUS PING UNWATCH are allowed while watching")
)
