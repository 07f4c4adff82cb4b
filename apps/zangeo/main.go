package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/absolute8511/glog"
	"github.com/joho/godotenv"
	"github.com/judwhite/go-svc/svc"
	"github.com/mreiferson/go-options"
	"github.com/youzan/zangeo/common"
	"github.com/youzan/zangeo/engine"
	"github.com/youzan/zangeo/engine/fsstore"
	"github.com/youzan/zangeo/geoquery"
	"github.com/youzan/zangeo/livequery"
	"github.com/youzan/zangeo/server"
	"github.com/youzan/zangeo/slow"
)

var (
	flagSet = flag.NewFlagSet("zangeo", flag.ExitOnError)

	config      = flagSet.String("config", "", "path to config file")
	envFile     = flagSet.String("env-file", "", "path to a .env file loaded before anything else")
	showVersion = flagSet.Bool("version", false, "print version string")

	broadcastAddress   = flagSet.String("broadcast-address", "", "address of this node")
	broadcastInterface = flagSet.String("broadcast-interface", "", "interface used to find the broadcast address")
	redisAPIPort       = flagSet.Int("redis-api-port", 12381, "port of the redis api")
	httpAPIPort        = flagSet.Int("http-api-port", 12380, "port of the http api")
	profilePort        = flagSet.Int("profile-port", 0, "port of the pprof server, 0 to disable")

	logLevel = flagSet.Int("log-level", 1, "log verbose level")
	logDir   = flagSet.String("log-dir", "", "directory for log file")
	dataDir  = flagSet.String("data-dir", "", "directory for the checkpoint of the mem engine")

	engType            = flagSet.String("eng-type", server.EngTypeMem, "engine type: mem or firestore")
	precision          = flagSet.Int("precision", 10, "geohash length of the stored entries")
	dataField          = flagSet.String("data-field", "", "field name of the payload in the stored records")
	compressPayload    = flagSet.Bool("compress-payload", true, "compress the payload with snappy")
	checkpointInterval = flagSet.Int("checkpoint-interval", 600, "seconds between two checkpoints, 0 only saves on stop")

	cellSizeFactor     = flagSet.Float64("cell-size-factor", geoquery.DefaultCellSizeFactor, "cell size relative to the query radius")
	decomposeCacheSize = flagSet.Int("decompose-cache-size", 1024, "number of decomposed circles cached")
	watchQueueSize     = flagSet.Int("watch-queue-size", 128, "events buffered for one watch connection")
	withinTimeout      = flagSet.Int("within-timeout", 3000, "max milliseconds a geowithin waits for the initial load")

	firestoreProject     = flagSet.String("firestore-project", "", "google cloud project of the firestore engine")
	firestoreCollection  = flagSet.String("firestore-collection", "geo_entries", "firestore collection holding the entries")
	firestoreCredentials = flagSet.String("firestore-credentials", "", "service account file, default credentials if empty")
)

type program struct {
	server *server.Server
}

func main() {
	defer log.Printf("main exit")
	defer glog.Flush()
	prg := &program{}
	if err := svc.Run(prg, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT, syscall.SIGINT); err != nil {
		log.Fatal(err)
	}
}

func (p *program) Init(env svc.Environment) error {
	if env.IsWindowsService() {
		dir := filepath.Dir(os.Args[0])
		return os.Chdir(dir)
	}
	return nil
}

func loadConfig() (*server.ServerConfig, error) {
	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %v", *envFile, err)
		}
	}
	var cfg map[string]interface{}
	if *config != "" {
		_, err := toml.DecodeFile(*config, &cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %v", *config, err)
		}
	}
	opts := server.NewServerConfig()
	options.Resolve(opts, flagSet, cfg)
	return opts, opts.Validate()
}

func setLogLevel(level int32) {
	glogger := common.NewGLogger()
	server.SetLogger(level, glogger)
	engine.SetLogger(level, glogger)
	fsstore.SetLogger(level, glogger)
	livequery.SetLogger(level, glogger)
	geoquery.SetLogger(level, glogger)
	slow.SetLogger(level, glogger)
}

func (p *program) Start() error {
	glog.InitWithFlag(flagSet)
	flagSet.Parse(os.Args[1:])

	fmt.Println(common.VerString("zangeo"))
	if *showVersion {
		os.Exit(0)
	}
	opts, err := loadConfig()
	if err != nil {
		log.Fatalf("ERROR: %v", err)
	}
	if opts.LogDir != "" {
		glog.SetGLogDir(opts.LogDir)
	}
	glog.StartWorker(time.Second * 2)
	setLogLevel(opts.LogLevel)

	if opts.ProfilePort > 0 {
		go func() {
			err := http.ListenAndServe(":"+strconv.Itoa(opts.ProfilePort), nil)
			log.Printf("profile server exit: %v", err)
		}()
	}
	app, err := server.NewServer(opts)
	if err != nil {
		log.Fatalf("ERROR: failed to create server: %v", err)
	}
	app.Start()
	p.server = app
	return nil
}

func (p *program) Stop() error {
	if p.server != nil {
		p.server.Stop()
	}
	return nil
}
