package common

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"

	"github.com/absolute8511/glog"
)

type Logger interface {
	Output(maxdepth int, s string) error
	OutputErr(maxdepth int, s string) error
	OutputWarning(maxdepth int, s string) error
}

type defaultLogger struct {
	logger *log.Logger
}

func header(lvl, msg string) string {
	return fmt.Sprintf("%s: %s", lvl, msg)
}

// NewDefaultLogger writes to stdout with the standard log package, mostly
// used by tests and tools which do not want glog files.
func NewDefaultLogger(module string) *defaultLogger {
	return &defaultLogger{
		logger: log.New(os.Stdout, module, log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
	}
}

func (dl *defaultLogger) Output(maxdepth int, s string) error {
	dl.logger.Output(maxdepth+1, s)
	return nil
}

func (dl *defaultLogger) OutputErr(maxdepth int, s string) error {
	dl.logger.Output(maxdepth+1, header("ERR", s))
	return nil
}

func (dl *defaultLogger) OutputWarning(maxdepth int, s string) error {
	dl.logger.Output(maxdepth+1, header("WARN", s))
	return nil
}

type GLogger struct {
}

func NewGLogger() *GLogger {
	return &GLogger{}
}

func (gl *GLogger) Output(maxdepth int, s string) error {
	glog.InfoDepth(maxdepth, s)
	return nil
}

func (gl *GLogger) OutputErr(maxdepth int, s string) error {
	glog.ErrorDepth(maxdepth, s)
	return nil
}

func (gl *GLogger) OutputWarning(maxdepth int, s string) error {
	glog.WarningDepth(maxdepth, s)
	return nil
}

const (
	LOG_ERR int32 = iota
	LOG_WARN
	LOG_INFO
	LOG_DEBUG
	LOG_DETAIL
)

type LevelLogger struct {
	Logger Logger
	level  int32
}

func NewLevelLogger(level int32, l Logger) *LevelLogger {
	return &LevelLogger{
		Logger: l,
		level:  level,
	}
}

func (ll *LevelLogger) SetLevel(l int32) {
	atomic.StoreInt32(&ll.level, l)
}

func (ll *LevelLogger) Level() int32 {
	return atomic.LoadInt32(&ll.level)
}

func (ll *LevelLogger) Infof(f string, args ...interface{}) {
	if ll.Logger != nil && ll.Level() >= LOG_INFO {
		ll.Logger.Output(2, fmt.Sprintf(f, args...))
	}
}

func (ll *LevelLogger) Debugf(f string, args ...interface{}) {
	if ll.Logger != nil && ll.Level() >= LOG_DEBUG {
		ll.Logger.Output(2, fmt.Sprintf(f, args...))
	}
}

// Detailf is for per event logging, only enabled while debugging a query.
func (ll *LevelLogger) Detailf(f string, args ...interface{}) {
	if ll.Logger != nil && ll.Level() >= LOG_DETAIL {
		ll.Logger.Output(2, fmt.Sprintf(f, args...))
	}
}

func (ll *LevelLogger) Errorf(f string, args ...interface{}) {
	if ll.Logger != nil {
		ll.Logger.OutputErr(2, fmt.Sprintf(f, args...))
	}
}

func (ll *LevelLogger) Warningf(f string, args ...interface{}) {
	if ll.Logger != nil && ll.Level() >= LOG_WARN {
		ll.Logger.OutputWarning(2, fmt.Sprintf(f, args...))
	}
}

func (ll *LevelLogger) Fatalf(f string, args ...interface{}) {
	if ll.Logger != nil {
		ll.Logger.OutputErr(2, fmt.Sprintf(f, args...))
	}
	glog.Flush()
	os.Exit(1)
}

func (ll *LevelLogger) Info(args ...interface{}) {
	if ll.Logger != nil && ll.Level() >= LOG_INFO {
		ll.Logger.Output(2, fmt.Sprint(args...))
	}
}

func (ll *LevelLogger) Error(args ...interface{}) {
	if ll.Logger != nil {
		ll.Logger.OutputErr(2, fmt.Sprint(args...))
	}
}

func (ll *LevelLogger) Warning(args ...interface{}) {
	if ll.Logger != nil && ll.Level() >= LOG_WARN {
		ll.Logger.OutputWarning(2, fmt.Sprint(args...))
	}
}
