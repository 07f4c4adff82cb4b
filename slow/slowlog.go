package slow

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/youzan/zangeo/common"
)

// merged and formatted slow logs for store writes, large payloads and large
// query results, use slow-level to control output different slow logs
const (
	resultMinLenForLog = 128
	resultLargeLen     = 5000
	payloadLargeSize   = 64 * 1024
	storeWriteSlow     = time.Millisecond * 100
)

var sl = common.NewLevelLogger(common.LOG_INFO, common.NewGLogger())

func SetLogger(level int32, logger common.Logger) {
	sl.SetLevel(level)
	sl.Logger = logger
}

var slowLogLevel int32

func ChangeSlowLogLevel(lv int) {
	atomic.StoreInt32(&slowLogLevel, int32(lv))
}

func slowLogLv() int32 {
	return atomic.LoadInt32(&slowLogLevel)
}

type SlowLogInfo struct {
	Scope string
	Key   string
	Note  string
}

func NewSlowLogInfo(scope string, key string, note string) SlowLogInfo {
	return SlowLogInfo{
		Scope: scope,
		Key:   key,
		Note:  note,
	}
}

func output(str string) {
	if sl.Logger != nil && sl.Level() >= common.LOG_INFO {
		sl.Logger.Output(3, str)
	}
}

func LogSlowWrite(cost time.Duration, si SlowLogInfo) (string, bool) {
	if slowLogLv() < 0 {
		return "", false
	}

	if cost >= storeWriteSlow || slowLogLv() > common.LOG_DEBUG ||
		(slowLogLv() >= common.LOG_INFO && cost >= storeWriteSlow/2) {
		str := fmt.Sprintf("[SLOW_LOGS] slow write in scope %v, cost: %v, key: %v, note: %v",
			si.Scope, cost, si.Key, si.Note)
		output(str)
		return str, true
	}
	return "", false
}

func LogSlowForSteps(thres time.Duration, lvFor int32, si SlowLogInfo, costList ...time.Duration) (string, bool) {
	if len(costList) == 0 {
		return "", false
	}
	if slowLogLv() < 0 {
		return "", false
	}
	if costList[len(costList)-1] >= thres && slowLogLv() >= lvFor {
		str := fmt.Sprintf("[SLOW_LOGS] steps slow in scope %v, cost list: %v, note: %v",
			si.Scope, costList, si.Note)
		output(str)
		return str, true
	}
	return "", false
}

func LogLargeResult(sz int, si SlowLogInfo) (string, bool) {
	if slowLogLv() < 0 {
		return "", false
	}
	if sz < resultMinLenForLog {
		return "", false
	}
	if sz >= resultLargeLen {
		str := fmt.Sprintf("[SLOW_LOGS] large result in scope %v, size: %v, key: %v, note: %v",
			si.Scope, sz, si.Key, si.Note)
		output(str)
		return str, true
	}
	if slowLogLv() >= common.LOG_DETAIL ||
		(slowLogLv() >= common.LOG_DEBUG && sz > resultMinLenForLog*4) ||
		(slowLogLv() >= common.LOG_INFO && sz > resultMinLenForLog*8) {
		str := fmt.Sprintf("[SLOW_LOGS] maybe large result in scope %v, size: %v, key: %v, note: %v",
			si.Scope, sz, si.Key, si.Note)
		output(str)
		return str, true
	}
	return "", false
}

func LogLargePayload(sz int, si SlowLogInfo) (string, bool) {
	if slowLogLv() < 0 || sz < payloadLargeSize {
		return "", false
	}
	str := fmt.Sprintf("[SLOW_LOGS] large payload in scope %v, size: %v, key: %v",
		si.Scope, sz, si.Key)
	output(str)
	return str, true
}
