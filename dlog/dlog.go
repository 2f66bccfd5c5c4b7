package dlog

import (
	"sync"
	"time"

	logging "github.com/ipfs/go-log"
)

const DLOG = false

var (
	mu      sync.Mutex
	systems = make(map[string]struct{})
	log     = Logger("xcom")
)

// Logger returns the named subsystem logger and remembers the name so that
// SetLevel can reach it later.
func Logger(system string) *logging.ZapEventLogger {
	mu.Lock()
	systems[system] = struct{}{}
	mu.Unlock()
	return logging.Logger(system)
}

// SetLevel changes the level ("debug", "info", "warn", "error") of every
// logger handed out by Logger.
func SetLevel(level string) error {
	mu.Lock()
	defer mu.Unlock()
	for system := range systems {
		if err := logging.SetLogLevel(system, level); err != nil {
			return err
		}
	}
	return nil
}

func Printf(format string, v ...interface{}) {
	if !DLOG {
		return
	}
	log.Debugf(format, v...)
}

func Println(v ...interface{}) {
	if !DLOG {
		return
	}
	log.Debug(v...)
}

func AgentPrintfN(nodeNo uint32, format string, v ...interface{}) {
	now := time.Now()
	args := append([]interface{}{now.Format("2006/01/02, 15:04:05 .000"), now.UnixNano(), nodeNo}, v...)
	log.Debugf("%s, %d, Node %d, "+format, args...)
}
