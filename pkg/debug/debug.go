package debug

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"os"
	"sync"
)

const (
	DEBUG_CRITICAL = 1
	DEBUG_ERROR    = 2
	DEBUG_INFO     = 3
	DEBUG_VERBOSE  = 4
	DEBUG_TRACE    = 5
	DEBUG_PACKETS  = 6
	DEBUG_ALL      = 7
)

var (
	debugLevel           = flag.Int("debug", DEBUG_INFO, "debug level (1-7)")
	output     io.Writer = os.Stderr
	logger     *slog.Logger
	mu         sync.RWMutex
)

func slogLevel(level int) slog.Level {
	switch {
	case level >= DEBUG_VERBOSE:
		return slog.LevelDebug
	case level >= DEBUG_INFO:
		return slog.LevelInfo
	case level >= DEBUG_ERROR:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// Init (re)builds the logger from the current debug level and output.
func Init() {
	mu.Lock()
	defer mu.Unlock()
	initLocked()
}

func initLocked() {
	opts := &slog.HandlerOptions{
		Level: slogLevel(*debugLevel),
	}
	logger = slog.New(slog.NewTextHandler(output, opts))
}

func GetLogger() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		initLocked()
	}
	return logger
}

// Log writes msg with key/value args when level is within the debug level.
func Log(level int, msg string, args ...interface{}) {
	l := GetLogger()

	mu.RLock()
	current := *debugLevel
	mu.RUnlock()
	if current < level {
		return
	}

	sl := slogLevel(level)
	if !l.Enabled(context.TODO(), sl) {
		return
	}

	allArgs := make([]interface{}, len(args)+2)
	copy(allArgs, args)
	allArgs[len(args)] = "debug_level"
	allArgs[len(args)+1] = level
	l.Log(context.TODO(), sl, msg, allArgs...)
}

func SetDebugLevel(level int) {
	mu.Lock()
	defer mu.Unlock()
	*debugLevel = level
	initLocked()
}

func GetDebugLevel() int {
	mu.RLock()
	defer mu.RUnlock()
	return *debugLevel
}

// SetOutput redirects log output, mostly for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	output = w
	initLocked()
}
