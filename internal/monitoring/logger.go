package monitoring

import (
	"log"
	"sync/atomic"
)

type logFunc func(format string, v ...interface{})

func nop(string, ...interface{}) {}

// The active sinks are swapped atomically so SetLogger and EnableDebug are
// safe to call while the tick and HTTP goroutines are logging.
var (
	logSink   atomic.Value // logFunc
	debugSink atomic.Value // logFunc
)

func init() {
	logSink.Store(logFunc(log.Printf))
	debugSink.Store(logFunc(nop))
}

// Logf writes a diagnostic line through the active logger. It defaults to
// log.Printf; tests or embedding applications can redirect or mute it via
// SetLogger.
func Logf(format string, v ...interface{}) {
	logSink.Load().(logFunc)(format, v...)
}

// Debugf emits per-tick diagnostic lines. It is a no-op unless EnableDebug
// has been called; the detection tick runs at frame rate and must not pay
// for formatting when diagnostics are off.
func Debugf(format string, v ...interface{}) {
	debugSink.Load().(logFunc)(format, v...)
}

// SetLogger replaces the active logger. Passing nil installs a no-op.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		f = nop
	}
	logSink.Store(logFunc(f))
}

// EnableDebug routes Debugf through the current Logf. Disable by passing
// false, which restores the no-op.
func EnableDebug(on bool) {
	if on {
		debugSink.Store(logFunc(func(format string, v ...interface{}) { Logf(format, v...) }))
		return
	}
	debugSink.Store(logFunc(nop))
}
