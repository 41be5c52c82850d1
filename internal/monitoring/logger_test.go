package monitoring

import (
	"log"
	"sync"
	"sync/atomic"
	"testing"
)

func restoreDefaults() {
	SetLogger(log.Printf)
	EnableDebug(false)
}

func TestSetLogger(t *testing.T) {
	defer restoreDefaults()

	called := false
	SetLogger(func(format string, v ...interface{}) { called = true })
	Logf("test message")
	if !called {
		t.Error("custom logger was not called")
	}

	// nil installs a no-op; must not panic
	SetLogger(nil)
	Logf("test message")
}

func TestEnableDebug(t *testing.T) {
	defer restoreDefaults()

	var lines int
	SetLogger(func(format string, v ...interface{}) { lines++ })

	Debugf("suppressed by default")
	if lines != 0 {
		t.Fatalf("Debugf fired while disabled: %d lines", lines)
	}

	EnableDebug(true)
	Debugf("visible")
	if lines != 1 {
		t.Fatalf("expected 1 debug line, got %d", lines)
	}

	EnableDebug(false)
	Debugf("suppressed again")
	if lines != 1 {
		t.Fatalf("Debugf fired after disable: %d lines", lines)
	}
}

func TestLoggerSwapWhileLogging(t *testing.T) {
	defer restoreDefaults()

	var calls atomic.Int64
	first := make(chan struct{})
	var firstOnce sync.Once
	SetLogger(func(string, ...interface{}) {
		calls.Add(1)
		firstOnce.Do(func() { close(first) })
	})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				Logf("tick")
				Debugf("tick")
			}
		}
	}()

	// ensure the logging goroutine lands at least one line before the swaps
	<-first

	for i := 0; i < 200; i++ {
		SetLogger(func(string, ...interface{}) { calls.Add(1) })
		EnableDebug(i%2 == 0)
	}
	close(stop)
	wg.Wait()

	if calls.Load() == 0 {
		t.Error("no log lines landed during the swaps")
	}
}
