package health

import (
	"context"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/go-faster/errors"
)

// GoroutineCountCheck fails while more than limit goroutines are running.
// A steadily growing count usually means leaked session or check goroutines.
func GoroutineCountCheck(limit int) CheckFunc {
	return func(context.Context) error {
		if n := runtime.NumGoroutine(); n > limit {
			return errors.Errorf("goroutine count %d exceeds threshold %d", n, limit)
		}
		return nil
	}
}

// GCMaxPauseCheck fails when a stop-the-world pause since the previous run
// exceeded limit. Older pauses are not reported again, so the check recovers
// once the pressure is gone.
func GCMaxPauseCheck(limit time.Duration) CheckFunc {
	var (
		mu     sync.Mutex
		lastGC int64
	)
	return func(context.Context) error {
		var stats debug.GCStats
		debug.ReadGCStats(&stats)

		mu.Lock()
		fresh := stats.NumGC - lastGC
		lastGC = stats.NumGC
		mu.Unlock()

		// Pause holds the most recent pauses first.
		if fresh > int64(len(stats.Pause)) {
			fresh = int64(len(stats.Pause))
		}
		for _, pause := range stats.Pause[:fresh] {
			if pause > limit {
				return errors.Errorf("GC pause %s exceeds threshold %s", pause, limit)
			}
		}
		return nil
	}
}

// HeapCheck fails while the live heap is above limit bytes.
func HeapCheck(limit uint64) CheckFunc {
	return func(context.Context) error {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		if m.HeapAlloc > limit {
			return errors.Errorf("heap %d bytes exceeds threshold %d", m.HeapAlloc, limit)
		}
		return nil
	}
}
