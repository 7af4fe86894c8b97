package goals

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// ErrMemoryLimit means the handler allocated past the configured cap.
var ErrMemoryLimit = errors.New("handler memory limit exceeded")

// ErrTimeLimit means the handler overran its wall-clock budget.
var ErrTimeLimit = errors.New("handler time limit exceeded")

const memoryPollInterval = 20 * time.Millisecond

// runWithLimits calls fn under the configured resource caps.
//
// The wall-clock cap is a context deadline; the heap cap is a watchdog that
// samples the runtime allocator and cancels the context when the handler's
// allocations cross the limit. In both cases the attempt is recorded as an
// ordinary handler failure. The call always waits for fn to return, so a
// handler that ignores its context cannot race the transaction; it just
// overruns the budget before the failure is recorded.
func (e *Engine) runWithLimits(ctx context.Context, fn func(ctx context.Context) (Outcome, error)) (Outcome, error) {
	if e.cfg.TimeLimitSeconds == nil && e.cfg.MemoryLimitMiB == nil {
		return fn(ctx)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var timedOut func() bool
	if e.cfg.TimeLimitSeconds != nil {
		limit := time.Duration(*e.cfg.TimeLimitSeconds) * time.Second
		deadlineCtx, tcancel := context.WithTimeout(ctx, limit)
		defer tcancel()
		ctx = deadlineCtx
		timedOut = func() bool { return errors.Is(deadlineCtx.Err(), context.DeadlineExceeded) }
	}

	var memExceeded atomic.Bool
	stop := make(chan struct{})
	var wg sync.WaitGroup
	if e.cfg.MemoryLimitMiB != nil {
		limit := uint64(*e.cfg.MemoryLimitMiB) << 20
		var base runtime.MemStats
		runtime.ReadMemStats(&base)
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(memoryPollInterval)
			defer ticker.Stop()
			for {
				select {
				case <-stop:
					return
				case <-ticker.C:
					var m runtime.MemStats
					runtime.ReadMemStats(&m)
					if m.HeapAlloc > base.HeapAlloc && m.HeapAlloc-base.HeapAlloc >= limit {
						memExceeded.Store(true)
						cancel()
						return
					}
				}
			}
		}()
	}

	outcome, err := fn(ctx)
	close(stop)
	wg.Wait()

	if memExceeded.Load() {
		return nil, ErrMemoryLimit
	}
	if timedOut != nil && timedOut() {
		return nil, ErrTimeLimit
	}
	return outcome, err
}
