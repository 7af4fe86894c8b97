// Package worker contains the runtimes that drive the goals engine: the
// single-loop busy worker, the notification-driven blocking worker, and the
// multi-goroutine threaded worker.
package worker

import (
	"context"
	"log"
	"time"

	"go-goals/internal/goals"
	"go-goals/internal/notify"
)

const idleSleep = time.Second

// Options tune one worker loop.
type Options struct {
	// MaxProgressCount stops the loop after this many handler invocations.
	// Zero means unlimited.
	MaxProgressCount int
	// Once exits as soon as a full turn finds nothing to do.
	Once bool
	// Horizon restricts dispatch to goals whose deadline is within
	// now+Horizon. Zero means no restriction.
	Horizon time.Duration
}

// Busy runs the classic busy-wait loop: transitions, then dispatch until the
// queue is dry, then retention; sleep a second when a whole turn produced
// nothing. A waiting-for-worker notification cuts the sleep short.
func Busy(ctx context.Context, eng *goals.Engine, opts Options) error {
	log.Printf("[Worker] Busy-wait worker started")
	defer log.Printf("[Worker] Busy-wait worker exiting")

	if bus := eng.Bus(); bus != nil {
		if err := bus.ListenWaitingForWorker(ctx); err != nil {
			log.Printf("[Worker] Could not listen for wakeups, falling back to polling: %v", err)
		}
	}

	progressCount := 0
	for ctx.Err() == nil {
		if opts.MaxProgressCount > 0 && progressCount >= opts.MaxProgressCount {
			log.Printf("[Worker] Max progress count reached, exiting")
			return nil
		}
		budget := 0
		if opts.MaxProgressCount > 0 {
			budget = opts.MaxProgressCount - progressCount
		}
		transitions, progresses, err := Turn(ctx, eng, time.Now().UTC(), budget, opts.Horizon)
		progressCount += progresses
		if err != nil {
			log.Printf("[Worker] Turn failed: %v", err)
			sleepOrWake(ctx, eng.Bus())
			continue
		}
		if transitions == 0 && progresses == 0 {
			if opts.Once {
				log.Printf("[Worker] Nothing to do, exiting because of `once`")
				return nil
			}
			sleepOrWake(ctx, eng.Bus())
		}
	}
	return nil
}

// Turn is a single worker iteration: run every transition function, then
// dispatch until there is no eligible goal left (or the progress budget runs
// out), then one retention pass. Returns total transitions done (all state
// changes) and how many of them were handler invocations.
func Turn(ctx context.Context, eng *goals.Engine, now time.Time, maxProgress int, horizon time.Duration) (int, int, error) {
	transitions := 0
	for _, step := range []func() (int, error){
		func() (int, error) { return eng.HandleWaitingForDate(now) },
		eng.HandleWaitingForPreconditions,
		eng.HandleWaitingForFailedPreconditions,
		eng.HandleUnblockedGoals,
	} {
		n, err := step()
		if err != nil {
			return transitions, 0, err
		}
		transitions += n
	}

	progresses := 0
	for ctx.Err() == nil {
		if maxProgress > 0 && progresses >= maxProgress {
			break
		}
		progress, err := eng.HandleWaitingForWorker(ctx, now, horizon)
		if err != nil {
			return transitions, progresses, err
		}
		if progress == nil {
			break
		}
		transitions++
		progresses++
	}

	eng.RemoveOldGoals(now)
	return transitions, progresses, nil
}

// sleepOrWake idles for up to a second, returning early on a
// waiting-for-worker notification or context cancellation.
func sleepOrWake(ctx context.Context, bus notify.Bus) {
	if bus != nil {
		wctx, cancel := context.WithTimeout(ctx, idleSleep)
		defer cancel()
		_, _ = bus.Wait(wctx)
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(idleSleep):
	}
}
