package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go-goals/internal/goals"
)

// Blocking runs the notification-driven worker: subscribe first, drain the
// work that was ready before we listened, then handle one dispatch per
// delivered notification. Subscribing before draining closes the race where
// a goal becomes eligible between the drain and the subscription.
//
// We might pick a different goal than the one a notification names; that is
// fine, because there are at least as many notifications as eligible goals.
func Blocking(ctx context.Context, eng *goals.Engine) error {
	bus := eng.Bus()
	if bus == nil {
		return fmt.Errorf("blocking worker needs a notification bus")
	}

	log.Printf("[Worker] Blocking worker started, registering listener (goal_waiting_for_worker)")
	if err := bus.ListenWaitingForWorker(ctx); err != nil {
		return err
	}

	log.Printf("[Worker] Executing work ready before we were listening")
	for ctx.Err() == nil {
		progress, err := eng.HandleWaitingForWorker(ctx, time.Now().UTC(), 0)
		if err != nil {
			return err
		}
		if progress == nil {
			break
		}
	}

	log.Printf("[Worker] Handling notifications")
	for ctx.Err() == nil {
		wctx, cancel := context.WithTimeout(ctx, idleSleep)
		notification, err := bus.Wait(wctx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				break
			}
			return err
		}
		if notification == nil {
			continue
		}
		if _, err := eng.HandleWaitingForWorker(ctx, time.Now().UTC(), 0); err != nil {
			log.Printf("[Worker] Dispatch failed: %v", err)
		}
	}

	log.Printf("[Worker] Blocking worker exiting now")
	return nil
}
