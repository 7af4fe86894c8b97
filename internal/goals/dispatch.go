package goals

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const handlerSavepoint = "goal_handler"

const progressMessageLimit = 1000

// HandleWaitingForWorker is one dispatch step: pick the most urgent eligible
// goal, run its handler, record progress and move the goal on. Returns the
// progress row, or nil when there was no work.
//
// A non-zero horizon restricts the pick to goals due within now+horizon, so a
// fast-lane dispatcher is not starved by far-future backlog.
func (e *Engine) HandleWaitingForWorker(ctx context.Context, now time.Time, horizon time.Duration) (*GoalProgress, error) {
	var progress *GoalProgress
	err := e.db.Transaction(func(tx *gorm.DB) error {
		q := lockedSkipLocked(tx).Where("state = ?", StateWaitingForWorker)
		if horizon > 0 {
			q = q.Where("deadline <= ?", now.Add(horizon))
		}
		var picked []Goal
		if err := q.Order("deadline").Limit(1).Find(&picked).Error; err != nil {
			return err
		}
		if len(picked) == 0 {
			return nil
		}
		goal := &picked[0]

		e.warnOnCounterDrift(goal)

		killer, err := e.isKillerTask(tx, goal)
		if err != nil {
			return err
		}
		if killer {
			log.Printf("[Dispatch] Goal %s crashed the worker more than %d times, giving up on it", goal.ID, e.cfg.MaxPickups)
			if err := markAsFailed(tx, []uuid.UUID{goal.ID}, StateGivenUp); err != nil {
				return err
			}
			goal.State = StateGivenUp
			progress = &GoalProgress{
				GoalID:    goal.ID,
				Success:   false,
				CreatedAt: now,
				Message:   "killer task: repeatedly crashed the worker",
			}
			if err := tx.Create(progress).Error; err != nil {
				return err
			}
			return e.notifyGoalProgress(tx, goal)
		}

		// The pickup is written by the out-of-band monitor, never by this
		// transaction: if the handler takes the process down, the row stays.
		if e.pickups != nil {
			e.pickups.Pickup(goal.ID)
		}

		progress, err = e.pursue(ctx, tx, goal, now)
		return err
	})
	if err == nil && progress != nil && e.pickups != nil {
		e.pickups.Release(progress.GoalID)
	}
	return progress, err
}

// pursue runs the handler and applies the outcome. Called with the picked
// goal locked in tx.
func (e *Engine) pursue(ctx context.Context, tx *gorm.DB, goal *Goal, now time.Time) (*GoalProgress, error) {
	log.Printf("[Dispatch] Pursuing goal %s: %s", goal.ID, goal.Handler)
	start := time.Now()
	outcome, herr := e.invokeHandler(ctx, tx, goal)
	timeTaken := time.Since(start)

	progress := &GoalProgress{
		GoalID:    goal.ID,
		CreatedAt: now,
		TimeTaken: timeTaken,
	}

	switch out := outcome.(type) {
	case nil:
		if herr == nil {
			// handler returned nothing we understand; treat as achieved
			log.Printf("[Dispatch] Goal %s handler returned no outcome, assuming all done", goal.ID)
			herr = e.achieve(tx, goal)
		}
	case AllDone:
		herr = e.achieve(tx, goal)
	case RetryMeLater:
		log.Printf("[Dispatch] Goal %s wants to be retried later", goal.ID)
		progress.Message = truncate(out.Message, progressMessageLimit)
		goal.State = StateWaitingForDate
		if out.PreconditionDate != nil && out.PreconditionDate.After(goal.PreconditionDate) {
			goal.PreconditionDate = *out.PreconditionDate
		}
		if err := e.addPreconditions(tx, goal, out.PreconditionGoals); err != nil {
			return nil, err
		}
	}

	if herr != nil {
		log.Printf("[Dispatch] Goal %s failed: %v", goal.ID, herr)
		progress.Success = false
		progress.Message = truncate(herr.Error(), progressMessageLimit)
		if err := e.applyFailure(tx, goal, now); err != nil {
			return nil, err
		}
	} else {
		progress.Success = true
	}

	if err := tx.Create(progress).Error; err != nil {
		return nil, err
	}

	if err := e.enforceProgressCap(tx, goal); err != nil {
		return nil, err
	}

	if err := tx.Model(&Goal{}).Where("id = ?", goal.ID).Updates(map[string]any{
		"state":             goal.State,
		"precondition_date": goal.PreconditionDate,
	}).Error; err != nil {
		return nil, err
	}

	if err := e.notifyGoalProgress(tx, goal); err != nil {
		return nil, err
	}
	return progress, nil
}

// invokeHandler resolves and calls the handler under a savepoint and the
// configured resource limits. The savepoint contains database errors the
// handler provokes, so the outer transaction can still record progress.
func (e *Engine) invokeHandler(ctx context.Context, tx *gorm.DB, goal *Goal) (Outcome, error) {
	handler, ok := LookupHandler(goal.Handler)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandler, goal.Handler)
	}

	tx.SavePoint(handlerSavepoint)
	hctx := WithEngine(WithCurrentGoal(ctx, goal), e)
	outcome, err := e.runWithLimits(hctx, func(ctx context.Context) (Outcome, error) {
		return handler(ctx, tx, goal)
	})

	// the exception form of a yield is a success, not a failure
	var retryErr *RetryMeLaterError
	if errors.As(err, &retryErr) {
		return retryErr.RetryMeLater, nil
	}

	if err != nil {
		if spErr := tx.RollbackTo(handlerSavepoint).Error; spErr != nil {
			return nil, fmt.Errorf("rollback to savepoint: %v (handler error: %w)", spErr, err)
		}
		return nil, err
	}
	return outcome, nil
}

// achieve marks the goal achieved and lets its dependents know.
func (e *Engine) achieve(tx *gorm.DB, goal *Goal) error {
	log.Printf("[Dispatch] Goal %s is achieved", goal.ID)
	goal.State = StateAchieved
	return markAchieved(tx, []uuid.UUID{goal.ID})
}

// applyFailure schedules a retry with exponential backoff, or gives up when
// the next attempt would cross the give-up threshold.
func (e *Engine) applyFailure(tx *gorm.DB, goal *Goal, now time.Time) error {
	var priorFailures int64
	if err := tx.Model(&GoalProgress{}).
		Where("goal_id = ? AND success = ?", goal.ID, false).
		Count(&priorFailures).Error; err != nil {
		return err
	}
	if int(priorFailures)+1 >= e.cfg.GiveUpAt {
		goal.State = StateGivenUp
		return markAsFailed(tx, []uuid.UUID{goal.ID}, StateGivenUp)
	}
	goal.State = StateWaitingForDate
	goal.PreconditionDate = now.Add(retryDelay(int(priorFailures)))
	return nil
}

// retryDelay is 10s doubled per prior failure.
func retryDelay(priorFailures int) time.Duration {
	return 10 * time.Second << uint(priorFailures)
}

// enforceProgressCap gives up on goals that burned through their attempt
// budget without achieving anything.
func (e *Engine) enforceProgressCap(tx *gorm.DB, goal *Goal) error {
	if e.cfg.MaxProgressCount == nil || goal.State == StateAchieved || goal.State == StateGivenUp {
		return nil
	}
	var attempts int64
	if err := tx.Model(&GoalProgress{}).Where("goal_id = ?", goal.ID).
		Count(&attempts).Error; err != nil {
		return err
	}
	if int(attempts) >= *e.cfg.MaxProgressCount {
		log.Printf("[Dispatch] Goal %s used all %d attempts, giving up", goal.ID, *e.cfg.MaxProgressCount)
		goal.State = StateGivenUp
		return markAsFailed(tx, []uuid.UUID{goal.ID}, StateGivenUp)
	}
	return nil
}

// isKillerTask reports whether the goal has been picked up and never released
// more times than allowed, meaning it keeps taking workers down with it.
func (e *Engine) isKillerTask(tx *gorm.DB, goal *Goal) (bool, error) {
	if e.cfg.MaxPickups <= 0 {
		return false, nil
	}
	var pickups int64
	if err := tx.Model(&GoalPickup{}).Where("goal_id = ?", goal.ID).
		Count(&pickups).Error; err != nil {
		return false, err
	}
	return int(pickups) > e.cfg.MaxPickups, nil
}

// warnOnCounterDrift logs invariant violations observed at dispatch. Not
// fatal: fsck is the remediation.
func (e *Engine) warnOnCounterDrift(goal *Goal) {
	switch goal.PreconditionsMode {
	case ModeAny:
		if goal.WaitingForCount > 0 {
			log.Printf("[Dispatch] WARNING: goal %s is waiting for worker but waiting_for_count=%d (any mode)",
				goal.ID, goal.WaitingForCount)
		}
	default:
		if goal.WaitingForCount != 0 {
			log.Printf("[Dispatch] WARNING: goal %s is waiting for worker but waiting_for_count=%d",
				goal.ID, goal.WaitingForCount)
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
