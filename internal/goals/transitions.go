package goals

import (
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// retentionBatchSize bounds how many old achieved goals one retention pass
// deletes, so a huge backlog cannot stall the worker loop.
const retentionBatchSize = 100

// HandleWaitingForDate moves goals whose precondition date has passed on to
// the precondition gate. Plain conditional UPDATE: the state filter makes it
// race-free without row locks.
func (e *Engine) HandleWaitingForDate(now time.Time) (int, error) {
	res := e.db.Model(&Goal{}).
		Where("state = ? AND precondition_date <= ?", StateWaitingForDate, now).
		Update("state", StateWaitingForPreconditions)
	return int(res.RowsAffected), res.Error
}

// HandleWaitingForPreconditions promotes goals whose preconditions are
// satisfied to waiting_for_worker and wakes sleeping dispatchers. The
// condition is <= 0, not == 0: waiting_for_count dips below zero transiently
// in ANY mode and under stale-view corrections.
func (e *Engine) HandleWaitingForPreconditions() (int, error) {
	var count int
	err := e.db.Transaction(func(tx *gorm.DB) error {
		var ids []uuid.UUID
		if err := lockedSkipLocked(tx).Model(&Goal{}).
			Where("state = ? AND waiting_for_count <= 0", StateWaitingForPreconditions).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Model(&Goal{}).Where("id IN ?", ids).
			Update("state", StateWaitingForWorker).Error; err != nil {
			return err
		}
		if e.bus != nil {
			for _, id := range ids {
				if err := e.bus.NotifyWaitingForWorker(tx, id); err != nil {
					return err
				}
			}
		}
		count = len(ids)
		return nil
	})
	return count, err
}

// HandleWaitingForFailedPreconditions fails goals that insist on their
// preconditions (BLOCK behavior) once one of those preconditions has failed.
func (e *Engine) HandleWaitingForFailedPreconditions() (int, error) {
	var count int
	err := e.db.Transaction(func(tx *gorm.DB) error {
		var ids []uuid.UUID
		if err := lockedSkipLocked(tx).Model(&Goal{}).
			Where(
				"state = ? AND precondition_failure_behavior = ? AND waiting_for_failed_count > 0",
				StateWaitingForPreconditions, FailureBlock,
			).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		count = len(ids)
		return markAsFailed(tx, ids, StateNotGoingToHappenSoon)
	})
	return count, err
}

// HandleUnblockedGoals recovers goals that had lost hope once all their
// failed preconditions were unblocked or retried.
func (e *Engine) HandleUnblockedGoals() (int, error) {
	var count int
	err := e.db.Transaction(func(tx *gorm.DB) error {
		var ids []uuid.UUID
		if err := lockedSkipLocked(tx).Model(&Goal{}).
			Where("state = ? AND waiting_for_failed_count <= 0", StateNotGoingToHappenSoon).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		count = len(ids)
		return markAsUnfailed(tx, ids)
	})
	return count, err
}

// RemoveOldGoals deletes a batch of achieved goals older than the retention
// window, edges first. A protected foreign key from outside the engine makes
// the whole batch roll back; that is logged once and the worker moves on.
func (e *Engine) RemoveOldGoals(now time.Time) {
	if e.cfg.RetentionSeconds == nil {
		return
	}
	cutoff := now.Add(-time.Duration(*e.cfg.RetentionSeconds) * time.Second)
	err := e.db.Transaction(func(tx *gorm.DB) error {
		var ids []uuid.UUID
		if err := lockedSkipLocked(tx).Model(&Goal{}).
			Where("state = ? AND created_at < ?", StateAchieved, cutoff).
			Limit(retentionBatchSize).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.
			Where("dependent_goal_id IN ? OR precondition_goal_id IN ?", ids, ids).
			Delete(&GoalDependency{}).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", ids).Delete(&Goal{}).Error
	})
	if err != nil {
		log.Printf("[Retention] Could not remove old goals, they are probably protected: %v", err)
	}
}

// markAsFailed sets the goals to a failure-like state and tells their
// dependents: one more failed precondition each. Dependents with PROCEED
// behavior also count the failure as satisfied, so their waiting_for_count
// drops.
func markAsFailed(tx *gorm.DB, ids []uuid.UUID, target GoalState) error {
	if err := tx.Model(&Goal{}).Where("id IN ?", ids).
		Update("state", target).Error; err != nil {
		return err
	}
	if err := tx.Exec(`
		UPDATE goals SET waiting_for_failed_count = waiting_for_failed_count + (
			SELECT count(*) FROM goal_dependencies
			WHERE goal_dependencies.dependent_goal_id = goals.id
			AND goal_dependencies.precondition_goal_id IN ?
		)
		WHERE id IN (
			SELECT dependent_goal_id FROM goal_dependencies WHERE precondition_goal_id IN ?
		)`, ids, ids).Error; err != nil {
		return err
	}
	return tx.Exec(`
		UPDATE goals SET waiting_for_count = waiting_for_count - (
			SELECT count(*) FROM goal_dependencies
			WHERE goal_dependencies.dependent_goal_id = goals.id
			AND goal_dependencies.precondition_goal_id IN ?
		)
		WHERE precondition_failure_behavior = ? AND id IN (
			SELECT dependent_goal_id FROM goal_dependencies WHERE precondition_goal_id IN ?
		)`, ids, string(FailureProceed), ids).Error
}

// markAsUnfailed is the recovery inverse: the goals go back to
// waiting_for_date and dependents drop one failed precondition each.
// PROCEED dependents already counted the failure as done, so their
// waiting_for_count stays put.
func markAsUnfailed(tx *gorm.DB, ids []uuid.UUID) error {
	if err := tx.Model(&Goal{}).Where("id IN ?", ids).
		Update("state", StateWaitingForDate).Error; err != nil {
		return err
	}
	return tx.Exec(`
		UPDATE goals SET waiting_for_failed_count = waiting_for_failed_count - (
			SELECT count(*) FROM goal_dependencies
			WHERE goal_dependencies.dependent_goal_id = goals.id
			AND goal_dependencies.precondition_goal_id IN ?
		)
		WHERE id IN (
			SELECT dependent_goal_id FROM goal_dependencies WHERE precondition_goal_id IN ?
		)`, ids, ids).Error
}

// markAchieved records achievement on the goals' dependents: one less thing
// to wait for.
func markAchieved(tx *gorm.DB, ids []uuid.UUID) error {
	return tx.Exec(`
		UPDATE goals SET
			waiting_for_count = waiting_for_count - (
				SELECT count(*) FROM goal_dependencies
				WHERE goal_dependencies.dependent_goal_id = goals.id
				AND goal_dependencies.precondition_goal_id IN ?
			),
			waiting_for_not_achieved_count = waiting_for_not_achieved_count - (
				SELECT count(*) FROM goal_dependencies
				WHERE goal_dependencies.dependent_goal_id = goals.id
				AND goal_dependencies.precondition_goal_id IN ?
			)
		WHERE id IN (
			SELECT dependent_goal_id FROM goal_dependencies WHERE precondition_goal_id IN ?
		)`, ids, ids, ids).Error
}
