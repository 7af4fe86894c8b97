package goals

import (
	"log"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CheckFixAll walks every goal in id order and rewrites any denormalized
// counter that disagrees with the actual dependency edges. It is the
// ground-truth reconciliation for counter drift; a second run right after
// makes zero writes. Returns the number of goals it had to fix.
func (e *Engine) CheckFixAll() (int, error) {
	cursor := uuid.UUID{}
	fixed := 0
	scanned := 0
	for {
		next, changed, err := e.checkFixGoal(cursor)
		if err != nil {
			return fixed, err
		}
		if next == nil {
			break
		}
		if changed {
			fixed++
		}
		scanned++
		if scanned%1000 == 0 {
			log.Printf("[Fsck] Scanned %d goals, at %s", scanned, next)
		}
		cursor = nextUUID(*next)
	}
	return fixed, nil
}

// checkFixGoal locks the first goal at or after the cursor, locks its
// preconditions, recomputes the three counters from edge truth and writes
// back mismatches. Returns the goal id processed, or nil at the end of the
// table.
func (e *Engine) checkFixGoal(cursor uuid.UUID) (*uuid.UUID, bool, error) {
	var id *uuid.UUID
	changed := false
	err := e.db.Transaction(func(tx *gorm.DB) error {
		var picked []Goal
		if err := lockedSkipLocked(tx).
			Where("id >= ?", cursor).
			Order("id").Limit(1).
			Find(&picked).Error; err != nil {
			return err
		}
		if len(picked) == 0 {
			return nil
		}
		goal := &picked[0]
		id = &goal.ID

		var preconditions []Goal
		if err := lockedNoKey(tx).
			Select("goals.*").
			Joins("JOIN goal_dependencies ON goal_dependencies.precondition_goal_id = goals.id").
			Where("goal_dependencies.dependent_goal_id = ?", goal.ID).
			Find(&preconditions).Error; err != nil {
			return err
		}

		waitingFor := 0
		waitingForFailed := 0
		for _, pre := range preconditions {
			if pre.State != StateAchieved {
				waitingFor++
			}
			if isNotGoingToHappenSoon(pre.State) {
				waitingForFailed++
			}
		}
		waitingForNotAchieved := waitingFor
		if goal.PreconditionFailureBehavior == FailureProceed {
			waitingFor -= waitingForFailed
		}
		if goal.PreconditionsMode == ModeAny && waitingFor > 1 {
			waitingFor = 1
		}

		updates := map[string]any{}
		if waitingFor != goal.WaitingForCount {
			log.Printf("[Fsck] Goal %s waiting_for_count DB=%d recalculated=%d",
				goal.ID, goal.WaitingForCount, waitingFor)
			updates["waiting_for_count"] = waitingFor
		}
		if waitingForNotAchieved != goal.WaitingForNotAchievedCount {
			log.Printf("[Fsck] Goal %s waiting_for_not_achieved_count DB=%d recalculated=%d",
				goal.ID, goal.WaitingForNotAchievedCount, waitingForNotAchieved)
			updates["waiting_for_not_achieved_count"] = waitingForNotAchieved
		}
		if waitingForFailed != goal.WaitingForFailedCount {
			log.Printf("[Fsck] Goal %s waiting_for_failed_count DB=%d recalculated=%d",
				goal.ID, goal.WaitingForFailedCount, waitingForFailed)
			updates["waiting_for_failed_count"] = waitingForFailed
		}
		if len(updates) == 0 {
			return nil
		}
		changed = true
		return tx.Model(&Goal{}).Where("id = ?", goal.ID).Updates(updates).Error
	})
	if err != nil || id == nil {
		return nil, false, err
	}
	return id, changed, nil
}

// nextUUID is the cursor successor: the id incremented as a 128-bit
// big-endian integer.
func nextUUID(id uuid.UUID) uuid.UUID {
	for i := len(id) - 1; i >= 0; i-- {
		id[i]++
		if id[i] != 0 {
			break
		}
	}
	return id
}
