package goals

import (
	"log"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RetryAllGivenUp walks every given-up goal in id order and unblock/retries
// it. limit <= 0 means no limit. Returns how many goals were retried.
func (e *Engine) RetryAllGivenUp(limit int) (int, error) {
	cursor := uuid.UUID{}
	count := 0
	for {
		if limit > 0 && count >= limit {
			log.Printf("[Retry] Reached limit of %d goals", limit)
			break
		}
		id, err := e.retryNextGivenUp(cursor)
		if err != nil {
			return count, err
		}
		if id == nil {
			break
		}
		log.Printf("[Retry] Retried goal %s", id)
		count++
		cursor = nextUUID(*id)
	}
	return count, nil
}

// retryNextGivenUp finds and retries the next given-up goal with id at or
// after the cursor.
func (e *Engine) retryNextGivenUp(cursor uuid.UUID) (*uuid.UUID, error) {
	var id *uuid.UUID
	err := e.db.Transaction(func(tx *gorm.DB) error {
		var picked []Goal
		if err := lockedSkipLocked(tx).
			Where("id >= ? AND state = ?", cursor, StateGivenUp).
			Order("id").Limit(1).
			Find(&picked).Error; err != nil {
			return err
		}
		if len(picked) == 0 {
			return nil
		}
		id = &picked[0].ID
		return markAsUnfailed(tx, []uuid.UUID{picked[0].ID})
	})
	if err != nil {
		return nil, err
	}
	return id, nil
}
