package goals

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ScheduleOptions are the optional parts of scheduling a goal. The zero value
// schedules an immediately-eligible goal in ALL mode with BLOCK failure
// behavior.
type ScheduleOptions struct {
	// Instructions is marshaled to JSON and handed to the handler verbatim.
	Instructions any
	// PreconditionDate keeps the goal ineligible until it passes. Leaving it
	// nil means "now": the goal skips straight past the date gate.
	PreconditionDate *time.Time
	// PreconditionGoals must be achieved (ALL) or watched (ANY) first. Pass
	// the copies you actually looked at: their observed states feed the
	// stale-view rules.
	PreconditionGoals []*Goal
	// Blocked creates the goal pre-blocked; an operator releases it later.
	Blocked bool
	// Deadline overrides deadline inheritance. Lower is more urgent.
	Deadline *time.Time
	// Listen subscribes the caller to the goal's progress channel before the
	// goal exists, so no progress notification can be missed.
	Listen bool

	PreconditionsMode           PreconditionsMode
	PreconditionFailureBehavior PreconditionFailureBehavior
}

// Schedule creates a goal in its own transaction. Handlers scheduling child
// goals from inside dispatch use ScheduleTx with the dispatch transaction.
func (e *Engine) Schedule(ctx context.Context, handler string, opts ScheduleOptions) (*Goal, error) {
	var g *Goal
	err := e.db.Transaction(func(tx *gorm.DB) error {
		var err error
		g, err = e.ScheduleTx(ctx, tx, handler, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

// ScheduleTx creates a goal inside an existing transaction.
//
// Initial state: waiting_for_date, advanced to waiting_for_preconditions when
// no precondition date was supplied, and further to waiting_for_worker when
// there are no precondition goals either. Blocked overrides everything.
//
// Deadline: explicit option, else inherited from the goal the surrounding
// handler is pursuing, else now plus the configured default. The deadline is
// then pushed down the whole precondition-ancestor subgraph so no ancestor is
// less urgent than this goal.
func (e *Engine) ScheduleTx(ctx context.Context, tx *gorm.DB, handler string, opts ScheduleOptions) (*Goal, error) {
	now := time.Now().UTC()

	mode := opts.PreconditionsMode
	if mode == "" {
		mode = ModeAll
	}
	behavior := opts.PreconditionFailureBehavior
	if behavior == "" {
		behavior = FailureBlock
	}

	state := StateWaitingForDate
	preconditionDate := now
	if opts.PreconditionDate != nil {
		preconditionDate = *opts.PreconditionDate
	} else {
		state = StateWaitingForPreconditions
		if len(opts.PreconditionGoals) == 0 {
			state = StateWaitingForWorker
		}
	}
	if opts.Blocked {
		state = StateBlocked
	}

	deadline := now.Add(time.Duration(e.cfg.DefaultDeadlineSeconds) * time.Second)
	if opts.Deadline != nil {
		deadline = *opts.Deadline
	} else if cur := CurrentGoal(ctx); cur != nil {
		deadline = cur.Deadline
	}

	var instructions datatypes.JSON
	if opts.Instructions != nil {
		raw, err := json.Marshal(opts.Instructions)
		if err != nil {
			return nil, fmt.Errorf("marshal instructions: %w", err)
		}
		instructions = datatypes.JSON(raw)
	}

	g := &Goal{
		ID:                          uuid.New(),
		State:                       state,
		Handler:                     handler,
		Instructions:                instructions,
		PreconditionDate:            preconditionDate,
		PreconditionsMode:           mode,
		PreconditionFailureBehavior: behavior,
		Deadline:                    deadline,
		CreatedAt:                   now,
	}

	if opts.Listen && e.bus != nil {
		if err := e.bus.ListenGoalProgress(ctx, g.ID); err != nil {
			return nil, err
		}
	}

	if err := tx.Create(g).Error; err != nil {
		return nil, err
	}
	if err := e.addPreconditions(tx, g, opts.PreconditionGoals); err != nil {
		return nil, err
	}
	if g.State == StateWaitingForWorker {
		if err := e.notifyWaitingForWorker(tx, g); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// addPreconditions creates dependency edges from g to each observed goal and
// maintains g's counters.
//
// Each precondition row is locked (exclusive, non-key) before its state is
// read and the edge is created. Without the lock a precondition could flip to
// achieved between our read and the edge insert; its achievement transition
// cannot decrement a counter on an edge that does not exist yet, and g would
// wait forever.
//
// The observed copies carry the caller's stale view. In ANY mode a
// precondition the caller saw as pending but which is achieved under lock
// forces waiting_for_count to zero: the thing we were about to wait on just
// happened, so g must become eligible rather than wait for something else
// that may never come. Symmetrically for PROCEED when a precondition flipped
// to failed.
func (e *Engine) addPreconditions(tx *gorm.DB, g *Goal, observed []*Goal) error {
	if len(observed) == 0 && g.PreconditionsMode != ModeAny {
		return nil
	}

	flipped := false
	var added []uuid.UUID
	for _, pre := range observed {
		if pre == nil {
			continue
		}
		var locked Goal
		if err := lockedNoKey(tx).Where("id = ?", pre.ID).First(&locked).Error; err != nil {
			return fmt.Errorf("lock precondition %s: %w", pre.ID, err)
		}

		var existing int64
		if err := tx.Model(&GoalDependency{}).
			Where("dependent_goal_id = ? AND precondition_goal_id = ?", g.ID, locked.ID).
			Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			continue
		}
		if err := tx.Create(&GoalDependency{
			DependentGoalID:    g.ID,
			PreconditionGoalID: locked.ID,
		}).Error; err != nil {
			return err
		}
		added = append(added, locked.ID)

		if locked.State != StateAchieved {
			g.WaitingForCount++
			g.WaitingForNotAchievedCount++
		}
		if isNotGoingToHappenSoon(locked.State) {
			g.WaitingForFailedCount++
			if g.PreconditionFailureBehavior == FailureProceed {
				g.WaitingForCount--
			}
		}

		if pre.State != StateAchieved && locked.State == StateAchieved {
			flipped = true
		}
		if g.PreconditionFailureBehavior == FailureProceed &&
			!isNotGoingToHappenSoon(pre.State) && isNotGoingToHappenSoon(locked.State) {
			flipped = true
		}
	}

	if g.PreconditionsMode == ModeAny {
		// The goal must wait for at least one of something, and never for
		// more than one.
		effective := g.WaitingForNotAchievedCount
		if g.PreconditionFailureBehavior == FailureProceed {
			effective -= g.WaitingForFailedCount
		}
		if flipped || effective <= 0 {
			g.WaitingForCount = 0
		} else {
			g.WaitingForCount = 1
		}
	}

	if err := tx.Model(&Goal{}).Where("id = ?", g.ID).Updates(map[string]any{
		"waiting_for_count":              g.WaitingForCount,
		"waiting_for_not_achieved_count": g.WaitingForNotAchievedCount,
		"waiting_for_failed_count":       g.WaitingForFailedCount,
	}).Error; err != nil {
		return err
	}

	if len(added) > 0 {
		if err := tightenDeadlines(tx, added, g.Deadline); err != nil {
			return err
		}
	}
	return nil
}

// tightenDeadlines walks the precondition-ancestor subgraph and lowers every
// deadline above the new one. Worklist with a visited set: a goal can be
// reached over multiple paths. Termination holds because only goals whose
// deadline currently exceeds the new one are enqueued, and achievement stops
// the walk.
func tightenDeadlines(tx *gorm.DB, startIDs []uuid.UUID, deadline time.Time) error {
	visited := make(map[uuid.UUID]bool)
	frontier := startIDs
	for len(frontier) > 0 {
		var candidates []uuid.UUID
		if err := tx.Model(&Goal{}).
			Where("id IN ? AND deadline > ? AND state <> ?", frontier, deadline, StateAchieved).
			Pluck("id", &candidates).Error; err != nil {
			return err
		}
		var ids []uuid.UUID
		for _, id := range candidates {
			if !visited[id] {
				visited[id] = true
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Model(&Goal{}).Where("id IN ?", ids).
			Update("deadline", deadline).Error; err != nil {
			return err
		}
		var next []uuid.UUID
		if err := tx.Model(&GoalDependency{}).
			Where("dependent_goal_id IN ?", ids).
			Pluck("precondition_goal_id", &next).Error; err != nil {
			return err
		}
		frontier = next
	}
	return nil
}

// Block takes a waiting goal out of circulation until an operator releases
// it. Dependents see it as a failed precondition.
func (e *Engine) Block(id uuid.UUID) error {
	return e.db.Transaction(func(tx *gorm.DB) error {
		var g Goal
		if err := lockedNoKey(tx).Where("id = ?", id).First(&g).Error; err != nil {
			return err
		}
		if !isWaiting(g.State) {
			return fmt.Errorf("%w: cannot block goal in state %s", ErrInvalidStateForAction, g.State)
		}
		return markAsFailed(tx, []uuid.UUID{id}, StateBlocked)
	})
}

// UnblockRetry returns a failure-like goal to waiting_for_date and tells its
// dependents the failed precondition recovered. The transitions loop then
// cascades the recovery through any not_going_to_happen_soon descendants.
func (e *Engine) UnblockRetry(id uuid.UUID) error {
	return e.db.Transaction(func(tx *gorm.DB) error {
		var g Goal
		if err := lockedNoKey(tx).Where("id = ?", id).First(&g).Error; err != nil {
			return err
		}
		if !isNotGoingToHappenSoon(g.State) {
			return fmt.Errorf("%w: cannot unblock/retry goal in state %s", ErrInvalidStateForAction, g.State)
		}
		return markAsUnfailed(tx, []uuid.UUID{id})
	})
}
