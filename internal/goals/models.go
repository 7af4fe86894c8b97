package goals

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GoalState is the lifecycle state of a goal
type GoalState string

const (
	// Goal is explicitly marked not to be pursued
	StateBlocked GoalState = "blocked"
	// Goal is allowed to go only after a future date
	StateWaitingForDate GoalState = "waiting_for_date"
	// Goal is waiting for other goals to be achieved first
	StateWaitingForPreconditions GoalState = "waiting_for_preconditions"
	// Goal is ready to be picked up by a worker
	StateWaitingForWorker GoalState = "waiting_for_worker"
	// Successfully achieved
	StateAchieved GoalState = "achieved"
	// Too many failed attempts
	StateGivenUp GoalState = "given_up"
	// Goal is waiting on a precondition that is blocked or failed
	StateNotGoingToHappenSoon GoalState = "not_going_to_happen_soon"
)

// NotGoingToHappenSoonStates are the states that make dependent goals lose hope.
var NotGoingToHappenSoonStates = []GoalState{
	StateBlocked,
	StateGivenUp,
	StateNotGoingToHappenSoon,
}

// WaitingStates are the states a goal can be blocked from.
var WaitingStates = []GoalState{
	StateWaitingForDate,
	StateWaitingForPreconditions,
	StateWaitingForWorker,
}

func isNotGoingToHappenSoon(s GoalState) bool {
	return s == StateBlocked || s == StateGivenUp || s == StateNotGoingToHappenSoon
}

func isWaiting(s GoalState) bool {
	return s == StateWaitingForDate || s == StateWaitingForPreconditions || s == StateWaitingForWorker
}

// PreconditionsMode controls how many preconditions must be satisfied.
type PreconditionsMode string

const (
	// All preconditions must be achieved
	ModeAll PreconditionsMode = "all"
	// At least one precondition must be achieved
	ModeAny PreconditionsMode = "any"
)

// PreconditionFailureBehavior controls what happens when a precondition fails.
type PreconditionFailureBehavior string

const (
	// A failed precondition makes this goal not going to happen soon
	FailureBlock PreconditionFailureBehavior = "block"
	// A failed precondition counts as satisfied
	FailureProceed PreconditionFailureBehavior = "proceed"
)

// ErrInvalidStateForAction is returned by operator actions applied to a goal
// in a state the action does not accept.
var ErrInvalidStateForAction = errors.New("invalid state for action")

// ErrUnknownHandler is returned when a goal names a handler that was never registered.
var ErrUnknownHandler = errors.New("unknown handler")

// Goal is a one-off unit of durable work described by a handler name and
// JSON instructions.
type Goal struct {
	ID    uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	State GoalState `gorm:"type:varchar(30);index;default:'waiting_for_date'" json:"state"`

	Handler      string         `gorm:"size:100" json:"handler"`
	Instructions datatypes.JSON `json:"instructions"`

	// Goal will not be pursued before this date. Doubles as the retry
	// backoff target after a failed attempt.
	PreconditionDate time.Time `json:"precondition_date"`

	PreconditionsMode           PreconditionsMode           `gorm:"type:varchar(10);default:'all'" json:"preconditions_mode"`
	PreconditionFailureBehavior PreconditionFailureBehavior `gorm:"type:varchar(10);default:'block'" json:"precondition_failure_behavior"`

	// Denormalized counters over precondition edges, maintained by the
	// transition functions and reconciled by fsck. WaitingForCount may dip
	// below zero transiently; eligibility checks use <= 0.
	WaitingForCount            int `gorm:"check:goals_any_waiting_chk,preconditions_mode <> 'any' OR waiting_for_count <= 1" json:"waiting_for_count"`
	WaitingForNotAchievedCount int `json:"waiting_for_not_achieved_count"`
	WaitingForFailedCount      int `json:"waiting_for_failed_count"`

	// Lower deadline means higher pickup priority.
	Deadline  time.Time `gorm:"index" json:"deadline"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// GoalDependency is a directed edge from a dependent goal to one of its
// precondition goals. The precondition side is protected from deletion while
// the edge exists.
type GoalDependency struct {
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey"`
	DependentGoalID    uuid.UUID `gorm:"type:uuid;uniqueIndex:goal_dependency_pair_idx;index"`
	PreconditionGoalID uuid.UUID `gorm:"type:uuid;uniqueIndex:goal_dependency_pair_idx;index"`

	DependentGoal    *Goal `gorm:"foreignKey:DependentGoalID;constraint:OnDelete:CASCADE"`
	PreconditionGoal *Goal `gorm:"foreignKey:PreconditionGoalID;constraint:OnDelete:RESTRICT"`
}

// GoalProgress records one handler invocation. Immutable once written.
type GoalProgress struct {
	ID        uuid.UUID     `gorm:"type:uuid;primaryKey" json:"id"`
	GoalID    uuid.UUID     `gorm:"type:uuid;index" json:"goal_id"`
	Success   bool          `json:"success"`
	CreatedAt time.Time     `json:"created_at"`
	TimeTaken time.Duration `gorm:"type:bigint" json:"time_taken"`
	Message   string        `gorm:"size:1000" json:"message"`

	Goal *Goal `gorm:"foreignKey:GoalID;constraint:OnDelete:CASCADE" json:"-"`
}

func (GoalProgress) TableName() string { return "goal_progress" }

// GoalPickup records that a worker picked a goal up, written outside the
// dispatch transaction so crashes mid-handler stay visible. Used to detect
// killer tasks.
type GoalPickup struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	GoalID    uuid.UUID `gorm:"type:uuid;index"`
	CreatedAt time.Time

	Goal *Goal `gorm:"foreignKey:GoalID;constraint:OnDelete:CASCADE"`
}

// Models lists everything AutoMigrate needs, goals first so the foreign keys
// of the other tables have their target.
func Models() []any {
	return []any{&Goal{}, &GoalDependency{}, &GoalProgress{}, &GoalPickup{}}
}

// BeforeCreate fills generated ids so callers can know them ahead of insert.
func (g *Goal) BeforeCreate(tx *gorm.DB) error {
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	return nil
}

func (d *GoalDependency) BeforeCreate(tx *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}

func (p *GoalProgress) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

func (p *GoalPickup) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// IsCompleted reports whether a goal reached its terminal success state.
// A nil goal counts as completed: it was achieved some time ago and then
// garbage-collected by retention.
func IsCompleted(g *Goal) bool {
	return g == nil || g.State == StateAchieved
}

// IsProcessing reports whether the engine is still working toward the goal.
// Blocked counts as processing on the assumption it will be unblocked.
func IsProcessing(g *Goal) bool {
	if g == nil {
		return false
	}
	switch g.State {
	case StateWaitingForDate, StateWaitingForPreconditions, StateWaitingForWorker, StateBlocked:
		return true
	}
	return false
}

// IsError reports whether the goal was given up or is not going to happen
// soon. Blocked goals are not errors here; IsProcessing counts them.
func IsError(g *Goal) bool {
	if g == nil {
		return false
	}
	switch g.State {
	case StateGivenUp, StateNotGoingToHappenSoon:
		return true
	}
	return false
}

// lockedSkipLocked adds the row-lock clause used by every lock-by-select
// transition: exclusive but non-key, skipping rows other workers hold.
// SQLite (tests) has no row locks; single-connection serialization stands in.
func lockedSkipLocked(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "NO KEY UPDATE", Options: "SKIP LOCKED"})
	}
	return tx
}

// lockedNoKey locks rows without skipping: used where we must serialize
// against a concurrent transition rather than move on.
func lockedNoKey(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "NO KEY UPDATE"})
	}
	return tx
}
