package goals

import (
	"gorm.io/gorm"

	"go-goals/internal/config"
	"go-goals/internal/notify"
)

// Engine is the goal scheduler: it owns the transition functions, dispatch,
// the scheduler API and the maintenance operations. All serialization is
// row-level in the store; the engine itself holds no goal locks.
type Engine struct {
	db      *gorm.DB
	cfg     config.GoalsConfig
	bus     notify.Bus
	pickups *PickupMonitor
}

// New wires an engine. bus and pickups may be nil: a nil bus drops
// notifications, a nil pickups monitor writes no pickup rows (rows already in
// the store are still counted by the killer-task check).
func New(db *gorm.DB, cfg config.GoalsConfig, bus notify.Bus, pickups *PickupMonitor) *Engine {
	config.ApplyGoalsDefaults(&cfg)
	return &Engine{db: db, cfg: cfg, bus: bus, pickups: pickups}
}

// DB exposes the underlying store, mostly for the operator API.
func (e *Engine) DB() *gorm.DB { return e.db }

// Config returns the engine's tuning knobs.
func (e *Engine) Config() config.GoalsConfig { return e.cfg }

// Bus returns the notification bus, possibly nil.
func (e *Engine) Bus() notify.Bus { return e.bus }

func (e *Engine) notifyWaitingForWorker(tx *gorm.DB, g *Goal) error {
	if e.bus == nil {
		return nil
	}
	return e.bus.NotifyWaitingForWorker(tx, g.ID)
}

func (e *Engine) notifyGoalProgress(tx *gorm.DB, g *Goal) error {
	if e.bus == nil {
		return nil
	}
	return e.bus.NotifyGoalProgress(tx, g.ID, string(g.State))
}
