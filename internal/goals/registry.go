package goals

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
)

// Handler pursues a goal. It runs inside the dispatch transaction (under a
// savepoint) and may use tx to read and write application state, including
// scheduling further goals. Returning an error records a failed attempt and
// triggers retry backoff.
type Handler func(ctx context.Context, tx *gorm.DB, g *Goal) (Outcome, error)

// Outcome is what a handler reports back: AllDone or RetryMeLater.
type Outcome interface {
	isOutcome()
}

// AllDone means the goal is achieved.
type AllDone struct{}

func (AllDone) isOutcome() {}

// RetryMeLater means the handler wants to yield and be called again, like a
// process yielding in an operating system. The goal goes back to waiting,
// optionally gated on a future date and on more precondition goals.
type RetryMeLater struct {
	PreconditionDate  *time.Time
	PreconditionGoals []*Goal
	Message           string
}

func (RetryMeLater) isOutcome() {}

// RetryMeLaterError is the exception form of RetryMeLater: handlers deep in a
// call stack can abort with it and dispatch normalizes it to the outcome.
type RetryMeLaterError struct {
	RetryMeLater
}

func (e *RetryMeLaterError) Error() string {
	if e.Message != "" {
		return "retry me later: " + e.Message
	}
	return "retry me later"
}

var (
	handlersMu sync.RWMutex
	handlers   = map[string]Handler{}
)

// RegisterHandler adds a handler to the process-wide registry. Call it at
// startup, before any worker runs. Registering a duplicate name panics: it is
// a wiring bug, not a runtime condition.
func RegisterHandler(name string, h Handler) {
	handlersMu.Lock()
	defer handlersMu.Unlock()
	if _, dup := handlers[name]; dup {
		panic(fmt.Sprintf("goals: handler %q registered twice", name))
	}
	handlers[name] = h
}

// LookupHandler resolves a handler name recorded on a goal.
func LookupHandler(name string) (Handler, bool) {
	handlersMu.RLock()
	defer handlersMu.RUnlock()
	h, ok := handlers[name]
	return h, ok
}

type ctxKey int

const (
	currentGoalKey ctxKey = iota
	engineKey
)

// WithCurrentGoal marks the goal the surrounding handler is pursuing.
// Dispatch sets it around the handler call; Schedule reads it for deadline
// inheritance. The context scoping is the equivalent of a worker-thread-local
// slot cleared on handler exit.
func WithCurrentGoal(ctx context.Context, g *Goal) context.Context {
	return context.WithValue(ctx, currentGoalKey, g)
}

// CurrentGoal returns the goal being pursued by the surrounding handler, or
// nil outside of dispatch.
func CurrentGoal(ctx context.Context) *Goal {
	g, _ := ctx.Value(currentGoalKey).(*Goal)
	return g
}

// WithEngine attaches the engine so handlers can schedule child goals without
// closing over it.
func WithEngine(ctx context.Context, e *Engine) context.Context {
	return context.WithValue(ctx, engineKey, e)
}

// EngineFromContext returns the engine that invoked the surrounding handler.
func EngineFromContext(ctx context.Context) *Engine {
	e, _ := ctx.Value(engineKey).(*Engine)
	return e
}
