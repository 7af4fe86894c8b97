// Package notify is the asynchronous wakeup layer between the scheduler
// engine and its workers. The production implementation rides on Postgres
// LISTEN/NOTIFY: notifications emitted inside a transaction are delivered
// only if the transaction commits, which is exactly the lost-wakeup guarantee
// the engine needs.
package notify

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// WaitingForWorkerChannel carries a goal id each time a goal becomes eligible
// for pickup, so sleeping dispatchers wake early.
const WaitingForWorkerChannel = "goal_waiting_for_worker"

// GoalProgressChannel names the per-goal channel that carries the new state
// after each handler invocation.
func GoalProgressChannel(id uuid.UUID) string {
	return "goal_progress_" + strings.ReplaceAll(id.String(), "-", "")
}

// Notification is one delivered message.
type Notification struct {
	Channel string
	Payload string
}

// Bus emits and receives engine notifications. Notify methods take the
// transaction the state change happens in; implementations tied to the store
// piggyback on its commit. A nil Bus on the engine disables notifications.
type Bus interface {
	// NotifyWaitingForWorker announces that the goal is ready for pickup.
	NotifyWaitingForWorker(tx *gorm.DB, id uuid.UUID) error
	// NotifyGoalProgress announces the goal's state after an attempt.
	NotifyGoalProgress(tx *gorm.DB, id uuid.UUID, state string) error
	// ListenWaitingForWorker subscribes to the pickup channel.
	ListenWaitingForWorker(ctx context.Context) error
	// ListenGoalProgress subscribes to one goal's progress channel.
	ListenGoalProgress(ctx context.Context, id uuid.UUID) error
	// Wait blocks until the next notification on a subscribed channel or ctx
	// expires. A progress-channel subscription is dropped after its first
	// delivered notification so stale messages do not pile up.
	Wait(ctx context.Context) (*Notification, error)
}
