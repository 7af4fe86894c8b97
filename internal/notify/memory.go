package notify

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// MemoryBus is an in-process Bus for tests and for single-process deployments
// that run the engine against SQLite. It delivers immediately rather than on
// commit; callers that care about commit ordering use PGBus.
type MemoryBus struct {
	mu         sync.Mutex
	subscribed map[string]bool
	queue      []Notification
	wake       chan struct{}

	// Sent keeps everything ever emitted, subscribed or not, so tests can
	// assert on notification traffic.
	sent []Notification
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subscribed: map[string]bool{},
		wake:       make(chan struct{}, 1),
	}
}

func (b *MemoryBus) NotifyWaitingForWorker(tx *gorm.DB, id uuid.UUID) error {
	b.deliver(Notification{Channel: WaitingForWorkerChannel, Payload: id.String()})
	return nil
}

func (b *MemoryBus) NotifyGoalProgress(tx *gorm.DB, id uuid.UUID, state string) error {
	b.deliver(Notification{Channel: GoalProgressChannel(id), Payload: state})
	return nil
}

func (b *MemoryBus) deliver(n Notification) {
	b.mu.Lock()
	b.sent = append(b.sent, n)
	if b.subscribed[n.Channel] {
		b.queue = append(b.queue, n)
	}
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *MemoryBus) ListenWaitingForWorker(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribed[WaitingForWorkerChannel] = true
	return nil
}

func (b *MemoryBus) ListenGoalProgress(ctx context.Context, id uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribed[GoalProgressChannel(id)] = true
	return nil
}

func (b *MemoryBus) Wait(ctx context.Context) (*Notification, error) {
	for {
		b.mu.Lock()
		if len(b.queue) > 0 {
			n := b.queue[0]
			b.queue = b.queue[1:]
			if n.Channel != WaitingForWorkerChannel {
				delete(b.subscribed, n.Channel)
			}
			b.mu.Unlock()
			return &n, nil
		}
		b.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.wake:
		}
	}
}

// Sent returns a copy of everything emitted so far.
func (b *MemoryBus) Sent() []Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Notification, len(b.sent))
	copy(out, b.sent)
	return out
}

// Reset drops recorded traffic between test phases.
func (b *MemoryBus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = nil
	b.queue = nil
}
