package notify

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"gorm.io/gorm"
)

// PGBus implements Bus on Postgres. Notifies go through the engine's own
// transaction via pg_notify so they are delivered on commit; listening uses a
// dedicated pgx connection because LISTEN binds to a session.
type PGBus struct {
	mu   sync.Mutex
	conn *pgx.Conn
	dsn  string
}

// NewPGBus connects the listening session. The emit side needs no connection
// of its own.
func NewPGBus(ctx context.Context, dsn string) (*PGBus, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &PGBus{conn: conn, dsn: dsn}, nil
}

// Close tears down the listening connection.
func (b *PGBus) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn.Close(ctx)
}

func (b *PGBus) NotifyWaitingForWorker(tx *gorm.DB, id uuid.UUID) error {
	return tx.Exec("SELECT pg_notify(?, ?)", WaitingForWorkerChannel, id.String()).Error
}

func (b *PGBus) NotifyGoalProgress(tx *gorm.DB, id uuid.UUID, state string) error {
	return tx.Exec("SELECT pg_notify(?, ?)", GoalProgressChannel(id), state).Error
}

func (b *PGBus) ListenWaitingForWorker(ctx context.Context) error {
	return b.listen(ctx, WaitingForWorkerChannel)
}

func (b *PGBus) ListenGoalProgress(ctx context.Context, id uuid.UUID) error {
	return b.listen(ctx, GoalProgressChannel(id))
}

func (b *PGBus) listen(ctx context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize())
	return err
}

// Wait blocks until a notification arrives or ctx expires. Progress channels
// are unsubscribed after their first delivery.
func (b *PGBus) Wait(ctx context.Context) (*Notification, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.conn.WaitForNotification(ctx)
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(n.Channel, "goal_progress_") {
		if _, err := b.conn.Exec(ctx, "UNLISTEN "+pgx.Identifier{n.Channel}.Sanitize()); err != nil {
			return nil, err
		}
	}
	return &Notification{Channel: n.Channel, Payload: n.Payload}, nil
}
