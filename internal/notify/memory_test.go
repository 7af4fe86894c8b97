package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestMemoryBusWaitDeliversSubscribed(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()
	if err := bus.ListenWaitingForWorker(ctx); err != nil {
		t.Fatalf("listen: %v", err)
	}

	id := uuid.New()
	if err := bus.NotifyWaitingForWorker(nil, id); err != nil {
		t.Fatalf("notify: %v", err)
	}

	wctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	n, err := bus.Wait(wctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if n.Channel != WaitingForWorkerChannel || n.Payload != id.String() {
		t.Errorf("notification = %+v", n)
	}
}

func TestMemoryBusIgnoresUnsubscribedChannels(t *testing.T) {
	bus := NewMemoryBus()
	if err := bus.NotifyGoalProgress(nil, uuid.New(), "achieved"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := bus.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("wait err = %v, want deadline exceeded", err)
	}
	if len(bus.Sent()) != 1 {
		t.Errorf("sent log = %d entries, want 1", len(bus.Sent()))
	}
}

func TestMemoryBusProgressSubscriptionIsOneShot(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()
	id := uuid.New()
	if err := bus.ListenGoalProgress(ctx, id); err != nil {
		t.Fatalf("listen: %v", err)
	}

	if err := bus.NotifyGoalProgress(nil, id, "waiting_for_date"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	wctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	n, err := bus.Wait(wctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if n.Payload != "waiting_for_date" {
		t.Errorf("payload = %q", n.Payload)
	}

	// the subscription was dropped with the first delivery
	if err := bus.NotifyGoalProgress(nil, id, "achieved"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	wctx2, cancel2 := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel2()
	if _, err := bus.Wait(wctx2); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("second wait err = %v, want deadline exceeded", err)
	}
}

func TestGoalProgressChannelName(t *testing.T) {
	id := uuid.MustParse("12345678-1234-5678-1234-567812345678")
	want := "goal_progress_12345678123456781234567812345678"
	if got := GoalProgressChannel(id); got != want {
		t.Errorf("channel = %q, want %q", got, want)
	}
}
