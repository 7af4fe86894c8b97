package worker_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"go-goals/internal/config"
	"go-goals/internal/db"
	"go-goals/internal/goals"
	"go-goals/internal/notify"
	"go-goals/internal/worker"
)

func TestMain(m *testing.M) {
	goals.RegisterHandler("noop", func(ctx context.Context, tx *gorm.DB, g *goals.Goal) (goals.Outcome, error) {
		return goals.AllDone{}, nil
	})
	goals.RegisterHandler("fail", func(ctx context.Context, tx *gorm.DB, g *goals.Goal) (goals.Outcome, error) {
		return nil, errors.New("I failed!")
	})
	os.Exit(m.Run())
}

func newTestEngine(t *testing.T, cfg config.GoalsConfig) (*goals.Engine, *notify.MemoryBus, *gorm.DB) {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared&_fk=1"
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("unwrap test db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	bus := notify.NewMemoryBus()
	return goals.New(gdb, cfg, bus, nil), bus, gdb
}

func state(t *testing.T, gdb *gorm.DB, id uuid.UUID) goals.GoalState {
	t.Helper()
	var g goals.Goal
	if err := gdb.Where("id = ?", id).First(&g).Error; err != nil {
		t.Fatalf("reload goal: %v", err)
	}
	return g.State
}

func TestTurnNoop(t *testing.T) {
	eng, _, _ := newTestEngine(t, config.GoalsConfig{})
	transitions, progresses, err := worker.Turn(context.Background(), eng, time.Now().UTC(), 0, 0)
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if transitions != 0 || progresses != 0 {
		t.Errorf("turn = (%d, %d), want (0, 0)", transitions, progresses)
	}
}

func TestBusyOnceRunsDependencyChain(t *testing.T) {
	eng, _, gdb := newTestEngine(t, config.GoalsConfig{})
	ctx := context.Background()

	goalA, err := eng.Schedule(ctx, "noop", goals.ScheduleOptions{})
	if err != nil {
		t.Fatalf("schedule A: %v", err)
	}
	goalB, err := eng.Schedule(ctx, "noop", goals.ScheduleOptions{
		PreconditionGoals: []*goals.Goal{goalA},
	})
	if err != nil {
		t.Fatalf("schedule B: %v", err)
	}

	if err := worker.Busy(ctx, eng, worker.Options{Once: true}); err != nil {
		t.Fatalf("busy: %v", err)
	}

	if got := state(t, gdb, goalA.ID); got != goals.StateAchieved {
		t.Errorf("A state = %s, want achieved", got)
	}
	if got := state(t, gdb, goalB.ID); got != goals.StateAchieved {
		t.Errorf("B state = %s, want achieved", got)
	}
}

func TestBusyMaxProgressCount(t *testing.T) {
	eng, _, gdb := newTestEngine(t, config.GoalsConfig{})
	ctx := context.Background()
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		g, err := eng.Schedule(ctx, "noop", goals.ScheduleOptions{})
		if err != nil {
			t.Fatalf("schedule: %v", err)
		}
		ids = append(ids, g.ID)
	}

	if err := worker.Busy(ctx, eng, worker.Options{Once: true, MaxProgressCount: 2}); err != nil {
		t.Fatalf("busy: %v", err)
	}

	achieved := 0
	for _, id := range ids {
		if state(t, gdb, id) == goals.StateAchieved {
			achieved++
		}
	}
	if achieved != 2 {
		t.Errorf("achieved = %d, want 2 (progress budget)", achieved)
	}
}

func TestThreadedOnceExitsWhenAllIdle(t *testing.T) {
	eng, _, gdb := newTestEngine(t, config.GoalsConfig{})
	ctx := context.Background()
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		g, err := eng.Schedule(ctx, "noop", goals.ScheduleOptions{})
		if err != nil {
			t.Fatalf("schedule: %v", err)
		}
		ids = append(ids, g.ID)
	}

	done := make(chan error, 1)
	go func() {
		done <- worker.Threaded(ctx, eng, []worker.ThreadSpec{{Count: 2}}, true)
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("threaded: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatalf("threaded worker did not exit in once mode")
	}

	for _, id := range ids {
		if got := state(t, gdb, id); got != goals.StateAchieved {
			t.Errorf("goal %s state = %s, want achieved", id, got)
		}
	}
}

func TestBlockingWorkerProcessesNotifications(t *testing.T) {
	eng, _, gdb := newTestEngine(t, config.GoalsConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ready before the worker listens: covered by the startup drain
	early, err := eng.Schedule(ctx, "noop", goals.ScheduleOptions{})
	if err != nil {
		t.Fatalf("schedule early: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- worker.Blocking(ctx, eng) }()

	waitForState(t, gdb, early.ID, goals.StateAchieved)

	// scheduled while listening: covered by the notification path
	late, err := eng.Schedule(ctx, "noop", goals.ScheduleOptions{})
	if err != nil {
		t.Fatalf("schedule late: %v", err)
	}
	waitForState(t, gdb, late.ID, goals.StateAchieved)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("blocking: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("blocking worker did not exit")
	}
}

func waitForState(t *testing.T, gdb *gorm.DB, id uuid.UUID, want goals.GoalState) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if state(t, gdb, id) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("goal %s never reached %s (now %s)", id, want, state(t, gdb, id))
}

func TestParseThreadSpec(t *testing.T) {
	tests := []struct {
		in      string
		want    worker.ThreadSpec
		wantErr bool
	}{
		{"4", worker.ThreadSpec{Count: 4}, false},
		{"2:30m", worker.ThreadSpec{Count: 2, Horizon: 30 * time.Minute}, false},
		{"1:1d", worker.ThreadSpec{Count: 1, Horizon: 24 * time.Hour}, false},
		{"0", worker.ThreadSpec{}, true},
		{"x:30m", worker.ThreadSpec{}, true},
		{"2:bogus", worker.ThreadSpec{}, true},
	}
	for _, tt := range tests {
		got, err := worker.ParseThreadSpec(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseThreadSpec(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseThreadSpec(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestParseHorizon(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"30m", 30 * time.Minute, false},
		{"90s", 90 * time.Second, false},
		{"1d", 24 * time.Hour, false},
		{"7d", 7 * 24 * time.Hour, false},
		{"nope", 0, true},
	}
	for _, tt := range tests {
		got, err := worker.ParseHorizon(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseHorizon(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseHorizon(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
