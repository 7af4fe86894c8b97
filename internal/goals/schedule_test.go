package goals_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/gorm"

	"go-goals/internal/config"
	"go-goals/internal/goals"
	"go-goals/internal/notify"
)

func TestScheduleInitialState(t *testing.T) {
	future := time.Now().UTC().Add(time.Hour)

	tests := []struct {
		name             string
		opts             func(gdb *gorm.DB, t *testing.T) goals.ScheduleOptions
		wantState        goals.GoalState
		wantWaitingFor   int
		wantNotification bool
	}{
		{
			name:             "no date no preconditions goes straight to worker",
			opts:             func(*gorm.DB, *testing.T) goals.ScheduleOptions { return goals.ScheduleOptions{} },
			wantState:        goals.StateWaitingForWorker,
			wantNotification: true,
		},
		{
			name: "future date waits for it",
			opts: func(*gorm.DB, *testing.T) goals.ScheduleOptions {
				return goals.ScheduleOptions{PreconditionDate: &future}
			},
			wantState: goals.StateWaitingForDate,
		},
		{
			name: "pending precondition waits for it",
			opts: func(gdb *gorm.DB, t *testing.T) goals.ScheduleOptions {
				pre := makeGoal(t, gdb, goals.Goal{State: goals.StateWaitingForWorker})
				return goals.ScheduleOptions{PreconditionGoals: []*goals.Goal{pre}}
			},
			wantState:      goals.StateWaitingForPreconditions,
			wantWaitingFor: 1,
		},
		{
			name: "achieved precondition does not count",
			opts: func(gdb *gorm.DB, t *testing.T) goals.ScheduleOptions {
				pre := makeGoal(t, gdb, goals.Goal{State: goals.StateAchieved})
				return goals.ScheduleOptions{PreconditionGoals: []*goals.Goal{pre}}
			},
			wantState:      goals.StateWaitingForPreconditions,
			wantWaitingFor: 0,
		},
		{
			name: "blocked overrides everything",
			opts: func(*gorm.DB, *testing.T) goals.ScheduleOptions {
				return goals.ScheduleOptions{Blocked: true}
			},
			wantState: goals.StateBlocked,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng, bus, gdb := newTestEngine(t, config.GoalsConfig{})
			g, err := eng.Schedule(context.Background(), "noop", tt.opts(gdb, t))
			if err != nil {
				t.Fatalf("schedule: %v", err)
			}
			got := reload(t, gdb, g.ID)
			if got.State != tt.wantState {
				t.Errorf("state = %s, want %s", got.State, tt.wantState)
			}
			if got.WaitingForCount != tt.wantWaitingFor {
				t.Errorf("waiting_for_count = %d, want %d", got.WaitingForCount, tt.wantWaitingFor)
			}
			notifications := sentOn(bus, notify.WaitingForWorkerChannel)
			if tt.wantNotification && len(notifications) != 1 {
				t.Errorf("expected one waiting-for-worker notification, got %d", len(notifications))
			}
			if !tt.wantNotification && len(notifications) != 0 {
				t.Errorf("expected no notification, got %d", len(notifications))
			}
		})
	}
}

func TestScheduleFailedPreconditionCounters(t *testing.T) {
	tests := []struct {
		name           string
		behavior       goals.PreconditionFailureBehavior
		wantWaitingFor int
	}{
		{"block keeps waiting", goals.FailureBlock, 1},
		{"proceed counts failure as satisfied", goals.FailureProceed, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng, _, gdb := newTestEngine(t, config.GoalsConfig{})
			pre := makeGoal(t, gdb, goals.Goal{State: goals.StateGivenUp})
			g, err := eng.Schedule(context.Background(), "noop", goals.ScheduleOptions{
				PreconditionGoals:           []*goals.Goal{pre},
				PreconditionFailureBehavior: tt.behavior,
			})
			if err != nil {
				t.Fatalf("schedule: %v", err)
			}
			got := reload(t, gdb, g.ID)
			if got.WaitingForCount != tt.wantWaitingFor {
				t.Errorf("waiting_for_count = %d, want %d", got.WaitingForCount, tt.wantWaitingFor)
			}
			if got.WaitingForFailedCount != 1 {
				t.Errorf("waiting_for_failed_count = %d, want 1", got.WaitingForFailedCount)
			}
			if got.WaitingForNotAchievedCount != 1 {
				t.Errorf("waiting_for_not_achieved_count = %d, want 1", got.WaitingForNotAchievedCount)
			}
		})
	}
}

func TestScheduleAnyModeCaps(t *testing.T) {
	eng, _, gdb := newTestEngine(t, config.GoalsConfig{})
	preA := makeGoal(t, gdb, goals.Goal{State: goals.StateWaitingForWorker})
	preB := makeGoal(t, gdb, goals.Goal{State: goals.StateWaitingForWorker})

	g, err := eng.Schedule(context.Background(), "noop", goals.ScheduleOptions{
		PreconditionGoals: []*goals.Goal{preA, preB},
		PreconditionsMode: goals.ModeAny,
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	got := reload(t, gdb, g.ID)
	if got.WaitingForCount != 1 {
		t.Errorf("waiting_for_count = %d, want 1 (capped)", got.WaitingForCount)
	}
	if got.WaitingForNotAchievedCount != 2 {
		t.Errorf("waiting_for_not_achieved_count = %d, want 2", got.WaitingForNotAchievedCount)
	}
}

func TestScheduleAnyModeStaleAchievedView(t *testing.T) {
	// The caller observed the precondition as pending, but it is achieved by
	// the time schedule locks it. The new goal must become eligible instead
	// of waiting for the other precondition.
	eng, _, gdb := newTestEngine(t, config.GoalsConfig{})
	flipping := makeGoal(t, gdb, goals.Goal{State: goals.StateWaitingForWorker})
	other := makeGoal(t, gdb, goals.Goal{State: goals.StateWaitingForWorker})

	stale := *flipping
	if err := gdb.Model(&goals.Goal{}).Where("id = ?", flipping.ID).
		Update("state", goals.StateAchieved).Error; err != nil {
		t.Fatalf("flip precondition: %v", err)
	}

	g, err := eng.Schedule(context.Background(), "noop", goals.ScheduleOptions{
		PreconditionGoals: []*goals.Goal{&stale, other},
		PreconditionsMode: goals.ModeAny,
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	got := reload(t, gdb, g.ID)
	if got.WaitingForCount != 0 {
		t.Errorf("waiting_for_count = %d, want 0 after stale-view flip", got.WaitingForCount)
	}
}

func TestScheduleDeadlineInheritance(t *testing.T) {
	// A goal scheduled from inside a handler inherits the pursuing goal's
	// deadline instead of the configured default.
	eng, _, gdb := newTestEngine(t, config.GoalsConfig{})
	deadline := time.Now().UTC().Add(42 * time.Hour).Truncate(time.Second)

	goals.RegisterHandler("schedule-another", func(ctx context.Context, tx *gorm.DB, g *goals.Goal) (goals.Outcome, error) {
		eng := goals.EngineFromContext(ctx)
		_, err := eng.ScheduleTx(ctx, tx, "noop", goals.ScheduleOptions{Blocked: true})
		return goals.AllDone{}, err
	})

	parent, err := eng.Schedule(context.Background(), "schedule-another", goals.ScheduleOptions{Deadline: &deadline})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	progress, err := eng.HandleWaitingForWorker(context.Background(), time.Now().UTC(), 0)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if progress == nil || !progress.Success {
		t.Fatalf("expected successful dispatch, got %+v", progress)
	}

	var child goals.Goal
	if err := gdb.Where("id <> ?", parent.ID).First(&child).Error; err != nil {
		t.Fatalf("find child goal: %v", err)
	}
	if !child.Deadline.Equal(deadline) {
		t.Errorf("child deadline = %s, want inherited %s", child.Deadline, deadline)
	}
}

func TestScheduleTightensAncestorDeadlines(t *testing.T) {
	// goal_b depends on goal_a; scheduling a goal that depends on goal_b with
	// an earlier deadline drags both ancestors forward.
	eng, _, gdb := newTestEngine(t, config.GoalsConfig{})
	now := time.Now().UTC().Truncate(time.Second)

	goalA := makeGoal(t, gdb, goals.Goal{State: goals.StateWaitingForWorker, Deadline: now})
	goalB := makeGoal(t, gdb, goals.Goal{
		State:           goals.StateWaitingForPreconditions,
		Deadline:        now,
		WaitingForCount: 1, WaitingForNotAchievedCount: 1,
	})
	addEdge(t, gdb, goalB, goalA)

	tighter := now.Add(-time.Minute)
	if _, err := eng.Schedule(context.Background(), "noop", goals.ScheduleOptions{
		Deadline:          &tighter,
		PreconditionGoals: []*goals.Goal{goalB},
	}); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	if got := reload(t, gdb, goalA.ID); !got.Deadline.Equal(tighter) {
		t.Errorf("goal_a deadline = %s, want %s", got.Deadline, tighter)
	}
	if got := reload(t, gdb, goalB.ID); !got.Deadline.Equal(tighter) {
		t.Errorf("goal_b deadline = %s, want %s", got.Deadline, tighter)
	}
}

func TestBlockUnblockRoundTrip(t *testing.T) {
	for _, state := range []goals.GoalState{
		goals.StateWaitingForDate,
		goals.StateWaitingForPreconditions,
		goals.StateWaitingForWorker,
	} {
		t.Run(string(state), func(t *testing.T) {
			eng, _, gdb := newTestEngine(t, config.GoalsConfig{})
			g := makeGoal(t, gdb, goals.Goal{State: state})
			if err := eng.Block(g.ID); err != nil {
				t.Fatalf("block: %v", err)
			}
			if got := reload(t, gdb, g.ID); got.State != goals.StateBlocked {
				t.Fatalf("state after block = %s", got.State)
			}
			if err := eng.UnblockRetry(g.ID); err != nil {
				t.Fatalf("unblock: %v", err)
			}
			if got := reload(t, gdb, g.ID); got.State != goals.StateWaitingForDate {
				t.Errorf("state after unblock = %s, want waiting_for_date", got.State)
			}
		})
	}
}

func TestOperatorActionsRejectWrongState(t *testing.T) {
	eng, _, gdb := newTestEngine(t, config.GoalsConfig{})

	achieved := makeGoal(t, gdb, goals.Goal{State: goals.StateAchieved})
	if err := eng.Block(achieved.ID); !errors.Is(err, goals.ErrInvalidStateForAction) {
		t.Errorf("block on achieved goal: err = %v, want ErrInvalidStateForAction", err)
	}

	waiting := makeGoal(t, gdb, goals.Goal{State: goals.StateWaitingForWorker})
	if err := eng.UnblockRetry(waiting.ID); !errors.Is(err, goals.ErrInvalidStateForAction) {
		t.Errorf("unblock on waiting goal: err = %v, want ErrInvalidStateForAction", err)
	}
}

func TestBlockTellsDependents(t *testing.T) {
	eng, _, gdb := newTestEngine(t, config.GoalsConfig{})
	pre := makeGoal(t, gdb, goals.Goal{State: goals.StateWaitingForWorker})
	dep, err := eng.Schedule(context.Background(), "noop", goals.ScheduleOptions{
		PreconditionGoals: []*goals.Goal{pre},
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	if err := eng.Block(pre.ID); err != nil {
		t.Fatalf("block: %v", err)
	}
	got := reload(t, gdb, dep.ID)
	if got.WaitingForFailedCount != 1 {
		t.Errorf("dependent waiting_for_failed_count = %d, want 1", got.WaitingForFailedCount)
	}

	if err := eng.UnblockRetry(pre.ID); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	got = reload(t, gdb, dep.ID)
	if got.WaitingForFailedCount != 0 {
		t.Errorf("dependent waiting_for_failed_count after unblock = %d, want 0", got.WaitingForFailedCount)
	}
}
