package worker

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"go-goals/internal/goals"
)

// ThreadSpec describes a group of dispatch goroutines sharing one deadline
// horizon. The CLI form is COUNT or COUNT:HORIZON, e.g. "4" or "2:30m".
type ThreadSpec struct {
	Count   int
	Horizon time.Duration
}

// ParseThreadSpec parses COUNT[:HORIZON].
func ParseThreadSpec(s string) (ThreadSpec, error) {
	countPart, horizonPart, hasHorizon := strings.Cut(s, ":")
	count, err := strconv.Atoi(countPart)
	if err != nil || count < 1 {
		return ThreadSpec{}, fmt.Errorf("invalid thread count in %q", s)
	}
	spec := ThreadSpec{Count: count}
	if hasHorizon {
		spec.Horizon, err = ParseHorizon(horizonPart)
		if err != nil {
			return ThreadSpec{}, err
		}
	}
	return spec, nil
}

// ParseHorizon parses a duration, additionally accepting a whole-day suffix
// like "1d" that time.ParseDuration does not know.
func ParseHorizon(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid horizon %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid horizon %q: %w", s, err)
	}
	return d, nil
}

// Threaded runs one transitions goroutine plus the dispatch goroutines the
// specs ask for. With once set, the worker exits when every goroutine
// reported idle in the same round; a goroutine that does any work clears the
// whole idle set, because its work may have unblocked the others.
func Threaded(ctx context.Context, eng *goals.Engine, specs []ThreadSpec, once bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	total := 1
	for _, spec := range specs {
		total += spec.Count
	}
	idle := &idleSet{members: make([]bool, total), stopAll: cancel, once: once}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		transitionsLoop(ctx, eng, idle, 0)
	}()

	id := 1
	for _, spec := range specs {
		for i := 0; i < spec.Count; i++ {
			wg.Add(1)
			go func(id int, horizon time.Duration) {
				defer wg.Done()
				dispatchLoop(ctx, eng, idle, id, horizon)
			}(id, spec.Horizon)
			id++
		}
	}

	wg.Wait()
	return nil
}

func transitionsLoop(ctx context.Context, eng *goals.Engine, idle *idleSet, id int) {
	log.Printf("[Worker] Transitions goroutine started")
	defer log.Printf("[Worker] Transitions goroutine exiting")
	for ctx.Err() == nil {
		now := time.Now().UTC()
		transitions := 0
		for _, step := range []func() (int, error){
			func() (int, error) { return eng.HandleWaitingForDate(now) },
			eng.HandleWaitingForPreconditions,
			eng.HandleWaitingForFailedPreconditions,
			eng.HandleUnblockedGoals,
		} {
			n, err := step()
			if err != nil {
				log.Printf("[Worker] Transition failed: %v", err)
				break
			}
			transitions += n
		}
		eng.RemoveOldGoals(now)
		if transitions == 0 {
			idle.report(id)
			select {
			case <-ctx.Done():
			case <-time.After(idleSleep):
			}
		} else {
			idle.clear()
		}
	}
}

func dispatchLoop(ctx context.Context, eng *goals.Engine, idle *idleSet, id int, horizon time.Duration) {
	log.Printf("[Worker] Dispatch goroutine %d started (horizon %s)", id, horizon)
	defer log.Printf("[Worker] Dispatch goroutine %d exiting", id)
	for ctx.Err() == nil {
		progress, err := eng.HandleWaitingForWorker(ctx, time.Now().UTC(), horizon)
		if err != nil {
			log.Printf("[Worker] Dispatch failed: %v", err)
			progress = nil
		}
		if progress == nil {
			idle.report(id)
			select {
			case <-ctx.Done():
			case <-time.After(idleSleep):
			}
			continue
		}
		idle.clear()
	}
}

// idleSet implements the all-idle exit for once mode.
type idleSet struct {
	mu      sync.Mutex
	members []bool
	stopAll context.CancelFunc
	once    bool
}

// report marks one goroutine idle; when every goroutine is idle in the same
// round and once mode is on, the whole worker stops.
func (s *idleSet) report(id int) {
	if !s.once {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[id] = true
	for _, idle := range s.members {
		if !idle {
			return
		}
	}
	log.Printf("[Worker] All goroutines idle, exiting because of `once`")
	s.stopAll()
}

// clear resets the whole set: work done here may have unblocked anyone.
func (s *idleSet) clear() {
	if !s.once {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.members {
		s.members[i] = false
	}
}
