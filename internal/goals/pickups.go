package goals

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PickupMonitor records goal pickups and releases on its own connection,
// outside every dispatch transaction. If a handler takes the process down,
// the unreleased pickup row survives and eventually convicts the goal as a
// killer task.
//
// Events go through an unbounded in-memory queue drained by one goroutine, so
// dispatchers never block on pickup bookkeeping.
type PickupMonitor struct {
	db *gorm.DB

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []pickupEvent
	closed bool

	done chan struct{}
}

type pickupEvent struct {
	goalID  uuid.UUID
	release bool
}

func NewPickupMonitor(db *gorm.DB) *PickupMonitor {
	m := &PickupMonitor{
		db:   db,
		done: make(chan struct{}),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Start launches the drain goroutine.
func (m *PickupMonitor) Start() {
	go m.run()
}

func (m *PickupMonitor) run() {
	log.Printf("[Pickups] Monitor started")
	defer close(m.done)
	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.closed {
			m.cond.Wait()
		}
		if len(m.queue) == 0 && m.closed {
			m.mu.Unlock()
			break
		}
		ev := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		var err error
		if ev.release {
			err = m.db.Where("goal_id = ?", ev.goalID).Delete(&GoalPickup{}).Error
		} else {
			err = m.db.Create(&GoalPickup{GoalID: ev.goalID, CreatedAt: time.Now().UTC()}).Error
		}
		if err != nil {
			log.Printf("[Pickups] Failed to record event for goal %s: %v", ev.goalID, err)
		}
	}
	log.Printf("[Pickups] Monitor exiting")
}

// Pickup enqueues a pickup record for the goal.
func (m *PickupMonitor) Pickup(goalID uuid.UUID) {
	m.enqueue(pickupEvent{goalID: goalID})
}

// Release enqueues removal of the goal's pickup records.
func (m *PickupMonitor) Release(goalID uuid.UUID) {
	m.enqueue(pickupEvent{goalID: goalID, release: true})
}

func (m *PickupMonitor) enqueue(ev pickupEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.queue = append(m.queue, ev)
	m.cond.Signal()
}

// Shutdown drains the queue and stops the goroutine.
func (m *PickupMonitor) Shutdown() {
	m.mu.Lock()
	m.closed = true
	m.cond.Signal()
	m.mu.Unlock()
	<-m.done
}
