// Package simnet provides a deterministic virtual-clock timerengine.Engine
// for tests that exercise retransmit and rotation logic without sleeping
// real wall-clock time. It replaces the discrete-event network simulator
// referenced in the original design with a narrower, purpose-built clock
// fake, in the style of the teacher's internal/chaos and
// internal/integration test fakes.
package simnet

import (
	"sync"
	"time"

	"github.com/netsteria/rendezvous/internal/timerengine"
)

// VirtualEngine is a timerengine.Engine whose time only advances when
// Advance is called, so tests control exactly when timers fire.
type VirtualEngine struct {
	mu      sync.Mutex
	now     time.Duration
	nextID  uint64
	pending map[uint64]*pendingFire
}

type pendingFire struct {
	deadline time.Duration
	callback func()
}

// NewVirtualEngine returns a VirtualEngine starting at time zero.
func NewVirtualEngine() *VirtualEngine {
	return &VirtualEngine{pending: make(map[uint64]*pendingFire)}
}

// Now returns the engine's current virtual time.
func (e *VirtualEngine) Now() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

// NewTimer returns a Timer scheduled against this engine.
func (e *VirtualEngine) NewTimer(onTimeout func()) timerengine.Timer {
	return &virtualTimer{engine: e, callback: onTimeout}
}

// Advance moves the virtual clock forward by d, firing (in deadline order)
// every timer whose deadline falls at or before the new time. A callback
// that itself starts or restarts a timer may cause further fires within
// the same Advance if the new deadline also falls within [now, now+d].
func (e *VirtualEngine) Advance(d time.Duration) {
	e.mu.Lock()
	target := e.now + d
	e.mu.Unlock()

	for {
		e.mu.Lock()
		var dueID uint64
		var due *pendingFire
		earliestFound := false
		for id, p := range e.pending {
			if p.deadline > target {
				continue
			}
			if !earliestFound || p.deadline < due.deadline {
				dueID, due, earliestFound = id, p, true
			}
		}
		if !earliestFound {
			e.now = target
			e.mu.Unlock()
			return
		}
		delete(e.pending, dueID)
		e.now = due.deadline
		e.mu.Unlock()

		due.callback()
	}
}

func (e *VirtualEngine) schedule(id uint64, deadline time.Duration, callback func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending[id] = &pendingFire{deadline: deadline, callback: callback}
}

func (e *VirtualEngine) cancel(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, id)
}

func (e *VirtualEngine) allocateID() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	return e.nextID
}

type virtualTimer struct {
	engine   *VirtualEngine
	callback func()
	id       uint64
	armed    bool
}

func (t *virtualTimer) Start(d time.Duration) {
	if t.armed {
		t.engine.cancel(t.id)
	}
	t.id = t.engine.allocateID()
	t.armed = true
	t.engine.schedule(t.id, t.engine.Now()+d, t.callback)
}

func (t *virtualTimer) Restart(d time.Duration) {
	t.Start(d)
}

func (t *virtualTimer) Stop() {
	if t.armed {
		t.engine.cancel(t.id)
		t.armed = false
	}
}

// PendingCount reports how many timers are currently armed, for tests.
func (e *VirtualEngine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}
