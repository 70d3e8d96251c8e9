// Package timerengine abstracts the start/restart/stop timer primitive
// used by the key-exchange retransmit timer, the responder's minute-key
// rotation, and the registration client's re-registration schedule, so
// that all three can be driven either by wall-clock time in production or
// by a virtual clock in tests (see internal/simnet). Adapted in shape from
// the teacher's internal/recovery backoff helpers and from
// original_source's sim_timer_engine.h abstraction.
package timerengine

import (
	"sync"
	"time"
)

// Timer is a single scheduled callback. Start arms it; Restart re-arms it
// with a new duration, canceling any pending fire; Stop cancels it. A
// stopped or not-yet-started timer never fires.
type Timer interface {
	Start(d time.Duration)
	Restart(d time.Duration)
	Stop()
}

// Engine creates Timers. Components take an Engine at construction time
// rather than calling time.AfterFunc directly, so tests can substitute
// internal/simnet's virtual-clock engine.
type Engine interface {
	NewTimer(onTimeout func()) Timer
}

// RealEngine creates Timers backed by the real wall clock.
type RealEngine struct{}

// NewRealEngine returns an Engine backed by time.AfterFunc.
func NewRealEngine() RealEngine {
	return RealEngine{}
}

// NewTimer returns a Timer that invokes onTimeout on its own goroutine when
// it fires.
func (RealEngine) NewTimer(onTimeout func()) Timer {
	return &realTimer{callback: onTimeout}
}

type realTimer struct {
	mu       sync.Mutex
	callback func()
	inner    *time.Timer
}

func (t *realTimer) Start(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inner != nil {
		t.inner.Stop()
	}
	t.inner = time.AfterFunc(d, t.callback)
}

func (t *realTimer) Restart(d time.Duration) {
	t.Start(d)
}

func (t *realTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inner != nil {
		t.inner.Stop()
	}
}
