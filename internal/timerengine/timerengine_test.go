package timerengine

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestRealEngine_FiresAfterDuration(t *testing.T) {
	engine := NewRealEngine()
	var fired int32
	timer := engine.NewTimer(func() { atomic.AddInt32(&fired, 1) })
	timer.Start(10 * time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 1 {
		t.Errorf("fired = %d, want 1", atomic.LoadInt32(&fired))
	}
}

func TestRealEngine_StopPreventsFire(t *testing.T) {
	engine := NewRealEngine()
	var fired int32
	timer := engine.NewTimer(func() { atomic.AddInt32(&fired, 1) })
	timer.Start(20 * time.Millisecond)
	timer.Stop()

	time.Sleep(60 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Errorf("fired = %d, want 0 after Stop()", atomic.LoadInt32(&fired))
	}
}

func TestRealEngine_RestartDelaysFire(t *testing.T) {
	engine := NewRealEngine()
	var fired int32
	timer := engine.NewTimer(func() { atomic.AddInt32(&fired, 1) })
	timer.Start(15 * time.Millisecond)

	time.Sleep(5 * time.Millisecond)
	timer.Restart(40 * time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Error("Restart() did not cancel the earlier pending fire")
	}

	time.Sleep(40 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 1 {
		t.Errorf("fired = %d, want 1 after the restarted duration elapsed", atomic.LoadInt32(&fired))
	}
}
