package failuredetector

import (
	"sync"
	"testing"
	"time"

	"github.com/thinkermao/flexraft/host"
)

// fakeClock lets tests fire scheduled callbacks deterministically instead
// of waiting on real wall-clock time.
type fakeClock struct {
	mu      sync.Mutex
	pending []*fakeTimer
}

type fakeTimer struct {
	fn      func()
	stopped bool
}

func (t *fakeTimer) Reset(d time.Duration) bool { return !t.stopped }
func (t *fakeTimer) Stop() bool {
	wasLive := !t.stopped
	t.stopped = true
	return wasLive
}

func (c *fakeClock) Now() time.Time { return time.Time{} }

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) host.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{fn: fn}
	c.pending = append(c.pending, t)
	return t
}

// fireLatest invokes the most recently scheduled, still-live timer.
func (c *fakeClock) fireLatest() {
	c.mu.Lock()
	var t *fakeTimer
	for i := len(c.pending) - 1; i >= 0; i-- {
		if !c.pending[i].stopped {
			t = c.pending[i]
			break
		}
	}
	c.mu.Unlock()
	if t != nil {
		t.fn()
	}
}

func TestDetector_FiresStarterOnTimeout(t *testing.T) {
	clk := &fakeClock{}
	fired := make(chan struct{}, 1)
	d := New(clk, time.Millisecond, 3, true, func(mode ElectionMode, reason StartReason) {
		if mode != ModePreElection {
			t.Errorf("mode = %v, want ModePreElection", mode)
		}
		if reason != ReasonTimeout {
			t.Errorf("reason = %v, want ReasonTimeout", reason)
		}
		fired <- struct{}{}
	})

	d.Start()
	clk.fireLatest()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("starter was not invoked")
	}
}

func TestDetector_Stop_PreventsFire(t *testing.T) {
	clk := &fakeClock{}
	d := New(clk, time.Millisecond, 3, false, func(ElectionMode, StartReason) {
		t.Fatal("starter should not fire after Stop")
	})
	d.Start()
	d.Stop()
	clk.fireLatest()
}

func TestDetector_DropsTickWhileSchedulingLockHeld(t *testing.T) {
	clk := &fakeClock{}
	release := make(chan struct{})
	calls := make(chan struct{}, 2)
	d := New(clk, time.Millisecond, 3, false, func(ElectionMode, StartReason) {
		calls <- struct{}{}
		<-release
	})

	d.Start()
	clk.fireLatest() // first tick: starter runs and blocks on release

	select {
	case <-calls:
	case <-time.After(time.Second):
		t.Fatal("first tick never invoked starter")
	}

	clk.fireLatest() // a re-arm fired while still scheduling: should be dropped

	close(release)

	select {
	case <-calls:
		t.Fatal("starter fired twice; the busy tick should have been dropped")
	case <-time.After(50 * time.Millisecond):
	}
}
