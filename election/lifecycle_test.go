package election

import "testing"

func TestLifecycle_HappyPath(t *testing.T) {
	l := NewLifecycle()
	transitions := []State{Initialized, Running, Running, Stopping, Stopped, Shutdown}
	for i, next := range transitions {
		if err := l.Transition(next); err != nil {
			t.Fatalf("#%d: Transition(%v): %v", i, next, err)
		}
	}
	if l.State() != Shutdown {
		t.Errorf("State = %v, want Shutdown", l.State())
	}
}

func TestLifecycle_RejectsSkippingState(t *testing.T) {
	l := NewLifecycle()
	if err := l.Transition(Running); err == nil {
		t.Fatalf("expected error transitioning New -> Running directly")
	}
}

func TestLifecycle_CanVote(t *testing.T) {
	tests := []struct {
		state        State
		external     bool
		wantCanVote  bool
	}{
		{New, false, false},
		{New, true, true},
		{Running, false, true},
		{Shutdown, true, false},
	}
	for i, test := range tests {
		l := &Lifecycle{state: test.state}
		if got := l.CanVote(test.external); got != test.wantCanVote {
			t.Errorf("#%d: CanVote(%v) in state %v = %v, want %v", i, test.external, test.state, got, test.wantCanVote)
		}
	}
}

func TestLifecycle_CanWrite_OnlyRunning(t *testing.T) {
	for _, s := range []State{New, Initialized, Running, Stopping, Stopped, Shutdown} {
		l := &Lifecycle{state: s}
		want := s == Running
		if got := l.CanWrite(); got != want {
			t.Errorf("CanWrite in state %v = %v, want %v", s, got, want)
		}
	}
}
