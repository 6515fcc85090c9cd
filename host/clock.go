package host

import "time"

// SystemClock is the production Clock, backed by time.AfterFunc. It plays
// the role the teacher's utils.StartTimer (raft/utils/time.go) plays for
// the bior core: a thin wrapper so the consensus packages never touch
// time.Timer directly.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return &systemTimer{t: time.AfterFunc(d, fn)}
}

type systemTimer struct {
	t *time.Timer
}

func (s *systemTimer) Reset(d time.Duration) bool { return s.t.Reset(d) }
func (s *systemTimer) Stop() bool                 { return s.t.Stop() }
