// Package failuredetector implements the periodic one-shot election
// timer spec.md §4.6 describes: started while the local peer is a voter
// and not leader, snoozed on any sign of a live leader, and firing an
// asynchronous election start when it isn't.
//
// Grounded on the teacher's utils.StartTimer (raft/utils/time.go), a
// goroutine wrapping a restartable timer with a stop channel; this
// package generalizes that to the jittered period and the
// scheduling-lock drop-on-busy rule spec.md §4.6 adds.
package failuredetector

import (
	"math/rand"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/thinkermao/flexraft/host"
)

// StartReason is why an election is being started.
type StartReason int

const (
	ReasonTimeout StartReason = iota
	ReasonExplicitRequest
)

func (r StartReason) String() string {
	if r == ReasonExplicitRequest {
		return "EXPLICIT_REQUEST"
	}
	return "TIMEOUT"
}

// ElectionMode mirrors election.Mode without importing it, so this
// package stays a leaf (no dependency on the election driver).
type ElectionMode int

const (
	ModePreElection ElectionMode = iota
	ModeNormal
)

// Starter is called when the detector fires; the raft core (§4.7) wires
// this to its own campaign-launching logic.
type Starter func(mode ElectionMode, reason StartReason)

// Detector is the per-replica failure detector (spec.md §4.6).
type Detector struct {
	clock             host.Clock
	heartbeatInterval time.Duration
	maxMissed         int
	preElectionFirst  bool
	start             Starter

	mu        sync.Mutex
	timer     host.Timer
	running   bool
	scheduling bool
}

// New returns a Detector. heartbeatInterval*maxMissed is the base period;
// preElectionFirst selects PRE_ELECTION over NORMAL on fire.
func New(clock host.Clock, heartbeatInterval time.Duration, maxMissed int, preElectionFirst bool, start Starter) *Detector {
	return &Detector{
		clock:             clock,
		heartbeatInterval: heartbeatInterval,
		maxMissed:         maxMissed,
		preElectionFirst:  preElectionFirst,
		start:             start,
	}
}

func (d *Detector) period() time.Duration {
	base := d.heartbeatInterval * time.Duration(d.maxMissed)
	jitter := time.Duration(rand.Int63n(int64(base) / 2))
	return base + jitter
}

// Start arms the detector; safe to call when already running (re-arms
// with a fresh jittered period). Callers invoke this when the local peer
// becomes a voter, or drops leadership.
func (d *Detector) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = true
	d.armLocked()
}

// Stop disarms the detector; callers invoke this on becoming leader or a
// non-voter.
func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = false
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// Snooze reschedules the detector's next fire, without changing whether
// it is running. Callers invoke this on accepting a leader update or
// casting a vote (spec.md §4.6).
func (d *Detector) Snooze() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return
	}
	d.armLocked()
}

// SnoozeWithBackoff re-arms with period multiplied by 2^attempt, capped
// so repeated failed elections back off instead of retrying in a tight
// loop (spec.md §4.5.1's "snoozes its failure detector with exponential
// backoff").
func (d *Detector) SnoozeWithBackoff(attempt int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return
	}
	backoff := d.period()
	for i := 0; i < attempt && i < 6; i++ {
		backoff *= 2
	}
	d.armWithPeriodLocked(backoff)
}

func (d *Detector) armLocked() {
	d.armWithPeriodLocked(d.period())
}

func (d *Detector) armWithPeriodLocked(period time.Duration) {
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = d.clock.AfterFunc(period, d.fire)
}

func (d *Detector) fire() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	if d.scheduling {
		// A previous fire's election hasn't been launched yet; drop this
		// tick rather than pile up elections (spec.md §4.6).
		log.Debugf("failuredetector: tick dropped, scheduling lock held")
		d.armLocked()
		d.mu.Unlock()
		return
	}
	d.scheduling = true
	d.armLocked()
	mode := ModeNormal
	if d.preElectionFirst {
		mode = ModePreElection
	}
	d.mu.Unlock()

	go func() {
		d.start(mode, ReasonTimeout)
		d.mu.Lock()
		d.scheduling = false
		d.mu.Unlock()
	}()
}
