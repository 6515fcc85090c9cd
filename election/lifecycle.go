// Package election drives candidate campaigns, tallies votes (both the
// classic majority-of-N rule and flexi-raft's region-aware rule), and
// tracks the per-replica lifecycle state spec.md §4.5.6 describes.
//
// Grounded on the teacher's raft/core/core_internal.go campaign/
// becomeCandidate sequence for the driver shape, and on Kudu's
// leader_election.cc (VoteCounter, FlexibleVoteCounter,
// ComputeElectionResultFromVotingHistory) for the region-aware tally and
// voting-history inference, which the teacher has no equivalent for.
package election

import "fmt"

// State is a replica's lifecycle stage (spec.md §4.5.6). Transitions are
// only ever made in the listed order, except the Running/Stopping/Stopped
// trio, which absorb repeated calls in place.
type State int

const (
	New State = iota
	Initialized
	Running
	Stopping
	Stopped
	Shutdown
)

var stateString = []string{
	"NEW", "INITIALIZED", "RUNNING", "STOPPING", "STOPPED", "SHUTDOWN",
}

func (s State) String() string { return stateString[s] }

// validTransitions lists every state a replica may move to directly from
// a given state.
var validTransitions = map[State][]State{
	New:         {Initialized},
	Initialized: {Running},
	Running:     {Running, Stopping},
	Stopping:    {Stopping, Stopped},
	Stopped:     {Stopped, Shutdown},
	Shutdown:    {},
}

// Lifecycle is the per-replica state machine spec.md §4.5.6 describes.
type Lifecycle struct {
	state State
}

// NewLifecycle returns a Lifecycle in the New state.
func NewLifecycle() *Lifecycle { return &Lifecycle{state: New} }

// State returns the current state.
func (l *Lifecycle) State() State { return l.state }

// Transition moves the lifecycle to next, rejecting any move not listed
// in validTransitions.
func (l *Lifecycle) Transition(next State) error {
	for _, allowed := range validTransitions[l.state] {
		if allowed == next {
			l.state = next
			return nil
		}
	}
	return fmt.Errorf("election: illegal lifecycle transition %s -> %s", l.state, next)
}

// CanVote reports whether a vote request may be serviced: always in
// Running, and in any pre-Shutdown state when the caller can supply the
// voter's last-logged OpId from outside the normal running path (e.g.
// while still replaying the log at startup).
func (l *Lifecycle) CanVote(haveExternalLastLoggedOpId bool) bool {
	if l.state == Running {
		return true
	}
	return haveExternalLastLoggedOpId && l.state != Shutdown
}

// CanWrite reports whether the replica may accept new writes: only while
// Running.
func (l *Lifecycle) CanWrite() bool {
	return l.state == Running
}
