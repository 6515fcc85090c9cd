package peerqueue

import (
	"time"

	"github.com/thinkermao/flexraft/raftpb"
)

// ExchangeStatus is the outcome of the most recent AppendEntries-equivalent
// exchange with a tracked peer.
type ExchangeStatus int

const (
	ExchangeNew ExchangeStatus = iota
	ExchangeOK
	ExchangeLMPMismatch
	ExchangeInvalidTerm
	ExchangeRPCError
	ExchangeTabletFailed
)

var exchangeStatusString = []string{
	"NEW", "OK", "LMP_MISMATCH", "INVALID_TERM", "RPC_ERROR", "TABLET_FAILED",
}

func (s ExchangeStatus) String() string { return exchangeStatusString[s] }

// Health is the coarse liveness signal the failure detector and the
// promotion/eviction logic read.
type Health int

const (
	Healthy Health = iota
	Unhealthy
)

func (h Health) String() string {
	if h == Healthy {
		return "HEALTHY"
	}
	return "UNHEALTHY"
}

// TrackedPeer is the leader's view of one member of the active config, or
// (in NON_LEADER mode) of the local peer itself.
type TrackedPeer struct {
	Peer raftpb.Peer

	NextIndex    uint64
	LastReceived raftpb.OpId

	LastKnownCommittedIndex uint64

	LastExchangeStatus ExchangeStatus
	LastCommTime       time.Time

	Health Health
	// notifiedUnhealthy guards NotifyFailedFollower against re-firing every
	// tick once a peer has already been reported down.
	notifiedUnhealthy bool

	// NeedsTabletCopy is set when the leader's log no longer has the
	// entries this peer needs (next_index predates the log's retained
	// window); spec's Non-goals exclude snapshot transfer, so this module
	// only surfaces the signal, it never acts on it.
	NeedsTabletCopy bool
}

func newTrackedPeer(peer raftpb.Peer, nextIndex uint64, now time.Time) *TrackedPeer {
	return &TrackedPeer{
		Peer:               peer,
		NextIndex:          nextIndex,
		LastReceived:       raftpb.MinOpId,
		LastExchangeStatus: ExchangeNew,
		LastCommTime:       now,
		Health:             Healthy,
	}
}
