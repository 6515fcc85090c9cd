// Package host declares the narrow interfaces through which the consensus
// core reaches every external collaborator spec.md §6 names: the
// write-ahead log, the durable metadata store, the peer RPC transport, the
// higher-level state machine, and timers/metrics. The core never imports a
// concrete transport or storage engine directly.
package host

import (
	"time"

	"github.com/thinkermao/flexraft/raftpb"
)

// LogCache is the write-ahead log, reduced to the operations the
// consensus core needs: append, read-by-index, truncate, and a blocking
// read used by the proxy handler (spec §4.8 step 3).
type LogCache interface {
	// Append enqueues a single entry for durable storage, invoking cb when
	// the write (and any fsync barrier it requires) has completed.
	Append(entry raftpb.Entry, cb func(error))

	// AppendBatch is the batched form of Append.
	AppendBatch(entries []raftpb.Entry, cb func(error))

	// TruncateOpsAfter discards every entry with index > after. It returns
	// the index truncation actually stopped at, which can be less than
	// after if entries beyond the cache's retention window were already
	// gone.
	TruncateOpsAfter(after uint64) (truncatedTo *uint64, err error)

	// BlockingReadOps reads entries with index > afterIndex, up to
	// maxBytes, blocking until data is available or deadline elapses. It
	// returns the entries found and the OpId immediately preceding the
	// first one returned.
	BlockingReadOps(afterIndex uint64, maxBytes int, deadline time.Duration) (
		entries []raftpb.Entry, preceding raftpb.OpId, err error)

	// GetLastOpIdInLog returns the OpId of the most recently appended
	// entry, or raftpb.MinOpId if the log is empty.
	GetLastOpIdInLog() raftpb.OpId
}

// MetadataPersister is the durable consensus-metadata store: atomic
// flush-through for the blob described in spec.md §6.
type MetadataPersister interface {
	Load() (*raftpb.PersistedState, error)
	Flush(state *raftpb.PersistedState) error
}

// RoundHandler is the higher-level state machine that consumes committed
// operations.
type RoundHandler interface {
	StartFollowerTransaction(entry raftpb.Entry) error
	StartConsensusOnlyRound(entry raftpb.Entry) error
	FinishConsensusOnlyRound(entry raftpb.Entry)
}

// CancelFunc cancels an in-flight RPC started through PeerProxy.
type CancelFunc func()

// PeerProxy is a handle for async RPCs to one peer.
type PeerProxy interface {
	RequestConsensusVote(req *raftpb.VoteRequest, cb func(*raftpb.VoteResponse, error)) CancelFunc
	UpdateConsensus(req *raftpb.ConsensusRequest, cb func(*raftpb.ConsensusResponse, error)) CancelFunc
}

// PeerRPCProxyFactory builds a PeerProxy for a given peer record.
type PeerRPCProxyFactory interface {
	NewProxy(peer raftpb.Peer) (PeerProxy, error)
}

// Timer is a single scheduled callback, restartable without reallocating.
type Timer interface {
	// Reset reschedules the timer to fire after d, canceling any pending
	// fire. It returns false if the timer had already fired or been
	// stopped.
	Reset(d time.Duration) bool
	// Stop cancels the timer. It returns false if the timer had already
	// fired or been stopped.
	Stop() bool
}

// Clock is the external time/scheduling primitive the failure detector and
// leader-transfer timer are built on.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// MetricSink is the external metrics collaborator; narrow on purpose so a
// no-op implementation costs nothing.
type MetricSink interface {
	IncCounter(name string, tags ...string)
	ObserveLatency(name string, d time.Duration)
}

// NopMetricSink discards everything; the default when no sink is wired.
type NopMetricSink struct{}

func (NopMetricSink) IncCounter(name string, tags ...string)          {}
func (NopMetricSink) ObserveLatency(name string, d time.Duration)     {}
