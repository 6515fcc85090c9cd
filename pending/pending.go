// Package pending tracks in-flight replicated operations, keyed by log
// index, and fires their completion callbacks as the committed index
// advances or as a new leader aborts them (spec.md §4.3).
//
// Grounded on the teacher's holder.LogHolder apply/commit bookkeeping
// (raft/core/holder/log.go ApplyEntries/CommitTo), generalized from "slice
// of buffered log entries" to "map of pending callback-bearing rounds",
// since the log itself is an external collaborator here (host.LogCache)
// rather than something this package stores.
package pending

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/thinkermao/flexraft/internal/raftutil"
	"github.com/thinkermao/flexraft/raftpb"
)

// Callback is invoked exactly once per Round, with nil on commit or a
// non-nil error (typically errAborted) if the round is superseded.
type Callback func(err error)

// Round is a replicated operation awaiting commit.
type Round struct {
	ID        raftpb.OpId
	Msg       raftpb.ReplicateMsg
	BoundTerm uint64
	Callback  Callback
}

// ErrAborted is the error delivered to a round's callback when it is
// superseded by a new leader before committing.
var ErrAborted = fmt.Errorf("pending: round aborted, superseded by a new leader")

// Rounds is the ordered index->round map described in spec.md §4.3.
type Rounds struct {
	byIndex        map[uint64]*Round
	lastIndex      uint64
	committedIndex uint64
}

// New returns a Rounds positioned at committedIndex: Add requires the
// next round's index to be committedIndex+1.
func New(committedIndex uint64) *Rounds {
	return &Rounds{
		byIndex:        map[uint64]*Round{},
		lastIndex:      committedIndex,
		committedIndex: committedIndex,
	}
}

// CommittedIndex returns the highest index whose callback has fired OK.
func (r *Rounds) CommittedIndex() uint64 { return r.committedIndex }

// LastIndex returns the highest index ever accepted by Add.
func (r *Rounds) LastIndex() uint64 { return r.lastIndex }

// Add inserts round. It requires round.ID.Index == LastIndex()+1, unless a
// round already occupies that index — then Add only succeeds if the new
// round's term is strictly higher, in which case everything from that
// index onward is aborted first (spec.md §4.3).
func (r *Rounds) Add(round *Round) error {
	if round.ID.Index == r.lastIndex+1 {
		r.byIndex[round.ID.Index] = round
		r.lastIndex = round.ID.Index
		return nil
	}

	existing, ok := r.byIndex[round.ID.Index]
	if ok && round.ID.Term > existing.ID.Term {
		log.Infof("pending: round at index %d superseded [term %d -> %d]",
			round.ID.Index, existing.ID.Term, round.ID.Term)
		r.AbortOpsAfter(round.ID.Index - 1)
		r.byIndex[round.ID.Index] = round
		r.lastIndex = round.ID.Index
		return nil
	}

	return fmt.Errorf("pending: round index %d out of sequence (last: %d)",
		round.ID.Index, r.lastIndex)
}

// AdvanceCommitted moves the committed index forward to newIndex,
// invoking every round's callback with nil in ascending index order and
// removing it from the pending map. newIndex must be >= CommittedIndex().
func (r *Rounds) AdvanceCommitted(newIndex uint64) {
	raftutil.Assert(newIndex >= r.committedIndex,
		"pending: committed index must be monotonic: %d -> %d", r.committedIndex, newIndex)

	for i := r.committedIndex + 1; i <= newIndex; i++ {
		round, ok := r.byIndex[i]
		if !ok {
			continue
		}
		delete(r.byIndex, i)
		if round.Callback != nil {
			round.Callback(nil)
		}
	}
	r.committedIndex = newIndex
}

// AbortOpsAfter calls the callback of every round with index > index with
// ErrAborted and removes it from the map; lastIndex is pulled back to
// index.
func (r *Rounds) AbortOpsAfter(index uint64) {
	for i := index + 1; i <= r.lastIndex; i++ {
		round, ok := r.byIndex[i]
		if !ok {
			continue
		}
		delete(r.byIndex, i)
		if round.Callback != nil {
			round.Callback(ErrAborted)
		}
	}
	if index < r.lastIndex {
		r.lastIndex = index
	}
}

// GetPendingByIndex returns the round pending at index, if any.
func (r *Rounds) GetPendingByIndex(index uint64) (*Round, bool) {
	round, ok := r.byIndex[index]
	return round, ok
}

// CheckOpInSequence requires cur to directly follow prev: a term that has
// not gone backward, and an index exactly one past prev's.
func CheckOpInSequence(prev, cur raftpb.OpId) error {
	if cur.Term < prev.Term {
		return fmt.Errorf("pending: op %v has lower term than preceding op %v", cur, prev)
	}
	if cur.Index != prev.Index+1 {
		return fmt.Errorf("pending: op %v does not directly follow %v", cur, prev)
	}
	return nil
}
