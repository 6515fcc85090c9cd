// Package conf owns a replica's in-memory config and consensus metadata —
// current term, vote, leader, committed/pending config, previous-vote
// history, removed-peer set — and the write-through to durable storage
// (spec.md §4.1). Grounded on raft/core/conf/conf.go in the teacher,
// generalized from a single flat struct to one whose mutations flush
// through a host.MetadataPersister instead of being read back out field
// by field by the caller.
package conf

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/google/uuid"

	"github.com/thinkermao/flexraft/host"
	"github.com/thinkermao/flexraft/internal/raftutil"
	"github.com/thinkermao/flexraft/raftpb"
)

// FlushPolicy controls whether a mutation durably flushes immediately.
type FlushPolicy int

const (
	// Flush writes through synchronously before the mutator returns.
	Flush FlushPolicy = iota
	// SkipFlush defers the write: safe only when a mutation that will
	// itself flush is guaranteed to follow before the replica acts on the
	// skipped state (e.g. a term advance immediately followed by
	// recording a vote).
	SkipFlush
)

// Metadata is a replica's config and consensus metadata. All mutations are
// expected to be called with the raft core's coarse lock held; Metadata
// itself does no locking.
type Metadata struct {
	id uuid.UUID

	currentTerm uint64
	votedFor    *uuid.UUID
	leaderUUID  *uuid.UUID

	committedConfig raftpb.Config
	pendingConfig   *raftpb.Config

	// previousVoteHistory is kept sorted ascending by term.
	previousVoteHistory []raftpb.PreviousVote
	lastKnownLeader     raftpb.LeaderRef
	lastPrunedTerm      uint64
	removedPeers        []uuid.UUID
	raftRPCToken        *string

	persister host.MetadataPersister
}

// New constructs a Metadata for replica id backed by persister. Call Load
// to populate it from durable storage before use.
func New(id uuid.UUID, persister host.MetadataPersister) *Metadata {
	return &Metadata{id: id, persister: persister}
}

// Load reads the persisted blob and populates in-memory state.
func (m *Metadata) Load() error {
	state, err := m.persister.Load()
	if err != nil {
		return fmt.Errorf("conf: load metadata: %w", err)
	}
	if state == nil {
		log.Debugf("%s no persisted metadata found, starting fresh", m.id)
		return nil
	}

	m.currentTerm = state.CurrentTerm
	m.votedFor = state.VotedFor
	m.committedConfig = state.CommittedConfig
	m.pendingConfig = state.PendingConfig
	m.previousVoteHistory = append([]raftpb.PreviousVote(nil), state.PreviousVoteHistory...)
	m.lastKnownLeader = state.LastKnownLeader
	m.lastPrunedTerm = state.LastPrunedTerm
	m.removedPeers = append([]uuid.UUID(nil), state.RemovedPeers...)
	m.raftRPCToken = state.RaftRPCToken

	log.Infof("%s loaded metadata [term: %d, committed config idx: %d]",
		m.id, m.currentTerm, m.committedConfig.OpIDIndex)
	return nil
}

// snapshot builds the blob flushed to durable storage.
func (m *Metadata) snapshot() *raftpb.PersistedState {
	return &raftpb.PersistedState{
		CurrentTerm:         m.currentTerm,
		VotedFor:            m.votedFor,
		CommittedConfig:     m.committedConfig,
		PendingConfig:       m.pendingConfig,
		PreviousVoteHistory: append([]raftpb.PreviousVote(nil), m.previousVoteHistory...),
		LastKnownLeader:     m.lastKnownLeader,
		LastPrunedTerm:      m.lastPrunedTerm,
		RemovedPeers:        append([]uuid.UUID(nil), m.removedPeers...),
		RaftRPCToken:        m.raftRPCToken,
		AllowStartElection:  true,
	}
}

// Flush writes the current in-memory state through to durable storage.
func (m *Metadata) Flush() error {
	if err := m.persister.Flush(m.snapshot()); err != nil {
		log.Errorf("%s metadata flush failed: %v", m.id, err)
		return fmt.Errorf("conf: flush metadata: %w", err)
	}
	return nil
}

func (m *Metadata) maybeFlush(policy FlushPolicy) error {
	if policy == SkipFlush {
		log.Debugf("%s skipping flush, deferred to a subsequent mutation", m.id)
		return nil
	}
	return m.Flush()
}

// CurrentTerm returns the replica's current term.
func (m *Metadata) CurrentTerm() uint64 { return m.currentTerm }

// VotedFor returns who the replica voted for in CurrentTerm, if anyone.
func (m *Metadata) VotedFor() (uuid.UUID, bool) {
	if m.votedFor == nil {
		return uuid.Nil, false
	}
	return *m.votedFor, true
}

// LeaderUUID returns the replica's believed leader for CurrentTerm, if any.
func (m *Metadata) LeaderUUID() (uuid.UUID, bool) {
	if m.leaderUUID == nil {
		return uuid.Nil, false
	}
	return *m.leaderUUID, true
}

// CommittedConfig returns the committed config.
func (m *Metadata) CommittedConfig() raftpb.Config { return m.committedConfig }

// PendingConfig returns the pending config, if any.
func (m *Metadata) PendingConfig() (raftpb.Config, bool) {
	if m.pendingConfig == nil {
		return raftpb.Config{}, false
	}
	return *m.pendingConfig, true
}

// ActiveConfig returns the pending config when one exists, else the
// committed config — the config currently in effect (spec.md's "pending
// config ... takes effect immediately on receipt").
func (m *Metadata) ActiveConfig() raftpb.Config {
	if m.pendingConfig != nil {
		return *m.pendingConfig
	}
	return m.committedConfig
}

// LastKnownLeader returns the highest-term leader any voter has reported.
func (m *Metadata) LastKnownLeader() raftpb.LeaderRef { return m.lastKnownLeader }

// LastPrunedTerm returns the oldest term still represented in
// PreviousVoteHistory; earlier terms have been pruned.
func (m *Metadata) LastPrunedTerm() uint64 { return m.lastPrunedTerm }

// PreviousVoteHistory returns the replica's recorded vote history, sorted
// ascending by term.
func (m *Metadata) PreviousVoteHistory() []raftpb.PreviousVote {
	return append([]raftpb.PreviousVote(nil), m.previousVoteHistory...)
}

// RemovedPeers returns the set of peers known to have been removed from
// the config history.
func (m *Metadata) RemovedPeers() []uuid.UUID {
	return append([]uuid.UUID(nil), m.removedPeers...)
}

// SetCurrentTerm advances the term. It rejects a non-monotonic update.
func (m *Metadata) SetCurrentTerm(term uint64, policy FlushPolicy) error {
	if term < m.currentTerm {
		return fmt.Errorf("conf: refusing to move term backward: %d -> %d", m.currentTerm, term)
	}
	if term == m.currentTerm {
		return nil
	}

	log.Infof("%s term advance %d -> %d", m.id, m.currentTerm, term)
	m.currentTerm = term
	// A term advancement clears voted_for before any vote in the new term
	// is recorded (spec.md §5 ordering guarantee).
	m.ClearVotedFor()
	m.leaderUUID = nil
	return m.maybeFlush(policy)
}

// SetVotedFor records a vote for CurrentTerm. Always flushes: a granted
// vote must be durable before the response is sent (spec.md §5).
func (m *Metadata) SetVotedFor(candidate uuid.UUID) error {
	id := candidate
	m.votedFor = &id
	return m.Flush()
}

// ClearVotedFor clears the recorded vote, used on term advance.
func (m *Metadata) ClearVotedFor() {
	m.votedFor = nil
}

// SetLeaderUUID records the believed leader for the current term.
func (m *Metadata) SetLeaderUUID(id uuid.UUID) {
	leader := id
	m.leaderUUID = &leader
	if id != uuid.Nil {
		m.lastKnownLeader = raftpb.LeaderRef{UUID: id, Term: m.currentTerm}
	}
}

// SetPendingConfig installs a pending config. Refuses to overwrite an
// existing pending config (spec.md's "one config change at a time")
// unless unsafe is set.
func (m *Metadata) SetPendingConfig(c raftpb.Config) error {
	if m.pendingConfig != nil && !c.UnsafeConfigChange {
		return fmt.Errorf("conf: a config change is already pending at index %d",
			m.pendingConfig.OpIDIndex)
	}
	raftutil.Assert(c.OpIDIndex > m.committedConfig.OpIDIndex,
		"%s pending config idx %d must exceed committed idx %d",
		m.id, c.OpIDIndex, m.committedConfig.OpIDIndex)

	cfg := c
	m.pendingConfig = &cfg
	return nil
}

// SetCommittedConfig installs c as committed and clears any pending
// config.
func (m *Metadata) SetCommittedConfig(c raftpb.Config) error {
	m.committedConfig = c
	m.pendingConfig = nil
	return m.Flush()
}

// ClearPendingConfigIfMatches clears the pending config only if it has the
// given opid-index, matching spec.md's abort rule: "on abort, pending is
// cleared if and only if it matched the aborted round's opid-index."
func (m *Metadata) ClearPendingConfigIfMatches(opIndex uint64) {
	if m.pendingConfig != nil && m.pendingConfig.OpIDIndex == opIndex {
		m.pendingConfig = nil
	}
}

// AppendPreviousVote records a vote cast at term for candidate, keeping
// the history sorted by term.
func (m *Metadata) AppendPreviousVote(term uint64, candidate uuid.UUID) {
	m.previousVoteHistory = append(m.previousVoteHistory, raftpb.PreviousVote{
		Term: term, CandidateUUID: candidate,
	})
}

// PruneVoteHistoryBefore drops history entries older than term, recording
// the new LastPrunedTerm.
func (m *Metadata) PruneVoteHistoryBefore(term uint64) {
	kept := m.previousVoteHistory[:0]
	for _, v := range m.previousVoteHistory {
		if v.Term >= term {
			kept = append(kept, v)
		}
	}
	m.previousVoteHistory = kept
	if term > m.lastPrunedTerm {
		m.lastPrunedTerm = term
	}
}
