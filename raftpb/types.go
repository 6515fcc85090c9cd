// Package raftpb holds the wire and data-model types shared across the
// consensus packages: operation identifiers, peers, configs, and the
// persisted-state blob. Encoding follows the teacher's gob convention
// (see Marshal/Unmarshal in marshal.go) rather than a generated protobuf
// stack, since the peer RPC transport is an external collaborator reached
// through an interface (host.PeerRPCProxyFactory) and never needs to
// cross a language boundary here.
package raftpb

import (
	"fmt"

	"github.com/google/uuid"
)

// InvalidTerm is the zero value of a term, used before any election.
const InvalidTerm uint64 = 0

// InvalidIndex is the zero value of a log index.
const InvalidIndex uint64 = 0

// OpId identifies a single replicated operation. The total order is
// lexicographic on (Term, Index).
type OpId struct {
	Term  uint64
	Index uint64
}

// MinOpId is the OpId that compares less than or equal to every other OpId.
var MinOpId = OpId{Term: InvalidTerm, Index: InvalidIndex}

// Less reports whether id sorts strictly before other.
func (id OpId) Less(other OpId) bool {
	if id.Term != other.Term {
		return id.Term < other.Term
	}
	return id.Index < other.Index
}

// LessOrEqual reports whether id sorts at or before other.
func (id OpId) LessOrEqual(other OpId) bool {
	return id == other || id.Less(other)
}

func (id OpId) String() string {
	return fmt.Sprintf("(term:%d idx:%d)", id.Term, id.Index)
}

// MemberType distinguishes voters, who participate in quorums, from
// non-voters, who receive replication but never vote.
type MemberType int

const (
	VOTER MemberType = iota
	NON_VOTER
)

var memberTypeString = []string{"VOTER", "NON_VOTER"}

func (t MemberType) String() string {
	return memberTypeString[t]
}

// PeerAttrs are the mutable flags a config change can set on a peer.
type PeerAttrs struct {
	// Promote requests that a NON_VOTER be promoted to VOTER once it has
	// caught up to the leader's committed index.
	Promote bool
	// Replace marks a peer for replacement by a MODIFY_PEER change.
	Replace bool
}

// Peer is one member of a raft config.
type Peer struct {
	UUID    uuid.UUID
	Address string

	// Region partitions voters for flexi-raft. QuorumID, if set, further
	// subdivides a region into independent quorums; when empty the region
	// itself is the quorum.
	Region   string
	QuorumID string

	MemberType MemberType
	Attrs      PeerAttrs

	// LastKnownAddr is the most recently observed reachable address,
	// tracked even across address changes so routing can keep working.
	LastKnownAddr string
}

// QuorumKey returns the flexi-raft partition this peer votes in: its
// QuorumID when set, otherwise its Region.
func (p Peer) QuorumKey() string {
	if p.QuorumID != "" {
		return p.QuorumID
	}
	return p.Region
}

// CommitRuleMode selects how majority_replicated_index and election
// quorums are computed over a config's voters.
type CommitRuleMode int

const (
	// SingleRegionDynamic computes quorums as a majority of the leader's
	// own region; election must intersect the last leader's region too.
	SingleRegionDynamic CommitRuleMode = iota
	// StaticDisjunction is satisfied when ANY predicate in CommitRule.Predicates
	// is satisfied.
	StaticDisjunction
	// StaticConjunction is satisfied only when ALL predicates are satisfied.
	StaticConjunction
)

var commitRuleModeString = []string{
	"SINGLE_REGION_DYNAMIC",
	"STATIC_DISJUNCTION",
	"STATIC_CONJUNCTION",
}

func (m CommitRuleMode) String() string {
	return commitRuleModeString[m]
}

// RegionPredicate is satisfied iff at least K of Regions have achieved a
// per-region majority at a given index/term.
type RegionPredicate struct {
	Regions []string
	K       int
}

// CommitRule describes how a config's voters are combined into a quorum.
type CommitRule struct {
	Mode       CommitRuleMode
	QuorumType string
	Predicates []RegionPredicate
}

// Config is the full raft membership plus the rule used to compute commit
// and election quorums over it.
type Config struct {
	OpIDIndex uint64
	Peers     []Peer

	// VoterDistribution gives the expected voter count per region/quorum,
	// used to size per-region majorities even when a region is transiently
	// short a voter.
	VoterDistribution map[string]int

	CommitRule CommitRule

	// UnsafeConfigChange marks a config installed via UnsafeChangeConfig,
	// bypassing the normal CAS/pending-config protocol.
	UnsafeConfigChange bool
}

// Voters returns the VOTER members of the config.
func (c *Config) Voters() []Peer {
	out := make([]Peer, 0, len(c.Peers))
	for _, p := range c.Peers {
		if p.MemberType == VOTER {
			out = append(out, p)
		}
	}
	return out
}

// FindPeer returns the peer with the given UUID, if present.
func (c *Config) FindPeer(id uuid.UUID) (Peer, bool) {
	for _, p := range c.Peers {
		if p.UUID == id {
			return p, true
		}
	}
	return Peer{}, false
}

// Verify checks the structural invariants spec.md §3 places on a Config:
// exactly one peer per UUID, leader (if set) must be a voter, and every
// voter's region/quorum must be covered by VoterDistribution. leaderUUID
// may be the zero uuid.UUID when no leader is known.
func (c *Config) Verify(leaderUUID uuid.UUID) error {
	seen := make(map[uuid.UUID]struct{}, len(c.Peers))
	for _, p := range c.Peers {
		if _, dup := seen[p.UUID]; dup {
			return fmt.Errorf("duplicate peer uuid %s in config", p.UUID)
		}
		seen[p.UUID] = struct{}{}
	}

	if leaderUUID != uuid.Nil {
		leader, ok := c.FindPeer(leaderUUID)
		if !ok {
			return fmt.Errorf("leader %s not present in config", leaderUUID)
		}
		if leader.MemberType != VOTER {
			return fmt.Errorf("leader %s is not a voter", leaderUUID)
		}
	}

	for _, p := range c.Voters() {
		key := p.QuorumKey()
		if _, ok := c.VoterDistribution[key]; !ok {
			return fmt.Errorf("voter_distribution missing entry for region/quorum %q", key)
		}
	}
	return nil
}

// MajoritySize returns the smallest count that is a strict majority of n.
func MajoritySize(n int) int {
	return n/2 + 1
}
