package raftpb

import "github.com/google/uuid"

// OpType distinguishes the kinds of operations that flow through the log.
type OpType int

const (
	OpNormal OpType = iota
	OpNoOp
	OpChangeConfig
	// OpProxy is a placeholder entry: it carries only an OpId, standing in
	// for an operation a multi-hop proxy has not yet reconstituted from its
	// own log cache (spec §4.8).
	OpProxy
)

var opTypeString = []string{"NORMAL", "NO_OP", "CHANGE_CONFIG", "PROXY_OP"}

func (t OpType) String() string {
	return opTypeString[t]
}

// ReplicateMsg is the payload of a single replicated operation, before it
// has been assigned an OpId by the peer queue.
type ReplicateMsg struct {
	OpType  OpType
	Payload []byte
	// CRC32 guards Payload when set; followers validate it during prepare
	// (spec §4.7.1 step 8) and report Corruption on mismatch.
	CRC32 *uint32

	// ConfChange carries the new config for an OpChangeConfig message.
	ConfChange *Config
}

// Entry is a ReplicateMsg bound to a log position.
type Entry struct {
	ID  OpId
	Msg ReplicateMsg
}

// ConsensusErrorCode enumerates the reasons a ConsensusResponse or
// VoteResponse can carry a user-visible failure (spec §7).
type ConsensusErrorCode int

const (
	ErrNone ConsensusErrorCode = iota
	ErrInvalidTerm
	ErrPrecedingEntryDidntMatch
	ErrLastOpIdTooOld
	ErrLeaderIsAlive
	ErrAlreadyVoted
	ErrVoteWithheld
	ErrConsensusBusy
	ErrIllegalState
	ErrInvalidArgument
	ErrAborted
	ErrNotFound
	ErrServiceUnavailable
	ErrCorruption
	ErrTimedOut
	ErrAlreadyPresent
	ErrCASFailed
)

var consensusErrorCodeString = []string{
	"NONE", "INVALID_TERM", "PRECEDING_ENTRY_DIDNT_MATCH", "LAST_OPID_TOO_OLD",
	"LEADER_IS_ALIVE", "ALREADY_VOTED", "VOTE_WITHELD", "CONSENSUS_BUSY",
	"ILLEGAL_STATE", "INVALID_ARGUMENT", "ABORTED", "NOT_FOUND",
	"SERVICE_UNAVAILABLE", "CORRUPTION", "TIMED_OUT", "ALREADY_PRESENT",
	"CAS_FAILED",
}

func (c ConsensusErrorCode) String() string {
	return consensusErrorCodeString[c]
}

// ConsensusError is the typed, user-visible failure reason carried inside
// an otherwise-OK-at-the-transport-level response (spec §7).
type ConsensusError struct {
	Code    ConsensusErrorCode
	Message string
}

func (e *ConsensusError) Error() string {
	if e == nil {
		return ""
	}
	return e.Code.String() + ": " + e.Message
}

// LeaderRef names a replica believed to be (or to have been) leader at a
// term.
type LeaderRef struct {
	UUID uuid.UUID
	Term uint64
}

// PreviousVote is one entry of a replica's previous-vote history: the
// candidate it voted for at a given term.
type PreviousVote struct {
	Term          uint64
	CandidateUUID uuid.UUID
}

// ConsensusRequest is the AppendEntries-equivalent RPC: a leader (or a
// proxying follower) pushing ops to a follower.
type ConsensusRequest struct {
	CallerUUID uuid.UUID
	CallerTerm uint64

	PrecedingID OpId
	Ops         []Entry

	CommittedIndex          uint64
	AllReplicatedIndex      uint64
	SafeTimestamp           *int64
	LastIdxAppendedToLeader uint64
	RegionDurableIndex      *uint64

	RaftRPCToken *string

	// Proxy fields, set only when this request must hop through an
	// intermediate follower before reaching its destination (spec §4.8).
	ProxyDestUUID      *uuid.UUID
	ProxyCallerUUID    *uuid.UUID
	ProxyHopsRemaining *int
}

// ConsensusResponseStatus is the status payload of a ConsensusResponse.
type ConsensusResponseStatus struct {
	LastReceived              OpId
	LastReceivedCurrentLeader OpId
	LastCommittedIdx          uint64
	Error                     *ConsensusError
}

// ConsensusResponse is the reply to a ConsensusRequest.
type ConsensusResponse struct {
	ResponderUUID uuid.UUID
	ResponderTerm uint64
	Status        ConsensusResponseStatus
}

// CandidatePeerInfo accompanies a vote request with context about the
// requesting candidate, analogous to Kudu's candidate_peer_pb.
type CandidatePeerInfo struct {
	TabletID string
	Peer     Peer
}

// VoteRequest is the RequestVote-equivalent RPC.
type VoteRequest struct {
	CandidateUUID    uuid.UUID
	CandidateTerm    uint64
	LastReceived     OpId
	IsPreElection    bool
	IgnoreLiveLeader bool
	CandidateContext CandidatePeerInfo
	RPCToken         *string
}

// VoterContext is diagnostic context a voter attaches to its response.
type VoterContext struct {
	IsCandidateRemoved bool
}

// VoteResponse is the reply to a VoteRequest.
type VoteResponse struct {
	ResponderUUID       uuid.UUID
	ResponderTerm       uint64
	VoteGranted         bool
	ConsensusError      *ConsensusError
	PreviousVoteHistory []PreviousVote
	LastPrunedTerm      uint64
	LastKnownLeader     LeaderRef
	VoterContext        VoterContext
}

// ConfChangeType enumerates the single-voter-status-modifying config change
// kinds spec §4.7.4 allows per request.
type ConfChangeType int

const (
	ConfChangeAddPeer ConfChangeType = iota
	ConfChangeRemovePeer
	ConfChangeModifyPeer
)

var confChangeTypeString = []string{"ADD_PEER", "REMOVE_PEER", "MODIFY_PEER"}

func (t ConfChangeType) String() string {
	return confChangeTypeString[t]
}

// PeerChange is one change within a (possibly bulk) config-change request.
type PeerChange struct {
	Type ConfChangeType
	Peer Peer
}

// ConfChangeRequest is the input to ChangeConfig/BulkChangeConfig.
type ConfChangeRequest struct {
	CASConfigOpIDIndex uint64
	Changes            []PeerChange
}

// PersistedState is the single flushable blob a replica's metadata store
// persists (spec §6).
type PersistedState struct {
	CurrentTerm         uint64
	VotedFor            *uuid.UUID
	CommittedConfig     Config
	PendingConfig       *Config
	PreviousVoteHistory []PreviousVote
	LastKnownLeader     LeaderRef
	LastPrunedTerm      uint64
	RemovedPeers        []uuid.UUID
	RaftRPCToken        *string
	AllowStartElection  bool
}

func (s *PersistedState) Reset() { *s = PersistedState{} }
