package flexraft

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/google/uuid"

	"github.com/thinkermao/flexraft/conf"
	"github.com/thinkermao/flexraft/election"
	"github.com/thinkermao/flexraft/failuredetector"
	"github.com/thinkermao/flexraft/host"
	"github.com/thinkermao/flexraft/peerqueue"
	"github.com/thinkermao/flexraft/pending"
	"github.com/thinkermao/flexraft/proxy"
	"github.com/thinkermao/flexraft/raftpb"
	"github.com/thinkermao/flexraft/routing"
)

// ReplicaConfig is the fixed configuration a Replica is built from; every
// field is a tunable named in spec.md §6 or a collaborator named in §6's
// host-interface table.
type ReplicaConfig struct {
	ID uuid.UUID

	Logs      host.LogCache
	Persister host.MetadataPersister
	Rounds    host.RoundHandler
	Factory   host.PeerRPCProxyFactory
	Clock     host.Clock
	Metrics   host.MetricSink

	RoutingPolicy routing.Policy

	HeartbeatInterval  time.Duration
	MaxMissedHeartbeats int
	PreElectionFirst   bool
	ElectionTimeout    time.Duration
	MinElectionTimeout time.Duration
	LagThreshold       uint64

	PeerHealthThreshold time.Duration
	MaxBatchBytes       int
	ProxyWaitTime       time.Duration

	// CrowdsourceWindow bounds how long a campaign waits for a classic
	// decision before falling back to spec.md §4.5.3 step 5's
	// voting-history inference on a gap election. Zero disables the
	// fallback.
	CrowdsourceWindow time.Duration
	// TrackLeaderContinuity is a preserved flag surface (spec.md §9(b)):
	// it is read once at construction and never branched on here.
	TrackLeaderContinuity bool

	// MemoryPressure reports the soft-memory-limit check spec.md §4.7.1
	// step 7 names; nil means the check never trips.
	MemoryPressure func() bool
	// RejectUpdates gates spec.md §4.7.1 step 1's early rejection; nil
	// means updates are never rejected up front.
	RejectUpdates func() bool
}

// Replica is the root consensus coordinator (spec.md §4.7): term, vote,
// role, config, pending rounds and peer watermarks, serialized behind the
// two-lock U-then-S model spec.md §4.7 describes. Every durable or
// networked concern is reached through the host interfaces its
// collaborators were built against.
type Replica struct {
	id uuid.UUID

	// lockU serializes concurrent Update calls (spec.md §4.7: "a second
	// lock U, taken before S"). lockS protects everything else: term,
	// vote, role, config, pending rounds, peer-queue state.
	lockU sync.Mutex
	lockS sync.Mutex

	meta          *conf.Metadata
	routes        *routing.Table
	pendingRounds *pending.Rounds
	queue         *peerqueue.Queue
	lifecycle     *election.Lifecycle
	fd            *failuredetector.Detector
	proxyHandler  *proxy.Handler

	logs    host.LogCache
	rounds  host.RoundHandler
	clock   host.Clock
	factory host.PeerRPCProxyFactory
	metrics host.MetricSink

	routingPolicy routing.Policy

	role Role

	electionTimeout    time.Duration
	minElectionTimeout time.Duration
	heartbeatInterval  time.Duration
	lagThreshold       uint64

	memoryPressure func() bool
	rejectUpdates  func() bool

	crowdsourceWindow     time.Duration
	trackLeaderContinuity bool

	testWithholdVotes bool

	lastHeartbeatFromLeader time.Time
	firstIndexInCurrentTerm *uint64

	leaderTransferInProgress bool
	successorNotified        bool
	transferTimer            host.Timer
}

// NewReplica constructs a Replica from cfg. Call Load then Start before
// driving it.
func NewReplica(cfg ReplicaConfig) *Replica {
	r := &Replica{
		id:                  cfg.ID,
		logs:                cfg.Logs,
		rounds:              cfg.Rounds,
		clock:               cfg.Clock,
		factory:             cfg.Factory,
		metrics:             cfg.Metrics,
		routingPolicy:       cfg.RoutingPolicy,
		electionTimeout:     cfg.ElectionTimeout,
		minElectionTimeout:  cfg.MinElectionTimeout,
		heartbeatInterval:   cfg.HeartbeatInterval,
		lagThreshold:        cfg.LagThreshold,
		memoryPressure:      cfg.MemoryPressure,
		rejectUpdates:       cfg.RejectUpdates,
		crowdsourceWindow:     cfg.CrowdsourceWindow,
		trackLeaderContinuity: cfg.TrackLeaderContinuity,
		role:                Follower,
		lifecycle:           election.NewLifecycle(),
		routes:              routing.New(),
	}
	if r.metrics == nil {
		r.metrics = host.NopMetricSink{}
	}

	r.meta = conf.New(cfg.ID, cfg.Persister)
	r.queue = peerqueue.New(cfg.ID, cfg.Logs, r.routes, r, cfg.PeerHealthThreshold, cfg.MaxBatchBytes)
	r.fd = failuredetector.New(cfg.Clock, cfg.HeartbeatInterval, cfg.MaxMissedHeartbeats, cfg.PreElectionFirst, r.onFailureDetectorFired)
	r.proxyHandler = proxy.New(cfg.ID, r.routes, cfg.Logs, cfg.Factory, r.resolvePeer, cfg.ProxyWaitTime)
	return r
}

// Load populates in-memory metadata from durable storage and readies the
// pending-round and routing state from it. Must be called before Start.
func (r *Replica) Load() error {
	r.lockS.Lock()
	defer r.lockS.Unlock()

	if err := r.meta.Load(); err != nil {
		return err
	}
	r.pendingRounds = pending.New(r.meta.CommittedConfig().OpIDIndex)
	// The committed config's opid_index is a config-change marker, not the
	// log's committed index; pending.New's starting point is refined to
	// the log's actual committed position by the caller wiring the log
	// replay path, which this package does not own.
	r.routes.Rebuild(r.leaderUUIDLocked(), r.meta.ActiveConfig(), r.routingPolicy)
	return nil
}

func (r *Replica) leaderUUIDLocked() uuid.UUID {
	id, ok := r.meta.LeaderUUID()
	if !ok {
		return uuid.Nil
	}
	return id
}

// Start transitions the replica into RUNNING and arms the failure detector
// if the local peer is a voter.
func (r *Replica) Start() error {
	r.lockS.Lock()
	defer r.lockS.Unlock()

	if err := r.lifecycle.Transition(election.Initialized); err != nil {
		return err
	}
	if err := r.lifecycle.Transition(election.Running); err != nil {
		return err
	}
	activeCfg := r.activeConfigLocked()
	if p, ok := activeCfg.FindPeer(r.id); ok && p.MemberType == raftpb.VOTER {
		r.fd.Start()
	}
	log.Infof("%s: started [term: %d, role: %s]", r.id, r.meta.CurrentTerm(), r.role)
	return nil
}

// Stop disarms background activity without releasing persistent state,
// allowing a later Shutdown.
func (r *Replica) Stop() error {
	r.lockS.Lock()
	defer r.lockS.Unlock()

	r.fd.Stop()
	if r.transferTimer != nil {
		r.transferTimer.Stop()
		r.transferTimer = nil
	}
	return r.lifecycle.Transition(election.Stopping)
}

// Shutdown moves the replica through STOPPING/STOPPED into the terminal
// SHUTDOWN state; no further operation may be serviced afterward.
func (r *Replica) Shutdown() error {
	r.lockS.Lock()
	defer r.lockS.Unlock()

	if r.lifecycle.State() == election.Running {
		if err := r.lifecycle.Transition(election.Stopping); err != nil {
			return err
		}
	}
	if r.lifecycle.State() == election.Stopping {
		if err := r.lifecycle.Transition(election.Stopped); err != nil {
			return err
		}
	}
	return r.lifecycle.Transition(election.Shutdown)
}

// Tick drives periodic bookkeeping: peer-health evaluation while leader.
// Callers invoke this on a regular interval (spec.md's raft_heartbeat_interval_ms).
func (r *Replica) Tick() {
	r.lockS.Lock()
	r.queue.Tick(r.clock.Now())
	r.lockS.Unlock()
}

func (r *Replica) activeConfigLocked() raftpb.Config {
	return r.meta.ActiveConfig()
}

func (r *Replica) commitRuleLocked() raftpb.CommitRule {
	return r.activeConfigLocked().CommitRule
}

func (r *Replica) peerUUIDsLocked() []uuid.UUID {
	cfg := r.activeConfigLocked()
	out := make([]uuid.UUID, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		if p.UUID != r.id {
			out = append(out, p.UUID)
		}
	}
	return out
}

func (r *Replica) resolvePeer(id uuid.UUID) (raftpb.Peer, bool) {
	r.lockS.Lock()
	defer r.lockS.Unlock()
	activeCfg := r.activeConfigLocked()
	return activeCfg.FindPeer(id)
}

func (r *Replica) memoryPressureExceeded() bool {
	if r.memoryPressure == nil {
		return false
	}
	return r.memoryPressure()
}

func (r *Replica) updatesRejected() bool {
	if r.rejectUpdates == nil {
		return false
	}
	return r.rejectUpdates()
}

func (r *Replica) hasCommittedOpInOwnTermLocked() bool {
	return r.firstIndexInCurrentTerm != nil && r.pendingRounds.CommittedIndex() >= *r.firstIndexInCurrentTerm
}

// stepDownLocked advances to term, aborting any in-flight leader rounds and
// reverting to FOLLOWER. Requires lockS held.
func (r *Replica) stepDownLocked(term uint64) {
	if err := r.meta.SetCurrentTerm(term, conf.Flush); err != nil {
		log.Warnf("%s: step-down term advance failed: %v", r.id, err)
		return
	}
	if r.role == Leader {
		r.pendingRounds.AbortOpsAfter(r.pendingRounds.CommittedIndex())
	}
	r.role = Follower
	r.firstIndexInCurrentTerm = nil
	r.leaderTransferInProgress = false
	r.successorNotified = false
	if r.transferTimer != nil {
		r.transferTimer.Stop()
		r.transferTimer = nil
	}
	r.queue.SetNonLeaderMode(r.clock.Now())
	activeCfg := r.activeConfigLocked()
	if p, ok := activeCfg.FindPeer(r.id); ok && p.MemberType == raftpb.VOTER {
		r.fd.Start()
	}
}

func (r *Replica) becomeLeaderLocked() {
	r.role = Leader
	r.firstIndexInCurrentTerm = nil
	r.fd.Stop()
	r.meta.SetLeaderUUID(r.id)
	r.meta.PruneVoteHistoryBefore(r.meta.CurrentTerm())
	lastLogged := r.logs.GetLastOpIdInLog()
	r.queue.SetLeaderMode(r.pendingRounds.CommittedIndex(), r.meta.CurrentTerm(), r.activeConfigLocked(), lastLogged.Index, r.clock.Now())
	log.Infof("%s: became leader at term %d", r.id, r.meta.CurrentTerm())
	go r.appendLeaderNoOp()
}

func (r *Replica) appendLeaderNoOp() {
	if _, err := r.Replicate(raftpb.ReplicateMsg{OpType: raftpb.OpNoOp}, nil); err != nil {
		log.Warnf("%s: failed to append leader no-op: %v", r.id, err)
	}
}

// NotifyCommitIndexAdvanced implements peerqueue.Observer. Every Observer
// method here is invoked synchronously from inside a Queue method the
// caller has already taken lockS to call, so these must never try to take
// it again; anything needing a fresh lock acquisition defers to a
// goroutine instead.
func (r *Replica) NotifyCommitIndexAdvanced(index uint64) {
	if index > r.pendingRounds.CommittedIndex() {
		r.pendingRounds.AdvanceCommitted(index)
	}
}

// NotifyPeerToPromote implements peerqueue.Observer: a caught-up NON_VOTER
// marked for promotion is promoted via the normal ChangeConfig protocol,
// not applied directly, so it goes through the same CAS/pending-config
// validation as any other change. Deferred to a goroutine since
// ChangeConfig takes lockS itself.
func (r *Replica) NotifyPeerToPromote(peerUUID uuid.UUID) {
	go r.promotePeer(peerUUID)
}

func (r *Replica) promotePeer(peerUUID uuid.UUID) {
	r.lockS.Lock()
	committed := r.meta.CommittedConfig()
	r.lockS.Unlock()

	peer, ok := committed.FindPeer(peerUUID)
	if !ok {
		return
	}
	peer.MemberType = raftpb.VOTER
	peer.Attrs.Promote = false
	req := &raftpb.ConfChangeRequest{
		CASConfigOpIDIndex: committed.OpIDIndex,
		Changes:            []raftpb.PeerChange{{Type: raftpb.ConfChangeModifyPeer, Peer: peer}},
	}
	if _, err := r.ChangeConfig(req, nil); err != nil {
		log.Warnf("%s: auto-promotion of %s failed: %v", r.id, peerUUID, err)
	}
}

// NotifyFailedFollower implements peerqueue.Observer.
func (r *Replica) NotifyFailedFollower(peerUUID uuid.UUID, term uint64, reason string) {
	log.Warnf("%s: follower %s unresponsive at term %d: %s", r.id, peerUUID, term, reason)
}

// NotifyPeerToStartElection implements peerqueue.Observer, firing once the
// leader-transfer target has caught up to the leader's own log.
func (r *Replica) NotifyPeerToStartElection(peerUUID uuid.UUID, transferContext interface{}) {
	r.successorNotified = true
	log.Infof("%s: asking %s to start an election for leadership transfer", r.id, peerUUID)
	// TODO: once the peer transport exposes a dedicated start-election RPC,
	// send it here; today this only records that a successor was notified
	// so CancelTransferLeadership knows it is too late.
}

func (r *Replica) onFailureDetectorFired(mode failuredetector.ElectionMode, _ failuredetector.StartReason) {
	if mode == failuredetector.ModePreElection {
		r.startElection(election.PreElection)
		return
	}
	r.startElection(election.NormalElection)
}

// startElection runs one campaign (spec.md §4.5): classic majority tally
// when the active config's commit rule is SINGLE_REGION_DYNAMIC and its
// voter distribution has at most one region/quorum, flexi-raft's
// region-aware tally otherwise.
func (r *Replica) startElection(mode election.Mode) {
	r.lockS.Lock()
	if r.role == Leader || r.leaderTransferInProgress {
		r.lockS.Unlock()
		return
	}

	cfg := r.activeConfigLocked()
	voters := cfg.Voters()
	lastLogged := r.logs.GetLastOpIdInLog()
	electionTerm := r.meta.CurrentTerm() + 1

	if mode != election.PreElection {
		if err := r.meta.SetCurrentTerm(electionTerm, conf.SkipFlush); err != nil {
			r.lockS.Unlock()
			return
		}
		if err := r.meta.SetVotedFor(r.id); err != nil {
			log.Warnf("%s: failed to persist self-vote: %v", r.id, err)
		}
		r.meta.AppendPreviousVote(electionTerm, r.id)
		r.role = Candidate
	}

	candidateRegion := ""
	if p, ok := cfg.FindPeer(r.id); ok {
		candidateRegion = p.Region
	}
	rule := cfg.CommitRule
	voterRegion := make(map[uuid.UUID]string, len(voters))
	for _, p := range voters {
		voterRegion[p.UUID] = p.Region
	}

	var tally election.Tally
	if rule.Mode == raftpb.SingleRegionDynamic && len(cfg.VoterDistribution) <= 1 {
		classic := election.NewVoteCounter(len(voters))
		classic.RegisterVote(r.id, true)
		tally = election.NewClassicTally(classic)
	} else {
		flexible := election.NewFlexibleVoteCounter(rule, cfg.VoterDistribution, voterRegion, r.id, candidateRegion, electionTerm)
		flexible.RegisterVote(&raftpb.VoteResponse{ResponderUUID: r.id, LastKnownLeader: r.meta.LastKnownLeader()}, true)
		tally = flexible
	}
	r.lockS.Unlock()

	buildRequest := func(raftpb.Peer) *raftpb.VoteRequest {
		return &raftpb.VoteRequest{
			CandidateUUID: r.id,
			CandidateTerm: electionTerm,
			LastReceived:  lastLogged,
			IsPreElection: mode == election.PreElection,
		}
	}

	result := election.Campaign(r.id, voters, electionTerm, buildRequest, r.factory, tally, r.electionTimeout, r.crowdsourceWindow, r.clock)
	log.Debugf("%s: campaign at term %d (%s) decided %s: %s", r.id, electionTerm, mode, result.Decision, election.Explain(tally))

	r.lockS.Lock()
	defer r.lockS.Unlock()

	if result.HighestVoterTerm > r.meta.CurrentTerm() {
		r.stepDownLocked(result.HighestVoterTerm)
		return
	}

	switch result.Decision {
	case election.Granted:
		if mode == election.PreElection {
			go r.startElection(election.NormalElection)
			return
		}
		r.becomeLeaderLocked()
	case election.Denied:
		if mode != election.PreElection {
			r.role = Follower
		}
		r.fd.SnoozeWithBackoff(1)
	default:
		if mode != election.PreElection {
			r.role = Follower
		}
		r.fd.SnoozeWithBackoff(0)
	}
}
