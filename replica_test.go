package flexraft

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/thinkermao/flexraft/election"
	"github.com/thinkermao/flexraft/host"
	"github.com/thinkermao/flexraft/raftpb"
	"github.com/thinkermao/flexraft/routing"
)

// fakeLogCache is a minimal in-memory host.LogCache, mirroring the fake
// used by peerqueue's own tests.
type fakeLogCache struct {
	entries []raftpb.Entry
}

func (f *fakeLogCache) Append(entry raftpb.Entry, cb func(error)) {
	f.entries = append(f.entries, entry)
	if cb != nil {
		cb(nil)
	}
}

func (f *fakeLogCache) AppendBatch(entries []raftpb.Entry, cb func(error)) {
	f.entries = append(f.entries, entries...)
	if cb != nil {
		cb(nil)
	}
}

func (f *fakeLogCache) TruncateOpsAfter(after uint64) (*uint64, error) {
	kept := f.entries[:0]
	for _, e := range f.entries {
		if e.ID.Index <= after {
			kept = append(kept, e)
		}
	}
	f.entries = kept
	return &after, nil
}

func (f *fakeLogCache) BlockingReadOps(afterIndex uint64, maxBytes int, deadline time.Duration) ([]raftpb.Entry, raftpb.OpId, error) {
	preceding := raftpb.MinOpId
	out := []raftpb.Entry{}
	for _, e := range f.entries {
		if e.ID.Index <= afterIndex {
			preceding = e.ID
			continue
		}
		out = append(out, e)
	}
	return out, preceding, nil
}

func (f *fakeLogCache) GetLastOpIdInLog() raftpb.OpId {
	if len(f.entries) == 0 {
		return raftpb.MinOpId
	}
	return f.entries[len(f.entries)-1].ID
}

var _ host.LogCache = (*fakeLogCache)(nil)

// fakePersister is an in-memory host.MetadataPersister.
type fakePersister struct {
	state *raftpb.PersistedState
}

func (f *fakePersister) Load() (*raftpb.PersistedState, error) { return f.state, nil }
func (f *fakePersister) Flush(state *raftpb.PersistedState) error {
	cp := *state
	f.state = &cp
	return nil
}

var _ host.MetadataPersister = (*fakePersister)(nil)

// fakeRounds is a host.RoundHandler that accepts everything and records the
// entries it was asked to start and to finish, for tests to assert on.
type fakeRounds struct {
	started  []raftpb.Entry
	finished []raftpb.Entry
}

func (f *fakeRounds) StartFollowerTransaction(entry raftpb.Entry) error {
	f.started = append(f.started, entry)
	return nil
}
func (f *fakeRounds) StartConsensusOnlyRound(entry raftpb.Entry) error {
	f.started = append(f.started, entry)
	return nil
}
func (f *fakeRounds) FinishConsensusOnlyRound(entry raftpb.Entry) {
	f.finished = append(f.finished, entry)
}

var _ host.RoundHandler = (*fakeRounds)(nil)

// fakeTimer and fakeClock stand in for host.Timer/host.Clock. AfterFunc
// never actually schedules anything: every test here either resolves a
// campaign synchronously (no outstanding voters, or fake proxies that
// answer inline) or doesn't drive an election at all, so the timeout path
// is never exercised and a no-op timer is sufficient.
type fakeTimer struct{}

func (fakeTimer) Reset(d time.Duration) bool { return true }
func (fakeTimer) Stop() bool                 { return true }

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) AfterFunc(d time.Duration, fn func()) host.Timer {
	return fakeTimer{}
}

var _ host.Clock = (*fakeClock)(nil)

// fakeProxyFactory never builds real proxies; RequestConsensusVote and
// UpdateConsensus are routed through the voteResponses/updateResponses
// tables, keyed by peer UUID, so a test controls each peer's reply inline.
type fakeProxyFactory struct {
	voteResponses   map[uuid.UUID]*raftpb.VoteResponse
	updateResponses map[uuid.UUID]*raftpb.ConsensusResponse
}

type fakePeerProxy struct {
	factory *fakeProxyFactory
	peer    uuid.UUID
}

func (p fakePeerProxy) RequestConsensusVote(req *raftpb.VoteRequest, cb func(*raftpb.VoteResponse, error)) host.CancelFunc {
	resp := p.factory.voteResponses[p.peer]
	cb(resp, nil)
	return func() {}
}

func (p fakePeerProxy) UpdateConsensus(req *raftpb.ConsensusRequest, cb func(*raftpb.ConsensusResponse, error)) host.CancelFunc {
	resp := p.factory.updateResponses[p.peer]
	cb(resp, nil)
	return func() {}
}

func (f *fakeProxyFactory) NewProxy(peer raftpb.Peer) (host.PeerProxy, error) {
	return fakePeerProxy{factory: f, peer: peer.UUID}, nil
}

var _ host.PeerRPCProxyFactory = (*fakeProxyFactory)(nil)

func singleVoterConfig(local uuid.UUID) raftpb.Config {
	return raftpb.Config{
		OpIDIndex:         0,
		Peers:             []raftpb.Peer{{UUID: local, Region: "r1", MemberType: raftpb.VOTER}},
		VoterDistribution: map[string]int{"r1": 1},
		CommitRule:        raftpb.CommitRule{Mode: raftpb.SingleRegionDynamic},
	}
}

func threeVoterConfig(local, p2, p3 uuid.UUID) raftpb.Config {
	return raftpb.Config{
		OpIDIndex: 0,
		Peers: []raftpb.Peer{
			{UUID: local, Region: "r1", MemberType: raftpb.VOTER},
			{UUID: p2, Region: "r1", MemberType: raftpb.VOTER},
			{UUID: p3, Region: "r1", MemberType: raftpb.VOTER},
		},
		VoterDistribution: map[string]int{"r1": 3},
		CommitRule:        raftpb.CommitRule{Mode: raftpb.SingleRegionDynamic},
	}
}

func newTestReplica(t *testing.T, id uuid.UUID, cfg raftpb.Config, factory *fakeProxyFactory) (*Replica, *fakeLogCache, *fakeRounds, *fakeClock) {
	t.Helper()
	logs := &fakeLogCache{}
	rounds := &fakeRounds{}
	clk := &fakeClock{now: time.Now()}
	persister := &fakePersister{state: &raftpb.PersistedState{CommittedConfig: cfg}}

	if factory == nil {
		factory = &fakeProxyFactory{
			voteResponses:   map[uuid.UUID]*raftpb.VoteResponse{},
			updateResponses: map[uuid.UUID]*raftpb.ConsensusResponse{},
		}
	}

	r := NewReplica(ReplicaConfig{
		ID:                  id,
		Logs:                logs,
		Persister:           persister,
		Rounds:              rounds,
		Factory:             factory,
		Clock:               clk,
		RoutingPolicy:       routing.Disable,
		HeartbeatInterval:   10 * time.Millisecond,
		MaxMissedHeartbeats: 5,
		ElectionTimeout:     50 * time.Millisecond,
		MinElectionTimeout:  20 * time.Millisecond,
		PeerHealthThreshold: time.Second,
		MaxBatchBytes:       1 << 20,
	})
	if err := r.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return r, logs, rounds, clk
}

func TestReplica_Load_RebuildsActiveConfigFromPersistedState(t *testing.T) {
	local := uuid.New()
	cfg := singleVoterConfig(local)
	r, _, _, _ := newTestReplica(t, local, cfg, nil)

	active := r.ActiveConfig()
	if len(active.Peers) != 1 || active.Peers[0].UUID != local {
		t.Fatalf("expected active config to carry the persisted single-voter peer, got %+v", active.Peers)
	}
}

func TestReplica_SingleVoter_ElectionBecomesLeaderAndAppendsNoOp(t *testing.T) {
	local := uuid.New()
	cfg := singleVoterConfig(local)
	r, logs, rounds, _ := newTestReplica(t, local, cfg, nil)

	r.startElection(election.NormalElection)

	term, role := r.ReadStatus()
	if role != Leader {
		t.Fatalf("expected role Leader after a single-voter election, got %s (term %d)", role, term)
	}

	// becomeLeaderLocked dispatches the leader no-op asynchronously; give
	// it a moment to land since there is no other voter to wait on.
	deadline := time.Now().Add(time.Second)
	for len(logs.entries) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if len(logs.entries) != 1 {
		t.Fatalf("expected exactly one appended no-op entry, got %d", len(logs.entries))
	}
	if logs.entries[0].Msg.OpType != raftpb.OpNoOp {
		t.Fatalf("expected the leader's first entry to be a no-op, got %v", logs.entries[0].Msg.OpType)
	}
	if len(rounds.finished) != 1 {
		t.Fatalf("expected the no-op round to finish via FinishConsensusOnlyRound, got %d", len(rounds.finished))
	}
}

func TestReplica_RequestVote_GrantsWhenLogUpToDate(t *testing.T) {
	local := uuid.New()
	candidate := uuid.New()
	cfg := threeVoterConfig(local, candidate, uuid.New())
	r, _, _, _ := newTestReplica(t, local, cfg, nil)

	resp, err := r.RequestVote(&raftpb.VoteRequest{
		CandidateUUID: candidate,
		CandidateTerm: 1,
		LastReceived:  raftpb.MinOpId,
	})
	if err != nil {
		t.Fatalf("RequestVote: %v", err)
	}
	if !resp.VoteGranted {
		t.Fatalf("expected vote granted, got response %+v", resp)
	}
	if resp.ResponderTerm != 1 {
		t.Fatalf("expected responder term to advance to 1, got %d", resp.ResponderTerm)
	}
}

func TestReplica_RequestVote_DeniesStaleCandidateTerm(t *testing.T) {
	local := uuid.New()
	candidate := uuid.New()
	cfg := threeVoterConfig(local, candidate, uuid.New())
	r, _, _, _ := newTestReplica(t, local, cfg, nil)

	// Advance local term past the candidate's via a prior vote.
	if _, err := r.RequestVote(&raftpb.VoteRequest{
		CandidateUUID: uuid.New(),
		CandidateTerm: 5,
		LastReceived:  raftpb.MinOpId,
	}); err != nil {
		t.Fatalf("seed RequestVote: %v", err)
	}

	resp, err := r.RequestVote(&raftpb.VoteRequest{
		CandidateUUID: candidate,
		CandidateTerm: 1,
		LastReceived:  raftpb.MinOpId,
	})
	if err != nil {
		t.Fatalf("RequestVote: %v", err)
	}
	if resp.VoteGranted {
		t.Fatalf("expected a stale-term request to be denied, got %+v", resp)
	}
	if resp.ConsensusError == nil || resp.ConsensusError.Code != raftpb.ErrInvalidTerm {
		t.Fatalf("expected ErrInvalidTerm, got %+v", resp.ConsensusError)
	}
}

func TestReplica_RequestVote_DeniesSecondCandidateSameTerm(t *testing.T) {
	local := uuid.New()
	c1, c2 := uuid.New(), uuid.New()
	cfg := threeVoterConfig(local, c1, c2)
	r, _, _, _ := newTestReplica(t, local, cfg, nil)

	first, err := r.RequestVote(&raftpb.VoteRequest{CandidateUUID: c1, CandidateTerm: 1, LastReceived: raftpb.MinOpId})
	if err != nil || !first.VoteGranted {
		t.Fatalf("expected first vote granted, got %+v err=%v", first, err)
	}

	second, err := r.RequestVote(&raftpb.VoteRequest{CandidateUUID: c2, CandidateTerm: 1, LastReceived: raftpb.MinOpId})
	if err != nil {
		t.Fatalf("RequestVote: %v", err)
	}
	if second.VoteGranted {
		t.Fatalf("expected second candidate at the same term to be denied, got %+v", second)
	}
	if second.ConsensusError == nil || second.ConsensusError.Code != raftpb.ErrAlreadyVoted {
		t.Fatalf("expected ErrAlreadyVoted, got %+v", second.ConsensusError)
	}
}

func TestReplica_RequestVote_DeniesStaleCandidateLog(t *testing.T) {
	local := uuid.New()
	candidate := uuid.New()
	cfg := threeVoterConfig(local, candidate, uuid.New())
	r, logs, _, _ := newTestReplica(t, local, cfg, nil)
	logs.entries = []raftpb.Entry{{ID: raftpb.OpId{Term: 1, Index: 5}}}

	resp, err := r.RequestVote(&raftpb.VoteRequest{
		CandidateUUID: candidate,
		CandidateTerm: 2,
		LastReceived:  raftpb.OpId{Term: 1, Index: 2},
	})
	if err != nil {
		t.Fatalf("RequestVote: %v", err)
	}
	if resp.VoteGranted {
		t.Fatalf("expected a trailing candidate log to be denied, got %+v", resp)
	}
	if resp.ConsensusError == nil || resp.ConsensusError.Code != raftpb.ErrLastOpIdTooOld {
		t.Fatalf("expected ErrLastOpIdTooOld, got %+v", resp.ConsensusError)
	}
}

func TestReplica_Update_FollowerAppendsAndAdvancesCommit(t *testing.T) {
	local := uuid.New()
	leader := uuid.New()
	cfg := threeVoterConfig(leader, local, uuid.New())
	r, logs, rounds, _ := newTestReplica(t, local, cfg, nil)

	req := &raftpb.ConsensusRequest{
		CallerUUID:     leader,
		CallerTerm:     1,
		PrecedingID:    raftpb.MinOpId,
		CommittedIndex: 1,
		Ops: []raftpb.Entry{
			{ID: raftpb.OpId{Term: 1, Index: 1}, Msg: raftpb.ReplicateMsg{OpType: raftpb.OpNormal, Payload: []byte("a")}},
		},
	}

	resp, err := r.Update(req)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if resp.Status.Error != nil {
		t.Fatalf("expected a clean append, got error %v", resp.Status.Error)
	}
	if resp.Status.LastReceived != (raftpb.OpId{Term: 1, Index: 1}) {
		t.Fatalf("expected last_received (1,1), got %v", resp.Status.LastReceived)
	}
	if len(logs.entries) != 1 {
		t.Fatalf("expected the entry to reach the log cache, got %d entries", len(logs.entries))
	}
	if len(rounds.started) != 1 {
		t.Fatalf("expected StartFollowerTransaction to run once, got %d", len(rounds.started))
	}
	if resp.Status.LastCommittedIdx != 1 {
		t.Fatalf("expected committed index to advance to 1, got %d", resp.Status.LastCommittedIdx)
	}
}

func TestReplica_Update_RejectsStaleCallerTerm(t *testing.T) {
	local := uuid.New()
	leader := uuid.New()
	cfg := threeVoterConfig(leader, local, uuid.New())
	r, _, _, _ := newTestReplica(t, local, cfg, nil)

	// Bump local term via a vote so the next Update's CallerTerm is stale.
	if _, err := r.RequestVote(&raftpb.VoteRequest{CandidateUUID: uuid.New(), CandidateTerm: 5, LastReceived: raftpb.MinOpId}); err != nil {
		t.Fatalf("seed RequestVote: %v", err)
	}

	resp, err := r.Update(&raftpb.ConsensusRequest{CallerUUID: leader, CallerTerm: 1, PrecedingID: raftpb.MinOpId})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if resp.Status.Error == nil || resp.Status.Error.Code != raftpb.ErrInvalidTerm {
		t.Fatalf("expected ErrInvalidTerm, got %+v", resp.Status.Error)
	}
}

func TestReplica_Update_PrecedingMismatchTruncatesTail(t *testing.T) {
	local := uuid.New()
	leader := uuid.New()
	cfg := threeVoterConfig(leader, local, uuid.New())
	r, logs, _, _ := newTestReplica(t, local, cfg, nil)

	first := &raftpb.ConsensusRequest{
		CallerUUID: leader, CallerTerm: 1, PrecedingID: raftpb.MinOpId,
		Ops: []raftpb.Entry{{ID: raftpb.OpId{Term: 1, Index: 1}, Msg: raftpb.ReplicateMsg{OpType: raftpb.OpNormal}}},
	}
	if _, err := r.Update(first); err != nil {
		t.Fatalf("Update (seed): %v", err)
	}
	if len(logs.entries) != 1 {
		t.Fatalf("expected the seed entry to land, got %d", len(logs.entries))
	}

	mismatched := &raftpb.ConsensusRequest{
		CallerUUID: leader, CallerTerm: 1,
		PrecedingID: raftpb.OpId{Term: 99, Index: 1},
		Ops:         []raftpb.Entry{{ID: raftpb.OpId{Term: 1, Index: 2}, Msg: raftpb.ReplicateMsg{OpType: raftpb.OpNormal}}},
	}
	resp, err := r.Update(mismatched)
	if err != nil {
		t.Fatalf("Update (mismatch): %v", err)
	}
	if resp.Status.Error == nil || resp.Status.Error.Code != raftpb.ErrPrecedingEntryDidntMatch {
		t.Fatalf("expected ErrPrecedingEntryDidntMatch, got %+v", resp.Status.Error)
	}
}

func TestReplica_Replicate_ThreeVoterLeaderAssignsIndex(t *testing.T) {
	local := uuid.New()
	p2, p3 := uuid.New(), uuid.New()
	cfg := threeVoterConfig(local, p2, p3)

	factory := &fakeProxyFactory{
		voteResponses: map[uuid.UUID]*raftpb.VoteResponse{},
		updateResponses: map[uuid.UUID]*raftpb.ConsensusResponse{
			p2: {ResponderUUID: p2, ResponderTerm: 1, Status: raftpb.ConsensusResponseStatus{LastReceived: raftpb.OpId{Term: 1, Index: 2}}},
			p3: {ResponderUUID: p3, ResponderTerm: 1, Status: raftpb.ConsensusResponseStatus{LastReceived: raftpb.OpId{Term: 1, Index: 2}}},
		},
	}
	r, _, _, _ := newTestReplica(t, local, cfg, factory)

	r.startElection(election.NormalElection) // sole candidate among 3 voters still needs their votes.
	factory.voteResponses[p2] = &raftpb.VoteResponse{ResponderUUID: p2, ResponderTerm: 1, VoteGranted: true}
	factory.voteResponses[p3] = &raftpb.VoteResponse{ResponderUUID: p3, ResponderTerm: 1, VoteGranted: true}
	r.startElection(election.NormalElection)

	deadline := time.Now().Add(time.Second)
	for {
		if _, role := r.ReadStatus(); role == Leader {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("replica never became leader")
		}
		time.Sleep(time.Millisecond)
	}

	deadline = time.Now().Add(time.Second)
	for {
		if term, _ := r.ReadStatus(); term >= 1 {
			break
		}
		time.Sleep(time.Millisecond)
		if time.Now().After(deadline) {
			break
		}
	}

	opID, err := r.Replicate(raftpb.ReplicateMsg{OpType: raftpb.OpNormal, Payload: []byte("x")}, nil)
	if err != nil {
		t.Fatalf("Replicate: %v", err)
	}
	if opID.Index == 0 {
		t.Fatalf("expected a non-zero assigned index, got %v", opID)
	}
}
