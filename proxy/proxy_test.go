package proxy

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/thinkermao/flexraft/host"
	"github.com/thinkermao/flexraft/raftpb"
	"github.com/thinkermao/flexraft/routing"
)

type stubLogCache struct {
	entries []raftpb.Entry
	delay   time.Duration
}

func (s *stubLogCache) Append(raftpb.Entry, func(error))           {}
func (s *stubLogCache) AppendBatch([]raftpb.Entry, func(error))    {}
func (s *stubLogCache) TruncateOpsAfter(uint64) (*uint64, error)   { return nil, nil }
func (s *stubLogCache) GetLastOpIdInLog() raftpb.OpId              { return raftpb.MinOpId }

func (s *stubLogCache) BlockingReadOps(afterIndex uint64, maxBytes int, deadline time.Duration) ([]raftpb.Entry, raftpb.OpId, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	preceding := raftpb.MinOpId
	var out []raftpb.Entry
	for _, e := range s.entries {
		if e.ID.Index <= afterIndex {
			preceding = e.ID
			continue
		}
		out = append(out, e)
	}
	return out, preceding, nil
}

var _ host.LogCache = (*stubLogCache)(nil)

type stubProxy struct {
	resp *raftpb.ConsensusResponse
	err  error
}

func (p *stubProxy) RequestConsensusVote(*raftpb.VoteRequest, func(*raftpb.VoteResponse, error)) host.CancelFunc {
	return func() {}
}

func (p *stubProxy) UpdateConsensus(req *raftpb.ConsensusRequest, cb func(*raftpb.ConsensusResponse, error)) host.CancelFunc {
	go cb(p.resp, p.err)
	return func() {}
}

type stubFactory struct{ proxy *stubProxy }

func (f *stubFactory) NewProxy(raftpb.Peer) (host.PeerProxy, error) { return f.proxy, nil }

func placeholder(term, index uint64) raftpb.Entry {
	return raftpb.Entry{ID: raftpb.OpId{Term: term, Index: index}, Msg: raftpb.ReplicateMsg{OpType: raftpb.OpProxy}}
}

func TestHandler_Forward_ReconstitutesAtFinalHop(t *testing.T) {
	local := uuid.New()
	dest := uuid.New()
	config := raftpb.Config{Peers: []raftpb.Peer{{UUID: local}, {UUID: dest}}}
	routes := routing.New()
	routes.Rebuild(local, config, routing.Disable)

	logs := &stubLogCache{entries: []raftpb.Entry{
		{ID: raftpb.OpId{Term: 1, Index: 4}},
		{ID: raftpb.OpId{Term: 1, Index: 5}},
	}}
	stubResp := &raftpb.ConsensusResponse{ResponderUUID: dest}
	factory := &stubFactory{proxy: &stubProxy{resp: stubResp}}
	resolve := func(id uuid.UUID) (raftpb.Peer, bool) { return raftpb.Peer{UUID: id}, true }

	h := New(local, routes, logs, factory, resolve, time.Second)
	hops := 2
	req := &raftpb.ConsensusRequest{
		ProxyDestUUID:      &dest,
		ProxyCallerUUID:    &local,
		ProxyHopsRemaining: &hops,
		Ops:                []raftpb.Entry{placeholder(1, 5)},
	}

	resp, err := h.Forward(req)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if resp != stubResp {
		t.Errorf("resp = %v, want the downstream stub response", resp)
	}
}

func TestHandler_Forward_RejectsSelfAsDestination(t *testing.T) {
	local := uuid.New()
	h := New(local, routing.New(), &stubLogCache{}, &stubFactory{}, nil, time.Second)

	hops := 2
	req := &raftpb.ConsensusRequest{ProxyDestUUID: &local, ProxyHopsRemaining: &hops}
	if _, err := h.Forward(req); err == nil {
		t.Fatalf("expected error when proxy_dest_uuid == self")
	}
}

func TestHandler_Forward_RejectsExhaustedHops(t *testing.T) {
	local := uuid.New()
	dest := uuid.New()
	h := New(local, routing.New(), &stubLogCache{}, &stubFactory{}, nil, time.Second)

	hops := 0
	req := &raftpb.ConsensusRequest{ProxyDestUUID: &dest, ProxyHopsRemaining: &hops}
	if _, err := h.Forward(req); err == nil {
		t.Fatalf("expected error when proxy_hops_remaining is exhausted")
	}
}

func TestHandler_Forward_DegradesToEmptyHeartbeatOnSlowLog(t *testing.T) {
	local := uuid.New()
	dest := uuid.New()
	config := raftpb.Config{Peers: []raftpb.Peer{{UUID: local}, {UUID: dest}}}
	routes := routing.New()
	routes.Rebuild(local, config, routing.Disable)

	logs := &stubLogCache{} // empty: the read will come back short
	factory := &stubFactory{proxy: &stubProxy{resp: &raftpb.ConsensusResponse{}}}
	resolve := func(id uuid.UUID) (raftpb.Peer, bool) { return raftpb.Peer{UUID: id}, true }

	h := New(local, routes, logs, factory, resolve, time.Second)
	hops := 2
	req := &raftpb.ConsensusRequest{
		ProxyDestUUID:      &dest,
		ProxyHopsRemaining: &hops,
		Ops:                []raftpb.Entry{placeholder(1, 5)},
	}

	resp, err := h.Forward(req)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if resp == nil {
		t.Fatalf("expected a degraded response, got nil with no error")
	}
}
