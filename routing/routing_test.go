package routing

import (
	"testing"

	"github.com/google/uuid"

	"github.com/thinkermao/flexraft/raftpb"
)

func peer(region string) raftpb.Peer {
	return raftpb.Peer{UUID: uuid.New(), Region: region, MemberType: raftpb.VOTER}
}

func TestTable_Disable_DirectOnly(t *testing.T) {
	leader := peer("r1")
	follower := peer("r1")
	cfg := raftpb.Config{Peers: []raftpb.Peer{leader, follower}}

	table := New()
	table.Rebuild(leader.UUID, cfg, Disable)

	hop, err := table.NextHop(leader.UUID, follower.UUID)
	if err != nil {
		t.Fatalf("NextHop: %v", err)
	}
	if hop != follower.UUID {
		t.Errorf("hop = %s, want direct %s", hop, follower.UUID)
	}
}

func TestTable_SimpleRegion_MultiHop(t *testing.T) {
	leader := peer("r1")
	r2a := peer("r2")
	r2b := peer("r2")
	cfg := raftpb.Config{Peers: []raftpb.Peer{leader, r2a, r2b}}

	table := New()
	table.Rebuild(leader.UUID, cfg, SimpleRegion)

	hub := electHub([]raftpb.Peer{r2a, r2b})
	nonHub := r2a.UUID
	if nonHub == hub {
		nonHub = r2b.UUID
	}

	hop, err := table.NextHop(leader.UUID, nonHub)
	if err != nil {
		t.Fatalf("NextHop: %v", err)
	}
	if hop != hub {
		t.Fatalf("leader -> non-hub first hop = %s, want hub %s", hop, hub)
	}

	hop2, err := table.NextHop(hub, nonHub)
	if err != nil {
		t.Fatalf("NextHop from hub: %v", err)
	}
	if hop2 != nonHub {
		t.Errorf("hub -> non-hub hop = %s, want direct %s", hop2, nonHub)
	}
}

func TestTable_UnknownDestination(t *testing.T) {
	leader := peer("r1")
	cfg := raftpb.Config{Peers: []raftpb.Peer{leader}}

	table := New()
	table.Rebuild(leader.UUID, cfg, Disable)

	_, err := table.NextHop(leader.UUID, uuid.New())
	if err == nil {
		t.Fatalf("expected ErrUnknownDestination")
	}
	if _, ok := err.(*ErrUnknownDestination); !ok {
		t.Errorf("err = %T, want *ErrUnknownDestination", err)
	}
}

func TestTable_Durable_ExplicitTopology(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	cfg := raftpb.Config{Peers: []raftpb.Peer{{UUID: a}, {UUID: b}, {UUID: c}}}

	table := New()
	table.UpdateTopology(map[uuid.UUID][]uuid.UUID{a: {b}, b: {c}})
	table.Rebuild(a, cfg, Durable)

	hop, err := table.NextHop(a, c)
	if err != nil {
		t.Fatalf("NextHop: %v", err)
	}
	if hop != b {
		t.Errorf("hop = %s, want first hop %s", hop, b)
	}
}
