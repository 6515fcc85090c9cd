// Package routing computes next-hop peers for request proxying (spec.md
// §4.2). It is rebuilt whenever the leader, the active config, the proxy
// policy, or an explicit topology update changes, and answers next_hop(src,
// dst) queries the peer queue (§4.4) and the proxy handler (§4.8) use to
// build multi-hop AppendEntries chains.
//
// Grounded on the teacher's peer-registry pattern (raft/core/peer/node.go
// builds one flat list of remote peers per raft instance) generalized to a
// graph, since flexi-raft's proxying needs more than a flat star.
package routing

import (
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"
	"github.com/google/uuid"

	"github.com/thinkermao/flexraft/raftpb"
)

// Policy selects how the routing table is built.
type Policy int

const (
	// Disable means every request goes direct, never proxied.
	Disable Policy = iota
	// SimpleRegion elects one hub peer per region automatically from the
	// active config; the leader talks to hubs, hubs talk to their region.
	SimpleRegion
	// Durable routes according to an explicitly supplied topology,
	// updated out of band (e.g. an operator-configured routing tree).
	Durable
)

var policyString = []string{"DISABLE", "SIMPLE_REGION", "DURABLE"}

func (p Policy) String() string { return policyString[p] }

// ErrUnknownDestination is returned when no path to dst exists in the
// current table.
type ErrUnknownDestination struct {
	Dst uuid.UUID
}

func (e *ErrUnknownDestination) Error() string {
	return fmt.Sprintf("routing: no path to destination %s", e.Dst)
}

// Table answers next-hop queries over the current config.
type Table struct {
	policy        Policy
	leader        uuid.UUID
	config        raftpb.Config
	adjacency     map[uuid.UUID][]uuid.UUID
	explicitEdges map[uuid.UUID][]uuid.UUID // set via UpdateTopology, used by Durable
}

// New returns an empty table; call Rebuild before using it.
func New() *Table {
	return &Table{adjacency: map[uuid.UUID][]uuid.UUID{}}
}

// UpdateTopology installs the explicit routing graph used by the Durable
// policy. Edges need not be symmetric. Triggers a rebuild if the table is
// currently using the Durable policy.
func (t *Table) UpdateTopology(edges map[uuid.UUID][]uuid.UUID) {
	t.explicitEdges = edges
	if t.policy == Durable {
		t.Rebuild(t.leader, t.config, t.policy)
	}
}

// Rebuild recomputes next-hop adjacency for the given leader, active
// config, and proxy policy.
func (t *Table) Rebuild(leader uuid.UUID, config raftpb.Config, policy Policy) {
	t.leader = leader
	t.config = config
	t.policy = policy

	switch policy {
	case Disable:
		t.adjacency = starTopology(leader, config)
	case SimpleRegion:
		t.adjacency = regionHubTopology(leader, config)
	case Durable:
		if t.explicitEdges != nil {
			t.adjacency = cloneAdjacency(t.explicitEdges)
		} else {
			log.Debugf("routing: durable policy requested but no topology set, "+
				"falling back to simple-region for leader %s", leader)
			t.adjacency = regionHubTopology(leader, config)
		}
	default:
		t.adjacency = starTopology(leader, config)
	}

	log.Debugf("routing: rebuilt table [leader: %s, policy: %s, nodes: %d]",
		leader, policy, len(t.adjacency))
}

// NextHop returns the next peer on the path from src toward dst. It
// returns dst itself when src and dst are directly connected (including
// src == dst).
func (t *Table) NextHop(src, dst uuid.UUID) (uuid.UUID, error) {
	if src == dst {
		return dst, nil
	}
	for _, direct := range t.adjacency[src] {
		if direct == dst {
			return dst, nil
		}
	}

	hop, ok := bfsNextHop(t.adjacency, src, dst)
	if !ok {
		return uuid.Nil, &ErrUnknownDestination{Dst: dst}
	}
	return hop, nil
}

func starTopology(leader uuid.UUID, config raftpb.Config) map[uuid.UUID][]uuid.UUID {
	adj := map[uuid.UUID][]uuid.UUID{}
	for _, p := range config.Peers {
		if p.UUID == leader {
			continue
		}
		adj[leader] = append(adj[leader], p.UUID)
	}
	return adj
}

func regionHubTopology(leader uuid.UUID, config raftpb.Config) map[uuid.UUID][]uuid.UUID {
	byRegion := map[string][]raftpb.Peer{}
	for _, p := range config.Peers {
		byRegion[p.Region] = append(byRegion[p.Region], p)
	}

	leaderRegion := ""
	if lp, ok := config.FindPeer(leader); ok {
		leaderRegion = lp.Region
	}

	adj := map[uuid.UUID][]uuid.UUID{}
	for region, peers := range byRegion {
		if region == leaderRegion {
			// Leader talks to its own region directly.
			for _, p := range peers {
				if p.UUID != leader {
					adj[leader] = append(adj[leader], p.UUID)
				}
			}
			continue
		}

		hub := electHub(peers)
		if hub == leader {
			continue
		}
		adj[leader] = append(adj[leader], hub)
		for _, p := range peers {
			if p.UUID != hub {
				adj[hub] = append(adj[hub], p.UUID)
			}
		}
	}
	return adj
}

// electHub deterministically picks the lexicographically smallest peer
// UUID in a region as its hub, so every replica computes the same table.
func electHub(peers []raftpb.Peer) uuid.UUID {
	sorted := append([]raftpb.Peer(nil), peers...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].UUID.String() < sorted[j].UUID.String()
	})
	return sorted[0].UUID
}

func cloneAdjacency(src map[uuid.UUID][]uuid.UUID) map[uuid.UUID][]uuid.UUID {
	dst := make(map[uuid.UUID][]uuid.UUID, len(src))
	for k, v := range src {
		dst[k] = append([]uuid.UUID(nil), v...)
	}
	return dst
}

// bfsNextHop finds the first hop of a shortest path from src to dst.
// Terminates in at most len(adjacency) hops, satisfying spec.md §4.2's
// correctness requirement.
func bfsNextHop(adjacency map[uuid.UUID][]uuid.UUID, src, dst uuid.UUID) (uuid.UUID, bool) {
	type frame struct {
		node     uuid.UUID
		firstHop uuid.UUID
	}

	visited := map[uuid.UUID]struct{}{src: {}}
	queue := []frame{}
	for _, n := range adjacency[src] {
		queue = append(queue, frame{node: n, firstHop: n})
		visited[n] = struct{}{}
	}

	for len(queue) > 0 {
		f := queue[0]
		queue = queue[1:]
		if f.node == dst {
			return f.firstHop, true
		}
		for _, n := range adjacency[f.node] {
			if _, seen := visited[n]; seen {
				continue
			}
			visited[n] = struct{}{}
			queue = append(queue, frame{node: n, firstHop: f.firstHop})
		}
	}
	return uuid.Nil, false
}
