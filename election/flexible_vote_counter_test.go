package election

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/thinkermao/flexraft/raftpb"
)

func voteResp(voter uuid.UUID, term uint64, granted bool) *raftpb.VoteResponse {
	return &raftpb.VoteResponse{ResponderUUID: voter, ResponderTerm: term, VoteGranted: granted}
}

func TestFlexibleVoteCounter_StaticDisjunction_OneRegionSuffices(t *testing.T) {
	r1 := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	r2 := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	voterRegion := map[uuid.UUID]string{}
	for _, v := range r1 {
		voterRegion[v] = "r1"
	}
	for _, v := range r2 {
		voterRegion[v] = "r2"
	}

	rule := raftpb.CommitRule{
		Mode:       raftpb.StaticDisjunction,
		Predicates: []raftpb.RegionPredicate{{Regions: []string{"r1", "r2"}, K: 1}},
	}
	c := NewFlexibleVoteCounter(rule, map[string]int{"r1": 3, "r2": 3}, voterRegion, uuid.New(), "r1", 5)

	require.Equal(t, Pending, c.Decision())

	c.RegisterVote(voteResp(r1[0], 4, true), true)
	c.RegisterVote(voteResp(r1[1], 4, true), true)
	require.Equal(t, Granted, c.Decision(), "2/3 of r1 satisfies the K=1-of-2-regions predicate")
}

func TestFlexibleVoteCounter_StaticConjunction_RequiresBothRegions(t *testing.T) {
	r1 := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	r2 := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	voterRegion := map[uuid.UUID]string{}
	for _, v := range r1 {
		voterRegion[v] = "r1"
	}
	for _, v := range r2 {
		voterRegion[v] = "r2"
	}

	rule := raftpb.CommitRule{
		Mode:       raftpb.StaticConjunction,
		Predicates: []raftpb.RegionPredicate{{Regions: []string{"r1", "r2"}, K: 2}},
	}
	c := NewFlexibleVoteCounter(rule, map[string]int{"r1": 3, "r2": 3}, voterRegion, uuid.New(), "r1", 5)

	c.RegisterVote(voteResp(r1[0], 4, true), true)
	c.RegisterVote(voteResp(r1[1], 4, true), true)
	require.Equal(t, Pending, c.Decision(), "r1 alone cannot satisfy a conjunction over both regions")

	c.RegisterVote(voteResp(r2[0], 4, false), false)
	c.RegisterVote(voteResp(r2[1], 4, false), false)
	require.Equal(t, Denied, c.Decision(), "r2 can no longer reach majority, conjunction is unsatisfiable")
}

func TestFlexibleVoteCounter_Dynamic_PessimisticMajorityWins(t *testing.T) {
	r1 := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	r2 := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	voterRegion := map[uuid.UUID]string{}
	for _, v := range r1 {
		voterRegion[v] = "r1"
	}
	for _, v := range r2 {
		voterRegion[v] = "r2"
	}
	rule := raftpb.CommitRule{Mode: raftpb.SingleRegionDynamic}
	c := NewFlexibleVoteCounter(rule, map[string]int{"r1": 3, "r2": 3}, voterRegion, uuid.New(), "r1", 5)

	c.RegisterVote(voteResp(r1[0], 4, true), true)
	c.RegisterVote(voteResp(r1[1], 4, true), true)
	require.Equal(t, Pending, c.Decision(), "r2 hasn't reached majority yet")

	c.RegisterVote(voteResp(r2[0], 4, true), true)
	c.RegisterVote(voteResp(r2[1], 4, true), true)
	require.Equal(t, Granted, c.Decision(), "majority in every region satisfies the pessimistic check")
}

func TestFlexibleVoteCounter_Dynamic_KnownNewerLeaderLosesImmediately(t *testing.T) {
	leader := uuid.New()
	voterRegion := map[uuid.UUID]string{leader: "r1"}
	rule := raftpb.CommitRule{Mode: raftpb.SingleRegionDynamic}
	c := NewFlexibleVoteCounter(rule, map[string]int{"r1": 3}, voterRegion, uuid.New(), "r1", 5)

	resp := voteResp(uuid.New(), 4, false)
	resp.LastKnownLeader = raftpb.LeaderRef{UUID: leader, Term: 5}
	voterRegion[resp.ResponderUUID] = "r1"
	c.RegisterVote(resp, false)

	require.Equal(t, Denied, c.Decision(), "election_term <= last_known_leader.term must lose immediately")
}

func TestFlexibleVoteCounter_VotingHistoryInference_FindsPotentialRegion(t *testing.T) {
	leader := uuid.New()
	follower := uuid.New()
	voterRegion := map[uuid.UUID]string{leader: "r1", follower: "r1"}
	rule := raftpb.CommitRule{Mode: raftpb.SingleRegionDynamic}
	c := NewFlexibleVoteCounter(rule, map[string]int{"r1": 1}, voterRegion, uuid.New(), "r1", 10)
	c.lastKnownLeader = raftpb.LeaderRef{UUID: leader, Term: 3}
	c.previousVoteHistories[follower] = []raftpb.PreviousVote{
		{Term: 4, CandidateUUID: leader},
	}

	regions, status := c.ComputeElectionResultFromVotingHistory()
	require.Equal(t, AllScanned, status)
	require.Contains(t, regions, "r1")
}
