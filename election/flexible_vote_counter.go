package election

import (
	"sort"

	"github.com/google/uuid"

	"github.com/thinkermao/flexraft/raftpb"
)

// maxVotingHistoryIterations bounds compute_election_result_from_voting_history
// (spec.md §4.5.3): Kudu's leader_election.cc runs this loop until either the
// election term is reached or histories are exhausted, but a corrupt or
// adversarial history must never spin the election thread forever.
const maxVotingHistoryIterations = 64

// VotingHistoryStatus is the result of the voting-history inference
// algorithm (spec.md §4.5.3).
type VotingHistoryStatus int

const (
	Waiting VotingHistoryStatus = iota
	PotentialRegions
	AllScanned
	HistoryError
)

func (s VotingHistoryStatus) String() string {
	switch s {
	case PotentialRegions:
		return "POTENTIAL_REGIONS"
	case AllScanned:
		return "ALL_SCANNED"
	case HistoryError:
		return "ERROR"
	default:
		return "WAITING"
	}
}

type regionTally struct {
	yes   map[uuid.UUID]struct{}
	no    map[uuid.UUID]struct{}
	total int
}

func newRegionTally(total int) *regionTally {
	return &regionTally{yes: map[uuid.UUID]struct{}{}, no: map[uuid.UUID]struct{}{}, total: total}
}

func (t *regionTally) majoritySatisfied() bool {
	if t.total == 0 {
		return false
	}
	return len(t.yes) >= raftpb.MajoritySize(t.total)
}

// unsatisfiable reports whether the region can no longer reach majority
// YES even if every outstanding voter votes yes.
func (t *regionTally) unsatisfiable() bool {
	if t.total == 0 {
		return true
	}
	outstanding := t.total - len(t.yes) - len(t.no)
	return len(t.yes)+outstanding < raftpb.MajoritySize(t.total)
}

func (t *regionTally) responded() int { return len(t.yes) + len(t.no) }

// FlexibleVoteCounter tallies a region-partitioned election (spec.md
// §4.5.3): classic per-region majorities combined by the active config's
// commit rule, plus a dynamic single-region mode that crowdsources the
// last known leader and, failing a pessimistic quorum, falls back to
// voting-history inference.
type FlexibleVoteCounter struct {
	rule              raftpb.CommitRule
	voterDistribution map[string]int
	voterRegion       map[uuid.UUID]string
	candidateUUID     uuid.UUID
	candidateRegion   string
	electionTerm      uint64

	regions map[string]*regionTally

	lastKnownLeader       raftpb.LeaderRef
	previousVoteHistories map[uuid.UUID][]raftpb.PreviousVote
	lastPrunedTerm        map[uuid.UUID]uint64

	totalVoters int
}

// NewFlexibleVoteCounter returns a counter for a candidate's election at
// electionTerm, over the regions/quorums named in voterDistribution.
func NewFlexibleVoteCounter(rule raftpb.CommitRule, voterDistribution map[string]int, voterRegion map[uuid.UUID]string, candidateUUID uuid.UUID, candidateRegion string, electionTerm uint64) *FlexibleVoteCounter {
	regions := make(map[string]*regionTally, len(voterDistribution))
	total := 0
	for region, size := range voterDistribution {
		regions[region] = newRegionTally(size)
		total += size
	}
	return &FlexibleVoteCounter{
		rule:                  rule,
		voterDistribution:     voterDistribution,
		voterRegion:           voterRegion,
		candidateUUID:         candidateUUID,
		candidateRegion:       candidateRegion,
		electionTerm:          electionTerm,
		regions:               regions,
		previousVoteHistories: map[uuid.UUID][]raftpb.PreviousVote{},
		lastPrunedTerm:        map[uuid.UUID]uint64{},
		totalVoters:           total,
	}
}

// RegisterVote records a voter's response: its ballot, its reported
// last-known-leader (crowdsourced by keeping the highest term seen), and
// its previous-vote history for the voting-history fallback.
func (c *FlexibleVoteCounter) RegisterVote(resp *raftpb.VoteResponse, granted bool) {
	region, ok := c.voterRegion[resp.ResponderUUID]
	if !ok {
		return
	}
	tally, ok := c.regions[region]
	if !ok {
		return
	}
	if granted {
		tally.yes[resp.ResponderUUID] = struct{}{}
	} else {
		tally.no[resp.ResponderUUID] = struct{}{}
	}

	if resp.LastKnownLeader.Term > c.lastKnownLeader.Term {
		c.lastKnownLeader = resp.LastKnownLeader
	}
	c.previousVoteHistories[resp.ResponderUUID] = resp.PreviousVoteHistory
	c.lastPrunedTerm[resp.ResponderUUID] = resp.LastPrunedTerm
}

func (c *FlexibleVoteCounter) allVotesIn() bool {
	responded := 0
	for _, t := range c.regions {
		responded += t.responded()
	}
	return responded >= c.totalVoters
}

// RegionTally exposes per-region YES/NO counts for diagnostics (spec.md's
// supplemented VLOG-equivalent region tally, see SPEC_FULL.md).
func (c *FlexibleVoteCounter) RegionTally() map[string][2]int {
	out := make(map[string][2]int, len(c.regions))
	for region, t := range c.regions {
		out[region] = [2]int{len(t.yes), len(t.no)}
	}
	return out
}

// Decision evaluates the counter's current state per spec.md §4.5.3.
func (c *FlexibleVoteCounter) Decision() Decision {
	switch c.rule.Mode {
	case raftpb.StaticDisjunction, raftpb.StaticConjunction:
		return c.staticDecision()
	default:
		return c.dynamicDecision()
	}
}

func (c *FlexibleVoteCounter) staticDecision() Decision {
	results := make([]Decision, len(c.rule.Predicates))
	for i, p := range c.rule.Predicates {
		results[i] = c.predicateDecision(p)
	}

	if c.rule.Mode == raftpb.StaticDisjunction {
		anyPending := false
		for _, r := range results {
			if r == Granted {
				return Granted
			}
			if r == Pending {
				anyPending = true
			}
		}
		if anyPending {
			return Pending
		}
		return Denied
	}

	// Conjunction.
	allGranted := len(results) > 0
	for _, r := range results {
		if r == Denied {
			return Denied
		}
		if r != Granted {
			allGranted = false
		}
	}
	if allGranted {
		return Granted
	}
	return Pending
}

func (c *FlexibleVoteCounter) predicateDecision(p raftpb.RegionPredicate) Decision {
	satisfied, possible := 0, 0
	for _, region := range p.Regions {
		tally, ok := c.regions[region]
		if !ok {
			continue
		}
		if tally.majoritySatisfied() {
			satisfied++
		}
		if !tally.unsatisfiable() {
			possible++
		}
	}
	if satisfied >= p.K {
		return Granted
	}
	if possible < p.K {
		return Denied
	}
	return Pending
}

// dynamicDecision implements spec.md §4.5.3's single-region-dynamic steps
// 1-4; step 5's voting-history fallback is exposed separately as
// ComputeElectionResultFromVotingHistory since it needs a caller-supplied
// time budget, not just the current tally.
func (c *FlexibleVoteCounter) dynamicDecision() Decision {
	// Step 2: a known, newer-or-equal leader beats us outright.
	if c.lastKnownLeader.Term > 0 && c.electionTerm <= c.lastKnownLeader.Term {
		return Denied
	}

	// Step 3: pessimistic check, majority in every region.
	allSatisfied, anyImpossible := true, false
	for _, t := range c.regions {
		if !t.majoritySatisfied() {
			allSatisfied = false
		}
		if t.unsatisfiable() {
			anyImpossible = true
		}
	}
	if allSatisfied {
		return Granted
	}
	if anyImpossible && c.lastKnownLeader.UUID == uuid.Nil {
		return Denied
	}

	// Step 4: once we know the previous leader's term boundary (or have
	// every vote in hand), a majority within its region suffices.
	if c.lastKnownLeader.UUID != uuid.Nil &&
		(c.electionTerm == c.lastKnownLeader.Term+1 || c.allVotesIn()) {
		leaderRegion := c.voterRegion[c.lastKnownLeader.UUID]
		tally, ok := c.regions[leaderRegion]
		if ok {
			if tally.majoritySatisfied() {
				return Granted
			}
			if tally.unsatisfiable() {
				return Denied
			}
		}
	}

	// Step 5 requires the bounded voting-history fallback; callers invoke
	// ComputeElectionResultFromVotingHistory explicitly once they're ready
	// to spend the time budget on it.
	return Pending
}

// ComputeElectionResultFromVotingHistory implements spec.md §4.5.3's
// voting-history inference: starting at the crowdsourced last-known
// leader's term, it iteratively computes which regions could plausibly
// have elected a leader at each subsequent term, using every voter's
// reported previous-vote history, until either electionTerm is reached,
// the histories are exhausted, or maxVotingHistoryIterations is spent.
//
// This is a bounded approximation of Kudu's algorithm: it treats every
// voter that a region hasn't heard from yet as a possible YES (the same
// conservative assumption regionTally.unsatisfiable uses), rather than
// separately modeling pruned vs. absent histories.
func (c *FlexibleVoteCounter) ComputeElectionResultFromVotingHistory() (regions []string, status VotingHistoryStatus) {
	term := c.lastKnownLeader.Term
	potential := map[string]bool{}
	if c.lastKnownLeader.UUID != uuid.Nil {
		potential[c.voterRegion[c.lastKnownLeader.UUID]] = true
	}

	for iter := 0; iter < maxVotingHistoryIterations && term < c.electionTerm; iter++ {
		nextTerm, votesByCandidate, found := c.nextVotesAfterTerm(term)
		if !found {
			return sortedKeys(potential), AllScanned
		}

		for candidate, byRegion := range votesByCandidate {
			candidateRegion, ok := c.voterRegion[candidate]
			if !ok {
				continue
			}
			for region, count := range byRegion {
				if len(potential) > 0 && !potential[region] {
					continue
				}
				size := c.voterDistribution[region]
				absent := 0
				if t, ok := c.regions[region]; ok && t.total > t.responded() {
					absent = t.total - t.responded()
				}
				if size > 0 && count+absent >= raftpb.MajoritySize(size) {
					potential[candidateRegion] = true
				}
			}
		}
		term = nextTerm
	}

	if term >= c.electionTerm {
		finalRegions := sortedKeys(potential)
		if len(finalRegions) == 0 {
			return finalRegions, Waiting
		}
		return finalRegions, PotentialRegions
	}
	return sortedKeys(potential), Waiting
}

// DecisionFromVotingHistory implements spec.md §4.5.3 step 5 for the
// Campaign driver: it re-checks dynamicDecision first (a classic majority
// may have landed while the crowdsource window was ticking), then, only on
// a genuine gap, runs ComputeElectionResultFromVotingHistory and resolves
// its result into a Decision.
//
// If a region outside the candidate's own could plausibly have elected a
// leader, that region may already have a legitimate leader the candidate
// simply hasn't heard from yet, so the candidate stands down (Denied)
// rather than risk split-brain. Otherwise the candidate's own region's
// tally decides the election on its own merits.
func (c *FlexibleVoteCounter) DecisionFromVotingHistory() Decision {
	if d := c.dynamicDecision(); d != Pending {
		return d
	}

	regions, status := c.ComputeElectionResultFromVotingHistory()
	switch status {
	case Waiting:
		return Pending
	case HistoryError:
		return Denied
	}

	for _, region := range regions {
		if region != c.candidateRegion {
			return Denied
		}
	}

	tally, ok := c.regions[c.candidateRegion]
	if !ok {
		return Denied
	}
	if tally.majoritySatisfied() {
		return Granted
	}
	if tally.unsatisfiable() {
		return Denied
	}
	return Pending
}

// nextVotesAfterTerm finds the smallest vote term strictly greater than
// after across every voter's history, and collates, per candidate and
// voter-region, how many voters cast that vote.
func (c *FlexibleVoteCounter) nextVotesAfterTerm(after uint64) (nextTerm uint64, byCandidate map[uuid.UUID]map[string]int, found bool) {
	nextTerm = ^uint64(0)
	for _, history := range c.previousVoteHistories {
		for _, v := range history {
			if v.Term > after && v.Term < nextTerm {
				nextTerm = v.Term
				found = true
			}
		}
	}
	if !found {
		return 0, nil, false
	}

	byCandidate = map[uuid.UUID]map[string]int{}
	for voter, history := range c.previousVoteHistories {
		region, ok := c.voterRegion[voter]
		if !ok {
			continue
		}
		for _, v := range history {
			if v.Term != nextTerm {
				continue
			}
			if byCandidate[v.CandidateUUID] == nil {
				byCandidate[v.CandidateUUID] = map[string]int{}
			}
			byCandidate[v.CandidateUUID][region]++
		}
	}
	return nextTerm, byCandidate, true
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
