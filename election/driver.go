package election

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/google/uuid"

	"github.com/thinkermao/flexraft/host"
	"github.com/thinkermao/flexraft/raftpb"
)

// Mode selects the kind of campaign being driven (spec.md §4.5.1).
type Mode int

const (
	NormalElection Mode = iota
	PreElection
	ElectEvenIfLeaderAlive
)

func (m Mode) String() string {
	switch m {
	case PreElection:
		return "PRE_ELECTION"
	case ElectEvenIfLeaderAlive:
		return "ELECT_EVEN_IF_LEADER_ALIVE"
	default:
		return "NORMAL"
	}
}

// Tally is the interface both VoteCounter (wrapped, see NewClassicTally)
// and FlexibleVoteCounter satisfy, letting Campaign drive either without
// caring which commit rule is in effect.
type Tally interface {
	RegisterVote(resp *raftpb.VoteResponse, granted bool)
	Decision() Decision
}

// classicTally adapts VoteCounter's (voter, granted) signature to Tally.
type classicTally struct{ *VoteCounter }

func NewClassicTally(c *VoteCounter) Tally { return classicTally{c} }

func (t classicTally) RegisterVote(resp *raftpb.VoteResponse, granted bool) {
	if err := t.VoteCounter.RegisterVote(resp.ResponderUUID, granted); err != nil {
		log.Warnf("election: %v", err)
	}
}

// VotingHistoryTally is implemented by tallies that can fall back to the
// bounded voting-history inference of spec.md §4.5.3 step 5 once a
// crowdsource window elapses without a classic decision. classicTally has
// no notion of regions or history and does not implement it.
type VotingHistoryTally interface {
	Tally
	DecisionFromVotingHistory() Decision
}

// Explain renders tally's current vote breakdown for diagnostics,
// mirroring Kudu's VLOG'd per-region/per-candidate tallies.
func Explain(tally Tally) string {
	switch t := tally.(type) {
	case classicTally:
		return fmt.Sprintf("yes=%d no=%d", t.YesVotes(), t.NoVotes())
	case *FlexibleVoteCounter:
		return fmt.Sprintf("regions=%v", t.RegionTally())
	default:
		return ""
	}
}

// Result is the outcome of a completed campaign.
type Result struct {
	Decision        Decision
	HighestVoterTerm uint64
}

// Campaign dispatches buildRequest's VoteRequest to every voter other than
// self concurrently via factory, each timed out at timeout, and feeds
// responses into tally until it decides, every voter has answered (or
// failed), or the campaign-wide timeout elapses. A responder reporting a
// term above electionTerm immediately finalizes the campaign as Denied
// (spec.md §4.5.4's higher-term short-circuit).
//
// crowdsourceWindow, when positive and shorter than timeout, arms a second
// timer: if it fires before tally has reached a classic decision and tally
// implements VotingHistoryTally, Campaign asks it to fall back to the
// bounded voting-history inference of spec.md §4.5.3 step 5 rather than
// waiting out the full campaign timeout. A zero crowdsourceWindow disables
// the fallback entirely.
func Campaign(self uuid.UUID, voters []raftpb.Peer, electionTerm uint64, buildRequest func(raftpb.Peer) *raftpb.VoteRequest, factory host.PeerRPCProxyFactory, tally Tally, timeout, crowdsourceWindow time.Duration, clk host.Clock) Result {
	type response struct {
		resp *raftpb.VoteResponse
		err  error
	}

	ch := make(chan response, len(voters))
	outstanding := 0
	var cancels []host.CancelFunc

	for _, v := range voters {
		if v.UUID == self {
			continue
		}
		proxy, err := factory.NewProxy(v)
		if err != nil {
			log.Warnf("election: failed to build proxy for voter %s: %v", v.UUID, err)
			ch <- response{nil, err}
			outstanding++
			continue
		}
		outstanding++
		cancel := proxy.RequestConsensusVote(buildRequest(v), func(resp *raftpb.VoteResponse, err error) {
			ch <- response{resp, err}
		})
		cancels = append(cancels, cancel)
	}

	timedOut := make(chan struct{})
	timer := clk.AfterFunc(timeout, func() { close(timedOut) })
	defer timer.Stop()
	defer func() {
		for _, cancel := range cancels {
			cancel()
		}
	}()

	historyTally, hasHistoryFallback := tally.(VotingHistoryTally)
	var crowdsourceElapsed chan struct{}
	if hasHistoryFallback && crowdsourceWindow > 0 && crowdsourceWindow < timeout {
		crowdsourceElapsed = make(chan struct{})
		crowdsourceTimer := clk.AfterFunc(crowdsourceWindow, func() { close(crowdsourceElapsed) })
		defer crowdsourceTimer.Stop()
	}

	var highestVoterTerm uint64
	received := 0
	for received < outstanding {
		select {
		case r := <-ch:
			received++
			if r.err != nil || r.resp == nil {
				continue
			}
			if r.resp.ResponderTerm > electionTerm {
				if r.resp.ResponderTerm > highestVoterTerm {
					highestVoterTerm = r.resp.ResponderTerm
				}
				return Result{Decision: Denied, HighestVoterTerm: highestVoterTerm}
			}
			tally.RegisterVote(r.resp, r.resp.VoteGranted)
			if d := tally.Decision(); d != Pending {
				return Result{Decision: d, HighestVoterTerm: highestVoterTerm}
			}
		case <-crowdsourceElapsed:
			crowdsourceElapsed = nil // fire the fallback at most once
			if d := historyTally.DecisionFromVotingHistory(); d != Pending {
				return Result{Decision: d, HighestVoterTerm: highestVoterTerm}
			}
		case <-timedOut:
			return Result{Decision: tally.Decision(), HighestVoterTerm: highestVoterTerm}
		}
	}
	return Result{Decision: tally.Decision(), HighestVoterTerm: highestVoterTerm}
}

// DenyVoteForLiveLeader implements spec.md §4.5.5's anti-disruption check:
// a voter withholds its vote (without stepping down) when it heard from a
// leader within the minimum election timeout, unless the request sets
// ignore_live_leader.
func DenyVoteForLiveLeader(now, lastHeartbeatFromLeader time.Time, minElectionTimeout time.Duration, ignoreLiveLeader bool) bool {
	if ignoreLiveLeader {
		return false
	}
	return now.Sub(lastHeartbeatFromLeader) < minElectionTimeout
}

// DenyVoteForLag implements the optional single-region-dynamic lag check:
// a same-region voter whose log trails the candidate's reported
// last-received OpId by more than lagThreshold entries denies the vote,
// even though the leader isn't live.
func DenyVoteForLag(mode raftpb.CommitRuleMode, voterRegion, candidateRegion string, voterLastReceived, candidateLastReceived raftpb.OpId, lagThreshold uint64) bool {
	if mode != raftpb.SingleRegionDynamic || voterRegion != candidateRegion {
		return false
	}
	if candidateLastReceived.Index <= voterLastReceived.Index {
		return false
	}
	return candidateLastReceived.Index-voterLastReceived.Index > lagThreshold
}
