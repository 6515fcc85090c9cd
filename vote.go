package flexraft

import (
	"github.com/thinkermao/flexraft/conf"
	"github.com/thinkermao/flexraft/election"
	"github.com/thinkermao/flexraft/raftpb"
)

// RequestVote services a RequestVote-equivalent RPC, implementing spec.md
// §4.7.2's decision tree in order: shutdown, test withhold, live leader,
// stale term, already-voted, stale candidate log, region lag, else grant
// (advancing term first when this is not a pre-election).
func (r *Replica) RequestVote(req *raftpb.VoteRequest) (*raftpb.VoteResponse, error) {
	if r.lifecycle.State() == election.Shutdown {
		return nil, illegalStateErr("flexraft: replica has shut down")
	}

	if !r.lockU.TryLock() {
		return &raftpb.VoteResponse{
			ResponderUUID:  r.id,
			ConsensusError: busyErr("flexraft: a concurrent Update is in flight"),
		}, nil
	}
	defer r.lockU.Unlock()

	r.lockS.Lock()
	defer r.lockS.Unlock()

	resp := &raftpb.VoteResponse{
		ResponderUUID:       r.id,
		PreviousVoteHistory: r.meta.PreviousVoteHistory(),
		LastPrunedTerm:      r.meta.LastPrunedTerm(),
		LastKnownLeader:     r.meta.LastKnownLeader(),
	}

	if r.testWithholdVotes {
		resp.ResponderTerm = r.meta.CurrentTerm()
		resp.ConsensusError = &raftpb.ConsensusError{Code: raftpb.ErrVoteWithheld, Message: "flexraft: withholding votes for test"}
		return resp, nil
	}

	if election.DenyVoteForLiveLeader(r.clock.Now(), r.lastHeartbeatFromLeader, r.minElectionTimeout, req.IgnoreLiveLeader) {
		resp.ResponderTerm = r.meta.CurrentTerm()
		resp.ConsensusError = &raftpb.ConsensusError{Code: raftpb.ErrLeaderIsAlive, Message: "flexraft: a leader is believed alive"}
		return resp, nil
	}

	if req.CandidateTerm < r.meta.CurrentTerm() {
		resp.ResponderTerm = r.meta.CurrentTerm()
		resp.ConsensusError = &raftpb.ConsensusError{Code: raftpb.ErrInvalidTerm, Message: "flexraft: stale candidate term"}
		return resp, nil
	}

	if req.CandidateTerm == r.meta.CurrentTerm() {
		if voted, ok := r.meta.VotedFor(); ok && voted != req.CandidateUUID {
			resp.ResponderTerm = r.meta.CurrentTerm()
			resp.ConsensusError = &raftpb.ConsensusError{Code: raftpb.ErrAlreadyVoted, Message: "flexraft: already voted for a different candidate this term"}
			return resp, nil
		}
	}

	lastLogged := r.logs.GetLastOpIdInLog()
	if req.LastReceived.Less(lastLogged) {
		resp.ResponderTerm = r.meta.CurrentTerm()
		resp.ConsensusError = &raftpb.ConsensusError{Code: raftpb.ErrLastOpIdTooOld, Message: "flexraft: candidate log trails this replica's"}
		return resp, nil
	}

	cfg := r.activeConfigLocked()
	if candidatePeer, ok := cfg.FindPeer(req.CandidateUUID); ok {
		if local, lok := cfg.FindPeer(r.id); lok {
			if election.DenyVoteForLag(cfg.CommitRule.Mode, local.Region, candidatePeer.Region, lastLogged, req.LastReceived, r.lagThreshold) {
				resp.ResponderTerm = r.meta.CurrentTerm()
				resp.ConsensusError = &raftpb.ConsensusError{Code: raftpb.ErrVoteWithheld, Message: "flexraft: candidate lags this region past the threshold"}
				return resp, nil
			}
		}
	}

	if !req.IsPreElection {
		if req.CandidateTerm > r.meta.CurrentTerm() {
			if err := r.meta.SetCurrentTerm(req.CandidateTerm, conf.SkipFlush); err != nil {
				return nil, err
			}
			r.role = Follower
		}
		if err := r.meta.SetVotedFor(req.CandidateUUID); err != nil {
			return nil, err
		}
		r.meta.AppendPreviousVote(r.meta.CurrentTerm(), req.CandidateUUID)
		// Snoozed twice to absorb the fsync jitter of the vote persist
		// above (spec.md §4.7.2).
		r.fd.SnoozeWithBackoff(0)
		r.fd.SnoozeWithBackoff(0)
	}

	resp.ResponderTerm = r.meta.CurrentTerm()
	resp.VoteGranted = true
	resp.PreviousVoteHistory = r.meta.PreviousVoteHistory()
	resp.LastPrunedTerm = r.meta.LastPrunedTerm()
	resp.LastKnownLeader = r.meta.LastKnownLeader()
	return resp, nil
}
