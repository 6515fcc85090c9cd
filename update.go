package flexraft

import (
	"hash/crc32"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/thinkermao/flexraft/internal/raftutil"
	"github.com/thinkermao/flexraft/pending"
	"github.com/thinkermao/flexraft/raftpb"
)

// Update services an AppendEntries-equivalent request from a leader (or a
// proxying follower), implementing spec.md §4.7.1's follower path in full:
// dedup, term check, log-matching verification, leader binding, early
// commit-index apply, prepare, durable append, and a final wait on the
// append's own synchronizer before returning.
func (r *Replica) Update(req *raftpb.ConsensusRequest) (*raftpb.ConsensusResponse, error) {
	if req.ProxyDestUUID != nil && *req.ProxyDestUUID != r.id {
		return r.proxyHandler.Forward(req)
	}

	if r.updatesRejected() {
		return nil, busyErr("flexraft: updates temporarily rejected")
	}

	r.lockU.Lock()
	defer r.lockU.Unlock()

	r.lockS.Lock()

	resp := &raftpb.ConsensusResponse{ResponderUUID: r.id}

	ops, precedingID := r.dedupeOpsLocked(req.Ops, req.PrecedingID)

	if req.CallerTerm < r.meta.CurrentTerm() {
		resp.ResponderTerm = r.meta.CurrentTerm()
		resp.Status.Error = &raftpb.ConsensusError{Code: raftpb.ErrInvalidTerm, Message: "flexraft: caller term is stale"}
		r.lockS.Unlock()
		return resp, nil
	}
	if req.CallerTerm > r.meta.CurrentTerm() {
		r.stepDownLocked(req.CallerTerm)
	}

	if !r.logMatchesLocked(precedingID) {
		truncated, _ := r.logs.TruncateOpsAfter(precedingID.Index - 1)
		if truncated != nil {
			r.pendingRounds.AbortOpsAfter(*truncated)
		}
		resp.ResponderTerm = r.meta.CurrentTerm()
		resp.Status.Error = &raftpb.ConsensusError{Code: raftpb.ErrPrecedingEntryDidntMatch, Message: "flexraft: preceding opid does not match"}
		r.lockS.Unlock()
		return resp, nil
	}

	newLeaderDetected := false
	if _, ok := r.meta.LeaderUUID(); !ok {
		r.meta.SetLeaderUUID(req.CallerUUID)
		newLeaderDetected = true
	}
	r.lastHeartbeatFromLeader = r.clock.Now()

	earlyCommit := raftutil.MinUint64(raftutil.MinUint64(r.pendingRounds.LastIndex(), precedingID.Index), req.CommittedIndex)
	if earlyCommit > r.pendingRounds.CommittedIndex() {
		r.pendingRounds.AdvanceCommitted(earlyCommit)
	}

	if r.memoryPressureExceeded() {
		resp.ResponderTerm = r.meta.CurrentTerm()
		resp.Status.Error = &raftpb.ConsensusError{Code: raftpb.ErrServiceUnavailable, Message: "flexraft: soft memory limit exceeded"}
		r.lockS.Unlock()
		return resp, nil
	}

	accepted := make([]raftpb.Entry, 0, len(ops))
	prevID := precedingID
	for _, e := range ops {
		if err := pending.CheckOpInSequence(prevID, e.ID); err != nil {
			log.Warnf("%s: rejecting out-of-sequence op: %v", r.id, err)
			break
		}
		if !r.prepareEntryLocked(e) {
			break
		}
		accepted = append(accepted, e)
		prevID = e.ID
	}
	if len(accepted) < len(ops) {
		truncateAt := precedingID.Index
		if len(accepted) > 0 {
			truncateAt = accepted[len(accepted)-1].ID.Index
		}
		r.logs.TruncateOpsAfter(truncateAt)
		r.pendingRounds.AbortOpsAfter(truncateAt)
	}

	done := make(chan struct{})
	var appendErr error
	if len(accepted) > 0 {
		r.logs.AppendBatch(accepted, func(err error) {
			appendErr = err
			close(done)
		})
	} else {
		close(done)
	}

	if len(accepted) > 0 {
		last := accepted[len(accepted)-1].ID
		committed := raftutil.MinUint64(last.Index, req.CommittedIndex)
		if committed > r.pendingRounds.CommittedIndex() {
			r.pendingRounds.AdvanceCommitted(committed)
		}
		var regionDurable uint64
		if req.RegionDurableIndex != nil {
			regionDurable = *req.RegionDurableIndex
		}
		r.queue.UpdateFollowerWatermarks(committed, req.AllReplicatedIndex, regionDurable)
		resp.Status.LastReceived = last
	} else {
		resp.Status.LastReceived = precedingID
	}
	resp.Status.LastReceivedCurrentLeader = resp.Status.LastReceived
	resp.Status.LastCommittedIdx = r.pendingRounds.CommittedIndex()
	resp.ResponderTerm = r.meta.CurrentTerm()

	r.lockS.Unlock()

	if newLeaderDetected {
		r.fd.Snooze()
	}

	r.waitForSyncWithSnoozeLoop(done)
	if appendErr != nil {
		return nil, appendErr
	}
	return resp, nil
}

// dedupeOpsLocked drops ops already committed or already pending at a
// matching (term,index), resetting preceding accordingly (spec.md §4.7.1
// step 2).
func (r *Replica) dedupeOpsLocked(ops []raftpb.Entry, preceding raftpb.OpId) ([]raftpb.Entry, raftpb.OpId) {
	committed := r.pendingRounds.CommittedIndex()
	i := 0
	for i < len(ops) {
		e := ops[i]
		if e.ID.Index <= committed {
			preceding = e.ID
			i++
			continue
		}
		if existing, ok := r.pendingRounds.GetPendingByIndex(e.ID.Index); ok && existing.ID == e.ID {
			preceding = e.ID
			i++
			continue
		}
		break
	}
	return ops[i:], preceding
}

// logMatchesLocked verifies preceding is either already committed or
// pending with a matching term (spec.md §4.7.1 step 4).
func (r *Replica) logMatchesLocked(preceding raftpb.OpId) bool {
	if preceding == raftpb.MinOpId {
		return true
	}
	if preceding.Index <= r.pendingRounds.CommittedIndex() {
		return true
	}
	round, ok := r.pendingRounds.GetPendingByIndex(preceding.Index)
	if !ok {
		return false
	}
	return round.ID.Term == preceding.Term
}

// prepareEntryLocked validates e's CRC (if present), hands it to the round
// handler, and on success registers it as a pending round bound to the
// current term. It returns false on the first failure, signaling the
// caller to stop and truncate the tail (spec.md §4.7.1 step 8).
func (r *Replica) prepareEntryLocked(e raftpb.Entry) bool {
	if e.Msg.CRC32 != nil && crc32.ChecksumIEEE(e.Msg.Payload) != *e.Msg.CRC32 {
		log.Warnf("%s: CRC mismatch at %v, truncating tail", r.id, e.ID)
		return false
	}

	var err error
	switch e.Msg.OpType {
	case raftpb.OpNormal:
		err = r.rounds.StartFollowerTransaction(e)
	default:
		err = r.rounds.StartConsensusOnlyRound(e)
	}
	if err != nil {
		log.Warnf("%s: prepare failed at %v: %v", r.id, e.ID, err)
		return false
	}

	if e.Msg.OpType == raftpb.OpChangeConfig && e.Msg.ConfChange != nil {
		cfg := *e.Msg.ConfChange
		cfg.OpIDIndex = e.ID.Index
		if cerr := r.meta.SetPendingConfig(cfg); cerr != nil {
			log.Warnf("%s: failed to install pending config from follower path: %v", r.id, cerr)
		}
	}

	round := &pending.Round{ID: e.ID, Msg: e.Msg, BoundTerm: r.meta.CurrentTerm(), Callback: r.roundCallback(e, nil)}
	if err := r.pendingRounds.Add(round); err != nil {
		log.Warnf("%s: failed to enqueue pending round at %v: %v", r.id, e.ID, err)
		return false
	}
	return true
}

// roundCallback wraps a round's completion: config-change rounds commit or
// abort the pending config; no-op rounds are handed to the round handler's
// consensus-only completion; userCb (set by the caller of Replicate /
// ChangeConfig) always fires last.
//
// pending.Rounds invokes a round's callback synchronously from inside
// AdvanceCommitted/AbortOpsAfter, and every call site of those two methods
// holds lockS already, so this must never try to take lockS itself — doing
// so would deadlock against the very call that is driving it.
func (r *Replica) roundCallback(entry raftpb.Entry, userCb func(error)) func(error) {
	return func(err error) {
		switch entry.Msg.OpType {
		case raftpb.OpChangeConfig:
			if err != nil {
				r.meta.ClearPendingConfigIfMatches(entry.ID.Index)
			} else if entry.Msg.ConfChange != nil {
				cfg := *entry.Msg.ConfChange
				cfg.OpIDIndex = entry.ID.Index
				if cerr := r.meta.SetCommittedConfig(cfg); cerr != nil {
					log.Warnf("%s: failed to commit config at index %d: %v", r.id, entry.ID.Index, cerr)
				}
				r.routes.Rebuild(r.id, cfg, r.routingPolicy)
				// TODO: re-sync the peer queue's tracked-peer set against
				// the new config mid-term; today SetLeaderMode only runs
				// when becoming leader.
			}
			if err == nil && r.rounds != nil {
				r.rounds.FinishConsensusOnlyRound(entry)
			}
		case raftpb.OpNoOp:
			if err == nil && r.rounds != nil {
				r.rounds.FinishConsensusOnlyRound(entry)
			}
		}
		if userCb != nil {
			userCb(err)
		}
	}
}

// waitForSyncWithSnoozeLoop blocks until done closes, periodically
// snoozing the failure detector so a slow fsync doesn't make this replica
// start its own election while waiting on its own durable write (spec.md
// §4.7.1 step 11).
func (r *Replica) waitForSyncWithSnoozeLoop(done chan struct{}) {
	interval := r.heartbeatInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			r.fd.Snooze()
		}
	}
}
