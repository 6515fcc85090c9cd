package flexraft

import (
	log "github.com/sirupsen/logrus"
	"github.com/google/uuid"

	"github.com/thinkermao/flexraft/pending"
	"github.com/thinkermao/flexraft/raftpb"
)

// Replicate appends msg as a new round under the leader's own term,
// implementing spec.md §4.7.3: under U then S, assert leader and no
// transfer in progress, bind to the current term, append to pending and
// to the log/peer queue, release locks, signal peers. cb fires once the
// round commits or is aborted by a newer leader.
func (r *Replica) Replicate(msg raftpb.ReplicateMsg, cb func(error)) (raftpb.OpId, error) {
	r.lockU.Lock()
	defer r.lockU.Unlock()
	return r.appendRoundLocked(msg, cb)
}

// appendRoundLocked requires lockU held by the caller; it acquires and
// releases lockS itself, matching spec.md §4.7.3's "release locks; signal
// peers" (peers are dispatched to only after S is released).
func (r *Replica) appendRoundLocked(msg raftpb.ReplicateMsg, cb func(error)) (raftpb.OpId, error) {
	r.lockS.Lock()

	if r.role != Leader {
		r.lockS.Unlock()
		return raftpb.OpId{}, illegalStateErr("flexraft: not leader")
	}
	if r.leaderTransferInProgress {
		r.lockS.Unlock()
		return raftpb.OpId{}, serviceUnavailableErr("flexraft: leader transfer in progress")
	}

	entry := r.queue.AppendOperation(msg, func(error) {}, r.clock.Now())
	if r.firstIndexInCurrentTerm == nil {
		idx := entry.ID.Index
		r.firstIndexInCurrentTerm = &idx
	}

	round := &pending.Round{
		ID:        entry.ID,
		Msg:       msg,
		BoundTerm: r.meta.CurrentTerm(),
		Callback:  r.roundCallback(entry, cb),
	}
	if err := r.pendingRounds.Add(round); err != nil {
		r.lockS.Unlock()
		return raftpb.OpId{}, err
	}

	if msg.OpType == raftpb.OpChangeConfig && msg.ConfChange != nil {
		cfg := *msg.ConfChange
		cfg.OpIDIndex = entry.ID.Index
		if err := r.meta.SetPendingConfig(cfg); err != nil {
			log.Warnf("%s: failed to install pending config: %v", r.id, err)
		}
	}

	peers := r.peerUUIDsLocked()
	r.lockS.Unlock()

	for _, p := range peers {
		r.dispatchToPeer(p)
	}
	return entry.ID, nil
}

// ReplicateBatch appends msgs as a contiguous run of rounds under the
// leader's own term in one log append, the batched counterpart to
// Replicate. cb fires once per entry in msgs order, each wrapping its
// own config-change/no-op completion exactly as Replicate's does.
func (r *Replica) ReplicateBatch(msgs []raftpb.ReplicateMsg, cbs []func(error)) ([]raftpb.OpId, error) {
	r.lockU.Lock()
	defer r.lockU.Unlock()
	return r.appendBatchLocked(msgs, cbs)
}

// appendBatchLocked requires lockU held by the caller; see appendRoundLocked.
func (r *Replica) appendBatchLocked(msgs []raftpb.ReplicateMsg, cbs []func(error)) ([]raftpb.OpId, error) {
	r.lockS.Lock()

	if r.role != Leader {
		r.lockS.Unlock()
		return nil, illegalStateErr("flexraft: not leader")
	}
	if r.leaderTransferInProgress {
		r.lockS.Unlock()
		return nil, serviceUnavailableErr("flexraft: leader transfer in progress")
	}

	entries := r.queue.AppendOperations(msgs, func(error) {}, r.clock.Now())
	if r.firstIndexInCurrentTerm == nil && len(entries) > 0 {
		idx := entries[0].ID.Index
		r.firstIndexInCurrentTerm = &idx
	}

	ids := make([]raftpb.OpId, 0, len(entries))
	for i, entry := range entries {
		var userCb func(error)
		if i < len(cbs) {
			userCb = cbs[i]
		}
		round := &pending.Round{
			ID:        entry.ID,
			Msg:       entry.Msg,
			BoundTerm: r.meta.CurrentTerm(),
			Callback:  r.roundCallback(entry, userCb),
		}
		if err := r.pendingRounds.Add(round); err != nil {
			r.lockS.Unlock()
			return ids, err
		}
		if entry.Msg.OpType == raftpb.OpChangeConfig && entry.Msg.ConfChange != nil {
			cfg := *entry.Msg.ConfChange
			cfg.OpIDIndex = entry.ID.Index
			if err := r.meta.SetPendingConfig(cfg); err != nil {
				log.Warnf("%s: failed to install pending config: %v", r.id, err)
			}
		}
		ids = append(ids, entry.ID)
	}

	peers := r.peerUUIDsLocked()
	r.lockS.Unlock()

	for _, p := range peers {
		r.dispatchToPeer(p)
	}
	return ids, nil
}

// dispatchToPeer builds the pending AppendEntries-equivalent request for
// peerUUID and sends it asynchronously, feeding the response back into the
// peer queue once it arrives.
func (r *Replica) dispatchToPeer(peerUUID uuid.UUID) {
	r.lockS.Lock()
	req, needTabletCopy, nextHop, err := r.queue.RequestForPeer(peerUUID, true)
	r.lockS.Unlock()
	if err != nil {
		log.Debugf("%s: building request for %s failed: %v", r.id, peerUUID, err)
		return
	}
	if needTabletCopy {
		log.Warnf("%s: peer %s has fallen out of the log's retention window and needs a tablet copy", r.id, peerUUID)
		return
	}

	peer, ok := r.resolvePeer(nextHop)
	if !ok {
		log.Warnf("%s: next hop %s toward %s is not a known peer", r.id, nextHop, peerUUID)
		return
	}
	peerProxy, err := r.factory.NewProxy(peer)
	if err != nil {
		log.Warnf("%s: failed to build a proxy for %s: %v", r.id, nextHop, err)
		return
	}

	peerProxy.UpdateConsensus(req, func(resp *raftpb.ConsensusResponse, err error) {
		if err != nil {
			log.Debugf("%s: UpdateConsensus to %s via %s failed: %v", r.id, peerUUID, nextHop, err)
			return
		}
		r.lockS.Lock()
		r.handlePeerResponseLocked(peerUUID, resp)
		r.lockS.Unlock()
	})
}

func (r *Replica) handlePeerResponseLocked(peerUUID uuid.UUID, resp *raftpb.ConsensusResponse) {
	if resp.ResponderTerm > r.meta.CurrentTerm() {
		r.stepDownLocked(resp.ResponderTerm)
		return
	}
	r.queue.ResponseFromPeer(peerUUID, resp, r.clock.Now())
}
