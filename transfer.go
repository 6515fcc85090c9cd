package flexraft

import (
	"github.com/google/uuid"

	"github.com/thinkermao/flexraft/peerqueue"
	"github.com/thinkermao/flexraft/raftpb"
)

// TransferLeadership begins a leader-transfer episode (spec.md §4.7.5):
// target, if non-nil, must name a voter in the active config; otherwise
// the queue's successor watch picks the first peer satisfying filter once
// it has caught up to the leader's own log. Writes and config changes are
// rejected for the duration of the transfer.
func (r *Replica) TransferLeadership(target *uuid.UUID, filter func(peerqueue.TrackedPeer) bool, transferContext interface{}) error {
	r.lockS.Lock()
	defer r.lockS.Unlock()

	if r.role != Leader {
		return illegalStateErr("flexraft: TransferLeadership called while not leader")
	}
	if target != nil {
		activeCfg := r.activeConfigLocked()
		p, ok := activeCfg.FindPeer(*target)
		if !ok || p.MemberType != raftpb.VOTER {
			return illegalStateErr("flexraft: transfer target must be a voter in the active config")
		}
	}

	r.leaderTransferInProgress = true
	r.successorNotified = false
	r.queue.BeginWatchForSuccessor(target, filter, transferContext)

	if r.transferTimer != nil {
		r.transferTimer.Stop()
	}
	r.transferTimer = r.clock.AfterFunc(r.electionTimeout, r.endTransferPeriod)
	return nil
}

// CancelTransferLeadership cancels an in-progress transfer. It is only
// effective if the queue has not yet notified a successor to start its own
// election (spec.md §4.7.5).
func (r *Replica) CancelTransferLeadership() error {
	r.lockS.Lock()
	defer r.lockS.Unlock()

	if !r.leaderTransferInProgress {
		return nil
	}
	if r.successorNotified {
		return illegalStateErr("flexraft: a successor has already been notified, cancel is too late")
	}

	r.queue.EndWatchForSuccessor()
	r.endTransferPeriodLocked()
	return nil
}

func (r *Replica) endTransferPeriod() {
	r.lockS.Lock()
	defer r.lockS.Unlock()
	r.endTransferPeriodLocked()
}

func (r *Replica) endTransferPeriodLocked() {
	r.leaderTransferInProgress = false
	r.successorNotified = false
	if r.transferTimer != nil {
		r.transferTimer.Stop()
		r.transferTimer = nil
	}
}
