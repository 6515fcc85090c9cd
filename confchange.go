package flexraft

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/thinkermao/flexraft/raftpb"
)

// ChangeConfig applies a single config change, implementing spec.md
// §4.7.4.
func (r *Replica) ChangeConfig(req *raftpb.ConfChangeRequest, cb func(error)) (raftpb.OpId, error) {
	return r.changeConfig(req, cb)
}

// BulkChangeConfig applies a multi-change request, still constrained to at
// most one VOTER-status-modifying change per request (spec.md §4.7.4).
func (r *Replica) BulkChangeConfig(req *raftpb.ConfChangeRequest, cb func(error)) (raftpb.OpId, error) {
	return r.changeConfig(req, cb)
}

func (r *Replica) changeConfig(req *raftpb.ConfChangeRequest, cb func(error)) (raftpb.OpId, error) {
	r.lockU.Lock()
	defer r.lockU.Unlock()

	r.lockS.Lock()
	newConfig, err := r.validateConfigChangeLocked(req)
	r.lockS.Unlock()
	if err != nil {
		return raftpb.OpId{}, err
	}

	return r.appendRoundLocked(raftpb.ReplicateMsg{OpType: raftpb.OpChangeConfig, ConfChange: &newConfig}, cb)
}

// validateConfigChangeLocked implements spec.md §4.7.4's precondition
// checks (leader's-own-term commit, no pending change, CAS match) plus the
// per-change-type rules, returning the proposed new config.
func (r *Replica) validateConfigChangeLocked(req *raftpb.ConfChangeRequest) (raftpb.Config, error) {
	if r.role != Leader {
		return raftpb.Config{}, illegalStateErr("flexraft: ChangeConfig called while not leader")
	}
	if r.leaderTransferInProgress {
		return raftpb.Config{}, serviceUnavailableErr("flexraft: leader transfer in progress")
	}
	if !r.hasCommittedOpInOwnTermLocked() {
		return raftpb.Config{}, illegalStateErr("flexraft: leader has not yet committed an op in its own term")
	}
	if _, ok := r.meta.PendingConfig(); ok {
		return raftpb.Config{}, illegalStateErr("flexraft: a config change is already pending")
	}

	committed := r.meta.CommittedConfig()
	if req.CASConfigOpIDIndex != committed.OpIDIndex {
		return raftpb.Config{}, casFailedErr("flexraft: cas_config_opid_index is stale")
	}

	return applyPeerChanges(committed, req.Changes, r.id)
}

// applyPeerChanges validates req.Changes against committed and returns the
// resulting config (spec.md §4.7.4's ADD_PEER/REMOVE_PEER/MODIFY_PEER
// rules, plus the at-most-one-voter-change-per-request limit).
func applyPeerChanges(committed raftpb.Config, changes []raftpb.PeerChange, selfID uuid.UUID) (raftpb.Config, error) {
	if len(changes) == 0 {
		return raftpb.Config{}, fmt.Errorf("flexraft: config-change request has no changes")
	}

	seen := map[uuid.UUID]struct{}{}
	voterChanges := 0
	peers := append([]raftpb.Peer(nil), committed.Peers...)
	quorumRouted := usesQuorumRouting(committed)

	for _, change := range changes {
		if _, dup := seen[change.Peer.UUID]; dup {
			return raftpb.Config{}, fmt.Errorf("flexraft: peer %s appears twice in one config-change request", change.Peer.UUID)
		}
		seen[change.Peer.UUID] = struct{}{}

		existing, present := committed.FindPeer(change.Peer.UUID)

		switch change.Type {
		case raftpb.ConfChangeAddPeer:
			if present {
				return raftpb.Config{}, fmt.Errorf("flexraft: peer %s is already present", change.Peer.UUID)
			}
			if change.Peer.Address == "" && change.Peer.LastKnownAddr == "" {
				return raftpb.Config{}, fmt.Errorf("flexraft: peer %s has no known address", change.Peer.UUID)
			}
			if change.Peer.MemberType == raftpb.VOTER {
				if quorumRouted && change.Peer.QuorumID == "" {
					return raftpb.Config{}, fmt.Errorf("flexraft: voter %s must carry a non-empty quorum_id", change.Peer.UUID)
				}
				voterChanges++
			}
			peers = append(peers, change.Peer)

		case raftpb.ConfChangeRemovePeer:
			if !present {
				return raftpb.Config{}, fmt.Errorf("flexraft: peer %s is not present", change.Peer.UUID)
			}
			if change.Peer.UUID == selfID {
				return raftpb.Config{}, fmt.Errorf("flexraft: the leader cannot remove itself")
			}
			if existing.MemberType == raftpb.VOTER {
				if committed.CommitRule.Mode == raftpb.SingleRegionDynamic {
					expected := raftpb.MajoritySize(committed.VoterDistribution[existing.Region])
					if regionVoterCount(committed, existing.Region)-1 < expected {
						return raftpb.Config{}, fmt.Errorf("flexraft: removing voter %s would drop region %q below its expected majority", existing.UUID, existing.Region)
					}
				}
				voterChanges++
			}
			peers = removePeerFrom(peers, change.Peer.UUID)

		case raftpb.ConfChangeModifyPeer:
			if !present {
				return raftpb.Config{}, fmt.Errorf("flexraft: peer %s is not present", change.Peer.UUID)
			}
			if change.Peer.UUID == selfID && existing.MemberType == raftpb.VOTER && change.Peer.MemberType != raftpb.VOTER {
				return raftpb.Config{}, fmt.Errorf("flexraft: the leader cannot demote itself")
			}
			if existing == change.Peer {
				return raftpb.Config{}, fmt.Errorf("flexraft: modify_peer for %s changes nothing", change.Peer.UUID)
			}
			if existing.MemberType != change.Peer.MemberType {
				voterChanges++
			}
			peers = replacePeerIn(peers, change.Peer)

		default:
			return raftpb.Config{}, fmt.Errorf("flexraft: unknown config-change type %v", change.Type)
		}
	}

	if voterChanges > 1 {
		return raftpb.Config{}, fmt.Errorf("flexraft: a single config-change request may modify at most one voter's status")
	}

	newConfig := committed
	newConfig.Peers = peers
	newConfig.UnsafeConfigChange = false
	return newConfig, nil
}

func usesQuorumRouting(cfg raftpb.Config) bool {
	for _, p := range cfg.Peers {
		if p.QuorumID != "" {
			return true
		}
	}
	return false
}

func regionVoterCount(cfg raftpb.Config, region string) int {
	n := 0
	for _, p := range cfg.Peers {
		if p.MemberType == raftpb.VOTER && p.Region == region {
			n++
		}
	}
	return n
}

func removePeerFrom(peers []raftpb.Peer, id uuid.UUID) []raftpb.Peer {
	out := peers[:0:0]
	for _, p := range peers {
		if p.UUID != id {
			out = append(out, p)
		}
	}
	return out
}

func replacePeerIn(peers []raftpb.Peer, updated raftpb.Peer) []raftpb.Peer {
	out := append([]raftpb.Peer(nil), peers...)
	for i, p := range out {
		if p.UUID == updated.UUID {
			out[i] = updated
			break
		}
	}
	return out
}

// UnsafeChangeConfig force-installs newConfig, bypassing the CAS/pending
// protocol entirely: it synthesizes a pseudo-leader request at
// current_term+1 and delivers it through Update (spec.md §4.7.4). The
// local peer must remain a voter in newConfig.
func (r *Replica) UnsafeChangeConfig(newConfig raftpb.Config) (*raftpb.ConsensusResponse, error) {
	r.lockS.Lock()
	selfVoter := false
	for _, p := range newConfig.Voters() {
		if p.UUID == r.id {
			selfVoter = true
			break
		}
	}
	currentTerm := r.meta.CurrentTerm()
	lastLogged := r.logs.GetLastOpIdInLog()
	r.lockS.Unlock()

	if !selfVoter {
		return nil, illegalStateErr("flexraft: UnsafeChangeConfig requires the local peer to remain a voter")
	}

	cfg := newConfig
	cfg.UnsafeConfigChange = true
	cfg.OpIDIndex = lastLogged.Index + 1
	pseudoTerm := currentTerm + 1

	req := &raftpb.ConsensusRequest{
		CallerUUID:     r.id,
		CallerTerm:     pseudoTerm,
		PrecedingID:    lastLogged,
		CommittedIndex: lastLogged.Index,
		Ops: []raftpb.Entry{{
			ID:  raftpb.OpId{Term: pseudoTerm, Index: lastLogged.Index + 1},
			Msg: raftpb.ReplicateMsg{OpType: raftpb.OpChangeConfig, ConfChange: &cfg},
		}},
	}
	return r.Update(req)
}
