package flexraft

import "github.com/thinkermao/flexraft/raftpb"

// ReadStatus reports the replica's current term and role, matching the
// teacher's RawNode.ReadStatus (raft/core/raw_node.go).
func (r *Replica) ReadStatus() (term uint64, role Role) {
	r.lockS.Lock()
	defer r.lockS.Unlock()
	return r.meta.CurrentTerm(), r.role
}

// ActiveConfig returns the config currently in effect (pending if one
// exists, else committed).
func (r *Replica) ActiveConfig() raftpb.Config {
	r.lockS.Lock()
	defer r.lockS.Unlock()
	return r.activeConfigLocked()
}
