package peerqueue

import "github.com/google/uuid"

// successorWatch implements spec.md §4.4's begin/end_watch_for_successor:
// armed by TransferLeadership (spec §4.7.5) to fire once a successor
// candidate has fully caught up.
type successorWatch struct {
	armed           bool
	target          *uuid.UUID
	filter          func(TrackedPeer) bool
	transferContext interface{}
}

// matches reports whether peer is the watch's designated successor: either
// the explicit target UUID, or the first peer satisfying filter when no
// target was given.
func (w *successorWatch) matches(peer TrackedPeer) bool {
	if !w.armed {
		return false
	}
	if w.target != nil {
		return peer.Peer.UUID == *w.target
	}
	return w.filter != nil && w.filter(peer)
}
