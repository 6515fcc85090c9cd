// Package flexraft implements the replication core of a Raft consensus
// engine: leader election with pre-voting, region-aware flexible quorums,
// log replication, configuration change, and request proxying.
//
// The write-ahead log, the durable metadata store, the peer RPC transport,
// the higher-level state machine, and timers are all external collaborators
// reached through the interfaces in package host. This package owns the
// coordination: term, vote, role, config, pending rounds and peer
// watermarks, serialized behind a single coarse lock.
package flexraft
