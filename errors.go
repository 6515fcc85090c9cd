package flexraft

import "github.com/thinkermao/flexraft/raftpb"

func illegalStateErr(msg string) *raftpb.ConsensusError {
	return &raftpb.ConsensusError{Code: raftpb.ErrIllegalState, Message: msg}
}

func busyErr(msg string) *raftpb.ConsensusError {
	return &raftpb.ConsensusError{Code: raftpb.ErrConsensusBusy, Message: msg}
}

func serviceUnavailableErr(msg string) *raftpb.ConsensusError {
	return &raftpb.ConsensusError{Code: raftpb.ErrServiceUnavailable, Message: msg}
}

func casFailedErr(msg string) *raftpb.ConsensusError {
	return &raftpb.ConsensusError{Code: raftpb.ErrCASFailed, Message: msg}
}
