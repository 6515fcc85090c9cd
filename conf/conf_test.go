package conf

import (
	"testing"

	"github.com/google/uuid"

	"github.com/thinkermao/flexraft/raftpb"
)

type fakePersister struct {
	flushed *raftpb.PersistedState
	loaded  *raftpb.PersistedState
	flushes int
}

func (p *fakePersister) Load() (*raftpb.PersistedState, error) { return p.loaded, nil }
func (p *fakePersister) Flush(s *raftpb.PersistedState) error {
	p.flushed = s
	p.flushes++
	return nil
}

func TestMetadata_SetCurrentTerm(t *testing.T) {
	tests := []struct {
		start, set uint64
		wantErr    bool
		wantTerm   uint64
	}{
		{0, 1, false, 1},
		{5, 5, false, 5},
		{5, 4, true, 5},
	}

	for i, test := range tests {
		p := &fakePersister{}
		m := New(uuid.New(), p)
		m.currentTerm = test.start

		err := m.SetCurrentTerm(test.set, Flush)
		if (err != nil) != test.wantErr {
			t.Fatalf("#%d: err = %v, wantErr: %v", i, err, test.wantErr)
		}
		if m.CurrentTerm() != test.wantTerm {
			t.Errorf("#%d: term = %d, want: %d", i, m.CurrentTerm(), test.wantTerm)
		}
	}
}

func TestMetadata_SetCurrentTerm_ClearsVote(t *testing.T) {
	p := &fakePersister{}
	m := New(uuid.New(), p)
	candidate := uuid.New()
	if err := m.SetVotedFor(candidate); err != nil {
		t.Fatalf("SetVotedFor: %v", err)
	}

	if err := m.SetCurrentTerm(1, Flush); err != nil {
		t.Fatalf("SetCurrentTerm: %v", err)
	}

	if _, ok := m.VotedFor(); ok {
		t.Errorf("expected vote cleared after term advance")
	}
}

func TestMetadata_SkipFlush(t *testing.T) {
	p := &fakePersister{}
	m := New(uuid.New(), p)

	if err := m.SetCurrentTerm(1, SkipFlush); err != nil {
		t.Fatalf("SetCurrentTerm: %v", err)
	}
	if p.flushes != 0 {
		t.Errorf("flushes = %d, want 0", p.flushes)
	}

	// SetVotedFor always flushes, absorbing the skipped term flush.
	if err := m.SetVotedFor(uuid.New()); err != nil {
		t.Fatalf("SetVotedFor: %v", err)
	}
	if p.flushes != 1 {
		t.Errorf("flushes = %d, want 1", p.flushes)
	}
	if p.flushed.CurrentTerm != 1 {
		t.Errorf("flushed term = %d, want 1", p.flushed.CurrentTerm)
	}
}

func TestMetadata_PendingConfig(t *testing.T) {
	p := &fakePersister{}
	m := New(uuid.New(), p)
	m.committedConfig = raftpb.Config{OpIDIndex: 10}

	if err := m.SetPendingConfig(raftpb.Config{OpIDIndex: 11}); err != nil {
		t.Fatalf("SetPendingConfig: %v", err)
	}
	if _, ok := m.PendingConfig(); !ok {
		t.Fatalf("expected pending config set")
	}

	if err := m.SetPendingConfig(raftpb.Config{OpIDIndex: 12}); err == nil {
		t.Errorf("expected error installing a second pending config")
	}

	m.ClearPendingConfigIfMatches(99)
	if _, ok := m.PendingConfig(); !ok {
		t.Errorf("ClearPendingConfigIfMatches should not clear on index mismatch")
	}

	m.ClearPendingConfigIfMatches(11)
	if _, ok := m.PendingConfig(); ok {
		t.Errorf("ClearPendingConfigIfMatches should clear on index match")
	}
}

func TestMetadata_ActiveConfig(t *testing.T) {
	p := &fakePersister{}
	m := New(uuid.New(), p)
	m.committedConfig = raftpb.Config{OpIDIndex: 1}

	if got := m.ActiveConfig(); got.OpIDIndex != 1 {
		t.Fatalf("ActiveConfig = %d, want 1 (no pending)", got.OpIDIndex)
	}

	if err := m.SetPendingConfig(raftpb.Config{OpIDIndex: 2}); err != nil {
		t.Fatalf("SetPendingConfig: %v", err)
	}
	if got := m.ActiveConfig(); got.OpIDIndex != 2 {
		t.Fatalf("ActiveConfig = %d, want 2 (pending in effect)", got.OpIDIndex)
	}

	if err := m.SetCommittedConfig(raftpb.Config{OpIDIndex: 2}); err != nil {
		t.Fatalf("SetCommittedConfig: %v", err)
	}
	if _, ok := m.PendingConfig(); ok {
		t.Errorf("SetCommittedConfig should clear pending")
	}
}
