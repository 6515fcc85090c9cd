package election

import (
	"testing"

	"github.com/google/uuid"
)

func TestVoteCounter_GrantedOnMajority(t *testing.T) {
	voters := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	c := NewVoteCounter(len(voters))

	if d := c.Decision(); d != Pending {
		t.Fatalf("Decision = %v, want Pending before any vote", d)
	}

	if err := c.RegisterVote(voters[0], true); err != nil {
		t.Fatalf("RegisterVote: %v", err)
	}
	if d := c.Decision(); d != Pending {
		t.Fatalf("Decision = %v, want Pending after 1/3", d)
	}

	if err := c.RegisterVote(voters[1], true); err != nil {
		t.Fatalf("RegisterVote: %v", err)
	}
	if d := c.Decision(); d != Granted {
		t.Fatalf("Decision = %v, want Granted after 2/3", d)
	}
}

func TestVoteCounter_Denied(t *testing.T) {
	voters := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	c := NewVoteCounter(len(voters))

	c.RegisterVote(voters[0], false)
	if d := c.Decision(); d != Pending {
		t.Fatalf("Decision = %v, want Pending after 1 no", d)
	}
	c.RegisterVote(voters[1], false)
	if d := c.Decision(); d != Denied {
		t.Fatalf("Decision = %v, want Denied after 2 no out of 3", d)
	}
}

func TestVoteCounter_RejectsBallotChange(t *testing.T) {
	voter := uuid.New()
	c := NewVoteCounter(3)

	if err := c.RegisterVote(voter, true); err != nil {
		t.Fatalf("RegisterVote: %v", err)
	}
	if err := c.RegisterVote(voter, false); err == nil {
		t.Fatalf("expected error changing ballot")
	}
	if err := c.RegisterVote(voter, true); err != nil {
		t.Errorf("re-registering the same ballot should be idempotent: %v", err)
	}
}
