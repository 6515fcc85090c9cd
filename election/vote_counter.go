package election

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/thinkermao/flexraft/raftpb"
)

// Decision is the outcome of tallying an election's votes.
type Decision int

const (
	Pending Decision = iota
	Granted
	Denied
)

func (d Decision) String() string {
	switch d {
	case Granted:
		return "GRANTED"
	case Denied:
		return "DENIED"
	default:
		return "PENDING"
	}
}

// VoteCounter is the classic majority-of-N tally described in spec.md
// §4.5.2.
type VoteCounter struct {
	majoritySize int
	numVoters    int
	yes          map[uuid.UUID]struct{}
	no           map[uuid.UUID]struct{}
}

// NewVoteCounter returns a counter for an election among numVoters voters.
func NewVoteCounter(numVoters int) *VoteCounter {
	return &VoteCounter{
		majoritySize: raftpb.MajoritySize(numVoters),
		numVoters:    numVoters,
		yes:          map[uuid.UUID]struct{}{},
		no:           map[uuid.UUID]struct{}{},
	}
}

// RegisterVote records voter's ballot. Registering a different ballot for
// a voter that already voted is rejected; registering the same ballot
// again is a no-op.
func (c *VoteCounter) RegisterVote(voter uuid.UUID, granted bool) error {
	_, votedYes := c.yes[voter]
	_, votedNo := c.no[voter]

	if granted {
		if votedNo {
			return fmt.Errorf("election: voter %s already voted no", voter)
		}
		c.yes[voter] = struct{}{}
		return nil
	}

	if votedYes {
		return fmt.Errorf("election: voter %s already voted yes", voter)
	}
	c.no[voter] = struct{}{}
	return nil
}

// Decision reports the tally's current outcome.
func (c *VoteCounter) Decision() Decision {
	if len(c.yes) >= c.majoritySize {
		return Granted
	}
	if len(c.no) > c.numVoters-c.majoritySize {
		return Denied
	}
	return Pending
}

// YesVotes and NoVotes report the ballots cast so far, for diagnostics.
func (c *VoteCounter) YesVotes() int { return len(c.yes) }
func (c *VoteCounter) NoVotes() int  { return len(c.no) }
