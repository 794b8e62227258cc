package rumor

import "slices"

// ElectionStatus is the lifecycle of a leader election.
type ElectionStatus int32

const (
	ElectionRunning  ElectionStatus = 1
	ElectionNoQuorum ElectionStatus = 2
	ElectionFinished ElectionStatus = 3
)

func (s ElectionStatus) String() string {
	switch s {
	case ElectionRunning:
		return "running"
	case ElectionNoQuorum:
		return "no_quorum"
	case ElectionFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// ElectionID is the id of the single election rumor per service group.
const ElectionID = "election"

// Election is a leader election for one service group. MemberID is the
// current candidate; Votes lists the members backing it.
type Election struct {
	MemberID     string
	ServiceGroup string
	Term         uint64
	Suitability  uint64
	Status       ElectionStatus
	Votes        []string
}

// NewElection starts a running election with memberID as candidate and
// sole voter.
func NewElection(memberID, serviceGroup string, term, suitability uint64, hasQuorum bool) *Election {
	e := &Election{
		MemberID:     memberID,
		ServiceGroup: serviceGroup,
		Term:         term,
		Suitability:  suitability,
		Status:       ElectionRunning,
		Votes:        []string{memberID},
	}
	if !hasQuorum {
		e.Status = ElectionNoQuorum
	}
	return e
}

func (e *Election) Kind() Type  { return TypeElection }
func (e *Election) Key() string { return e.ServiceGroup }
func (e *Election) ID() string  { return ElectionID }

func (e *Election) InsertVote(memberID string) {
	if !slices.Contains(e.Votes, memberID) {
		e.Votes = append(e.Votes, memberID)
	}
}

func (e *Election) StealVotes(other *Election) {
	for _, v := range other.Votes {
		e.InsertVote(v)
	}
}

func (e *Election) Running()         { e.Status = ElectionRunning }
func (e *Election) Finish()          { e.Status = ElectionFinished }
func (e *Election) NoQuorum()        { e.Status = ElectionNoQuorum }
func (e *Election) IsFinished() bool { return e.Status == ElectionFinished }

func (e *Election) equal(o *Election) bool {
	return e.ServiceGroup == o.ServiceGroup &&
		e.MemberID == o.MemberID &&
		e.Suitability == o.Suitability &&
		e.Status == o.Status &&
		e.Term == o.Term &&
		slices.Equal(e.Votes, o.Votes)
}

// Merge resolves two views of the same election. A finished election at
// an equal or newer term wins outright; otherwise the more suitable
// candidate (ties to the larger member id) wins and absorbs the other's votes.
func (e *Election) Merge(other *Election) bool {
	switch {
	case e.equal(other):
		return false
	case other.Term >= e.Term && other.Status == ElectionFinished:
		*e = *other
		return true
	case other.Term == e.Term && e.Status == ElectionFinished:
		return false
	case e.Term > other.Term:
		// ours is newer; report a change so it is gossiped back
		return true
	case e.Suitability > other.Suitability:
		e.StealVotes(other)
		return true
	case other.Suitability > e.Suitability:
		winner := *other
		winner.Votes = slices.Clone(other.Votes)
		winner.StealVotes(e)
		*e = winner
		return true
	case e.MemberID >= other.MemberID:
		e.StealVotes(other)
		return true
	default:
		winner := *other
		winner.Votes = slices.Clone(other.Votes)
		winner.StealVotes(e)
		*e = winner
		return true
	}
}

// ElectionUpdate is an election run while a group updates its package.
// It behaves exactly like Election but is stored and gossiped separately.
type ElectionUpdate struct {
	Election
}

func NewElectionUpdate(memberID, serviceGroup string, term, suitability uint64, hasQuorum bool) *ElectionUpdate {
	return &ElectionUpdate{Election: *NewElection(memberID, serviceGroup, term, suitability, hasQuorum)}
}

func (e *ElectionUpdate) Kind() Type { return TypeElectionUpdate }

func (e *ElectionUpdate) Merge(other *ElectionUpdate) bool {
	return e.Election.Merge(&other.Election)
}
