package rumor

import (
	"net"
	"strconv"
)

// Health is a member's liveness as seen by the failure detector. Later
// values take precedence at equal incarnation.
type Health int32

const (
	Alive Health = iota
	Suspect
	Confirmed
	Departed
)

func (h Health) String() string {
	switch h {
	case Alive:
		return "alive"
	case Suspect:
		return "suspect"
	case Confirmed:
		return "confirmed"
	case Departed:
		return "departed"
	default:
		return "unknown"
	}
}

// Member describes one process in the cluster.
type Member struct {
	ID          string
	Incarnation uint64
	Address     string
	SwimPort    int32
	GossipPort  int32
	Persistent  bool
	Departed    bool
}

// GossipAddr is where the member accepts pushed rumors.
func (m Member) GossipAddr() string {
	return net.JoinHostPort(m.Address, strconv.Itoa(int(m.GossipPort)))
}

// MemberGroup is the store group every Membership lives under.
const MemberGroup = "member"

// Membership is the rumor carrying a member and its health.
type Membership struct {
	Member Member
	Health Health
}

func (m *Membership) Kind() Type  { return TypeMember }
func (m *Membership) Key() string { return MemberGroup }
func (m *Membership) ID() string  { return m.Member.ID }

// Merge takes other when it has a higher incarnation, or the same
// incarnation and a more severe health.
func (m *Membership) Merge(other *Membership) bool {
	switch {
	case other.Member.Incarnation > m.Member.Incarnation:
	case other.Member.Incarnation == m.Member.Incarnation && other.Health > m.Health:
	default:
		return false
	}
	*m = *other
	return true
}
