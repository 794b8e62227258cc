package rumor

const departureGroup = "departure"

// Departure records that a member has left the cluster for good.
type Departure struct {
	MemberID string
}

func (d *Departure) Kind() Type  { return TypeDeparture }
func (d *Departure) Key() string { return departureGroup }
func (d *Departure) ID() string  { return d.MemberID }

// Merge never changes a departure; it is a permanent fact.
func (d *Departure) Merge(*Departure) bool { return false }
