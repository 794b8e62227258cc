package rumor

import "fmt"

// Type identifies the kind of a rumor. Values are stable on the wire.
type Type int32

const (
	TypeMember         Type = 1
	TypeService        Type = 2
	TypeElection       Type = 3
	TypeServiceConfig  Type = 4
	TypeServiceFile    Type = 5
	TypeElectionUpdate Type = 8
	TypeDeparture      Type = 9
	TypeZone           Type = 10
)

func (t Type) String() string {
	switch t {
	case TypeMember:
		return "member"
	case TypeService:
		return "service"
	case TypeElection:
		return "election"
	case TypeServiceConfig:
		return "service_config"
	case TypeServiceFile:
		return "service_file"
	case TypeElectionUpdate:
		return "election_update"
	case TypeDeparture:
		return "departure"
	case TypeZone:
		return "zone"
	default:
		return fmt.Sprintf("unknown(%d)", int32(t))
	}
}

// Key identifies a single rumor instance. ID names the rumor's subject
// (member id, filename, zone id); Key is the group it is stored under
// (service group, "member", "departure"), and may be empty.
type Key struct {
	Kind Type
	ID   string
	Key  string
}

// String returns "id-key", or just "id" when Key is empty.
func (k Key) String() string {
	if k.Key == "" {
		return k.ID
	}
	return k.ID + "-" + k.Key
}

// Keyed is anything that can report the three parts of its Key.
type Keyed interface {
	Kind() Type
	ID() string
	Key() string
}

// KeyOf builds the Key for r.
func KeyOf(r Keyed) Key {
	return Key{Kind: r.Kind(), ID: r.ID(), Key: r.Key()}
}
