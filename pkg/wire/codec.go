package wire

import (
	"fmt"
	"slices"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ryandielhenn/rumormill/pkg/rumor"
	"github.com/ryandielhenn/rumormill/pkg/zone"
)

// Envelope field numbers. Payload fields are mutually exclusive.
const (
	fieldType          protowire.Number = 1
	fieldFromID        protowire.Number = 3
	fieldMember        protowire.Number = 4
	fieldService       protowire.Number = 5
	fieldServiceConfig protowire.Number = 6
	fieldServiceFile   protowire.Number = 7
	fieldElection      protowire.Number = 8
	fieldDeparture     protowire.Number = 9
	fieldZone          protowire.Number = 10
)

// payloadField maps a rumor type to the envelope field carrying it.
// Both election kinds share the election message.
func payloadField(t rumor.Type) (protowire.Number, bool) {
	switch t {
	case rumor.TypeMember:
		return fieldMember, true
	case rumor.TypeService:
		return fieldService, true
	case rumor.TypeServiceConfig:
		return fieldServiceConfig, true
	case rumor.TypeServiceFile:
		return fieldServiceFile, true
	case rumor.TypeElection, rumor.TypeElectionUpdate:
		return fieldElection, true
	case rumor.TypeDeparture:
		return fieldDeparture, true
	case rumor.TypeZone:
		return fieldZone, true
	}
	return 0, false
}

// Encode serializes env. Type must agree with the payload's kind.
func Encode(env Envelope) ([]byte, error) {
	if env.Payload == nil {
		return nil, &ProtocolMismatchError{Field: "payload"}
	}
	if env.Payload.Kind() != env.Type {
		return nil, &ProtocolMismatchError{Field: "type"}
	}

	var msg []byte
	switch p := env.Payload.(type) {
	case *rumor.Membership:
		msg = appendMembership(nil, p)
	case *rumor.Service:
		msg = appendService(nil, p)
	case *rumor.ServiceConfig:
		msg = appendServiceConfig(nil, p)
	case *rumor.ServiceFile:
		msg = appendServiceFile(nil, p)
	case *rumor.Election:
		msg = appendElection(nil, p)
	case *rumor.ElectionUpdate:
		msg = appendElection(nil, &p.Election)
	case *rumor.Departure:
		msg = appendString(nil, 1, p.MemberID)
	case *zone.Zone:
		msg = appendZone(nil, p)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownPayload, env.Payload)
	}
	num, _ := payloadField(env.Type)

	b := protowire.AppendTag(nil, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(env.Type))
	b = protowire.AppendTag(b, fieldFromID, protowire.BytesType)
	b = protowire.AppendString(b, env.FromID)
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendBytes(b, msg)
	return b, nil
}

// Decode parses an envelope. A missing type or from-id, or a payload
// that does not match the type, is a protocol mismatch.
func Decode(b []byte) (Envelope, error) {
	fields, err := parse(b)
	if err != nil {
		return Envelope{}, err
	}

	var (
		env              Envelope
		hasType, hasFrom bool
		payloadNum       protowire.Number
		payload          []byte
	)
	for _, f := range fields {
		switch f.num {
		case fieldType:
			env.Type, hasType = rumor.Type(f.varint), true
		case fieldFromID:
			env.FromID, hasFrom = string(f.bytes), true
		case fieldMember, fieldService, fieldServiceConfig, fieldServiceFile, fieldElection, fieldDeparture, fieldZone:
			payloadNum, payload = f.num, f.bytes
		}
	}
	if !hasType {
		return Envelope{}, &ProtocolMismatchError{Field: "type"}
	}
	if !hasFrom {
		return Envelope{}, &ProtocolMismatchError{Field: "from-id"}
	}
	want, ok := payloadField(env.Type)
	if !ok {
		return Envelope{}, &ProtocolMismatchError{Field: "type"}
	}
	if payloadNum == 0 {
		return Envelope{}, &ProtocolMismatchError{Field: "payload"}
	}
	if payloadNum != want {
		return Envelope{}, &ProtocolMismatchError{Field: "type"}
	}

	switch env.Type {
	case rumor.TypeMember:
		env.Payload, err = decodeMembership(payload)
	case rumor.TypeService:
		env.Payload, err = decodeService(payload)
	case rumor.TypeServiceConfig:
		env.Payload, err = decodeServiceConfig(payload)
	case rumor.TypeServiceFile:
		env.Payload, err = decodeServiceFile(payload)
	case rumor.TypeElection:
		env.Payload, err = decodeElection(payload)
	case rumor.TypeElectionUpdate:
		var e *rumor.Election
		if e, err = decodeElection(payload); err == nil {
			env.Payload = &rumor.ElectionUpdate{Election: *e}
		}
	case rumor.TypeDeparture:
		env.Payload, err = decodeDeparture(payload)
	case rumor.TypeZone:
		env.Payload, err = decodeZone(payload)
	}
	if err != nil {
		return Envelope{}, err
	}
	return env, nil
}

type field struct {
	num    protowire.Number
	varint uint64
	bytes  []byte
}

// parse splits a message into its varint and length-delimited fields.
// Fixed-width fields are skipped.
func parse(b []byte) ([]field, error) {
	var out []field
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrDecode, protowire.ParseError(n))
		}
		b = b[n:]
		f := field{num: num}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n >= 0 {
				b = b[n:]
				continue
			}
		}
		if n < 0 {
			return nil, fmt.Errorf("%w: field %d: %v", ErrDecode, num, protowire.ParseError(n))
		}
		b = b[n:]
		out = append(out, f)
	}
	return out, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	return appendVarint(b, num, protowire.EncodeBool(v))
}

func appendUUID(b []byte, num protowire.Number, id uuid.UUID) []byte {
	if id == uuid.Nil {
		return b
	}
	return appendString(b, num, id.String())
}

func parseUUID(f field) (uuid.UUID, error) {
	id, err := uuid.ParseBytes(f.bytes)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: field %d: %v", ErrDecode, f.num, err)
	}
	return id, nil
}

func appendMembership(b []byte, m *rumor.Membership) []byte {
	var mb []byte
	mb = appendString(mb, 1, m.Member.ID)
	mb = appendVarint(mb, 2, m.Member.Incarnation)
	mb = appendString(mb, 3, m.Member.Address)
	mb = appendVarint(mb, 4, uint64(m.Member.SwimPort))
	mb = appendVarint(mb, 5, uint64(m.Member.GossipPort))
	mb = appendBool(mb, 6, m.Member.Persistent)
	mb = appendBool(mb, 7, m.Member.Departed)

	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, mb)
	return appendVarint(b, 2, uint64(m.Health))
}

func decodeMembership(b []byte) (*rumor.Membership, error) {
	fields, err := parse(b)
	if err != nil {
		return nil, err
	}
	m := &rumor.Membership{}
	hasMember := false
	for _, f := range fields {
		switch f.num {
		case 1:
			hasMember = true
			mf, err := parse(f.bytes)
			if err != nil {
				return nil, err
			}
			for _, f := range mf {
				switch f.num {
				case 1:
					m.Member.ID = string(f.bytes)
				case 2:
					m.Member.Incarnation = f.varint
				case 3:
					m.Member.Address = string(f.bytes)
				case 4:
					m.Member.SwimPort = int32(f.varint)
				case 5:
					m.Member.GossipPort = int32(f.varint)
				case 6:
					m.Member.Persistent = protowire.DecodeBool(f.varint)
				case 7:
					m.Member.Departed = protowire.DecodeBool(f.varint)
				}
			}
		case 2:
			m.Health = healthOf(f.varint)
		}
	}
	if !hasMember {
		return nil, &ProtocolMismatchError{Field: "member"}
	}
	if m.Member.ID == "" {
		return nil, &ProtocolMismatchError{Field: "id"}
	}
	return m, nil
}

// healthOf reads a wire health; values this version does not know are Alive.
func healthOf(v uint64) rumor.Health {
	if h := rumor.Health(v); v <= uint64(rumor.Departed) {
		return h
	}
	return rumor.Alive
}

func appendService(b []byte, s *rumor.Service) []byte {
	b = appendString(b, 1, s.MemberID)
	b = appendString(b, 2, s.ServiceGroup)
	b = appendVarint(b, 3, s.Incarnation)
	b = appendBool(b, 4, s.Initialized)
	b = appendString(b, 5, s.Pkg)
	b = appendBytes(b, 6, s.Cfg)

	var sys []byte
	sys = appendString(sys, 1, s.SysInfo.IP)
	sys = appendString(sys, 2, s.SysInfo.Hostname)
	sys = appendString(sys, 3, s.SysInfo.GossipIP)
	sys = appendVarint(sys, 4, uint64(s.SysInfo.GossipPort))
	sys = appendString(sys, 5, s.SysInfo.HTTPGatewayIP)
	sys = appendVarint(sys, 6, uint64(s.SysInfo.HTTPGatewayPort))
	return appendBytes(b, 7, sys)
}

func decodeService(b []byte) (*rumor.Service, error) {
	fields, err := parse(b)
	if err != nil {
		return nil, err
	}
	s := &rumor.Service{}
	for _, f := range fields {
		switch f.num {
		case 1:
			s.MemberID = string(f.bytes)
		case 2:
			s.ServiceGroup = string(f.bytes)
		case 3:
			s.Incarnation = f.varint
		case 4:
			s.Initialized = protowire.DecodeBool(f.varint)
		case 5:
			s.Pkg = string(f.bytes)
		case 6:
			s.Cfg = slices.Clone(f.bytes)
		case 7:
			sys, err := parse(f.bytes)
			if err != nil {
				return nil, err
			}
			for _, f := range sys {
				switch f.num {
				case 1:
					s.SysInfo.IP = string(f.bytes)
				case 2:
					s.SysInfo.Hostname = string(f.bytes)
				case 3:
					s.SysInfo.GossipIP = string(f.bytes)
				case 4:
					s.SysInfo.GossipPort = uint32(f.varint)
				case 5:
					s.SysInfo.HTTPGatewayIP = string(f.bytes)
				case 6:
					s.SysInfo.HTTPGatewayPort = uint32(f.varint)
				}
			}
		}
	}
	if s.MemberID == "" {
		return nil, &ProtocolMismatchError{Field: "member-id"}
	}
	if s.ServiceGroup == "" {
		return nil, &ProtocolMismatchError{Field: "service-group"}
	}
	return s, nil
}

func appendServiceConfig(b []byte, sc *rumor.ServiceConfig) []byte {
	b = appendString(b, 1, sc.ServiceGroup)
	b = appendVarint(b, 2, sc.Incarnation)
	b = appendBool(b, 3, sc.Encrypted)
	return appendBytes(b, 4, sc.Config)
}

func decodeServiceConfig(b []byte) (*rumor.ServiceConfig, error) {
	fields, err := parse(b)
	if err != nil {
		return nil, err
	}
	sc := &rumor.ServiceConfig{}
	for _, f := range fields {
		switch f.num {
		case 1:
			sc.ServiceGroup = string(f.bytes)
		case 2:
			sc.Incarnation = f.varint
		case 3:
			sc.Encrypted = protowire.DecodeBool(f.varint)
		case 4:
			sc.Config = slices.Clone(f.bytes)
		}
	}
	return sc, nil
}

func appendServiceFile(b []byte, sf *rumor.ServiceFile) []byte {
	b = appendString(b, 1, sf.ServiceGroup)
	b = appendVarint(b, 2, sf.Incarnation)
	b = appendBool(b, 3, sf.Encrypted)
	b = appendString(b, 4, sf.Filename)
	return appendBytes(b, 5, sf.Body)
}

func decodeServiceFile(b []byte) (*rumor.ServiceFile, error) {
	fields, err := parse(b)
	if err != nil {
		return nil, err
	}
	sf := &rumor.ServiceFile{}
	for _, f := range fields {
		switch f.num {
		case 1:
			sf.ServiceGroup = string(f.bytes)
		case 2:
			sf.Incarnation = f.varint
		case 3:
			sf.Encrypted = protowire.DecodeBool(f.varint)
		case 4:
			sf.Filename = string(f.bytes)
		case 5:
			sf.Body = slices.Clone(f.bytes)
		}
	}
	return sf, nil
}

func appendElection(b []byte, e *rumor.Election) []byte {
	b = appendString(b, 1, e.MemberID)
	b = appendString(b, 2, e.ServiceGroup)
	b = appendVarint(b, 3, e.Term)
	b = appendVarint(b, 4, e.Suitability)
	b = appendVarint(b, 5, uint64(e.Status))
	for _, v := range e.Votes {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendString(b, v)
	}
	return b
}

func decodeElection(b []byte) (*rumor.Election, error) {
	fields, err := parse(b)
	if err != nil {
		return nil, err
	}
	e := &rumor.Election{}
	for _, f := range fields {
		switch f.num {
		case 1:
			e.MemberID = string(f.bytes)
		case 2:
			e.ServiceGroup = string(f.bytes)
		case 3:
			e.Term = f.varint
		case 4:
			e.Suitability = f.varint
		case 5:
			e.Status = rumor.ElectionStatus(f.varint)
		case 6:
			e.Votes = append(e.Votes, string(f.bytes))
		}
	}
	if e.MemberID == "" {
		return nil, &ProtocolMismatchError{Field: "member-id"}
	}
	if e.ServiceGroup == "" {
		return nil, &ProtocolMismatchError{Field: "service-group"}
	}
	return e, nil
}

func decodeDeparture(b []byte) (*rumor.Departure, error) {
	fields, err := parse(b)
	if err != nil {
		return nil, err
	}
	d := &rumor.Departure{}
	for _, f := range fields {
		if f.num == 1 {
			d.MemberID = string(f.bytes)
		}
	}
	if d.MemberID == "" {
		return nil, &ProtocolMismatchError{Field: "member-id"}
	}
	return d, nil
}

func appendZone(b []byte, z *zone.Zone) []byte {
	b = appendUUID(b, 1, z.ID)
	b = appendVarint(b, 2, z.Incarnation)
	b = appendString(b, 3, z.MaintainerID)
	b = appendUUID(b, 4, z.ParentZoneID)
	for _, id := range z.ChildZoneIDs {
		b = appendUUID(b, 5, id)
	}
	b = appendUUID(b, 6, z.Successor)
	for _, id := range z.Predecessors {
		b = appendUUID(b, 7, id)
	}
	return b
}

func decodeZone(b []byte) (*zone.Zone, error) {
	fields, err := parse(b)
	if err != nil {
		return nil, err
	}
	z := &zone.Zone{}
	for _, f := range fields {
		var id uuid.UUID
		switch f.num {
		case 1, 4, 5, 6, 7:
			if id, err = parseUUID(f); err != nil {
				return nil, err
			}
		}
		switch f.num {
		case 1:
			z.ID = id
		case 2:
			z.Incarnation = f.varint
		case 3:
			z.MaintainerID = string(f.bytes)
		case 4:
			z.ParentZoneID = id
		case 5:
			z.ChildZoneIDs = append(z.ChildZoneIDs, id)
		case 6:
			z.Successor = id
		case 7:
			z.Predecessors = append(z.Predecessors, id)
		}
	}
	return z, nil
}
