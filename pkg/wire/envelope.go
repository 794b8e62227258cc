// Package wire converts rumors to and from their protobuf envelope.
//
// It is the only package that knows every rumor kind: Encode and Decode
// translate between bytes and the closed set of payload types, and
// Dispatch hands a decoded payload to the matching Handler method.
package wire

import (
	"errors"
	"fmt"

	"github.com/ryandielhenn/rumormill/pkg/rumor"
	"github.com/ryandielhenn/rumormill/pkg/zone"
)

var (
	ErrDecode           = errors.New("decode error")
	ErrProtocolMismatch = errors.New("protocol mismatch")
	ErrUnknownPayload   = errors.New("unknown rumor payload")
)

// ProtocolMismatchError names the envelope field that was missing or
// inconsistent. It matches ErrProtocolMismatch.
type ProtocolMismatchError struct {
	Field string
}

func (e *ProtocolMismatchError) Error() string {
	return fmt.Sprintf("protocol mismatch: %s", e.Field)
}

func (e *ProtocolMismatchError) Is(target error) bool {
	return target == ErrProtocolMismatch
}

// Payload is one of *rumor.Membership, *rumor.Service,
// *rumor.ServiceConfig, *rumor.ServiceFile, *rumor.Election,
// *rumor.ElectionUpdate, *rumor.Departure or *zone.Zone.
type Payload interface {
	Kind() rumor.Type
}

// Envelope is a rumor as it travels between members.
type Envelope struct {
	Type    rumor.Type
	FromID  string
	Payload Payload
}

// Handler receives decoded rumors, one method per kind.
type Handler interface {
	HandleMembership(from string, m *rumor.Membership)
	HandleService(from string, s *rumor.Service)
	HandleServiceConfig(from string, sc *rumor.ServiceConfig)
	HandleServiceFile(from string, sf *rumor.ServiceFile)
	HandleElection(from string, e *rumor.Election)
	HandleElectionUpdate(from string, e *rumor.ElectionUpdate)
	HandleDeparture(from string, d *rumor.Departure)
	HandleZone(from string, z *zone.Zone)
}

// Dispatch decodes b and passes the payload to h.
func Dispatch(b []byte, h Handler) error {
	env, err := Decode(b)
	if err != nil {
		return err
	}
	switch p := env.Payload.(type) {
	case *rumor.Membership:
		h.HandleMembership(env.FromID, p)
	case *rumor.Service:
		h.HandleService(env.FromID, p)
	case *rumor.ServiceConfig:
		h.HandleServiceConfig(env.FromID, p)
	case *rumor.ServiceFile:
		h.HandleServiceFile(env.FromID, p)
	case *rumor.Election:
		h.HandleElection(env.FromID, p)
	case *rumor.ElectionUpdate:
		h.HandleElectionUpdate(env.FromID, p)
	case *rumor.Departure:
		h.HandleDeparture(env.FromID, p)
	case *zone.Zone:
		h.HandleZone(env.FromID, p)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownPayload, env.Payload)
	}
	return nil
}

// EncoderFor returns an EncodeFunc that wraps each rumor in an envelope
// sent from fromID.
func EncoderFor[T Payload](fromID string) rumor.EncodeFunc[T] {
	return func(p T) ([]byte, error) {
		return Encode(Envelope{Type: p.Kind(), FromID: fromID, Payload: p})
	}
}
