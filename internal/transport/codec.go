package transport

import (
	"fmt"
	"slices"

	"google.golang.org/protobuf/encoding/protowire"
)

// PushRequest carries a batch of rumor envelopes from one member.
type PushRequest struct {
	From   string
	Rumors [][]byte
}

type PushReply struct {
	Accepted int32
}

const (
	fieldFrom     protowire.Number = 1
	fieldRumors   protowire.Number = 2
	fieldAccepted protowire.Number = 1
)

func (r *PushRequest) marshal() []byte {
	var b []byte
	if r.From != "" {
		b = protowire.AppendTag(b, fieldFrom, protowire.BytesType)
		b = protowire.AppendString(b, r.From)
	}
	for _, rumor := range r.Rumors {
		b = protowire.AppendTag(b, fieldRumors, protowire.BytesType)
		b = protowire.AppendBytes(b, rumor)
	}
	return b
}

func (r *PushRequest) unmarshal(b []byte) error {
	*r = PushRequest{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == fieldFrom && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			r.From, b = v, b[n:]
		case num == fieldRumors && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			r.Rumors, b = append(r.Rumors, slices.Clone(v)), b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}

func (r *PushReply) marshal() []byte {
	b := protowire.AppendTag(nil, fieldAccepted, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(r.Accepted))
}

func (r *PushReply) unmarshal(b []byte) error {
	*r = PushReply{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if num == fieldAccepted && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			r.Accepted, b = int32(v), b[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
	}
	return nil
}

// codec is forced on both ends of the connection, so the push messages
// need no generated code.
type codec struct{}

func (codec) Name() string { return "rumormill" }

func (codec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *PushRequest:
		return m.marshal(), nil
	case *PushReply:
		return m.marshal(), nil
	default:
		return nil, fmt.Errorf("rumormill codec: cannot marshal %T", v)
	}
}

func (codec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *PushRequest:
		return m.unmarshal(data)
	case *PushReply:
		return m.unmarshal(data)
	default:
		return fmt.Errorf("rumormill codec: cannot unmarshal into %T", v)
	}
}
