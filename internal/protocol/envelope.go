package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the envelope message.
const (
	fieldID         protowire.Number = 1
	fieldType       protowire.Number = 2
	fieldData       protowire.Number = 3
	fieldAuthTicket protowire.Number = 4
)

// Envelope is the unit exchanged between terminal and signer. ID 0 marks an
// unsolicited message that is not correlated with a request.
type Envelope struct {
	ID         uint32
	Type       RequestType
	Data       []byte
	AuthTicket []byte
}

// Unsolicited reports whether the envelope bypasses request correlation.
func (e Envelope) Unsolicited() bool {
	return e.ID == 0
}

// Marshal encodes the envelope in protobuf wire format.
func (e Envelope) Marshal() []byte {
	b := make([]byte, 0, 16+len(e.Data)+len(e.AuthTicket))
	if e.ID != 0 {
		b = protowire.AppendTag(b, fieldID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.ID))
	}
	if e.Type != TypeUnknown {
		b = protowire.AppendTag(b, fieldType, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.Type))
	}
	if len(e.Data) > 0 {
		b = protowire.AppendTag(b, fieldData, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Data)
	}
	if len(e.AuthTicket) > 0 {
		b = protowire.AppendTag(b, fieldAuthTicket, protowire.BytesType)
		b = protowire.AppendBytes(b, e.AuthTicket)
	}
	return b
}

// Unmarshal decodes an envelope. Unknown fields are skipped; a truncated or
// corrupt buffer yields an ErrProtocol error.
func Unmarshal(b []byte) (Envelope, error) {
	var env Envelope
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Envelope{}, Wrap(ErrProtocol, "protocol", "unmarshal envelope", "bad tag", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldID && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return Envelope{}, Wrap(ErrProtocol, "protocol", "unmarshal envelope", "bad id", protowire.ParseError(m))
			}
			if v > uint64(^uint32(0)) {
				return Envelope{}, Wrap(ErrProtocol, "protocol", "unmarshal envelope", fmt.Sprintf("id %d out of range", v), nil)
			}
			env.ID = uint32(v)
			n = m
		case num == fieldType && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return Envelope{}, Wrap(ErrProtocol, "protocol", "unmarshal envelope", "bad type", protowire.ParseError(m))
			}
			env.Type = RequestType(v)
			n = m
		case num == fieldData && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return Envelope{}, Wrap(ErrProtocol, "protocol", "unmarshal envelope", "bad data", protowire.ParseError(m))
			}
			env.Data = append([]byte(nil), v...)
			n = m
		case num == fieldAuthTicket && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return Envelope{}, Wrap(ErrProtocol, "protocol", "unmarshal envelope", "bad ticket", protowire.ParseError(m))
			}
			env.AuthTicket = append([]byte(nil), v...)
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Envelope{}, Wrap(ErrProtocol, "protocol", "unmarshal envelope", "bad field", protowire.ParseError(n))
			}
		}
		b = b[n:]
	}
	if env.Type == TypeUnknown {
		return Envelope{}, Wrap(ErrProtocol, "protocol", "unmarshal envelope", "missing request type", nil)
	}
	return env, nil
}
