// Package message defines the RPC envelope exchanged on the RPC lane.
//
// A Message is carried as the payload of a single rpc-lane frame:
//
//	0    1     2        6          8            8+n        12+n
//	┌────┬─────┬────────┬──────────┬────────────┬──────────┬──────────────────────┐
//	│type│codec│   id   │ svcLen   │  service   │  dataLen │ payload or error ... │
//	│    │     │ uint32 │ uint16   │ svcLen B   │  uint32  │ dataLen bytes        │
//	└────┴─────┴────────┴──────────┴────────────┴──────────┴──────────────────────┘
package message

import (
	"encoding/binary"
	"errors"
	"fmt"
	"wsrpc/codec"
)

// MinSize is the size of an envelope with an empty service name and no payload.
const MinSize = 12

type Type byte

const (
	TypeRequest Type = 1
	TypeReply   Type = 2
	TypeError   Type = 3
)

func (t Type) String() string {
	switch t {
	case TypeRequest:
		return "request"
	case TypeReply:
		return "reply"
	case TypeError:
		return "error"
	default:
		return fmt.Sprintf("type(%d)", byte(t))
	}
}

var (
	ErrNeedMore       = errors.New("message: need more data")
	ErrIllegalMessage = errors.New("message: illegal message")
)

// Message carries a single RPC request, reply or error.
//
//   - Request: Service names the handler, Bytes holds the encoded argument.
//   - Reply:   Bytes holds the encoded result.
//   - Error:   Error holds the failure text, Bytes is ignored.
type Message struct {
	Type    Type
	Codec   codec.Type
	ID      uint32 // Correlation id, assigned by the calling side
	Service string
	Error   string
	Bytes   []byte

	// Local marks an error built on this side for a call that never got an
	// answer (timeout, cancelled, connection lost). It is not sent on the wire.
	Local bool
}

// Reply builds a successful reply to m.
func (m *Message) Reply(data []byte) *Message {
	return &Message{Type: TypeReply, Codec: m.Codec, ID: m.ID, Service: m.Service, Bytes: data}
}

// Fail builds an error reply to m.
func (m *Message) Fail(text string) *Message {
	return &Message{Type: TypeError, Codec: m.Codec, ID: m.ID, Service: m.Service, Error: text}
}

// Abort builds a local error reply to m, see Local.
func (m *Message) Abort(text string) *Message {
	reply := m.Fail(text)
	reply.Local = true
	return reply
}

// Err returns a *RemoteError when m is an error reply and nil otherwise.
func (m *Message) Err() error {
	if m.Type != TypeError {
		return nil
	}
	return &RemoteError{Service: m.Service, Message: m.Error, Local: m.Local}
}

// body is the trailing length-prefixed section selected by Type.
func (m *Message) body() []byte {
	if m.Type == TypeError {
		return []byte(m.Error)
	}
	return m.Bytes
}

// Encode serializes m into the envelope layout.
func (m *Message) Encode() []byte {
	body := m.body()
	buf := make([]byte, MinSize+len(m.Service)+len(body))

	buf[0] = byte(m.Type)
	buf[1] = byte(m.Codec)
	binary.BigEndian.PutUint32(buf[2:6], m.ID)
	binary.BigEndian.PutUint16(buf[6:8], uint16(len(m.Service)))

	offset := 8
	offset += copy(buf[offset:], m.Service)
	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(body)))
	offset += 4
	copy(buf[offset:], body)
	return buf
}

// Decode parses an envelope. ErrIllegalMessage is returned for an unknown
// type or codec, ErrNeedMore when a declared length runs past the data.
func Decode(data []byte) (*Message, error) {
	if len(data) < MinSize {
		return nil, ErrNeedMore
	}

	m := &Message{
		Type:  Type(data[0]),
		Codec: codec.Type(data[1]),
		ID:    binary.BigEndian.Uint32(data[2:6]),
	}
	if m.Type < TypeRequest || m.Type > TypeError {
		return nil, fmt.Errorf("%w: type %d", ErrIllegalMessage, data[0])
	}
	if !m.Codec.Valid() {
		return nil, fmt.Errorf("%w: codec %d", ErrIllegalMessage, data[1])
	}

	serviceLen := int(binary.BigEndian.Uint16(data[6:8]))
	if len(data) < MinSize+serviceLen {
		return nil, ErrNeedMore
	}
	offset := 8
	m.Service = string(data[offset : offset+serviceLen])
	offset += serviceLen

	dataLen := int(binary.BigEndian.Uint32(data[offset : offset+4]))
	offset += 4
	if len(data)-offset < dataLen {
		return nil, ErrNeedMore
	}

	body := data[offset : offset+dataLen]
	if m.Type == TypeError {
		m.Error = string(body)
	} else {
		m.Bytes = make([]byte, dataLen)
		copy(m.Bytes, body)
	}
	return m, nil
}

// RemoteError is a failure reported by the peer, or synthesized locally for a
// call that timed out or lost its connection.
type RemoteError struct {
	Service string
	Message string
	Local   bool // The peer never answered, see Message.Local
}

func (e *RemoteError) Error() string {
	if e.Service == "" {
		return "rpc error: " + e.Message
	}
	return fmt.Sprintf("rpc error: %s: %s", e.Service, e.Message)
}
