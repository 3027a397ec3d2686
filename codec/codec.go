// Package codec provides the serializers a Message payload can be encoded with.
// The serializer is chosen per call and travels in the envelope as a one-byte id,
// so both ends look it up with Get instead of agreeing on it out of band.
package codec

import "fmt"

type Type byte

const (
	None     Type = 0
	Protobuf Type = 1
	JSON     Type = 2
)

// Valid reports whether t names a serializer known to this package.
func (t Type) Valid() bool {
	return t == Protobuf || t == JSON
}

func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case Protobuf:
		return "protobuf"
	case JSON:
		return "json"
	default:
		return fmt.Sprintf("codec(%d)", byte(t))
	}
}

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() Type
}

// Get returns the serializer registered for t.
func Get(t Type) (Codec, error) {
	switch t {
	case Protobuf:
		return &ProtobufCodec{}, nil
	case JSON:
		return &JSONCodec{}, nil
	default:
		return nil, fmt.Errorf("codec type %d not supported", byte(t))
	}
}

// encodeRaw lets callers that already hold encoded bytes skip serialization.
func encodeRaw(v any) ([]byte, bool) {
	switch b := v.(type) {
	case []byte:
		return b, true
	case *[]byte:
		return *b, true
	}
	return nil, false
}

func decodeRaw(data []byte, v any) bool {
	if b, ok := v.(*[]byte); ok {
		*b = append((*b)[:0], data...)
		return true
	}
	return false
}
