package codec

import (
	"fmt"

	"google.golang.org/protobuf/proto"
)

// ProtobufCodec is the default serializer. Values must implement proto.Message.
type ProtobufCodec struct{}

func (c *ProtobufCodec) Encode(v any) ([]byte, error) {
	if b, ok := encodeRaw(v); ok {
		return b, nil
	}
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("ProtobufCodec: %T is not a proto.Message", v)
	}
	return proto.Marshal(m)
}

func (c *ProtobufCodec) Decode(data []byte, v any) error {
	if decodeRaw(data, v) {
		return nil
	}
	m, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("ProtobufCodec: %T is not a proto.Message", v)
	}
	return proto.Unmarshal(data, m)
}

func (c *ProtobufCodec) Type() Type {
	return Protobuf
}
