package codec

import (
	"encoding/json"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// JSONCodec encodes proto messages with protojson so field names follow the
// proto JSON mapping, and falls back to encoding/json for plain Go values.
// Pros: human-readable, easy to debug. Cons: larger payloads, slower.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	if b, ok := encodeRaw(v); ok {
		return b, nil
	}
	if m, ok := v.(proto.Message); ok {
		return protojson.Marshal(m)
	}
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	if decodeRaw(data, v) {
		return nil
	}
	if m, ok := v.(proto.Message); ok {
		return protojson.Unmarshal(data, m)
	}
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Type() Type {
	return JSON
}
