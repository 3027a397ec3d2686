// Package protocol implements the binary frame format shared by the RPC lane and
// the stream lane of a wsrpc connection.
//
// A WebSocket delivers messages, not frames: one binary message may carry half a
// frame or several frames back to back. Every frame therefore starts with a
// fixed 16-byte header that carries the payload length, and the receiver reads
// the header first to learn how many more bytes it needs.
//
// Frame format (big-endian):
//
//	0     1     2      3     4          8       10      12         16
//	┌─────┬─────┬──────┬─────┬──────────┬───────┬───────┬──────────┬──────────────┐
//	│magic│flag │opcode│ rsv │ checksum │ group │ index │  length  │  payload ... │
//	│ 6f  │     │      │     │  uint32  │uint16 │uint16 │  uint32  │ length bytes │
//	└─────┴─────┴──────┴─────┴──────────┴───────┴───────┴──────────┴──────────────┘
//
// group is the stream id (0 on the RPC lane) and index the per-stream sequence
// number. The checksum is carried but never verified.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	MagicCode  byte = 0x6f
	HeaderSize int  = 16 // 1 (magic) + 1 (flag) + 1 (opcode) + 1 (reserved) + 4 (checksum) + 2 (group) + 2 (index) + 4 (length)
)

// Flag bits.
const (
	FlagAck    byte = 1 << 0 // acknowledgement, turns an open frame into an accept
	FlagRPC    byte = 1 << 1 // payload is a message envelope
	FlagStream byte = 1 << 2 // frame belongs to a multiplexed stream
	FlagNext   byte = 1 << 3 // continuation, reserved
)

// Opcode is only meaningful on the stream lane.
type Opcode byte

const (
	OpData   Opcode = 1
	OpOpen   Opcode = 2
	OpClose  Opcode = 3
	OpAccept Opcode = 4
)

func (o Opcode) String() string {
	switch o {
	case OpData:
		return "data"
	case OpOpen:
		return "open"
	case OpClose:
		return "close"
	case OpAccept:
		return "accept"
	default:
		return fmt.Sprintf("opcode(%d)", byte(o))
	}
}

var (
	// ErrNeedMore is not a failure: the caller should wait for more bytes.
	ErrNeedMore = errors.New("protocol: need more data")
	// ErrIllegalFrame means the byte stream is corrupt and cannot be resynchronized.
	ErrIllegalFrame = errors.New("protocol: illegal frame")
)

// Frame is the unit written to the socket. A frame is built fresh for every
// send and must not be modified once it has been handed to a connection.
type Frame struct {
	Magic    byte
	Flag     byte
	Opcode   Opcode
	Reserved byte
	Checksum uint32
	Group    uint16 // Stream id, 0 on the RPC lane
	Index    uint16 // Per-stream sequence number
	Length   uint32
	Payload  []byte
}

// NewFrame returns a frame carrying payload with the magic and length filled in.
func NewFrame(flag byte, payload []byte) *Frame {
	return &Frame{
		Magic:   MagicCode,
		Flag:    flag,
		Length:  uint32(len(payload)),
		Payload: payload,
	}
}

// IsStream reports whether the frame travels on the stream lane.
func (f *Frame) IsStream() bool {
	return f.Flag&FlagStream != 0
}

// Kind resolves the control semantics of a stream frame. Peers send accept as
// an open frame with the ack bit set, so both spellings report OpAccept.
func (f *Frame) Kind() (Opcode, bool) {
	switch f.Opcode {
	case OpOpen:
		if f.Flag&FlagAck != 0 {
			return OpAccept, true
		}
		return OpOpen, true
	case OpData, OpClose, OpAccept:
		return f.Opcode, true
	}
	return 0, false
}

// Size is the encoded size of the frame.
func (f *Frame) Size() int {
	return HeaderSize + len(f.Payload)
}

func (f *Frame) String() string {
	return fmt.Sprintf("frame{flag=%#x op=%s group=%d index=%d len=%d}", f.Flag, f.Opcode, f.Group, f.Index, len(f.Payload))
}

// Encode returns the wire bytes of f. The length field always reflects the payload.
func Encode(f *Frame) []byte {
	buf := make([]byte, HeaderSize+len(f.Payload))
	magic := f.Magic
	if magic == 0 {
		magic = MagicCode
	}
	buf[0] = magic
	buf[1] = f.Flag
	buf[2] = byte(f.Opcode)
	buf[3] = f.Reserved
	binary.BigEndian.PutUint32(buf[4:8], f.Checksum)
	binary.BigEndian.PutUint16(buf[8:10], f.Group)
	binary.BigEndian.PutUint16(buf[10:12], f.Index)
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(f.Payload)))
	copy(buf[HeaderSize:], f.Payload)
	return buf
}

// ParseHeader validates the magic byte and returns the declared payload length.
func ParseHeader(data []byte) (uint32, error) {
	if len(data) < HeaderSize {
		return 0, ErrNeedMore
	}
	if data[0] != MagicCode {
		return 0, fmt.Errorf("%w: bad magic %#x", ErrIllegalFrame, data[0])
	}
	return binary.BigEndian.Uint32(data[12:16]), nil
}

// Parse decodes one frame from the front of data and returns the number of
// bytes it occupies. Nothing is consumed when ErrNeedMore is returned.
func Parse(data []byte) (*Frame, int, error) {
	length, err := ParseHeader(data)
	if err != nil {
		return nil, 0, err
	}
	total := HeaderSize + int(length)
	if len(data) < total {
		return nil, 0, ErrNeedMore
	}

	payload := make([]byte, length)
	copy(payload, data[HeaderSize:total])
	return &Frame{
		Magic:    data[0],
		Flag:     data[1],
		Opcode:   Opcode(data[2]),
		Reserved: data[3],
		Checksum: binary.BigEndian.Uint32(data[4:8]),
		Group:    binary.BigEndian.Uint16(data[8:10]),
		Index:    binary.BigEndian.Uint16(data[10:12]),
		Length:   length,
		Payload:  payload,
	}, total, nil
}
