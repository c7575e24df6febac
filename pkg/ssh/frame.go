package ssh

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FrameType defines the type of a frame.
type FrameType byte

// Frame types.
const (
	// FrameDataSeq is a data frame which must be acknowledged.
	FrameDataSeq FrameType = 0x80
	// FrameDataNsq is a data frame which is not acknowledged.
	FrameDataNsq FrameType = 0x00
	// FrameAck acknowledges a sequenced data frame.
	FrameAck FrameType = 0x40
	// FrameNak asks the peer to retransmit.
	FrameNak FrameType = 0x04
)

// String implements fmt.Stringer.
func (t FrameType) String() string {
	switch t {
	case FrameDataSeq:
		return "DATA_SEQ"
	case FrameDataNsq:
		return "DATA_NSQ"
	case FrameAck:
		return "ACK"
	case FrameNak:
		return "NAK"
	}
	return fmt.Sprintf("FrameType(0x%02x)", byte(t))
}

// IsData indicates the frame carries a payload.
func (t FrameType) IsData() bool {
	return t == FrameDataSeq || t == FrameDataNsq
}

// Seq defines the type of frame sequence number.
type Seq byte

// Next calculates the next sequence number, wrapping around.
func (s Seq) Next() Seq {
	return s + 1
}

// Wire layout sizes.
const (
	synLen    = 2
	headerLen = 4
	crcLen    = 2

	// MessageLenBase is the length of a message without payload.
	MessageLenBase = synLen + headerLen + 2*crcLen
	// MaxFramePayload is the maximum payload length of a frame.
	MaxFramePayload = 0xffff
)

var syn = [synLen]byte{0xaa, 0x55}

// MessageLength returns the number of bytes a frame with payloadLen occupies on the wire.
func MessageLength(payloadLen int) int {
	return MessageLenBase + payloadLen
}

// Frame contains the information of a parsed frame.
type Frame struct {
	Type    FrameType
	Seq     Seq
	Payload []byte

	// Retransmitted is set by the Transport on a sequenced data frame whose
	// Seq was received recently. It is not encoded.
	Retransmitted bool
}

// NewAck creates an ACK frame for the sequence number.
func NewAck(seq Seq) *Frame {
	return &Frame{Type: FrameAck, Seq: seq}
}

// NewNak creates a NAK frame.
func NewNak() *Frame {
	return &Frame{Type: FrameNak}
}

// String implements fmt.Stringer.
func (f *Frame) String() string {
	return fmt.Sprintf("%s seq=%d len=%d", f.Type, f.Seq, len(f.Payload))
}

// Bytes returns encoded bytes for sending.
func (f *Frame) Bytes() []byte {
	b := make([]byte, MessageLength(len(f.Payload)))
	copy(b, syn[:])
	hdr := b[synLen : synLen+headerLen]
	hdr[0] = byte(f.Type)
	binary.LittleEndian.PutUint16(hdr[1:3], uint16(len(f.Payload)))
	hdr[3] = byte(f.Seq)
	binary.LittleEndian.PutUint16(b[synLen+headerLen:], CRC(hdr))
	off := synLen + headerLen + crcLen
	copy(b[off:], f.Payload)
	off += len(f.Payload)
	binary.LittleEndian.PutUint16(b[off:], CRC(f.Payload))
	return b
}

// WriteTo writes encoded bytes in a single Write call.
func (f *Frame) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(f.Bytes())
	return int64(n), err
}
