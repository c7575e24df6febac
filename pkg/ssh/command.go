package ssh

import (
	"encoding/binary"
	"fmt"
)

// PayloadTypeCommand marks a data frame payload carrying a command.
const PayloadTypeCommand byte = 0x80

// CommandHeaderLen is the length of the command header in a data frame.
const CommandHeaderLen = 8

// MaxCommandPayload is the maximum payload length of a command.
const MaxCommandPayload = MaxFramePayload - CommandHeaderLen

// NumEvents is the number of request ids reserved for events.
const NumEvents = 32

// RequestID correlates responses with requests.
type RequestID uint16

// IsEvent indicates the id belongs to the range reserved for events.
func (id RequestID) IsEvent() bool {
	return id >= 1 && id <= NumEvents
}

// Next returns the next request id usable for requests.
func (id RequestID) Next() RequestID {
	n := id + 1
	if n <= NumEvents {
		n = NumEvents + 1
	}
	return n
}

// EventRequestID returns the request id the controller uses for events
// of the target category.
func EventRequestID(category byte) RequestID {
	// legacy keyboard events arrive with a fixed request id.
	if category == 0x08 {
		return 1
	}
	return RequestID(category)
}

// Command is the payload of a data frame.
type Command struct {
	Category  byte
	TargetOut byte
	TargetIn  byte
	Instance  byte
	RequestID RequestID
	CommandID byte
	Payload   []byte
}

// String implements fmt.Stringer.
func (c *Command) String() string {
	return fmt.Sprintf("tc=0x%02x tid=%d/%d iid=%d rqid=%d cid=0x%02x len=%d",
		c.Category, c.TargetOut, c.TargetIn, c.Instance, c.RequestID, c.CommandID, len(c.Payload))
}

// Bytes encodes the command as frame payload.
func (c *Command) Bytes() []byte {
	b := make([]byte, CommandHeaderLen+len(c.Payload))
	b[0] = PayloadTypeCommand
	b[1] = c.Category
	b[2] = c.TargetOut
	b[3] = c.TargetIn
	b[4] = c.Instance
	binary.LittleEndian.PutUint16(b[5:7], uint16(c.RequestID))
	b[7] = c.CommandID
	copy(b[CommandHeaderLen:], c.Payload)
	return b
}

// ParseCommand decodes a command from frame payload.
func ParseCommand(payload []byte) (*Command, error) {
	if len(payload) < CommandHeaderLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidCommand, len(payload))
	}
	if payload[0] != PayloadTypeCommand {
		return nil, fmt.Errorf("%w: payload type 0x%02x", ErrInvalidCommand, payload[0])
	}
	return &Command{
		Category:  payload[1],
		TargetOut: payload[2],
		TargetIn:  payload[3],
		Instance:  payload[4],
		RequestID: RequestID(binary.LittleEndian.Uint16(payload[5:7])),
		CommandID: payload[7],
		Payload:   payload[CommandHeaderLen:],
	}, nil
}
