package msgs

import (
	"errors"

	"github.com/golang/protobuf/proto"

	fx "github.com/robotalks/ssam.go/pkg/framework"
	"github.com/robotalks/ssam.go/pkg/ssam"
	"github.com/robotalks/ssam.go/pkg/ssh"
)

// TypeID Groups
const (
	GroupCommand uint32 = 0x00000000
	GroupSSAM    uint32 = 0x00010000
)

// TypeIDs
const (
	CommandErrTypeID uint32 = GroupCommand | TypeIDMaskReply | 0x0001
	RequestTypeID    uint32 = GroupSSAM | 0x0001
	ResponseTypeID   uint32 = RequestTypeID | TypeIDMaskReply
	EventTypeID      uint32 = TypeIDKindEvent | GroupSSAM | 0x0001
)

// Request is a request to be submitted to the controller.
type Request struct {
	Category   uint32 `protobuf:"varint,1,opt,name=category,proto3" json:"category"`
	TargetID   uint32 `protobuf:"varint,2,opt,name=target_id,proto3" json:"target_id"`
	CommandID  uint32 `protobuf:"varint,3,opt,name=command_id,proto3" json:"command_id"`
	InstanceID uint32 `protobuf:"varint,4,opt,name=instance_id,proto3" json:"instance_id"`
	Flags      uint32 `protobuf:"varint,5,opt,name=flags,proto3" json:"flags"`
	Payload    []byte `protobuf:"bytes,6,opt,name=payload,proto3" json:"payload,omitempty"`
	// BufferSize is the capacity of the issuer's response buffer.
	BufferSize uint32 `protobuf:"varint,7,opt,name=buffer_size,proto3" json:"buffer_size,omitempty"`
}

// NewRequest creates a Request message.
func NewRequest(r *ssam.Request, bufSize int) *Request {
	return &Request{
		Category:   uint32(r.Category),
		TargetID:   uint32(r.TargetID),
		CommandID:  uint32(r.CommandID),
		InstanceID: uint32(r.InstanceID),
		Flags:      uint32(r.Flags),
		Payload:    r.Payload,
		BufferSize: uint32(bufSize),
	}
}

// ToRequest converts the message to a request.
func (m *Request) ToRequest() *ssam.Request {
	return &ssam.Request{
		Category:   byte(m.Category),
		TargetID:   byte(m.TargetID),
		CommandID:  byte(m.CommandID),
		InstanceID: byte(m.InstanceID),
		Flags:      ssam.RequestFlags(m.Flags),
		Payload:    m.Payload,
	}
}

// NewMessage implements SerializableMessage.
func (m *Request) NewMessage() fx.Message { return &Request{} }

// TypeID implements SerializableMessage.
func (m *Request) TypeID() uint32 { return RequestTypeID }

// Serializable implements SerializableMessage.
func (m *Request) Serializable() proto.Message { return m }

// ProtoMessage implements proto.Message.
func (m *Request) ProtoMessage() {}

// Reset implements proto.Message.
func (m *Request) Reset() { *m = Request{} }

// String implements proto.Message.
func (m *Request) String() string { return proto.CompactTextString(m) }

// Response replies a Request.
type Response struct {
	Payload []byte `protobuf:"bytes,1,opt,name=payload,proto3" json:"payload,omitempty"`
}

// NewMessage implements SerializableMessage.
func (m *Response) NewMessage() fx.Message { return &Response{} }

// TypeID implements SerializableMessage.
func (m *Response) TypeID() uint32 { return ResponseTypeID }

// Serializable implements SerializableMessage.
func (m *Response) Serializable() proto.Message { return m }

// ProtoMessage implements proto.Message.
func (m *Response) ProtoMessage() {}

// Reset implements proto.Message.
func (m *Response) Reset() { *m = Response{} }

// String implements proto.Message.
func (m *Response) String() string { return proto.CompactTextString(m) }

// Event is an event forwarded from the controller.
type Event struct {
	Category   uint32 `protobuf:"varint,1,opt,name=category,proto3" json:"category"`
	CommandID  uint32 `protobuf:"varint,2,opt,name=command_id,proto3" json:"command_id"`
	InstanceID uint32 `protobuf:"varint,3,opt,name=instance_id,proto3" json:"instance_id"`
	Channel    uint32 `protobuf:"varint,4,opt,name=channel,proto3" json:"channel"`
	RequestID  uint32 `protobuf:"varint,5,opt,name=request_id,proto3" json:"request_id"`
	Payload    []byte `protobuf:"bytes,6,opt,name=payload,proto3" json:"payload,omitempty"`
}

// NewEvent creates an Event message.
func NewEvent(ev *ssam.Event) *Event {
	return &Event{
		Category:   uint32(ev.Category),
		CommandID:  uint32(ev.CommandID),
		InstanceID: uint32(ev.InstanceID),
		Channel:    uint32(ev.Channel),
		RequestID:  uint32(ev.RequestID),
		Payload:    ev.Payload,
	}
}

// ToEvent converts the message to an event.
func (m *Event) ToEvent() *ssam.Event {
	return &ssam.Event{
		RequestID:  ssh.RequestID(m.RequestID),
		Category:   byte(m.Category),
		CommandID:  byte(m.CommandID),
		InstanceID: byte(m.InstanceID),
		Channel:    byte(m.Channel),
		Payload:    m.Payload,
	}
}

// NewMessage implements SerializableMessage.
func (m *Event) NewMessage() fx.Message { return &Event{} }

// TypeID implements SerializableMessage.
func (m *Event) TypeID() uint32 { return EventTypeID }

// Serializable implements SerializableMessage.
func (m *Event) Serializable() proto.Message { return m }

// ProtoMessage implements proto.Message.
func (m *Event) ProtoMessage() {}

// Reset implements proto.Message.
func (m *Event) Reset() { *m = Event{} }

// String implements proto.Message.
func (m *Event) String() string { return proto.CompactTextString(m) }

// Error codes carried by CommandErr.
const (
	CodeUnknown uint32 = iota
	CodeUnsupported
	CodeTransport
	CodeChecksum
	CodeTimeout
	CodeBufferTooSmall
	CodeNotReady
	CodeSuspended
	CodeShutdown
	CodeNotFound
	CodeProtocolViolation
	CodeBusy
)

var errorCodes = []struct {
	code uint32
	err  error
}{
	// ErrChecksum comes with ErrTimeout, it must be checked first.
	{CodeChecksum, ssam.ErrChecksum},
	{CodeUnsupported, ErrUnsupportedCommand},
	{CodeTransport, ssam.ErrTransport},
	{CodeTimeout, ssam.ErrTimeout},
	{CodeBufferTooSmall, ssam.ErrBufferTooSmall},
	{CodeNotReady, ssam.ErrNotReady},
	{CodeSuspended, ssam.ErrSuspended},
	{CodeShutdown, ssam.ErrShutdown},
	{CodeNotFound, ssam.ErrNotFound},
	{CodeProtocolViolation, ssam.ErrProtocolViolation},
	{CodeBusy, ssam.ErrBusy},
}

// CommandErr is the generic message representing command error.
type CommandErr struct {
	Message string `protobuf:"bytes,1,opt,name=message,proto3" json:"message,omitempty"`
	Code    uint32 `protobuf:"varint,2,opt,name=code,proto3" json:"code,omitempty"`
}

// NewCommandErr creates a CommandErr from an error.
func NewCommandErr(err error) *CommandErr {
	m := &CommandErr{Message: err.Error()}
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			m.Code = c.code
			break
		}
	}
	return m
}

// Error implements error.
func (m *CommandErr) Error() string { return m.Message }

// Unwrap returns the well-known error indicated by Code.
func (m *CommandErr) Unwrap() error {
	for _, c := range errorCodes {
		if c.code == m.Code {
			if c.code == CodeChecksum {
				return errors.Join(ssam.ErrTimeout, ssam.ErrChecksum)
			}
			return c.err
		}
	}
	return nil
}

// NewMessage implements SerializableMessage.
func (m *CommandErr) NewMessage() fx.Message { return &CommandErr{} }

// TypeID implements SerializableMessage.
func (m *CommandErr) TypeID() uint32 { return CommandErrTypeID }

// Serializable implements SerializableMessage.
func (m *CommandErr) Serializable() proto.Message { return m }

// ProtoMessage implements proto.Message.
func (m *CommandErr) ProtoMessage() {}

// Reset implements proto.Message.
func (m *CommandErr) Reset() { *m = CommandErr{} }

// String implements proto.Message.
func (m *CommandErr) String() string { return proto.CompactTextString(m) }
