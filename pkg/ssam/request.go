package ssam

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/robotalks/ssam.go/pkg/ssh"
)

type (
	// Request is an outbound command.
	Request = ssh.Request
	// Event is an unsolicited command from the controller.
	Event = ssh.Event
	// RequestFlags controls how a request is transmitted.
	RequestFlags = ssh.RequestFlags
)

// Request flags.
const (
	FlagHasResponse = ssh.FlagHasResponse
	FlagUnsequenced = ssh.FlagUnsequenced
)

// Target categories.
const (
	CategorySAM byte = 0x01
	CategoryBAT byte = 0x02
	CategoryTMP byte = 0x03
	CategoryPMC byte = 0x04
	CategoryFAN byte = 0x05
	CategoryPoM byte = 0x06
	CategoryDBG byte = 0x07
	CategoryKBD byte = 0x08
	CategoryFWU byte = 0x09
	CategoryUNI byte = 0x0a
	CategoryLPC byte = 0x0b
	CategoryTCL byte = 0x0c
	CategorySFL byte = 0x0d
	CategoryKIP byte = 0x0e
	CategoryEXT byte = 0x0f
	CategoryBLD byte = 0x10
	CategoryBAS byte = 0x11
	CategorySEN byte = 0x12
	CategorySRQ byte = 0x13
	CategoryMCU byte = 0x14
	CategoryHID byte = 0x15
	CategoryTCH byte = 0x16
	CategoryBKL byte = 0x17
	CategoryTAM byte = 0x18
	CategoryACC byte = 0x19
	CategoryUFI byte = 0x1a
	CategoryUSC byte = 0x1b
	CategoryPEN byte = 0x1c
	CategoryVID byte = 0x1d
	CategoryAUD byte = 0x1e
	CategorySMC byte = 0x1f
	CategoryKPD byte = 0x20
	CategoryREG byte = 0x21
)

var categoryNames = map[byte]string{
	CategorySAM: "SAM", CategoryBAT: "BAT", CategoryTMP: "TMP", CategoryPMC: "PMC",
	CategoryFAN: "FAN", CategoryPoM: "PoM", CategoryDBG: "DBG", CategoryKBD: "KBD",
	CategoryFWU: "FWU", CategoryUNI: "UNI", CategoryLPC: "LPC", CategoryTCL: "TCL",
	CategorySFL: "SFL", CategoryKIP: "KIP", CategoryEXT: "EXT", CategoryBLD: "BLD",
	CategoryBAS: "BAS", CategorySEN: "SEN", CategorySRQ: "SRQ", CategoryMCU: "MCU",
	CategoryHID: "HID", CategoryTCH: "TCH", CategoryBKL: "BKL", CategoryTAM: "TAM",
	CategoryACC: "ACC", CategoryUFI: "UFI", CategoryUSC: "USC", CategoryPEN: "PEN",
	CategoryVID: "VID", CategoryAUD: "AUD", CategorySMC: "SMC", CategoryKPD: "KPD",
	CategoryREG: "REG",
}

// CategoryName returns the short name of a target category.
func CategoryName(category byte) string {
	if name, ok := categoryNames[category]; ok {
		return name
	}
	return fmt.Sprintf("0x%02x", category)
}

// CategoryByName looks up a target category by its short name, ignoring case.
func CategoryByName(name string) (byte, bool) {
	for category, n := range categoryNames {
		if strings.EqualFold(n, name) {
			return category, true
		}
	}
	return 0, false
}

// Submitter submits requests, implemented by Controller, Client and
// remote connections.
type Submitter interface {
	Submit(ctx context.Context, r *Request, buf []byte) (int, error)
}

// RequestError carries the addressing of the failed request.
type RequestError struct {
	Category   byte
	TargetID   byte
	CommandID  byte
	InstanceID byte
	Err        error
}

// Error implements error.
func (e *RequestError) Error() string {
	return fmt.Sprintf("request %s/%d cid=0x%02x iid=%d: %v",
		CategoryName(e.Category), e.TargetID, e.CommandID, e.InstanceID, e.Err)
}

// Unwrap returns the cause.
func (e *RequestError) Unwrap() error {
	return e.Err
}

func newRequestError(r *Request, err error) error {
	return &RequestError{
		Category:   r.Category,
		TargetID:   r.TargetID,
		CommandID:  r.CommandID,
		InstanceID: r.InstanceID,
		Err:        err,
	}
}

// StatusError reports a non-zero status byte returned by the controller.
type StatusError struct {
	CommandID byte
	Status    byte
}

// Error implements error.
func (e *StatusError) Error() string {
	return fmt.Sprintf("cid=0x%02x failed with status 0x%02x", e.CommandID, e.Status)
}

// RequestSpec is the template of a request addressing a fixed command.
type RequestSpec struct {
	Category   byte
	TargetID   byte
	CommandID  byte
	InstanceID byte
	Flags      RequestFlags
}

// WithInstance returns a copy addressing a different instance.
func (s RequestSpec) WithInstance(iid byte) RequestSpec {
	s.InstanceID = iid
	return s
}

// Request builds a request with payload.
func (s RequestSpec) Request(payload []byte) *Request {
	return &Request{
		Category:   s.Category,
		TargetID:   s.TargetID,
		CommandID:  s.CommandID,
		InstanceID: s.InstanceID,
		Flags:      s.Flags,
		Payload:    payload,
	}
}

// Call submits the request expecting a response into buf.
func (s RequestSpec) Call(ctx context.Context, sub Submitter, payload, buf []byte) (int, error) {
	r := s.Request(payload)
	r.Flags |= FlagHasResponse
	return sub.Submit(ctx, r, buf)
}

// Do submits the request with the flags of s, ignoring any response.
func (s RequestSpec) Do(ctx context.Context, sub Submitter, payload []byte) error {
	r := s.Request(payload)
	if r.Flags&FlagHasResponse == 0 {
		_, err := sub.Submit(ctx, r, nil)
		return err
	}
	_, err := sub.Submit(ctx, r, make([]byte, ssh.MaxCommandPayload))
	return err
}

// Get submits the request and requires the response to fill buf exactly.
func (s RequestSpec) Get(ctx context.Context, sub Submitter, payload, buf []byte) error {
	n, err := s.Call(ctx, sub, payload, buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("%w: cid=0x%02x expects %d bytes, got %d",
			ErrProtocolViolation, s.CommandID, len(buf), n)
	}
	return nil
}

// GetU32 reads a little-endian 32-bit value.
func (s RequestSpec) GetU32(ctx context.Context, sub Submitter) (uint32, error) {
	var buf [4]byte
	if err := s.Get(ctx, sub, nil, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// GetU16 reads a little-endian 16-bit value.
func (s RequestSpec) GetU16(ctx context.Context, sub Submitter) (uint16, error) {
	var buf [2]byte
	if err := s.Get(ctx, sub, nil, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// GetStatus submits the request and converts a non-zero status byte into
// a StatusError.
func (s RequestSpec) GetStatus(ctx context.Context, sub Submitter, payload []byte) error {
	var buf [1]byte
	if err := s.Get(ctx, sub, payload, buf[:]); err != nil {
		return err
	}
	if buf[0] != 0 {
		return &StatusError{CommandID: s.CommandID, Status: buf[0]}
	}
	return nil
}

// SetU32 writes a little-endian 32-bit value.
func (s RequestSpec) SetU32(ctx context.Context, sub Submitter, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return s.Do(ctx, sub, buf[:])
}
