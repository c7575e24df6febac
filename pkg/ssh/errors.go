package ssh

import (
	"errors"
	"fmt"
)

var (
	// ErrNotReady indicates the transport is not running.
	ErrNotReady = errors.New("not ready")
	// ErrLinkDown indicates the serial link failed or was closed.
	ErrLinkDown = errors.New("link down")
	// ErrChecksum indicates frames were dropped because of checksum mismatch.
	ErrChecksum = errors.New("checksum mismatch")
	// ErrTimeout indicates no response was received after all retries.
	ErrTimeout = errors.New("timeout")
	// ErrNAK indicates the peer rejected a transmitted frame.
	ErrNAK = errors.New("frame rejected by peer")
	// ErrAckTimeout indicates a sequenced frame was not acknowledged in time.
	ErrAckTimeout = errors.New("ack timeout")
	// ErrBufferTooSmall indicates the response doesn't fit the caller's buffer.
	ErrBufferTooSmall = errors.New("buffer too small")
	// ErrPayloadTooLarge indicates the request payload exceeds the protocol limit.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrInvalidCommand indicates a data frame doesn't carry a valid command.
	ErrInvalidCommand = errors.New("invalid command payload")
)

// SizeError reports a response which exceeds the caller's buffer.
type SizeError struct {
	Size     int
	Capacity int
}

// Error implements error.
func (e *SizeError) Error() string {
	return fmt.Sprintf("response of %d bytes exceeds capacity %d", e.Size, e.Capacity)
}

// Unwrap returns ErrBufferTooSmall.
func (e *SizeError) Unwrap() error {
	return ErrBufferTooSmall
}
