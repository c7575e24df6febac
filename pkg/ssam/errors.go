package ssam

import (
	"errors"

	"github.com/robotalks/ssam.go/pkg/ssh"
)

var (
	// ErrTransport indicates the serial link failed.
	ErrTransport = ssh.ErrLinkDown
	// ErrChecksum indicates corrupt frames were dropped while waiting for
	// a response. It's reported together with ErrTimeout.
	ErrChecksum = ssh.ErrChecksum
	// ErrTimeout indicates no response after all retries.
	ErrTimeout = ssh.ErrTimeout
	// ErrBufferTooSmall indicates the response exceeds the caller's buffer.
	ErrBufferTooSmall = ssh.ErrBufferTooSmall
	// ErrNotReady indicates the controller is not running yet, retry later.
	ErrNotReady = ssh.ErrNotReady
	// ErrSuspended indicates the controller is suspended.
	ErrSuspended = errors.New("controller suspended")
	// ErrShutdown indicates the controller is shutting down or stopped.
	ErrShutdown = errors.New("controller shutdown")
	// ErrNotFound indicates the target device is absent.
	ErrNotFound = errors.New("device not found")
	// ErrProtocolViolation indicates a misuse of the protocol or API.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrBusy indicates clients are still bound to the controller.
	ErrBusy = errors.New("controller busy")
	// ErrInvalidState indicates an operation not allowed in current state.
	ErrInvalidState = errors.New("invalid controller state")
)
