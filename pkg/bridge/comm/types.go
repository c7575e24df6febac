// Package comm implements the bridge over packet oriented transports.
package comm

import "errors"

// PacketReader reads packets in bytes.
type PacketReader interface {
	ReadPacket() ([]byte, error)
}

// PacketWriter writes packets in bytes.
type PacketWriter interface {
	WritePacket([]byte) error
}

// PacketReadWriter reads/writes packets in bytes.
type PacketReadWriter interface {
	PacketReader
	PacketWriter
}

// EventWriter is optionally implemented by a PacketWriter which
// delivers events separately from replies.
type EventWriter interface {
	WriteEventPacket([]byte) error
}

// ErrClosed indicates the connection is closed.
var ErrClosed = errors.New("connection closed")
