// Package stream carries bridge packets over byte streams.
package stream

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/golang/glog"

	"github.com/robotalks/ssam.go/pkg/bridge"
	"github.com/robotalks/ssam.go/pkg/bridge/comm"
	fx "github.com/robotalks/ssam.go/pkg/framework"
)

// MaxPacketSize limits the size of a received packet.
const MaxPacketSize = 0x10000

// ReadWriter implements PacketReadWriter.
// Each packet is prefixed by 4-byte (little-endian) indicate the length.
type ReadWriter struct {
	io.ReadWriter
}

// New creates a ReadWriter with io.ReadWriter.
func New(s io.ReadWriter) *ReadWriter {
	return &ReadWriter{s}
}

// ReadPacket implements PacketReader.
func (p *ReadWriter) ReadPacket() ([]byte, error) {
	var size uint32
	if err := binary.Read(p, binary.LittleEndian, &size); err != nil {
		return nil, err
	}
	if size > MaxPacketSize {
		return nil, fmt.Errorf("packet too large: %d bytes", size)
	}
	pkt := make([]byte, size)
	_, err := io.ReadFull(p, pkt)
	return pkt, err
}

// WritePacket implements PacketWriter.
func (p *ReadWriter) WritePacket(pkt []byte) error {
	buf := make([]byte, 4+len(pkt))
	binary.LittleEndian.PutUint32(buf, uint32(len(pkt)))
	copy(buf[4:], pkt)
	_, err := p.Write(buf)
	return err
}

// Close implements io.Closer.
func (p *ReadWriter) Close() error {
	if closer, ok := p.ReadWriter.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// Serve accepts connections from ln and serves each with mux.
func Serve(ctx context.Context, ln net.Listener, mux *comm.ServerMux) error {
	return fx.RunWithContextCloser(ctx, ln, func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return err
			}
			glog.Infof("bridge connection from %s", conn.RemoteAddr())
			go func() {
				err := mux.Serve(ctx, New(conn))
				glog.Infof("bridge connection from %s closed: %v", conn.RemoteAddr(), err)
			}()
		}
	})
}

// NewConnector creates a connector dialing a hub at addr over TCP.
func NewConnector(addr string) *comm.DirectConnector {
	return &comm.DirectConnector{
		Info: bridge.HubInfo{Ref: bridge.HubRef{Type: "tcp", ID: addr}},
		Dial: func(ctx context.Context) (comm.PacketReadWriter, error) {
			var d net.Dialer
			conn, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				return nil, err
			}
			return New(conn), nil
		},
	}
}
