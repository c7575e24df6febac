// Package websocket carries bridge packets in websocket messages.
package websocket

import (
	"context"
	"net/http"

	"github.com/golang/glog"
	"golang.org/x/net/websocket"

	"github.com/robotalks/ssam.go/pkg/bridge"
	"github.com/robotalks/ssam.go/pkg/bridge/comm"
)

// ReadWriter implements PacketReadWriter.
type ReadWriter websocket.Conn

// New wraps websocket.Conn.
func New(conn *websocket.Conn) *ReadWriter {
	return (*ReadWriter)(conn)
}

// ReadPacket implements PacketReader.
func (p *ReadWriter) ReadPacket() (pkt []byte, err error) {
	err = websocket.Message.Receive((*websocket.Conn)(p), &pkt)
	return
}

// WritePacket implements PacketWriter.
func (p *ReadWriter) WritePacket(pkt []byte) error {
	return websocket.Message.Send((*websocket.Conn)(p), pkt)
}

// Close implements io.Closer.
func (p *ReadWriter) Close() error {
	return (*websocket.Conn)(p).Close()
}

// Handler serves websocket connections with mux.
func Handler(mux *comm.ServerMux) http.Handler {
	return websocket.Handler(func(ws *websocket.Conn) {
		ctx := ws.Request().Context()
		glog.Infof("bridge websocket from %s", ws.Request().RemoteAddr)
		err := mux.Serve(ctx, New(ws))
		glog.Infof("bridge websocket from %s closed: %v", ws.Request().RemoteAddr, err)
	})
}

// NewConnector creates a connector dialing a hub at a ws:// or wss:// URL.
func NewConnector(url, origin string) *comm.DirectConnector {
	return &comm.DirectConnector{
		Info: bridge.HubInfo{Ref: bridge.HubRef{Type: "ws", ID: url}},
		Dial: func(ctx context.Context) (comm.PacketReadWriter, error) {
			config, err := websocket.NewConfig(url, origin)
			if err != nil {
				return nil, err
			}
			conn, err := config.DialContext(ctx)
			if err != nil {
				return nil, err
			}
			return New(conn), nil
		},
	}
}
