package comm

import (
	"context"
	"fmt"

	"github.com/robotalks/ssam.go/pkg/bridge"
)

// DialFunc opens a packet connection.
type DialFunc func(context.Context) (PacketReadWriter, error)

// DirectConnector implements bridge.Connector for a point-to-point
// transport reaching a single hub.
type DirectConnector struct {
	Info bridge.HubInfo
	Dial DialFunc
}

// Discover implements bridge.Connector.
func (c *DirectConnector) Discover(ctx context.Context) ([]bridge.HubInfo, error) {
	return []bridge.HubInfo{c.Info}, nil
}

// Connect implements bridge.Connector.
func (c *DirectConnector) Connect(ctx context.Context, ref bridge.HubRef) (bridge.Conn, error) {
	if ref.IsValid() && ref != c.Info.Ref {
		return nil, fmt.Errorf("unknown hub %s", ref.Name())
	}
	rw, err := c.Dial(ctx)
	if err != nil {
		return nil, err
	}
	return NewConn(rw), nil
}
