// Package bridge exposes a controller to remote processes.
//
// A hub is the process owning the serial link. It serves requests from
// remote connections and forwards events to them.
package bridge

import (
	"context"

	fx "github.com/robotalks/ssam.go/pkg/framework"
	"github.com/robotalks/ssam.go/pkg/ssam"
)

// HubRef is a reference to a hub.
type HubRef struct {
	// Type is the hub type.
	Type string
	// ID is unique ID of the hub, the machine id by default.
	ID string
}

// Name retrieves the name from ref.
func (r HubRef) Name() string {
	return r.Type + "/" + r.ID
}

// IsValid indicates HubRef is valid.
func (r HubRef) IsValid() bool {
	return r.Type != "" && r.ID != ""
}

// HubMeta provides metadata of a hub.
type HubMeta struct {
	Description string            `json:"description,omitempty"`
	Firmware    string            `json:"firmware,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// HubInfo provides information of a hub.
type HubInfo struct {
	Ref  HubRef
	Meta HubMeta
}

// Connector is used by remote processes to connect to a hub.
type Connector interface {
	// Discover enumerates registered hubs.
	Discover(context.Context) ([]HubInfo, error)
	// Connect connects to the specified hub.
	Connect(context.Context, HubRef) (Conn, error)
}

// Conn is the connection to a hub. Events are posted as *ssam.Event to
// the handler set by HandleEvents. Run must be running while the
// connection is used.
type Conn interface {
	ssam.Submitter
	fx.Runnable
	HandleEvents(fx.MessageHandler)
	Close() error
}

// Result represents result of a command.
type Result struct {
	Msg fx.Message
	Err error
}

// CommandFuture is the future of sent command.
type CommandFuture interface {
	ResultChan() <-chan Result
}
