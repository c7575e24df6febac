// Package ssamtest runs a Controller against an in-memory embedded controller.
package ssamtest

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robotalks/ssam.go/pkg/ssam"
	"github.com/robotalks/ssam.go/pkg/ssh"
	"github.com/robotalks/ssam.go/pkg/ssh/sshtest"
)

// FirmwareVersion is reported by the fake controller.
const FirmwareVersion ssam.Version = 0x05001a03

// Options used for controllers in tests.
var Options = ssam.Options{
	Timeout:    100 * time.Millisecond,
	AckTimeout: 50 * time.Millisecond,
}

// U32 encodes a little-endian 32-bit value.
func U32(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b[:]
}

// U16 encodes a little-endian 16-bit value.
func U16(v uint16) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return b[:]
}

// Handler answers requests addressed to the controller itself and passes
// the others to next.
func Handler(next sshtest.HandlerFunc) sshtest.HandlerFunc {
	return func(cmd *ssh.Command, try int) sshtest.Reply {
		if cmd.Category == ssam.CategorySAM && cmd.TargetOut == 0x01 {
			switch cmd.CommandID {
			case ssam.RqstGetFirmwareVersion.CommandID:
				return sshtest.Reply{Payload: U32(uint32(FirmwareVersion))}
			case ssam.RqstDisplayOff.CommandID, ssam.RqstDisplayOn.CommandID,
				ssam.RqstD0Exit.CommandID, ssam.RqstD0Entry.CommandID,
				ssam.RegistrySAM.CIDEnable, ssam.RegistrySAM.CIDDisable:
				return sshtest.Reply{Payload: []byte{0}}
			}
		}
		if next != nil {
			return next(cmd, try)
		}
		return sshtest.Reply{NoResponse: true}
	}
}

// Start creates and starts a controller answering with h.
// The controller is stopped when the test completes.
func Start(t *testing.T, h sshtest.HandlerFunc) (*ssam.Controller, *sshtest.Controller) {
	ec := sshtest.New(Handler(h))
	c := ssam.NewController(ec, Options)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() {
		c.Stop(context.Background(), true)
	})
	return c, ec
}

// SendEvent sends an event from the fake controller on the SAM registry channel.
func SendEvent(ec *sshtest.Controller, category, cid, iid byte, payload []byte) ssh.Seq {
	return ec.SendEvent(&ssh.Event{
		Category:   category,
		CommandID:  cid,
		InstanceID: iid,
		Channel:    ssam.RegistrySAM.TargetID,
		Payload:    payload,
	})
}
