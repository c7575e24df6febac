// Package rqst provides shell commands issuing raw requests.
package rqst

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/abiosoft/ishell"

	"github.com/robotalks/ssam.go/pkg/cli/sh"
	"github.com/robotalks/ssam.go/pkg/ssam"
)

// Response is the output of a raw request.
type Response struct {
	Request string `json:"request"`
	Payload string `json:"payload"`
}

// ParseRequest parses TC TID CID IID [FLAGS [PAYLOAD...]].
// TC is a category name or a number, FLAGS defaults to a request with
// response and PAYLOAD is hex encoded, optionally split into arguments.
func ParseRequest(args []string) (*ssam.Request, error) {
	if len(args) < 4 {
		return nil, fmt.Errorf("expect TC TID CID IID [FLAGS [PAYLOAD...]]")
	}
	r := &ssam.Request{Flags: ssam.FlagHasResponse}
	category, ok := ssam.CategoryByName(args[0])
	if !ok {
		val, err := parseByte("TC", args[0])
		if err != nil {
			return nil, err
		}
		category = val
	}
	r.Category = category
	fields := []struct {
		name string
		ptr  *byte
	}{
		{"TID", &r.TargetID},
		{"CID", &r.CommandID},
		{"IID", &r.InstanceID},
	}
	for n, field := range fields {
		val, err := parseByte(field.name, args[n+1])
		if err != nil {
			return nil, err
		}
		*field.ptr = val
	}
	if len(args) > 4 {
		flags, err := parseByte("FLAGS", args[4])
		if err != nil {
			return nil, err
		}
		r.Flags = ssam.RequestFlags(flags)
	}
	if len(args) > 5 {
		payload, err := hex.DecodeString(strings.Join(args[5:], ""))
		if err != nil {
			return nil, fmt.Errorf("invalid PAYLOAD: %v", err)
		}
		r.Payload = payload
	}
	return r, nil
}

func parseByte(name, str string) (byte, error) {
	val, err := strconv.ParseUint(str, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %v", name, str, err)
	}
	return byte(val), nil
}

var (
	// RqstCmd sends a raw request.
	RqstCmd = ishell.Cmd{
		Name:    "rqst",
		Aliases: []string{"r"},
		Help:    "TC TID CID IID [FLAGS [PAYLOAD...]]",
		Func: sh.MustBeConnected(func(c *ishell.Context) {
			r, err := ParseRequest(c.Args)
			if err != nil {
				c.Err(err)
				return
			}
			data, err := sh.Submit(c, r)
			if err != nil {
				return
			}
			res := Response{Request: r.String(), Payload: hex.EncodeToString(data)}
			sh.Output(c, &res, "%s\n", hex.Dump(data))
		}),
	}

	// FirmwareCmd queries the firmware version.
	FirmwareCmd = ishell.Cmd{
		Name:    "firmware",
		Aliases: []string{"fw"},
		Help:    "",
		Func: sh.MustBeConnected(func(c *ishell.Context) {
			ctx, cancel := sh.RequestContext(c)
			defer cancel()
			ver, err := ssam.RqstGetFirmwareVersion.GetU32(ctx, sh.Conn(c))
			if err != nil {
				c.Err(err)
				return
			}
			sh.Output(c, ssam.Version(ver).String(), "%s\n", ssam.Version(ver))
		}),
	}
)

func init() {
	sh.AddCmds(
		&RqstCmd,
		&FirmwareCmd,
	)
}
