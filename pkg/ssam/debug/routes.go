package debug

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tailscale.com/tsweb"

	"github.com/robotalks/ssam.go/pkg/ssam"
)

// DefaultRequestTimeout limits a passthrough transaction issued over HTTP.
const DefaultRequestTimeout = 5 * time.Second

// Status is the controller status reported by the status route.
type Status struct {
	State           string   `json:"state"`
	Error           string   `json:"error,omitempty"`
	Firmware        string   `json:"firmware,omitempty"`
	Clients         int      `json:"clients"`
	Pending         int      `json:"pending"`
	ChecksumErrors  uint64   `json:"checksum_errors"`
	Retransmissions uint64   `json:"retransmissions"`
	Duplicates      uint64   `json:"duplicates"`
	Unhandled       uint64   `json:"unhandled"`
	Notifiers       []string `json:"notifiers"`
}

// StatusOf collects the status of a controller.
func StatusOf(c *ssam.Controller) *Status {
	s := &Status{
		State:           c.State().String(),
		Clients:         c.Clients(),
		Pending:         c.Mux.Pending(),
		ChecksumErrors:  c.Transport.ChecksumErrors(),
		Retransmissions: c.Transport.Retransmissions(),
		Duplicates:      c.Dispatcher.Duplicates(),
		Unhandled:       c.Dispatcher.Unhandled(),
		Notifiers:       []string{},
	}
	if err := c.Err(); err != nil {
		s.Error = err.Error()
	}
	if v := c.FirmwareVersion(); v != 0 {
		s.Firmware = v.String()
	}
	for _, n := range c.Dispatcher.Notifiers() {
		s.Notifiers = append(s.Notifiers, n.String())
	}
	return s
}

// Routes attaches the diagnostic routes to the debug HTTP server.
type Routes struct {
	Controller  *ssam.Controller
	Passthrough *Passthrough
	Timeout     time.Duration
}

// NewRoutes creates Routes of the controller.
func NewRoutes(c *ssam.Controller) *Routes {
	return &Routes{
		Controller:  c,
		Passthrough: NewPassthrough(c),
		Timeout:     DefaultRequestTimeout,
	}
}

// Attach registers routes under /debug/ of mux. The bridge handler is
// optional and served as /debug/ssam-bridge. The returned handler is used
// to add more routes.
func (r *Routes) Attach(mux *http.ServeMux, bridge http.Handler) *tsweb.DebugHandler {
	debug := tsweb.Debugger(mux)
	debug.KVFunc("SSAM state", func() any { return r.Controller.State().String() })
	debug.KVFunc("SSAM firmware", func() any { return r.Controller.FirmwareVersion().String() })
	debug.Handle("ssam-status", "controller status", http.HandlerFunc(r.serveStatus))
	debug.HandleSilent("ssam-rqst", http.HandlerFunc(r.serveRequest))
	if bridge != nil {
		debug.HandleSilent("ssam-bridge", bridge)
	}
	return debug
}

func (r *Routes) serveStatus(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(StatusOf(r.Controller))
}

// serveRequest runs a passthrough transaction. GET returns the buffer of
// the last transaction, POST writes the request from the body. With
// ?format=hex both the body and the response are hex encoded.
func (r *Routes) serveRequest(w http.ResponseWriter, req *http.Request) {
	hexFormat := req.URL.Query().Get("format") == "hex"
	var buf []byte
	switch req.Method {
	case http.MethodGet:
		buf = make([]byte, BufferSize)
		r.Passthrough.Read(buf)
	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(req.Body, 2*(HeaderLen+MaxPayload)+2))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if hexFormat {
			if body, err = hex.DecodeString(strings.Join(strings.Fields(string(body)), "")); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		var iid uint64
		if val := req.URL.Query().Get("iid"); val != "" {
			if iid, err = strconv.ParseUint(val, 0, 8); err != nil {
				http.Error(w, "invalid iid", http.StatusBadRequest)
				return
			}
		}
		ctx, cancel := context.WithTimeout(req.Context(), r.Timeout)
		defer cancel()
		if buf, err = r.Passthrough.Transact(ctx, byte(iid), body); err != nil {
			http.Error(w, err.Error(), httpStatus(err))
			return
		}
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if hexFormat {
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, hex.EncodeToString(buf[:int(buf[0])+1])+"\n")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(buf)
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, ssam.ErrProtocolViolation):
		return http.StatusBadRequest
	case errors.Is(err, ssam.ErrNotReady), errors.Is(err, ssam.ErrSuspended),
		errors.Is(err, ssam.ErrShutdown):
		return http.StatusServiceUnavailable
	case errors.Is(err, ssam.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}
