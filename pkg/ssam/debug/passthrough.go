// Package debug exposes diagnostic access to the controller: a raw
// request passthrough and status routes on the debug HTTP server.
package debug

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"github.com/robotalks/ssam.go/pkg/ssam"
	"github.com/robotalks/ssam.go/pkg/ssh"
)

// Passthrough buffer layout.
const (
	// HeaderLen is the length of category, target id, command id, flags
	// and payload length preceding the payload.
	HeaderLen = 5
	// MaxPayload is the maximum request payload accepted.
	MaxPayload = 0xff
	// BufferSize is the size of the response buffer returned by Read.
	BufferSize = 256
	// MaxResponse is the maximum response length fitting the buffer.
	MaxResponse = BufferSize - 1
)

// Passthrough issues raw requests from a single shared buffer. Write
// submits a request and Read returns the response of the last one. Only
// one transaction is in flight at any time.
type Passthrough struct {
	Submitter ssam.Submitter

	lock sync.Mutex
	buf  [BufferSize]byte
}

// NewPassthrough creates a Passthrough.
func NewPassthrough(sub ssam.Submitter) *Passthrough {
	return &Passthrough{Submitter: sub}
}

// ParseRequest decodes a request from the passthrough write layout.
func ParseRequest(b []byte, iid byte) (*ssam.Request, error) {
	if len(b) < HeaderLen || len(b) > HeaderLen+MaxPayload {
		return nil, fmt.Errorf("%w: invalid request length %d", ssam.ErrProtocolViolation, len(b))
	}
	if size := int(b[4]); size+HeaderLen != len(b) {
		return nil, fmt.Errorf("%w: payload length %d inconsistent with %d bytes written",
			ssam.ErrProtocolViolation, size, len(b)-HeaderLen)
	}
	if int(b[4]) > ssh.MaxCommandPayload {
		return nil, fmt.Errorf("%w: payload length %d exceeds %d",
			ssam.ErrProtocolViolation, b[4], ssh.MaxCommandPayload)
	}
	r := &ssam.Request{
		Category:   b[0],
		TargetID:   b[1],
		CommandID:  b[2],
		InstanceID: iid,
		Flags:      ssam.RequestFlags(b[3]),
	}
	if b[4] > 0 {
		r.Payload = append([]byte(nil), b[HeaderLen:]...)
	}
	return r, nil
}

// Write submits the request encoded in b to instance 0.
func (p *Passthrough) Write(ctx context.Context, b []byte) (int, error) {
	return p.WriteInstance(ctx, 0, b)
}

// WriteInstance submits the request encoded in b to instance iid.
// The response replaces the content of the buffer.
func (p *Passthrough) WriteInstance(ctx context.Context, iid byte, b []byte) (int, error) {
	r, err := ParseRequest(b, iid)
	if err != nil {
		return 0, err
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	if err := p.transact(ctx, r); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Read copies the buffer: response length followed by the response,
// zero padded to BufferSize.
func (p *Passthrough) Read(b []byte) int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return copy(b, p.buf[:])
}

// Transact performs Write and Read as a single transaction.
func (p *Passthrough) Transact(ctx context.Context, iid byte, b []byte) ([]byte, error) {
	r, err := ParseRequest(b, iid)
	if err != nil {
		return nil, err
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	if err := p.transact(ctx, r); err != nil {
		return nil, err
	}
	return append([]byte(nil), p.buf[:]...), nil
}

func (p *Passthrough) transact(ctx context.Context, r *ssam.Request) error {
	glog.V(2).Infof("passthrough %s", r)
	var resp [MaxResponse]byte
	var n int
	var err error
	if r.Flags&ssam.FlagHasResponse != 0 {
		n, err = p.Submitter.Submit(ctx, r, resp[:])
	} else {
		_, err = p.Submitter.Submit(ctx, r, nil)
	}
	if err != nil {
		return err
	}
	p.buf = [BufferSize]byte{}
	p.buf[0] = byte(n)
	copy(p.buf[1:], resp[:n])
	return nil
}
