package ssh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
)

// RequestFlags controls how a request is transmitted.
type RequestFlags byte

// Request flags.
const (
	// FlagHasResponse indicates the controller replies to the request.
	FlagHasResponse RequestFlags = 1 << 0
	// FlagUnsequenced sends the request in an unsequenced frame.
	FlagUnsequenced RequestFlags = 1 << 1
)

// Request is an outbound command to the controller.
type Request struct {
	Category   byte
	TargetID   byte
	CommandID  byte
	InstanceID byte
	Flags      RequestFlags
	Payload    []byte
}

// String implements fmt.Stringer.
func (r *Request) String() string {
	return fmt.Sprintf("tc=0x%02x tid=%d cid=0x%02x iid=%d flags=%d len=%d",
		r.Category, r.TargetID, r.CommandID, r.InstanceID, r.Flags, len(r.Payload))
}

// Event is an unsolicited command received from the controller.
type Event struct {
	RequestID  RequestID
	Category   byte
	CommandID  byte
	InstanceID byte
	Channel    byte
	Payload    []byte
	// Seq is valid only when Sequenced is set.
	Seq       Seq
	Sequenced bool

	// Retransmitted marks a copy of an event received before.
	Retransmitted bool
}

// String implements fmt.Stringer.
func (e *Event) String() string {
	return fmt.Sprintf("tc=0x%02x cid=0x%02x iid=%d chn=%d rqid=%d len=%d",
		e.Category, e.CommandID, e.InstanceID, e.Channel, e.RequestID, len(e.Payload))
}

// EventHandler receives events from the Mux.
type EventHandler interface {
	HandleEvent(context.Context, *Event)
}

// HandleEventFunc is func type of EventHandler.
type HandleEventFunc func(context.Context, *Event)

// HandleEvent implements EventHandler.
func (f HandleEventFunc) HandleEvent(ctx context.Context, ev *Event) {
	f(ctx, ev)
}

// Result is the result of a pending request.
type Result struct {
	Err  error
	Data []byte
}

// Defaults of Mux.
const (
	DefaultTimeout = time.Second
	DefaultTries   = 3
)

// Mux multiplexes concurrent requests over a Transport and matches
// responses by request id.
type Mux struct {
	Transport *Transport
	Events    EventHandler
	// Timeout is the time to wait for a response per transmission attempt.
	Timeout time.Duration
	// Tries is the number of transmission attempts per request.
	Tries int

	seq     Seq
	rqid    RequestID
	pending map[RequestID]*Pending
	gate    error
	lock    sync.Mutex
}

// Pending represents a request waiting for its response.
type Pending struct {
	seq      Seq
	rqid     RequestID
	claimed  int32
	resultCh chan Result
}

// RequestID returns the request id.
func (p *Pending) RequestID() RequestID {
	return p.rqid
}

// Seq returns the frame sequence number.
func (p *Pending) Seq() Seq {
	return p.seq
}

// claim marks the entry completed, only the first caller succeeds.
func (p *Pending) claim() bool {
	return atomic.CompareAndSwapInt32(&p.claimed, 0, 1)
}

// NewMux creates a Mux and wraps the transport.
func NewMux(t *Transport) *Mux {
	m := &Mux{
		Transport: t,
		Timeout:   DefaultTimeout,
		Tries:     DefaultTries,
		pending:   make(map[RequestID]*Pending),
	}
	t.Handler = m
	return m
}

// Pending returns the number of requests waiting for responses.
func (m *Mux) Pending() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.pending)
}

// Submit sends a request and waits for the response, which is copied
// into buf. It fails with ErrBufferTooSmall if the response doesn't fit.
func (m *Mux) Submit(ctx context.Context, r *Request, buf []byte) (int, error) {
	return m.submit(ctx, r, buf, true)
}

// ForceSubmit is Submit ignoring the gate set by Close.
// It's used for the controller's own housekeeping requests.
func (m *Mux) ForceSubmit(ctx context.Context, r *Request, buf []byte) (int, error) {
	return m.submit(ctx, r, buf, false)
}

// Close fails all pending requests with err and rejects new submissions
// with err until Open is called. It returns the number of failed requests.
func (m *Mux) Close(err error) int {
	m.lock.Lock()
	m.gate = err
	entries := make([]*Pending, 0, len(m.pending))
	for rqid, p := range m.pending {
		if p.claim() {
			entries = append(entries, p)
		}
		delete(m.pending, rqid)
	}
	m.lock.Unlock()
	for _, p := range entries {
		p.resultCh <- Result{Err: err}
	}
	return len(entries)
}

// Open accepts submissions again after Close.
func (m *Mux) Open() {
	m.lock.Lock()
	m.gate = nil
	m.lock.Unlock()
}

func (m *Mux) submit(ctx context.Context, r *Request, buf []byte, gated bool) (int, error) {
	if len(r.Payload) > MaxCommandPayload {
		return 0, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(r.Payload))
	}

	m.lock.Lock()
	if gated && m.gate != nil {
		err := m.gate
		m.lock.Unlock()
		return 0, err
	}
	seq, rqid := m.nextSeq(), m.nextRequestID()
	var p *Pending
	if r.Flags&FlagHasResponse != 0 {
		p = &Pending{seq: seq, rqid: rqid, resultCh: make(chan Result, 1)}
		m.pending[rqid] = p
	}
	m.lock.Unlock()

	frame := &Frame{Type: FrameDataSeq, Seq: seq}
	if r.Flags&FlagUnsequenced != 0 {
		frame.Type = FrameDataNsq
	}
	frame.Payload = (&Command{
		Category:  r.Category,
		TargetOut: r.TargetID,
		Instance:  r.InstanceID,
		RequestID: rqid,
		CommandID: r.CommandID,
		Payload:   r.Payload,
	}).Bytes()

	tries := m.Tries
	if tries <= 0 {
		tries = DefaultTries
	}
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	checksumErrs := m.Transport.ChecksumErrors()
	for try := 1; ; try++ {
		if err := m.Transport.Transmit(ctx, frame); err != nil {
			if try < tries && (errors.Is(err, ErrAckTimeout) || errors.Is(err, ErrNAK)) {
				glog.V(2).Infof("retransmit rqid=%d seq=%d (try %d): %v", rqid, seq, try+1, err)
				continue
			}
			return m.abandon(p, err, buf)
		}
		if p == nil {
			return 0, nil
		}

		timer := time.NewTimer(timeout)
		select {
		case res := <-p.resultCh:
			timer.Stop()
			return copyResult(res, buf)
		case <-timer.C:
			if try < tries {
				glog.V(2).Infof("response timeout rqid=%d seq=%d, retry %d", rqid, seq, try+1)
				continue
			}
			err := ErrTimeout
			if m.Transport.ChecksumErrors() != checksumErrs {
				err = fmt.Errorf("%w (%w)", ErrTimeout, ErrChecksum)
			}
			return m.abandon(p, err, buf)
		case <-ctx.Done():
			timer.Stop()
			return m.abandon(p, ctx.Err(), buf)
		}
	}
}

// abandon retires the entry with err unless a result claimed it first.
func (m *Mux) abandon(p *Pending, err error, buf []byte) (int, error) {
	if p == nil {
		return 0, err
	}
	m.lock.Lock()
	claimed := p.claim()
	if claimed {
		delete(m.pending, p.rqid)
	}
	m.lock.Unlock()
	if claimed {
		return 0, err
	}
	return copyResult(<-p.resultCh, buf)
}

func copyResult(res Result, buf []byte) (int, error) {
	if res.Err != nil {
		return 0, res.Err
	}
	if len(res.Data) > len(buf) {
		return 0, &SizeError{Size: len(res.Data), Capacity: len(buf)}
	}
	return copy(buf, res.Data), nil
}

// nextSeq must be called with lock held.
func (m *Mux) nextSeq() Seq {
	seq := m.seq
	for i := 0; i < 0x100 && m.seqInUse(seq); i++ {
		seq = seq.Next()
	}
	m.seq = seq.Next()
	return seq
}

func (m *Mux) seqInUse(seq Seq) bool {
	for _, p := range m.pending {
		if p.seq == seq {
			return true
		}
	}
	return false
}

// nextRequestID must be called with lock held.
func (m *Mux) nextRequestID() RequestID {
	rqid := m.rqid.Next()
	for m.pending[rqid] != nil {
		rqid = rqid.Next()
	}
	m.rqid = rqid
	return rqid
}

// HandleFrame implements FrameHandler.
func (m *Mux) HandleFrame(ctx context.Context, f *Frame) {
	cmd, err := ParseCommand(f.Payload)
	if err != nil {
		glog.Warningf("dropped frame %s: %v", f, err)
		return
	}
	if cmd.RequestID.IsEvent() {
		ev := &Event{
			RequestID:  cmd.RequestID,
			Category:   cmd.Category,
			CommandID:  cmd.CommandID,
			InstanceID: cmd.Instance,
			Channel:    cmd.TargetIn,
			Payload:    cmd.Payload,
			Seq:        f.Seq,
			Sequenced:  f.Type == FrameDataSeq,

			Retransmitted: f.Retransmitted,
		}
		if h := m.Events; h != nil {
			h.HandleEvent(ctx, ev)
		} else {
			glog.Warningf("dropped event %s: no handler", ev)
		}
		return
	}

	if f.Retransmitted {
		glog.V(2).Infof("dropped retransmitted response %s", cmd)
		return
	}

	m.lock.Lock()
	p := m.pending[cmd.RequestID]
	claimed := p != nil && p.claim()
	if claimed {
		delete(m.pending, cmd.RequestID)
	}
	m.lock.Unlock()
	if !claimed {
		glog.Errorf("protocol violation: unexpected response %s", cmd)
		return
	}
	p.resultCh <- Result{Data: cmd.Payload}
}
