package ssh

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
)

// FrameHandler is called when a data frame is received.
type FrameHandler interface {
	HandleFrame(context.Context, *Frame)
}

// HandleFrameFunc is func type of FrameHandler.
type HandleFrameFunc func(context.Context, *Frame)

// HandleFrame implements FrameHandler.
func (f HandleFrameFunc) HandleFrame(ctx context.Context, frame *Frame) {
	f(ctx, frame)
}

// LinkNotifier is called when the link fails.
type LinkNotifier interface {
	LinkFailed(context.Context, error)
}

// LinkFailedFunc is func type of LinkNotifier.
type LinkFailedFunc func(context.Context, error)

// LinkFailed implements LinkNotifier.
func (f LinkFailedFunc) LinkFailed(ctx context.Context, err error) {
	f(ctx, err)
}

// Defaults of Transport.
const (
	DefaultAckTimeout       = time.Second
	DefaultCorruptThreshold = 8

	readBufLen = 4096
)

// Transport sends/receives frames over the serial link.
// Sequenced frames are transmitted one at a time: the next one is not
// written before the previous one is acknowledged, rejected or timed out.
type Transport struct {
	ReadWriter io.ReadWriter
	Handler    FrameHandler
	Notifier   LinkNotifier
	AckTimeout time.Duration
	// CorruptThreshold is the number of consecutive corrupt frames
	// reported as an error rather than a warning.
	CorruptThreshold int

	writeLock  sync.Mutex
	txCh       chan struct{}
	flightLock sync.Mutex
	flight     *flight
	parser     Parser
	corrupted  uint64
	rxWindow   seqWindow
	retransmit uint64

	doneCh   chan struct{}
	doneOnce sync.Once
	err      error
}

type flight struct {
	seq  Seq
	done chan error
}

// NewTransport creates a Transport.
func NewTransport(rw io.ReadWriter) *Transport {
	return &Transport{
		ReadWriter:       rw,
		AckTimeout:       DefaultAckTimeout,
		CorruptThreshold: DefaultCorruptThreshold,
		txCh:             make(chan struct{}, 1),
		doneCh:           make(chan struct{}),
	}
}

// Done is closed when the transport stops.
func (t *Transport) Done() <-chan struct{} {
	return t.doneCh
}

// Err returns the reason the transport stopped.
func (t *Transport) Err() error {
	select {
	case <-t.doneCh:
		return t.err
	default:
		return nil
	}
}

// ChecksumErrors returns the total number of corrupt frames dropped.
func (t *Transport) ChecksumErrors() uint64 {
	return atomic.LoadUint64(&t.corrupted)
}

// Retransmissions returns the number of sequenced data frames received
// again, e.g. because an ACK was lost.
func (t *Transport) Retransmissions() uint64 {
	return atomic.LoadUint64(&t.retransmit)
}

// Send writes a frame without waiting for acknowledgement.
func (t *Transport) Send(f *Frame) error {
	t.writeLock.Lock()
	defer t.writeLock.Unlock()
	glog.V(2).Infof("TX %s", f)
	if _, err := f.WriteTo(t.ReadWriter); err != nil {
		return fmt.Errorf("%w: %v", ErrLinkDown, err)
	}
	return nil
}

// Transmit sends a frame. Sequenced frames are serialized and Transmit
// waits until the peer acknowledges it.
func (t *Transport) Transmit(ctx context.Context, f *Frame) error {
	select {
	case t.txCh <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-t.doneCh:
		return t.err
	}
	defer func() { <-t.txCh }()

	if f.Type != FrameDataSeq {
		return t.Send(f)
	}

	fl := &flight{seq: f.Seq, done: make(chan error, 1)}
	t.flightLock.Lock()
	t.flight = fl
	t.flightLock.Unlock()
	defer func() {
		t.flightLock.Lock()
		if t.flight == fl {
			t.flight = nil
		}
		t.flightLock.Unlock()
	}()

	if err := t.Send(f); err != nil {
		return err
	}
	timeout := t.AckTimeout
	if timeout <= 0 {
		timeout = DefaultAckTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-fl.done:
		return err
	case <-timer.C:
		return ErrAckTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-t.doneCh:
		return t.err
	}
}

// Run processes received bytes until the context is canceled or the link fails.
func (t *Transport) Run(ctx context.Context) error {
	chunkCh, errCh := make(chan []byte), make(chan error, 1)
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go t.readLoop(subCtx, chunkCh, errCh)
	for {
		select {
		case chunk := <-chunkCh:
			t.parser.Write(chunk)
			if err := t.drain(ctx); err != nil {
				return t.fail(ctx, err)
			}
		case err := <-errCh:
			return t.fail(ctx, fmt.Errorf("%w: %v", ErrLinkDown, err))
		case <-ctx.Done():
			t.finish(fmt.Errorf("%w: transport stopped", ErrNotReady))
			return ctx.Err()
		}
	}
}

func (t *Transport) readLoop(ctx context.Context, chunkCh chan []byte, errCh chan error) {
	buf := make([]byte, readBufLen)
	for {
		n, err := t.ReadWriter.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case chunkCh <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			errCh <- err
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (t *Transport) drain(ctx context.Context) error {
	for {
		res, f := t.parser.Next()
		switch res {
		case ParseNeedMore:
			return nil
		case ParseCorrupt:
			atomic.AddUint64(&t.corrupted, 1)
			if n := t.parser.Corrupted(); t.CorruptThreshold > 0 && n >= t.CorruptThreshold {
				glog.Errorf("dropped corrupt frame: %d consecutive checksum errors", n)
			} else {
				glog.Warningf("dropped corrupt frame (%d consecutive)", n)
			}
			if f != nil && f.Type == FrameDataSeq {
				if err := t.Send(NewNak()); err != nil {
					return err
				}
			}
		case ParseFrame:
			if err := t.receive(ctx, f); err != nil {
				return err
			}
		}
	}
}

func (t *Transport) receive(ctx context.Context, f *Frame) error {
	glog.V(2).Infof("RX %s", f)
	switch f.Type {
	case FrameAck:
		t.acknowledge(f.Seq, nil)
		return nil
	case FrameNak:
		t.acknowledge(f.Seq, ErrNAK)
		return nil
	case FrameDataSeq:
		if err := t.Send(NewAck(f.Seq)); err != nil {
			return err
		}
		// The window covers responses and events alike, as they share the
		// sequence counter of the controller.
		if f.Retransmitted = t.rxWindow.seen(f.Seq); f.Retransmitted {
			atomic.AddUint64(&t.retransmit, 1)
			glog.V(2).Infof("retransmitted frame seq=%d", f.Seq)
		}
	case FrameDataNsq:
	default:
		glog.Warningf("dropped frame of unknown type %s", f.Type)
		return nil
	}
	if h := t.Handler; h != nil {
		h.HandleFrame(ctx, f)
	}
	return nil
}

// acknowledge completes the frame in flight. A NAK rejects the frame in
// flight regardless of its sequence number.
func (t *Transport) acknowledge(seq Seq, err error) {
	t.flightLock.Lock()
	defer t.flightLock.Unlock()
	fl := t.flight
	if fl == nil || (err == nil && fl.seq != seq) {
		glog.V(2).Infof("unexpected ACK/NAK seq=%d", seq)
		return
	}
	t.flight = nil
	fl.done <- err
}

func (t *Transport) fail(ctx context.Context, err error) error {
	glog.Errorf("link failure: %v", err)
	t.finish(err)
	if n := t.Notifier; n != nil {
		n.LinkFailed(ctx, err)
	}
	return err
}

func (t *Transport) finish(err error) {
	t.doneOnce.Do(func() {
		t.err = err
		close(t.doneCh)
	})
}
