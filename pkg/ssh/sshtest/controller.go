// Package sshtest provides an in-memory embedded controller for tests.
package sshtest

import (
	"io"
	"sync"

	"github.com/robotalks/ssam.go/pkg/ssh"
)

// Reply decides how the fake controller answers a request.
type Reply struct {
	Payload []byte
	// NoAck suppresses the ACK, which makes the host retransmit.
	NoAck bool
	// NoResponse suppresses the response frame.
	NoResponse bool
	// Nak rejects the frame instead of acknowledging it.
	Nak bool
	// Corrupt sends the response with a broken payload checksum.
	Corrupt bool
}

// HandlerFunc answers a request, try counts the transmissions of the
// same request id starting from 1.
type HandlerFunc func(cmd *ssh.Command, try int) Reply

// Controller is a fake embedded controller on the other end of an
// in-memory serial link. The host side is accessed via Read/Write.
type Controller struct {
	Handler HandlerFunc

	hostR *io.PipeReader
	ecW   *io.PipeWriter
	ecR   *io.PipeReader
	hostW *io.PipeWriter

	outCh     chan []byte
	doneCh    chan struct{}
	closeOnce sync.Once

	lock     sync.Mutex
	seq      ssh.Seq
	requests []*ssh.Command
	tries    map[ssh.RequestID]int
	acks     []ssh.Seq
	naks     int
}

// New creates and starts a fake controller.
func New(h HandlerFunc) *Controller {
	c := &Controller{
		Handler: h,
		outCh:   make(chan []byte, 64),
		doneCh:  make(chan struct{}),
		tries:   make(map[ssh.RequestID]int),
	}
	c.hostR, c.ecW = io.Pipe()
	c.ecR, c.hostW = io.Pipe()
	go c.readLoop()
	go c.writeLoop()
	return c
}

// Read implements io.Reader for the host side.
func (c *Controller) Read(p []byte) (int, error) {
	return c.hostR.Read(p)
}

// Write implements io.Writer for the host side.
func (c *Controller) Write(p []byte) (int, error) {
	return c.hostW.Write(p)
}

// Close breaks the link.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		close(c.doneCh)
		c.ecW.Close()
		c.ecR.Close()
	})
	return nil
}

// Requests returns all requests received.
func (c *Controller) Requests() []*ssh.Command {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]*ssh.Command(nil), c.requests...)
}

// Count returns the number of received requests matching category and command id.
func (c *Controller) Count(category, commandID byte) int {
	var n int
	for _, cmd := range c.Requests() {
		if cmd.Category == category && cmd.CommandID == commandID {
			n++
		}
	}
	return n
}

// Acks returns sequence numbers acknowledged by the host.
func (c *Controller) Acks() []ssh.Seq {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]ssh.Seq(nil), c.acks...)
}

// Naks returns the number of NAKs sent by the host.
func (c *Controller) Naks() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.naks
}

// SendRaw sends bytes to the host as-is.
func (c *Controller) SendRaw(b []byte) {
	select {
	case c.outCh <- b:
	case <-c.doneCh:
	}
}

// SendFrame sends a frame to the host.
func (c *Controller) SendFrame(f *ssh.Frame) {
	c.SendRaw(f.Bytes())
}

// SendEvent sends an event as a sequenced frame and returns its sequence number.
func (c *Controller) SendEvent(ev *ssh.Event) ssh.Seq {
	seq := c.nextSeq()
	c.SendEventWithSeq(ev, seq)
	return seq
}

// SendEventWithSeq sends an event as a sequenced frame using seq.
func (c *Controller) SendEventWithSeq(ev *ssh.Event, seq ssh.Seq) {
	rqid := ev.RequestID
	if rqid == 0 {
		rqid = ssh.EventRequestID(ev.Category)
	}
	c.SendFrame(&ssh.Frame{
		Type: ssh.FrameDataSeq,
		Seq:  seq,
		Payload: (&ssh.Command{
			Category:  ev.Category,
			TargetIn:  ev.Channel,
			Instance:  ev.InstanceID,
			RequestID: rqid,
			CommandID: ev.CommandID,
			Payload:   ev.Payload,
		}).Bytes(),
	})
}

func (c *Controller) nextSeq() ssh.Seq {
	c.lock.Lock()
	defer c.lock.Unlock()
	seq := c.seq
	c.seq = c.seq.Next()
	return seq
}

func (c *Controller) readLoop() {
	var parser ssh.Parser
	buf := make([]byte, 256)
	for {
		n, err := c.ecR.Read(buf)
		if err != nil {
			return
		}
		parser.Write(buf[:n])
		for {
			res, f := parser.Next()
			if res == ssh.ParseNeedMore {
				break
			}
			if res == ssh.ParseFrame {
				c.receive(f)
			}
		}
	}
}

func (c *Controller) writeLoop() {
	for {
		select {
		case b := <-c.outCh:
			if _, err := c.ecW.Write(b); err != nil {
				return
			}
		case <-c.doneCh:
			return
		}
	}
}

func (c *Controller) receive(f *ssh.Frame) {
	switch f.Type {
	case ssh.FrameAck:
		c.lock.Lock()
		c.acks = append(c.acks, f.Seq)
		c.lock.Unlock()
		return
	case ssh.FrameNak:
		c.lock.Lock()
		c.naks++
		c.lock.Unlock()
		return
	}
	cmd, err := ssh.ParseCommand(f.Payload)
	if err != nil {
		return
	}
	c.lock.Lock()
	c.requests = append(c.requests, cmd)
	c.tries[cmd.RequestID]++
	try := c.tries[cmd.RequestID]
	c.lock.Unlock()

	var reply Reply
	if h := c.Handler; h != nil {
		reply = h(cmd, try)
	}
	if reply.Nak {
		c.SendFrame(ssh.NewNak())
		return
	}
	if f.Type == ssh.FrameDataSeq && !reply.NoAck {
		c.SendFrame(ssh.NewAck(f.Seq))
	}
	if reply.NoResponse {
		return
	}
	resp := (&ssh.Frame{
		Type: ssh.FrameDataSeq,
		Seq:  c.nextSeq(),
		Payload: (&ssh.Command{
			Category:  cmd.Category,
			TargetIn:  cmd.TargetOut,
			Instance:  cmd.Instance,
			RequestID: cmd.RequestID,
			CommandID: cmd.CommandID,
			Payload:   reply.Payload,
		}).Bytes(),
	}).Bytes()
	if reply.Corrupt {
		resp[len(resp)-1] ^= 0xff
	}
	c.SendRaw(resp)
}
