package comm

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/robotalks/ssam.go/pkg/bridge"
	"github.com/robotalks/ssam.go/pkg/bridge/msgs"
	fx "github.com/robotalks/ssam.go/pkg/framework"
	"github.com/robotalks/ssam.go/pkg/ssam"
)

// Conn provides base implementation for bridge.Conn using Pipe.
type Conn struct {
	Expiration time.Duration
	// ID identifies the connection in commands, replies for other
	// connections are ignored.
	ID string

	pipe     Pipe
	seq      uint32
	commands list.List
	seqMap   map[uint32]*commandFuture
	closed   error
	lock     sync.Mutex
	events   *fx.Queue
	handler  fx.MessageHandler
}

// DefaultCommandExpiration is the default expiration expecting a result.
const DefaultCommandExpiration = 5 * time.Second

// NewConn creates a Conn.
func NewConn(rw PacketReadWriter) *Conn {
	c := &Conn{}
	c.Init(rw)
	return c
}

// Init initializes Conn with defaults.
func (c *Conn) Init(rw PacketReadWriter) {
	c.Expiration = DefaultCommandExpiration
	c.ID = uuid.NewString()
	c.pipe.ReadWriter = rw
	c.pipe.Handler = msgs.HandleTypedMsgFunc(c.handleTypedMsg)
	c.seqMap = make(map[uint32]*commandFuture)
	c.events = fx.NewQueue(fx.HandleMessageFunc(c.deliverEvent))
}

// HandleEvents implements bridge.Conn.
func (c *Conn) HandleEvents(h fx.MessageHandler) {
	c.lock.Lock()
	c.handler = h
	c.lock.Unlock()
}

// DoCommand sends a command and returns the future of its reply.
func (c *Conn) DoCommand(msg fx.Message) bridge.CommandFuture {
	c.lock.Lock()
	c.seq++
	if c.seq == 0 {
		c.seq++
	}
	f := &commandFuture{
		seq:      c.seq,
		expireAt: time.Now().Add(c.Expiration),
		result:   make(chan bridge.Result, 1),
	}
	if c.closed != nil {
		f.result <- bridge.Result{Err: c.closed}
		c.lock.Unlock()
		return f
	}
	f.elem = c.commands.PushBack(f)
	c.seqMap[f.seq] = f
	c.lock.Unlock()

	if err := c.pipe.SendCommandMsg(msg, f.seq, c.ID); err != nil {
		c.complete(f, bridge.Result{Err: err})
	}
	return f
}

// Submit implements ssam.Submitter.
func (c *Conn) Submit(ctx context.Context, r *ssam.Request, buf []byte) (int, error) {
	f := c.DoCommand(msgs.NewRequest(r, len(buf))).(*commandFuture)
	select {
	case res := <-f.result:
		if res.Err != nil {
			return 0, res.Err
		}
		resp, ok := res.Msg.(*msgs.Response)
		if !ok {
			return 0, fmt.Errorf("%w: unexpected reply %T", ssam.ErrProtocolViolation, res.Msg)
		}
		if len(resp.Payload) > len(buf) {
			return 0, fmt.Errorf("%w: %d bytes", ssam.ErrBufferTooSmall, len(resp.Payload))
		}
		return copy(buf, resp.Payload), nil
	case <-ctx.Done():
		c.complete(f, bridge.Result{Err: ctx.Err()})
		return 0, ctx.Err()
	}
}

// Run implements Runnable.
func (c *Conn) Run(ctx context.Context) error {
	runner := fx.NewRunnerWith(ctx)
	runner.Go(fx.NamedRun("events", c.events), fx.NamedRun("expiry", fx.RunnableFunc(c.purgeLoop)))
	err := c.pipe.Run(runner.Context)
	runner.Stop()
	c.failAll(ErrClosed)
	if werr := runner.Wait(); werr != nil && err == nil {
		err = werr
	}
	return err
}

// Close implements io.Closer.
func (c *Conn) Close() error {
	return c.pipe.Close()
}

// Pending returns the number of commands waiting for replies.
func (c *Conn) Pending() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.commands.Len()
}

func (c *Conn) deliverEvent(ctx context.Context, msg fx.Message) {
	c.lock.Lock()
	h := c.handler
	c.lock.Unlock()
	if h != nil {
		h.HandleMessage(ctx, msg)
	}
}

func (c *Conn) handleTypedMsg(ctx context.Context, msg fx.Message, typed *msgs.Typed) error {
	if typed.IsEvent() {
		if ev, ok := msg.(*msgs.Event); ok {
			c.events.Post(ev.ToEvent())
		}
		return nil
	}
	if typed.Client != c.ID {
		return nil
	}
	c.lock.Lock()
	f := c.seqMap[typed.Sequence]
	c.lock.Unlock()
	if f == nil {
		glog.V(2).Infof("dropped reply seq=%d: no pending command", typed.Sequence)
		return nil
	}
	result := bridge.Result{Msg: msg}
	if cmdErr, ok := msg.(*msgs.CommandErr); ok {
		result.Err = cmdErr
	}
	c.complete(f, result)
	return nil
}

func (c *Conn) complete(f *commandFuture, result bridge.Result) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.seqMap[f.seq] != f {
		return
	}
	c.commands.Remove(f.elem)
	delete(c.seqMap, f.seq)
	f.result <- result
	close(f.result)
}

func (c *Conn) purgeLoop(ctx context.Context) error {
	interval := c.Expiration / 4
	if interval <= 0 {
		interval = DefaultCommandExpiration / 4
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			c.purgeExpired(now)
		}
	}
}

func (c *Conn) purgeExpired(now time.Time) {
	c.lock.Lock()
	defer c.lock.Unlock()
	for c.commands.Len() > 0 {
		elem := c.commands.Front()
		f := elem.Value.(*commandFuture)
		if f.expireAt.After(now) {
			break
		}
		c.commands.Remove(elem)
		delete(c.seqMap, f.seq)
		f.result <- bridge.Result{Err: fmt.Errorf("%w: no reply", ssam.ErrTimeout)}
		close(f.result)
	}
}

func (c *Conn) failAll(err error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.closed = err
	for c.commands.Len() > 0 {
		f := c.commands.Remove(c.commands.Front()).(*commandFuture)
		delete(c.seqMap, f.seq)
		f.result <- bridge.Result{Err: err}
		close(f.result)
	}
}

type commandFuture struct {
	seq      uint32
	expireAt time.Time
	elem     *list.Element
	result   chan bridge.Result
}

func (c *commandFuture) ResultChan() <-chan bridge.Result {
	return c.result
}
