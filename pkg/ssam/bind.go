package ssam

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"
)

// Binding is the API consumed by peripheral clients, implemented by
// Controller and Client.
type Binding interface {
	Submitter
	RegisterNotifier(context.Context, *Notifier) error
	UnregisterNotifier(context.Context, *Notifier) error
}

var (
	sharedCtrl *Controller
	sharedLock sync.RWMutex
)

// Set publishes the shared controller. Passing nil withdraws it.
// It fails with ErrBusy if another controller is published.
func Set(c *Controller) error {
	sharedLock.Lock()
	defer sharedLock.Unlock()
	if c != nil && sharedCtrl != nil && sharedCtrl != c {
		return fmt.Errorf("%w: controller already published", ErrBusy)
	}
	sharedCtrl = c
	return nil
}

// Get returns the shared controller, or ErrNotReady if none is published.
func Get() (*Controller, error) {
	sharedLock.RLock()
	defer sharedLock.RUnlock()
	if sharedCtrl == nil {
		return nil, ErrNotReady
	}
	return sharedCtrl, nil
}

// Bind binds a client to the shared controller.
// ErrNotReady indicates the controller is not available yet and the
// caller should retry later.
func Bind(selector string) (*Client, error) {
	c, err := Get()
	if err != nil {
		return nil, err
	}
	return c.Bind(selector)
}

// Bind binds a client to the controller, which keeps the controller from
// being stopped until the client is unbound.
func (c *Controller) Bind(selector string) (*Client, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.checkState(); err != nil {
		return nil, err
	}
	c.clients++
	glog.V(1).Infof("client %q bound (%d)", selector, c.clients)
	return &Client{ctrl: c, selector: selector, bound: 1}, nil
}

func (c *Controller) unbind(cl *Client) {
	c.lock.Lock()
	c.clients--
	n := c.clients
	c.lock.Unlock()
	glog.V(1).Infof("client %q unbound (%d)", cl.selector, n)
}

// Client is a handle of a peripheral driver to the controller.
type Client struct {
	ctrl     *Controller
	selector string
	bound    int32
}

// Selector returns the selector used to bind the client.
func (c *Client) Selector() string {
	return c.selector
}

// Controller returns the bound controller.
func (c *Client) Controller() *Controller {
	return c.ctrl
}

// Bound indicates the client is not unbound.
func (c *Client) Bound() bool {
	return atomic.LoadInt32(&c.bound) != 0
}

// Unbind releases the controller. Unbinding twice is a protocol violation.
func (c *Client) Unbind() error {
	if !atomic.CompareAndSwapInt32(&c.bound, 1, 0) {
		err := fmt.Errorf("%w: client %q unbound twice", ErrProtocolViolation, c.selector)
		glog.Error(err)
		return err
	}
	c.ctrl.unbind(c)
	return nil
}

func (c *Client) checkBound() error {
	if !c.Bound() {
		return fmt.Errorf("%w: client %q not bound", ErrProtocolViolation, c.selector)
	}
	return nil
}

// Submit implements Submitter.
func (c *Client) Submit(ctx context.Context, r *Request, buf []byte) (int, error) {
	if err := c.checkBound(); err != nil {
		return 0, err
	}
	return c.ctrl.Submit(ctx, r, buf)
}

// RegisterNotifier registers a notifier on the controller.
func (c *Client) RegisterNotifier(ctx context.Context, n *Notifier) error {
	if err := c.checkBound(); err != nil {
		return err
	}
	return c.ctrl.RegisterNotifier(ctx, n)
}

// UnregisterNotifier unregisters a notifier from the controller.
func (c *Client) UnregisterNotifier(ctx context.Context, n *Notifier) error {
	return c.ctrl.UnregisterNotifier(ctx, n)
}

// SubmitOnly adapts a Submitter to Binding for one-shot queries, e.g.
// over a bridge connection. Notifiers can't be registered.
func SubmitOnly(sub Submitter) Binding {
	return submitOnly{sub}
}

type submitOnly struct {
	Submitter
}

func (submitOnly) RegisterNotifier(ctx context.Context, n *Notifier) error {
	return fmt.Errorf("%w: notifier %s on a submit-only binding", ErrInvalidState, n)
}

func (submitOnly) UnregisterNotifier(ctx context.Context, n *Notifier) error {
	return nil
}
