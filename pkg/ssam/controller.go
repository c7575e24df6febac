package ssam

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/robotalks/ssam.go/pkg/framework"
	"github.com/robotalks/ssam.go/pkg/ssh"
)

// State is the lifecycle state of a Controller.
type State int

// Controller states.
const (
	StateUninitialized State = iota
	StateStarting
	StateRunning
	StateSuspended
	StateStopping
	StateStopped
	StateError
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Version is the firmware version of the controller.
type Version uint32

// String implements fmt.Stringer.
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", (v>>24)&0xff, (v>>8)&0xffff, v&0xff)
}

// Requests to the controller itself.
var (
	RqstGetFirmwareVersion = RequestSpec{Category: CategorySAM, TargetID: 0x01, CommandID: 0x13}
	RqstDisplayOff         = RequestSpec{Category: CategorySAM, TargetID: 0x01, CommandID: 0x15}
	RqstDisplayOn          = RequestSpec{Category: CategorySAM, TargetID: 0x01, CommandID: 0x16}
	RqstD0Exit             = RequestSpec{Category: CategorySAM, TargetID: 0x01, CommandID: 0x33}
	RqstD0Entry            = RequestSpec{Category: CategorySAM, TargetID: 0x01, CommandID: 0x34}
)

// Options configures a Controller.
type Options struct {
	// Timeout is the time to wait for a response per attempt.
	Timeout time.Duration
	// Tries is the number of transmission attempts of a request.
	Tries int
	// AckTimeout is the time to wait for an ACK.
	AckTimeout time.Duration
	// CorruptThreshold is the number of consecutive corrupt frames logged as error.
	CorruptThreshold int
}

type eventKey struct {
	reg EventRegistry
	id  EventID
}

type eventEntry struct {
	refs  int
	flags EventFlags
}

// Controller owns the link to the embedded controller.
type Controller struct {
	Port       io.ReadWriteCloser
	Transport  *ssh.Transport
	Mux        *ssh.Mux
	Dispatcher *Dispatcher

	lock     sync.RWMutex
	state    State
	stateErr error
	clients  int
	version  Version
	runner   *framework.Runner

	eventsLock sync.Mutex
	events     map[eventKey]*eventEntry
}

// NewController creates a Controller on an open port.
func NewController(port io.ReadWriteCloser, opts Options) *Controller {
	c := &Controller{
		Port:       port,
		Transport:  ssh.NewTransport(port),
		Dispatcher: NewDispatcher(),
		events:     make(map[eventKey]*eventEntry),
	}
	if opts.AckTimeout > 0 {
		c.Transport.AckTimeout = opts.AckTimeout
	}
	if opts.CorruptThreshold > 0 {
		c.Transport.CorruptThreshold = opts.CorruptThreshold
	}
	c.Transport.Notifier = c
	c.Mux = ssh.NewMux(c.Transport)
	c.Mux.Events = c.Dispatcher
	if opts.Timeout > 0 {
		c.Mux.Timeout = opts.Timeout
	}
	if opts.Tries > 0 {
		c.Mux.Tries = opts.Tries
	}
	return c
}

// State returns current state.
func (c *Controller) State() State {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.state
}

// Err returns the error which moved the controller into StateError.
func (c *Controller) Err() error {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.stateErr
}

// FirmwareVersion returns the version retrieved when started.
func (c *Controller) FirmwareVersion() Version {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.version
}

// Clients returns the number of bound clients.
func (c *Controller) Clients() int {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.clients
}

// Start starts the transport and performs the handshake.
func (c *Controller) Start(ctx context.Context) error {
	c.lock.Lock()
	if c.state != StateUninitialized {
		state := c.state
		c.lock.Unlock()
		return fmt.Errorf("%w: start in state %s", ErrInvalidState, state)
	}
	c.state = StateStarting
	c.runner = framework.NewRunner()
	c.runner.Go(framework.NamedRun("transport", c.Transport), c.Dispatcher)
	c.lock.Unlock()

	ver, err := RqstGetFirmwareVersion.GetU32(ctx, forceSubmitter{c.Mux})
	if err != nil {
		err = fmt.Errorf("handshake: %w", err)
		glog.Errorf("controller start failed: %v", err)
		c.lock.Lock()
		if c.state == StateStarting {
			c.state, c.stateErr = StateError, err
		}
		c.lock.Unlock()
		return err
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	if c.state != StateStarting {
		return fmt.Errorf("%w: state changed to %s while starting", ErrInvalidState, c.state)
	}
	c.version, c.state = Version(ver), StateRunning
	glog.Infof("controller running, firmware version %s", c.version)
	return nil
}

// Run implements framework.Runnable. It starts the controller and stops
// it forcibly when ctx is done or the link fails.
func (c *Controller) Run(ctx context.Context) error {
	err := c.Start(ctx)
	if err == nil {
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-c.Transport.Done():
			err = c.Transport.Err()
		}
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), c.Mux.Timeout*time.Duration(c.Mux.Tries))
	defer cancel()
	if stopErr := c.Stop(stopCtx, true); stopErr != nil {
		glog.Errorf("stop controller: %v", stopErr)
	}
	return err
}

// Name implements framework.Named.
func (c *Controller) Name() string {
	return "controller"
}

// checkState must be called with lock held.
func (c *Controller) checkState() error {
	switch c.state {
	case StateRunning:
		return nil
	case StateUninitialized, StateStarting:
		return ErrNotReady
	case StateSuspended:
		return ErrSuspended
	case StateError:
		return c.stateErr
	}
	return ErrShutdown
}

// Submit sends a request and waits for the response.
func (c *Controller) Submit(ctx context.Context, r *Request, buf []byte) (int, error) {
	c.lock.RLock()
	err := c.checkState()
	c.lock.RUnlock()
	if err != nil {
		return 0, newRequestError(r, err)
	}
	n, err := c.Mux.Submit(ctx, r, buf)
	if err != nil {
		return n, newRequestError(r, err)
	}
	return n, nil
}

// Suspend notifies the controller the host is going to sleep.
// Requests not completed while the notifications are sent are failed with ErrSuspended.
func (c *Controller) Suspend(ctx context.Context) error {
	c.lock.Lock()
	if c.state != StateRunning {
		state := c.state
		c.lock.Unlock()
		return fmt.Errorf("%w: suspend in state %s", ErrInvalidState, state)
	}
	c.state = StateSuspended
	c.lock.Unlock()

	sub := forceSubmitter{c.Mux}
	err := c.notifyPower(ctx, sub, RqstDisplayOff, RqstD0Exit)
	if err != nil {
		c.lock.Lock()
		if c.state == StateSuspended {
			c.state = StateRunning
		}
		c.lock.Unlock()
		return fmt.Errorf("suspend: %w", err)
	}
	if n := c.Mux.Close(ErrSuspended); n > 0 {
		glog.Warningf("suspend: %d requests failed", n)
	}
	glog.Info("controller suspended")
	return nil
}

// Resume notifies the controller the host is awake.
// Clients are expected to re-query device states by themselves.
func (c *Controller) Resume(ctx context.Context) error {
	c.lock.Lock()
	if c.state != StateSuspended {
		state := c.state
		c.lock.Unlock()
		return fmt.Errorf("%w: resume in state %s", ErrInvalidState, state)
	}
	c.lock.Unlock()

	err := c.notifyPower(ctx, forceSubmitter{c.Mux}, RqstD0Entry, RqstDisplayOn)
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.state != StateSuspended {
		return fmt.Errorf("%w: state changed to %s while resuming", ErrInvalidState, c.state)
	}
	if err != nil {
		glog.Errorf("resume: %v", err)
	}
	c.Mux.Open()
	c.state = StateRunning
	glog.Info("controller resumed")
	return nil
}

// notifyPower sends power notifications. A non-zero status is only logged.
func (c *Controller) notifyPower(ctx context.Context, sub Submitter, specs ...RequestSpec) error {
	for _, spec := range specs {
		err := spec.GetStatus(ctx, sub, nil)
		if _, ok := err.(*StatusError); ok {
			glog.Warningf("power notification: %v", err)
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Stop unregisters all notifiers, fails pending requests and closes the port.
// It refuses with ErrBusy when clients are bound unless force is set.
func (c *Controller) Stop(ctx context.Context, force bool) error {
	c.lock.Lock()
	switch {
	case c.state == StateStopping || c.state == StateStopped:
		c.lock.Unlock()
		return nil
	case c.clients > 0 && !force:
		clients := c.clients
		c.lock.Unlock()
		return fmt.Errorf("%w: %d clients bound", ErrBusy, clients)
	}
	prev := c.state
	c.state = StateStopping
	c.lock.Unlock()

	var errs framework.AggregatedError
	for _, n := range c.Dispatcher.Notifiers() {
		errs.Add(c.unregisterNotifier(ctx, n, prev == StateRunning || prev == StateSuspended))
	}
	errs.Add(c.shutdown(ErrShutdown))

	c.lock.Lock()
	c.state = StateStopped
	c.lock.Unlock()
	glog.Info("controller stopped")
	return errs.Aggregate()
}

func (c *Controller) shutdown(err error) error {
	if n := c.Mux.Close(err); n > 0 {
		glog.Warningf("%d requests failed: %v", n, err)
	}
	var errs framework.AggregatedError
	if c.runner != nil {
		c.runner.Stop()
	}
	errs.Add(c.Port.Close())
	if c.runner != nil {
		// the link may report failure once the port is closed.
		if err := c.runner.Wait(); err != nil {
			glog.V(1).Infof("runners stopped: %v", err)
		}
	}
	return errs.Aggregate()
}

// LinkFailed implements ssh.LinkNotifier.
func (c *Controller) LinkFailed(ctx context.Context, err error) {
	c.lock.Lock()
	if c.state == StateStopping || c.state == StateStopped {
		c.lock.Unlock()
		return
	}
	c.state, c.stateErr = StateError, err
	c.lock.Unlock()
	if n := c.Mux.Close(err); n > 0 {
		glog.Errorf("link failure, %d requests failed", n)
	}
}

// RegisterNotifier registers a notifier and enables its events on the
// controller when it's the first one interested.
func (c *Controller) RegisterNotifier(ctx context.Context, n *Notifier) error {
	c.lock.RLock()
	err := c.checkState()
	c.lock.RUnlock()
	if err != nil {
		return err
	}
	if err := c.Dispatcher.Register(n); err != nil {
		return err
	}

	key := eventKey{reg: n.Registry, id: n.Event}
	c.eventsLock.Lock()
	defer c.eventsLock.Unlock()
	entry := c.events[key]
	if entry == nil {
		if err := c.enableEvent(ctx, n.Registry, n.Event, n.Flags, true); err != nil {
			c.Dispatcher.Unregister(n)
			return err
		}
		entry = &eventEntry{flags: n.Flags}
		c.events[key] = entry
	} else if entry.flags != n.Flags {
		glog.Warningf("notifier %s flags 0x%02x mismatch enabled event flags 0x%02x", n, n.Flags, entry.flags)
	}
	entry.refs++
	return nil
}

// UnregisterNotifier unregisters a notifier and disables the events on the
// controller when it's the last one interested.
func (c *Controller) UnregisterNotifier(ctx context.Context, n *Notifier) error {
	c.lock.RLock()
	online := c.state == StateRunning || c.state == StateSuspended || c.state == StateStopping
	c.lock.RUnlock()
	return c.unregisterNotifier(ctx, n, online)
}

func (c *Controller) unregisterNotifier(ctx context.Context, n *Notifier, online bool) error {
	if err := c.Dispatcher.Unregister(n); err != nil {
		return err
	}
	key := eventKey{reg: n.Registry, id: n.Event}
	c.eventsLock.Lock()
	defer c.eventsLock.Unlock()
	entry := c.events[key]
	if entry == nil {
		return fmt.Errorf("%w: event of notifier %s not enabled", ErrProtocolViolation, n)
	}
	if entry.refs--; entry.refs > 0 {
		return nil
	}
	delete(c.events, key)
	if !online {
		return nil
	}
	return c.enableEvent(ctx, n.Registry, n.Event, entry.flags, false)
}

// EnabledEvents returns the reference count of an enabled event.
func (c *Controller) EnabledEvents(reg EventRegistry, id EventID) int {
	c.eventsLock.Lock()
	defer c.eventsLock.Unlock()
	if entry := c.events[eventKey{reg: reg, id: id}]; entry != nil {
		return entry.refs
	}
	return 0
}

func (c *Controller) enableEvent(ctx context.Context, reg EventRegistry, id EventID, flags EventFlags, enable bool) error {
	r := reg.request(id, flags, enable)
	var buf [1]byte
	n, err := c.Mux.ForceSubmit(ctx, r, buf[:])
	if err == nil && n != 1 {
		err = fmt.Errorf("%w: event enable/disable response of %d bytes", ErrProtocolViolation, n)
	}
	if err == nil && buf[0] != 0 {
		err = &StatusError{CommandID: r.CommandID, Status: buf[0]}
	}
	if err != nil {
		action := "disable"
		if enable {
			action = "enable"
		}
		return fmt.Errorf("%s event %s/%d: %w", action, CategoryName(id.Category), id.Instance, newRequestError(r, err))
	}
	return nil
}

// forceSubmitter submits bypassing the state of the controller.
type forceSubmitter struct {
	mux *ssh.Mux
}

func (s forceSubmitter) Submit(ctx context.Context, r *Request, buf []byte) (int, error) {
	return s.mux.ForceSubmit(ctx, r, buf)
}
