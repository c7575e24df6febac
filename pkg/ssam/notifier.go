package ssam

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"

	"github.com/robotalks/ssam.go/pkg/framework"
	"github.com/robotalks/ssam.go/pkg/ssh"
)

// NotifyResult is returned by an EventHandler.
type NotifyResult int

// Notify results, the zero value passes the event through.
const (
	// Handled stops delivery to other notifiers of the same priority.
	Handled NotifyResult = 1 << 0
	// Stop ends the delivery of the event.
	Stop NotifyResult = 1 << 1
)

// EventHandler handles events delivered to a Notifier.
type EventHandler interface {
	HandleEvent(context.Context, *Event) (NotifyResult, error)
}

// HandleEventFunc is func type of EventHandler.
type HandleEventFunc func(context.Context, *Event) (NotifyResult, error)

// HandleEvent implements EventHandler.
func (f HandleEventFunc) HandleEvent(ctx context.Context, ev *Event) (NotifyResult, error) {
	return f(ctx, ev)
}

// EventRegistry is where events are enabled and disabled.
type EventRegistry struct {
	Category   byte
	TargetID   byte
	CIDEnable  byte
	CIDDisable byte
}

// Event registries.
var (
	RegistrySAM = EventRegistry{Category: CategorySAM, TargetID: 0x01, CIDEnable: 0x0b, CIDDisable: 0x0c}
	RegistryKIP = EventRegistry{Category: CategoryKIP, TargetID: 0x02, CIDEnable: 0x27, CIDDisable: 0x28}
	RegistryREG = EventRegistry{Category: CategoryREG, TargetID: 0x02, CIDEnable: 0x01, CIDDisable: 0x02}
)

func (r EventRegistry) request(id EventID, flags EventFlags, enable bool) *Request {
	rqid := ssh.EventRequestID(id.Category)
	cid := r.CIDDisable
	if enable {
		cid = r.CIDEnable
	}
	return &Request{
		Category:  r.Category,
		TargetID:  r.TargetID,
		CommandID: cid,
		Flags:     FlagHasResponse,
		Payload:   []byte{id.Category, byte(flags), byte(rqid), byte(rqid >> 8), id.Instance},
	}
}

// EventID identifies the source of events.
type EventID struct {
	Category byte
	Instance byte
}

// Validate checks the events of the category arrive with a request id
// reserved for events, so they can't be mistaken for responses.
func (id EventID) Validate() error {
	if rqid := ssh.EventRequestID(id.Category); !rqid.IsEvent() {
		return fmt.Errorf("%w: category 0x%02x has no event request id (%d)", ErrProtocolViolation, id.Category, rqid)
	}
	return nil
}

// EventFlags are sent to the controller when enabling events.
type EventFlags byte

// EventSequenced asks the controller to send events in sequenced frames.
const EventSequenced EventFlags = 1 << 0

// EventMask selects the fields matched against events.
type EventMask byte

// Event masks, the category always matches.
const (
	// MaskTarget matches the channel of the event against the target id of the registry.
	MaskTarget EventMask = 1 << 0
	// MaskInstance matches the instance id.
	MaskInstance EventMask = 1 << 1

	MaskNone   EventMask = 0
	MaskStrict           = MaskTarget | MaskInstance
)

// Notifier registers an EventHandler for events matching Registry, Event and Mask.
type Notifier struct {
	Registry EventRegistry
	Event    EventID
	Mask     EventMask
	Flags    EventFlags
	// Priority orders the delivery, higher values first.
	Priority int
	Handler  EventHandler

	registered bool
}

// Matches determines whether the event should be delivered to the notifier.
func (n *Notifier) Matches(ev *Event) bool {
	if ev.Category != n.Event.Category {
		return false
	}
	if n.Mask&MaskTarget != 0 && ev.Channel != n.Registry.TargetID {
		return false
	}
	if n.Mask&MaskInstance != 0 && ev.InstanceID != n.Event.Instance {
		return false
	}
	return true
}

// String implements fmt.Stringer.
func (n *Notifier) String() string {
	return fmt.Sprintf("%s:%s/%d prio=%d", CategoryName(n.Registry.Category),
		CategoryName(n.Event.Category), n.Event.Instance, n.Priority)
}

// Dispatcher delivers events to notifiers.
// Events received from the link are queued, dropping retransmitted copies;
// the queue is drained by Run so handlers are free to submit requests.
type Dispatcher struct {
	queue     *framework.Queue
	lock      sync.RWMutex
	notifiers []*Notifier

	duplicates uint64
	unhandled  uint64
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{}
	d.queue = framework.NewQueue(framework.HandleMessageFunc(func(ctx context.Context, msg framework.Message) {
		d.Dispatch(ctx, msg.(*Event))
	}))
	return d
}

// Name implements framework.Named.
func (d *Dispatcher) Name() string {
	return "dispatcher"
}

// Run implements framework.Runnable.
func (d *Dispatcher) Run(ctx context.Context) error {
	return d.queue.Run(ctx)
}

// HandleEvent implements ssh.EventHandler.
func (d *Dispatcher) HandleEvent(ctx context.Context, ev *Event) {
	if ev.Retransmitted {
		atomic.AddUint64(&d.duplicates, 1)
		glog.V(2).Infof("dropped duplicated event seq=%d %s", ev.Seq, ev)
		return
	}
	d.queue.Post(ev)
}

// Duplicates returns the number of dropped duplicated events.
func (d *Dispatcher) Duplicates() uint64 {
	return atomic.LoadUint64(&d.duplicates)
}

// Unhandled returns the number of events no notifier handled.
func (d *Dispatcher) Unhandled() uint64 {
	return atomic.LoadUint64(&d.unhandled)
}

// Pending returns the number of queued events.
func (d *Dispatcher) Pending() int {
	return d.queue.Len()
}

// Register adds a notifier.
func (d *Dispatcher) Register(n *Notifier) error {
	if n.Handler == nil {
		return fmt.Errorf("%w: notifier %s without handler", ErrProtocolViolation, n)
	}
	if err := n.Event.Validate(); err != nil {
		return err
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	if n.registered {
		return fmt.Errorf("%w: notifier %s already registered", ErrProtocolViolation, n)
	}
	n.registered = true
	d.notifiers = append(d.notifiers, n)
	sort.SliceStable(d.notifiers, func(i, j int) bool {
		return d.notifiers[i].Priority > d.notifiers[j].Priority
	})
	return nil
}

// Unregister removes a notifier. It waits until a delivery in progress completes.
// It must not be called from an EventHandler.
func (d *Dispatcher) Unregister(n *Notifier) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	for i, nf := range d.notifiers {
		if nf == n {
			n.registered = false
			d.notifiers = append(d.notifiers[:i], d.notifiers[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: notifier %s not registered", ErrProtocolViolation, n)
}

// Notifiers returns registered notifiers in delivery order.
func (d *Dispatcher) Notifiers() []*Notifier {
	d.lock.RLock()
	defer d.lock.RUnlock()
	return append([]*Notifier(nil), d.notifiers...)
}

// Dispatch delivers the event synchronously.
// Notifiers are visited in descending priority. Within a priority the
// delivery stops at the first notifier returning Handled, and continues
// with the next lower priority. Stop ends the delivery.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *Event) NotifyResult {
	d.lock.RLock()
	defer d.lock.RUnlock()

	var result NotifyResult
	var tierHandled, matched bool
	tier := 0
	for _, n := range d.notifiers {
		if !n.Matches(ev) {
			continue
		}
		if !matched || n.Priority != tier {
			tier, tierHandled = n.Priority, false
		}
		matched = true
		if tierHandled {
			continue
		}
		r, err := n.Handler.HandleEvent(ctx, ev)
		if err != nil {
			glog.Errorf("notifier %s failed on event %s: %v", n, ev, err)
		}
		result |= r
		if r&Handled != 0 {
			tierHandled = true
		}
		if r&Stop != 0 {
			break
		}
	}
	if result&Handled == 0 {
		atomic.AddUint64(&d.unhandled, 1)
		glog.Warningf("unhandled event %s", ev)
	}
	return result
}
