package battery

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"github.com/robotalks/ssam.go/pkg/ssam"
)

// The AC adapter is delivered adapter events before batteries.
const acNotifierPrio = batteryNotifierPrio + 1

// AC is the client of the AC adapter.
type AC struct {
	// OnChange is called when the adapter state changed.
	OnChange func(*AC)

	binding  ssam.Binding
	notifier *ssam.Notifier
	lock     sync.Mutex
	state    uint32
}

// NewAC creates an AC adapter client.
func NewAC(b ssam.Binding) *AC {
	ac := &AC{binding: b}
	ac.notifier = &ssam.Notifier{
		Registry: ssam.RegistrySAM,
		Event:    ssam.EventID{Category: ssam.CategoryBAT, Instance: 0},
		Flags:    ssam.EventSequenced,
		Priority: acNotifierPrio,
		Handler:  ac,
	}
	return ac
}

// Name returns the name of the adapter.
func (a *AC) Name() string {
	return "ADP0"
}

// The adapter state is reported by the first battery.
var (
	acRqstGetSTA  = ssam.RequestSpec{Category: ssam.CategoryBAT, TargetID: 0x01, CommandID: 0x01, InstanceID: 0x01}
	acRqstGetPSRC = ssam.RequestSpec{Category: ssam.CategoryBAT, TargetID: 0x01, CommandID: 0x0d, InstanceID: 0x01}
)

// Start probes the adapter and registers for its events.
func (a *AC) Start(ctx context.Context) error {
	sta, err := acRqstGetSTA.GetU32(ctx, a.binding)
	if err != nil {
		return err
	}
	if sta&StaOK != StaOK {
		return fmt.Errorf("%w: %s STA=0x%02x", ssam.ErrNotFound, a.Name(), sta)
	}
	if err := a.update(ctx); err != nil {
		return err
	}
	return a.binding.RegisterNotifier(ctx, a.notifier)
}

// Stop unregisters the notifier.
func (a *AC) Stop(ctx context.Context) error {
	return a.binding.UnregisterNotifier(ctx, a.notifier)
}

func (a *AC) update(ctx context.Context) error {
	state, err := acRqstGetPSRC.GetU32(ctx, a.binding)
	if err != nil {
		return err
	}
	a.lock.Lock()
	a.state = state
	a.lock.Unlock()
	return nil
}

// Online queries whether the adapter is plugged.
func (a *AC) Online(ctx context.Context) (bool, error) {
	if err := a.update(ctx); err != nil {
		return false, err
	}
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.state == 1, nil
}

// HandleEvent implements ssam.EventHandler.
func (a *AC) HandleEvent(ctx context.Context, ev *ssam.Event) (ssam.NotifyResult, error) {
	glog.V(2).Infof("%s power event cid=0x%02x iid=%d chn=%d", a.Name(), ev.CommandID, ev.InstanceID, ev.Channel)
	// the adapter event is handled here for all instances, batteries only
	// observe it.
	if ev.CommandID != EventAdapter {
		return 0, nil
	}
	if err := a.update(ctx); err != nil {
		return ssam.Handled, err
	}
	if fn := a.OnChange; fn != nil {
		fn(a)
	}
	return ssam.Handled, nil
}
