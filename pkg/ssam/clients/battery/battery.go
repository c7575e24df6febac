// Package battery implements the battery and AC adapter clients.
package battery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/robotalks/ssam.go/pkg/ssam"
)

// Battery requests, addressed by channel and instance of the battery.
var (
	RqstGetSTA = ssam.RequestSpec{Category: ssam.CategoryBAT, CommandID: 0x01}
	RqstGetBIX = ssam.RequestSpec{Category: ssam.CategoryBAT, CommandID: 0x02}
	RqstGetBST = ssam.RequestSpec{Category: ssam.CategoryBAT, CommandID: 0x03}
	RqstSetBTP = ssam.RequestSpec{Category: ssam.CategoryBAT, CommandID: 0x04}
)

// Battery events.
const (
	EventBIX     byte = 0x15
	EventBST     byte = 0x16
	EventAdapter byte = 0x17
)

// Defaults of Config.
const (
	DefaultCacheTime    = time.Second
	DefaultUpdateDelay  = 5 * time.Second
	batteryNotifierPrio = 1
)

// Config describes a battery.
type Config struct {
	// Num is used to name the battery BAT<Num>.
	Num      int
	Channel  byte
	Instance byte
	Registry ssam.EventRegistry
	// CacheTime is how long BST is considered valid.
	CacheTime time.Duration
	// UpdateDelay is the delay of the state update after the adapter
	// is plugged or removed while the battery is full.
	UpdateDelay time.Duration
	// Clock returns the current time, time.Now if nil.
	Clock func() time.Time
}

// Known batteries, BAT1 in the main unit and BAT2 in the detachable base.
var (
	BAT1 = Config{Num: 1, Channel: 0x01, Instance: 0x01, Registry: ssam.RegistrySAM}
	BAT2 = Config{Num: 2, Channel: 0x02, Instance: 0x01, Registry: ssam.RegistryKIP}
)

// Battery is the client of a battery.
type Battery struct {
	Config
	// OnChange is called when the battery state changed because of an event.
	OnChange func(*Battery)

	binding  ssam.Binding
	notifier *ssam.Notifier

	lock      sync.Mutex
	sta       uint32
	bix       BIX
	bst       BST
	alarm     uint32
	timestamp time.Time
	timer     *time.Timer
}

// New creates a battery client.
func New(b ssam.Binding, cfg Config) *Battery {
	if cfg.Registry == (ssam.EventRegistry{}) {
		cfg.Registry = ssam.RegistrySAM
	}
	if cfg.CacheTime <= 0 {
		cfg.CacheTime = DefaultCacheTime
	}
	if cfg.UpdateDelay <= 0 {
		cfg.UpdateDelay = DefaultUpdateDelay
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	bat := &Battery{Config: cfg, binding: b}
	bat.notifier = &ssam.Notifier{
		Registry: cfg.Registry,
		Event:    ssam.EventID{Category: ssam.CategoryBAT, Instance: 0},
		Flags:    ssam.EventSequenced,
		Priority: batteryNotifierPrio,
		Handler:  bat,
	}
	return bat
}

// Name returns the name of the battery.
func (b *Battery) Name() string {
	return fmt.Sprintf("BAT%d", b.Num)
}

func (b *Battery) spec(s ssam.RequestSpec) ssam.RequestSpec {
	s.TargetID, s.InstanceID = b.Channel, b.Instance
	return s
}

// Start probes the battery and registers for its events.
// It fails with ssam.ErrNotFound if the device doesn't respond properly.
func (b *Battery) Start(ctx context.Context) error {
	sta, err := b.spec(RqstGetSTA).GetU32(ctx, b.binding)
	if err != nil {
		return err
	}
	if sta&StaOK != StaOK {
		return fmt.Errorf("%w: %s STA=0x%02x", ssam.ErrNotFound, b.Name(), sta)
	}
	b.lock.Lock()
	err = b.updateBIX(ctx)
	if err == nil && b.present() {
		err = b.setAlarm(ctx, b.bix.DesignCapWarn)
	}
	b.lock.Unlock()
	if err != nil {
		return err
	}
	return b.binding.RegisterNotifier(ctx, b.notifier)
}

// Stop unregisters the notifier.
func (b *Battery) Stop(ctx context.Context) error {
	err := b.binding.UnregisterNotifier(ctx, b.notifier)
	b.lock.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.lock.Unlock()
	return err
}

// must be called with lock held.
func (b *Battery) present() bool {
	return b.sta&StaPresent != 0
}

func (b *Battery) loadSTA(ctx context.Context) (err error) {
	b.sta, err = b.spec(RqstGetSTA).GetU32(ctx, b.binding)
	return
}

func (b *Battery) loadBIX(ctx context.Context) error {
	if !b.present() {
		return nil
	}
	buf := make([]byte, BIXLen)
	if err := b.spec(RqstGetBIX).Get(ctx, b.binding, nil, buf); err != nil {
		return err
	}
	return b.bix.UnmarshalBinary(buf)
}

func (b *Battery) loadBST(ctx context.Context) error {
	if !b.present() {
		return nil
	}
	buf := make([]byte, BSTLen)
	if err := b.spec(RqstGetBST).Get(ctx, b.binding, nil, buf); err != nil {
		return err
	}
	return b.bst.UnmarshalBinary(buf)
}

func (b *Battery) cacheValid() bool {
	return !b.timestamp.IsZero() && b.Clock().Before(b.timestamp.Add(b.CacheTime))
}

func (b *Battery) updateBST(ctx context.Context, cached bool) error {
	if cached && b.cacheValid() {
		return nil
	}
	if err := b.loadSTA(ctx); err != nil {
		return err
	}
	if err := b.loadBST(ctx); err != nil {
		return err
	}
	b.timestamp = b.Clock()
	return nil
}

func (b *Battery) updateBIX(ctx context.Context) error {
	if err := b.loadSTA(ctx); err != nil {
		return err
	}
	if err := b.loadBIX(ctx); err != nil {
		return err
	}
	if err := b.loadBST(ctx); err != nil {
		return err
	}
	b.timestamp = b.Clock()
	return nil
}

func (b *Battery) setAlarm(ctx context.Context, value uint32) error {
	b.alarm = value
	return b.spec(RqstSetBTP).SetU32(ctx, b.binding, value)
}

// Update refreshes the battery state, using the cached state if it's
// fresher than CacheTime and cached is set.
func (b *Battery) Update(ctx context.Context, cached bool) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.updateBST(ctx, cached)
}

// Recheck reloads the static information, re-arming the alarm when the
// battery has been attached. It's also used after resume.
func (b *Battery) Recheck(ctx context.Context) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	present, unit := b.present(), b.bix.PowerUnit
	if err := b.updateBIX(ctx); err != nil {
		return err
	}
	if !present && b.present() {
		if err := b.setAlarm(ctx, b.bix.DesignCapWarn); err != nil {
			return err
		}
	}
	if present && unit != b.bix.PowerUnit {
		glog.Infof("%s power unit changed to %d", b.Name(), b.bix.PowerUnit)
	}
	return nil
}

// Info returns the static information, which is reloaded when the cache expired.
func (b *Battery) Info(ctx context.Context) (*BIX, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if !b.cacheValid() {
		if err := b.updateBIX(ctx); err != nil {
			return nil, err
		}
	}
	if !b.present() {
		return nil, fmt.Errorf("%w: %s not present", ssam.ErrNotFound, b.Name())
	}
	bix := b.bix
	return &bix, nil
}

// Present indicates the battery is attached.
func (b *Battery) Present(ctx context.Context) (bool, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if err := b.updateBST(ctx, true); err != nil {
		return false, err
	}
	return b.present(), nil
}

// Properties returns properties derived from the cached state.
// It fails with ssam.ErrNotFound if the battery is not present.
func (b *Battery) Properties(ctx context.Context) (*Properties, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if err := b.updateBST(ctx, true); err != nil {
		return nil, err
	}
	if !b.present() {
		return nil, fmt.Errorf("%w: %s not present", ssam.ErrNotFound, b.Name())
	}
	return properties(b.Name(), true, &b.bix, &b.bst, b.alarm), nil
}

// Alarm returns the alarm capacity.
func (b *Battery) Alarm() uint32 {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.alarm
}

// SetAlarm sets the alarm capacity.
func (b *Battery) SetAlarm(ctx context.Context, value uint32) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if !b.present() {
		return fmt.Errorf("%w: %s not present", ssam.ErrNotFound, b.Name())
	}
	return b.setAlarm(ctx, value)
}

// HandleEvent implements ssam.EventHandler.
func (b *Battery) HandleEvent(ctx context.Context, ev *ssam.Event) (ssam.NotifyResult, error) {
	glog.V(2).Infof("%s power event cid=0x%02x iid=%d chn=%d", b.Name(), ev.CommandID, ev.InstanceID, ev.Channel)

	// adapter events are for all batteries in the tier, the AC handles them.
	if ev.CommandID == EventAdapter {
		b.adapterChanged()
		return 0, nil
	}
	if ev.Channel != b.Channel || ev.InstanceID != b.Instance {
		return 0, nil
	}
	var err error
	switch ev.CommandID {
	case EventBIX:
		err = b.Recheck(ctx)
	case EventBST:
		err = b.Update(ctx, false)
	default:
		return 0, nil
	}
	if err == nil {
		b.changed()
	}
	return ssam.Handled, err
}

// adapterChanged schedules a state update when the battery is full, as
// the controller doesn't send an event when charging stops or starts then.
func (b *Battery) adapterChanged() {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.bst.RemainingCap < b.bix.LastFullChargeCap {
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.UpdateDelay, func() {
		if err := b.Update(context.Background(), false); err != nil {
			glog.Errorf("%s: failed to update battery state: %v", b.Name(), err)
			return
		}
		b.changed()
	})
}

func (b *Battery) changed() {
	if fn := b.OnChange; fn != nil {
		fn(b)
	}
}

// Query reads the battery state once, without registering for events.
// The alarm is reported as the design warning capacity.
func Query(ctx context.Context, sub ssam.Submitter, cfg Config) (*Properties, error) {
	b := New(ssam.SubmitOnly(sub), cfg)
	b.lock.Lock()
	defer b.lock.Unlock()
	if err := b.updateBIX(ctx); err != nil {
		return nil, err
	}
	return properties(b.Name(), b.present(), &b.bix, &b.bst, b.bix.DesignCapWarn), nil
}
