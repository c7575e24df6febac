package battery

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/robotalks/ssam.go/pkg/ssam"
	"github.com/robotalks/ssam.go/pkg/ssam/ssamtest"
	"github.com/robotalks/ssam.go/pkg/ssh"
	"github.com/robotalks/ssam.go/pkg/ssh/sshtest"
)

type fakeClock struct {
	lock sync.Mutex
	now  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.lock.Lock()
	c.now = c.now.Add(d)
	c.lock.Unlock()
}

type fakeBattery struct {
	lock  sync.Mutex
	sta   uint32
	bix   BIX
	bst   BST
	alarm uint32
	psrc  uint32
}

func (f *fakeBattery) handle(cmd *ssh.Command, try int) sshtest.Reply {
	if cmd.Category != ssam.CategoryBAT {
		return sshtest.Reply{NoResponse: true}
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	switch cmd.CommandID {
	case 0x01:
		return sshtest.Reply{Payload: ssamtest.U32(f.sta)}
	case 0x02:
		data, _ := f.bix.MarshalBinary()
		return sshtest.Reply{Payload: data}
	case 0x03:
		data, _ := f.bst.MarshalBinary()
		return sshtest.Reply{Payload: data}
	case 0x04:
		f.alarm = binary.LittleEndian.Uint32(cmd.Payload)
		return sshtest.Reply{NoResponse: true}
	case 0x0d:
		return sshtest.Reply{Payload: ssamtest.U32(f.psrc)}
	}
	return sshtest.Reply{NoResponse: true}
}

func (f *fakeBattery) setBST(bst BST) {
	f.lock.Lock()
	f.bst = bst
	f.lock.Unlock()
}

func newFakeBattery() *fakeBattery {
	return &fakeBattery{
		sta: StaOK | StaPresent,
		bix: BIX{
			Revision:          1,
			PowerUnit:         PowerUnitMA,
			DesignCap:         5000,
			LastFullChargeCap: 4800,
			DesignVoltage:     7600,
			DesignCapWarn:     250,
			DesignCapLow:      100,
			CycleCount:        42,
			Model:             "M1",
			Serial:            "0001",
			Type:              "LION",
			OEMInfo:           "Maker",
		},
		bst: BST{
			State:          StateDischarging,
			PresentRate:    1200,
			RemainingCap:   2400,
			PresentVoltage: 7700,
		},
		psrc: 1,
	}
}

func setup(t *testing.T, f *fakeBattery) (*Battery, *fakeClock, *ssam.Controller, *sshtest.Controller) {
	c, ec := ssamtest.Start(t, f.handle)
	clock := &fakeClock{now: time.Unix(1000, 0)}
	bat := New(c, Config{Num: 1, Channel: 1, Instance: 1, Clock: clock.Now, UpdateDelay: 10 * time.Millisecond})
	return bat, clock, c, ec
}

func TestBatteryStart(t *testing.T) {
	f := newFakeBattery()
	bat, _, c, ec := setup(t, f)
	require.NoError(t, bat.Start(context.Background()))
	defer bat.Stop(context.Background())

	require.Equal(t, "BAT1", bat.Name())
	require.Equal(t, uint32(250), bat.Alarm())
	require.Eventually(t, func() bool {
		f.lock.Lock()
		defer f.lock.Unlock()
		return f.alarm == 250
	}, time.Second, time.Millisecond)
	require.Equal(t, 1, c.EnabledEvents(ssam.RegistrySAM, ssam.EventID{Category: ssam.CategoryBAT}))
	require.Equal(t, 1, ec.Count(ssam.CategoryBAT, 0x02))

	props, err := bat.Properties(context.Background())
	require.NoError(t, err)
	expected := &Properties{
		Name:             "BAT1",
		Present:          true,
		Status:           StatusDischarging,
		Technology:       TechnologyLiIon,
		ChargeUnits:      true,
		CycleCount:       42,
		VoltageMinDesign: 7600000,
		VoltageNow:       7700000,
		RateNow:          1200000,
		FullDesign:       5000000,
		Full:             4800000,
		Now:              2400000,
		Alarm:            250000,
		Capacity:         50,
		CapacityLevel:    LevelNormal,
		TimeToEmpty:      2 * time.Hour,
		Model:            "M1",
		Manufacturer:     "Maker",
		Serial:           "0001",
	}
	if diff := cmp.Diff(expected, props); diff != "" {
		t.Errorf("properties mismatch (-want +got):\n%s", diff)
	}
}

func TestBatteryInfoCached(t *testing.T) {
	f := newFakeBattery()
	bat, clock, _, ec := setup(t, f)
	ctx := context.Background()
	require.NoError(t, bat.Start(ctx))
	defer bat.Stop(ctx)

	bix1, err := bat.Info(ctx)
	require.NoError(t, err)
	bix2, err := bat.Info(ctx)
	require.NoError(t, err)
	if diff := cmp.Diff(bix1, bix2); diff != "" {
		t.Errorf("cached info mismatch:\n%s", diff)
	}
	require.Equal(t, 1, ec.Count(ssam.CategoryBAT, 0x02))

	_, err = bat.Properties(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, ec.Count(ssam.CategoryBAT, 0x03))

	clock.Advance(DefaultCacheTime)
	_, err = bat.Info(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, ec.Count(ssam.CategoryBAT, 0x02))
}

func TestBatteryNotPresent(t *testing.T) {
	f := newFakeBattery()
	f.sta = StaOK
	bat, _, _, ec := setup(t, f)
	ctx := context.Background()
	require.NoError(t, bat.Start(ctx))
	defer bat.Stop(ctx)

	require.Zero(t, ec.Count(ssam.CategoryBAT, 0x02))
	require.Zero(t, ec.Count(ssam.CategoryBAT, 0x04))
	present, err := bat.Present(ctx)
	require.NoError(t, err)
	require.False(t, present)
	_, err = bat.Properties(ctx)
	require.ErrorIs(t, err, ssam.ErrNotFound)
	_, err = bat.Info(ctx)
	require.ErrorIs(t, err, ssam.ErrNotFound)
	require.ErrorIs(t, bat.SetAlarm(ctx, 10), ssam.ErrNotFound)
}

func TestBatteryStartNotFound(t *testing.T) {
	f := newFakeBattery()
	f.sta = 0
	bat, _, c, _ := setup(t, f)
	require.ErrorIs(t, bat.Start(context.Background()), ssam.ErrNotFound)
	require.Empty(t, c.Dispatcher.Notifiers())
}

func TestBatteryEvents(t *testing.T) {
	f := newFakeBattery()
	bat, _, c, ec := setup(t, f)
	ctx := context.Background()
	batChanged := make(chan struct{}, 4)
	bat.OnChange = func(*Battery) { batChanged <- struct{}{} }
	acChanged := make(chan struct{}, 4)
	ac := NewAC(c)
	ac.OnChange = func(*AC) { acChanged <- struct{}{} }
	require.NoError(t, bat.Start(ctx))
	defer bat.Stop(ctx)
	require.NoError(t, ac.Start(ctx))
	defer ac.Stop(ctx)
	require.Equal(t, 2, c.EnabledEvents(ssam.RegistrySAM, ssam.EventID{Category: ssam.CategoryBAT}))

	wait := func(ch chan struct{}, what string) {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("%s not changed", what)
		}
	}

	// another instance
	ssamtest.SendEvent(ec, ssam.CategoryBAT, EventBST, 2, nil)
	f.setBST(BST{State: StateCharging, PresentRate: 1000, RemainingCap: 3800, PresentVoltage: 8000})
	ssamtest.SendEvent(ec, ssam.CategoryBAT, EventBST, 1, nil)
	wait(batChanged, "battery")
	require.Equal(t, 2, ec.Count(ssam.CategoryBAT, 0x03))
	props, err := bat.Properties(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusCharging, props.Status)
	require.Equal(t, 79, props.Capacity)
	require.Equal(t, time.Hour, props.TimeToFull)

	f.setBST(BST{RemainingCap: 4800, PresentVoltage: 8000})
	ssamtest.SendEvent(ec, ssam.CategoryBAT, EventBIX, 1, nil)
	wait(batChanged, "battery")
	props, err = bat.Properties(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusFull, props.Status)
	require.Equal(t, LevelFull, props.CapacityLevel)

	f.lock.Lock()
	f.psrc = 0
	f.lock.Unlock()
	ssamtest.SendEvent(ec, ssam.CategoryBAT, EventAdapter, 0, nil)
	wait(acChanged, "adapter")
	online, err := ac.Online(ctx)
	require.NoError(t, err)
	require.False(t, online)
	// delayed update as the battery is full
	wait(batChanged, "battery")
}

func TestAdapterEventHandled(t *testing.T) {
	testCases := []struct {
		name     string
		instance byte
	}{
		{"instance 0", 0},
		{"instance 1", 1},
		{"instance 2", 2},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFakeBattery()
			f.bst = BST{RemainingCap: 4800, PresentVoltage: 8000}
			bat1, clock, c, ec := setup(t, f)
			bat2 := New(c, Config{Num: 2, Channel: 1, Instance: 2, Clock: clock.Now, UpdateDelay: 10 * time.Millisecond})
			ctx := context.Background()
			changed := make(chan string, 4)
			for _, bat := range []*Battery{bat1, bat2} {
				bat.OnChange = func(b *Battery) { changed <- b.Name() }
				require.NoError(t, bat.Start(ctx))
				defer bat.Stop(ctx)
			}
			acChanged := make(chan struct{}, 4)
			ac := NewAC(c)
			ac.OnChange = func(*AC) { acChanged <- struct{}{} }
			require.NoError(t, ac.Start(ctx))
			defer ac.Stop(ctx)

			ssamtest.SendEvent(ec, ssam.CategoryBAT, EventAdapter, tc.instance, nil)
			select {
			case <-acChanged:
			case <-time.After(time.Second):
				t.Fatal("adapter not changed")
			}
			// both batteries are full and see the event
			names := map[string]bool{}
			for len(names) < 2 {
				select {
				case name := <-changed:
					names[name] = true
				case <-time.After(time.Second):
					t.Fatalf("batteries not updated: %v", names)
				}
			}
			require.Zero(t, c.Dispatcher.Unhandled())
		})
	}
}

func TestProperties(t *testing.T) {
	bix := &BIX{LastFullChargeCap: 1000, Type: "Li-ion battery"}
	testCases := []struct {
		name   string
		bst    BST
		alarm  uint32
		status Status
		level  CapacityLevel
		cap    int
	}{
		{"discharging", BST{State: StateDischarging, PresentRate: 10, RemainingCap: 500}, 100, StatusDischarging, LevelNormal, 50},
		{"charging", BST{State: StateCharging, PresentRate: 10, RemainingCap: 50}, 100, StatusCharging, LevelLow, 5},
		{"critical", BST{State: StateDischarging | StateCritical, PresentRate: 10, RemainingCap: 10}, 100, StatusDischarging, LevelCritical, 1},
		{"full", BST{RemainingCap: 1000}, 100, StatusFull, LevelFull, 100},
		{"not charging", BST{RemainingCap: 900}, 100, StatusNotCharging, LevelNormal, 90},
		{"unknown", BST{PresentRate: 5, RemainingCap: 900}, 100, StatusUnknown, LevelNormal, 90},
		{"empty", BST{State: StateDischarging, PresentRate: 5}, 0, StatusDischarging, LevelLow, 0},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := properties("BAT0", true, bix, &tc.bst, tc.alarm)
			require.Equal(t, tc.status, p.Status)
			require.Equal(t, tc.level, p.CapacityLevel)
			require.Equal(t, tc.cap, p.Capacity)
			require.Equal(t, TechnologyLiIon, p.Technology)
		})
	}
}

func TestTechnology(t *testing.T) {
	testCases := map[string]Technology{
		"NiCd":   TechnologyNiCd,
		"nimh":   TechnologyNiMH,
		"LION":   TechnologyLiIon,
		"LI-ION": TechnologyLiIon,
		"LiP":    TechnologyLiPo,
		"PbAc":   TechnologyUnknown,
		"":       TechnologyUnknown,
	}
	for typ, tech := range testCases {
		bix := BIX{Type: typ}
		require.Equal(t, tech, bix.TechnologyKind(), typ)
	}
}

func TestBIXLayout(t *testing.T) {
	require.Equal(t, 119, BIXLen)
	f := newFakeBattery()
	data, err := f.bix.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, data, BIXLen)
	require.Equal(t, uint32(4800), binary.LittleEndian.Uint32(data[9:]))
	require.Equal(t, byte('M'), data[61])
	var bix BIX
	require.NoError(t, bix.UnmarshalBinary(data))
	if diff := cmp.Diff(f.bix, bix); diff != "" {
		t.Errorf("decoded mismatch:\n%s", diff)
	}
	require.Error(t, bix.UnmarshalBinary(data[:BIXLen-1]))

	f.bix.Type = "TOOLONG"
	_, err = f.bix.MarshalBinary()
	require.Error(t, err)
}

func TestQuery(t *testing.T) {
	f := newFakeBattery()
	c, _ := ssamtest.Start(t, f.handle)
	props, err := Query(context.Background(), c, Config{Num: 1, Channel: 1, Instance: 1})
	require.NoError(t, err)
	require.True(t, props.Present)
	require.Equal(t, "BAT1", props.Name)
	require.Equal(t, StatusDischarging, props.Status)
	require.Equal(t, 50, props.Capacity)
	require.Equal(t, uint64(250000), props.Alarm)
	require.Equal(t, 2*time.Hour, props.TimeToEmpty)

	f.lock.Lock()
	f.sta = StaOK
	f.lock.Unlock()
	props, err = Query(context.Background(), c, Config{Num: 1, Channel: 1, Instance: 1})
	require.NoError(t, err)
	require.False(t, props.Present)

	online, err := NewAC(ssam.SubmitOnly(c)).Online(context.Background())
	require.NoError(t, err)
	require.True(t, online)
	require.ErrorIs(t, NewAC(ssam.SubmitOnly(c)).Start(context.Background()), ssam.ErrInvalidState)
}
