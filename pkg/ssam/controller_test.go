package ssam_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robotalks/ssam.go/pkg/ssam"
	"github.com/robotalks/ssam.go/pkg/ssam/ssamtest"
	"github.com/robotalks/ssam.go/pkg/ssh"
	"github.com/robotalks/ssam.go/pkg/ssh/sshtest"
)

var rqstBatSTA = ssam.RequestSpec{Category: ssam.CategoryBAT, TargetID: 1, CommandID: 0x01, InstanceID: 1}

func batHandler(cmd *ssh.Command, try int) sshtest.Reply {
	if cmd.Category == ssam.CategoryBAT && cmd.CommandID == 0x01 {
		return sshtest.Reply{Payload: ssamtest.U32(0x1f)}
	}
	return sshtest.Reply{NoResponse: true}
}

func TestControllerStart(t *testing.T) {
	c, ec := ssamtest.Start(t, batHandler)
	require.Equal(t, ssam.StateRunning, c.State())
	require.Equal(t, ssamtest.FirmwareVersion, c.FirmwareVersion())
	require.Equal(t, "5.26.3", c.FirmwareVersion().String())
	require.Equal(t, 1, ec.Count(ssam.CategorySAM, 0x13))

	sta, err := rqstBatSTA.GetU32(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, uint32(0x1f), sta)

	require.ErrorIs(t, c.Start(context.Background()), ssam.ErrInvalidState)
}

func TestControllerStartFailure(t *testing.T) {
	ec := sshtest.New(func(cmd *ssh.Command, try int) sshtest.Reply {
		return sshtest.Reply{NoResponse: true}
	})
	c := ssam.NewController(ec, ssam.Options{Timeout: 20 * time.Millisecond, AckTimeout: 20 * time.Millisecond, Tries: 1})
	err := c.Start(context.Background())
	require.ErrorIs(t, err, ssam.ErrTimeout)
	require.Equal(t, ssam.StateError, c.State())
	_, err = c.Bind("battery")
	require.ErrorIs(t, err, ssam.ErrTimeout)
	require.NoError(t, c.Stop(context.Background(), false))
	require.Equal(t, ssam.StateStopped, c.State())
}

func TestControllerNotReady(t *testing.T) {
	ec := sshtest.New(ssamtest.Handler(nil))
	defer ec.Close()
	c := ssam.NewController(ec, ssamtest.Options)
	require.Equal(t, ssam.StateUninitialized, c.State())

	_, err := c.Bind("battery")
	require.ErrorIs(t, err, ssam.ErrNotReady)
	_, err = rqstBatSTA.GetU32(context.Background(), c)
	require.ErrorIs(t, err, ssam.ErrNotReady)
	var rerr *ssam.RequestError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, ssam.CategoryBAT, rerr.Category)
	require.Equal(t, byte(0x01), rerr.CommandID)
	require.ErrorIs(t, c.Suspend(context.Background()), ssam.ErrInvalidState)
}

func TestControllerSuspendResume(t *testing.T) {
	received := make(chan struct{}, 1)
	ec := sshtest.New(ssamtest.Handler(func(cmd *ssh.Command, try int) sshtest.Reply {
		if cmd.Category == ssam.CategoryBAT && cmd.CommandID == 0x03 {
			select {
			case received <- struct{}{}:
			default:
			}
			return sshtest.Reply{NoResponse: true}
		}
		return batHandler(cmd, try)
	}))
	c := ssam.NewController(ec, ssam.Options{Timeout: time.Minute, AckTimeout: 50 * time.Millisecond})
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop(context.Background(), true)

	const count = 3
	errCh := make(chan error, count)
	for i := 0; i < count; i++ {
		go func() {
			_, err := c.Submit(context.Background(), &ssam.Request{
				Category: ssam.CategoryBAT, TargetID: 1, CommandID: 0x03, InstanceID: 1,
				Flags: ssam.FlagHasResponse,
			}, make([]byte, 16))
			errCh <- err
		}()
	}
	<-received
	require.Eventually(t, func() bool { return c.Mux.Pending() == count }, time.Second, time.Millisecond)

	require.NoError(t, c.Suspend(context.Background()))
	require.Equal(t, ssam.StateSuspended, c.State())
	for i := 0; i < count; i++ {
		require.ErrorIs(t, <-errCh, ssam.ErrSuspended)
	}
	require.Zero(t, c.Mux.Pending())
	require.Equal(t, 1, ec.Count(ssam.CategorySAM, ssam.RqstDisplayOff.CommandID))
	require.Equal(t, 1, ec.Count(ssam.CategorySAM, ssam.RqstD0Exit.CommandID))

	_, err := rqstBatSTA.GetU32(context.Background(), c)
	require.ErrorIs(t, err, ssam.ErrSuspended)
	_, err = c.Bind("battery")
	require.ErrorIs(t, err, ssam.ErrSuspended)

	require.NoError(t, c.Resume(context.Background()))
	require.Equal(t, ssam.StateRunning, c.State())
	require.Equal(t, 1, ec.Count(ssam.CategorySAM, ssam.RqstD0Entry.CommandID))
	require.Equal(t, 1, ec.Count(ssam.CategorySAM, ssam.RqstDisplayOn.CommandID))
	sta, err := rqstBatSTA.GetU32(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, uint32(0x1f), sta)
	require.ErrorIs(t, c.Resume(context.Background()), ssam.ErrInvalidState)
}

func TestControllerNotifiers(t *testing.T) {
	c, ec := ssamtest.Start(t, nil)
	ctx := context.Background()

	var lock sync.Mutex
	var delivered []int
	done := make(chan struct{}, 2)
	newNotifier := func(prio int) *ssam.Notifier {
		return &ssam.Notifier{
			Registry: ssam.RegistrySAM,
			Event:    ssam.EventID{Category: ssam.CategoryBAT, Instance: 0},
			Flags:    ssam.EventSequenced,
			Priority: prio,
			Handler: ssam.HandleEventFunc(func(ctx context.Context, ev *ssam.Event) (ssam.NotifyResult, error) {
				lock.Lock()
				delivered = append(delivered, prio)
				lock.Unlock()
				done <- struct{}{}
				return ssam.Handled, nil
			}),
		}
	}
	n1, n2 := newNotifier(1), newNotifier(2)
	require.NoError(t, c.RegisterNotifier(ctx, n1))
	require.NoError(t, c.RegisterNotifier(ctx, n2))
	require.ErrorIs(t, c.RegisterNotifier(ctx, n2), ssam.ErrProtocolViolation)
	require.Equal(t, 2, c.EnabledEvents(ssam.RegistrySAM, n1.Event))
	require.Equal(t, 1, ec.Count(ssam.CategorySAM, ssam.RegistrySAM.CIDEnable))

	var enable *ssh.Command
	for _, cmd := range ec.Requests() {
		if cmd.Category == ssam.CategorySAM && cmd.CommandID == ssam.RegistrySAM.CIDEnable {
			enable = cmd
		}
	}
	require.NotNil(t, enable)
	require.Equal(t, []byte{ssam.CategoryBAT, byte(ssam.EventSequenced), ssam.CategoryBAT, 0, 0}, enable.Payload)

	ssamtest.SendEvent(ec, ssam.CategoryBAT, 0x17, 0, nil)
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
	lock.Lock()
	require.Equal(t, []int{2, 1}, delivered)
	lock.Unlock()

	require.NoError(t, c.UnregisterNotifier(ctx, n2))
	require.Zero(t, ec.Count(ssam.CategorySAM, ssam.RegistrySAM.CIDDisable))
	require.NoError(t, c.UnregisterNotifier(ctx, n1))
	require.Equal(t, 1, ec.Count(ssam.CategorySAM, ssam.RegistrySAM.CIDDisable))
	require.Zero(t, c.EnabledEvents(ssam.RegistrySAM, n1.Event))
	require.ErrorIs(t, c.UnregisterNotifier(ctx, n1), ssam.ErrProtocolViolation)
}

func TestControllerEnableEventFailure(t *testing.T) {
	c, _ := ssamtest.Start(t, nil)
	n := &ssam.Notifier{
		Registry: ssam.RegistryKIP,
		Event:    ssam.EventID{Category: ssam.CategoryHID, Instance: 1},
		Handler: ssam.HandleEventFunc(func(ctx context.Context, ev *ssam.Event) (ssam.NotifyResult, error) {
			return ssam.Handled, nil
		}),
	}
	err := c.RegisterNotifier(context.Background(), n)
	require.ErrorIs(t, err, ssam.ErrTimeout)
	require.Empty(t, c.Dispatcher.Notifiers())
	require.Zero(t, c.EnabledEvents(ssam.RegistryKIP, n.Event))
}

func TestControllerDuplicatedEvents(t *testing.T) {
	c, ec := ssamtest.Start(t, nil)
	delivered := make(chan byte, 8)
	require.NoError(t, c.RegisterNotifier(context.Background(), &ssam.Notifier{
		Registry: ssam.RegistrySAM,
		Event:    ssam.EventID{Category: ssam.CategoryBAT, Instance: 1},
		Mask:     ssam.MaskStrict,
		Handler: ssam.HandleEventFunc(func(ctx context.Context, ev *ssam.Event) (ssam.NotifyResult, error) {
			delivered <- ev.CommandID
			return ssam.Handled, nil
		}),
	}))
	ev := &ssh.Event{Category: ssam.CategoryBAT, CommandID: 0x16, InstanceID: 1, Channel: 1}
	ec.SendEventWithSeq(ev, 0x40)
	ec.SendEventWithSeq(ev, 0x40)
	ec.SendEventWithSeq(&ssh.Event{Category: ssam.CategoryBAT, CommandID: 0x15, InstanceID: 1, Channel: 1}, 0x41)

	var got []byte
	for len(got) < 2 {
		select {
		case cid := <-delivered:
			got = append(got, cid)
		case <-time.After(time.Second):
			t.Fatalf("timeout, delivered %v", got)
		}
	}
	require.Equal(t, []byte{0x16, 0x15}, got)
	require.Equal(t, uint64(1), c.Dispatcher.Duplicates())
}

func TestControllerEventsAfterSeqWrap(t *testing.T) {
	c, ec := ssamtest.Start(t, batHandler)
	delivered := make(chan ssh.Seq, 8)
	require.NoError(t, c.RegisterNotifier(context.Background(), &ssam.Notifier{
		Registry: ssam.RegistrySAM,
		Event:    ssam.EventID{Category: ssam.CategoryBAT, Instance: 1},
		Flags:    ssam.EventSequenced,
		Mask:     ssam.MaskStrict,
		Handler: ssam.HandleEventFunc(func(ctx context.Context, ev *ssam.Event) (ssam.NotifyResult, error) {
			delivered <- ev.Seq
			return ssam.Handled, nil
		}),
	}))
	waitEvent := func() ssh.Seq {
		select {
		case seq := <-delivered:
			return seq
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
		return 0
	}

	first := ssamtest.SendEvent(ec, ssam.CategoryBAT, 0x16, 1, nil)
	require.Equal(t, first, waitEvent())
	// responses share the sequence counter of the controller.
	for i := 0; i < 255; i++ {
		_, err := rqstBatSTA.GetU32(context.Background(), c)
		require.NoError(t, err)
	}
	second := ssamtest.SendEvent(ec, ssam.CategoryBAT, 0x16, 1, nil)
	require.Equal(t, first, second)
	require.Equal(t, second, waitEvent())
	require.Zero(t, c.Dispatcher.Duplicates())
}

func TestControllerRegisterNotifierEventRange(t *testing.T) {
	c, ec := ssamtest.Start(t, batHandler)
	testCases := []struct {
		name     string
		category byte
	}{
		{"category above event range", ssam.CategoryREG},
		{"category zero", 0},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			n := &ssam.Notifier{
				Registry: ssam.RegistrySAM,
				Event:    ssam.EventID{Category: tc.category},
				Flags:    ssam.EventSequenced,
				Handler: ssam.HandleEventFunc(func(ctx context.Context, ev *ssam.Event) (ssam.NotifyResult, error) {
					return ssam.Handled, nil
				}),
			}
			err := c.RegisterNotifier(context.Background(), n)
			require.ErrorIs(t, err, ssam.ErrProtocolViolation)
			require.Empty(t, c.Dispatcher.Notifiers())
			require.Zero(t, c.EnabledEvents(ssam.RegistrySAM, n.Event))
		})
	}
	require.Zero(t, ec.Count(ssam.CategorySAM, ssam.RegistrySAM.CIDEnable))

	// the highest category in range is accepted.
	require.NoError(t, ssam.EventID{Category: ssam.CategoryKPD}.Validate())
}

func TestControllerLinkFailure(t *testing.T) {
	c, ec := ssamtest.Start(t, batHandler)
	ec.Close()
	require.Eventually(t, func() bool { return c.State() == ssam.StateError }, time.Second, time.Millisecond)
	require.ErrorIs(t, c.Err(), ssam.ErrTransport)
	_, err := rqstBatSTA.GetU32(context.Background(), c)
	require.ErrorIs(t, err, ssam.ErrTransport)
	require.NoError(t, c.Stop(context.Background(), false))
	require.Equal(t, ssam.StateStopped, c.State())
}

func TestControllerStop(t *testing.T) {
	c, ec := ssamtest.Start(t, batHandler)
	ctx := context.Background()
	cl, err := c.Bind("battery")
	require.NoError(t, err)
	require.Equal(t, 1, c.Clients())
	require.NoError(t, cl.RegisterNotifier(ctx, &ssam.Notifier{
		Registry: ssam.RegistrySAM,
		Event:    ssam.EventID{Category: ssam.CategoryBAT, Instance: 1},
		Handler: ssam.HandleEventFunc(func(ctx context.Context, ev *ssam.Event) (ssam.NotifyResult, error) {
			return ssam.Handled, nil
		}),
	}))

	require.ErrorIs(t, c.Stop(ctx, false), ssam.ErrBusy)
	require.Equal(t, ssam.StateRunning, c.State())

	require.NoError(t, cl.Unbind())
	require.ErrorIs(t, cl.Unbind(), ssam.ErrProtocolViolation)
	require.Zero(t, c.Clients())
	_, err = cl.Submit(ctx, rqstBatSTA.Request(nil), nil)
	require.ErrorIs(t, err, ssam.ErrProtocolViolation)

	require.NoError(t, c.Stop(ctx, false))
	require.Equal(t, ssam.StateStopped, c.State())
	require.Empty(t, c.Dispatcher.Notifiers())
	require.Equal(t, 1, ec.Count(ssam.CategorySAM, ssam.RegistrySAM.CIDDisable))
	_, err = rqstBatSTA.GetU32(ctx, c)
	require.ErrorIs(t, err, ssam.ErrShutdown)
	require.NoError(t, c.Stop(ctx, false))
}

func TestControllerRun(t *testing.T) {
	ec := sshtest.New(ssamtest.Handler(batHandler))
	c := ssam.NewController(ec, ssamtest.Options)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	require.Eventually(t, func() bool { return c.State() == ssam.StateRunning }, time.Second, time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.Equal(t, ssam.StateStopped, c.State())
}

func TestSharedController(t *testing.T) {
	defer ssam.Set(nil)
	_, err := ssam.Get()
	require.ErrorIs(t, err, ssam.ErrNotReady)
	_, err = ssam.Bind("thermal")
	require.ErrorIs(t, err, ssam.ErrNotReady)

	c, _ := ssamtest.Start(t, nil)
	require.NoError(t, ssam.Set(c))
	require.NoError(t, ssam.Set(c))
	require.ErrorIs(t, ssam.Set(ssam.NewController(sshtest.New(nil), ssamtest.Options)), ssam.ErrBusy)

	cl, err := ssam.Bind("thermal")
	require.NoError(t, err)
	require.Same(t, c, cl.Controller())
	require.Equal(t, "thermal", cl.Selector())
	require.NoError(t, cl.Unbind())
}

func TestRequestSpec(t *testing.T) {
	c, _ := ssamtest.Start(t, func(cmd *ssh.Command, try int) sshtest.Reply {
		switch cmd.CommandID {
		case 0x01:
			return sshtest.Reply{Payload: []byte{1, 2}}
		case 0x02:
			return sshtest.Reply{Payload: []byte{3}}
		case 0x04:
			return sshtest.Reply{NoResponse: true}
		}
		return sshtest.Reply{Payload: []byte{0x34, 0x12}}
	})
	ctx := context.Background()
	spec := ssam.RequestSpec{Category: ssam.CategoryTMP, TargetID: 1}

	_, err := spec.WithInstance(1).GetU32(ctx, c)
	require.ErrorIs(t, err, ssam.ErrProtocolViolation)

	status := spec
	status.CommandID = 0x02
	var serr *ssam.StatusError
	require.ErrorAs(t, status.GetStatus(ctx, c, nil), &serr)
	require.Equal(t, byte(3), serr.Status)

	set := spec
	set.CommandID = 0x04
	require.NoError(t, set.SetU32(ctx, c, 42))

	get := spec
	get.CommandID = 0x05
	v, err := get.GetU16(ctx, c)
	require.NoError(t, err)
	require.Equal(t, uint16(0x1234), v)
}
