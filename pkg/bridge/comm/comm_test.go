package comm

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robotalks/ssam.go/pkg/bridge/msgs"
	fx "github.com/robotalks/ssam.go/pkg/framework"
	"github.com/robotalks/ssam.go/pkg/ssam"
	"github.com/robotalks/ssam.go/pkg/ssam/ssamtest"
	"github.com/robotalks/ssam.go/pkg/ssh"
	"github.com/robotalks/ssam.go/pkg/ssh/sshtest"
)

type packetEnd struct {
	in        chan []byte
	out       chan []byte
	done      chan struct{}
	closeOnce *sync.Once
}

func packetPipe() (*packetEnd, *packetEnd) {
	a, b := make(chan []byte, 16), make(chan []byte, 16)
	done, once := make(chan struct{}), &sync.Once{}
	return &packetEnd{in: a, out: b, done: done, closeOnce: once},
		&packetEnd{in: b, out: a, done: done, closeOnce: once}
}

func (p *packetEnd) ReadPacket() ([]byte, error) {
	select {
	case pkt := <-p.in:
		return pkt, nil
	case <-p.done:
		return nil, io.EOF
	}
}

func (p *packetEnd) WritePacket(pkt []byte) error {
	select {
	case p.out <- pkt:
		return nil
	case <-p.done:
		return io.ErrClosedPipe
	}
}

func (p *packetEnd) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}

func battery(cmd *ssh.Command, try int) sshtest.Reply {
	switch {
	case cmd.Category != ssam.CategoryBAT:
	case cmd.CommandID == 0x01:
		return sshtest.Reply{Payload: ssamtest.U32(0x1f)}
	case cmd.CommandID == 0x02:
		return sshtest.Reply{Payload: make([]byte, 119)}
	}
	return sshtest.Reply{NoResponse: true}
}

type bridgeEnv struct {
	ec     *sshtest.Controller
	mux    *ServerMux
	conn   *Conn
	events chan *ssam.Event
}

func newBridgeEnv(t *testing.T) *bridgeEnv {
	c, ec := ssamtest.Start(t, battery)
	c.Mux.Tries = 1
	env := &bridgeEnv{
		ec:     ec,
		mux:    NewServerMux(c),
		events: make(chan *ssam.Event, 4),
	}
	hubEnd, connEnd := packetPipe()
	env.conn = NewConn(connEnd)
	env.conn.HandleEvents(fx.HandleMessageFunc(func(_ context.Context, msg fx.Message) {
		env.events <- msg.(*ssam.Event)
	}))
	ctx, cancel := context.WithCancel(context.Background())
	serveErr, connErr := make(chan error, 1), make(chan error, 1)
	go func() { serveErr <- env.mux.Serve(ctx, hubEnd) }()
	go func() { connErr <- env.conn.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-serveErr
		<-connErr
	})
	require.Eventually(t, func() bool { return env.mux.Len() == 1 }, time.Second, time.Millisecond)
	return env
}

func TestConnSubmit(t *testing.T) {
	env := newBridgeEnv(t)
	rqst := func(cid byte) *ssam.Request {
		return &ssam.Request{Category: ssam.CategoryBAT, TargetID: 1, CommandID: cid, InstanceID: 1,
			Flags: ssam.FlagHasResponse}
	}
	testCases := []struct {
		name    string
		request *ssam.Request
		bufLen  int
		expect  int
		err     error
	}{
		{name: "STA", request: rqst(0x01), bufLen: 4, expect: 4},
		{name: "BIX", request: rqst(0x02), bufLen: 128, expect: 119},
		{name: "buffer too small", request: rqst(0x02), bufLen: 16, err: ssam.ErrBufferTooSmall},
		{name: "timeout", request: rqst(0x03), bufLen: 16, err: ssam.ErrTimeout},
		{
			name:    "no response",
			request: &ssam.Request{Category: ssam.CategoryBAT, TargetID: 1, CommandID: 0x04, InstanceID: 1},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			n, err := env.conn.Submit(context.Background(), tc.request, make([]byte, tc.bufLen))
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expect, n)
		})
	}
	require.Zero(t, env.conn.Pending())
}

func TestServerUnknownCommand(t *testing.T) {
	c, _ := ssamtest.Start(t, battery)
	hubEnd, remote := packetPipe()
	s := NewServer(hubEnd, c)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	pkt, err := (&msgs.Typed{TypeID: msgs.GroupSSAM | 0x0077, Sequence: 3, Client: "me"}).Encode()
	require.NoError(t, err)
	require.NoError(t, remote.WritePacket(pkt))
	pkt, err = remote.ReadPacket()
	require.NoError(t, err)
	typed, err := msgs.DecodeTyped(pkt)
	require.NoError(t, err)
	require.Equal(t, uint32(3), typed.Sequence)
	require.Equal(t, "me", typed.Client)
	msg, err := typed.Decode()
	require.NoError(t, err)
	cmdErr, ok := msg.(*msgs.CommandErr)
	require.True(t, ok)
	require.Equal(t, msgs.CodeUnknown, cmdErr.Code)

	// replies received by the server are ignored.
	typed, err = msgs.TypedFrom(&msgs.Response{})
	require.NoError(t, err)
	pkt, err = typed.Encode()
	require.NoError(t, err)
	require.NoError(t, remote.WritePacket(pkt))
	typed, err = msgs.TypedFrom(msgs.NewRequest(&ssam.Request{Category: ssam.CategoryBAT, TargetID: 1,
		CommandID: 0x01, InstanceID: 1, Flags: ssam.FlagHasResponse}, 4))
	require.NoError(t, err)
	typed.Sequence = 4
	pkt, err = typed.Encode()
	require.NoError(t, err)
	require.NoError(t, remote.WritePacket(pkt))
	pkt, err = remote.ReadPacket()
	require.NoError(t, err)
	typed, err = msgs.DecodeTyped(pkt)
	require.NoError(t, err)
	require.Equal(t, uint32(4), typed.Sequence)
	require.Equal(t, msgs.ResponseTypeID, typed.TypeID)
}

func TestConnCancel(t *testing.T) {
	env := newBridgeEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := env.conn.Submit(ctx, &ssam.Request{Category: ssam.CategoryBAT, TargetID: 1, CommandID: 0x03,
		InstanceID: 1, Flags: ssam.FlagHasResponse}, make([]byte, 16))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Zero(t, env.conn.Pending())
}

func TestConnExpiration(t *testing.T) {
	_, connEnd := packetPipe()
	conn := NewConn(connEnd)
	conn.Expiration = 20 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Run(ctx)
	f := conn.DoCommand(&msgs.Request{})
	res := <-f.ResultChan()
	require.ErrorIs(t, res.Err, ssam.ErrTimeout)
	require.Zero(t, conn.Pending())
}

func TestConnClosed(t *testing.T) {
	hubEnd, connEnd := packetPipe()
	conn := NewConn(connEnd)
	done := make(chan error, 1)
	go func() { done <- conn.Run(context.Background()) }()
	hubEnd.Close()
	require.ErrorIs(t, <-done, io.EOF)
	_, err := conn.Submit(context.Background(), &ssam.Request{}, nil)
	require.ErrorIs(t, err, ErrClosed)
}

func TestServerEvents(t *testing.T) {
	env := newBridgeEnv(t)
	res, err := env.mux.HandleEvent(context.Background(), &ssam.Event{
		Category: ssam.CategoryBAT, CommandID: 0x16, InstanceID: 1, Channel: 1, Payload: []byte{1},
	})
	require.NoError(t, err)
	require.Zero(t, res)
	select {
	case ev := <-env.events:
		require.Equal(t, ssam.CategoryBAT, ev.Category)
		require.Equal(t, byte(0x16), ev.CommandID)
		require.Equal(t, []byte{1}, ev.Payload)
	case <-time.After(time.Second):
		t.Fatal("event not forwarded")
	}
}
