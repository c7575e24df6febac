package comm

import (
	"context"
	"sync"

	"github.com/golang/glog"

	"github.com/robotalks/ssam.go/pkg/bridge/msgs"
	fx "github.com/robotalks/ssam.go/pkg/framework"
	"github.com/robotalks/ssam.go/pkg/ssam"
	"github.com/robotalks/ssam.go/pkg/ssh"
)

// Server serves requests received from a Pipe using a Submitter and
// forwards events to the remote side.
type Server struct {
	Submitter ssam.Submitter

	pipe     Pipe
	inflight sync.WaitGroup
}

// NewServer creates a Server.
func NewServer(rw PacketReadWriter, sub ssam.Submitter) *Server {
	s := &Server{Submitter: sub}
	s.pipe.ReadWriter = rw
	s.pipe.Handler = msgs.HandleTypedMsgFunc(s.handleTypedMsg)
	return s
}

// SendEvent forwards an event.
func (s *Server) SendEvent(ev *ssam.Event) error {
	return s.pipe.SendEventMsg(msgs.NewEvent(ev))
}

// Run implements Runnable.
func (s *Server) Run(ctx context.Context) error {
	err := s.pipe.Run(ctx)
	s.inflight.Wait()
	return err
}

// Close implements io.Closer.
func (s *Server) Close() error {
	return s.pipe.Close()
}

func (s *Server) handleTypedMsg(ctx context.Context, msg fx.Message, typed *msgs.Typed) error {
	if !typed.IsCommand() || typed.IsReply() {
		return nil
	}
	rqst, ok := msg.(*msgs.Request)
	if !ok {
		return s.pipe.SendReply(msgs.NewCommandErr(msgs.ErrUnsupportedCommand), typed)
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		s.serve(ctx, rqst, typed)
	}()
	return nil
}

func (s *Server) serve(ctx context.Context, rqst *msgs.Request, typed *msgs.Typed) {
	r := rqst.ToRequest()
	var reply fx.Message
	var buf []byte
	if r.Flags&ssam.FlagHasResponse != 0 {
		size := int(rqst.BufferSize)
		if size <= 0 || size > ssh.MaxCommandPayload {
			size = ssh.MaxCommandPayload
		}
		buf = make([]byte, size)
	}
	n, err := s.Submitter.Submit(ctx, r, buf)
	if err != nil {
		glog.V(2).Infof("remote request %s failed: %v", r, err)
		reply = msgs.NewCommandErr(err)
	} else {
		reply = &msgs.Response{Payload: buf[:n]}
	}
	if err := s.pipe.SendReply(reply, typed); err != nil {
		glog.Warningf("reply request %s failed: %v", r, err)
	}
}

// ServerMux serves multiple connections and broadcasts events to all of them.
type ServerMux struct {
	Submitter ssam.Submitter

	lock    sync.RWMutex
	servers map[*Server]struct{}
}

// NewServerMux creates a ServerMux.
func NewServerMux(sub ssam.Submitter) *ServerMux {
	return &ServerMux{Submitter: sub, servers: make(map[*Server]struct{})}
}

// Add adds a server.
func (m *ServerMux) Add(s *Server) {
	m.lock.Lock()
	m.servers[s] = struct{}{}
	m.lock.Unlock()
}

// Remove removes a server.
func (m *ServerMux) Remove(s *Server) {
	m.lock.Lock()
	delete(m.servers, s)
	m.lock.Unlock()
}

// Len returns the number of servers.
func (m *ServerMux) Len() int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return len(m.servers)
}

// Serve serves a connection until it's closed or ctx is canceled.
func (m *ServerMux) Serve(ctx context.Context, rw PacketReadWriter) error {
	s := NewServer(rw, m.Submitter)
	m.Add(s)
	defer m.Remove(s)
	return s.Run(ctx)
}

// SendEvent forwards an event to all servers.
func (m *ServerMux) SendEvent(ev *ssam.Event) error {
	m.lock.RLock()
	servers := make([]*Server, 0, len(m.servers))
	for s := range m.servers {
		servers = append(servers, s)
	}
	m.lock.RUnlock()
	var errs fx.AggregatedError
	for _, s := range servers {
		errs.Add(s.SendEvent(ev))
	}
	return errs.Aggregate()
}

// HandleEvent implements ssam.EventHandler. Events are forwarded without
// being consumed, so handlers in lower priority tiers still see them.
func (m *ServerMux) HandleEvent(ctx context.Context, ev *ssam.Event) (ssam.NotifyResult, error) {
	return 0, m.SendEvent(ev)
}
