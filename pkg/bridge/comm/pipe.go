package comm

import (
	"context"
	"io"
	"sync"

	"github.com/golang/glog"

	"github.com/robotalks/ssam.go/pkg/bridge/msgs"
	fx "github.com/robotalks/ssam.go/pkg/framework"
)

// Pipe is a bi-directional pipe for messages.
type Pipe struct {
	ReadWriter PacketReadWriter
	Handler    msgs.TypedMsgHandler

	sendLock sync.Mutex
}

// NewPipe creates a Pipe with given PacketReadWriter.
func NewPipe(rw PacketReadWriter) *Pipe {
	return &Pipe{ReadWriter: rw}
}

// SendCommandMsg sends a message which must be a command or a reply.
func (p *Pipe) SendCommandMsg(msg fx.Message, seq uint32, client string) error {
	typed, err := msgs.TypedFrom(msg)
	if err != nil {
		panic(err)
	}
	if !typed.IsCommand() {
		panic("message is not a command")
	}
	typed.Sequence, typed.Client = seq, client
	return p.SendTyped(typed)
}

// SendReply replies a received command.
func (p *Pipe) SendReply(msg fx.Message, cmd *msgs.Typed) error {
	return p.SendCommandMsg(msg, cmd.Sequence, cmd.Client)
}

// SendEventMsg sends a message which must be an event.
func (p *Pipe) SendEventMsg(msg fx.Message) error {
	typed, err := msgs.TypedFrom(msg)
	if err != nil {
		panic(err)
	}
	if !typed.IsEvent() {
		panic("message is not an event")
	}
	return p.SendTyped(typed)
}

// SendTyped send a Typed message.
func (p *Pipe) SendTyped(typed *msgs.Typed) error {
	pkt, err := typed.Encode()
	if err != nil {
		return err
	}
	p.sendLock.Lock()
	defer p.sendLock.Unlock()
	if ew, ok := p.ReadWriter.(EventWriter); ok && typed.IsEvent() {
		return ew.WriteEventPacket(pkt)
	}
	return p.ReadWriter.WritePacket(pkt)
}

// Run implements Runnable. If the ReadWriter is Runnable, it runs
// together with the Pipe.
func (p *Pipe) Run(ctx context.Context) error {
	runner := fx.NewRunnerWith(ctx)
	if r, ok := p.ReadWriter.(fx.Runnable); ok {
		runner.Go(fx.NamedRun("packets", r))
	}
	err := fx.RunWithContextCloser(runner.Context, p, func() error {
		return p.receive(runner.Context)
	})
	runner.Stop()
	if werr := runner.Wait(); werr != nil && err == nil {
		err = werr
	}
	return err
}

func (p *Pipe) receive(ctx context.Context) error {
	for {
		pkt, err := p.ReadWriter.ReadPacket()
		if err != nil {
			return err
		}
		typed, err := msgs.DecodeTyped(pkt)
		if err != nil {
			return err
		}
		msg, err := typed.Decode()
		if err != nil {
			glog.Warningf("dropped message type=%x: %v", typed.TypeID, err)
			// If it's command, simply replies a CommandErr.
			if typed.IsCommand() && !typed.IsReply() {
				if err = p.SendReply(msgs.NewCommandErr(err), typed); err != nil {
					return err
				}
			}
			continue
		}
		if h := p.Handler; h != nil {
			err = h.HandleTypedMsg(ctx, msg, typed)
		}
		if err != nil {
			return err
		}
	}
}

// Close implements io.Closer.
func (p *Pipe) Close() error {
	if closer, ok := p.ReadWriter.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
