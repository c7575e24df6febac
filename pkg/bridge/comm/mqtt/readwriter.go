package mqtt

import (
	"context"
	"io"
	"sync"

	"github.com/robotalks/ssam.go/pkg/bridge"
)

// Topic kinds under the hub name.
const (
	TopicMeta     = "meta"
	TopicEvent    = "event"
	TopicRequest  = "rqst"
	TopicResponse = "resp"
)

// Topic returns the topic of kind for the hub.
func Topic(ref bridge.HubRef, kind string) string {
	return ref.Name() + "/" + kind
}

// ReadWriter implements PacketReadWriter.
type ReadWriter struct {
	Queue     *Queue
	SubTopics []string
	PubTopic  string
	// EventTopic receives events, PubTopic is used if empty.
	EventTopic string

	packetCh  chan []byte
	doneCh    chan struct{}
	closeOnce sync.Once
}

// NewPacketReadWriter creates the ReadWriter.
func NewPacketReadWriter(q *Queue) *ReadWriter {
	return &ReadWriter{
		Queue:    q,
		packetCh: make(chan []byte, 16),
		doneCh:   make(chan struct{}),
	}
}

// WithTopics specifies the topics.
func (p *ReadWriter) WithTopics(pub string, subs ...string) *ReadWriter {
	p.PubTopic, p.SubTopics = pub, subs
	return p
}

// ForConnector sets topics used by a remote connection:
// SubTopics = hub/resp, hub/event
// PubTopic = hub/rqst
func (p *ReadWriter) ForConnector(ref bridge.HubRef) *ReadWriter {
	return p.WithTopics(Topic(ref, TopicRequest), Topic(ref, TopicResponse), Topic(ref, TopicEvent))
}

// ForHub sets topics used by the hub:
// SubTopics = hub/rqst
// PubTopic = hub/resp
// EventTopic = hub/event
func (p *ReadWriter) ForHub(ref bridge.HubRef) *ReadWriter {
	p.WithTopics(Topic(ref, TopicResponse), Topic(ref, TopicRequest))
	p.EventTopic = Topic(ref, TopicEvent)
	return p
}

// ReadPacket implements PacketReader.
func (p *ReadWriter) ReadPacket() ([]byte, error) {
	select {
	case pkt := <-p.packetCh:
		return pkt, nil
	case <-p.doneCh:
		return nil, io.EOF
	}
}

// WritePacket implements PacketWriter.
func (p *ReadWriter) WritePacket(pkt []byte) error {
	return p.publish(p.PubTopic, pkt)
}

// WriteEventPacket implements EventWriter.
func (p *ReadWriter) WriteEventPacket(pkt []byte) error {
	if p.EventTopic == "" {
		return p.WritePacket(pkt)
	}
	return p.publish(p.EventTopic, pkt)
}

func (p *ReadWriter) publish(topic string, pkt []byte) error {
	token := p.Queue.Pub(topic, pkt)
	token.Wait()
	return token.Error()
}

// Run implements Runnable.
func (p *ReadWriter) Run(ctx context.Context) error {
	for _, topic := range p.SubTopics {
		sub := p.Queue.Sub(topic, Handler(p.handleMsg))
		defer sub.Close()
	}
	<-ctx.Done()
	return ctx.Err()
}

// Close implements io.Closer.
func (p *ReadWriter) Close() error {
	p.closeOnce.Do(func() {
		close(p.doneCh)
	})
	return nil
}

func (p *ReadWriter) handleMsg(_ string, payload []byte) {
	select {
	case p.packetCh <- payload:
	case <-p.doneCh:
	}
}
