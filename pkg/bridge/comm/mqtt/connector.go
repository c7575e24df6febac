package mqtt

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/robotalks/ssam.go/pkg/bridge"
	"github.com/robotalks/ssam.go/pkg/bridge/comm"
)

// Connector implements bridge.Connector using MQTT.
type Connector struct {
	DiscoverTimeout time.Duration

	options     *paho.ClientOptions
	topicPrefix string
}

// DefaultDiscoverTimeout defines the default timeout value of discovery.
const DefaultDiscoverTimeout = 500 * time.Millisecond

// NewConnector creates a Connector.
func NewConnector(brokerURL string) (*Connector, error) {
	opts, topicPrefix, err := ClientOptionsFromURL(brokerURL)
	if err != nil {
		return nil, err
	}
	return &Connector{
		DiscoverTimeout: DefaultDiscoverTimeout,
		options:         opts,
		topicPrefix:     topicPrefix,
	}, nil
}

// ParseMeta decodes the retained metadata published on topic.
// An empty payload means the hub is offline.
func ParseMeta(topic string, payload []byte) (*bridge.HubInfo, bool) {
	items := strings.Split(topic, "/")
	if len(items) != 3 || items[2] != TopicMeta || len(payload) == 0 {
		return nil, false
	}
	info := &bridge.HubInfo{Ref: bridge.HubRef{Type: items[0], ID: items[1]}}
	if err := json.Unmarshal(payload, &info.Meta); err != nil {
		glog.Warningf("invalid meta of %s: %v", info.Ref.Name(), err)
	}
	return info, true
}

// Discover implements bridge.Connector.
func (c *Connector) Discover(ctx context.Context) (res []bridge.HubInfo, err error) {
	opts := *c.options
	q := NewQueue(&opts, c.topicPrefix)
	q.Connect()
	defer q.Close()
	resCh := make(chan bridge.HubInfo, 1)
	q.Sub("+/+/"+TopicMeta, Handler(func(topic string, payload []byte) {
		if info, ok := ParseMeta(topic, payload); ok {
			select {
			case resCh <- *info:
			case <-time.After(time.Second):
			}
		}
	}))

	dur := c.DiscoverTimeout
	if dur == 0 {
		dur = DefaultDiscoverTimeout
	}
	timeout := time.After(dur)
	for {
		select {
		case info := <-resCh:
			res = append(res, info)
		case <-timeout:
			return
		case <-ctx.Done():
			err = ctx.Err()
			return
		}
	}
}

// Connect implements bridge.Connector.
func (c *Connector) Connect(ctx context.Context, ref bridge.HubRef) (bridge.Conn, error) {
	opts := *c.options
	id := uuid.NewString()
	if opts.ClientID == "" {
		opts.SetClientID("ssam:" + id)
	}
	conn := &Conn{Queue: NewQueue(&opts, c.topicPrefix)}
	conn.Init(NewPacketReadWriter(conn.Queue).ForConnector(ref))
	conn.ID = id
	token := conn.Queue.Connect()
	connected := make(chan struct{})
	go func() {
		token.Wait()
		close(connected)
	}()
	select {
	case <-connected:
	case <-ctx.Done():
		conn.Queue.Close()
		return nil, ctx.Err()
	}
	if err := token.Error(); err != nil {
		return nil, err
	}
	return conn, nil
}

// Conn implements bridge.Conn using MQTT.
type Conn struct {
	comm.Conn
	Queue *Queue
}

// Run implements Runnable.
func (c *Conn) Run(ctx context.Context) error {
	defer c.Queue.Close()
	return c.Conn.Run(ctx)
}
