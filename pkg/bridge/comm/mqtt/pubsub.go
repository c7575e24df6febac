// Package mqtt runs the bridge over an MQTT broker.
//
// A hub named TYPE/ID publishes its metadata (retained) on TYPE/ID/meta,
// events on TYPE/ID/event and replies on TYPE/ID/resp. It receives
// requests on TYPE/ID/rqst. Topics are prefixed by the path of the broker URL.
package mqtt

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang/glog"
)

// Handler is the callback when a message is received. The topic has the
// prefix of the queue trimmed.
type Handler func(topic string, payload []byte)

// ConnectHandler is to handle connect/disconnect events.
type ConnectHandler func(*Queue)

// Queue wraps an MQTT client, scoping all topics under TopicPrefix and
// sharing one broker subscription among handlers of the same filter.
type Queue struct {
	Client       paho.Client
	TopicPrefix  string
	QoS          byte
	OnConnect    ConnectHandler
	OnDisconnect ConnectHandler

	routes routes
}

// Subscription is a handler subscribed to a topic filter.
type Subscription struct {
	// Token is set when the filter is subscribed on the broker.
	Token paho.Token

	queue   *Queue
	topic   string
	handler Handler
}

// ClientOptionsFromURL creates ClientOptions from a broker URL:
//
//	mqtt[s]://[user[:password]@]host:port/topic-prefix/?client-id=ID&keepalive=30s
//
// Other schemes (e.g. ws) are passed to paho as is.
func ClientOptionsFromURL(serverURL string) (*paho.ClientOptions, string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, "", err
	}
	scheme := u.Scheme
	switch scheme {
	case "", "mqtt":
		scheme = "tcp"
	case "mqtts":
		scheme = "ssl"
	}

	opts := paho.NewClientOptions().
		AddBroker(scheme + "://" + u.Host).
		SetAutoReconnect(true).
		SetCleanSession(true)
	if u.User != nil {
		opts.SetUsername(u.User.Username())
		if pwd, ok := u.User.Password(); ok {
			opts.SetPassword(pwd)
		}
	}
	query := u.Query()
	if clientID := query.Get("client-id"); clientID != "" {
		opts.SetClientID(clientID)
	}
	if val := query.Get("keepalive"); val != "" {
		keepAlive, err := time.ParseDuration(val)
		if err != nil {
			return nil, "", fmt.Errorf("invalid keepalive %q: %w", val, err)
		}
		opts.SetKeepAlive(keepAlive)
	}
	return opts, strings.TrimPrefix(u.Path, "/"), nil
}

// NewQueue creates Queue.
func NewQueue(options *paho.ClientOptions, topicPrefix string) *Queue {
	q := &Queue{TopicPrefix: topicPrefix}
	options.SetOnConnectHandler(q.OnConnectHandler)
	options.SetConnectionLostHandler(q.ConnectionLostHandler)
	q.Client = paho.NewClient(options)
	return q
}

// NewQueueFromURL creates Queue from URL.
func NewQueueFromURL(brokerURL string) (*Queue, error) {
	opts, topicPrefix, err := ClientOptionsFromURL(brokerURL)
	if err != nil {
		return nil, err
	}
	return NewQueue(opts, topicPrefix), nil
}

// Connect connects the client.
func (q *Queue) Connect() paho.Token {
	return q.Client.Connect()
}

// Close implements io.Closer.
func (q *Queue) Close() error {
	q.Client.Disconnect(0)
	return nil
}

// Sub adds a handler to a topic filter. The filter is subscribed on the
// broker with the first handler.
func (q *Queue) Sub(topic string, handler Handler) *Subscription {
	sub := &Subscription{queue: q, topic: topic, handler: handler}
	if q.routes.add(sub) {
		glog.V(2).Infof("SUB %q", q.TopicPrefix+topic)
		sub.Token = q.Client.Subscribe(q.TopicPrefix+topic, q.QoS, q.dispatch)
	}
	return sub
}

// Pub publishes to a topic.
func (q *Queue) Pub(topic string, payload []byte) paho.Token {
	return q.PubWith(topic, payload, q.QoS, false)
}

// PubWith publishes with QoS and retain settings.
func (q *Queue) PubWith(topic string, payload []byte, qos byte, retain bool) paho.Token {
	return q.Client.Publish(q.TopicPrefix+topic, qos, retain, payload)
}

// Resubscribe subscribes all filters again, as the session is clean on
// reconnect.
func (q *Queue) Resubscribe() paho.Token {
	topics := q.routes.topics()
	if len(topics) == 0 {
		return &paho.DummyToken{}
	}
	filters := make(map[string]byte, len(topics))
	for _, topic := range topics {
		glog.V(2).Infof("SUB %q", q.TopicPrefix+topic)
		filters[q.TopicPrefix+topic] = q.QoS
	}
	return q.Client.SubscribeMultiple(filters, q.dispatch)
}

// OnConnectHandler is the default implementation of paho.OnConnectHandler.
func (q *Queue) OnConnectHandler(paho.Client) {
	glog.Infof("connected to broker, prefix %q", q.TopicPrefix)
	q.Resubscribe()
	if h := q.OnConnect; h != nil {
		h(q)
	}
}

// ConnectionLostHandler is the default implementation of paho.ConnectLostHandler.
func (q *Queue) ConnectionLostHandler(c paho.Client, err error) {
	glog.Warningf("connection lost: %v", err)
	if h := q.OnDisconnect; h != nil {
		h(q)
	}
}

func (q *Queue) dispatch(c paho.Client, msg paho.Message) {
	topic := msg.Topic()
	if !strings.HasPrefix(topic, q.TopicPrefix) {
		return
	}
	glog.V(2).Infof("RCV %q", topic)
	topic = topic[len(q.TopicPrefix):]
	payload := msg.Payload()
	for _, h := range q.routes.match(topic) {
		h(topic, payload)
	}
}

// Close removes the handler, unsubscribing the filter on the broker when it
// was the last one.
func (s *Subscription) Close() error {
	if !s.queue.routes.remove(s) {
		return nil
	}
	glog.V(2).Infof("UNSUB %q", s.queue.TopicPrefix+s.topic)
	token := s.queue.Client.Unsubscribe(s.queue.TopicPrefix + s.topic)
	token.Wait()
	return token.Error()
}
