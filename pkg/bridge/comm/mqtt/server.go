package mqtt

import (
	"context"
	"encoding/json"
	"time"

	"github.com/robotalks/ssam.go/pkg/bridge"
	"github.com/robotalks/ssam.go/pkg/bridge/comm"
)

// offlineTimeout limits the time publishing the offline state on exit.
const offlineTimeout = time.Second

// Server publishes a hub on MQTT.
type Server struct {
	Queue *Queue
	Info  bridge.HubInfo

	metaJSON []byte
	mux      *comm.ServerMux
	server   *comm.Server
}

// NewServer creates a Server serving requests using mux.Submitter and
// receiving events broadcast by mux.
func NewServer(brokerURL string, info bridge.HubInfo, mux *comm.ServerMux) (*Server, error) {
	meta, err := json.Marshal(&info.Meta)
	if err != nil {
		return nil, err
	}
	opts, topicPrefix, err := ClientOptionsFromURL(brokerURL)
	if err != nil {
		return nil, err
	}
	opts.SetBinaryWill(topicPrefix+Topic(info.Ref, TopicMeta), nil, 1, true)
	if opts.ClientID == "" {
		opts.SetClientID("ssam:" + info.Ref.Name())
	}
	s := &Server{
		Queue:    NewQueue(opts, topicPrefix),
		Info:     info,
		metaJSON: meta,
		mux:      mux,
	}
	s.Queue.OnConnect = func(*Queue) { s.onConnected() }
	s.server = comm.NewServer(NewPacketReadWriter(s.Queue).ForHub(info.Ref), mux.Submitter)
	return s, nil
}

// Name implements Named.
func (s *Server) Name() string {
	return "mqtt"
}

// Run implements Runnable.
func (s *Server) Run(ctx context.Context) error {
	s.Queue.Connect()
	s.mux.Add(s.server)
	err := s.server.Run(ctx)
	s.mux.Remove(s.server)
	s.Queue.PubWith(Topic(s.Info.Ref, TopicMeta), nil, 1, true).WaitTimeout(offlineTimeout)
	s.Queue.Close()
	return err
}

func (s *Server) onConnected() {
	s.Queue.PubWith(Topic(s.Info.Ref, TopicMeta), s.metaJSON, 1, true)
}
