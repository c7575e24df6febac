package sh

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/abiosoft/ishell"

	"github.com/robotalks/ssam.go/pkg/bridge"
	"github.com/robotalks/ssam.go/pkg/env"
	fx "github.com/robotalks/ssam.go/pkg/framework"
	"github.com/robotalks/ssam.go/pkg/ssam"
	"github.com/robotalks/ssam.go/pkg/ssh"
)

// Shell provides ishell backed interactive shell.
type Shell struct {
	Interactive bool
	OutputJSON  bool
	AutoConnect bool

	Shell   *ishell.Shell
	Config  *env.Config
	Session *Session

	watchEvents int32
}

// Session is a running connection to a hub.
type Session struct {
	Ref    bridge.HubRef
	Runner *fx.Runner
	Conn   bridge.Conn
}

const (
	shellKey          = "$shell"
	unconnectedPrompt = "[none] > "
	requestMargin     = time.Second
)

var (
	// flags

	evalOnly   bool
	outputJSON bool

	// commands
	commands = []*ishell.Cmd{
		&DiscoverCmd,
		&ConnectCmd,
		&DisconnectCmd,
		&EventsCmd,
	}
)

func init() {
	flag.BoolVar(&evalOnly, "e", evalOnly, "Evaluation only, no interactive shell.")
	flag.BoolVar(&outputJSON, "json", outputJSON, "Print output in JSON.")
}

// AddCmds is used by other commands providers during init func.
func AddCmds(cmds ...*ishell.Cmd) {
	commands = append(commands, cmds...)
}

// New creates a new shell.
func New(conf *env.Config) *Shell {
	s := &Shell{
		Interactive: !evalOnly,
		OutputJSON:  outputJSON,

		Shell:  ishell.New(),
		Config: conf,
	}
	s.Shell.Set(shellKey, s)
	s.Shell.SetPrompt(unconnectedPrompt)
	for _, cmd := range commands {
		s.Shell.AddCmd(cmd)
	}
	return s
}

// ShellFrom gets Shell from ishell context.
func ShellFrom(c *ishell.Context) *Shell {
	return c.Get(shellKey).(*Shell)
}

// MustBeConnected wraps command func requires a connection.
func MustBeConnected(fn func(c *ishell.Context)) func(c *ishell.Context) {
	return func(c *ishell.Context) {
		if ShellFrom(c).Session == nil {
			c.Err(fmt.Errorf("not connected"))
			return
		}
		fn(c)
	}
}

// FormatInfo prints HubInfo into friendly string for display.
func FormatInfo(info bridge.HubInfo) string {
	var w bytes.Buffer
	fmt.Fprintf(&w, "%s", info.Ref.Name())
	if info.Meta.Description != "" {
		fmt.Fprintf(&w, ": %s", info.Meta.Description)
	}
	if info.Meta.Firmware != "" {
		fmt.Fprintf(&w, " (firmware %s)", info.Meta.Firmware)
	}
	return w.String()
}

// Output prints v in JSON mode, or the formatted text otherwise.
func Output(c *ishell.Context, v interface{}, format string, args ...interface{}) error {
	if ShellFrom(c).OutputJSON {
		out, err := json.Marshal(v)
		if err != nil {
			c.Err(err)
			return err
		}
		c.Println(string(out))
		return nil
	}
	c.Printf(format, args...)
	return nil
}

// RequestContext returns the context for a remote operation, which expires
// after all attempts of a request time out.
func RequestContext(c *ishell.Context) (context.Context, context.CancelFunc) {
	s := ShellFrom(c)
	timeout := s.Config.Timeout*time.Duration(s.Config.Tries) + requestMargin
	ctx := context.Background()
	if s.Session != nil {
		ctx = s.Session.Runner.Context
	}
	return context.WithTimeout(ctx, timeout)
}

// Conn returns the connection of current session.
func Conn(c *ishell.Context) bridge.Conn {
	if s := ShellFrom(c).Session; s != nil {
		return s.Conn
	}
	return nil
}

// Submit sends a request to the hub and returns the response.
func Submit(c *ishell.Context, r *ssam.Request) ([]byte, error) {
	conn := Conn(c)
	if conn == nil {
		err := fmt.Errorf("not connected")
		c.Err(err)
		return nil, err
	}
	ctx, cancel := RequestContext(c)
	defer cancel()
	var buf []byte
	if r.Flags&ssam.FlagHasResponse != 0 {
		buf = make([]byte, ssh.MaxCommandPayload)
	}
	n, err := conn.Submit(ctx, r, buf)
	if err != nil {
		c.Err(err)
		return nil, err
	}
	return buf[:n], nil
}

// WithAutoConnect sets AutoConnect.
func (s *Shell) WithAutoConnect(en bool) *Shell {
	s.AutoConnect = en
	return s
}

// DiscoverHubs discovers hubs.
func (s *Shell) DiscoverHubs(filter func(bridge.HubInfo) bool) (bridge.Connector, []bridge.HubInfo, error) {
	connector, err := s.Config.NewConnector()
	if err != nil {
		return nil, nil, err
	}
	infoList, err := connector.Discover(context.TODO())
	if err != nil {
		return connector, nil, err
	}
	if filter != nil {
		items := make([]bridge.HubInfo, 0, len(infoList))
		for _, info := range infoList {
			if filter(info) {
				items = append(items, info)
			}
		}
		infoList = items
	}
	return connector, infoList, nil
}

// SelectHub discovers hubs and asks for a choice.
func (s *Shell) SelectHub(filter func(bridge.HubInfo) bool) (bridge.Connector, *bridge.HubInfo, error) {
	connector, infoList, err := s.DiscoverHubs(filter)
	if err != nil {
		return nil, nil, err
	}
	if len(infoList) == 0 {
		return connector, nil, nil
	}
	var index int
	if len(infoList) > 1 {
		if !s.Interactive {
			return nil, nil, fmt.Errorf("more than 1 hubs discovered in non-interactive mode")
		}
		items := make([]string, len(infoList))
		for n, info := range infoList {
			items[n] = FormatInfo(info)
		}
		index = s.Shell.MultiChoice(items, "Which one to connect?")
	}

	return connector, &infoList[index], nil
}

// Connect connects hub with ref.
func (s *Shell) Connect(ref bridge.HubRef) error {
	connector, err := s.Config.NewConnector()
	if err != nil {
		return err
	}
	session := &Session{Ref: ref, Runner: fx.NewRunner()}
	if session.Conn, err = connector.Connect(session.Runner.Context, ref); err != nil {
		session.Runner.Stop()
		return err
	}
	session.Conn.HandleEvents(fx.HandleMessageFunc(s.printEvent))
	s.Disconnect()
	s.Session = session
	session.Runner.Go(session.Conn)
	s.Shell.SetPrompt(fmt.Sprintf("%s > ", ref.Name()))
	return nil
}

// Disconnect disconnects current hub.
func (s *Shell) Disconnect() {
	if s.Session != nil {
		s.Session.Runner.Stop()
		s.Session.Conn.Close()
		s.Session = nil
		s.Shell.SetPrompt(unconnectedPrompt)
	}
}

// Watch enables or disables printing events received from the hub.
func (s *Shell) Watch(en bool) {
	var val int32
	if en {
		val = 1
	}
	atomic.StoreInt32(&s.watchEvents, val)
}

// Watching indicates events are printed.
func (s *Shell) Watching() bool {
	return atomic.LoadInt32(&s.watchEvents) != 0
}

func (s *Shell) printEvent(ctx context.Context, msg fx.Message) {
	ev, ok := msg.(*ssam.Event)
	if !ok || !s.Watching() {
		return
	}
	if s.OutputJSON {
		out, err := json.Marshal(ev)
		if err == nil {
			s.Shell.Println(string(out))
		}
		return
	}
	s.Shell.Printf("event %s %s payload=% x\n", ssam.CategoryName(ev.Category), ev, ev.Payload)
}

// Run runs the shell.
func (s *Shell) Run(args ...string) {
	if s.AutoConnect {
		if err := s.autoConnect(); err != nil {
			log.Fatalf("connect failed: %v", err)
		}
	}

	if len(args) > 0 {
		if err := s.Shell.Process(args...); err != nil {
			log.Fatalln(err)
		}
		return
	}
	if s.Interactive {
		s.Shell.Run()
		return
	}
	log.Fatalln("command expected")
}

func (s *Shell) autoConnect() error {
	ref := s.Config.Hub.Ref
	if !ref.IsValid() {
		// connect only if the hub can be chosen without asking.
		_, infoList, err := s.DiscoverHubs(nil)
		if err != nil || len(infoList) != 1 {
			return err
		}
		ref = infoList[0].Ref
	}
	if s.Interactive {
		s.Shell.Printf("Connecting %s ...\n", ref.Name())
	}
	return s.Connect(ref)
}

var (
	// DiscoverCmd discovers hubs.
	DiscoverCmd = ishell.Cmd{
		Name:    "discover",
		Aliases: []string{"list", "l"},
		Help:    "",
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			_, infoList, err := s.DiscoverHubs(nil)
			if err != nil {
				c.Err(err)
				return
			}
			if s.OutputJSON {
				if len(infoList) == 0 {
					// in case infoList is nil, make it empty slice.
					infoList = []bridge.HubInfo{}
				}
				Output(c, infoList, "")
				return
			}
			if len(infoList) == 0 {
				c.Println("No hubs found")
				return
			}
			for _, info := range infoList {
				c.Println(FormatInfo(info))
			}
		},
	}

	// ConnectCmd connects a hub.
	ConnectCmd = ishell.Cmd{
		Name:    "connect",
		Aliases: []string{"c"},
		Help:    "TYPE ID",
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			var ref bridge.HubRef
			if len(c.Args) >= 2 {
				ref.Type, ref.ID = c.Args[0], c.Args[1]
			} else {
				var filter func(bridge.HubInfo) bool
				if len(c.Args) == 1 {
					filter = func(info bridge.HubInfo) bool {
						return info.Ref.Type == c.Args[0]
					}
				}
				_, info, err := s.SelectHub(filter)
				if err != nil {
					c.Err(err)
					return
				}
				if info == nil {
					c.Err(fmt.Errorf("no hub discovered"))
					return
				}
				ref = info.Ref
			}
			if err := s.Connect(ref); err != nil {
				c.Err(err)
				return
			}
		},
	}

	// DisconnectCmd disconnects current hub.
	DisconnectCmd = ishell.Cmd{
		Name:    "disconnect",
		Aliases: []string{"d"},
		Help:    "",
		Func: func(c *ishell.Context) {
			ShellFrom(c).Disconnect()
		},
	}

	// EventsCmd toggles printing events.
	EventsCmd = ishell.Cmd{
		Name:    "events",
		Aliases: []string{"ev"},
		Help:    "[on|off]",
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			if len(c.Args) > 0 {
				switch c.Args[0] {
				case "on":
					s.Watch(true)
				case "off":
					s.Watch(false)
				default:
					c.Err(fmt.Errorf("expect on or off"))
					return
				}
			}
			Output(c, s.Watching(), "events %v\n", s.Watching())
		},
	}
)

// Main is a helper to provide a single call in main.
func Main() {
	flag.Parse()
	New(env.NewConfig()).WithAutoConnect(true).Run(flag.Args()...)
}
