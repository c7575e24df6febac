// Package env provides common configurations of the hub daemon and tools.
//
// Defaults are overridden by SSAM_* environment variables, an optional
// TOML config file, and command line flags, in that order. The -config
// flag must precede the flags it's supposed to be overridden by.
package env

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/robotalks/ssam.go/pkg/bridge"
	"github.com/robotalks/ssam.go/pkg/bridge/comm/mqtt"
	"github.com/robotalks/ssam.go/pkg/bridge/comm/stream"
	"github.com/robotalks/ssam.go/pkg/bridge/comm/websocket"
	"github.com/robotalks/ssam.go/pkg/serial"
	"github.com/robotalks/ssam.go/pkg/ssam"
	"github.com/robotalks/ssam.go/pkg/ssam/clients/battery"
	"github.com/robotalks/ssam.go/pkg/ssh"
)

// DefaultHubType is the hub type unless configured.
const DefaultHubType = "ssam"

// Config provides common options of the hub daemon and its clients.
type Config struct {
	Hub bridge.HubInfo `toml:"hub"`

	// Device is the path of the serial port.
	Device string             `toml:"device"`
	Port   serial.PortOptions `toml:"port"`

	Timeout          time.Duration `toml:"timeout"`
	Tries            int           `toml:"tries"`
	AckTimeout       time.Duration `toml:"ack_timeout"`
	CorruptThreshold int           `toml:"corrupt_threshold"`

	// CacheTime is how long battery state is considered valid.
	CacheTime time.Duration `toml:"cache_time"`
	// ThermalTarget is the target id of the thermal sensors.
	ThermalTarget int `toml:"thermal_target"`
	// Events are forwarded over the bridge, see ParseEventSource.
	Events []string `toml:"events"`

	// BrokerURL specifies the MQTT broker to use.
	// e.g. mqtt://host:port/topic-prefix
	BrokerURL string `toml:"broker_url"`
	// HubURL is used by clients to reach the hub, BrokerURL if empty.
	// Schemes mqtt, mqtts, tcp, ws and wss are supported.
	HubURL string `toml:"hub_url"`
	// ListenAddr serves the bridge over length prefixed TCP streams.
	ListenAddr string `toml:"listen_addr"`
	// DebugAddr serves debug HTTP routes.
	DebugAddr string `toml:"debug_addr"`
}

var defaultConfig = Config{
	Hub:              bridge.HubInfo{Ref: bridge.HubRef{Type: DefaultHubType}},
	Device:           "/dev/ttyS4",
	Timeout:          ssh.DefaultTimeout,
	Tries:            ssh.DefaultTries,
	AckTimeout:       ssh.DefaultAckTimeout,
	CorruptThreshold: ssh.DefaultCorruptThreshold,
	CacheTime:        battery.DefaultCacheTime,
	ThermalTarget:    1,
	Events:           []string{"BAT", "TMP"},
	BrokerURL:        "mqtt://localhost:1883/ssam/",
	DebugAddr:        "localhost:8585",
}

func init() {
	defaultConfig.Port, _ = defaultConfig.Port.Normalize()
	if val := os.Getenv("SSAM_CONFIG"); val != "" {
		if err := defaultConfig.Load(val); err != nil {
			log.Fatalln(err)
		}
	}
	if val := os.Getenv("SSAM_TYPE"); val != "" {
		defaultConfig.Hub.Ref.Type = val
	}
	if val := os.Getenv("SSAM_ID"); val != "" {
		defaultConfig.Hub.Ref.ID = val
	}
	if val := os.Getenv("SSAM_DEVICE"); val != "" {
		defaultConfig.Device = val
	}
	if val := os.Getenv("SSAM_BAUD"); val != "" {
		if baud, err := strconv.Atoi(val); err == nil {
			defaultConfig.Port.BaudRate = baud
		}
	}
	if val := os.Getenv("SSAM_MQTT_URL"); val != "" {
		defaultConfig.BrokerURL = val
	}
	if val := os.Getenv("SSAM_HUB_URL"); val != "" {
		defaultConfig.HubURL = val
	}
	if val := os.Getenv("SSAM_DEBUG_ADDR"); val != "" {
		defaultConfig.DebugAddr = val
	}
}

// configFile is the flag.Value of -config.
type configFile struct {
	conf *Config
	path string
}

func (f *configFile) String() string {
	return f.path
}

func (f *configFile) Set(path string) error {
	f.path = path
	return f.conf.Load(path)
}

// SetupFlags sets command line flags.
func SetupFlags() {
	flag.Var(&configFile{conf: &defaultConfig}, "config", "TOML config file, must precede other flags")
	flag.StringVar(&defaultConfig.Hub.Ref.Type, "type", defaultConfig.Hub.Ref.Type, "Hub type")
	flag.StringVar(&defaultConfig.Hub.Ref.ID, "id", defaultConfig.Hub.Ref.ID, "Hub ID, machine id if empty")
	flag.StringVar(&defaultConfig.Device, "device", defaultConfig.Device, "Serial device")
	flag.IntVar(&defaultConfig.Port.BaudRate, "baud", defaultConfig.Port.BaudRate, "Baud rate")
	flag.IntVar(&defaultConfig.Port.DataBits, "data-bits", defaultConfig.Port.DataBits, "Data bits")
	flag.IntVar(&defaultConfig.Port.StopBits, "stop-bits", defaultConfig.Port.StopBits, "Stop bits, 1 or 2")
	flag.StringVar(&defaultConfig.Port.Parity, "parity", defaultConfig.Port.Parity, "Parity: N, E or O")
	flag.DurationVar(&defaultConfig.Timeout, "timeout", defaultConfig.Timeout, "Response timeout per attempt")
	flag.IntVar(&defaultConfig.Tries, "tries", defaultConfig.Tries, "Transmission attempts per request")
	flag.DurationVar(&defaultConfig.AckTimeout, "ack-timeout", defaultConfig.AckTimeout, "ACK timeout")
	flag.IntVar(&defaultConfig.CorruptThreshold, "corrupt-threshold", defaultConfig.CorruptThreshold, "Consecutive checksum errors logged as error")
	flag.DurationVar(&defaultConfig.CacheTime, "cache-time", defaultConfig.CacheTime, "Battery state cache time")
	flag.IntVar(&defaultConfig.ThermalTarget, "thermal-target", defaultConfig.ThermalTarget, "Target id of thermal sensors")
	flag.Var((*stringList)(&defaultConfig.Events), "events", "Comma separated events forwarded to the bridge, e.g. BAT,KIP:HID/1")
	flag.StringVar(&defaultConfig.BrokerURL, "mqtt", defaultConfig.BrokerURL, "MQTT broker URL, empty to disable")
	flag.StringVar(&defaultConfig.HubURL, "hub", defaultConfig.HubURL, "Hub URL used by clients")
	flag.StringVar(&defaultConfig.ListenAddr, "listen", defaultConfig.ListenAddr, "TCP address serving the bridge")
	flag.StringVar(&defaultConfig.DebugAddr, "debug", defaultConfig.DebugAddr, "Debug HTTP address, empty to disable")
}

// Default gets default config.
func Default() *Config {
	return &defaultConfig
}

// NewConfig creates a Config with default configurations.
func NewConfig() *Config {
	conf := defaultConfig
	conf.Events = append([]string(nil), defaultConfig.Events...)
	return &conf
}

// Load decodes a TOML file into the config. Keys absent from the file
// keep current values.
func (c *Config) Load(path string) error {
	if _, err := toml.DecodeFile(path, c); err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	return nil
}

// HubInfo returns the hub info, using the machine id if ID is not set.
func (c *Config) HubInfo() bridge.HubInfo {
	info := c.Hub
	if info.Ref.Type == "" {
		info.Ref.Type = DefaultHubType
	}
	if info.Ref.ID == "" {
		info.Ref.ID = MachineID()
	}
	return info
}

// ControllerOptions returns the options of the controller.
func (c *Config) ControllerOptions() ssam.Options {
	return ssam.Options{
		Timeout:          c.Timeout,
		Tries:            c.Tries,
		AckTimeout:       c.AckTimeout,
		CorruptThreshold: c.CorruptThreshold,
	}
}

// EventSources parses Events.
func (c *Config) EventSources() ([]EventSource, error) {
	srcs := make([]EventSource, 0, len(c.Events))
	for _, s := range c.Events {
		src, err := ParseEventSource(s)
		if err != nil {
			return nil, err
		}
		srcs = append(srcs, src)
	}
	return srcs, nil
}

// OpenController opens the serial port and creates the controller.
// The controller is started by running it.
func (c *Config) OpenController() (*ssam.Controller, error) {
	if c.Device == "" {
		return nil, fmt.Errorf("serial device must be specified")
	}
	port, err := serial.Open(c.Device, c.Port)
	if err != nil {
		return nil, err
	}
	return ssam.NewController(port, c.ControllerOptions()), nil
}

// MustOpenController opens the controller and fails on error.
func (c *Config) MustOpenController() *ssam.Controller {
	ctrl, err := c.OpenController()
	if err != nil {
		log.Fatalln(err)
	}
	return ctrl
}

// ClientURL returns the URL clients use to reach the hub.
func (c *Config) ClientURL() string {
	if c.HubURL != "" {
		return c.HubURL
	}
	return c.BrokerURL
}

// NewConnector creates a Connector using current config.
func (c *Config) NewConnector() (bridge.Connector, error) {
	hubURL := c.ClientURL()
	parsedURL, err := url.Parse(hubURL)
	if err != nil {
		return nil, fmt.Errorf("invalid hub URL: %v", err)
	}
	switch parsedURL.Scheme {
	case "mqtt", "mqtts":
		return mqtt.NewConnector(hubURL)
	case "tcp":
		return stream.NewConnector(parsedURL.Host), nil
	case "ws", "wss":
		origin := "http://" + parsedURL.Host + "/"
		if parsedURL.Scheme == "wss" {
			origin = "https://" + parsedURL.Host + "/"
		}
		return websocket.NewConnector(hubURL, origin), nil
	default:
		return nil, fmt.Errorf("unknown hub URL scheme: %q", parsedURL.Scheme)
	}
}

// MustNewConnector creates a Connector and fails on error.
func (c *Config) MustNewConnector() bridge.Connector {
	conn, err := c.NewConnector()
	if err != nil {
		log.Fatalln(err)
	}
	return conn
}

// Connect connects to the hub.
func (c *Config) Connect(ctx context.Context) (bridge.Conn, error) {
	connector, err := c.NewConnector()
	if err != nil {
		return nil, err
	}
	ref := c.Hub.Ref
	if ref.Type == "" {
		ref.Type = DefaultHubType
	}
	if ref.ID == "" {
		hubs, err := connector.Discover(ctx)
		if err != nil {
			return nil, fmt.Errorf("discover hubs: %w", err)
		}
		switch len(hubs) {
		case 0:
			return nil, fmt.Errorf("no hub found at %s", c.ClientURL())
		case 1:
			ref = hubs[0].Ref
		default:
			return nil, fmt.Errorf("%d hubs found at %s, hub id must be specified", len(hubs), c.ClientURL())
		}
	}
	return connector.Connect(ctx, ref)
}

// MustConnect connects to the hub and fails on error.
func (c *Config) MustConnect(ctx context.Context) bridge.Conn {
	conn, err := c.Connect(ctx)
	if err != nil {
		log.Fatalln(err)
	}
	return conn
}
