// Package serial opens the UART connected to the embedded controller.
package serial

import (
	"fmt"
	"io"
	"strings"

	"github.com/golang/glog"
	"go.bug.st/serial"
)

// Defaults of the UART.
const (
	DefaultBaudRate = 3000000
	DefaultDataBits = 8
	DefaultStopBits = 1
	DefaultParity   = "N"
)

// PortOptions describes the serial connection parameters.
type PortOptions struct {
	BaudRate int    `json:"baud_rate" toml:"baud_rate"`
	DataBits int    `json:"data_bits" toml:"data_bits"`
	StopBits int    `json:"stop_bits" toml:"stop_bits"`
	Parity   string `json:"parity" toml:"parity"`
}

// Normalize validates the options and applies defaults for unset values.
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o
	if opts.BaudRate <= 0 {
		opts.BaudRate = DefaultBaudRate
	}
	if opts.DataBits == 0 {
		opts.DataBits = DefaultDataBits
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}
	if opts.StopBits == 0 {
		opts.StopBits = DefaultStopBits
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}
	switch parity := strings.TrimSpace(strings.ToUpper(opts.Parity)); parity {
	case "", "N", "NONE":
		opts.Parity = "N"
	case "E", "EVEN":
		opts.Parity = "E"
	case "O", "ODD":
		opts.Parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", opts.Parity)
	}
	return opts, nil
}

// String implements fmt.Stringer, e.g. 3000000 8N1.
func (o PortOptions) String() string {
	return fmt.Sprintf("%d %d%s%d", o.BaudRate, o.DataBits, o.Parity, o.StopBits)
}

// Mode converts the options into serial.Mode.
func (o PortOptions) Mode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}
	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		StopBits: serial.OneStopBit,
	}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	switch opts.Parity {
	case "N":
		mode.Parity = serial.NoParity
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	}
	return mode, nil
}

// Opener opens a port, replaced in tests.
type Opener func(path string, mode *serial.Mode) (io.ReadWriteCloser, error)

// OpenPort opens a real serial port.
func OpenPort(path string, mode *serial.Mode) (io.ReadWriteCloser, error) {
	return serial.Open(path, mode)
}

// Open opens the serial device at path.
func Open(path string, opts PortOptions) (io.ReadWriteCloser, error) {
	return OpenWith(OpenPort, path, opts)
}

// OpenWith opens the serial device using opener.
func OpenWith(opener Opener, path string, opts PortOptions) (io.ReadWriteCloser, error) {
	if path == "" {
		return nil, fmt.Errorf("serial device not specified")
	}
	opts, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	mode, err := opts.Mode()
	if err != nil {
		return nil, err
	}
	port, err := opener(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	glog.Infof("opened %s (%s)", path, opts)
	return port, nil
}

// Ports lists serial ports present on the system.
func Ports() ([]string, error) {
	return serial.GetPortsList()
}
