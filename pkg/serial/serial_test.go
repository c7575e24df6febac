package serial

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

func TestNormalize(t *testing.T) {
	testCases := []struct {
		name   string
		input  PortOptions
		expect PortOptions
		hasErr bool
	}{
		{
			name:   "defaults",
			expect: PortOptions{BaudRate: DefaultBaudRate, DataBits: 8, StopBits: 1, Parity: "N"},
		},
		{
			name:   "explicit",
			input:  PortOptions{BaudRate: 115200, DataBits: 7, StopBits: 2, Parity: " even"},
			expect: PortOptions{BaudRate: 115200, DataBits: 7, StopBits: 2, Parity: "E"},
		},
		{
			name:   "odd",
			input:  PortOptions{Parity: "o"},
			expect: PortOptions{BaudRate: DefaultBaudRate, DataBits: 8, StopBits: 1, Parity: "O"},
		},
		{name: "bad data bits", input: PortOptions{DataBits: 9}, hasErr: true},
		{name: "bad stop bits", input: PortOptions{StopBits: 3}, hasErr: true},
		{name: "bad parity", input: PortOptions{Parity: "mark"}, hasErr: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			opts, err := tc.input.Normalize()
			if tc.hasErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expect, opts)
		})
	}
}

func TestMode(t *testing.T) {
	mode, err := PortOptions{StopBits: 2, Parity: "E"}.Mode()
	require.NoError(t, err)
	require.Equal(t, &serial.Mode{
		BaudRate: DefaultBaudRate,
		DataBits: 8,
		StopBits: serial.TwoStopBits,
		Parity:   serial.EvenParity,
	}, mode)

	mode, err = PortOptions{}.Mode()
	require.NoError(t, err)
	require.Equal(t, serial.OneStopBit, mode.StopBits)
	require.Equal(t, serial.NoParity, mode.Parity)
}

type nopPort struct {
	io.Reader
	io.Writer
}

func (nopPort) Close() error { return nil }

func TestOpenWith(t *testing.T) {
	var opened string
	var openedMode *serial.Mode
	opener := func(path string, mode *serial.Mode) (io.ReadWriteCloser, error) {
		if path == "/dev/missing" {
			return nil, errors.New("no such device")
		}
		opened, openedMode = path, mode
		return nopPort{}, nil
	}

	port, err := OpenWith(opener, "/dev/ttyS4", PortOptions{BaudRate: 115200})
	require.NoError(t, err)
	require.NotNil(t, port)
	require.Equal(t, "/dev/ttyS4", opened)
	require.Equal(t, 115200, openedMode.BaudRate)

	_, err = OpenWith(opener, "/dev/missing", PortOptions{})
	require.ErrorContains(t, err, "no such device")
	_, err = OpenWith(opener, "", PortOptions{})
	require.Error(t, err)
	_, err = OpenWith(opener, "/dev/ttyS4", PortOptions{DataBits: 4})
	require.Error(t, err)
}
