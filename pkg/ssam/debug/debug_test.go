package debug

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/robotalks/ssam.go/pkg/ssam"
	"github.com/robotalks/ssam.go/pkg/ssam/ssamtest"
	"github.com/robotalks/ssam.go/pkg/ssh"
	"github.com/robotalks/ssam.go/pkg/ssh/sshtest"
)

func echoBattery(cmd *ssh.Command, try int) sshtest.Reply {
	if cmd.Category != ssam.CategoryBAT {
		return sshtest.Reply{NoResponse: true}
	}
	return sshtest.Reply{Payload: append([]byte{cmd.CommandID, cmd.Instance}, cmd.Payload...)}
}

func TestParseRequest(t *testing.T) {
	testCases := []struct {
		name  string
		input []byte
		valid bool
	}{
		{name: "no payload", input: []byte{0x02, 0x01, 0x01, 0x01, 0x00}, valid: true},
		{name: "with payload", input: []byte{0x02, 0x01, 0x04, 0x00, 0x02, 0xaa, 0xbb}, valid: true},
		{name: "short", input: []byte{0x02, 0x01, 0x01}},
		{name: "length too large", input: []byte{0x02, 0x01, 0x04, 0x00, 0x03, 0xaa, 0xbb}},
		{name: "length too small", input: []byte{0x02, 0x01, 0x04, 0x00, 0x01, 0xaa, 0xbb}},
		{name: "oversized", input: make([]byte, HeaderLen+MaxPayload+1)},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r, err := ParseRequest(tc.input, 1)
			if !tc.valid {
				require.ErrorIs(t, err, ssam.ErrProtocolViolation)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.input[0], r.Category)
			require.Equal(t, tc.input[1], r.TargetID)
			require.Equal(t, tc.input[2], r.CommandID)
			require.Equal(t, byte(1), r.InstanceID)
			require.Len(t, r.Payload, int(tc.input[4]))
		})
	}
}

func TestPassthrough(t *testing.T) {
	c, ec := ssamtest.Start(t, echoBattery)
	p := NewPassthrough(c)
	ctx := context.Background()

	n, err := p.WriteInstance(ctx, 1, []byte{0x02, 0x01, 0x03, byte(ssam.FlagHasResponse), 0x01, 0x7f})
	require.NoError(t, err)
	require.Equal(t, 6, n)
	buf := make([]byte, BufferSize)
	require.Equal(t, BufferSize, p.Read(buf))
	expected := make([]byte, BufferSize)
	copy(expected, []byte{3, 0x03, 0x01, 0x7f})
	require.Equal(t, expected, buf)

	_, err = p.Write(ctx, []byte{0x02, 0x01, 0x03, 0x00, 0x02, 0x7f})
	require.ErrorIs(t, err, ssam.ErrProtocolViolation)
	p.Read(buf)
	require.Equal(t, expected, buf)

	n, err = p.Write(ctx, []byte{0x02, 0x01, 0x04, 0x00, 0x00})
	require.NoError(t, err)
	require.Equal(t, HeaderLen, n)
	p.Read(buf)
	require.Equal(t, make([]byte, BufferSize), buf)
	require.Equal(t, 1, ec.Count(ssam.CategoryBAT, 0x04))
}

func localRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func TestRoutes(t *testing.T) {
	c, _ := ssamtest.Start(t, echoBattery)
	mux := http.NewServeMux()
	bridgeCalled := false
	NewRoutes(c).Attach(mux, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bridgeCalled = true
	}))

	t.Run("status", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, localRequest(http.MethodGet, "/debug/ssam-status", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		var status Status
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
		require.Equal(t, "running", status.State)
		require.Equal(t, ssamtest.FirmwareVersion.String(), status.Firmware)
		require.Zero(t, status.Pending)
	})

	testCases := []struct {
		name   string
		method string
		path   string
		body   string
		code   int
		expect string
	}{
		{
			name:   "hex request",
			method: http.MethodPost,
			path:   "/debug/ssam-rqst?format=hex&iid=2",
			body:   "02 01 01 01 00",
			code:   http.StatusOK,
			expect: "020102\n",
		},
		{
			name:   "last buffer",
			method: http.MethodGet,
			path:   "/debug/ssam-rqst?format=hex",
			code:   http.StatusOK,
			expect: "020102\n",
		},
		{
			name:   "inconsistent length",
			method: http.MethodPost,
			path:   "/debug/ssam-rqst?format=hex",
			body:   "0201010102",
			code:   http.StatusBadRequest,
		},
		{
			name:   "bad hex",
			method: http.MethodPost,
			path:   "/debug/ssam-rqst?format=hex",
			body:   "zz",
			code:   http.StatusBadRequest,
		},
		{
			name:   "method not allowed",
			method: http.MethodDelete,
			path:   "/debug/ssam-rqst",
			code:   http.StatusMethodNotAllowed,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, localRequest(tc.method, tc.path, strings.NewReader(tc.body)))
			require.Equal(t, tc.code, rec.Code, rec.Body.String())
			if tc.expect != "" {
				require.Equal(t, tc.expect, rec.Body.String())
			}
		})
	}

	t.Run("binary request", func(t *testing.T) {
		rec := httptest.NewRecorder()
		body := bytes.NewReader([]byte{0x02, 0x01, 0x02, 0x01, 0x00})
		mux.ServeHTTP(rec, localRequest(http.MethodPost, "/debug/ssam-rqst", body))
		require.Equal(t, http.StatusOK, rec.Code)
		require.Len(t, rec.Body.Bytes(), BufferSize)
		require.Equal(t, []byte{2, 0x02, 0x00}, rec.Body.Bytes()[:3])
	})

	t.Run("bridge", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, localRequest(http.MethodGet, "/debug/ssam-bridge", nil))
		require.True(t, bridgeCalled)
	})
}
