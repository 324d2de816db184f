// ABOUTME: Tests for status classification and the two-stage probe
// ABOUTME: Simulates socket outcomes with a fake dialer and MCP health with an in-memory dialer

package health

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agent-fleet/internal/mcp"
	"github.com/2389/agent-fleet/internal/mcp/mcptest"
	"github.com/2389/agent-fleet/internal/store"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func dialErr(err error) error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: &os.SyscallError{Syscall: "connect", Err: err}}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		want      State
		wantCause bool
	}{
		{"success", nil, StateRunning, false},
		{"net timeout", &net.OpError{Op: "dial", Err: timeoutError{}}, StateTimeout, false},
		{"context deadline", context.DeadlineExceeded, StateTimeout, false},
		{"refused", dialErr(syscall.ECONNREFUSED), StateConnectionRefused, false},
		{"host unreachable", dialErr(syscall.EHOSTUNREACH), StateHostUnreachable, false},
		{"network unreachable", dialErr(syscall.ENETUNREACH), StateNetworkUnreachable, false},
		{"other os error", dialErr(syscall.EACCES), OSError(int(syscall.EACCES)), true},
		{"generic", errors.New("boom"), StateError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, cause := Classify(tt.err)
			assert.Equal(t, tt.want, state)
			assert.NotEmpty(t, Detail(state))
			if tt.wantCause {
				assert.NotEmpty(t, cause)
			} else {
				assert.Empty(t, cause)
			}
		})
	}
}

func TestDetail(t *testing.T) {
	assert.Equal(t, "", Detail(StateUnknown))
	assert.Equal(t, "MCP tool connection failed", Detail(StateMCPError))
	assert.Equal(t, "Connected to agent and MCP tool", Detail(StateRunning))
	assert.Equal(t, "Agent server not running or unreachable", Detail(StateNotConnected))
	assert.Equal(t, "Connection timed out", Detail(StateTimeout))
	assert.Equal(t, "Connection refused by agent server", Detail(StateConnectionRefused))
	assert.Equal(t, "Host unreachable", Detail(StateHostUnreachable))
	assert.Equal(t, "Network unreachable", Detail(StateNetworkUnreachable))
	assert.Equal(t, "OS error during connection", Detail(OSError(13)))
	assert.Equal(t, "Unknown error during connection", Detail(StateError))
}

func TestOSError(t *testing.T) {
	s := OSError(113)
	assert.Equal(t, State("oserror (113)"), s)
	assert.True(t, s.IsOSError())
	assert.False(t, StateError.IsOSError())
}

func listen(t *testing.T) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestProbe_Check(t *testing.T) {
	fixed := time.Unix(1700000000, 0)
	host, port := listen(t)
	desc := &store.AgentDescriptor{Name: "docs", Host: host, Port: port, MCPAddress: "http://mcp", MCPTransport: "streamable_http"}

	t.Run("running", func(t *testing.T) {
		dialer := &mcptest.Dialer{Tools: []mcp.Tool{{Name: "search"}}}
		p := NewProbe(500*time.Millisecond, dialer, nil, WithClock(func() time.Time { return fixed }))

		st := p.Check(context.Background(), desc)
		assert.Equal(t, StateRunning, st.State)
		assert.Equal(t, "Connected to agent and MCP tool", st.Detail)
		assert.Equal(t, fixed.Unix(), st.CheckedAt)
		assert.Equal(t, 1, dialer.Dials)
	})

	t.Run("mcp error", func(t *testing.T) {
		dialer := &mcptest.Dialer{Err: errors.New("connection refused")}
		p := NewProbe(500*time.Millisecond, dialer, nil)

		st := p.Check(context.Background(), desc)
		assert.Equal(t, StateMCPError, st.State)
		assert.Equal(t, "MCP tool connection failed", st.Detail)
		assert.Contains(t, st.Error, "MCP tool listing failed")
		assert.True(t, st.State.Serving())
	})

	t.Run("refused skips stage two", func(t *testing.T) {
		dialer := &mcptest.Dialer{}
		p := NewProbe(500*time.Millisecond, dialer, nil)

		st := p.Check(context.Background(), &store.AgentDescriptor{Name: "gone", Host: "127.0.0.1", Port: freePort(t)})
		assert.Equal(t, StateConnectionRefused, st.State)
		assert.Equal(t, 0, dialer.Dials)
		assert.False(t, st.State.Serving())
	})

	t.Run("simulated timeout", func(t *testing.T) {
		dial := func(ctx context.Context, network, address string) (net.Conn, error) {
			return nil, &net.OpError{Op: "dial", Err: timeoutError{}}
		}
		p := NewProbe(500*time.Millisecond, &mcptest.Dialer{}, nil, WithDialFunc(dial))

		st := p.Check(context.Background(), desc)
		assert.Equal(t, StateTimeout, st.State)
		assert.Equal(t, "Connection timed out", st.Detail)
	})
}

func TestProbe_InUse(t *testing.T) {
	host, port := listen(t)
	p := NewProbe(500*time.Millisecond, &mcptest.Dialer{}, nil)

	assert.True(t, p.InUse(context.Background(), host, port))
	assert.False(t, p.InUse(context.Background(), "127.0.0.1", freePort(t)))
}
