// ABOUTME: Agent status taxonomy and fixed detail strings
// ABOUTME: Maps reachability errors from a TCP dial onto exactly one status

package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"
)

// State is an agent status as reported by the admin API.
type State string

// Agent states. OS errors carry their errno, see OSError.
const (
	StateUnknown            State = "unknown"
	StateRunning            State = "running"
	StateNotConnected       State = "not connected"
	StateTimeout            State = "timeout"
	StateConnectionRefused  State = "connection refused"
	StateHostUnreachable    State = "host unreachable"
	StateNetworkUnreachable State = "network unreachable"
	StateMCPError           State = "mcp error"
	StateError              State = "error"
)

const osErrorPrefix = "oserror"

// OSError returns the state for an OS-level connect failure with the given errno.
func OSError(errno int) State {
	return State(fmt.Sprintf("%s (%d)", osErrorPrefix, errno))
}

// IsOSError reports whether s was produced by OSError.
func (s State) IsOSError() bool {
	return strings.HasPrefix(string(s), osErrorPrefix)
}

// Serving reports whether the agent accepted a connection.
// An MCP error still means the listener is up.
func (s State) Serving() bool {
	return s == StateRunning || s == StateMCPError
}

// Detail returns the human readable text for a state. Every state except
// unknown has a non-empty detail.
func Detail(s State) string {
	switch {
	case s == StateMCPError:
		return "MCP tool connection failed"
	case s == StateRunning:
		return "Connected to agent and MCP tool"
	case s == StateNotConnected:
		return "Agent server not running or unreachable"
	case s == StateTimeout:
		return "Connection timed out"
	case s == StateConnectionRefused:
		return "Connection refused by agent server"
	case s == StateHostUnreachable:
		return "Host unreachable"
	case s == StateNetworkUnreachable:
		return "Network unreachable"
	case s.IsOSError():
		return "OS error during connection"
	case s == StateError:
		return "Unknown error during connection"
	}
	return ""
}

// Status is the derived health of one agent at a point in time.
type Status struct {
	State     State  `json:"status"`
	Detail    string `json:"status_detail"`
	Error     string `json:"status_error,omitempty"`
	CheckedAt int64  `json:"status_checked_at"`
}

// NewStatus builds a Status with the fixed detail for state.
func NewStatus(state State, cause string, checkedAt int64) Status {
	return Status{State: state, Detail: Detail(state), Error: cause, CheckedAt: checkedAt}
}

// Classify maps the result of a TCP connect onto a state. The returned cause is
// the underlying error text for states that carry one (OS errors and generic errors).
func Classify(err error) (State, string) {
	if err == nil {
		return StateRunning, ""
	}

	if isTimeout(err) {
		return StateTimeout, ""
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return StateConnectionRefused, ""
	case errors.Is(err, syscall.EHOSTUNREACH):
		return StateHostUnreachable, ""
	case errors.Is(err, syscall.ENETUNREACH):
		return StateNetworkUnreachable, ""
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return OSError(int(errno)), err.Error()
	}

	return StateError, err.Error()
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
