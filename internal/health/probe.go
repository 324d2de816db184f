// ABOUTME: Two-stage agent health probe
// ABOUTME: TCP reachability first, then downstream MCP tool listing when the agent is up

package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/2389/agent-fleet/internal/mcp"
	"github.com/2389/agent-fleet/internal/store"
)

// DefaultMCPTimeout bounds the downstream tool listing in stage two.
const DefaultMCPTimeout = 5 * time.Second

// DialFunc opens a TCP connection. net.Dialer.DialContext satisfies it.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Probe classifies agent health.
type Probe struct {
	dial       DialFunc
	timeout    time.Duration
	mcp        mcp.Dialer
	mcpTimeout time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// Option customizes a Probe.
type Option func(*Probe)

// WithDialFunc replaces the TCP dialer, used by tests to simulate socket outcomes.
func WithDialFunc(dial DialFunc) Option {
	return func(p *Probe) { p.dial = dial }
}

// WithMCPTimeout changes the bound on stage two.
func WithMCPTimeout(d time.Duration) Option {
	return func(p *Probe) { p.mcpTimeout = d }
}

// WithClock replaces time.Now for status timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Probe) { p.now = now }
}

// NewProbe creates a probe whose socket checks are bounded by timeout.
func NewProbe(timeout time.Duration, dialer mcp.Dialer, logger *slog.Logger, opts ...Option) *Probe {
	if logger == nil {
		logger = slog.Default()
	}
	var d net.Dialer
	p := &Probe{
		dial:       d.DialContext,
		timeout:    timeout,
		mcp:        dialer,
		mcpTimeout: DefaultMCPTimeout,
		now:        time.Now,
		logger:     logger.With("component", "health"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Reachable attempts a bounded TCP connect to host:port and classifies the outcome.
func (p *Probe) Reachable(ctx context.Context, host string, port int) (State, string) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, err := p.dial(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err == nil {
		conn.Close()
	}
	return Classify(err)
}

// InUse reports whether something accepts connections on host:port.
func (p *Probe) InUse(ctx context.Context, host string, port int) bool {
	state, _ := p.Reachable(ctx, host, port)
	return state == StateRunning
}

// Downstream lists the agent's MCP tools and returns the failure, if any.
func (p *Probe) Downstream(ctx context.Context, d *store.AgentDescriptor) error {
	ctx, cancel := context.WithTimeout(ctx, p.mcpTimeout)
	defer cancel()

	if _, err := mcp.ListTools(ctx, p.mcp, d.MCPAddress, d.MCPTransport); err != nil {
		return fmt.Errorf("MCP tool listing failed: %w", err)
	}
	return nil
}

// Check runs both stages for one agent. Stage two runs only when stage one
// reports running; its failure turns the state into mcp error.
func (p *Probe) Check(ctx context.Context, d *store.AgentDescriptor) Status {
	state, cause := p.Reachable(ctx, d.Host, d.Port)

	if state == StateRunning {
		if err := p.Downstream(ctx, d); err != nil {
			state, cause = StateMCPError, err.Error()
		}
	}

	p.logger.Debug("probed agent", "agent", d.Name, "addr", d.Addr(), "status", state)
	return p.Stamp(state, cause)
}

// Stamp builds a Status for state checked now.
func (p *Probe) Stamp(state State, cause string) Status {
	return NewStatus(state, cause, p.now().Unix())
}
