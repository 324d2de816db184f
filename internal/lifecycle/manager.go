// ABOUTME: Owns the registry of running agent servers
// ABOUTME: Starts servers with port-conflict retries and stops them gracefully

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/2389/agent-fleet/internal/ports"
	"github.com/2389/agent-fleet/internal/store"
)

// ErrPortExhausted means no free port was found within the retry budget.
// The agent is skipped; other agents are unaffected.
var ErrPortExhausted = errors.New("no free port after retries")

// ErrDownstreamUnreachable means the agent's server could not be built
// because its downstream MCP server is unreachable.
var ErrDownstreamUnreachable = errors.New("downstream MCP server unreachable")

// Server is a protocol server for one agent.
type Server interface {
	Serve(ln net.Listener) error
	Shutdown(ctx context.Context) error
}

// ServerFactory builds the server for a descriptor. It fails when the
// agent's downstream dependencies cannot be reached.
type ServerFactory func(ctx context.Context, d *store.AgentDescriptor) (Server, error)

// PortStore persists reassigned ports.
type PortStore interface {
	UpdateAgentPort(ctx context.Context, name string, port int) (int, error)
}

// PortAllocator hands out replacement ports. *ports.Allocator implements it.
type PortAllocator interface {
	Next(ctx context.Context, excluded ports.Set) (int, error)
}

// PortChecker reports whether a port already accepts connections. *health.Probe implements it.
type PortChecker interface {
	InUse(ctx context.Context, host string, port int) bool
}

// Config bounds retries and shutdown.
type Config struct {
	MaxRetries      int
	RetryDelay      time.Duration
	ShutdownTimeout time.Duration
}

// Manager starts and stops agent servers. All registry changes for one agent
// name are serialized.
type Manager struct {
	cfg     Config
	store   PortStore
	ports   PortAllocator
	checker PortChecker
	factory ServerFactory
	listen  func(network, address string) (net.Listener, error)
	logger  *slog.Logger

	locks *keyLock

	mu      sync.Mutex
	handles map[string]*handle
}

// handle is the running state of one agent server.
type handle struct {
	desc   store.AgentDescriptor
	server Server
	ln     net.Listener
	done   chan struct{} // closed when Serve returns
	err    error         // Serve's result, set before done is closed
}

// exited reports whether Serve has returned.
func (h *handle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// NewManager creates a lifecycle manager.
func NewManager(cfg Config, st PortStore, alloc PortAllocator, checker PortChecker, factory ServerFactory, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		store:   st,
		ports:   alloc,
		checker: checker,
		factory: factory,
		listen:  net.Listen,
		logger:  logger.With("component", "lifecycle"),
		locks:   newKeyLock(),
		handles: make(map[string]*handle),
	}
}

// Start brings the agent's server up and returns the descriptor it runs with,
// whose port may differ from d's after a conflict. Starting a running agent
// returns its current descriptor; an agent whose server has exited on its own
// is rebuilt.
func (m *Manager) Start(ctx context.Context, d *store.AgentDescriptor) (*store.AgentDescriptor, error) {
	unlock, err := m.locks.lock(ctx, d.Name)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if h, ok := m.lookup(d.Name); ok {
		if !h.exited() {
			running := h.desc
			return &running, nil
		}
		m.discard(ctx, d.Name, h)
	}

	desc := *d
	ln, err := m.bindPort(ctx, &desc)
	if err != nil {
		return nil, err
	}

	server, err := m.factory(ctx, &desc)
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("%w: %w", ErrDownstreamUnreachable, err)
	}

	h := &handle{desc: desc, server: server, ln: ln, done: make(chan struct{})}
	go func() {
		h.err = server.Serve(ln)
		close(h.done)
	}()

	m.mu.Lock()
	m.handles[desc.Name] = h
	total := len(m.handles)
	m.mu.Unlock()

	m.logger.Info("agent server started",
		"agent", desc.Name,
		"addr", desc.Addr(),
		"running", total,
	)
	running := desc
	return &running, nil
}

// bindPort listens on d's port, moving d to a new port whenever the current
// one is taken: either it already accepts connections or the bind fails with
// EADDRINUSE. Every reassignment is persisted before the next attempt.
func (m *Manager) bindPort(ctx context.Context, d *store.AgentDescriptor) (net.Listener, error) {
	tried := ports.NewSet()

	for attempt := 0; ; attempt++ {
		if !m.checker.InUse(ctx, d.Host, d.Port) {
			ln, err := m.listen("tcp", d.Addr())
			if err == nil {
				return ln, nil
			}
			if !errors.Is(err, syscall.EADDRINUSE) {
				return nil, fmt.Errorf("binding %s: %w", d.Addr(), err)
			}
			m.logger.Debug("port taken at bind", "agent", d.Name, "port", d.Port)
		}

		if attempt >= m.cfg.MaxRetries {
			m.logger.Warn("port still in use after retries, skipping agent",
				"agent", d.Name,
				"port", d.Port,
				"retries", m.cfg.MaxRetries,
			)
			return nil, fmt.Errorf("%s: %w", d.Name, ErrPortExhausted)
		}

		tried.Add(d.Port)
		port, err := m.ports.Next(ctx, tried)
		if err != nil {
			if errors.Is(err, ports.ErrNoPortAvailable) {
				return nil, fmt.Errorf("%s: %w: %w", d.Name, ErrPortExhausted, err)
			}
			return nil, fmt.Errorf("allocating port: %w", err)
		}

		if _, err := m.store.UpdateAgentPort(ctx, d.Name, port); err != nil {
			return nil, fmt.Errorf("saving port %d: %w", port, err)
		}
		m.logger.Info("port in use, reassigned",
			"agent", d.Name,
			"from", d.Port,
			"to", port,
			"attempt", attempt+1,
		)
		d.Port = port

		select {
		case <-time.After(m.cfg.RetryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// discard drops the handle of a server that stopped serving without Stop,
// releasing whatever it still holds. Caller holds the name's lock.
func (m *Manager) discard(ctx context.Context, name string, h *handle) {
	m.logger.Warn("agent server exited unexpectedly, rebuilding", "agent", name, "error", h.err)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ShutdownTimeout)
	defer cancel()
	_ = h.server.Shutdown(shutdownCtx)
	_ = h.ln.Close()

	m.mu.Lock()
	delete(m.handles, name)
	m.mu.Unlock()
}

// Stop shuts the agent's server down. Stopping an agent that is not running
// succeeds. The registry entry is removed even when shutdown fails.
func (m *Manager) Stop(ctx context.Context, name string) error {
	unlock, err := m.locks.lock(ctx, name)
	if err != nil {
		return err
	}
	defer unlock()

	h, ok := m.lookup(name)
	if !ok {
		return nil
	}
	defer func() {
		m.mu.Lock()
		delete(m.handles, name)
		m.mu.Unlock()
	}()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := h.server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutting down %s: %w", name, err))
		// Release the socket even if connections did not drain.
		if err := h.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}

	select {
	case <-h.done:
		if h.err != nil {
			errs = append(errs, fmt.Errorf("serving %s: %w", name, h.err))
		}
	case <-shutdownCtx.Done():
		errs = append(errs, fmt.Errorf("waiting for %s: %w", name, shutdownCtx.Err()))
	}

	m.logger.Info("agent server stopped", "agent", name, "addr", h.desc.Addr())
	return errors.Join(errs...)
}

// StopAll stops every running server, leaving the registry empty. Failures
// are logged and do not stop the rest.
func (m *Manager) StopAll(ctx context.Context) {
	names := m.registered()
	for _, name := range names {
		if err := m.Stop(ctx, name); err != nil {
			m.logger.Error("failed to stop agent server", "agent", name, "error", err)
		}
	}

	if len(names) > 0 {
		m.logger.Info("all agent servers stopped", "count", len(names))
	}
}

// StartAll starts every descriptor, logging and skipping the ones that fail.
// It returns the number of servers running afterwards.
func (m *Manager) StartAll(ctx context.Context, descs []*store.AgentDescriptor) int {
	for _, d := range descs {
		if _, err := m.Start(ctx, d); err != nil {
			switch {
			case errors.Is(err, ErrPortExhausted):
				m.logger.Warn("skipping agent", "agent", d.Name, "error", err)
			default:
				m.logger.Error("failed to start agent server", "agent", d.Name, "error", err)
			}
		}
	}
	return len(m.Names())
}

// Running reports whether name has a server that is still serving.
func (m *Manager) Running(name string) bool {
	h, ok := m.lookup(name)
	return ok && !h.exited()
}

// Descriptor returns the descriptor a running agent serves with.
func (m *Manager) Descriptor(name string) (*store.AgentDescriptor, bool) {
	h, ok := m.lookup(name)
	if !ok || h.exited() {
		return nil, false
	}
	d := h.desc
	return &d, true
}

// Names returns the running agent names in order.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.handles))
	for name, h := range m.handles {
		if !h.exited() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// registered returns every name with a handle, including servers that exited.
func (m *Manager) registered() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.handles))
	for name := range m.handles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) lookup(name string) (*handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[name]
	return h, ok
}
