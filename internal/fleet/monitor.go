// ABOUTME: Scheduled fleet status sweep
// ABOUTME: Keeps the latest status per agent and publishes serving state to gRPC health

package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/agent-fleet/internal/health"
	"github.com/2389/agent-fleet/internal/store"
)

// sweepTimeout bounds one scheduled sweep.
const sweepTimeout = time.Minute

// AgentLister lists stored agents.
type AgentLister interface {
	ListAgents(ctx context.Context) ([]*store.AgentDescriptor, error)
}

// StatusPublisher receives serving state per agent. *health.Server from
// google.golang.org/grpc/health implements it.
type StatusPublisher interface {
	SetServingStatus(service string, status healthpb.HealthCheckResponse_ServingStatus)
}

// ServiceName is the gRPC health service name published for an agent.
func ServiceName(agent string) string {
	return "agent/" + agent
}

// Monitor periodically probes every stored agent.
type Monitor struct {
	agents    AgentLister
	probe     Prober
	publisher StatusPublisher
	cron      *cron.Cron
	logger    *slog.Logger

	mu       sync.Mutex
	statuses map[string]health.Status
}

// NewMonitor creates a monitor that sweeps on the given cron schedule
// (e.g. "@every 30s"). publisher may be nil.
func NewMonitor(agents AgentLister, probe Prober, schedule string, publisher StatusPublisher, logger *slog.Logger) (*Monitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		agents:    agents,
		probe:     probe,
		publisher: publisher,
		cron:      cron.New(),
		logger:    logger.With("component", "monitor"),
		statuses:  make(map[string]health.Status),
	}

	if _, err := m.cron.AddFunc(schedule, m.scheduledSweep); err != nil {
		return nil, fmt.Errorf("parsing status sweep schedule %q: %w", schedule, err)
	}
	return m, nil
}

// Start begins the scheduled sweeps.
func (m *Monitor) Start() {
	m.cron.Start()
}

// Stop halts the schedule and waits for a running sweep, giving up when ctx is done.
func (m *Monitor) Stop(ctx context.Context) {
	done := m.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

func (m *Monitor) scheduledSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	if err := m.Sweep(ctx); err != nil {
		m.logger.Warn("status sweep failed", "error", err)
	}
}

// Sweep probes every stored agent once. Agents that are no longer stored are forgotten.
func (m *Monitor) Sweep(ctx context.Context) error {
	descs, err := m.agents.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("listing agents: %w", err)
	}

	seen := make(map[string]bool, len(descs))
	for _, d := range descs {
		seen[d.Name] = true
		m.Record(d.Name, m.probe.Check(ctx, d))
	}

	for _, name := range m.Names() {
		if !seen[name] {
			m.Forget(name)
		}
	}

	m.logger.Debug("status sweep complete", "agents", len(descs))
	return nil
}

// Record stores status as the latest for agent.
func (m *Monitor) Record(agent string, status health.Status) {
	m.mu.Lock()
	prev, known := m.statuses[agent]
	m.statuses[agent] = status
	m.mu.Unlock()

	if known && prev.State != status.State {
		m.logger.Info("agent status changed", "agent", agent, "from", prev.State, "to", status.State)
	}
	m.publish(agent, servingStatus(status.State))
}

// Forget drops the agent's status.
func (m *Monitor) Forget(agent string) {
	m.mu.Lock()
	delete(m.statuses, agent)
	m.mu.Unlock()
	m.publish(agent, healthpb.HealthCheckResponse_SERVICE_UNKNOWN)
}

// Status returns the latest recorded status for agent.
func (m *Monitor) Status(agent string) (health.Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.statuses[agent]
	return s, ok
}

// Names returns the agents with a recorded status, in order.
func (m *Monitor) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.statuses))
	for name := range m.statuses {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Monitor) publish(agent string, status healthpb.HealthCheckResponse_ServingStatus) {
	if m.publisher != nil {
		m.publisher.SetServingStatus(ServiceName(agent), status)
	}
}

func servingStatus(s health.State) healthpb.HealthCheckResponse_ServingStatus {
	if s == health.StateRunning {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
