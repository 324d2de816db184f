// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"

	"github.com/oklog/ulid/v2"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	agents   map[string]*AgentDescriptor // keyed by agent name
	provider ProviderConfig

	// PingErr, when set, is returned from Ping to simulate an unreachable database.
	PingErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		agents: make(map[string]*AgentDescriptor),
	}
}

// ListAgents returns copies of every descriptor ordered by name.
func (m *MockStore) ListAgents(ctx context.Context) ([]*AgentDescriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agents := make([]*AgentDescriptor, 0, len(m.agents))
	for _, a := range m.agents {
		c := *a
		agents = append(agents, &c)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].Name < agents[j].Name })
	return agents, nil
}

// GetAgent returns a copy of the named descriptor.
func (m *MockStore) GetAgent(ctx context.Context, name string) (*AgentDescriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[name]
	if !ok {
		return nil, ErrNotFound
	}
	c := *a
	return &c, nil
}

// SaveAgent stores a copy of the descriptor.
func (m *MockStore) SaveAgent(ctx context.Context, agent *AgentDescriptor) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.agents[agent.Name]; exists {
		return "", ErrDuplicateAgent
	}

	agent.ID = ulid.Make().String()
	c := *agent
	m.agents[c.Name] = &c
	return c.ID, nil
}

// DeleteAgentByName removes the named descriptor.
func (m *MockStore) DeleteAgentByName(ctx context.Context, name string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[name]; !ok {
		return 0, nil
	}
	delete(m.agents, name)
	return 1, nil
}

// UpdateAgentPort rewrites the port of the named descriptor.
func (m *MockStore) UpdateAgentPort(ctx context.Context, name string, port int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[name]
	if !ok {
		return 0, nil
	}
	a.Port = port
	return 1, nil
}

// SaveProviderConfig replaces the stored provider configuration.
func (m *MockStore) SaveProviderConfig(ctx context.Context, cfg ProviderConfig) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := ulid.Make().String()
	m.provider = ProviderConfig{"id": id}
	for k, v := range cfg {
		if k == "id" {
			continue
		}
		m.provider[k] = v
	}
	return id, nil
}

// GetProviderConfig returns a copy of the stored provider configuration.
func (m *MockStore) GetProviderConfig(ctx context.Context) (ProviderConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.provider == nil {
		return nil, ErrNotFound
	}
	c := make(ProviderConfig, len(m.provider))
	for k, v := range m.provider {
		c[k] = v
	}
	return c, nil
}

// Ping returns PingErr.
func (m *MockStore) Ping(ctx context.Context) error {
	return m.PingErr
}

// Close is a no-op for the mock.
func (m *MockStore) Close() error {
	return nil
}

// Compile-time interface checks
var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
