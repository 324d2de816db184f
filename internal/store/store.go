// ABOUTME: Store interface and data types for agent-fleet persistence
// ABOUTME: Defines AgentDescriptor, ProviderConfig and the Store interface

package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateAgent is returned when saving a descriptor whose name is already stored
var ErrDuplicateAgent = errors.New("agent already exists")

// AgentDescriptor is the stored configuration of one agent task server.
// JSON field names match the admin API payloads.
type AgentDescriptor struct {
	ID           string `json:"id,omitempty"`
	Name         string `json:"agent_name"`
	Description  string `json:"agent_description"`
	Prompt       string `json:"agent_prompt"`
	MCPAddress   string `json:"mcp_address"`
	MCPTransport string `json:"mcp_transport_type"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
}

// Addr returns host:port for the descriptor's listener.
func (d *AgentDescriptor) Addr() string {
	return joinHostPort(d.Host, d.Port)
}

// ProviderConfig is the single stored LLM provider configuration document.
// Keys are the environment-style names (LLM_PROVIDER, OPENAI_API_KEY, ...).
type ProviderConfig map[string]string

// Store defines the storage collaborator used by the control plane
type Store interface {
	// Agents
	ListAgents(ctx context.Context) ([]*AgentDescriptor, error)
	GetAgent(ctx context.Context, name string) (*AgentDescriptor, error)
	SaveAgent(ctx context.Context, agent *AgentDescriptor) (string, error)
	DeleteAgentByName(ctx context.Context, name string) (int, error)
	UpdateAgentPort(ctx context.Context, name string, port int) (int, error)

	// Provider configuration (one active document, always overwritten)
	SaveProviderConfig(ctx context.Context, cfg ProviderConfig) (string, error)
	GetProviderConfig(ctx context.Context) (ProviderConfig, error)

	// Ping reports whether the backing database is reachable
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
