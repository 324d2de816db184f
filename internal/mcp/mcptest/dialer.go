// ABOUTME: In-memory MCP dialer with canned tools and answers for unit tests
// ABOUTME: Counts dials and can be switched to fail while a test runs

package mcptest

import (
	"context"
	"fmt"
	"sync"

	"github.com/2389/agent-fleet/internal/mcp"
)

// Dialer is an in-memory mcp.Dialer. Err, when set, fails every Dial.
type Dialer struct {
	mu      sync.Mutex
	Tools   []mcp.Tool
	Answers map[string]string
	Err     error
	Dials   int
}

// SetErr changes the dial error while tests run.
func (d *Dialer) SetErr(err error) {
	d.mu.Lock()
	d.Err = err
	d.mu.Unlock()
}

// Dial implements mcp.Dialer.
func (d *Dialer) Dial(ctx context.Context, address, transportType string) (mcp.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Dials++
	if d.Err != nil {
		return nil, d.Err
	}
	return &session{d: d}, nil
}

type session struct {
	d *Dialer
}

func (s *session) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	return append([]mcp.Tool(nil), s.d.Tools...), nil
}

func (s *session) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	answer, ok := s.d.Answers[name]
	if !ok {
		return "", fmt.Errorf("unknown tool %s", name)
	}
	return answer, nil
}

func (s *session) Close() error { return nil }
