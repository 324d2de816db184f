// ABOUTME: Tool-calling reasoning loop for one agent
// ABOUTME: Offers the agent's downstream MCP tools to the model and reports progress as steps

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"github.com/2389/agent-fleet/internal/mcp"
	"github.com/2389/agent-fleet/internal/store"
)

// Progress messages reported while a task is worked on.
const (
	MsgLookingUp  = "Looking up data..."
	MsgProcessing = "Processing response..."
)

// ErrToolRoundsExceeded is returned when the model keeps calling tools past the round limit.
var ErrToolRoundsExceeded = errors.New("tool call rounds exceeded")

// Step is one unit of engine output. Complete marks the final answer.
type Step struct {
	Content    string
	Complete   bool
	NeedsInput bool
}

// Engine answers queries for one agent. Session IDs key conversation memory.
type Engine interface {
	Invoke(ctx context.Context, query, sessionID string) (*Step, error)
	// Stream calls yield for every intermediate step and finally for the
	// complete one. An error from yield aborts the stream.
	Stream(ctx context.Context, query, sessionID string, yield func(Step) error) error
}

// Agent is the Engine backed by an LLM and the agent's MCP tools.
type Agent struct {
	name       string
	prompt     string
	mcpAddress string
	transport  string
	dialer     mcp.Dialer
	providers  ProviderSource
	maxRounds  int
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string][]ChatMessage
}

var _ Engine = (*Agent)(nil)

// NewAgent builds the engine for a descriptor.
func NewAgent(d *store.AgentDescriptor, dialer mcp.Dialer, providers ProviderSource, maxRounds int, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	if maxRounds <= 0 {
		maxRounds = 5
	}
	return &Agent{
		name:       d.Name,
		prompt:     d.Prompt,
		mcpAddress: d.MCPAddress,
		transport:  d.MCPTransport,
		dialer:     dialer,
		providers:  providers,
		maxRounds:  maxRounds,
		logger:     logger.With("agent", d.Name),
		sessions:   make(map[string][]ChatMessage),
	}
}

// Invoke implements Engine.
func (a *Agent) Invoke(ctx context.Context, query, sessionID string) (*Step, error) {
	var final Step
	err := a.run(ctx, query, sessionID, func(s Step) error {
		if s.Complete {
			final = s
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &final, nil
}

// Stream implements Engine.
func (a *Agent) Stream(ctx context.Context, query, sessionID string, yield func(Step) error) error {
	return a.run(ctx, query, sessionID, yield)
}

func (a *Agent) run(ctx context.Context, query, sessionID string, yield func(Step) error) error {
	provider, err := a.providers.Provider(ctx)
	if err != nil {
		return err
	}

	sess, err := a.dialer.Dial(ctx, a.mcpAddress, a.transport)
	if err != nil {
		return fmt.Errorf("connecting to tools: %w", err)
	}
	defer sess.Close()

	tools, err := sess.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("listing tools: %w", err)
	}
	defs, names := toolDefs(tools)

	user := ChatMessage{Role: RoleUser, Content: query}
	messages := []ChatMessage{{Role: RoleSystem, Content: a.prompt}}
	messages = append(messages, a.history(sessionID)...)
	messages = append(messages, user)
	turn := []ChatMessage{user}

	for round := 0; round <= a.maxRounds; round++ {
		resp, err := provider.Chat(ctx, ChatRequest{Messages: messages, Tools: defs})
		if err != nil {
			return fmt.Errorf("chat: %w", err)
		}
		reply := resp.Message
		reply.Role = RoleAssistant
		messages = append(messages, reply)
		turn = append(turn, reply)

		if len(reply.ToolCalls) == 0 {
			a.remember(sessionID, turn)
			return yield(Step{Content: reply.Content, Complete: true})
		}

		if err := yield(Step{Content: MsgLookingUp}); err != nil {
			return err
		}

		for _, call := range reply.ToolCalls {
			result := a.callTool(ctx, sess, names, call)
			msg := ChatMessage{Role: RoleTool, Content: result, ToolCallID: call.ID}
			messages = append(messages, msg)
			turn = append(turn, msg)
		}

		if err := yield(Step{Content: MsgProcessing}); err != nil {
			return err
		}
	}

	return ErrToolRoundsExceeded
}

func (a *Agent) callTool(ctx context.Context, sess mcp.Session, names map[string]string, call ToolCall) string {
	name, ok := names[call.Name]
	if !ok {
		return fmt.Sprintf("error: unknown tool %q", call.Name)
	}

	var args map[string]any
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return fmt.Sprintf("error: invalid arguments: %v", err)
		}
	}

	result, err := sess.CallTool(ctx, name, args)
	if err != nil {
		a.logger.Warn("tool call failed", "tool", name, "error", err)
		return fmt.Sprintf("error: %v", err)
	}
	a.logger.Debug("tool call completed", "tool", name)
	return result
}

func (a *Agent) history(sessionID string) []ChatMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ChatMessage(nil), a.sessions[sessionID]...)
}

func (a *Agent) remember(sessionID string, turn []ChatMessage) {
	if sessionID == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions[sessionID] = append(a.sessions[sessionID], turn...)
}

var invalidToolChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// toolDefs converts MCP tools into function definitions. Names the model
// would reject are sanitized; the returned map leads back to the MCP name.
func toolDefs(tools []mcp.Tool) ([]ToolDef, map[string]string) {
	defs := make([]ToolDef, 0, len(tools))
	names := make(map[string]string, len(tools))
	for _, t := range tools {
		name := invalidToolChars.ReplaceAllString(t.Name, "_")
		if len(name) > 64 {
			name = name[:64]
		}
		names[name] = t.Name
		defs = append(defs, ToolDef{
			Name:        name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}
	return defs, names
}
