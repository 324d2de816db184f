// ABOUTME: Chat provider abstraction used by the reasoning engine
// ABOUTME: Provider-neutral messages, tool definitions and tool calls

package engine

import (
	"context"
	"encoding/json"
)

// Chat roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is a function call requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ChatMessage is one message of a conversation with the model.
type ChatMessage struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string // set on tool result messages
}

// ToolDef describes a function the model may call.
type ToolDef struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// ChatRequest is one completion request.
type ChatRequest struct {
	Messages []ChatMessage
	Tools    []ToolDef
}

// ChatResponse is the model's reply.
type ChatResponse struct {
	Message ChatMessage
}

// ChatProvider completes conversations.
type ChatProvider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Name() string
}
