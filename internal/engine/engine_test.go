// ABOUTME: Tests for the chat provider client, circuit breaker, provider source and tool loop
// ABOUTME: A fake OpenAI-compatible server scripts model replies

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agent-fleet/internal/config"
	"github.com/2389/agent-fleet/internal/mcp"
	"github.com/2389/agent-fleet/internal/mcp/mcptest"
	"github.com/2389/agent-fleet/internal/store"
)

// fakeLLM serves scripted chat completion replies in order and records requests.
type fakeLLM struct {
	mu       sync.Mutex
	replies  []openaiMessage
	requests []openaiRequest
	headers  []http.Header
	status   int
}

func (f *fakeLLM) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var req openaiRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	f.requests = append(f.requests, req)
	f.headers = append(f.headers, r.Header.Clone())

	if f.status != 0 {
		w.WriteHeader(f.status)
		_, _ = w.Write([]byte(`{"error":"nope"}`))
		return
	}

	reply := openaiMessage{Role: "assistant", Content: "done"}
	if len(f.replies) > 0 {
		reply = f.replies[0]
		f.replies = f.replies[1:]
	}
	_ = json.NewEncoder(w).Encode(openaiResponse{
		ID:      "chatcmpl-1",
		Model:   req.Model,
		Choices: []openaiChoice{{Message: reply, FinishReason: "stop"}},
	})
}

func newFakeProvider(t *testing.T, f *fakeLLM) *OpenAIProvider {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	p, err := NewOpenAIProvider(&config.Provider{Name: config.ProviderOpenAI, Model: "gpt-test", APIKey: "sk-test"}, nil)
	require.NoError(t, err)
	return p.withEndpoint(srv.URL)
}

type staticSource struct{ p ChatProvider }

func (s staticSource) Provider(context.Context) (ChatProvider, error) { return s.p, nil }

func toolCallReply(id, name, args string) openaiMessage {
	return openaiMessage{
		Role: "assistant",
		ToolCalls: []openaiToolCall{{
			ID:       id,
			Type:     "function",
			Function: openaiToolCallFunction{Name: name, Arguments: args},
		}},
	}
}

func TestNewOpenAIProvider_Endpoints(t *testing.T) {
	openai, err := NewOpenAIProvider(&config.Provider{Name: config.ProviderOpenAI, APIKey: "k"}, nil)
	require.NoError(t, err)
	assert.Equal(t, OpenAIBaseURL+"/chat/completions", openai.endpoint)
	assert.Equal(t, "Bearer k", openai.headers["Authorization"])

	google, err := NewOpenAIProvider(&config.Provider{Name: config.ProviderGoogle, APIKey: "g"}, nil)
	require.NoError(t, err)
	assert.Equal(t, GoogleBaseURL+"/chat/completions", google.endpoint)

	azure, err := NewOpenAIProvider(&config.Provider{
		Name:       config.ProviderAzure,
		Model:      "my-deploy",
		APIKey:     "a",
		Endpoint:   "https://example.openai.azure.com/",
		APIVersion: "2024-10-21",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "https://example.openai.azure.com/openai/deployments/my-deploy/chat/completions?api-version=2024-10-21", azure.endpoint)
	assert.Equal(t, "a", azure.headers["api-key"])

	_, err = NewOpenAIProvider(&config.Provider{Name: config.ProviderAzure}, nil)
	assert.Error(t, err)

	_, err = NewOpenAIProvider(&config.Provider{Name: "bogus"}, nil)
	assert.Error(t, err)
}

func TestOpenAIProvider_Chat(t *testing.T) {
	f := &fakeLLM{replies: []openaiMessage{{Role: "assistant", Content: "hello"}}}
	p := newFakeProvider(t, f)

	resp, err := p.Chat(context.Background(), ChatRequest{
		Messages: []ChatMessage{{Role: RoleUser, Content: "hi"}},
		Tools:    []ToolDef{{Name: "search", Description: "find things"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Message.Content)

	require.Len(t, f.requests, 1)
	assert.Equal(t, "gpt-test", f.requests[0].Model)
	require.Len(t, f.requests[0].Tools, 1)
	assert.JSONEq(t, `{"type":"object"}`, string(f.requests[0].Tools[0].Function.Parameters))
	assert.Equal(t, "Bearer sk-test", f.headers[0].Get("Authorization"))
}

func TestOpenAIProvider_HTTPErrors(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, ErrRateLimit},
		{http.StatusUnauthorized, ErrAuth},
		{http.StatusForbidden, ErrAuth},
	}
	for _, tt := range tests {
		p := newFakeProvider(t, &fakeLLM{status: tt.status})
		_, err := p.Chat(context.Background(), ChatRequest{})
		assert.ErrorIs(t, err, tt.want, "status %d", tt.status)
	}

	p := newFakeProvider(t, &fakeLLM{status: http.StatusInternalServerError})
	_, err := p.Chat(context.Background(), ChatRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API error 500")
}

type funcProvider struct {
	calls int
	fn    func() (*ChatResponse, error)
}

func (p *funcProvider) Chat(context.Context, ChatRequest) (*ChatResponse, error) {
	p.calls++
	return p.fn()
}

func (p *funcProvider) Name() string { return "func" }

func TestBreakerProvider_OpensAfterFailures(t *testing.T) {
	inner := &funcProvider{fn: func() (*ChatResponse, error) { return nil, errors.New("boom") }}
	bp := NewBreakerProvider(inner, BreakerSettings{MaxFailures: 2, Timeout: time.Minute}, nil)

	for i := 0; i < 2; i++ {
		_, err := bp.Chat(context.Background(), ChatRequest{})
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, bp.State())

	_, err := bp.Chat(context.Background(), ChatRequest{})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, inner.calls)
}

func TestBreakerProvider_CancellationIsNotFailure(t *testing.T) {
	inner := &funcProvider{fn: func() (*ChatResponse, error) { return nil, context.Canceled }}
	bp := NewBreakerProvider(inner, BreakerSettings{MaxFailures: 1, Timeout: time.Minute}, nil)

	_, err := bp.Chat(context.Background(), ChatRequest{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, gobreaker.StateClosed, bp.State())
}

func TestStoreSource_ResolvesStoredConfig(t *testing.T) {
	st := store.NewMockStore()
	var built []*config.Provider
	src := NewStoreSource(st, BreakerSettings{}, func(p *config.Provider) (ChatProvider, error) {
		built = append(built, p)
		return &funcProvider{}, nil
	}, nil)
	src.getenv = func(string) string { return "" }

	p1, err := src.Provider(context.Background())
	require.NoError(t, err)
	require.Len(t, built, 1)
	assert.Equal(t, config.DefaultProvider, built[0].Name)

	// Same configuration reuses the client.
	p2, err := src.Provider(context.Background())
	require.NoError(t, err)
	assert.Same(t, p1, p2)

	_, err = st.SaveProviderConfig(context.Background(), store.ProviderConfig{
		"LLM_PROVIDER":   "openai",
		"OPENAI_API_KEY": "sk-stored",
	})
	require.NoError(t, err)

	_, err = src.Provider(context.Background())
	require.NoError(t, err)
	require.Len(t, built, 2)
	assert.Equal(t, "openai", built[1].Name)
	assert.Equal(t, "sk-stored", built[1].APIKey)
}

func TestAgent_ToolLoop(t *testing.T) {
	f := &fakeLLM{replies: []openaiMessage{
		toolCallReply("call_1", "lookup_docs", `{"q":"go"}`),
		{Role: "assistant", Content: "Go is a language."},
	}}
	dialer := &mcptest.Dialer{
		Tools:   []mcp.Tool{{Name: "lookup docs", Description: "search docs"}},
		Answers: map[string]string{"lookup docs": "Go: a programming language"},
	}
	a := NewAgent(&store.AgentDescriptor{Name: "docs", Prompt: "You answer questions."},
		dialer, staticSource{newFakeProvider(t, f)}, 5, nil)

	var steps []Step
	err := a.Stream(context.Background(), "what is go?", "s1", func(s Step) error {
		steps = append(steps, s)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, steps, 3)
	assert.Equal(t, MsgLookingUp, steps[0].Content)
	assert.Equal(t, MsgProcessing, steps[1].Content)
	assert.Equal(t, Step{Content: "Go is a language.", Complete: true}, steps[2])

	require.Len(t, f.requests, 2)
	first := f.requests[0]
	assert.Equal(t, "system", first.Messages[0].Role)
	assert.Equal(t, "You answer questions.", first.Messages[0].Content)
	assert.Equal(t, "lookup_docs", first.Tools[0].Function.Name)

	second := f.requests[1]
	last := second.Messages[len(second.Messages)-1]
	assert.Equal(t, "tool", last.Role)
	assert.Equal(t, "call_1", last.ToolCallID)
	assert.Equal(t, "Go: a programming language", last.Content)
}

func TestAgent_InvokeKeepsSessionMemory(t *testing.T) {
	f := &fakeLLM{replies: []openaiMessage{
		{Role: "assistant", Content: "first"},
		{Role: "assistant", Content: "second"},
	}}
	a := NewAgent(&store.AgentDescriptor{Name: "docs"}, &mcptest.Dialer{}, staticSource{newFakeProvider(t, f)}, 5, nil)

	step, err := a.Invoke(context.Background(), "one", "s1")
	require.NoError(t, err)
	assert.Equal(t, "first", step.Content)
	assert.True(t, step.Complete)

	_, err = a.Invoke(context.Background(), "two", "s1")
	require.NoError(t, err)

	msgs := f.requests[1].Messages
	require.Len(t, msgs, 4)
	assert.Equal(t, "one", msgs[1].Content)
	assert.Equal(t, "first", msgs[2].Content)
	assert.Equal(t, "two", msgs[3].Content)
}

func TestAgent_ToolRoundsExceeded(t *testing.T) {
	f := &fakeLLM{}
	for i := 0; i < 3; i++ {
		f.replies = append(f.replies, toolCallReply("c", "t", `{}`))
	}
	dialer := &mcptest.Dialer{Tools: []mcp.Tool{{Name: "t"}}, Answers: map[string]string{"t": "x"}}
	a := NewAgent(&store.AgentDescriptor{Name: "docs"}, dialer, staticSource{newFakeProvider(t, f)}, 1, nil)

	_, err := a.Invoke(context.Background(), "loop", "")
	assert.ErrorIs(t, err, ErrToolRoundsExceeded)
}

func TestAgent_DownstreamUnavailable(t *testing.T) {
	dialer := &mcptest.Dialer{Err: errors.New("connection refused")}
	a := NewAgent(&store.AgentDescriptor{Name: "docs"}, dialer, staticSource{&funcProvider{}}, 5, nil)

	_, err := a.Invoke(context.Background(), "hi", "s")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connecting to tools")
}

func TestAgent_YieldErrorAborts(t *testing.T) {
	f := &fakeLLM{replies: []openaiMessage{toolCallReply("c", "t", `{}`)}}
	dialer := &mcptest.Dialer{Tools: []mcp.Tool{{Name: "t"}}, Answers: map[string]string{"t": "x"}}
	a := NewAgent(&store.AgentDescriptor{Name: "docs"}, dialer, staticSource{newFakeProvider(t, f)}, 5, nil)

	stop := errors.New("client went away")
	err := a.Stream(context.Background(), "q", "s", func(Step) error { return stop })
	assert.ErrorIs(t, err, stop)
	assert.Len(t, f.requests, 1)
}
