// ABOUTME: OpenAI-compatible chat completions client for the openai, azure and google providers
// ABOUTME: Google is reached through its OpenAI-compatible endpoint

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/2389/agent-fleet/internal/config"
	"github.com/2389/agent-fleet/internal/tracing"
)

// Base URLs of the hosted providers
const (
	OpenAIBaseURL = "https://api.openai.com/v1"
	GoogleBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai"
)

const (
	maxResponseBody = 10 << 20
	requestTimeout  = 120 * time.Second
)

// ErrRateLimit is returned when the provider answers 429.
var ErrRateLimit = errors.New("rate limited")

// ErrAuth is returned when the provider rejects the credentials.
var ErrAuth = errors.New("authentication failed")

// OpenAIProvider talks to any OpenAI-compatible chat completions API.
type OpenAIProvider struct {
	name     string
	model    string
	endpoint string
	headers  map[string]string
	client   *http.Client
	logger   *slog.Logger
}

// NewOpenAIProvider builds a client for the resolved provider configuration.
func NewOpenAIProvider(p *config.Provider, logger *slog.Logger) (*OpenAIProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	op := &OpenAIProvider{
		name:    p.Name,
		model:   p.Model,
		headers: map[string]string{},
		client:  &http.Client{Timeout: requestTimeout},
		logger:  logger,
	}

	switch p.Name {
	case config.ProviderOpenAI:
		op.endpoint = OpenAIBaseURL + "/chat/completions"
		op.headers["Authorization"] = "Bearer " + p.APIKey
	case config.ProviderGoogle:
		op.endpoint = GoogleBaseURL + "/chat/completions"
		op.headers["Authorization"] = "Bearer " + p.APIKey
	case config.ProviderAzure:
		if p.Endpoint == "" {
			return nil, fmt.Errorf("azure provider requires AZURE_OPENAI_ENDPOINT")
		}
		q := url.Values{}
		if p.APIVersion != "" {
			q.Set("api-version", p.APIVersion)
		}
		op.endpoint = fmt.Sprintf("%s/openai/deployments/%s/chat/completions?%s",
			strings.TrimRight(p.Endpoint, "/"), url.PathEscape(p.Model), q.Encode())
		op.headers["api-key"] = p.APIKey
	default:
		return nil, fmt.Errorf("unsupported provider: %s", p.Name)
	}

	return op, nil
}

// withEndpoint points the provider at a different URL; used by tests.
func (p *OpenAIProvider) withEndpoint(endpoint string) *OpenAIProvider {
	p.endpoint = endpoint
	return p
}

// Name implements ChatProvider.
func (p *OpenAIProvider) Name() string { return p.name }

// Chat implements ChatProvider.
func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (resp *ChatResponse, err error) {
	ctx, span := tracing.StartSpan(ctx, "llm.chat",
		attribute.String("llm.provider", p.name),
		attribute.String("llm.model", p.model),
		attribute.Int("llm.tools", len(req.Tools)),
	)
	defer func() { tracing.End(span, err) }()

	body, err := json.Marshal(toOpenAIRequest(p.model, req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range p.headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, mapHTTPError(httpResp.StatusCode, respBody)
	}

	var oaiResp openaiResponse
	if err := json.Unmarshal(respBody, &oaiResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(oaiResp.Choices) == 0 {
		return nil, fmt.Errorf("response has no choices")
	}

	span.SetAttributes(
		attribute.Int("llm.prompt_tokens", oaiResp.Usage.PromptTokens),
		attribute.Int("llm.completion_tokens", oaiResp.Usage.CompletionTokens),
	)
	p.logger.Debug("chat completed",
		"provider", p.name,
		"model", oaiResp.Model,
		"total_tokens", oaiResp.Usage.TotalTokens,
	)
	return fromOpenAIResponse(oaiResp), nil
}

func mapHTTPError(statusCode int, body []byte) error {
	detail := fmt.Sprintf("API error %d: %s", statusCode, string(body))

	switch statusCode {
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimit, detail)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrAuth, detail)
	}
	return errors.New(detail)
}

// --- OpenAI API wire types ---

type openaiRequest struct {
	Model    string          `json:"model"`
	Messages []openaiMessage `json:"messages"`
	Tools    []openaiTool    `json:"tools,omitempty"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiTool struct {
	Type     string             `json:"type"`
	Function openaiToolFunction `json:"function"`
}

type openaiToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type openaiToolCall struct {
	ID       string                 `json:"id"`
	Type     string                 `json:"type"`
	Function openaiToolCallFunction `json:"function"`
}

type openaiToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   openaiUsage    `json:"usage"`
}

type openaiChoice struct {
	Index        int           `json:"index"`
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func toOpenAIRequest(model string, req ChatRequest) openaiRequest {
	msgs := make([]openaiMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		om := openaiMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, openaiToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: openaiToolCallFunction{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		msgs = append(msgs, om)
	}

	oaiReq := openaiRequest{Model: model, Messages: msgs}
	for _, t := range req.Tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object"}`)
		}
		oaiReq.Tools = append(oaiReq.Tools, openaiTool{
			Type: "function",
			Function: openaiToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return oaiReq
}

func fromOpenAIResponse(resp openaiResponse) *ChatResponse {
	choice := resp.Choices[0]
	msg := ChatMessage{Role: choice.Message.Role, Content: choice.Message.Content}
	for _, tc := range choice.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return &ChatResponse{Message: msg}
}
