// ABOUTME: Client for an agent's downstream MCP tool server
// ABOUTME: Dials over streamable HTTP or SSE via mcp-go, lists tools and calls them

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// Transport types accepted in an agent descriptor's mcp_transport_type.
const (
	TransportStreamableHTTP = "streamable_http"
	TransportSSE            = "sse"
)

// callTimeout bounds a single tool call.
const callTimeout = 30 * time.Second

// ErrUnsupportedTransport is returned for transport types other than streamable_http and sse.
var ErrUnsupportedTransport = errors.New("unsupported MCP transport")

// Tool describes one tool offered by a downstream MCP server.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Session is an initialized connection to one MCP server.
type Session interface {
	ListTools(ctx context.Context) ([]Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
	Close() error
}

// Dialer opens sessions to MCP servers. Tests substitute fakes.
type Dialer interface {
	Dial(ctx context.Context, address, transportType string) (Session, error)
}

// URL returns the endpoint for an MCP server address: trailing slashes are
// trimmed and "/mcp" appended.
func URL(address string) string {
	return strings.TrimRight(address, "/") + "/mcp"
}

// ListTools dials the server, lists its tools and closes the session.
func ListTools(ctx context.Context, d Dialer, address, transportType string) ([]Tool, error) {
	sess, err := d.Dial(ctx, address, transportType)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	return sess.ListTools(ctx)
}

// mcpConn is the subset of the mcp-go client used here.
type mcpConn interface {
	Initialize(ctx context.Context, request mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// Client dials downstream MCP servers with mcp-go.
type Client struct {
	name    string
	version string
	logger  *slog.Logger
}

// NewClient creates a Client that identifies itself with the given name and version.
func NewClient(name, version string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{name: name, version: version, logger: logger.With("component", "mcp")}
}

// Dial connects to the MCP server at address and performs the initialize handshake.
func (c *Client) Dial(ctx context.Context, address, transportType string) (Session, error) {
	url := URL(address)

	var conn *mcpclient.Client
	switch transportType {
	case TransportStreamableHTTP, "http", "":
		t, err := transport.NewStreamableHTTP(url)
		if err != nil {
			return nil, fmt.Errorf("creating http transport: %w", err)
		}
		conn = mcpclient.NewClient(t)
	case TransportSSE:
		sc, err := mcpclient.NewSSEMCPClient(url)
		if err != nil {
			return nil, fmt.Errorf("creating sse client: %w", err)
		}
		conn = sc
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedTransport, transportType)
	}

	if err := conn.Start(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("starting %s client for %s: %w", transportType, url, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    c.name,
		Version: c.version,
	}
	if _, err := conn.Initialize(ctx, initReq); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initializing %s: %w", url, err)
	}

	c.logger.Debug("mcp session opened", "url", url, "transport", transportType)
	return &session{conn: conn}, nil
}

type session struct {
	conn mcpConn
}

func (s *session) ListTools(ctx context.Context) ([]Tool, error) {
	result, err := s.conn.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("listing tools: %w", err)
	}

	tools := make([]Tool, 0, len(result.Tools))
	for _, t := range result.Tools {
		tool := Tool{Name: t.Name, Description: t.Description}
		if data, err := json.Marshal(t.InputSchema); err == nil {
			tool.InputSchema = data
		}
		tools = append(tools, tool)
	}
	return tools, nil
}

func (s *session) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	result, err := s.conn.CallTool(callCtx, req)
	if err != nil {
		return "", fmt.Errorf("calling tool %s: %w", name, err)
	}

	text := contentText(result)
	if result.IsError {
		return text, fmt.Errorf("tool %s returned an error: %s", name, text)
	}
	return text, nil
}

func (s *session) Close() error {
	return s.conn.Close()
}

// contentText joins the text parts of a tool result; other content is JSON encoded.
func contentText(result *mcp.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			if data, err := json.Marshal(v); err == nil {
				parts = append(parts, string(data))
			}
		}
	}
	return strings.Join(parts, "\n")
}
