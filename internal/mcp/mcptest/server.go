// ABOUTME: In-process MCP tool server for tests
// ABOUTME: Serves mcp-go's streamable HTTP handler under /mcp on an httptest server

package mcptest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Tool is a test tool: a name, a description and a fixed text answer.
type Tool struct {
	Name        string
	Description string
	Answer      string
}

// NewServer starts an MCP server offering tools and returns it. Its URL is the
// address an agent descriptor would carry; the MCP endpoint lives at URL+"/mcp".
func NewServer(t testing.TB, tools ...Tool) *httptest.Server {
	t.Helper()

	s := server.NewMCPServer("mcptest", "1.0.0", server.WithToolCapabilities(false))
	for _, tool := range tools {
		answer := tool.Answer
		s.AddTool(
			mcp.NewTool(tool.Name, mcp.WithDescription(tool.Description)),
			func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				return mcp.NewToolResultText(answer), nil
			},
		)
	}

	mux := http.NewServeMux()
	mux.Handle("/mcp", server.NewStreamableHTTPServer(s))

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}
