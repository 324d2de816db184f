// ABOUTME: Builds the agent card served at /.well-known/agent.json
// ABOUTME: Skills are the tools the agent's downstream MCP server offers

package agentserver

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/2389/agent-fleet/internal/a2a"
	"github.com/2389/agent-fleet/internal/mcp"
	"github.com/2389/agent-fleet/internal/store"
)

// CardVersion is the version advertised in every agent card.
const CardVersion = "1.0.0"

// BuildCard lists the downstream tools of d and describes the agent. It fails
// when the MCP server cannot be reached.
func BuildCard(ctx context.Context, d *store.AgentDescriptor, dialer mcp.Dialer) (*a2a.AgentCard, error) {
	tools, err := mcp.ListTools(ctx, dialer, d.MCPAddress, d.MCPTransport)
	if err != nil {
		return nil, fmt.Errorf("MCP server is not running or not reachable: %w", err)
	}

	skills := make([]a2a.AgentSkill, 0, len(tools))
	for _, t := range tools {
		skills = append(skills, a2a.AgentSkill{
			ID:          a2a.SkillID(t.Name),
			Name:        t.Name,
			Description: t.Description,
		})
	}

	return &a2a.AgentCard{
		Name:        d.Name,
		Description: d.Description,
		URL:         "http://" + net.JoinHostPort(d.Host, strconv.Itoa(d.Port)) + "/",
		Version:     CardVersion,
		Capabilities: a2a.AgentCapabilities{
			Streaming:         true,
			PushNotifications: true,
		},
		DefaultInputModes:  a2a.SupportedContentTypes,
		DefaultOutputModes: a2a.SupportedContentTypes,
		Skills:             skills,
	}, nil
}
