package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/delvd/delv/pkg/agent"
)

// Toolset exposes the connected servers' tools to the agent engine, with
// server-prefixed names ("search-server.web_search").
type Toolset struct {
	client *Client
}

// NewToolset wraps a connected client.
func NewToolset(client *Client) *Toolset {
	return &Toolset{client: client}
}

// cacheableTools are deterministic reads eligible for the per-run result
// cache. Dynamic searches are deliberately absent.
var cacheableTools = map[string]bool{
	"read_file":        true,
	"get_current_time": true,
}

// List enumerates tools across all connected servers. Per-server listing
// failures are logged and skipped so one dead server cannot blank the
// whole tool surface.
func (t *Toolset) List(ctx context.Context) ([]agent.Tool, error) {
	var out []agent.Tool
	for _, serverID := range t.client.ConnectedServers() {
		tools, err := t.client.ListTools(ctx, serverID)
		if err != nil {
			slog.Warn("Failed to list tools from MCP server",
				"server", serverID, "error", err)
			continue
		}
		for _, tool := range tools {
			out = append(out, t.adapt(serverID, tool))
		}
	}
	return out, nil
}

func (t *Toolset) adapt(serverID string, tool *mcpsdk.Tool) agent.Tool {
	toolName := tool.Name
	return agent.Tool{
		Name:             fmt.Sprintf("%s.%s", serverID, toolName),
		Description:      tool.Description,
		ParametersSchema: marshalSchema(tool.InputSchema),
		Cacheable:        cacheableTools[toolName],
		Exec: func(ctx context.Context, parameters map[string]any) (string, error) {
			result, err := t.client.CallTool(ctx, serverID, toolName, parameters)
			if err != nil {
				return "", err
			}
			content := SanitizeResult(extractTextContent(result))
			if result.IsError {
				return "", fmt.Errorf("tool reported error: %s", content)
			}
			return content, nil
		},
	}
}

// extractTextContent concatenates the text blocks of a tool result.
// Non-text content (images, embedded resources) is skipped.
func extractTextContent(result *mcpsdk.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		} else {
			slog.Debug("MCP tool returned non-text content, skipping",
				"content_type", fmt.Sprintf("%T", c))
		}
	}
	return strings.Join(parts, "\n")
}

func marshalSchema(schema any) string {
	if schema == nil {
		return ""
	}
	data, err := json.Marshal(schema)
	if err != nil {
		slog.Debug("Failed to marshal tool input schema", "error", err)
		return ""
	}
	return string(data)
}
