package manager

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Bigsy/mcpbridge/internal/config"
	"github.com/Bigsy/mcpbridge/internal/mcp"
	"github.com/Bigsy/mcpbridge/internal/tools"
)

// DefaultInputSchema is used for remote tools that publish no schema.
const DefaultInputSchema = `{"type":"object","properties":{}}`

// toolClient is the slice of *mcp.Client an adapter needs.
type toolClient interface {
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
	ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error)
}

// ToolPrefix is the name prefix shared by every adapter of one server:
// "mcp_<sanitized lowercased server name>_".
func ToolPrefix(serverName string) string {
	return "mcp_" + config.ServerConfig{Name: serverName}.ToolNamespace() + "_"
}

// adapter exposes one remote MCP tool as a local tools.Tool.
type adapter struct {
	name        string
	remoteName  string
	description string
	schema      string
	destructive bool
	client      toolClient
	logger      *slog.Logger
}

var _ tools.Tool = (*adapter)(nil)

func newAdapter(serverName string, t mcp.Tool, client toolClient, logger *slog.Logger) *adapter {
	schema := strings.TrimSpace(string(t.InputSchema))
	if schema == "" || schema == "null" {
		schema = DefaultInputSchema
	}
	return &adapter{
		name:        ToolPrefix(serverName) + t.Name,
		remoteName:  t.Name,
		description: fmt.Sprintf("[MCP:%s] %s", serverName, t.Description),
		schema:      schema,
		destructive: tools.IsDestructiveName(t.Name),
		client:      client,
		logger:      logger,
	}
}

// newAdapters wraps every tool of a server.
func newAdapters(serverName string, remote []mcp.Tool, client toolClient, logger *slog.Logger) []tools.Tool {
	out := make([]tools.Tool, 0, len(remote))
	for _, t := range remote {
		out = append(out, newAdapter(serverName, t, client, logger))
	}
	return out
}

func (a *adapter) Name() string        { return a.name }
func (a *adapter) Description() string { return a.description }
func (a *adapter) InputSchema() string { return a.schema }
func (a *adapter) IsDestructive() bool { return a.destructive }

// Execute calls the remote tool. Failures of any kind come back as a
// failure Result; the returned error is always nil.
func (a *adapter) Execute(ctx context.Context, args map[string]any) (tools.Result, error) {
	result, err := a.client.CallTool(ctx, a.remoteName, args)
	if err != nil {
		a.logger.Warn("MCP tool call failed", "tool", a.remoteName, "error", err)
		return tools.Failure("MCP tool error: " + err.Error()), nil
	}

	if result.IsError {
		return tools.Failure(firstText(result.Content)), nil
	}

	output := a.render(ctx, result.Content)
	if output == "" && len(result.StructuredContent) > 0 && string(result.StructuredContent) != "null" {
		output = string(result.StructuredContent)
	}
	return tools.Success(strings.TrimSpace(output)), nil
}

func firstText(content []mcp.Content) string {
	for _, c := range content {
		if c.Type == mcp.ContentText && strings.TrimSpace(c.Text) != "" {
			return c.Text
		}
	}
	return "Unknown MCP error"
}

// render concatenates content blocks in order. Resource blocks without
// inline text are read one at a time so the output keeps block order.
func (a *adapter) render(ctx context.Context, content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		var piece string
		switch c.Type {
		case mcp.ContentText:
			piece = c.Text
		case mcp.ContentImage:
			piece = fmt.Sprintf("[MCP image content omitted: %s]", c.MimeType)
		case mcp.ContentResource:
			piece = a.resourceText(ctx, c.Resource)
		default:
			a.logger.Debug("skipping unknown content block", "type", c.Type)
		}
		if strings.TrimSpace(piece) != "" {
			parts = append(parts, piece)
		}
	}
	return strings.Join(parts, "\n")
}

func (a *adapter) resourceText(ctx context.Context, rc *mcp.ResourceContents) string {
	if rc == nil {
		return ""
	}
	if rc.Text != "" {
		return rc.Text
	}
	if rc.URI == "" {
		return ""
	}

	res, err := a.client.ReadResource(ctx, rc.URI)
	if err != nil {
		a.logger.Debug("embedded resource read failed", "uri", rc.URI, "error", err)
		return "[MCP resource read failed] " + rc.URI
	}
	if len(res.Contents) == 0 {
		return "[MCP resource has no content] " + rc.URI
	}
	for _, body := range res.Contents {
		if body.Text != "" {
			return body.Text
		}
	}
	return "[MCP resource fetched without text payload] " + rc.URI
}
