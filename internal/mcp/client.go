package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	mlog "github.com/Bigsy/mcpbridge/internal/log"
)

// maxListPages bounds cursor pagination on list calls.
const maxListPages = 100

// ClientOptions configures a Client.
type ClientOptions struct {
	// ServerName labels log lines.
	ServerName string

	ClientInfo Implementation

	// PreferredProtocolVersion is tried first when set.
	PreferredProtocolVersion string

	// ProtocolVersions overrides SupportedProtocolVersions.
	ProtocolVersions []string

	// RequestHandler answers server-initiated requests. Nil answers -32601.
	RequestHandler RequestHandler

	Logger *slog.Logger
}

// Client is one outbound MCP connection driven over a Transport.
type Client struct {
	transport Transport
	opts      ClientOptions
	logger    *slog.Logger

	mu              sync.RWMutex
	protocolVersion string
	serverInfo      Implementation
	capabilities    ServerCapabilities
	instructions    string
	tools           []Tool
	resources       []Resource
	prompts         []Prompt

	toolsChanged chan []Tool
}

// NewClient creates a client and installs its handlers on transport.
func NewClient(transport Transport, opts ClientOptions) *Client {
	if opts.ClientInfo.Name == "" {
		opts.ClientInfo = Implementation{Name: "mcpbridge", Version: "dev"}
	}
	c := &Client{
		transport:    transport,
		opts:         opts,
		logger:       mlog.OrDiscard(opts.Logger).With(mlog.ServerKey, opts.ServerName),
		toolsChanged: make(chan []Tool, 1),
	}
	transport.SetNotificationHandler(c.handleNotification)
	transport.SetRequestHandler(c.handleRequest)
	return c
}

// candidateVersions returns the negotiation order without duplicates.
func (c *Client) candidateVersions() []string {
	base := c.opts.ProtocolVersions
	if len(base) == 0 {
		base = SupportedProtocolVersions
	}
	seen := make(map[string]bool, len(base)+1)
	var out []string
	add := func(v string) {
		v = strings.TrimSpace(v)
		if v != "" && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	add(c.opts.PreferredProtocolVersion)
	for _, v := range base {
		add(v)
	}
	return out
}

// Initialize establishes the session, negotiates a protocol version, sends
// notifications/initialized and discovers the advertised capabilities.
// Each candidate version is tried in order; any failure moves on to the
// next one.
func (c *Client) Initialize(ctx context.Context) error {
	if err := c.transport.InitializeSession(ctx); err != nil {
		return fmt.Errorf("initialize session: %w", err)
	}

	candidates := c.candidateVersions()
	var (
		result     *InitializeResult
		negotiated string
		lastErr    error
	)
	for _, version := range candidates {
		res, err := c.initializeWith(ctx, version)
		if err != nil {
			c.logger.Debug("protocol version not accepted", "version", version, "error", err)
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		result = res
		negotiated = version
		if res.ProtocolVersion != "" {
			negotiated = res.ProtocolVersion
		}
		break
	}
	if result == nil {
		return fmt.Errorf("initialize failed for protocol versions %s: %w", strings.Join(candidates, ", "), lastErr)
	}

	c.mu.Lock()
	c.protocolVersion = negotiated
	c.serverInfo = result.ServerInfo
	c.capabilities = result.Capabilities
	c.instructions = result.Instructions
	c.mu.Unlock()

	if vs, ok := c.transport.(ProtocolVersionSetter); ok {
		vs.SetProtocolVersion(negotiated)
	}

	c.logger.Info("MCP server initialized",
		"version", negotiated,
		"serverName", result.ServerInfo.Name,
		"tools", result.Capabilities.Tools != nil,
		"resources", result.Capabilities.Resources != nil,
		"prompts", result.Capabilities.Prompts != nil)

	if err := c.transport.SendNotification(ctx, MethodInitialized, nil); err != nil {
		c.logger.Warn("send initialized notification", "error", err)
	}

	return c.discover(ctx, result.Capabilities)
}

func (c *Client) initializeWith(ctx context.Context, version string) (*InitializeResult, error) {
	raw, err := c.transport.Send(ctx, MethodInitialize, InitializeParams{
		ProtocolVersion: version,
		Capabilities:    map[string]any{},
		ClientInfo:      c.opts.ClientInfo,
	})
	if err != nil {
		return nil, err
	}
	var res InitializeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("parse initialize result: %w", err)
	}
	return &res, nil
}

func (c *Client) discover(ctx context.Context, caps ServerCapabilities) error {
	g, gctx := errgroup.WithContext(ctx)
	if caps.Tools != nil {
		g.Go(func() error {
			_, err := c.ListTools(gctx)
			return err
		})
	}
	if caps.Resources != nil {
		g.Go(func() error {
			_, err := c.ListResources(gctx)
			return err
		})
	}
	if caps.Prompts != nil {
		g.Go(func() error {
			_, err := c.ListPrompts(gctx)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("capability discovery: %w", err)
	}
	return nil
}

// sendIdempotent retries once after re-establishing the session when the
// first attempt failed with a session error.
func (c *Client) sendIdempotent(ctx context.Context, method string, params any) (json.RawMessage, error) {
	raw, err := c.transport.Send(ctx, method, params)
	if err == nil || !IsSessionError(err) || ctx.Err() != nil {
		return raw, err
	}

	c.logger.Warn("session error, re-initializing and retrying", mlog.MethodKey, method, "error", err)
	if rerr := c.transport.InitializeSession(ctx); rerr != nil {
		return nil, errors.Join(err, fmt.Errorf("re-initialize session: %w", rerr))
	}
	return c.transport.Send(ctx, method, params)
}

func (c *Client) listPages(ctx context.Context, method string, page func(raw json.RawMessage) (string, error)) error {
	cursor := ""
	for i := 0; i < maxListPages; i++ {
		var params any
		if cursor != "" {
			params = listParams{Cursor: cursor}
		}
		raw, err := c.sendIdempotent(ctx, method, params)
		if err != nil {
			return err
		}
		next, err := page(raw)
		if err != nil {
			return fmt.Errorf("parse %s result: %w", method, err)
		}
		if next == "" || next == cursor {
			return nil
		}
		cursor = next
	}
	c.logger.Warn("pagination limit reached", mlog.MethodKey, method)
	return nil
}

// ListTools fetches the full tool list and replaces the snapshot.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var tools []Tool
	err := c.listPages(ctx, MethodToolsList, func(raw json.RawMessage) (string, error) {
		var res listToolsResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return "", err
		}
		tools = append(tools, res.Tools...)
		return res.NextCursor, nil
	})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()
	return tools, nil
}

// ListResources fetches the full resource list and replaces the snapshot.
func (c *Client) ListResources(ctx context.Context) ([]Resource, error) {
	var resources []Resource
	err := c.listPages(ctx, MethodResourcesList, func(raw json.RawMessage) (string, error) {
		var res listResourcesResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return "", err
		}
		resources = append(resources, res.Resources...)
		return res.NextCursor, nil
	})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.resources = resources
	c.mu.Unlock()
	return resources, nil
}

// ListPrompts fetches the full prompt list and replaces the snapshot.
func (c *Client) ListPrompts(ctx context.Context) ([]Prompt, error) {
	var prompts []Prompt
	err := c.listPages(ctx, MethodPromptsList, func(raw json.RawMessage) (string, error) {
		var res listPromptsResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return "", err
		}
		prompts = append(prompts, res.Prompts...)
		return res.NextCursor, nil
	})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.prompts = prompts
	c.mu.Unlock()
	return prompts, nil
}

// CallTool invokes a tool. It is never retried. A result that carries only
// structuredContent gets it as a single text block.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*CallToolResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := c.transport.Send(ctx, MethodToolsCall, CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	var res CallToolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("parse tools/call result: %w", err)
	}
	if len(res.Content) == 0 && len(res.StructuredContent) > 0 && string(res.StructuredContent) != "null" {
		res.Content = []Content{TextContent(string(res.StructuredContent))}
	}
	return &res, nil
}

// ReadResource reads a resource by URI.
func (c *Client) ReadResource(ctx context.Context, uri string) (*ReadResourceResult, error) {
	raw, err := c.sendIdempotent(ctx, MethodResourcesRead, ReadResourceParams{URI: uri})
	if err != nil {
		return nil, err
	}
	var res ReadResourceResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("parse resources/read result: %w", err)
	}
	return &res, nil
}

// GetPrompt renders a prompt.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) (*GetPromptResult, error) {
	if args == nil {
		args = map[string]string{}
	}
	raw, err := c.sendIdempotent(ctx, MethodPromptsGet, GetPromptParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	var res GetPromptResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("parse prompts/get result: %w", err)
	}
	return &res, nil
}

// Ping sends a ping request.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.transport.Send(ctx, MethodPing, nil)
	return err
}

// ToolsChanged delivers the refreshed tool list after a list_changed
// notification. Only the latest list is kept if the reader falls behind.
func (c *Client) ToolsChanged() <-chan []Tool {
	return c.toolsChanged
}

func (c *Client) publishTools(tools []Tool) {
	for {
		select {
		case c.toolsChanged <- tools:
			return
		default:
		}
		select {
		case <-c.toolsChanged:
		default:
		}
	}
}

func (c *Client) handleNotification(ctx context.Context, method string, _ json.RawMessage) {
	switch method {
	case NotificationToolsListChanged:
		tools, err := c.ListTools(ctx)
		if err != nil {
			c.logger.Warn("refresh tools failed", "error", err)
			return
		}
		c.logger.Info("tools refreshed", "count", len(tools))
		c.publishTools(tools)
	case NotificationResourcesListChanged:
		if resources, err := c.ListResources(ctx); err != nil {
			c.logger.Warn("refresh resources failed", "error", err)
		} else {
			c.logger.Info("resources refreshed", "count", len(resources))
		}
	case NotificationPromptsListChanged:
		if prompts, err := c.ListPrompts(ctx); err != nil {
			c.logger.Warn("refresh prompts failed", "error", err)
		} else {
			c.logger.Info("prompts refreshed", "count", len(prompts))
		}
	default:
		c.logger.Debug("notification ignored", mlog.MethodKey, method)
	}
}

func (c *Client) handleRequest(ctx context.Context, method string, params json.RawMessage) (any, error) {
	if c.opts.RequestHandler == nil {
		return nil, ErrMethodNotFound(method)
	}
	return c.opts.RequestHandler(ctx, method, params)
}

// Close shuts down the transport.
func (c *Client) Close() error {
	return c.transport.Shutdown(context.Background())
}

func (c *Client) ProtocolVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.protocolVersion
}

func (c *Client) ServerInfo() Implementation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

func (c *Client) Capabilities() ServerCapabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capabilities
}

func (c *Client) Instructions() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.instructions
}

// Tools returns a copy of the current tool snapshot.
func (c *Client) Tools() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Tool(nil), c.tools...)
}

func (c *Client) Resources() []Resource {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Resource(nil), c.resources...)
}

func (c *Client) Prompts() []Prompt {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Prompt(nil), c.prompts...)
}

// IsConnected reports whether the transport is connected.
func (c *Client) IsConnected() bool {
	return c.transport.IsConnected()
}
