// Package host exposes the shared tool registry, resources and prompts to
// inbound MCP clients over stdio and HTTP.
package host

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Bigsy/mcpbridge/internal/log"
	"github.com/Bigsy/mcpbridge/internal/mcp"
	"github.com/Bigsy/mcpbridge/internal/tools"
)

// DefaultCallTimeout bounds a single inbound tool call.
const DefaultCallTimeout = 120 * time.Second

var defaultSchema = json.RawMessage(`{"type":"object","properties":{}}`)

// RouterOptions configures a Router.
type RouterOptions struct {
	Registry    *tools.Registry
	Exposure    *ExposurePolicy
	Policy      Policy
	Resources   []ResourceProvider
	Prompts     []PromptProvider
	Metrics     *Metrics
	ServerInfo  mcp.Implementation
	CallTimeout time.Duration
	Logger      *slog.Logger
}

// Router dispatches inbound JSON-RPC messages for one host. It is shared by
// every session; per-client state lives on Session.
type Router struct {
	registry    *tools.Registry
	resources   []ResourceProvider
	prompts     []PromptProvider
	metrics     *Metrics
	serverInfo  mcp.Implementation
	callTimeout time.Duration
	logger      *slog.Logger

	mu       sync.RWMutex
	exposure *ExposurePolicy
	policy   Policy
}

// NewRouter creates a router.
func NewRouter(opts RouterOptions) *Router {
	r := &Router{
		registry:    opts.Registry,
		resources:   opts.Resources,
		prompts:     opts.Prompts,
		metrics:     opts.Metrics,
		serverInfo:  opts.ServerInfo,
		callTimeout: opts.CallTimeout,
		logger:      log.WithComponent(opts.Logger, "host"),
		exposure:    opts.Exposure,
		policy:      opts.Policy,
	}
	if r.registry == nil {
		r.registry = tools.NewRegistry()
	}
	if r.exposure == nil {
		r.exposure = ParseExposurePolicy("*")
	}
	if r.callTimeout <= 0 {
		r.callTimeout = DefaultCallTimeout
	}
	if r.serverInfo.Name == "" {
		r.serverInfo = mcp.Implementation{Name: "mcpbridge", Version: "dev"}
	}
	return r
}

// SetExposure swaps the exposure policy.
func (r *Router) SetExposure(p *ExposurePolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exposure = p
}

// SetPolicy swaps the mutation policy.
func (r *Router) SetPolicy(p Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policy = p
}

func (r *Router) current() (*ExposurePolicy, Policy) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.exposure, r.policy
}

// Handle processes one message and returns the reply, or nil when the
// message needs none.
func (r *Router) Handle(ctx context.Context, sess *Session, msg *mcp.Message) (reply *mcp.Message) {
	if msg.IsResponse() {
		r.logger.Debug("ignoring response from client", log.SessionKey, sess.ID)
		return nil
	}
	if msg.IsNotification() {
		r.handleNotification(sess, msg.Method)
		return nil
	}
	if msg.Method == "" {
		return mcp.NewErrorResponse(msg.ID, mcp.ErrInvalidRequest("missing method"))
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("handler panic", log.MethodKey, msg.Method, log.SessionKey, sess.ID, "panic", fmt.Sprint(p))
			r.metrics.recordRequest(msg.Method, "panic")
			reply = mcp.NewErrorResponse(msg.ID, mcp.NewRPCError(mcp.ErrCodeInternalError, "Internal error", nil))
		}
	}()

	if msg.Method != mcp.MethodInitialize && !sess.Initialized() {
		r.logger.Warn("request before initialization", log.MethodKey, msg.Method, log.SessionKey, sess.ID)
	}

	result, rpcErr := r.handleRequest(ctx, sess, msg.Method, msg.Params)
	if rpcErr != nil {
		r.metrics.recordRequest(msg.Method, "error")
		return mcp.NewErrorResponse(msg.ID, rpcErr)
	}
	resp, err := mcp.NewResult(msg.ID, result)
	if err != nil {
		r.metrics.recordRequest(msg.Method, "error")
		return mcp.NewErrorResponse(msg.ID, mcp.ErrInternalError(err.Error()))
	}
	r.metrics.recordRequest(msg.Method, "ok")
	return resp
}

func (r *Router) handleNotification(sess *Session, method string) {
	switch method {
	case mcp.MethodInitialized:
		sess.markInitialized()
		r.logger.Info("client initialized", log.SessionKey, sess.ID, "client", sess.Client())
	case "notifications/cancelled":
		r.logger.Debug("client cancelled request", log.SessionKey, sess.ID)
	default:
		r.logger.Debug("unknown notification", log.MethodKey, method, log.SessionKey, sess.ID)
	}
}

func (r *Router) handleRequest(ctx context.Context, sess *Session, method string, params json.RawMessage) (any, *mcp.RPCError) {
	switch method {
	case mcp.MethodInitialize:
		return r.handleInitialize(sess, params)
	case mcp.MethodPing:
		return map[string]bool{"ok": true}, nil
	case mcp.MethodShutdown:
		return struct{}{}, nil
	case mcp.MethodToolsList:
		return r.handleToolsList()
	case mcp.MethodToolsCall:
		return r.handleToolsCall(ctx, sess, params)
	case mcp.MethodResourcesList:
		return r.handleResourcesList(ctx, sess)
	case mcp.MethodResourcesRead:
		return r.handleResourcesRead(ctx, sess, params)
	case mcp.MethodPromptsList:
		return r.handlePromptsList(ctx)
	case mcp.MethodPromptsGet:
		return r.handlePromptsGet(ctx, params)
	default:
		return nil, mcp.ErrMethodNotFound(method)
	}
}

func (r *Router) handleInitialize(sess *Session, params json.RawMessage) (any, *mcp.RPCError) {
	var req mcp.InitializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, mcp.ErrInvalidParams("Invalid initialize params: " + err.Error())
		}
	}

	version := mcp.SupportedProtocolVersions[0]
	if mcp.IsSupportedVersion(req.ProtocolVersion) {
		version = req.ProtocolVersion
	}
	sess.setClient(version, req.ClientInfo.Name, req.ClientInfo.Version)

	r.logger.Info("initialize",
		log.SessionKey, sess.ID,
		"client", sess.Client(),
		"requested", req.ProtocolVersion,
		"negotiated", version)

	listChanged := &mcp.ListChangedCapability{ListChanged: true}
	return mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities: mcp.ServerCapabilities{
			Tools:     listChanged,
			Resources: listChanged,
			Prompts:   listChanged,
			Logging:   &struct{}{},
		},
		ServerInfo: r.serverInfo,
	}, nil
}

type toolsListResult struct {
	Tools []mcp.Tool `json:"tools"`
}

func (r *Router) handleToolsList() (any, *mcp.RPCError) {
	exposure, _ := r.current()
	out := make([]mcp.Tool, 0, r.registry.Len())
	for _, t := range r.registry.All() {
		if !exposure.Exposes(t.Name()) {
			continue
		}
		destructive := t.IsDestructive()
		out = append(out, mcp.Tool{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: toolSchema(t.InputSchema()),
			Annotations: &mcp.ToolAnnotations{DestructiveHint: &destructive},
		})
	}
	return toolsListResult{Tools: out}, nil
}

// toolSchema turns a registry schema string into JSON, reporting parse
// failures inside the schema rather than failing the listing.
func toolSchema(s string) json.RawMessage {
	if s == "" {
		return defaultSchema
	}
	var v map[string]any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		raw, _ := json.Marshal(map[string]string{
			"type":        "object",
			"description": "Schema parse error: " + err.Error(),
		})
		return raw
	}
	return json.RawMessage(s)
}

func (r *Router) handleToolsCall(ctx context.Context, sess *Session, params json.RawMessage) (any, *mcp.RPCError) {
	var req mcp.CallToolParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, mcp.ErrInvalidParams("Invalid tools/call params: " + err.Error())
		}
	}
	if req.Name == "" {
		return nil, mcp.ErrInvalidParams("Missing required parameter: name")
	}

	exposure, policy := r.current()
	if !exposure.Exposes(req.Name) {
		return mcp.ErrorResult("Tool is not exposed: " + req.Name), nil
	}
	tool, ok := r.registry.Get(req.Name)
	if !ok {
		return mcp.ErrorResult("Unknown tool: " + req.Name), nil
	}

	start := time.Now()
	decision, err := policy.Decide(ctx, PermissionRequest{
		Tool:      req.Name,
		Action:    ActionHostCall,
		Client:    sess.Client(),
		SessionID: sess.ID,
		Arguments: req.Arguments,
	})
	if err != nil {
		r.logger.Warn("permission check failed", log.ToolKey, req.Name, log.SessionKey, sess.ID, "error", err)
	}
	if decision != DecisionAllow {
		r.logCall(sess, req.Name, decision, false, time.Since(start))
		return mcp.ErrorResult(fmt.Sprintf("Tool execution denied by permission policy: %s", decision)), nil
	}

	res, err := r.execute(ctx, tool, req.Arguments)
	elapsed := time.Since(start)
	if err != nil {
		r.logCall(sess, req.Name, decision, false, elapsed)
		return mcp.ErrorResult("Tool execution failed: " + err.Error()), nil
	}
	r.logCall(sess, req.Name, decision, !res.IsError, elapsed)

	if res.IsError {
		return mcp.ErrorResult(res.Output), nil
	}
	return mcp.TextResult(res.Output), nil
}

// execute runs the tool under the call timeout. A tool that ignores ctx is
// abandoned when the deadline passes.
func (r *Router) execute(ctx context.Context, tool tools.Tool, args map[string]any) (tools.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	type outcome struct {
		res tools.Result
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- outcome{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		if args == nil {
			args = map[string]any{}
		}
		res, err := tool.Execute(ctx, args)
		ch <- outcome{res, err}
	}()

	select {
	case o := <-ch:
		return o.res, o.err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return tools.Result{}, fmt.Errorf("timed out after %s", r.callTimeout)
		}
		return tools.Result{}, ctx.Err()
	}
}

func (r *Router) logCall(sess *Session, tool string, decision Decision, success bool, d time.Duration) {
	r.logger.Info("tool call",
		"client", sess.Client(),
		log.SessionKey, sess.ID,
		log.ToolKey, tool,
		"decision", decision,
		"success", success,
		log.DurationKey, d.Milliseconds())
	r.metrics.recordToolCall(tool, decision, success, d)
}

type resourcesListResult struct {
	Resources []mcp.Resource `json:"resources"`
}

func (r *Router) handleResourcesList(ctx context.Context, sess *Session) (any, *mcp.RPCError) {
	out := []mcp.Resource{}
	for _, p := range r.resources {
		out = append(out, p.ListResources(ctx, sess)...)
	}
	return resourcesListResult{Resources: out}, nil
}

func (r *Router) handleResourcesRead(ctx context.Context, sess *Session, params json.RawMessage) (any, *mcp.RPCError) {
	var req mcp.ReadResourceParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, mcp.ErrInvalidParams("Invalid resources/read params: " + err.Error())
		}
	}
	if req.URI == "" {
		return nil, mcp.ErrInvalidParams("Missing required parameter: uri")
	}
	for _, p := range r.resources {
		if res, ok := p.ReadResource(ctx, sess, req.URI); ok {
			return res, nil
		}
	}
	return nil, mcp.ErrInvalidParams("Unknown resource URI: " + req.URI)
}

type promptsListResult struct {
	Prompts []mcp.Prompt `json:"prompts"`
}

func (r *Router) handlePromptsList(ctx context.Context) (any, *mcp.RPCError) {
	out := []mcp.Prompt{}
	for _, p := range r.prompts {
		out = append(out, p.ListPrompts(ctx)...)
	}
	return promptsListResult{Prompts: out}, nil
}

func (r *Router) handlePromptsGet(ctx context.Context, params json.RawMessage) (any, *mcp.RPCError) {
	var req mcp.GetPromptParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, mcp.ErrInvalidParams("Invalid prompts/get params: " + err.Error())
		}
	}
	if req.Name == "" {
		return nil, mcp.ErrInvalidParams("Missing required parameter: name")
	}
	for _, p := range r.prompts {
		if res, ok := p.GetPrompt(ctx, req.Name, req.Arguments); ok {
			return res, nil
		}
	}
	return nil, mcp.ErrInvalidParams("Unknown prompt: " + req.Name)
}
