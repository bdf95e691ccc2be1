package fakeserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// Serve runs the fake MCP server until in reaches EOF or ctx is done.
// Requests are answered one at a time in arrival order.
func Serve(ctx context.Context, in io.Reader, out io.Writer, cfg Config) error {
	s := &server{cfg: cfg, out: out, attempts: make(map[string]int), tools: cfg.Tools}
	reader := bufio.NewReader(in)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := reader.ReadBytes('\n')
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var msg rpcMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		if msg.Method == "" {
			continue
		}
		s.handle(reader, &msg)
	}
}

type server struct {
	cfg      Config
	out      io.Writer
	requests int
	attempts map[string]int
	tools    []Tool
}

func (s *server) handle(reader *bufio.Reader, req *rpcMessage) {
	cfg := s.cfg
	isNotification := len(req.ID) == 0

	if isNotification {
		return
	}

	s.requests++
	s.attempts[req.Method]++

	if cfg.CrashOnNthRequest > 0 && s.requests >= cfg.CrashOnNthRequest {
		os.Exit(cfg.CrashExitCode)
	}
	if cfg.CrashOnMethod != "" && req.Method == cfg.CrashOnMethod {
		os.Exit(cfg.CrashExitCode)
	}

	if delay, ok := cfg.Delays[req.Method]; ok {
		time.Sleep(delay)
	}

	if failAttempt, ok := cfg.FailOnAttempt[req.Method]; ok && s.attempts[req.Method] == failAttempt {
		msg := cfg.FailMessage
		if msg == "" {
			msg = "Simulated failure on attempt"
		}
		writeErrorResponse(s.out, req.ID, JSONRPCError{Code: -32603, Message: msg}, cfg)
		return
	}

	if rpcErr, ok := cfg.Errors[req.Method]; ok {
		writeErrorResponse(s.out, req.ID, rpcErr, cfg)
		return
	}

	switch req.Method {
	case "initialize":
		s.initialize(req)
	case "ping":
		writeResponse(s.out, req.ID, map[string]any{}, cfg)
	case "tools/list":
		tools := s.tools
		if tools == nil {
			tools = []Tool{}
		}
		writeResponse(s.out, req.ID, map[string]any{"tools": tools}, cfg)
	case "tools/call":
		s.callTool(reader, req)
	case "resources/list":
		resources := make([]Resource, 0, len(cfg.Resources))
		for _, r := range cfg.Resources {
			resources = append(resources, Resource{URI: r.URI, Name: r.Name, MimeType: r.MimeType})
		}
		writeResponse(s.out, req.ID, map[string]any{"resources": resources}, cfg)
	case "resources/read":
		s.readResource(req)
	case "prompts/list":
		prompts := make([]Prompt, 0, len(cfg.Prompts))
		for _, p := range cfg.Prompts {
			prompts = append(prompts, Prompt{Name: p.Name, Description: p.Description})
		}
		writeResponse(s.out, req.ID, map[string]any{"prompts": prompts}, cfg)
	case "prompts/get":
		s.getPrompt(req)
	default:
		writeErrorResponse(s.out, req.ID, JSONRPCError{Code: -32601, Message: "Method not found"}, cfg)
	}
}

func (s *server) initialize(req *rpcMessage) {
	var params struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	_ = json.Unmarshal(req.Params, &params)

	if len(s.cfg.AcceptVersions) > 0 && !contains(s.cfg.AcceptVersions, params.ProtocolVersion) {
		writeErrorResponse(s.out, req.ID, JSONRPCError{
			Code:    -32602,
			Message: "Unsupported protocol version: " + params.ProtocolVersion,
		}, s.cfg)
		return
	}

	caps := map[string]any{"tools": map[string]any{"listChanged": true}}
	if len(s.cfg.Resources) > 0 {
		caps["resources"] = map[string]any{"listChanged": true}
	}
	if len(s.cfg.Prompts) > 0 {
		caps["prompts"] = map[string]any{"listChanged": true}
	}
	writeResponse(s.out, req.ID, map[string]any{
		"protocolVersion": params.ProtocolVersion,
		"serverInfo":      map[string]string{"name": "fake-server", "version": "1.0.0"},
		"capabilities":    caps,
	}, s.cfg)
}

func (s *server) callTool(reader *bufio.Reader, req *rpcMessage) {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	_ = json.Unmarshal(req.Params, &params)

	var result ToolCallResult
	switch {
	case s.cfg.SamplingOnCall != "" && params.Name == s.cfg.SamplingOnCall:
		result = ToolCallResult{Content: []ContentBlock{{Type: "text", Text: s.sample(reader)}}}
	case s.cfg.ToolHandler != nil:
		content, isErr, err := s.cfg.ToolHandler(params.Name, params.Arguments)
		if err != nil {
			writeErrorResponse(s.out, req.ID, JSONRPCError{Code: -32603, Message: err.Error()}, s.cfg)
			return
		}
		result = ToolCallResult{Content: content, IsError: isErr}
	case s.cfg.ToolResults != nil && hasKey(s.cfg.ToolResults, params.Name):
		result = s.cfg.ToolResults[params.Name]
	case s.cfg.EchoToolCalls:
		result = ToolCallResult{Content: []ContentBlock{{Type: "text", Text: params.Name + " " + string(params.Arguments)}}}
	default:
		result = ToolCallResult{Content: []ContentBlock{{Type: "text", Text: "ok"}}}
	}
	writeResponse(s.out, req.ID, result, s.cfg)

	if s.cfg.ChangeToolsOnCall != "" && params.Name == s.cfg.ChangeToolsOnCall {
		s.tools = s.cfg.ChangedTools
		writeLine(s.out, rpcNotification{JSONRPC: "2.0", Method: "notifications/tools/list_changed"})
	}
}

// sample issues a server-initiated request and blocks for the reply.
func (s *server) sample(reader *bufio.Reader) string {
	writeLine(s.out, rpcMessage{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`"srv-1"`),
		Method:  "sampling/createMessage",
		Params:  json.RawMessage(`{"messages":[]}`),
	})
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return "no reply"
		}
		var msg rpcMessage
		if json.Unmarshal(bytes.TrimSpace(line), &msg) != nil || msg.Method != "" {
			continue
		}
		if msg.Error != nil {
			return fmt.Sprintf("error %d", msg.Error.Code)
		}
		return string(msg.Result)
	}
}

func (s *server) readResource(req *rpcMessage) {
	var params struct {
		URI string `json:"uri"`
	}
	_ = json.Unmarshal(req.Params, &params)
	for _, r := range s.cfg.Resources {
		if r.URI == params.URI {
			writeResponse(s.out, req.ID, map[string]any{
				"contents": []ResourceContent{{URI: r.URI, MimeType: r.MimeType, Text: r.Text}},
			}, s.cfg)
			return
		}
	}
	writeErrorResponse(s.out, req.ID, JSONRPCError{Code: -32602, Message: "Unknown resource URI: " + params.URI}, s.cfg)
}

func (s *server) getPrompt(req *rpcMessage) {
	var params struct {
		Name string `json:"name"`
	}
	_ = json.Unmarshal(req.Params, &params)
	for _, p := range s.cfg.Prompts {
		if p.Name == params.Name {
			writeResponse(s.out, req.ID, map[string]any{
				"description": p.Description,
				"messages": []map[string]any{{
					"role":    "user",
					"content": ContentBlock{Type: "text", Text: p.Text},
				}},
			}, s.cfg)
			return
		}
	}
	writeErrorResponse(s.out, req.ID, JSONRPCError{Code: -32602, Message: "Unknown prompt: " + params.Name}, s.cfg)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func hasKey(m map[string]ToolCallResult, k string) bool {
	_, ok := m[k]
	return ok
}
