// Package fakeserver provides a scriptable MCP server for tests. It speaks
// NDJSON over any reader/writer pair and has no dependency on the client
// packages it exercises.
package fakeserver

import (
	"encoding/json"
	"io"
	"time"
)

// Config controls the fake server's behavior. It is JSON-serializable so it
// can be handed to a re-exec'd helper process through the environment.
type Config struct {
	Tools     []Tool     `json:"tools"`
	Resources []Resource `json:"resources"`
	Prompts   []Prompt   `json:"prompts"`

	// AcceptVersions restricts the protocol versions initialize accepts.
	// Empty accepts anything. The accepted version is echoed back.
	AcceptVersions []string `json:"acceptVersions"`

	// Per-method delays. Keep them short (10-50ms) in tests.
	Delays map[string]time.Duration `json:"delays"`

	// Per-method forced errors.
	Errors map[string]JSONRPCError `json:"errors"`

	CrashOnMethod     string `json:"crashOnMethod"`
	CrashOnNthRequest int    `json:"crashOnNthRequest"`
	CrashExitCode     int    `json:"crashExitCode"`

	// FailOnAttempt fails the Nth call (1-indexed) of a method with
	// FailMessage (default "Simulated failure on attempt").
	FailOnAttempt map[string]int `json:"failOnAttempt"`
	FailMessage   string         `json:"failMessage"`

	SendNotificationBeforeResponse bool `json:"sendNotificationBeforeResponse"`
	SendMismatchedIDFirst          bool `json:"sendMismatchedIDFirst"`

	// Malformed writes a line of invalid JSON before every response.
	Malformed bool `json:"malformed"`

	// EchoToolCalls makes tools/call return "<name> <arguments>" as text.
	EchoToolCalls bool `json:"echoToolCalls"`

	// ToolResults holds canned results keyed by tool name.
	ToolResults map[string]ToolCallResult `json:"toolResults"`

	// ChangeToolsOnCall swaps the tool list to ChangedTools and emits
	// notifications/tools/list_changed after answering a call to this tool.
	ChangeToolsOnCall string `json:"changeToolsOnCall"`
	ChangedTools      []Tool `json:"changedTools"`

	// SamplingOnCall sends a server-initiated sampling/createMessage request
	// before answering a call to this tool, and includes the client's
	// reply in the tool result.
	SamplingOnCall string `json:"samplingOnCall"`

	// StderrLines are written to stderr at startup by the helper process.
	StderrLines []string `json:"stderrLines"`

	// ExpectEnv lists variables the helper process reports on stderr as
	// "env NAME=value" at startup.
	ExpectEnv []string `json:"expectEnv"`

	ToolHandler ToolHandler `json:"-"`
}

// Tool represents an MCP tool definition.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"inputSchema,omitempty"`
}

// Resource is served by resources/list and resources/read.
type Resource struct {
	URI      string `json:"uri"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
}

// Prompt is served by prompts/list and prompts/get.
type Prompt struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Text        string `json:"text,omitempty"`
}

// JSONRPCError represents a JSON-RPC 2.0 error.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

type rpcNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// ContentBlock represents a content block in a tool result.
type ContentBlock struct {
	Type     string           `json:"type"`
	Text     string           `json:"text,omitempty"`
	Data     string           `json:"data,omitempty"`
	MimeType string           `json:"mimeType,omitempty"`
	Resource *ResourceContent `json:"resource,omitempty"`
}

type ResourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
}

// ToolCallResult is the result of tools/call.
type ToolCallResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ToolHandler handles tools/call in-process.
type ToolHandler func(name string, arguments json.RawMessage) ([]ContentBlock, bool, error)

func writeLine(out io.Writer, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = out.Write(append(data, '\n'))
}

func writeNoise(out io.Writer, cfg Config) {
	if cfg.Malformed {
		_, _ = out.Write([]byte("this is not valid json\n"))
	}
	if cfg.SendNotificationBeforeResponse {
		writeLine(out, rpcNotification{JSONRPC: "2.0", Method: "test/noise"})
	}
	if cfg.SendMismatchedIDFirst {
		writeLine(out, rpcMessage{JSONRPC: "2.0", ID: json.RawMessage(`99999`), Result: json.RawMessage(`{}`)})
	}
}

func writeResponse(out io.Writer, id json.RawMessage, result any, cfg Config) {
	writeNoise(out, cfg)
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return
	}
	writeLine(out, rpcMessage{JSONRPC: "2.0", ID: id, Result: resultJSON})
}

func writeErrorResponse(out io.Writer, id json.RawMessage, rpcErr JSONRPCError, cfg Config) {
	writeNoise(out, cfg)
	writeLine(out, rpcMessage{JSONRPC: "2.0", ID: id, Error: &rpcErr})
}
