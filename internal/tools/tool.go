// Package tools is the shared tool registry. Local tools and bridged remote
// MCP tools live side by side under unique names.
package tools

import (
	"context"
)

// Tool is a callable tool.
type Tool interface {
	Name() string
	Description() string
	// InputSchema is a JSON Schema document; empty means "no arguments".
	InputSchema() string
	IsDestructive() bool
	Execute(ctx context.Context, args map[string]any) (Result, error)
}

// Result is the outcome of a tool execution. Tool-level failures are
// reported with IsError, not as a Go error.
type Result struct {
	Output  string
	IsError bool
}

func Success(output string) Result { return Result{Output: output} }

func Failure(message string) Result { return Result{Output: message, IsError: true} }

// Func adapts a function into a Tool.
type Func struct {
	ToolName        string
	ToolDescription string
	Schema          string
	Destructive     bool
	Fn              func(ctx context.Context, args map[string]any) (Result, error)
}

func (f *Func) Name() string        { return f.ToolName }
func (f *Func) Description() string { return f.ToolDescription }
func (f *Func) InputSchema() string { return f.Schema }
func (f *Func) IsDestructive() bool { return f.Destructive }

func (f *Func) Execute(ctx context.Context, args map[string]any) (Result, error) {
	if f.Fn == nil {
		return Success(""), nil
	}
	return f.Fn(ctx, args)
}
