package host

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/Bigsy/mcpbridge/internal/mcp"
)

// PromptProvider serves prompts. GetPrompt returns ok=false for names it
// does not own.
type PromptProvider interface {
	ListPrompts(ctx context.Context) []mcp.Prompt
	GetPrompt(ctx context.Context, name string, args map[string]string) (res *mcp.GetPromptResult, ok bool)
}

// TemplatePromptProvider serves the agent mode system prompts.
type TemplatePromptProvider struct{}

func (TemplatePromptProvider) ListPrompts(context.Context) []mcp.Prompt {
	return []mcp.Prompt{
		{Name: "build", Description: "Build-mode agent system prompt"},
		{Name: "plan", Description: "Plan-mode agent system prompt"},
		{Name: "explore", Description: "Explore-mode agent system prompt"},
		{
			Name:        "subagent",
			Description: "Subagent system prompt",
			Arguments: []mcp.PromptArgument{
				{Name: "profile", Description: "Subagent profile (default mcp)"},
				{Name: "description", Description: "Task description"},
				{Name: "readOnly", Description: "Restrict the subagent to read-only tools (default true)"},
			},
		},
	}
}

func (TemplatePromptProvider) GetPrompt(_ context.Context, name string, args map[string]string) (*mcp.GetPromptResult, bool) {
	var text string
	switch name {
	case "build":
		text = buildPrompt
	case "plan":
		text = planPrompt
	case "explore":
		text = explorePrompt
	case "subagent":
		readOnly, err := strconv.ParseBool(stringArg(args, "readOnly", "true"))
		if err != nil {
			readOnly = false
		}
		text = subagentPrompt(stringArg(args, "profile", "mcp"), stringArg(args, "description", "MCP prompt request"), readOnly)
	default:
		return nil, false
	}

	return &mcp.GetPromptResult{
		Description: "mcpbridge prompt template: " + name,
		Messages:    []mcp.PromptMessage{{Role: "system", Content: mcp.TextContent(text)}},
	}, true
}

func stringArg(args map[string]string, key, def string) string {
	if v, ok := args[key]; ok {
		return v
	}
	return def
}

const buildPrompt = `You are a coding agent in build mode. Make the requested change end to end:
read the relevant code, edit files with the available tools, and verify the result.
Prefer small, reviewable edits and report what changed.`

const planPrompt = `You are a coding agent in plan mode. Do not modify files.
Investigate the codebase with read-only tools and produce a step-by-step plan
naming the files and functions that need to change.`

const explorePrompt = `You are a coding agent in explore mode. Answer questions about the codebase
using read-only tools. Cite file paths for every claim.`

func subagentPrompt(profile, description string, readOnly bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a subagent running with profile %q.\n", profile)
	fmt.Fprintf(&b, "Task: %s\n", description)
	if readOnly {
		b.WriteString("You may only use read-only tools. Do not modify files or external state.\n")
	} else {
		b.WriteString("You may use any exposed tool, including ones that modify files.\n")
	}
	b.WriteString("Return a concise report of what you found or did.")
	return b.String()
}
