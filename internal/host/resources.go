package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Bigsy/mcpbridge/internal/events"
	"github.com/Bigsy/mcpbridge/internal/mcp"
)

// Resource URIs served by the built-in providers.
const (
	SessionStateURI  = "mcpbridge://state/session"
	ServersStateURI  = "mcpbridge://state/servers"
	WorkspaceTreeURI = "mcpbridge://workspace/tree"
	WorkspaceFileURI = "mcpbridge://workspace/file"

	maxTreeEntries = 500
)

// ResourceProvider serves part of the resource namespace. ReadResource
// returns ok=false for URIs it does not own so the next provider is tried.
type ResourceProvider interface {
	ListResources(ctx context.Context, sess *Session) []mcp.Resource
	ReadResource(ctx context.Context, sess *Session, uri string) (res *mcp.ReadResourceResult, ok bool)
}

func textResource(uri, mimeType, text string) *mcp.ReadResourceResult {
	return &mcp.ReadResourceResult{Contents: []mcp.ResourceContents{{URI: uri, MimeType: mimeType, Text: text}}}
}

// SessionState is what the host reports about the assistant's runtime.
type SessionState struct {
	Status  string
	Message string
	Error   string
}

// SessionStateProvider serves mcpbridge://state/session.
type SessionStateProvider struct {
	State func() SessionState
}

func (p *SessionStateProvider) ListResources(context.Context, *Session) []mcp.Resource {
	return []mcp.Resource{{
		URI:         SessionStateURI,
		Name:        "mcpbridge Session State",
		Description: "Current runtime state",
		MimeType:    "application/json",
	}}
}

func (p *SessionStateProvider) ReadResource(_ context.Context, sess *Session, uri string) (*mcp.ReadResourceResult, bool) {
	if uri != SessionStateURI {
		return nil, false
	}
	var st SessionState
	if p.State != nil {
		st = p.State()
	}
	payload, _ := json.Marshal(struct {
		Status    string `json:"status"`
		Message   string `json:"message"`
		Error     string `json:"error"`
		SessionID string `json:"sessionId"`
	}{st.Status, st.Message, st.Error, sess.ID})
	return textResource(uri, "application/json", string(payload)), true
}

// ServersStateProvider serves mcpbridge://state/servers from the manager.
type ServersStateProvider struct {
	States func() []events.ServerStatus
}

func (p *ServersStateProvider) ListResources(context.Context, *Session) []mcp.Resource {
	return []mcp.Resource{{
		URI:         ServersStateURI,
		Name:        "MCP Servers",
		Description: "State of the outbound MCP servers",
		MimeType:    "application/json",
	}}
}

func (p *ServersStateProvider) ReadResource(_ context.Context, _ *Session, uri string) (*mcp.ReadResourceResult, bool) {
	if uri != ServersStateURI {
		return nil, false
	}
	states := []events.ServerStatus{}
	if p.States != nil {
		states = append(states, p.States()...)
	}
	payload, err := json.Marshal(map[string]any{"servers": states})
	if err != nil {
		return textResource(uri, "text/plain", "Failed to encode server state: "+err.Error()), true
	}
	return textResource(uri, "application/json", string(payload)), true
}

// WorkspaceProvider serves a listing of, and files under, Root.
type WorkspaceProvider struct {
	mu   sync.RWMutex
	Root string
}

// SetRoot changes the workspace root.
func (p *WorkspaceProvider) SetRoot(root string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Root = root
}

func (p *WorkspaceProvider) ListResources(context.Context, *Session) []mcp.Resource {
	return []mcp.Resource{
		{
			URI:         WorkspaceTreeURI,
			Name:        "Workspace Tree",
			Description: "Top-level entries of the workspace",
			MimeType:    "text/plain",
		},
		{
			URI:         WorkspaceFileURI + "?path=<workspace-relative-path>",
			Name:        "Workspace File",
			Description: "Read a file from workspace by query parameter 'path'",
			MimeType:    "text/plain",
		},
	}
}

func (p *WorkspaceProvider) ReadResource(_ context.Context, _ *Session, uri string) (*mcp.ReadResourceResult, bool) {
	switch {
	case uri == WorkspaceTreeURI:
		return textResource(uri, "text/plain", p.tree()), true
	case strings.HasPrefix(uri, WorkspaceFileURI):
		return textResource(uri, "text/plain", p.readFile(uri)), true
	}
	return nil, false
}

func (p *WorkspaceProvider) root() (string, error) {
	p.mu.RLock()
	root := p.Root
	p.mu.RUnlock()
	if root == "" {
		return "", errors.New("workspace root is unavailable")
	}
	return filepath.Abs(root)
}

func (p *WorkspaceProvider) tree() string {
	root, err := p.root()
	if err != nil {
		return "Workspace root is unavailable"
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return "Failed to list workspace tree: " + err.Error()
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if len(names) == maxTreeEntries {
			break
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return strings.Join(names, "\n")
}

func (p *WorkspaceProvider) readFile(raw string) string {
	root, err := p.root()
	if err != nil {
		return "Workspace root is unavailable"
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "Failed to read file: " + err.Error()
	}
	rel := u.Query().Get("path")
	if strings.TrimSpace(rel) == "" {
		return "Missing 'path' query argument"
	}

	target := filepath.Clean(filepath.Join(root, rel))
	if filepath.IsAbs(rel) {
		target = filepath.Clean(rel)
	}
	if target != root && !strings.HasPrefix(target, root+string(filepath.Separator)) {
		return "Path traversal is not allowed"
	}

	info, err := os.Stat(target)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && info.IsDir()) {
		return "File not found: " + target
	}
	if err != nil {
		return "Failed to read file: " + err.Error()
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return fmt.Sprintf("Failed to read file: %v", err)
	}
	return string(data)
}
