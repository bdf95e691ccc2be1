package manager

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bigsy/mcpbridge/internal/log"
	"github.com/Bigsy/mcpbridge/internal/mcp"
)

// fakeClient answers CallTool with a canned result and resolves resources
// from a map, optionally after a per-URI delay.
type fakeClient struct {
	result  *mcp.CallToolResult
	callErr error

	resources map[string]*mcp.ReadResourceResult
	readErr   map[string]error
	delays    map[string]time.Duration

	mu       sync.Mutex
	calls    []map[string]any
	toolName string
	reads    []string
}

func (f *fakeClient) CallTool(_ context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	f.mu.Lock()
	f.toolName = name
	f.calls = append(f.calls, args)
	f.mu.Unlock()
	return f.result, f.callErr
}

func (f *fakeClient) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	f.mu.Lock()
	f.reads = append(f.reads, uri)
	f.mu.Unlock()

	if d := f.delays[uri]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := f.readErr[uri]; err != nil {
		return nil, err
	}
	if res, ok := f.resources[uri]; ok {
		return res, nil
	}
	return nil, errors.New("resource not found")
}

func testAdapter(client toolClient, tool mcp.Tool) *adapter {
	return newAdapter("Docs Server", tool, client, log.Discard())
}

func TestToolPrefix(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"github", "mcp_github_"},
		{"My Server", "mcp_my_server_"},
		{"docs-v2.internal", "mcp_docs_v2_internal_"},
		{"  Trim_Me  ", "mcp_trim_me_"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ToolPrefix(tt.in), tt.in)
	}
}

func TestAdapter_Descriptor(t *testing.T) {
	a := testAdapter(&fakeClient{}, mcp.Tool{Name: "delete_page", Description: "Delete a page"})

	assert.Equal(t, "mcp_docs_server_delete_page", a.Name())
	assert.Equal(t, "[MCP:Docs Server] Delete a page", a.Description())
	assert.Equal(t, DefaultInputSchema, a.InputSchema())
	assert.True(t, a.IsDestructive())

	schema := json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}}}`)
	b := testAdapter(&fakeClient{}, mcp.Tool{Name: "search", InputSchema: schema})
	assert.Equal(t, string(schema), b.InputSchema())
	assert.False(t, b.IsDestructive())
}

func TestAdapter_DelegatesArguments(t *testing.T) {
	client := &fakeClient{result: mcp.TextResult("done")}
	a := testAdapter(client, mcp.Tool{Name: "search"})

	args := map[string]any{"query": "go", "limit": float64(3)}
	res, err := a.Execute(context.Background(), args)
	require.NoError(t, err)

	assert.False(t, res.IsError)
	assert.Equal(t, "done", res.Output)
	assert.Equal(t, "search", client.toolName, "remote name is used, not the prefixed one")
	require.Len(t, client.calls, 1)
	assert.Equal(t, args, client.calls[0])
}

func TestAdapter_ContentOrderWithSlowResource(t *testing.T) {
	client := &fakeClient{
		result: &mcp.CallToolResult{Content: []mcp.Content{
			mcp.TextContent("A"),
			mcp.ResourceContent(mcp.ResourceContents{URI: "file:///slow"}),
			mcp.TextContent("B"),
		}},
		resources: map[string]*mcp.ReadResourceResult{
			"file:///slow": {Contents: []mcp.ResourceContents{{URI: "file:///slow", Text: "R"}}},
		},
		delays: map[string]time.Duration{"file:///slow": 50 * time.Millisecond},
	}
	a := testAdapter(client, mcp.Tool{Name: "fetch"})

	res, err := a.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "A\nR\nB", res.Output)
}

func TestAdapter_ContentRendering(t *testing.T) {
	tests := []struct {
		name    string
		content []mcp.Content
		client  *fakeClient
		want    string
	}{
		{
			name:    "inline resource text",
			content: []mcp.Content{mcp.ResourceContent(mcp.ResourceContents{URI: "x", Text: "inline"})},
			want:    "inline",
		},
		{
			name:    "image placeholder",
			content: []mcp.Content{mcp.TextContent("chart:"), mcp.ImageContent("aGk=", "image/png")},
			want:    "chart:\n[MCP image content omitted: image/png]",
		},
		{
			name:    "blank blocks skipped",
			content: []mcp.Content{mcp.TextContent("  "), mcp.TextContent("kept"), mcp.TextContent("")},
			want:    "kept",
		},
		{
			name:    "read failure",
			content: []mcp.Content{mcp.ResourceContent(mcp.ResourceContents{URI: "file:///gone"})},
			client:  &fakeClient{readErr: map[string]error{"file:///gone": errors.New("boom")}},
			want:    "[MCP resource read failed] file:///gone",
		},
		{
			name:    "no contents",
			content: []mcp.Content{mcp.ResourceContent(mcp.ResourceContents{URI: "file:///empty"})},
			client: &fakeClient{resources: map[string]*mcp.ReadResourceResult{
				"file:///empty": {},
			}},
			want: "[MCP resource has no content] file:///empty",
		},
		{
			name:    "blob only",
			content: []mcp.Content{mcp.ResourceContent(mcp.ResourceContents{URI: "file:///bin"})},
			client: &fakeClient{resources: map[string]*mcp.ReadResourceResult{
				"file:///bin": {Contents: []mcp.ResourceContents{{URI: "file:///bin", Blob: "AAEC"}}},
			}},
			want: "[MCP resource fetched without text payload] file:///bin",
		},
		{
			name:    "unknown block type ignored",
			content: []mcp.Content{{Type: "audio", Data: "x"}, mcp.TextContent("after")},
			want:    "after",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := tt.client
			if client == nil {
				client = &fakeClient{}
			}
			client.result = &mcp.CallToolResult{Content: tt.content}

			res, err := testAdapter(client, mcp.Tool{Name: "t"}).Execute(context.Background(), nil)
			require.NoError(t, err)
			assert.False(t, res.IsError)
			assert.Equal(t, tt.want, res.Output)
		})
	}
}

func TestAdapter_StructuredContentFallback(t *testing.T) {
	client := &fakeClient{result: &mcp.CallToolResult{
		StructuredContent: json.RawMessage(`{"count":2}`),
	}}

	res, err := testAdapter(client, mcp.Tool{Name: "stats"}).Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, `{"count":2}`, res.Output)

	client.result = &mcp.CallToolResult{
		Content:           []mcp.Content{mcp.TextContent("text wins")},
		StructuredContent: json.RawMessage(`{"count":2}`),
	}
	res, err = testAdapter(client, mcp.Tool{Name: "stats"}).Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "text wins", res.Output)
}

func TestAdapter_Errors(t *testing.T) {
	t.Run("isError uses first text", func(t *testing.T) {
		client := &fakeClient{result: &mcp.CallToolResult{IsError: true, Content: []mcp.Content{
			mcp.ImageContent("x", "image/png"),
			mcp.TextContent("quota exceeded"),
			mcp.TextContent("second"),
		}}}
		res, err := testAdapter(client, mcp.Tool{Name: "t"}).Execute(context.Background(), nil)
		require.NoError(t, err)
		assert.True(t, res.IsError)
		assert.Equal(t, "quota exceeded", res.Output)
	})

	t.Run("isError without text", func(t *testing.T) {
		client := &fakeClient{result: &mcp.CallToolResult{IsError: true}}
		res, err := testAdapter(client, mcp.Tool{Name: "t"}).Execute(context.Background(), nil)
		require.NoError(t, err)
		assert.True(t, res.IsError)
		assert.Equal(t, "Unknown MCP error", res.Output)
	})

	t.Run("call error", func(t *testing.T) {
		client := &fakeClient{callErr: mcp.ErrClosed}
		res, err := testAdapter(client, mcp.Tool{Name: "t"}).Execute(context.Background(), nil)
		require.NoError(t, err)
		assert.True(t, res.IsError)
		assert.Equal(t, "MCP tool error: "+mcp.ErrClosed.Error(), res.Output)
	})
}
