package host

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bigsy/mcpbridge/internal/log"
	"github.com/Bigsy/mcpbridge/internal/mcp"
	"github.com/Bigsy/mcpbridge/internal/tools"
)

// stdioPeer drives a StdioServer over in-memory pipes.
type stdioPeer struct {
	t     *testing.T
	in    *io.PipeWriter
	lines chan []byte
	done  chan error
}

func startStdio(t *testing.T, reg *tools.Registry) *stdioPeer {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	router := newTestRouter(t, RouterOptions{Registry: reg})
	srv := NewStdioServer(router, inR, outW, log.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	p := &stdioPeer{t: t, in: inW, lines: make(chan []byte, 16), done: make(chan error, 1)}

	go func() {
		p.done <- srv.Run(ctx)
		_ = outW.Close()
	}()
	go func() {
		sc := bufio.NewScanner(outR)
		for sc.Scan() {
			p.lines <- append([]byte(nil), sc.Bytes()...)
		}
		close(p.lines)
	}()

	t.Cleanup(func() {
		cancel()
		_ = inW.Close()
		_ = outR.Close()
	})
	return p
}

func (p *stdioPeer) writeLine(s string) {
	p.t.Helper()
	_, err := io.WriteString(p.in, s+"\n")
	require.NoError(p.t, err)
}

func (p *stdioPeer) request(id int64, method string, params any) {
	p.t.Helper()
	msg, err := mcp.NewRequest(id, method, params)
	require.NoError(p.t, err)
	data, err := json.Marshal(msg)
	require.NoError(p.t, err)
	p.writeLine(string(data))
}

func (p *stdioPeer) notify(method string) {
	p.t.Helper()
	msg, err := mcp.NewNotification(method, nil)
	require.NoError(p.t, err)
	data, err := json.Marshal(msg)
	require.NoError(p.t, err)
	p.writeLine(string(data))
}

func (p *stdioPeer) next() *mcp.Message {
	p.t.Helper()
	select {
	case line, ok := <-p.lines:
		require.True(p.t, ok, "server closed output")
		var msg mcp.Message
		require.NoError(p.t, json.Unmarshal(line, &msg))
		return &msg
	case <-time.After(5 * time.Second):
		p.t.Fatal("timed out waiting for server output")
		return nil
	}
}

func TestStdioServer_RoundTrip(t *testing.T) {
	p := startStdio(t, testRegistry())

	p.request(1, mcp.MethodInitialize, mcp.InitializeParams{ProtocolVersion: "2025-06-18", ClientInfo: mcp.Implementation{Name: "cli"}})
	reply := p.next()
	assert.JSONEq(t, "1", string(reply.ID))
	var init mcp.InitializeResult
	require.NoError(t, json.Unmarshal(reply.Result, &init))
	assert.Equal(t, "2025-06-18", init.ProtocolVersion)

	p.notify(mcp.MethodInitialized)

	p.request(2, mcp.MethodToolsCall, mcp.CallToolParams{Name: "read_file", Arguments: map[string]any{"path": "x"}})
	reply = p.next()
	assert.JSONEq(t, "2", string(reply.ID))
	var res mcp.CallToolResult
	require.NoError(t, json.Unmarshal(reply.Result, &res))
	assert.Equal(t, "contents of x", res.Content[0].Text)
}

func TestStdioServer_DropsMalformedLines(t *testing.T) {
	p := startStdio(t, testRegistry())

	p.writeLine("this is not json")
	p.writeLine("   ")
	p.request(7, mcp.MethodPing, nil)

	reply := p.next()
	assert.JSONEq(t, "7", string(reply.ID))
	assert.JSONEq(t, `{"ok":true}`, string(reply.Result))
}

func TestStdioServer_ToolsListChanged(t *testing.T) {
	reg := testRegistry()
	p := startStdio(t, reg)

	p.notify(mcp.MethodInitialized)
	p.request(2, mcp.MethodPing, nil)
	assert.JSONEq(t, "2", string(p.next().ID))

	reg.Register(&tools.Func{ToolName: "late"})
	msg := p.next()
	assert.Equal(t, mcp.NotificationToolsListChanged, msg.Method)
	assert.True(t, msg.IsNotification())
}

func TestStdioServer_EOF(t *testing.T) {
	p := startStdio(t, testRegistry())
	require.NoError(t, p.in.Close())

	select {
	case err := <-p.done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return on EOF")
	}
}
