package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bigsy/mcpbridge/internal/mcptest/fakeserver"
)

func TestRPCTransport_SkipsNoiseAndMatchesIDs(t *testing.T) {
	tr := pipeTransport(t, fakeserver.Config{
		Tools:                          []fakeserver.Tool{{Name: "a"}},
		Malformed:                      true,
		SendNotificationBeforeResponse: true,
		SendMismatchedIDFirst:          true,
	})

	var mu sync.Mutex
	var seen []string
	tr.SetNotificationHandler(func(_ context.Context, method string, _ json.RawMessage) {
		mu.Lock()
		seen = append(seen, method)
		mu.Unlock()
	})

	raw, err := tr.Send(testContext(t), MethodToolsList, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"tools":[{"name":"a"}]}`, string(raw))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1 && seen[0] == "test/noise"
	}, time.Second, 10*time.Millisecond)
}

func TestRPCTransport_ConcurrentRequests(t *testing.T) {
	tr := pipeTransport(t, fakeserver.Config{EchoToolCalls: true})
	ctx := testContext(t)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			raw, err := tr.Send(ctx, MethodToolsCall, CallToolParams{Name: "echo", Arguments: map[string]any{"i": i}})
			if err != nil {
				errs <- err
				return
			}
			var res CallToolResult
			if err := json.Unmarshal(raw, &res); err != nil {
				errs <- err
				return
			}
			want := "echo " + string(mustJSON(map[string]any{"i": i}))
			if res.Content[0].Text != want {
				errs <- errors.New("mismatched reply: " + res.Content[0].Text)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestRPCTransport_RPCErrorReturned(t *testing.T) {
	tr := pipeTransport(t, fakeserver.Config{
		Errors: map[string]fakeserver.JSONRPCError{"tools/list": {Code: -32000, Message: "nope"}},
	})
	_, err := tr.Send(testContext(t), MethodToolsList, nil)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32000, rpcErr.Code)
	assert.Equal(t, "nope", rpcErr.Message)
}

func TestRPCTransport_NotConnected(t *testing.T) {
	tr := NewRPCTransport(func(context.Context) (Stream, error) { return nil, errors.New("unused") }, RPCOptions{})
	_, err := tr.Send(context.Background(), MethodPing, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, tr.InitializeSession(context.Background()), ErrNotConnected)
	assert.False(t, tr.IsConnected())
}

func TestRPCTransport_DialError(t *testing.T) {
	tr := NewRPCTransport(func(context.Context) (Stream, error) { return nil, errors.New("no such binary") }, RPCOptions{})
	err := tr.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such binary")
}

func TestRPCTransport_ShutdownFailsPending(t *testing.T) {
	tr := pipeTransport(t, fakeserver.Config{
		Delays: map[string]time.Duration{"tools/list": 2 * time.Second},
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := tr.Send(context.Background(), MethodToolsList, nil)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, tr.Shutdown(context.Background()))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("pending request not failed on shutdown")
	}
	assert.False(t, tr.IsConnected())
}

func TestRPCTransport_RequestTimeout(t *testing.T) {
	serverIn, clientOut := io.Pipe()
	clientIn, serverOut := io.Pipe()
	go func() { _, _ = io.Copy(io.Discard, serverIn) }()
	t.Cleanup(func() { _ = serverOut.Close() })

	tr := NewRPCTransport(func(context.Context) (Stream, error) {
		return NewStdioStream(clientOut, clientIn, nil), nil
	}, RPCOptions{RequestTimeout: 50 * time.Millisecond})
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { _ = tr.Shutdown(context.Background()) })

	_, err := tr.Send(context.Background(), MethodPing, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRPCTransport_PeerExitDisconnects(t *testing.T) {
	serverIn, clientOut := io.Pipe()
	clientIn, serverOut := io.Pipe()
	go func() { _, _ = io.Copy(io.Discard, serverIn) }()

	tr := NewRPCTransport(func(context.Context) (Stream, error) {
		return NewStdioStream(clientOut, clientIn, nil), nil
	}, RPCOptions{})
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { _ = tr.Shutdown(context.Background()) })

	require.NoError(t, serverOut.Close())
	assert.Eventually(t, func() bool { return !tr.IsConnected() }, time.Second, 10*time.Millisecond)
}

// closeCounter records how often the stream it wraps is closed.
type closeCounter struct {
	Stream
	mu     sync.Mutex
	closes int
}

func (c *closeCounter) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	return c.Stream.Close()
}

func (c *closeCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

func TestRPCTransport_ShutdownClosesStreamAfterPeerExit(t *testing.T) {
	serverIn, clientOut := io.Pipe()
	clientIn, serverOut := io.Pipe()
	go func() { _, _ = io.Copy(io.Discard, serverIn) }()

	stream := &closeCounter{Stream: NewStdioStream(clientOut, clientIn, nil)}
	tr := NewRPCTransport(func(context.Context) (Stream, error) { return stream, nil }, RPCOptions{})
	require.NoError(t, tr.Connect(context.Background()))

	require.NoError(t, serverOut.Close())
	require.Eventually(t, func() bool { return !tr.IsConnected() }, time.Second, 10*time.Millisecond)
	assert.Zero(t, stream.count())

	require.NoError(t, tr.Shutdown(context.Background()))
	assert.Equal(t, 1, stream.count())
	require.NoError(t, tr.Shutdown(context.Background()))
	assert.Equal(t, 1, stream.count())
}

func TestRPCTransport_ReconnectClosesStaleStream(t *testing.T) {
	var streams []*closeCounter
	var peers []*io.PipeWriter
	tr := NewRPCTransport(func(context.Context) (Stream, error) {
		serverIn, clientOut := io.Pipe()
		clientIn, serverOut := io.Pipe()
		go func() { _, _ = io.Copy(io.Discard, serverIn) }()
		s := &closeCounter{Stream: NewStdioStream(clientOut, clientIn, nil)}
		streams = append(streams, s)
		peers = append(peers, serverOut)
		return s, nil
	}, RPCOptions{})
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { _ = tr.Shutdown(context.Background()) })

	require.NoError(t, peers[0].Close())
	require.Eventually(t, func() bool { return !tr.IsConnected() }, time.Second, 10*time.Millisecond)

	require.NoError(t, tr.Connect(context.Background()))
	require.Len(t, streams, 2)
	assert.Equal(t, 1, streams[0].count())
	assert.True(t, tr.IsConnected())
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
