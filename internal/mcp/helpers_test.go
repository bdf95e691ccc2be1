package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Bigsy/mcpbridge/internal/mcptest/fakeserver"
)

// pipeTransport connects an RPCTransport to an in-process fake server.
func pipeTransport(t *testing.T, cfg fakeserver.Config) *RPCTransport {
	t.Helper()

	serverIn, clientOut := io.Pipe()
	clientIn, serverOut := io.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = fakeserver.Serve(ctx, serverIn, serverOut, cfg)
		_ = serverOut.Close()
	}()

	tr := NewRPCTransport(func(context.Context) (Stream, error) {
		return NewStdioStream(clientOut, clientIn, nil), nil
	}, RPCOptions{RequestTimeout: 5 * time.Second})
	require.NoError(t, tr.Connect(context.Background()))

	t.Cleanup(func() {
		_ = tr.Shutdown(context.Background())
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	})
	return tr
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// scriptedTransport is a Transport whose replies come from a function.
type scriptedTransport struct {
	mu           sync.Mutex
	reply        func(method string, params any, attempt int) (json.RawMessage, error)
	attempts     map[string]int
	sessionInits int
	notified     []string
	order        []string
	onNotify     NotificationHandler
	onRequest    RequestHandler
}

func newScripted(reply func(method string, params any, attempt int) (json.RawMessage, error)) *scriptedTransport {
	return &scriptedTransport{reply: reply, attempts: make(map[string]int)}
}

func (s *scriptedTransport) Connect(context.Context) error { return nil }

func (s *scriptedTransport) Send(_ context.Context, method string, params any) (json.RawMessage, error) {
	s.mu.Lock()
	s.attempts[method]++
	attempt := s.attempts[method]
	s.order = append(s.order, method)
	s.mu.Unlock()
	return s.reply(method, params, attempt)
}

func (s *scriptedTransport) SendNotification(_ context.Context, method string, _ any) error {
	s.mu.Lock()
	s.notified = append(s.notified, method)
	s.order = append(s.order, method)
	s.mu.Unlock()
	return nil
}

func (s *scriptedTransport) InitializeSession(context.Context) error {
	s.mu.Lock()
	s.sessionInits++
	s.mu.Unlock()
	return nil
}

func (s *scriptedTransport) Shutdown(context.Context) error { return nil }

func (s *scriptedTransport) SetNotificationHandler(h NotificationHandler) { s.onNotify = h }

func (s *scriptedTransport) SetRequestHandler(h RequestHandler) { s.onRequest = h }

func (s *scriptedTransport) IsConnected() bool { return true }

func (s *scriptedTransport) count(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[method]
}

func (s *scriptedTransport) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

func (s *scriptedTransport) inits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionInits
}

func raw(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

var errSessionExpired = errors.New("MCP session expired (404)")

// versionScript accepts initialize only for the given versions and serves
// empty lists for everything else.
func versionScript(accepted ...string) func(string, any, int) (json.RawMessage, error) {
	return func(method string, params any, _ int) (json.RawMessage, error) {
		switch method {
		case MethodInitialize:
			p := params.(InitializeParams)
			for _, v := range accepted {
				if v == p.ProtocolVersion {
					return raw(map[string]any{
						"protocolVersion": v,
						"serverInfo":      map[string]string{"name": "scripted", "version": "1"},
						"capabilities":    map[string]any{"tools": map[string]any{}},
					}), nil
				}
			}
			return nil, &RPCError{Code: ErrCodeInvalidParams, Message: "Unsupported protocol version"}
		case MethodToolsList:
			return raw(map[string]any{"tools": []Tool{}}), nil
		}
		return nil, ErrMethodNotFound(method)
	}
}
