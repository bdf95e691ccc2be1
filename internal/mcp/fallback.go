package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"

	mlog "github.com/Bigsy/mcpbridge/internal/log"
)

// FallbackTransport starts on a primary transport and switches once to a
// fallback when the primary rejects the exchange in a way that suggests the
// server only speaks the legacy SSE protocol. The switch is only considered
// before the primary has completed a request; afterwards a 404 means an
// expired session and is left to the client's retry logic.
type FallbackTransport struct {
	primary  Transport
	fallback Transport
	logger   *slog.Logger

	mu        sync.Mutex
	active    Transport
	succeeded bool
}

var _ Transport = (*FallbackTransport)(nil)

// NewFallbackTransport returns a transport that prefers primary.
func NewFallbackTransport(primary, fallback Transport, logger *slog.Logger) *FallbackTransport {
	return &FallbackTransport{
		primary:  primary,
		fallback: fallback,
		active:   primary,
		logger:   mlog.OrDiscard(logger),
	}
}

func (t *FallbackTransport) current() Transport {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// UsingFallback reports whether the switch has happened.
func (t *FallbackTransport) UsingFallback() bool {
	return t.current() == t.fallback
}

func (t *FallbackTransport) Connect(ctx context.Context) error {
	return t.current().Connect(ctx)
}

func (t *FallbackTransport) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	active := t.current()
	result, err := active.Send(ctx, method, params)
	if err == nil {
		t.mu.Lock()
		t.succeeded = true
		t.mu.Unlock()
		return result, nil
	}

	t.mu.Lock()
	eligible := !t.succeeded && t.active == t.primary && shouldFallback(err)
	t.mu.Unlock()
	if !eligible {
		return nil, err
	}

	t.logger.Warn("switching MCP transport to legacy SSE fallback", "error", err)
	if cerr := t.fallback.Connect(ctx); cerr != nil {
		return nil, errors.Join(err, cerr)
	}
	t.mu.Lock()
	t.active = t.fallback
	t.mu.Unlock()
	_ = t.primary.Shutdown(ctx)

	return t.fallback.Send(ctx, method, params)
}

func (t *FallbackTransport) SendNotification(ctx context.Context, method string, params any) error {
	return t.current().SendNotification(ctx, method, params)
}

func (t *FallbackTransport) InitializeSession(ctx context.Context) error {
	return t.current().InitializeSession(ctx)
}

// Shutdown closes both transports.
func (t *FallbackTransport) Shutdown(ctx context.Context) error {
	return errors.Join(t.primary.Shutdown(ctx), t.fallback.Shutdown(ctx))
}

func (t *FallbackTransport) SetNotificationHandler(h NotificationHandler) {
	t.primary.SetNotificationHandler(h)
	t.fallback.SetNotificationHandler(h)
}

func (t *FallbackTransport) SetRequestHandler(h RequestHandler) {
	t.primary.SetRequestHandler(h)
	t.fallback.SetRequestHandler(h)
}

func (t *FallbackTransport) IsConnected() bool {
	return t.current().IsConnected()
}

// SetProtocolVersion forwards to both transports when they support it.
func (t *FallbackTransport) SetProtocolVersion(v string) {
	for _, tr := range []Transport{t.primary, t.fallback} {
		if vs, ok := tr.(ProtocolVersionSetter); ok {
			vs.SetProtocolVersion(v)
		}
	}
}

func shouldFallback(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case 404, 406, 415, 426:
			return true
		}
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "event-stream") || strings.Contains(msg, "sse")
}
