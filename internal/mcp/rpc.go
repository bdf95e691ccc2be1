package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	mlog "github.com/Bigsy/mcpbridge/internal/log"
)

// DefaultRequestTimeout bounds a request whose context carries no deadline.
const DefaultRequestTimeout = 60 * time.Second

// Dialer opens a fresh Stream.
type Dialer func(ctx context.Context) (Stream, error)

// RPCOptions configures an RPCTransport.
type RPCOptions struct {
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// RPCTransport implements Transport over a Stream. It assigns request ids,
// correlates responses, and dispatches notifications in arrival order on a
// dedicated goroutine. Server requests are answered concurrently.
type RPCTransport struct {
	dial    Dialer
	timeout time.Duration
	logger  *slog.Logger

	nextID atomic.Int64

	mu        sync.Mutex
	stream    Stream
	pending   map[string]chan *Message
	connected bool
	cancel    context.CancelFunc
	version   string

	handlerMu     sync.RWMutex
	onNotify      NotificationHandler
	onRequest     RequestHandler
	notifications chan *Message
}

var _ Transport = (*RPCTransport)(nil)

// NewRPCTransport creates a transport that obtains its stream from dial.
func NewRPCTransport(dial Dialer, opts RPCOptions) *RPCTransport {
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &RPCTransport{
		dial:    dial,
		timeout: timeout,
		logger:  mlog.OrDiscard(opts.Logger),
		pending: make(map[string]chan *Message),
	}
}

func (t *RPCTransport) SetNotificationHandler(h NotificationHandler) {
	t.handlerMu.Lock()
	t.onNotify = h
	t.handlerMu.Unlock()
}

func (t *RPCTransport) SetRequestHandler(h RequestHandler) {
	t.handlerMu.Lock()
	t.onRequest = h
	t.handlerMu.Unlock()
}

// Connect dials the stream and starts the read and notification loops.
// Calling Connect on a connected transport is a no-op.
func (t *RPCTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		return nil
	}
	if t.stream != nil {
		// The previous stream lost its peer; release it before redialing.
		t.cancel()
		if err := t.stream.Close(); err != nil {
			t.logger.Debug("close stale stream", "error", err)
		}
		t.stream = nil
	}

	stream, err := t.dial(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if t.version != "" {
		if vs, ok := stream.(versionedStream); ok {
			vs.SetProtocolVersion(t.version)
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	t.stream = stream
	t.cancel = cancel
	t.connected = true
	t.notifications = make(chan *Message, 64)

	go t.readLoop(loopCtx, stream, t.notifications)
	go t.notifyLoop(loopCtx, t.notifications)
	return nil
}

func (t *RPCTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// SetProtocolVersion forwards the negotiated version to the stream.
func (t *RPCTransport) SetProtocolVersion(v string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.version = v
	if vs, ok := t.stream.(versionedStream); ok {
		vs.SetProtocolVersion(v)
	}
}

// InitializeSession drops any server-issued session so the next request
// starts a new one. Streams without sessions are unaffected.
func (t *RPCTransport) InitializeSession(ctx context.Context) error {
	t.mu.Lock()
	stream, connected := t.stream, t.connected
	t.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	if ss, ok := stream.(sessionStream); ok {
		ss.ResetSession()
	}
	return nil
}

// Send issues method and blocks until the response, ctx, or the request
// timeout. RPC errors are returned as *RPCError.
func (t *RPCTransport) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	t.mu.Lock()
	stream, connected := t.stream, t.connected
	t.mu.Unlock()
	if !connected {
		return nil, ErrNotConnected
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	id := t.nextID.Add(1)
	msg, err := NewRequest(id, method, params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", method, err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", method, err)
	}

	key := strconv.FormatInt(id, 10)
	ch := make(chan *Message, 1)
	t.mu.Lock()
	t.pending[key] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, key)
		t.mu.Unlock()
	}()

	if err := stream.Send(ctx, data); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok || resp == nil {
			return nil, fmt.Errorf("%s: %w", method, ErrClosed)
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

// SendNotification writes a notification.
func (t *RPCTransport) SendNotification(ctx context.Context, method string, params any) error {
	t.mu.Lock()
	stream, connected := t.stream, t.connected
	t.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	msg, err := NewNotification(method, params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", method, err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}
	return stream.Send(ctx, data)
}

// Shutdown stops the loops, closes the stream and fails pending requests.
// A stream whose peer already went away is still closed so the process
// behind it is stopped.
func (t *RPCTransport) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	stream := t.stream
	if stream == nil {
		t.mu.Unlock()
		return nil
	}
	t.connected = false
	t.stream = nil
	t.cancel()
	t.failPendingLocked()
	t.mu.Unlock()

	if err := stream.Close(); err != nil {
		return fmt.Errorf("close stream: %w", err)
	}
	return nil
}

func (t *RPCTransport) failPendingLocked() {
	for key, ch := range t.pending {
		close(ch)
		delete(t.pending, key)
	}
}

func (t *RPCTransport) readLoop(ctx context.Context, stream Stream, notifications chan<- *Message) {
	defer close(notifications)
	for {
		data, err := stream.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, ErrClosed) {
				t.logger.Warn("stream receive failed", "error", err)
			}
			t.mu.Lock()
			if t.stream == stream {
				t.connected = false
				t.failPendingLocked()
			}
			t.mu.Unlock()
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.logger.Debug("dropping malformed message", "error", err)
			continue
		}

		switch {
		case msg.IsResponse():
			t.deliver(&msg)
		case msg.IsNotification():
			select {
			case notifications <- &msg:
			case <-ctx.Done():
				return
			}
		case msg.IsRequest():
			go t.answer(ctx, stream, &msg)
		default:
			t.logger.Debug("dropping unrecognized message", "payload", string(data))
		}
	}
}

func (t *RPCTransport) deliver(msg *Message) {
	key := string(msg.ID)
	t.mu.Lock()
	ch, ok := t.pending[key]
	if ok {
		delete(t.pending, key)
	}
	t.mu.Unlock()
	if !ok {
		t.logger.Debug("response for unknown request", "id", key)
		return
	}
	ch <- msg
}

func (t *RPCTransport) notifyLoop(ctx context.Context, notifications <-chan *Message) {
	for msg := range notifications {
		t.handlerMu.RLock()
		h := t.onNotify
		t.handlerMu.RUnlock()
		if h != nil {
			h(ctx, msg.Method, msg.Params)
		}
	}
}

func (t *RPCTransport) answer(ctx context.Context, stream Stream, req *Message) {
	t.handlerMu.RLock()
	h := t.onRequest
	t.handlerMu.RUnlock()

	var resp *Message
	if h == nil {
		resp = NewErrorResponse(req.ID, ErrMethodNotFound(req.Method))
	} else {
		result, err := h(ctx, req.Method, req.Params)
		if err != nil {
			var rpcErr *RPCError
			if !errors.As(err, &rpcErr) {
				rpcErr = ErrInternalError(err.Error())
			}
			resp = NewErrorResponse(req.ID, rpcErr)
		} else if resp, err = NewResult(req.ID, result); err != nil {
			resp = NewErrorResponse(req.ID, ErrInternalError(err.Error()))
		}
	}

	data, err := json.Marshal(resp)
	if err != nil {
		t.logger.Warn("marshal response to server request", "method", req.Method, "error", err)
		return
	}
	if err := stream.Send(ctx, data); err != nil {
		t.logger.Warn("send response to server request", "method", req.Method, "error", err)
	}
}
