package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	mlog "github.com/Bigsy/mcpbridge/internal/log"
	"github.com/Bigsy/mcpbridge/internal/oauth"
)

const (
	// MaxSSEEventSize is the maximum size of a single SSE event (1MB).
	MaxSSEEventSize = 1024 * 1024

	// DefaultConnectTimeout bounds dialing and response headers.
	DefaultConnectTimeout = 30 * time.Second

	acceptStreamable = "application/json, text/event-stream"
	acceptLegacySSE  = "text/event-stream"
)

// HeaderProvider resolves per-request headers, typically authentication.
type HeaderProvider interface {
	Headers(ctx context.Context) (map[string]string, error)
}

// credentialRefresher is implemented by header providers that can recover
// from a 401: ForceRefresh obtains new credentials regardless of expiry and
// Invalidate drops them once they are known to be unusable.
type credentialRefresher interface {
	ForceRefresh(ctx context.Context) error
	Invalidate(ctx context.Context) error
}

// StreamableHTTPConfig holds configuration for the HTTP stream.
type StreamableHTTPConfig struct {
	// URL is the MCP endpoint (e.g. "https://mcp.example.com/mcp").
	URL string

	// Auth supplies headers for every request (optional).
	Auth HeaderProvider

	// Headers are static headers added to every request.
	Headers map[string]string

	// Legacy sends Accept: text/event-stream only, for pre-2025 SSE servers.
	Legacy bool

	// Client is the HTTP client to use. If nil, a default one is built.
	Client *http.Client

	Logger *slog.Logger
}

// StreamableHTTPStream implements Stream over HTTP POST. Each Send posts one
// message; JSON or SSE bodies are queued for Receive.
type StreamableHTTPStream struct {
	config StreamableHTTPConfig
	client *http.Client
	logger *slog.Logger

	mu        sync.Mutex
	sessionID string
	version   string
	closed    bool

	msgQueue chan []byte
	done     chan struct{}
}

// NewStreamableHTTPStream creates a stream for config.URL.
func NewStreamableHTTPStream(config StreamableHTTPConfig) *StreamableHTTPStream {
	return &StreamableHTTPStream{
		config:   config,
		client:   cloneHTTPClient(config.Client),
		logger:   mlog.OrDiscard(config.Logger),
		msgQueue: make(chan []byte, 100),
		done:     make(chan struct{}),
	}
}

// SessionID returns the current Mcp-Session-Id, if any.
func (s *StreamableHTTPStream) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// ResetSession forgets the server-issued session id.
func (s *StreamableHTTPStream) ResetSession() {
	s.mu.Lock()
	s.sessionID = ""
	s.mu.Unlock()
}

// SetProtocolVersion sets the MCP-Protocol-Version header value.
func (s *StreamableHTTPStream) SetProtocolVersion(v string) {
	s.mu.Lock()
	s.version = v
	s.mu.Unlock()
}

// Send posts msg. Non-2xx responses become *HTTPError; a 404 also clears
// the session. A 401 forces one credential refresh and a single retry; the
// credentials are invalidated only when that refresh or retry fails.
func (s *StreamableHTTPStream) Send(ctx context.Context, msg []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	s.logger.Debug("http send", "payload", string(msg))

	resp, err := s.post(ctx, msg)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		if refresher, ok := s.config.Auth.(credentialRefresher); ok {
			_ = resp.Body.Close()
			if rerr := refresher.ForceRefresh(ctx); rerr != nil {
				s.logger.Warn("credential refresh after 401 failed", "error", rerr)
				s.invalidate(ctx, refresher)
				return unauthorizedError(resp.Header)
			}
			resp, err = s.post(ctx, msg)
			if err != nil {
				return err
			}
			if resp.StatusCode == http.StatusUnauthorized {
				_ = resp.Body.Close()
				s.invalidate(ctx, refresher)
				return unauthorizedError(resp.Header)
			}
		}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		s.ResetSession()
		return &HTTPError{StatusCode: resp.StatusCode}
	case resp.StatusCode == http.StatusUnauthorized:
		return unauthorizedError(resp.Header)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	contentType := resp.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(contentType, "text/event-stream"):
		return s.handleSSEResponse(ctx, resp.Body)
	case strings.HasPrefix(contentType, "application/json"):
		return s.handleJSONResponse(ctx, resp.Body)
	}
	return nil
}

// post sends one POST of msg with session, version and auth headers, and
// records any session id the server hands back.
func (s *StreamableHTTPStream) post(ctx context.Context, msg []byte) (*http.Response, error) {
	s.mu.Lock()
	sessionID, version := s.sessionID, s.version
	s.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.URL, bytes.NewReader(msg))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.config.Legacy {
		req.Header.Set("Accept", acceptLegacySSE)
	} else {
		req.Header.Set("Accept", acceptStreamable)
	}
	if version != "" {
		req.Header.Set("MCP-Protocol-Version", version)
	}
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	for k, v := range s.config.Headers {
		req.Header.Set(k, v)
	}
	if s.config.Auth != nil {
		headers, err := s.config.Auth.Headers(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve auth headers: %w", err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		s.mu.Lock()
		s.sessionID = sid
		s.mu.Unlock()
	}
	return resp, nil
}

func (s *StreamableHTTPStream) invalidate(ctx context.Context, r credentialRefresher) {
	if err := r.Invalidate(ctx); err != nil {
		s.logger.Warn("invalidate credentials", "error", err)
	}
}

func unauthorizedError(h http.Header) *UnauthorizedError {
	uerr := &UnauthorizedError{}
	if challenge := oauth.ParseBearerChallenge(h); challenge != nil {
		uerr.ResourceMetadata = challenge.ResourceMetadata
		uerr.Scope = challenge.Scope
	}
	return uerr
}

func (s *StreamableHTTPStream) handleSSEResponse(ctx context.Context, body io.Reader) error {
	scanner := newSSEScanner(body, MaxSSEEventSize)
	for {
		event, err := scanner.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read SSE response: %w", err)
		}
		if len(event.Data) > 0 && (event.Event == "" || event.Event == "message") {
			if err := s.enqueue(ctx, event.Data); err != nil {
				return err
			}
		}
	}
}

func (s *StreamableHTTPStream) handleJSONResponse(ctx context.Context, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}
	// Batched replies are split so the reader sees one message at a time.
	if data[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(data, &batch); err != nil {
			return fmt.Errorf("parse batch response: %w", err)
		}
		for _, m := range batch {
			if err := s.enqueue(ctx, m); err != nil {
				return err
			}
		}
		return nil
	}
	return s.enqueue(ctx, data)
}

func (s *StreamableHTTPStream) enqueue(ctx context.Context, data []byte) error {
	s.logger.Debug("http recv", "payload", string(data))
	select {
	case <-s.done:
		return ErrClosed
	case s.msgQueue <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns the next queued message.
func (s *StreamableHTTPStream) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-s.msgQueue:
		return msg, nil
	case <-s.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close marks the stream closed. If a session is open it is terminated with
// a best-effort DELETE.
func (s *StreamableHTTPStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sessionID := s.sessionID
	s.sessionID = ""
	s.mu.Unlock()
	close(s.done)

	if sessionID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.config.URL, nil)
		if err == nil {
			req.Header.Set("Mcp-Session-Id", sessionID)
			if resp, err := s.client.Do(req); err == nil {
				_ = resp.Body.Close()
			}
		}
	}
	return nil
}

// sseEvent represents a single SSE event.
type sseEvent struct {
	ID    string
	Event string
	Data  []byte
}

// sseScanner parses SSE events from a reader.
type sseScanner struct {
	reader   *bufio.Reader
	maxSize  int
	currSize int
}

func newSSEScanner(r io.Reader, maxSize int) *sseScanner {
	return &sseScanner{reader: bufio.NewReader(r), maxSize: maxSize}
}

// Next reads the next SSE event.
func (s *sseScanner) Next() (*sseEvent, error) {
	event := &sseEvent{}
	var dataLines [][]byte
	s.currSize = 0

	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF && len(dataLines) > 0 {
				event.Data = bytes.Join(dataLines, []byte("\n"))
				return event, nil
			}
			return nil, err
		}

		s.currSize += len(line)
		if s.currSize > s.maxSize {
			return nil, fmt.Errorf("SSE event exceeds maximum size of %d bytes", s.maxSize)
		}

		line = bytes.TrimSuffix(line, []byte("\n"))
		line = bytes.TrimSuffix(line, []byte("\r"))

		if len(line) == 0 {
			if len(dataLines) > 0 || event.ID != "" || event.Event != "" {
				event.Data = bytes.Join(dataLines, []byte("\n"))
				return event, nil
			}
			continue
		}
		if line[0] == ':' {
			continue
		}

		field, value, _ := bytes.Cut(line, []byte(":"))
		value = bytes.TrimPrefix(value, []byte(" "))

		switch string(field) {
		case "id":
			event.ID = string(value)
		case "event":
			event.Event = string(value)
		case "data":
			dataLines = append(dataLines, value)
		}
	}
}

func cloneHTTPClient(base *http.Client) *http.Client {
	c := &http.Client{}
	if base != nil {
		*c = *base
	}
	// Streamed bodies are bounded by context, not a client-wide deadline.
	c.Timeout = 0

	if c.Transport == nil {
		c.Transport = defaultHTTPTransport()
		return c
	}
	if t, ok := c.Transport.(*http.Transport); ok {
		tt := t.Clone()
		if tt.ResponseHeaderTimeout == 0 {
			tt.ResponseHeaderTimeout = DefaultConnectTimeout
		}
		if tt.TLSHandshakeTimeout == 0 {
			tt.TLSHandshakeTimeout = DefaultConnectTimeout
		}
		c.Transport = tt
	}
	return c
}

func defaultHTTPTransport() *http.Transport {
	if dt, ok := http.DefaultTransport.(*http.Transport); ok {
		t := dt.Clone()
		t.ResponseHeaderTimeout = DefaultConnectTimeout
		return t
	}
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   DefaultConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   DefaultConnectTimeout,
		ResponseHeaderTimeout: DefaultConnectTimeout,
	}
}
