package host

import (
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Bigsy/mcpbridge/internal/config"
	"github.com/Bigsy/mcpbridge/internal/log"
	"github.com/Bigsy/mcpbridge/internal/mcp"
)

// SessionHeader carries the host session id on /mcp requests and replies.
const SessionHeader = "Mcp-Session-Id"

const (
	maxBodyBytes     = 4 << 20
	limiterIdleAfter = 10 * time.Minute
	limiterPruneSize = 1024
)

// HTTPOptions configures an HTTPServer.
type HTTPOptions struct {
	Router     *Router
	Authorizer *Authorizer
	// OAuth serves the authorization server endpoints when the auth mode
	// accepts OAuth tokens.
	OAuth     *AuthServer
	Metrics   *Metrics
	RateLimit config.RateLimitConfig
	Logger    *slog.Logger
}

// HTTPServer is the host's Streamable HTTP endpoint plus the OAuth, health
// and metrics routes.
type HTTPServer struct {
	router   *Router
	auth     *Authorizer
	oauth    *AuthServer
	metrics  *Metrics
	limit    config.RateLimitConfig
	logger   *slog.Logger
	sessions *sessionStore

	lmu      sync.Mutex
	limiters map[string]*clientLimiter
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewHTTPServer creates an HTTP server; use Handler to mount it.
func NewHTTPServer(opts HTTPOptions) *HTTPServer {
	auth := opts.Authorizer
	if auth == nil {
		auth = NewAuthorizer(config.AuthModeNone, "", nil)
	}
	return &HTTPServer{
		router:   opts.Router,
		auth:     auth,
		oauth:    opts.OAuth,
		metrics:  opts.Metrics,
		limit:    opts.RateLimit,
		logger:   log.WithComponent(opts.Logger, "host-http"),
		sessions: newSessionStore(),
		limiters: make(map[string]*clientLimiter),
	}
}

// Handler returns the root handler with every route mounted.
func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/mcp", s.instrument("/mcp", s.rateLimit(http.HandlerFunc(s.handleMCP))))
	mux.Handle("/health", s.instrument("/health", http.HandlerFunc(handleHealth)))
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	if s.oauth != nil && s.auth.usesOAuth() {
		oauthMux := http.NewServeMux()
		s.oauth.Routes(oauthMux)
		mux.Handle("/oauth/", s.instrument("/oauth", s.rateLimit(oauthMux)))
		mux.Handle("/.well-known/", s.instrument("/.well-known", oauthMux))
	}
	mux.Handle("/", s.instrument("other", http.HandlerFunc(handleNotFound)))
	return mux
}

// SessionCount returns the number of live HTTP sessions.
func (s *HTTPServer) SessionCount() int { return s.sessions.len() }

// CloseSessions forgets every session.
func (s *HTTPServer) CloseSessions() {
	s.sessions.clear()
	s.metrics.setSessions(0)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "ok")
}

func handleNotFound(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
}

func (s *HTTPServer) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost, http.MethodGet, http.MethodDelete:
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method_not_allowed"})
		return
	}

	if !s.auth.IsAuthorized(r) {
		prm := ""
		if s.oauth != nil && s.auth.usesOAuth() {
			prm = s.oauth.ResourceMetadataURL()
		}
		s.logger.Debug("unauthorized request", "remote", r.RemoteAddr, "mode", s.auth.Mode())
		s.auth.challenge(w, prm)
		return
	}

	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodGet:
		s.handleGet(w, r)
	case http.MethodDelete:
		s.handleDelete(w, r)
	}
}

func (s *HTTPServer) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, mcp.NewErrorResponse(nil, mcp.ErrInvalidRequest("request body too large")))
		return
	}
	var msg mcp.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		s.logger.Debug("malformed request body", "error", err)
		writeJSON(w, http.StatusBadRequest, mcp.NewErrorResponse(nil, mcp.ErrParseError()))
		return
	}

	sess, created := s.sessions.getOrCreate(r.Header.Get(SessionHeader))
	if created {
		s.metrics.setSessions(s.sessions.len())
		s.logger.Debug("session created", log.SessionKey, sess.ID)
	}
	w.Header().Set(SessionHeader, sess.ID)

	reply := s.router.Handle(r.Context(), sess, &msg)
	if reply == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	data, err := json.Marshal(reply)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, mcp.NewErrorResponse(msg.ID, mcp.ErrInternalError(err.Error())))
		return
	}
	if acceptsSSE(r) {
		writeSSE(w, "message", data)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *HTTPServer) handleGet(w http.ResponseWriter, r *http.Request) {
	if !acceptsSSE(r) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method_not_allowed"})
		return
	}
	if id := r.Header.Get(SessionHeader); id != "" {
		w.Header().Set(SessionHeader, id)
	}
	writeSSE(w, "ready", []byte("{}"))
}

func (s *HTTPServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(SessionHeader)
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing_session_id"})
		return
	}
	if !s.sessions.remove(id) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
		return
	}
	s.metrics.setSessions(s.sessions.len())
	s.logger.Debug("session closed", log.SessionKey, id)
	w.WriteHeader(http.StatusNoContent)
}

func acceptsSSE(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func writeSSE(w http.ResponseWriter, event string, data []byte) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "event: "+event+"\ndata: ")
	_, _ = w.Write(data)
	_, _ = io.WriteString(w, "\n\n")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// rateLimit applies a per client IP token bucket. A zero rate disables it.
func (s *HTTPServer) rateLimit(next http.Handler) http.Handler {
	if s.limit.RequestsPerSecond <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiterFor(clientIP(r)).Allow() {
			s.metrics.recordRateLimited()
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate_limited"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) limiterFor(ip string) *rate.Limiter {
	now := time.Now()
	s.lmu.Lock()
	defer s.lmu.Unlock()

	if len(s.limiters) >= limiterPruneSize {
		for k, cl := range s.limiters {
			if now.Sub(cl.lastSeen) > limiterIdleAfter {
				delete(s.limiters, k)
			}
		}
	}
	cl, ok := s.limiters[ip]
	if !ok {
		burst := s.limit.Burst
		if burst <= 0 {
			burst = 1
		}
		cl = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(s.limit.RequestsPerSecond), burst)}
		s.limiters[ip] = cl
	}
	cl.lastSeen = now
	return cl.limiter
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *HTTPServer) instrument(route string, next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		s.metrics.recordHTTP(route, rec.status)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// allowMethods writes a 405 and returns false unless r uses one of methods.
func allowMethods(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method_not_allowed"})
	return false
}
