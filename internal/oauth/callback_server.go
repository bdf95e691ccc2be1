package oauth

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net"
	"net/http"
	"time"
)

// CallbackResult is the query of the authorization redirect.
type CallbackResult struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// CallbackServer receives the authorization redirect on 127.0.0.1.
type CallbackServer struct {
	listener net.Listener
	server   *http.Server
	result   chan CallbackResult
	port     int
}

// NewCallbackServer listens on port, or a random port when port is 0.
func NewCallbackServer(port int) (*CallbackServer, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", port, err)
	}

	cs := &CallbackServer{
		listener: listener,
		result:   make(chan CallbackResult, 1),
		port:     listener.Addr().(*net.TCPAddr).Port,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /callback", cs.handleCallback)
	cs.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := cs.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case cs.result <- CallbackResult{Error: "server_error", ErrorDescription: err.Error()}:
			default:
			}
		}
	}()
	return cs, nil
}

func (s *CallbackServer) Port() int { return s.port }

func (s *CallbackServer) RedirectURI() string {
	return fmt.Sprintf("http://127.0.0.1:%d/callback", s.port)
}

// Wait blocks for the first callback.
func (s *CallbackServer) Wait(ctx context.Context) (*CallbackResult, error) {
	select {
	case r := <-s.result:
		return &r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *CallbackServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	result := CallbackResult{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}

	select {
	case s.result <- result:
	default:
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	switch {
	case result.Error != "":
		w.WriteHeader(http.StatusBadRequest)
		writePage(w, "Authorization failed", html.EscapeString(result.Error+": "+result.ErrorDescription))
	case result.Code == "":
		w.WriteHeader(http.StatusBadRequest)
		writePage(w, "Authorization failed", "No authorization code received.")
	default:
		writePage(w, "Authorization complete", "You can close this window and return to the terminal.")
	}
}

func writePage(w http.ResponseWriter, title, body string) {
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html><head><title>mcpbridge - %s</title></head>
<body style="font-family: sans-serif; padding: 40px; text-align: center;">
<h1>%s</h1><p>%s</p>
</body></html>`, title, title, body)
}
