package oauth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
)

// fakeAuthServer is a protected resource and authorization server on one origin.
type fakeAuthServer struct {
	*httptest.Server

	// openIDMissing makes openid-configuration return 404.
	openIDMissing bool
	// failToken makes the token endpoint return 400.
	failToken bool

	tokenCalls atomic.Int32

	mu         sync.Mutex
	lastForm   map[string]string
	challenges map[string]string // code -> challenge
}

func newFakeAuthServer(t *testing.T) *fakeAuthServer {
	t.Helper()
	f := &fakeAuthServer{challenges: make(map[string]string)}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /.well-known/oauth-protected-resource", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"resource":              f.URL + "/mcp",
			"authorization_servers": []string{f.URL},
		})
	})
	metadata := func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"issuer":                           f.URL,
			"authorization_endpoint":           f.URL + "/authorize",
			"token_endpoint":                   f.URL + "/token",
			"registration_endpoint":            f.URL + "/register",
			"code_challenge_methods_supported": []string{"S256"},
		})
	}
	mux.HandleFunc("GET /.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		if f.openIDMissing {
			http.NotFound(w, r)
			return
		}
		metadata(w, r)
	})
	mux.HandleFunc("GET /.well-known/oauth-authorization-server", metadata)

	mux.HandleFunc("POST /register", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]any{"client_id": "registered-client"})
	})
	mux.HandleFunc("GET /authorize", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f.mu.Lock()
		f.challenges["code-1"] = q.Get("code_challenge")
		f.mu.Unlock()
		http.Redirect(w, r, q.Get("redirect_uri")+"?code=code-1&state="+q.Get("state"), http.StatusFound)
	})
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		_ = r.ParseForm()
		form := make(map[string]string)
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		f.mu.Lock()
		f.lastForm = form
		challenge := f.challenges[form["code"]]
		f.mu.Unlock()

		if f.failToken {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		switch form["grant_type"] {
		case "refresh_token":
			writeJSON(w, http.StatusOK, map[string]any{
				"access_token": "refreshed-access", "token_type": "Bearer",
				"expires_in": 3600, "refresh_token": "rotated-refresh",
			})
		case "authorization_code":
			if S256Challenge(form["code_verifier"]) != challenge {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"access_token": "login-access", "token_type": "Bearer",
				"expires_in": 600, "refresh_token": "login-refresh",
			})
		default:
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		}
	})

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func (f *fakeAuthServer) form() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastForm
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
