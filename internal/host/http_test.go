package host

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bigsy/mcpbridge/internal/config"
	"github.com/Bigsy/mcpbridge/internal/log"
	"github.com/Bigsy/mcpbridge/internal/mcp"
)

const testToken = "s3cret-token"

func newHTTPTest(t *testing.T, opts HTTPOptions) *httptest.Server {
	t.Helper()
	if opts.Router == nil {
		opts.Router = newTestRouter(t, RouterOptions{Metrics: opts.Metrics})
	}
	if opts.Logger == nil {
		opts.Logger = log.Discard()
	}
	srv := httptest.NewServer(NewHTTPServer(opts).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func rpcBody(t *testing.T, id int64, method string, params any) io.Reader {
	t.Helper()
	msg, err := mcp.NewRequest(id, method, params)
	require.NoError(t, err)
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	return bytes.NewReader(data)
}

func doRequest(t *testing.T, method, url string, body io.Reader, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, body)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestHTTP_HealthAndNotFound(t *testing.T) {
	srv := newHTTPTest(t, HTTPOptions{})

	resp := doRequest(t, http.MethodGet, srv.URL+"/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", readBody(t, resp))

	resp = doRequest(t, http.MethodGet, srv.URL+"/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.JSONEq(t, `{"error":"not_found"}`, readBody(t, resp))

	// OAuth routes are not mounted without an OAuth auth mode.
	resp = doRequest(t, http.MethodGet, srv.URL+PathAuthServerMeta, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTP_MethodNotAllowed(t *testing.T) {
	srv := newHTTPTest(t, HTTPOptions{})

	for _, method := range []string{http.MethodPut, http.MethodPatch} {
		resp := doRequest(t, method, srv.URL+"/mcp", nil, nil)
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode, method)
		assert.JSONEq(t, `{"error":"method_not_allowed"}`, readBody(t, resp))
	}

	resp := doRequest(t, http.MethodGet, srv.URL+"/mcp", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHTTP_Unauthorized(t *testing.T) {
	srv := newHTTPTest(t, HTTPOptions{Authorizer: NewAuthorizer(config.AuthModeBearerOnly, testToken, nil)})

	for _, headers := range []map[string]string{nil, bearer("wrong"), {"Authorization": "Basic abc"}} {
		resp := doRequest(t, http.MethodPost, srv.URL+"/mcp", rpcBody(t, 1, mcp.MethodPing, nil), headers)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, `Bearer realm="mcpbridge", scope="mcp"`, resp.Header.Get("WWW-Authenticate"))
		assert.JSONEq(t, `{"error":"unauthorized","error_description":"Bearer token is missing, invalid or expired"}`, readBody(t, resp))
	}

	resp := doRequest(t, http.MethodPost, srv.URL+"/mcp", rpcBody(t, 1, mcp.MethodPing, nil), bearer(testToken))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHTTP_PostSessionsAndFraming(t *testing.T) {
	srv := newHTTPTest(t, HTTPOptions{})

	resp := doRequest(t, http.MethodPost, srv.URL+"/mcp", rpcBody(t, 1, mcp.MethodInitialize, mcp.InitializeParams{ProtocolVersion: "2025-06-18"}), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	sessionID := resp.Header.Get(SessionHeader)
	require.NotEmpty(t, sessionID)

	var reply mcp.Message
	require.NoError(t, json.Unmarshal([]byte(readBody(t, resp)), &reply))
	assert.JSONEq(t, "1", string(reply.ID))

	resp = doRequest(t, http.MethodPost, srv.URL+"/mcp", rpcBody(t, 2, mcp.MethodToolsList, nil), map[string]string{
		SessionHeader: sessionID,
		"Accept":      "application/json, text/event-stream",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, sessionID, resp.Header.Get(SessionHeader))
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	body := readBody(t, resp)
	assert.True(t, strings.HasPrefix(body, "event: message\ndata: {"), body)
	assert.True(t, strings.HasSuffix(body, "\n\n"))

	note, err := mcp.NewNotification(mcp.MethodInitialized, nil)
	require.NoError(t, err)
	data, err := json.Marshal(note)
	require.NoError(t, err)
	resp = doRequest(t, http.MethodPost, srv.URL+"/mcp", bytes.NewReader(data), map[string]string{SessionHeader: sessionID})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestHTTP_BadJSON(t *testing.T) {
	srv := newHTTPTest(t, HTTPOptions{})

	resp := doRequest(t, http.MethodPost, srv.URL+"/mcp", strings.NewReader("{oops"), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var reply mcp.Message
	require.NoError(t, json.Unmarshal([]byte(readBody(t, resp)), &reply))
	require.NotNil(t, reply.Error)
	assert.Equal(t, mcp.ErrCodeParseError, reply.Error.Code)
}

func TestHTTP_GetReadyAndDelete(t *testing.T) {
	srv := newHTTPTest(t, HTTPOptions{})

	resp := doRequest(t, http.MethodGet, srv.URL+"/mcp", nil, map[string]string{"Accept": "text/event-stream"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(readBody(t, resp), "event: ready\n"))

	resp = doRequest(t, http.MethodPost, srv.URL+"/mcp", rpcBody(t, 1, mcp.MethodPing, nil), nil)
	sessionID := resp.Header.Get(SessionHeader)
	require.NotEmpty(t, sessionID)

	resp = doRequest(t, http.MethodDelete, srv.URL+"/mcp", nil, map[string]string{SessionHeader: sessionID})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doRequest(t, http.MethodDelete, srv.URL+"/mcp", nil, map[string]string{SessionHeader: sessionID})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doRequest(t, http.MethodDelete, srv.URL+"/mcp", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTP_RateLimit(t *testing.T) {
	srv := newHTTPTest(t, HTTPOptions{RateLimit: config.RateLimitConfig{RequestsPerSecond: 0.01, Burst: 2}})

	for i := 0; i < 2; i++ {
		resp := doRequest(t, http.MethodPost, srv.URL+"/mcp", rpcBody(t, 1, mcp.MethodPing, nil), nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp := doRequest(t, http.MethodPost, srv.URL+"/mcp", rpcBody(t, 1, mcp.MethodPing, nil), nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))

	// Health is not rate limited.
	resp = doRequest(t, http.MethodGet, srv.URL+"/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHTTP_Metrics(t *testing.T) {
	m := NewMetrics()
	srv := newHTTPTest(t, HTTPOptions{Metrics: m})

	doRequest(t, http.MethodPost, srv.URL+"/mcp", rpcBody(t, 1, mcp.MethodToolsCall, mcp.CallToolParams{Name: "read_file"}), nil)
	doRequest(t, http.MethodGet, srv.URL+"/health", nil, nil)

	resp := doRequest(t, http.MethodGet, srv.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := readBody(t, resp)
	assert.Contains(t, body, `mcpbridge_host_http_requests_total{code="200",route="/health"} 1`)
	assert.Contains(t, body, `mcpbridge_host_tool_calls_total{decision="ALLOW",success="true",tool="read_file"} 1`)
	assert.Contains(t, body, "mcpbridge_host_sessions 1")
}
