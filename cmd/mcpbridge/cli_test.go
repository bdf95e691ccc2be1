package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bigsy/mcpbridge/internal/config"
	"github.com/Bigsy/mcpbridge/internal/host"
	"github.com/Bigsy/mcpbridge/internal/mcp"
)

type cliEnv struct {
	t          *testing.T
	configPath string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	return &cliEnv{t: t, configPath: filepath.Join(t.TempDir(), "config.json")}
}

// run executes the CLI in-process against the env's config, with a file
// secret store next to it.
func (e *cliEnv) run(stdin string, args ...string) (string, error) {
	e.t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--config", e.configPath, "--secret-store", "file", "--log-level", "error"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func (e *cliEnv) mustRun(args ...string) string {
	e.t.Helper()
	out, err := e.run("", args...)
	require.NoError(e.t, err, "mcpbridge %s", strings.Join(args, " "))
	return out
}

func (e *cliEnv) config() *config.Config {
	e.t.Helper()
	cfg, err := config.LoadFrom(e.configPath)
	require.NoError(e.t, err)
	return cfg
}

func TestServerAddListRemove(t *testing.T) {
	e := newCLIEnv(t)

	out := e.mustRun("server", "add", "fs", "--env", "ROOT=/tmp", "--cwd", "/tmp", "--", "npx", "-y", "@modelcontextprotocol/server-filesystem")
	assert.Equal(t, "Added server \"fs\"\n", out)

	out = e.mustRun("server", "add", "docs", "https://docs.example.com/mcp", "--header", "X-Api-Key=abc")
	assert.Contains(t, out, `Added http server "docs" (https://docs.example.com/mcp)`)

	out = e.mustRun("server", "add", "jira", "--url", "https://jira.example.com/mcp", "--oauth", "--scopes", "read,write")
	assert.Contains(t, out, "mcpbridge server login jira")

	_, err := e.run("", "server", "add", "fs", "--", "other")
	assert.ErrorContains(t, err, `server with name "fs" already exists`)

	cfg := e.config()
	require.Len(t, cfg.Servers, 3)
	fs := cfg.FindServerByName("fs")
	require.NotNil(t, fs)
	assert.NotEmpty(t, fs.ID)
	assert.Equal(t, "npx", fs.Command)
	assert.Equal(t, []string{"-y", "@modelcontextprotocol/server-filesystem"}, fs.Args)
	assert.Equal(t, map[string]string{"ROOT": "/tmp"}, fs.Env)

	docs := cfg.FindServerByName("docs")
	require.NotNil(t, docs)
	assert.Equal(t, config.AuthStaticHeaders, docs.EffectiveAuth())
	assert.Equal(t, map[string]string{"X-Api-Key": "abc"}, docs.Headers)

	jira := cfg.FindServerByName("jira")
	require.NotNil(t, jira)
	assert.Equal(t, config.AuthOAuth2, jira.Auth)
	assert.Equal(t, []string{"read", "write"}, jira.OAuthScopes)

	table := e.mustRun("server", "list")
	lines := strings.Split(strings.TrimSpace(table), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "NAME"))
	assert.True(t, strings.HasPrefix(lines[1], "docs"), "servers are sorted by name")
	assert.Contains(t, lines[2], "npx -y @modelcontextprotocol/server-filesystem")

	var views []serverView
	require.NoError(t, json.Unmarshal([]byte(e.mustRun("server", "list", "--json")), &views))
	require.Len(t, views, 3)
	assert.Equal(t, "streamable_http", views[0].Transport)
	assert.Equal(t, "oauth2", views[2].Auth)

	out, err = e.run("n\n", "server", "remove", "fs")
	require.NoError(t, err)
	assert.Contains(t, out, "Cancelled")
	assert.Len(t, e.config().Servers, 3)

	out, err = e.run("y\n", "server", "remove", "fs")
	require.NoError(t, err)
	assert.Contains(t, out, `Removed server "fs"`)

	e.mustRun("server", "remove", "jira", "--yes")
	assert.Len(t, e.config().Servers, 1)

	_, err = e.run("", "server", "remove", "missing", "--yes")
	assert.ErrorContains(t, err, `server "missing" not found`)
}

func TestServerList_Empty(t *testing.T) {
	e := newCLIEnv(t)
	assert.Equal(t, "No servers configured\n", e.mustRun("server", "list"))
	assert.Equal(t, "[]\n", e.mustRun("server", "list", "--json"))
}

func TestServerEnableDisable(t *testing.T) {
	e := newCLIEnv(t)
	e.mustRun("server", "add", "fs", "--", "server-fs")

	assert.Equal(t, "Disabled server \"fs\"\n", e.mustRun("server", "disable", "fs"))
	assert.False(t, e.config().FindServerByName("fs").IsEnabled())

	e.mustRun("server", "enable", "fs")
	assert.True(t, e.config().FindServerByName("fs").IsEnabled())

	_, err := e.run("", "server", "enable", "nope")
	assert.Error(t, err)
}

func TestServerStatus_ReportsUnstartedServers(t *testing.T) {
	e := newCLIEnv(t)
	e.mustRun("server", "add", "off", "--disabled", "--", "server-off")

	var states []map[string]any
	require.NoError(t, json.Unmarshal([]byte(e.mustRun("server", "status", "--json")), &states))
	require.Len(t, states, 1)
	assert.Equal(t, "off", states[0]["name"])
	assert.Equal(t, "STOPPED", states[0]["state"])
	assert.Equal(t, "disabled", states[0]["error"])

	_, err := e.run("", "server", "status", "nope")
	assert.ErrorContains(t, err, `server "nope" not found`)
}

func TestServerLogin_RejectsNonOAuthServers(t *testing.T) {
	e := newCLIEnv(t)
	e.mustRun("server", "add", "fs", "--", "server-fs")
	e.mustRun("server", "add", "docs", "https://docs.example.com/mcp", "-H", "Authorization=Bearer x")

	_, err := e.run("", "server", "login", "fs")
	assert.ErrorContains(t, err, "stdio server")

	_, err = e.run("", "server", "login", "docs")
	assert.ErrorContains(t, err, "static header auth")

	_, err = e.run("", "server", "login", "nope")
	assert.ErrorContains(t, err, "not found")

	out := e.mustRun("server", "logout", "docs")
	assert.Equal(t, "Logged out of docs\n", out)
}

func TestAddOptionsBuild(t *testing.T) {
	tests := []struct {
		name    string
		opts    addOptions
		args    []string
		dash    int
		want    config.ServerConfig
		wantErr string
	}{
		{
			name: "stdio",
			args: []string{"fs", "server", "--flag"},
			dash: 1,
			want: config.ServerConfig{Name: "fs", Transport: config.TransportStdio, Command: "server", Args: []string{"--flag"}},
		},
		{
			name: "positional url",
			args: []string{"docs", "https://docs.example.com/mcp"},
			dash: -1,
			want: config.ServerConfig{Name: "docs", Transport: config.TransportStreamableHTTP, Auth: config.AuthNone, URL: "https://docs.example.com/mcp"},
		},
		{
			name: "legacy sse with fallback url",
			opts: addOptions{legacySSE: true},
			args: []string{"old", "https://old.example.com/sse"},
			dash: -1,
			want: config.ServerConfig{Name: "old", Transport: config.TransportLegacySSE, Auth: config.AuthNone, URL: "https://old.example.com/sse"},
		},
		{
			name: "sse url only",
			opts: addOptions{sseURL: "https://old.example.com/sse"},
			args: []string{"old"},
			dash: -1,
			want: config.ServerConfig{Name: "old", Transport: config.TransportLegacySSE, Auth: config.AuthNone, SSEURL: "https://old.example.com/sse"},
		},
		{
			name: "client id implies oauth",
			opts: addOptions{url: "https://a.example.com/mcp", oauthClientID: "cid"},
			args: []string{"a"},
			dash: -1,
			want: config.ServerConfig{Name: "a", Transport: config.TransportStreamableHTTP, Auth: config.AuthOAuth2, URL: "https://a.example.com/mcp", OAuthClientID: "cid"},
		},
		{name: "no name", args: []string{"cmd"}, dash: 0, wantErr: "missing server name"},
		{name: "no separator", args: []string{"fs", "server"}, dash: -1, wantErr: "missing -- separator"},
		{name: "no command", args: []string{"fs"}, dash: 1, wantErr: "missing command after --"},
		{name: "header on stdio", opts: addOptions{headers: []string{"A=b"}}, args: []string{"fs", "server"}, dash: 1, wantErr: "remote servers only"},
		{name: "bad env", opts: addOptions{env: []string{"NOVALUE"}}, args: []string{"fs", "server"}, dash: 1, wantErr: `invalid --env format "NOVALUE"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.opts.build(tt.args, tt.dash)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseKeyValues(t *testing.T) {
	tests := []struct {
		name    string
		input   []string
		want    map[string]string
		wantErr bool
	}{
		{name: "empty", input: nil, want: nil},
		{name: "single", input: []string{"FOO=bar"}, want: map[string]string{"FOO": "bar"}},
		{name: "value with equals", input: []string{"URL=http://x?a=b"}, want: map[string]string{"URL": "http://x?a=b"}},
		{name: "empty value", input: []string{"FOO="}, want: map[string]string{"FOO": ""}},
		{name: "missing equals", input: []string{"FOO"}, wantErr: true},
		{name: "empty key", input: []string{"=bar"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseKeyValues("--env", tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHostToken(t *testing.T) {
	t.Setenv("MCPBRIDGE_HOST_HTTP_BEARER_TOKEN", "")
	e := newCLIEnv(t)

	first := strings.TrimSpace(e.mustRun("host", "token"))
	require.NotEmpty(t, first)
	assert.Equal(t, first, strings.TrimSpace(e.mustRun("host", "token")), "token is stable across runs")

	rotated := strings.TrimSpace(e.mustRun("host", "token", "--rotate"))
	assert.NotEqual(t, first, rotated)
	assert.Equal(t, rotated, strings.TrimSpace(e.mustRun("host", "token")))

	t.Setenv("MCPBRIDGE_HOST_HTTP_BEARER_TOKEN", "from-env")
	assert.Equal(t, "from-env\n", e.mustRun("host", "token"))
	_, err := e.run("", "host", "token", "--rotate")
	assert.Error(t, err)
}

func TestHostStatus(t *testing.T) {
	e := newCLIEnv(t)
	cfg := config.NewConfig()
	cfg.Host.HTTPEnabled = true
	cfg.Host.BindAddress = "0.0.0.0"
	cfg.Host.Port = 9000
	require.NoError(t, config.SaveTo(cfg, e.configPath))

	var view hostView
	require.NoError(t, json.Unmarshal([]byte(e.mustRun("host", "status", "--json")), &view))
	assert.True(t, view.HTTPEnabled)
	assert.Equal(t, "http://0.0.0.0:9000/mcp", view.Endpoint)
	assert.Equal(t, host.IssuerURL("0.0.0.0", 9000), view.Issuer)
	assert.Equal(t, config.AuthModeOAuthOrBearer, view.AuthMode)

	out := e.mustRun("host", "status")
	assert.Contains(t, out, "Exposed tools:")
	assert.Contains(t, out, "OAUTH_OR_BEARER")
}

func TestServe_Stdio(t *testing.T) {
	e := newCLIEnv(t)

	var in strings.Builder
	for i, req := range []struct {
		method string
		params any
	}{
		{mcp.MethodInitialize, mcp.InitializeParams{ProtocolVersion: "2025-06-18", ClientInfo: mcp.Implementation{Name: "test"}}},
		{mcp.MethodToolsList, nil},
		{mcp.MethodResourcesRead, mcp.ReadResourceParams{URI: host.SessionStateURI}},
	} {
		msg, err := mcp.NewRequest(int64(i+1), req.method, req.params)
		require.NoError(t, err)
		data, err := json.Marshal(msg)
		require.NoError(t, err)
		in.Write(data)
		in.WriteByte('\n')
	}

	out, err := e.run(in.String(), "serve", "--no-watch", "--secret-store", "memory")
	require.NoError(t, err)

	replies := readMessages(t, strings.NewReader(out))
	require.Len(t, replies, 3)

	var init mcp.InitializeResult
	require.NoError(t, json.Unmarshal(replies[0].Result, &init))
	assert.Equal(t, "2025-06-18", init.ProtocolVersion)
	assert.Equal(t, "mcpbridge", init.ServerInfo.Name)

	assert.JSONEq(t, "2", string(replies[1].ID))
	assert.Nil(t, replies[1].Error)

	var res mcp.ReadResourceResult
	require.NoError(t, json.Unmarshal(replies[2].Result, &res))
	require.Len(t, res.Contents, 1)
	assert.Contains(t, res.Contents[0].Text, "0 of 0 servers running")
}

func readMessages(t *testing.T, r io.Reader) []mcp.Message {
	t.Helper()
	var msgs []mcp.Message
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		var msg mcp.Message
		require.NoError(t, json.Unmarshal(sc.Bytes(), &msg), sc.Text())
		msgs = append(msgs, msg)
	}
	return msgs
}
