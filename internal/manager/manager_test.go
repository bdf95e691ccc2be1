package manager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bigsy/mcpbridge/internal/config"
	"github.com/Bigsy/mcpbridge/internal/events"
	"github.com/Bigsy/mcpbridge/internal/mcp"
	"github.com/Bigsy/mcpbridge/internal/mcptest"
	"github.com/Bigsy/mcpbridge/internal/testutil"
	"github.com/Bigsy/mcpbridge/internal/tools"
)

func TestHelperProcess(t *testing.T) {
	mcptest.RunHelperProcess(t)
}

func fakeServer(t *testing.T, id, name string, fake mcptest.FakeServerConfig) config.ServerConfig {
	t.Helper()
	command, args, env := mcptest.HelperCommand(t, fake)
	return config.ServerConfig{
		ID:               id,
		Name:             name,
		Transport:        config.TransportStdio,
		Command:          command,
		Args:             args,
		Env:              env,
		ConnectTimeoutMs: 10000,
		RequestTimeoutMs: 5000,
	}
}

type harness struct {
	mgr       *Manager
	registry  *tools.Registry
	collector *testutil.EventCollector
}

func newHarness(t *testing.T, factory func(m **Manager) TransportFactory) *harness {
	t.Helper()
	testutil.SetupTestHome(t)

	bus := events.NewBus(nil)
	collector := testutil.NewEventCollector()
	bus.Subscribe(collector.Handler)

	registry := tools.NewRegistry()
	var m *Manager
	opts := Options{Registry: registry, Bus: bus}
	if factory != nil {
		opts.TransportFactory = factory(&m)
	}
	m = New(opts)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = m.StopAllServers(ctx)
		bus.Close()
	})
	return &harness{mgr: m, registry: registry, collector: collector}
}

func TestStartServer_BridgesTools(t *testing.T) {
	h := newHarness(t, nil)
	cfg := fakeServer(t, "s1", "Echo Srv", mcptest.EchoToolsConfig())

	client, err := h.mgr.StartServer(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, client)

	assert.Equal(t, events.StateRunning, h.mgr.ServerState("s1"))
	assert.ElementsMatch(t,
		[]string{"mcp_echo_srv_echo", "mcp_echo_srv_delete_item"},
		h.registry.Owned("s1"))

	echo, ok := h.registry.Get("mcp_echo_srv_echo")
	require.True(t, ok)
	assert.False(t, echo.IsDestructive())
	res, err := echo.Execute(context.Background(), map[string]any{"msg": "hi"})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, `echo {"msg":"hi"}`, res.Output)

	del, ok := h.registry.Get("mcp_echo_srv_delete_item")
	require.True(t, ok)
	assert.True(t, del.IsDestructive())

	status, ok := h.mgr.Status("s1")
	require.True(t, ok)
	assert.Equal(t, 2, status.ToolCount)
	assert.Equal(t, "stdio", status.Transport)
	assert.NotZero(t, status.PID)
	assert.NotEmpty(t, status.ProtocolVersion)
	assert.NotNil(t, status.StartedAt)

	require.True(t, h.collector.WaitForState("s1", events.StateRunning, 2*time.Second))
	assert.True(t, testutil.StatesContainSequence(h.collector.StatesFor("s1"),
		[]events.ServerState{events.StateStarting, events.StateRunning}))
}

func TestStartServer_Idempotent(t *testing.T) {
	h := newHarness(t, nil)
	cfg := fakeServer(t, "s1", "echo", mcptest.EchoToolsConfig())

	first, err := h.mgr.StartServer(context.Background(), cfg)
	require.NoError(t, err)
	second, err := h.mgr.StartServer(context.Background(), cfg)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestStartServer_ConcurrentStartsShareOneAttempt(t *testing.T) {
	var builds atomic.Int32
	h := newHarness(t, func(m **Manager) TransportFactory {
		return func(ctx context.Context, cfg config.ServerConfig) (mcp.Transport, error) {
			builds.Add(1)
			time.Sleep(100 * time.Millisecond)
			return (*m).defaultTransport(ctx, cfg)
		}
	})
	cfg := fakeServer(t, "s1", "echo", mcptest.EchoToolsConfig())

	var wg sync.WaitGroup
	clients := make([]*mcp.Client, 5)
	for i := range clients {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := h.mgr.StartServer(context.Background(), cfg)
			assert.NoError(t, err)
			clients[i] = c
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), builds.Load())
	for _, c := range clients[1:] {
		assert.Same(t, clients[0], c)
	}
	assert.Len(t, h.registry.Owned("s1"), 2)
}

func TestStartServer_FailureMarksError(t *testing.T) {
	h := newHarness(t, nil)
	cfg := fakeServer(t, "bad", "broken", mcptest.ErrorOnInitConfig(-32603, "kaboom"))

	_, err := h.mgr.StartServer(context.Background(), cfg)
	require.Error(t, err)

	assert.Equal(t, events.StateError, h.mgr.ServerState("bad"))
	status, _ := h.mgr.Status("bad")
	assert.Contains(t, status.Error, "kaboom")
	assert.Zero(t, h.registry.Len(), "no adapters registered for a failed start")
	_, ok := h.mgr.Client("bad")
	assert.False(t, ok)
}

func TestStartServer_InvalidConfig(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.mgr.StartServer(context.Background(), config.ServerConfig{ID: "x", Name: "x", Transport: config.TransportStdio})
	require.Error(t, err)
	assert.Equal(t, events.StateError, h.mgr.ServerState("x"))
}

func TestStartServer_VersionNegotiation(t *testing.T) {
	h := newHarness(t, nil)
	cfg := fakeServer(t, "old", "old", mcptest.VersionRestrictedConfig("2025-03-26"))

	client, err := h.mgr.StartServer(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "2025-03-26", client.ProtocolVersion())
}

func TestToolsChanged_RebridgesAdapters(t *testing.T) {
	h := newHarness(t, nil)
	fake := mcptest.EchoToolsConfig()
	fake.ChangeToolsOnCall = "echo"
	fake.ChangedTools = []mcptest.Tool{{Name: "fresh", Description: "New tool"}}
	cfg := fakeServer(t, "s1", "dyn", fake)

	_, err := h.mgr.StartServer(context.Background(), cfg)
	require.NoError(t, err)

	echo, ok := h.registry.Get("mcp_dyn_echo")
	require.True(t, ok)
	_, err = echo.Execute(context.Background(), map[string]any{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, fresh := h.registry.Get("mcp_dyn_fresh")
		return fresh && h.registry.Len() == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"mcp_dyn_fresh"}, h.collector.ToolsFor("s1"))
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStopServer(t *testing.T) {
	h := newHarness(t, nil)
	cfg := fakeServer(t, "s1", "echo", mcptest.EchoToolsConfig())

	_, err := h.mgr.StartServer(context.Background(), cfg)
	require.NoError(t, err)
	require.NotZero(t, h.registry.Len())

	require.NoError(t, h.mgr.StopServer(context.Background(), "s1"))
	assert.Equal(t, events.StateStopped, h.mgr.ServerState("s1"))
	assert.Zero(t, h.registry.Len())
	_, ok := h.mgr.Client("s1")
	assert.False(t, ok)

	err = h.mgr.StopServer(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrUnknownServer))

	// A stopped server can be started again.
	_, err = h.mgr.StartServer(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, events.StateRunning, h.mgr.ServerState("s1"))
}

func TestBridge_ReleasedConnectionStaysUnregistered(t *testing.T) {
	h := newHarness(t, nil)
	cfg := config.ServerConfig{ID: "s1", Name: "echo"}
	conn := &connection{done: make(chan struct{})}

	h.mgr.bridge(cfg, conn, []mcp.Tool{{Name: "a"}})
	assert.Equal(t, []string{"mcp_echo_a"}, h.registry.Owned("s1"))

	assert.Equal(t, 1, h.mgr.release("s1", conn))
	h.mgr.bridge(cfg, conn, []mcp.Tool{{Name: "a"}, {Name: "b"}})
	assert.Zero(t, h.registry.Len())
}

func TestStopServer_LeavesOverlappingPrefixAlone(t *testing.T) {
	h := newHarness(t, nil)
	a := fakeServer(t, "a", "a", mcptest.EchoToolsConfig())
	ab := fakeServer(t, "ab", "a_b", mcptest.EchoToolsConfig())

	_, err := h.mgr.StartServer(context.Background(), ab)
	require.NoError(t, err)
	_, err = h.mgr.StartServer(context.Background(), a)
	require.NoError(t, err)
	require.Len(t, h.registry.Owned("ab"), 2)

	require.NoError(t, h.mgr.StopServer(context.Background(), "a"))
	assert.ElementsMatch(t, []string{"mcp_a_b_echo", "mcp_a_b_delete_item"}, h.registry.Names(""))
}

func TestStartServer_RejectsNamespaceClash(t *testing.T) {
	h := newHarness(t, nil)
	first := fakeServer(t, "s1", "My Server", mcptest.EchoToolsConfig())
	second := fakeServer(t, "s2", "my-server", mcptest.EchoToolsConfig())

	_, err := h.mgr.StartServer(context.Background(), first)
	require.NoError(t, err)

	_, err = h.mgr.StartServer(context.Background(), second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `shares tool prefix "mcp_my_server_"`)
	assert.Equal(t, events.StateError, h.mgr.ServerState("s2"))
	assert.Len(t, h.registry.Owned("s1"), 2)

	// Once the first is stopped the namespace is free again.
	require.NoError(t, h.mgr.StopServer(context.Background(), "s1"))
	_, err = h.mgr.StartServer(context.Background(), second)
	require.NoError(t, err)
	assert.Len(t, h.registry.Owned("s2"), 2)
}

func TestStopAllServers(t *testing.T) {
	h := newHarness(t, nil)
	a := fakeServer(t, "a", "alpha", mcptest.EchoToolsConfig())
	b := fakeServer(t, "b", "beta", mcptest.DefaultConfig())

	h.mgr.StartAll(context.Background(), []config.ServerConfig{a, b})
	require.Equal(t, events.StateRunning, h.mgr.ServerState("a"))
	require.Equal(t, events.StateRunning, h.mgr.ServerState("b"))

	require.NoError(t, h.mgr.StopAllServers(context.Background()))
	for _, st := range h.mgr.States() {
		assert.Equal(t, events.StateStopped, st.State, st.Name)
	}
	assert.Zero(t, h.registry.Len())
}

func TestStartAll_SkipsDisabledAndInvalid(t *testing.T) {
	h := newHarness(t, nil)
	good := fakeServer(t, "good", "good", mcptest.DefaultConfig())
	disabled := fakeServer(t, "off", "off", mcptest.DefaultConfig())
	disabled.SetEnabled(false)
	invalid := config.ServerConfig{ID: "inv", Name: "inv", Transport: config.TransportStdio}
	failing := fakeServer(t, "fail", "fail", mcptest.ErrorOnInitConfig(-32603, "no"))

	h.mgr.StartAll(context.Background(), []config.ServerConfig{good, disabled, invalid, failing})

	assert.Equal(t, events.StateRunning, h.mgr.ServerState("good"))
	assert.Equal(t, events.StateError, h.mgr.ServerState("fail"))
	_, tracked := h.mgr.Status("off")
	assert.False(t, tracked)
	_, tracked = h.mgr.Status("inv")
	assert.False(t, tracked)

	names := make([]string, 0)
	for _, st := range h.mgr.States() {
		names = append(names, st.Name)
	}
	assert.Equal(t, []string{"fail", "good"}, names)
}

func TestReload(t *testing.T) {
	h := newHarness(t, nil)
	a := fakeServer(t, "a", "alpha", mcptest.EchoToolsConfig())
	b := fakeServer(t, "b", "beta", mcptest.DefaultConfig())

	h.mgr.StartAll(context.Background(), []config.ServerConfig{a})
	clientA, ok := h.mgr.Client("a")
	require.True(t, ok)

	require.NoError(t, h.mgr.Reload(context.Background(), []config.ServerConfig{a, b}))
	sameA, ok := h.mgr.Client("a")
	require.True(t, ok)
	assert.Same(t, clientA, sameA, "unchanged servers keep running")
	assert.Equal(t, events.StateRunning, h.mgr.ServerState("b"))

	b.Args = append(append([]string(nil), b.Args...), "-test.v=false")
	require.NoError(t, h.mgr.Reload(context.Background(), []config.ServerConfig{b}))
	_, tracked := h.mgr.Status("a")
	assert.False(t, tracked, "removed servers are stopped and forgotten")
	assert.Empty(t, h.registry.Owned("a"))
	assert.Equal(t, events.StateRunning, h.mgr.ServerState("b"))
	assert.Len(t, h.registry.Owned("b"), 2)
}
