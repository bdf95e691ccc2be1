package mcptest

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bigsy/mcpbridge/internal/mcptest/fakeserver"
)

func TestHelperProcess(t *testing.T) {
	RunHelperProcess(t)
}

func TestHelperCommand(t *testing.T) {
	cmd, args, env := HelperCommand(t, DefaultConfig())
	assert.NotEmpty(t, cmd)
	assert.Equal(t, []string{"-test.run=TestHelperProcess", "--"}, args)
	assert.Equal(t, "1", env[helperEnv])

	var cfg FakeServerConfig
	require.NoError(t, json.Unmarshal([]byte(env[configEnv]), &cfg))
	assert.Len(t, cfg.Tools, 2)
}

func TestServe_InitializeAndList(t *testing.T) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fakeserver.Serve(ctx, inR, outW, VersionRestrictedConfig("2025-03-26")) }()

	reader := bufio.NewReader(outR)
	send := func(line string) map[string]any {
		_, err := inW.Write([]byte(line + "\n"))
		require.NoError(t, err)
		raw, err := reader.ReadBytes('\n')
		require.NoError(t, err)
		var msg map[string]any
		require.NoError(t, json.Unmarshal(raw, &msg))
		return msg
	}

	resp := send(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-11-25"}}`)
	assert.NotNil(t, resp["error"])

	resp = send(`{"jsonrpc":"2.0","id":2,"method":"initialize","params":{"protocolVersion":"2025-03-26"}}`)
	result := resp["result"].(map[string]any)
	assert.Equal(t, "2025-03-26", result["protocolVersion"])

	resp = send(`{"jsonrpc":"2.0","id":3,"method":"tools/list"}`)
	tools := resp["result"].(map[string]any)["tools"].([]any)
	assert.Len(t, tools, 2)

	require.NoError(t, inW.Close())
	require.NoError(t, <-done)
}
