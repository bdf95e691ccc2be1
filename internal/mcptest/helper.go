// Package mcptest provides test infrastructure for code that talks to MCP
// servers over stdio.
package mcptest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"

	"github.com/Bigsy/mcpbridge/internal/mcptest/fakeserver"
)

// FakeServerConfig is an alias for fakeserver.Config.
type FakeServerConfig = fakeserver.Config

type (
	Tool         = fakeserver.Tool
	Resource     = fakeserver.Resource
	Prompt       = fakeserver.Prompt
	JSONRPCError = fakeserver.JSONRPCError
)

const (
	helperEnv = "GO_WANT_HELPER_PROCESS"
	configEnv = "FAKE_MCP_CFG"
)

// HelperCommand describes how to launch the fake server as a child of the
// current test binary. The calling package must declare
//
//	func TestHelperProcess(t *testing.T) { mcptest.RunHelperProcess(t) }
func HelperCommand(t *testing.T, cfg FakeServerConfig) (command string, args []string, env map[string]string) {
	t.Helper()
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal fake server config: %v", err)
	}
	return os.Args[0], []string{"-test.run=TestHelperProcess", "--"}, map[string]string{
		helperEnv: "1",
		configEnv: string(cfgJSON),
	}
}

// RunHelperProcess runs the fake server when the test binary was re-exec'd
// by HelperCommand, and returns immediately otherwise.
func RunHelperProcess(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}

	cfgJSON := os.Getenv(configEnv)
	if cfgJSON == "" {
		os.Exit(2)
	}

	var cfg fakeserver.Config
	if err := json.Unmarshal([]byte(cfgJSON), &cfg); err != nil {
		os.Exit(2)
	}

	for _, line := range cfg.StderrLines {
		fmt.Fprintln(os.Stderr, line)
	}
	for _, name := range cfg.ExpectEnv {
		fmt.Fprintf(os.Stderr, "env %s=%s\n", name, os.Getenv(name))
	}
	if wd, err := os.Getwd(); err == nil && len(cfg.ExpectEnv) > 0 {
		fmt.Fprintf(os.Stderr, "cwd %s\n", wd)
	}

	if err := fakeserver.Serve(context.Background(), os.Stdin, os.Stdout, cfg); err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}
