package tools

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func named(name string) Tool {
	return &Func{ToolName: name, Fn: func(context.Context, map[string]any) (Result, error) {
		return Success(name), nil
	}}
}

func TestRegistry_RegisterGet(t *testing.T) {
	r := NewRegistry()
	r.Register(named("read_file"))

	got, ok := r.Get("read_file")
	require.True(t, ok)
	res, err := got.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, Success("read_file"), res)

	_, ok = r.Get("missing")
	assert.False(t, ok)

	assert.True(t, r.Unregister("read_file"))
	assert.False(t, r.Unregister("read_file"))
	assert.Zero(t, r.Len())
}

func TestRegistry_AllSorted(t *testing.T) {
	r := NewRegistry()
	for _, n := range []string{"c", "a", "b"} {
		r.Register(named(n))
	}
	var names []string
	for _, tool := range r.All() {
		names = append(names, tool.Name())
	}
	assert.Equal(t, []string{"a", "b", "c"}, names)
}

func TestRegistry_OwnedOperations(t *testing.T) {
	r := NewRegistry()
	r.ReplaceOwned("fs", []Tool{named("mcp_fs_read"), named("mcp_fs_write")})
	r.ReplaceOwned("git", []Tool{named("mcp_git_log")})
	r.Register(named("grep"))

	r.ReplaceOwned("fs", []Tool{named("mcp_fs_list")})
	assert.Equal(t, []string{"mcp_fs_list"}, r.Owned("fs"))
	assert.Equal(t, []string{"grep", "mcp_fs_list", "mcp_git_log"}, r.Names(""))

	assert.Equal(t, 1, r.UnregisterOwned("git"))
	assert.Equal(t, 0, r.UnregisterOwned("git"))
	assert.Equal(t, 2, r.Len())
}

func TestRegistry_OwnersDoNotShareByPrefix(t *testing.T) {
	r := NewRegistry()
	r.ReplaceOwned("a_b", []Tool{named("mcp_a_b_search")})
	r.ReplaceOwned("a", []Tool{named("mcp_a_read")})

	assert.Equal(t, 1, r.UnregisterOwned("a"))
	assert.Equal(t, []string{"mcp_a_b_search"}, r.Names(""))

	r.ReplaceOwned("a", []Tool{named("mcp_a_read")})
	r.ReplaceOwned("a", nil)
	assert.Equal(t, []string{"mcp_a_b_search"}, r.Names(""))
}

func TestRegistry_ReplaceOwnedSkipsForeignNames(t *testing.T) {
	r := NewRegistry()
	r.Register(named("grep"))
	r.ReplaceOwned("a_b", []Tool{named("mcp_a_b_search")})

	conflicts := r.ReplaceOwned("a", []Tool{named("mcp_a_b_search"), named("grep"), named("mcp_a_read")})
	assert.Equal(t, []string{"mcp_a_b_search", "grep"}, conflicts)
	assert.Equal(t, []string{"mcp_a_read"}, r.Owned("a"))
	assert.Equal(t, []string{"mcp_a_b_search"}, r.Owned("a_b"))
}

func TestRegistry_RegisterTakesOverOwnedName(t *testing.T) {
	r := NewRegistry()
	r.ReplaceOwned("fs", []Tool{named("mcp_fs_read"), named("mcp_fs_write")})
	r.Register(named("mcp_fs_read"))

	assert.Equal(t, []string{"mcp_fs_write"}, r.Owned("fs"))
	assert.Equal(t, 1, r.UnregisterOwned("fs"))
	_, ok := r.Get("mcp_fs_read")
	assert.True(t, ok)
}

func TestRegistry_ReplaceIsAtomic(t *testing.T) {
	r := NewRegistry()
	set := func(gen int) []Tool {
		return []Tool{named(fmt.Sprintf("mcp_s_a%d", gen)), named(fmt.Sprintf("mcp_s_b%d", gen))}
	}
	r.ReplaceOwned("s", set(0))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			// Each replace swaps a pair, so a reader sees exactly two.
			assert.Len(t, r.Names("mcp_s_"), 2)
		}
	}()
	for i := 1; i < 200; i++ {
		r.ReplaceOwned("s", set(i))
	}
	close(stop)
	wg.Wait()
}

func TestRegistry_OnChange(t *testing.T) {
	r := NewRegistry()
	var calls atomic.Int32
	cancel := r.OnChange(func() { calls.Add(1) })

	r.Register(named("a"))
	r.ReplaceOwned("x", nil)
	r.UnregisterOwned("nothing")
	assert.EqualValues(t, 2, calls.Load())

	cancel()
	r.Register(named("b"))
	assert.EqualValues(t, 2, calls.Load())
}
