package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFallbackTransport_SwitchesOnceOnLegacySignals(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantSwitch bool
	}{
		{"404", fmt.Errorf("initialize: %w", &HTTPError{StatusCode: 404}), true},
		{"406", &HTTPError{StatusCode: 406}, true},
		{"415", &HTTPError{StatusCode: 415}, true},
		{"426", &HTTPError{StatusCode: 426}, true},
		{"500", &HTTPError{StatusCode: 500}, false},
		{"event-stream message", errors.New("expected text/event-stream"), true},
		{"sse message", errors.New("server requires SSE"), true},
		{"other", errors.New("connection refused"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			primary := newScripted(func(string, any, int) (json.RawMessage, error) { return nil, tt.err })
			legacy := newScripted(func(string, any, int) (json.RawMessage, error) { return raw("legacy"), nil })
			ft := NewFallbackTransport(primary, legacy, nil)

			res, err := ft.Send(testContext(t), MethodInitialize, nil)
			if !tt.wantSwitch {
				require.Error(t, err)
				assert.False(t, ft.UsingFallback())
				assert.Equal(t, 0, legacy.count(MethodInitialize))
				return
			}
			require.NoError(t, err)
			assert.JSONEq(t, `"legacy"`, string(res))
			assert.True(t, ft.UsingFallback())

			_, err = ft.Send(testContext(t), MethodToolsList, nil)
			require.NoError(t, err)
			assert.Equal(t, 0, primary.count(MethodToolsList))
		})
	}
}

func TestFallbackTransport_NoSwitchAfterSuccess(t *testing.T) {
	primary := newScripted(func(method string, _ any, _ int) (json.RawMessage, error) {
		if method == MethodInitialize {
			return raw(map[string]any{}), nil
		}
		return nil, &HTTPError{StatusCode: 404}
	})
	legacy := newScripted(func(string, any, int) (json.RawMessage, error) { return raw("legacy"), nil })
	ft := NewFallbackTransport(primary, legacy, nil)

	_, err := ft.Send(testContext(t), MethodInitialize, nil)
	require.NoError(t, err)
	_, err = ft.Send(testContext(t), MethodToolsList, nil)
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.False(t, ft.UsingFallback())
}

func TestFallbackTransport_LegacyFailureSurfaces(t *testing.T) {
	primary := newScripted(func(string, any, int) (json.RawMessage, error) { return nil, &HTTPError{StatusCode: 406} })
	legacy := newScripted(func(string, any, int) (json.RawMessage, error) { return nil, &HTTPError{StatusCode: 406} })
	ft := NewFallbackTransport(primary, legacy, nil)

	_, err := ft.Send(testContext(t), MethodInitialize, nil)
	require.Error(t, err)
	assert.True(t, ft.UsingFallback())
	assert.Equal(t, 1, legacy.count(MethodInitialize))
}
