// internal/browser/manager_test.go
package browser

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/webpilot-ai/webpilot/internal/config"
)

// hasFlag reports whether the assembled flag set contains the named flag.
// Allocator options themselves are opaque closures, so tests inspect the flag
// map they are built from.
func hasFlag(flags map[string]interface{}, name string) bool {
	_, ok := flags[name]
	return ok
}

func TestBrowserFlags(t *testing.T) {
	t.Run("StabilityDefaults", func(t *testing.T) {
		flags := browserFlags(config.BrowserConfig{})
		assert.True(t, hasFlag(flags, "no-sandbox"))
		assert.True(t, hasFlag(flags, "disable-gpu"))
		assert.True(t, hasFlag(flags, "disable-dev-shm-usage"))
	})

	t.Run("CacheDisabled", func(t *testing.T) {
		flags := browserFlags(config.BrowserConfig{DisableCache: true})
		assert.True(t, hasFlag(flags, "disk-cache-size"))
		assert.True(t, hasFlag(flags, "media-cache-size"))
		assert.True(t, hasFlag(flags, "disable-cache"))
	})

	t.Run("CacheEnabled", func(t *testing.T) {
		flags := browserFlags(config.BrowserConfig{DisableCache: false})
		assert.False(t, hasFlag(flags, "disable-cache"))
	})

	t.Run("IgnoreTLSErrors", func(t *testing.T) {
		flags := browserFlags(config.BrowserConfig{IgnoreTLSErrors: true})
		assert.True(t, hasFlag(flags, "ignore-certificate-errors"))
		assert.True(t, hasFlag(flags, "allow-insecure-localhost"))
	})

	t.Run("WithViewport", func(t *testing.T) {
		flags := browserFlags(config.BrowserConfig{ViewportWidth: 1920, ViewportHeight: 1080})
		require.True(t, hasFlag(flags, "window-size"))
		assert.Equal(t, "1920,1080", flags["window-size"])
	})

	t.Run("WithUserAgent", func(t *testing.T) {
		flags := browserFlags(config.BrowserConfig{UserAgent: "WebPilot/1.0"})
		require.True(t, hasFlag(flags, "user-agent"))
		assert.Equal(t, "WebPilot/1.0", flags["user-agent"])
	})

	t.Run("WithCustomArgs", func(t *testing.T) {
		flags := browserFlags(config.BrowserConfig{
			Args: []string{"--custom-arg1", "--custom-arg2=with-value"},
		})
		assert.Equal(t, true, flags["custom-arg1"])
		assert.Equal(t, "with-value", flags["custom-arg2"])
	})

	t.Run("CustomArgsOverrideDefaults", func(t *testing.T) {
		flags := browserFlags(config.BrowserConfig{
			Args: []string{"--disable-gpu=false"},
		})
		assert.Equal(t, "false", flags["disable-gpu"])
	})
}

func TestParseBrowserArg(t *testing.T) {
	testCases := []struct {
		arg       string
		wantName  string
		wantValue interface{}
	}{
		{"--headless", "headless", true},
		{"--window-size=800,600", "window-size", "800,600"},
		{"no-dashes", "no-dashes", true},
		{"--", "", nil},
		{"", "", nil},
	}

	for _, tc := range testCases {
		t.Run(tc.arg, func(t *testing.T) {
			name, value := parseBrowserArg(tc.arg)
			assert.Equal(t, tc.wantName, name)
			assert.Equal(t, tc.wantValue, value)
		})
	}
}

func TestDefaultAllocatorOptions(t *testing.T) {
	t.Run("NeverEmpty", func(t *testing.T) {
		opts := DefaultAllocatorOptions(config.BrowserConfig{})
		assert.NotEmpty(t, opts)
	})

	t.Run("HeadlessAddsOption", func(t *testing.T) {
		base := len(DefaultAllocatorOptions(config.BrowserConfig{}))
		headless := len(DefaultAllocatorOptions(config.BrowserConfig{Headless: true}))
		assert.Equal(t, base+1, headless)
	})

	t.Run("ExecPathAddsOption", func(t *testing.T) {
		base := len(DefaultAllocatorOptions(config.BrowserConfig{}))
		withPath := len(DefaultAllocatorOptions(config.BrowserConfig{ExecPath: "/usr/bin/chromium"}))
		assert.Equal(t, base+1, withPath)
	})
}

func TestManagerLifecycleBeforeInit(t *testing.T) {
	m, err := NewManager(context.Background(), config.BrowserConfig{Headless: true}, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, m)

	assert.Equal(t, 0, m.SessionCount())

	// Shutdown on a manager that never launched a browser is a no-op.
	err = m.Shutdown(context.Background())
	assert.NoError(t, err)
}
