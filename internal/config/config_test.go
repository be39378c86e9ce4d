// File: internal/config/config_test.go
package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	// Verify a few key defaults to ensure the mechanism works.
	assert.Equal(t, "info", cfg.Logger().Level)
	assert.True(t, cfg.Browser().Headless)
	assert.Equal(t, 90*time.Second, cfg.Browser().NavigationTimeout)
	assert.Equal(t, "screenshots", cfg.Browser().ScreenshotDir)
	assert.Equal(t, 3, cfg.Interaction().MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Interaction().RetryBackoff)
	assert.True(t, cfg.Visual().Enabled)
	assert.Equal(t, 0.7, cfg.Visual().ConfidenceThreshold)
	assert.Equal(t, "gemini-2.5-pro", cfg.LLM().DefaultPowerfulModel)
	assert.Equal(t, RemoteNone, cfg.ContextSync().Provider)
	assert.Equal(t, int64(5), cfg.ContextSync().DesyncVersionDelta)
	assert.Equal(t, 60*time.Second, cfg.ContextSync().DesyncStaleness)
	assert.Equal(t, 50, cfg.ContextSync().HistoryLimit)
	assert.Equal(t, 20, cfg.Validator().HistoryLimit)
	assert.Equal(t, 50, cfg.Workflow().MaxSteps)
	assert.False(t, cfg.RunStore().Enabled)
	assert.Equal(t, ":8080", cfg.API().Addr)
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	t.Run("Core Validation", func(t *testing.T) {
		// Start with a valid default config.
		cfg := NewDefaultConfig()

		// Test Case: Valid Config
		err := cfg.Validate()
		assert.NoError(t, err, "A valid config should not produce a validation error")

		// Test Case: Invalid Interaction Attempts
		cfgInvalidAttempts := *cfg
		cfgInvalidAttempts.InteractionCfg.MaxAttempts = 0
		err = cfgInvalidAttempts.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "interaction.max_attempts must be at least 1")

		// Test Case: Invalid Workflow Bound
		cfgInvalidSteps := *cfg
		cfgInvalidSteps.WorkflowCfg.MaxSteps = -1
		err = cfgInvalidSteps.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "workflow.max_steps must be a positive integer")

		// Test Case: Run store enabled without a URL
		cfgNoDB := *cfg
		cfgNoDB.RunStoreCfg.Enabled = true
		err = cfgNoDB.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "runstore.url is required")

		// Test Case: JWT enabled without a secret
		cfgNoSecret := *cfg
		cfgNoSecret.APICfg.JWT.Enabled = true
		err = cfgNoSecret.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "api.jwt.secret is required")
	})

	t.Run("Visual Validation", func(t *testing.T) {
		validVisual := VisualConfig{
			Enabled:             true,
			ConfidenceThreshold: 0.7,
			MinButtonWidth:      20,
			MaxButtonWidth:      300,
			MinButtonHeight:     15,
			MaxButtonHeight:     100,
		}
		assert.NoError(t, validVisual.Validate())

		invalidThreshold := validVisual
		invalidThreshold.ConfidenceThreshold = 1.1
		err := invalidThreshold.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "confidence_threshold must be between 0.0 and 1.0")

		invalidWidth := validVisual
		invalidWidth.MinButtonWidth = 400
		err = invalidWidth.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "min_button_width must be smaller than max_button_width")
	})

	t.Run("ContextSync Validation", func(t *testing.T) {
		validSync := ContextSyncConfig{
			Provider:           RemoteUpstash,
			Upstash:            UpstashConfig{URL: "https://example.upstash.io", Token: "tok"},
			RemoteTimeout:      5 * time.Second,
			DesyncVersionDelta: 5,
			DesyncStaleness:    60 * time.Second,
			HistoryLimit:       50,
		}
		assert.NoError(t, validSync.Validate())

		unknownProvider := validSync
		unknownProvider.Provider = "memcached"
		err := unknownProvider.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "unknown remote provider")

		missingToken := validSync
		missingToken.Upstash.Token = ""
		err = missingToken.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "upstash.url and upstash.token are required")

		missingAddr := validSync
		missingAddr.Provider = RemoteRedis
		err = missingAddr.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "redis.addr is required")

		invalidDelta := validSync
		invalidDelta.DesyncVersionDelta = 0
		err = invalidDelta.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "desync_version_delta must be at least 1")

		invalidStaleness := validSync
		invalidStaleness.DesyncStaleness = -time.Second
		err = invalidStaleness.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "desync_staleness must be a positive duration")
	})
}

// -- Factory Function Tests --

func TestNewConfigFromViper(t *testing.T) {
	t.Run("Successful Load from YAML", func(t *testing.T) {
		yamlBytes := []byte(`
browser:
  headless: false
  navigation_timeout: 45s
interaction:
  max_attempts: 5
contextsync:
  desync_version_delta: 10
`)
		v := viper.New()
		SetDefaults(v)
		v.SetConfigType("yaml")
		err := v.ReadConfig(bytes.NewBuffer(yamlBytes))
		require.NoError(t, err)

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)

		assert.False(t, cfg.Browser().Headless)
		assert.Equal(t, 45*time.Second, cfg.Browser().NavigationTimeout)
		assert.Equal(t, 5, cfg.Interaction().MaxAttempts)
		assert.Equal(t, int64(10), cfg.ContextSync().DesyncVersionDelta)
		// Check a default value was also loaded.
		assert.Equal(t, "info", cfg.Logger().Level)
	})

	t.Run("Validation Failure", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("interaction.max_attempts", 0) // Intentionally invalid

		cfg, err := NewConfigFromViper(v)
		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "invalid configuration")
		assert.Contains(t, err.Error(), "interaction.max_attempts must be at least 1")
	})

	t.Run("Environment Variable Binding", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("contextsync.provider", "upstash")
		v.Set("api.jwt.enabled", true)

		// Simulate loading from a config file with a lower-precedence URL.
		yamlConfig := []byte(`
contextsync:
  upstash:
    url: "https://configfile.upstash.io"
`)
		v.SetConfigType("yaml")
		err := v.ReadConfig(bytes.NewBuffer(yamlConfig))
		require.NoError(t, err, "Failed to read mock config buffer")

		testURL := "https://envvar.upstash.io"
		t.Setenv("UPSTASH_REDIS_REST_URL", testURL)
		testToken := "upstash_env_token_456"
		t.Setenv("UPSTASH_REDIS_REST_TOKEN", testToken)
		testSecret := "jwt-secret-from-env"
		t.Setenv("WEBPILOT_JWT_SECRET", testSecret)

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, testToken, cfg.ContextSync().Upstash.Token)
		assert.Equal(t, testSecret, cfg.API().JWT.Secret)
		// The env var must override the value from the config buffer.
		assert.Equal(t, testURL, cfg.ContextSync().Upstash.URL)
	})
}

// -- Struct and Mapping Tests --

func TestConfigStructureMapping(t *testing.T) {
	yamlInput := `
logger:
  level: debug
  log_file: /var/log/webpilot.log
visual:
  poll_interval: 250ms
llm:
  models:
    gemini-2.5-flash:
      provider: gemini
      model: gemini-2.5-flash
      requests_per_minute: 60
`
	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("yaml")
	err := v.ReadConfig(bytes.NewBufferString(yamlInput))
	require.NoError(t, err)

	var cfg Config
	err = v.Unmarshal(&cfg)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logger().Level)
	assert.Equal(t, "/var/log/webpilot.log", cfg.Logger().LogFile)
	assert.Equal(t, 250*time.Millisecond, cfg.Visual().PollInterval)
	require.Contains(t, cfg.LLM().Models, "gemini-2.5-flash")
	assert.Equal(t, ProviderGemini, cfg.LLM().Models["gemini-2.5-flash"].Provider)
	assert.Equal(t, 60, cfg.LLM().Models["gemini-2.5-flash"].RequestsPerMinute)
}

// -- Setter Tests --

func TestConfigSetters(t *testing.T) {
	cfg := NewDefaultConfig()

	cfg.SetBrowserHeadless(false)
	cfg.SetBrowserDebug(true)
	cfg.SetBrowserScreenshotDir("/tmp/shots")
	cfg.SetVisualEnabled(false)
	cfg.SetWorkflowMaxSteps(7)
	cfg.SetAPIAddr("127.0.0.1:9999")

	assert.False(t, cfg.Browser().Headless)
	assert.True(t, cfg.Browser().Debug)
	assert.Equal(t, "/tmp/shots", cfg.Browser().ScreenshotDir)
	assert.False(t, cfg.Visual().Enabled)
	assert.Equal(t, 7, cfg.Workflow().MaxSteps)
	assert.Equal(t, "127.0.0.1:9999", cfg.API().Addr)
}
