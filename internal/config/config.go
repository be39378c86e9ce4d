// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	Interaction() InteractionConfig
	Visual() VisualConfig
	LLM() LLMRouterConfig
	ContextSync() ContextSyncConfig
	Validator() ValidatorConfig
	Workflow() WorkflowConfig
	RunStore() RunStoreConfig
	API() APIConfig

	// Browser Setters
	SetBrowserHeadless(bool)
	SetBrowserDebug(bool)
	SetBrowserScreenshotDir(string)

	// Visual Setters
	SetVisualEnabled(bool)

	// Workflow Setters
	SetWorkflowMaxSteps(int)

	// API Setters
	SetAPIAddr(string)
}

// Config holds the entire application configuration. Access goes through the
// Interface getter methods so components can be handed a read-mostly view.
type Config struct {
	LoggerCfg      LoggerConfig      `mapstructure:"logger" yaml:"logger"`
	BrowserCfg     BrowserConfig     `mapstructure:"browser" yaml:"browser"`
	InteractionCfg InteractionConfig `mapstructure:"interaction" yaml:"interaction"`
	VisualCfg      VisualConfig      `mapstructure:"visual" yaml:"visual"`
	LLMCfg         LLMRouterConfig   `mapstructure:"llm" yaml:"llm"`
	ContextSyncCfg ContextSyncConfig `mapstructure:"contextsync" yaml:"contextsync"`
	ValidatorCfg   ValidatorConfig   `mapstructure:"validator" yaml:"validator"`
	WorkflowCfg    WorkflowConfig    `mapstructure:"workflow" yaml:"workflow"`
	RunStoreCfg    RunStoreConfig    `mapstructure:"runstore" yaml:"runstore"`
	APICfg         APIConfig         `mapstructure:"api" yaml:"api"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig           { return c.LoggerCfg }
func (c *Config) Browser() BrowserConfig         { return c.BrowserCfg }
func (c *Config) Interaction() InteractionConfig { return c.InteractionCfg }
func (c *Config) Visual() VisualConfig           { return c.VisualCfg }
func (c *Config) LLM() LLMRouterConfig           { return c.LLMCfg }
func (c *Config) ContextSync() ContextSyncConfig { return c.ContextSyncCfg }
func (c *Config) Validator() ValidatorConfig     { return c.ValidatorCfg }
func (c *Config) Workflow() WorkflowConfig       { return c.WorkflowCfg }
func (c *Config) RunStore() RunStoreConfig       { return c.RunStoreCfg }
func (c *Config) API() APIConfig                 { return c.APICfg }

// --- Interface Method Implementations (Setters) ---

// Browser Setters
func (c *Config) SetBrowserHeadless(b bool)        { c.BrowserCfg.Headless = b }
func (c *Config) SetBrowserDebug(b bool)           { c.BrowserCfg.Debug = b }
func (c *Config) SetBrowserScreenshotDir(d string) { c.BrowserCfg.ScreenshotDir = d }

// Visual Setters
func (c *Config) SetVisualEnabled(b bool) { c.VisualCfg.Enabled = b }

// Workflow Setters
func (c *Config) SetWorkflowMaxSteps(n int) { c.WorkflowCfg.MaxSteps = n }

// API Setters
func (c *Config) SetAPIAddr(addr string) { c.APICfg.Addr = addr }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig holds settings for the headless browser instances.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	ExecPath          string        `mapstructure:"exec_path" yaml:"exec_path"`
	UserAgent         string        `mapstructure:"user_agent" yaml:"user_agent"`
	ViewportWidth     int           `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight    int           `mapstructure:"viewport_height" yaml:"viewport_height"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ActionTimeout     time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	ScreenshotDir     string        `mapstructure:"screenshot_dir" yaml:"screenshot_dir"`
	DisableCache      bool          `mapstructure:"disable_cache" yaml:"disable_cache"`
	IgnoreTLSErrors   bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Debug             bool          `mapstructure:"debug" yaml:"debug"`
	Args              []string      `mapstructure:"args" yaml:"args"`
}

// InteractionConfig tunes the resolver backed interaction driver.
type InteractionConfig struct {
	MaxAttempts      int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	ReadinessTimeout time.Duration `mapstructure:"readiness_timeout" yaml:"readiness_timeout"`
	TypeDelay        time.Duration `mapstructure:"type_delay" yaml:"type_delay"`
}

// VisualConfig tunes the OCR driven visual fallback driver.
type VisualConfig struct {
	Enabled             bool          `mapstructure:"enabled" yaml:"enabled"`
	ConfidenceThreshold float64       `mapstructure:"confidence_threshold" yaml:"confidence_threshold"`
	PollInterval        time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	WaitTimeout         time.Duration `mapstructure:"wait_timeout" yaml:"wait_timeout"`
	Languages           string        `mapstructure:"languages" yaml:"languages"`
	TessdataPrefix      string        `mapstructure:"tessdata_prefix" yaml:"tessdata_prefix"`
	Preprocess          bool          `mapstructure:"preprocess" yaml:"preprocess"`
	MinButtonWidth      int           `mapstructure:"min_button_width" yaml:"min_button_width"`
	MaxButtonWidth      int           `mapstructure:"max_button_width" yaml:"max_button_width"`
	MinButtonHeight     int           `mapstructure:"min_button_height" yaml:"min_button_height"`
	MaxButtonHeight     int           `mapstructure:"max_button_height" yaml:"max_button_height"`
}

// LLMProvider defines the supported LLM providers.
type LLMProvider string

const (
	// ProviderGemini talks to the Gemini REST API directly.
	ProviderGemini LLMProvider = "gemini"
	// ProviderGenAI uses the official Google GenAI SDK.
	ProviderGenAI LLMProvider = "genai"
	// ProviderOpenAI and ProviderAnthropic are reserved; the factory rejects
	// them until a client lands.
	ProviderOpenAI    LLMProvider = "openai"
	ProviderAnthropic LLMProvider = "anthropic"
)

// LLMRouterConfig configures the model routing logic.
type LLMRouterConfig struct {
	DefaultFastModel     string                    `mapstructure:"default_fast_model" yaml:"default_fast_model"`
	DefaultPowerfulModel string                    `mapstructure:"default_powerful_model" yaml:"default_powerful_model"`
	Models               map[string]LLMModelConfig `mapstructure:"models" yaml:"models"`
}

// LLMModelConfig defines the configuration for a single LLM.
type LLMModelConfig struct {
	Provider          LLMProvider   `mapstructure:"provider" yaml:"provider"`
	Model             string        `mapstructure:"model" yaml:"model"`
	APIKey            string        `mapstructure:"api_key" yaml:"-"`
	Endpoint          string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout        time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature       float32       `mapstructure:"temperature" yaml:"temperature"`
	TopP              float32       `mapstructure:"top_p" yaml:"top_p"`
	TopK              int           `mapstructure:"top_k" yaml:"top_k"`
	MaxTokens         int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
}

// RemoteStoreProvider selects the remote mirror backend for the context store.
type RemoteStoreProvider string

const (
	RemoteNone    RemoteStoreProvider = "none"
	RemoteUpstash RemoteStoreProvider = "upstash"
	RemoteRedis   RemoteStoreProvider = "redis"
)

// UpstashConfig holds the Upstash REST endpoint credentials.
type UpstashConfig struct {
	URL   string `mapstructure:"url" yaml:"url"`
	Token string `mapstructure:"token" yaml:"-"`
}

// RedisConfig holds connection details for a plain Redis mirror.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"-"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

// ContextSyncConfig tunes the versioned context store and desync detection.
type ContextSyncConfig struct {
	Provider           RemoteStoreProvider `mapstructure:"provider" yaml:"provider"`
	Upstash            UpstashConfig       `mapstructure:"upstash" yaml:"upstash"`
	Redis              RedisConfig         `mapstructure:"redis" yaml:"redis"`
	RemoteTimeout      time.Duration       `mapstructure:"remote_timeout" yaml:"remote_timeout"`
	DesyncVersionDelta int64               `mapstructure:"desync_version_delta" yaml:"desync_version_delta"`
	DesyncStaleness    time.Duration       `mapstructure:"desync_staleness" yaml:"desync_staleness"`
	HistoryLimit       int                 `mapstructure:"history_limit" yaml:"history_limit"`
}

// ValidatorConfig tunes the LLM backed state validator.
type ValidatorConfig struct {
	UseLLM       bool   `mapstructure:"use_llm" yaml:"use_llm"`
	ModelTier    string `mapstructure:"model_tier" yaml:"model_tier"`
	HistoryLimit int    `mapstructure:"history_limit" yaml:"history_limit"`
}

// WorkflowConfig bounds workflow execution.
type WorkflowConfig struct {
	MaxSteps    int    `mapstructure:"max_steps" yaml:"max_steps"`
	PlannerTier string `mapstructure:"planner_tier" yaml:"planner_tier"`
}

// RunStoreConfig holds the workflow run archive settings.
type RunStoreConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	URL     string `mapstructure:"url" yaml:"-"`
}

// JWTConfig defines settings for the optional API bearer token check.
type JWTConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Secret  string `mapstructure:"secret" yaml:"-"`
}

// APIConfig holds the HTTP API server settings.
type APIConfig struct {
	Addr                   string        `mapstructure:"addr" yaml:"addr"`
	ReadTimeout            time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout           time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout        time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	MaxConcurrentWorkflows int           `mapstructure:"max_concurrent_workflows" yaml:"max_concurrent_workflows"`
	JWT                    JWTConfig     `mapstructure:"jwt" yaml:"jwt"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Defaults are static; a decode failure here is a programming error.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "webpilot")
	v.SetDefault("logger.log_file", "webpilot.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.viewport_width", 1280)
	v.SetDefault("browser.viewport_height", 800)
	v.SetDefault("browser.navigation_timeout", "90s")
	v.SetDefault("browser.action_timeout", "30s")
	v.SetDefault("browser.screenshot_dir", "screenshots")
	v.SetDefault("browser.disable_cache", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.debug", false)

	// -- Interaction --
	v.SetDefault("interaction.max_attempts", 3)
	v.SetDefault("interaction.retry_backoff", "500ms")
	v.SetDefault("interaction.readiness_timeout", "5s")
	v.SetDefault("interaction.type_delay", "20ms")

	// -- Visual --
	v.SetDefault("visual.enabled", true)
	v.SetDefault("visual.confidence_threshold", 0.7)
	v.SetDefault("visual.poll_interval", "500ms")
	v.SetDefault("visual.wait_timeout", "10s")
	v.SetDefault("visual.languages", "eng")
	v.SetDefault("visual.preprocess", true)
	v.SetDefault("visual.min_button_width", 20)
	v.SetDefault("visual.max_button_width", 300)
	v.SetDefault("visual.min_button_height", 15)
	v.SetDefault("visual.max_button_height", 100)

	// -- LLM --
	v.SetDefault("llm.default_fast_model", "gemini-2.5-flash")
	v.SetDefault("llm.default_powerful_model", "gemini-2.5-pro")

	// -- Context Sync --
	v.SetDefault("contextsync.provider", "none")
	v.SetDefault("contextsync.remote_timeout", "5s")
	v.SetDefault("contextsync.desync_version_delta", 5)
	v.SetDefault("contextsync.desync_staleness", "60s")
	v.SetDefault("contextsync.history_limit", 50)
	v.SetDefault("contextsync.redis.db", 0)

	// -- Validator --
	v.SetDefault("validator.use_llm", true)
	v.SetDefault("validator.model_tier", "fast")
	v.SetDefault("validator.history_limit", 20)

	// -- Workflow --
	v.SetDefault("workflow.max_steps", 50)
	v.SetDefault("workflow.planner_tier", "powerful")

	// -- Run Store --
	v.SetDefault("runstore.enabled", false)

	// -- API --
	v.SetDefault("api.addr", ":8080")
	v.SetDefault("api.read_timeout", "15s")
	// Workflow execution is synchronous, so the write timeout has to
	// outlast a full multi-step run, not just a quick handler.
	v.SetDefault("api.write_timeout", "15m")
	v.SetDefault("api.shutdown_timeout", "10s")
	v.SetDefault("api.max_concurrent_workflows", 4)
	v.SetDefault("api.jwt.enabled", false)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data. The Upstash names match
	// what the Upstash console hands out.
	v.BindEnv("contextsync.upstash.url", "UPSTASH_REDIS_REST_URL")
	v.BindEnv("contextsync.upstash.token", "UPSTASH_REDIS_REST_TOKEN")
	v.BindEnv("contextsync.redis.password", "WEBPILOT_REDIS_PASSWORD")
	v.BindEnv("runstore.url", "WEBPILOT_DATABASE_URL")
	v.BindEnv("api.jwt.secret", "WEBPILOT_JWT_SECRET")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.InteractionCfg.MaxAttempts < 1 {
		return fmt.Errorf("interaction.max_attempts must be at least 1")
	}
	if c.InteractionCfg.RetryBackoff <= 0 {
		return fmt.Errorf("interaction.retry_backoff must be a positive duration")
	}
	if err := c.VisualCfg.Validate(); err != nil {
		return fmt.Errorf("visual configuration invalid: %w", err)
	}
	if err := c.ContextSyncCfg.Validate(); err != nil {
		return fmt.Errorf("contextsync configuration invalid: %w", err)
	}
	if c.ValidatorCfg.HistoryLimit <= 0 {
		return fmt.Errorf("validator.history_limit must be a positive integer")
	}
	if c.WorkflowCfg.MaxSteps <= 0 {
		return fmt.Errorf("workflow.max_steps must be a positive integer")
	}
	if c.RunStoreCfg.Enabled && c.RunStoreCfg.URL == "" {
		return fmt.Errorf("runstore.url is required when the run store is enabled. Set WEBPILOT_DATABASE_URL")
	}
	if c.APICfg.MaxConcurrentWorkflows <= 0 {
		return fmt.Errorf("api.max_concurrent_workflows must be a positive integer")
	}
	if c.APICfg.JWT.Enabled && c.APICfg.JWT.Secret == "" {
		return fmt.Errorf("api.jwt.secret is required when JWT auth is enabled. Set WEBPILOT_JWT_SECRET")
	}
	return nil
}

// Validate checks the visual driver settings.
func (vc *VisualConfig) Validate() error {
	if vc.ConfidenceThreshold < 0.0 || vc.ConfidenceThreshold > 1.0 {
		return fmt.Errorf("confidence_threshold must be between 0.0 and 1.0")
	}
	if vc.MinButtonWidth >= vc.MaxButtonWidth {
		return fmt.Errorf("min_button_width must be smaller than max_button_width")
	}
	if vc.MinButtonHeight >= vc.MaxButtonHeight {
		return fmt.Errorf("min_button_height must be smaller than max_button_height")
	}
	return nil
}

// Validate checks the context synchronization settings.
func (cs *ContextSyncConfig) Validate() error {
	switch cs.Provider {
	case RemoteNone, RemoteUpstash, RemoteRedis, "":
	default:
		return fmt.Errorf("unknown remote provider %q", cs.Provider)
	}
	if cs.Provider == RemoteUpstash && (cs.Upstash.URL == "" || cs.Upstash.Token == "") {
		return fmt.Errorf("upstash.url and upstash.token are required for the upstash provider. Set UPSTASH_REDIS_REST_URL and UPSTASH_REDIS_REST_TOKEN")
	}
	if cs.Provider == RemoteRedis && cs.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required for the redis provider")
	}
	if cs.DesyncVersionDelta < 1 {
		return fmt.Errorf("desync_version_delta must be at least 1")
	}
	if cs.DesyncStaleness <= 0 {
		return fmt.Errorf("desync_staleness must be a positive duration")
	}
	if cs.HistoryLimit <= 0 {
		return fmt.Errorf("history_limit must be a positive integer")
	}
	return nil
}
