// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	Network() NetworkConfig
	Store() StoreConfig
	Replay() ReplayConfig
	Navigator() NavigatorConfig
	Agent() AgentConfig
	Profile() ProfileConfig
	Runner() RunnerConfig

	// Setters driven by CLI flags.
	SetBrowserHeadless(bool)
	SetRunnerConcurrency(int)
	SetStoreDir(string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	BrowserCfg   BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	NetworkCfg   NetworkConfig   `mapstructure:"network" yaml:"network"`
	StoreCfg     StoreConfig     `mapstructure:"store" yaml:"store"`
	ReplayCfg    ReplayConfig    `mapstructure:"replay" yaml:"replay"`
	NavigatorCfg NavigatorConfig `mapstructure:"navigator" yaml:"navigator"`
	AgentCfg     AgentConfig     `mapstructure:"agent" yaml:"agent"`
	ProfileCfg   ProfileConfig   `mapstructure:"profile" yaml:"profile"`
	RunnerCfg    RunnerConfig    `mapstructure:"runner" yaml:"runner"`
}

var _ Interface = (*Config)(nil)

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig       { return c.LoggerCfg }
func (c *Config) Browser() BrowserConfig     { return c.BrowserCfg }
func (c *Config) Network() NetworkConfig     { return c.NetworkCfg }
func (c *Config) Store() StoreConfig         { return c.StoreCfg }
func (c *Config) Replay() ReplayConfig       { return c.ReplayCfg }
func (c *Config) Navigator() NavigatorConfig { return c.NavigatorCfg }
func (c *Config) Agent() AgentConfig         { return c.AgentCfg }
func (c *Config) Profile() ProfileConfig     { return c.ProfileCfg }
func (c *Config) Runner() RunnerConfig       { return c.RunnerCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetBrowserHeadless(b bool)  { c.BrowserCfg.Headless = b }
func (c *Config) SetRunnerConcurrency(n int) { c.RunnerCfg.Concurrency = n }
func (c *Config) SetStoreDir(dir string)     { c.StoreCfg.Dir = dir }

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

// ColorConfig defines the color names for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig controls the Chrome instance that backs the surface.
type BrowserConfig struct {
	Headless        bool           `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors bool           `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	ExecPath        string         `mapstructure:"exec_path" yaml:"exec_path"`
	UserAgent       string         `mapstructure:"user_agent" yaml:"user_agent"`
	Args            []string       `mapstructure:"args" yaml:"args"`
	Viewport        map[string]int `mapstructure:"viewport" yaml:"viewport"`
	Debug           bool           `mapstructure:"debug" yaml:"debug"`
}

// NetworkConfig holds page load timing.
type NetworkConfig struct {
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	PostLoadWait      time.Duration `mapstructure:"post_load_wait" yaml:"post_load_wait"`
	ActionTimeout     time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
}

// StoreConfig selects and configures the session store backend.
type StoreConfig struct {
	// Backend is "file" or "postgres".
	Backend  string         `mapstructure:"backend" yaml:"backend"`
	Dir      string         `mapstructure:"dir" yaml:"dir"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
}

// DatabaseConfig holds the database connection details.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// ReplayConfig holds the replayer's timing and scan limits.
type ReplayConfig struct {
	SettleDelay     time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	SlowSettleDelay time.Duration `mapstructure:"slow_settle_delay" yaml:"slow_settle_delay"`
	VisibleTimeout  time.Duration `mapstructure:"visible_timeout" yaml:"visible_timeout"`
	ActionTimeout   time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	MinWait         time.Duration `mapstructure:"min_wait" yaml:"min_wait"`
	DropdownDelay   time.Duration `mapstructure:"dropdown_delay" yaml:"dropdown_delay"`
	ScanLimit       int           `mapstructure:"scan_limit" yaml:"scan_limit"`
}

// NavigatorConfig holds the state machine's bounds and verification rules.
type NavigatorConfig struct {
	MaxTransitions       int           `mapstructure:"max_transitions" yaml:"max_transitions"`
	FillMaxIterations    int           `mapstructure:"fill_max_iterations" yaml:"fill_max_iterations"`
	StallIterations      int           `mapstructure:"stall_iterations" yaml:"stall_iterations"`
	DoneStableIterations int           `mapstructure:"done_stable_iterations" yaml:"done_stable_iterations"`
	LoopWindow           int           `mapstructure:"loop_window" yaml:"loop_window"`
	MinConfidence        float64       `mapstructure:"min_confidence" yaml:"min_confidence"`
	StepTimeout          time.Duration `mapstructure:"step_timeout" yaml:"step_timeout"`
	SuccessPhrases       []string      `mapstructure:"success_phrases" yaml:"success_phrases"`
	SuccessURLPatterns   []string      `mapstructure:"success_url_patterns" yaml:"success_url_patterns"`
}

// AgentConfig holds settings related to the AI page classifier.
type AgentConfig struct {
	LLM LLMModelConfig `mapstructure:"llm" yaml:"llm"`
}

// LLMModelConfig defines the configuration for the classifier model.
type LLMModelConfig struct {
	Enabled           bool          `mapstructure:"enabled" yaml:"enabled"`
	Model             string        `mapstructure:"model" yaml:"model"`
	APIKey            string        `mapstructure:"api_key" yaml:"-"`
	APITimeout        time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature       float32       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens         int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	RequestsPerMinute float64       `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
}

// ProfileConfig points at the applicant profile.
type ProfileConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// RunnerConfig controls concurrent runs.
type RunnerConfig struct {
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
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
	v.SetDefault("logger.service_name", "applypilot")
	v.SetDefault("logger.log_file", "applypilot.log")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.viewport", map[string]int{"width": 1366, "height": 900})

	// -- Network --
	v.SetDefault("network.navigation_timeout", "90s")
	v.SetDefault("network.post_load_wait", "1500ms")
	v.SetDefault("network.action_timeout", "15s")

	// -- Store --
	v.SetDefault("store.backend", "file")
	v.SetDefault("store.dir", "~/.applypilot")

	// -- Replay --
	v.SetDefault("replay.settle_delay", "300ms")
	v.SetDefault("replay.slow_settle_delay", "1200ms")
	v.SetDefault("replay.visible_timeout", "3s")
	v.SetDefault("replay.action_timeout", "10s")
	v.SetDefault("replay.min_wait", "500ms")
	v.SetDefault("replay.dropdown_delay", "250ms")
	v.SetDefault("replay.scan_limit", 50)

	// -- Navigator --
	v.SetDefault("navigator.max_transitions", 60)
	v.SetDefault("navigator.fill_max_iterations", 10)
	v.SetDefault("navigator.stall_iterations", 3)
	v.SetDefault("navigator.done_stable_iterations", 2)
	v.SetDefault("navigator.loop_window", 10)
	v.SetDefault("navigator.min_confidence", 0.3)
	v.SetDefault("navigator.step_timeout", "30s")
	v.SetDefault("navigator.success_phrases", []string{
		"application submitted",
		"application received",
		"thank you for applying",
		"thanks for applying",
		"we have received your application",
		"your application has been submitted",
	})
	v.SetDefault("navigator.success_url_patterns", []string{
		`(?i)/(thank-?you|thanks|confirmation|application-submitted|success)(/|\?|$)`,
	})

	// -- Agent --
	v.SetDefault("agent.llm.enabled", true)
	v.SetDefault("agent.llm.model", "gemini-2.5-flash")
	v.SetDefault("agent.llm.api_timeout", "45s")
	v.SetDefault("agent.llm.temperature", 0.1)
	v.SetDefault("agent.llm.max_tokens", 1024)
	v.SetDefault("agent.llm.requests_per_minute", 30.0)

	// -- Profile --
	v.SetDefault("profile.path", "profile.yaml")

	// -- Runner --
	v.SetDefault("runner.concurrency", 2)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("agent.llm.api_key", "GEMINI_API_KEY")
	_ = v.BindEnv("store.database.url", "APPLYPILOT_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.AgentCfg.LLM.APIKey == "" {
		cfg.AgentCfg.LLM.APIKey = os.Getenv("GOOGLE_API_KEY")
	}

	dir, err := homedir.Expand(cfg.StoreCfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("could not expand store.dir %q: %w", cfg.StoreCfg.Dir, err)
	}
	cfg.StoreCfg.Dir = dir

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	switch c.StoreCfg.Backend {
	case "file":
		if c.StoreCfg.Dir == "" {
			return fmt.Errorf("store.dir is required for the file backend")
		}
	case "postgres":
		if c.StoreCfg.Database.URL == "" {
			return fmt.Errorf("store.database.url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("store.backend must be \"file\" or \"postgres\", got %q", c.StoreCfg.Backend)
	}
	if c.RunnerCfg.Concurrency <= 0 {
		return fmt.Errorf("runner.concurrency must be a positive integer")
	}
	if err := c.NavigatorCfg.Validate(); err != nil {
		return fmt.Errorf("navigator configuration invalid: %w", err)
	}
	if c.ReplayCfg.ScanLimit <= 0 {
		return fmt.Errorf("replay.scan_limit must be a positive integer")
	}
	return nil
}

// Validate checks the NavigatorConfig bounds.
func (n *NavigatorConfig) Validate() error {
	if n.MaxTransitions <= 0 {
		return fmt.Errorf("max_transitions must be greater than 0")
	}
	if n.FillMaxIterations <= 0 || n.FillMaxIterations > 10 {
		return fmt.Errorf("fill_max_iterations must be between 1 and 10")
	}
	if n.StallIterations <= 0 || n.StallIterations > n.FillMaxIterations {
		return fmt.Errorf("stall_iterations must be between 1 and fill_max_iterations")
	}
	if n.DoneStableIterations <= 0 {
		return fmt.Errorf("done_stable_iterations must be greater than 0")
	}
	if n.LoopWindow < 6 {
		return fmt.Errorf("loop_window must be at least 6 to detect period-3 repeats")
	}
	if n.MinConfidence < 0.0 || n.MinConfidence > 1.0 {
		return fmt.Errorf("min_confidence must be between 0.0 and 1.0")
	}
	return nil
}
