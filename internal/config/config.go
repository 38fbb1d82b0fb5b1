package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all rosebud configuration.
type Config struct {
	// Persona names the ward agent the reflections speak about.
	Persona string `yaml:"persona"`

	// Workspace paths
	Paths PathsConfig `yaml:"paths"`

	// Reflection cycle settings
	Reflection ReflectionConfig `yaml:"reflection"`

	// Affective ledger policy
	EmoBank EmoBankConfig `yaml:"emobank"`

	// Appraiser selection
	Appraiser AppraiserConfig `yaml:"appraiser"`

	// LLM provider configuration
	LLM LLMConfig `yaml:"llm"`

	// RBT diagnosis kernel
	Diagnose DiagnoseConfig `yaml:"diagnose"`

	// Hotspot review scanner
	Review ReviewConfig `yaml:"review"`

	// Reminder service (remindd)
	Remind RemindConfig `yaml:"remind"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// PathsConfig locates the ward's log stream and rosebud's artifacts.
type PathsConfig struct {
	EventsLog  string `yaml:"events_log"`  // append-only JSONL behavioral log
	EmoBankDir string `yaml:"emobank_dir"` // ledger + state + recall index
	OutputDir  string `yaml:"output_dir"`  // new prompts and proposals
	LogsDir    string `yaml:"logs_dir"`    // audit JSONL streams
	WardRoot   string `yaml:"ward_root"`   // ward repository root
	WardPrompt string `yaml:"ward_prompt"` // prompt file, relative to ward_root
}

// ReflectionConfig tunes the reflection stage.
type ReflectionConfig struct {
	WindowHours   int     `yaml:"window_hours"`
	EventLimit    int     `yaml:"event_limit"`
	DepositWeight float64 `yaml:"deposit_weight"`
}

// EmoBankConfig tunes the ledger deposit policy and decay.
type EmoBankConfig struct {
	NoiseFloor     float64 `yaml:"noise_floor"`
	CoalesceWindow string  `yaml:"coalesce_window"`
	ReboundWindow  string  `yaml:"rebound_window"`
	HalfLife       string  `yaml:"half_life"`
}

// AppraiserConfig selects how events become affect.
type AppraiserConfig struct {
	Mode string `yaml:"mode"` // deterministic, llm
}

// LLMConfig configures the language-model providers.
type LLMConfig struct {
	Provider string `yaml:"provider"` // auto, gemini, openai, off
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	Timeout  string `yaml:"timeout"`
}

// DiagnoseConfig configures the Datalog kernel.
type DiagnoseConfig struct {
	RulesPath    string `yaml:"rules_path"` // optional override for the embedded rules
	QueryTimeout string `yaml:"query_timeout"`
	FactLimit    int    `yaml:"fact_limit"`
}

// ReviewConfig configures the hotspot scanner.
type ReviewConfig struct {
	Globs   []string `yaml:"globs"`
	Workers int      `yaml:"workers"`
}

// RemindConfig configures the collaborating reminder service.
type RemindConfig struct {
	Addr       string `yaml:"addr"`
	ToastGrace string `yaml:"toast_grace"` // lateness tolerated before a toast reports delay
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Persona: "ward",

		Paths: PathsConfig{
			EventsLog:  "logs/events.jsonl",
			EmoBankDir: ".rosebud/emobank",
			OutputDir:  "output",
			LogsDir:    "logs",
			WardRoot:   ".",
			WardPrompt: "prompt.txt",
		},

		Reflection: ReflectionConfig{
			WindowHours:   24,
			EventLimit:    500,
			DepositWeight: 1.0,
		},

		EmoBank: EmoBankConfig{
			NoiseFloor:     0.25,
			CoalesceWindow: "5m",
			ReboundWindow:  "10m",
			HalfLife:       "12h",
		},

		Appraiser: AppraiserConfig{
			Mode: "deterministic",
		},

		LLM: LLMConfig{
			Provider: "auto",
			Timeout:  "60s",
		},

		Diagnose: DiagnoseConfig{
			QueryTimeout: "10s",
			FactLimit:    100000,
		},

		Review: ReviewConfig{
			Globs:   []string{"**/*.go"},
			Workers: 8,
		},

		Remind: RemindConfig{
			Addr:       "127.0.0.1:8000",
			ToastGrace: "5s",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies ROSEBUD_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ROSEBUD_PERSONA"); v != "" {
		c.Persona = v
	}
	if v := os.Getenv("ROSEBUD_EVENTS_LOG"); v != "" {
		c.Paths.EventsLog = v
	}
	if v := os.Getenv("ROSEBUD_EMOBANK_DIR"); v != "" {
		c.Paths.EmoBankDir = v
	}
	if v := os.Getenv("ROSEBUD_OUTPUT_DIR"); v != "" {
		c.Paths.OutputDir = v
	}
	if v := os.Getenv("ROSEBUD_LOGS_DIR"); v != "" {
		c.Paths.LogsDir = v
	}
	if v := os.Getenv("ROSEBUD_WARD_ROOT"); v != "" {
		c.Paths.WardRoot = v
	}
	if v := os.Getenv("ROSEBUD_WARD_PROMPT"); v != "" {
		c.Paths.WardPrompt = v
	}
	if v := os.Getenv("ROSEBUD_REMIND_ADDR"); v != "" {
		c.Remind.Addr = v
	}
	if v := os.Getenv("ROSEBUD_LLM_PROVIDER"); v != "" {
		c.LLM.Provider = v
	}
	if v := os.Getenv("ROSEBUD_LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}

	// API keys from the environment fill in a missing key (first match wins)
	if key := os.Getenv("GEMINI_API_KEY"); key != "" && c.LLM.APIKey == "" {
		c.LLM.APIKey = key
	}
	if key := os.Getenv("GOOGLE_API_KEY"); key != "" && c.LLM.APIKey == "" {
		c.LLM.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && c.LLM.APIKey == "" {
		c.LLM.APIKey = key
	}
}

// Window returns the reflection window as a duration.
func (c *Config) Window() time.Duration {
	if c.Reflection.WindowHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.Reflection.WindowHours) * time.Hour
}

// GetCoalesceWindow returns the coalesce window as a duration.
func (c *Config) GetCoalesceWindow() time.Duration {
	d, err := time.ParseDuration(c.EmoBank.CoalesceWindow)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// GetReboundWindow returns the rebound window as a duration.
func (c *Config) GetReboundWindow() time.Duration {
	d, err := time.ParseDuration(c.EmoBank.ReboundWindow)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}

// GetHalfLife returns the decay half-life as a duration.
func (c *Config) GetHalfLife() time.Duration {
	d, err := time.ParseDuration(c.EmoBank.HalfLife)
	if err != nil {
		return 12 * time.Hour
	}
	return d
}

// GetLLMTimeout returns the LLM timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// GetQueryTimeout returns the kernel query timeout as a duration.
func (c *Config) GetQueryTimeout() time.Duration {
	d, err := time.ParseDuration(c.Diagnose.QueryTimeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// GetToastGrace returns the toast lateness tolerance as a duration.
func (c *Config) GetToastGrace() time.Duration {
	d, err := time.ParseDuration(c.Remind.ToastGrace)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// ValidProviders lists all supported LLM providers.
var ValidProviders = []string{"auto", "gemini", "openai", "off"}

// ValidAppraiserModes lists all supported appraiser modes.
var ValidAppraiserModes = []string{"deterministic", "llm"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Persona == "" {
		return fmt.Errorf("persona must not be empty")
	}
	if c.Reflection.WindowHours <= 0 {
		return fmt.Errorf("reflection window_hours must be positive, got %d", c.Reflection.WindowHours)
	}
	if c.EmoBank.NoiseFloor < 0 || c.EmoBank.NoiseFloor > 1 {
		return fmt.Errorf("emobank noise_floor must be in [0,1], got %v", c.EmoBank.NoiseFloor)
	}

	valid := false
	for _, m := range ValidAppraiserModes {
		if c.Appraiser.Mode == m {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid appraiser mode: %s (valid: %v)", c.Appraiser.Mode, ValidAppraiserModes)
	}

	valid = false
	for _, p := range ValidProviders {
		if c.LLM.Provider == p {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid LLM provider: %s (valid: %v)", c.LLM.Provider, ValidProviders)
	}

	return nil
}
