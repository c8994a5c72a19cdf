// Package config holds all warden configuration: budget cap, escalation
// transitions, scoring weights, capability declarations, runner limits,
// and external tool endpoints. Everything the kernel treats as policy
// lives here, not in code.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"warden/internal/aggregate"
	"warden/internal/capability"
	"warden/internal/escalate"
)

// Config holds all warden configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Budget cap for a single run
	Budget BudgetConfig `yaml:"budget"`

	// Escalation transition table; empty means the built-in table
	Escalation EscalationConfig `yaml:"escalation"`

	// Scoring weight tables and tie-break chain; empty means defaults
	Scoring aggregate.Weights `yaml:"scoring"`

	// Capability declarations; empty means the built-in set
	Capabilities []capability.Capability `yaml:"capabilities"`

	// Runner limits
	Runner RunnerConfig `yaml:"runner"`

	// Run store layout
	Runs RunsConfig `yaml:"runs"`

	// External tools
	Tools ToolsConfig `yaml:"tools"`

	// LLM synthesis endpoint
	LLM LLMConfig `yaml:"llm"`

	// Solodit enrichment corpus
	Solodit SoloditConfig `yaml:"solodit"`

	// Repair gating
	Repair RepairConfig `yaml:"repair"`

	// Operator halt file
	KillFile string `yaml:"kill_file"`

	// Offline disables all network access
	Offline bool `yaml:"offline"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// BudgetConfig configures the run budget.
type BudgetConfig struct {
	Cap int `yaml:"cap"`
}

// EscalationConfig configures the level transition table.
type EscalationConfig struct {
	Transitions escalate.Table `yaml:"transitions"`
}

// RunnerConfig configures agent execution limits.
type RunnerConfig struct {
	Timeout     string `yaml:"timeout"`
	Grace       string `yaml:"grace"`
	Parallelism int    `yaml:"parallelism"`
}

// RunsConfig configures where run state and the catalog live.
type RunsConfig struct {
	Root    string `yaml:"root"`
	Catalog string `yaml:"catalog"`
}

// ToolsConfig configures external analyzer binaries.
type ToolsConfig struct {
	Slither string `yaml:"slither"`
	Forge   string `yaml:"forge"`
	Git     string `yaml:"git"`
	Timeout string `yaml:"timeout"`
}

// LLMConfig configures the synthesis endpoint (OpenAI-compatible).
type LLMConfig struct {
	BaseURL     string `yaml:"base_url"`
	Model       string `yaml:"model"`
	APIKey      string `yaml:"api_key"`
	Timeout     string `yaml:"timeout"`
	FixturesDir string `yaml:"fixtures_dir"`
}

// SoloditConfig configures the local audit-report corpus.
type SoloditConfig struct {
	CorpusPath string `yaml:"corpus_path"`
}

// RepairConfig configures the repair agent gate.
type RepairConfig struct {
	MinBudget int `yaml:"min_budget"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "warden",
		Version: "0.3.0",

		Budget: BudgetConfig{
			Cap: 10,
		},

		Escalation: EscalationConfig{
			Transitions: escalate.DefaultTable(),
		},

		Scoring: aggregate.DefaultWeights(),

		Capabilities: capability.Defaults(),

		Runner: RunnerConfig{
			Timeout:     "10m",
			Grace:       "5s",
			Parallelism: 1,
		},

		Runs: RunsConfig{
			Root:    ".warden/runs",
			Catalog: ".warden/catalog.db",
		},

		Tools: ToolsConfig{
			Slither: "slither",
			Forge:   "forge",
			Git:     "git",
			Timeout: "5m",
		},

		LLM: LLMConfig{
			Model:       "default",
			Timeout:     "120s",
			FixturesDir: ".warden/llm_fixtures",
		},

		Solodit: SoloditConfig{
			CorpusPath: ".warden/solodit_corpus.json",
		},

		Repair: RepairConfig{
			MinBudget: 2,
		},

		KillFile: ".warden/kill",

		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults; environment overrides apply either way.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
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

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("WARDEN_BUDGET_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Budget.Cap = n
		}
	}
	if v := os.Getenv("WARDEN_OFFLINE"); v != "" && v != "0" && v != "false" {
		c.Offline = true
	}
	if v := os.Getenv("WARDEN_KILL_FILE"); v != "" {
		c.KillFile = v
	}
	if v := os.Getenv("WARDEN_RUNS_DIR"); v != "" {
		c.Runs.Root = v
	}

	// LLM endpoint from environment (vLLM-style deployment)
	if v := os.Getenv("VLLM_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("VLLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("VLLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}

	if v := os.Getenv("REPAIR_MIN_BUDGET"); v != "" {
		if m, err := strconv.Atoi(v); err == nil {
			c.Repair.MinBudget = m
		}
	}
}

// GetRunnerTimeout returns the per-capability execution timeout.
func (c *Config) GetRunnerTimeout() time.Duration {
	d, err := time.ParseDuration(c.Runner.Timeout)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}

// GetRunnerGrace returns the drain grace period after cancellation.
func (c *Config) GetRunnerGrace() time.Duration {
	d, err := time.ParseDuration(c.Runner.Grace)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// GetToolTimeout returns the external tool invocation timeout.
func (c *Config) GetToolTimeout() time.Duration {
	d, err := time.ParseDuration(c.Tools.Timeout)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// GetLLMTimeout returns the LLM request timeout.
func (c *Config) GetLLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// Validate validates the configuration. Failures here are fatal at
// startup; the kernel never runs on a half-valid config.
func (c *Config) Validate() error {
	if c.Budget.Cap <= 0 {
		return fmt.Errorf("budget cap must be positive, got %d", c.Budget.Cap)
	}
	if err := c.Scoring.Validate(); err != nil {
		return fmt.Errorf("scoring config: %w", err)
	}
	if _, err := escalate.NewRouter(c.Escalation.Transitions, nil); err != nil {
		return fmt.Errorf("escalation config: %w", err)
	}
	if _, err := capability.NewRegistry(c.Capabilities); err != nil {
		return fmt.Errorf("capability config: %w", err)
	}
	if c.Runner.Parallelism < 0 {
		return fmt.Errorf("runner parallelism must not be negative, got %d", c.Runner.Parallelism)
	}
	if c.Runs.Root == "" {
		return fmt.Errorf("runs root directory not configured")
	}
	return nil
}
