// Package config loads, validates, and defaults the .drover/config.yaml
// file, and manages the optional encrypted secrets file.
package config

import (
	"fmt"
	"os"
	"regexp"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"drover/pkg/agent"
	"drover/pkg/fallback"
)

// Mode names recognized by the default routing table.
const (
	ModeQuality  = "quality"
	ModeBalanced = "balanced"
	ModeEconomy  = "economy"
)

// ModeRoute maps a cost/quality mode to an agent and model.
type ModeRoute struct {
	Agent string `yaml:"agent"`
	Model string `yaml:"model,omitempty"`
}

// AgentsConfig selects and describes the external tools.
type AgentsConfig struct {
	// Pinned forces every iteration onto one agent; empty means auto
	// selection through the mode table.
	Pinned string `yaml:"pinned,omitempty"`
	// FallbackOrder is the priority list tried when the preferred agent is
	// rate-limited.
	FallbackOrder []string `yaml:"fallback_order,omitempty"`
	// Modes routes auto selection; keys are mode names.
	Modes map[string]ModeRoute `yaml:"modes,omitempty"`
	// DefaultMode is used when no mode is requested.
	DefaultMode string `yaml:"default_mode,omitempty"`
	// Profiles extend or override the built-in tool profiles.
	Profiles []agent.Profile `yaml:"profiles,omitempty"`
}

// RateLimitConfig tunes the limited-agent bookkeeping.
type RateLimitConfig struct {
	// CooldownSec is the implicit ineligibility window when no reset time
	// was parsed.
	CooldownSec int `yaml:"cooldown_sec,omitempty"`
	// RetryDelaySec is the bounded delay between limited retries.
	RetryDelaySec int `yaml:"retry_delay_sec,omitempty"`
	// MaxTotalWaitSec bounds total wall-clock wait across consecutive
	// limited retries of one iteration. Absent selects the default;
	// explicit 0 disables the bound.
	MaxTotalWaitSec *int `yaml:"max_total_wait_sec,omitempty"`
}

// MailboxConfig tunes the mailbox lock.
type MailboxConfig struct {
	// LockTimeoutSec is the staleness window for abandoned locks.
	LockTimeoutSec int `yaml:"lock_timeout_sec,omitempty"`
}

// LoopConfig tunes the orchestration loop itself.
type LoopConfig struct {
	MaxIterations int `yaml:"max_iterations,omitempty"`
	// Mode is the default cost/quality mode for auto selection.
	Mode string `yaml:"mode,omitempty"`
	// PromptFile is the base prompt template, relative to the project dir.
	PromptFile string `yaml:"prompt_file,omitempty"`
	// AgentTimeoutSec bounds one agent invocation; 0 means unbounded.
	AgentTimeoutSec int `yaml:"agent_timeout_sec,omitempty"`
	// TokenWarnLimit logs a warning when a composed prompt's token
	// estimate exceeds it; 0 disables the warning.
	TokenWarnLimit int `yaml:"token_warn_limit,omitempty"`
}

// LoggingConfig tunes the log file sink.
type LoggingConfig struct {
	// Keep is how many rotated log files to retain.
	Keep int `yaml:"keep,omitempty"`
	// Debug enables debug-level logging.
	Debug bool `yaml:"debug,omitempty"`
}

// StatusConfig tunes the HTTP status/metrics server.
type StatusConfig struct {
	// Addr is the listen address (e.g. "127.0.0.1:8844"); empty disables
	// the server.
	Addr string `yaml:"addr,omitempty"`
}

// Config is the whole .drover/config.yaml document.
type Config struct {
	Agents    AgentsConfig    `yaml:"agents,omitempty"`
	RateLimit RateLimitConfig `yaml:"rate_limit,omitempty"`
	Mailbox   MailboxConfig   `yaml:"mailbox,omitempty"`
	Loop      LoopConfig      `yaml:"loop,omitempty"`
	Logging   LoggingConfig   `yaml:"logging,omitempty"`
	Status    StatusConfig    `yaml:"status,omitempty"`
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads and validates the config file. A missing file yields the
// defaults, so a project can run with no config at all.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Substitute ${VAR} placeholders from the environment; unset variables
	// are left untouched.
	text := envVarRegex.ReplaceAllStringFunc(string(data), func(match string) string {
		if value := os.Getenv(match[2 : len(match)-1]); value != "" {
			return value
		}
		return match
	})

	var cfg Config
	if err := yaml.Unmarshal([]byte(text), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if len(cfg.Agents.FallbackOrder) == 0 {
		cfg.Agents.FallbackOrder = []string{"claude", "codex", "gemini"}
	}
	if cfg.Agents.DefaultMode == "" {
		cfg.Agents.DefaultMode = ModeBalanced
	}
	if cfg.Agents.Modes == nil {
		cfg.Agents.Modes = map[string]ModeRoute{
			ModeQuality:  {Agent: "claude", Model: "opus"},
			ModeBalanced: {Agent: "claude", Model: "sonnet"},
			ModeEconomy:  {Agent: "gemini", Model: "gemini-2.5-flash"},
		}
	}
	if cfg.RateLimit.CooldownSec == 0 {
		cfg.RateLimit.CooldownSec = 300
	}
	if cfg.RateLimit.RetryDelaySec == 0 {
		cfg.RateLimit.RetryDelaySec = 30
	}
	if cfg.RateLimit.MaxTotalWaitSec == nil {
		twoHours := 7200
		cfg.RateLimit.MaxTotalWaitSec = &twoHours
	}
	if cfg.Mailbox.LockTimeoutSec == 0 {
		cfg.Mailbox.LockTimeoutSec = 600
	}
	if cfg.Loop.MaxIterations == 0 {
		cfg.Loop.MaxIterations = 50
	}
	if cfg.Loop.Mode == "" {
		cfg.Loop.Mode = cfg.Agents.DefaultMode
	}
	if cfg.Loop.PromptFile == "" {
		cfg.Loop.PromptFile = "PROMPT.md"
	}
	if cfg.Logging.Keep == 0 {
		cfg.Logging.Keep = 10
	}
}

func validate(cfg *Config) error {
	if cfg.Loop.MaxIterations < 1 {
		return fmt.Errorf("loop.max_iterations must be at least 1, got %d", cfg.Loop.MaxIterations)
	}
	if len(fallback.Normalize(cfg.Agents.FallbackOrder)) == 0 {
		return fmt.Errorf("agents.fallback_order must name at least one agent")
	}
	for mode, route := range cfg.Agents.Modes {
		if route.Agent == "" {
			return fmt.Errorf("agents.modes.%s has no agent", mode)
		}
	}
	if _, ok := cfg.Agents.Modes[cfg.Agents.DefaultMode]; !ok {
		return fmt.Errorf("agents.default_mode %q has no route", cfg.Agents.DefaultMode)
	}
	if cfg.RateLimit.CooldownSec < 0 || cfg.RateLimit.RetryDelaySec < 0 {
		return fmt.Errorf("rate_limit durations must not be negative")
	}
	if *cfg.RateLimit.MaxTotalWaitSec < 0 {
		return fmt.Errorf("rate_limit.max_total_wait_sec must not be negative")
	}
	if cfg.Mailbox.LockTimeoutSec < 1 {
		return fmt.Errorf("mailbox.lock_timeout_sec must be at least 1")
	}
	return nil
}

// Route resolves a mode to its agent and model, falling back to the default
// mode's route for unknown modes.
func (c *Config) Route(mode string) (agentName, model string, err error) {
	if mode == "" {
		mode = c.Loop.Mode
	}
	route, ok := c.Agents.Modes[mode]
	if !ok {
		route, ok = c.Agents.Modes[c.Agents.DefaultMode]
		if !ok {
			return "", "", fmt.Errorf("no route for mode %q or default mode %q", mode, c.Agents.DefaultMode)
		}
	}
	return route.Agent, route.Model, nil
}

// Cooldown returns the implicit rate-limit cooldown.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.RateLimit.CooldownSec) * time.Second
}

// RetryDelay returns the bounded delay between limited retries.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.RateLimit.RetryDelaySec) * time.Second
}

// MaxTotalWait returns the total limited-wait bound; zero means unbounded.
func (c *Config) MaxTotalWait() time.Duration {
	if c.RateLimit.MaxTotalWaitSec == nil {
		return 0
	}
	return time.Duration(*c.RateLimit.MaxTotalWaitSec) * time.Second
}

// LockTimeout returns the mailbox lock staleness window.
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.Mailbox.LockTimeoutSec) * time.Second
}

// AgentTimeout returns the per-invocation bound; zero means unbounded.
func (c *Config) AgentTimeout() time.Duration {
	return time.Duration(c.Loop.AgentTimeoutSec) * time.Second
}

// Profiles merges the built-in tool profiles with config overrides. A config
// profile reusing a built-in name replaces it wholesale; others are appended.
func (c *Config) Profiles() []agent.Profile {
	merged := agent.BuiltinProfiles()
	for _, p := range c.Agents.Profiles {
		replaced := false
		for i := range merged {
			if merged[i].Name == p.Name {
				merged[i] = p
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, p)
		}
	}
	return merged
}

// Process-wide config, installed once by the entrypoint after Load.
var (
	currentMu sync.RWMutex
	current   *Config
)

// SetCurrent installs the process-wide config.
func SetCurrent(cfg *Config) {
	currentMu.Lock()
	defer currentMu.Unlock()
	current = cfg
}

// Current returns the process-wide config, or the defaults when nothing has
// been installed yet.
func Current() *Config {
	currentMu.RLock()
	defer currentMu.RUnlock()
	if current == nil {
		return Default()
	}
	return current
}
