package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rahul/droidpilot/internal/agent"
	"github.com/rahul/droidpilot/internal/workflow"
)

type Config struct {
	App       AppConfig                 `yaml:"app"`
	Device    DeviceConfig              `yaml:"device"`
	Gateways  map[string]GatewayConfig  `yaml:"gateways"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Model     ModelConfig               `yaml:"model"`
	Loop      LoopConfig                `yaml:"loop"`
	Workflow  WorkflowConfig            `yaml:"workflow"`
	Policy    PolicyConfig              `yaml:"policy"`
	Memory    MemoryConfig              `yaml:"memory"`
	Logging   LoggingConfig             `yaml:"logging"`
}

type AppConfig struct {
	Name      string `yaml:"name"`
	Workspace string `yaml:"workspace"`
}

type DeviceConfig struct {
	// Type is "adb" or "browser".
	Type     string            `yaml:"type"`
	ADBPath  string            `yaml:"adb_path"`
	Serial   string            `yaml:"serial"`
	Apps     map[string]string `yaml:"apps"`
	Headless bool              `yaml:"headless"`
	HomeURL  string            `yaml:"home_url"`
}

type GatewayConfig struct {
	Token   string   `yaml:"token"`
	Enabled bool     `yaml:"enabled"`
	Allowed []string `yaml:"allowed"`
}

type ProviderConfig struct {
	APIKey  string   `yaml:"api_key"`
	APIKeys []string `yaml:"api_keys"`
	Model   string   `yaml:"model"`
	BaseURL string   `yaml:"base_url,omitempty"`
	Enabled bool     `yaml:"enabled"`
}

// Keys returns every configured credential, single key first.
func (p ProviderConfig) Keys() []string {
	var keys []string
	if p.APIKey != "" {
		keys = append(keys, p.APIKey)
	}
	return append(keys, p.APIKeys...)
}

type ModelConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
	KeyCooldown time.Duration `yaml:"key_cooldown"`
	Temperature float64       `yaml:"temperature"`
}

type LoopConfig struct {
	MaxIterations          int  `yaml:"max_iterations"`
	MaxConsecutiveFailures int  `yaml:"max_consecutive_failures"`
	MaxRepetitiveActions   int  `yaml:"max_repetitive_actions"`
	ErrorThreshold         int  `yaml:"error_threshold"`
	AnnounceSubgoals       bool `yaml:"announce_subgoals"`
}

type WorkflowConfig struct {
	MaxRetries         int           `yaml:"max_retries"`
	CheckpointInterval int           `yaml:"checkpoint_interval"`
	StepTimeout        time.Duration `yaml:"step_timeout"`
	RetryBaseDelay     time.Duration `yaml:"retry_base_delay"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	ResumeInterval     time.Duration `yaml:"resume_interval"`
	TemplatesDir       string        `yaml:"templates_dir"`
}

type PolicyConfig struct {
	DenyActions  []string `yaml:"deny_actions"`
	DenyApps     []string `yaml:"deny_apps"`
	DenyPatterns []string `yaml:"deny_patterns"`
}

type MemoryConfig struct {
	Type string `yaml:"type"`
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Path      string `yaml:"path"`
	MaxSizeMB int    `yaml:"max_size_mb"`
	Echo      bool   `yaml:"echo"`
}

// Default returns a configuration that runs with only environment
// credentials.
func Default() *Config {
	limits := agent.DefaultLimits()
	opts := workflow.DefaultOptions()
	return &Config{
		App: AppConfig{Name: "DroidPilot", Workspace: "./workspace"},
		Device: DeviceConfig{
			Type:     "adb",
			ADBPath:  "adb",
			Headless: true,
			HomeURL:  "https://www.google.com",
		},
		Gateways:  map[string]GatewayConfig{},
		Providers: map[string]ProviderConfig{},
		Model: ModelConfig{
			MaxAttempts: 3,
			Backoff:     time.Second,
			KeyCooldown: time.Minute,
			Temperature: 0.2,
		},
		Loop: LoopConfig{
			MaxIterations:          limits.MaxIterations,
			MaxConsecutiveFailures: limits.MaxConsecutiveFailures,
			MaxRepetitiveActions:   limits.MaxRepetitiveActions,
			ErrorThreshold:         limits.ErrorThreshold,
		},
		Workflow: WorkflowConfig{
			MaxRetries:         opts.MaxRetries,
			CheckpointInterval: opts.CheckpointInterval,
			StepTimeout:        opts.StepTimeout,
			RetryBaseDelay:     opts.RetryBaseDelay,
			PollInterval:       opts.PollInterval,
			ResumeInterval:     30 * time.Second,
		},
		Memory:  MemoryConfig{Type: "sqlite"},
		Logging: LoggingConfig{MaxSizeMB: 10},
	}
}

// Load reads the YAML file at path over the defaults and applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Printf("[Config] %s not found, using defaults and environment", path)
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
	}

	cfg.applyEnv(os.Getenv)
	cfg.fillPaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if c.Providers == nil {
		c.Providers = map[string]ProviderConfig{}
	}
	if c.Gateways == nil {
		c.Gateways = map[string]GatewayConfig{}
	}
	for provider, env := range map[string]string{
		"openai": "DROIDPILOT_OPENAI_KEYS",
		"gemini": "DROIDPILOT_GEMINI_KEYS",
	} {
		keys := splitList(getenv(env))
		if len(keys) == 0 {
			continue
		}
		p := c.Providers[provider]
		p.APIKey = ""
		p.APIKeys = keys
		p.Enabled = true
		c.Providers[provider] = p
	}
	for gateway, env := range map[string]string{
		"telegram": "DROIDPILOT_TELEGRAM_TOKEN",
		"discord":  "DROIDPILOT_DISCORD_TOKEN",
	} {
		if token := strings.TrimSpace(getenv(env)); token != "" {
			g := c.Gateways[gateway]
			g.Token = token
			g.Enabled = true
			c.Gateways[gateway] = g
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) fillPaths() {
	ws := c.App.Workspace
	if c.Memory.Path == "" {
		c.Memory.Path = filepath.Join(ws, "droidpilot.db")
	}
	if c.Logging.Path == "" {
		c.Logging.Path = filepath.Join(ws, "logs", "runs.jsonl")
	}
	if c.Workflow.TemplatesDir == "" {
		c.Workflow.TemplatesDir = filepath.Join(ws, "templates")
	}
}

// Validate rejects limits the loop and engine cannot run with.
func (c *Config) Validate() error {
	positive := map[string]int{
		"loop.max_iterations":           c.Loop.MaxIterations,
		"loop.max_consecutive_failures": c.Loop.MaxConsecutiveFailures,
		"loop.max_repetitive_actions":   c.Loop.MaxRepetitiveActions,
		"loop.error_threshold":          c.Loop.ErrorThreshold,
		"workflow.max_retries":          c.Workflow.MaxRetries,
		"workflow.checkpoint_interval":  c.Workflow.CheckpointInterval,
		"model.max_attempts":            c.Model.MaxAttempts,
	}
	names := make([]string, 0, len(positive))
	for name := range positive {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if positive[name] <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, positive[name])
		}
	}
	for name, d := range map[string]time.Duration{
		"workflow.step_timeout":     c.Workflow.StepTimeout,
		"workflow.poll_interval":    c.Workflow.PollInterval,
		"workflow.resume_interval":  c.Workflow.ResumeInterval,
		"workflow.retry_base_delay": c.Workflow.RetryBaseDelay,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	switch c.Device.Type {
	case "adb", "browser":
	default:
		return fmt.Errorf("unknown device type %q", c.Device.Type)
	}
	return nil
}

// DefaultProvider returns the enabled provider with credentials, preferring
// gemini, then openai, then the rest by name.
func (c *Config) DefaultProvider() (string, ProviderConfig) {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	rank := map[string]int{"gemini": 0, "openai": 1}
	sort.Slice(names, func(i, j int) bool {
		ri, iok := rank[names[i]]
		rj, jok := rank[names[j]]
		if iok != jok {
			return iok
		}
		if iok && ri != rj {
			return ri < rj
		}
		return names[i] < names[j]
	})
	for _, name := range names {
		p := c.Providers[name]
		if p.Enabled && len(p.Keys()) > 0 {
			return name, p
		}
	}
	return "", ProviderConfig{}
}

// TelegramConfig returns telegram config if enabled
func (c *Config) TelegramConfig() (GatewayConfig, bool) {
	return c.gateway("telegram")
}

// DiscordConfig returns discord config if enabled
func (c *Config) DiscordConfig() (GatewayConfig, bool) {
	return c.gateway("discord")
}

func (c *Config) gateway(name string) (GatewayConfig, bool) {
	g, ok := c.Gateways[name]
	if ok && g.Enabled && g.Token != "" {
		return g, true
	}
	return GatewayConfig{}, false
}

func (c *Config) LoopLimits() agent.Limits {
	return agent.Limits{
		MaxIterations:          c.Loop.MaxIterations,
		MaxConsecutiveFailures: c.Loop.MaxConsecutiveFailures,
		MaxRepetitiveActions:   c.Loop.MaxRepetitiveActions,
		ErrorThreshold:         c.Loop.ErrorThreshold,
	}
}

func (c *Config) EngineOptions() workflow.Options {
	return workflow.Options{
		MaxRetries:         c.Workflow.MaxRetries,
		CheckpointInterval: c.Workflow.CheckpointInterval,
		StepTimeout:        c.Workflow.StepTimeout,
		RetryBaseDelay:     c.Workflow.RetryBaseDelay,
		PollInterval:       c.Workflow.PollInterval,
	}
}
