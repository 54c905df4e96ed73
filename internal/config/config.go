// Package config loads and manages chatcore configuration.
// Configuration source priority (highest to lowest):
// 1. Environment variables (LLM_API_KEY, LLM_BASE_URL, LLM_MODEL, ANTHROPIC_API_KEY, CHATCORE_*)
// 2. Config file path specified via --config flag
// 3. ~/.config/chatcore/config.yaml
package config

import (
	_ "embed"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	errUtils "github.com/apexion-ai/chatcore/errors"
	"github.com/apexion-ai/chatcore/internal/overflow"
	"github.com/apexion-ai/chatcore/internal/prompt"
)

//go:embed providers_default.yaml
var defaultProvidersYAML []byte

// ProviderDefaults holds the default base URL and model for a provider.
type ProviderDefaults struct {
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
}

// LoadProviderDefaults parses the embedded defaults and merges any user
// overrides from ~/.config/chatcore/providers.yaml.
func LoadProviderDefaults() map[string]ProviderDefaults {
	defs := make(map[string]ProviderDefaults)
	_ = yaml.Unmarshal(defaultProvidersYAML, &defs)

	dir, err := Dir()
	if err != nil {
		return defs
	}
	data, err := os.ReadFile(filepath.Join(dir, "providers.yaml"))
	if err != nil {
		return defs
	}
	userDefs := make(map[string]ProviderDefaults)
	if yaml.Unmarshal(data, &userDefs) != nil {
		return defs
	}
	for name, ud := range userDefs {
		d := defs[name]
		if ud.BaseURL != "" {
			d.BaseURL = ud.BaseURL
		}
		if ud.DefaultModel != "" {
			d.DefaultModel = ud.DefaultModel
		}
		defs[name] = d
	}
	return defs
}

// ProviderConfig holds configuration for a single provider.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// SamplingConfig holds default sampling parameters. nil = provider default.
type SamplingConfig struct {
	Temperature *float64 `yaml:"temperature"`
	TopP        *float64 `yaml:"top_p"`
	MaxTokens   int      `yaml:"max_tokens"`
}

// PromptConfig tunes request assembly.
type PromptConfig struct {
	SummaryDisclaimer  string   `yaml:"summary_disclaimer"`
	RelevanceMinLength int      `yaml:"relevance_min_length"`
	HistoryKeywords    []string `yaml:"history_keywords"`
}

// SummarizerConfig enables LLM summarization for the summarize strategy.
type SummarizerConfig struct {
	Enabled bool `yaml:"enabled"`
	// Model used for summaries. Empty = the chat model.
	Model string `yaml:"model"`
}

// StorageConfig selects the message and window backends.
type StorageConfig struct {
	// Driver: "sqlite" (default) | "memory"
	Driver string `yaml:"driver"`
	// Path of the SQLite database. Empty = ~/.local/share/chatcore/chat.db
	Path string `yaml:"path"`
	// ContextBackend: "" (same as Driver) | "sqlite" | "redis" | "memory"
	ContextBackend string `yaml:"context_backend"`
	RedisURL       string `yaml:"redis_url"`
	RedisPrefix    string `yaml:"redis_prefix"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	// Level: debug | info | warn | error
	Level string `yaml:"level"`
	// Format: text | json
	Format string `yaml:"format"`
}

// JournalConfig enables the JSONL turn journal. Empty path = disabled.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// CostPricingEntry is a user-defined pricing override for a model.
type CostPricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// Config is the complete configuration structure for chatcore.
type Config struct {
	// Provider is the active provider name (e.g. "deepseek", "anthropic", "openai")
	Provider string `yaml:"provider"`

	// Model overrides the provider's default model.
	Model string `yaml:"model"`

	// Providers holds per-provider configuration.
	Providers map[string]*ProviderConfig `yaml:"providers"`

	// SystemPrompt is sent as the first turn of every request when set.
	SystemPrompt string `yaml:"system_prompt"`

	Sampling   SamplingConfig   `yaml:"sampling"`
	Overflow   overflow.Config  `yaml:"overflow"`
	Prompt     PromptConfig     `yaml:"prompt"`
	Summarizer SummarizerConfig `yaml:"summarizer"`
	Storage    StorageConfig    `yaml:"storage"`
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Journal    JournalConfig    `yaml:"journal"`

	// TurnTimeout bounds one turn end to end.
	TurnTimeout time.Duration `yaml:"turn_timeout"`

	// MaxRetries re-issues a request that failed before any output was
	// streamed (rate limits, 5xx, network errors). 0 = no retries.
	MaxRetries int `yaml:"max_retries"`

	// CostPricing holds user-defined pricing overrides for usage tracking.
	CostPricing map[string]CostPricingEntry `yaml:"cost_pricing"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Provider:  "openai",
		Providers: make(map[string]*ProviderConfig),
		Overflow: overflow.Config{
			Type:          overflow.TypeSlidingWindow,
			MaxTokens:     8000,
			ReservedRatio: 0.2,
		},
		Prompt: PromptConfig{
			RelevanceMinLength: prompt.DefaultRelevanceMinLength,
		},
		Storage: StorageConfig{
			Driver:      "sqlite",
			RedisPrefix: "chatcore:",
		},
		Server:      ServerConfig{Addr: "127.0.0.1:8080"},
		Log:         LogConfig{Level: "info", Format: "text"},
		TurnTimeout: 5 * time.Minute,
		MaxRetries:  2,
	}
}

// Dir returns ~/.config/chatcore.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "cannot determine home directory")
	}
	return filepath.Join(home, ".config", "chatcore"), nil
}

// Load reads the config file and merges environment variable overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath == "" {
		if dir, err := Dir(); err == nil {
			configPath = filepath.Join(dir, "config.yaml")
		}
	}

	// A missing file leaves the defaults.
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(errUtils.ErrInvalidConfig, "config file %s: %v", configPath, err)
		}
	}

	if cfg.Providers == nil {
		cfg.Providers = make(map[string]*ProviderConfig)
	}
	applyEnvOverrides(cfg)

	return cfg, nil
}

// Validate rejects settings the runtime cannot start with.
func (c *Config) Validate() error {
	if c.Provider == "" {
		return errors.Wrap(errUtils.ErrInvalidConfig, "provider is empty")
	}
	if err := c.Overflow.Validate(); err != nil {
		return err
	}
	switch c.Storage.Driver {
	case "sqlite", "memory":
	default:
		return errors.Wrapf(errUtils.ErrInvalidConfig, "storage.driver %q: want sqlite or memory", c.Storage.Driver)
	}
	switch c.Storage.ContextBackend {
	case "", "sqlite", "memory":
	case "redis":
		if c.Storage.RedisURL == "" {
			return errors.Wrap(errUtils.ErrInvalidConfig, "storage.redis_url is required for the redis context backend")
		}
	default:
		return errors.Wrapf(errUtils.ErrInvalidConfig, "storage.context_backend %q", c.Storage.ContextBackend)
	}
	if c.Storage.ContextBackend == "sqlite" && c.Storage.Driver != "sqlite" {
		return errors.Wrap(errUtils.ErrInvalidConfig, "storage.context_backend sqlite needs storage.driver sqlite")
	}
	if c.MaxRetries < 0 {
		return errors.Wrapf(errUtils.ErrInvalidConfig, "max_retries %d is negative", c.MaxRetries)
	}
	if c.TurnTimeout < 0 {
		return errors.Wrapf(errUtils.ErrInvalidConfig, "turn_timeout %s is negative", c.TurnTimeout)
	}
	return nil
}

// ContextBackend resolves the window store backend.
func (c *Config) ContextBackend() string {
	if c.Storage.ContextBackend != "" {
		return c.Storage.ContextBackend
	}
	return c.Storage.Driver
}

// GetProviderConfig returns the config for the named provider, or an empty config if not found.
func (c *Config) GetProviderConfig(name string) *ProviderConfig {
	if pc, ok := c.Providers[name]; ok {
		return pc
	}
	return &ProviderConfig{}
}

// PromptOptions converts the prompt section for prompt.NewAssembler.
func (c *Config) PromptOptions() prompt.Options {
	return prompt.Options{
		SummaryDisclaimer:  c.Prompt.SummaryDisclaimer,
		RelevanceMinLength: c.Prompt.RelevanceMinLength,
		HistoryKeywords:    c.Prompt.HistoryKeywords,
	}
}

var (
	// KnownProviderBaseURLs maps well-known provider names to their base URLs.
	// Populated from providers_default.yaml (embedded) + user overrides.
	KnownProviderBaseURLs map[string]string

	// KnownProviderModels maps well-known provider names to their default models.
	// Populated from providers_default.yaml (embedded) + user overrides.
	KnownProviderModels map[string]string
)

func init() {
	defs := LoadProviderDefaults()
	KnownProviderBaseURLs = make(map[string]string, len(defs))
	KnownProviderModels = make(map[string]string, len(defs))
	for name, d := range defs {
		if d.BaseURL != "" {
			KnownProviderBaseURLs[name] = d.BaseURL
		}
		if d.DefaultModel != "" {
			KnownProviderModels[name] = d.DefaultModel
		}
	}
}

// applyEnvOverrides applies environment variable overrides to the config.
func applyEnvOverrides(cfg *Config) {
	// Generic overrides
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		providerConfig(cfg, cfg.Provider).APIKey = v
	}
	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		providerConfig(cfg, cfg.Provider).BaseURL = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.Model = v
	}

	// Anthropic-specific
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		providerConfig(cfg, "anthropic").APIKey = v
	}

	// Provider selection
	if v := os.Getenv("CHATCORE_PROVIDER"); v != "" {
		cfg.Provider = v
	}
	if v := os.Getenv("CHATCORE_MODEL"); v != "" {
		cfg.Model = v
	}

	// Storage and runtime
	if v := os.Getenv("CHATCORE_DB_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("CHATCORE_REDIS_URL"); v != "" {
		cfg.Storage.RedisURL = v
		if cfg.Storage.ContextBackend == "" {
			cfg.Storage.ContextBackend = "redis"
		}
	}
	if v := os.Getenv("CHATCORE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

func providerConfig(cfg *Config, name string) *ProviderConfig {
	if cfg.Providers[name] == nil {
		cfg.Providers[name] = &ProviderConfig{}
	}
	return cfg.Providers[name]
}
