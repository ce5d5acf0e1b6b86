package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/lazypower/quill/internal/memory"
	"github.com/pelletier/go-toml/v2"
)

// Config holds all quill configuration.
type Config struct {
	Server      ServerConfig      `toml:"server"`
	Database    DatabaseConfig    `toml:"database"`
	LLM         LLMConfig         `toml:"llm"`
	Memory      MemoryConfig      `toml:"memory"`
	Maintenance MaintenanceConfig `toml:"maintenance"`
	Log         LogConfig         `toml:"log"`
}

type ServerConfig struct {
	Bind string `toml:"bind"`
	Port int    `toml:"port"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type LLMConfig struct {
	Provider     string `toml:"provider"` // "heuristic", "claude-cli", "anthropic", "ollama"
	Model        string `toml:"model"`
	OllamaURL    string `toml:"ollama_url"`
	OllamaModel  string `toml:"ollama_model"`
	AnthropicKey string `toml:"anthropic_key"`
	Timeout      int    `toml:"timeout"` // seconds
}

// MemoryConfig overrides engine limits. Zero values keep the defaults.
type MemoryConfig struct {
	ActiveBudget      int     `toml:"active_budget"`
	CompressedBudget  int     `toml:"compressed_budget"`
	RuleBudget        int     `toml:"rule_budget"`
	ActiveTTLDays     int     `toml:"active_ttl_days"`
	CompressedTTLDays int     `toml:"compressed_ttl_days"`
	CompressAfterDays int     `toml:"compress_after_days"`
	DistillBatchSize  int     `toml:"distill_batch_size"`
	RuleOverwriteDays int     `toml:"rule_overwrite_days"`
	RuleDailyDecay    float64 `toml:"rule_daily_decay"`
}

type MaintenanceConfig struct {
	Enabled       bool `toml:"enabled"`
	DecayHours    int  `toml:"decay_hours"`
	CompressHours int  `toml:"compress_hours"`
	PurgeHours    int  `toml:"purge_hours"`
}

type LogConfig struct {
	Level       string `toml:"level"` // debug, info, warn, error
	Development bool   `toml:"development"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	limits := memory.DefaultLimits()
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37778,
		},
		Database: DatabaseConfig{
			Path: "", // resolved at runtime via store.DefaultDBPath()
		},
		LLM: LLMConfig{
			Provider: "heuristic",
			Timeout:  120,
		},
		Memory: MemoryConfig{
			ActiveBudget:      limits.ActiveBudget,
			CompressedBudget:  limits.CompressedBudget,
			RuleBudget:        limits.RuleBudget,
			ActiveTTLDays:     limits.ActiveTTLDays,
			CompressedTTLDays: limits.CompressedTTLDays,
			CompressAfterDays: limits.CompressAfterDays,
			DistillBatchSize:  limits.DistillBatchSize,
			RuleOverwriteDays: limits.RuleOverwriteDays,
			RuleDailyDecay:    limits.RuleDailyDecay,
		},
		Maintenance: MaintenanceConfig{
			Enabled:       true,
			DecayHours:    24,
			CompressHours: 24 * 7,
			PurgeHours:    24 * 30,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// DefaultPath returns the default config path: ~/.quill/config.toml
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".quill", "config.toml"), nil
}

// Load reads the TOML file at path over Default(). A missing file is not an
// error. Environment overrides are applied last.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("read config: %w", err)
		default:
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() {
	if p := os.Getenv("QUILL_DB"); p != "" {
		c.Database.Path = p
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && c.LLM.AnthropicKey == "" {
		c.LLM.AnthropicKey = key
		if c.LLM.Provider == "heuristic" {
			c.LLM.Provider = "anthropic"
		}
	}
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if d := c.Memory.RuleDailyDecay; d < 0 || d > 1 {
		return fmt.Errorf("memory.rule_daily_decay %v must be within [0,1]", d)
	}
	switch c.LLM.Provider {
	case "heuristic", "claude-cli", "anthropic", "ollama":
	default:
		return fmt.Errorf("unknown llm.provider %q", c.LLM.Provider)
	}
	return nil
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

// Limits maps the memory section onto engine limits.
func (c *Config) Limits() memory.Limits {
	l := memory.DefaultLimits()
	l.ActiveBudget = c.Memory.ActiveBudget
	l.CompressedBudget = c.Memory.CompressedBudget
	l.RuleBudget = c.Memory.RuleBudget
	l.ActiveTTLDays = c.Memory.ActiveTTLDays
	l.CompressedTTLDays = c.Memory.CompressedTTLDays
	l.CompressAfterDays = c.Memory.CompressAfterDays
	l.DistillBatchSize = c.Memory.DistillBatchSize
	l.RuleOverwriteDays = c.Memory.RuleOverwriteDays
	l.RuleDailyDecay = c.Memory.RuleDailyDecay
	return l.WithDefaults()
}

// Intervals returns the maintenance periods; zero hours fall back to defaults.
func (m MaintenanceConfig) Intervals() (decay, compress, purge time.Duration) {
	hours := func(h, def int) time.Duration {
		if h <= 0 {
			h = def
		}
		return time.Duration(h) * time.Hour
	}
	return hours(m.DecayHours, 24), hours(m.CompressHours, 24*7), hours(m.PurgeHours, 24*30)
}
