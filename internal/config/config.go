// Package config loads learnd's configuration from learnd.yaml and
// LEARND_* environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/HendryAvila/learnd/internal/learning"
	"github.com/HendryAvila/learnd/internal/machine"
	"github.com/HendryAvila/learnd/internal/memory"
	"github.com/HendryAvila/learnd/internal/stores"
)

// Extractor providers.
const (
	ProviderAuto      = "auto"
	ProviderAnthropic = "anthropic"
	ProviderRules     = "rules"
)

// Knowledge search backends.
const (
	SearchVector  = "vector"
	SearchKeyword = "keyword"
)

// Similarity policies.
const (
	SimilarityOverlap = "overlap"
	SimilarityCosine  = "cosine"
)

type Config struct {
	DataDir     string                 `yaml:"data_dir" mapstructure:"data_dir"`
	LogLevel    string                 `yaml:"log_level" mapstructure:"log_level"`
	DetailLevel string                 `yaml:"detail_level" mapstructure:"detail_level"`
	Stores      map[string]StoreConfig `yaml:"stores" mapstructure:"stores"`
	Scheduler   SchedulerConfig        `yaml:"scheduler" mapstructure:"scheduler"`
	Extractor   ExtractorConfig        `yaml:"extractor" mapstructure:"extractor"`
	Drafts      DraftsConfig           `yaml:"drafts" mapstructure:"drafts"`
	Knowledge   KnowledgeConfig        `yaml:"knowledge" mapstructure:"knowledge"`
	Storage     StorageConfig          `yaml:"storage" mapstructure:"storage"`
}

type StoreConfig struct {
	Enabled        bool   `yaml:"enabled" mapstructure:"enabled"`
	Mode           string `yaml:"mode" mapstructure:"mode"`
	stores.Options `yaml:",inline" mapstructure:",squash"`
}

type SchedulerConfig struct {
	Workers          int           `yaml:"workers" mapstructure:"workers"`
	MaxQueueDepth    int           `yaml:"max_queue_depth" mapstructure:"max_queue_depth"`
	MaxRequeues      int           `yaml:"max_requeues" mapstructure:"max_requeues"`
	ExtractAttempts  int           `yaml:"extract_attempts" mapstructure:"extract_attempts"`
	ExtractBaseDelay time.Duration `yaml:"extract_base_delay" mapstructure:"extract_base_delay"`
	ExtractMaxDelay  time.Duration `yaml:"extract_max_delay" mapstructure:"extract_max_delay"`
	MaxPendingTurns  int           `yaml:"max_pending_turns" mapstructure:"max_pending_turns"`
	SnapshotTTL      time.Duration `yaml:"snapshot_ttl" mapstructure:"snapshot_ttl"`
}

type ExtractorConfig struct {
	// Provider is auto, anthropic or rules. Auto uses Anthropic when an
	// API key is available.
	Provider  string `yaml:"provider" mapstructure:"provider"`
	APIKey    string `yaml:"api_key" mapstructure:"api_key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

type DraftsConfig struct {
	// RedisURL selects the Redis draft store. Empty keeps drafts in process.
	RedisURL      string        `yaml:"redis_url" mapstructure:"redis_url"`
	Prefix        string        `yaml:"prefix" mapstructure:"prefix"`
	TTL           time.Duration `yaml:"ttl" mapstructure:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
}

type KnowledgeConfig struct {
	Search     string  `yaml:"search" mapstructure:"search"`
	Dimensions int     `yaml:"dimensions" mapstructure:"dimensions"`
	Similarity string  `yaml:"similarity" mapstructure:"similarity"`
	Threshold  float64 `yaml:"threshold" mapstructure:"threshold"`
}

type StorageConfig struct {
	MaxContentLength int `yaml:"max_content_length" mapstructure:"max_content_length"`
	MaxSearchResults int `yaml:"max_search_results" mapstructure:"max_search_results"`
}

var envVarRe = regexp.MustCompile(`\$([A-Z_][A-Z0-9_]*)`)

func expandEnv(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimPrefix(match, "$")
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

func DefaultConfig() *Config {
	mc := machine.DefaultConfig()
	sc := make(map[string]StoreConfig, len(mc.Stores))
	for t, s := range mc.Stores {
		sc[string(t)] = StoreConfig{Enabled: true, Mode: string(s.Mode)}
	}
	mem := memory.DefaultConfig()
	return &Config{
		DataDir:     mem.DataDir,
		LogLevel:    "info",
		DetailLevel: mc.DetailLevel,
		Stores:      sc,
		Scheduler: SchedulerConfig{
			Workers:          mc.Workers,
			MaxQueueDepth:    mc.MaxQueueDepth,
			MaxRequeues:      mc.MaxRequeues,
			ExtractAttempts:  mc.ExtractBackoff.Attempts,
			ExtractBaseDelay: mc.ExtractBackoff.BaseDelay,
			ExtractMaxDelay:  mc.ExtractBackoff.MaxDelay,
			MaxPendingTurns:  mc.MaxPendingTurns,
			SnapshotTTL:      mc.SnapshotTTL,
		},
		Extractor: ExtractorConfig{Provider: ProviderAuto, MaxTokens: 2048},
		Drafts:    DraftsConfig{Prefix: "learnd", TTL: 24 * time.Hour, SweepInterval: time.Minute},
		Knowledge: KnowledgeConfig{Search: SearchVector, Dimensions: 256, Similarity: SimilarityOverlap, Threshold: 0.8},
		Storage: StorageConfig{
			MaxContentLength: mem.MaxContentLength,
			MaxSearchResults: mem.MaxSearchResults,
		},
	}
}

// setDefaults registers every key so LEARND_* variables can override values
// that the config file does not mention.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("detail_level", cfg.DetailLevel)
	for name, s := range cfg.Stores {
		v.SetDefault("stores."+name+".enabled", s.Enabled)
		v.SetDefault("stores."+name+".mode", s.Mode)
		v.SetDefault("stores."+name+".planning", s.Planning)
		v.SetDefault("stores."+name+".limit", s.Limit)
		v.SetDefault("stores."+name+".instructions", s.Instructions)
	}
	v.SetDefault("scheduler.workers", cfg.Scheduler.Workers)
	v.SetDefault("scheduler.max_queue_depth", cfg.Scheduler.MaxQueueDepth)
	v.SetDefault("scheduler.max_requeues", cfg.Scheduler.MaxRequeues)
	v.SetDefault("scheduler.extract_attempts", cfg.Scheduler.ExtractAttempts)
	v.SetDefault("scheduler.extract_base_delay", cfg.Scheduler.ExtractBaseDelay)
	v.SetDefault("scheduler.extract_max_delay", cfg.Scheduler.ExtractMaxDelay)
	v.SetDefault("scheduler.max_pending_turns", cfg.Scheduler.MaxPendingTurns)
	v.SetDefault("scheduler.snapshot_ttl", cfg.Scheduler.SnapshotTTL)
	v.SetDefault("extractor.provider", cfg.Extractor.Provider)
	v.SetDefault("extractor.api_key", cfg.Extractor.APIKey)
	v.SetDefault("extractor.model", cfg.Extractor.Model)
	v.SetDefault("extractor.max_tokens", cfg.Extractor.MaxTokens)
	v.SetDefault("drafts.redis_url", cfg.Drafts.RedisURL)
	v.SetDefault("drafts.prefix", cfg.Drafts.Prefix)
	v.SetDefault("drafts.ttl", cfg.Drafts.TTL)
	v.SetDefault("drafts.sweep_interval", cfg.Drafts.SweepInterval)
	v.SetDefault("knowledge.search", cfg.Knowledge.Search)
	v.SetDefault("knowledge.dimensions", cfg.Knowledge.Dimensions)
	v.SetDefault("knowledge.similarity", cfg.Knowledge.Similarity)
	v.SetDefault("knowledge.threshold", cfg.Knowledge.Threshold)
	v.SetDefault("storage.max_content_length", cfg.Storage.MaxContentLength)
	v.SetDefault("storage.max_search_results", cfg.Storage.MaxSearchResults)
}

// Load reads the configuration. An explicit file must exist; without one,
// learnd.yaml is searched in the working directory, $XDG_CONFIG_HOME/learnd
// and ~/.config/learnd, and a missing file means defaults.
func Load(file string) (*Config, error) {
	cfg := DefaultConfig()
	v := viper.New()
	setDefaults(v, cfg)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("learnd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			v.AddConfigPath(filepath.Join(xdg, "learnd"))
		}
		home, _ := os.UserHomeDir()
		v.AddConfigPath(filepath.Join(home, ".config", "learnd"))
	}

	v.SetEnvPrefix("LEARND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || file != "" {
			return nil, fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.Extractor.APIKey = expandEnv(cfg.Extractor.APIKey)
	cfg.Drafts.RedisURL = expandEnv(cfg.Drafts.RedisURL)
	cfg.DataDir = expandEnv(cfg.DataDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	for name, s := range c.Stores {
		t := learning.StoreType(name)
		if stores.SupportedModes(t) == nil {
			return fmt.Errorf("config: unknown store %q", name)
		}
		if !s.Enabled {
			continue
		}
		mode, ok := learning.ParseMode(s.Mode)
		if !ok {
			return fmt.Errorf("config: store %s has invalid mode %q (must be always, agentic or propose)", name, s.Mode)
		}
		if !stores.Supports(t, mode) {
			return fmt.Errorf("config: store %s does not support mode %q: %w", name, mode, learning.ErrUnsupportedMode)
		}
	}
	switch c.Extractor.Provider {
	case ProviderAuto, ProviderRules:
	case ProviderAnthropic:
		if c.Extractor.APIKey == "" && os.Getenv("ANTHROPIC_API_KEY") == "" {
			return fmt.Errorf("config: extractor provider anthropic requires api_key or ANTHROPIC_API_KEY")
		}
	default:
		return fmt.Errorf("config: extractor has invalid provider %q (must be auto, anthropic or rules)", c.Extractor.Provider)
	}
	if c.Knowledge.Search != SearchVector && c.Knowledge.Search != SearchKeyword {
		return fmt.Errorf("config: knowledge.search must be vector or keyword, got %q", c.Knowledge.Search)
	}
	if c.Knowledge.Similarity != SimilarityOverlap && c.Knowledge.Similarity != SimilarityCosine {
		return fmt.Errorf("config: knowledge.similarity must be overlap or cosine, got %q", c.Knowledge.Similarity)
	}
	if c.Scheduler.Workers < 1 {
		c.Scheduler.Workers = 1
	}
	if c.Scheduler.ExtractAttempts < 1 {
		c.Scheduler.ExtractAttempts = 1
	}
	return nil
}

// Machine converts the file configuration into the machine's.
func (c *Config) Machine() machine.Config {
	mc := machine.Config{
		Stores:        make(map[learning.StoreType]machine.StoreConfig),
		Workers:       c.Scheduler.Workers,
		MaxQueueDepth: c.Scheduler.MaxQueueDepth,
		MaxRequeues:   c.Scheduler.MaxRequeues,
		ExtractBackoff: learning.Backoff{
			Attempts:  c.Scheduler.ExtractAttempts,
			BaseDelay: c.Scheduler.ExtractBaseDelay,
			MaxDelay:  c.Scheduler.ExtractMaxDelay,
		},
		MaxPendingTurns: c.Scheduler.MaxPendingTurns,
		SnapshotTTL:     c.Scheduler.SnapshotTTL,
		DetailLevel:     memory.ParseDetailLevel(c.DetailLevel),
	}
	for name, s := range c.Stores {
		if !s.Enabled {
			continue
		}
		mode, _ := learning.ParseMode(s.Mode)
		mc.Stores[learning.StoreType(name)] = machine.StoreConfig{Mode: mode, Options: s.Options}
	}
	return mc
}

// Memory returns the gateway configuration.
func (c *Config) Memory() memory.Config {
	return memory.Config{
		DataDir:          c.DataDir,
		MaxContentLength: c.Storage.MaxContentLength,
		MaxSearchResults: c.Storage.MaxSearchResults,
	}
}

// SlogLevel maps log_level to a slog level; unknown values mean info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
