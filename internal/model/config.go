package model

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// CacheConfig holds tuning for the local message cache and prefetch.
type CacheConfig struct {
	// Path is the SQLite database location. Empty means the default
	// under the state directory.
	Path string `mapstructure:"path" yaml:"path"`

	// PageSize is the number of threads per listing page.
	PageSize int `mapstructure:"page_size" yaml:"page_size"`

	// PrefetchRadius is how many neighboring messages to prefetch
	// around the focused one.
	PrefetchRadius int `mapstructure:"prefetch_radius" yaml:"prefetch_radius"`

	// PrefetchDebounceMs is the quiescence window before prefetch
	// fires after the focus position changes.
	PrefetchDebounceMs int `mapstructure:"prefetch_debounce_ms" yaml:"prefetch_debounce_ms"`
}

// AIConfig holds settings for the optional summarization side channel.
type AIConfig struct {
	Model     string `mapstructure:"model" yaml:"model"`
	MaxTokens int    `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// LogConfig controls the file logger. The interactive surface owns the
// terminal, so logs never go to stdout.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	Path  string `mapstructure:"path" yaml:"path"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Accounts       []Account   `mapstructure:"accounts" yaml:"accounts"`
	DefaultAccount string      `mapstructure:"default_account" yaml:"default_account"`
	Cache          CacheConfig `mapstructure:"cache" yaml:"cache"`
	AI             AIConfig    `mapstructure:"ai" yaml:"ai"`
	Log            LogConfig   `mapstructure:"log" yaml:"log"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailterm/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailterm", "config.yaml")
}

// DefaultCachePath returns the default SQLite database location under
// the user state directory.
func DefaultCachePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "mailterm.db")
	}
	return filepath.Join(home, ".local", "state", "mailterm", "cache.db")
}

// DefaultLogPath returns the default log file location under the user
// state directory.
func DefaultLogPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "mailterm.log")
	}
	return filepath.Join(home, ".local", "state", "mailterm", "mailterm.log")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		Cache: CacheConfig{
			Path:               DefaultCachePath(),
			PageSize:           50,
			PrefetchRadius:     5,
			PrefetchDebounceMs: 150,
		},
		AI: AIConfig{
			Model:     "claude-sonnet-4-5-20250929",
			MaxTokens: 1024,
		},
		Log: LogConfig{
			Level: "info",
			Path:  DefaultLogPath(),
		},
	}
}

// LoadConfig reads configuration from the given YAML file path using
// Viper. If the file does not exist, it returns a default configuration.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Set defaults so missing keys resolve to sensible values.
	v.SetDefault("cache.page_size", 50)
	v.SetDefault("cache.prefetch_radius", 5)
	v.SetDefault("cache.prefetch_debounce_ms", 150)
	v.SetDefault("ai.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("ai.max_tokens", 1024)
	v.SetDefault("log.level", "info")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return defaultAppConfig(), nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return defaultAppConfig(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if cfg.Cache.Path == "" {
		cfg.Cache.Path = DefaultCachePath()
	}
	if cfg.Log.Path == "" {
		cfg.Log.Path = DefaultLogPath()
	}

	// Apply defaults for each account entry.
	for i := range cfg.Accounts {
		if cfg.Accounts[i].Auth == "" {
			cfg.Accounts[i].Auth = AuthPassword
		}
		if cfg.Accounts[i].IMAPPort == "" {
			cfg.Accounts[i].IMAPPort = "993"
		}
		if cfg.Accounts[i].SMTPPort == "" {
			cfg.Accounts[i].SMTPPort = "587"
		}
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("accounts", cfg.Accounts)
	v.Set("default_account", cfg.DefaultAccount)
	v.Set("cache", cfg.Cache)
	v.Set("ai", cfg.AI)
	v.Set("log", cfg.Log)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
