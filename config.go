package fetchcache

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	ttlrules "github.com/always-cache/fetch-cache/pkg/ttl-rules"
	"github.com/always-cache/fetch-cache/resolver"
)

const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

type Config struct {
	Listen     string           `yaml:"listen"`
	Cache      CacheConfig      `yaml:"cache"`
	Strategies StrategiesConfig `yaml:"strategies"`
	Fetchers   FetchersConfig   `yaml:"fetchers"`
	Processing ProcessingConfig `yaml:"processing"`
}

type CacheConfig struct {
	// Backend is one of memory, file and sqlite.
	Backend string `yaml:"backend"`
	// Path is the directory of the file backend or the sqlite database file.
	Path            string         `yaml:"path"`
	MaxSizeBytes    int64          `yaml:"maxSizeBytes"`
	MaxItems        int            `yaml:"maxItems"`
	DefaultTTL      time.Duration  `yaml:"defaultTTL"`
	CleanupInterval time.Duration  `yaml:"cleanupInterval"`
	Rules           ttlrules.Rules `yaml:"rules"`
}

type StrategiesConfig struct {
	// Path of the strategy table. The table is kept in memory only if empty.
	Path           string                     `yaml:"path"`
	Mode           resolver.Mode              `yaml:"mode"`
	Cascades       map[resolver.Mode][]string `yaml:"cascades"`
	AttemptTimeout time.Duration              `yaml:"attemptTimeout"`
}

type FetchersConfig struct {
	Native   NativeConfig   `yaml:"native"`
	Enhanced EnhancedConfig `yaml:"enhanced"`
}

type NativeConfig struct {
	UserAgent         string  `yaml:"userAgent"`
	MaxBytes          int64   `yaml:"maxBytes"`
	MaxRedirects      int     `yaml:"maxRedirects"`
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	Burst             int     `yaml:"burst"`
	SufficiencyCheck  bool    `yaml:"sufficiencyCheck"`
}

type EnhancedConfig struct {
	Enabled        bool          `yaml:"enabled"`
	RemoteURL      string        `yaml:"remoteURL"`
	BlockResources []string      `yaml:"blockResources"`
	SettleTime     time.Duration `yaml:"settleTime"`
	StartTimeout   time.Duration `yaml:"startTimeout"`
}

type ProcessingConfig struct {
	Clean   bool          `yaml:"clean"`
	Extract ExtractConfig `yaml:"extract"`
}

type ExtractConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"baseURL"`
	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv     string        `yaml:"apiKeyEnv"`
	MaxInputBytes int           `yaml:"maxInputBytes"`
	Timeout       time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the configuration used for settings a config file
// leaves out.
func DefaultConfig() Config {
	return Config{
		Listen: ":8080",
		Cache: CacheConfig{
			Backend:    BackendMemory,
			DefaultTTL: time.Hour,
		},
		Strategies: StrategiesConfig{
			Mode:           resolver.ModeCheapFirst,
			AttemptTimeout: resolver.DefaultAttemptTimeout,
		},
		Fetchers: FetchersConfig{
			Native:   NativeConfig{SufficiencyCheck: true},
			Enhanced: EnhancedConfig{Enabled: true},
		},
		Processing: ProcessingConfig{
			Clean: true,
			Extract: ExtractConfig{
				APIKeyEnv: "OPENAI_API_KEY",
			},
		},
	}
}

// LoadConfig reads a YAML config file on top of DefaultConfig.
func LoadConfig(filename string) (Config, error) {
	config := DefaultConfig()
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	if err := yaml.Unmarshal(configBytes, &config); err != nil {
		return config, fmt.Errorf("parse %s: %w", filename, err)
	}
	return config, config.Validate()
}

func (c Config) Validate() error {
	switch c.Cache.Backend {
	case BackendMemory:
	case BackendFile, BackendSQLite:
		if c.Cache.Path == "" {
			return fmt.Errorf("cache backend %s needs a path", c.Cache.Backend)
		}
	default:
		return fmt.Errorf("unsupported cache backend: %q", c.Cache.Backend)
	}
	if c.Cache.MaxSizeBytes < 0 || c.Cache.MaxItems < 0 {
		return fmt.Errorf("cache limits cannot be negative")
	}
	if c.Cache.DefaultTTL < 0 || c.Cache.CleanupInterval < 0 || c.Strategies.AttemptTimeout < 0 {
		return fmt.Errorf("durations cannot be negative")
	}
	if c.Processing.Extract.Enabled && c.Processing.Extract.Model == "" {
		return fmt.Errorf("extraction needs a model")
	}
	return nil
}
