package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Storage    StorageConfig    `json:"storage"`
	Embedding  EmbeddingConfig  `json:"embedding"`
	Generation GenerationConfig `json:"generation"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

// StorageConfig selects exactly one backend for the process lifetime.
type StorageConfig struct {
	Backend  string         `json:"backend"` // postgres | remote | memory
	Postgres PostgresConfig `json:"postgres"`
	Remote   RemoteConfig   `json:"remote"`
}

type PostgresConfig struct {
	DSN           string `json:"dsn"`
	MigrationsDir string `json:"migrations_dir"`
}

// RemoteConfig points at a PostgREST-compatible table API (e.g. Supabase).
type RemoteConfig struct {
	URL    string `json:"url"`
	APIKey string `json:"api_key"`
	Schema string `json:"schema,omitempty"`
}

type EmbeddingConfig struct {
	Provider       string      `json:"provider"` // api | local | onnx
	Endpoint       string      `json:"endpoint"`
	Model          string      `json:"model"`
	APIKey         string      `json:"api_key"`
	Dimension      int         `json:"dimension"`
	TimeoutSeconds int         `json:"timeout_seconds"`
	ModelPath      string      `json:"model_path,omitempty"`
	TokenizerPath  string      `json:"tokenizer_path,omitempty"`
	RuntimePath    string      `json:"runtime_path,omitempty"`
	Cache          CacheConfig `json:"cache"`
}

type CacheConfig struct {
	Size       int64  `json:"size"`
	RedisURL   string `json:"redis_url"`
	TTLSeconds int    `json:"ttl_seconds"`
}

type GenerationConfig struct {
	Providers      []ProviderConfig `json:"providers"`
	Default        string           `json:"default"`
	Fallbacks      []string         `json:"fallbacks,omitempty"`
	HistoryWindow  int              `json:"history_window"`
	MaxNewTokens   int              `json:"max_new_tokens"`
	Temperature    float64          `json:"temperature"`
	TopP           float64          `json:"top_p"`
	TimeoutSeconds int              `json:"timeout_seconds"`
}

type ProviderConfig struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"` // huggingface | openai | anthropic
	Name     string            `json:"name"`
	Endpoint string            `json:"endpoint"`
	APIKey   string            `json:"api_key"`
	Model    string            `json:"model"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// Timeout returns the per-call embedding budget.
func (c EmbeddingConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// Timeout returns the per-call generation budget.
func (c GenerationConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes raw JSON config, resolving ${VAR} references and applying defaults.
func Parse(data []byte) (*Config, error) {
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Storage.Postgres.MigrationsDir == "" {
		c.Storage.Postgres.MigrationsDir = "migrations"
	}
	if c.Embedding.Provider == "" {
		c.Embedding.Provider = "onnx"
	}
	if c.Embedding.Model == "" {
		c.Embedding.Model = "all-MiniLM-L6-v2"
	}
	if c.Embedding.Dimension == 0 {
		c.Embedding.Dimension = 384
	}
	if c.Embedding.TimeoutSeconds == 0 {
		c.Embedding.TimeoutSeconds = 30
	}
	if c.Embedding.Cache.Size == 0 {
		c.Embedding.Cache.Size = 10000
	}
	if c.Generation.HistoryWindow == 0 {
		c.Generation.HistoryWindow = 10
	}
	if c.Generation.MaxNewTokens == 0 {
		c.Generation.MaxNewTokens = 256
	}
	if c.Generation.Temperature == 0 {
		c.Generation.Temperature = 0.7
	}
	if c.Generation.TopP == 0 {
		c.Generation.TopP = 0.9
	}
	if c.Generation.TimeoutSeconds == 0 {
		c.Generation.TimeoutSeconds = 60
	}
}

func (c *Config) validate() error {
	switch c.Storage.Backend {
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres backend")
		}
	case "remote":
		if c.Storage.Remote.URL == "" {
			return fmt.Errorf("storage.remote.url is required for the remote backend")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Embedding.Dimension < 0 {
		return fmt.Errorf("embedding.dimension must be positive")
	}
	return nil
}
