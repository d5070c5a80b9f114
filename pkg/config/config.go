// Copyright 2026 Sage Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
// Package config loads service configuration from environment variables
// and an optional YAML file.
//
// Priority: env vars > config file > defaults.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/sagecore/sage/pkg/sageerr"
)

const redactedPlaceholder = "***REDACTED***"

// Config holds all configuration for the memory service.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Generator GeneratorConfig `mapstructure:"generator"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// DatabaseConfig holds Postgres pool settings.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"ssl_mode"`

	MinConnections int `mapstructure:"min_connections"`
	MaxConnections int `mapstructure:"max_connections"`
	// CommandTimeoutSeconds bounds each statement.
	CommandTimeoutSeconds int `mapstructure:"command_timeout_seconds"`
}

// DSN builds a libpq keyword/value connection string.
// Values are single-quoted to handle special characters safely.
func (c DatabaseConfig) DSN() string {
	dsn := fmt.Sprintf("host=%s port=%d dbname=%s sslmode=%s",
		quoteDSNValue(c.Host), c.Port, quoteDSNValue(c.Name), quoteDSNValue(c.SSLMode))
	if c.User != "" {
		dsn += fmt.Sprintf(" user=%s", quoteDSNValue(c.User))
	}
	if c.Password != "" {
		dsn += fmt.Sprintf(" password=%s", quoteDSNValue(c.Password))
	}
	return dsn
}

func quoteDSNValue(val string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(val)
	return "'" + escaped + "'"
}

// EmbeddingConfig holds the embedding endpoint settings.
type EmbeddingConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	Device  string `mapstructure:"device"`
	// Dimension is the fixed output vector dimension D.
	Dimension int `mapstructure:"dimension"`
	// ChunkSize is the character threshold above which inputs are chunked.
	ChunkSize      int `mapstructure:"chunk_size"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// GeneratorConfig holds the chat-completion endpoint settings.
type GeneratorConfig struct {
	BaseURL        string  `mapstructure:"base_url"`
	Model          string  `mapstructure:"model"`
	MaxTokens      int     `mapstructure:"max_tokens"`
	Temperature    float32 `mapstructure:"temperature"`
	TopP           float32 `mapstructure:"top_p"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
}

// MemoryConfig holds retrieval defaults.
type MemoryConfig struct {
	// MaxResults is the default max_results for get_context.
	MaxResults int `mapstructure:"max_results"`
}

// HTTPConfig holds the HTTP/SSE transport settings.
type HTTPConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	RequireAuth bool   `mapstructure:"require_auth"`
	AuthToken   string `mapstructure:"auth_token"`
}

// RedisConfig holds the optional recent-message cache settings.
// An empty Addr disables the cache.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LoggingConfig holds log destination settings.
type LoggingConfig struct {
	Dir   string `mapstructure:"dir"`
	Level string `mapstructure:"level"`
}

// envBindings maps viper keys to their environment variables.
var envBindings = map[string]string{
	"database.host":       "DB_HOST",
	"database.port":       "DB_PORT",
	"database.name":       "DB_NAME",
	"database.user":       "DB_USER",
	"database.password":   "DB_PASSWORD",
	"embedding.model":     "EMBEDDING_MODEL",
	"embedding.device":    "EMBEDDING_DEVICE",
	"embedding.api_key":   "SILICONFLOW_API_KEY",
	"embedding.base_url":  "SILICONFLOW_BASE_URL",
	"memory.max_results":  "SAGE_MAX_RESULTS",
	"http.require_auth":   "REQUIRE_AUTH",
	"http.auth_token":     "SAGE_AUTH_TOKEN",
	"http.host":           "HOST",
	"http.port":           "PORT",
	"redis.addr":          "REDIS_ADDR",
	"redis.password":      "REDIS_PASSWORD",
	"logging.dir":         "SAGE_LOG_DIR",
	"logging.level":       "SAGE_LOG_LEVEL",
}

// Load reads configuration from defaults, the optional file at path, and
// the environment, in increasing priority.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, sageerr.Wrap(sageerr.KindConfiguration,
				fmt.Sprintf("read config file %s", path), err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, sageerr.Wrap(sageerr.KindConfiguration, "unmarshal config", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "sage_memory")
	v.SetDefault("database.user", "sage")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.min_connections", 5)
	v.SetDefault("database.max_connections", 20)
	v.SetDefault("database.command_timeout_seconds", 60)

	v.SetDefault("embedding.base_url", "https://api.siliconflow.cn/v1")
	v.SetDefault("embedding.model", "Qwen/Qwen3-Embedding-8B")
	v.SetDefault("embedding.device", "cpu")
	v.SetDefault("embedding.dimension", 4096)
	v.SetDefault("embedding.chunk_size", 8000)
	v.SetDefault("embedding.timeout_seconds", 30)

	v.SetDefault("generator.base_url", "https://api.siliconflow.cn/v1")
	v.SetDefault("generator.model", "Qwen/Qwen2.5-72B-Instruct")
	v.SetDefault("generator.max_tokens", 2000)
	v.SetDefault("generator.temperature", 0.3)
	v.SetDefault("generator.top_p", 0.9)
	v.SetDefault("generator.timeout_seconds", 30)

	v.SetDefault("memory.max_results", 10)

	v.SetDefault("http.host", "127.0.0.1")
	v.SetDefault("http.port", 17800)
	v.SetDefault("http.require_auth", false)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("logging.dir", "")
	v.SetDefault("logging.level", "info")
}

// Validate checks required settings.
func (c *Config) Validate() error {
	if c.Embedding.APIKey == "" {
		return sageerr.New(sageerr.KindConfiguration, "SILICONFLOW_API_KEY is required")
	}
	if c.Embedding.Dimension <= 0 {
		return sageerr.New(sageerr.KindConfiguration, "embedding dimension must be positive")
	}
	if c.HTTP.RequireAuth && c.HTTP.AuthToken == "" {
		return sageerr.New(sageerr.KindConfiguration, "REQUIRE_AUTH is set but no auth token configured")
	}
	return nil
}

// Redacted returns an export-safe copy with secrets masked.
func (c *Config) Redacted() Config {
	out := *c
	if out.Database.Password != "" {
		out.Database.Password = redactedPlaceholder
	}
	if out.Embedding.APIKey != "" {
		out.Embedding.APIKey = redactedPlaceholder
	}
	if out.HTTP.AuthToken != "" {
		out.HTTP.AuthToken = redactedPlaceholder
	}
	if out.Redis.Password != "" {
		out.Redis.Password = redactedPlaceholder
	}
	return out
}
