// Package config loads the runtime configuration from an optional file,
// a .env file and AULE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/manthysbr/auleagent/internal/core/domain"
)

// EnvPrefix namespaces environment overrides: backend.api_key -> AULE_BACKEND_API_KEY.
const EnvPrefix = "AULE"

// Config is the complete runtime configuration.
type Config struct {
	Backend       domain.BackendConfig       `json:"backend" mapstructure:"backend"`
	Agent         domain.AgentConfig         `json:"agent" mapstructure:"agent"`
	Metacognition domain.MetacognitionConfig `json:"metacognition" mapstructure:"metacognition"`
	Storage       StorageConfig              `json:"storage" mapstructure:"storage"`
	Server        ServerConfig               `json:"server" mapstructure:"server"`
	Log           LogConfig                  `json:"log" mapstructure:"log"`
}

// StorageConfig locates persistent data.
type StorageConfig struct {
	// Path of the DuckDB file; empty keeps everything in memory.
	Path string `json:"path" mapstructure:"path"`
	// Workspace is the directory send_file may deliver from; empty disables it.
	Workspace         string `json:"workspace" mapstructure:"workspace"`
	ConversationCache int    `json:"conversation_cache" mapstructure:"conversation_cache"`
	TraceBuffer       int    `json:"trace_buffer" mapstructure:"trace_buffer"`
}

// ServerConfig configures the HTTP shell.
type ServerConfig struct {
	Addr            string        `json:"addr" mapstructure:"addr"`
	AllowedOrigins  []string      `json:"allowed_origins" mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// LogConfig configures logging and file rotation.
type LogConfig struct {
	Level      string `json:"level" mapstructure:"level"`
	Format     string `json:"format" mapstructure:"format"` // "json" or "text"
	File       string `json:"file" mapstructure:"file"`
	MaxSizeMB  int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Backend:       domain.DefaultBackendConfig(),
		Agent:         domain.DefaultAgentConfig(),
		Metacognition: domain.DefaultMetacognitionConfig(),
		Storage: StorageConfig{
			Path:              "data/aule-agent.duckdb",
			ConversationCache: 64,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			AllowedOrigins:  []string{"http://localhost:5173"},
			ShutdownTimeout: 15 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads .env (if present), then path (if non-empty), then AULE_*
// variables, in increasing precedence. Sealed API keys are opened with
// AULE_SECRET_KEY. The result is validated.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if IsSealed(cfg.Backend.APIKey) {
		key, err := NewSecretKey(os.Getenv("AULE_SECRET_KEY"))
		if err != nil {
			return nil, err
		}
		if cfg.Backend.APIKey, err = key.Open(cfg.Backend.APIKey); err != nil {
			return nil, fmt.Errorf("backend.api_key: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("backend.provider", d.Backend.Provider)
	v.SetDefault("backend.base_url", d.Backend.BaseURL)
	v.SetDefault("backend.api_key", d.Backend.APIKey)
	v.SetDefault("backend.model", d.Backend.Model)
	v.SetDefault("backend.requests_per_minute", d.Backend.RequestsPerMinute)
	v.SetDefault("backend.timeout", d.Backend.Timeout)

	v.SetDefault("agent.max_iterations", d.Agent.MaxIterations)
	v.SetDefault("agent.reflection_threshold", d.Agent.ReflectionThreshold)
	v.SetDefault("agent.history_messages", d.Agent.HistoryMessages)
	v.SetDefault("agent.history_tokens", d.Agent.HistoryTokens)
	v.SetDefault("agent.main_temperature", d.Agent.MainTemperature)
	v.SetDefault("agent.reflection_temperature", d.Agent.ReflectionTemperature)
	v.SetDefault("agent.fallback_temperature", d.Agent.FallbackTemperature)
	v.SetDefault("agent.max_tokens", d.Agent.MaxTokens)
	v.SetDefault("agent.failure_lessons", d.Agent.FailureLessons)
	v.SetDefault("agent.extract_facts", d.Agent.ExtractFacts)

	v.SetDefault("metacognition.max_thinking_time", d.Metacognition.MaxThinkingTime)
	v.SetDefault("metacognition.repeat_threshold", d.Metacognition.RepeatThreshold)
	v.SetDefault("metacognition.stall_threshold", d.Metacognition.StallThreshold)
	v.SetDefault("metacognition.confidence_window", d.Metacognition.ConfidenceWindow)
	v.SetDefault("metacognition.confidence_floor", d.Metacognition.ConfidenceFloor)
	v.SetDefault("metacognition.max_conversations", d.Metacognition.MaxConversations)

	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("storage.workspace", d.Storage.Workspace)
	v.SetDefault("storage.conversation_cache", d.Storage.ConversationCache)
	v.SetDefault("storage.trace_buffer", d.Storage.TraceBuffer)

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
}

// Validate rejects values the agent cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Backend.Provider) {
	case "openai", "ollama", "gemini":
	default:
		errs = append(errs, fmt.Errorf("backend.provider must be openai, ollama or gemini, got %q", c.Backend.Provider))
	}
	if c.Backend.RequestsPerMinute < 0 {
		errs = append(errs, fmt.Errorf("backend.requests_per_minute must be >= 0"))
	}
	if c.Agent.MaxIterations <= 0 {
		errs = append(errs, fmt.Errorf("agent.max_iterations must be > 0"))
	}
	if c.Agent.ReflectionThreshold < 0 {
		errs = append(errs, fmt.Errorf("agent.reflection_threshold must be >= 0"))
	}
	for name, t := range map[string]float64{
		"agent.main_temperature":       c.Agent.MainTemperature,
		"agent.reflection_temperature": c.Agent.ReflectionTemperature,
		"agent.fallback_temperature":   c.Agent.FallbackTemperature,
	} {
		if t < 0 || t > 2 {
			errs = append(errs, fmt.Errorf("%s must be within [0, 2]", name))
		}
	}
	if c.Metacognition.ConfidenceFloor < 0 || c.Metacognition.ConfidenceFloor > 1 {
		errs = append(errs, fmt.Errorf("metacognition.confidence_floor must be within [0, 1]"))
	}
	if c.Metacognition.MaxThinkingTime < 0 {
		errs = append(errs, fmt.Errorf("metacognition.max_thinking_time must be >= 0"))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level))
	}
	return errors.Join(errs...)
}
