// Package config provides configuration management for Strand.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Strand.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Workspace    WorkspaceConfig    `mapstructure:"workspace"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Providers    ProvidersConfig    `mapstructure:"providers"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
}

// ServerConfig holds HTTP/WebSocket server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the event database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// WorkspaceConfig scopes which filesystem paths sessions may anchor to.
type WorkspaceConfig struct {
	Root string `mapstructure:"root"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory notification bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// ProvidersConfig holds one API key per supported model provider.
type ProvidersConfig struct {
	AnthropicAPIKey string `mapstructure:"anthropicApiKey"`
	OpenAIAPIKey    string `mapstructure:"openaiApiKey"`
	GeminiAPIKey    string `mapstructure:"geminiApiKey"`
}

// OrchestratorConfig holds turn-loop tuning knobs.
type OrchestratorConfig struct {
	TurnTimeout int `mapstructure:"turnTimeout"` // in seconds, streaming entry to done
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TracingConfig holds OpenTelemetry export configuration.
// An empty endpoint disables the exporter.
type TracingConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"serviceName"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// TurnTimeoutDuration returns the per-turn timeout as a time.Duration.
func (o *OrchestratorConfig) TurnTimeoutDuration() time.Duration {
	return time.Duration(o.TurnTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("STRAND_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.path", "./strand.db")

	// Workspace defaults - empty root means any absolute path is accepted
	v.SetDefault("workspace.root", "")

	// NATS defaults - empty URL means use in-memory notification bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "strand-server")
	v.SetDefault("nats.maxReconnects", 10)

	// Provider API keys come from the conventional env vars below
	v.SetDefault("providers.anthropicApiKey", "")
	v.SetDefault("providers.openaiApiKey", "")
	v.SetDefault("providers.geminiApiKey", "")

	// Orchestrator defaults
	v.SetDefault("orchestrator.turnTimeout", 120)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Tracing defaults
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.serviceName", "strand")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix STRAND_ with snake_case naming; the
// conventional unprefixed variables (PORT, HOST, DATABASE_PATH, WORKSPACE_ROOT
// and the provider API keys) are bound as well.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("STRAND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the conventional env vars. AutomaticEnv does not
	// handle camelCase to SNAKE_CASE conversion, so keys whose env naming
	// differs from the config key naming are bound here.
	_ = v.BindEnv("server.port", "PORT", "STRAND_SERVER_PORT")
	_ = v.BindEnv("server.host", "HOST", "STRAND_SERVER_HOST")
	_ = v.BindEnv("database.path", "DATABASE_PATH", "STRAND_DATABASE_PATH")
	_ = v.BindEnv("workspace.root", "WORKSPACE_ROOT", "STRAND_WORKSPACE_ROOT")
	_ = v.BindEnv("providers.anthropicApiKey", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("providers.openaiApiKey", "OPENAI_API_KEY")
	_ = v.BindEnv("providers.geminiApiKey", "GEMINI_API_KEY")
	_ = v.BindEnv("orchestrator.turnTimeout", "STRAND_ORCHESTRATOR_TURN_TIMEOUT")
	_ = v.BindEnv("tracing.endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT", "STRAND_TRACING_ENDPOINT")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/strand/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if cfg.Workspace.Root != "" && !filepath.IsAbs(cfg.Workspace.Root) {
		errs = append(errs, "workspace.root must be an absolute path")
	}

	if cfg.Orchestrator.TurnTimeout <= 0 {
		errs = append(errs, "orchestrator.turnTimeout must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
