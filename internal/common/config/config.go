// Package config provides configuration management for the gateway.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the gateway.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	BodyLimits BodyLimitsConfig `mapstructure:"bodyLimits"`
	WebSocket  WebSocketConfig  `mapstructure:"websocket"`
	Auth       AuthConfig       `mapstructure:"auth"`
	OAuth      OAuthConfig      `mapstructure:"oauth"`
	Agent      AgentConfig      `mapstructure:"agent"`
	GCS        GCSConfig        `mapstructure:"gcs"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	RequestTimeoutSecs int    `mapstructure:"requestTimeoutSecs"`
}

// BodyLimitsConfig holds per-path request body size limits in bytes.
type BodyLimitsConfig struct {
	Enabled   bool  `mapstructure:"enabled"`
	Default   int64 `mapstructure:"default"`
	JSONRPC   int64 `mapstructure:"jsonrpc"`
	Webhook   int64 `mapstructure:"webhook"`
	Health    int64 `mapstructure:"health"`
	WebSocket int64 `mapstructure:"websocket"`
}

// WebSocketConfig holds WebSocket surface configuration.
type WebSocketConfig struct {
	MaxConnections int `mapstructure:"maxConnections"`
}

// AuthConfig holds API key authentication configuration.
type AuthConfig struct {
	// APIKey is seeded into the key store at startup when set.
	APIKey string `mapstructure:"apiKey"`
	// KeyStorePath is the sqlite database path for the API key store.
	// ":memory:" keeps the store ephemeral (development mode).
	KeyStorePath string `mapstructure:"keyStorePath"`
}

// OAuthConfig holds the OAuth authorization-code flow configuration.
type OAuthConfig struct {
	ClientID     string `mapstructure:"clientId"`
	ClientSecret string `mapstructure:"clientSecret"`
}

// AgentConfig holds agent subprocess configuration and turn defaults.
type AgentConfig struct {
	// BinaryPath overrides binary discovery when set.
	BinaryPath string `mapstructure:"binaryPath"`
	// Home is the agent home directory holding rollout files (default ~/.codex).
	Home string `mapstructure:"home"`
	// WorkDir is the working directory agents run in and the directory the
	// persistence sink walks for created files.
	WorkDir string `mapstructure:"workDir"`

	Model          string `mapstructure:"model"`
	ApprovalPolicy string `mapstructure:"approvalPolicy"`
	SandboxMode    string `mapstructure:"sandboxMode"`
	Effort         string `mapstructure:"effort"`
	Summary        string `mapstructure:"summary"`

	// TurnTimeoutSecs bounds one turn end-to-end; requests may lower or raise it.
	TurnTimeoutSecs int `mapstructure:"turnTimeoutSecs"`
}

// GCSConfig holds object store bucket names. Empty buckets disable persistence.
type GCSConfig struct {
	SessionBucket string `mapstructure:"sessionBucket"`
	FilesBucket   string `mapstructure:"filesBucket"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ProviderEnvVars are the provider API key variables forwarded verbatim to
// the agent subprocess environment.
var ProviderEnvVars = []string{
	"OPENAI_API_KEY",
	"ANTHROPIC_API_KEY",
	"OPENROUTER_API_KEY",
	"GOOGLE_API_KEY",
}

// RequestTimeout returns the HTTP request timeout as a time.Duration.
func (s *ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutSecs) * time.Second
}

// TurnTimeout returns the default turn timeout as a time.Duration.
func (a *AgentConfig) TurnTimeout() time.Duration {
	return time.Duration(a.TurnTimeoutSecs) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes, Cloud Run, or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if os.Getenv("K_SERVICE") != "" {
		return "json"
	}
	if env := os.Getenv("GATEWAY_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.requestTimeoutSecs", 120)

	// Body limit defaults (bytes)
	v.SetDefault("bodyLimits.enabled", true)
	v.SetDefault("bodyLimits.default", 2*1024*1024)
	v.SetDefault("bodyLimits.jsonrpc", 1024*1024)
	v.SetDefault("bodyLimits.webhook", 10*1024*1024)
	v.SetDefault("bodyLimits.health", 1024)
	v.SetDefault("bodyLimits.websocket", 1024*1024)

	// WebSocket defaults
	v.SetDefault("websocket.maxConnections", 100)

	// Auth defaults
	v.SetDefault("auth.apiKey", "")
	v.SetDefault("auth.keyStorePath", ":memory:")

	// OAuth defaults
	v.SetDefault("oauth.clientId", "codex-gateway-client")
	v.SetDefault("oauth.clientSecret", "")

	// Agent defaults
	v.SetDefault("agent.binaryPath", "")
	v.SetDefault("agent.home", "")
	v.SetDefault("agent.workDir", "/tmp")
	v.SetDefault("agent.model", "")
	v.SetDefault("agent.approvalPolicy", "never")
	v.SetDefault("agent.sandboxMode", "danger-full-access")
	v.SetDefault("agent.effort", "medium")
	v.SetDefault("agent.summary", "auto")
	v.SetDefault("agent.turnTimeoutSecs", 60)

	// GCS defaults - empty bucket disables the corresponding persistence step
	v.SetDefault("gcs.sessionBucket", "")
	v.SetDefault("gcs.filesBucket", "")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "codex-gateway")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix GATEWAY_ with snake_case naming; the
// deployment variables below keep their historical names.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for env vars whose names differ from config keys.
	// Cloud Run injects PORT; the remaining names are the deployment contract.
	_ = v.BindEnv("server.port", "PORT", "GATEWAY_PORT")
	_ = v.BindEnv("server.host", "GATEWAY_HOST")
	_ = v.BindEnv("server.requestTimeoutSecs", "REQUEST_TIMEOUT_SECS")
	_ = v.BindEnv("bodyLimits.enabled", "GATEWAY_BODY_LIMITS_ENABLED")
	_ = v.BindEnv("bodyLimits.default", "GATEWAY_BODY_LIMIT_DEFAULT")
	_ = v.BindEnv("bodyLimits.jsonrpc", "GATEWAY_BODY_LIMIT_JSONRPC")
	_ = v.BindEnv("bodyLimits.webhook", "GATEWAY_BODY_LIMIT_WEBHOOK")
	_ = v.BindEnv("bodyLimits.health", "GATEWAY_BODY_LIMIT_HEALTH")
	_ = v.BindEnv("bodyLimits.websocket", "GATEWAY_BODY_LIMIT_WEBSOCKET")
	_ = v.BindEnv("websocket.maxConnections", "GATEWAY_WEBSOCKET_MAX_CONNECTIONS")
	_ = v.BindEnv("auth.apiKey", "GATEWAY_API_KEY")
	_ = v.BindEnv("auth.keyStorePath", "GATEWAY_KEY_STORE_PATH")
	_ = v.BindEnv("oauth.clientId", "OAUTH_CLIENT_ID")
	_ = v.BindEnv("oauth.clientSecret", "OAUTH_CLIENT_SECRET")
	_ = v.BindEnv("agent.binaryPath", "CODEX_BINARY_PATH")
	_ = v.BindEnv("agent.home", "CODEX_HOME")
	_ = v.BindEnv("agent.workDir", "GATEWAY_WORK_DIR")
	_ = v.BindEnv("gcs.sessionBucket", "GCS_SESSION_BUCKET")
	_ = v.BindEnv("gcs.filesBucket", "GCS_FILES_BUCKET")
	_ = v.BindEnv("nats.url", "NATS_URL")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/codex-gateway/")

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
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Server.RequestTimeoutSecs <= 0 {
		errs = append(errs, "server.requestTimeoutSecs must be positive")
	}
	if cfg.Agent.TurnTimeoutSecs <= 0 {
		errs = append(errs, "agent.turnTimeoutSecs must be positive")
	}
	// The router-level request timeout must cover a full turn.
	if cfg.Server.RequestTimeoutSecs < cfg.Agent.TurnTimeoutSecs {
		errs = append(errs, "server.requestTimeoutSecs must be >= agent.turnTimeoutSecs")
	}

	if cfg.BodyLimits.Enabled {
		if cfg.BodyLimits.Default <= 0 || cfg.BodyLimits.JSONRPC <= 0 ||
			cfg.BodyLimits.Webhook <= 0 || cfg.BodyLimits.Health <= 0 ||
			cfg.BodyLimits.WebSocket <= 0 {
			errs = append(errs, "bodyLimits values must be positive when enabled")
		}
	}

	if cfg.WebSocket.MaxConnections <= 0 {
		errs = append(errs, "websocket.maxConnections must be positive")
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
