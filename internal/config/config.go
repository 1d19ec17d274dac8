// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	LogLevel    slog.Level
	AgentURL    string
	Identity    IdentityConfig
	Token       TokenConfig
	Limits      LimitsConfig
	Metrics     bool
}

// IdentityConfig describes the OAuth2 identity provider and the credentials
// used against it. All values are injected from the environment.
type IdentityConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
	StaticToken  string // pre-issued bearer token, used when no password credentials are set
}

// TokenConfig controls the token lifecycle and outbound timeouts.
type TokenConfig struct {
	ExchangeTimeout  time.Duration
	AgentTimeout     time.Duration
	ExpiryMargin     time.Duration
	RefreshThreshold time.Duration
	RefreshGrace     time.Duration
}

// LimitsConfig bounds request and response sizes.
type LimitsConfig struct {
	MaxRequestBodySize  int64
	MaxResponseBodySize int64
	ChatHistoryLimit    int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		LogLevel:    getEnvLevel("LOG_LEVEL", slog.LevelInfo),
		AgentURL:    strings.TrimSpace(getEnv("AGENT_URL", "")),
		Identity: IdentityConfig{
			TokenURL:     strings.TrimSpace(getEnv("IDENTITY_TOKEN_URL", "")),
			ClientID:     getEnv("IDENTITY_CLIENT_ID", ""),
			ClientSecret: getEnv("IDENTITY_CLIENT_SECRET", ""),
			Username:     getEnv("IDENTITY_USERNAME", ""),
			Password:     getEnv("IDENTITY_PASSWORD", ""),
			StaticToken:  strings.TrimSpace(getEnv("AGENT_STATIC_TOKEN", "")),
		},
		Token: TokenConfig{
			ExchangeTimeout:  getEnvDuration("TOKEN_TIMEOUT", 20*time.Second),
			AgentTimeout:     getEnvDuration("AGENT_TIMEOUT", 90*time.Second),
			ExpiryMargin:     getEnvDuration("TOKEN_EXPIRY_MARGIN", 60*time.Second),
			RefreshThreshold: getEnvDuration("TOKEN_REFRESH_THRESHOLD", 5*time.Minute),
			RefreshGrace:     getEnvDuration("TOKEN_REFRESH_GRACE", 10*time.Minute),
		},
		Limits: LimitsConfig{
			MaxRequestBodySize:  int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 1<<20)),
			MaxResponseBodySize: int64(getEnvInt("MAX_RESPONSE_BODY_SIZE", 16<<20)),
			ChatHistoryLimit:    getEnvInt("CHAT_HISTORY_LIMIT", 10),
		},
		Metrics: getEnvBool("METRICS_ENABLED", true),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.AgentURL == "" {
		return fmt.Errorf("AGENT_URL cannot be empty")
	}
	if c.Identity.HasPassword() {
		if c.Identity.TokenURL == "" {
			return fmt.Errorf("IDENTITY_TOKEN_URL is required when IDENTITY_USERNAME is set")
		}
		if c.Identity.ClientID == "" {
			return fmt.Errorf("IDENTITY_CLIENT_ID is required when IDENTITY_USERNAME is set")
		}
	}
	if c.Token.ExchangeTimeout <= 0 || c.Token.AgentTimeout <= 0 {
		return fmt.Errorf("TOKEN_TIMEOUT and AGENT_TIMEOUT must be > 0")
	}
	if c.Token.ExpiryMargin < 0 || c.Token.RefreshThreshold < 0 || c.Token.RefreshGrace < 0 {
		return fmt.Errorf("token margins cannot be negative")
	}
	if c.Limits.MaxRequestBodySize <= 0 || c.Limits.MaxResponseBodySize <= 0 {
		return fmt.Errorf("body size limits must be > 0")
	}
	if c.Limits.ChatHistoryLimit < 0 {
		return fmt.Errorf("CHAT_HISTORY_LIMIT cannot be negative")
	}
	return nil
}

// HasPassword reports whether password-grant credentials are configured.
func (i IdentityConfig) HasPassword() bool {
	return i.Username != "" && i.Password != ""
}

// HasCredentials reports whether any credential source is configured.
func (i IdentityConfig) HasCredentials() bool {
	return i.HasPassword() || i.StaticToken != ""
}

// AllowedOrigins lists the CORS origins: the comma-separated FRONTEND_URL
// entries, or "*" when it is unset.
func (c *Config) AllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.FrontendURL, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go duration strings ("30s") or bare seconds ("30").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return level
}
