// Package config loads the gateway configuration from the environment
// into an immutable snapshot taken once at boot.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the boot-time configuration snapshot.
type Config struct {
	Server     ServerConfig
	Auth       AuthConfig
	Moderation ModerationConfig
	Primary    ProviderConfig
	Retry      RetryConfig
	RateLimits RateLimitConfig
	Breaker    BreakerConfig
	Metrics    MetricsConfig
}

// ServerConfig holds the listener and streaming settings.
type ServerConfig struct {
	Port string

	// StreamTimeout is the maximum stream inactivity before the relay
	// aborts with an in-band error.
	StreamTimeout time.Duration
}

// AuthConfig holds the bearer token clients must present.
type AuthConfig struct {
	Key string
}

// ProviderConfig locates one upstream provider.
type ProviderConfig struct {
	URL string
	Key string
}

// ModerationConfig configures the review stage.
type ModerationConfig struct {
	ProviderConfig

	// Models is the reviewer model pool. May be empty; moderated
	// requests then fail fast with a configuration error.
	Models []string

	// Strategy picks reviewer models: "round-robin" or "random".
	Strategy string

	// RiskThreshold is the risk level at or above which a verdict
	// blocks regardless of its isViolation flag.
	RiskThreshold int

	// Whitelist lists models that skip review, with trailing-* globs.
	Whitelist []string
}

// RetryConfig bounds the retry loop around primary calls.
type RetryConfig struct {
	Enabled       bool
	MaxRetryTime  time.Duration
	RetryDelay    time.Duration
	MaxRetryCount int
}

// RateLimitConfig holds per-route and global requests-per-minute limits.
// A limit of 0 disables that limit.
type RateLimitConfig struct {
	ChatRPM     int
	ImagesRPM   int
	AudioRPM    int
	ModelsRPM   int
	GlobalIPRPM int

	// BurstRPS is the global per-second threshold that trips the burst
	// breaker.
	BurstRPS int
}

// BreakerConfig holds the provider failure-window breaker settings.
type BreakerConfig struct {
	MaxErrors   int
	ErrorWindow time.Duration
}

// MetricsConfig holds Prometheus exposure settings.
type MetricsConfig struct {
	Enabled  bool
	Endpoint string
}

// Load reads the environment (plus an optional .env file) into a Config.
func Load() (*Config, error) {
	// Load .env directly into the environment so os.Getenv sees it too.
	_ = godotenv.Load()

	viper.SetDefault("PORT", "8080")
	viper.SetDefault("MAX_RETRY_TIME", 30000)
	viper.SetDefault("RETRY_DELAY", 1000)
	viper.SetDefault("STREAM_TIMEOUT", 60000)
	viper.SetDefault("MAX_RETRY_COUNT", 3)
	viper.SetDefault("ENABLE_RETRY", false)
	viper.SetDefault("CHAT_RPM", 60)
	viper.SetDefault("IMAGES_RPM", 20)
	viper.SetDefault("AUDIO_RPM", 20)
	viper.SetDefault("MODELS_RPM", 100)
	viper.SetDefault("GLOBAL_IP_RPM", 120)
	viper.SetDefault("MAX_PROVIDER_ERRORS", 5)
	viper.SetDefault("PROVIDER_ERROR_WINDOW", 60000)
	viper.SetDefault("GLOBAL_BURST_RPS", 500)
	viper.SetDefault("MODERATION_STRATEGY", "round-robin")
	viper.SetDefault("RISK_BLOCK_THRESHOLD", 5)
	viper.SetDefault("METRICS_ENABLED", true)
	viper.SetDefault("METRICS_ENDPOINT", "/metrics")
	viper.AutomaticEnv()

	cfg := &Config{
		Server: ServerConfig{
			Port:          viper.GetString("PORT"),
			StreamTimeout: millis("STREAM_TIMEOUT"),
		},
		Auth: AuthConfig{
			Key: viper.GetString("AUTH_KEY"),
		},
		Moderation: ModerationConfig{
			ProviderConfig: ProviderConfig{
				URL: viper.GetString("FIRST_PROVIDER_URL"),
				Key: viper.GetString("FIRST_PROVIDER_KEY"),
			},
			Models:        splitList(viper.GetString("FIRST_PROVIDER_MODELS")),
			Strategy:      viper.GetString("MODERATION_STRATEGY"),
			RiskThreshold: viper.GetInt("RISK_BLOCK_THRESHOLD"),
			Whitelist:     splitList(viper.GetString("WHITELISTED_MODELS")),
		},
		Primary: ProviderConfig{
			URL: viper.GetString("SECOND_PROVIDER_URL"),
			Key: viper.GetString("SECOND_PROVIDER_KEY"),
		},
		Retry: RetryConfig{
			Enabled:       viper.GetBool("ENABLE_RETRY"),
			MaxRetryTime:  millis("MAX_RETRY_TIME"),
			RetryDelay:    millis("RETRY_DELAY"),
			MaxRetryCount: viper.GetInt("MAX_RETRY_COUNT"),
		},
		RateLimits: RateLimitConfig{
			ChatRPM:     viper.GetInt("CHAT_RPM"),
			ImagesRPM:   viper.GetInt("IMAGES_RPM"),
			AudioRPM:    viper.GetInt("AUDIO_RPM"),
			ModelsRPM:   viper.GetInt("MODELS_RPM"),
			GlobalIPRPM: viper.GetInt("GLOBAL_IP_RPM"),
			BurstRPS:    viper.GetInt("GLOBAL_BURST_RPS"),
		},
		Breaker: BreakerConfig{
			MaxErrors:   viper.GetInt("MAX_PROVIDER_ERRORS"),
			ErrorWindow: millis("PROVIDER_ERROR_WINDOW"),
		},
		Metrics: MetricsConfig{
			Enabled:  viper.GetBool("METRICS_ENABLED"),
			Endpoint: viper.GetString("METRICS_ENDPOINT"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the snapshot for unusable values.
func (c *Config) Validate() error {
	if c.Auth.Key == "" {
		return fmt.Errorf("AUTH_KEY is required")
	}
	if c.Moderation.URL == "" {
		return fmt.Errorf("FIRST_PROVIDER_URL is required")
	}
	if c.Moderation.Key == "" {
		return fmt.Errorf("FIRST_PROVIDER_KEY is required")
	}
	if c.Primary.URL == "" {
		return fmt.Errorf("SECOND_PROVIDER_URL is required")
	}
	if c.Primary.Key == "" {
		return fmt.Errorf("SECOND_PROVIDER_KEY is required")
	}
	if c.Retry.MaxRetryCount < 1 {
		return fmt.Errorf("MAX_RETRY_COUNT must be at least 1, got %d", c.Retry.MaxRetryCount)
	}
	if c.Retry.MaxRetryTime <= 0 {
		return fmt.Errorf("MAX_RETRY_TIME must be positive")
	}
	if c.Retry.RetryDelay <= 0 {
		return fmt.Errorf("RETRY_DELAY must be positive")
	}
	if c.Server.StreamTimeout <= 0 {
		return fmt.Errorf("STREAM_TIMEOUT must be positive")
	}
	if c.Breaker.MaxErrors < 1 {
		return fmt.Errorf("MAX_PROVIDER_ERRORS must be at least 1, got %d", c.Breaker.MaxErrors)
	}
	if c.Breaker.ErrorWindow <= 0 {
		return fmt.Errorf("PROVIDER_ERROR_WINDOW must be positive")
	}
	switch c.Moderation.Strategy {
	case "round-robin", "random":
	default:
		return fmt.Errorf("MODERATION_STRATEGY must be round-robin or random, got %q", c.Moderation.Strategy)
	}
	if c.Moderation.RiskThreshold < 1 || c.Moderation.RiskThreshold > 5 {
		return fmt.Errorf("RISK_BLOCK_THRESHOLD must be between 1 and 5, got %d", c.Moderation.RiskThreshold)
	}
	for _, limit := range []struct {
		name  string
		value int
	}{
		{"CHAT_RPM", c.RateLimits.ChatRPM},
		{"IMAGES_RPM", c.RateLimits.ImagesRPM},
		{"AUDIO_RPM", c.RateLimits.AudioRPM},
		{"MODELS_RPM", c.RateLimits.ModelsRPM},
		{"GLOBAL_IP_RPM", c.RateLimits.GlobalIPRPM},
		{"GLOBAL_BURST_RPS", c.RateLimits.BurstRPS},
	} {
		if limit.value < 0 {
			return fmt.Errorf("%s must not be negative, got %d", limit.name, limit.value)
		}
	}
	return nil
}

// AttemptTimeout is the per-attempt cap applied to moderation and unary
// primary calls: half the total retry budget.
func (c *Config) AttemptTimeout() time.Duration {
	return c.Retry.MaxRetryTime / 2
}

func millis(key string) time.Duration {
	return time.Duration(viper.GetInt64(key)) * time.Millisecond
}

// splitList splits a comma-separated value, trimming space and dropping
// empty entries.
func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
