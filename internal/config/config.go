package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the application configuration. Negotiation timing values are
// tunables with working defaults, not contracts.
type Config struct {
	Token     string `mapstructure:"token"`
	SessionID string `mapstructure:"session_id"`

	APIBaseURL string `mapstructure:"api_base_url"`
	RelayURL   string `mapstructure:"relay_url"`

	ViewerOnly bool   `mapstructure:"viewer_only"`
	LogLevel   string `mapstructure:"log_level"`

	RestartCooldown time.Duration `mapstructure:"restart_cooldown"`
	StaleOfferAfter time.Duration `mapstructure:"stale_offer_after"`
	DedupWindow     int           `mapstructure:"dedup_window"`
	HealthInterval  time.Duration `mapstructure:"health_interval"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
}

// Load reads configuration from a .env file (if present) and environment
// variables prefixed with BETRORA_. Environment variables take precedence
// over .env values.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("BETRORA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, key := range []string{"token", "session_id", "api_base_url", "relay_url", "viewer_only", "log_level",
		"restart_cooldown", "stale_offer_after", "dedup_window", "health_interval", "retry_delay"} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	v.SetDefault("api_base_url", "https://api.betrora.com")
	v.SetDefault("relay_url", "wss://relay.betrora.com/socket")
	v.SetDefault("viewer_only", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("restart_cooldown", "8s")
	v.SetDefault("stale_offer_after", "3s")
	v.SetDefault("dedup_window", 1000)
	v.SetDefault("health_interval", "2s")
	v.SetDefault("retry_delay", "1500ms")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Token == "" {
		return nil, fmt.Errorf("BETRORA_TOKEN environment variable is required")
	}
	if cfg.SessionID == "" {
		return nil, fmt.Errorf("BETRORA_SESSION_ID environment variable is required")
	}

	return &cfg, nil
}
