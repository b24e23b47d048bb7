package heygen

import (
	"fmt"
	"strings"
	"time"

	"github.com/harunnryd/wajah/pkg/configutil"
)

const (
	DefaultBaseURL = "https://api.heygen.com"
	defaultVersion = "v2"
)

// Config holds provider settings decoded from provider.settings.
type Config struct {
	BaseURL             string `mapstructure:"base_url"`
	Version             string `mapstructure:"version"`
	RequestTimeoutMS    int    `mapstructure:"request_timeout_ms"`
	KeepAliveMS         int    `mapstructure:"keep_alive_ms"`
	BreakerThreshold    int    `mapstructure:"breaker_threshold"`
	BreakerCooldownMS   int    `mapstructure:"breaker_cooldown_ms"`
	DisableIdleTimeout  bool   `mapstructure:"disable_idle_timeout"`
	ActivityIdleTimeout int    `mapstructure:"activity_idle_timeout"`
	// ExchangeToken treats the configured credential as an API key and trades
	// it for a short-lived session token before creating the session.
	ExchangeToken bool `mapstructure:"exchange_token"`
	// STTProvider selects HeyGen's speech recognizer for voice chat, e.g. "deepgram".
	STTProvider string `mapstructure:"stt_provider"`
}

var settingsSchema = configutil.Schema{
	Optional: []string{
		"base_url",
		"version",
		"request_timeout_ms",
		"keep_alive_ms",
		"breaker_threshold",
		"breaker_cooldown_ms",
		"disable_idle_timeout",
		"activity_idle_timeout",
		"exchange_token",
		"stt_provider",
	},
}

// DecodeConfig validates and decodes a settings map, applying defaults.
func DecodeConfig(settings map[string]any) (Config, error) {
	var cfg Config
	if err := configutil.ValidateSettings(settings, settingsSchema); err != nil {
		return cfg, fmt.Errorf("heygen settings: %w", err)
	}
	if err := configutil.DecodeSettings(settings, &cfg); err != nil {
		return cfg, fmt.Errorf("heygen settings: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	c.STTProvider = strings.ToLower(strings.TrimSpace(c.STTProvider))
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.Version == "" {
		c.Version = defaultVersion
	}
	if c.RequestTimeoutMS <= 0 {
		c.RequestTimeoutMS = 30000
	}
	if c.KeepAliveMS <= 0 {
		c.KeepAliveMS = 15000
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 3
	}
	if c.BreakerCooldownMS <= 0 {
		c.BreakerCooldownMS = 30000
	}
}

func (c Config) requestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

func (c Config) keepAlive() time.Duration {
	return time.Duration(c.KeepAliveMS) * time.Millisecond
}

func (c Config) breakerCooldown() time.Duration {
	return time.Duration(c.BreakerCooldownMS) * time.Millisecond
}
