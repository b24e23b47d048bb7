package wajah

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/harunnryd/wajah/pkg/configutil"
	"github.com/harunnryd/wajah/pkg/errorsx"
	"github.com/harunnryd/wajah/pkg/session"
	"github.com/harunnryd/wajah/pkg/transports/web"
	"github.com/spf13/viper"
)

type Config struct {
	Avatar        session.Config      `mapstructure:"avatar"`
	Provider      VendorConfig        `mapstructure:"provider"`
	Server        web.Config          `mapstructure:"server"`
	Fallback      FallbackConfig      `mapstructure:"fallback"`
	Commands      CommandsConfig      `mapstructure:"commands"`
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
	ShutdownMS    int                 `mapstructure:"shutdown_timeout_ms"`
}

// VendorConfig selects a registered avatar provider and its free-form settings.
type VendorConfig struct {
	Name     string         `mapstructure:"name"`
	Settings map[string]any `mapstructure:"settings"`
}

type FallbackConfig struct {
	ShareURL string `mapstructure:"share_url"`
}

type CommandsConfig struct {
	Concurrency       int  `mapstructure:"concurrency"`
	QueueSize         int  `mapstructure:"queue_size"`
	TimeoutMS         int  `mapstructure:"timeout_ms"`
	SerializeByClient bool `mapstructure:"serialize_by_client"`
}

type ObservabilityConfig struct {
	ArtifactsDir string `mapstructure:"artifacts_dir"`
	EventsLog    string `mapstructure:"events_log"`
	// SampleRate thins high-volume events in the events log; lifecycle events always pass.
	SampleRate    float64 `mapstructure:"sample_rate"`
	RetentionDays int     `mapstructure:"retention_days"`
	Metrics       bool    `mapstructure:"metrics"`
	MetricsPath   string  `mapstructure:"metrics_path"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

// envAliases maps config keys to the environment variables that may set them,
// in lookup order.
var envAliases = map[string][]string{
	"avatar.api_token":      {"HEYGEN_API_TOKEN", "VITE_HEYGEN_API_TOKEN"},
	"avatar.avatar_id":      {"HEYGEN_AVATAR_ID", "VITE_HEYGEN_AVATAR_ID"},
	"avatar.voice_id":       {"HEYGEN_VOICE_ID", "VITE_HEYGEN_VOICE_ID"},
	"avatar.knowledge_id":   {"HEYGEN_KNOWLEDGE_ID", "VITE_HEYGEN_KNOWLEDGE_ID"},
	"avatar.knowledge_base": {"HEYGEN_KNOWLEDGE_BASE", "VITE_HEYGEN_KNOWLEDGE_BASE"},
	"fallback.share_url":    {"HEYGEN_SHARE_URL", "VITE_HEYGEN_SHARE_URL"},
}

// LoadConfig reads path (optional) and the environment into a Config.
// With an empty path the configuration comes from defaults and environment only.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetDefault("avatar.quality", "high")
	v.SetDefault("avatar.emotion", "friendly")
	v.SetDefault("avatar.language", "")
	v.SetDefault("provider.name", "heygen")
	v.SetDefault("server.server_addr", ":8080")
	v.SetDefault("server.ws_path", "/ws")
	v.SetDefault("server.fallback_path", "/fallback")
	v.SetDefault("server.public_url", "")
	v.SetDefault("server.allow_any_origin", false)
	v.SetDefault("commands.concurrency", 4)
	v.SetDefault("commands.queue_size", 64)
	v.SetDefault("commands.timeout_ms", 30000)
	v.SetDefault("commands.serialize_by_client", true)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.events_log", "")
	v.SetDefault("observability.sample_rate", 1.0)
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("observability.metrics", true)
	v.SetDefault("observability.metrics_path", "/metrics")
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("shutdown_timeout_ms", 10000)

	v.SetEnvPrefix("WAJAH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, envs := range envAliases {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	if cfg.Server.ShareURL == "" {
		cfg.Server.ShareURL = cfg.Fallback.ShareURL
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks the structural settings. Missing avatar credentials are not
// an error here; they surface when a conversation starts.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Provider.Name) == "" {
		return fmt.Errorf("provider.name is required")
	}
	for key, p := range map[string]string{
		"server.ws_path":       c.Server.WebsocketPath,
		"server.fallback_path": c.Server.FallbackPath,
	} {
		if p != "" && !strings.HasPrefix(p, "/") {
			return fmt.Errorf("%s must start with /", key)
		}
	}
	if c.Observability.Metrics && !strings.HasPrefix(c.Observability.MetricsPath, "/") {
		return fmt.Errorf("observability.metrics_path must start with /")
	}
	if r := c.Observability.SampleRate; r < 0 || r > 1 {
		return fmt.Errorf("observability.sample_rate must be between 0 and 1, got %v", r)
	}
	if c.Commands.Concurrency < 0 || c.Commands.QueueSize < 0 {
		return fmt.Errorf("commands.concurrency and commands.queue_size must not be negative")
	}
	return nil
}

// CheckCredentials lists every missing avatar credential by the environment
// variable that sets it.
func (c *Config) CheckCredentials() error {
	missing := configutil.Missing(
		configutil.Field{Path: envAliases["avatar.api_token"][0], Value: c.Avatar.APIToken},
		configutil.Field{Path: envAliases["avatar.avatar_id"][0], Value: c.Avatar.AvatarID},
		configutil.Field{Path: envAliases["avatar.voice_id"][0], Value: c.Avatar.VoiceID},
	)
	if len(missing) == 0 {
		return nil
	}
	return &errorsx.ConfigurationError{Missing: missing}
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Provider.Settings = expandSettings(cfg.Provider.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
