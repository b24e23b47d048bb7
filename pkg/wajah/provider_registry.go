package wajah

import (
	"fmt"
	"sort"
	"strings"

	"github.com/harunnryd/wajah/pkg/adapters/avatar"
	"github.com/harunnryd/wajah/pkg/configutil"
	"github.com/harunnryd/wajah/pkg/providers/heygen"
	"github.com/harunnryd/wajah/pkg/providers/mock"
)

// AvatarFactoryBuilder builds the client factory for one provider from config.
type AvatarFactoryBuilder func(cfg Config) (avatar.Factory, error)

type ProviderRegistry struct {
	avatars map[string]AvatarFactoryBuilder
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		avatars: make(map[string]AvatarFactoryBuilder),
	}
}

// DefaultProviders returns a registry with the built-in heygen and mock providers.
func DefaultProviders() *ProviderRegistry {
	r := NewProviderRegistry()
	r.RegisterAvatar("heygen", func(cfg Config) (avatar.Factory, error) {
		return heygen.NewFactory(cfg.Provider.Settings)
	})
	r.RegisterAvatar("mock", buildMockFactory)
	return r
}

func (r *ProviderRegistry) RegisterAvatar(name string, factory AvatarFactoryBuilder) {
	r.avatars[strings.ToLower(strings.TrimSpace(name))] = factory
}

func (r *ProviderRegistry) BuildAvatar(provider string, cfg Config) (avatar.Factory, error) {
	fn := r.avatars[strings.ToLower(strings.TrimSpace(provider))]
	if fn == nil {
		return nil, fmt.Errorf("avatar provider not registered: %s", provider)
	}
	return fn(cfg)
}

// Names lists registered providers in sorted order.
func (r *ProviderRegistry) Names() []string {
	out := make([]string, 0, len(r.avatars))
	for name := range r.avatars {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

var mockSchema = configutil.Schema{
	Optional: []string{"session_id", "stream_url", "emit_stream_ready", "echo_speech", "fail_on"},
}

// Every session gets a fresh scripted client.
func buildMockFactory(cfg Config) (avatar.Factory, error) {
	if err := configutil.ValidateSettings(cfg.Provider.Settings, mockSchema); err != nil {
		return nil, fmt.Errorf("provider.settings: %w", err)
	}
	var mcfg mock.Config
	if err := configutil.DecodeSettings(cfg.Provider.Settings, &mcfg); err != nil {
		return nil, fmt.Errorf("mock settings: %w", err)
	}
	return func(cc avatar.ClientConfig) (avatar.Client, error) {
		return mock.NewAvatar(mcfg).Factory()(cc)
	}, nil
}
