package wajah

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/harunnryd/wajah/pkg/adapters/avatar"
	"github.com/harunnryd/wajah/pkg/configutil"
)

func TestDefaultProvidersBuildMock(t *testing.T) {
	r := DefaultProviders()
	if got := strings.Join(r.Names(), ","); got != "heygen,mock" {
		t.Fatalf("unexpected providers: %s", got)
	}
	factory, err := r.BuildAvatar(" Mock ", Config{Provider: VendorConfig{
		Name:     "mock",
		Settings: map[string]any{"session_id": "sess-1", "emit_stream_ready": true},
	}})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	first, err := factory(avatar.ClientConfig{Token: "tok"})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	second, _ := factory(avatar.ClientConfig{Token: "tok"})
	if first == second {
		t.Fatalf("expected a fresh client per session")
	}
	info, err := first.CreateStartAvatar(context.Background(), avatar.SessionRequest{AvatarName: "a"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if info.SessionID != "sess-1" {
		t.Fatalf("expected scripted session id, got %q", info.SessionID)
	}
}

func TestBuildAvatarRejectsBadInput(t *testing.T) {
	r := DefaultProviders()
	if _, err := r.BuildAvatar("tavus", Config{}); err == nil || !strings.Contains(err.Error(), "not registered") {
		t.Fatalf("expected unregistered provider error, got %v", err)
	}
	_, err := r.BuildAvatar("mock", Config{Provider: VendorConfig{Settings: map[string]any{"fail_on": "speak"}}})
	if err == nil {
		t.Fatalf("expected decode error for bad mock settings")
	}
	_, err = r.BuildAvatar("mock", Config{Provider: VendorConfig{Settings: map[string]any{"latency": 3}}})
	var se *configutil.SettingsError
	if !errors.As(err, &se) || len(se.Unknown) != 1 {
		t.Fatalf("expected unknown setting error, got %v", err)
	}
}

func TestRegisterAvatarOverrides(t *testing.T) {
	r := NewProviderRegistry()
	called := false
	r.RegisterAvatar("Custom", func(cfg Config) (avatar.Factory, error) {
		called = true
		return func(avatar.ClientConfig) (avatar.Client, error) { return nil, nil }, nil
	})
	if _, err := r.BuildAvatar("custom", Config{}); err != nil || !called {
		t.Fatalf("expected custom builder, err=%v", err)
	}
}
