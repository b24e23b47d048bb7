package errorsx

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapAndReason(t *testing.T) {
	err := Wrap(assertErr{}, ReasonProviderNetwork)
	if Reason(err) != ReasonProviderNetwork {
		t.Fatalf("expected reason %s, got %s", ReasonProviderNetwork, Reason(err))
	}
	if !HasReason(err, ReasonProviderNetwork) {
		t.Fatalf("expected HasReason true")
	}
}

func TestWrapPreservesExistingReason(t *testing.T) {
	first := Wrap(assertErr{}, ReasonProviderAuth)
	second := Wrap(first, ReasonProviderUnknown)
	if Reason(second) != ReasonProviderAuth {
		t.Fatalf("expected reason preserved, got %s", Reason(second))
	}
}

func TestProviderErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("connect: %w", &ProviderError{Op: "create_session", Reason: ReasonProviderAuth, Err: assertErr{}})
	if !errors.Is(err, ErrProvider) {
		t.Fatalf("expected ErrProvider match")
	}
	if !errors.As(err, new(assertErr)) {
		t.Fatalf("expected cause to unwrap")
	}
	if Reason(err) != ReasonProviderAuth {
		t.Fatalf("expected provider reason, got %s", Reason(err))
	}
}

func TestConfigurationError(t *testing.T) {
	err := &ConfigurationError{Missing: []string{"avatar_id", "voice_id"}}
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration match")
	}
	if err.Error() != "missing required configuration: avatar_id, voice_id" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if Reason(err) != ReasonConfigMissing {
		t.Fatalf("expected config reason, got %s", Reason(err))
	}
}

func TestNotConnectedAndInvalidArgument(t *testing.T) {
	nc := NotConnected("send_message")
	if !errors.Is(nc, ErrNotConnected) || Reason(nc) != ReasonNotConnected {
		t.Fatalf("unexpected not connected error: %v", nc)
	}
	ia := InvalidArgument("message cannot be empty")
	if !errors.Is(ia, ErrInvalidArgument) || Reason(ia) != ReasonInvalidArgument {
		t.Fatalf("unexpected invalid argument error: %v", ia)
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
