package session

import (
	"errors"
	"strings"
	"testing"

	"github.com/harunnryd/wajah/pkg/errorsx"
	"github.com/harunnryd/wajah/pkg/resilience"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want errorsx.ReasonCode
	}{
		{errors.New("API request failed with status 401: Unauthorized"), errorsx.ReasonProviderAuth},
		{errors.New("Your plan does not include streaming"), errorsx.ReasonProviderAuth},
		{errors.New("blocked by CORS policy"), errorsx.ReasonProviderNetwork},
		{errors.New("dial tcp: lookup api: no such host"), errorsx.ReasonProviderNetwork},
		{errors.New("status 429"), errorsx.ReasonProviderRateLimit},
		{resilience.RateLimitError{Provider: "heygen", Message: "slow down"}, errorsx.ReasonProviderRateLimit},
		{resilience.ErrCircuitOpen, errorsx.ReasonProviderRateLimit},
		{&errorsx.ProviderError{Reason: errorsx.ReasonProviderNetwork, Err: errors.New("x")}, errorsx.ReasonProviderNetwork},
		{errors.New("something odd"), errorsx.ReasonProviderUnknown},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("Classify(%q) = %s, want %s", tc.err, got, tc.want)
		}
	}
	if Classify(nil) != errorsx.ReasonUnknown {
		t.Fatalf("expected unknown for nil")
	}
}

func TestConnectMessage(t *testing.T) {
	msg, hint := ConnectMessage(errorsx.ReasonProviderAuth, errors.New("status 401"))
	if !strings.HasPrefix(msg, "API Error (status 401)") || !strings.Contains(msg, "Free plan limitations") {
		t.Fatalf("unexpected auth message: %q", msg)
	}
	if hint == "" || !strings.HasSuffix(msg, hint) {
		t.Fatalf("expected hint appended to message")
	}

	msg, _ = ConnectMessage(errorsx.ReasonProviderNetwork, errors.New("CORS rejected"))
	if !strings.HasPrefix(msg, "CORS Error: CORS rejected") {
		t.Fatalf("unexpected cors message: %q", msg)
	}

	msg, hint = ConnectMessage(errorsx.ReasonProviderUnknown, errors.New("weird"))
	if msg != "Initialization failed: weird" || hint != "" {
		t.Fatalf("unexpected default message: %q / %q", msg, hint)
	}
}

func TestOffersFallback(t *testing.T) {
	if !OffersFallback(errorsx.ReasonProviderAuth) || !OffersFallback(errorsx.ReasonProviderRateLimit) {
		t.Fatalf("expected fallback for api errors")
	}
	if OffersFallback(errorsx.ReasonProviderNetwork) || OffersFallback(errorsx.ReasonConfigMissing) {
		t.Fatalf("unexpected fallback offer")
	}
}
