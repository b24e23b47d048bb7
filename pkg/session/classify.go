package session

import (
	"errors"
	"strings"

	"github.com/harunnryd/wajah/pkg/errorsx"
	"github.com/harunnryd/wajah/pkg/resilience"
)

// Classify inspects a provider failure and returns a best-effort reason.
// The result only selects message text.
func Classify(err error) errorsx.ReasonCode {
	if err == nil {
		return errorsx.ReasonUnknown
	}
	if resilience.IsRateLimit(err) {
		return errorsx.ReasonProviderRateLimit
	}
	var pe *errorsx.ProviderError
	if errors.As(err, &pe) && pe.Reason != "" {
		return pe.Reason
	}
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "429", "too many requests", "rate limit"):
		return errorsx.ReasonProviderRateLimit
	case containsAny(msg, "400", "401", "403", "unauthorized", "forbidden", "api request failed", "invalid token", "plan", "quota"):
		return errorsx.ReasonProviderAuth
	case containsAny(msg, "cors", "cross-origin", "network", "connection refused", "no such host", "timeout", "eof", "tls"):
		return errorsx.ReasonProviderNetwork
	}
	return errorsx.ReasonProviderUnknown
}

// ConnectMessage builds the banner text for a failed connect and the
// remediation hint on its own.
func ConnectMessage(reason errorsx.ReasonCode, err error) (message, hint string) {
	detail := "unknown error"
	if err != nil {
		detail = err.Error()
	}
	switch reason {
	case errorsx.ReasonProviderAuth:
		hint = "This might be due to:\n" +
			"• API token expired or invalid\n" +
			"• Free plan limitations - Premium streaming requires a paid plan\n" +
			"• Token not properly configured\n\n" +
			"Please check your account dashboard for plan details and token status."
		return "API Error (" + detail + ")\n\n" + hint, hint
	case errorsx.ReasonProviderRateLimit:
		hint = "Too many session requests. Wait a moment before starting a new conversation."
		return "API Error (" + detail + ")\n\n" + hint, hint
	case errorsx.ReasonProviderNetwork:
		if strings.Contains(strings.ToLower(detail), "cors") {
			hint = "Try serving from a proper domain or check API token permissions."
			return "CORS Error: " + detail + "\n\n" + hint, hint
		}
		hint = "Check network access to the avatar service and try again."
		return "Network Error: " + detail + "\n\n" + hint, hint
	}
	return "Initialization failed: " + detail, ""
}

// OffersFallback reports whether a failure with this reason should offer the
// embedded fallback viewer.
func OffersFallback(reason errorsx.ReasonCode) bool {
	return reason == errorsx.ReasonProviderAuth || reason == errorsx.ReasonProviderRateLimit
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
