package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonConfigMissing   ReasonCode = "config_missing"
	ReasonNotConnected    ReasonCode = "not_connected"
	ReasonInvalidArgument ReasonCode = "invalid_argument"

	ReasonProviderAuth      ReasonCode = "provider_auth"
	ReasonProviderNetwork   ReasonCode = "provider_network"
	ReasonProviderRateLimit ReasonCode = "provider_rate_limit"
	ReasonProviderUnknown   ReasonCode = "provider_unknown"

	ReasonTransportInvalidOrigin ReasonCode = "transport_invalid_origin"
	ReasonTransportSend          ReasonCode = "transport_send"
)
