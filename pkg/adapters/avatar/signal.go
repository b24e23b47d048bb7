package avatar

import "fmt"

// SignalKind enumerates provider callbacks.
type SignalKind int

const (
	SignalStreamReady SignalKind = iota + 1
	SignalAvatarStartTalking
	SignalAvatarStopTalking
	SignalUserStart
	SignalUserStop
	SignalError
)

func (k SignalKind) String() string {
	switch k {
	case SignalStreamReady:
		return "stream_ready"
	case SignalAvatarStartTalking:
		return "avatar_start_talking"
	case SignalAvatarStopTalking:
		return "avatar_stop_talking"
	case SignalUserStart:
		return "user_start"
	case SignalUserStop:
		return "user_stop"
	case SignalError:
		return "error"
	default:
		return fmt.Sprintf("signal(%d)", int(k))
	}
}

// ParseSignalKind maps a provider wire name to a SignalKind.
func ParseSignalKind(name string) (SignalKind, bool) {
	switch name {
	case "stream_ready":
		return SignalStreamReady, true
	case "avatar_start_talking":
		return SignalAvatarStartTalking, true
	case "avatar_stop_talking":
		return SignalAvatarStopTalking, true
	case "user_start":
		return SignalUserStart, true
	case "user_stop":
		return SignalUserStop, true
	case "error":
		return SignalError, true
	}
	return 0, false
}

// Signal is a provider callback.
type Signal struct {
	Kind   SignalKind
	Stream *MediaStream
	Err    error
	Detail map[string]any
}

// SignalFunc receives provider signals.
type SignalFunc func(Signal)
