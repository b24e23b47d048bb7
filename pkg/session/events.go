package session

import (
	"github.com/harunnryd/wajah/pkg/adapters/avatar"
	"github.com/harunnryd/wajah/pkg/errorsx"
)

// Events published on the coordinator bus.
const (
	EventConnected            = "connected"
	EventAutoListeningStarted = "autoListeningStarted"
	EventStreamReady          = "streamReady"
	EventSpeaking             = "speaking"
	EventSpeechEnded          = "speechEnded"
	EventUserSpeaking         = "userSpeaking"
	EventUserSpeechEnded      = "userSpeechEnded"
	EventListeningStarted     = "listeningStarted"
	EventListeningStopped     = "listeningStopped"
	EventError                = "error"
	EventDisconnected         = "disconnected"
)

type ConnectedPayload struct {
	SessionInfo avatar.SessionInfo `json:"sessionInfo"`
	Provider    string             `json:"provider"`
}

type StreamPayload struct {
	Stream   *avatar.MediaStream `json:"stream"`
	Provider string              `json:"provider"`
}

type TalkingPayload struct {
	Talking  bool   `json:"talking"`
	Provider string `json:"provider"`
}

type UserSpeakingPayload struct {
	UserSpeaking bool `json:"userSpeaking"`
}

// ErrorPayload carries the original cause and a human-readable message.
type ErrorPayload struct {
	Err     error              `json:"-"`
	Message string             `json:"message"`
	Reason  errorsx.ReasonCode `json:"reason"`
}

// EmptyPayload is published with events that carry no data.
type EmptyPayload struct{}
