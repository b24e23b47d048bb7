package presenter

import "github.com/harunnryd/wajah/pkg/adapters/avatar"

// Screen is the top-level page shown to the user.
type Screen string

const (
	ScreenLanding Screen = "landing"
	ScreenChat    Screen = "chat"
)

// Status texts shown by the view.
const (
	StatusConnecting      = "Initializing avatar connection..."
	StatusConnected       = "Connected! Voice chat is active."
	StatusVoiceActive     = "Voice chat active - Speak naturally!"
	StatusListening       = "Listening..."
	StatusProcessing      = "Processing..."
	StatusAvatarSpeaking  = "Avatar is speaking..."
	StatusDisconnected    = "Disconnected"
	LoadingConnectingText = "Connecting to your avatar..."

	MessageEmptyPrompt = "Please enter a message to speak"
	MessageGeneric     = "An error occurred"

	voiceTextActive    = "Voice chat active - Just speak naturally"
	voiceTextInactive  = "Voice chat inactive"
	voiceTextListening = "Listening..."
)

// ErrorBanner is a dismissible error message.
type ErrorBanner struct {
	ID            uint64 `json:"id"`
	Message       string `json:"message"`
	OfferFallback bool   `json:"offerFallback"`
	AutoHideMS    int64  `json:"autoHideMs"`
}

// ViewState is a snapshot of everything the page renders.
type ViewState struct {
	Version         uint64              `json:"version"`
	Screen          Screen              `json:"screen"`
	Status          string              `json:"status"`
	Loading         bool                `json:"loading"`
	LoadingText     string              `json:"loadingText,omitempty"`
	Error           *ErrorBanner        `json:"error,omitempty"`
	VoiceActive     bool                `json:"voiceActive"`
	UserSpeaking    bool                `json:"userSpeaking"`
	VoiceStatus     string              `json:"voiceStatus"`
	AvatarSpeaking  bool                `json:"avatarSpeaking"`
	InputEnabled    bool                `json:"inputEnabled"`
	Stream          *avatar.MediaStream `json:"stream,omitempty"`
	FallbackVisible bool                `json:"fallbackVisible"`
	Mode            string              `json:"mode"`
}

func initialView() ViewState {
	return ViewState{
		Screen:      ScreenLanding,
		VoiceStatus: voiceTextInactive,
		Mode:        "none",
	}
}

func (v ViewState) clone() ViewState {
	out := v
	if v.Error != nil {
		e := *v.Error
		out.Error = &e
	}
	if v.Stream != nil {
		s := *v.Stream
		out.Stream = &s
	}
	return out
}

func voiceStatus(v ViewState) string {
	switch {
	case v.UserSpeaking:
		return voiceTextListening
	case v.VoiceActive:
		return voiceTextActive
	default:
		return voiceTextInactive
	}
}
