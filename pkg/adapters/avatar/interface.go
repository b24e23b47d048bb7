package avatar

import (
	"context"
)

// Client defines the contract for any streaming avatar vendor implementation.
// A client represents one remote session and is not reused after StopAvatar.
type Client interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// OnSignal registers the callback receiving provider signals in emission order.
	// It must be called before CreateStartAvatar.
	OnSignal(fn SignalFunc)
	// CreateStartAvatar creates and starts the remote avatar session.
	CreateStartAvatar(ctx context.Context, req SessionRequest) (SessionInfo, error)
	// StartVoiceChat opens the voice channel for the session.
	StartVoiceChat(ctx context.Context) error
	// CloseVoiceChat closes the voice channel.
	CloseVoiceChat(ctx context.Context) error
	// StartListening asks the avatar to listen for user speech.
	StartListening(ctx context.Context) error
	// StopListening stops listening for user speech.
	StopListening(ctx context.Context) error
	// Speak sends a speak task to the avatar.
	Speak(ctx context.Context, req SpeakRequest) error
	// StopAvatar terminates the remote session.
	StopAvatar(ctx context.Context) error
}

// Factory builds a client bound to an access credential.
type Factory func(cfg ClientConfig) (Client, error)

// ClientConfig contains vendor-agnostic client configuration.
type ClientConfig struct {
	Token    string
	TraceID  string
	Settings map[string]any
}

// Quality selects the rendered stream quality.
type Quality string

const (
	QualityHigh   Quality = "high"
	QualityMedium Quality = "medium"
	QualityLow    Quality = "low"
)

// Emotion selects the synthesized voice emotion.
type Emotion string

const (
	EmotionExcited     Emotion = "excited"
	EmotionSerious     Emotion = "serious"
	EmotionFriendly    Emotion = "friendly"
	EmotionSoothing    Emotion = "soothing"
	EmotionBroadcaster Emotion = "broadcaster"
)

// SessionRequest describes the avatar session to create.
// KnowledgeID and KnowledgeBase are mutually exclusive; callers set at most one.
type SessionRequest struct {
	AvatarName    string
	Quality       Quality
	VoiceID       string
	Emotion       Emotion
	Language      string
	KnowledgeID   string
	KnowledgeBase string
}

// SessionInfo is the provider's description of a created session.
type SessionInfo struct {
	SessionID        string `json:"session_id"`
	URL              string `json:"url,omitempty"`
	AccessToken      string `json:"-"`
	RealtimeEndpoint string `json:"realtime_endpoint,omitempty"`
	SessionDuration  int    `json:"session_duration_limit,omitempty"`
}

// TaskType selects how the avatar treats spoken text.
type TaskType string

const (
	TaskTalk   TaskType = "talk"
	TaskRepeat TaskType = "repeat"
)

// SpeakRequest is a speak task.
type SpeakRequest struct {
	Text     string
	TaskType TaskType
}

// MediaStream is an opaque handle to the provider's media stream.
// It is owned by the provider and only handed to views for attachment.
type MediaStream struct {
	SessionID   string `json:"session_id"`
	URL         string `json:"url"`
	AccessToken string `json:"access_token"`
}
