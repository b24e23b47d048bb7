package transports

import (
	"context"
	"time"
)

// Command types sent by browser clients.
const (
	CommandConnect         = "connect"
	CommandSpeak           = "speak"
	CommandStartListening  = "start_listening"
	CommandStopListening   = "stop_listening"
	CommandToggleListening = "toggle_listening"
	CommandDisconnect      = "disconnect"
	CommandShowFallback    = "show_fallback"
	CommandHideFallback    = "hide_fallback"
	CommandDismissError    = "dismiss_error"

	// Synthesized by transports when a client attaches or goes away.
	CommandClientAttached = "client_attached"
	CommandClientDetached = "client_detached"
)

// Outbound message types.
const (
	MessageView  = "view"
	MessageEvent = "event"
	MessageError = "error"
)

// Command is an inbound user intent.
type Command struct {
	ClientID string    `json:"-"`
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	Received time.Time `json:"-"`
}

// Message is an outbound update for clients.
type Message struct {
	Type    string `json:"type"`
	View    any    `json:"view,omitempty"`
	Event   string `json:"event,omitempty"`
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Transport defines the I/O boundary between browser clients and the engine.
// Implementations are responsible for their own network lifecycle.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Recv() <-chan Command
	// Send broadcasts msg to every attached client.
	Send(msg Message) error
	// SendTo delivers msg to one client.
	SendTo(clientID string, msg Message) error
}

// ReadyReporter allows transports to expose readiness metadata (e.g., listen URLs).
// Implementations are optional and used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
