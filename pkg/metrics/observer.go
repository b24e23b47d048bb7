package metrics

import (
	"sync"
	"time"
)

// Session lifecycle metric names.
const (
	EventConnectStart    = "session_connect_start"
	EventSessionCreated  = "session_created"
	EventConnected       = "session_connected"
	EventConnectFailed   = "session_connect_failed"
	EventMessageSent     = "session_message_sent"
	EventListening       = "session_listening"
	EventSignal          = "session_signal"
	EventError           = "session_error"
	EventDisconnected    = "session_disconnected"
	EventViewUpdate      = "view_update"
	EventClientConnected = "ws_client_connected"
	EventClientClosed    = "ws_client_closed"
)

// Tag keys shared by producers and observers.
const (
	TagSessionID = "session_id"
	TagTraceID   = "trace_id"
	TagProvider  = "provider"
	TagReason    = "reason"
	TagKind      = "kind"
	TagOp        = "op"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// MemoryObserver keeps every event; used by tests.
type MemoryObserver struct {
	mu     sync.Mutex
	events []MetricsEvent
}

func NewMemoryObserver() *MemoryObserver {
	return &MemoryObserver{}
}

func (m *MemoryObserver) RecordEvent(ev MetricsEvent) {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (m *MemoryObserver) Events() []MetricsEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MetricsEvent, len(m.events))
	copy(out, m.events)
	return out
}

// Names returns the recorded event names in order.
func (m *MemoryObserver) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev.Name)
	}
	return out
}
