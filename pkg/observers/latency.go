package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/wajah/pkg/metrics"
)

// LatencyObserver logs how long each connect attempt spent in its phases.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*trace
	log    *slog.Logger
}

type trace struct {
	start     time.Time
	created   time.Time
	connected time.Time
	sessionID string
	provider  string
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces: make(map[string]*trace),
		log:    log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	traceID := ""
	if ev.Tags != nil {
		traceID = ev.Tags[metrics.TagTraceID]
	}
	if traceID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.traces[traceID]
	switch ev.Name {
	case metrics.EventConnectStart:
		o.traces[traceID] = &trace{start: ev.Time, provider: ev.Tags[metrics.TagProvider]}
	case metrics.EventSessionCreated:
		if t != nil && t.created.IsZero() {
			t.created = ev.Time
			t.sessionID = ev.Tags[metrics.TagSessionID]
		}
	case metrics.EventConnected:
		if t == nil {
			return
		}
		t.connected = ev.Time
		o.log.Info("session_latency",
			"trace_id", traceID,
			"session_id", t.sessionID,
			"provider", t.provider,
			"create_ms", durationMs(t.start, t.created),
			"voice_ms", durationMs(t.created, t.connected),
			"connect_ms", durationMs(t.start, t.connected),
		)
		delete(o.traces, traceID)
	case metrics.EventConnectFailed:
		if t == nil {
			return
		}
		o.log.Info("session_latency",
			"trace_id", traceID,
			"provider", t.provider,
			"failed_after_ms", durationMs(t.start, ev.Time),
			"reason", ev.Tags[metrics.TagReason],
		)
		delete(o.traces, traceID)
	case metrics.EventDisconnected:
		delete(o.traces, traceID)
	}
}

// Pending returns the number of connect attempts still being timed.
func (o *LatencyObserver) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.traces)
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
