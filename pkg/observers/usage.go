package observers

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/wajah/pkg/metrics"
)

// UsageSummary totals what one session attempt consumed on the provider.
type UsageSummary struct {
	TraceID        string         `json:"trace_id,omitempty"`
	SessionID      string         `json:"session_id,omitempty"`
	Provider       string         `json:"provider,omitempty"`
	Connected      bool           `json:"connected"`
	SessionSeconds float64        `json:"session_seconds"`
	MessagesSent   int            `json:"messages_sent"`
	CharsSent      int            `json:"chars_sent"`
	ListenToggles  int            `json:"listen_toggles"`
	Signals        map[string]int `json:"signals,omitempty"`
	Errors         int            `json:"errors"`
	RecordedAtUTC  string         `json:"recorded_at_utc"`

	connectedAt time.Time
}

// UsageObserver aggregates per-attempt usage and writes one JSON file each on Close.
type UsageObserver struct {
	dir   string
	mu    sync.Mutex
	stats map[string]*UsageSummary
}

func NewUsageObserver(dir string) *UsageObserver {
	return &UsageObserver{dir: dir, stats: make(map[string]*UsageSummary)}
}

func (o *UsageObserver) RecordEvent(ev metrics.MetricsEvent) {
	if ev.Tags == nil {
		return
	}
	id := ev.Tags[metrics.TagTraceID]
	if id == "" {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	stat := o.stats[id]
	if stat == nil {
		stat = &UsageSummary{TraceID: id}
		o.stats[id] = stat
	}
	if p := ev.Tags[metrics.TagProvider]; p != "" {
		stat.Provider = p
	}
	if s := ev.Tags[metrics.TagSessionID]; s != "" {
		stat.SessionID = s
	}

	switch ev.Name {
	case metrics.EventConnected:
		stat.Connected = true
		stat.connectedAt = ev.Time
	case metrics.EventMessageSent:
		stat.MessagesSent++
		stat.CharsSent += intField(ev.Fields, "chars")
	case metrics.EventListening:
		stat.ListenToggles++
	case metrics.EventSignal:
		if kind := ev.Tags[metrics.TagKind]; kind != "" {
			if stat.Signals == nil {
				stat.Signals = make(map[string]int)
			}
			stat.Signals[kind]++
		}
	case metrics.EventError, metrics.EventConnectFailed:
		stat.Errors++
	case metrics.EventDisconnected:
		if !stat.connectedAt.IsZero() {
			stat.SessionSeconds += ev.Time.Sub(stat.connectedAt).Seconds()
			stat.connectedAt = time.Time{}
		}
	}
}

// Summaries returns a copy of the summaries ordered by trace id.
func (o *UsageObserver) Summaries() []UsageSummary {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]UsageSummary, 0, len(o.stats))
	for _, stat := range o.stats {
		cp := *stat
		if stat.Signals != nil {
			cp.Signals = make(map[string]int, len(stat.Signals))
			for k, v := range stat.Signals {
				cp.Signals[k] = v
			}
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TraceID < out[j].TraceID })
	return out
}

func (o *UsageObserver) Close() error {
	if strings.TrimSpace(o.dir) == "" {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.stats) == 0 {
		return nil
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return err
	}
	now := time.Now()
	var errOut error
	for id, stat := range o.stats {
		if !stat.connectedAt.IsZero() {
			stat.SessionSeconds += now.Sub(stat.connectedAt).Seconds()
			stat.connectedAt = time.Time{}
		}
		stat.RecordedAtUTC = now.UTC().Format(time.RFC3339)
		b, err := json.MarshalIndent(stat, "", "  ")
		if err != nil {
			errOut = errors.Join(errOut, err)
			continue
		}
		path := filepath.Join(o.dir, unsafeIDChars.ReplaceAllString(id, "_")+".usage.json")
		if err := os.WriteFile(path, b, 0o644); err != nil {
			errOut = errors.Join(errOut, err)
		}
	}
	return errOut
}

func intField(fields map[string]any, key string) int {
	if fields == nil {
		return 0
	}
	switch v := fields[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

var _ metrics.Observer = (*UsageObserver)(nil)
