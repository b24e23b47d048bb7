package metrics

import (
	"encoding/json"
	"io"
	"sort"
	"sync"
	"time"
)

// JSONLObserver appends one JSON object per event to w. Session and trace ids
// are lifted to the top level so the log can be grepped per conversation.
type JSONLObserver struct {
	mu  sync.Mutex
	enc *json.Encoder
}

type jsonlRecord struct {
	Time      time.Time         `json:"time"`
	Name      string            `json:"name"`
	TraceID   string            `json:"trace_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Value     float64           `json:"value,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
	Fields    map[string]any    `json:"fields,omitempty"`
}

func NewJSONLObserver(w io.Writer) *JSONLObserver {
	if w == nil {
		w = io.Discard
	}
	return &JSONLObserver{enc: json.NewEncoder(w)}
}

func (o *JSONLObserver) RecordEvent(ev MetricsEvent) {
	rec := jsonlRecord{
		Time:   ev.Time,
		Name:   ev.Name,
		Value:  ev.Value,
		Fields: ev.Fields,
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	if len(ev.Tags) > 0 {
		rec.Tags = make(map[string]string, len(ev.Tags))
		for _, k := range sortedKeys(ev.Tags) {
			switch k {
			case TagTraceID:
				rec.TraceID = ev.Tags[k]
			case TagSessionID:
				rec.SessionID = ev.Tags[k]
			default:
				rec.Tags[k] = ev.Tags[k]
			}
		}
	}
	o.mu.Lock()
	_ = o.enc.Encode(rec)
	o.mu.Unlock()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
