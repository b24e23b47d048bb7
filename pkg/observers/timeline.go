package observers

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/wajah/pkg/metrics"
	"github.com/harunnryd/wajah/pkg/redact"
)

// TimelineObserver writes one JSONL file per connect attempt, named after the
// trace id (or the session id for events that carry no trace).
// Each line records the offset from the first event of the attempt.
type TimelineObserver struct {
	dir   string
	mu    sync.Mutex
	files map[string]*timelineFile
}

type timelineFile struct {
	f       *os.File
	w       *bufio.Writer
	started time.Time
}

type timelineEntry struct {
	Time      time.Time         `json:"time"`
	ElapsedMS int64             `json:"elapsed_ms"`
	Event     string            `json:"event"`
	SessionID string            `json:"session_id,omitempty"`
	TraceID   string            `json:"trace_id,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
	Fields    map[string]any    `json:"fields,omitempty"`
}

var unsafeIDChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func NewTimelineObserver(dir string) *TimelineObserver {
	return &TimelineObserver{dir: dir, files: make(map[string]*timelineFile)}
}

func (o *TimelineObserver) RecordEvent(ev metrics.MetricsEvent) {
	sessionID, traceID := ev.Tags[metrics.TagSessionID], ev.Tags[metrics.TagTraceID]
	key := traceID
	if key == "" {
		key = sessionID
	}
	key = unsafeIDChars.ReplaceAllString(strings.TrimSpace(key), "_")
	if key == "" || strings.TrimSpace(o.dir) == "" {
		return
	}
	at := ev.Time
	if at.IsZero() {
		at = time.Now()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	tf := o.openLocked(key, at)
	if tf == nil {
		return
	}
	line, err := json.Marshal(timelineEntry{
		Time:      at.UTC(),
		ElapsedMS: at.Sub(tf.started).Milliseconds(),
		Event:     timelineName(ev),
		SessionID: sessionID,
		TraceID:   traceID,
		Tags:      otherTags(ev.Tags),
		Fields:    redactFields(ev.Fields),
	})
	if err != nil {
		return
	}
	_, _ = tf.w.Write(append(line, '\n'))
	if ev.Name == metrics.EventDisconnected || ev.Name == metrics.EventConnectFailed {
		_ = tf.close()
		delete(o.files, key)
	}
}

// Flush writes buffered lines of every open attempt.
func (o *TimelineObserver) Flush() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var err error
	for _, tf := range o.files {
		err = errors.Join(err, tf.w.Flush())
	}
	return err
}

// Close flushes and closes every open attempt file.
func (o *TimelineObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var err error
	for key, tf := range o.files {
		err = errors.Join(err, tf.close())
		delete(o.files, key)
	}
	return err
}

func (o *TimelineObserver) openLocked(key string, at time.Time) *timelineFile {
	if tf := o.files[key]; tf != nil {
		return tf
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return nil
	}
	f, err := os.OpenFile(filepath.Join(o.dir, key+".jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil
	}
	tf := &timelineFile{f: f, w: bufio.NewWriter(f), started: at}
	o.files[key] = tf
	return tf
}

func (tf *timelineFile) close() error {
	return errors.Join(tf.w.Flush(), tf.f.Close())
}

// Provider signals read as "signal_<kind>" so the file reads as provider activity.
func timelineName(ev metrics.MetricsEvent) string {
	if kind := ev.Tags[metrics.TagKind]; ev.Name == metrics.EventSignal && kind != "" {
		return "signal_" + kind
	}
	return ev.Name
}

// otherTags drops the ids already promoted to their own columns.
func otherTags(in map[string]string) map[string]string {
	var out map[string]string
	for k, v := range in {
		if k == metrics.TagSessionID || k == metrics.TagTraceID {
			continue
		}
		if out == nil {
			out = make(map[string]string, len(in))
		}
		out[k] = v
	}
	return out
}

func redactFields(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if s, ok := v.(string); ok {
			v = redact.Text(s)
		}
		out[k] = v
	}
	return out
}

var (
	_ metrics.Observer = (*TimelineObserver)(nil)
	_ metrics.Flusher  = (*TimelineObserver)(nil)
)
