package observers

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/wajah/pkg/metrics"
)

func readTimeline(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open timeline: %v", err)
	}
	defer f.Close()
	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var line map[string]any
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		out = append(out, line)
	}
	return out
}

func TestTimelineObserverWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)
	start := time.Now()

	obs.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventSignal,
		Time: start,
		Tags: map[string]string{
			metrics.TagSessionID: "sess-1",
			metrics.TagTraceID:   "trace-1",
			metrics.TagKind:      "stream_ready",
		},
	})
	obs.RecordEvent(metrics.MetricsEvent{
		Name:   metrics.EventMessageSent,
		Time:   start.Add(250 * time.Millisecond),
		Tags:   map[string]string{metrics.TagTraceID: "trace-1"},
		Fields: map[string]any{"note": "Authorization: Bearer abc.def"},
	})
	if err := obs.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	path := filepath.Join(dir, "trace-1.jsonl")
	lines := readTimeline(t, path)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[0]["event"] != "signal_stream_ready" || lines[0]["session_id"] != "sess-1" {
		t.Fatalf("unexpected first line: %v", lines[0])
	}
	if tags, _ := lines[0]["tags"].(map[string]any); tags[metrics.TagTraceID] != nil || tags[metrics.TagKind] != "stream_ready" {
		t.Fatalf("expected ids removed from tags, got %v", lines[0]["tags"])
	}
	if lines[1]["elapsed_ms"] != float64(250) {
		t.Fatalf("expected elapsed offset, got %v", lines[1]["elapsed_ms"])
	}
	raw, _ := os.ReadFile(path)
	if strings.Contains(string(raw), "abc.def") {
		t.Fatalf("expected bearer token redacted, got %s", raw)
	}
	_ = obs.Close()
}

func TestTimelineObserverClosesOnDisconnect(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)
	tags := map[string]string{metrics.TagTraceID: "trace/2"}

	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventConnectStart, Time: time.Now(), Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventDisconnected, Time: time.Now(), Tags: tags})

	obs.mu.Lock()
	open := len(obs.files)
	obs.mu.Unlock()
	if open != 0 {
		t.Fatalf("expected file closed after disconnect, %d open", open)
	}
	if lines := readTimeline(t, filepath.Join(dir, "trace_2.jsonl")); len(lines) != 2 {
		t.Fatalf("expected flushed lines on disconnect, got %d", len(lines))
	}
}

func TestTimelineObserverIgnoresUntagged(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventViewUpdate, Time: time.Now()})
	_ = obs.Close()

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("expected no files, got %d", len(entries))
	}
}
