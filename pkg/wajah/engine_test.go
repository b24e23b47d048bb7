package wajah

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/wajah/pkg/presenter"
	"github.com/harunnryd/wajah/pkg/session"
	"github.com/harunnryd/wajah/pkg/transports"
	tmock "github.com/harunnryd/wajah/pkg/transports/mock"
)

func testEngineConfig() Config {
	return Config{
		Avatar: session.Config{APIToken: "tok", AvatarID: "Anna_public", VoiceID: "voice-1"},
		Provider: VendorConfig{
			Name: "mock",
			Settings: map[string]any{
				"session_id":        "sess-42",
				"emit_stream_ready": true,
				"echo_speech":       true,
			},
		},
		Commands:      CommandsConfig{Concurrency: 2, QueueSize: 16, TimeoutMS: 2000, SerializeByClient: true},
		Observability: ObservabilityConfig{Metrics: true, MetricsPath: "/metrics"},
		ShutdownMS:    2000,
	}
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *tmock.Transport) {
	t.Helper()
	tr := tmock.New()
	e, err := NewEngine(EngineOptions{
		Config:      cfg,
		Transport:   tr,
		Logger:      quietLogger(),
		QuietBanner: true,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	return e, tr
}

func isEvent(name string) func(tmock.Sent) bool {
	return func(s tmock.Sent) bool {
		return s.Message.Type == transports.MessageEvent && s.Message.Event == name
	}
}

func TestEngineConversationFlow(t *testing.T) {
	e, tr := newTestEngine(t, testEngineConfig())
	defer e.Stop()

	tr.Push(transports.Command{ClientID: "c1", Type: transports.CommandClientAttached})
	first, ok := tr.WaitFor(time.Second, func(s tmock.Sent) bool {
		return s.ClientID == "c1" && s.Message.Type == transports.MessageView
	})
	if !ok {
		t.Fatalf("expected initial view for attached client")
	}
	if v, _ := first.Message.View.(presenter.ViewState); v.Screen != presenter.ScreenLanding {
		t.Fatalf("expected landing screen, got %#v", first.Message.View)
	}

	tr.Push(transports.Command{ClientID: "c1", Type: transports.CommandConnect})
	if _, ok := tr.WaitFor(2*time.Second, isEvent(session.EventConnected)); !ok {
		t.Fatalf("expected connected event")
	}
	if _, ok := tr.WaitFor(2*time.Second, func(s tmock.Sent) bool {
		v, ok := s.Message.View.(presenter.ViewState)
		return ok && v.Screen == presenter.ScreenChat && !v.Loading
	}); !ok {
		t.Fatalf("expected chat view after connect")
	}
	if e.Coordinator().State() != session.StateConnected {
		t.Fatalf("expected connected coordinator, got %s", e.Coordinator().State())
	}

	tr.Push(transports.Command{ClientID: "c1", Type: transports.CommandSpeak, Text: "hello there"})
	if _, ok := tr.WaitFor(2*time.Second, isEvent(session.EventSpeaking)); !ok {
		t.Fatalf("expected speaking event")
	}

	tr.Push(transports.Command{ClientID: "c1", Type: transports.CommandSpeak, Text: "   "})
	failed, ok := tr.WaitFor(2*time.Second, func(s tmock.Sent) bool {
		return s.ClientID == "c1" && s.Message.Type == transports.MessageError
	})
	if !ok {
		t.Fatalf("expected error reply for empty prompt")
	}
	if failed.Message.Event != transports.CommandSpeak || failed.Message.Error == "" {
		t.Fatalf("unexpected error reply: %#v", failed.Message)
	}

	tr.Push(transports.Command{ClientID: "c1", Type: transports.CommandDisconnect})
	if _, ok := tr.WaitFor(2*time.Second, isEvent(session.EventDisconnected)); !ok {
		t.Fatalf("expected disconnected event")
	}

	if err := e.Health(); err != nil {
		t.Fatalf("expected healthy engine, got %v", err)
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := e.Health(); err == nil {
		t.Fatalf("expected unhealthy engine after stop")
	}
}

func TestEngineMissingCredentialsShowBanner(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Avatar.APIToken = ""
	e, tr := newTestEngine(t, cfg)
	defer e.Stop()

	tr.Push(transports.Command{ClientID: "c1", Type: transports.CommandConnect})
	if _, ok := tr.WaitFor(2*time.Second, func(s tmock.Sent) bool {
		v, ok := s.Message.View.(presenter.ViewState)
		return ok && v.Error != nil
	}); !ok {
		t.Fatalf("expected error banner in view")
	}
	if _, ok := tr.WaitFor(time.Second, func(s tmock.Sent) bool {
		return s.ClientID == "c1" && s.Message.Type == transports.MessageError && s.Message.Event == transports.CommandConnect
	}); !ok {
		t.Fatalf("expected connect error reply")
	}
	if e.Coordinator().State() == session.StateConnected {
		t.Fatalf("session must not connect without credentials")
	}
}

func TestEngineRejectsUnknownCommandAndProvider(t *testing.T) {
	e, tr := newTestEngine(t, testEngineConfig())
	defer e.Stop()

	tr.Push(transports.Command{ClientID: "c1", Type: "dance"})
	if _, ok := tr.WaitFor(time.Second, func(s tmock.Sent) bool {
		return s.Message.Type == transports.MessageError && s.Message.Event == "dance"
	}); !ok {
		t.Fatalf("expected unknown command error")
	}

	cfg := testEngineConfig()
	cfg.Provider.Name = "nobody"
	if _, err := NewEngine(EngineOptions{Config: cfg, Transport: tmock.New(), Logger: quietLogger(), QuietBanner: true}); err == nil {
		t.Fatalf("expected unknown provider error")
	}
}

func TestEngineExportsMetrics(t *testing.T) {
	e, tr := newTestEngine(t, testEngineConfig())
	defer e.Stop()

	tr.Push(transports.Command{ClientID: "c1", Type: transports.CommandConnect})
	if _, ok := tr.WaitFor(2*time.Second, isEvent(session.EventConnected)); !ok {
		t.Fatalf("expected connected event")
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		families, err := e.MetricsRegistry().Gather()
		if err != nil {
			t.Fatalf("gather: %v", err)
		}
		for _, mf := range families {
			if mf.GetName() == "wajah_session_connects_total" {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected connect counter to be exported")
}

func TestEngineEventsLogKeepsLifecycleWhenSampled(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Observability.EventsLog = filepath.Join(t.TempDir(), "events.jsonl")
	cfg.Observability.SampleRate = 0
	e, tr := newTestEngine(t, cfg)

	tr.Push(transports.Command{ClientID: "c1", Type: transports.CommandConnect})
	if _, ok := tr.WaitFor(2*time.Second, isEvent(session.EventConnected)); !ok {
		t.Fatalf("expected connected event")
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	raw, err := os.ReadFile(cfg.Observability.EventsLog)
	if err != nil {
		t.Fatalf("read events log: %v", err)
	}
	log := string(raw)
	if !strings.Contains(log, `"name":"session_connected"`) {
		t.Fatalf("expected connect in events log, got %s", log)
	}
	if strings.Contains(log, `"name":"view_update"`) {
		t.Fatalf("view updates must be sampled out at rate 0, got %s", log)
	}
}
