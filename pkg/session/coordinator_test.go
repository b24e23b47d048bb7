package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/wajah/pkg/adapters/avatar"
	"github.com/harunnryd/wajah/pkg/errorsx"
	"github.com/harunnryd/wajah/pkg/eventbus"
	"github.com/harunnryd/wajah/pkg/metrics"
	"github.com/harunnryd/wajah/pkg/providers/mock"
)

type recorder struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (r *recorder) HandleEvent(ev eventbus.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Name)
	}
	return out
}

func (r *recorder) count(name string) int {
	n := 0
	for _, got := range r.names() {
		if got == name {
			n++
		}
	}
	return n
}

func (r *recorder) last(name string) (eventbus.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Name == name {
			return r.events[i], true
		}
	}
	return eventbus.Event{}, false
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (s *stateLog) OnStateChange(ev StateChange) {
	s.mu.Lock()
	if len(s.states) == 0 {
		s.states = append(s.states, ev.FromState)
	}
	s.states = append(s.states, ev.ToState)
	s.mu.Unlock()
}

func (s *stateLog) sequence() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]State(nil), s.states...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func validConfig() Config {
	return Config{APIToken: "T", AvatarID: "A", VoiceID: "V"}
}

func newTestCoordinator(t *testing.T, client *mock.AvatarClient) (*Coordinator, *recorder, *metrics.MemoryObserver) {
	t.Helper()
	obs := metrics.NewMemoryObserver()
	c := New(Options{
		Factory:  client.Factory(),
		Provider: "mock",
		Observer: obs,
		Logger:   quietLogger(),
	})
	rec := &recorder{}
	c.Events().SubscribeAll(rec)
	return c, rec, obs
}

func connect(t *testing.T, c *Coordinator) {
	t.Helper()
	if err := c.Connect(context.Background(), validConfig()); err != nil {
		t.Fatalf("connect: %v", err)
	}
}

func TestConnectMissingConfigStaysIdle(t *testing.T) {
	cases := map[string]Config{
		"token":  {AvatarID: "A", VoiceID: "V"},
		"avatar": {APIToken: "T", VoiceID: "V"},
		"voice":  {APIToken: "T", AvatarID: "A"},
		"blank":  {APIToken: "  ", AvatarID: "A", VoiceID: "V"},
		"empty":  {},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			client := mock.NewAvatar(mock.Config{})
			c, rec, _ := newTestCoordinator(t, client)

			err := c.Connect(context.Background(), cfg)
			if !errors.Is(err, errorsx.ErrConfiguration) {
				t.Fatalf("expected configuration error, got %v", err)
			}
			if c.State() != StateIdle {
				t.Fatalf("expected idle, got %s", c.State())
			}
			if got := rec.names(); len(got) != 0 {
				t.Fatalf("expected no events, got %v", got)
			}
			if client.Calls(mock.OpCreateStartAvatar) != 0 {
				t.Fatalf("provider must not be contacted")
			}
		})
	}
}

func TestConnectListsEveryMissingKey(t *testing.T) {
	c := New(Options{Logger: quietLogger()})
	err := c.Connect(context.Background(), Config{AvatarID: "A"})
	var cfgErr *errorsx.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if len(cfgErr.Missing) != 2 || cfgErr.Missing[0] != "api_token" || cfgErr.Missing[1] != "voice_id" {
		t.Fatalf("unexpected missing keys: %v", cfgErr.Missing)
	}
}

func TestConnectScenario(t *testing.T) {
	client := mock.NewAvatar(mock.Config{SessionID: "sess-1"})
	client.Fail(mock.OpStartListening, errors.New("not available"))
	c, rec, _ := newTestCoordinator(t, client)
	states := &stateLog{}
	c.AddListener(states)

	connect(t, c)

	seq := states.sequence()
	want := []State{StateIdle, StateInitializing, StateConnected}
	if len(seq) != len(want) {
		t.Fatalf("expected states %v, got %v", want, seq)
	}
	for i := range want {
		if seq[i] != want[i] {
			t.Fatalf("expected states %v, got %v", want, seq)
		}
	}
	if got := rec.names(); len(got) != 1 || got[0] != EventConnected {
		t.Fatalf("expected [connected], got %v", got)
	}
	ev, _ := rec.last(EventConnected)
	payload, ok := ev.Payload.(ConnectedPayload)
	if !ok || payload.SessionInfo.SessionID != "sess-1" || payload.Provider != "mock" {
		t.Fatalf("unexpected connected payload: %#v", ev.Payload)
	}
	if c.Mode() != ModeText {
		t.Fatalf("expected text mode, got %s", c.Mode())
	}
	if client.Token() != "T" {
		t.Fatalf("expected token passed to factory, got %q", client.Token())
	}
}

func TestConnectAutoListening(t *testing.T) {
	client := mock.NewAvatar(mock.Config{EmitStreamReady: true})
	c, rec, obs := newTestCoordinator(t, client)

	connect(t, c)

	got := rec.names()
	want := []string{EventStreamReady, EventConnected, EventAutoListeningStarted}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if rec.count(EventConnected) != 1 {
		t.Fatalf("expected exactly one connected event")
	}
	if c.Mode() != ModeVoice {
		t.Fatalf("expected voice mode, got %s", c.Mode())
	}
	if c.Stream() == nil {
		t.Fatalf("expected stream handle after stream_ready")
	}
	names := obs.Names()
	if len(names) == 0 || names[0] != metrics.EventConnectStart {
		t.Fatalf("expected connect start metric first, got %v", names)
	}
}

func TestConnectTwiceCreatesOneSession(t *testing.T) {
	client := mock.NewAvatar(mock.Config{})
	release := client.Block(mock.OpCreateStartAvatar)
	c, rec, _ := newTestCoordinator(t, client)

	done := make(chan error, 1)
	go func() {
		done <- c.Connect(context.Background(), validConfig())
	}()

	deadline := time.Now().Add(2 * time.Second)
	for client.Calls(mock.OpCreateStartAvatar) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("first connect never reached the provider")
		}
		time.Sleep(time.Millisecond)
	}
	if c.State() != StateInitializing {
		t.Fatalf("expected initializing, got %s", c.State())
	}
	if err := c.Connect(context.Background(), validConfig()); err != nil {
		t.Fatalf("second connect should be a no-op, got %v", err)
	}
	release()

	if err := <-done; err != nil {
		t.Fatalf("first connect: %v", err)
	}
	if n := client.Calls(mock.OpCreateStartAvatar); n != 1 {
		t.Fatalf("expected one session creation, got %d", n)
	}
	if rec.count(EventConnected) != 1 {
		t.Fatalf("expected one connected event, got %v", rec.names())
	}
	if err := c.Connect(context.Background(), validConfig()); err != nil {
		t.Fatalf("connect while connected: %v", err)
	}
	if n := client.Calls(mock.OpCreateStartAvatar); n != 1 {
		t.Fatalf("connect while connected must not create a session, got %d", n)
	}
}

func TestConnectFailureResetsToIdle(t *testing.T) {
	client := mock.NewAvatar(mock.Config{})
	client.Fail(mock.OpCreateStartAvatar, errors.New("API request failed with status 401: Unauthorized"))
	c, rec, _ := newTestCoordinator(t, client)

	err := c.Connect(context.Background(), validConfig())
	if !errors.Is(err, errorsx.ErrProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if c.State() != StateIdle {
		t.Fatalf("expected idle after failure, got %s", c.State())
	}
	ev, ok := rec.last(EventError)
	if !ok {
		t.Fatalf("expected error event")
	}
	payload := ev.Payload.(ErrorPayload)
	if payload.Reason != errorsx.ReasonProviderAuth {
		t.Fatalf("expected auth reason, got %s", payload.Reason)
	}
	if payload.Err == nil || !errors.Is(payload.Err, errorsx.ErrProvider) {
		t.Fatalf("expected original cause in payload")
	}

	client.Fail(mock.OpCreateStartAvatar, nil)
	connect(t, c)
	if c.State() != StateConnected {
		t.Fatalf("expected retry to connect, got %s", c.State())
	}
}

func TestVoiceChatFailureStopsSession(t *testing.T) {
	client := mock.NewAvatar(mock.Config{})
	client.Fail(mock.OpStartVoiceChat, errors.New("dial tcp: connection refused"))
	c, rec, _ := newTestCoordinator(t, client)

	err := c.Connect(context.Background(), validConfig())
	if err == nil {
		t.Fatalf("expected error")
	}
	if client.Calls(mock.OpStopAvatar) != 1 {
		t.Fatalf("expected remote session to be stopped")
	}
	ev, _ := rec.last(EventError)
	if ev.Payload.(ErrorPayload).Reason != errorsx.ReasonProviderNetwork {
		t.Fatalf("expected network reason, got %#v", ev.Payload)
	}
	if c.State() != StateIdle {
		t.Fatalf("expected idle, got %s", c.State())
	}
}

func TestKnowledgeIDTakesPrecedence(t *testing.T) {
	client := mock.NewAvatar(mock.Config{})
	c, _, _ := newTestCoordinator(t, client)
	cfg := validConfig()
	cfg.KnowledgeID = "kb-1"
	cfg.KnowledgeBase = "inline prompt"

	if err := c.Connect(context.Background(), cfg); err != nil {
		t.Fatalf("connect: %v", err)
	}
	req := client.LastRequest()
	if req.KnowledgeID != "kb-1" || req.KnowledgeBase != "" {
		t.Fatalf("expected knowledge id only, got %#v", req)
	}
	if req.Quality != avatar.QualityHigh || req.Emotion != avatar.EmotionFriendly {
		t.Fatalf("expected defaults, got %#v", req)
	}
}

func TestSendMessageRejectsEmptyText(t *testing.T) {
	client := mock.NewAvatar(mock.Config{})
	c, _, _ := newTestCoordinator(t, client)
	connect(t, c)

	for _, text := range []string{"", "   "} {
		err := c.SendMessage(context.Background(), text)
		if !errors.Is(err, errorsx.ErrInvalidArgument) {
			t.Fatalf("expected invalid argument for %q, got %v", text, err)
		}
	}
	if n := client.Calls(mock.OpSpeak); n != 0 {
		t.Fatalf("expected no provider call, got %d", n)
	}
}

func TestSendMessageWhileIdle(t *testing.T) {
	client := mock.NewAvatar(mock.Config{})
	c, rec, _ := newTestCoordinator(t, client)

	err := c.SendMessage(context.Background(), "hello")
	if !errors.Is(err, errorsx.ErrNotConnected) {
		t.Fatalf("expected not connected, got %v", err)
	}
	if rec.count(EventError) != 1 {
		t.Fatalf("expected the failure to be published, got %v", rec.names())
	}
}

func TestSendMessageForwardsTrimmedText(t *testing.T) {
	client := mock.NewAvatar(mock.Config{EchoSpeech: true})
	c, rec, _ := newTestCoordinator(t, client)
	connect(t, c)

	if err := c.SendMessage(context.Background(), "  hello there \n"); err != nil {
		t.Fatalf("send: %v", err)
	}
	spoken := client.Spoken()
	if len(spoken) != 1 || spoken[0].Text != "hello there" || spoken[0].TaskType != avatar.TaskTalk {
		t.Fatalf("unexpected speak request: %#v", spoken)
	}
	if rec.count(EventSpeaking) != 1 || rec.count(EventSpeechEnded) != 1 {
		t.Fatalf("expected talking events, got %v", rec.names())
	}
}

func TestSendMessageProviderFailure(t *testing.T) {
	client := mock.NewAvatar(mock.Config{})
	c, rec, _ := newTestCoordinator(t, client)
	connect(t, c)
	client.Fail(mock.OpSpeak, errors.New("boom"))

	err := c.SendMessage(context.Background(), "hi")
	if !errors.Is(err, errorsx.ErrProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}
	ev, ok := rec.last(EventError)
	if !ok || ev.Payload.(ErrorPayload).Message != "Speech failed: boom" {
		t.Fatalf("unexpected error event: %#v", ev)
	}
	if c.State() != StateConnected {
		t.Fatalf("expected state unchanged, got %s", c.State())
	}
}

func TestProviderErrorSignalKeepsConnected(t *testing.T) {
	client := mock.NewAvatar(mock.Config{})
	c, rec, _ := newTestCoordinator(t, client)
	connect(t, c)
	before := rec.count(EventError)

	client.Emit(avatar.Signal{Kind: avatar.SignalError, Err: errors.New("stream hiccup")})

	if got := rec.count(EventError) - before; got != 1 {
		t.Fatalf("expected exactly one error event, got %d", got)
	}
	ev, _ := rec.last(EventError)
	if ev.Payload.(ErrorPayload).Message != "Avatar error: stream hiccup" {
		t.Fatalf("unexpected message: %#v", ev.Payload)
	}
	if c.State() != StateConnected {
		t.Fatalf("expected connected, got %s", c.State())
	}
}

func TestSignalTranslation(t *testing.T) {
	client := mock.NewAvatar(mock.Config{})
	c, rec, _ := newTestCoordinator(t, client)
	connect(t, c)

	client.Emit(avatar.Signal{Kind: avatar.SignalUserStart})
	client.Emit(avatar.Signal{Kind: avatar.SignalUserStop})

	ev, ok := rec.last(EventUserSpeaking)
	if !ok || !ev.Payload.(UserSpeakingPayload).UserSpeaking {
		t.Fatalf("expected userSpeaking true, got %#v", ev)
	}
	ev, ok = rec.last(EventUserSpeechEnded)
	if !ok || ev.Payload.(UserSpeakingPayload).UserSpeaking {
		t.Fatalf("expected userSpeaking false, got %#v", ev)
	}
}

func TestListeningToggles(t *testing.T) {
	client := mock.NewAvatar(mock.Config{})
	c, rec, _ := newTestCoordinator(t, client)

	if err := c.StartListening(context.Background()); !errors.Is(err, errorsx.ErrNotConnected) {
		t.Fatalf("expected not connected, got %v", err)
	}
	connect(t, c)

	if err := c.StopListening(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := c.StartListening(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if rec.count(EventListeningStopped) != 1 || rec.count(EventListeningStarted) != 1 {
		t.Fatalf("unexpected events: %v", rec.names())
	}

	client.Fail(mock.OpStopListening, errors.New("socket closed"))
	if err := c.StopListening(context.Background()); !errors.Is(err, errorsx.ErrProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if c.State() != StateConnected {
		t.Fatalf("expected state unchanged, got %s", c.State())
	}
}

func TestDisconnectSurvivesTeardownFailures(t *testing.T) {
	client := mock.NewAvatar(mock.Config{EmitStreamReady: true})
	c, rec, _ := newTestCoordinator(t, client)
	connect(t, c)
	client.Fail(mock.OpCloseVoiceChat, errors.New("close failed"))
	client.Fail(mock.OpStopAvatar, errors.New("stop failed"))

	c.Disconnect(context.Background())

	if c.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", c.State())
	}
	if rec.count(EventDisconnected) != 1 {
		t.Fatalf("expected one disconnected event, got %v", rec.names())
	}
	if client.Calls(mock.OpCloseVoiceChat) != 1 || client.Calls(mock.OpStopAvatar) != 1 {
		t.Fatalf("expected both teardown calls to be attempted")
	}
	if c.Stream() != nil || c.Mode() != ModeNone {
		t.Fatalf("expected local references cleared")
	}

	before := rec.count(EventSpeaking)
	client.Emit(avatar.Signal{Kind: avatar.SignalAvatarStartTalking})
	if rec.count(EventSpeaking) != before {
		t.Fatalf("signals after disconnect must be dropped")
	}
}

func TestDisconnectWhileIdle(t *testing.T) {
	client := mock.NewAvatar(mock.Config{})
	c, rec, _ := newTestCoordinator(t, client)

	c.Disconnect(context.Background())

	if c.State() != StateDisconnected || rec.count(EventDisconnected) != 1 {
		t.Fatalf("expected disconnected with one event")
	}
	if client.Calls(mock.OpCloseVoiceChat) != 0 {
		t.Fatalf("no provider teardown expected without a session")
	}
}

func TestReconnectAfterDisconnect(t *testing.T) {
	client := mock.NewAvatar(mock.Config{})
	c, rec, _ := newTestCoordinator(t, client)
	connect(t, c)
	c.Disconnect(context.Background())
	connect(t, c)

	if c.State() != StateConnected {
		t.Fatalf("expected connected, got %s", c.State())
	}
	if rec.count(EventConnected) != 2 {
		t.Fatalf("expected two connected events, got %v", rec.names())
	}
}

func TestDisconnectDuringConnectAbandonsSession(t *testing.T) {
	client := mock.NewAvatar(mock.Config{})
	release := client.Block(mock.OpStartVoiceChat)
	c, rec, _ := newTestCoordinator(t, client)

	done := make(chan error, 1)
	go func() {
		done <- c.Connect(context.Background(), validConfig())
	}()
	deadline := time.Now().Add(2 * time.Second)
	for client.Calls(mock.OpStartVoiceChat) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("connect never reached voice chat")
		}
		time.Sleep(time.Millisecond)
	}

	c.Disconnect(context.Background())
	release()

	if err := <-done; !errors.Is(err, errorsx.ErrNotConnected) {
		t.Fatalf("expected not connected, got %v", err)
	}
	if c.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", c.State())
	}
	if rec.count(EventConnected) != 0 {
		t.Fatalf("abandoned session must not publish connected")
	}
	if client.Calls(mock.OpStopAvatar) != 1 {
		t.Fatalf("expected abandoned session to be stopped")
	}
}

func TestHandlersMayCallBack(t *testing.T) {
	client := mock.NewAvatar(mock.Config{})
	c, _, _ := newTestCoordinator(t, client)
	c.Events().Subscribe(EventConnected, eventbus.Listener(func(eventbus.Event) {
		if c.State() != StateConnected {
			t.Errorf("expected connected inside handler, got %s", c.State())
		}
		_ = c.SendMessage(context.Background(), "welcome")
	}))

	connect(t, c)

	if len(client.Spoken()) != 1 {
		t.Fatalf("expected handler message to be spoken")
	}
}
