package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/wajah/pkg/adapters/avatar"
	"github.com/harunnryd/wajah/pkg/errorsx"
	"github.com/harunnryd/wajah/pkg/eventbus"
	"github.com/harunnryd/wajah/pkg/logging"
	"github.com/harunnryd/wajah/pkg/metrics"
	"github.com/harunnryd/wajah/pkg/redact"
)

// Options configures a Coordinator.
type Options struct {
	// Factory builds the provider client for each connect attempt.
	Factory avatar.Factory
	// Provider is the registry name of the provider, used in payloads and metrics.
	Provider string
	// Settings are passed to the factory untouched.
	Settings map[string]any
	Bus      *eventbus.Bus
	Observer metrics.Observer
	Logger   *slog.Logger
}

// Coordinator owns the lifecycle of one external avatar session and relays
// provider signals onto its event bus.
//
// The mutex guards local state only. It is never held while calling the
// provider or while publishing, so handlers may call back into the
// coordinator.
type Coordinator struct {
	factory  avatar.Factory
	provider string
	settings map[string]any
	bus      *eventbus.Bus
	obs      metrics.Observer
	log      *slog.Logger

	mu        sync.Mutex
	state     State
	mode      Mode
	gen       uint64
	traceID   string
	client    avatar.Client
	stream    *avatar.MediaStream
	info      avatar.SessionInfo
	listeners []StateListener
}

func New(opts Options) *Coordinator {
	base := opts.Logger
	if base == nil {
		base = slog.Default()
	}
	bus := opts.Bus
	if bus == nil {
		bus = eventbus.New(base)
	}
	obs := opts.Observer
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	provider := strings.TrimSpace(opts.Provider)
	if provider == "" {
		provider = "unknown"
	}
	return &Coordinator{
		factory:  opts.Factory,
		provider: provider,
		settings: opts.Settings,
		bus:      bus,
		obs:      obs,
		log:      logging.NewComponentLogger(base, "session"),
		state:    StateIdle,
	}
}

// Events returns the bus the coordinator publishes on.
func (c *Coordinator) Events() *eventbus.Bus { return c.bus }

// Provider returns the provider name given at construction.
func (c *Coordinator) Provider() string { return c.provider }

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Mode reports whether the current session accepts voice or only text.
// It is ModeNone unless the session is connected.
func (c *Coordinator) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Stream returns the media stream handle announced by the provider, if any.
// The handle is read-only for callers.
func (c *Coordinator) Stream() *avatar.MediaStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return nil
	}
	cp := *c.stream
	return &cp
}

func (c *Coordinator) SessionInfo() avatar.SessionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// AddListener registers a listener for state changes.
func (c *Coordinator) AddListener(l StateListener) {
	if l == nil {
		return
	}
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

// Connect opens a remote session. It returns nil without doing anything when
// a session is already initializing or connected.
func (c *Coordinator) Connect(ctx context.Context, cfg Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	if c.state == StateInitializing || c.state == StateConnected {
		state := c.state
		c.mu.Unlock()
		c.log.Info("session_connect_skipped", slog.String("state", state.String()))
		return nil
	}
	if err := cfg.Validate(); err != nil {
		c.mu.Unlock()
		c.log.Warn("session_config_invalid", slog.String("error", err.Error()))
		return err
	}
	change, err := c.transitionLocked(StateInitializing, "connect")
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.gen++
	gen := c.gen
	c.traceID = uuid.NewString()
	traceID := c.traceID
	c.mode = ModeNone
	c.stream = nil
	c.info = avatar.SessionInfo{}
	listeners := c.snapshotListenersLocked()
	c.mu.Unlock()
	notify(listeners, change)

	started := time.Now()
	c.log.Info("session_connect_start",
		slog.String("trace_id", traceID),
		slog.String("provider", c.provider),
		slog.String("avatar_id", cfg.AvatarID),
		slog.String("api_token", redact.Presence(cfg.APIToken)))
	c.record(metrics.EventConnectStart, traceID, "", nil)

	if c.factory == nil {
		return c.failConnect(gen, "new_client", errors.New("no avatar provider configured"))
	}
	client, err := c.factory(avatar.ClientConfig{
		Token:    cfg.APIToken,
		TraceID:  traceID,
		Settings: c.settings,
	})
	if err != nil {
		return c.failConnect(gen, "new_client", err)
	}
	client.OnSignal(func(sig avatar.Signal) {
		c.handleSignal(gen, sig)
	})

	info, err := client.CreateStartAvatar(ctx, cfg.SessionRequest())
	if err != nil {
		return c.failConnect(gen, "create_start_avatar", err)
	}
	c.record(metrics.EventSessionCreated, traceID, info.SessionID, nil)

	if err := client.StartVoiceChat(ctx); err != nil {
		if stopErr := client.StopAvatar(ctx); stopErr != nil {
			c.log.Warn("session_stop_after_failure",
				slog.String("trace_id", traceID),
				slog.String("error", stopErr.Error()))
		}
		return c.failConnect(gen, "start_voice_chat", err)
	}

	mode := ModeVoice
	if err := client.StartListening(ctx); err != nil {
		mode = ModeText
		c.log.Warn("session_auto_listening_unavailable",
			slog.String("trace_id", traceID),
			slog.String("error", err.Error()))
	}

	c.mu.Lock()
	if c.gen != gen || c.state != StateInitializing {
		c.mu.Unlock()
		c.log.Info("session_connect_abandoned", slog.String("trace_id", traceID))
		c.teardown(ctx, client, traceID)
		return errorsx.NotConnected("connect")
	}
	change, err = c.transitionLocked(StateConnected, "connected")
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.client = client
	c.info = info
	c.mode = mode
	listeners = c.snapshotListenersLocked()
	c.mu.Unlock()
	notify(listeners, change)

	c.log.Info("session_connected",
		slog.String("trace_id", traceID),
		slog.String("session_id", info.SessionID),
		slog.String("mode", mode.String()))
	c.record(metrics.EventConnected, traceID, info.SessionID, map[string]any{
		"latency_ms": time.Since(started).Milliseconds(),
		"mode":       mode.String(),
	})

	c.bus.Publish(EventConnected, ConnectedPayload{SessionInfo: info, Provider: c.provider})
	if mode == ModeVoice {
		c.bus.Publish(EventAutoListeningStarted, EmptyPayload{})
	}
	return nil
}

// SendMessage asks the avatar to speak text.
func (c *Coordinator) SendMessage(ctx context.Context, text string) error {
	client, traceID, sessionID, err := c.connectedClient("send_message")
	if err != nil {
		c.publishError(err, "Speech failed: "+err.Error())
		return err
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		err := errorsx.InvalidArgument("message text is empty")
		c.publishError(err, "Speech failed: "+err.Error())
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	c.log.Info("session_message_send",
		slog.String("trace_id", traceID),
		slog.String("text", redact.Text(trimmed)))
	if err := client.Speak(ctx, avatar.SpeakRequest{Text: trimmed, TaskType: avatar.TaskTalk}); err != nil {
		perr := c.providerError("speak", err)
		c.log.Error("session_message_failed",
			slog.String("trace_id", traceID),
			slog.String("error", err.Error()))
		c.publishError(perr, "Speech failed: "+err.Error())
		return perr
	}
	c.record(metrics.EventMessageSent, traceID, sessionID, map[string]any{"chars": len(trimmed)})
	return nil
}

// StartListening enables voice input for the current session.
func (c *Coordinator) StartListening(ctx context.Context) error {
	return c.toggleListening(ctx, true)
}

// StopListening disables voice input for the current session.
func (c *Coordinator) StopListening(ctx context.Context) error {
	return c.toggleListening(ctx, false)
}

func (c *Coordinator) toggleListening(ctx context.Context, on bool) error {
	op, event, prefix := "stop_listening", EventListeningStopped, "Stop listening failed: "
	if on {
		op, event, prefix = "start_listening", EventListeningStarted, "Start listening failed: "
	}
	client, traceID, sessionID, err := c.connectedClient(op)
	if err != nil {
		c.publishError(err, prefix+err.Error())
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if on {
		err = client.StartListening(ctx)
	} else {
		err = client.StopListening(ctx)
	}
	if err != nil {
		perr := c.providerError(op, err)
		c.log.Error("session_listening_failed",
			slog.String("trace_id", traceID),
			slog.String("op", op),
			slog.String("error", err.Error()))
		c.publishError(perr, prefix+err.Error())
		return perr
	}

	if on {
		c.mu.Lock()
		if c.state == StateConnected {
			c.mode = ModeVoice
		}
		c.mu.Unlock()
	}
	c.record(metrics.EventListening, traceID, sessionID, map[string]any{"listening": on})
	c.bus.Publish(event, EmptyPayload{})
	return nil
}

// Disconnect tears the session down. Provider failures are logged; local state
// always ends Disconnected and exactly one disconnected event is published.
func (c *Coordinator) Disconnect(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	prev := c.state
	client := c.client
	traceID := c.traceID
	sessionID := c.info.SessionID
	c.gen++
	c.client = nil
	c.stream = nil
	c.info = avatar.SessionInfo{}
	c.mode = ModeNone
	var (
		change    StateChange
		changed   bool
		listeners []StateListener
	)
	if prev != StateDisconnected {
		if ch, err := c.transitionLocked(StateDisconnected, "disconnect"); err == nil {
			change, changed = ch, true
			listeners = c.snapshotListenersLocked()
		}
	}
	c.mu.Unlock()
	if changed {
		notify(listeners, change)
	}

	if prev == StateConnected && client != nil {
		c.teardown(ctx, client, traceID)
	}
	c.log.Info("session_disconnected",
		slog.String("trace_id", traceID),
		slog.String("from_state", prev.String()))
	c.record(metrics.EventDisconnected, traceID, sessionID, map[string]any{"from_state": prev.String()})
	c.bus.Publish(EventDisconnected, EmptyPayload{})
}

func (c *Coordinator) teardown(ctx context.Context, client avatar.Client, traceID string) {
	if err := client.CloseVoiceChat(ctx); err != nil {
		c.log.Warn("session_close_voice_chat_failed",
			slog.String("trace_id", traceID),
			slog.String("error", err.Error()))
	}
	if err := client.StopAvatar(ctx); err != nil {
		c.log.Warn("session_stop_avatar_failed",
			slog.String("trace_id", traceID),
			slog.String("error", err.Error()))
	}
}

func (c *Coordinator) handleSignal(gen uint64, sig avatar.Signal) {
	c.mu.Lock()
	if c.gen != gen || (c.state != StateInitializing && c.state != StateConnected) {
		c.mu.Unlock()
		c.log.Debug("session_signal_dropped", slog.String("kind", sig.Kind.String()))
		return
	}
	if sig.Kind == avatar.SignalStreamReady && sig.Stream != nil {
		cp := *sig.Stream
		c.stream = &cp
	}
	traceID := c.traceID
	sessionID := c.info.SessionID
	c.mu.Unlock()

	c.record(metrics.EventSignal, traceID, sessionID, map[string]any{metrics.TagKind: sig.Kind.String()})

	switch sig.Kind {
	case avatar.SignalStreamReady:
		c.bus.Publish(EventStreamReady, StreamPayload{Stream: sig.Stream, Provider: c.provider})
	case avatar.SignalAvatarStartTalking:
		c.bus.Publish(EventSpeaking, TalkingPayload{Talking: true, Provider: c.provider})
	case avatar.SignalAvatarStopTalking:
		c.bus.Publish(EventSpeechEnded, TalkingPayload{Talking: false, Provider: c.provider})
	case avatar.SignalUserStart:
		c.bus.Publish(EventUserSpeaking, UserSpeakingPayload{UserSpeaking: true})
	case avatar.SignalUserStop:
		c.bus.Publish(EventUserSpeechEnded, UserSpeakingPayload{UserSpeaking: false})
	case avatar.SignalError:
		detail := "Unknown error"
		if sig.Err != nil {
			detail = sig.Err.Error()
		}
		c.log.Error("session_provider_error",
			slog.String("trace_id", traceID),
			slog.String("error", detail))
		c.publishError(c.providerError("signal", sig.Err), "Avatar error: "+detail)
	default:
		c.log.Debug("session_signal_unknown", slog.Int("kind", int(sig.Kind)))
	}
}

func (c *Coordinator) failConnect(gen uint64, op string, cause error) error {
	reason := Classify(cause)
	message, hint := ConnectMessage(reason, cause)
	perr := &errorsx.ProviderError{Op: op, Reason: reason, Hint: hint, Err: cause}

	c.mu.Lock()
	current := c.gen == gen && c.state == StateInitializing
	var (
		change    StateChange
		listeners []StateListener
	)
	if current {
		change, _ = c.transitionLocked(StateIdle, "connect_failed")
		listeners = c.snapshotListenersLocked()
	}
	traceID := c.traceID
	c.mu.Unlock()

	c.log.Error("session_connect_failed",
		slog.String("trace_id", traceID),
		slog.String("op", op),
		slog.String("reason", string(reason)),
		slog.String("error", cause.Error()))
	c.record(metrics.EventConnectFailed, traceID, "", map[string]any{
		metrics.TagOp:     op,
		metrics.TagReason: string(reason),
	})
	if !current {
		return perr
	}
	notify(listeners, change)
	c.bus.Publish(EventError, ErrorPayload{Err: perr, Message: message, Reason: reason})
	return perr
}

func (c *Coordinator) connectedClient(op string) (avatar.Client, string, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected || c.client == nil {
		return nil, "", "", errorsx.NotConnected(op)
	}
	return c.client, c.traceID, c.info.SessionID, nil
}

func (c *Coordinator) providerError(op string, err error) *errorsx.ProviderError {
	var existing *errorsx.ProviderError
	if errors.As(err, &existing) && existing.Op == op {
		return existing
	}
	return &errorsx.ProviderError{Op: op, Reason: Classify(err), Err: err}
}

func (c *Coordinator) publishError(err error, message string) {
	reason := errorsx.Reason(err)
	if reason == errorsx.ReasonUnknown {
		reason = Classify(err)
	}
	c.mu.Lock()
	traceID := c.traceID
	c.mu.Unlock()
	c.record(metrics.EventError, traceID, "", map[string]any{metrics.TagReason: string(reason)})
	c.bus.Publish(EventError, ErrorPayload{Err: err, Message: message, Reason: reason})
}

// transitionLocked must be called with c.mu held.
func (c *Coordinator) transitionLocked(to State, reason string) (StateChange, error) {
	if !transitionValid(c.state, to) {
		return StateChange{}, &InvalidTransitionError{From: c.state, To: to}
	}
	change := StateChange{
		FromState: c.state,
		ToState:   to,
		Timestamp: time.Now(),
		Reason:    reason,
	}
	c.state = to
	return change, nil
}

func (c *Coordinator) snapshotListenersLocked() []StateListener {
	out := make([]StateListener, len(c.listeners))
	copy(out, c.listeners)
	return out
}

func notify(listeners []StateListener, change StateChange) {
	for _, l := range listeners {
		l.OnStateChange(change)
	}
}

func (c *Coordinator) record(name, traceID, sessionID string, fields map[string]any) {
	tags := map[string]string{
		metrics.TagProvider: c.provider,
	}
	if traceID != "" {
		tags[metrics.TagTraceID] = traceID
	}
	if sessionID != "" {
		tags[metrics.TagSessionID] = sessionID
	}
	if fields != nil {
		if op, ok := fields[metrics.TagOp].(string); ok {
			tags[metrics.TagOp] = op
		}
		if reason, ok := fields[metrics.TagReason].(string); ok {
			tags[metrics.TagReason] = reason
		}
		if kind, ok := fields[metrics.TagKind].(string); ok {
			tags[metrics.TagKind] = kind
		}
	}
	c.obs.RecordEvent(metrics.MetricsEvent{
		Name:   name,
		Time:   time.Now(),
		Tags:   tags,
		Fields: fields,
	})
}
