// Package presenter turns coordinator events into view state and forwards
// user commands to the coordinator. It never touches the provider directly.
package presenter

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/wajah/pkg/errorsx"
	"github.com/harunnryd/wajah/pkg/eventbus"
	"github.com/harunnryd/wajah/pkg/logging"
	"github.com/harunnryd/wajah/pkg/metrics"
	"github.com/harunnryd/wajah/pkg/session"
)

const (
	apiErrorHide   = 10 * time.Second
	otherErrorHide = 5 * time.Second
)

// Coordinator is the part of the session coordinator the presenter drives.
type Coordinator interface {
	Connect(ctx context.Context, cfg session.Config) error
	SendMessage(ctx context.Context, text string) error
	StartListening(ctx context.Context) error
	StopListening(ctx context.Context) error
	Disconnect(ctx context.Context)
	State() session.State
	Mode() session.Mode
	Events() *eventbus.Bus
}

// Watcher receives every new view snapshot.
type Watcher func(ViewState)

// AfterFunc schedules f after d and returns a stop function, like time.AfterFunc.
type AfterFunc func(d time.Duration, f func()) (stop func() bool)

type Options struct {
	Coordinator Coordinator
	// Config is the session configuration used by StartConversation.
	Config   session.Config
	Observer metrics.Observer
	Logger   *slog.Logger
	// AfterFunc overrides the error auto-hide timer. Nil uses time.AfterFunc.
	AfterFunc AfterFunc
}

// Presenter holds the view state of one page.
type Presenter struct {
	coord     Coordinator
	cfg       session.Config
	obs       metrics.Observer
	log       *slog.Logger
	afterFunc AfterFunc

	mu        sync.Mutex
	view      ViewState
	errorSeq  uint64
	stopHide  func() bool
	watchers  map[uint64]Watcher
	watcherID uint64

	// deliverMu orders snapshot delivery; delivered is the newest version sent.
	deliverMu sync.Mutex
	delivered uint64

	subs []subscription
}

type subscription struct {
	name    string
	handler eventbus.Handler
}

// New creates a presenter and subscribes it to the coordinator's events.
func New(opts Options) (*Presenter, error) {
	if opts.Coordinator == nil {
		return nil, errors.New("presenter: coordinator is required")
	}
	base := opts.Logger
	if base == nil {
		base = slog.Default()
	}
	obs := opts.Observer
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	after := opts.AfterFunc
	if after == nil {
		after = func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		}
	}
	p := &Presenter{
		coord:     opts.Coordinator,
		cfg:       opts.Config,
		obs:       obs,
		log:       logging.NewComponentLogger(base, "presenter"),
		afterFunc: after,
		view:      initialView(),
		watchers:  make(map[uint64]Watcher),
	}
	p.subscribe()
	return p, nil
}

func (p *Presenter) subscribe() {
	routes := map[string]func(eventbus.Event){
		session.EventConnected:            p.onConnected,
		session.EventAutoListeningStarted: p.onAutoListening,
		session.EventStreamReady:          p.onStreamReady,
		session.EventSpeaking:             p.onTalking,
		session.EventSpeechEnded:          p.onTalking,
		session.EventUserSpeaking:         p.onUserSpeaking,
		session.EventUserSpeechEnded:      p.onUserSpeaking,
		session.EventListeningStarted:     p.onListening,
		session.EventListeningStopped:     p.onListening,
		session.EventError:                p.onError,
		session.EventDisconnected:         p.onDisconnected,
	}
	bus := p.coord.Events()
	for name, fn := range routes {
		h := eventbus.Listener(fn)
		bus.Subscribe(name, h)
		p.subs = append(p.subs, subscription{name: name, handler: h})
	}
}

// Close unsubscribes from the bus and cancels the pending auto-hide timer.
func (p *Presenter) Close() {
	bus := p.coord.Events()
	for _, s := range p.subs {
		bus.Unsubscribe(s.name, s.handler)
	}
	p.subs = nil
	p.mu.Lock()
	if p.stopHide != nil {
		p.stopHide()
		p.stopHide = nil
	}
	p.watchers = make(map[uint64]Watcher)
	p.mu.Unlock()
}

// View returns the current snapshot.
func (p *Presenter) View() ViewState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.view.clone()
}

// Watch registers w and returns a function that removes it.
// Snapshots reach watchers one at a time in version order; a snapshot older
// than one already delivered is skipped. Watchers must not call back into
// the presenter's commands.
func (p *Presenter) Watch(w Watcher) (cancel func()) {
	p.mu.Lock()
	p.watcherID++
	id := p.watcherID
	p.watchers[id] = w
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.watchers, id)
		p.mu.Unlock()
	}
}

// StartConversation shows the loading overlay and connects the session.
func (p *Presenter) StartConversation(ctx context.Context) error {
	p.update("start_conversation", func(v *ViewState) {
		v.Loading = true
		v.LoadingText = LoadingConnectingText
		v.Status = StatusConnecting
	})
	err := p.coord.Connect(ctx, p.cfg)
	if err != nil {
		// Configuration failures are not published, so show them here.
		if errors.Is(err, errorsx.ErrConfiguration) {
			p.showError("Failed to connect: "+err.Error(), errorsx.ReasonConfigMissing)
		}
		p.update("connect_failed", func(v *ViewState) {
			v.Loading = false
		})
		p.log.Warn("presenter_connect_failed", slog.String("error", err.Error()))
		return err
	}
	if p.coord.State() == session.StateConnected {
		p.update("connect_done", func(v *ViewState) {
			v.Loading = false
		})
	}
	return nil
}

// Speak sends a prompt. Empty text is rejected locally.
func (p *Presenter) Speak(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		p.showError(MessageEmptyPrompt, errorsx.ReasonInvalidArgument)
		return errorsx.InvalidArgument(MessageEmptyPrompt)
	}
	p.update("speak", func(v *ViewState) {
		v.Status = StatusAvatarSpeaking
	})
	return p.coord.SendMessage(ctx, text)
}

func (p *Presenter) StartListening(ctx context.Context) error {
	return p.coord.StartListening(ctx)
}

func (p *Presenter) StopListening(ctx context.Context) error {
	return p.coord.StopListening(ctx)
}

// ToggleListening flips voice input based on the current view.
func (p *Presenter) ToggleListening(ctx context.Context) error {
	if p.View().VoiceActive {
		return p.coord.StopListening(ctx)
	}
	return p.coord.StartListening(ctx)
}

func (p *Presenter) EndConversation(ctx context.Context) {
	p.coord.Disconnect(ctx)
}

// ShowFallback shows the embedded fallback viewer. Showing it twice is a no-op.
func (p *Presenter) ShowFallback() {
	p.mu.Lock()
	if p.view.FallbackVisible {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.update("show_fallback", func(v *ViewState) {
		v.FallbackVisible = true
		v.Error = nil
	})
}

func (p *Presenter) HideFallback() {
	p.update("hide_fallback", func(v *ViewState) {
		v.FallbackVisible = false
	})
}

// DismissError hides the error banner.
func (p *Presenter) DismissError() {
	p.mu.Lock()
	if p.stopHide != nil {
		p.stopHide()
		p.stopHide = nil
	}
	p.mu.Unlock()
	p.update("dismiss_error", func(v *ViewState) {
		v.Error = nil
	})
}

func (p *Presenter) onConnected(ev eventbus.Event) {
	mode := p.coord.Mode().String()
	p.update(ev.Name, func(v *ViewState) {
		v.Screen = ScreenChat
		v.Status = StatusConnected
		v.Loading = false
		v.LoadingText = ""
		v.InputEnabled = true
		v.Mode = mode
	})
}

func (p *Presenter) onAutoListening(ev eventbus.Event) {
	p.update(ev.Name, func(v *ViewState) {
		v.VoiceActive = true
		v.Status = StatusVoiceActive
		v.Mode = session.ModeVoice.String()
	})
}

func (p *Presenter) onStreamReady(ev eventbus.Event) {
	payload, ok := ev.Payload.(session.StreamPayload)
	if !ok || payload.Stream == nil {
		return
	}
	p.update(ev.Name, func(v *ViewState) {
		s := *payload.Stream
		v.Stream = &s
	})
}

func (p *Presenter) onTalking(ev eventbus.Event) {
	talking := ev.Name == session.EventSpeaking
	if payload, ok := ev.Payload.(session.TalkingPayload); ok {
		talking = payload.Talking
	}
	p.update(ev.Name, func(v *ViewState) {
		v.AvatarSpeaking = talking
		v.InputEnabled = !talking && v.Screen == ScreenChat
	})
}

func (p *Presenter) onUserSpeaking(ev eventbus.Event) {
	speaking := ev.Name == session.EventUserSpeaking
	if payload, ok := ev.Payload.(session.UserSpeakingPayload); ok {
		speaking = payload.UserSpeaking
	}
	p.update(ev.Name, func(v *ViewState) {
		v.UserSpeaking = speaking
		if speaking {
			v.Status = StatusListening
		} else {
			v.Status = StatusProcessing
		}
	})
}

func (p *Presenter) onListening(ev eventbus.Event) {
	active := ev.Name == session.EventListeningStarted
	mode := p.coord.Mode().String()
	p.update(ev.Name, func(v *ViewState) {
		v.VoiceActive = active
		if !active {
			v.UserSpeaking = false
		}
		v.Mode = mode
	})
}

func (p *Presenter) onError(ev eventbus.Event) {
	message := MessageGeneric
	reason := errorsx.ReasonUnknown
	if payload, ok := ev.Payload.(session.ErrorPayload); ok {
		if payload.Message != "" {
			message = payload.Message
		}
		reason = payload.Reason
	}
	p.showError(message, reason)
	p.update(ev.Name, func(v *ViewState) {
		v.Loading = false
	})
}

func (p *Presenter) onDisconnected(ev eventbus.Event) {
	p.update(ev.Name, func(v *ViewState) {
		v.Screen = ScreenLanding
		v.Status = StatusDisconnected
		v.Loading = false
		v.VoiceActive = false
		v.UserSpeaking = false
		v.AvatarSpeaking = false
		v.InputEnabled = false
		v.Stream = nil
		v.Mode = session.ModeNone.String()
	})
}

func (p *Presenter) showError(message string, reason errorsx.ReasonCode) {
	apiError := strings.Contains(message, "API Error")
	hide := otherErrorHide
	if apiError {
		hide = apiErrorHide
	}
	offer := apiError || strings.Contains(message, "400") || session.OffersFallback(reason)

	p.mu.Lock()
	p.errorSeq++
	id := p.errorSeq
	if p.stopHide != nil {
		p.stopHide()
	}
	p.stopHide = p.afterFunc(hide, func() {
		p.expireError(id)
	})
	p.mu.Unlock()

	p.log.Info("presenter_error_shown",
		slog.String("reason", string(reason)),
		slog.Bool("offer_fallback", offer))
	p.update("error_banner", func(v *ViewState) {
		v.Error = &ErrorBanner{
			ID:            id,
			Message:       message,
			OfferFallback: offer,
			AutoHideMS:    hide.Milliseconds(),
		}
	})
}

func (p *Presenter) expireError(id uint64) {
	p.mu.Lock()
	current := p.view.Error != nil && p.view.Error.ID == id
	p.mu.Unlock()
	if !current {
		return
	}
	p.update("error_expired", func(v *ViewState) {
		if v.Error != nil && v.Error.ID == id {
			v.Error = nil
		}
	})
}

func (p *Presenter) update(cause string, fn func(v *ViewState)) {
	p.mu.Lock()
	fn(&p.view)
	p.view.VoiceStatus = voiceStatus(p.view)
	p.view.Version++
	snapshot := p.view.clone()
	watchers := make([]Watcher, 0, len(p.watchers))
	for _, w := range p.watchers {
		watchers = append(watchers, w)
	}
	p.mu.Unlock()

	p.obs.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventViewUpdate,
		Time: time.Now(),
		Tags: map[string]string{metrics.TagKind: cause},
		Fields: map[string]any{
			"version": snapshot.Version,
			"screen":  string(snapshot.Screen),
		},
	})
	p.deliver(snapshot, watchers)
}

func (p *Presenter) deliver(snapshot ViewState, watchers []Watcher) {
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()
	if snapshot.Version <= p.delivered {
		return
	}
	p.delivered = snapshot.Version
	for _, w := range watchers {
		w(snapshot)
	}
}
