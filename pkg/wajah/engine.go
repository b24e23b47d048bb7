package wajah

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/harunnryd/wajah/pkg/errorsx"
	"github.com/harunnryd/wajah/pkg/eventbus"
	"github.com/harunnryd/wajah/pkg/logging"
	"github.com/harunnryd/wajah/pkg/metrics"
	"github.com/harunnryd/wajah/pkg/observers"
	"github.com/harunnryd/wajah/pkg/presenter"
	"github.com/harunnryd/wajah/pkg/redact"
	"github.com/harunnryd/wajah/pkg/runner"
	"github.com/harunnryd/wajah/pkg/session"
	"github.com/harunnryd/wajah/pkg/transports"
	"github.com/harunnryd/wajah/pkg/transports/web"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Engine struct {
	cfg        Config
	log        *slog.Logger
	transport  transports.Transport
	providers  *ProviderRegistry
	bus        *eventbus.Bus
	coord      *session.Coordinator
	presenter  *presenter.Presenter
	dispatcher *CommandDispatcher
	runner     *runner.LifecycleRunner
	asyncObs   *metrics.AsyncObserver
	metricsReg *prometheus.Registry
	ctx        context.Context
	cancel     context.CancelFunc
	started    atomic.Bool
}

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	// Transport defaults to the web transport built from Config.Server.
	Transport transports.Transport
	// Observers receive every metrics event next to the built-in ones.
	Observers []metrics.Observer
	// Logger replaces the process-wide logger setup when set.
	Logger      *slog.Logger
	QuietBanner bool
}

// mounter is implemented by transports that can serve extra HTTP routes.
type mounter interface {
	Mount(path string, h http.Handler)
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		SetDefaultLogger(cfg.LogLevel, cfg.LogFormat)
		logger = slog.Default()
	}
	redact.SetEnabled(cfg.Privacy.RedactPII)

	logger.Info("wajah_init",
		"environment", cfg.Environment,
		"avatar_provider", cfg.Provider.Name,
		"api_token", redact.Presence(cfg.Avatar.APIToken),
		"server_addr", cfg.Server.ServerAddr,
	)

	latencyObs := observers.NewLatencyObserver(logger)
	logObs := observers.NewLoggerObserver(logger)
	obsList := []metrics.Observer{latencyObs, logObs}
	var closers []func() error
	if dir := strings.TrimSpace(cfg.Observability.ArtifactsDir); dir != "" {
		if cfg.Observability.RetentionDays > 0 {
			removed, err := observers.PurgeArtifacts(dir, time.Duration(cfg.Observability.RetentionDays)*24*time.Hour)
			if err != nil {
				logger.Warn("artifact_purge_failed", "dir", dir, "error", err.Error())
			} else if removed > 0 {
				logger.Info("artifact_purge", "dir", dir, "removed", removed)
			}
		}
		timelineObs := observers.NewTimelineObserver(dir)
		usageObs := observers.NewUsageObserver(dir)
		obsList = append(obsList, timelineObs, usageObs)
		closers = append(closers, timelineObs.Close, usageObs.Close)
	}
	if path := strings.TrimSpace(cfg.Observability.EventsLog); path != "" {
		w, closeFn, err := openEventsLog(path)
		if err != nil {
			return nil, fmt.Errorf("events log: %w", err)
		}
		obsList = append(obsList, metrics.NewSamplingObserver(metrics.NewJSONLObserver(w), cfg.Observability.SampleRate))
		closers = append(closers, closeFn)
	}
	var reg *prometheus.Registry
	if cfg.Observability.Metrics {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		obsList = append(obsList, observers.NewPrometheusObserver(reg))
	}
	obsList = append(obsList, opts.Observers...)
	multiObs := observers.NewMultiObserver(obsList...)
	asyncObs := metrics.NewAsyncObserver(multiObs, 2048)

	providers := opts.Providers
	if providers == nil {
		providers = DefaultProviders()
	}
	factory, err := providers.BuildAvatar(cfg.Provider.Name, cfg)
	if err != nil {
		_ = asyncObs.Close()
		return nil, err
	}

	bus := eventbus.New(logging.NewComponentLogger(logger, "eventbus"))
	coord := session.New(session.Options{
		Factory:  factory,
		Provider: strings.ToLower(strings.TrimSpace(cfg.Provider.Name)),
		Settings: cfg.Provider.Settings,
		Bus:      bus,
		Observer: asyncObs,
		Logger:   logger,
	})
	pres, err := presenter.New(presenter.Options{
		Coordinator: coord,
		Config:      cfg.Avatar,
		Observer:    asyncObs,
		Logger:      logger,
	})
	if err != nil {
		_ = asyncObs.Close()
		return nil, err
	}

	tr := opts.Transport
	if tr == nil {
		wt := web.New(cfg.Server)
		wt.SetObserver(asyncObs)
		wt.SetLogger(logging.NewComponentLogger(logger, "web"))
		tr = wt
	}
	if m, ok := tr.(mounter); ok && reg != nil {
		m.Mount(cfg.Observability.MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:        cfg,
		log:        logger,
		transport:  tr,
		providers:  providers,
		bus:        bus,
		coord:      coord,
		presenter:  pres,
		asyncObs:   asyncObs,
		metricsReg: reg,
		ctx:        ctx,
		cancel:     cancel,
	}

	e.dispatcher = NewCommandDispatcher(e.handleCommand, CommandDispatcherOptions{
		Concurrency:       cfg.Commands.Concurrency,
		QueueSize:         cfg.Commands.QueueSize,
		Timeout:           time.Duration(cfg.Commands.TimeoutMS) * time.Millisecond,
		SerializeByClient: cfg.Commands.SerializeByClient,
		OnError:           e.reportCommandError,
		Logger:            logging.NewComponentLogger(logger, "dispatcher"),
	})

	stopWatch := pres.Watch(func(v presenter.ViewState) {
		_ = tr.Send(transports.Message{Type: transports.MessageView, View: v})
	})
	tap := eventbus.Listener(func(ev eventbus.Event) {
		_ = tr.Send(transports.Message{Type: transports.MessageEvent, Event: ev.Name, Payload: ev.Payload})
	})
	bus.SubscribeAll(tap)

	hooks := runner.Hooks{
		OnStart: func() {
			fields := []any{"message", "Wajah Engine Ready", "provider", cfg.Provider.Name}
			if rr, ok := tr.(transports.ReadyReporter); ok {
				for k, v := range rr.ReadyFields() {
					fields = append(fields, k, v)
				}
			}
			logger.Info("engine_ready", fields...)
			if err := cfg.CheckCredentials(); err != nil {
				logger.Warn("config_missing_keys", "error", err.Error())
			}
		},
		OnStop: func() {
			stopWatch()
			bus.UnsubscribeAll(tap)
			pres.Close()
			if err := asyncObs.Close(); err != nil {
				logger.Warn("observer_flush_failed", "error", err.Error())
			}
			if dropped := asyncObs.DroppedByName(); len(dropped) > 0 {
				logger.Warn("observer_events_dropped", "by_name", dropped)
			}
			for _, closeFn := range closers {
				if err := closeFn(); err != nil {
					logger.Warn("observer_close_failed", "error", err.Error())
				}
			}
			logger.Info("shutdown", "goroutines", runtime.NumGoroutine(), "session_state", coord.State().String())
		},
	}

	drainer := runner.DrainerFunc(func() error {
		_ = tr.Stop()
		e.dispatcher.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		coord.Disconnect(ctx)
		return nil
	})

	e.runner = runner.NewLifecycleRunner(drainer, hooks, time.Duration(cfg.ShutdownMS)*time.Millisecond)
	if opts.QuietBanner {
		e.runner.SetBannerOutput(nil)
	}
	return e, nil
}

func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("engine already started")
	}
	if err := e.transport.Start(ctx); err != nil {
		return err
	}
	go e.routeTransport(ctx)
	go func() {
		_ = e.runner.Run(ctx)
	}()
	return nil
}

func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	return e.runner.Stop()
}

func (e *Engine) routeTransport(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.ctx.Done():
			return
		case cmd, ok := <-e.transport.Recv():
			if !ok {
				return
			}
			switch cmd.Type {
			case transports.CommandClientAttached:
				_ = e.transport.SendTo(cmd.ClientID, transports.Message{Type: transports.MessageView, View: e.presenter.View()})
			case transports.CommandClientDetached:
				e.dispatcher.Forget(cmd.ClientID)
			default:
				if err := e.dispatcher.Dispatch(cmd); err != nil {
					e.reportCommandError(cmd, err)
				}
			}
		}
	}
}

// handleCommand maps a browser command onto the presenter.
func (e *Engine) handleCommand(ctx context.Context, cmd transports.Command) error {
	p := e.presenter
	switch cmd.Type {
	case transports.CommandConnect:
		return p.StartConversation(ctx)
	case transports.CommandSpeak:
		return p.Speak(ctx, cmd.Text)
	case transports.CommandStartListening:
		return p.StartListening(ctx)
	case transports.CommandStopListening:
		return p.StopListening(ctx)
	case transports.CommandToggleListening:
		return p.ToggleListening(ctx)
	case transports.CommandDisconnect:
		p.EndConversation(ctx)
	case transports.CommandShowFallback:
		p.ShowFallback()
	case transports.CommandHideFallback:
		p.HideFallback()
	case transports.CommandDismissError:
		p.DismissError()
	default:
		return errorsx.InvalidArgument("unknown command: " + cmd.Type)
	}
	return nil
}

func (e *Engine) reportCommandError(cmd transports.Command, err error) {
	e.log.Warn("command_failed",
		"client_id", cmd.ClientID,
		"type", cmd.Type,
		"reason_code", string(errorsx.Reason(err)),
		"error", redact.Text(err.Error()))
	if cmd.ClientID == "" {
		return
	}
	_ = e.transport.SendTo(cmd.ClientID, transports.Message{
		Type:  transports.MessageError,
		Event: cmd.Type,
		Error: err.Error(),
	})
}

func openEventsLog(path string) (io.Writer, func() error, error) {
	if path == "stdout" || path == "-" {
		return os.Stdout, func() error { return nil }, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, err
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}

// SetDefaultLogger installs the process-wide slog logger.
func SetDefaultLogger(level, format string) {
	slog.SetDefault(logging.NewLogger(os.Stdout, logging.ParseLevel(level), format))
}

func (e *Engine) ProviderRegistry() *ProviderRegistry {
	return e.providers
}

func (e *Engine) Transport() transports.Transport {
	return e.transport
}

func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) Coordinator() *session.Coordinator {
	return e.coord
}

func (e *Engine) Presenter() *presenter.Presenter {
	return e.presenter
}

// MetricsRegistry is nil when metrics are disabled.
func (e *Engine) MetricsRegistry() *prometheus.Registry {
	return e.metricsReg
}

func (e *Engine) Context() context.Context {
	if e.ctx == nil {
		return context.Background()
	}
	return e.ctx
}

func (e *Engine) Health() error {
	if e.transport == nil {
		return fmt.Errorf("missing transport")
	}
	if st := e.runner.State(); st == runner.StateDraining || st == runner.StateStopped {
		return fmt.Errorf("engine %s", st)
	}
	return nil
}
