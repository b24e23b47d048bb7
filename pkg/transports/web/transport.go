package web

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/harunnryd/wajah/pkg/errorsx"
	"github.com/harunnryd/wajah/pkg/metrics"
	"github.com/harunnryd/wajah/pkg/transports"
)

type Config struct {
	ServerAddr     string   `mapstructure:"server_addr"`
	PublicURL      string   `mapstructure:"public_url"`
	WebsocketPath  string   `mapstructure:"ws_path"`
	FallbackPath   string   `mapstructure:"fallback_path"`
	ShareURL       string   `mapstructure:"share_url"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/ws"
	}
	if c.FallbackPath == "" {
		c.FallbackPath = "/fallback"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// Transport bridges browser websocket clients to the engine.
type Transport struct {
	cfg      Config
	server   *http.Server
	upgrader websocket.Upgrader
	observer metrics.Observer
	logger   *slog.Logger

	recvMu sync.RWMutex
	recvCh chan transports.Command

	mu       sync.Mutex
	sessions map[string]*session
	mounts   map[string]http.Handler

	draining atomic.Bool
	stopped  atomic.Bool
}

func New(cfg Config) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		observer: metrics.NoopObserver{},
		logger:   slog.Default(),
		recvCh:   make(chan transports.Command, 256),
		sessions: make(map[string]*session),
		mounts:   make(map[string]http.Handler),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

// SetObserver routes client connect/close events to obs.
func (t *Transport) SetObserver(obs metrics.Observer) {
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	t.observer = obs
}

func (t *Transport) SetLogger(logger *slog.Logger) {
	if logger != nil {
		t.logger = logger
	}
}

// Mount registers an extra handler (e.g. /metrics). Call before Start.
func (t *Transport) Mount(path string, h http.Handler) {
	if strings.TrimSpace(path) == "" || h == nil {
		return
	}
	t.mu.Lock()
	t.mounts[path] = h
	t.mu.Unlock()
}

func (t *Transport) Name() string { return "web" }

func (t *Transport) Recv() <-chan transports.Command { return t.recvCh }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"websocket_url": t.websocketURL(),
		"fallback_url":  t.baseURL("http") + t.cfg.FallbackPath,
	}
}

// Handler returns the HTTP routes served by the transport.
func (t *Transport) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(t.cfg.WebsocketPath, t)
	mux.HandleFunc(t.cfg.FallbackPath, t.handleFallback)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if t.draining.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	t.mu.Lock()
	for path, h := range t.mounts {
		mux.Handle(path, h)
	}
	t.mu.Unlock()
	return mux
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t.server = &http.Server{
		Addr:              t.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           t.Handler(),
	}
	go func() {
		<-ctx.Done()
		_ = t.server.Close()
	}()
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("web_transport_server_error", "error", err.Error())
		}
	}()
	return nil
}

func (t *Transport) Stop() error {
	if !t.stopped.CompareAndSwap(false, true) {
		return nil
	}
	t.draining.Store(true)
	if t.server != nil {
		_ = t.server.Close()
	}
	t.mu.Lock()
	for _, sess := range t.sessions {
		_ = sess.close()
	}
	t.sessions = make(map[string]*session)
	t.mu.Unlock()

	t.recvMu.Lock()
	close(t.recvCh)
	t.recvMu.Unlock()
	return nil
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	clientID := uuid.NewString()
	t.attach(clientID, conn)
	t.push(transports.Command{ClientID: clientID, Type: transports.CommandClientAttached, Received: time.Now()})

	reason := "closed"
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = "transport_error"
			}
			break
		}
		var cmd transports.Command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			_ = t.SendTo(clientID, transports.Message{Type: transports.MessageError, Error: "invalid command payload"})
			continue
		}
		cmd.Type = strings.ToLower(strings.TrimSpace(cmd.Type))
		if !knownCommand(cmd.Type) {
			_ = t.SendTo(clientID, transports.Message{Type: transports.MessageError, Error: "unknown command: " + cmd.Type})
			continue
		}
		cmd.ClientID = clientID
		cmd.Received = time.Now()
		t.push(cmd)
	}

	t.detach(clientID, reason)
	t.push(transports.Command{ClientID: clientID, Type: transports.CommandClientDetached, Received: time.Now()})
}

func (t *Transport) Send(msg transports.Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTransportSend)
	}
	t.mu.Lock()
	targets := make([]*session, 0, len(t.sessions))
	for _, sess := range t.sessions {
		targets = append(targets, sess)
	}
	t.mu.Unlock()
	for _, sess := range targets {
		sess.enqueue(b)
	}
	return nil
}

func (t *Transport) SendTo(clientID string, msg transports.Message) error {
	sess := t.session(clientID)
	if sess == nil {
		return nil
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTransportSend)
	}
	sess.enqueue(b)
	return nil
}

// Clients returns the number of attached websocket clients.
func (t *Transport) Clients() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

var fallbackPage = template.Must(template.New("fallback").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{ .Title }}</title></head>
<body>
<p>{{ .Notice }}</p>
<iframe src="{{ .ShareURL }}" title="{{ .Title }}" allow="microphone; camera; autoplay" width="100%" height="600" frameborder="0"></iframe>
</body>
</html>
`))

func (t *Transport) handleFallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	shareURL := strings.TrimSpace(t.cfg.ShareURL)
	if shareURL == "" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := fallbackPage.Execute(w, map[string]any{
		"Title":    "HeyGen Interactive Avatar",
		"Notice":   "SDK requires paid plan - Using embed fallback",
		"ShareURL": shareURL,
	})
	if err != nil {
		t.logger.Warn("web_fallback_render_failed", "error", err.Error())
	}
}

func (t *Transport) attach(clientID string, conn *websocket.Conn) {
	sess := &session{
		conn:   conn,
		sendCh: make(chan []byte, 256),
	}
	t.mu.Lock()
	t.sessions[clientID] = sess
	count := len(t.sessions)
	t.mu.Unlock()
	go sess.loop()
	t.logger.Info("web_client_connected", "client_id", clientID, "clients", count)
	t.observer.RecordEvent(metrics.MetricsEvent{
		Name:   metrics.EventClientConnected,
		Time:   time.Now(),
		Value:  float64(count),
		Tags:   map[string]string{"client_id": clientID},
		Fields: map[string]any{"clients": count},
	})
}

func (t *Transport) detach(clientID, reason string) {
	t.mu.Lock()
	sess := t.sessions[clientID]
	delete(t.sessions, clientID)
	count := len(t.sessions)
	t.mu.Unlock()
	if sess == nil {
		return
	}
	_ = sess.close()
	t.logger.Info("web_client_closed", "client_id", clientID, "reason", reason, "clients", count)
	t.observer.RecordEvent(metrics.MetricsEvent{
		Name:   metrics.EventClientClosed,
		Time:   time.Now(),
		Value:  float64(count),
		Tags:   map[string]string{"client_id": clientID, metrics.TagReason: reason},
		Fields: map[string]any{"clients": count},
	})
}

func (t *Transport) session(clientID string) *session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[clientID]
}

func (t *Transport) push(cmd transports.Command) {
	t.recvMu.RLock()
	defer t.recvMu.RUnlock()
	if t.stopped.Load() {
		return
	}
	select {
	case t.recvCh <- cmd:
	default:
		t.logger.Warn("web_transport_queue_full", "client_id", cmd.ClientID, "type", cmd.Type)
	}
}

func (t *Transport) websocketURL() string {
	if t.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(t.cfg.PublicURL) + t.cfg.WebsocketPath
	}
	return t.baseURL("ws") + t.cfg.WebsocketPath
}

func (t *Transport) baseURL(scheme string) string {
	if t.cfg.PublicURL != "" {
		if scheme == "ws" {
			scheme = "wss"
		} else {
			scheme = "https"
		}
		return scheme + "://" + normalizePublicURL(t.cfg.PublicURL)
	}
	addr := t.cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return scheme + "://" + addr
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	t.logger.Warn("web_origin_rejected", "origin", origin, "reason_code", string(errorsx.ReasonTransportInvalidOrigin))
	return false
}

func knownCommand(kind string) bool {
	switch kind {
	case transports.CommandConnect,
		transports.CommandSpeak,
		transports.CommandStartListening,
		transports.CommandStopListening,
		transports.CommandToggleListening,
		transports.CommandDisconnect,
		transports.CommandShowFallback,
		transports.CommandHideFallback,
		transports.CommandDismissError:
		return true
	default:
		return false
	}
}

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}

type session struct {
	conn   *websocket.Conn
	sendCh chan []byte
	mu     sync.Mutex
	closed atomic.Bool
}

func (s *session) enqueue(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return
	}
	select {
	case s.sendCh <- b:
	default:
	}
}

func (s *session) loop() {
	for msg := range s.sendCh {
		_ = s.conn.WriteMessage(websocket.TextMessage, msg)
	}
}

func (s *session) close() error {
	s.mu.Lock()
	if s.closed.CompareAndSwap(false, true) {
		close(s.sendCh)
	}
	s.mu.Unlock()
	return s.conn.Close()
}
