package heygen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/harunnryd/wajah/pkg/adapters/avatar"
	"github.com/harunnryd/wajah/pkg/logging"
	"github.com/harunnryd/wajah/pkg/resilience"
)

const providerName = "heygen"

// NewFactory decodes settings once and returns a factory whose clients share
// one HTTP client and one rate-limit breaker.
func NewFactory(settings map[string]any) (avatar.Factory, error) {
	cfg, err := DecodeConfig(settings)
	if err != nil {
		return nil, err
	}
	httpClient := &http.Client{Timeout: cfg.requestTimeout()}
	breaker := resilience.NewCircuitBreaker(cfg.BreakerThreshold, cfg.breakerCooldown())
	return func(cc avatar.ClientConfig) (avatar.Client, error) {
		if strings.TrimSpace(cc.Token) == "" {
			return nil, errors.New("missing heygen api token")
		}
		c := New(cfg, cc.Token)
		c.http = httpClient
		c.breaker = breaker
		c.traceID = cc.TraceID
		return c, nil
	}, nil
}

// Client talks to the HeyGen streaming API for one session.
type Client struct {
	cfg     Config
	token   string
	traceID string
	http    *http.Client
	breaker *resilience.CircuitBreaker
	dialer  websocket.Dialer
	log     *slog.Logger

	mu      sync.Mutex
	signal  avatar.SignalFunc
	session avatar.SessionInfo
	lang    string
	conn    *websocket.Conn
	cancel  context.CancelFunc
	done    chan struct{}

	writeMu sync.Mutex
}

func New(cfg Config, token string) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:     cfg,
		token:   token,
		http:    &http.Client{Timeout: cfg.requestTimeout()},
		breaker: resilience.NewCircuitBreaker(cfg.BreakerThreshold, cfg.breakerCooldown()),
		dialer:  websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 10 * time.Second},
		log:     logging.NewComponentLogger(slog.Default(), providerName),
	}
}

func (c *Client) Name() string { return "heygen_streaming_avatar" }

func (c *Client) OnSignal(fn avatar.SignalFunc) {
	c.mu.Lock()
	c.signal = fn
	c.mu.Unlock()
}

type apiEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   *apiError       `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type newSessionRequest struct {
	Quality             string          `json:"quality,omitempty"`
	AvatarName          string          `json:"avatar_name"`
	Voice               voiceSetting    `json:"voice"`
	KnowledgeID         string          `json:"knowledge_id,omitempty"`
	KnowledgeBase       string          `json:"knowledge_base,omitempty"`
	Language            string          `json:"language,omitempty"`
	Version             string          `json:"version"`
	VideoEncoding       string          `json:"video_encoding"`
	Source              string          `json:"source"`
	DisableIdleTimeout  bool            `json:"disable_idle_timeout,omitempty"`
	ActivityIdleTimeout int             `json:"activity_idle_timeout,omitempty"`
	STTSettings         *sttSettingData `json:"stt_settings,omitempty"`
}

type voiceSetting struct {
	VoiceID string `json:"voice_id"`
	Emotion string `json:"emotion,omitempty"`
}

type sttSettingData struct {
	Provider string `json:"provider"`
}

type newSessionData struct {
	SessionID            string `json:"session_id"`
	AccessToken          string `json:"access_token"`
	URL                  string `json:"url"`
	RealtimeEndpoint     string `json:"realtime_endpoint"`
	SessionDurationLimit int    `json:"session_duration_limit"`
}

type sessionRef struct {
	SessionID string `json:"session_id"`
}

type taskRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	TaskType  string `json:"task_type"`
	TaskMode  string `json:"task_mode"`
}

func (c *Client) CreateStartAvatar(ctx context.Context, req avatar.SessionRequest) (avatar.SessionInfo, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	token, err := c.sessionToken(ctx)
	if err != nil {
		return avatar.SessionInfo{}, err
	}

	body := newSessionRequest{
		Quality:             string(req.Quality),
		AvatarName:          req.AvatarName,
		Voice:               voiceSetting{VoiceID: req.VoiceID, Emotion: string(req.Emotion)},
		KnowledgeID:         req.KnowledgeID,
		KnowledgeBase:       req.KnowledgeBase,
		Language:            req.Language,
		Version:             c.cfg.Version,
		VideoEncoding:       "H264",
		Source:              "sdk",
		DisableIdleTimeout:  c.cfg.DisableIdleTimeout,
		ActivityIdleTimeout: c.cfg.ActivityIdleTimeout,
	}
	if c.cfg.STTProvider != "" {
		body.STTSettings = &sttSettingData{Provider: c.cfg.STTProvider}
	}
	var data newSessionData
	err = c.breaker.Guard(func() error {
		return c.post(ctx, "/v1/streaming.new", token, body, &data)
	})
	if err != nil {
		return avatar.SessionInfo{}, err
	}
	if data.SessionID == "" {
		return avatar.SessionInfo{}, errors.New("API request failed: response carried no session id")
	}

	if err := c.post(ctx, "/v1/streaming.start", token, sessionRef{SessionID: data.SessionID}, nil); err != nil {
		// The created session is billed until stopped, and nothing else knows its id.
		stopCtx, cancel := context.WithTimeout(context.Background(), c.cfg.requestTimeout())
		defer cancel()
		if stopErr := c.post(stopCtx, "/v1/streaming.stop", token, sessionRef{SessionID: data.SessionID}, nil); stopErr != nil {
			c.log.Warn("heygen_orphan_stop_failed",
				slog.String("trace_id", c.traceID),
				slog.String("session_id", data.SessionID),
				slog.String("error", stopErr.Error()))
		}
		return avatar.SessionInfo{}, err
	}

	info := avatar.SessionInfo{
		SessionID:        data.SessionID,
		URL:              data.URL,
		AccessToken:      data.AccessToken,
		RealtimeEndpoint: data.RealtimeEndpoint,
		SessionDuration:  data.SessionDurationLimit,
	}
	c.mu.Lock()
	c.session = info
	c.lang = req.Language
	c.token = token
	c.mu.Unlock()

	c.log.Info("heygen_session_started",
		slog.String("trace_id", c.traceID),
		slog.String("session_id", info.SessionID))

	c.emit(avatar.Signal{
		Kind: avatar.SignalStreamReady,
		Stream: &avatar.MediaStream{
			SessionID:   info.SessionID,
			URL:         info.URL,
			AccessToken: info.AccessToken,
		},
	})
	return info, nil
}

// StartVoiceChat opens the chat websocket that carries user speech and avatar
// talking signals.
func (c *Client) StartVoiceChat(ctx context.Context) error {
	c.mu.Lock()
	info := c.session
	lang := c.lang
	existing := c.conn
	c.mu.Unlock()
	if info.SessionID == "" {
		return errors.New("heygen: voice chat requires a started session")
	}
	if existing != nil {
		return nil
	}

	u, err := c.chatURL(info, lang)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conn, resp, err := c.dialer.DialContext(ctx, u, http.Header{
		"Authorization": []string{"Bearer " + c.currentToken()},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return resilience.RateLimitError{Provider: providerName, Message: resp.Status}
		}
		if resp != nil {
			return fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, resp.Status)
		}
		return fmt.Errorf("heygen chat dial: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	c.log.Info("heygen_voice_chat_started",
		slog.String("trace_id", c.traceID),
		slog.String("session_id", info.SessionID))
	go c.readLoop(loopCtx, conn, done)
	go c.keepAliveLoop(loopCtx, conn)
	return nil
}

func (c *Client) CloseVoiceChat(ctx context.Context) error {
	c.mu.Lock()
	conn, cancel, done := c.conn, c.cancel, c.done
	c.conn, c.cancel, c.done = nil, nil, nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	cancel()
	c.writeMu.Lock()
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	err := conn.Close()
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func (c *Client) StartListening(ctx context.Context) error {
	return c.sendChat("agent.start_listening")
}

func (c *Client) StopListening(ctx context.Context) error {
	return c.sendChat("agent.stop_listening")
}

func (c *Client) Speak(ctx context.Context, req avatar.SpeakRequest) error {
	c.mu.Lock()
	sessionID := c.session.SessionID
	c.mu.Unlock()
	if sessionID == "" {
		return errors.New("heygen: speak requires a started session")
	}
	taskType := req.TaskType
	if taskType == "" {
		taskType = avatar.TaskTalk
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return c.post(ctx, "/v1/streaming.task", c.currentToken(), taskRequest{
		SessionID: sessionID,
		Text:      req.Text,
		TaskType:  string(taskType),
		TaskMode:  "sync",
	}, nil)
}

func (c *Client) StopAvatar(ctx context.Context) error {
	c.mu.Lock()
	sessionID := c.session.SessionID
	c.session = avatar.SessionInfo{}
	c.mu.Unlock()
	if sessionID == "" {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	err := c.post(ctx, "/v1/streaming.stop", c.currentToken(), sessionRef{SessionID: sessionID}, nil)
	if err == nil {
		c.log.Info("heygen_session_stopped",
			slog.String("trace_id", c.traceID),
			slog.String("session_id", sessionID))
	}
	return err
}

func (c *Client) sessionToken(ctx context.Context) (string, error) {
	if !c.cfg.ExchangeToken {
		return c.token, nil
	}
	var data struct {
		Token string `json:"token"`
	}
	req, err := c.newRequest(ctx, "/v1/streaming.create_token", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-Api-Key", c.token)
	if err := c.do(req, &data); err != nil {
		return "", err
	}
	if data.Token == "" {
		return "", errors.New("API request failed: token exchange returned no token")
	}
	return data.Token, nil
}

func (c *Client) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *Client) post(ctx context.Context, path, token string, body any, out any) error {
	req, err := c.newRequest(ctx, path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, path string, body any) (*http.Request, error) {
	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Error("heygen_request_failed",
			slog.String("trace_id", c.traceID),
			slog.String("path", req.URL.Path),
			slog.String("error", err.Error()))
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	c.log.Debug("heygen_request",
		slog.String("trace_id", c.traceID),
		slog.String("path", req.URL.Path),
		slog.Int("status", resp.StatusCode),
		slog.Int64("latency_ms", time.Since(started).Milliseconds()))

	var env apiEnvelope
	_ = json.Unmarshal(raw, &env)
	if resp.StatusCode == http.StatusTooManyRequests {
		return resilience.RateLimitError{
			Provider:   providerName,
			Message:    envelopeMessage(env, resp.Status),
			RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, envelopeMessage(env, resp.Status))
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("heygen decode %s: %w", req.URL.Path, err)
	}
	return nil
}

func envelopeMessage(env apiEnvelope, fallback string) string {
	if env.Error != nil && env.Error.Message != "" {
		return env.Error.Message
	}
	if env.Message != "" {
		return env.Message
	}
	return fallback
}

func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func (c *Client) chatURL(info avatar.SessionInfo, lang string) (string, error) {
	base, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", err
	}
	switch base.Scheme {
	case "https":
		base.Scheme = "wss"
	case "http":
		base.Scheme = "ws"
	}
	base.Path = strings.TrimRight(base.Path, "/") + "/v1/ws/streaming.chat"
	q := url.Values{}
	q.Set("session_id", info.SessionID)
	q.Set("session_token", c.currentToken())
	q.Set("silence_response", "false")
	if lang != "" {
		q.Set("stt_language", lang)
	}
	base.RawQuery = q.Encode()
	return base.String(), nil
}

type chatCommand struct {
	Type    string `json:"type"`
	EventID string `json:"event_id"`
}

type chatEvent struct {
	EventType string `json:"event_type"`
	Type      string `json:"type"`
	Message   string `json:"message"`
	Text      string `json:"text"`
	TaskID    string `json:"task_id"`
}

func (c *Client) sendChat(kind string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("heygen: voice chat is not active")
	}
	b, err := json.Marshal(chatCommand{Type: kind, EventID: uuid.NewString()})
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("heygen chat send %s: %w", kind, err)
	}
	return nil
}

func (c *Client) keepAliveLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.keepAlive())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				c.log.Debug("heygen_keepalive_failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Info("heygen_chat_closed", slog.String("trace_id", c.traceID))
				return
			}
			c.log.Error("heygen_chat_read_failed",
				slog.String("trace_id", c.traceID),
				slog.String("error", err.Error()))
			c.emit(avatar.Signal{Kind: avatar.SignalError, Err: fmt.Errorf("network error: %w", err)})
			return
		}
		c.handleMessage(data)
	}
}

func (c *Client) handleMessage(data []byte) {
	var ev chatEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		c.log.Warn("heygen_chat_raw_data", slog.String("data", string(data)))
		return
	}
	name := ev.EventType
	if name == "" {
		name = ev.Type
	}
	kind, ok := avatar.ParseSignalKind(name)
	if !ok {
		c.log.Debug("heygen_chat_event", slog.String("event_type", name))
		return
	}
	sig := avatar.Signal{Kind: kind}
	detail := map[string]any{}
	if ev.Text != "" {
		detail["text"] = ev.Text
	}
	if ev.TaskID != "" {
		detail["task_id"] = ev.TaskID
	}
	if len(detail) > 0 {
		sig.Detail = detail
	}
	if kind == avatar.SignalError {
		msg := ev.Message
		if msg == "" {
			msg = "Unknown error"
		}
		sig.Err = errors.New(msg)
	}
	if kind == avatar.SignalStreamReady {
		c.mu.Lock()
		info := c.session
		c.mu.Unlock()
		sig.Stream = &avatar.MediaStream{SessionID: info.SessionID, URL: info.URL, AccessToken: info.AccessToken}
	}
	c.emit(sig)
}

func (c *Client) emit(sig avatar.Signal) {
	c.mu.Lock()
	fn := c.signal
	c.mu.Unlock()
	if fn != nil {
		fn(sig)
	}
}

var _ avatar.Client = (*Client)(nil)
