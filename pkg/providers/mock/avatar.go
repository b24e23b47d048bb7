package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/harunnryd/wajah/pkg/adapters/avatar"
)

// Operation names accepted by Fail, Block and Calls.
const (
	OpCreateStartAvatar = "create_start_avatar"
	OpStartVoiceChat    = "start_voice_chat"
	OpCloseVoiceChat    = "close_voice_chat"
	OpStartListening    = "start_listening"
	OpStopListening     = "stop_listening"
	OpSpeak             = "speak"
	OpStopAvatar        = "stop_avatar"
)

// Config controls the scripted behaviour of a mock client.
type Config struct {
	SessionID string `mapstructure:"session_id"`
	StreamURL string `mapstructure:"stream_url"`
	// EmitStreamReady emits stream_ready once voice chat starts.
	EmitStreamReady bool `mapstructure:"emit_stream_ready"`
	// EchoSpeech emits avatar_start_talking/avatar_stop_talking around each speak task.
	EchoSpeech bool `mapstructure:"echo_speech"`
	// FailOn maps an operation name to an error message returned by that call.
	FailOn map[string]string `mapstructure:"fail_on"`
}

// AvatarClient is an in-memory avatar.Client for tests and local demos.
type AvatarClient struct {
	cfg Config

	mu       sync.Mutex
	signal   avatar.SignalFunc
	calls    map[string]int
	failures map[string]error
	blocks   map[string]chan struct{}
	spoken   []avatar.SpeakRequest
	request  avatar.SessionRequest
	token    string
}

func NewAvatar(cfg Config) *AvatarClient {
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.StreamURL == "" {
		cfg.StreamURL = "wss://mock.invalid/" + cfg.SessionID
	}
	c := &AvatarClient{
		cfg:      cfg,
		calls:    make(map[string]int),
		failures: make(map[string]error),
		blocks:   make(map[string]chan struct{}),
	}
	for op, msg := range cfg.FailOn {
		c.failures[op] = errors.New(msg)
	}
	return c
}

// Factory returns a factory that always hands out c.
func (c *AvatarClient) Factory() avatar.Factory {
	return func(cfg avatar.ClientConfig) (avatar.Client, error) {
		c.mu.Lock()
		c.token = cfg.Token
		c.mu.Unlock()
		return c, nil
	}
}

func (c *AvatarClient) Name() string { return "mock_avatar" }

func (c *AvatarClient) OnSignal(fn avatar.SignalFunc) {
	c.mu.Lock()
	c.signal = fn
	c.mu.Unlock()
}

// Fail makes op return err until cleared with a nil err.
func (c *AvatarClient) Fail(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.failures, op)
		return
	}
	c.failures[op] = err
}

// Block makes op wait until the returned release func is called or the call's
// context ends.
func (c *AvatarClient) Block(op string) (release func()) {
	ch := make(chan struct{})
	c.mu.Lock()
	c.blocks[op] = ch
	c.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(ch)
		})
	}
}

// Calls returns how many times op was invoked.
func (c *AvatarClient) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// Spoken returns the speak tasks received so far.
func (c *AvatarClient) Spoken() []avatar.SpeakRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]avatar.SpeakRequest, len(c.spoken))
	copy(out, c.spoken)
	return out
}

// LastRequest returns the last session request.
func (c *AvatarClient) LastRequest() avatar.SessionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.request
}

// Token returns the credential the factory was called with.
func (c *AvatarClient) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Emit delivers sig to the registered signal callback on the caller's goroutine.
func (c *AvatarClient) Emit(sig avatar.Signal) {
	c.mu.Lock()
	fn := c.signal
	c.mu.Unlock()
	if fn != nil {
		fn(sig)
	}
}

func (c *AvatarClient) CreateStartAvatar(ctx context.Context, req avatar.SessionRequest) (avatar.SessionInfo, error) {
	c.mu.Lock()
	c.request = req
	c.mu.Unlock()
	if err := c.enter(ctx, OpCreateStartAvatar); err != nil {
		return avatar.SessionInfo{}, err
	}
	return avatar.SessionInfo{
		SessionID: c.cfg.SessionID,
		URL:       c.cfg.StreamURL,
	}, nil
}

func (c *AvatarClient) StartVoiceChat(ctx context.Context) error {
	if err := c.enter(ctx, OpStartVoiceChat); err != nil {
		return err
	}
	if c.cfg.EmitStreamReady {
		c.Emit(avatar.Signal{
			Kind: avatar.SignalStreamReady,
			Stream: &avatar.MediaStream{
				SessionID: c.cfg.SessionID,
				URL:       c.cfg.StreamURL,
			},
		})
	}
	return nil
}

func (c *AvatarClient) CloseVoiceChat(ctx context.Context) error {
	return c.enter(ctx, OpCloseVoiceChat)
}

func (c *AvatarClient) StartListening(ctx context.Context) error {
	return c.enter(ctx, OpStartListening)
}

func (c *AvatarClient) StopListening(ctx context.Context) error {
	return c.enter(ctx, OpStopListening)
}

func (c *AvatarClient) Speak(ctx context.Context, req avatar.SpeakRequest) error {
	if err := c.enter(ctx, OpSpeak); err != nil {
		return err
	}
	c.mu.Lock()
	c.spoken = append(c.spoken, req)
	c.mu.Unlock()
	if c.cfg.EchoSpeech {
		c.Emit(avatar.Signal{Kind: avatar.SignalAvatarStartTalking})
		c.Emit(avatar.Signal{Kind: avatar.SignalAvatarStopTalking})
	}
	return nil
}

func (c *AvatarClient) StopAvatar(ctx context.Context) error {
	return c.enter(ctx, OpStopAvatar)
}

func (c *AvatarClient) enter(ctx context.Context, op string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	c.calls[op]++
	block := c.blocks[op]
	err := c.failures[op]
	c.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

var _ avatar.Client = (*AvatarClient)(nil)
