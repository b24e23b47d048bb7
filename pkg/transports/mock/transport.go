package mock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/wajah/pkg/transports"
)

// Sent is one outbound message captured by the mock transport.
type Sent struct {
	ClientID string
	Message  transports.Message
}

// Transport is an in-memory transport for local testing and integration.
// It implements the transports.Transport interface without any network dependency.
type Transport struct {
	recvCh chan transports.Command
	closed atomic.Bool
	mu     sync.Mutex
	sent   []Sent
	notify chan struct{}
}

func New() *Transport {
	return &Transport{
		recvCh: make(chan transports.Command, 256),
		notify: make(chan struct{}, 1),
	}
}

func (t *Transport) Name() string { return "mock" }

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		<-ctx.Done()
		_ = t.Stop()
	}()
	return nil
}

func (t *Transport) Stop() error {
	if t.closed.CompareAndSwap(false, true) {
		t.mu.Lock()
		close(t.recvCh)
		t.mu.Unlock()
	}
	return nil
}

func (t *Transport) Recv() <-chan transports.Command { return t.recvCh }

func (t *Transport) Send(msg transports.Message) error {
	t.record(Sent{Message: msg})
	return nil
}

func (t *Transport) SendTo(clientID string, msg transports.Message) error {
	t.record(Sent{ClientID: clientID, Message: msg})
	return nil
}

// Push injects an inbound command into the transport.
func (t *Transport) Push(cmd transports.Command) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return
	}
	if cmd.Received.IsZero() {
		cmd.Received = time.Now()
	}
	select {
	case t.recvCh <- cmd:
	default:
	}
}

// Sent returns a copy of every captured outbound message.
func (t *Transport) Sent() []Sent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Sent, len(t.sent))
	copy(out, t.sent)
	return out
}

// WaitFor blocks until match accepts a captured message or the timeout elapses.
func (t *Transport) WaitFor(timeout time.Duration, match func(Sent) bool) (Sent, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	seen := 0
	for {
		all := t.Sent()
		for _, s := range all[seen:] {
			if match(s) {
				return s, true
			}
		}
		seen = len(all)
		select {
		case <-t.notify:
		case <-deadline.C:
			return Sent{}, false
		}
	}
}

func (t *Transport) record(s Sent) {
	if t.closed.Load() {
		return
	}
	t.mu.Lock()
	t.sent = append(t.sent, s)
	t.mu.Unlock()
	select {
	case t.notify <- struct{}{}:
	default:
	}
}
