package wajah

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/wajah/pkg/transports"
)

// CommandHandler executes one browser command.
type CommandHandler func(ctx context.Context, cmd transports.Command) error

// CommandErrorFunc is told about commands that failed.
type CommandErrorFunc func(cmd transports.Command, err error)

type CommandDispatcherOptions struct {
	Concurrency int
	QueueSize   int
	Timeout     time.Duration
	// SerializeByClient runs one client's commands in arrival order.
	// Disconnects skip the queue so they can interrupt a pending connect.
	SerializeByClient bool
	OnError           CommandErrorFunc
	Logger            *slog.Logger
}

var (
	ErrCommandTimeout = errors.New("command timeout")
	ErrDispatcherBusy = errors.New("command queue full")
	ErrDispatcherDone = errors.New("command dispatcher closed")
)

// CommandDispatcher runs commands on a fixed worker pool.
type CommandDispatcher struct {
	handle CommandHandler
	tasks  chan transports.Command
	opts   CommandDispatcherOptions
	log    *slog.Logger

	mu          sync.Mutex
	clientLocks map[string]*sync.Mutex
	closed      atomic.Bool
	wg          sync.WaitGroup
	inflight    sync.WaitGroup
}

func NewCommandDispatcher(handle CommandHandler, opts CommandDispatcherOptions) *CommandDispatcher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	d := &CommandDispatcher{
		handle:      handle,
		tasks:       make(chan transports.Command, opts.QueueSize),
		opts:        opts,
		log:         log,
		clientLocks: make(map[string]*sync.Mutex),
	}
	for i := 0; i < opts.Concurrency; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Dispatch enqueues cmd without blocking.
func (d *CommandDispatcher) Dispatch(cmd transports.Command) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed.Load() {
		return ErrDispatcherDone
	}
	if d.opts.SerializeByClient && cmd.Type == transports.CommandDisconnect {
		d.inflight.Add(1)
		go func() {
			defer d.inflight.Done()
			d.exec(cmd, false)
		}()
		return nil
	}
	select {
	case d.tasks <- cmd:
		return nil
	default:
		d.log.Warn("command_dispatcher_queue_full", "client_id", cmd.ClientID, "type", cmd.Type)
		return ErrDispatcherBusy
	}
}

// Close stops accepting commands and waits for queued ones to finish.
func (d *CommandDispatcher) Close() {
	d.mu.Lock()
	if d.closed.CompareAndSwap(false, true) {
		close(d.tasks)
	}
	d.mu.Unlock()
	d.wg.Wait()
	d.inflight.Wait()
}

func (d *CommandDispatcher) worker() {
	defer d.wg.Done()
	for cmd := range d.tasks {
		d.exec(cmd, d.opts.SerializeByClient)
	}
}

func (d *CommandDispatcher) exec(cmd transports.Command, serialize bool) {
	if serialize {
		lock := d.clientLock(cmd.ClientID)
		lock.Lock()
		defer lock.Unlock()
	}
	started := time.Now()
	err := d.callWithTimeout(cmd)
	d.log.Debug("command_done",
		"client_id", cmd.ClientID,
		"type", cmd.Type,
		"queued_ms", started.Sub(cmd.Received).Milliseconds(),
		"duration_ms", time.Since(started).Milliseconds(),
		"ok", err == nil)
	if err != nil && d.opts.OnError != nil {
		d.opts.OnError(cmd, err)
	}
}

func (d *CommandDispatcher) callWithTimeout(cmd transports.Command) error {
	if d.handle == nil {
		return errors.New("missing command handler")
	}
	ctx := context.Background()
	if d.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.Timeout)
		defer cancel()
	}
	err := d.handle(ctx, cmd)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.Join(ErrCommandTimeout, err)
	}
	return err
}

func (d *CommandDispatcher) clientLock(clientID string) *sync.Mutex {
	if clientID == "" {
		return &sync.Mutex{}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	lock, ok := d.clientLocks[clientID]
	if !ok {
		lock = &sync.Mutex{}
		d.clientLocks[clientID] = lock
	}
	return lock
}

// Forget drops the per-client lock once a client detaches.
func (d *CommandDispatcher) Forget(clientID string) {
	d.mu.Lock()
	delete(d.clientLocks, clientID)
	d.mu.Unlock()
}
