package metrics

import (
	"sync"
	"sync/atomic"
)

// AsyncObserver hands events to inner on its own goroutine so session code
// never waits on file or network writes. A full buffer drops the event and
// counts it under the event name.
type AsyncObserver struct {
	inner  Observer
	queue  chan MetricsEvent
	done   chan struct{}
	closed atomic.Bool
	once   sync.Once

	dropMu  sync.Mutex
	dropped map[string]int64
}

func NewAsyncObserver(inner Observer, buffer int) *AsyncObserver {
	if inner == nil {
		inner = NoopObserver{}
	}
	if buffer <= 0 {
		buffer = 256
	}
	a := &AsyncObserver{
		inner:   inner,
		queue:   make(chan MetricsEvent, buffer),
		done:    make(chan struct{}),
		dropped: make(map[string]int64),
	}
	go a.drain()
	return a
}

func (a *AsyncObserver) RecordEvent(ev MetricsEvent) {
	if a == nil || a.closed.Load() {
		return
	}
	select {
	case a.queue <- ev:
	default:
		a.dropMu.Lock()
		a.dropped[ev.Name]++
		a.dropMu.Unlock()
	}
}

// Dropped reports how many events were lost to a full buffer.
func (a *AsyncObserver) Dropped() int64 {
	a.dropMu.Lock()
	defer a.dropMu.Unlock()
	var total int64
	for _, n := range a.dropped {
		total += n
	}
	return total
}

// DroppedByName returns a copy of the drop counts keyed by event name.
func (a *AsyncObserver) DroppedByName() map[string]int64 {
	a.dropMu.Lock()
	defer a.dropMu.Unlock()
	out := make(map[string]int64, len(a.dropped))
	for k, v := range a.dropped {
		out[k] = v
	}
	return out
}

// Close stops accepting events, delivers the buffered ones and flushes inner
// when it supports it.
func (a *AsyncObserver) Close() error {
	if a == nil {
		return nil
	}
	a.once.Do(func() {
		a.closed.Store(true)
		close(a.queue)
	})
	<-a.done
	if f, ok := a.inner.(Flusher); ok {
		return f.Flush()
	}
	return nil
}

func (a *AsyncObserver) drain() {
	defer close(a.done)
	for ev := range a.queue {
		a.inner.RecordEvent(ev)
	}
}
