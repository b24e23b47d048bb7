package metrics

import (
	"math"
	"sync"
)

// lifecycleEvents are never sampled away; a trace without its connect or
// disconnect line cannot be read.
var lifecycleEvents = map[string]bool{
	EventConnectStart:   true,
	EventSessionCreated: true,
	EventConnected:      true,
	EventConnectFailed:  true,
	EventError:          true,
	EventDisconnected:   true,
}

// SamplingObserver forwards every Nth event of each name to inner, where N
// comes from rate. Session lifecycle events always pass.
type SamplingObserver struct {
	inner Observer
	every uint64

	mu     sync.Mutex
	counts map[string]uint64
}

// NewSamplingObserver keeps roughly rate of the high-volume events.
// A rate of 1 or more keeps everything; 0 or less keeps lifecycle events only.
func NewSamplingObserver(inner Observer, rate float64) *SamplingObserver {
	if inner == nil {
		inner = NoopObserver{}
	}
	var every uint64
	switch {
	case rate >= 1:
		every = 1
	case rate > 0:
		every = uint64(math.Max(1, math.Round(1/rate)))
	}
	return &SamplingObserver{inner: inner, every: every, counts: make(map[string]uint64)}
}

func (s *SamplingObserver) RecordEvent(ev MetricsEvent) {
	if lifecycleEvents[ev.Name] || s.every == 1 {
		s.inner.RecordEvent(ev)
		return
	}
	if s.every == 0 {
		return
	}
	s.mu.Lock()
	s.counts[ev.Name]++
	n := s.counts[ev.Name]
	s.mu.Unlock()
	if n%s.every == 1 {
		s.inner.RecordEvent(ev)
	}
}
