package observers

import (
	"context"
	"log/slog"

	"github.com/harunnryd/wajah/pkg/metrics"
)

// LoggerObserver mirrors metrics events into the structured log.
type LoggerObserver struct {
	log *slog.Logger
}

func NewLoggerObserver(log *slog.Logger) *LoggerObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LoggerObserver{log: log}
}

func (o *LoggerObserver) RecordEvent(ev metrics.MetricsEvent) {
	attrs := []slog.Attr{
		slog.String("name", ev.Name),
		slog.Time("time", ev.Time),
	}
	if ev.Value != 0 {
		attrs = append(attrs, slog.Float64("value", ev.Value))
	}
	for k, v := range ev.Tags {
		attrs = append(attrs, slog.String(k, v))
	}
	for k, v := range ev.Fields {
		if _, dup := ev.Tags[k]; dup {
			continue
		}
		attrs = append(attrs, slog.Any(k, v))
	}
	o.log.LogAttrs(context.Background(), levelFor(ev.Name), "metrics", attrs...)
}

// Failures surface at warn so they are visible at the default level.
func levelFor(name string) slog.Level {
	switch name {
	case metrics.EventConnectFailed, metrics.EventError:
		return slog.LevelWarn
	default:
		return slog.LevelDebug
	}
}

type MultiObserver struct {
	list []metrics.Observer
}

func NewMultiObserver(list ...metrics.Observer) *MultiObserver {
	return &MultiObserver{list: list}
}

func (m *MultiObserver) RecordEvent(ev metrics.MetricsEvent) {
	for _, obs := range m.list {
		if obs != nil {
			obs.RecordEvent(ev)
		}
	}
}

// Flush flushes every child that buffers.
func (m *MultiObserver) Flush() error {
	var err error
	for _, obs := range m.list {
		if f, ok := obs.(metrics.Flusher); ok {
			if ferr := f.Flush(); ferr != nil && err == nil {
				err = ferr
			}
		}
	}
	return err
}
