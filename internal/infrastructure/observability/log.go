package observability

import (
	"context"
	"log/slog"

	"github.com/apascualco/edgeway/internal/domain"
)

// LogSink writes events to slog. Failures log at warn, everything else at
// debug except circuit transitions, which the breaker already logs.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(e domain.Event) {
	level := slog.LevelDebug
	switch e.Name {
	case domain.EventUpstreamFailed, domain.EventRegistryRefreshError:
		level = slog.LevelWarn
	case domain.EventCircuitOpened, domain.EventCircuitHalfOpened, domain.EventCircuitClosed:
		return
	}

	attrs := []slog.Attr{slog.String("event", string(e.Name)), slog.String("service", e.Service)}
	if e.Instance != "" {
		attrs = append(attrs, slog.String("instance", e.Instance))
	}
	if e.Status != 0 {
		attrs = append(attrs, slog.Int("status", e.Status))
	}
	if e.Attempt != 0 {
		attrs = append(attrs, slog.Int("attempt", e.Attempt))
	}
	if e.Duration != 0 {
		attrs = append(attrs, slog.Duration("duration", e.Duration))
	}
	if e.Err != nil {
		attrs = append(attrs, slog.String("error", e.Err.Error()))
	}
	s.logger.LogAttrs(context.Background(), level, "gateway event", attrs...)
}

// Fanout forwards every event to each sink in order.
type Fanout []domain.EventSink

func (f Fanout) Emit(e domain.Event) {
	for _, s := range f {
		s.Emit(e)
	}
}
