package notify

import (
	"context"
	"log/slog"
)

// LogSink writes events to the structured log. It stands in for outbound
// channels in development.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink { return &LogSink{logger: logger} }

func (l *LogSink) Name() string { return "log" }

func (l *LogSink) Notify(_ context.Context, ev *Event) error {
	l.logger.Info("event", "type", ev.Type, "correlationId", ev.CorrelationID, "recipients", ev.Recipients)
	return nil
}
