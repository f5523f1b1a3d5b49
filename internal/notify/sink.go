// Package notify delivers lifecycle events to sinks without blocking the
// operation that produced them.
package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/elpendex123/ec2-creator-local/internal/models"
)

// Sink delivers one event. Errors are logged by the Dispatcher, never
// returned to lifecycle callers.
type Sink interface {
	Name() string
	Notify(ctx context.Context, ev models.Event) error
}

// LogSink writes events to the structured log.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("events")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Notify(ctx context.Context, ev models.Event) error {
	s.logger.Info("lifecycle event",
		zap.String("event_id", ev.ID),
		zap.String("event", string(ev.Kind)),
		zap.String("id", ev.Instance.ID),
		zap.String("name", ev.Instance.Name),
		zap.String("state", string(ev.Instance.State)),
		zap.String("backend", ev.Instance.Backend),
	)
	return nil
}
