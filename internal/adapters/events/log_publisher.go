package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/atvirokodosprendimai/dbaspect/internal/core/domain"
)

type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, topic string, event domain.EventEnvelope) error {
	p.logger.Info("event published",
		zap.String("topic", topic),
		zap.String("event_id", event.EventID),
		zap.String("event_type", event.EventType),
		zap.String("accessor", event.Accessor),
		zap.String("actor", event.Actor),
		zap.Time("occurred_at", event.OccurredAt))
	return nil
}
