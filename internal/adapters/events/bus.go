package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/atvirokodosprendimai/dbaspect/internal/core/domain"
	"github.com/atvirokodosprendimai/dbaspect/internal/core/ports"
)

// Bus fans every event out to its subscribers in subscription order. A
// failing subscriber is logged and counted; the remaining subscribers still
// receive the event and Publish reports success.
type Bus struct {
	mu          sync.RWMutex
	subscribers []subscriber
	logger      *zap.Logger
	failures    atomic.Int64
}

type subscriber struct {
	name string
	pub  ports.EventPublisher
}

func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{logger: logger}
}

func (b *Bus) Subscribe(name string, pub ports.EventPublisher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, subscriber{name: name, pub: pub})
}

func (b *Bus) Publish(ctx context.Context, topic string, event domain.EventEnvelope) error {
	b.mu.RLock()
	subs := append([]subscriber(nil), b.subscribers...)
	b.mu.RUnlock()

	for _, s := range subs {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("publish %s: %w", event.EventID, err)
		}
		if err := s.pub.Publish(ctx, topic, event); err != nil {
			b.failures.Add(1)
			b.logger.Warn("subscriber failed",
				zap.String("subscriber", s.name),
				zap.String("topic", topic),
				zap.String("event_id", event.EventID),
				zap.Error(err))
		}
	}
	return nil
}

// Failures returns how many subscriber deliveries have failed.
func (b *Bus) Failures() int64 {
	return b.failures.Load()
}

var _ ports.EventPublisher = (*Bus)(nil)
