// Package aspect runs cross-cutting hooks around persistence operations:
// audit capture before the write, schema catalog reconciliation and
// migration snapshot versioning after it.
//
// A Pipeline executes an Operation in three phases. Pre-aspects run first,
// then the caller's core write, then post-aspects. Aspects stage ledger
// records on the operation's Batch and call RequestFlush; the pipeline then
// performs exactly one supplementary flush. Notifications emitted by aspects
// are published only after every phase succeeded.
package aspect

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/atvirokodosprendimai/dbaspect/internal/core/domain"
	"github.com/atvirokodosprendimai/dbaspect/internal/core/ports"
	"github.com/atvirokodosprendimai/dbaspect/internal/platform/clock"
	"github.com/atvirokodosprendimai/dbaspect/internal/platform/id"
)

// Default priorities. Lower runs first.
const (
	PriorityAudit     = 0
	PriorityCatalog   = 100
	PriorityMigration = 200
)

const tracerName = "github.com/atvirokodosprendimai/dbaspect/internal/core/aspect"

type Aspect interface {
	Name() string
}

type PreAspect interface {
	Aspect
	Before(ctx context.Context, op *Operation) error
}

type PostAspect interface {
	Aspect
	After(ctx context.Context, op *Operation) error
}

// CoreFunc performs the persistence operation itself.
type CoreFunc func(ctx context.Context, op *Operation) error

// FlushFunc commits the staged batch in one supplementary write.
type FlushFunc func(ctx context.Context, batch *Batch) error

type registration struct {
	aspect   Aspect
	priority int
	seq      int
	enabled  func() bool
}

func (r registration) active() bool {
	return r.enabled == nil || r.enabled()
}

type RegisterOption func(*registration)

// WithEnabled gates the aspect on a configuration predicate evaluated per run.
func WithEnabled(fn func() bool) RegisterOption {
	return func(r *registration) {
		r.enabled = fn
	}
}

type Pipeline struct {
	mu   sync.RWMutex
	regs []registration
	seq  int

	publisher ports.EventPublisher
	ids       ports.IDGenerator
	clock     ports.Clock
	logger    *zap.Logger
	tracer    trace.Tracer

	conflictRetries uint64
	conflictBackoff time.Duration
}

type Option func(*Pipeline)

func WithPublisher(p ports.EventPublisher) Option {
	return func(pl *Pipeline) { pl.publisher = p }
}

func WithIDGenerator(g ports.IDGenerator) Option {
	return func(pl *Pipeline) { pl.ids = g }
}

func WithClock(c ports.Clock) Option {
	return func(pl *Pipeline) { pl.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(pl *Pipeline) { pl.logger = l }
}

// WithConflictRetries bounds how often the post phase is re-run after a
// domain.ErrConcurrencyConflict from the flush.
func WithConflictRetries(n uint64, backoff time.Duration) Option {
	return func(pl *Pipeline) {
		pl.conflictRetries = n
		if backoff > 0 {
			pl.conflictBackoff = backoff
		}
	}
}

func NewPipeline(opts ...Option) *Pipeline {
	p := &Pipeline{
		ids:             id.NewUUIDGenerator(),
		clock:           clock.System{},
		logger:          zap.NewNop(),
		tracer:          otel.Tracer(tracerName),
		conflictRetries: 3,
		conflictBackoff: 10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	return p
}

// Register adds an aspect. Aspects with equal priority keep registration order.
func (p *Pipeline) Register(a Aspect, priority int, opts ...RegisterOption) {
	reg := registration{aspect: a, priority: priority}
	for _, opt := range opts {
		opt(&reg)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	reg.seq = p.seq
	p.seq++
	p.regs = append(p.regs, reg)
}

func (p *Pipeline) ordered() []registration {
	p.mu.RLock()
	out := make([]registration, len(p.regs))
	copy(out, p.regs)
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].priority != out[j].priority {
			return out[i].priority < out[j].priority
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// RunPre runs every enabled PreAspect in priority order. The first error
// aborts the remaining aspects and is returned unmodified.
func (p *Pipeline) RunPre(ctx context.Context, op *Operation) error {
	op.phase = phasePre
	for _, reg := range p.ordered() {
		pre, ok := reg.aspect.(PreAspect)
		if !ok || !reg.active() {
			continue
		}
		if err := p.run(ctx, op, reg, "before", pre.Before); err != nil {
			return err
		}
	}
	return nil
}

// RunPost runs every enabled PostAspect in priority order.
func (p *Pipeline) RunPost(ctx context.Context, op *Operation) error {
	op.phase = phasePost
	for _, reg := range p.ordered() {
		post, ok := reg.aspect.(PostAspect)
		if !ok || !reg.active() {
			continue
		}
		if err := p.run(ctx, op, reg, "after", post.After); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) run(ctx context.Context, op *Operation, reg registration, hook string, fn func(context.Context, *Operation) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, span := p.tracer.Start(ctx, "aspect."+reg.aspect.Name()+"."+hook, trace.WithAttributes(
		attribute.String("aspect.accessor", op.Accessor),
		attribute.String("aspect.operation", string(op.Kind)),
		attribute.Int("aspect.priority", reg.priority),
	))
	defer span.End()

	if err := fn(ctx, op); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// Execute runs op through the pipeline around core. flush is called at most
// once per post phase, and only when an aspect requested it.
func (p *Pipeline) Execute(ctx context.Context, op *Operation, core CoreFunc, flush FlushFunc) error {
	if err := p.RunPre(ctx, op); err != nil {
		op.complete(err)
		return err
	}
	if core != nil {
		if err := core(ctx, op); err != nil {
			op.complete(err)
			return err
		}
	}
	op.complete(nil)

	attempt := 0
	backoff := retry.WithMaxRetries(p.conflictRetries, retry.NewExponential(p.conflictBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := p.post(ctx, op, flush)
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			p.logger.Warn("ledger flush conflicted, retrying post phase",
				zap.String("accessor", op.Accessor),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return err
	}

	p.publish(ctx, op)
	return nil
}

func (p *Pipeline) post(ctx context.Context, op *Operation, flush FlushFunc) (err error) {
	op.beginPost()
	defer func() { op.complete(err) }()

	if err = p.RunPost(ctx, op); err != nil {
		return err
	}
	if !op.FlushRequested() {
		return nil
	}
	if err = ctx.Err(); err != nil {
		return err
	}
	if flush == nil {
		return fmt.Errorf("aspect: flush requested for %s without a flush func", op.Accessor)
	}
	return flush(ctx, &op.Batch)
}

// publish delivers queued notifications. Delivery failures are logged and do
// not fail the operation, which has already committed.
func (p *Pipeline) publish(ctx context.Context, op *Operation) {
	if p.publisher == nil {
		return
	}
	for _, evt := range op.events() {
		envelope, err := p.envelope(ctx, op, evt)
		if err != nil {
			p.logger.Warn("build notification", zap.String("event_type", evt.eventType), zap.Error(err))
			continue
		}
		if err := p.publisher.Publish(ctx, envelope.Topic(), envelope); err != nil {
			p.logger.Warn("publish notification",
				zap.String("event_type", envelope.EventType),
				zap.String("event_id", envelope.EventID),
				zap.Error(err))
		}
	}
}

func (p *Pipeline) envelope(ctx context.Context, op *Operation, evt pendingEvent) (domain.EventEnvelope, error) {
	eventID, err := p.ids.GenerateID(ctx, ports.KindEvent)
	if err != nil {
		return domain.EventEnvelope{}, err
	}
	var payload any
	if evt.payload != nil {
		payload = evt.payload()
	}
	return domain.EventEnvelope{
		EventID:    eventID,
		EventType:  evt.eventType,
		Accessor:   op.Accessor,
		OccurredAt: p.clock.Now(),
		Actor:      evt.actor,
		Payload:    mustJSON(payload),
	}, nil
}
