package aspect

import "context"

// DefaultActor is recorded when neither the entity nor the context names one.
const DefaultActor = "system"

type actorKey struct{}

// WithActor attaches the acting principal recorded on ledger rows.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor attached to ctx or DefaultActor.
func ActorFrom(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok && v != "" {
		return v
	}
	return DefaultActor
}
