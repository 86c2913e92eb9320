package shared

import "context"

type actorContextKey struct{}

// ContextWithActor stores the acting member id in context.
func ContextWithActor(ctx context.Context, memberID int64) context.Context {
	return context.WithValue(ctx, actorContextKey{}, memberID)
}

// ActorFromContext extracts the acting member id from context. The second
// return is false when no actor was attached.
func ActorFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(actorContextKey{}).(int64)
	return id, ok
}
