package shared

import "context"

type actorContextKey struct{}

// ContextWithActor stores the acting user id in context.
func ContextWithActor(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, actorContextKey{}, userID)
}

// ActorFromContext returns the acting user id, or nil when the request is anonymous.
func ActorFromContext(ctx context.Context) *int64 {
	id, ok := ctx.Value(actorContextKey{}).(int64)
	if !ok || id <= 0 {
		return nil
	}
	return &id
}
