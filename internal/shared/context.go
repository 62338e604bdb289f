package shared

import "context"

type actorContextKey struct{}

// ActorHeader carries the acting user identity supplied by the
// authentication layer in front of this service.
const ActorHeader = "X-Actor-ID"

// ContextWithActor stores the acting user id in context.
func ContextWithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actorID)
}

// ActorFromContext extracts the acting user id, or "" when absent.
func ActorFromContext(ctx context.Context) string {
	actor, _ := ctx.Value(actorContextKey{}).(string)
	return actor
}
