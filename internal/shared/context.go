package shared

import "context"

// Actor identifies the authenticated operator behind a request. It is
// supplied by the upstream identity provider; this service only consumes it.
type Actor struct {
	UserID int64
	Name   string
}

type actorContextKey struct{}

// ContextWithActor stores the actor in context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from context. The boolean reports
// whether an actor was attached at all.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	return actor, ok
}
