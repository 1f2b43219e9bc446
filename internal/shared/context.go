package shared

import "context"

// Actor identifies the caller as resolved by the upstream identity provider.
type Actor struct {
	ID       int64
	Name     string
	TenantID string
	Perms    []string
}

// Can reports whether the actor holds perm.
func (a Actor) Can(perm string) bool {
	for _, p := range a.Perms {
		if p == perm {
			return true
		}
	}
	return false
}

// SystemActor is used for scheduled jobs and automatic approvals.
var SystemActor = Actor{ID: 0, Name: "system"}

type actorContextKey struct{}

// ContextWithActor stores the actor in context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from context.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	return actor, ok
}
