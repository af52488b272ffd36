// Package scope carries tenant identity (organization and acting user)
// through context.Context.
//
// The API layer captures scope from request headers, the queue stamps it
// onto jobs, and the worker's scope middleware restores it before a
// handler runs, so handlers see the same organization as the submitter.
package scope

import "context"

type ctxKey struct{}

type value struct {
	orgID   string
	actorID string
}

// Capture extracts the organization and actor identifiers from ctx.
// Returns empty strings if no scope is present.
func Capture(ctx context.Context) (orgID, actorID string) {
	v, ok := ctx.Value(ctxKey{}).(value)
	if !ok {
		return "", ""
	}
	return v.orgID, v.actorID
}

// Restore attaches a scope to ctx. If both identifiers are empty, ctx is
// returned unchanged.
func Restore(ctx context.Context, orgID, actorID string) context.Context {
	if orgID == "" && actorID == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, value{orgID: orgID, actorID: actorID})
}

// OrganizationID returns the organization in ctx, or "".
func OrganizationID(ctx context.Context) string {
	orgID, _ := Capture(ctx)
	return orgID
}

// ActorID returns the acting user in ctx, or "".
func ActorID(ctx context.Context) string {
	_, actorID := Capture(ctx)
	return actorID
}
