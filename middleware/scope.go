package middleware

import (
	"context"

	"github.com/xraph/reckon/job"
	"github.com/xraph/reckon/scope"
)

// Scope returns middleware that puts the job's organization and trigger
// into the context, so handlers see the same scope as the submitter.
func Scope() Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		return next(scope.Restore(ctx, j.OrganizationID, j.TriggeredBy))
	}
}
