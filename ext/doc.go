// Package ext defines the extension system for reckon.
//
// # Implementing an Extension
//
//	type Audit struct{}
//
//	func (a *Audit) Name() string { return "audit" }
//
//	func (a *Audit) OnJobFailed(ctx context.Context, j *job.Job, err error) error {
//	    return auditLog.Write(ctx, j.OrganizationID, j.ID, err)
//	}
//
// # Hooks
//
//   - [JobSubmitted]: job was persisted as QUEUED
//   - [JobStarted]: a worker began executing the job
//   - [JobCompleted]: job finished with an output
//   - [JobFailed]: job reached FAILED
//   - [JobRetrying]: a transient failure re-queued the job
//   - [JobCancelRequested]: a running job was marked CANCELLING
//   - [LeaseLost]: a worker gave up a job it no longer owns
//   - [Shutdown]: the engine is stopping
//
// Hook errors are logged and never block the pipeline.
package ext
