// Package queue is the durable job queue: submission, leasing, progress,
// completion, retries, cancellation and lease reaping.
//
// Every state change after submission goes through [Queue]. Writes use a
// compare-and-set loop on the job's Version, so a late worker whose lease
// was taken over gets [reckon.ErrLeaseLost] instead of overwriting the new
// owner's state.
//
//	q := queue.New(store,
//	    queue.WithRegistry(registry),
//	    queue.WithExtensions(extensions),
//	    queue.WithVisibilityTimeout(30*time.Second),
//	)
//	j, err := q.Submit(ctx, queue.SubmitRequest{
//	    Type:           job.TypeOCR,
//	    Input:          json.RawMessage(`{"document_key":"inv-42.pdf"}`),
//	    OrganizationID: "org_1",
//	})
//
// # Retries
//
// [Queue.Fail] re-queues a job when the handler error is marked with
// [reckon.Transient] and attempts remain. The next run is delayed by the
// configured [backoff.Strategy]. Anything else fails the job permanently.
//
// # Limits
//
// [Limiter] gates how many jobs of one type or one organization may run at
// once in a worker process, plus an optional token-bucket start rate
// (golang.org/x/time/rate):
//
//	l := queue.NewLimiter(
//	    queue.TypeConfig{Type: job.TypeOCR, MaxConcurrency: 4},
//	    queue.TypeConfig{Type: job.TypeReporting, RateLimit: 2, RateBurst: 4},
//	)
//	if l.Acquire(j.Type, j.OrganizationID) {
//	    defer l.Release(j.Type, j.OrganizationID)
//	    // run the handler
//	}
//
// Types and organizations without a config are unlimited.
package queue
