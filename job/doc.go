// Package job defines the job entity, its state machine, typed handler
// definitions and the store contract.
//
// A [Job] moves through a small state machine:
//
//	QUEUED → RUNNING → COMPLETED
//	QUEUED → RUNNING → QUEUED (transient failure, attempts left)
//	QUEUED → RUNNING → FAILED
//	QUEUED → RUNNING → CANCELLING → FAILED
//	QUEUED → FAILED (cancelled before lease)
//
// Terminal states (COMPLETED, FAILED) have no outgoing edges. Output is set
// only on COMPLETED and Error only on FAILED.
//
// # Defining a handler
//
//	var Categorize = job.NewDefinition(job.TypeCategorization,
//	    func(ctx context.Context, in CategorizeInput, r job.Reporter) (CategorizeOutput, error) {
//	        ...
//	    },
//	    job.WithSchema(categorizeSchema),
//	)
//
//	if err := job.RegisterDefinition(registry, Categorize); err != nil { ... }
//
// Handlers report progress through [Reporter]; a progress call is also a
// heartbeat and is where cooperative cancellation is observed.
package job
