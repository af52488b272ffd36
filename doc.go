// Package reckon provides the asynchronous job orchestration core behind the
// document and bank-data pipeline: a durable queue of long-running tasks
// (OCR, categorization, reconciliation, compliance checks, reporting), a
// worker pool with leases, retries and progress reporting, and a
// deterministic engine that matches bank transactions against ledger entries.
//
// Reckon is a library. Import it, configure a store, register handlers for
// the job types a process should run, and start the engine:
//
//	eng, err := engine.New(memory.New(),
//	    engine.WithConcurrency(8),
//	    engine.WithLogger(logger),
//	)
//	if err != nil {
//	    return err
//	}
//	engine.Register(eng, tasks.NewOCR(objects, nil).Definition())
//	if err := eng.Start(ctx); err != nil {
//	    return err
//	}
//
// # Architecture
//
// Each subsystem (job, reconcile) defines its own store interface and a
// single backend (memory, postgres, redis, mongo) implements all of them.
// Lease ownership is enforced by the store: leasing is one atomic
// conditional update, and every mid-flight write is checked against the
// lease owner or the record version so a worker that lost its lease cannot
// overwrite the work of the worker that replaced it.
//
// All entity IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based.
package reckon
