// # Building an Engine
//
//	eng, err := engine.New(pgStore,
//	    engine.WithConcurrency(20),
//	    engine.WithLogger(logger),
//	    engine.WithTimeouts(map[job.Type]time.Duration{job.TypeOCR: 2 * time.Minute}),
//	    engine.WithOrgLimits(queue.OrgConfig{OrganizationID: "org_big", MaxConcurrency: 4}),
//	    engine.WithReconcileOptions(reconcile.WithSource(bankFeed)),
//	)
//
// # Registering Handlers
//
// RECONCILIATION is always registered. Other job types are opt-in per
// process:
//
//	_ = engine.Register(eng, tasks.NewOCR(objects, nil).Definition())
//	_ = engine.Register(eng, tasks.NewCategorizer(nil).Definition())
//
// A process only leases the types it registered a handler for through its
// own submissions; jobs of an unregistered type fail with ErrNoHandler when
// leased.
//
// # Running
//
//	if err := eng.Start(ctx); err != nil { ... }
//	defer eng.Stop(shutdownCtx)
//
//	j, err := eng.Submit(ctx, queue.SubmitRequest{Type: job.TypeOCR, OrganizationID: "org_1", Input: raw})
//	res, err := eng.Reconciler().Start(ctx, "org_1", reconcile.StartRequest{...})
package engine
