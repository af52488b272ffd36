// Package tasks provides the default handlers for the OCR,
// CATEGORIZATION, COMPLIANCE and REPORTING job types.
//
// Each handler exposes a Definition that is registered on a job.Registry:
//
//	objects, _ := tasks.NewObjectStore(tasks.ObjectStoreConfig{Endpoint: "minio:9000", Bucket: "reckon"})
//	_ = job.RegisterDefinition(reg, tasks.NewOCR(objects, nil).Definition())
//	_ = job.RegisterDefinition(reg, tasks.NewCategorizer(nil).Definition())
//	_ = job.RegisterDefinition(reg, tasks.NewComplianceChecker(tasks.ComplianceRules{}).Definition())
//	_ = job.RegisterDefinition(reg, tasks.NewReportBuilder(recStore, objects).Definition())
//
// The capabilities behind them are pluggable. An Extractor turns a fetched
// document into fields, a Classifier assigns categories, and an
// ArtifactSink stores generated reports. The defaults are deterministic
// and need no external service besides object storage.
package tasks
