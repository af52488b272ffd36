// Package reconcile matches bank transactions against ledger entries and
// tracks the resulting reconciliations.
//
// [Matcher] is pure: it performs no I/O and reads no clock. A run filters
// both inputs to the period, binds EXACT matches (same signed amount in
// minor units, dates within the tolerance), then FUZZY matches by a
// weighted score of amount, date and text closeness, and finally records
// every leftover transaction as UNMATCHED. Identical inputs in identical
// order always produce an identical result.
//
// [Service] creates [Reconciliation] records and runs them as
// RECONCILIATION jobs through the queue. It is also an extension: when the
// job fails permanently, the reconciliation becomes FAILED.
package reconcile
