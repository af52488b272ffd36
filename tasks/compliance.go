package tasks

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/reckon/job"
	"github.com/xraph/reckon/reconcile"
)

// Severity ranks a compliance finding.
type Severity string

// Severities.
const (
	SeverityInfo    Severity = "INFO"
	SeverityWarning Severity = "WARNING"
	SeverityError   Severity = "ERROR"
)

// Compliance rule names.
const (
	RuleMissingReference = "missing_reference"
	RuleAmountThreshold  = "amount_over_threshold"
	RuleFutureDated      = "future_dated"
	RuleDuplicate        = "possible_duplicate"
	RuleMissingDate      = "missing_date"
)

// Finding is one rule violation.
type Finding struct {
	TransactionID string   `json:"transaction_id"`
	Rule          string   `json:"rule"`
	Severity      Severity `json:"severity"`
	Message       string   `json:"message"`
}

// ComplianceRules configures the checks. A zero Threshold disables the
// amount check.
type ComplianceRules struct {
	Threshold        decimal.Decimal `json:"threshold" yaml:"threshold"`
	RequireReference bool            `json:"require_reference" yaml:"require_reference"`
}

// ComplianceInput lists the transactions to check. A positive Threshold
// overrides the configured one for this job.
type ComplianceInput struct {
	Transactions []reconcile.Transaction `json:"transactions"`
	Threshold    *decimal.Decimal        `json:"threshold,omitempty"`
}

// ComplianceOutput reports every finding, ordered by transaction input
// order and then rule name.
type ComplianceOutput struct {
	Checked  int       `json:"checked"`
	Passed   bool      `json:"passed"`
	Findings []Finding `json:"findings"`
}

// ComplianceChecker handles COMPLIANCE jobs.
type ComplianceChecker struct {
	rules ComplianceRules
	now   func() time.Time
}

// NewComplianceChecker creates a handler.
func NewComplianceChecker(rules ComplianceRules) *ComplianceChecker {
	return &ComplianceChecker{rules: rules, now: time.Now}
}

// WithClock overrides time.Now and returns c.
func (c *ComplianceChecker) WithClock(now func() time.Time) *ComplianceChecker {
	c.now = now
	return c
}

const complianceSchema = `{
	"type": "object",
	"required": ["transactions"],
	"properties": {
		"transactions": {"type": "array", "items": {"type": "object", "required": ["id"]}},
		"threshold": {"type": ["string", "number"]}
	}
}`

// Definition returns the COMPLIANCE job definition.
func (c *ComplianceChecker) Definition() *job.Definition[ComplianceInput, ComplianceOutput] {
	return job.NewDefinition(job.TypeCompliance, c.run, job.WithSchema(complianceSchema))
}

func (c *ComplianceChecker) run(ctx context.Context, in ComplianceInput, r job.Reporter) (ComplianceOutput, error) {
	findings := c.Check(in)
	if err := r.Progress(ctx, 90); err != nil {
		return ComplianceOutput{}, err
	}
	errorsFound := 0
	for _, f := range findings {
		if f.Severity == SeverityError {
			errorsFound++
		}
	}
	r.Log(ctx, fmt.Sprintf("checked %d transactions: %d findings, %d errors", len(in.Transactions), len(findings), errorsFound))
	return ComplianceOutput{
		Checked:  len(in.Transactions),
		Passed:   errorsFound == 0,
		Findings: findings,
	}, nil
}

// Check runs every rule over in and returns the findings.
func (c *ComplianceChecker) Check(in ComplianceInput) []Finding {
	threshold := c.rules.Threshold
	if in.Threshold != nil && in.Threshold.IsPositive() {
		threshold = *in.Threshold
	}
	today := reconcile.DateOf(c.now())

	type dupKey struct {
		date   string
		amount string
		desc   string
	}
	seen := make(map[dupKey]string)
	findings := make([]Finding, 0)

	for _, txn := range in.Transactions {
		var local []Finding
		add := func(rule string, sev Severity, msg string) {
			local = append(local, Finding{TransactionID: txn.ID, Rule: rule, Severity: sev, Message: msg})
		}

		if txn.Date.IsZero() {
			add(RuleMissingDate, SeverityError, "transaction has no date")
		} else if txn.Date.After(today) {
			add(RuleFutureDated, SeverityError, fmt.Sprintf("dated %s, after %s", txn.Date, today))
		}
		if c.rules.RequireReference && strings.TrimSpace(txn.Reference) == "" {
			add(RuleMissingReference, SeverityWarning, "transaction has no reference")
		}
		if threshold.IsPositive() && txn.Amount.Abs().GreaterThan(threshold) {
			add(RuleAmountThreshold, SeverityWarning,
				fmt.Sprintf("amount %s exceeds %s", txn.Amount.Abs().StringFixed(2), threshold.StringFixed(2)))
		}

		key := dupKey{date: txn.Date.String(), amount: txn.Amount.Abs().String(), desc: normalizeWords(txn.Description)}
		if first, ok := seen[key]; ok {
			add(RuleDuplicate, SeverityInfo, "same date, amount and description as "+first)
		} else {
			seen[key] = txn.ID
		}

		sort.SliceStable(local, func(i, k int) bool { return local[i].Rule < local[k].Rule })
		findings = append(findings, local...)
	}
	return findings
}
