package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/xuri/excelize/v2"

	"github.com/xraph/reckon"
	"github.com/xraph/reckon/id"
	"github.com/xraph/reckon/job"
	"github.com/xraph/reckon/reconcile"
	"github.com/xraph/reckon/scope"
)

// XLSXContentType is the media type of generated workbooks.
const XLSXContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// ReportInput names the reconciliation to report on.
type ReportInput struct {
	ReconciliationID id.ReconciliationID `json:"reconciliation_id"`
}

// ReportOutput describes the stored workbook.
type ReportOutput struct {
	ReconciliationID id.ReconciliationID `json:"reconciliation_id"`
	Location         string              `json:"location"`
	Bytes            int                 `json:"bytes"`
	Rows             int                 `json:"rows"`
	Matched          int                 `json:"matched"`
	Unmatched        int                 `json:"unmatched"`
}

// ReportBuilder handles REPORTING jobs. It renders a completed
// reconciliation to an XLSX workbook with a summary sheet and a matches
// sheet, and stores it through an ArtifactSink.
type ReportBuilder struct {
	recs   reconcile.Store
	sink   ArtifactSink
	logger *slog.Logger
}

// NewReportBuilder creates a handler.
func NewReportBuilder(recs reconcile.Store, sink ArtifactSink) *ReportBuilder {
	return &ReportBuilder{recs: recs, sink: sink, logger: slog.Default()}
}

// WithLogger sets the logger and returns b.
func (b *ReportBuilder) WithLogger(l *slog.Logger) *ReportBuilder {
	b.logger = l
	return b
}

const reportSchema = `{
	"type": "object",
	"required": ["reconciliation_id"],
	"properties": {
		"reconciliation_id": {"type": "string", "pattern": "^rec_"}
	}
}`

// Definition returns the REPORTING job definition.
func (b *ReportBuilder) Definition() *job.Definition[ReportInput, ReportOutput] {
	return job.NewDefinition(job.TypeReporting, b.run, job.WithSchema(reportSchema))
}

func (b *ReportBuilder) run(ctx context.Context, in ReportInput, r job.Reporter) (ReportOutput, error) {
	if b.sink == nil {
		return ReportOutput{}, reckon.Fatal(errors.New("no artifact sink configured"))
	}
	rec, err := b.recs.GetReconciliation(ctx, in.ReconciliationID)
	if errors.Is(err, reckon.ErrReconciliationNotFound) {
		return ReportOutput{}, reckon.Fatal(err)
	}
	if err != nil {
		return ReportOutput{}, reckon.Transient(err)
	}
	if orgID := scope.OrganizationID(ctx); orgID != "" && orgID != rec.OrganizationID {
		return ReportOutput{}, reckon.Fatal(fmt.Errorf("%w: %s", reckon.ErrReconciliationNotFound, in.ReconciliationID))
	}
	if rec.Status != reconcile.StatusCompleted {
		return ReportOutput{}, reckon.Fatal(fmt.Errorf("%w: reconciliation is %s", reckon.ErrInvalidState, rec.Status))
	}
	if err := r.Progress(ctx, 20); err != nil {
		return ReportOutput{}, err
	}

	data, err := RenderWorkbook(rec)
	if err != nil {
		return ReportOutput{}, reckon.Fatal(err)
	}
	if err := r.Progress(ctx, 70); err != nil {
		return ReportOutput{}, err
	}

	key := fmt.Sprintf("reports/%s/%s.xlsx", rec.OrganizationID, rec.ID)
	location, err := b.sink.Put(ctx, key, XLSXContentType, data)
	if err != nil {
		if !reckon.Classified(err) {
			err = reckon.Transient(err)
		}
		return ReportOutput{}, fmt.Errorf("store report: %w", err)
	}
	r.Log(ctx, "report stored at "+location)

	b.logger.Info("reconciliation report generated",
		slog.String("reconciliation_id", rec.ID.String()),
		slog.String("location", location),
		slog.Int("bytes", len(data)),
	)
	return ReportOutput{
		ReconciliationID: rec.ID,
		Location:         location,
		Bytes:            len(data),
		Rows:             len(rec.Matches),
		Matched:          rec.TotalMatched,
		Unmatched:        rec.TotalUnmatched,
	}, nil
}

// Sheet names of a reconciliation workbook.
const (
	SummarySheet = "Summary"
	MatchesSheet = "Matches"
)

// RenderWorkbook renders rec as an XLSX workbook.
func RenderWorkbook(rec *reconcile.Reconciliation) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SummarySheet); err != nil {
		return nil, fmt.Errorf("xlsx summary sheet: %w", err)
	}
	summary := [][2]any{
		{"Reconciliation", rec.Name},
		{"ID", rec.ID.String()},
		{"Period start", rec.Period.Start.String()},
		{"Period end", rec.Period.End.String()},
		{"Matched", rec.TotalMatched},
		{"Unmatched", rec.TotalUnmatched},
		{"Matched amount", rec.MatchedAmount.StringFixed(2)},
		{"Unmatched amount", rec.UnmatchedAmount.StringFixed(2)},
	}
	for i, row := range summary {
		if err := f.SetSheetRow(SummarySheet, fmt.Sprintf("A%d", i+1), &[]any{row[0], row[1]}); err != nil {
			return nil, fmt.Errorf("xlsx summary row: %w", err)
		}
	}
	_ = f.SetColWidth(SummarySheet, "A", "A", 20)
	_ = f.SetColWidth(SummarySheet, "B", "B", 36)

	if _, err := f.NewSheet(MatchesSheet); err != nil {
		return nil, fmt.Errorf("xlsx matches sheet: %w", err)
	}
	headers := []any{"Transaction", "Ledger Entry", "Match Type", "Score", "Amount"}
	if err := f.SetSheetRow(MatchesSheet, "A1", &headers); err != nil {
		return nil, fmt.Errorf("xlsx header: %w", err)
	}
	for i, m := range rec.Matches {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		row := []any{m.TransactionID, m.LedgerEntryID, string(m.MatchType), m.MatchScore, m.Amount.StringFixed(2)}
		if err := f.SetSheetRow(MatchesSheet, cell, &row); err != nil {
			return nil, fmt.Errorf("xlsx match row: %w", err)
		}
	}
	_ = f.SetColWidth(MatchesSheet, "A", "B", 24)
	_ = f.SetColWidth(MatchesSheet, "C", "E", 14)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}
