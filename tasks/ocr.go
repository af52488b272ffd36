package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/xraph/reckon"
	"github.com/xraph/reckon/job"
	"github.com/xraph/reckon/reconcile"
)

// OCRInput names the document to read. Content, when set, is used instead
// of fetching Key.
type OCRInput struct {
	Key         string `json:"key,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Content     []byte `json:"content,omitempty"`
}

// Extraction holds the fields read from a document.
type Extraction struct {
	Merchant   string           `json:"merchant,omitempty"`
	Date       reconcile.Date   `json:"date,omitzero"`
	Total      *decimal.Decimal `json:"total,omitempty"`
	Currency   string           `json:"currency,omitempty"`
	Reference  string           `json:"reference,omitempty"`
	Lines      int              `json:"lines"`
	Confidence float64          `json:"confidence"`
}

// Extractor reads structured fields from a document.
type Extractor interface {
	Extract(ctx context.Context, doc *Document) (*Extraction, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(ctx context.Context, doc *Document) (*Extraction, error)

// Extract calls f.
func (f ExtractorFunc) Extract(ctx context.Context, doc *Document) (*Extraction, error) {
	return f(ctx, doc)
}

// ErrUnsupportedDocument is returned by TextExtractor for binary content.
var ErrUnsupportedDocument = errors.New("tasks: unsupported document content")

// OCR handles OCR jobs.
type OCR struct {
	docs      DocumentStore
	extractor Extractor
	logger    *slog.Logger
}

// NewOCR creates an OCR handler. A nil extractor uses TextExtractor.
func NewOCR(docs DocumentStore, extractor Extractor) *OCR {
	if extractor == nil {
		extractor = TextExtractor{}
	}
	return &OCR{docs: docs, extractor: extractor, logger: slog.Default()}
}

// WithLogger sets the logger and returns o.
func (o *OCR) WithLogger(l *slog.Logger) *OCR {
	o.logger = l
	return o
}

const ocrSchema = `{
	"type": "object",
	"properties": {
		"key": {"type": "string", "minLength": 1},
		"content_type": {"type": "string"},
		"content": {"type": "string"}
	},
	"anyOf": [{"required": ["key"]}, {"required": ["content"]}]
}`

// Definition returns the OCR job definition.
func (o *OCR) Definition() *job.Definition[OCRInput, Extraction] {
	return job.NewDefinition(job.TypeOCR, o.run, job.WithSchema(ocrSchema))
}

func (o *OCR) run(ctx context.Context, in OCRInput, r job.Reporter) (Extraction, error) {
	doc := &Document{Key: in.Key, ContentType: in.ContentType, Content: in.Content}
	if len(in.Content) == 0 {
		if o.docs == nil {
			return Extraction{}, reckon.Fatal(errors.New("no document store configured"))
		}
		fetched, err := o.docs.Fetch(ctx, in.Key)
		if err != nil {
			return Extraction{}, err
		}
		doc = fetched
		r.Log(ctx, fmt.Sprintf("fetched %s (%d bytes)", in.Key, len(doc.Content)))
	}
	if err := r.Progress(ctx, 30); err != nil {
		return Extraction{}, err
	}

	ex, err := o.extractor.Extract(ctx, doc)
	if err != nil {
		if !reckon.Classified(err) {
			err = reckon.Fatal(err)
		}
		return Extraction{}, fmt.Errorf("extract: %w", err)
	}
	if err := r.Progress(ctx, 90); err != nil {
		return Extraction{}, err
	}

	o.logger.Debug("document extracted",
		slog.String("key", doc.Key),
		slog.Float64("confidence", ex.Confidence),
	)
	return *ex, nil
}

// ──────────────────────────────────────────────────
// Text extraction
// ──────────────────────────────────────────────────

var (
	totalPattern     = regexp.MustCompile(`(?i)\b(?:grand\s+)?total\b[^0-9\-\n]*(-?[0-9][0-9,]*(?:\.[0-9]{1,2})?)`)
	datePattern      = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})\b`)
	currencyPattern  = regexp.MustCompile(`\b(USD|EUR|GBP|NGN|CAD|AUD|JPY|CHF)\b|([$€£])`)
	referencePattern = regexp.MustCompile(`(?i)\b(?:ref(?:erence)?|invoice|receipt)\s*(?:no\.?|number|#)?\s*[:#]?\s*([A-Z0-9][A-Z0-9\-]{2,})`)
)

var currencySymbols = map[string]string{"$": "USD", "€": "EUR", "£": "GBP"}

// TextExtractor reads receipts and invoices that are already text. The
// first non-empty line is taken as the merchant. Confidence is the share
// of merchant, date and total that were found.
type TextExtractor struct{}

// Extract implements Extractor.
func (TextExtractor) Extract(_ context.Context, doc *Document) (*Extraction, error) {
	ct := strings.ToLower(doc.ContentType)
	if (ct != "" && !strings.HasPrefix(ct, "text/")) || !utf8.Valid(doc.Content) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDocument, doc.ContentType)
	}

	text := string(doc.Content)
	ex := &Extraction{}
	found := 0

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		ex.Lines++
		if ex.Merchant == "" {
			ex.Merchant = line
			found++
		}
	}

	if m := datePattern.FindStringSubmatch(text); m != nil {
		if d, err := reconcile.ParseDate(m[1]); err == nil {
			ex.Date = d
			found++
		}
	}

	// The last total wins so "Subtotal" lines never shadow the final amount.
	if all := totalPattern.FindAllStringSubmatch(text, -1); len(all) > 0 {
		raw := strings.ReplaceAll(all[len(all)-1][1], ",", "")
		if amount, err := decimal.NewFromString(raw); err == nil {
			ex.Total = &amount
			found++
		}
	}

	if m := currencyPattern.FindStringSubmatch(text); m != nil {
		if m[1] != "" {
			ex.Currency = m[1]
		} else {
			ex.Currency = currencySymbols[m[2]]
		}
	}
	if m := referencePattern.FindStringSubmatch(text); m != nil {
		ex.Reference = m[1]
	}

	ex.Confidence = float64(found) / 3
	return ex, nil
}
