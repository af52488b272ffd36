package reconcile

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Options tunes the matching passes.
type Options struct {
	// DateTolerance is the maximum day distance for an exact match.
	DateTolerance int `yaml:"date_tolerance_days"`
	// FuzzyWindow is the day distance at which the date score reaches 0.
	FuzzyWindow int `yaml:"fuzzy_window_days"`
	// MinScore is the lowest fuzzy score that may be selected.
	MinScore float64 `yaml:"min_score"`
	// AmountDecay is the amount difference, in currency units, over which
	// the amount score decays by a factor of e.
	AmountDecay float64 `yaml:"amount_decay"`
	// Weights of the fuzzy score components. They should sum to 1.
	AmountWeight float64 `yaml:"amount_weight"`
	DateWeight   float64 `yaml:"date_weight"`
	TextWeight   float64 `yaml:"text_weight"`
	// MinorUnits is the number of decimal places of the currency.
	MinorUnits int32 `yaml:"minor_units"`
}

// DefaultOptions returns the standard matching configuration.
func DefaultOptions() Options {
	return Options{
		DateTolerance: 3,
		FuzzyWindow:   7,
		MinScore:      0.6,
		AmountDecay:   10,
		AmountWeight:  0.5,
		DateWeight:    0.2,
		TextWeight:    0.3,
		MinorUnits:    2,
	}
}

// Result is the outcome of one matching run. Matches follow the order of
// the in-period transactions.
type Result struct {
	Matches []Match `json:"matches"`
	Summary Summary `json:"summary"`
}

// Stamp sets CreatedAt on every match. The matcher never reads a clock.
func (r *Result) Stamp(at time.Time) {
	for i := range r.Matches {
		r.Matches[i].CreatedAt = at
	}
}

// Matcher pairs bank transactions with ledger entries. It holds no state
// between calls and is safe for concurrent use.
type Matcher struct {
	opts Options
}

// NewMatcher creates a Matcher. Zero-valued options fall back to the
// defaults.
func NewMatcher(opts Options) *Matcher {
	def := DefaultOptions()
	if opts.DateTolerance <= 0 {
		opts.DateTolerance = def.DateTolerance
	}
	if opts.FuzzyWindow <= 0 {
		opts.FuzzyWindow = def.FuzzyWindow
	}
	if opts.MinScore <= 0 {
		opts.MinScore = def.MinScore
	}
	if opts.AmountDecay <= 0 {
		opts.AmountDecay = def.AmountDecay
	}
	if opts.AmountWeight == 0 && opts.DateWeight == 0 && opts.TextWeight == 0 {
		opts.AmountWeight, opts.DateWeight, opts.TextWeight = def.AmountWeight, def.DateWeight, def.TextWeight
	}
	if opts.MinorUnits <= 0 {
		opts.MinorUnits = def.MinorUnits
	}
	return &Matcher{opts: opts}
}

// Options returns the effective options.
func (m *Matcher) Options() Options { return m.opts }

// entry is a ledger entry prepared for matching.
type entry struct {
	LedgerEntry
	signed   decimal.Decimal
	key      string
	text     string
	consumed bool
}

type txn struct {
	Transaction
	signed decimal.Decimal
	key    string
	text   string
}

// Match reconciles txns against ledger within period. Identical inputs,
// including order, always produce an identical result. The only error is
// reckon.ErrInvalidPeriod.
func (m *Matcher) Match(txns []Transaction, ledger []LedgerEntry, period Period) (*Result, error) {
	if err := period.Validate(); err != nil {
		return nil, err
	}

	ts := make([]txn, 0, len(txns))
	for _, t := range txns {
		if !period.Contains(t.Date) {
			continue
		}
		s := signed(t.Amount, t.Direction)
		ts = append(ts, txn{Transaction: t, signed: s, key: m.minorKey(s), text: t.Description + " " + t.Reference})
	}

	es := make([]*entry, 0, len(ledger))
	byKey := make(map[string][]*entry)
	for _, l := range ledger {
		if !period.Contains(l.Date) {
			continue
		}
		s := signed(l.Amount, l.Direction)
		e := &entry{LedgerEntry: l, signed: s, key: m.minorKey(s), text: l.Description + " " + l.Reference}
		es = append(es, e)
		byKey[e.key] = append(byKey[e.key], e)
	}

	matches := make([]Match, len(ts))
	matched := make([]bool, len(ts))

	// Exact pass: same signed minor-unit amount within the date tolerance.
	for i, t := range ts {
		var best *entry
		bestDays := 0
		for _, e := range byKey[t.key] {
			if e.consumed {
				continue
			}
			days := DaysBetween(t.Date, e.Date)
			if days > m.opts.DateTolerance {
				continue
			}
			// Candidates are in input order, so strict comparison keeps
			// the earliest entry on ties.
			if best == nil || days < bestDays {
				best, bestDays = e, days
			}
		}
		if best == nil {
			continue
		}
		best.consumed = true
		matched[i] = true
		matches[i] = Match{
			TransactionID: t.ID,
			LedgerEntryID: best.ID,
			MatchType:     MatchExact,
			MatchScore:    1,
			Amount:        t.Amount.Abs(),
		}
	}

	// Fuzzy pass: best weighted score at or above MinScore.
	for i, t := range ts {
		if matched[i] {
			continue
		}
		var best *entry
		bestScore, bestDays := 0.0, 0
		for _, e := range es {
			if e.consumed {
				continue
			}
			days := DaysBetween(t.Date, e.Date)
			score := m.score(t, e, days)
			if score < m.opts.MinScore {
				continue
			}
			if best == nil || score > bestScore || (score == bestScore && days < bestDays) {
				best, bestScore, bestDays = e, score, days
			}
		}
		if best == nil {
			continue
		}
		best.consumed = true
		matched[i] = true
		matches[i] = Match{
			TransactionID: t.ID,
			LedgerEntryID: best.ID,
			MatchType:     MatchFuzzy,
			MatchScore:    bestScore,
			Amount:        t.Amount.Abs(),
		}
	}

	for i, t := range ts {
		if matched[i] {
			continue
		}
		matches[i] = Match{
			TransactionID: t.ID,
			MatchType:     MatchUnmatched,
			MatchScore:    0,
			Amount:        t.Amount.Abs(),
		}
	}

	return &Result{Matches: matches, Summary: Summarize(matches)}, nil
}

// score computes the rounded fuzzy score of pairing t with e.
func (m *Matcher) score(t txn, e *entry, days int) float64 {
	diff := t.signed.Sub(e.signed).Abs().InexactFloat64()
	amount := math.Exp(-diff / m.opts.AmountDecay)

	date := 1 - float64(days)/float64(m.opts.FuzzyWindow)
	if date < 0 {
		date = 0
	}

	text := textSimilarity(t.text, e.text)

	s := m.opts.AmountWeight*amount + m.opts.DateWeight*date + m.opts.TextWeight*text
	return math.Round(s*1e4) / 1e4
}

// minorKey returns amount in minor currency units, rounded half away from
// zero. The key is the decimal string so amounts beyond int64 stay distinct.
func (m *Matcher) minorKey(amount decimal.Decimal) string {
	return amount.Shift(m.opts.MinorUnits).Round(0).String()
}
