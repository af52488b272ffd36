package reconcile

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of an account movement.
type Direction string

const (
	// Debit moves money out; its signed amount is negative.
	Debit Direction = "DEBIT"
	// Credit moves money in; its signed amount is positive.
	Credit Direction = "CREDIT"
)

// Transaction is a bank statement line.
type Transaction struct {
	ID          string          `json:"id"`
	Date        Date            `json:"date"`
	Amount      decimal.Decimal `json:"amount"`
	Direction   Direction       `json:"direction,omitempty"`
	Description string          `json:"description,omitempty"`
	Reference   string          `json:"reference,omitempty"`
}

// LedgerEntry is a booked accounting entry.
type LedgerEntry struct {
	ID          string          `json:"id"`
	Date        Date            `json:"date"`
	Amount      decimal.Decimal `json:"amount"`
	Direction   Direction       `json:"direction,omitempty"`
	Description string          `json:"description,omitempty"`
	Reference   string          `json:"reference,omitempty"`
}

// signed returns amount with the direction applied. Without a direction
// the amount keeps its own sign.
func signed(amount decimal.Decimal, dir Direction) decimal.Decimal {
	switch dir {
	case Debit:
		return amount.Abs().Neg()
	case Credit:
		return amount.Abs()
	default:
		return amount
	}
}

// MatchType classifies how a transaction was paired.
type MatchType string

// Match types.
const (
	MatchExact     MatchType = "EXACT"
	MatchFuzzy     MatchType = "FUZZY"
	MatchManual    MatchType = "MANUAL"
	MatchUnmatched MatchType = "UNMATCHED"
)

// Match pairs one transaction with at most one ledger entry.
// LedgerEntryID is empty exactly when MatchType is UNMATCHED.
type Match struct {
	TransactionID string    `json:"transaction_id"`
	LedgerEntryID string    `json:"ledger_entry_id,omitempty"`
	MatchType     MatchType `json:"match_type"`
	MatchScore    float64   `json:"match_score"`
	// Amount is the absolute transaction amount, kept so totals can be
	// recomputed after manual matching.
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"created_at,omitzero"`
}

// Matched reports whether the transaction was paired.
func (m Match) Matched() bool { return m.MatchType != MatchUnmatched }

// Summary aggregates a match set.
type Summary struct {
	TotalMatched    int             `json:"total_matched"`
	TotalUnmatched  int             `json:"total_unmatched"`
	MatchedAmount   decimal.Decimal `json:"matched_amount"`
	UnmatchedAmount decimal.Decimal `json:"unmatched_amount"`
}

// Summarize computes totals over matches.
func Summarize(matches []Match) Summary {
	s := Summary{MatchedAmount: decimal.Zero, UnmatchedAmount: decimal.Zero}
	for _, m := range matches {
		if m.Matched() {
			s.TotalMatched++
			s.MatchedAmount = s.MatchedAmount.Add(m.Amount)
		} else {
			s.TotalUnmatched++
			s.UnmatchedAmount = s.UnmatchedAmount.Add(m.Amount)
		}
	}
	return s
}
