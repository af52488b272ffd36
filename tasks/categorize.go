package tasks

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/agext/levenshtein"

	"github.com/xraph/reckon/job"
	"github.com/xraph/reckon/reconcile"
)

// Category is an expense category.
type Category string

// Built-in categories.
const (
	CategoryCellPhone     Category = "CellPhoneService"
	CategoryInternet      Category = "Internet"
	CategoryMeals         Category = "Meals"
	CategoryOffice        Category = "OfficeSupplies"
	CategoryEquipment     Category = "OfficeEquipment"
	CategoryShipping      Category = "ShippingExpenses"
	CategorySoftware      Category = "SoftwareSubscription"
	CategoryTravel        Category = "TravelExpenses"
	CategoryBankFees      Category = "BankFees"
	CategoryPayroll       Category = "Payroll"
	CategoryUncategorized Category = "Other"
)

// ClassificationStatus records how a category was chosen.
type ClassificationStatus string

// Classification statuses.
const (
	StatusClassifiedByRule ClassificationStatus = "CLASSIFIED_BY_RULE"
	StatusUnclassified     ClassificationStatus = "UNCLASSIFIED"
)

// Classification is the category assigned to one transaction.
type Classification struct {
	TransactionID string               `json:"transaction_id"`
	Category      Category             `json:"category"`
	Confidence    float64              `json:"confidence"`
	Status        ClassificationStatus `json:"status"`
	Keyword       string               `json:"keyword,omitempty"`
}

// Classifier assigns a category to a transaction.
type Classifier interface {
	Classify(ctx context.Context, txn reconcile.Transaction) (Classification, error)
}

// Rule maps keywords to a category. A keyword may span several words.
type Rule struct {
	Category Category `json:"category" yaml:"category"`
	Keywords []string `json:"keywords" yaml:"keywords"`
}

// DefaultRules is the built-in keyword table.
func DefaultRules() []Rule {
	return []Rule{
		{CategoryCellPhone, []string{"cell phone", "mobile plan", "verizon", "t-mobile", "vodafone", "airtime"}},
		{CategoryInternet, []string{"internet", "broadband", "comcast", "fiber", "wifi"}},
		{CategoryMeals, []string{"restaurant", "cafe", "coffee", "starbucks", "lunch", "dinner", "catering"}},
		{CategoryOffice, []string{"staples", "stationery", "paper", "printer ink", "office depot"}},
		{CategoryEquipment, []string{"laptop", "monitor", "keyboard", "desk", "chair"}},
		{CategoryShipping, []string{"fedex", "ups", "dhl", "usps", "courier", "postage"}},
		{CategorySoftware, []string{"saas", "subscription", "github", "slack", "adobe", "aws", "license"}},
		{CategoryTravel, []string{"uber", "lyft", "airline", "hotel", "airbnb", "taxi", "flight"}},
		{CategoryBankFees, []string{"bank fee", "service charge", "overdraft", "wire fee"}},
		{CategoryPayroll, []string{"payroll", "salary", "wages"}},
	}
}

// fuzzyThreshold is the minimum edit similarity for a single-word keyword
// to match a token it does not equal.
const fuzzyThreshold = 0.8

// KeywordClassifier classifies by keyword rules over description and
// reference. An exact keyword hit scores 1; a near-miss single word scores
// its edit similarity scaled by 0.9. The best hit wins, earlier rules
// breaking ties.
type KeywordClassifier struct {
	rules []Rule
}

var _ Classifier = (*KeywordClassifier)(nil)

// NewKeywordClassifier creates a classifier. No rules means DefaultRules.
func NewKeywordClassifier(rules ...Rule) *KeywordClassifier {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	normalized := make([]Rule, len(rules))
	for i, r := range rules {
		kws := make([]string, 0, len(r.Keywords))
		for _, kw := range r.Keywords {
			if n := normalizeWords(kw); n != "" {
				kws = append(kws, n)
			}
		}
		normalized[i] = Rule{Category: r.Category, Keywords: kws}
	}
	return &KeywordClassifier{rules: normalized}
}

// Classify implements Classifier.
func (c *KeywordClassifier) Classify(_ context.Context, txn reconcile.Transaction) (Classification, error) {
	text := normalizeWords(txn.Description + " " + txn.Reference)
	padded := " " + text + " "
	tokens := strings.Fields(text)

	out := Classification{
		TransactionID: txn.ID,
		Category:      CategoryUncategorized,
		Status:        StatusUnclassified,
	}
	for _, rule := range c.rules {
		for _, kw := range rule.Keywords {
			score := 0.0
			if strings.Contains(padded, " "+kw+" ") {
				score = 1
			} else if !strings.Contains(kw, " ") {
				for _, tok := range tokens {
					if sim := levenshtein.Similarity(kw, tok, nil); sim >= fuzzyThreshold {
						score = math.Max(score, sim*0.9)
					}
				}
			}
			if score > out.Confidence {
				out.Category = rule.Category
				out.Confidence = math.Round(score*10000) / 10000
				out.Status = StatusClassifiedByRule
				out.Keyword = kw
			}
		}
	}
	return out, nil
}

func normalizeWords(s string) string {
	f := func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' }
	return strings.Join(strings.FieldsFunc(strings.ToLower(s), f), " ")
}

// ──────────────────────────────────────────────────
// Handler
// ──────────────────────────────────────────────────

// CategorizationInput lists the transactions to classify.
type CategorizationInput struct {
	Transactions []reconcile.Transaction `json:"transactions"`
}

// CategorizationOutput holds one classification per input transaction, in
// input order.
type CategorizationOutput struct {
	Results      []Classification `json:"results"`
	Classified   int              `json:"classified"`
	Unclassified int              `json:"unclassified"`
}

// Categorizer handles CATEGORIZATION jobs.
type Categorizer struct {
	classifier Classifier
}

// NewCategorizer creates a handler. A nil classifier uses a
// KeywordClassifier with DefaultRules.
func NewCategorizer(c Classifier) *Categorizer {
	if c == nil {
		c = NewKeywordClassifier()
	}
	return &Categorizer{classifier: c}
}

const categorizationSchema = `{
	"type": "object",
	"required": ["transactions"],
	"properties": {
		"transactions": {
			"type": "array",
			"items": {"type": "object", "required": ["id"]}
		}
	}
}`

// Definition returns the CATEGORIZATION job definition.
func (c *Categorizer) Definition() *job.Definition[CategorizationInput, CategorizationOutput] {
	return job.NewDefinition(job.TypeCategorization, c.run, job.WithSchema(categorizationSchema))
}

func (c *Categorizer) run(ctx context.Context, in CategorizationInput, r job.Reporter) (CategorizationOutput, error) {
	out := CategorizationOutput{Results: make([]Classification, 0, len(in.Transactions))}
	total := len(in.Transactions)
	for i, txn := range in.Transactions {
		cl, err := c.classifier.Classify(ctx, txn)
		if err != nil {
			return CategorizationOutput{}, fmt.Errorf("classify %s: %w", txn.ID, err)
		}
		out.Results = append(out.Results, cl)
		if cl.Status == StatusUnclassified {
			out.Unclassified++
		} else {
			out.Classified++
		}
		if err := r.Progress(ctx, (i+1)*99/total); err != nil {
			return CategorizationOutput{}, err
		}
	}
	r.Log(ctx, fmt.Sprintf("classified %d of %d transactions", out.Classified, total))
	return out, nil
}
