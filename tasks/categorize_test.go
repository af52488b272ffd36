package tasks_test

import (
	"context"
	"errors"
	"testing"

	"github.com/xraph/reckon/reconcile"
	"github.com/xraph/reckon/tasks"
)

func TestKeywordClassifier(t *testing.T) {
	c := tasks.NewKeywordClassifier()
	tests := []struct {
		desc      string
		ref       string
		want      tasks.Category
		wantExact bool
	}{
		{"UBER *TRIP 8841", "", tasks.CategoryTravel, true},
		{"Monthly mobile plan", "", tasks.CategoryCellPhone, true},
		{"STARBUCKS STORE 1123", "", tasks.CategoryMeals, true},
		{"Payment", "PAYROLL MAR-2024", tasks.CategoryPayroll, true},
		{"Comcst broadband", "", tasks.CategoryInternet, true},
		{"Airlne tickets", "", tasks.CategoryTravel, false},
		{"Transfer to savings", "", tasks.CategoryUncategorized, false},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			got, err := c.Classify(context.Background(), reconcile.Transaction{ID: "t", Description: tt.desc, Reference: tt.ref})
			if err != nil {
				t.Fatal(err)
			}
			if got.Category != tt.want {
				t.Fatalf("Category = %s, want %s (keyword %q)", got.Category, tt.want, got.Keyword)
			}
			switch {
			case tt.want == tasks.CategoryUncategorized:
				if got.Status != tasks.StatusUnclassified || got.Confidence != 0 {
					t.Errorf("got %+v, want unclassified", got)
				}
			case tt.wantExact && got.Confidence != 1:
				t.Errorf("Confidence = %v, want 1", got.Confidence)
			case !tt.wantExact && (got.Confidence <= 0 || got.Confidence >= 1):
				t.Errorf("Confidence = %v, want fuzzy score", got.Confidence)
			}
		})
	}
}

func TestKeywordClassifierCustomRules(t *testing.T) {
	c := tasks.NewKeywordClassifier(tasks.Rule{Category: "Rent", Keywords: []string{"Landlord LLC"}})
	got, _ := c.Classify(context.Background(), reconcile.Transaction{Description: "ACH landlord llc march"})
	if got.Category != "Rent" {
		t.Errorf("Category = %s, want Rent", got.Category)
	}
}

type failingClassifier struct{}

func (failingClassifier) Classify(context.Context, reconcile.Transaction) (tasks.Classification, error) {
	return tasks.Classification{}, errors.New("model unavailable")
}

func TestCategorizerHandler(t *testing.T) {
	h := tasks.NewCategorizer(nil).Definition().Handler()
	out, err := handle[tasks.CategorizationOutput](t, h, tasks.CategorizationInput{
		Transactions: []reconcile.Transaction{
			{ID: "t1", Description: "FEDEX 7781"},
			{ID: "t2", Description: "misc"},
			{ID: "t3", Description: "Adobe Creative Cloud subscription"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Results) != 3 || out.Classified != 2 || out.Unclassified != 1 {
		t.Fatalf("out = %+v", out)
	}
	want := []tasks.Category{tasks.CategoryShipping, tasks.CategoryUncategorized, tasks.CategorySoftware}
	for i, r := range out.Results {
		if r.Category != want[i] {
			t.Errorf("result %d = %s, want %s", i, r.Category, want[i])
		}
	}

	failing := tasks.NewCategorizer(failingClassifier{}).Definition().Handler()
	if _, err := handle[tasks.CategorizationOutput](t, failing, tasks.CategorizationInput{
		Transactions: []reconcile.Transaction{{ID: "t1"}},
	}); err == nil {
		t.Error("expected classifier error")
	}
}
