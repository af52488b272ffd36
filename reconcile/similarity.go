package reconcile

import (
	"strings"
	"unicode"

	"github.com/agext/levenshtein"
)

// textSimilarity scores how alike two free-text descriptions are, in
// [0, 1]. It takes the larger of normalized edit-distance similarity and
// token overlap, so both reordered words and small typos score well.
func textSimilarity(a, b string) float64 {
	na, nb := normalizeText(a), normalizeText(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}
	edit := levenshtein.Similarity(na, nb, nil)
	overlap := jaccard(strings.Fields(na), strings.Fields(nb))
	if overlap > edit {
		return overlap
	}
	return edit
}

// normalizeText lower-cases s and collapses every run of non-alphanumeric
// characters to one space.
func normalizeText(s string) string {
	var b strings.Builder
	space := true
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	union := len(set)
	inter := 0
	seen := make(map[string]bool, len(b))
	for _, t := range b {
		if seen[t] {
			continue
		}
		seen[t] = true
		if set[t] {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}
