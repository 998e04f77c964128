// Package similarity holds the pure scoring functions used by the recurring
// and transfer detectors. Every score is in [0, 1].
package similarity

import (
	"math"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/cases"
)

// AmountTolerance is the absolute currency-unit tolerance under which two
// amounts count as equal (or exactly opposite).
const AmountTolerance = 0.01

// Amount scores how alike two amounts are. Opposite amounts of equal
// magnitude (a transfer) and equal amounts (a duplicate) both score 1.
func Amount(a, b float64) float64 {
	if a == 0 && b == 0 {
		return 1.0
	}
	if a == 0 || b == 0 {
		return 0.0
	}
	if math.Abs(a+b) <= AmountTolerance {
		return 1.0
	}
	if math.Abs(a-b) <= AmountTolerance {
		return 1.0
	}

	maxAmount := math.Max(math.Abs(a), math.Abs(b))
	diff := math.Abs(math.Abs(a) - math.Abs(b))
	return math.Max(0, 1-diff/maxAmount)
}

// Time scores elapsed time between two instants in discrete tiers.
func Time(t1, t2 time.Time) float64 {
	d := t1.Sub(t2)
	if d < 0 {
		d = -d
	}
	switch {
	case d <= time.Minute:
		return 1.0
	case d <= time.Hour:
		return 0.9
	case d <= 24*time.Hour:
		return 0.7
	case d <= 7*24*time.Hour:
		return 0.3
	}
	return 0.0
}

// Text is the Jaccard similarity of the case-folded word sets of s1 and s2.
func Text(s1, s2 string) float64 {
	w1 := words(s1)
	w2 := words(s2)
	if len(w1) == 0 && len(w2) == 0 {
		return 1.0
	}
	if len(w1) == 0 || len(w2) == 0 {
		return 0.0
	}

	inter := 0
	for w := range w1 {
		if _, ok := w2[w]; ok {
			inter++
		}
	}
	union := len(w1) + len(w2) - inter
	return float64(inter) / float64(union)
}

func words(s string) map[string]struct{} {
	fields := strings.Fields(cases.Fold().String(s))
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// Edit is one minus the normalized Levenshtein distance of two strings,
// compared rune-wise after case folding.
func Edit(s1, s2 string) float64 {
	a := cases.Fold().String(strings.TrimSpace(s1))
	b := cases.Fold().String(strings.TrimSpace(s2))
	if a == b {
		return 1.0
	}
	maxLen := max(len([]rune(a)), len([]rune(b)))
	if maxLen == 0 {
		return 1.0
	}
	dist := levenshtein.ComputeDistance(a, b)
	return math.Max(0, 1-float64(dist)/float64(maxLen))
}
