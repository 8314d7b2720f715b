package ownerscore

import (
	"math"
	"slices"
	"strings"

	"github.com/xrash/smetrics"

	"github.com/zero-logement-vacant/zlv-address/internal/address"
)

// TokenSetRatio compares the token sets of a and b after normalization and
// returns 0..100. It matches the fuzzywuzzy token_set_ratio: the shared
// tokens are compared against each side's remainder, and the best of the
// three similarity ratios wins. Empty input scores 0.
func TokenSetRatio(a, b string) int {
	ta := tokenSet(a)
	tb := tokenSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	var inter, onlyA, onlyB []string
	for t := range ta {
		if _, ok := tb[t]; ok {
			inter = append(inter, t)
		} else {
			onlyA = append(onlyA, t)
		}
	}
	for t := range tb {
		if _, ok := ta[t]; !ok {
			onlyB = append(onlyB, t)
		}
	}
	slices.Sort(inter)
	slices.Sort(onlyA)
	slices.Sort(onlyB)

	sect := strings.Join(inter, " ")
	combA := strings.TrimSpace(sect + " " + strings.Join(onlyA, " "))
	combB := strings.TrimSpace(sect + " " + strings.Join(onlyB, " "))

	return max(ratio(sect, combA), ratio(sect, combB), ratio(combA, combB))
}

// ratio is the indel similarity of a and b scaled to 0..100 and rounded
// half to even.
func ratio(a, b string) int {
	if a == "" || b == "" {
		return 0
	}
	total := len(a) + len(b)
	dist := smetrics.WagnerFischer(a, b, 1, 1, 2)
	return int(math.RoundToEven(100 * float64(total-dist) / float64(total)))
}

func tokenSet(text string) map[string]struct{} {
	toks := address.Tokenize(text)
	set := make(map[string]struct{}, len(toks))
	for _, t := range toks {
		set[t] = struct{}{}
	}
	return set
}
