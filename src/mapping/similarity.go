package mapping

import "github.com/hbollon/go-edlib"

// Similarity scores two normalized headers from 0 to 1 as the better of an edit-distance
// ratio and token overlap.
func Similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	lev, err := edlib.StringsSimilarity(a, b, edlib.Levenshtein)
	if err != nil {
		lev = 0
	}
	return max(float64(lev), tokenDice(a, b))
}

// tokenDice is the Sørensen-Dice coefficient over space separated tokens, derived from
// their Jaccard index as 2J/(1+J).
func tokenDice(a, b string) float64 {
	j := float64(edlib.JaccardSimilarity(a, b, 0))
	if j <= 0 {
		return 0
	}
	return 2 * j / (1 + j)
}
