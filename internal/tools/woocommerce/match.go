package woocommerce

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// Product queries arrive through speech recognition, so exact substring
// search is not enough ("eldora sneakers" vs "Eldoria Sneaker Low"). Ranking
// combines Double Metaphone overlap with Jaro-Winkler similarity: phonetic
// overlap lowers the acceptance threshold, pure string similarity needs a
// higher score.
const (
	phoneticThreshold = 0.70
	fuzzyThreshold    = 0.85
)

// bestMatch returns the index of the product whose name best matches query,
// or -1 when none clears its threshold.
func bestMatch(query string, products []wcProduct) int {
	queryLower := strings.ToLower(strings.TrimSpace(query))
	if queryLower == "" || len(products) == 0 {
		return -1
	}
	queryTokens := strings.Fields(queryLower)
	queryCodes := codesForTokens(queryTokens)

	bestIdx := -1
	bestScore := 0.0
	bestPhonetic := false

	for i, p := range products {
		nameLower := strings.ToLower(strings.TrimSpace(p.Name))
		if nameLower == "" {
			continue
		}
		nameTokens := strings.Fields(nameLower)

		phonetic := codesOverlap(queryCodes, codesForTokens(nameTokens))
		score := bestSimilarity(queryTokens, nameTokens, queryLower, nameLower)

		threshold := fuzzyThreshold
		if phonetic {
			threshold = phoneticThreshold
		}
		if score < threshold {
			continue
		}

		// Phonetic matches outrank pure fuzzy matches at equal scores.
		if bestIdx == -1 || score > bestScore || (phonetic && !bestPhonetic && score >= bestScore) {
			bestIdx, bestScore, bestPhonetic = i, score, phonetic
		}
	}
	return bestIdx
}

// codesForTokens returns the union of Double Metaphone codes for the tokens.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap reports whether the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestSimilarity computes the highest Jaro-Winkler score between query and
// name: full strings, space-stripped strings, and the best pairwise token
// score.
func bestSimilarity(queryTokens, nameTokens []string, queryFull, nameFull string) float64 {
	score := matchr.JaroWinkler(queryFull, nameFull, false)

	if len(queryTokens) > 1 || len(nameTokens) > 1 {
		concat1 := strings.Join(queryTokens, "")
		concat2 := strings.Join(nameTokens, "")
		if s := matchr.JaroWinkler(concat1, concat2, false); s > score {
			score = s
		}
	}

	for _, qt := range queryTokens {
		for _, nt := range nameTokens {
			if s := matchr.JaroWinkler(qt, nt, false); s > score {
				score = s
			}
		}
	}
	return score
}
