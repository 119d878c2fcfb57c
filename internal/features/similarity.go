package features

import "github.com/agext/levenshtein"

// TokenSimilarity returns 1 minus the token edit distance normalized by the
// longer sequence. Tokens are interned to runes in first-seen order (a, then b)
// so the comparison runs on whole tokens rather than characters.
func TokenSimilarity(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}

	ids := make(map[string]rune, len(a)+len(b))
	intern := func(tokens []string) []rune {
		out := make([]rune, len(tokens))
		for i, tok := range tokens {
			id, ok := ids[tok]
			if !ok {
				id = rune(len(ids) + 1)
				ids[tok] = id
			}
			out[i] = id
		}
		return out
	}
	ra, rb := intern(a), intern(b)

	dist, _, _ := levenshtein.Calculate(ra, rb, 0, 1, 1, 1)
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	sim := 1 - float64(dist)/float64(longest)
	if sim < 0 {
		return 0
	}
	return sim
}
