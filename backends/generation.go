package backends

import "slices"

// BannedNGramTokens returns the tokens that would complete an n-gram already present in tokens.
// The last n-1 tokens form the prefix; every earlier occurrence of that prefix bans the token that followed it.
func BannedNGramTokens(tokens []uint32, n int) []uint32 {
	if n <= 0 || len(tokens)+1 < n {
		return nil
	}
	prefix := tokens[len(tokens)-n+1:]
	var banned []uint32
	for i := 0; i+n <= len(tokens); i++ {
		if slices.Equal(tokens[i:i+n-1], prefix) {
			banned = append(banned, tokens[i+n-1])
		}
	}
	return banned
}

// greedyToken picks the highest scoring token that is not banned.
func greedyToken(logits []float32, banned []uint32) uint32 {
	if len(banned) == 0 {
		return uint32(argmax(logits, nil))
	}
	bannedSet := make(map[int]struct{}, len(banned))
	for _, token := range banned {
		bannedSet[int(token)] = struct{}{}
	}
	return uint32(argmax(logits, func(i int) bool {
		_, ok := bannedSet[i]
		return ok
	}))
}

// argmax returns the index of the largest value, ignoring indices for which skip is true.
// Ties resolve to the lowest index; 0 is returned when every index is skipped.
func argmax(values []float32, skip func(int) bool) int {
	best := -1
	for i, v := range values {
		if skip != nil && skip(i) {
			continue
		}
		if best < 0 || v > values[best] {
			best = i
		}
	}
	return max(best, 0)
}
