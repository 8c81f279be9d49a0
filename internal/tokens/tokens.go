// Package tokens provides approximate token counts for context-budget
// decisions. It uses a ~4 bytes per token heuristic, which is good enough
// for soft budgeting and cheap enough to run on every request. Counts are
// deterministic for identical input and are never used for billing.
package tokens

import "unicode/utf8"

// Estimate returns an approximate token count for text. It never panics and
// never returns a negative value; when the heuristic cannot apply it falls
// back to len(text)/4.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	if !utf8.ValidString(text) {
		return len(text) / 4
	}
	// ~4 bytes per token for English text, ceil division.
	return (len(text) + 3) / 4
}

// EstimateMessages sums estimates for a message sequence with a small
// per-message overhead for role and formatting.
func EstimateMessages(contents []string) int {
	total := 0
	for _, c := range contents {
		total += 4 + Estimate(c)
	}
	return total
}
