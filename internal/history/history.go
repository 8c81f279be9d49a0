// Package history bounds the conversation context sent upstream. Upstream
// context windows and cost both scale with history size, so the gateway
// keeps only a sliding window of the most recent turns regardless of how
// much history the client supplies.
package history

// Truncate keeps the most recent max entries of h. It returns the kept
// window, whether anything was dropped, and the original length. The input
// slice is never modified.
func Truncate[T any](h []T, max int) ([]T, bool, int) {
	n := len(h)
	if n == 0 {
		return []T{}, false, 0
	}
	if max < 0 {
		max = 0
	}
	if n <= max {
		return h, false, n
	}
	return h[n-max:], true, n
}
