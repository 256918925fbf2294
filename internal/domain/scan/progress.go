package scan

import "math"

// Percentage converts a processed/total pair into a whole progress percentage.
// All progress figures reported to consumers pass through this function so
// interim and final percentages stay consistent and monotonic within a single
// forward pass. A non-positive total yields 0; results are clamped to [0, 100].
func Percentage(processed, total int) int {
	if total <= 0 {
		return 0
	}
	pct := int(math.Round(float64(processed) / float64(total) * 100))
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
