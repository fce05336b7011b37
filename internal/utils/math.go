package utils

import "math"

// Round rounds a float64 value to 2 decimal places
// Used for every percentage the collector reports
func Round(val float64) float64 {
	return math.Round(val*100) / 100
}

// Percent returns part/whole*100 rounded to 2 decimals and clamped to [0,100].
// A zero whole yields 0 rather than NaN or Inf.
func Percent(part, whole uint64) float64 {
	if whole == 0 {
		return 0
	}
	p := float64(part) / float64(whole) * 100
	if math.IsNaN(p) || p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return Round(p)
}
