package aggregator

import "golang.org/x/exp/constraints"

// updateMinMax folds value into a running (min, max) pair the same way
// bucket.add does for every sample (spec §3 "bucket ... running sum/min/
// max"); hasSample distinguishes the first sample, which seeds both rather
// than comparing against a stale zero value.
func updateMinMax[T constraints.Ordered](min, max, value T, hasSample bool) (T, T) {
	if !hasSample {
		return value, value
	}
	if value < min {
		min = value
	}
	if value > max {
		max = value
	}
	return min, max
}
