package anomaly

import (
	"math"
	"sort"
)

// MADScale makes the median absolute deviation a consistent estimator of the standard deviation under normality.
const MADScale = 1.4826

// Median returns the median of values, or 0 for an empty input. The input is not modified.
func Median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// MAD returns the median absolute deviation around median.
func MAD(values []float64, median float64) float64 {
	if len(values) == 0 {
		return 0
	}
	deviations := make([]float64, len(values))
	for i, value := range values {
		deviations[i] = math.Abs(value - median)
	}
	return Median(deviations)
}

// RobustZScore is (x - median) / (MADScale * mad), or 0 when mad is 0.
func RobustZScore(x, median, mad float64) float64 {
	if mad == 0 {
		return 0
	}
	return (x - median) / (MADScale * mad)
}

// PctDelta is the relative change of x against median, or 0 when median is 0.
func PctDelta(x, median float64) float64 {
	if median == 0 {
		return 0
	}
	return (x - median) / median
}
