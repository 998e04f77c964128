package similarity

import "math"

// Mean returns the arithmetic mean of xs, 0 for an empty slice.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// StdDev returns the population standard deviation of xs.
func StdDev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := Mean(xs)
	var ss float64
	for _, x := range xs {
		ss += (x - m) * (x - m)
	}
	return math.Sqrt(ss / float64(len(xs)))
}

// CoefficientOfVariation is the population standard deviation divided by the
// magnitude of the mean. It is 0 for fewer than two values, for zero spread
// and for a zero mean.
func CoefficientOfVariation(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	std := StdDev(xs)
	if std == 0 {
		return 0
	}
	m := math.Abs(Mean(xs))
	if m == 0 {
		return 0
	}
	return std / m
}

// Clamp01 limits x to [0, 1].
func Clamp01(x float64) float64 {
	return math.Min(1, math.Max(0, x))
}
