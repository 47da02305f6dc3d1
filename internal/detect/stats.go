package detect

import (
	"math"
	"sort"
)

// sigmaFloor keeps flat series from dividing by zero.
const sigmaFloor = 1e-9

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total / float64(len(values))
}

// stdDev is the population standard deviation around mu, floored.
func stdDev(values []float64, mu float64) float64 {
	if len(values) == 0 {
		return sigmaFloor
	}
	sum := 0.0
	for _, v := range values {
		diff := v - mu
		sum += diff * diff
	}
	return math.Max(math.Sqrt(sum/float64(len(values))), sigmaFloor)
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := int(math.Round(p * float64(len(sorted)-1)))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func meanAbsoluteDeviation(values []float64, center float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += math.Abs(v - center)
	}
	return sum / float64(len(values))
}

// baseline returns the leading slice used as the reference period.
func baseline(series []float64, fraction float64) []float64 {
	if fraction <= 0 || fraction >= 1 {
		return series
	}
	n := int(math.Round(fraction * float64(len(series))))
	if n < minBaseline {
		n = minBaseline
	}
	if n >= len(series) {
		return series
	}
	return series[:n]
}

const minBaseline = 4

func finite(series []float64) bool {
	for _, v := range series {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
