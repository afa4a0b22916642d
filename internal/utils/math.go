package utils

import (
	"math"
	"strconv"
)

// ParseFloat parses a string to float64, returns 0 on error
func ParseFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

// IsClose reports whether a and b are within the given relative tolerance of
// each other. The comparison is symmetric: the tolerance scales with the
// larger magnitude of the two values.
func IsClose(a, b, relTol float64) bool {
	if a == b {
		return true
	}
	if math.IsNaN(a) || math.IsNaN(b) || math.IsInf(a, 0) || math.IsInf(b, 0) {
		return false
	}
	return math.Abs(a-b) <= relTol*math.Max(math.Abs(a), math.Abs(b))
}

// TrendSlope fits a least-squares line to the values (x = 0..n-1) and returns
// its slope. Returns 0 for fewer than two points.
func TrendSlope(values []float64) float64 {
	n := len(values)
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, v := range values {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumXX += x * x
	}
	fn := float64(n)
	den := fn*sumXX - sumX*sumX
	if den == 0 {
		return 0
	}
	return (fn*sumXY - sumX*sumY) / den
}
