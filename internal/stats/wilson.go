package stats

import (
	"math"

	mstats "github.com/aclements/go-moremath/stats"
)

// Interval is a closed confidence interval.
type Interval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// WilsonInterval calculates the Wilson score confidence interval for a
// binomial proportion. It's more accurate for small samples than the normal
// approximation, so it is reported for CONVERSION metrics whose observations
// are 0/1 outcomes.
func WilsonInterval(successes, trials int, confidence float64) Interval {
	if trials == 0 {
		return Interval{}
	}

	z := ZScore(confidence)
	p := float64(successes) / float64(trials)
	n := float64(trials)

	denominator := 1 + z*z/n
	center := (p + z*z/(2*n)) / denominator
	spread := (z / denominator) * math.Sqrt(p*(1-p)/n+z*z/(4*n*n))

	// Clamp to [0, 1]
	return Interval{
		Lower: math.Max(0, center-spread),
		Upper: math.Min(1, center+spread),
	}
}

// binarySample reports whether every value is 0 or 1 and, if so, how many
// are 1.
func binarySample(xs []float64) (successes int, ok bool) {
	for _, x := range xs {
		switch x {
		case 1:
			successes++
		case 0:
		default:
			return 0, false
		}
	}
	return successes, len(xs) > 0
}

// ZScore returns the two-sided z-score for a given confidence level.
// Common values:
//   - 0.90 -> 1.645
//   - 0.95 -> 1.96
//   - 0.99 -> 2.576
//
// Confidence outside (0, 1) returns 0.
func ZScore(confidence float64) float64 {
	if !(confidence > 0 && confidence < 1) {
		return 0
	}
	return mstats.StdNormal.InvCDF((1 + confidence) / 2)
}
