package stats

import (
	"math"

	mstats "github.com/aclements/go-moremath/stats"
)

// Descriptive summarizes one (variant, metric) sample.
type Descriptive struct {
	N             int     `json:"n"`
	Mean          float64 `json:"mean"`
	StdDev        float64 `json:"std_dev"`
	Min           float64 `json:"min"`
	Max           float64 `json:"max"`
	MarginOfError float64 `json:"margin_of_error"`
	// CI is Mean ± MarginOfError. It uses the normal approximation rather
	// than a t quantile for every sample size.
	CI Interval `json:"ci"`
	// Wilson is set for CONVERSION metrics whose sample is all 0/1 values.
	Wilson *Interval `json:"wilson,omitempty"`
}

// Describe computes descriptive statistics. StdDev uses the n-1 denominator
// and is 0 for a single observation. An empty sample yields the zero value.
func Describe(xs []float64) Descriptive {
	n := len(xs)
	if n == 0 {
		return Descriptive{}
	}

	d := Descriptive{
		N:    n,
		Mean: mstats.Mean(xs),
	}
	if n > 1 {
		d.StdDev = mstats.StdDev(xs)
	}
	d.Min, d.Max = mstats.Bounds(xs)
	d.MarginOfError = ZScore(0.95) * d.StdDev / math.Sqrt(float64(n))
	d.CI = Interval{Lower: d.Mean - d.MarginOfError, Upper: d.Mean + d.MarginOfError}
	return d
}

// variance returns the sample variance implied by d.
func (d Descriptive) variance() float64 {
	return d.StdDev * d.StdDev
}
