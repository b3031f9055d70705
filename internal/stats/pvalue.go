package stats

import (
	"math"
	"strings"

	mstats "github.com/aclements/go-moremath/stats"

	"github.com/learngoat/learngoat/internal/experiment"
)

// SignificanceLevel is the p-value threshold below which a difference is
// reported as significant.
const SignificanceLevel = 0.05

// PValueFunc maps a t statistic and its degrees of freedom to a two-tailed
// p-value. Implementations must be monotonic: a larger |t| never yields a
// larger p.
type PValueFunc func(t, df float64) float64

// Names accepted by ParsePValueFunc.
const (
	PValueApprox   = "approx"
	PValueNormal   = "normal"
	PValueStudentT = "student-t"
)

// ParsePValueFunc resolves a configured method name. An empty name selects
// the piecewise approximation.
func ParsePValueFunc(name string) (PValueFunc, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", PValueApprox:
		return ApproxPValue, nil
	case PValueNormal:
		return NormalPValue, nil
	case PValueStudentT, "t", "ttest":
		return StudentTPValue, nil
	}
	return nil, experiment.Validationf("unknown p-value method %q (want %s, %s or %s)",
		name, PValueApprox, PValueNormal, PValueStudentT)
}

// ApproxPValue is a coarse piecewise-linear stand-in for the two-tailed
// normal p-value. It falls linearly from 1 at t=0 to 0.05 at |t|=1.96, then
// from 0.05 to 0.01 at |t|=2.58, and is 0.001 beyond that. df is ignored.
func ApproxPValue(t, _ float64) float64 {
	at := math.Abs(t)
	switch {
	case math.IsNaN(at):
		return 1
	case at < 1.96:
		return 1 - (at/1.96)*(1-0.05)
	case at < 2.58:
		return 0.05 - (at-1.96)/(2.58-1.96)*(0.05-0.01)
	default:
		return 0.001
	}
}

// NormalPValue is the two-tailed p-value under a standard normal, ignoring
// df.
func NormalPValue(t, _ float64) float64 {
	if math.IsNaN(t) {
		return 1
	}
	return 2 * mstats.StdNormal.CDF(-math.Abs(t))
}

// StudentTPValue is the exact two-tailed p-value of Student's t
// distribution with df degrees of freedom.
func StudentTPValue(t, df float64) float64 {
	if math.IsNaN(t) || df <= 0 {
		return 1
	}
	p := 2 * (1 - mstats.TDist{V: df}.CDF(math.Abs(t)))
	return math.Max(0, math.Min(1, p))
}
