package stats

import (
	"math"

	"github.com/learngoat/learngoat/internal/experiment"
)

type Magnitude string

const (
	MagnitudeSmall  Magnitude = "small"
	MagnitudeMedium Magnitude = "medium"
	MagnitudeLarge  Magnitude = "large"
)

// Comparison is a pooled two-sample test of a treatment against the control
// for one metric.
type Comparison struct {
	MetricID         string    `json:"metric_id"`
	ControlID        string    `json:"control_id"`
	VariantID        string    `json:"variant_id"`
	Difference       float64   `json:"difference"`
	ChangePercentage float64   `json:"change_percentage"`
	TStatistic       float64   `json:"t_statistic"`
	DegreesOfFreedom int       `json:"degrees_of_freedom"`
	PValue           float64   `json:"p_value"`
	Significant      bool      `json:"significant"`
	CohensD          float64   `json:"cohens_d"`
	Magnitude        Magnitude `json:"magnitude"`
}

// Compare runs the pooled-variance t-test of treatment against control.
// Samples that cannot support the test return a COMPUTATION_SKIPPED error.
func Compare(control, treatment Descriptive, pvalue PValueFunc) (Comparison, error) {
	if control.N == 0 {
		return Comparison{}, experiment.Skippedf("control has no observations")
	}
	if treatment.N == 0 {
		return Comparison{}, experiment.Skippedf("variant has no observations")
	}
	df := control.N + treatment.N - 2
	if df < 1 {
		return Comparison{}, experiment.Skippedf("need at least 3 observations across both samples, have %d", control.N+treatment.N)
	}

	diff := treatment.Mean - control.Mean
	pooledVar := PooledVariance(control, treatment)
	if pooledVar == 0 && diff != 0 {
		return Comparison{}, experiment.Skippedf("both samples have zero variance")
	}

	c := Comparison{
		Difference:       diff,
		ChangePercentage: ChangePercentage(control.Mean, treatment.Mean),
		DegreesOfFreedom: df,
	}
	if pooledVar > 0 {
		se := math.Sqrt(pooledVar * (1/float64(treatment.N) + 1/float64(control.N)))
		c.TStatistic = diff / se
	}
	c.CohensD = CohensD(control, treatment)
	c.PValue = pvalue(c.TStatistic, float64(df))
	c.Significant = c.PValue < SignificanceLevel
	c.Magnitude = EffectMagnitude(c.CohensD)
	return c, nil
}

// PooledVariance weights each sample variance by its n-1 degrees of freedom.
func PooledVariance(a, b Descriptive) float64 {
	df := a.N + b.N - 2
	if df < 1 {
		return 0
	}
	return (float64(a.N-1)*a.variance() + float64(b.N-1)*b.variance()) / float64(df)
}

// CohensD is the standardized mean difference of treatment over control
// using the pooled standard deviation. It is 0 when the pooled deviation is.
func CohensD(control, treatment Descriptive) float64 {
	sd := math.Sqrt(PooledVariance(control, treatment))
	if sd == 0 {
		return 0
	}
	return (treatment.Mean - control.Mean) / sd
}

func EffectMagnitude(d float64) Magnitude {
	ad := math.Abs(d)
	switch {
	case ad < 0.2:
		return MagnitudeSmall
	case ad < 0.5:
		return MagnitudeMedium
	default:
		return MagnitudeLarge
	}
}

// ChangePercentage is the treatment change relative to the control mean in
// percent, or 0 when the control mean is 0.
func ChangePercentage(controlMean, treatmentMean float64) float64 {
	if controlMean == 0 {
		return 0
	}
	return (treatmentMean - controlMean) / math.Abs(controlMean) * 100
}
