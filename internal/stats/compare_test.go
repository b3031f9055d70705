package stats_test

import (
	"math"
	"testing"

	"github.com/learngoat/learngoat/internal/experiment"
	"github.com/learngoat/learngoat/internal/stats"
)

func TestDescribe(t *testing.T) {
	d := stats.Describe([]float64{2, 4, 4, 4, 5, 5, 7, 9})

	if d.N != 8 {
		t.Errorf("N = %d, want 8", d.N)
	}
	if d.Mean != 5 {
		t.Errorf("Mean = %f, want 5", d.Mean)
	}
	// Sample standard deviation with n-1 denominator.
	if want := math.Sqrt(32.0 / 7); math.Abs(d.StdDev-want) > 1e-9 {
		t.Errorf("StdDev = %f, want %f", d.StdDev, want)
	}
	if d.Min != 2 || d.Max != 9 {
		t.Errorf("bounds = [%f, %f], want [2, 9]", d.Min, d.Max)
	}
	if math.Abs(d.CI.Upper-d.Mean-d.MarginOfError) > 1e-12 {
		t.Errorf("CI %+v is not mean ± margin %f", d.CI, d.MarginOfError)
	}
}

func TestDescribe_Degenerate(t *testing.T) {
	if d := stats.Describe(nil); d.N != 0 || d.Mean != 0 {
		t.Errorf("empty sample = %+v, want zero value", d)
	}
	if d := stats.Describe([]float64{3}); d.StdDev != 0 || d.Mean != 3 || d.MarginOfError != 0 {
		t.Errorf("single observation = %+v", d)
	}
}

func TestCompare_LargeEffect(t *testing.T) {
	control := stats.Descriptive{N: 100, Mean: 10, StdDev: 2}
	treatment := stats.Descriptive{N: 100, Mean: 14, StdDev: 2}

	c, err := stats.Compare(control, treatment, stats.ApproxPValue)
	if err != nil {
		t.Fatalf("Compare failed: %v", err)
	}
	if math.Abs(c.CohensD-2) > 1e-9 {
		t.Errorf("CohensD = %f, want 2", c.CohensD)
	}
	if c.Magnitude != stats.MagnitudeLarge {
		t.Errorf("Magnitude = %s, want large", c.Magnitude)
	}
	if !c.Significant {
		t.Errorf("expected significant result, p=%f", c.PValue)
	}
	if c.DegreesOfFreedom != 198 {
		t.Errorf("df = %d, want 198", c.DegreesOfFreedom)
	}
	if math.Abs(c.ChangePercentage-40) > 1e-9 {
		t.Errorf("ChangePercentage = %f, want 40", c.ChangePercentage)
	}
	if math.Abs(c.TStatistic-4/math.Sqrt(4*0.02)) > 1e-9 {
		t.Errorf("TStatistic = %f", c.TStatistic)
	}
}

func TestCompare_IdenticalSamples(t *testing.T) {
	d := stats.Descriptive{N: 50, Mean: 7, StdDev: 1.5}

	c, err := stats.Compare(d, d, stats.StudentTPValue)
	if err != nil {
		t.Fatalf("Compare failed: %v", err)
	}
	if c.CohensD != 0 || c.TStatistic != 0 {
		t.Errorf("expected zero effect, got d=%f t=%f", c.CohensD, c.TStatistic)
	}
	if c.Magnitude != stats.MagnitudeSmall {
		t.Errorf("Magnitude = %s, want small", c.Magnitude)
	}
	if c.Significant || c.PValue < 0.99 {
		t.Errorf("expected p near 1, got %f", c.PValue)
	}
}

func TestCompare_Skipped(t *testing.T) {
	tests := []struct {
		name      string
		control   stats.Descriptive
		treatment stats.Descriptive
	}{
		{"empty control", stats.Descriptive{}, stats.Descriptive{N: 10, Mean: 1, StdDev: 1}},
		{"empty treatment", stats.Descriptive{N: 10, Mean: 1, StdDev: 1}, stats.Descriptive{}},
		{"one observation each", stats.Descriptive{N: 1, Mean: 1}, stats.Descriptive{N: 1, Mean: 2}},
		{"zero variance", stats.Descriptive{N: 5, Mean: 1}, stats.Descriptive{N: 5, Mean: 2}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := stats.Compare(tc.control, tc.treatment, stats.ApproxPValue)
			if kind := experiment.KindOf(err); kind != experiment.KindComputationSkipped {
				t.Errorf("expected COMPUTATION_SKIPPED, got %v", err)
			}
		})
	}
}

func TestCompare_ZeroVarianceEqualMeans(t *testing.T) {
	d := stats.Descriptive{N: 5, Mean: 3}
	c, err := stats.Compare(d, d, stats.ApproxPValue)
	if err != nil {
		t.Fatalf("Compare failed: %v", err)
	}
	if c.PValue != 1 || c.Significant {
		t.Errorf("expected p=1 for identical constant samples, got %+v", c)
	}
}

func TestEffectMagnitude(t *testing.T) {
	tests := []struct {
		d    float64
		want stats.Magnitude
	}{
		{0, stats.MagnitudeSmall},
		{0.19, stats.MagnitudeSmall},
		{-0.2, stats.MagnitudeMedium},
		{0.49, stats.MagnitudeMedium},
		{0.5, stats.MagnitudeLarge},
		{-3, stats.MagnitudeLarge},
	}
	for _, tc := range tests {
		if got := stats.EffectMagnitude(tc.d); got != tc.want {
			t.Errorf("EffectMagnitude(%f) = %s, want %s", tc.d, got, tc.want)
		}
	}
}

func TestChangePercentage(t *testing.T) {
	if got := stats.ChangePercentage(0, 5); got != 0 {
		t.Errorf("zero control mean: got %f, want 0", got)
	}
	if got := stats.ChangePercentage(-10, -5); got != 50 {
		t.Errorf("negative control mean: got %f, want 50", got)
	}
}
