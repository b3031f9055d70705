package stats

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/learngoat/learngoat/internal/experiment"
)

// LowSampleThreshold is the per-variant sample size below which results are
// flagged as unreliable.
const LowSampleThreshold = 100

// Skip marks a comparison that could not be computed.
type Skip struct {
	VariantID string          `json:"variant_id"`
	Kind      experiment.Kind `json:"kind"`
	Reason    string          `json:"reason"`
}

type MetricAnalysis struct {
	MetricStats
	Comparisons []Comparison `json:"comparisons"`
	Skipped     []Skip       `json:"skipped,omitempty"`
}

type Winner struct {
	VariantID   string  `json:"variant_id"`
	VariantName string  `json:"variant_name"`
	IsControl   bool    `json:"is_control"`
	Score       float64 `json:"score"`
	Confidence  float64 `json:"confidence"`
	Significant bool    `json:"significant"`
}

// Analysis is the full comparative computation for one test.
type Analysis struct {
	TestID  string            `json:"test_id"`
	Status  experiment.Status `json:"status"`
	Metrics []MetricAnalysis  `json:"metrics"`
	// Results holds one entry per non-control variant and metric with data.
	Results  []*experiment.Result `json:"results"`
	Winner   *Winner              `json:"winner,omitempty"`
	Insights []string             `json:"insights"`
	// Frozen is set when Results come from the snapshot taken at completion.
	Frozen bool `json:"frozen"`
}

// ComputeReport runs the full comparison against the control. For completed
// tests the persisted snapshot is returned as Results.
func (e *Engine) ComputeReport(ctx context.Context, testID string) (*Analysis, error) {
	test, err := e.store.GetTest(ctx, testID)
	if err != nil {
		return nil, err
	}
	if err := computable(test); err != nil {
		return nil, err
	}

	a, err := e.analyze(ctx, test, Options{TimeRange: clipRange(test, nil)})
	if err != nil {
		return nil, err
	}

	if test.Status == experiment.StatusCompleted {
		frozen, err := e.store.ListResults(ctx, test.ID)
		if err != nil {
			return nil, err
		}
		if len(frozen) > 0 {
			a.Results = frozen
			a.Frozen = true
			a.Winner = pickWinner(test, a.Results)
			a.Insights = insights(test, a.Metrics, a.Results, a.Winner)
		}
	}
	return a, nil
}

// Finalize computes the report a test will be frozen with when it completes
// at endedAt. It does not check or change the test status; the lifecycle
// manager owns that.
func (e *Engine) Finalize(ctx context.Context, test *experiment.Test, endedAt time.Time) (*Analysis, error) {
	window := *test
	window.Status = experiment.StatusCompleted
	window.EndedAt = &endedAt
	return e.analyze(ctx, test, Options{TimeRange: clipRange(&window, nil)})
}

func (e *Engine) analyze(ctx context.Context, test *experiment.Test, opts Options) (*Analysis, error) {
	described, err := e.describe(ctx, test, opts)
	if err != nil {
		return nil, err
	}

	control := test.Control()
	a := &Analysis{
		TestID:  test.ID,
		Status:  test.Status,
		Metrics: make([]MetricAnalysis, 0, len(described)),
		Results: []*experiment.Result{},
	}

	for _, ms := range described {
		ma := MetricAnalysis{MetricStats: ms, Comparisons: []Comparison{}}
		a.Metrics = append(a.Metrics, e.compareMetric(test, control, ma, &a.Results))
	}

	a.Winner = pickWinner(test, a.Results)
	a.Insights = insights(test, a.Metrics, a.Results, a.Winner)
	return a, nil
}

func (e *Engine) compareMetric(test *experiment.Test, control *experiment.Variant, ma MetricAnalysis, results *[]*experiment.Result) MetricAnalysis {
	if control == nil {
		ma.Skipped = append(ma.Skipped, Skip{Kind: experiment.KindComputationSkipped, Reason: "test has no control variant"})
		return ma
	}

	var controlStats *VariantStats
	for i := range ma.Variants {
		if ma.Variants[i].VariantID == control.ID {
			controlStats = &ma.Variants[i]
		}
	}

	for _, vs := range ma.Variants {
		if vs.VariantID == control.ID {
			continue
		}
		if controlStats == nil {
			ma.Skipped = append(ma.Skipped, Skip{
				VariantID: vs.VariantID,
				Kind:      experiment.KindComputationSkipped,
				Reason:    "control has no observations",
			})
			continue
		}

		c, err := Compare(controlStats.Descriptive, vs.Descriptive, e.pvalue)
		if err != nil {
			e.log.Debug("comparison skipped",
				zap.String("test_id", test.ID),
				zap.String("metric_id", ma.MetricID),
				zap.String("variant_id", vs.VariantID),
				zap.Error(err))
			ma.Skipped = append(ma.Skipped, Skip{
				VariantID: vs.VariantID,
				Kind:      experiment.KindOf(err),
				Reason:    err.Error(),
			})
			continue
		}
		c.MetricID = ma.MetricID
		c.ControlID = control.ID
		c.VariantID = vs.VariantID
		ma.Comparisons = append(ma.Comparisons, c)

		*results = append(*results, &experiment.Result{
			TestID:           test.ID,
			VariantID:        vs.VariantID,
			MetricID:         ma.MetricID,
			Value:            vs.Mean,
			Change:           c.Difference,
			ChangePercentage: c.ChangePercentage,
			Confidence:       1 - c.PValue,
			Significance:     c.Significant,
			SampleSize:       vs.N,
		})
	}
	return ma
}

// pickWinner scores each variant by its sample-size weighted mean change
// percentage across metrics; the control scores 0. The highest score wins and
// ties go to the earlier variant, so a winner is always named when the test
// has variants.
func pickWinner(test *experiment.Test, results []*experiment.Result) *Winner {
	if len(test.Variants) == 0 {
		return nil
	}

	type tally struct {
		weighted, weight, confWeighted float64
		significant                    bool
	}
	tallies := map[string]*tally{}
	for _, r := range results {
		t := tallies[r.VariantID]
		if t == nil {
			t = &tally{}
			tallies[r.VariantID] = t
		}
		n := float64(r.SampleSize)
		t.weighted += r.ChangePercentage * n
		t.weight += n
		t.confWeighted += r.Confidence * n
		if r.Significance && r.Change > 0 {
			t.significant = true
		}
	}

	control := test.Control()
	var best *Winner
	for _, v := range ordered(test) {
		w := &Winner{VariantID: v.ID, VariantName: v.Name, IsControl: v.IsControl}
		if t := tallies[v.ID]; t != nil && t.weight > 0 {
			w.Score = t.weighted / t.weight
			w.Confidence = t.confWeighted / t.weight
			w.Significant = t.significant
		} else if !v.IsControl {
			// A treatment with no comparable data cannot win.
			continue
		}
		if best == nil || w.Score > best.Score {
			best = w
		}
	}
	if best == nil && control != nil {
		best = &Winner{VariantID: control.ID, VariantName: control.Name, IsControl: true}
	}

	if best != nil && best.IsControl {
		// The control wins on the strength of the treatments that lost to it.
		var conf, weight float64
		for _, r := range results {
			if r.Change < 0 {
				n := float64(r.SampleSize)
				conf += r.Confidence * n
				weight += n
				if r.Significance {
					best.Significant = true
				}
			}
		}
		if weight > 0 {
			best.Confidence = conf / weight
		}
	}
	return best
}

// ordered returns the control first, then the remaining variants by position.
func ordered(test *experiment.Test) []*experiment.Variant {
	out := make([]*experiment.Variant, 0, len(test.Variants))
	if c := test.Control(); c != nil {
		out = append(out, c)
	}
	for _, v := range test.Variants {
		if !v.IsControl {
			out = append(out, v)
		}
	}
	return out
}

func insights(test *experiment.Test, metrics []MetricAnalysis, results []*experiment.Result, w *Winner) []string {
	out := []string{}
	names := map[string]string{}
	for _, v := range test.Variants {
		names[v.ID] = v.Name
	}

	for _, m := range metrics {
		if len(m.Variants) == 0 {
			out = append(out, fmt.Sprintf("No observations recorded for metric %q.", m.MetricName))
			continue
		}
		for _, vs := range m.Variants {
			if vs.N < LowSampleThreshold {
				out = append(out, fmt.Sprintf("Variant %q has %d observations for %q, below %d: low reliability.",
					vs.VariantName, vs.N, m.MetricName, LowSampleThreshold))
			}
		}
		for _, s := range m.Skipped {
			out = append(out, fmt.Sprintf("Comparison for variant %q on %q skipped: %s.",
				names[s.VariantID], m.MetricName, s.Reason))
		}
		for _, c := range m.Comparisons {
			if c.Magnitude == MagnitudeLarge {
				out = append(out, fmt.Sprintf("Variant %q shows a large effect size (d=%.2f) on %q.",
					names[c.VariantID], c.CohensD, m.MetricName))
			}
			if c.Significant {
				direction := "better"
				if c.Difference < 0 {
					direction = "worse"
				}
				out = append(out, fmt.Sprintf("Variant %q performs significantly %s than control on %q (%+.1f%%, p=%.3f).",
					names[c.VariantID], direction, m.MetricName, c.ChangePercentage, c.PValue))
			}
		}
	}

	anySignificant := false
	for _, r := range results {
		if r.Significance {
			anySignificant = true
			break
		}
	}
	if !anySignificant {
		out = append(out, "No statistically significant differences detected yet.")
	}
	if w != nil {
		out = append(out, fmt.Sprintf("Best available signal: %q (score %+.1f%%, confidence %.0f%%).",
			w.VariantName, round(w.Score, 1), w.Confidence*100))
	}
	return out
}

func round(x float64, places int) float64 {
	p := math.Pow(10, float64(places))
	v := math.Round(x*p) / p
	if v == 0 {
		// Avoid printing -0.0.
		return 0
	}
	return v
}
