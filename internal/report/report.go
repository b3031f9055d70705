// Package report assembles test metadata and statistics into reports and
// serializes them for export.
package report

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/learngoat/learngoat/internal/experiment"
	"github.com/learngoat/learngoat/internal/stats"
)

type Store interface {
	GetTest(ctx context.Context, id string) (*experiment.Test, error)
	ListAssignmentsForTest(ctx context.Context, testID string) ([]*experiment.Assignment, error)
}

// Analyzer produces the comparative statistics for a test.
type Analyzer interface {
	ComputeReport(ctx context.Context, testID string) (*stats.Analysis, error)
}

type TestInfo struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Status      experiment.Status `json:"status"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	EndedAt     *time.Time        `json:"ended_at,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

type VariantInfo struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	Description       string         `json:"description,omitempty"`
	TrafficPercentage float64        `json:"traffic_percentage"`
	IsControl         bool           `json:"is_control"`
	Config            map[string]any `json:"config,omitempty"`
	Assignments       int            `json:"assignments"`
}

type Report struct {
	Test             TestInfo                 `json:"test"`
	Variants         []VariantInfo            `json:"variants,omitempty"`
	Metrics          []*experiment.Metric     `json:"metrics,omitempty"`
	Statistics       []stats.MetricAnalysis   `json:"statistics,omitempty"`
	Results          []*experiment.Result     `json:"results"`
	Winner           *stats.Winner            `json:"winner,omitempty"`
	Frozen           bool                     `json:"frozen"`
	TotalAssignments int                      `json:"total_assignments"`
	Assignments      []*experiment.Assignment `json:"assignments,omitempty"`
	Summary          string                   `json:"summary"`
	Recommendations  []string                 `json:"recommendations"`
	Insights         []string                 `json:"insights"`
}

type Builder struct {
	store    Store
	analyzer Analyzer
	log      *zap.Logger
	now      func() time.Time
}

type Option func(*Builder)

func WithLogger(l *zap.Logger) Option {
	return func(b *Builder) {
		if l != nil {
			b.log = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

func New(s Store, a Analyzer, opts ...Option) *Builder {
	b := &Builder{store: s, analyzer: a, log: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BuildReport assembles the full report for testID. Cancelled and draft
// tests get a report without statistics.
func (b *Builder) BuildReport(ctx context.Context, testID string) (*Report, error) {
	r, _, err := b.build(ctx, testID)
	return r, err
}

func (b *Builder) build(ctx context.Context, testID string) (*Report, []*experiment.Assignment, error) {
	test, err := b.store.GetTest(ctx, testID)
	if err != nil {
		return nil, nil, err
	}
	assignments, err := b.store.ListAssignmentsForTest(ctx, test.ID)
	if err != nil {
		return nil, nil, err
	}

	counts := make(map[string]int, len(test.Variants))
	for _, a := range assignments {
		counts[a.VariantID]++
	}

	r := &Report{
		Test: TestInfo{
			ID:          test.ID,
			Name:        test.Name,
			Description: test.Description,
			Status:      test.Status,
			StartedAt:   test.StartedAt,
			EndedAt:     test.EndedAt,
			CreatedAt:   test.CreatedAt,
		},
		Variants:         make([]VariantInfo, 0, len(test.Variants)),
		Metrics:          test.Metrics,
		Results:          []*experiment.Result{},
		TotalAssignments: len(assignments),
		Recommendations:  []string{},
		Insights:         []string{},
	}
	for _, v := range test.Variants {
		r.Variants = append(r.Variants, VariantInfo{
			ID:                v.ID,
			Name:              v.Name,
			Description:       v.Description,
			TrafficPercentage: v.TrafficPercentage,
			IsControl:         v.IsControl,
			Config:            v.Config,
			Assignments:       counts[v.ID],
		})
	}

	switch test.Status {
	case experiment.StatusCancelled:
		r.Summary = fmt.Sprintf("Test %q was cancelled; no results are reported.", test.Name)
		return r, assignments, nil
	case experiment.StatusDraft:
		r.Summary = fmt.Sprintf("Test %q is a draft and has not collected data.", test.Name)
		r.Recommendations = append(r.Recommendations, "Activate the test to start assigning users.")
		return r, assignments, nil
	}

	a, err := b.analyzer.ComputeReport(ctx, test.ID)
	if err != nil {
		return nil, nil, err
	}
	r.Statistics = a.Metrics
	r.Results = a.Results
	r.Winner = a.Winner
	r.Frozen = a.Frozen
	r.Insights = a.Insights
	r.Summary = summary(test, r, b.now())
	r.Recommendations = recommendations(test, a)

	b.log.Debug("report built",
		zap.String("test_id", test.ID),
		zap.Int("results", len(r.Results)),
		zap.Bool("frozen", r.Frozen))
	return r, assignments, nil
}

func summary(test *experiment.Test, r *Report, now time.Time) string {
	s := fmt.Sprintf("Test %q is %s with %d assigned users across %d variants.",
		test.Name, test.Status, r.TotalAssignments, len(test.Variants))
	if test.StartedAt != nil {
		end := now
		if test.EndedAt != nil {
			end = *test.EndedAt
		}
		s += fmt.Sprintf(" Running for %d days.", int(end.Sub(*test.StartedAt).Hours()/24))
	}
	if w := r.Winner; w != nil {
		label := "leading"
		if w.Significant {
			label = "winning"
		}
		s += fmt.Sprintf(" %q is %s with score %+.1f%% at %.0f%% confidence.",
			w.VariantName, label, w.Score, w.Confidence*100)
	}
	return s
}

func recommendations(test *experiment.Test, a *stats.Analysis) []string {
	out := []string{}

	lowSample := false
	for _, m := range a.Metrics {
		for _, v := range m.Variants {
			if v.N < stats.LowSampleThreshold {
				lowSample = true
			}
		}
	}
	if lowSample {
		out = append(out, fmt.Sprintf("Collect at least %d observations per variant before drawing conclusions.", stats.LowSampleThreshold))
	}

	w := a.Winner
	switch {
	case w == nil:
		out = append(out, "Define variants and record observations to obtain a recommendation.")
	case w.Significant && !w.IsControl:
		out = append(out, fmt.Sprintf("Roll out variant %q.", w.VariantName))
	case w.Significant && w.IsControl:
		out = append(out, "Keep the control; no treatment outperforms it.")
	case test.Status == experiment.StatusCompleted:
		out = append(out, "No significant difference was found; consider rerunning with a larger audience.")
	default:
		out = append(out, "Keep the test running until a significant difference emerges.")
	}
	return out
}
