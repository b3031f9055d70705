package stats

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/learngoat/learngoat/internal/experiment"
	"github.com/learngoat/learngoat/internal/segment"
	"github.com/learngoat/learngoat/internal/store"
)

// Store is the read side of storage the engine needs.
type Store interface {
	GetTest(ctx context.Context, id string) (*experiment.Test, error)
	SampleObservations(ctx context.Context, variantID, metricID string, r *experiment.TimeRange) ([]float64, error)
	ListObservations(ctx context.Context, f store.ObservationFilter) ([]*experiment.Observation, error)
	ListResults(ctx context.Context, testID string) ([]*experiment.Result, error)
	GetSegmentByName(ctx context.Context, name string) (*experiment.Segment, error)
	GetUserAttributes(ctx context.Context, userID string) (*experiment.UserAttributes, error)
}

// Options narrows a statistics computation.
type Options struct {
	TimeRange *experiment.TimeRange `json:"time_range,omitempty"`
	// Segment restricts observations to users in the named segment.
	Segment string `json:"segment,omitempty"`
	// MetricIDs restricts computation to these active metrics.
	MetricIDs []string `json:"metric_ids,omitempty"`
}

type VariantStats struct {
	VariantID   string `json:"variant_id"`
	VariantName string `json:"variant_name"`
	IsControl   bool   `json:"is_control"`
	Descriptive
}

type MetricStats struct {
	MetricID   string                `json:"metric_id"`
	MetricName string                `json:"metric_name"`
	Type       experiment.MetricType `json:"type"`
	Unit       string                `json:"unit,omitempty"`
	// Variants lists every variant with at least one observation.
	Variants []VariantStats `json:"variants"`
}

// Stats is the descriptive half of a computation.
type Stats struct {
	TestID  string        `json:"test_id"`
	Metrics []MetricStats `json:"metrics"`
}

type Engine struct {
	store  Store
	log    *zap.Logger
	pvalue PValueFunc
	now    func() time.Time
}

type Option func(*Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithPValue replaces the p-value function used for significance.
func WithPValue(fn PValueFunc) Option {
	return func(e *Engine) {
		if fn != nil {
			e.pvalue = fn
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(s Store, opts ...Option) *Engine {
	e := &Engine{
		store:  s,
		log:    zap.NewNop(),
		pvalue: ApproxPValue,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ComputeStats returns per-metric, per-variant descriptive statistics.
func (e *Engine) ComputeStats(ctx context.Context, testID string, opts Options) (*Stats, error) {
	test, err := e.store.GetTest(ctx, testID)
	if err != nil {
		return nil, err
	}
	if err := computable(test); err != nil {
		return nil, err
	}
	opts.TimeRange = clipRange(test, opts.TimeRange)
	metrics, err := e.describe(ctx, test, opts)
	if err != nil {
		return nil, err
	}
	return &Stats{TestID: test.ID, Metrics: metrics}, nil
}

func computable(test *experiment.Test) error {
	switch test.Status {
	case experiment.StatusCancelled:
		return experiment.Conflictf("test %q was cancelled; statistics are not computed", test.Name)
	case experiment.StatusDraft:
		return experiment.Conflictf("test %q is still a draft", test.Name)
	}
	return nil
}

// clipRange bounds a test to its run window: never before StartedAt, and for
// completed tests never after EndedAt, so every view of a completed test
// reads the same sample as its frozen results.
func clipRange(test *experiment.Test, r *experiment.TimeRange) *experiment.TimeRange {
	completed := test.Status == experiment.StatusCompleted && test.EndedAt != nil
	if test.StartedAt == nil && !completed {
		return r
	}
	clipped := experiment.TimeRange{}
	if r != nil {
		clipped = *r
	}
	if test.StartedAt != nil && (clipped.From.IsZero() || clipped.From.Before(*test.StartedAt)) {
		clipped.From = *test.StartedAt
	}
	if completed {
		if clipped.To.IsZero() || clipped.To.After(*test.EndedAt) {
			clipped.To = *test.EndedAt
		}
	}
	return &clipped
}

func (e *Engine) describe(ctx context.Context, test *experiment.Test, opts Options) ([]MetricStats, error) {
	metrics, err := selectMetrics(test, opts.MetricIDs)
	if err != nil {
		return nil, err
	}

	sampler, err := e.sampler(ctx, test, opts)
	if err != nil {
		return nil, err
	}

	out := make([]MetricStats, 0, len(metrics))
	for _, m := range metrics {
		ms := MetricStats{
			MetricID:   m.ID,
			MetricName: m.Name,
			Type:       m.Type,
			Unit:       m.Unit,
			Variants:   []VariantStats{},
		}
		for _, v := range test.Variants {
			sample, err := sampler(ctx, v.ID, m.ID)
			if err != nil {
				return nil, err
			}
			if len(sample) == 0 {
				continue
			}
			d := Describe(sample)
			if m.Type == experiment.MetricConversion {
				if successes, ok := binarySample(sample); ok {
					w := WilsonInterval(successes, len(sample), 0.95)
					d.Wilson = &w
				}
			}
			ms.Variants = append(ms.Variants, VariantStats{
				VariantID:   v.ID,
				VariantName: v.Name,
				IsControl:   v.IsControl,
				Descriptive: d,
			})
		}
		out = append(out, ms)
	}
	return out, nil
}

func selectMetrics(test *experiment.Test, ids []string) ([]*experiment.Metric, error) {
	active := test.ActiveMetrics()
	if len(ids) == 0 {
		return active, nil
	}
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		m := test.Metric(id)
		if m == nil {
			return nil, experiment.NotFoundf("metric %q not found in test %q", id, test.Name)
		}
		wanted[id] = true
	}
	var out []*experiment.Metric
	for _, m := range active {
		if wanted[m.ID] {
			out = append(out, m)
		}
	}
	return out, nil
}

type samplerFunc func(ctx context.Context, variantID, metricID string) ([]float64, error)

// sampler returns the observation source for opts. Without a segment it reads
// the storage layer's numeric sample directly; with one it filters raw
// observations by the segment membership of each observing user.
func (e *Engine) sampler(ctx context.Context, test *experiment.Test, opts Options) (samplerFunc, error) {
	if opts.Segment == "" {
		return func(ctx context.Context, variantID, metricID string) ([]float64, error) {
			return e.store.SampleObservations(ctx, variantID, metricID, opts.TimeRange)
		}, nil
	}

	seg, err := e.store.GetSegmentByName(ctx, opts.Segment)
	if err != nil {
		return nil, err
	}
	now := e.now()
	members := map[string]bool{}
	member := func(ctx context.Context, userID string) (bool, error) {
		if in, ok := members[userID]; ok {
			return in, nil
		}
		attrs := experiment.UserAttributes{UserID: userID}
		stored, err := e.store.GetUserAttributes(ctx, userID)
		switch {
		case err == nil:
			attrs = *stored
			attrs.UserID = userID
		case !experiment.IsNotFound(err):
			return false, err
		}
		in := segment.Matches(attrs, seg, now)
		members[userID] = in
		return in, nil
	}

	return func(ctx context.Context, variantID, metricID string) ([]float64, error) {
		obs, err := e.store.ListObservations(ctx, store.ObservationFilter{
			TestID:    test.ID,
			VariantID: variantID,
			MetricID:  metricID,
			Range:     opts.TimeRange,
		})
		if err != nil {
			return nil, err
		}
		var sample []float64
		for _, o := range obs {
			in, err := member(ctx, o.UserID)
			if err != nil {
				return nil, err
			}
			if in {
				sample = append(sample, o.Value)
			}
		}
		return sample, nil
	}, nil
}
