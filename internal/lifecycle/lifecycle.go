// Package lifecycle owns test authoring and the status state machine:
//
//	DRAFT -> ACTIVE <-> PAUSED
//	ACTIVE, PAUSED -> COMPLETED
//	DRAFT, ACTIVE, PAUSED -> CANCELLED
//
// COMPLETED and CANCELLED are terminal. Completing a test freezes its
// statistics by persisting a final set of results.
package lifecycle

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/learngoat/learngoat/internal/experiment"
	"github.com/learngoat/learngoat/internal/stats"
)

type Store interface {
	CreateTest(ctx context.Context, t *experiment.Test) error
	GetTest(ctx context.Context, id string) (*experiment.Test, error)
	UpdateTest(ctx context.Context, t *experiment.Test) error
	UpdateTestStatus(ctx context.Context, id string, from, to experiment.Status, startedAt, endedAt *time.Time) error
	DeleteTest(ctx context.Context, id string) error
	CompleteTest(ctx context.Context, id string, from experiment.Status, startedAt *time.Time, endedAt time.Time, results []*experiment.Result) error
	CreateSegment(ctx context.Context, seg *experiment.Segment) error
	RecordObservation(ctx context.Context, o *experiment.Observation) error
}

// Finalizer computes the analysis a test is frozen with on completion.
type Finalizer interface {
	Finalize(ctx context.Context, test *experiment.Test, endedAt time.Time) (*stats.Analysis, error)
}

type Manager struct {
	store     Store
	finalizer Finalizer
	log       *zap.Logger
	now       func() time.Time
}

type Option func(*Manager)

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func New(s Store, f Finalizer, opts ...Option) *Manager {
	m := &Manager{
		store:     s,
		finalizer: f,
		log:       zap.NewNop(),
		now:       func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var transitions = map[experiment.Status][]experiment.Status{
	experiment.StatusDraft:  {experiment.StatusActive, experiment.StatusCancelled},
	experiment.StatusActive: {experiment.StatusPaused, experiment.StatusCompleted, experiment.StatusCancelled},
	experiment.StatusPaused: {experiment.StatusActive, experiment.StatusCompleted, experiment.StatusCancelled},
}

// CanTransition reports whether the state machine has an edge from -> to.
func CanTransition(from, to experiment.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (m *Manager) Activate(ctx context.Context, id string) (*experiment.Test, error) {
	return m.Transition(ctx, id, experiment.StatusActive)
}

func (m *Manager) Pause(ctx context.Context, id string) (*experiment.Test, error) {
	return m.Transition(ctx, id, experiment.StatusPaused)
}

// Resume moves a paused test back to ACTIVE.
func (m *Manager) Resume(ctx context.Context, id string) (*experiment.Test, error) {
	test, err := m.store.GetTest(ctx, id)
	if err != nil {
		return nil, err
	}
	if test.Status != experiment.StatusPaused {
		return nil, experiment.Conflictf("test %q is %s; only PAUSED tests can be resumed", test.Name, test.Status)
	}
	return m.Transition(ctx, id, experiment.StatusActive)
}

func (m *Manager) Complete(ctx context.Context, id string) (*experiment.Test, error) {
	return m.Transition(ctx, id, experiment.StatusCompleted)
}

func (m *Manager) Cancel(ctx context.Context, id string) (*experiment.Test, error) {
	return m.Transition(ctx, id, experiment.StatusCancelled)
}

// Transition moves a test to status to. Invalid edges fail with CONFLICT and
// broken invariants with VALIDATION; neither changes the stored test.
func (m *Manager) Transition(ctx context.Context, id string, to experiment.Status) (*experiment.Test, error) {
	test, err := m.store.GetTest(ctx, id)
	if err != nil {
		return nil, err
	}
	from := test.Status

	if from.Terminal() {
		return nil, experiment.Conflictf("test %q is %s; no further transitions are allowed", test.Name, from)
	}
	if !CanTransition(from, to) {
		return nil, experiment.Conflictf("cannot move test %q from %s to %s", test.Name, from, to)
	}

	now := m.now()
	startedAt, endedAt := test.StartedAt, test.EndedAt

	switch to {
	case experiment.StatusActive:
		if from == experiment.StatusDraft {
			if err := experiment.ValidateDefinition(test); err != nil {
				return nil, err
			}
			if err := experiment.ValidateActivation(test); err != nil {
				return nil, err
			}
			startedAt = &now
		}
	case experiment.StatusCompleted:
		if err := experiment.ValidateActivation(test); err != nil {
			return nil, err
		}
		endedAt = &now
	case experiment.StatusCancelled:
		endedAt = &now
	}

	if to == experiment.StatusCompleted {
		err = m.freeze(ctx, test, now)
	} else {
		err = m.store.UpdateTestStatus(ctx, id, from, to, startedAt, endedAt)
	}
	if err != nil {
		return nil, err
	}

	m.log.Info("test status changed",
		zap.String("test_id", id),
		zap.String("name", test.Name),
		zap.String("from", string(from)),
		zap.String("to", string(to)))

	test.Status = to
	test.StartedAt = startedAt
	test.EndedAt = endedAt
	test.UpdatedAt = now
	return test, nil
}

// freeze computes the final results and completes the test with them in one
// store step. A completion that loses a race to another fails with CONFLICT
// and leaves the winner's snapshot in place.
func (m *Manager) freeze(ctx context.Context, test *experiment.Test, endedAt time.Time) error {
	var results []*experiment.Result
	if m.finalizer != nil {
		analysis, err := m.finalizer.Finalize(ctx, test, endedAt)
		if err != nil {
			return err
		}
		results = analysis.Results
	}
	if err := m.store.CompleteTest(ctx, test.ID, test.Status, test.StartedAt, endedAt, results); err != nil {
		return err
	}
	m.log.Info("results frozen",
		zap.String("test_id", test.ID),
		zap.Int("results", len(results)))
	return nil
}

// Create validates def and stores it as a new DRAFT test. Ids, positions and
// timestamps in def are replaced.
func (m *Manager) Create(ctx context.Context, def *experiment.Test) (*experiment.Test, error) {
	if err := experiment.ValidateDefinition(def); err != nil {
		return nil, err
	}
	now := m.now()
	t := *def
	t.ID = uuid.NewString()
	t.Status = experiment.StatusDraft
	t.StartedAt = nil
	t.EndedAt = nil
	t.Results = nil
	t.CreatedAt = now
	t.UpdatedAt = now
	adoptChildren(&t)

	if err := m.store.CreateTest(ctx, &t); err != nil {
		return nil, err
	}
	m.log.Info("test created", zap.String("test_id", t.ID), zap.String("name", t.Name))
	return &t, nil
}

// UpdateDraft replaces the definition of a DRAFT test.
func (m *Manager) UpdateDraft(ctx context.Context, id string, def *experiment.Test) (*experiment.Test, error) {
	current, err := m.store.GetTest(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != experiment.StatusDraft {
		return nil, experiment.Conflictf("test %q is %s; only DRAFT tests can be edited", current.Name, current.Status)
	}
	if err := experiment.ValidateDefinition(def); err != nil {
		return nil, err
	}

	t := *def
	t.ID = current.ID
	t.Status = experiment.StatusDraft
	t.StartedAt = nil
	t.EndedAt = nil
	t.Results = nil
	t.CreatedAt = current.CreatedAt
	t.UpdatedAt = m.now()
	adoptChildren(&t)

	if err := m.store.UpdateTest(ctx, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.store.DeleteTest(ctx, id); err != nil {
		return err
	}
	m.log.Info("test deleted", zap.String("test_id", id))
	return nil
}

// CreateSegment validates and stores a new audience segment.
func (m *Manager) CreateSegment(ctx context.Context, def *experiment.Segment) (*experiment.Segment, error) {
	if err := experiment.ValidateSegment(def); err != nil {
		return nil, err
	}
	seg := *def
	seg.ID = uuid.NewString()
	seg.CreatedAt = m.now()
	if err := m.store.CreateSegment(ctx, &seg); err != nil {
		return nil, err
	}
	return &seg, nil
}

// adoptChildren gives variants and metrics fresh ids owned by t and fixes
// variant positions to definition order.
func adoptChildren(t *experiment.Test) {
	variants := make([]*experiment.Variant, len(t.Variants))
	for i, v := range t.Variants {
		cp := *v
		cp.ID = uuid.NewString()
		cp.TestID = t.ID
		cp.Position = i
		variants[i] = &cp
	}
	t.Variants = variants

	metrics := make([]*experiment.Metric, len(t.Metrics))
	for i, mt := range t.Metrics {
		cp := *mt
		cp.ID = uuid.NewString()
		cp.TestID = t.ID
		metrics[i] = &cp
	}
	t.Metrics = metrics
}

// RecordObservation stores one metric sample for a running test. The variant
// and metric must belong to the test, and the test must be ACTIVE or PAUSED.
// A zero RecordedAt is stamped with the current time; an explicit one must
// fall between the test start and now.
func (m *Manager) RecordObservation(ctx context.Context, o *experiment.Observation) error {
	if o.TestID == "" || o.VariantID == "" || o.MetricID == "" || o.UserID == "" {
		return experiment.Validationf("test, variant, metric and user ids are required")
	}
	if math.IsNaN(o.Value) || math.IsInf(o.Value, 0) {
		return experiment.Validationf("observation value must be finite")
	}
	test, err := m.store.GetTest(ctx, o.TestID)
	if err != nil {
		return err
	}
	if test.Status != experiment.StatusActive && test.Status != experiment.StatusPaused {
		return experiment.Conflictf("test %q is %s; observations are only accepted while ACTIVE or PAUSED", test.Name, test.Status)
	}
	if test.Variant(o.VariantID) == nil {
		return experiment.NotFoundf("variant %q not found in test %q", o.VariantID, test.Name)
	}
	if test.Metric(o.MetricID) == nil {
		return experiment.NotFoundf("metric %q not found in test %q", o.MetricID, test.Name)
	}
	now := m.now()
	if o.RecordedAt.IsZero() {
		o.RecordedAt = now
	}
	if test.StartedAt != nil && o.RecordedAt.Before(*test.StartedAt) {
		return experiment.Validationf("observation time %s is before test %q started at %s",
			o.RecordedAt.Format(time.RFC3339), test.Name, test.StartedAt.Format(time.RFC3339))
	}
	if o.RecordedAt.After(now) {
		return experiment.Validationf("observation time %s is in the future", o.RecordedAt.Format(time.RFC3339))
	}
	return m.store.RecordObservation(ctx, o)
}
