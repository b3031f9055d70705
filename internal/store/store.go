package store

import (
	"context"
	"time"

	"github.com/learngoat/learngoat/internal/experiment"
)

// ObservationFilter narrows ListObservations. Empty fields match everything.
type ObservationFilter struct {
	TestID    string
	VariantID string
	MetricID  string
	Range     *experiment.TimeRange
}

// Store defines the interface for experiment storage operations
type Store interface {
	// Test operations. Variants and metrics are owned by their test and are
	// written and deleted with it.
	CreateTest(ctx context.Context, t *experiment.Test) error
	GetTest(ctx context.Context, id string) (*experiment.Test, error)
	GetTestByName(ctx context.Context, name string) (*experiment.Test, error)
	ListTests(ctx context.Context) ([]*experiment.Test, error)
	UpdateTest(ctx context.Context, t *experiment.Test) error
	// UpdateTestStatus moves a test from one status to another only if it is
	// still in from; otherwise it fails with CONFLICT.
	UpdateTestStatus(ctx context.Context, id string, from, to experiment.Status, startedAt, endedAt *time.Time) error
	DeleteTest(ctx context.Context, id string) error

	// Assignment operations
	FindAssignment(ctx context.Context, userID, testID string) (*experiment.Assignment, error)
	// CreateAssignmentIfAbsent inserts a unless an assignment already exists
	// for (a.TestID, a.UserID). It always returns the persisted assignment and
	// whether this call created it.
	CreateAssignmentIfAbsent(ctx context.Context, a *experiment.Assignment) (*experiment.Assignment, bool, error)
	ListAssignmentsForUser(ctx context.Context, userID string) ([]*experiment.Assignment, error)
	ListAssignmentsForTest(ctx context.Context, testID string) ([]*experiment.Assignment, error)

	// Observation operations
	RecordObservation(ctx context.Context, o *experiment.Observation) error
	ListObservations(ctx context.Context, f ObservationFilter) ([]*experiment.Observation, error)
	SampleObservations(ctx context.Context, variantID, metricID string, r *experiment.TimeRange) ([]float64, error)

	// Result cache
	SaveResults(ctx context.Context, testID string, results []*experiment.Result) error
	// CompleteTest is UpdateTestStatus to COMPLETED plus SaveResults as one
	// atomic step. A CONFLICT leaves both the status and the results untouched.
	CompleteTest(ctx context.Context, id string, from experiment.Status, startedAt *time.Time, endedAt time.Time, results []*experiment.Result) error
	ListResults(ctx context.Context, testID string) ([]*experiment.Result, error)

	// Segment operations
	CreateSegment(ctx context.Context, seg *experiment.Segment) error
	GetSegment(ctx context.Context, id string) (*experiment.Segment, error)
	GetSegmentByName(ctx context.Context, name string) (*experiment.Segment, error)
	ListSegments(ctx context.Context) ([]*experiment.Segment, error)
	DeleteSegment(ctx context.Context, id string) error

	// User attribute snapshots
	GetUserAttributes(ctx context.Context, userID string) (*experiment.UserAttributes, error)
	SaveUserAttributes(ctx context.Context, attrs *experiment.UserAttributes) error

	// Settings
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error

	// Lifecycle
	Close() error
}

// TestFinder looks tests up by id or by name.
type TestFinder interface {
	GetTest(ctx context.Context, id string) (*experiment.Test, error)
	GetTestByName(ctx context.Context, name string) (*experiment.Test, error)
}

// ResolveTest finds a test by id, falling back to its unique name.
func ResolveTest(ctx context.Context, s TestFinder, ref string) (*experiment.Test, error) {
	t, err := s.GetTest(ctx, ref)
	if err == nil || !experiment.IsNotFound(err) {
		return t, err
	}
	t, err = s.GetTestByName(ctx, ref)
	if experiment.IsNotFound(err) {
		return nil, experiment.NotFoundf("test %q not found", ref)
	}
	return t, err
}
