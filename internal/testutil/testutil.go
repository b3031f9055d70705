package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/learngoat/learngoat/internal/experiment"
	"github.com/learngoat/learngoat/internal/store"
)

// SetupTestStore creates a test database and returns the store.
// Uses t.TempDir() for automatic cleanup on test completion.
func SetupTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	t.Cleanup(func() {
		s.Close()
	})

	return s
}

// Clock is a settable time source for engines under test.
type Clock struct {
	T time.Time
}

func NewClock() *Clock {
	return &Clock{T: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time { return c.T }

func (c *Clock) Advance(d time.Duration) { c.T = c.T.Add(d) }

// Definition returns a valid two-variant test definition with one active
// metric. Traffic is split control/treatment.
func Definition(name string, control, treatment float64) *experiment.Test {
	return &experiment.Test{
		Name:        name,
		Description: "test fixture",
		Variants: []*experiment.Variant{
			{Name: "control", TrafficPercentage: control, IsControl: true},
			{Name: "treatment", TrafficPercentage: treatment, Config: map[string]any{"color": "green"}},
		},
		Metrics: []*experiment.Metric{
			{Name: "lessons", Type: experiment.MetricEngagement, IsActive: true},
		},
	}
}

// SeedActive stores def as an ACTIVE test with fixed ids: variants are
// "<id>-v0", "<id>-v1"... and metrics "<id>-m0"...
func SeedActive(t *testing.T, s store.Store, id string, def *experiment.Test, startedAt time.Time) *experiment.Test {
	t.Helper()

	test := *def
	test.ID = id
	test.Status = experiment.StatusActive
	test.StartedAt = &startedAt
	test.CreatedAt = startedAt
	test.UpdatedAt = startedAt
	test.Variants = nil
	for i, v := range def.Variants {
		cp := *v
		cp.ID = id + "-v" + string(rune('0'+i))
		cp.TestID = id
		cp.Position = i
		test.Variants = append(test.Variants, &cp)
	}
	test.Metrics = nil
	for i, m := range def.Metrics {
		cp := *m
		cp.ID = id + "-m" + string(rune('0'+i))
		cp.TestID = id
		test.Metrics = append(test.Metrics, &cp)
	}

	if err := s.CreateTest(context.Background(), &test); err != nil {
		t.Fatalf("failed to seed test: %v", err)
	}
	return &test
}
