package report_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/learngoat/learngoat/internal/assign"
	"github.com/learngoat/learngoat/internal/experiment"
	"github.com/learngoat/learngoat/internal/report"
	"github.com/learngoat/learngoat/internal/stats"
	"github.com/learngoat/learngoat/internal/store"
	"github.com/learngoat/learngoat/internal/testutil"
)

var started = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store   *store.MemoryStore
	builder *report.Builder
	test    *experiment.Test
	clock   *testutil.Clock
}

// newFixture seeds an ACTIVE test with n assigned users per variant, each
// recording one observation. Treatment values sit lift above control.
func newFixture(t *testing.T, def *experiment.Test, n int, lift float64) *fixture {
	t.Helper()
	s := store.NewMemory()
	ctx := context.Background()
	test := testutil.SeedActive(t, s, "t1", def, started)

	for i := 0; i < n; i++ {
		for vi, v := range test.Variants[:2] {
			userID := fmt.Sprintf("u%d-%d", vi, i)
			if _, _, err := s.CreateAssignmentIfAbsent(ctx, &experiment.Assignment{
				TestID: test.ID, UserID: userID, VariantID: v.ID, AssignedAt: started,
			}); err != nil {
				t.Fatalf("CreateAssignmentIfAbsent failed: %v", err)
			}
			if err := s.RecordObservation(ctx, &experiment.Observation{
				TestID: test.ID, VariantID: v.ID, MetricID: test.Metrics[0].ID, UserID: userID,
				Value: 10 + float64(vi)*lift + float64(i%4), RecordedAt: started.Add(time.Minute),
			}); err != nil {
				t.Fatalf("RecordObservation failed: %v", err)
			}
		}
	}

	clock := testutil.NewClock()
	clock.Advance(72 * time.Hour)
	b := report.New(s, stats.New(s), report.WithClock(clock.Now))
	return &fixture{store: s, builder: b, test: test, clock: clock}
}

func TestBuildReport(t *testing.T) {
	f := newFixture(t, testutil.Definition("hints", 50, 50), 120, 3)

	r, err := f.builder.BuildReport(context.Background(), f.test.ID)
	if err != nil {
		t.Fatalf("BuildReport failed: %v", err)
	}

	if r.Test.ID != f.test.ID || r.Test.Status != experiment.StatusActive {
		t.Errorf("test info = %+v", r.Test)
	}
	if r.TotalAssignments != 240 {
		t.Errorf("TotalAssignments = %d, want 240", r.TotalAssignments)
	}
	if len(r.Variants) != 2 || r.Variants[0].Assignments != 120 || r.Variants[1].Assignments != 120 {
		t.Errorf("variants = %+v", r.Variants)
	}
	if len(r.Results) != 1 || !r.Results[0].Significance {
		t.Errorf("results = %+v", r.Results)
	}
	if r.Winner == nil || r.Winner.VariantName != "treatment" {
		t.Errorf("winner = %+v", r.Winner)
	}
	if !strings.Contains(r.Summary, "Running for 3 days") {
		t.Errorf("summary %q does not mention the run time", r.Summary)
	}
	if len(r.Recommendations) == 0 || r.Recommendations[0] != `Roll out variant "treatment".` {
		t.Errorf("recommendations = %v", r.Recommendations)
	}
}

func TestBuildReport_LowSample(t *testing.T) {
	f := newFixture(t, testutil.Definition("hints", 50, 50), 10, 0)

	r, err := f.builder.BuildReport(context.Background(), f.test.ID)
	if err != nil {
		t.Fatalf("BuildReport failed: %v", err)
	}
	want := []string{
		"Collect at least 100 observations per variant before drawing conclusions.",
		"Keep the test running until a significant difference emerges.",
	}
	if strings.Join(r.Recommendations, "|") != strings.Join(want, "|") {
		t.Errorf("recommendations = %v, want %v", r.Recommendations, want)
	}
}

func TestBuildReport_CancelledHasNoResults(t *testing.T) {
	f := newFixture(t, testutil.Definition("hints", 50, 50), 20, 3)
	ctx := context.Background()
	ended := started.Add(time.Hour)
	if err := f.store.UpdateTestStatus(ctx, f.test.ID, experiment.StatusActive, experiment.StatusCancelled, f.test.StartedAt, &ended); err != nil {
		t.Fatalf("UpdateTestStatus failed: %v", err)
	}

	r, err := f.builder.BuildReport(ctx, f.test.ID)
	if err != nil {
		t.Fatalf("BuildReport failed: %v", err)
	}
	if len(r.Results) != 0 || r.Statistics != nil || r.Winner != nil {
		t.Errorf("cancelled report carries statistics: %+v", r)
	}
	if !strings.Contains(r.Summary, "cancelled") {
		t.Errorf("summary = %q", r.Summary)
	}
	if r.TotalAssignments != 40 {
		t.Errorf("TotalAssignments = %d, want 40", r.TotalAssignments)
	}
}

func TestBuildReport_Draft(t *testing.T) {
	s := store.NewMemory()
	test := testutil.SeedActive(t, s, "t1", testutil.Definition("hints", 50, 50), started)
	if err := s.UpdateTestStatus(context.Background(), test.ID, experiment.StatusActive, experiment.StatusDraft, nil, nil); err != nil {
		t.Fatalf("UpdateTestStatus failed: %v", err)
	}

	r, err := report.New(s, stats.New(s)).BuildReport(context.Background(), test.ID)
	if err != nil {
		t.Fatalf("BuildReport failed: %v", err)
	}
	if len(r.Results) != 0 || !strings.Contains(r.Summary, "draft") {
		t.Errorf("draft report = %+v", r)
	}
}

func TestBuildReport_NotFound(t *testing.T) {
	s := store.NewMemory()
	_, err := report.New(s, stats.New(s)).BuildReport(context.Background(), "missing")
	if !experiment.IsNotFound(err) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestBuildReport_CountsLiveAssignments(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	test := testutil.SeedActive(t, s, "t1", testutil.Definition("hints", 50, 50), started)
	engine := assign.New(s)
	for i := 0; i < 50; i++ {
		if _, err := engine.Assign(ctx, fmt.Sprintf("user-%d", i), test.ID); err != nil {
			t.Fatalf("Assign failed: %v", err)
		}
	}

	r, err := report.New(s, stats.New(s)).BuildReport(ctx, test.ID)
	if err != nil {
		t.Fatalf("BuildReport failed: %v", err)
	}
	sum := 0
	for _, v := range r.Variants {
		sum += v.Assignments
	}
	if sum != 50 || r.TotalAssignments != 50 {
		t.Errorf("assignment counts %d/%d, want 50", sum, r.TotalAssignments)
	}
}
