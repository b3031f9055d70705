package stats_test

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/learngoat/learngoat/internal/experiment"
	"github.com/learngoat/learngoat/internal/stats"
	"github.com/learngoat/learngoat/internal/store"
	"github.com/learngoat/learngoat/internal/testutil"
)

var started = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// seed records n observations per variant on metric m0. Control values cycle
// around controlMean and treatment values around treatmentMean.
func seed(t *testing.T, s store.Store, test *experiment.Test, n int, controlMean, treatmentMean float64) {
	t.Helper()
	ctx := context.Background()
	offsets := []float64{-2, -1, 0, 1, 2}
	for i := 0; i < n; i++ {
		for vi, mean := range []float64{controlMean, treatmentMean} {
			o := &experiment.Observation{
				TestID:     test.ID,
				VariantID:  test.Variants[vi].ID,
				MetricID:   test.Metrics[0].ID,
				UserID:     fmt.Sprintf("u%d-%d", vi, i),
				Value:      mean + offsets[i%len(offsets)],
				RecordedAt: started.Add(time.Duration(i) * time.Minute),
			}
			if err := s.RecordObservation(ctx, o); err != nil {
				t.Fatalf("RecordObservation failed: %v", err)
			}
		}
	}
}

func TestComputeStats(t *testing.T) {
	s := store.NewMemory()
	test := testutil.SeedActive(t, s, "t1", testutil.Definition("hints", 50, 50), started)
	seed(t, s, test, 100, 10, 14)

	e := stats.New(s)
	got, err := e.ComputeStats(context.Background(), test.ID, stats.Options{})
	if err != nil {
		t.Fatalf("ComputeStats failed: %v", err)
	}
	if len(got.Metrics) != 1 || len(got.Metrics[0].Variants) != 2 {
		t.Fatalf("unexpected shape: %+v", got)
	}
	control := got.Metrics[0].Variants[0]
	if !control.IsControl || control.N != 100 || control.Mean != 10 {
		t.Errorf("control stats = %+v", control)
	}
	if tr := got.Metrics[0].Variants[1]; tr.Mean != 14 || tr.Min != 12 || tr.Max != 16 {
		t.Errorf("treatment stats = %+v", tr)
	}
}

func TestComputeStats_TimeRange(t *testing.T) {
	s := store.NewMemory()
	test := testutil.SeedActive(t, s, "t1", testutil.Definition("hints", 50, 50), started)
	seed(t, s, test, 20, 10, 14)

	e := stats.New(s)
	got, err := e.ComputeStats(context.Background(), test.ID, stats.Options{
		TimeRange: &experiment.TimeRange{From: started.Add(10 * time.Minute)},
	})
	if err != nil {
		t.Fatalf("ComputeStats failed: %v", err)
	}
	if n := got.Metrics[0].Variants[0].N; n != 10 {
		t.Errorf("expected 10 observations in range, got %d", n)
	}
}

func TestComputeStats_Segment(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	test := testutil.SeedActive(t, s, "t1", testutil.Definition("hints", 50, 50), started)
	seed(t, s, test, 10, 10, 14)

	if err := s.CreateSegment(ctx, &experiment.Segment{ID: "seg-1", Name: "first", Include: []string{"u0-0", "u0-1", "u1-0"}}); err != nil {
		t.Fatalf("CreateSegment failed: %v", err)
	}

	e := stats.New(s)
	got, err := e.ComputeStats(ctx, test.ID, stats.Options{Segment: "first"})
	if err != nil {
		t.Fatalf("ComputeStats failed: %v", err)
	}
	variants := got.Metrics[0].Variants
	if len(variants) != 2 || variants[0].N != 2 || variants[1].N != 1 {
		t.Errorf("unexpected segment sample sizes: %+v", variants)
	}

	if _, err := e.ComputeStats(ctx, test.ID, stats.Options{Segment: "ghost"}); !experiment.IsNotFound(err) {
		t.Errorf("expected NOT_FOUND for unknown segment, got %v", err)
	}
}

func TestComputeStats_UnknownMetric(t *testing.T) {
	s := store.NewMemory()
	test := testutil.SeedActive(t, s, "t1", testutil.Definition("hints", 50, 50), started)

	_, err := stats.New(s).ComputeStats(context.Background(), test.ID, stats.Options{MetricIDs: []string{"nope"}})
	if !experiment.IsNotFound(err) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestComputeStats_NotComputable(t *testing.T) {
	for _, status := range []experiment.Status{experiment.StatusDraft, experiment.StatusCancelled} {
		s := store.NewMemory()
		test := testutil.SeedActive(t, s, "t1", testutil.Definition("hints", 50, 50), started)
		if err := s.UpdateTestStatus(context.Background(), test.ID, experiment.StatusActive, status, nil, nil); err != nil {
			t.Fatalf("UpdateTestStatus failed: %v", err)
		}
		_, err := stats.New(s).ComputeStats(context.Background(), test.ID, stats.Options{})
		if experiment.KindOf(err) != experiment.KindConflict {
			t.Errorf("%s: expected CONFLICT, got %v", status, err)
		}
	}
}

func TestComputeReport(t *testing.T) {
	s := store.NewMemory()
	test := testutil.SeedActive(t, s, "t1", testutil.Definition("hints", 50, 50), started)
	seed(t, s, test, 100, 10, 14)

	a, err := stats.New(s).ComputeReport(context.Background(), test.ID)
	if err != nil {
		t.Fatalf("ComputeReport failed: %v", err)
	}

	if len(a.Results) != 1 {
		t.Fatalf("expected one result for the treatment, got %d", len(a.Results))
	}
	r := a.Results[0]
	if r.VariantID != test.Variants[1].ID || r.MetricID != test.Metrics[0].ID {
		t.Errorf("result keyed to %s/%s", r.VariantID, r.MetricID)
	}
	if r.Change != 4 || math.Abs(r.ChangePercentage-40) > 1e-9 || r.SampleSize != 100 || !r.Significance {
		t.Errorf("unexpected result %+v", r)
	}
	if a.Winner == nil || a.Winner.VariantID != test.Variants[1].ID || !a.Winner.Significant {
		t.Errorf("expected treatment to win, got %+v", a.Winner)
	}
	if a.Frozen {
		t.Error("active test results must not be frozen")
	}
	if len(a.Insights) == 0 {
		t.Error("expected insights")
	}
}

func TestComputeReport_Idempotent(t *testing.T) {
	s := store.NewMemory()
	test := testutil.SeedActive(t, s, "t1", testutil.Definition("hints", 50, 50), started)
	seed(t, s, test, 30, 10, 11)

	e := stats.New(s, stats.WithPValue(stats.StudentTPValue))
	first, err := e.ComputeReport(context.Background(), test.ID)
	if err != nil {
		t.Fatalf("ComputeReport failed: %v", err)
	}
	second, err := e.ComputeReport(context.Background(), test.ID)
	if err != nil {
		t.Fatalf("ComputeReport failed: %v", err)
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("reports differ (-first +second):\n%s", diff)
	}

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if string(a) != string(b) {
		t.Error("serialized reports are not byte-identical")
	}
}

func TestComputeReport_SkipsVariantWithoutData(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	def := testutil.Definition("hints", 40, 30)
	def.Variants = append(def.Variants, &experiment.Variant{Name: "silent", TrafficPercentage: 30})
	test := testutil.SeedActive(t, s, "t1", def, started)
	seed(t, s, test, 20, 10, 12)

	a, err := stats.New(s).ComputeReport(ctx, test.ID)
	if err != nil {
		t.Fatalf("ComputeReport failed: %v", err)
	}
	for _, r := range a.Results {
		if r.VariantID == test.Variants[2].ID {
			t.Errorf("variant without observations must not get a result: %+v", r)
		}
	}
	if len(a.Results) != 1 {
		t.Errorf("expected 1 result, got %d", len(a.Results))
	}
}

func TestComputeReport_ControlWinsWhenTreatmentLoses(t *testing.T) {
	s := store.NewMemory()
	test := testutil.SeedActive(t, s, "t1", testutil.Definition("hints", 50, 50), started)
	seed(t, s, test, 100, 14, 10)

	a, err := stats.New(s).ComputeReport(context.Background(), test.ID)
	if err != nil {
		t.Fatalf("ComputeReport failed: %v", err)
	}
	if a.Winner == nil || !a.Winner.IsControl || !a.Winner.Significant {
		t.Errorf("expected significant control win, got %+v", a.Winner)
	}
}

func TestComputeReport_CompletedUsesSnapshot(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	test := testutil.SeedActive(t, s, "t1", testutil.Definition("hints", 50, 50), started)
	seed(t, s, test, 50, 10, 14)

	e := stats.New(s)
	ended := started.Add(time.Hour)
	frozen, err := e.Finalize(ctx, test, ended)
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if err := s.SaveResults(ctx, test.ID, frozen.Results); err != nil {
		t.Fatalf("SaveResults failed: %v", err)
	}
	if err := s.UpdateTestStatus(ctx, test.ID, experiment.StatusActive, experiment.StatusCompleted, test.StartedAt, &ended); err != nil {
		t.Fatalf("UpdateTestStatus failed: %v", err)
	}

	// Late observations must not move the frozen numbers.
	for i := 0; i < 50; i++ {
		if err := s.RecordObservation(ctx, &experiment.Observation{
			TestID: test.ID, VariantID: test.Variants[1].ID, MetricID: test.Metrics[0].ID,
			UserID: fmt.Sprintf("late-%d", i), Value: 100, RecordedAt: ended.Add(time.Minute),
		}); err != nil {
			t.Fatalf("RecordObservation failed: %v", err)
		}
	}

	a, err := e.ComputeReport(ctx, test.ID)
	if err != nil {
		t.Fatalf("ComputeReport failed: %v", err)
	}
	if !a.Frozen {
		t.Error("expected frozen results for completed test")
	}
	if diff := cmp.Diff(frozen.Results, a.Results); diff != "" {
		t.Errorf("results moved after completion (-frozen +got):\n%s", diff)
	}
	if a.Metrics[0].Variants[1].N != 50 {
		t.Errorf("statistics must be clipped to the run window, got n=%d", a.Metrics[0].Variants[1].N)
	}
}

func TestComputeReport_CompletedExcludesPreStart(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	test := testutil.SeedActive(t, s, "t1", testutil.Definition("hints", 50, 50), started)
	seed(t, s, test, 10, 10, 14)

	// Written straight to storage, bypassing the lifecycle time checks.
	if err := s.RecordObservation(ctx, &experiment.Observation{
		TestID: test.ID, VariantID: test.Variants[1].ID, MetricID: test.Metrics[0].ID,
		UserID: "backdated", Value: 1000, RecordedAt: started.Add(-48 * time.Hour),
	}); err != nil {
		t.Fatalf("RecordObservation failed: %v", err)
	}

	e := stats.New(s)
	live, err := e.ComputeStats(ctx, test.ID, stats.Options{
		TimeRange: &experiment.TimeRange{From: started.Add(-72 * time.Hour)},
	})
	if err != nil {
		t.Fatalf("ComputeStats failed: %v", err)
	}
	if n := live.Metrics[0].Variants[1].N; n != 10 {
		t.Errorf("active test: treatment n = %d, want 10", n)
	}

	ended := started.Add(time.Hour)
	frozen, err := e.Finalize(ctx, test, ended)
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if err := s.SaveResults(ctx, test.ID, frozen.Results); err != nil {
		t.Fatalf("SaveResults failed: %v", err)
	}
	if err := s.UpdateTestStatus(ctx, test.ID, experiment.StatusActive, experiment.StatusCompleted, test.StartedAt, &ended); err != nil {
		t.Fatalf("UpdateTestStatus failed: %v", err)
	}

	a, err := e.ComputeReport(ctx, test.ID)
	if err != nil {
		t.Fatalf("ComputeReport failed: %v", err)
	}
	if len(a.Results) != 1 || a.Results[0].SampleSize != 10 {
		t.Fatalf("frozen results = %+v", a.Results)
	}
	treatment := a.Metrics[0].Variants[1]
	if treatment.N != a.Results[0].SampleSize || math.Abs(treatment.Mean-a.Results[0].Value) > 1e-9 {
		t.Errorf("statistics n=%d mean=%f disagree with frozen result n=%d value=%f",
			treatment.N, treatment.Mean, a.Results[0].SampleSize, a.Results[0].Value)
	}

	got, err := e.ComputeStats(ctx, test.ID, stats.Options{})
	if err != nil {
		t.Fatalf("ComputeStats failed: %v", err)
	}
	if n := got.Metrics[0].Variants[1].N; n != 10 {
		t.Errorf("completed test: treatment n = %d, want 10", n)
	}
}
