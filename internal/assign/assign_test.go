package assign_test

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/learngoat/learngoat/internal/assign"
	"github.com/learngoat/learngoat/internal/experiment"
	"github.com/learngoat/learngoat/internal/store"
	"github.com/learngoat/learngoat/internal/testutil"
)

var started = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T, control, treatment float64) (*store.MemoryStore, *assign.Engine, *experiment.Test) {
	t.Helper()
	s := store.NewMemory()
	test := testutil.SeedActive(t, s, "t1", testutil.Definition("hints", control, treatment), started)
	return s, assign.New(s), test
}

func TestAssign_Sticky(t *testing.T) {
	_, e, test := setup(t, 50, 50)
	ctx := context.Background()

	first, err := e.Assign(ctx, "user-1", test.ID)
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	if first == nil {
		t.Fatal("expected an assignment")
	}

	for i := 0; i < 10; i++ {
		again, err := e.Assign(ctx, "user-1", test.ID)
		if err != nil {
			t.Fatalf("Assign failed: %v", err)
		}
		if again.VariantID != first.VariantID {
			t.Fatalf("assignment changed from %s to %s", first.VariantID, again.VariantID)
		}
		if !again.AssignedAt.Equal(first.AssignedAt) {
			t.Errorf("assignment time changed from %v to %v", first.AssignedAt, again.AssignedAt)
		}
	}
}

func TestAssign_StickyAfterAudienceChange(t *testing.T) {
	s, e, test := setup(t, 50, 50)
	ctx := context.Background()

	first, err := e.Assign(ctx, "user-1", test.ID)
	if err != nil || first == nil {
		t.Fatalf("Assign failed: %v", err)
	}

	// Narrow the audience so user-1 would no longer qualify.
	stored, _ := s.GetTest(ctx, test.ID)
	stored.Audience.Criteria = []experiment.Criterion{{Attribute: "premium", Op: experiment.OpEq, Value: true}}
	if err := s.UpdateTest(ctx, stored); err != nil {
		t.Fatalf("UpdateTest failed: %v", err)
	}

	again, err := e.Assign(ctx, "user-1", test.ID)
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	if again == nil || again.VariantID != first.VariantID {
		t.Errorf("expected sticky assignment %s, got %+v", first.VariantID, again)
	}

	fresh, err := e.Assign(ctx, "user-2", test.ID)
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	if fresh != nil {
		t.Errorf("expected new user outside audience to get nothing, got %+v", fresh)
	}
}

func TestAssign_Concurrent(t *testing.T) {
	s, e, test := setup(t, 50, 50)
	ctx := context.Background()

	const workers = 32
	var wg sync.WaitGroup
	results := make([]string, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := e.Assign(ctx, "user-race", test.ID)
			errs[i] = err
			if a != nil {
				results[i] = a.VariantID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d failed: %v", i, errs[i])
		}
		if results[i] == "" || results[i] != results[0] {
			t.Fatalf("worker %d got %q, worker 0 got %q", i, results[i], results[0])
		}
	}

	all, _ := s.ListAssignmentsForTest(ctx, test.ID)
	if len(all) != 1 {
		t.Errorf("expected 1 persisted assignment, got %d", len(all))
	}
}

// racingStore hides existing assignments from FindAssignment so the engine
// reaches the insert, as when two first calls interleave.
type racingStore struct {
	*store.MemoryStore
}

func (r racingStore) FindAssignment(ctx context.Context, userID, testID string) (*experiment.Assignment, error) {
	return nil, experiment.NotFoundf("assignment not found")
}

func TestAssign_ConflictResolvedByReRead(t *testing.T) {
	s, _, test := setup(t, 50, 50)
	ctx := context.Background()

	picked := assign.Pick(test, "user-1")
	var other *experiment.Variant
	for _, v := range test.Variants {
		if v.ID != picked.ID {
			other = v
		}
	}

	// A concurrent request already persisted the other variant.
	if _, _, err := s.CreateAssignmentIfAbsent(ctx, &experiment.Assignment{
		TestID: test.ID, UserID: "user-1", VariantID: other.ID, AssignedAt: started,
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	e := assign.New(racingStore{s})
	a, err := e.Assign(ctx, "user-1", test.ID)
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	if a.VariantID != other.ID {
		t.Errorf("expected winning write %s, got %s", other.ID, a.VariantID)
	}
}

func TestPick_TrafficConvergence(t *testing.T) {
	_, _, test := setup(t, 30, 70)

	const n = 100000
	counts := map[string]int{}
	for i := 0; i < n; i++ {
		counts[assign.Pick(test, fmt.Sprintf("user-%d", i)).ID]++
	}

	control := float64(counts[test.Variants[0].ID]) / n * 100
	treatment := float64(counts[test.Variants[1].ID]) / n * 100
	if math.Abs(control-30) > 1.5 {
		t.Errorf("control share %.2f%%, want 30%% ±1.5", control)
	}
	if math.Abs(treatment-70) > 1.5 {
		t.Errorf("treatment share %.2f%%, want 70%% ±1.5", treatment)
	}
}

func TestPick_SkipsZeroTraffic(t *testing.T) {
	_, _, test := setup(t, 0, 100)
	for i := 0; i < 1000; i++ {
		if v := assign.Pick(test, fmt.Sprintf("user-%d", i)); v.ID != test.Variants[1].ID {
			t.Fatalf("user-%d landed on zero-traffic variant", i)
		}
	}
}

func TestAssign_ConvergesThroughEngine(t *testing.T) {
	s, e, test := setup(t, 30, 70)
	ctx := context.Background()

	const n = 5000
	for i := 0; i < n; i++ {
		if _, err := e.Assign(ctx, fmt.Sprintf("user-%d", i), test.ID); err != nil {
			t.Fatalf("Assign failed: %v", err)
		}
	}
	all, _ := s.ListAssignmentsForTest(ctx, test.ID)
	if len(all) != n {
		t.Fatalf("expected %d assignments, got %d", n, len(all))
	}
	control := 0
	for _, a := range all {
		if a.VariantID == test.Variants[0].ID {
			control++
		}
	}
	if share := float64(control) / n * 100; math.Abs(share-30) > 3 {
		t.Errorf("control share %.2f%%, want about 30%%", share)
	}
}

func TestAssign_NotActive(t *testing.T) {
	for _, status := range []experiment.Status{
		experiment.StatusDraft, experiment.StatusPaused, experiment.StatusCompleted, experiment.StatusCancelled,
	} {
		t.Run(string(status), func(t *testing.T) {
			s, e, test := setup(t, 50, 50)
			ctx := context.Background()
			if err := s.UpdateTestStatus(ctx, test.ID, experiment.StatusActive, status, test.StartedAt, nil); err != nil {
				t.Fatalf("UpdateTestStatus failed: %v", err)
			}

			a, err := e.Assign(ctx, "user-1", test.ID)
			if err != nil {
				t.Fatalf("Assign failed: %v", err)
			}
			if a != nil {
				t.Errorf("expected no assignment for %s test, got %+v", status, a)
			}
			all, _ := s.ListAssignmentsForTest(ctx, test.ID)
			if len(all) != 0 {
				t.Errorf("expected nothing persisted, got %d assignments", len(all))
			}
		})
	}
}

func TestAssign_TerminalKeepsExistingForLookup(t *testing.T) {
	s, e, test := setup(t, 50, 50)
	ctx := context.Background()

	first, err := e.Assign(ctx, "user-1", test.ID)
	if err != nil || first == nil {
		t.Fatalf("Assign failed: %v", err)
	}
	if err := s.UpdateTestStatus(ctx, test.ID, experiment.StatusActive, experiment.StatusCancelled, test.StartedAt, &started); err != nil {
		t.Fatalf("UpdateTestStatus failed: %v", err)
	}

	a, err := e.Assign(ctx, "user-1", test.ID)
	if err != nil || a != nil {
		t.Errorf("expected nil from Assign on cancelled test, got %+v, %v", a, err)
	}

	looked, err := e.Lookup(ctx, "user-1", test.ID)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if looked.VariantID != first.VariantID {
		t.Errorf("Lookup returned %s, want %s", looked.VariantID, first.VariantID)
	}

	if _, err := e.Lookup(ctx, "user-2", test.ID); !experiment.IsNotFound(err) {
		t.Errorf("expected NOT_FOUND for unassigned user, got %v", err)
	}
}

func TestAssign_Audience(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	def := testutil.Definition("premium-only", 50, 50)
	def.Audience.Segments = []string{"premium"}
	test := testutil.SeedActive(t, s, "t1", def, started)

	if err := s.CreateSegment(ctx, &experiment.Segment{
		ID: "seg-1", Name: "premium",
		Criteria: []experiment.Criterion{{Attribute: "premium", Op: experiment.OpEq, Value: true}},
	}); err != nil {
		t.Fatalf("CreateSegment failed: %v", err)
	}
	if err := s.SaveUserAttributes(ctx, &experiment.UserAttributes{UserID: "paying", Premium: true}); err != nil {
		t.Fatalf("SaveUserAttributes failed: %v", err)
	}

	e := assign.New(s)
	if a, err := e.Assign(ctx, "paying", test.ID); err != nil || a == nil {
		t.Errorf("expected premium user to be assigned, got %+v, %v", a, err)
	}
	if a, err := e.Assign(ctx, "free", test.ID); err != nil || a != nil {
		t.Errorf("expected free user to be excluded, got %+v, %v", a, err)
	}
}

func TestAssign_Errors(t *testing.T) {
	_, e, test := setup(t, 50, 50)
	ctx := context.Background()

	if _, err := e.Assign(ctx, "", test.ID); experiment.KindOf(err) != experiment.KindValidation {
		t.Errorf("expected VALIDATION for empty user, got %v", err)
	}
	if _, err := e.Assign(ctx, "user-1", "missing"); experiment.KindOf(err) != experiment.KindNotFound {
		t.Errorf("expected NOT_FOUND for unknown test, got %v", err)
	}
}

func TestAssignmentsForUser(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	t1 := testutil.SeedActive(t, s, "t1", testutil.Definition("one", 50, 50), started)
	t2 := testutil.SeedActive(t, s, "t2", testutil.Definition("two", 50, 50), started)
	e := assign.New(s)

	a1, _ := e.Assign(ctx, "user-1", t1.ID)
	a2, _ := e.Assign(ctx, "user-1", t2.ID)

	got, err := e.AssignmentsForUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("AssignmentsForUser failed: %v", err)
	}
	want := map[string]string{t1.ID: a1.VariantID, t2.ID: a2.VariantID}
	if len(got) != len(want) || got[t1.ID] != want[t1.ID] || got[t2.ID] != want[t2.ID] {
		t.Errorf("got %v, want %v", got, want)
	}

	none, err := e.AssignmentsForUser(ctx, "nobody")
	if err != nil || len(none) != 0 {
		t.Errorf("expected empty map, got %v, %v", none, err)
	}
}
