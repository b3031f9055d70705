package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/learngoat/learngoat/internal/experiment"
)

const definition = `name: cli-hints
description: hints on the first lesson
variants:
  - name: control
    control: true
    traffic: 50
  - name: hints
    traffic: 50
    config:
      hint_style: inline
metrics:
  - name: lessons
    type: ENGAGEMENT
    active: true
`

// run executes the root command against db and returns its stdout.
func run(t *testing.T, db string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--db-path", db, "--env-file", "", "--log-level", "error"))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func mustRun(t *testing.T, db string, args ...string) string {
	t.Helper()
	out, err := run(t, db, args...)
	if err != nil {
		t.Fatalf("%v failed: %v\n%s", args, err, out)
	}
	return out
}

func writeDefinition(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write definition: %v", err)
	}
	return path
}

func TestTestWorkflow(t *testing.T) {
	db := filepath.Join(t.TempDir(), "cli.db")
	def := writeDefinition(t, definition)

	out := mustRun(t, db, "create", "-f", def, "--activate")
	if !strings.Contains(out, "Created test 'cli-hints'") || !strings.Contains(out, "is now ACTIVE") {
		t.Errorf("unexpected create output:\n%s", out)
	}

	out = mustRun(t, db, "list")
	if !strings.Contains(out, "cli-hints") || !strings.Contains(out, "ACTIVE") {
		t.Errorf("unexpected list output:\n%s", out)
	}

	out = mustRun(t, db, "assign", "cli-hints", "u1", "u2")
	for _, user := range []string{"u1", "u2"} {
		if !strings.Contains(out, user) {
			t.Errorf("assign output missing %s:\n%s", user, out)
		}
	}

	out = mustRun(t, db, "record", "cli-hints", "lessons", "u1", "3")
	if !strings.Contains(out, "Recorded lessons=3 for user 'u1'") {
		t.Errorf("unexpected record output:\n%s", out)
	}
	if _, err := run(t, db, "record", "cli-hints", "lessons", "stranger", "3"); !experiment.IsNotFound(err) {
		t.Errorf("expected NOT_FOUND for unassigned user, got %v", err)
	}

	out = mustRun(t, db, "assignments", "u1")
	if !strings.Contains(out, "cli-hints") {
		t.Errorf("unexpected assignments output:\n%s", out)
	}

	out = mustRun(t, db, "complete", "cli-hints", "--yes")
	if !strings.Contains(out, "is now COMPLETED") {
		t.Errorf("unexpected complete output:\n%s", out)
	}
	if _, err := run(t, db, "pause", "cli-hints"); experiment.KindOf(err) != experiment.KindConflict {
		t.Errorf("expected CONFLICT pausing a completed test, got %v", err)
	}

	out = mustRun(t, db, "report", "cli-hints", "--json")
	var rep struct {
		Test struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"test"`
		TotalAssignments int `json:"total_assignments"`
	}
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		t.Fatalf("report is not JSON: %v\n%s", err, out)
	}
	if rep.Test.Status != "COMPLETED" || rep.TotalAssignments != 2 {
		t.Errorf("unexpected report %+v", rep)
	}

	out = mustRun(t, db, "export", "cli-hints", "--format", "csv", "--include", "variants")
	if !strings.HasPrefix(out, "# test\n") || !strings.Contains(out, "# variants") {
		t.Errorf("unexpected export output:\n%s", out)
	}

	out = mustRun(t, db, "delete", "cli-hints", "--yes")
	if !strings.Contains(out, "Deleted test 'cli-hints'") {
		t.Errorf("unexpected delete output:\n%s", out)
	}
	out = mustRun(t, db, "list")
	if !strings.Contains(out, "No tests yet.") {
		t.Errorf("expected empty list, got:\n%s", out)
	}
}

func TestCreate_InvalidDefinition(t *testing.T) {
	db := filepath.Join(t.TempDir(), "cli.db")

	def := writeDefinition(t, "name: [unclosed\n")
	if _, err := run(t, db, "create", "-f", def); experiment.KindOf(err) != experiment.KindValidation {
		t.Errorf("expected VALIDATION for bad YAML, got %v", err)
	}

	def = writeDefinition(t, strings.Replace(definition, "traffic: 50\n    config", "traffic: 49\n    config", 1))
	if _, err := run(t, db, "create", "-f", def, "--activate"); err == nil {
		t.Error("expected activation to fail for traffic summing to 99")
	}
}

func TestExport_RequiresTests(t *testing.T) {
	db := filepath.Join(t.TempDir(), "cli.db")
	if _, err := run(t, db, "export"); err == nil {
		t.Error("expected error without test names or --all")
	}
	if _, err := run(t, db, "export", "--all", "--format", "xml"); experiment.KindOf(err) != experiment.KindValidation {
		t.Errorf("expected VALIDATION for unknown format, got %v", err)
	}
}

func TestSegmentAndUser(t *testing.T) {
	db := filepath.Join(t.TempDir(), "cli.db")
	seg := writeDefinition(t, "name: beginners\ncriteria:\n  - attribute: level\n    op: lte\n    value: 3\n")

	out := mustRun(t, db, "segment", "create", "-f", seg)
	if !strings.Contains(out, "Created segment 'beginners'") {
		t.Errorf("unexpected segment output:\n%s", out)
	}
	out = mustRun(t, db, "segment", "list")
	if !strings.Contains(out, "level lte 3") {
		t.Errorf("unexpected segment list:\n%s", out)
	}

	out = mustRun(t, db, "user", "set", "u1", "--level", "2", "--custom", "country=de")
	if !strings.Contains(out, "Saved attributes for user 'u1'") {
		t.Errorf("unexpected user output:\n%s", out)
	}
}

func TestToken(t *testing.T) {
	db := filepath.Join(t.TempDir(), "cli.db")

	first := mustRun(t, db, "token")
	if !strings.HasPrefix(first, "Admin token: ") {
		t.Fatalf("unexpected token output:\n%s", first)
	}
	if again := mustRun(t, db, "token"); again != first {
		t.Errorf("token changed between calls: %q then %q", first, again)
	}
	if rotated := mustRun(t, db, "token", "--rotate"); strings.Contains(rotated, strings.TrimSpace(first)) {
		t.Errorf("rotate kept the old token:\n%s", rotated)
	}
}

func TestAssign_PartialFailure(t *testing.T) {
	db := filepath.Join(t.TempDir(), "cli.db")
	mustRun(t, db, "create", "-f", writeDefinition(t, definition), "--activate")

	out, err := run(t, db, "assign", "cli-hints", "u1", "", "u2")
	if err == nil {
		t.Fatal("expected an error when one user fails")
	}
	if !strings.Contains(err.Error(), "1 of 3 assignments failed") {
		t.Errorf("unexpected error: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected header and 3 rows, got:\n%s", out)
	}
	if !strings.HasPrefix(lines[1], "u1") || !strings.Contains(lines[2], "VALIDATION") || !strings.HasPrefix(lines[3], "u2") {
		t.Errorf("rows out of order:\n%s", out)
	}

	// The successful users were still assigned.
	if out := mustRun(t, db, "assignments", "u2"); !strings.Contains(out, "cli-hints") {
		t.Errorf("u2 should be assigned:\n%s", out)
	}
}
