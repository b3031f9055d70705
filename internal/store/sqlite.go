package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	"github.com/learngoat/learngoat/internal/experiment"
)

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS tests (
    id TEXT PRIMARY KEY,
    name TEXT UNIQUE NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'DRAFT',
    audience TEXT,
    started_at INTEGER,
    ended_at INTEGER,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tests_status ON tests(status);

CREATE TABLE IF NOT EXISTS variants (
    id TEXT PRIMARY KEY,
    test_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    config TEXT,
    traffic REAL NOT NULL,
    is_control INTEGER NOT NULL DEFAULT 0,
    position INTEGER NOT NULL,
    FOREIGN KEY (test_id) REFERENCES tests(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_variants_test ON variants(test_id, position);

CREATE TABLE IF NOT EXISTS metrics (
    id TEXT PRIMARY KEY,
    test_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    type TEXT NOT NULL,
    formula TEXT NOT NULL DEFAULT '',
    unit TEXT NOT NULL DEFAULT '',
    is_active INTEGER NOT NULL DEFAULT 1,
    position INTEGER NOT NULL,
    FOREIGN KEY (test_id) REFERENCES tests(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_metrics_test ON metrics(test_id, position);

CREATE TABLE IF NOT EXISTS assignments (
    test_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    variant_id TEXT NOT NULL,
    assigned_at INTEGER NOT NULL,
    PRIMARY KEY (test_id, user_id),
    FOREIGN KEY (test_id) REFERENCES tests(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_assignments_user ON assignments(user_id);

CREATE TABLE IF NOT EXISTS observations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    test_id TEXT NOT NULL,
    variant_id TEXT NOT NULL,
    metric_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    value REAL NOT NULL,
    recorded_at INTEGER NOT NULL,
    FOREIGN KEY (test_id) REFERENCES tests(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_observations_sample ON observations(variant_id, metric_id, recorded_at);
CREATE INDEX IF NOT EXISTS idx_observations_test ON observations(test_id);

CREATE TABLE IF NOT EXISTS results (
    test_id TEXT NOT NULL,
    variant_id TEXT NOT NULL,
    metric_id TEXT NOT NULL,
    value REAL NOT NULL,
    change REAL NOT NULL,
    change_percentage REAL NOT NULL,
    confidence REAL NOT NULL,
    significance INTEGER NOT NULL,
    sample_size INTEGER NOT NULL,
    position INTEGER NOT NULL,
    PRIMARY KEY (variant_id, metric_id),
    FOREIGN KEY (test_id) REFERENCES tests(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS segments (
    id TEXT PRIMARY KEY,
    name TEXT UNIQUE NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    criteria TEXT,
    include TEXT,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS user_attributes (
    user_id TEXT PRIMARY KEY,
    data TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

func Open(dbPath string) (*SQLiteStore, error) {
	dsn := dbPath
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	// SQLite allows one writer; a single connection keeps writes serialized
	// instead of surfacing SQLITE_BUSY to callers.
	db.SetMaxOpenConns(1)

	// Enable WAL mode
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to enable WAL mode")
	}

	// Apply schema
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to apply schema")
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for health checks
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) CreateTest(ctx context.Context, t *experiment.Test) error {
	audienceJSON, err := json.Marshal(t.Audience)
	if err != nil {
		return experiment.Internal(err, "failed to marshal audience")
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO tests (id, name, description, status, audience, started_at, ended_at, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.Name, t.Description, string(t.Status), string(audienceJSON),
			nullableTime(t.StartedAt), nullableTime(t.EndedAt), toMillis(t.CreatedAt), toMillis(t.UpdatedAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return experiment.Conflictf("test named %q already exists", t.Name)
			}
			return experiment.Internal(err, "failed to insert test")
		}
		return writeChildren(ctx, tx, t)
	})
}

func writeChildren(ctx context.Context, tx *sql.Tx, t *experiment.Test) error {
	for _, v := range t.Variants {
		configJSON, err := json.Marshal(v.Config)
		if err != nil {
			return experiment.Internal(err, "failed to marshal variant config")
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO variants (id, test_id, name, description, config, traffic, is_control, position)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			v.ID, t.ID, v.Name, v.Description, string(configJSON), v.TrafficPercentage, v.IsControl, v.Position,
		)
		if err != nil {
			return experiment.Internal(err, "failed to insert variant")
		}
	}
	for i, m := range t.Metrics {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO metrics (id, test_id, name, description, type, formula, unit, is_active, position)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, t.ID, m.Name, m.Description, string(m.Type), m.Formula, m.Unit, m.IsActive, i,
		)
		if err != nil {
			return experiment.Internal(err, "failed to insert metric")
		}
	}
	return nil
}

const testColumns = `id, name, description, status, audience, started_at, ended_at, created_at, updated_at`

func (s *SQLiteStore) GetTest(ctx context.Context, id string) (*experiment.Test, error) {
	return s.getTestWhere(ctx, "id = ?", id)
}

func (s *SQLiteStore) GetTestByName(ctx context.Context, name string) (*experiment.Test, error) {
	return s.getTestWhere(ctx, "name = ?", name)
}

func (s *SQLiteStore) getTestWhere(ctx context.Context, where string, arg string) (*experiment.Test, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+testColumns+` FROM tests WHERE `+where, arg)
	t, err := scanTest(row)
	if err == sql.ErrNoRows {
		return nil, experiment.NotFoundf("test %q not found", arg)
	}
	if err != nil {
		return nil, experiment.Internal(err, "failed to get test")
	}
	if err := s.loadChildren(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *SQLiteStore) ListTests(ctx context.Context) ([]*experiment.Test, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+testColumns+` FROM tests ORDER BY created_at DESC, name`)
	if err != nil {
		return nil, experiment.Internal(err, "failed to list tests")
	}

	var tests []*experiment.Test
	for rows.Next() {
		t, err := scanTest(rows)
		if err != nil {
			rows.Close()
			return nil, experiment.Internal(err, "failed to scan test")
		}
		tests = append(tests, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, experiment.Internal(err, "failed to list tests")
	}
	// Children are loaded after the cursor is released; the pool holds a
	// single connection.
	rows.Close()

	for _, t := range tests {
		if err := s.loadChildren(ctx, t); err != nil {
			return nil, err
		}
	}
	return tests, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTest(row scanner) (*experiment.Test, error) {
	var t experiment.Test
	var status string
	var audienceJSON sql.NullString
	var startedAt, endedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(&t.ID, &t.Name, &t.Description, &status, &audienceJSON, &startedAt, &endedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = experiment.Status(status)
	if audienceJSON.Valid && audienceJSON.String != "" {
		if err := json.Unmarshal([]byte(audienceJSON.String), &t.Audience); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal audience")
		}
	}
	t.StartedAt = fromNullable(startedAt)
	t.EndedAt = fromNullable(endedAt)
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)
	return &t, nil
}

func (s *SQLiteStore) loadChildren(ctx context.Context, t *experiment.Test) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, config, traffic, is_control, position
		 FROM variants WHERE test_id = ? ORDER BY position`, t.ID)
	if err != nil {
		return experiment.Internal(err, "failed to load variants")
	}
	for rows.Next() {
		v := &experiment.Variant{TestID: t.ID}
		var configJSON sql.NullString
		if err := rows.Scan(&v.ID, &v.Name, &v.Description, &configJSON, &v.TrafficPercentage, &v.IsControl, &v.Position); err != nil {
			rows.Close()
			return experiment.Internal(err, "failed to scan variant")
		}
		if configJSON.Valid && configJSON.String != "" && configJSON.String != "null" {
			if err := json.Unmarshal([]byte(configJSON.String), &v.Config); err != nil {
				rows.Close()
				return experiment.Internal(err, "failed to unmarshal variant config")
			}
		}
		t.Variants = append(t.Variants, v)
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx,
		`SELECT id, name, description, type, formula, unit, is_active
		 FROM metrics WHERE test_id = ? ORDER BY position`, t.ID)
	if err != nil {
		return experiment.Internal(err, "failed to load metrics")
	}
	defer rows.Close()
	for rows.Next() {
		m := &experiment.Metric{TestID: t.ID}
		var metricType string
		if err := rows.Scan(&m.ID, &m.Name, &m.Description, &metricType, &m.Formula, &m.Unit, &m.IsActive); err != nil {
			return experiment.Internal(err, "failed to scan metric")
		}
		m.Type = experiment.MetricType(metricType)
		t.Metrics = append(t.Metrics, m)
	}
	return experiment.Internal(rows.Err(), "failed to load metrics")
}

// UpdateTest rewrites the test row and replaces its variants and metrics.
func (s *SQLiteStore) UpdateTest(ctx context.Context, t *experiment.Test) error {
	audienceJSON, err := json.Marshal(t.Audience)
	if err != nil {
		return experiment.Internal(err, "failed to marshal audience")
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE tests SET name = ?, description = ?, status = ?, audience = ?, started_at = ?, ended_at = ?, updated_at = ?
			 WHERE id = ?`,
			t.Name, t.Description, string(t.Status), string(audienceJSON),
			nullableTime(t.StartedAt), nullableTime(t.EndedAt), toMillis(t.UpdatedAt), t.ID,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return experiment.Conflictf("test named %q already exists", t.Name)
			}
			return experiment.Internal(err, "failed to update test")
		}
		if err := expectRow(result, "test", t.ID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM variants WHERE test_id = ?`, t.ID); err != nil {
			return experiment.Internal(err, "failed to replace variants")
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM metrics WHERE test_id = ?`, t.ID); err != nil {
			return experiment.Internal(err, "failed to replace metrics")
		}
		return writeChildren(ctx, tx, t)
	})
}

func (s *SQLiteStore) UpdateTestStatus(ctx context.Context, id string, from, to experiment.Status, startedAt, endedAt *time.Time) error {
	return updateStatus(ctx, s.db, id, from, to, startedAt, endedAt)
}

// CompleteTest moves a test from `from` to COMPLETED and replaces its results
// in one transaction, so only the winning completion writes a snapshot.
func (s *SQLiteStore) CompleteTest(ctx context.Context, id string, from experiment.Status, startedAt *time.Time, endedAt time.Time, results []*experiment.Result) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := updateStatus(ctx, tx, id, from, experiment.StatusCompleted, startedAt, &endedAt); err != nil {
			return err
		}
		return replaceResults(ctx, tx, id, results)
	})
}

// execQuerier is satisfied by both *sql.DB and *sql.Tx.
type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func updateStatus(ctx context.Context, db execQuerier, id string, from, to experiment.Status, startedAt, endedAt *time.Time) error {
	result, err := db.ExecContext(ctx,
		`UPDATE tests SET status = ?, started_at = ?, ended_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(to), nullableTime(startedAt), nullableTime(endedAt), time.Now().UnixMilli(), id, string(from),
	)
	if err != nil {
		return experiment.Internal(err, "failed to update test status")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return experiment.Internal(err, "failed to get rows affected")
	}
	if n == 1 {
		return nil
	}

	var current string
	err = db.QueryRowContext(ctx, `SELECT status FROM tests WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return experiment.NotFoundf("test %q not found", id)
	}
	if err != nil {
		return experiment.Internal(err, "failed to read test status")
	}
	return experiment.Conflictf("test %q is %s, expected %s", id, current, from)
}

func (s *SQLiteStore) DeleteTest(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		// Cascade explicitly so deletes work even without foreign key enforcement
		for _, table := range []string{"results", "observations", "assignments", "metrics", "variants"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE test_id = ?`, id); err != nil {
				return experiment.Internal(err, "failed to delete "+table)
			}
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM tests WHERE id = ?`, id)
		if err != nil {
			return experiment.Internal(err, "failed to delete test")
		}
		return expectRow(result, "test", id)
	})
}

func (s *SQLiteStore) FindAssignment(ctx context.Context, userID, testID string) (*experiment.Assignment, error) {
	a := &experiment.Assignment{TestID: testID, UserID: userID}
	var assignedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT variant_id, assigned_at FROM assignments WHERE test_id = ? AND user_id = ?`,
		testID, userID,
	).Scan(&a.VariantID, &assignedAt)
	if err == sql.ErrNoRows {
		return nil, experiment.NotFoundf("no assignment for user %q in test %q", userID, testID)
	}
	if err != nil {
		return nil, experiment.Internal(err, "failed to find assignment")
	}
	a.AssignedAt = fromMillis(assignedAt)
	return a, nil
}

func (s *SQLiteStore) CreateAssignmentIfAbsent(ctx context.Context, a *experiment.Assignment) (*experiment.Assignment, bool, error) {
	// The primary key on (test_id, user_id) decides races; the loser's insert
	// is dropped and the winner is read back.
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO assignments (test_id, user_id, variant_id, assigned_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(test_id, user_id) DO NOTHING`,
		a.TestID, a.UserID, a.VariantID, toMillis(a.AssignedAt),
	)
	if err != nil {
		return nil, false, experiment.Internal(err, "failed to insert assignment")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, false, experiment.Internal(err, "failed to get rows affected")
	}

	stored, err := s.FindAssignment(ctx, a.UserID, a.TestID)
	if err != nil {
		return nil, false, err
	}
	return stored, n == 1, nil
}

func (s *SQLiteStore) ListAssignmentsForUser(ctx context.Context, userID string) ([]*experiment.Assignment, error) {
	return s.listAssignments(ctx, `WHERE user_id = ? ORDER BY assigned_at, test_id`, userID)
}

func (s *SQLiteStore) ListAssignmentsForTest(ctx context.Context, testID string) ([]*experiment.Assignment, error) {
	return s.listAssignments(ctx, `WHERE test_id = ? ORDER BY assigned_at, user_id`, testID)
}

func (s *SQLiteStore) listAssignments(ctx context.Context, clause string, arg string) ([]*experiment.Assignment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT test_id, user_id, variant_id, assigned_at FROM assignments `+clause, arg)
	if err != nil {
		return nil, experiment.Internal(err, "failed to list assignments")
	}
	defer rows.Close()

	var out []*experiment.Assignment
	for rows.Next() {
		a := &experiment.Assignment{}
		var assignedAt int64
		if err := rows.Scan(&a.TestID, &a.UserID, &a.VariantID, &assignedAt); err != nil {
			return nil, experiment.Internal(err, "failed to scan assignment")
		}
		a.AssignedAt = fromMillis(assignedAt)
		out = append(out, a)
	}
	return out, experiment.Internal(rows.Err(), "failed to list assignments")
}

func (s *SQLiteStore) RecordObservation(ctx context.Context, o *experiment.Observation) error {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO observations (test_id, variant_id, metric_id, user_id, value, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		o.TestID, o.VariantID, o.MetricID, o.UserID, o.Value, toMillis(o.RecordedAt),
	)
	if err != nil {
		return experiment.Internal(err, "failed to record observation")
	}
	id, err := result.LastInsertId()
	if err != nil {
		return experiment.Internal(err, "failed to get last insert id")
	}
	o.ID = id
	return nil
}

func (s *SQLiteStore) ListObservations(ctx context.Context, f ObservationFilter) ([]*experiment.Observation, error) {
	var conds []string
	var args []any
	if f.TestID != "" {
		conds = append(conds, "test_id = ?")
		args = append(args, f.TestID)
	}
	if f.VariantID != "" {
		conds = append(conds, "variant_id = ?")
		args = append(args, f.VariantID)
	}
	if f.MetricID != "" {
		conds = append(conds, "metric_id = ?")
		args = append(args, f.MetricID)
	}
	conds, args = appendRange(conds, args, f.Range)

	query := `SELECT id, test_id, variant_id, metric_id, user_id, value, recorded_at FROM observations`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, experiment.Internal(err, "failed to list observations")
	}
	defer rows.Close()

	var out []*experiment.Observation
	for rows.Next() {
		o := &experiment.Observation{}
		var recordedAt int64
		if err := rows.Scan(&o.ID, &o.TestID, &o.VariantID, &o.MetricID, &o.UserID, &o.Value, &recordedAt); err != nil {
			return nil, experiment.Internal(err, "failed to scan observation")
		}
		o.RecordedAt = fromMillis(recordedAt)
		out = append(out, o)
	}
	return out, experiment.Internal(rows.Err(), "failed to list observations")
}

func (s *SQLiteStore) SampleObservations(ctx context.Context, variantID, metricID string, r *experiment.TimeRange) ([]float64, error) {
	conds := []string{"variant_id = ?", "metric_id = ?"}
	args := []any{variantID, metricID}
	conds, args = appendRange(conds, args, r)

	rows, err := s.db.QueryContext(ctx,
		`SELECT value FROM observations WHERE `+strings.Join(conds, " AND ")+` ORDER BY id`, args...)
	if err != nil {
		return nil, experiment.Internal(err, "failed to sample observations")
	}
	defer rows.Close()

	var sample []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, experiment.Internal(err, "failed to scan observation value")
		}
		sample = append(sample, v)
	}
	return sample, experiment.Internal(rows.Err(), "failed to sample observations")
}

func appendRange(conds []string, args []any, r *experiment.TimeRange) ([]string, []any) {
	if r == nil {
		return conds, args
	}
	if !r.From.IsZero() {
		conds = append(conds, "recorded_at >= ?")
		args = append(args, toMillis(r.From))
	}
	if !r.To.IsZero() {
		conds = append(conds, "recorded_at <= ?")
		args = append(args, toMillis(r.To))
	}
	return conds, args
}

// SaveResults replaces the cached results of a test.
func (s *SQLiteStore) SaveResults(ctx context.Context, testID string, results []*experiment.Result) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return replaceResults(ctx, tx, testID, results)
	})
}

func replaceResults(ctx context.Context, tx *sql.Tx, testID string, results []*experiment.Result) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM results WHERE test_id = ?`, testID); err != nil {
		return experiment.Internal(err, "failed to clear results")
	}
	for i, r := range results {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO results (test_id, variant_id, metric_id, value, change, change_percentage, confidence, significance, sample_size, position)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			testID, r.VariantID, r.MetricID, r.Value, r.Change, r.ChangePercentage, r.Confidence, r.Significance, r.SampleSize, i,
		)
		if err != nil {
			return experiment.Internal(err, "failed to insert result")
		}
	}
	return nil
}

func (s *SQLiteStore) ListResults(ctx context.Context, testID string) ([]*experiment.Result, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT test_id, variant_id, metric_id, value, change, change_percentage, confidence, significance, sample_size
		 FROM results WHERE test_id = ? ORDER BY position`, testID)
	if err != nil {
		return nil, experiment.Internal(err, "failed to list results")
	}
	defer rows.Close()

	var out []*experiment.Result
	for rows.Next() {
		r := &experiment.Result{}
		if err := rows.Scan(&r.TestID, &r.VariantID, &r.MetricID, &r.Value, &r.Change, &r.ChangePercentage, &r.Confidence, &r.Significance, &r.SampleSize); err != nil {
			return nil, experiment.Internal(err, "failed to scan result")
		}
		out = append(out, r)
	}
	return out, experiment.Internal(rows.Err(), "failed to list results")
}

func (s *SQLiteStore) CreateSegment(ctx context.Context, seg *experiment.Segment) error {
	criteriaJSON, err := json.Marshal(seg.Criteria)
	if err != nil {
		return experiment.Internal(err, "failed to marshal criteria")
	}
	includeJSON, err := json.Marshal(seg.Include)
	if err != nil {
		return experiment.Internal(err, "failed to marshal include list")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO segments (id, name, description, criteria, include, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		seg.ID, seg.Name, seg.Description, string(criteriaJSON), string(includeJSON), toMillis(seg.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return experiment.Conflictf("segment named %q already exists", seg.Name)
		}
		return experiment.Internal(err, "failed to insert segment")
	}
	return nil
}

const segmentColumns = `id, name, description, criteria, include, created_at`

func (s *SQLiteStore) GetSegment(ctx context.Context, id string) (*experiment.Segment, error) {
	return s.getSegmentWhere(ctx, "id = ?", id)
}

func (s *SQLiteStore) GetSegmentByName(ctx context.Context, name string) (*experiment.Segment, error) {
	return s.getSegmentWhere(ctx, "name = ?", name)
}

func (s *SQLiteStore) getSegmentWhere(ctx context.Context, where, arg string) (*experiment.Segment, error) {
	seg, err := scanSegment(s.db.QueryRowContext(ctx, `SELECT `+segmentColumns+` FROM segments WHERE `+where, arg))
	if err == sql.ErrNoRows {
		return nil, experiment.NotFoundf("segment %q not found", arg)
	}
	if err != nil {
		return nil, experiment.Internal(err, "failed to get segment")
	}
	return seg, nil
}

func (s *SQLiteStore) ListSegments(ctx context.Context) ([]*experiment.Segment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+segmentColumns+` FROM segments ORDER BY name`)
	if err != nil {
		return nil, experiment.Internal(err, "failed to list segments")
	}
	defer rows.Close()

	var out []*experiment.Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, experiment.Internal(err, "failed to scan segment")
		}
		out = append(out, seg)
	}
	return out, experiment.Internal(rows.Err(), "failed to list segments")
}

func scanSegment(row scanner) (*experiment.Segment, error) {
	seg := &experiment.Segment{}
	var criteriaJSON, includeJSON sql.NullString
	var createdAt int64
	if err := row.Scan(&seg.ID, &seg.Name, &seg.Description, &criteriaJSON, &includeJSON, &createdAt); err != nil {
		return nil, err
	}
	if criteriaJSON.Valid && criteriaJSON.String != "" {
		if err := json.Unmarshal([]byte(criteriaJSON.String), &seg.Criteria); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal criteria")
		}
	}
	if includeJSON.Valid && includeJSON.String != "" {
		if err := json.Unmarshal([]byte(includeJSON.String), &seg.Include); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal include list")
		}
	}
	seg.CreatedAt = fromMillis(createdAt)
	return seg, nil
}

func (s *SQLiteStore) DeleteSegment(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM segments WHERE id = ?`, id)
	if err != nil {
		return experiment.Internal(err, "failed to delete segment")
	}
	return expectRow(result, "segment", id)
}

func (s *SQLiteStore) GetUserAttributes(ctx context.Context, userID string) (*experiment.UserAttributes, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM user_attributes WHERE user_id = ?`, userID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, experiment.NotFoundf("no attributes for user %q", userID)
	}
	if err != nil {
		return nil, experiment.Internal(err, "failed to get user attributes")
	}
	attrs := &experiment.UserAttributes{}
	if err := json.Unmarshal([]byte(data), attrs); err != nil {
		return nil, experiment.Internal(err, "failed to unmarshal user attributes")
	}
	attrs.UserID = userID
	return attrs, nil
}

func (s *SQLiteStore) SaveUserAttributes(ctx context.Context, attrs *experiment.UserAttributes) error {
	data, err := json.Marshal(attrs)
	if err != nil {
		return experiment.Internal(err, "failed to marshal user attributes")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO user_attributes (user_id, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		attrs.UserID, string(data), time.Now().UnixMilli(),
	)
	return experiment.Internal(err, "failed to save user attributes")
}

func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", experiment.NotFoundf("setting %q not found", key)
	}
	if err != nil {
		return "", experiment.Internal(err, "failed to get setting")
	}
	return value, nil
}

func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return experiment.Internal(err, "failed to set setting")
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return experiment.Internal(err, "failed to begin transaction")
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return experiment.Internal(tx.Commit(), "failed to commit transaction")
}

func expectRow(result sql.Result, what, id string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return experiment.Internal(err, "failed to get rows affected")
	}
	if rowsAffected == 0 {
		return experiment.NotFoundf("%s %q not found", what, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nullableTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullable(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.UnixMilli(n.Int64).UTC()
	return &t
}
