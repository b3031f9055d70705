package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/learngoat/learngoat/internal/experiment"
)

// MemoryStore is a Store kept entirely in process memory. It is used by
// tests and embedders that do not need durability.
type MemoryStore struct {
	mu           sync.RWMutex
	tests        map[string]*experiment.Test
	assignments  map[assignmentKey]*experiment.Assignment
	observations []*experiment.Observation
	results      map[string][]*experiment.Result
	segments     map[string]*experiment.Segment
	attributes   map[string]*experiment.UserAttributes
	settings     map[string]string
	nextObsID    int64
}

type assignmentKey struct {
	testID string
	userID string
}

var _ Store = (*MemoryStore)(nil)

func NewMemory() *MemoryStore {
	return &MemoryStore{
		tests:       make(map[string]*experiment.Test),
		assignments: make(map[assignmentKey]*experiment.Assignment),
		results:     make(map[string][]*experiment.Result),
		segments:    make(map[string]*experiment.Segment),
		attributes:  make(map[string]*experiment.UserAttributes),
		settings:    make(map[string]string),
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) CreateTest(_ context.Context, t *experiment.Test) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tests[t.ID]; ok {
		return experiment.Conflictf("test %q already exists", t.ID)
	}
	for _, existing := range m.tests {
		if existing.Name == t.Name {
			return experiment.Conflictf("test named %q already exists", t.Name)
		}
	}
	m.tests[t.ID] = cloneTest(t)
	return nil
}

func (m *MemoryStore) GetTest(_ context.Context, id string) (*experiment.Test, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tests[id]
	if !ok {
		return nil, experiment.NotFoundf("test %q not found", id)
	}
	return cloneTest(t), nil
}

func (m *MemoryStore) GetTestByName(_ context.Context, name string) (*experiment.Test, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tests {
		if t.Name == name {
			return cloneTest(t), nil
		}
	}
	return nil, experiment.NotFoundf("test %q not found", name)
}

func (m *MemoryStore) ListTests(_ context.Context) ([]*experiment.Test, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*experiment.Test, 0, len(m.tests))
	for _, t := range m.tests {
		out = append(out, cloneTest(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (m *MemoryStore) UpdateTest(_ context.Context, t *experiment.Test) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tests[t.ID]; !ok {
		return experiment.NotFoundf("test %q not found", t.ID)
	}
	for id, existing := range m.tests {
		if id != t.ID && existing.Name == t.Name {
			return experiment.Conflictf("test named %q already exists", t.Name)
		}
	}
	m.tests[t.ID] = cloneTest(t)
	return nil
}

func (m *MemoryStore) UpdateTestStatus(_ context.Context, id string, from, to experiment.Status, startedAt, endedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tests[id]
	if !ok {
		return experiment.NotFoundf("test %q not found", id)
	}
	if t.Status != from {
		return experiment.Conflictf("test %q is %s, expected %s", id, t.Status, from)
	}
	t.Status = to
	t.StartedAt = copyTime(startedAt)
	t.EndedAt = copyTime(endedAt)
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func (m *MemoryStore) DeleteTest(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tests[id]; !ok {
		return experiment.NotFoundf("test %q not found", id)
	}
	delete(m.tests, id)
	delete(m.results, id)
	for k := range m.assignments {
		if k.testID == id {
			delete(m.assignments, k)
		}
	}
	kept := m.observations[:0]
	for _, o := range m.observations {
		if o.TestID != id {
			kept = append(kept, o)
		}
	}
	m.observations = kept
	return nil
}

func (m *MemoryStore) FindAssignment(_ context.Context, userID, testID string) (*experiment.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assignments[assignmentKey{testID: testID, userID: userID}]
	if !ok {
		return nil, experiment.NotFoundf("no assignment for user %q in test %q", userID, testID)
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) CreateAssignmentIfAbsent(_ context.Context, a *experiment.Assignment) (*experiment.Assignment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tests[a.TestID]; !ok {
		return nil, false, experiment.NotFoundf("test %q not found", a.TestID)
	}
	key := assignmentKey{testID: a.TestID, userID: a.UserID}
	if existing, ok := m.assignments[key]; ok {
		cp := *existing
		return &cp, false, nil
	}
	stored := *a
	m.assignments[key] = &stored
	cp := stored
	return &cp, true, nil
}

func (m *MemoryStore) ListAssignmentsForUser(_ context.Context, userID string) ([]*experiment.Assignment, error) {
	return m.filterAssignments(func(a *experiment.Assignment) bool { return a.UserID == userID }), nil
}

func (m *MemoryStore) ListAssignmentsForTest(_ context.Context, testID string) ([]*experiment.Assignment, error) {
	return m.filterAssignments(func(a *experiment.Assignment) bool { return a.TestID == testID }), nil
}

func (m *MemoryStore) filterAssignments(keep func(*experiment.Assignment) bool) []*experiment.Assignment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*experiment.Assignment
	for _, a := range m.assignments {
		if keep(a) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AssignedAt.Equal(out[j].AssignedAt) {
			return out[i].AssignedAt.Before(out[j].AssignedAt)
		}
		if out[i].TestID != out[j].TestID {
			return out[i].TestID < out[j].TestID
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

func (m *MemoryStore) RecordObservation(_ context.Context, o *experiment.Observation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tests[o.TestID]; !ok {
		return experiment.NotFoundf("test %q not found", o.TestID)
	}
	m.nextObsID++
	o.ID = m.nextObsID
	cp := *o
	m.observations = append(m.observations, &cp)
	return nil
}

func (m *MemoryStore) ListObservations(_ context.Context, f ObservationFilter) ([]*experiment.Observation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*experiment.Observation
	for _, o := range m.observations {
		if f.TestID != "" && o.TestID != f.TestID {
			continue
		}
		if f.VariantID != "" && o.VariantID != f.VariantID {
			continue
		}
		if f.MetricID != "" && o.MetricID != f.MetricID {
			continue
		}
		if !f.Range.Contains(o.RecordedAt) {
			continue
		}
		cp := *o
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) SampleObservations(ctx context.Context, variantID, metricID string, r *experiment.TimeRange) ([]float64, error) {
	obs, err := m.ListObservations(ctx, ObservationFilter{VariantID: variantID, MetricID: metricID, Range: r})
	if err != nil {
		return nil, err
	}
	sample := make([]float64, 0, len(obs))
	for _, o := range obs {
		sample = append(sample, o.Value)
	}
	return sample, nil
}

func (m *MemoryStore) SaveResults(_ context.Context, testID string, results []*experiment.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tests[testID]; !ok {
		return experiment.NotFoundf("test %q not found", testID)
	}
	m.replaceResults(testID, results)
	return nil
}

// CompleteTest moves a test from `from` to COMPLETED and replaces its results
// under a single lock.
func (m *MemoryStore) CompleteTest(_ context.Context, id string, from experiment.Status, startedAt *time.Time, endedAt time.Time, results []*experiment.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tests[id]
	if !ok {
		return experiment.NotFoundf("test %q not found", id)
	}
	if t.Status != from {
		return experiment.Conflictf("test %q is %s, expected %s", id, t.Status, from)
	}
	t.Status = experiment.StatusCompleted
	t.StartedAt = copyTime(startedAt)
	t.EndedAt = copyTime(&endedAt)
	t.UpdatedAt = time.Now().UTC()
	m.replaceResults(id, results)
	return nil
}

func (m *MemoryStore) replaceResults(testID string, results []*experiment.Result) {
	cp := make([]*experiment.Result, len(results))
	for i, r := range results {
		rc := *r
		rc.TestID = testID
		cp[i] = &rc
	}
	m.results[testID] = cp
}

func (m *MemoryStore) ListResults(_ context.Context, testID string) ([]*experiment.Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*experiment.Result
	for _, r := range m.results[testID] {
		rc := *r
		out = append(out, &rc)
	}
	return out, nil
}

func (m *MemoryStore) CreateSegment(_ context.Context, seg *experiment.Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.segments {
		if existing.Name == seg.Name {
			return experiment.Conflictf("segment named %q already exists", seg.Name)
		}
	}
	cp := *seg
	cp.Criteria = append([]experiment.Criterion(nil), seg.Criteria...)
	cp.Include = append([]string(nil), seg.Include...)
	m.segments[seg.ID] = &cp
	return nil
}

func (m *MemoryStore) GetSegment(_ context.Context, id string) (*experiment.Segment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seg, ok := m.segments[id]
	if !ok {
		return nil, experiment.NotFoundf("segment %q not found", id)
	}
	cp := *seg
	return &cp, nil
}

func (m *MemoryStore) GetSegmentByName(_ context.Context, name string) (*experiment.Segment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, seg := range m.segments {
		if seg.Name == name {
			cp := *seg
			return &cp, nil
		}
	}
	return nil, experiment.NotFoundf("segment %q not found", name)
}

func (m *MemoryStore) ListSegments(_ context.Context) ([]*experiment.Segment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*experiment.Segment, 0, len(m.segments))
	for _, seg := range m.segments {
		cp := *seg
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) DeleteSegment(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.segments[id]; !ok {
		return experiment.NotFoundf("segment %q not found", id)
	}
	delete(m.segments, id)
	return nil
}

func (m *MemoryStore) GetUserAttributes(_ context.Context, userID string) (*experiment.UserAttributes, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	attrs, ok := m.attributes[userID]
	if !ok {
		return nil, experiment.NotFoundf("no attributes for user %q", userID)
	}
	cp := *attrs
	return &cp, nil
}

func (m *MemoryStore) SaveUserAttributes(_ context.Context, attrs *experiment.UserAttributes) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *attrs
	m.attributes[attrs.UserID] = &cp
	return nil
}

func (m *MemoryStore) GetSetting(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.settings[key]
	if !ok {
		return "", experiment.NotFoundf("setting %q not found", key)
	}
	return v, nil
}

func (m *MemoryStore) SetSetting(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[key] = value
	return nil
}

func cloneTest(t *experiment.Test) *experiment.Test {
	cp := *t
	cp.StartedAt = copyTime(t.StartedAt)
	cp.EndedAt = copyTime(t.EndedAt)
	cp.Audience.Segments = append([]string(nil), t.Audience.Segments...)
	cp.Audience.Criteria = append([]experiment.Criterion(nil), t.Audience.Criteria...)
	cp.Variants = make([]*experiment.Variant, len(t.Variants))
	for i, v := range t.Variants {
		vc := *v
		if v.Config != nil {
			vc.Config = make(map[string]any, len(v.Config))
			for k, val := range v.Config {
				vc.Config[k] = val
			}
		}
		cp.Variants[i] = &vc
	}
	cp.Metrics = make([]*experiment.Metric, len(t.Metrics))
	for i, m := range t.Metrics {
		mc := *m
		cp.Metrics[i] = &mc
	}
	cp.Results = nil
	return &cp
}
