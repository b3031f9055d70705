package experiment

import "time"

type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusActive    Status = "ACTIVE"
	StatusPaused    Status = "PAUSED"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transitions are allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type MetricType string

const (
	MetricEngagement   MetricType = "ENGAGEMENT"
	MetricRetention    MetricType = "RETENTION"
	MetricConversion   MetricType = "CONVERSION"
	MetricRevenue      MetricType = "REVENUE"
	MetricSatisfaction MetricType = "SATISFACTION"
	MetricPerformance  MetricType = "PERFORMANCE"
	MetricCustom       MetricType = "CUSTOM"
)

// TrafficTolerance is how far the variant traffic sum may drift from 100.
const TrafficTolerance = 0.1

type Test struct {
	ID          string     `json:"id"`
	Name        string     `json:"name" yaml:"name" validate:"required,max=200"`
	Description string     `json:"description,omitempty" yaml:"description"`
	Status      Status     `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	Audience    Audience   `json:"audience" yaml:"audience"`
	Variants    []*Variant `json:"variants" yaml:"variants" validate:"required,min=1,dive,required"`
	Metrics     []*Metric  `json:"metrics" yaml:"metrics" validate:"required,min=1,dive,required"`
	Results     []*Result  `json:"results,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Control returns the first variant flagged as control, or nil.
func (t *Test) Control() *Variant {
	for _, v := range t.Variants {
		if v.IsControl {
			return v
		}
	}
	return nil
}

func (t *Test) Variant(id string) *Variant {
	for _, v := range t.Variants {
		if v.ID == id {
			return v
		}
	}
	return nil
}

func (t *Test) Metric(id string) *Metric {
	for _, m := range t.Metrics {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// ActiveMetrics returns metrics with IsActive set, in definition order.
func (t *Test) ActiveMetrics() []*Metric {
	var out []*Metric
	for _, m := range t.Metrics {
		if m.IsActive {
			out = append(out, m)
		}
	}
	return out
}

// TrafficTotal sums the traffic percentages of all variants.
func (t *Test) TrafficTotal() float64 {
	total := 0.0
	for _, v := range t.Variants {
		total += v.TrafficPercentage
	}
	return total
}

type Variant struct {
	ID                string         `json:"id"`
	TestID            string         `json:"test_id"`
	Name              string         `json:"name" yaml:"name" validate:"required,max=200"`
	Description       string         `json:"description,omitempty" yaml:"description"`
	Config            map[string]any `json:"config,omitempty" yaml:"config"`
	TrafficPercentage float64        `json:"traffic_percentage" yaml:"traffic" validate:"gte=0,lte=100"`
	IsControl         bool           `json:"is_control" yaml:"control"`
	Position          int            `json:"position"`
}

type Metric struct {
	ID          string     `json:"id"`
	TestID      string     `json:"test_id"`
	Name        string     `json:"name" yaml:"name" validate:"required,max=200"`
	Description string     `json:"description,omitempty" yaml:"description"`
	Type        MetricType `json:"type" yaml:"type" validate:"required,oneof=ENGAGEMENT RETENTION CONVERSION REVENUE SATISFACTION PERFORMANCE CUSTOM"`
	Formula     string     `json:"formula,omitempty" yaml:"formula"`
	Unit        string     `json:"unit,omitempty" yaml:"unit"`
	IsActive    bool       `json:"is_active" yaml:"active"`
}

type Assignment struct {
	TestID     string    `json:"test_id"`
	UserID     string    `json:"user_id"`
	VariantID  string    `json:"variant_id"`
	AssignedAt time.Time `json:"assigned_at"`
}

type Observation struct {
	ID         int64     `json:"id"`
	TestID     string    `json:"test_id"`
	VariantID  string    `json:"variant_id"`
	MetricID   string    `json:"metric_id"`
	UserID     string    `json:"user_id"`
	Value      float64   `json:"value"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Result is a derived per (variant, metric) snapshot. It is a cache, never
// the system of record.
type Result struct {
	TestID           string  `json:"test_id"`
	VariantID        string  `json:"variant_id"`
	MetricID         string  `json:"metric_id"`
	Value            float64 `json:"value"`
	Change           float64 `json:"change"`
	ChangePercentage float64 `json:"change_percentage"`
	Confidence       float64 `json:"confidence"`
	Significance     bool    `json:"significance"`
	SampleSize       int     `json:"sample_size"`
}

type Segment struct {
	ID          string      `json:"id"`
	Name        string      `json:"name" yaml:"name" validate:"required,max=200"`
	Description string      `json:"description,omitempty" yaml:"description"`
	Criteria    []Criterion `json:"criteria,omitempty" yaml:"criteria" validate:"dive"`
	// Include lists user ids that are members regardless of Criteria.
	Include   []string  `json:"include,omitempty" yaml:"include"`
	CreatedAt time.Time `json:"created_at"`
}

// Audience gates which users may enter a test. The zero value admits everyone.
type Audience struct {
	Segments   []string    `json:"segments,omitempty" yaml:"segments"`
	Percentage float64     `json:"percentage,omitempty" yaml:"percentage" validate:"gte=0,lte=100"`
	Criteria   []Criterion `json:"criteria,omitempty" yaml:"criteria" validate:"dive"`
}

type Operator string

const (
	OpEq    Operator = "eq"
	OpNeq   Operator = "neq"
	OpGt    Operator = "gt"
	OpGte   Operator = "gte"
	OpLt    Operator = "lt"
	OpLte   Operator = "lte"
	OpIn    Operator = "in"
	OpNotIn Operator = "not_in"
)

// Criterion compares one user attribute against Value.
type Criterion struct {
	Attribute string   `json:"attribute" yaml:"attribute" validate:"required"`
	Op        Operator `json:"op" yaml:"op" validate:"required,oneof=eq neq gt gte lt lte in not_in"`
	Value     any      `json:"value" yaml:"value"`
}

// UserAttributes is the snapshot of a learner used for eligibility checks.
type UserAttributes struct {
	UserID        string         `json:"user_id"`
	Premium       bool           `json:"premium"`
	Level         int            `json:"level"`
	Points        int            `json:"points"`
	Streak        int            `json:"streak"`
	LearningStyle string         `json:"learning_style,omitempty"`
	CreatedAt     time.Time      `json:"created_at,omitempty"`
	Custom        map[string]any `json:"custom,omitempty"`
}

// AccountAgeDays is the whole number of days since the account was created.
func (u UserAttributes) AccountAgeDays(now time.Time) int {
	if u.CreatedAt.IsZero() || now.Before(u.CreatedAt) {
		return 0
	}
	return int(now.Sub(u.CreatedAt).Hours() / 24)
}

type TimeRange struct {
	From time.Time `json:"from,omitempty"`
	To   time.Time `json:"to,omitempty"`
}

// Contains reports whether at falls inside the range. Zero bounds are open.
func (r *TimeRange) Contains(at time.Time) bool {
	if r == nil {
		return true
	}
	if !r.From.IsZero() && at.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && at.After(r.To) {
		return false
	}
	return true
}
