package experiment

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateDefinition checks the structural shape of a test definition. It is
// run on creation and every draft mutation; activation invariants are checked
// separately by ValidateActivation.
func ValidateDefinition(t *Test) error {
	if t == nil {
		return Validationf("test definition is required")
	}
	if err := validate.Struct(t); err != nil {
		return structError(err)
	}

	names := make(map[string]bool, len(t.Variants))
	controls := 0
	for _, v := range t.Variants {
		key := strings.ToLower(strings.TrimSpace(v.Name))
		if names[key] {
			return Validationf("duplicate variant name %q", v.Name)
		}
		names[key] = true
		if v.IsControl {
			controls++
		}
	}
	if controls > 1 {
		return Validationf("%d variants are flagged as control, expected at most 1", controls)
	}

	metricNames := make(map[string]bool, len(t.Metrics))
	for _, m := range t.Metrics {
		key := strings.ToLower(strings.TrimSpace(m.Name))
		if metricNames[key] {
			return Validationf("duplicate metric name %q", m.Name)
		}
		metricNames[key] = true
	}

	for i, c := range t.Audience.Criteria {
		if err := CheckCriterion(c); err != nil {
			return errors.Wrapf(err, "audience criterion %d", i)
		}
	}
	return nil
}

// ValidateActivation enforces the invariants a test must hold while ACTIVE
// or COMPLETED.
func ValidateActivation(t *Test) error {
	if len(t.Variants) == 0 {
		return Validationf("test has no variants")
	}
	total := t.TrafficTotal()
	if math.Abs(total-100) > TrafficTolerance {
		return Validationf("variant traffic sums to %.1f, expected 100", total)
	}
	controls := 0
	for _, v := range t.Variants {
		if v.IsControl {
			controls++
		}
	}
	if controls != 1 {
		return Validationf("%d variants are flagged as control, expected exactly 1", controls)
	}
	if len(t.ActiveMetrics()) == 0 {
		return Validationf("test has no active metrics")
	}
	return nil
}

// ValidateSegment checks a segment definition including its criteria.
func ValidateSegment(s *Segment) error {
	if s == nil {
		return Validationf("segment definition is required")
	}
	if err := validate.Struct(s); err != nil {
		return structError(err)
	}
	for i, c := range s.Criteria {
		if err := CheckCriterion(c); err != nil {
			return errors.Wrapf(err, "segment criterion %d", i)
		}
	}
	return nil
}

// CheckCriterion reports whether c can be evaluated: the operator must be
// known and its value must have the shape the operator needs.
func CheckCriterion(c Criterion) error {
	if c.Attribute == "" {
		return Validationf("criterion attribute is required")
	}
	switch c.Op {
	case OpEq, OpNeq:
		if c.Value == nil {
			return Validationf("criterion %s %s needs a value", c.Attribute, c.Op)
		}
	case OpGt, OpGte, OpLt, OpLte:
		if _, ok := ToFloat(c.Value); !ok {
			return Validationf("criterion %s %s needs a numeric value, got %v", c.Attribute, c.Op, c.Value)
		}
	case OpIn, OpNotIn:
		if _, ok := c.Value.([]any); !ok {
			if _, ok := c.Value.([]string); !ok {
				return Validationf("criterion %s %s needs a list value", c.Attribute, c.Op)
			}
		}
	default:
		return Validationf("unknown criterion operator %q", c.Op)
	}
	return nil
}

// ToFloat converts the numeric shapes produced by JSON and YAML decoding.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func structError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return Validationf("invalid definition: %v", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	return Validationf("invalid definition: %s", strings.Join(msgs, "; "))
}
