// Package segment decides whether a learner belongs to an audience.
//
// Every function here is pure: it looks only at the attribute snapshot and
// the descriptor it is given. A criterion that cannot be evaluated (unknown
// attribute, unknown operator, wrong value shape) counts as "no match" so that
// eligibility gating never blocks the caller with an error.
package segment

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/learngoat/learngoat/internal/experiment"
)

// Eligible reports whether u passes the audience gate. salt scopes the
// percentage gate (normally the test id) so different tests sample
// independent slices of the population. segments holds the named segments
// referenced by a.Segments; a reference that is missing from the map fails.
func Eligible(u experiment.UserAttributes, a experiment.Audience, segments map[string]*experiment.Segment, salt string, now time.Time) bool {
	for _, name := range a.Segments {
		seg, ok := segments[name]
		if !ok || seg == nil {
			return false
		}
		if !Matches(u, seg, now) {
			return false
		}
	}

	if !matchAll(u, a.Criteria, now) {
		return false
	}

	// Percentage 0 means the gate is not configured.
	if a.Percentage > 0 && a.Percentage < 100 {
		if Bucket(salt, "audience", u.UserID) >= a.Percentage {
			return false
		}
	}
	return true
}

// Matches reports whether u is a member of seg. Users on the include list
// are members regardless of criteria.
func Matches(u experiment.UserAttributes, seg *experiment.Segment, now time.Time) bool {
	for _, id := range seg.Include {
		if id == u.UserID {
			return true
		}
	}
	if len(seg.Criteria) == 0 {
		// A segment with neither criteria nor includes is empty, not universal.
		return false
	}
	return matchAll(u, seg.Criteria, now)
}

func matchAll(u experiment.UserAttributes, criteria []experiment.Criterion, now time.Time) bool {
	for _, c := range criteria {
		ok, err := MatchCriterion(u, c, now)
		if err != nil || !ok {
			return false
		}
	}
	return true
}

// MatchCriterion evaluates a single criterion. An error means the criterion
// is malformed for this user; callers treat it as no match.
func MatchCriterion(u experiment.UserAttributes, c experiment.Criterion, now time.Time) (bool, error) {
	if err := experiment.CheckCriterion(c); err != nil {
		return false, err
	}
	actual, ok := Attribute(u, c.Attribute, now)
	if !ok {
		return false, fmt.Errorf("unknown attribute %q", c.Attribute)
	}

	switch c.Op {
	case experiment.OpEq:
		return equal(actual, c.Value), nil
	case experiment.OpNeq:
		return !equal(actual, c.Value), nil
	case experiment.OpGt, experiment.OpGte, experiment.OpLt, experiment.OpLte:
		a, ok := experiment.ToFloat(actual)
		if !ok {
			return false, fmt.Errorf("attribute %q is not numeric", c.Attribute)
		}
		b, _ := experiment.ToFloat(c.Value)
		switch c.Op {
		case experiment.OpGt:
			return a > b, nil
		case experiment.OpGte:
			return a >= b, nil
		case experiment.OpLt:
			return a < b, nil
		default:
			return a <= b, nil
		}
	case experiment.OpIn, experiment.OpNotIn:
		found := false
		for _, candidate := range listValues(c.Value) {
			if equal(actual, candidate) {
				found = true
				break
			}
		}
		if c.Op == experiment.OpIn {
			return found, nil
		}
		return !found, nil
	}
	return false, fmt.Errorf("unknown operator %q", c.Op)
}

// Attribute resolves a named attribute. Built-in names take precedence over
// custom attributes of the same name.
func Attribute(u experiment.UserAttributes, name string, now time.Time) (any, bool) {
	switch strings.ToLower(name) {
	case "user_id":
		return u.UserID, true
	case "premium":
		return u.Premium, true
	case "level":
		return u.Level, true
	case "points":
		return u.Points, true
	case "streak":
		return u.Streak, true
	case "learning_style":
		return u.LearningStyle, true
	case "account_age_days":
		return u.AccountAgeDays(now), true
	}
	v, ok := u.Custom[name]
	return v, ok
}

func listValues(v any) []any {
	switch l := v.(type) {
	case []any:
		return l
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out
	}
	return nil
}

func equal(actual, expected any) bool {
	if a, ok := experiment.ToFloat(actual); ok {
		if _, isString := actual.(string); !isString {
			if b, ok := experiment.ToFloat(expected); ok {
				return math.Abs(a-b) < 1e-9
			}
		}
	}
	if a, ok := actual.(bool); ok {
		switch b := expected.(type) {
		case bool:
			return a == b
		case string:
			return strings.EqualFold(b, fmt.Sprint(a))
		}
		return false
	}
	return strings.EqualFold(fmt.Sprint(actual), fmt.Sprint(expected))
}
