// Package assign maps users to test variants.
//
// Assignment is sticky: the first variant persisted for a (user, test) pair
// is returned on every later call, including when two first calls race. The
// race is settled by the store's insert-if-absent primitive rather than a
// lock, so any number of engines may serve the same store.
package assign

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/learngoat/learngoat/internal/experiment"
	"github.com/learngoat/learngoat/internal/segment"
)

// Store is the subset of storage the engine needs.
type Store interface {
	GetTest(ctx context.Context, id string) (*experiment.Test, error)
	FindAssignment(ctx context.Context, userID, testID string) (*experiment.Assignment, error)
	CreateAssignmentIfAbsent(ctx context.Context, a *experiment.Assignment) (*experiment.Assignment, bool, error)
	ListAssignmentsForUser(ctx context.Context, userID string) ([]*experiment.Assignment, error)
	GetSegmentByName(ctx context.Context, name string) (*experiment.Segment, error)
	GetUserAttributes(ctx context.Context, userID string) (*experiment.UserAttributes, error)
}

type Engine struct {
	store       Store
	log         *zap.Logger
	now         func() time.Time
	concurrency int
}

type Option func(*Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithConcurrency bounds how many batch items are evaluated at once.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

func New(s Store, opts ...Option) *Engine {
	e := &Engine{
		store:       s,
		log:         zap.NewNop(),
		now:         func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
		concurrency: 8,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Assign returns the variant assignment for userID in testID, creating it on
// the first eligible call. A nil assignment with a nil error means the user
// gets no variant: the test is not ACTIVE or the user is outside its audience.
func (e *Engine) Assign(ctx context.Context, userID, testID string) (*experiment.Assignment, error) {
	if userID == "" || testID == "" {
		return nil, experiment.Validationf("user id and test id are required")
	}

	test, err := e.store.GetTest(ctx, testID)
	if err != nil {
		return nil, err
	}
	if test.Status != experiment.StatusActive {
		e.log.Debug("test not accepting assignments",
			zap.String("test_id", testID), zap.String("status", string(test.Status)))
		return nil, nil
	}

	// Stickiness wins over targeting: an existing assignment is returned even
	// if the audience changed since it was made.
	existing, err := e.store.FindAssignment(ctx, userID, testID)
	if err == nil {
		return existing, nil
	}
	if !experiment.IsNotFound(err) {
		return nil, err
	}

	eligible, err := e.eligible(ctx, userID, test)
	if err != nil {
		return nil, err
	}
	if !eligible {
		e.log.Debug("user outside audience", zap.String("test_id", testID), zap.String("user_id", userID))
		return nil, nil
	}

	variant := Pick(test, userID)
	if variant == nil {
		return nil, experiment.Validationf("test %q has no variant with traffic", test.Name)
	}

	stored, created, err := e.store.CreateAssignmentIfAbsent(ctx, &experiment.Assignment{
		TestID:     testID,
		UserID:     userID,
		VariantID:  variant.ID,
		AssignedAt: e.now(),
	})
	if err != nil {
		return nil, err
	}
	if !created && stored.VariantID != variant.ID {
		e.log.Warn("concurrent assignment resolved by re-read",
			zap.String("test_id", testID),
			zap.String("user_id", userID),
			zap.String("picked", variant.ID),
			zap.String("stored", stored.VariantID))
	}
	return stored, nil
}

func (e *Engine) eligible(ctx context.Context, userID string, test *experiment.Test) (bool, error) {
	attrs := experiment.UserAttributes{UserID: userID}
	stored, err := e.store.GetUserAttributes(ctx, userID)
	switch {
	case err == nil:
		attrs = *stored
		attrs.UserID = userID
	case !experiment.IsNotFound(err):
		return false, err
	}

	segments := make(map[string]*experiment.Segment, len(test.Audience.Segments))
	for _, name := range test.Audience.Segments {
		seg, err := e.store.GetSegmentByName(ctx, name)
		if err != nil {
			if experiment.IsNotFound(err) {
				// Missing segments fail the gate inside segment.Eligible.
				e.log.Warn("audience references unknown segment",
					zap.String("test_id", test.ID), zap.String("segment", name))
				continue
			}
			return false, err
		}
		segments[name] = seg
	}

	return segment.Eligible(attrs, test.Audience, segments, test.ID, e.now()), nil
}

// Pick chooses a variant by walking variants in creation order and
// accumulating traffic until the user's bucket falls below the running total.
// It returns nil when no variant carries traffic.
func Pick(test *experiment.Test, userID string) *experiment.Variant {
	variants := make([]*experiment.Variant, len(test.Variants))
	copy(variants, test.Variants)
	sort.SliceStable(variants, func(i, j int) bool { return variants[i].Position < variants[j].Position })

	bucket := segment.Bucket(test.ID, userID)
	cumulative := 0.0
	var last *experiment.Variant
	for _, v := range variants {
		if v.TrafficPercentage <= 0 {
			continue
		}
		cumulative += v.TrafficPercentage
		last = v
		if bucket < cumulative {
			return v
		}
	}
	// Traffic may sum to slightly under 100 within tolerance; the remainder
	// goes to the last variant with traffic.
	return last
}

// Lookup returns the persisted assignment regardless of test status. It
// never creates one.
func (e *Engine) Lookup(ctx context.Context, userID, testID string) (*experiment.Assignment, error) {
	return e.store.FindAssignment(ctx, userID, testID)
}

// AssignmentsForUser returns testID -> variantID for every persisted
// assignment of userID.
func (e *Engine) AssignmentsForUser(ctx context.Context, userID string) (map[string]string, error) {
	list, err := e.store.ListAssignmentsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(list))
	for _, a := range list {
		out[a.TestID] = a.VariantID
	}
	return out, nil
}
