package assign

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/learngoat/learngoat/internal/experiment"
)

type Request struct {
	UserID string `json:"user_id"`
	TestID string `json:"test_id"`
}

// BatchSuccess is an item that was evaluated without error. VariantID is
// empty when the user received no variant.
type BatchSuccess struct {
	UserID    string `json:"user_id"`
	TestID    string `json:"test_id"`
	VariantID string `json:"variant_id,omitempty"`
	Assigned  bool   `json:"assigned"`
}

type BatchFailure struct {
	UserID string          `json:"user_id"`
	TestID string          `json:"test_id"`
	Kind   experiment.Kind `json:"kind"`
	Reason string          `json:"reason"`
}

type BatchResult struct {
	Succeeded []BatchSuccess `json:"succeeded"`
	Failed    []BatchFailure `json:"failed"`
}

// Err aggregates the failed items, or returns nil when every item succeeded.
func (r *BatchResult) Err() error {
	var result *multierror.Error
	for _, f := range r.Failed {
		result = multierror.Append(result, fmt.Errorf("%s/%s: %s: %s", f.TestID, f.UserID, f.Kind, f.Reason))
	}
	return result.ErrorOrNil()
}

// AssignBatch evaluates every request independently. A failing item is
// recorded in Failed and never aborts the others. Output preserves input
// order within each list.
func (e *Engine) AssignBatch(ctx context.Context, reqs []Request) *BatchResult {
	type outcome struct {
		assignment *experiment.Assignment
		err        error
	}
	outcomes := make([]outcome, len(reqs))

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				outcomes[i].err = experiment.Internal(err, "batch cancelled")
				return nil
			}
			a, err := e.Assign(ctx, req.UserID, req.TestID)
			outcomes[i] = outcome{assignment: a, err: err}
			return nil
		})
	}
	// Items record their own errors, so the group itself never fails.
	_ = g.Wait()

	result := &BatchResult{
		Succeeded: []BatchSuccess{},
		Failed:    []BatchFailure{},
	}
	for i, req := range reqs {
		o := outcomes[i]
		if o.err != nil {
			result.Failed = append(result.Failed, BatchFailure{
				UserID: req.UserID,
				TestID: req.TestID,
				Kind:   experiment.KindOf(o.err),
				Reason: o.err.Error(),
			})
			continue
		}
		s := BatchSuccess{UserID: req.UserID, TestID: req.TestID}
		if o.assignment != nil {
			s.VariantID = o.assignment.VariantID
			s.Assigned = true
		}
		result.Succeeded = append(result.Succeeded, s)
	}

	if len(result.Failed) > 0 {
		e.log.Info("batch assignment finished with failures",
			zap.Int("succeeded", len(result.Succeeded)), zap.Int("failed", len(result.Failed)))
	}
	return result
}
