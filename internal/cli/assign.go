package cli

import (
	"fmt"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/learngoat/learngoat/internal/assign"
	"github.com/learngoat/learngoat/internal/experiment"
	"github.com/learngoat/learngoat/internal/store"
)

func newAssignCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "assign <test> <user>...",
		Short: "Assign users to a variant of an active test",
		Long: `Assign one or more users to a test. Existing assignments are returned
unchanged; users outside the audience get no variant.

Example:
  learngoat assign onboarding-hints user-1 user-2`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withApp(func(a *app) error {
				ctx := cmd.Context()
				test, err := store.ResolveTest(ctx, a.store, args[0])
				if err != nil {
					return err
				}

				reqs := make([]assign.Request, 0, len(args)-1)
				for _, userID := range args[1:] {
					reqs = append(reqs, assign.Request{UserID: userID, TestID: test.ID})
				}
				result := a.assigner.AssignBatch(ctx, reqs)

				// Both lists keep request order, so walking the requests
				// restores the original row order.
				succeeded, failed := result.Succeeded, result.Failed
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "USER\tVARIANT")
				for _, req := range reqs {
					if len(succeeded) > 0 && succeeded[0].UserID == req.UserID {
						variant := "-"
						if v := test.Variant(succeeded[0].VariantID); v != nil {
							variant = v.Name
						}
						fmt.Fprintf(w, "%s\t%s\n", req.UserID, variant)
						succeeded = succeeded[1:]
						continue
					}
					if len(failed) > 0 {
						fmt.Fprintf(w, "%s\t%s\n", req.UserID, red(failed[0].Kind))
						failed = failed[1:]
					}
				}
				if err := w.Flush(); err != nil {
					return err
				}
				if err := result.Err(); err != nil {
					return errors.Wrapf(err, "%d of %d assignments failed", len(result.Failed), len(reqs))
				}
				return nil
			})
		},
	}
}

func newAssignmentsCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "assignments <user>",
		Short: "Show the variants a user is assigned to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withApp(func(a *app) error {
				ctx := cmd.Context()
				byTest, err := a.assigner.AssignmentsForUser(ctx, args[0])
				if err != nil {
					return err
				}
				if len(byTest) == 0 {
					printf(cmd, "User '%s' has no assignments.\n", args[0])
					return nil
				}

				testIDs := make([]string, 0, len(byTest))
				for id := range byTest {
					testIDs = append(testIDs, id)
				}
				sort.Strings(testIDs)

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TEST\tSTATUS\tVARIANT")
				for _, id := range testIDs {
					test, err := a.store.GetTest(ctx, id)
					if err != nil {
						return err
					}
					variant := byTest[id]
					if v := test.Variant(variant); v != nil {
						variant = v.Name
					}
					fmt.Fprintf(w, "%s\t%s\t%s\n", test.Name, statusColor(string(test.Status)), variant)
				}
				return w.Flush()
			})
		},
	}
}

func newRecordCmd(e *env) *cobra.Command {
	var at string

	cmd := &cobra.Command{
		Use:   "record <test> <metric> <user> <value>",
		Short: "Record a metric observation for an assigned user",
		Long: `Record one metric observation. The user must already be assigned to
the test; the observation is attributed to the assigned variant.

Example:
  learngoat record onboarding-hints lessons_completed user-1 3`,
		Args: cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := strconv.ParseFloat(args[3], 64)
			if err != nil {
				return experiment.Validationf("invalid value %q", args[3])
			}
			var recordedAt time.Time
			if at != "" {
				if recordedAt, err = time.Parse(time.RFC3339, at); err != nil {
					return experiment.Validationf("invalid --at %q: expected RFC 3339", at)
				}
			}

			return e.withApp(func(a *app) error {
				ctx := cmd.Context()
				test, err := store.ResolveTest(ctx, a.store, args[0])
				if err != nil {
					return err
				}
				metric := findMetric(test, args[1])
				if metric == nil {
					return experiment.NotFoundf("metric %q not found in test %q", args[1], test.Name)
				}
				assignment, err := a.assigner.Lookup(ctx, args[2], test.ID)
				if err != nil {
					return err
				}

				o := &experiment.Observation{
					TestID:     test.ID,
					VariantID:  assignment.VariantID,
					MetricID:   metric.ID,
					UserID:     args[2],
					Value:      value,
					RecordedAt: recordedAt.UTC(),
				}
				if err := a.lifecycle.RecordObservation(ctx, o); err != nil {
					return err
				}
				printf(cmd, "Recorded %s=%g for user '%s'\n", metric.Name, value, args[2])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "observation time (RFC 3339, default now)")
	return cmd
}

// findMetric matches a metric by id or name.
func findMetric(test *experiment.Test, ref string) *experiment.Metric {
	if m := test.Metric(ref); m != nil {
		return m
	}
	for _, m := range test.Metrics {
		if m.Name == ref {
			return m
		}
	}
	return nil
}
