package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/learngoat/learngoat/internal/store"
)

func newListCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all tests",
		Long:  `List all tests with their status, variants and assignment counts.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withApp(func(a *app) error {
				ctx := cmd.Context()
				tests, err := a.store.ListTests(ctx)
				if err != nil {
					return err
				}

				if len(tests) == 0 {
					printf(cmd, "No tests yet.\n\nCreate one from a YAML definition:\n  learngoat create -f test.yaml\n")
					return nil
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "NAME\tSTATUS\tVARIANTS\tMETRICS\tASSIGNED\tCREATED")
				for _, test := range tests {
					assignments, err := a.store.ListAssignmentsForTest(ctx, test.ID)
					if err != nil {
						return err
					}
					fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
						truncate(test.Name, 32),
						statusColor(string(test.Status)),
						len(test.Variants),
						len(test.ActiveMetrics()),
						humanize.Comma(int64(len(assignments))),
						humanize.Time(test.CreatedAt),
					)
				}
				return w.Flush()
			})
		},
	}
}

func newShowCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "show <test>",
		Short: "Show a test definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withApp(func(a *app) error {
				ctx := cmd.Context()
				test, err := store.ResolveTest(ctx, a.store, args[0])
				if err != nil {
					return err
				}
				assignments, err := a.store.ListAssignmentsForTest(ctx, test.ID)
				if err != nil {
					return err
				}
				counts := map[string]int{}
				for _, as := range assignments {
					counts[as.VariantID]++
				}

				printf(cmd, "TEST: %s\n", bold(test.Name))
				printf(cmd, "ID: %s\n", test.ID)
				printf(cmd, "STATUS: %s\n", statusColor(string(test.Status)))
				if test.Description != "" {
					printf(cmd, "DESCRIPTION: %s\n", test.Description)
				}
				printf(cmd, "CREATED: %s\n", test.CreatedAt.Format("2006-01-02 15:04"))
				if test.StartedAt != nil {
					printf(cmd, "STARTED: %s (%s)\n", test.StartedAt.Format("2006-01-02 15:04"), humanize.Time(*test.StartedAt))
				}
				if test.EndedAt != nil {
					printf(cmd, "ENDED: %s\n", test.EndedAt.Format("2006-01-02 15:04"))
				}
				if aud := test.Audience; len(aud.Segments) > 0 || aud.Percentage > 0 || len(aud.Criteria) > 0 {
					printf(cmd, "AUDIENCE: segments=%v percentage=%g criteria=%d\n", aud.Segments, aud.Percentage, len(aud.Criteria))
				}
				printf(cmd, "\n")

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "VARIANT\tID\tTRAFFIC\tCONTROL\tASSIGNED")
				for _, v := range test.Variants {
					control := ""
					if v.IsControl {
						control = "yes"
					}
					fmt.Fprintf(w, "%s\t%s\t%.1f%%\t%s\t%s\n",
						truncate(v.Name, 24), v.ID, v.TrafficPercentage, control, humanize.Comma(int64(counts[v.ID])))
				}
				w.Flush()
				printf(cmd, "\n")

				w = tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "METRIC\tID\tTYPE\tUNIT\tACTIVE")
				for _, m := range test.Metrics {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n", truncate(m.Name, 24), m.ID, m.Type, m.Unit, m.IsActive)
				}
				return w.Flush()
			})
		},
	}
}
