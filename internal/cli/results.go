package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/learngoat/learngoat/internal/experiment"
	"github.com/learngoat/learngoat/internal/stats"
	"github.com/learngoat/learngoat/internal/store"
)

func newResultsCmd(e *env) *cobra.Command {
	var (
		from, to string
		segment  string
		metrics  []string
	)

	cmd := &cobra.Command{
		Use:   "results <test>",
		Short: "Show descriptive statistics and comparisons for a test",
		Long: `Show per-variant statistics for every active metric, with the
comparison of each variant against the control.

Examples:
  learngoat results onboarding-hints
  learngoat results onboarding-hints --segment beginners --metric lessons_completed`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := stats.Options{Segment: segment}
			if from != "" || to != "" {
				tr := &experiment.TimeRange{}
				var err error
				if tr.From, err = parseFlagTime("from", from); err != nil {
					return err
				}
				if tr.To, err = parseFlagTime("to", to); err != nil {
					return err
				}
				opts.TimeRange = tr
			}

			return e.withApp(func(a *app) error {
				ctx := cmd.Context()
				test, err := store.ResolveTest(ctx, a.store, args[0])
				if err != nil {
					return err
				}
				for _, ref := range metrics {
					m := findMetric(test, ref)
					if m == nil {
						return experiment.NotFoundf("metric %q not found in test %q", ref, test.Name)
					}
					opts.MetricIDs = append(opts.MetricIDs, m.ID)
				}

				descriptive, err := a.stats.ComputeStats(ctx, test.ID, opts)
				if err != nil {
					return err
				}
				analysis, err := a.stats.ComputeReport(ctx, test.ID)
				if err != nil {
					return err
				}

				printf(cmd, "TEST: %s\n", bold(test.Name))
				printf(cmd, "STATUS: %s\n", statusColor(string(test.Status)))
				if analysis.Frozen {
					printf(cmd, "RESULTS: frozen at completion\n")
				}
				printf(cmd, "\n")

				comparisons := map[string]stats.Comparison{}
				for _, m := range analysis.Metrics {
					for _, c := range m.Comparisons {
						comparisons[m.MetricID+"/"+c.VariantID] = c
					}
				}

				for _, m := range descriptive.Metrics {
					unit := ""
					if m.Unit != "" {
						unit = " (" + m.Unit + ")"
					}
					printf(cmd, "%s [%s]%s\n", bold(m.MetricName), m.Type, unit)
					if len(m.Variants) == 0 {
						printf(cmd, "  no observations\n\n")
						continue
					}

					w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
					fmt.Fprintln(w, "  VARIANT\tN\tMEAN\tSTD DEV\t95% CI\tCHANGE\tP\tEFFECT")
					for _, v := range m.Variants {
						name := truncate(v.VariantName, 16)
						if v.IsControl {
							name += " *"
						}
						change, p, effect := "", "", ""
						if c, ok := comparisons[m.MetricID+"/"+v.VariantID]; ok {
							change = fmt.Sprintf("%+.1f%%", c.ChangePercentage)
							p = fmt.Sprintf("%.3f", c.PValue)
							if c.Significant {
								p = green(p)
							}
							effect = fmt.Sprintf("%.2f %s", c.CohensD, c.Magnitude)
						}
						fmt.Fprintf(w, "  %s\t%s\t%.3f\t%.3f\t[%.3f, %.3f]\t%s\t%s\t%s\n",
							name, humanize.Comma(int64(v.N)), v.Mean, v.StdDev, v.CI.Lower, v.CI.Upper, change, p, effect)
					}
					w.Flush()
					printf(cmd, "\n")
				}

				if w := analysis.Winner; w != nil {
					verdict := yellow("leading")
					if w.Significant {
						verdict = green("winning")
					}
					printf(cmd, "Best variant: \"%s\" is %s (score %+.1f%%, %.1f%% confidence)\n",
						w.VariantName, verdict, w.Score, w.Confidence*100)
				}
				if len(analysis.Insights) > 0 {
					printf(cmd, "\nInsights:\n")
					for _, in := range analysis.Insights {
						printf(cmd, "  - %s\n", in)
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "only observations at or after this time (RFC 3339)")
	cmd.Flags().StringVar(&to, "to", "", "only observations at or before this time (RFC 3339)")
	cmd.Flags().StringVar(&segment, "segment", "", "only observations from users in this segment")
	cmd.Flags().StringSliceVar(&metrics, "metric", nil, "restrict to these metrics (id or name, repeatable)")
	return cmd
}

func parseFlagTime(name, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, experiment.Validationf("invalid --%s %q: expected RFC 3339", name, v)
	}
	return t.UTC(), nil
}

func newReportCmd(e *env) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "report <test>",
		Short: "Show the full report for a test",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withApp(func(a *app) error {
				ctx := cmd.Context()
				test, err := store.ResolveTest(ctx, a.store, args[0])
				if err != nil {
					return err
				}
				rep, err := a.reports.BuildReport(ctx, test.ID)
				if err != nil {
					return err
				}

				if asJSON {
					encoder := json.NewEncoder(cmd.OutOrStdout())
					encoder.SetIndent("", "  ")
					return encoder.Encode(rep)
				}

				printf(cmd, "%s\n%s\n\n", bold("REPORT: "+rep.Test.Name), strings.Repeat("─", 60))
				printf(cmd, "%s\n\n", rep.Summary)

				names := map[string]string{}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "VARIANT\tTRAFFIC\tASSIGNED")
				for _, v := range rep.Variants {
					names[v.ID] = v.Name
					fmt.Fprintf(w, "%s\t%.1f%%\t%s\n", v.Name, v.TrafficPercentage, humanize.Comma(int64(v.Assignments)))
				}
				w.Flush()

				if len(rep.Results) > 0 {
					metricNames := map[string]string{}
					for _, m := range rep.Metrics {
						metricNames[m.ID] = m.Name
					}
					printf(cmd, "\n")
					w = tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
					fmt.Fprintln(w, "METRIC\tVARIANT\tVALUE\tCHANGE\tCONFIDENCE\tSIGNIFICANT\tN")
					for _, r := range rep.Results {
						sig := "no"
						if r.Significance {
							sig = green("yes")
						}
						fmt.Fprintf(w, "%s\t%s\t%.3f\t%+.1f%%\t%.1f%%\t%s\t%s\n",
							metricNames[r.MetricID], names[r.VariantID], r.Value, r.ChangePercentage,
							r.Confidence*100, sig, humanize.Comma(int64(r.SampleSize)))
					}
					w.Flush()
				}

				if len(rep.Recommendations) > 0 {
					printf(cmd, "\nRecommendations:\n")
					for _, rec := range rep.Recommendations {
						printf(cmd, "  - %s\n", rec)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}
