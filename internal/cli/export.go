package cli

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/learngoat/learngoat/internal/report"
	"github.com/learngoat/learngoat/internal/store"
)

func newExportCmd(e *env) *cobra.Command {
	var (
		format  string
		include string
		output  string
		all     bool
	)

	cmd := &cobra.Command{
		Use:   "export [test...]",
		Short: "Export test reports",
		Long: `Export one or more test reports in CSV or JSON format.

CSV output is a sequence of labeled blocks (test, variants, metrics,
results, assignments, summary), each with its own header row.

Examples:
  learngoat export onboarding-hints --format csv > onboarding.csv
  learngoat export --all --format json --include results,summary`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := report.ParseFormat(format)
			if err != nil {
				return err
			}
			inc, err := report.ParseInclude(include)
			if err != nil {
				return err
			}
			if len(args) == 0 && !all {
				return errors.New("name at least one test or pass --all")
			}

			return e.withApp(func(a *app) error {
				ctx := cmd.Context()
				var ids []string
				if all {
					tests, err := a.store.ListTests(ctx)
					if err != nil {
						return err
					}
					for _, t := range tests {
						ids = append(ids, t.ID)
					}
				}
				for _, ref := range args {
					test, err := store.ResolveTest(ctx, a.store, ref)
					if err != nil {
						return err
					}
					ids = append(ids, test.ID)
				}

				out := cmd.OutOrStdout()
				if output != "" {
					file, err := os.Create(output)
					if err != nil {
						return errors.Wrapf(err, "failed to create %s", output)
					}
					defer file.Close()
					out = file
				}
				return a.reports.Export(ctx, out, ids, f, inc)
			})
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "csv", "output format (csv or json)")
	cmd.Flags().StringVar(&include, "include", "", "sections to include: variants,metrics,results,assignments,summary (default all)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to a file instead of stdout")
	cmd.Flags().BoolVar(&all, "all", false, "export every test")
	return cmd
}
