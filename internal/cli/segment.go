package cli

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/learngoat/learngoat/internal/experiment"
)

func newSegmentCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "segment",
		Short: "Manage audience segments",
	}
	cmd.AddCommand(newSegmentCreateCmd(e), newSegmentListCmd(e))
	return cmd
}

func newSegmentCreateCmd(e *env) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "create -f <segment.yaml>",
		Short: "Create a segment from a YAML definition",
		Long: `Create an audience segment. Users match when every criterion holds,
or when their id is listed under include.

Example definition:

name: beginners
criteria:
  - attribute: level
    op: lte
    value: 3
  - attribute: learning_style
    op: in
    value: [visual, auditory]
include: [qa-user-1]`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return errors.Wrapf(err, "failed to read %s", file)
			}
			var def experiment.Segment
			if err := yaml.Unmarshal(data, &def); err != nil {
				return experiment.Validationf("invalid segment definition %s: %v", file, err)
			}

			return e.withApp(func(a *app) error {
				seg, err := a.lifecycle.CreateSegment(cmd.Context(), &def)
				if err != nil {
					return err
				}
				printf(cmd, "Created segment '%s' (%s) with %d criteria\n", seg.Name, seg.ID, len(seg.Criteria))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML segment definition (required)")
	cmd.MarkFlagRequired("file")
	return cmd
}

func newSegmentListCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List segments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withApp(func(a *app) error {
				segments, err := a.store.ListSegments(cmd.Context())
				if err != nil {
					return err
				}
				if len(segments) == 0 {
					printf(cmd, "No segments yet.\n")
					return nil
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "NAME\tCRITERIA\tINCLUDED")
				for _, seg := range segments {
					parts := make([]string, 0, len(seg.Criteria))
					for _, c := range seg.Criteria {
						parts = append(parts, fmt.Sprintf("%s %s %v", c.Attribute, c.Op, c.Value))
					}
					fmt.Fprintf(w, "%s\t%s\t%d\n", seg.Name, truncate(strings.Join(parts, " AND "), 60), len(seg.Include))
				}
				return w.Flush()
			})
		},
	}
}
