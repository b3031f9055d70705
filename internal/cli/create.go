package cli

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/learngoat/learngoat/internal/experiment"
	"github.com/learngoat/learngoat/internal/store"
)

const exampleDefinition = `name: onboarding-hints
description: Show contextual hints during the first lesson
audience:
  percentage: 50
  criteria:
    - attribute: level
      op: lte
      value: 3
variants:
  - name: control
    control: true
    traffic: 50
  - name: hints
    traffic: 50
    config:
      hint_style: inline
metrics:
  - name: lessons_completed
    type: ENGAGEMENT
    active: true`

// readDefinition decodes a YAML test definition.
func readDefinition(path string) (*experiment.Test, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	var def experiment.Test
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, experiment.Validationf("invalid definition %s: %v", path, err)
	}
	return &def, nil
}

func newCreateCmd(e *env) *cobra.Command {
	var (
		file     string
		activate bool
	)

	cmd := &cobra.Command{
		Use:   "create -f <definition.yaml>",
		Short: "Create a new test from a YAML definition",
		Long: `Create a new DRAFT test from a YAML definition.

Example definition:

` + exampleDefinition + `

Examples:
  learngoat create -f onboarding.yaml
  learngoat create -f onboarding.yaml --activate`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := readDefinition(file)
			if err != nil {
				return err
			}

			return e.withApp(func(a *app) error {
				test, err := a.lifecycle.Create(cmd.Context(), def)
				if err != nil {
					return errors.Wrap(err, "failed to create test")
				}

				printf(cmd, "Created test '%s' (%s) with %d variants and %d metrics\n",
					test.Name, test.ID, len(test.Variants), len(test.Metrics))
				for _, v := range test.Variants {
					marker := ""
					if v.IsControl {
						marker = " (control)"
					}
					printf(cmd, "  %s: %s %.1f%%%s\n", v.ID, v.Name, v.TrafficPercentage, marker)
				}

				if activate {
					if _, err := a.lifecycle.Activate(cmd.Context(), test.ID); err != nil {
						return errors.Wrap(err, "test created but activation failed")
					}
					printf(cmd, "Test '%s' is now %s\n", test.Name, statusColor(string(experiment.StatusActive)))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML test definition (required)")
	cmd.Flags().BoolVar(&activate, "activate", false, "activate the test after creating it")
	cmd.MarkFlagRequired("file")

	return cmd
}

func newUpdateCmd(e *env) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "update <test> -f <definition.yaml>",
		Short: "Replace the definition of a draft test",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := readDefinition(file)
			if err != nil {
				return err
			}
			return e.withApp(func(a *app) error {
				test, err := store.ResolveTest(cmd.Context(), a.store, args[0])
				if err != nil {
					return err
				}
				updated, err := a.lifecycle.UpdateDraft(cmd.Context(), test.ID, def)
				if err != nil {
					return errors.Wrap(err, "failed to update test")
				}
				printf(cmd, "Updated test '%s' (%d variants, %d metrics)\n",
					updated.Name, len(updated.Variants), len(updated.Metrics))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML test definition (required)")
	cmd.MarkFlagRequired("file")
	return cmd
}
