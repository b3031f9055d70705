package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/learngoat/learngoat/internal/experiment"
	"github.com/learngoat/learngoat/internal/store"
)

type transitionFunc func(a *app, ctx context.Context, id string) (*experiment.Test, error)

// newTransitionCmd builds a command that moves one test through the state
// machine. Commands with a prompt ask for confirmation unless --yes is set.
func newTransitionCmd(e *env, use, short, prompt string, fn transitionFunc) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   use + " <test>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withApp(func(a *app) error {
				ctx := cmd.Context()
				test, err := store.ResolveTest(ctx, a.store, args[0])
				if err != nil {
					return err
				}

				if prompt != "" {
					ok, err := confirm(prompt+" '"+test.Name+"'", yes)
					if err != nil {
						return err
					}
					if !ok {
						printf(cmd, "Aborted.\n")
						return nil
					}
				}

				updated, err := fn(a, ctx, test.ID)
				if err != nil {
					return err
				}
				printf(cmd, "Test '%s' is now %s\n", updated.Name, statusColor(string(updated.Status)))
				return nil
			})
		},
	}
	if prompt != "" {
		cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	}
	return cmd
}

func newActivateCmd(e *env) *cobra.Command {
	return newTransitionCmd(e, "activate", "Start assigning users to a draft or paused test", "",
		func(a *app, ctx context.Context, id string) (*experiment.Test, error) {
			return a.lifecycle.Activate(ctx, id)
		})
}

func newPauseCmd(e *env) *cobra.Command {
	return newTransitionCmd(e, "pause", "Stop new assignments to an active test", "",
		func(a *app, ctx context.Context, id string) (*experiment.Test, error) {
			return a.lifecycle.Pause(ctx, id)
		})
}

func newResumeCmd(e *env) *cobra.Command {
	return newTransitionCmd(e, "resume", "Resume a paused test", "",
		func(a *app, ctx context.Context, id string) (*experiment.Test, error) {
			return a.lifecycle.Resume(ctx, id)
		})
}

func newCompleteCmd(e *env) *cobra.Command {
	cmd := newTransitionCmd(e, "complete", "Complete a test and freeze its results", "Complete test",
		func(a *app, ctx context.Context, id string) (*experiment.Test, error) {
			return a.lifecycle.Complete(ctx, id)
		})
	cmd.Long = `Complete a test. Statistics are computed one final time and the
results are frozen; the test accepts no further assignments.`
	return cmd
}

func newCancelCmd(e *env) *cobra.Command {
	return newTransitionCmd(e, "cancel", "Cancel a test without computing results", "Cancel test",
		func(a *app, ctx context.Context, id string) (*experiment.Test, error) {
			return a.lifecycle.Cancel(ctx, id)
		})
}

func newDeleteCmd(e *env) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "delete <test>",
		Short: "Delete a test with its assignments and observations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withApp(func(a *app) error {
				ctx := cmd.Context()
				test, err := store.ResolveTest(ctx, a.store, args[0])
				if err != nil {
					return err
				}
				ok, err := confirm("Delete test '"+test.Name+"' and all of its data", yes)
				if err != nil {
					return err
				}
				if !ok {
					printf(cmd, "Aborted.\n")
					return nil
				}
				if err := a.lifecycle.Delete(ctx, test.ID); err != nil {
					return err
				}
				printf(cmd, "Deleted test '%s'\n", test.Name)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}
