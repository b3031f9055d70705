package cli

import (
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/learngoat/learngoat/internal/experiment"
)

func newUserCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage learner attribute snapshots used for targeting",
	}
	cmd.AddCommand(newUserSetCmd(e))
	return cmd
}

func newUserSetCmd(e *env) *cobra.Command {
	var (
		attrs   experiment.UserAttributes
		created string
		custom  map[string]string
	)

	cmd := &cobra.Command{
		Use:   "set <user>",
		Short: "Store the attributes of a learner",
		Long: `Store the attribute snapshot segment criteria are evaluated against.
The snapshot replaces any previous one.

Example:
  learngoat user set user-1 --premium --level 4 --streak 12 --custom country=de`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			attrs.UserID = args[0]
			if created != "" {
				t, err := time.Parse(time.RFC3339, created)
				if err != nil {
					return experiment.Validationf("invalid --created %q: expected RFC 3339", created)
				}
				attrs.CreatedAt = t.UTC()
			}
			if len(custom) > 0 {
				attrs.Custom = make(map[string]any, len(custom))
				for k, v := range custom {
					attrs.Custom[strings.TrimSpace(k)] = v
				}
			}

			return e.withApp(func(a *app) error {
				if err := a.store.SaveUserAttributes(cmd.Context(), &attrs); err != nil {
					return err
				}
				printf(cmd, "Saved attributes for user '%s'\n", attrs.UserID)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&attrs.Premium, "premium", false, "premium subscriber")
	cmd.Flags().IntVar(&attrs.Level, "level", 0, "learner level")
	cmd.Flags().IntVar(&attrs.Points, "points", 0, "points balance")
	cmd.Flags().IntVar(&attrs.Streak, "streak", 0, "current streak in days")
	cmd.Flags().StringVar(&attrs.LearningStyle, "learning-style", "", "preferred learning style")
	cmd.Flags().StringVar(&created, "created", "", "account creation time (RFC 3339)")
	cmd.Flags().StringToStringVar(&custom, "custom", nil, "custom attributes as key=value")
	return cmd
}
