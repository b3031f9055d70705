package cli

import (
	"github.com/spf13/cobra"

	"github.com/learngoat/learngoat/internal/server"
)

func newTokenCmd(e *env) *cobra.Command {
	var rotate bool

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Show the admin API token",
		Long: `Show the admin API token, generating one if none exists yet.

Send it as "Authorization: Bearer <token>" or open any admin URL once with
?token=<token> to receive a session cookie. A running server keeps the token
it started with until restarted.

Examples:
  learngoat token
  learngoat token --rotate`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if e.cfg.AdminToken != "" && !rotate {
				printf(cmd, "Admin token (from LG_ADMIN_TOKEN): %s\n", e.cfg.AdminToken)
				return nil
			}
			return e.withApp(func(a *app) error {
				token, err := server.AdminToken(cmd.Context(), a.store, rotate)
				if err != nil {
					return err
				}
				printf(cmd, "Admin token: %s\n", token)
				if rotate {
					printf(cmd, "\nRestart the server to use the new token.\n")
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&rotate, "rotate", false, "generate and store a new token")
	return cmd
}
