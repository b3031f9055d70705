package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/learngoat/learngoat/internal/server"
	"github.com/learngoat/learngoat/internal/stats"
	"github.com/learngoat/learngoat/internal/store"
)

func newServeCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Long: `Start the learngoat HTTP server.

The server provides:
  - Assignment and observation endpoints for the app
  - Admin API for tests, segments, statistics and exports
  - Prometheus metrics on /metrics
  - Health check endpoint

Example:
  learngoat serve --port 8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, e)
		},
	}

	cmd.Flags().IntP("port", "p", 8080, "port to listen on")
	cmd.Flags().String("admin-token", "", "admin token (default: persisted token, generated on first start)")
	cmd.Flags().Int("batch-concurrency", 8, "concurrent items per batch assignment")
	return cmd
}

func runServe(cmd *cobra.Command, e *env) error {
	pvalue, err := stats.ParsePValueFunc(e.cfg.PValue)
	if err != nil {
		return err
	}

	s, err := store.Open(e.cfg.DBPath)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, s, server.Options{
		Port:             e.cfg.Port,
		Token:            e.cfg.AdminToken,
		PValue:           pvalue,
		BatchConcurrency: e.cfg.BatchConcurrency,
		Logger:           e.log,
	})
	if err != nil {
		return err
	}

	printf(cmd, "\nlearngoat running on http://localhost:%d\n", srv.Port())
	printf(cmd, "Admin token: %s\n", srv.Token())
	printf(cmd, "\nPress Ctrl+C to stop\n")

	e.log.Info("starting server", zap.String("db", e.cfg.DBPath), zap.String("pvalue", e.cfg.PValue))
	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
