package cli

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/fatih/color"
	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/learngoat/learngoat/internal/assign"
	"github.com/learngoat/learngoat/internal/lifecycle"
	"github.com/learngoat/learngoat/internal/report"
	"github.com/learngoat/learngoat/internal/stats"
	"github.com/learngoat/learngoat/internal/store"
)

// app wires the engines over one open store for the duration of a command.
type app struct {
	store     *store.SQLiteStore
	assigner  *assign.Engine
	lifecycle *lifecycle.Manager
	stats     *stats.Engine
	reports   *report.Builder
}

// withApp opens the database, executes the function, and handles cleanup.
func (e *env) withApp(fn func(*app) error) error {
	pvalue, err := stats.ParsePValueFunc(e.cfg.PValue)
	if err != nil {
		return err
	}

	s, err := store.Open(e.cfg.DBPath)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer s.Close()

	statsEngine := stats.New(s, stats.WithLogger(e.log), stats.WithPValue(pvalue))
	return fn(&app{
		store:     s,
		assigner:  assign.New(s, assign.WithLogger(e.log), assign.WithConcurrency(e.cfg.BatchConcurrency)),
		lifecycle: lifecycle.New(s, statsEngine, lifecycle.WithLogger(e.log)),
		stats:     statsEngine,
		reports:   report.New(s, statsEngine, report.WithLogger(e.log)),
	})
}

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// confirm asks a yes/no question unless skip is set.
func confirm(label string, skip bool) (bool, error) {
	if skip {
		return true, nil
	}
	prompt := promptui.Prompt{
		Label:     label,
		IsConfirm: true,
	}
	if _, err := prompt.Run(); err != nil {
		if err == promptui.ErrAbort || err == promptui.ErrInterrupt {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}

// truncate shortens s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:max(n, 0)])
	}
	return string(r[:n-3]) + "..."
}

func statusColor(status string) string {
	switch strings.ToUpper(status) {
	case "ACTIVE":
		return green(status)
	case "PAUSED":
		return yellow(status)
	case "CANCELLED":
		return red(status)
	default:
		return status
	}
}
