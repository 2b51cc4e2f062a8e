package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/atniptw/stepflow/internal/janitor"
	"github.com/atniptw/stepflow/internal/state"
	"github.com/atniptw/stepflow/pkg/schema"
)

func newCleanupCmd(opts *rootOptions) *cobra.Command {
	var maxAgeHours int
	var dryRun bool
	var statuses []string
	var cronExpr string

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove old finished sessions",
		Long: "Remove sessions older than the age threshold. By default only completed " +
			"and failed sessions are considered. With --cron the cleanup runs as a " +
			"long-lived scheduled job instead of a single pass.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := buildApp(opts)
			if err != nil {
				return err
			}
			defer app.close()

			cleanupOpts := state.CleanupOptions{DryRun: dryRun}
			if maxAgeHours > 0 {
				cleanupOpts.MaxAge = time.Duration(maxAgeHours) * time.Hour
			}
			parsed, err := parseSessionStatuses(statuses)
			if err != nil {
				return err
			}
			cleanupOpts.Statuses = parsed

			if cronExpr != "" {
				j, err := janitor.New(app.engine, cronExpr, cleanupOpts, app.logger)
				if err != nil {
					return err
				}
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				if err := j.Start(ctx); err != nil {
					return err
				}
				<-ctx.Done()
				return j.Stop()
			}

			result, err := app.engine.Cleanup(cleanupOpts)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}

	cmd.Flags().IntVar(&maxAgeHours, "max-age-hours", 0, "minimum session age in hours (default: 720)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be deleted without deleting")
	cmd.Flags().StringArrayVar(&statuses, "status", nil, "session statuses to clean (repeatable; default: completed, failed)")
	cmd.Flags().StringVar(&cronExpr, "cron", "", "run continuously on this cron schedule instead of once")
	return cmd
}

func parseSessionStatuses(names []string) ([]schema.SessionStatus, error) {
	if len(names) == 0 {
		return nil, nil
	}
	statuses := make([]schema.SessionStatus, 0, len(names))
	for _, name := range names {
		switch s := schema.SessionStatus(name); s {
		case schema.SessionStatusRunning, schema.SessionStatusPaused,
			schema.SessionStatusCompleted, schema.SessionStatusFailed:
			statuses = append(statuses, s)
		default:
			return nil, fmt.Errorf("unknown session status %q", name)
		}
	}
	return statuses, nil
}
