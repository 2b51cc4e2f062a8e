package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/atniptw/stepflow/internal/janitor"
	"github.com/atniptw/stepflow/internal/state"
	"github.com/atniptw/stepflow/pkg/mcp"
)

func newMCPCmd(opts *rootOptions) *cobra.Command {
	var cleanupCron string

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the workflow engine over the Model Context Protocol on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := buildApp(opts)
			if err != nil {
				return err
			}
			defer app.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cleanupCron != "" {
				j, err := janitor.New(app.engine, cleanupCron, state.CleanupOptions{}, app.logger)
				if err != nil {
					return err
				}
				if err := j.Start(ctx); err != nil {
					return err
				}
				defer j.Stop()
			}

			srv := mcp.NewStepflowServer(mcp.StepflowServerDeps{
				Engine: app.engine,
				Loader: app.loader,
				Logger: app.logger,
			})
			app.logger.Info("mcp server listening on stdio")
			if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&cleanupCron, "cleanup-cron", "", "cron schedule for background session cleanup (empty disables it)")
	return cmd
}
