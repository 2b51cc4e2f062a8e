package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show the state of a workflow session",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			app, err := buildApp(opts)
			if err != nil {
				return err
			}
			defer app.close()

			st, found := app.engine.GetStatus(args[0])
			if !found {
				return fmt.Errorf("session %s not found", args[0])
			}
			return printJSON(st)
		},
	}
}

func newListCmd(opts *rootOptions) *cobra.Command {
	var statuses []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflow sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			app, err := buildApp(opts)
			if err != nil {
				return err
			}
			defer app.close()

			parsed, err := parseSessionStatuses(statuses)
			if err != nil {
				return err
			}
			infos, err := app.engine.ListSessions(parsed...)
			if err != nil {
				return err
			}
			return printJSON(infos)
		},
	}

	cmd.Flags().StringArrayVar(&statuses, "status", nil, "only list sessions with this status (repeatable)")
	return cmd
}

func newPauseCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pause <session-id>",
		Short: "Pause a running workflow session at the next step boundary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(opts)
			if err != nil {
				return err
			}
			defer app.close()

			st, err := app.engine.Pause(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(st)
		},
	}
}

func newResumeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Resume a paused workflow session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(opts)
			if err != nil {
				return err
			}
			defer app.close()

			st, err := app.engine.Resume(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(st)
		},
	}
}
