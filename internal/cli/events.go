package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newEventsCmd(opts *rootOptions) *cobra.Command {
	var since int64

	cmd := &cobra.Command{
		Use:   "events <session-id>",
		Short: "Show archived events for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.eventsDB == "" {
				return fmt.Errorf("--events-db is required to read archived events")
			}
			app, err := buildApp(opts)
			if err != nil {
				return err
			}
			defer app.close()

			archived, err := app.eventLog.GetEvents(cmd.Context(), args[0], since)
			if err != nil {
				return err
			}
			return printJSON(archived)
		},
	}

	cmd.Flags().Int64Var(&since, "since", 0, "only show events with a sequence greater than this")
	return cmd
}
