package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var inputPairs []string
	var inputsJSON string

	cmd := &cobra.Command{
		Use:   "run <workflow-id>",
		Short: "Execute a workflow by ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(opts)
			if err != nil {
				return err
			}
			defer app.close()

			inputs, err := parseInputs(inputPairs)
			if err != nil {
				return err
			}
			if inputsJSON != "" {
				if inputs == nil {
					inputs = map[string]any{}
				}
				var fromJSON map[string]any
				if err := json.Unmarshal([]byte(inputsJSON), &fromJSON); err != nil {
					return fmt.Errorf("parse --inputs-json: %w", err)
				}
				for k, v := range fromJSON {
					inputs[k] = v
				}
			}

			workflow, err := app.loader.LoadWorkflowByID(args[0])
			if err != nil {
				return err
			}

			st, err := app.engine.Execute(cmd.Context(), workflow, inputs)
			if err != nil {
				return err
			}
			return printJSON(st)
		},
	}

	cmd.Flags().StringArrayVarP(&inputPairs, "input", "i", nil, "workflow input as key=value (repeatable, values parsed as JSON when possible)")
	cmd.Flags().StringVar(&inputsJSON, "inputs-json", "", "workflow inputs as a JSON object")
	return cmd
}
