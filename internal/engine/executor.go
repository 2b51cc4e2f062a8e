package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/atniptw/stepflow/internal/ai"
	"github.com/atniptw/stepflow/internal/expr"
	"github.com/atniptw/stepflow/internal/shell"
	"github.com/atniptw/stepflow/internal/template"
	"github.com/atniptw/stepflow/pkg/schema"
)

// StepExecutor runs a single workflow step with retry handling.
type StepExecutor struct {
	templates *template.Engine
	ai        ai.Provider
	shell     shell.Runner
	logger    *slog.Logger
}

// NewStepExecutor wires the executor's collaborators. A nil logger falls
// back to the default.
func NewStepExecutor(templates *template.Engine, provider ai.Provider, runner shell.Runner, logger *slog.Logger) *StepExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &StepExecutor{templates: templates, ai: provider, shell: runner, logger: logger}
}

// ExecuteStep runs one step, retrying per the step's retry policy. It
// returns the step result and the number of retries taken before the
// final outcome.
func (x *StepExecutor) ExecuteStep(ctx context.Context, step schema.Step, ec *schema.ExecutionContext, sessionID string) (*schema.StepResult, int, error) {
	retries := 0
	for {
		result, err := x.executeOnce(ctx, step, ec, sessionID)
		if err == nil {
			return result, retries, nil
		}
		if !shouldRetry(step.RetryPolicy, err, retries) {
			return nil, retries, err
		}

		delay := Backoff(step.RetryPolicy, retries)
		x.logger.Warn("step failed, retrying",
			"session_id", sessionID, "step_id", step.ID,
			"retry", retries+1, "backoff", delay, "error", err)
		if waitErr := waitBackoff(ctx, delay); waitErr != nil {
			return nil, retries, schema.NewErrorf(schema.ErrCodeStepExecution,
				"retry wait canceled: %v", waitErr).WithStep(step.ID).WithSession(sessionID).WithCause(waitErr)
		}
		retries++
	}
}

func (x *StepExecutor) executeOnce(ctx context.Context, step schema.Step, ec *schema.ExecutionContext, sessionID string) (*schema.StepResult, error) {
	scope := renderScope(ec)

	switch step.Type {
	case schema.StepTypeAIPrompt:
		return x.executeAIPrompt(ctx, step, scope, sessionID)
	case schema.StepTypeScript:
		return x.executeScript(ctx, step, scope, sessionID)
	case schema.StepTypeValidation:
		return x.executeValidation(step, scope, sessionID)
	case schema.StepTypeLoop:
		return x.executeLoop(ctx, step, ec, scope, sessionID)
	case schema.StepTypeConditional:
		return x.executeConditional(ctx, step, ec, scope, sessionID)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "unknown step type %q", step.Type).
			WithStep(step.ID).WithSession(sessionID)
	}
}

func (x *StepExecutor) executeAIPrompt(ctx context.Context, step schema.Step, scope map[string]any, sessionID string) (*schema.StepResult, error) {
	prompt, err := x.templates.Render(step.Template, scope)
	if err != nil {
		return nil, wrapStepErr(err, step.ID, sessionID)
	}
	response, err := x.ai.Send(ctx, prompt, step.Agent)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAICommunication, "agent request: %v", err).
			WithStep(step.ID).WithSession(sessionID).WithCause(err)
	}
	return &schema.StepResult{
		Outputs: map[string]any{
			"response": response,
			"prompt":   prompt,
		},
		ShouldContinue: true,
	}, nil
}

func (x *StepExecutor) executeScript(ctx context.Context, step schema.Step, scope map[string]any, sessionID string) (*schema.StepResult, error) {
	command, err := x.templates.Render(step.Command, scope)
	if err != nil {
		return nil, wrapStepErr(err, step.ID, sessionID)
	}

	result, err := x.shell.Run(ctx, command)
	if err != nil {
		return nil, wrapStepErr(err, step.ID, sessionID)
	}

	expected := 0
	if step.ExpectedExitCode != nil {
		expected = *step.ExpectedExitCode
	}
	if result.ExitCode != expected {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution,
			"command exited with code %d, expected %d: %s", result.ExitCode, expected, result.Stderr).
			WithStep(step.ID).WithSession(sessionID)
	}

	return &schema.StepResult{
		Outputs: map[string]any{
			"stdout":   result.Stdout,
			"stderr":   result.Stderr,
			"exitCode": float64(result.ExitCode),
			"command":  command,
		},
		ShouldContinue: true,
	}, nil
}

func (x *StepExecutor) executeValidation(step schema.Step, scope map[string]any, sessionID string) (*schema.StepResult, error) {
	condition, err := x.renderCondition(step, scope, sessionID)
	if err != nil {
		return nil, err
	}
	ok, err := expr.Evaluate(condition, scope)
	if err != nil {
		return nil, wrapStepErr(err, step.ID, sessionID)
	}
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "validation failed: %s", condition).
			WithStep(step.ID).WithSession(sessionID)
	}
	return &schema.StepResult{
		Outputs: map[string]any{
			"validated": true,
			"condition": condition,
		},
		ShouldContinue: true,
	}, nil
}

// renderCondition interpolates the condition text before evaluation so
// conditions can reference variables as template placeholders.
func (x *StepExecutor) renderCondition(step schema.Step, scope map[string]any, sessionID string) (string, error) {
	condition, err := x.templates.Render(step.Condition, scope)
	if err != nil {
		return "", wrapStepErr(err, step.ID, sessionID)
	}
	return condition, nil
}

// executeLoop iterates a collection, running the nested steps once per
// item with item/index/first/last bound into a derived context. Nested
// outputs merge into the loop's working variables; each iteration's
// accumulated outputs surface in the per-iteration records.
func (x *StepExecutor) executeLoop(ctx context.Context, step schema.Step, ec *schema.ExecutionContext, scope map[string]any, sessionID string) (*schema.StepResult, error) {
	collection, _ := expr.LookupPath(scope, step.Items)
	items, ok := collection.([]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "loop items %q did not resolve to an array", step.Items).
			WithStep(step.ID).WithSession(sessionID)
	}

	records := make([]any, 0, len(items))
	for i, item := range items {
		derived := &schema.ExecutionContext{
			Inputs:    ec.Inputs,
			Variables: cloneVars(ec.Variables),
			Outputs:   ec.Outputs,
		}
		derived.Variables["item"] = item
		derived.Variables["index"] = float64(i)
		derived.Variables["first"] = i == 0
		derived.Variables["last"] = i == len(items)-1

		iterOutputs := map[string]any{}
		err := runChildren(step.Steps, func(nested schema.Step) (*schema.StepResult, error) {
			result, _, err := x.ExecuteStep(ctx, nested, derived, sessionID)
			return result, err
		}, func(outputs map[string]any) {
			for k, v := range outputs {
				derived.Variables[k] = v
				iterOutputs[k] = v
			}
		})
		if err != nil {
			return nil, err
		}
		records = append(records, map[string]any{
			"index":   float64(i),
			"item":    item,
			"outputs": iterOutputs,
		})
	}

	return &schema.StepResult{
		Outputs: map[string]any{
			"iterations":  records,
			"total_count": float64(len(items)),
		},
		ShouldContinue: true,
	}, nil
}

// executeConditional evaluates the condition and, when it holds, runs the
// nested steps against the parent context with their outputs collected
// under the "outputs" key.
func (x *StepExecutor) executeConditional(ctx context.Context, step schema.Step, ec *schema.ExecutionContext, scope map[string]any, sessionID string) (*schema.StepResult, error) {
	condition, err := x.renderCondition(step, scope, sessionID)
	if err != nil {
		return nil, err
	}
	ok, err := expr.Evaluate(condition, scope)
	if err != nil {
		return nil, wrapStepErr(err, step.ID, sessionID)
	}

	nestedOutputs := map[string]any{}
	if ok {
		derived := &schema.ExecutionContext{
			Inputs:    ec.Inputs,
			Variables: cloneVars(ec.Variables),
			Outputs:   ec.Outputs,
		}
		err := runChildren(step.Steps, func(nested schema.Step) (*schema.StepResult, error) {
			result, _, err := x.ExecuteStep(ctx, nested, derived, sessionID)
			return result, err
		}, func(outputs map[string]any) {
			for k, v := range outputs {
				derived.Variables[k] = v
				nestedOutputs[k] = v
			}
		})
		if err != nil {
			return nil, err
		}
	}

	return &schema.StepResult{
		Outputs: map[string]any{
			"condition": condition,
			"executed":  ok,
			"outputs":   nestedOutputs,
		},
		ShouldContinue: true,
	}, nil
}

// runChildren executes nested steps in order, handing each child's
// outputs to merge. A child returning ShouldContinue=false stops the
// remaining children.
func runChildren(steps []schema.Step, run func(schema.Step) (*schema.StepResult, error), merge func(map[string]any)) error {
	for _, nested := range steps {
		result, err := run(nested)
		if err != nil {
			return err
		}
		merge(result.Outputs)
		if !result.ShouldContinue {
			return nil
		}
	}
	return nil
}

// renderScope flattens the execution context for templates and
// expressions: inputs first, variables overriding, with the three
// sections also reachable by name.
func renderScope(ec *schema.ExecutionContext) map[string]any {
	scope := make(map[string]any, len(ec.Inputs)+len(ec.Variables)+3)
	for k, v := range ec.Inputs {
		scope[k] = v
	}
	for k, v := range ec.Variables {
		scope[k] = v
	}
	scope["inputs"] = ec.Inputs
	scope["variables"] = ec.Variables
	scope["outputs"] = ec.Outputs
	return scope
}

func cloneVars(vars map[string]any) map[string]any {
	clone := make(map[string]any, len(vars)+4)
	for k, v := range vars {
		clone[k] = v
	}
	return clone
}

func wrapStepErr(err error, stepID, sessionID string) error {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe.WithStep(stepID).WithSession(sessionID)
	}
	return schema.NewErrorf(schema.ErrCodeStepExecution, "%v", err).
		WithStep(stepID).WithSession(sessionID).WithCause(err)
}
