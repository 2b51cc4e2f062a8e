// Package engine drives workflow execution: it owns the session
// lifecycle, dispatches steps to the executor, merges step outputs into
// the execution context and emits lifecycle events.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/atniptw/stepflow/internal/events"
	"github.com/atniptw/stepflow/internal/logging"
	"github.com/atniptw/stepflow/internal/state"
	"github.com/atniptw/stepflow/pkg/schema"
)

// errPaused stops the step loop when the session was paused externally.
var errPaused = errors.New("session paused")

// WorkflowLoader resolves a workflow definition by ID, used when resuming
// a session whose workflow is not in hand.
type WorkflowLoader interface {
	LoadWorkflowByID(id string) (*schema.Workflow, error)
}

// Deps carries the engine's collaborators.
type Deps struct {
	State    *state.Manager
	Executor *StepExecutor
	Hub      events.Hub
	Loader   WorkflowLoader
	Logger   *slog.Logger
}

// Engine executes workflows against persisted sessions.
type Engine struct {
	state    *state.Manager
	executor *StepExecutor
	hub      events.Hub
	loader   WorkflowLoader
	logger   *slog.Logger
	now      func() time.Time
}

// New builds an engine from its dependencies.
func New(deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		state:    deps.State,
		executor: deps.Executor,
		hub:      deps.Hub,
		loader:   deps.Loader,
		logger:   logger,
		now:      time.Now,
	}
}

// Execute runs a workflow from the beginning in a fresh session. It
// returns the final session state; a step failure marks the session
// failed and surfaces a workflow error.
func (e *Engine) Execute(ctx context.Context, workflow *schema.Workflow, inputs map[string]any) (*schema.SessionState, error) {
	resolved, err := resolveInputs(workflow, inputs)
	if err != nil {
		return nil, err
	}

	st, err := e.state.CreateSession(workflow.ID, resolved)
	if err != nil {
		return nil, err
	}

	ctx = logging.WithSessionID(ctx, st.SessionID)
	ctx = logging.WithWorkflowID(ctx, workflow.ID)

	e.publish(ctx, schema.Event{
		Type:       schema.EventStarted,
		SessionID:  st.SessionID,
		WorkflowID: workflow.ID,
	})

	return e.run(ctx, workflow, st.SessionID)
}

// Resume continues a paused session from its current step index.
func (e *Engine) Resume(ctx context.Context, sessionID string) (*schema.SessionState, error) {
	st, err := e.state.LoadSession(sessionID, schema.SessionStatusPaused)
	if err != nil {
		return nil, err
	}

	workflow, err := e.loader.LoadWorkflowByID(st.WorkflowID)
	if err != nil {
		werr := schema.NewErrorf(schema.ErrCodeWorkflow, "resume: load workflow: %v", err).
			WithSession(sessionID).WithWorkflow(st.WorkflowID).WithCause(err)
		if _, stErr := e.state.UpdateSessionStatus(sessionID, schema.SessionStatusFailed); stErr != nil {
			e.logger.Error("failed to mark session failed", "session_id", sessionID, "error", stErr)
		}
		e.publish(ctx, schema.Event{
			Type:      schema.EventFailed,
			SessionID: sessionID,
			Error:     werr.Error(),
		})
		return nil, werr
	}

	if _, err := e.state.UpdateSessionStatus(sessionID, schema.SessionStatusRunning); err != nil {
		return nil, err
	}

	ctx = logging.WithSessionID(ctx, sessionID)
	ctx = logging.WithWorkflowID(ctx, st.WorkflowID)

	e.publish(ctx, schema.Event{
		Type:      schema.EventResumed,
		SessionID: sessionID,
		StepIndex: st.CurrentStepIndex,
	})

	return e.run(ctx, workflow, sessionID)
}

// Pause marks a running session paused. The step loop observes the new
// status before starting the next step.
func (e *Engine) Pause(ctx context.Context, sessionID string) (*schema.SessionState, error) {
	if _, err := e.state.LoadSession(sessionID, schema.SessionStatusRunning); err != nil {
		return nil, err
	}
	st, err := e.state.UpdateSessionStatus(sessionID, schema.SessionStatusPaused)
	if err != nil {
		return nil, err
	}
	e.publish(ctx, schema.Event{
		Type:      schema.EventPaused,
		SessionID: sessionID,
		StepIndex: st.CurrentStepIndex,
	})
	return st, nil
}

// GetStatus loads a session by ID. Absence is a signal, not an error.
func (e *Engine) GetStatus(sessionID string) (*schema.SessionState, bool) {
	st, err := e.state.LoadSession(sessionID)
	if err != nil {
		if !schema.IsNotFound(err) {
			e.logger.Warn("failed to load session", "session_id", sessionID, "error", err)
		}
		return nil, false
	}
	return st, true
}

// ListSessions returns session summaries, optionally filtered by status.
func (e *Engine) ListSessions(statuses ...schema.SessionStatus) ([]schema.SessionInfo, error) {
	return e.state.ListSessions(statuses...)
}

// Cleanup removes old finished sessions per the options.
func (e *Engine) Cleanup(opts state.CleanupOptions) (*state.CleanupResult, error) {
	return e.state.CleanupSessions(opts)
}

func (e *Engine) run(ctx context.Context, workflow *schema.Workflow, sessionID string) (*schema.SessionState, error) {
	err := e.runSteps(ctx, workflow, sessionID)
	if errors.Is(err, errPaused) {
		return e.state.LoadSession(sessionID, schema.SessionStatusPaused)
	}
	if err != nil {
		if _, stErr := e.state.UpdateSessionStatus(sessionID, schema.SessionStatusFailed); stErr != nil {
			e.logger.Error("failed to mark session failed", "session_id", sessionID, "error", stErr)
		}
		e.publish(ctx, schema.Event{
			Type:      schema.EventFailed,
			SessionID: sessionID,
			Error:     err.Error(),
		})
		var fe *schema.FlowError
		if errors.As(err, &fe) {
			return nil, fe.WithWorkflow(workflow.ID)
		}
		return nil, schema.NewErrorf(schema.ErrCodeWorkflow, "workflow failed: %v", err).
			WithSession(sessionID).WithWorkflow(workflow.ID).WithCause(err)
	}

	st, err := e.finalize(workflow, sessionID)
	if err != nil {
		return nil, err
	}
	e.publish(ctx, schema.Event{
		Type:      schema.EventCompleted,
		SessionID: sessionID,
		Outputs:   st.Outputs,
	})
	return st, nil
}

// runSteps executes steps from the session's current index. Each
// iteration reloads the session so an external pause takes effect at the
// next step boundary.
func (e *Engine) runSteps(ctx context.Context, workflow *schema.Workflow, sessionID string) error {
	for {
		if err := ctx.Err(); err != nil {
			return schema.NewErrorf(schema.ErrCodeWorkflow, "execution canceled: %v", err).
				WithSession(sessionID).WithCause(err)
		}

		st, err := e.state.LoadSession(sessionID)
		if err != nil {
			return err
		}
		if st.Status == schema.SessionStatusPaused {
			return errPaused
		}
		if st.CurrentStepIndex >= len(workflow.Steps) {
			return nil
		}

		step := workflow.Steps[st.CurrentStepIndex]
		stepCtx := logging.WithStepID(ctx, step.ID)
		started := e.now().UTC()

		e.publish(stepCtx, schema.Event{
			Type:      schema.EventStepStarted,
			SessionID: sessionID,
			StepID:    step.ID,
		})
		e.logger.InfoContext(stepCtx, "step started", "step_index", st.CurrentStepIndex)

		result, retries, err := e.executor.ExecuteStep(stepCtx, step, st.Context, sessionID)
		completed := e.now().UTC()

		if err != nil {
			if _, recErr := e.state.AddStepExecution(sessionID, schema.StepExecution{
				StepID:      step.ID,
				StartedAt:   started,
				CompletedAt: &completed,
				Status:      schema.ExecutionStatusFailed,
				Error:       err.Error(),
				RetryCount:  retries,
			}); recErr != nil {
				e.logger.Error("failed to record step failure", "session_id", sessionID, "error", recErr)
			}
			e.publish(stepCtx, schema.Event{
				Type:      schema.EventStepFailed,
				SessionID: sessionID,
				StepID:    step.ID,
				Error:     err.Error(),
			})
			return err
		}

		merged := cloneVars(st.Context.Variables)
		for k, v := range result.Outputs {
			merged[k] = v
		}
		if _, err := e.state.UpdateContext(sessionID, map[string]any{"variables": merged}); err != nil {
			return err
		}
		if _, err := e.state.AddStepExecution(sessionID, schema.StepExecution{
			StepID:      step.ID,
			StartedAt:   started,
			CompletedAt: &completed,
			Status:      schema.ExecutionStatusSuccess,
			Outputs:     result.Outputs,
			RetryCount:  retries,
		}); err != nil {
			return err
		}

		e.publish(stepCtx, schema.Event{
			Type:      schema.EventStepCompleted,
			SessionID: sessionID,
			StepID:    step.ID,
			Outputs:   result.Outputs,
		})

		if !result.ShouldContinue {
			return nil
		}
		if result.NextStepIndex != nil {
			if err := e.setStepIndex(sessionID, *result.NextStepIndex); err != nil {
				return err
			}
		}
	}
}

// finalize projects declared workflow outputs from the variable bag and
// moves the session to completed.
func (e *Engine) finalize(workflow *schema.Workflow, sessionID string) (*schema.SessionState, error) {
	st, err := e.state.LoadSession(sessionID)
	if err != nil {
		return nil, err
	}

	outputs := map[string]any{}
	for _, decl := range workflow.Outputs {
		if v, ok := st.Context.Variables[decl.Name]; ok {
			outputs[decl.Name] = v
		}
	}
	st.Outputs = outputs
	st.Context.Outputs = outputs
	if err := e.state.SaveSession(st); err != nil {
		return nil, err
	}
	return e.state.UpdateSessionStatus(sessionID, schema.SessionStatusCompleted)
}

func (e *Engine) setStepIndex(sessionID string, index int) error {
	st, err := e.state.LoadSession(sessionID)
	if err != nil {
		return err
	}
	st.CurrentStepIndex = index
	return e.state.SaveSession(st)
}

func (e *Engine) publish(ctx context.Context, event schema.Event) {
	if e.hub == nil {
		return
	}
	event.Timestamp = e.now().UTC()
	if err := e.hub.Publish(ctx, event); err != nil {
		e.logger.Warn("failed to publish event", "event_type", event.Type, "error", err)
	}
}

// resolveInputs checks required inputs and applies declared defaults.
func resolveInputs(workflow *schema.Workflow, inputs map[string]any) (map[string]any, error) {
	resolved := make(map[string]any, len(inputs))
	for k, v := range inputs {
		resolved[k] = v
	}
	for _, decl := range workflow.Inputs {
		if _, ok := resolved[decl.Name]; ok {
			continue
		}
		if decl.Default != nil {
			resolved[decl.Name] = decl.Default
			continue
		}
		if decl.Required {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "missing required input %q", decl.Name).
				WithWorkflow(workflow.ID)
		}
	}
	return resolved, nil
}
