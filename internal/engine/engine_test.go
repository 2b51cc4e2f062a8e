package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atniptw/stepflow/internal/ai"
	"github.com/atniptw/stepflow/internal/events"
	"github.com/atniptw/stepflow/internal/shell"
	"github.com/atniptw/stepflow/internal/state"
	"github.com/atniptw/stepflow/internal/template"
	"github.com/atniptw/stepflow/pkg/schema"
)

type mapLoader map[string]*schema.Workflow

func (m mapLoader) LoadWorkflowByID(id string) (*schema.Workflow, error) {
	wf, ok := m[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", id)
	}
	return wf, nil
}

func newTestEngine(t *testing.T, workflows mapLoader) (*Engine, *state.Manager, *events.MemoryHub) {
	t.Helper()
	mgr := state.NewManager(t.TempDir(), nil)
	require.NoError(t, mgr.Initialize())
	hub := events.NewMemoryHub(nil)
	executor := NewStepExecutor(template.NewEngine(), ai.EchoProvider{}, &shell.LocalRunner{}, nil)
	eng := New(Deps{State: mgr, Executor: executor, Hub: hub, Loader: workflows})
	return eng, mgr, hub
}

func greetWorkflow() *schema.Workflow {
	return &schema.Workflow{
		ID: "greet",
		Inputs: []schema.ParamDecl{
			{Name: "name", Required: true},
		},
		Outputs: []schema.ParamDecl{
			{Name: "stdout"},
		},
		Steps: []schema.Step{
			{ID: "say", Type: schema.StepTypeScript, Command: "echo ${name}"},
			{ID: "check", Type: schema.StepTypeValidation, Condition: "stdout == 'hi'"},
		},
	}
}

func TestExecute_EndToEnd(t *testing.T) {
	eng, _, hub := newTestEngine(t, nil)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, events.Filter{})
	require.NoError(t, err)
	defer cancel()

	st, err := eng.Execute(ctx, greetWorkflow(), map[string]any{"name": "hi"})
	require.NoError(t, err)
	assert.Equal(t, schema.SessionStatusCompleted, st.Status)
	assert.Equal(t, "hi", st.Outputs["stdout"])
	require.Len(t, st.StepExecutions, 2)
	assert.Equal(t, schema.ExecutionStatusSuccess, st.StepExecutions[0].Status)
	assert.Equal(t, schema.ExecutionStatusSuccess, st.StepExecutions[1].Status)

	var types []string
	for len(types) < 6 {
		types = append(types, (<-ch).Type)
	}
	assert.Equal(t, []string{
		schema.EventStarted,
		schema.EventStepStarted, schema.EventStepCompleted,
		schema.EventStepStarted, schema.EventStepCompleted,
		schema.EventCompleted,
	}, types)
}

func TestExecute_StepFailureMarksSessionFailed(t *testing.T) {
	eng, mgr, hub := newTestEngine(t, nil)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, events.Filter{Types: []string{schema.EventStepFailed, schema.EventFailed}})
	require.NoError(t, err)
	defer cancel()

	_, err = eng.Execute(ctx, greetWorkflow(), map[string]any{"name": "bye"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	infos, err := mgr.ListSessions()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, schema.SessionStatusFailed, infos[0].Status)

	assert.Equal(t, schema.EventStepFailed, (<-ch).Type)
	assert.Equal(t, schema.EventFailed, (<-ch).Type)
}

func TestExecute_MissingRequiredInput(t *testing.T) {
	eng, _, _ := newTestEngine(t, nil)
	_, err := eng.Execute(context.Background(), greetWorkflow(), nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "name")
}

func TestExecute_AppliesInputDefaults(t *testing.T) {
	wf := &schema.Workflow{
		ID: "defaults",
		Inputs: []schema.ParamDecl{
			{Name: "greeting", Default: "hello"},
		},
		Steps: []schema.Step{
			{ID: "check", Type: schema.StepTypeValidation, Condition: "greeting == 'hello'"},
		},
	}
	eng, _, _ := newTestEngine(t, nil)
	st, err := eng.Execute(context.Background(), wf, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.SessionStatusCompleted, st.Status)
}

func TestPause_RequiresRunningSession(t *testing.T) {
	eng, mgr, _ := newTestEngine(t, nil)
	st, err := mgr.CreateSession("wf", nil)
	require.NoError(t, err)
	_, err = mgr.UpdateSessionStatus(st.SessionID, schema.SessionStatusCompleted)
	require.NoError(t, err)

	_, err = eng.Pause(context.Background(), st.SessionID)
	require.Error(t, err)
	assert.True(t, schema.IsNotFound(err))
}

func TestResume_ContinuesFromCurrentStep(t *testing.T) {
	wf := greetWorkflow()
	eng, mgr, _ := newTestEngine(t, mapLoader{"greet": wf})
	ctx := context.Background()

	// Build a session that already ran the first step and then paused.
	st, err := mgr.CreateSession("greet", map[string]any{"name": "hi"})
	require.NoError(t, err)
	_, err = mgr.UpdateContext(st.SessionID, map[string]any{
		"variables": map[string]any{"stdout": "hi"},
	})
	require.NoError(t, err)
	_, err = mgr.AddStepExecution(st.SessionID, schema.StepExecution{
		StepID: "say",
		Status: schema.ExecutionStatusSuccess,
	})
	require.NoError(t, err)
	_, err = mgr.UpdateSessionStatus(st.SessionID, schema.SessionStatusPaused)
	require.NoError(t, err)

	resumed, err := eng.Resume(ctx, st.SessionID)
	require.NoError(t, err)
	assert.Equal(t, schema.SessionStatusCompleted, resumed.Status)
	require.Len(t, resumed.StepExecutions, 2)
	assert.Equal(t, "check", resumed.StepExecutions[1].StepID)
}

func TestResume_WorkflowLookupFailureMarksSessionFailed(t *testing.T) {
	eng, mgr, hub := newTestEngine(t, mapLoader{})
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, events.Filter{Types: []string{schema.EventFailed}})
	require.NoError(t, err)
	defer cancel()

	st, err := mgr.CreateSession("gone", nil)
	require.NoError(t, err)
	_, err = mgr.UpdateSessionStatus(st.SessionID, schema.SessionStatusPaused)
	require.NoError(t, err)

	_, err = eng.Resume(ctx, st.SessionID)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeWorkflow, schema.CodeOf(err))

	reloaded, err := mgr.LoadSession(st.SessionID)
	require.NoError(t, err)
	assert.Equal(t, schema.SessionStatusFailed, reloaded.Status)

	event := <-ch
	assert.Equal(t, schema.EventFailed, event.Type)
	assert.Equal(t, st.SessionID, event.SessionID)
}

func TestResume_RequiresPausedSession(t *testing.T) {
	eng, mgr, _ := newTestEngine(t, mapLoader{})
	st, err := mgr.CreateSession("wf", nil)
	require.NoError(t, err)

	_, err = eng.Resume(context.Background(), st.SessionID)
	require.Error(t, err)
	assert.True(t, schema.IsNotFound(err))
}

func TestGetStatus(t *testing.T) {
	eng, mgr, _ := newTestEngine(t, nil)
	st, err := mgr.CreateSession("wf", nil)
	require.NoError(t, err)

	loaded, found := eng.GetStatus(st.SessionID)
	require.True(t, found)
	assert.Equal(t, st.SessionID, loaded.SessionID)

	_, found = eng.GetStatus("missing")
	assert.False(t, found)
}
