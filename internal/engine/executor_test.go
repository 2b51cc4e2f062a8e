package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atniptw/stepflow/internal/ai"
	"github.com/atniptw/stepflow/internal/shell"
	"github.com/atniptw/stepflow/internal/template"
	"github.com/atniptw/stepflow/pkg/schema"
)

// fakeRunner returns canned results per call and counts invocations.
type fakeRunner struct {
	results []shell.Result
	errs    []error
	calls   int
}

func (f *fakeRunner) Run(_ context.Context, _ string) (*shell.Result, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.results) {
		r := f.results[i]
		return &r, nil
	}
	return &shell.Result{}, nil
}

func newTestExecutor(runner shell.Runner) *StepExecutor {
	return NewStepExecutor(template.NewEngine(), ai.EchoProvider{}, runner, nil)
}

func testContext(vars map[string]any) *schema.ExecutionContext {
	ec := schema.NewExecutionContext(nil)
	for k, v := range vars {
		ec.Variables[k] = v
	}
	return ec
}

func TestExecuteStep_AIPrompt(t *testing.T) {
	x := newTestExecutor(&fakeRunner{})
	ec := testContext(map[string]any{"name": "alice"})

	result, retries, err := x.ExecuteStep(context.Background(), schema.Step{
		ID:       "greet",
		Type:     schema.StepTypeAIPrompt,
		Agent:    "writer",
		Template: "say hi to ${name}",
	}, ec, "sess-1")
	require.NoError(t, err)
	assert.Zero(t, retries)
	assert.Equal(t, "say hi to alice", result.Outputs["prompt"])
	assert.Equal(t, "[writer] say hi to alice", result.Outputs["response"])
	assert.True(t, result.ShouldContinue)
}

func TestExecuteStep_Script(t *testing.T) {
	runner := &fakeRunner{results: []shell.Result{{Stdout: "done", ExitCode: 0}}}
	x := newTestExecutor(runner)

	result, _, err := x.ExecuteStep(context.Background(), schema.Step{
		ID:      "build",
		Type:    schema.StepTypeScript,
		Command: "make ${target}",
	}, testContext(map[string]any{"target": "all"}), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "done", result.Outputs["stdout"])
	assert.Equal(t, float64(0), result.Outputs["exitCode"])
	assert.Equal(t, "make all", result.Outputs["command"])
}

func TestExecuteStep_Script_ExpectedExitCode(t *testing.T) {
	expected := 2
	runner := &fakeRunner{results: []shell.Result{{ExitCode: 2}}}
	x := newTestExecutor(runner)

	_, _, err := x.ExecuteStep(context.Background(), schema.Step{
		ID:               "check",
		Type:             schema.StepTypeScript,
		Command:          "grep pattern file",
		ExpectedExitCode: &expected,
	}, testContext(nil), "sess-1")
	assert.NoError(t, err)

	// Default expectation is zero, so exit 2 fails.
	runner = &fakeRunner{results: []shell.Result{{ExitCode: 2, Stderr: "boom"}}}
	x = newTestExecutor(runner)
	_, _, err = x.ExecuteStep(context.Background(), schema.Step{
		ID:      "check",
		Type:    schema.StepTypeScript,
		Command: "grep pattern file",
	}, testContext(nil), "sess-1")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStepExecution, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "exited with code 2")
}

func TestExecuteStep_Validation(t *testing.T) {
	x := newTestExecutor(&fakeRunner{})
	ec := testContext(map[string]any{"count": float64(5)})

	result, _, err := x.ExecuteStep(context.Background(), schema.Step{
		ID:        "gate",
		Type:      schema.StepTypeValidation,
		Condition: "count > 3",
	}, ec, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, true, result.Outputs["validated"])
	assert.Equal(t, "count > 3", result.Outputs["condition"])

	_, _, err = x.ExecuteStep(context.Background(), schema.Step{
		ID:        "gate",
		Type:      schema.StepTypeValidation,
		Condition: "count > 10",
	}, ec, "sess-1")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "count > 10")
}

func TestExecuteStep_Loop(t *testing.T) {
	runner := &fakeRunner{results: []shell.Result{
		{Stdout: "a"}, {Stdout: "b"}, {Stdout: "c"},
	}}
	x := newTestExecutor(runner)
	ec := testContext(map[string]any{"files": []any{"f1", "f2", "f3"}})

	result, _, err := x.ExecuteStep(context.Background(), schema.Step{
		ID:    "each-file",
		Type:  schema.StepTypeLoop,
		Items: "files",
		Steps: []schema.Step{
			{ID: "touch", Type: schema.StepTypeScript, Command: "process ${item} at ${index}"},
		},
	}, ec, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, float64(3), result.Outputs["total_count"])
	assert.Equal(t, 3, runner.calls)

	// One record per iteration carrying the item, its index and the
	// outputs accumulated by the nested steps.
	records, ok := result.Outputs["iterations"].([]any)
	require.True(t, ok)
	require.Len(t, records, 3)
	for i, want := range []string{"a", "b", "c"} {
		record, ok := records[i].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, float64(i), record["index"])
		assert.Equal(t, []any{"f1", "f2", "f3"}[i], record["item"])
		outputs, ok := record["outputs"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, want, outputs["stdout"])
	}

	// Loop bindings stay out of the parent context.
	assert.NotContains(t, ec.Variables, "item")
}

func TestExecuteStep_Validation_TemplatedCondition(t *testing.T) {
	x := newTestExecutor(&fakeRunner{})
	ec := testContext(map[string]any{"count": float64(5), "min": float64(3)})

	// The condition interpolates before evaluation, so placeholders
	// resolve instead of reaching the expression parser.
	result, _, err := x.ExecuteStep(context.Background(), schema.Step{
		ID:        "gate",
		Type:      schema.StepTypeValidation,
		Condition: "count > ${min}",
	}, ec, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, true, result.Outputs["validated"])
	assert.Equal(t, "count > 3", result.Outputs["condition"])
}

func TestExecuteStep_Conditional_TemplatedCondition(t *testing.T) {
	runner := &fakeRunner{results: []shell.Result{{Stdout: "ran"}}}
	x := newTestExecutor(runner)
	ec := testContext(map[string]any{"env": "prod", "target": "prod"})

	result, _, err := x.ExecuteStep(context.Background(), schema.Step{
		ID:        "maybe",
		Type:      schema.StepTypeConditional,
		Condition: "env == '${target}'",
		Steps: []schema.Step{
			{ID: "ship", Type: schema.StepTypeScript, Command: "ship it"},
		},
	}, ec, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, true, result.Outputs["executed"])
	assert.Equal(t, "env == 'prod'", result.Outputs["condition"])
	assert.Equal(t, 1, runner.calls)
}

func TestRunChildren_StopsWhenChildHalts(t *testing.T) {
	steps := []schema.Step{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	var ran []string
	merged := map[string]any{}

	err := runChildren(steps, func(s schema.Step) (*schema.StepResult, error) {
		ran = append(ran, s.ID)
		return &schema.StepResult{
			Outputs:        map[string]any{s.ID: "done"},
			ShouldContinue: s.ID != "b",
		}, nil
	}, func(outputs map[string]any) {
		for k, v := range outputs {
			merged[k] = v
		}
	})
	require.NoError(t, err)

	// The halting child's outputs still merge; the remaining child never runs.
	assert.Equal(t, []string{"a", "b"}, ran)
	assert.Equal(t, map[string]any{"a": "done", "b": "done"}, merged)
}

func TestExecuteStep_Loop_NonArrayFails(t *testing.T) {
	x := newTestExecutor(&fakeRunner{})
	_, _, err := x.ExecuteStep(context.Background(), schema.Step{
		ID:    "bad-loop",
		Type:  schema.StepTypeLoop,
		Items: "missing",
	}, testContext(nil), "sess-1")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStepExecution, schema.CodeOf(err))
}

func TestExecuteStep_Conditional(t *testing.T) {
	runner := &fakeRunner{results: []shell.Result{{Stdout: "ran"}}}
	x := newTestExecutor(runner)
	ec := testContext(map[string]any{"deploy": true})

	result, _, err := x.ExecuteStep(context.Background(), schema.Step{
		ID:        "maybe-deploy",
		Type:      schema.StepTypeConditional,
		Condition: "deploy",
		Steps: []schema.Step{
			{ID: "ship", Type: schema.StepTypeScript, Command: "ship it"},
		},
	}, ec, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, true, result.Outputs["executed"])
	nested, ok := result.Outputs["outputs"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ran", nested["stdout"])

	// False condition skips the branch without error.
	ec.Variables["deploy"] = false
	result, _, err = x.ExecuteStep(context.Background(), schema.Step{
		ID:        "maybe-deploy",
		Type:      schema.StepTypeConditional,
		Condition: "deploy",
		Steps: []schema.Step{
			{ID: "ship", Type: schema.StepTypeScript, Command: "ship it"},
		},
	}, ec, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, false, result.Outputs["executed"])
	assert.Equal(t, 1, runner.calls)
}

func TestExecuteStep_UnknownType(t *testing.T) {
	x := newTestExecutor(&fakeRunner{})
	_, _, err := x.ExecuteStep(context.Background(), schema.Step{
		ID:   "odd",
		Type: schema.StepType("mystery"),
	}, testContext(nil), "sess-1")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStepExecution, schema.CodeOf(err))
}

func TestExecuteStep_RetryCeiling(t *testing.T) {
	backoff := 0
	runner := &fakeRunner{errs: []error{
		errors.New("connection timeout"),
		errors.New("connection timeout"),
		errors.New("connection timeout"),
		errors.New("connection timeout"),
	}}
	x := newTestExecutor(runner)

	_, retries, err := x.ExecuteStep(context.Background(), schema.Step{
		ID:      "flaky",
		Type:    schema.StepTypeScript,
		Command: "curl host",
		RetryPolicy: &schema.RetryPolicy{
			MaxAttempts: 2,
			BackoffMs:   &backoff,
			RetryOn:     []schema.ErrorPattern{schema.ErrorPatternTimeout},
		},
	}, testContext(nil), "sess-1")
	require.Error(t, err)
	// maxAttempts bounds the retries, so the step runs 1 + 2 times.
	assert.Equal(t, 2, retries)
	assert.Equal(t, 3, runner.calls)
}

func TestExecuteStep_RetryOnlyOnMatchingPattern(t *testing.T) {
	backoff := 0
	runner := &fakeRunner{errs: []error{errors.New("authentication rejected")}}
	x := newTestExecutor(runner)

	_, retries, err := x.ExecuteStep(context.Background(), schema.Step{
		ID:      "fetch",
		Type:    schema.StepTypeScript,
		Command: "curl host",
		RetryPolicy: &schema.RetryPolicy{
			MaxAttempts: 3,
			BackoffMs:   &backoff,
			RetryOn:     []schema.ErrorPattern{schema.ErrorPatternTimeout},
		},
	}, testContext(nil), "sess-1")
	require.Error(t, err)
	assert.Zero(t, retries)
	assert.Equal(t, 1, runner.calls)
}

func TestExecuteStep_RetryThenSucceed(t *testing.T) {
	backoff := 0
	runner := &fakeRunner{
		errs:    []error{errors.New("service unavailable"), nil},
		results: []shell.Result{{}, {Stdout: "ok"}},
	}
	x := newTestExecutor(runner)

	result, retries, err := x.ExecuteStep(context.Background(), schema.Step{
		ID:      "fetch",
		Type:    schema.StepTypeScript,
		Command: "curl host",
		RetryPolicy: &schema.RetryPolicy{
			MaxAttempts: 3,
			BackoffMs:   &backoff,
		},
	}, testContext(nil), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 1, retries)
	assert.Equal(t, "ok", result.Outputs["stdout"])
}
