package schema

import "time"

// Workflow is a validated workflow definition. The engine treats it as
// immutable for the duration of a run; loading and validation happen in
// the loader before a Workflow ever reaches the engine.
type Workflow struct {
	ID          string      `json:"id"`
	Name        string      `json:"name,omitempty"`
	Description string      `json:"description,omitempty"`
	Version     string      `json:"version,omitempty"`
	Steps       []Step      `json:"steps"`
	Inputs      []ParamDecl `json:"inputs,omitempty"`
	Outputs     []ParamDecl `json:"outputs,omitempty"`
}

// ParamDecl declares a workflow input or output parameter.
type ParamDecl struct {
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
	Default     any    `json:"default,omitempty"`
}

// StepType enumerates the kinds of steps in a workflow.
type StepType string

const (
	StepTypeAIPrompt    StepType = "ai-prompt"
	StepTypeScript      StepType = "script"
	StepTypeValidation  StepType = "validation"
	StepTypeLoop        StepType = "loop"
	StepTypeConditional StepType = "conditional"
)

// Step describes a single step in a workflow. Which fields are meaningful
// depends on Type; the loader enforces the per-type required fields so the
// executor can assume a well-formed step.
type Step struct {
	ID   string   `json:"id"`
	Type StepType `json:"type"`

	// ai-prompt
	Agent    string `json:"agent,omitempty"`
	Template string `json:"template,omitempty"`

	// script
	Command          string `json:"command,omitempty"`
	ExpectedExitCode *int   `json:"expectedExitCode,omitempty"`

	// validation, conditional
	Condition string `json:"condition,omitempty"`

	// loop
	Items string `json:"items,omitempty"`

	// loop, conditional (nested step tree, not a cycle)
	Steps []Step `json:"steps,omitempty"`

	RetryPolicy *RetryPolicy `json:"retryPolicy,omitempty"`
}

// RetryPolicy configures retry behavior for a step.
// A nil BackoffMs means "not specified" and falls back to 1000ms.
// An empty RetryOn means "retry on any error".
type RetryPolicy struct {
	MaxAttempts int            `json:"maxAttempts"`
	BackoffMs   *int           `json:"backoffMs,omitempty"`
	RetryOn     []ErrorPattern `json:"retryOn,omitempty"`
}

// ErrorPattern is a closed enum of retryable error classifications.
type ErrorPattern string

const (
	ErrorPatternTimeout             ErrorPattern = "timeout"
	ErrorPatternNetwork             ErrorPattern = "network_error"
	ErrorPatternRateLimit           ErrorPattern = "rate_limit"
	ErrorPatternServerError         ErrorPattern = "server_error"
	ErrorPatternAuthentication      ErrorPattern = "authentication_error"
	ErrorPatternValidation          ErrorPattern = "validation_error"
	ErrorPatternResourceUnavailable ErrorPattern = "resource_unavailable"
	ErrorPatternTemporaryFailure    ErrorPattern = "temporary_failure"
)

// ExecutionContext is the mutable variable bag threaded through a session's
// step execution. Inputs are fixed at session creation; Variables grow as
// step outputs merge in; Outputs hold final workflow-level results.
// Values are JSON value trees (nil, bool, float64, string, []any,
// map[string]any) since workflow data is user-authored YAML/JSON.
type ExecutionContext struct {
	Inputs    map[string]any `json:"inputs"`
	Variables map[string]any `json:"variables"`
	Outputs   map[string]any `json:"outputs"`
}

// NewExecutionContext builds a fresh context with the given inputs.
func NewExecutionContext(inputs map[string]any) *ExecutionContext {
	if inputs == nil {
		inputs = map[string]any{}
	}
	return &ExecutionContext{
		Inputs:    inputs,
		Variables: map[string]any{},
		Outputs:   map[string]any{},
	}
}

// ExecutionStatus is the outcome of a single step execution.
type ExecutionStatus string

const (
	ExecutionStatusSuccess ExecutionStatus = "success"
	ExecutionStatusFailed  ExecutionStatus = "failed"
	ExecutionStatusSkipped ExecutionStatus = "skipped"
	ExecutionStatusPending ExecutionStatus = "pending"
)

// StepExecution is a history record of one step attempt. Records are
// appended to the session state and never mutated once written.
type StepExecution struct {
	StepID      string          `json:"stepId"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	Status      ExecutionStatus `json:"status"`
	Inputs      map[string]any  `json:"inputs,omitempty"`
	Outputs     map[string]any  `json:"outputs,omitempty"`
	Error       string          `json:"error,omitempty"`
	RetryCount  int             `json:"retryCount,omitempty"`
}

// SessionStatus is the lifecycle state of a workflow session. It determines
// which on-disk partition holds the session file.
type SessionStatus string

const (
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusPaused    SessionStatus = "paused"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
)

// SessionState is the persisted unit of workflow execution state.
// Invariants: CurrentStepIndex == len(StepExecutions) after a successful
// step append; UpdatedAt is non-decreasing across saves; at most one
// on-disk copy exists per SessionID once a status move completes.
type SessionState struct {
	SessionID        string            `json:"sessionId"`
	WorkflowID       string            `json:"workflowId"`
	Status           SessionStatus     `json:"status"`
	Inputs           map[string]any    `json:"inputs"`
	Context          *ExecutionContext `json:"context"`
	Outputs          map[string]any    `json:"outputs"`
	StepExecutions   []StepExecution   `json:"stepExecutions"`
	CurrentStepIndex int               `json:"currentStepIndex"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
	Metadata         map[string]any    `json:"metadata,omitempty"`
}

// SessionInfo is a lightweight session summary for listings.
type SessionInfo struct {
	SessionID        string        `json:"sessionId"`
	WorkflowID       string        `json:"workflowId"`
	Status           SessionStatus `json:"status"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
	CurrentStepIndex int           `json:"currentStepIndex"`
	TotalSteps       int           `json:"totalSteps"`
}

// StepResult is returned by the step executor for a single step.
type StepResult struct {
	Outputs        map[string]any `json:"outputs"`
	ShouldContinue bool           `json:"shouldContinue"`
	NextStepIndex  *int           `json:"nextStepIndex,omitempty"`
}
