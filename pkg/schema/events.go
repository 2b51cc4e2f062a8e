package schema

import "time"

// Event type constants for workflow lifecycle events.
const (
	EventStarted       = "started"
	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventPaused        = "paused"
	EventResumed       = "resumed"
	EventCompleted     = "completed"
	EventFailed        = "failed"
)

// Event is a lifecycle event emitted by the workflow engine. Only the
// fields relevant to the event type are populated:
//
//	started        SessionID, WorkflowID
//	step_started   SessionID, StepID
//	step_completed SessionID, StepID, Outputs
//	step_failed    SessionID, StepID, Error
//	paused         SessionID, StepIndex
//	resumed        SessionID, StepIndex
//	completed      SessionID, Outputs
//	failed         SessionID, Error
type Event struct {
	Type       string         `json:"type"`
	SessionID  string         `json:"session_id"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	StepID     string         `json:"step_id,omitempty"`
	StepIndex  int            `json:"step_index,omitempty"`
	Outputs    map[string]any `json:"outputs,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}
