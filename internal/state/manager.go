// Package state persists workflow sessions as JSON files partitioned by
// status. A session lives in exactly one of the running/, paused/,
// completed/ or failed/ directories; status transitions move the file.
package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/atniptw/stepflow/pkg/schema"
)

var partitions = []schema.SessionStatus{
	schema.SessionStatusRunning,
	schema.SessionStatusPaused,
	schema.SessionStatusCompleted,
	schema.SessionStatusFailed,
}

// Manager stores session state under a base directory.
type Manager struct {
	baseDir string
	logger  *slog.Logger
	now     func() time.Time
}

// NewManager returns a manager rooted at baseDir. Call Initialize before
// first use.
func NewManager(baseDir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{baseDir: baseDir, logger: logger, now: time.Now}
}

// Initialize creates the base directory and one subdirectory per status.
func (m *Manager) Initialize() error {
	for _, status := range partitions {
		if err := os.MkdirAll(m.statusDir(status), 0o755); err != nil {
			return schema.NewErrorf(schema.ErrCodeState, "create state directory: %v", err).
				WithOp(schema.OpWrite).WithCause(err)
		}
	}
	return nil
}

// CreateSession builds a new running session for the workflow, persists it
// and returns it. The session ID is a fresh UUID.
func (m *Manager) CreateSession(workflowID string, inputs map[string]any) (*schema.SessionState, error) {
	now := m.now().UTC()
	state := &schema.SessionState{
		SessionID:  uuid.New().String(),
		WorkflowID: workflowID,
		Status:     schema.SessionStatusRunning,
		Inputs:     inputs,
		Context:    schema.NewExecutionContext(inputs),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.SaveSession(state); err != nil {
		return nil, err
	}
	m.logger.Info("session created",
		"session_id", state.SessionID, "workflow_id", workflowID)
	return state, nil
}

// SaveSession writes the session into its status partition. The write goes
// through a temp file and a rename so a crash never leaves a torn file.
func (m *Manager) SaveSession(state *schema.SessionState) error {
	state.UpdatedAt = m.now().UTC()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeState, "encode session: %v", err).
			WithSession(state.SessionID).WithOp(schema.OpWrite).WithCause(err)
	}

	path := m.sessionPath(state.Status, state.SessionID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		os.Remove(tmp)
		return schema.NewErrorf(schema.ErrCodeState, "write session file: %v", err).
			WithSession(state.SessionID).WithOp(schema.OpWrite).WithCause(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return schema.NewErrorf(schema.ErrCodeState, "commit session file: %v", err).
			WithSession(state.SessionID).WithOp(schema.OpWrite).WithCause(err)
	}
	return nil
}

// LoadSession reads a session by ID. With no expected statuses it probes
// every partition in running, paused, completed, failed order. Returns a
// not-found error when the session exists in none of them.
func (m *Manager) LoadSession(sessionID string, expected ...schema.SessionStatus) (*schema.SessionState, error) {
	probe := partitions
	if len(expected) > 0 {
		probe = expected
	}

	for _, status := range probe {
		path := m.sessionPath(status, sessionID)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, schema.NewErrorf(schema.ErrCodeState, "read session file: %v", err).
				WithSession(sessionID).WithOp(schema.OpRead).WithCause(err)
		}
		var state schema.SessionState
		if err := json.Unmarshal(data, &state); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeState, "decode session file: %v", err).
				WithSession(sessionID).WithOp(schema.OpRead).WithCause(err)
		}
		return &state, nil
	}

	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "session %s not found", sessionID).
		WithSession(sessionID).WithOp(schema.OpRead)
}

// UpdateSessionStatus moves a session to a new status partition. The old
// file is removed after the new one is written; a failed removal is logged
// but not fatal since the load order prefers the newer partition only by
// probe order, and both files decode to the same session.
func (m *Manager) UpdateSessionStatus(sessionID string, status schema.SessionStatus) (*schema.SessionState, error) {
	state, err := m.LoadSession(sessionID)
	if err != nil {
		return nil, err
	}
	if state.Status == status {
		return state, nil
	}

	oldPath := m.sessionPath(state.Status, sessionID)
	state.Status = status
	if err := m.SaveSession(state); err != nil {
		return nil, err
	}
	if err := os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("failed to remove session from old status partition",
			"session_id", sessionID, "path", oldPath, "error", err)
	}
	return state, nil
}

// UpdateContext patches the session's execution context. Recognized keys
// are "inputs", "variables" and "outputs"; each replaces that map
// wholesale. Unknown keys are rejected.
func (m *Manager) UpdateContext(sessionID string, patch map[string]any) (*schema.SessionState, error) {
	state, err := m.LoadSession(sessionID)
	if err != nil {
		return nil, err
	}

	for key, value := range patch {
		mv, ok := value.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeState, "context patch %q must be an object", key).
				WithSession(sessionID).WithOp(schema.OpWrite)
		}
		switch key {
		case "inputs":
			state.Context.Inputs = mv
		case "variables":
			state.Context.Variables = mv
		case "outputs":
			state.Context.Outputs = mv
		default:
			return nil, schema.NewErrorf(schema.ErrCodeState, "unknown context section %q", key).
				WithSession(sessionID).WithOp(schema.OpWrite)
		}
	}

	if err := m.SaveSession(state); err != nil {
		return nil, err
	}
	return state, nil
}

// AddStepExecution appends a step record and advances the step cursor.
func (m *Manager) AddStepExecution(sessionID string, exec schema.StepExecution) (*schema.SessionState, error) {
	state, err := m.LoadSession(sessionID)
	if err != nil {
		return nil, err
	}
	state.StepExecutions = append(state.StepExecutions, exec)
	state.CurrentStepIndex++
	if err := m.SaveSession(state); err != nil {
		return nil, err
	}
	return state, nil
}

// ListSessions returns session summaries, newest first. With no statuses
// it scans every partition; otherwise only the given ones. Files that
// fail to parse are skipped with a warning rather than failing the whole
// listing.
func (m *Manager) ListSessions(statuses ...schema.SessionStatus) ([]schema.SessionInfo, error) {
	scan := partitions
	if len(statuses) > 0 {
		scan = statuses
	}

	var infos []schema.SessionInfo
	for _, status := range scan {
		paths, err := filepath.Glob(filepath.Join(m.statusDir(status), "*.json"))
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeState, "scan %s sessions: %v", status, err).
				WithOp(schema.OpRead).WithCause(err)
		}
		for _, path := range paths {
			data, err := os.ReadFile(path)
			if err != nil {
				m.logger.Warn("skipping unreadable session file", "path", path, "error", err)
				continue
			}
			var state schema.SessionState
			if err := json.Unmarshal(data, &state); err != nil {
				m.logger.Warn("skipping unparsable session file", "path", path, "error", err)
				continue
			}
			infos = append(infos, sessionInfo(&state))
		}
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
	})
	return infos, nil
}

// DeleteSession removes a session from whichever partition holds it.
func (m *Manager) DeleteSession(sessionID string) error {
	state, err := m.LoadSession(sessionID)
	if err != nil {
		return err
	}
	path := m.sessionPath(state.Status, sessionID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return schema.NewErrorf(schema.ErrCodeState, "delete session file: %v", err).
			WithSession(sessionID).WithOp(schema.OpWrite).WithCause(err)
	}
	return nil
}

// CleanupOptions control which sessions CleanupSessions removes.
type CleanupOptions struct {
	// MaxAge is the minimum age since last update. Zero means 30 days.
	MaxAge time.Duration
	// Statuses restricts cleanup to these partitions. Empty means
	// completed and failed.
	Statuses []schema.SessionStatus
	// DryRun reports what would be deleted without deleting.
	DryRun bool
}

// CleanupResult reports the outcome of a cleanup pass.
type CleanupResult struct {
	Deleted []string       `json:"deleted"`
	Errors  []CleanupError `json:"errors,omitempty"`
}

// CleanupError records one session that could not be removed.
type CleanupError struct {
	SessionID string `json:"sessionId"`
	Error     string `json:"error"`
}

// CleanupSessions deletes sessions older than MaxAge in the selected
// status partitions. Individual failures are collected, not fatal.
func (m *Manager) CleanupSessions(opts CleanupOptions) (*CleanupResult, error) {
	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = 30 * 24 * time.Hour
	}
	statuses := opts.Statuses
	if len(statuses) == 0 {
		statuses = []schema.SessionStatus{schema.SessionStatusCompleted, schema.SessionStatusFailed}
	}
	cutoff := m.now().UTC().Add(-maxAge)

	result := &CleanupResult{}
	for _, status := range statuses {
		paths, err := filepath.Glob(filepath.Join(m.statusDir(status), "*.json"))
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeState, "scan %s sessions: %v", status, err).
				WithOp(schema.OpRead).WithCause(err)
		}
		for _, path := range paths {
			sessionID := strings.TrimSuffix(filepath.Base(path), ".json")
			data, err := os.ReadFile(path)
			if err != nil {
				result.Errors = append(result.Errors, CleanupError{SessionID: sessionID, Error: err.Error()})
				continue
			}
			var state schema.SessionState
			if err := json.Unmarshal(data, &state); err != nil {
				result.Errors = append(result.Errors, CleanupError{SessionID: sessionID, Error: err.Error()})
				continue
			}
			if state.UpdatedAt.After(cutoff) {
				continue
			}
			if !opts.DryRun {
				if err := os.Remove(path); err != nil {
					result.Errors = append(result.Errors, CleanupError{SessionID: sessionID, Error: err.Error()})
					continue
				}
			}
			result.Deleted = append(result.Deleted, sessionID)
		}
	}

	m.logger.Info("session cleanup finished",
		"deleted", len(result.Deleted), "errors", len(result.Errors), "dry_run", opts.DryRun)
	return result, nil
}

func (m *Manager) statusDir(status schema.SessionStatus) string {
	return filepath.Join(m.baseDir, string(status))
}

func (m *Manager) sessionPath(status schema.SessionStatus, sessionID string) string {
	return filepath.Join(m.statusDir(status), fmt.Sprintf("%s.json", sessionID))
}

func sessionInfo(state *schema.SessionState) schema.SessionInfo {
	return schema.SessionInfo{
		SessionID:        state.SessionID,
		WorkflowID:       state.WorkflowID,
		Status:           state.Status,
		CurrentStepIndex: state.CurrentStepIndex,
		TotalSteps:       len(state.StepExecutions),
		CreatedAt:        state.CreatedAt,
		UpdatedAt:        state.UpdatedAt,
	}
}
