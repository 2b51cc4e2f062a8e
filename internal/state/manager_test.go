package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atniptw/stepflow/pkg/schema"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(t.TempDir(), nil)
	require.NoError(t, m.Initialize())
	return m
}

func TestCreateAndLoadSession(t *testing.T) {
	m := newTestManager(t)

	state, err := m.CreateSession("deploy", map[string]any{"env": "prod"})
	require.NoError(t, err)
	assert.NotEmpty(t, state.SessionID)
	assert.Equal(t, schema.SessionStatusRunning, state.Status)
	assert.Equal(t, map[string]any{"env": "prod"}, state.Context.Inputs)

	loaded, err := m.LoadSession(state.SessionID)
	require.NoError(t, err)
	assert.Equal(t, state.SessionID, loaded.SessionID)
	assert.Equal(t, "deploy", loaded.WorkflowID)
}

func TestLoadSession_NotFound(t *testing.T) {
	m := newTestManager(t)
	_, err := m.LoadSession("no-such-session")
	require.Error(t, err)
	assert.True(t, schema.IsNotFound(err))
}

func TestLoadSession_ExpectedStatusOnly(t *testing.T) {
	m := newTestManager(t)
	state, err := m.CreateSession("wf", nil)
	require.NoError(t, err)

	_, err = m.LoadSession(state.SessionID, schema.SessionStatusPaused)
	require.Error(t, err)
	assert.True(t, schema.IsNotFound(err))

	loaded, err := m.LoadSession(state.SessionID, schema.SessionStatusRunning)
	require.NoError(t, err)
	assert.Equal(t, state.SessionID, loaded.SessionID)
}

func TestUpdateSessionStatus_MovesPartition(t *testing.T) {
	m := newTestManager(t)
	state, err := m.CreateSession("wf", nil)
	require.NoError(t, err)

	moved, err := m.UpdateSessionStatus(state.SessionID, schema.SessionStatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, schema.SessionStatusCompleted, moved.Status)

	// Exactly one partition holds the file.
	oldPath := filepath.Join(m.baseDir, "running", state.SessionID+".json")
	newPath := filepath.Join(m.baseDir, "completed", state.SessionID+".json")
	_, err = os.Stat(oldPath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(newPath)
	assert.NoError(t, err)
}

func TestSaveSession_AtomicWriteLeavesNoTempFiles(t *testing.T) {
	m := newTestManager(t)
	state, err := m.CreateSession("wf", nil)
	require.NoError(t, err)
	require.NoError(t, m.SaveSession(state))

	matches, err := filepath.Glob(filepath.Join(m.baseDir, "running", "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestUpdateContext(t *testing.T) {
	m := newTestManager(t)
	state, err := m.CreateSession("wf", map[string]any{"a": "1"})
	require.NoError(t, err)

	updated, err := m.UpdateContext(state.SessionID, map[string]any{
		"variables": map[string]any{"x": float64(7)},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": float64(7)}, updated.Context.Variables)
	// Inputs are untouched by a variables patch.
	assert.Equal(t, map[string]any{"a": "1"}, updated.Context.Inputs)

	_, err = m.UpdateContext(state.SessionID, map[string]any{"bogus": map[string]any{}})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeState, schema.CodeOf(err))
}

func TestAddStepExecution_AdvancesCursor(t *testing.T) {
	m := newTestManager(t)
	state, err := m.CreateSession("wf", nil)
	require.NoError(t, err)

	updated, err := m.AddStepExecution(state.SessionID, schema.StepExecution{
		StepID: "step-1",
		Status: schema.ExecutionStatusSuccess,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, updated.CurrentStepIndex)
	require.Len(t, updated.StepExecutions, 1)
	assert.Equal(t, "step-1", updated.StepExecutions[0].StepID)
}

func TestListSessions_SkipsCorruptFiles(t *testing.T) {
	m := newTestManager(t)
	_, err := m.CreateSession("wf-a", nil)
	require.NoError(t, err)
	_, err = m.CreateSession("wf-b", nil)
	require.NoError(t, err)

	corrupt := filepath.Join(m.baseDir, "running", "broken.json")
	require.NoError(t, os.WriteFile(corrupt, []byte("{not json"), 0o644))

	infos, err := m.ListSessions()
	require.NoError(t, err)
	assert.Len(t, infos, 2)
}

func TestListSessions_StatusFilter(t *testing.T) {
	m := newTestManager(t)

	_, err := m.CreateSession("wf-running", nil)
	require.NoError(t, err)
	done, err := m.CreateSession("wf-done", nil)
	require.NoError(t, err)
	_, err = m.UpdateSessionStatus(done.SessionID, schema.SessionStatusCompleted)
	require.NoError(t, err)

	infos, err := m.ListSessions(schema.SessionStatusCompleted)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, done.SessionID, infos[0].SessionID)

	infos, err = m.ListSessions(schema.SessionStatusRunning, schema.SessionStatusCompleted)
	require.NoError(t, err)
	assert.Len(t, infos, 2)

	infos, err = m.ListSessions(schema.SessionStatusPaused)
	require.NoError(t, err)
	assert.Empty(t, infos)

	// No filter still scans every partition.
	infos, err = m.ListSessions()
	require.NoError(t, err)
	assert.Len(t, infos, 2)
}

func TestSaveSession_RemovesTempFileOnWriteFailure(t *testing.T) {
	m := newTestManager(t)
	state, err := m.CreateSession("wf", nil)
	require.NoError(t, err)

	// Occupy the temp path with a directory so the write fails.
	tmp := filepath.Join(m.baseDir, "running", state.SessionID+".json.tmp")
	require.NoError(t, os.Mkdir(tmp, 0o755))

	err = m.SaveSession(state)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeState, schema.CodeOf(err))

	_, statErr := os.Stat(tmp)
	assert.True(t, os.IsNotExist(statErr))
}

func TestCleanupSessions(t *testing.T) {
	m := newTestManager(t)

	old, err := m.CreateSession("wf-old", nil)
	require.NoError(t, err)
	_, err = m.UpdateSessionStatus(old.SessionID, schema.SessionStatusCompleted)
	require.NoError(t, err)

	fresh, err := m.CreateSession("wf-fresh", nil)
	require.NoError(t, err)
	_, err = m.UpdateSessionStatus(fresh.SessionID, schema.SessionStatusCompleted)
	require.NoError(t, err)

	// Age the first session by moving the clock forward for the cutoff.
	m.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	_, err = m.UpdateContext(fresh.SessionID, map[string]any{"variables": map[string]any{}})
	require.NoError(t, err)

	result, err := m.CleanupSessions(CleanupOptions{MaxAge: 24 * time.Hour, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, []string{old.SessionID}, result.Deleted)
	// Dry run deletes nothing.
	_, err = m.LoadSession(old.SessionID)
	assert.NoError(t, err)

	result, err = m.CleanupSessions(CleanupOptions{MaxAge: 24 * time.Hour})
	require.NoError(t, err)
	assert.Equal(t, []string{old.SessionID}, result.Deleted)
	assert.Empty(t, result.Errors)

	_, err = m.LoadSession(old.SessionID)
	require.Error(t, err)
	assert.True(t, schema.IsNotFound(err))
	_, err = m.LoadSession(fresh.SessionID)
	assert.NoError(t, err)
}

func TestDeleteSession(t *testing.T) {
	m := newTestManager(t)
	state, err := m.CreateSession("wf", nil)
	require.NoError(t, err)

	require.NoError(t, m.DeleteSession(state.SessionID))
	_, err = m.LoadSession(state.SessionID)
	require.Error(t, err)
	assert.True(t, schema.IsNotFound(err))
}

func TestRunningSessionsSurviveDefaultCleanup(t *testing.T) {
	m := newTestManager(t)
	state, err := m.CreateSession("wf", nil)
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(90 * 24 * time.Hour) }
	result, err := m.CleanupSessions(CleanupOptions{})
	require.NoError(t, err)
	assert.Empty(t, result.Deleted)

	_, err = m.LoadSession(state.SessionID)
	assert.NoError(t, err)
}
