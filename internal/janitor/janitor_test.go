package janitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atniptw/stepflow/internal/state"
)

type fakeCleaner struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (f *fakeCleaner) Cleanup(_ state.CleanupOptions) (*state.CleanupResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return nil, errors.New("cleanup broke")
	}
	return &state.CleanupResult{Deleted: []string{"s1"}}, nil
}

func (f *fakeCleaner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestNew_RejectsBadCronExpression(t *testing.T) {
	_, err := New(&fakeCleaner{}, "not a cron line", state.CleanupOptions{}, nil)
	require.Error(t, err)
}

func TestRunOnce(t *testing.T) {
	cleaner := &fakeCleaner{}
	j, err := New(cleaner, "0 3 * * *", state.CleanupOptions{}, nil)
	require.NoError(t, err)

	j.RunOnce()
	assert.Equal(t, 1, cleaner.count())

	// Errors are logged, not propagated.
	cleaner.fail = true
	j.RunOnce()
	assert.Equal(t, 2, cleaner.count())
}

func TestStartStop(t *testing.T) {
	cleaner := &fakeCleaner{}
	j, err := New(cleaner, "* * * * *", state.CleanupOptions{}, nil)
	require.NoError(t, err)

	require.NoError(t, j.Start(context.Background()))
	assert.Error(t, j.Start(context.Background()))
	require.NoError(t, j.Stop())

	// Stop is idempotent and Start works again after Stop.
	require.NoError(t, j.Stop())
	require.NoError(t, j.Start(context.Background()))
	require.NoError(t, j.Stop())
}

func TestLoopFiresOnSchedule(t *testing.T) {
	cleaner := &fakeCleaner{}
	j, err := New(cleaner, "* * * * *", state.CleanupOptions{}, nil)
	require.NoError(t, err)

	// Pin the clock just before a minute boundary so the first tick is
	// near-immediate.
	base := time.Date(2026, 1, 1, 12, 0, 59, int(999*time.Millisecond), time.UTC)
	j.now = func() time.Time { return time.Now().Add(base.Sub(time.Now())) }

	require.NoError(t, j.Start(context.Background()))
	defer j.Stop()

	deadline := time.After(3 * time.Second)
	for cleaner.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("janitor never fired")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
