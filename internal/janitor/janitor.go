// Package janitor periodically removes old finished sessions on a cron
// schedule.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/atniptw/stepflow/internal/state"
)

// SessionCleaner is the interface the janitor uses to clean sessions.
// Satisfied by the workflow engine.
type SessionCleaner interface {
	Cleanup(opts state.CleanupOptions) (*state.CleanupResult, error)
}

// Janitor runs session cleanup on a cron schedule.
type Janitor struct {
	cleaner  SessionCleaner
	schedule cron.Schedule
	opts     state.CleanupOptions
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a janitor from a standard five-field cron expression.
func New(cleaner SessionCleaner, cronExpr string, opts state.CleanupOptions, logger *slog.Logger) (*Janitor, error) {
	schedule, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		cleaner:  cleaner,
		schedule: schedule,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Start launches the background cleanup loop.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.done != nil {
		j.mu.Unlock()
		return fmt.Errorf("janitor already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.done = make(chan struct{})
	j.mu.Unlock()

	go j.loop(loopCtx)
	j.logger.Info("janitor started")
	return nil
}

func (j *Janitor) loop(ctx context.Context) {
	defer close(j.done)

	for {
		next := j.schedule.Next(j.now())
		timer := time.NewTimer(next.Sub(j.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			j.RunOnce()
		}
	}
}

// RunOnce performs a single cleanup pass.
func (j *Janitor) RunOnce() {
	result, err := j.cleaner.Cleanup(j.opts)
	if err != nil {
		j.logger.Error("session cleanup failed", "error", err)
		return
	}
	j.logger.Info("session cleanup pass finished",
		"deleted", len(result.Deleted), "errors", len(result.Errors))
}

// Stop shuts the janitor down and waits for the loop to exit.
func (j *Janitor) Stop() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.cancel == nil {
		return nil
	}
	j.cancel()
	<-j.done
	j.cancel = nil
	j.done = nil

	j.logger.Info("janitor stopped")
	return nil
}
