// Package shell runs script-step commands through the system shell and
// captures their output.
package shell

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"

	"github.com/atniptw/stepflow/pkg/schema"
)

// DefaultMaxOutputSize caps captured stdout/stderr per stream.
const DefaultMaxOutputSize int64 = 1 << 20

// Result holds the outcome of one command. Stdout and Stderr are
// whitespace-trimmed so conditions like stdout == 'ok' hold for echo.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes a shell command.
type Runner interface {
	Run(ctx context.Context, command string) (*Result, error)
}

// LocalRunner executes commands with /bin/sh -c on the local host.
type LocalRunner struct {
	// MaxOutputSize caps each captured stream; zero means
	// DefaultMaxOutputSize.
	MaxOutputSize int64
	// Dir is the working directory; empty means the process default.
	Dir string
	// Env extends the inherited environment, entries as "KEY=value".
	Env []string
}

// Run executes the command. A nonzero exit code is a normal Result, not
// an error; only spawn failures (command shell missing, context canceled
// before start) surface as errors.
func (r *LocalRunner) Run(ctx context.Context, command string) (*Result, error) {
	limit := r.MaxOutputSize
	if limit <= 0 {
		limit = DefaultMaxOutputSize
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = r.Dir
	if len(r.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, limit: limit}
	cmd.Stderr = &limitedWriter{w: &stderr, limit: limit}

	runErr := cmd.Run()
	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "run command: %v", runErr).WithCause(runErr)
		}
		exitCode = exitErr.ExitCode()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "command timeout: %v", ctxErr).WithCause(ctxErr)
		}
	}

	return &Result{
		Stdout:   strings.TrimSpace(stdout.String()),
		Stderr:   strings.TrimSpace(stderr.String()),
		ExitCode: exitCode,
	}, nil
}

// limitedWriter discards bytes beyond the limit while reporting the full
// write as consumed, so the subprocess never blocks on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return total, err
	}
	return total, nil
}
