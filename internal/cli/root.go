// Package cli wires the stepflow commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/atniptw/stepflow/internal/ai"
	"github.com/atniptw/stepflow/internal/engine"
	"github.com/atniptw/stepflow/internal/events"
	"github.com/atniptw/stepflow/internal/loader"
	"github.com/atniptw/stepflow/internal/logging"
	"github.com/atniptw/stepflow/internal/shell"
	"github.com/atniptw/stepflow/internal/state"
	"github.com/atniptw/stepflow/internal/store"
	"github.com/atniptw/stepflow/internal/template"
)

type rootOptions struct {
	stateDir    string
	workflowDir string
	eventsDB    string
	logLevel    string
	logJSON     bool
}

// app holds the wired collaborators shared by the commands.
type app struct {
	engine   *engine.Engine
	state    *state.Manager
	loader   *loader.DirLoader
	hub      *events.MemoryHub
	eventLog *store.EventLog
	logger   *slog.Logger
	close    func()
}

// NewRoot builds the stepflow command tree.
func NewRoot() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "stepflow",
		Short:         "Stepflow runs declarative AI and shell workflows",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          func(c *cobra.Command, _ []string) error { return c.Help() },
	}

	cmd.PersistentFlags().StringVar(&opts.stateDir, "state-dir", defaultStateDir(), "directory for session state")
	cmd.PersistentFlags().StringVar(&opts.workflowDir, "workflow-dir", "workflows", "directory holding workflow definitions")
	cmd.PersistentFlags().StringVar(&opts.eventsDB, "events-db", "", "libSQL file for the event archive (empty disables archiving)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&opts.logJSON, "log-json", false, "emit JSON logs")

	cmd.AddCommand(newRunCmd(opts))
	cmd.AddCommand(newStatusCmd(opts))
	cmd.AddCommand(newListCmd(opts))
	cmd.AddCommand(newPauseCmd(opts))
	cmd.AddCommand(newResumeCmd(opts))
	cmd.AddCommand(newCleanupCmd(opts))
	cmd.AddCommand(newEventsCmd(opts))
	cmd.AddCommand(newMCPCmd(opts))
	return cmd
}

// buildApp wires the engine stack from the root options.
func buildApp(opts *rootOptions) (*app, error) {
	logger := newLogger(opts)

	mgr := state.NewManager(opts.stateDir, logger)
	if err := mgr.Initialize(); err != nil {
		return nil, err
	}

	closeFn := func() {}
	var sinks []events.Sink
	var eventLog *store.EventLog
	if opts.eventsDB != "" {
		s, err := store.NewLibSQLStore("file:" + opts.eventsDB)
		if err != nil {
			return nil, fmt.Errorf("open event archive: %w", err)
		}
		if err := s.Migrate(context.Background()); err != nil {
			s.Close()
			return nil, fmt.Errorf("migrate event archive: %w", err)
		}
		eventLog = store.NewEventLog(s)
		sinks = append(sinks, eventLog)
		closeFn = func() { s.Close() }
	}

	hub := events.NewMemoryHub(logger, sinks...)
	executor := engine.NewStepExecutor(template.NewEngine(), ai.EchoProvider{}, &shell.LocalRunner{}, logger)
	dirLoader := &loader.DirLoader{Dir: opts.workflowDir}
	eng := engine.New(engine.Deps{
		State:    mgr,
		Executor: executor,
		Hub:      hub,
		Loader:   dirLoader,
		Logger:   logger,
	})

	return &app{
		engine:   eng,
		state:    mgr,
		loader:   dirLoader,
		hub:      hub,
		eventLog: eventLog,
		logger:   logger,
		close:    closeFn,
	}, nil
}

func newLogger(opts *rootOptions) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(opts.logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	if opts.logJSON {
		inner = slog.NewJSONHandler(os.Stderr, handlerOpts)
	} else {
		inner = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	logger := slog.New(logging.NewCorrelationHandler(inner))
	slog.SetDefault(logger)
	return logger
}

func defaultStateDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".stepflow", "sessions")
	}
	return ".stepflow/sessions"
}

// printJSON writes a value as indented JSON to stdout.
func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// parseInputs turns key=value arguments into an input map. Values that
// parse as JSON are kept structured; everything else stays a string.
func parseInputs(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	inputs := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input %q: expected key=value", pair)
		}
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err == nil {
			inputs[key] = parsed
		} else {
			inputs[key] = value
		}
	}
	return inputs, nil
}
