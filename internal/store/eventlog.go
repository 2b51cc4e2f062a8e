package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/atniptw/stepflow/pkg/schema"
)

// ArchivedEvent is one persisted lifecycle event.
type ArchivedEvent struct {
	ID       int64        `json:"id"`
	Sequence int64        `json:"sequence"`
	Event    schema.Event `json:"event"`
}

// EventLog appends lifecycle events to the archive with a per-session
// sequence number. It implements the event sink interface used by the
// in-memory hub.
type EventLog struct {
	db *sql.DB
}

// NewEventLog builds an event log over an opened store.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{db: s.DB()}
}

// Record implements the hub sink: it archives the event.
func (l *EventLog) Record(ctx context.Context, event schema.Event) error {
	return l.AppendEvent(ctx, event)
}

// AppendEvent writes the event with the next sequence number for its
// session. The read and insert share a transaction so concurrent appends
// never reuse a sequence.
func (l *EventLog) AppendEvent(ctx context.Context, event schema.Event) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE session_id = ?`, event.SessionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}

	outputs, err := nullableJSON(event.Outputs)
	if err != nil {
		return fmt.Errorf("marshal event outputs: %w", err)
	}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (session_id, workflow_id, step_id, event_type, outputs, error, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.SessionID, nullStr(event.WorkflowID), nullStr(event.StepID),
		event.Type, outputs, nullStr(event.Error), ts, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns a session's archived events with sequence greater
// than since, in sequence order.
func (l *EventLog) GetEvents(ctx context.Context, sessionID string, since int64) ([]ArchivedEvent, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, session_id, workflow_id, step_id, event_type, outputs, error, timestamp, sequence
		 FROM events WHERE session_id = ? AND sequence > ? ORDER BY sequence ASC`,
		sessionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var archived []ArchivedEvent
	for rows.Next() {
		var (
			a                         ArchivedEvent
			workflowID, stepID        sql.NullString
			outputsJSON, errorMessage sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.Event.SessionID, &workflowID, &stepID,
			&a.Event.Type, &outputsJSON, &errorMessage, &a.Event.Timestamp, &a.Sequence); err != nil {
			return nil, err
		}
		a.Event.WorkflowID = workflowID.String
		a.Event.StepID = stepID.String
		a.Event.Error = errorMessage.String
		if outputsJSON.Valid && outputsJSON.String != "" {
			if err := json.Unmarshal([]byte(outputsJSON.String), &a.Event.Outputs); err != nil {
				return nil, fmt.Errorf("unmarshal event outputs: %w", err)
			}
		}
		archived = append(archived, a)
	}
	return archived, rows.Err()
}

// PruneSession drops a session's archived events, used when the session
// itself is cleaned up.
func (l *EventLog) PruneSession(ctx context.Context, sessionID string) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM events WHERE session_id = ?`, sessionID)
	return err
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableJSON(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
