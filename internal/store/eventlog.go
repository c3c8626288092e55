package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/outflowhq/outflow/pkg/schema"
)

// EventLog provides event-sourcing operations on top of a SQLStore.
type EventLog struct {
	store *SQLStore
}

// NewEventLog wraps a SQLStore to provide event-sourcing operations.
func NewEventLog(s *SQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-execution
// sequence. A write lock is taken up front so concurrent writers cannot
// interleave sequence reads and writes.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	db := el.store.DB()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin immediate tx: %w", err)
	}
	defer tx.Rollback()

	if err := el.acquireWriteLock(ctx, tx, event.ExecutionID); err != nil {
		return err
	}

	var seq int64
	err = tx.QueryRowContext(ctx, el.store.q(
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`), event.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	payload := nullRaw(event.Payload)

	_, err = tx.ExecContext(ctx, el.store.q(
		`INSERT INTO events (execution_id, node_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		event.ExecutionID, nullStr(event.NodeID), event.Type, payload, event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// acquireWriteLock forces lock acquisition at the start of the transaction.
// On libSQL in WAL mode, BeginTx alone may start a deferred transaction, so
// we execute a write-intent noop. On PostgreSQL a transaction-scoped
// advisory lock keyed on the execution serializes appenders.
func (el *EventLog) acquireWriteLock(ctx context.Context, tx *sql.Tx, executionID string) error {
	if el.store.dialect.name == dialectPostgres {
		if _, err := tx.ExecContext(ctx,
			`SELECT pg_advisory_xact_lock(hashtext($1))`, executionID); err != nil {
			return fmt.Errorf("acquire advisory lock: %w", err)
		}
		return nil
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	// Clean up the noop row.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}
	return nil
}

// GetEvents returns events for an execution with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, executionID, since)
}

// GetEventsByType returns events of a specific type matching the filter.
func (el *EventLog) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	return el.store.GetEventsByType(ctx, eventType, filter)
}

// NodeReplay is the per-node progress reconstructed from the event log.
type NodeReplay struct {
	ExecutionID    string             `json:"execution_id"`
	NodeID         string             `json:"node_id"`
	State          schema.RecordState `json:"state"`
	Synthetic      bool               `json:"synthetic,omitempty"`
	Result         *bool              `json:"result,omitempty"`
	MessagesSent   int                `json:"messages_sent"`
	MessagesFailed int                `json:"messages_failed"`
	StartedAt      *time.Time         `json:"started_at,omitempty"`
	CompletedAt    *time.Time         `json:"completed_at,omitempty"`
}

// evaluationPayload extracts the verdict from condition evaluation events.
type evaluationPayload struct {
	Result      *bool `json:"result,omitempty"`
	MetricValue *int  `json:"metric_value,omitempty"`
}

// ReplayEvents replays all events for an execution and returns the
// reconstructed per-node progress. Returns an error if sequence gaps are
// detected.
func (el *EventLog) ReplayEvents(ctx context.Context, executionID string) (map[string]*NodeReplay, error) {
	events, err := el.store.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	if len(events) == 0 {
		return make(map[string]*NodeReplay), nil
	}

	// Validate sequence contiguity.
	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", executionID, expected, e.Sequence)
		}
	}

	nodes := make(map[string]*NodeReplay)

	for _, e := range events {
		if e.NodeID == "" {
			continue
		}

		nr, ok := nodes[e.NodeID]
		if !ok {
			nr = &NodeReplay{
				ExecutionID: executionID,
				NodeID:      e.NodeID,
				State:       schema.RecordPending,
			}
			nodes[e.NodeID] = nr
		}

		switch e.Type {
		case schema.EventStageDispatching:
			nr.State = schema.RecordExecuting
			ts := e.Timestamp
			nr.StartedAt = &ts

		case schema.EventStageCompleted:
			nr.State = schema.RecordCompleted
			ts := e.Timestamp
			nr.CompletedAt = &ts

		case schema.EventStageFailed:
			nr.State = schema.RecordFailed

		case schema.EventStageRecovered:
			nr.State = schema.RecordCompleted
			nr.Synthetic = true
			ts := e.Timestamp
			nr.CompletedAt = &ts

		case schema.EventMessageSent:
			nr.MessagesSent++

		case schema.EventMessageFailed:
			nr.MessagesFailed++

		case schema.EventConditionScheduled:
			nr.State = schema.RecordExecuting
			ts := e.Timestamp
			nr.StartedAt = &ts

		case schema.EventConditionEvaluated:
			nr.State = schema.RecordCompleted
			ts := e.Timestamp
			nr.CompletedAt = &ts
			if len(e.Payload) > 0 {
				var p evaluationPayload
				if err := json.Unmarshal(e.Payload, &p); err == nil {
					nr.Result = p.Result
				}
			}

		case schema.EventConditionFailed:
			nr.State = schema.RecordFailed

		case schema.EventDispatchDeferred, schema.EventNodeScheduled:
			// Deferral and scheduling do not change node progress.
		}
	}

	return nodes, nil
}
