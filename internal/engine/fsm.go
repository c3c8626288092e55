package engine

import (
	"context"
	"encoding/json"

	"github.com/outflowhq/outflow/internal/store"
	"github.com/outflowhq/outflow/pkg/schema"
)

// EventAppender is satisfied by the Store and the EventLog; the FSMs emit
// lifecycle events through it on every transition.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// ValidExecutionTransitions defines the allowed execution state changes.
var ValidExecutionTransitions = map[schema.ExecutionState][]schema.ExecutionState{
	schema.ExecutionPending:    {schema.ExecutionInProgress, schema.ExecutionFailed},
	schema.ExecutionInProgress: {schema.ExecutionCompleted, schema.ExecutionFailed},
	schema.ExecutionCompleted:  {},
	schema.ExecutionFailed:     {},
}

// ValidRecordTransitions defines the allowed node record state changes.
// Records are created pending; a condition with no measurable message
// goes straight from pending to failed.
var ValidRecordTransitions = map[schema.RecordState][]schema.RecordState{
	schema.RecordPending:   {schema.RecordExecuting, schema.RecordFailed},
	schema.RecordExecuting: {schema.RecordCompleted, schema.RecordFailed},
	schema.RecordCompleted: {},
	schema.RecordFailed:    {},
}

// ExecutionFSM validates execution lifecycle transitions and emits the
// matching event. The caller persists the new state to the store.
type ExecutionFSM struct {
	appender EventAppender
}

// NewExecutionFSM creates an ExecutionFSM emitting through the appender.
func NewExecutionFSM(appender EventAppender) *ExecutionFSM {
	return &ExecutionFSM{appender: appender}
}

// Transition checks from -> to against the table and appends the
// lifecycle event. payload may be nil.
func (f *ExecutionFSM) Transition(ctx context.Context, executionID string, from, to schema.ExecutionState, payload json.RawMessage) error {
	if !executionTransitionAllowed(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}

	eventType := executionEventType(to)
	if eventType == "" {
		return nil
	}
	event := &store.Event{
		ExecutionID: executionID,
		Type:        eventType,
		Payload:     payload,
	}
	if err := f.appender.AppendEvent(ctx, event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit execution event: %s", err.Error()).WithCause(err)
	}
	return nil
}

// RecordFSM validates node record transitions for both stage and
// condition records and emits the kind-specific event.
type RecordFSM struct {
	appender EventAppender
}

// NewRecordFSM creates a RecordFSM emitting through the appender.
func NewRecordFSM(appender EventAppender) *RecordFSM {
	return &RecordFSM{appender: appender}
}

// Transition checks from -> to against the table and appends the event
// matching the node kind. payload may be nil.
func (f *RecordFSM) Transition(ctx context.Context, executionID, nodeID string, kind schema.NodeKind, from, to schema.RecordState, payload json.RawMessage) error {
	if !recordTransitionAllowed(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid record transition: %s -> %s", from, to).
			WithNode(nodeID).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}

	eventType := recordEventType(kind, to)
	if eventType == "" {
		return nil
	}
	event := &store.Event{
		ExecutionID: executionID,
		NodeID:      nodeID,
		Type:        eventType,
		Payload:     payload,
	}
	if err := f.appender.AppendEvent(ctx, event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit record event: %s", err.Error()).
			WithNode(nodeID).WithCause(err)
	}
	return nil
}

func executionTransitionAllowed(from, to schema.ExecutionState) bool {
	for _, a := range ValidExecutionTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func recordTransitionAllowed(from, to schema.RecordState) bool {
	for _, a := range ValidRecordTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func executionEventType(to schema.ExecutionState) string {
	switch to {
	case schema.ExecutionInProgress:
		return schema.EventExecutionStarted
	case schema.ExecutionCompleted:
		return schema.EventExecutionCompleted
	case schema.ExecutionFailed:
		return schema.EventExecutionFailed
	default:
		return ""
	}
}

func recordEventType(kind schema.NodeKind, to schema.RecordState) string {
	switch kind {
	case schema.NodeKindStage:
		switch to {
		case schema.RecordExecuting:
			return schema.EventStageDispatching
		case schema.RecordCompleted:
			return schema.EventStageCompleted
		case schema.RecordFailed:
			return schema.EventStageFailed
		}
	case schema.NodeKindCondition:
		switch to {
		case schema.RecordExecuting:
			return schema.EventConditionScheduled
		case schema.RecordCompleted:
			return schema.EventConditionEvaluated
		case schema.RecordFailed:
			return schema.EventConditionFailed
		}
	}
	return ""
}
