package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outflowhq/outflow/pkg/schema"
)

func newTestEventLog(t *testing.T) (*EventLog, *SQLStore) {
	t.Helper()
	s := newTestStore(t)
	return NewEventLog(s), s
}

func seedFlowExecution(t *testing.T, s *SQLStore) *Execution {
	t.Helper()
	f := seedFlow(t, s)
	return seedExecution(t, s, f.ID)
}

func TestEventLog_AppendEvent_MonotonicSequence(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	exec := seedFlowExecution(t, s)

	for i := 0; i < 5; i++ {
		e := &Event{
			ExecutionID: exec.ID,
			NodeID:      "stage-1",
			Type:        schema.EventStageDispatching,
		}
		require.NoError(t, el.AppendEvent(ctx, e))
		assert.Equal(t, int64(i+1), e.Sequence, "sequence should be monotonic")
	}
}

func TestEventLog_GetEvents(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	exec := seedFlowExecution(t, s)

	for _, et := range []string{schema.EventStageDispatching, schema.EventMessageSent, schema.EventStageCompleted} {
		require.NoError(t, el.AppendEvent(ctx, &Event{
			ExecutionID: exec.ID, NodeID: "stage-1", Type: et,
		}))
	}

	// Get all
	events, err := el.GetEvents(ctx, exec.ID, 0)
	require.NoError(t, err)
	assert.Len(t, events, 3)

	// Get since sequence 1
	events, err = el.GetEvents(ctx, exec.ID, 1)
	require.NoError(t, err)
	assert.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].Sequence)
}

func TestEventLog_GetEventsByType(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	exec := seedFlowExecution(t, s)

	require.NoError(t, el.AppendEvent(ctx, &Event{ExecutionID: exec.ID, NodeID: "stage-1", Type: schema.EventMessageSent}))
	require.NoError(t, el.AppendEvent(ctx, &Event{ExecutionID: exec.ID, NodeID: "stage-1", Type: schema.EventMessageFailed}))
	require.NoError(t, el.AppendEvent(ctx, &Event{ExecutionID: exec.ID, NodeID: "stage-2", Type: schema.EventMessageSent}))

	events, err := el.GetEventsByType(ctx, schema.EventMessageSent, EventFilter{ExecutionID: exec.ID})
	require.NoError(t, err)
	assert.Len(t, events, 2)
	for _, e := range events {
		assert.Equal(t, schema.EventMessageSent, e.Type)
	}

	events, err = el.GetEventsByType(ctx, schema.EventMessageSent, EventFilter{ExecutionID: exec.ID, NodeID: "stage-2"})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestEventLog_ReplayEvents_StageLifecycle(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	exec := seedFlowExecution(t, s)

	now := time.Now().UTC()

	// stage-1: dispatching -> two messages out -> completed
	require.NoError(t, el.AppendEvent(ctx, &Event{
		ExecutionID: exec.ID, NodeID: "stage-1", Type: schema.EventStageDispatching, Timestamp: now,
	}))
	require.NoError(t, el.AppendEvent(ctx, &Event{
		ExecutionID: exec.ID, NodeID: "stage-1", Type: schema.EventMessageSent,
	}))
	require.NoError(t, el.AppendEvent(ctx, &Event{
		ExecutionID: exec.ID, NodeID: "stage-1", Type: schema.EventMessageSent,
	}))
	require.NoError(t, el.AppendEvent(ctx, &Event{
		ExecutionID: exec.ID, NodeID: "stage-1", Type: schema.EventStageCompleted,
		Timestamp: now.Add(100 * time.Millisecond),
	}))

	// stage-2: dispatching -> failed
	require.NoError(t, el.AppendEvent(ctx, &Event{
		ExecutionID: exec.ID, NodeID: "stage-2", Type: schema.EventStageDispatching, Timestamp: now,
	}))
	require.NoError(t, el.AppendEvent(ctx, &Event{
		ExecutionID: exec.ID, NodeID: "stage-2", Type: schema.EventMessageFailed,
	}))
	require.NoError(t, el.AppendEvent(ctx, &Event{
		ExecutionID: exec.ID, NodeID: "stage-2", Type: schema.EventStageFailed,
	}))

	nodes, err := el.ReplayEvents(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, nodes, 2)

	assert.Equal(t, schema.RecordCompleted, nodes["stage-1"].State)
	assert.NotNil(t, nodes["stage-1"].StartedAt)
	assert.NotNil(t, nodes["stage-1"].CompletedAt)
	assert.Equal(t, 2, nodes["stage-1"].MessagesSent)
	assert.False(t, nodes["stage-1"].Synthetic)

	assert.Equal(t, schema.RecordFailed, nodes["stage-2"].State)
	assert.Equal(t, 1, nodes["stage-2"].MessagesFailed)
}

func TestEventLog_ReplayEvents_Recovered(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	exec := seedFlowExecution(t, s)

	require.NoError(t, el.AppendEvent(ctx, &Event{
		ExecutionID: exec.ID, NodeID: "stage-1", Type: schema.EventStageDispatching,
	}))
	require.NoError(t, el.AppendEvent(ctx, &Event{
		ExecutionID: exec.ID, NodeID: "stage-1", Type: schema.EventStageRecovered,
	}))

	nodes, err := el.ReplayEvents(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RecordCompleted, nodes["stage-1"].State)
	assert.True(t, nodes["stage-1"].Synthetic)
}

func TestEventLog_ReplayEvents_Condition(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	exec := seedFlowExecution(t, s)

	require.NoError(t, el.AppendEvent(ctx, &Event{
		ExecutionID: exec.ID, NodeID: "conditional-1", Type: schema.EventConditionScheduled,
	}))
	require.NoError(t, el.AppendEvent(ctx, &Event{
		ExecutionID: exec.ID, NodeID: "conditional-1", Type: schema.EventConditionEvaluated,
		Payload: json.RawMessage(`{"result":true,"metric_value":7}`),
	}))

	nodes, err := el.ReplayEvents(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RecordCompleted, nodes["conditional-1"].State)
	require.NotNil(t, nodes["conditional-1"].Result)
	assert.True(t, *nodes["conditional-1"].Result)
}

func TestEventLog_ReplayEvents_DeferredKeepsExecuting(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	exec := seedFlowExecution(t, s)

	require.NoError(t, el.AppendEvent(ctx, &Event{
		ExecutionID: exec.ID, NodeID: "stage-1", Type: schema.EventStageDispatching,
	}))
	require.NoError(t, el.AppendEvent(ctx, &Event{
		ExecutionID: exec.ID, NodeID: "stage-1", Type: schema.EventDispatchDeferred,
	}))

	nodes, err := el.ReplayEvents(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RecordExecuting, nodes["stage-1"].State)
}

func TestEventLog_ReplayEvents_Empty(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	exec := seedFlowExecution(t, s)

	nodes, err := el.ReplayEvents(ctx, exec.ID)
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestEventLog_ReplayEvents_SequenceGap(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	exec := seedFlowExecution(t, s)

	// Manually insert events with a gap using the raw store.
	db := s.DB()
	_, err := db.ExecContext(ctx,
		`INSERT INTO events (execution_id, node_id, event_type, timestamp, sequence) VALUES (?, 'stage-1', 'stage_dispatching', CURRENT_TIMESTAMP, 1)`,
		exec.ID)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx,
		`INSERT INTO events (execution_id, node_id, event_type, timestamp, sequence) VALUES (?, 'stage-1', 'stage_completed', CURRENT_TIMESTAMP, 3)`,
		exec.ID)
	require.NoError(t, err)

	_, err = el.ReplayEvents(ctx, exec.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sequence gap")
}

func TestEventLog_ConcurrentAppend_DifferentExecutions(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	f := seedFlow(t, s)

	var execs []*Execution
	for i := 0; i < 5; i++ {
		execs = append(execs, seedExecution(t, s, f.ID))
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 50)

	for _, exec := range execs {
		exec := exec
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				e := &Event{
					ExecutionID: exec.ID,
					NodeID:      "stage-1",
					Type:        schema.EventMessageSent,
				}
				if err := el.AppendEvent(ctx, e); err != nil {
					errCh <- err
					return
				}
			}
		}()
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Errorf("concurrent append error: %v", err)
	}

	// Verify each execution has correct sequences 1..10
	for _, exec := range execs {
		events, err := el.GetEvents(ctx, exec.ID, 0)
		require.NoError(t, err)
		assert.Len(t, events, 10)
		for i, e := range events {
			assert.Equal(t, int64(i+1), e.Sequence)
		}
	}
}

func TestEventLog_ExecutionScopedSequences(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	f := seedFlow(t, s)

	e1 := seedExecution(t, s, f.ID)
	e2 := seedExecution(t, s, f.ID)

	require.NoError(t, el.AppendEvent(ctx, &Event{ExecutionID: e1.ID, NodeID: "stage-1", Type: schema.EventStageDispatching}))
	require.NoError(t, el.AppendEvent(ctx, &Event{ExecutionID: e1.ID, NodeID: "stage-1", Type: schema.EventStageCompleted}))

	// Sequence should start at 1 for the second execution, not 3.
	e := &Event{ExecutionID: e2.ID, NodeID: "stage-1", Type: schema.EventStageDispatching}
	require.NoError(t, el.AppendEvent(ctx, e))
	assert.Equal(t, int64(1), e.Sequence)
}
