package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outflowhq/outflow/internal/alert"
	"github.com/outflowhq/outflow/internal/store"
	"github.com/outflowhq/outflow/pkg/schema"
)

type recordedAlerts struct {
	mu     sync.Mutex
	events []alert.Event
}

func (r *recordedAlerts) Notify(ctx context.Context, event alert.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// seedStuckBroadcast plants an execution whose stage-1 dispatch died
// mid-flight age ago: record executing, every child still pending.
func seedStuckBroadcast(t *testing.T, f *engineFixture, execID string, contacts []string, age time.Duration) {
	t.Helper()
	ctx := context.Background()
	old := time.Now().UTC().Add(-age)

	require.NoError(t, f.store.CreateExecution(ctx, &store.Execution{
		ID:                  execID,
		FlowID:              "flow-1",
		ContactIDs:          contacts,
		State:               schema.ExecutionInProgress,
		NextNodeID:          "stage-1",
		NextNodeScheduledAt: &old,
		CreatedAt:           old,
	}))
	require.NoError(t, f.store.CreateStageRecord(ctx, &store.StageRecord{
		ExecutionID: execID,
		NodeID:      "stage-1",
		State:       schema.RecordExecuting,
		Attempt:     1,
		StartedAt:   &old,
		UpdatedAt:   old,
	}))
	for i, c := range contacts {
		require.NoError(t, f.store.CreateMessageRecord(ctx, &store.MessageRecord{
			ID:          fmt.Sprintf("%s-msg-%d", execID, i),
			ExecutionID: execID,
			NodeID:      "stage-1",
			ContactID:   c,
			Channel:     schema.ChannelEmail,
			State:       schema.MessagePending,
			CreatedAt:   old,
			UpdatedAt:   old,
		}))
	}
}

func TestRecovery_RepairsStuckBroadcast(t *testing.T) {
	f := newFixture(t)
	f.createFlow("flow-1", outreachFlow())
	ctx := context.Background()

	seedStuckBroadcast(t, f, "exec-stuck", []string{"a", "b", "c"}, time.Hour)
	alerts := &recordedAlerts{}
	rec := NewRecovery(f.store, f.queue, f.exec, alerts, RecoveryConfig{}, nil)

	res, err := rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, &RecoveryResult{Scanned: 1, Repaired: 1}, res)

	// Unresolved children are forced failed so the tally can settle.
	msgs, err := f.store.ListMessageRecords(ctx, "exec-stuck", "stage-1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for _, m := range msgs {
		assert.Equal(t, schema.MessageFailed, m.State)
		assert.Contains(t, m.ErrorMessage, "stuck recovery")
	}

	// The record completes synthetically with a placeholder tracking id.
	stageRec, err := f.store.GetStageRecord(ctx, "exec-stuck", "stage-1")
	require.NoError(t, err)
	assert.Equal(t, schema.RecordCompleted, stageRec.State)
	assert.True(t, stageRec.Synthetic)
	assert.True(t, strings.HasPrefix(stageRec.ProviderMessageID, "recovered-"),
		"placeholder id, got %q", stageRec.ProviderMessageID)
	assert.JSONEq(t, `{"total":3,"sent":0,"failed":3,"recovered":true}`, string(stageRec.ProviderResponse))

	// The walk resumes exactly as a live resolution would have.
	got := f.getExecution("exec-stuck")
	assert.Equal(t, schema.ExecutionInProgress, got.State)
	assert.Equal(t, "stage-1", got.CurrentNodeID)
	assert.Equal(t, "conditional-1", got.NextNodeID)
	require.NotNil(t, got.NextNodeScheduledAt)
	assert.WithinDuration(t, time.Now().UTC().Add(60*time.Minute), *got.NextNodeScheduledAt, 5*time.Second)

	events, err := f.store.GetEventsByType(ctx, schema.EventStageRecovered, store.EventFilter{})
	require.NoError(t, err)
	assert.Len(t, events, 1)

	require.Len(t, alerts.events, 1)
	assert.Equal(t, alert.KindStuckRecovered, alerts.events[0].Kind)
	assert.Equal(t, "exec-stuck", alerts.events[0].ExecutionID)
	assert.Equal(t, 3, alerts.events[0].Details["forced_failed"])
}

func TestRecovery_PartialBroadcastKeepsRealMessageID(t *testing.T) {
	f := newFixture(t)
	f.createFlow("flow-1", outreachFlow())
	ctx := context.Background()

	seedStuckBroadcast(t, f, "exec-stuck", []string{"a", "b", "c"}, time.Hour)
	sent := schema.MessageSent
	providerID := "prov-9"
	require.NoError(t, f.store.UpdateMessageRecord(ctx, "exec-stuck-msg-0", store.MessageRecordUpdate{
		State:             &sent,
		ProviderMessageID: &providerID,
	}))
	// The stale window is measured from the last child update, which the
	// send just bumped.
	rec := NewRecovery(f.store, f.queue, f.exec, nil, RecoveryConfig{InactivityWindow: time.Millisecond}, nil)
	time.Sleep(5 * time.Millisecond)

	res, err := rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Repaired)

	stageRec, err := f.store.GetStageRecord(ctx, "exec-stuck", "stage-1")
	require.NoError(t, err)
	assert.Equal(t, "prov-9", stageRec.ProviderMessageID, "a real tracking id beats the placeholder")
	assert.JSONEq(t, `{"total":3,"sent":1,"failed":2,"recovered":true}`, string(stageRec.ProviderResponse))
}

func TestRecovery_StandsDownWhenQueueBusy(t *testing.T) {
	f := newFixture(t)
	f.createFlow("flow-1", outreachFlow())
	ctx := context.Background()

	seedStuckBroadcast(t, f, "exec-stuck", []string{"a"}, time.Hour)
	for i := 0; i < 10; i++ {
		_, err := f.queue.Enqueue(ctx, schema.JobKindDispatch, map[string]any{}, time.Hour)
		require.NoError(t, err)
	}
	rec := NewRecovery(f.store, f.queue, f.exec, nil, RecoveryConfig{}, nil)

	res, err := rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, &RecoveryResult{}, res, "a working queue means nothing is stuck yet")

	stageRec, err := f.store.GetStageRecord(ctx, "exec-stuck", "stage-1")
	require.NoError(t, err)
	assert.Equal(t, schema.RecordExecuting, stageRec.State)
}

func TestRecovery_RecentActivityLeftAlone(t *testing.T) {
	f := newFixture(t)
	f.createFlow("flow-1", outreachFlow())
	ctx := context.Background()

	// Children updated moments ago are still inside the window.
	seedStuckBroadcast(t, f, "exec-fresh", []string{"a", "b"}, time.Second)
	rec := NewRecovery(f.store, f.queue, f.exec, nil, RecoveryConfig{}, nil)

	res, err := rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, &RecoveryResult{Scanned: 1}, res)

	stageRec, err := f.store.GetStageRecord(ctx, "exec-fresh", "stage-1")
	require.NoError(t, err)
	assert.Equal(t, schema.RecordExecuting, stageRec.State)
}

func TestRecovery_FullyAttemptedLeftAlone(t *testing.T) {
	f := newFixture(t)
	f.createFlow("flow-1", outreachFlow())
	ctx := context.Background()

	seedStuckBroadcast(t, f, "exec-done", []string{"a", "b"}, time.Hour)
	failedState := schema.MessageFailed
	reason := "bounced"
	for i := 0; i < 2; i++ {
		require.NoError(t, f.store.UpdateMessageRecord(ctx, fmt.Sprintf("exec-done-msg-%d", i), store.MessageRecordUpdate{
			State:        &failedState,
			ErrorMessage: &reason,
		}))
	}
	rec := NewRecovery(f.store, f.queue, f.exec, nil, RecoveryConfig{InactivityWindow: time.Millisecond}, nil)
	time.Sleep(5 * time.Millisecond)

	res, err := rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, &RecoveryResult{Scanned: 1}, res, "no pending children means the settle path owns it")
}
