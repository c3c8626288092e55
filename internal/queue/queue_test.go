package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outflowhq/outflow/internal/store"
	"github.com/outflowhq/outflow/pkg/schema"
)

func newQueueStore(t *testing.T) store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(dir, "queue.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type verifyPayload struct {
	ExecutionID string `json:"execution_id"`
	NodeID      string `json:"node_id"`
	MessageID   string `json:"message_id"`
}

func TestEnqueue(t *testing.T) {
	s := newQueueStore(t)
	q := NewQueue(s, nil)
	ctx := context.Background()

	before := time.Now().UTC()
	job, err := q.Enqueue(ctx, schema.JobKindVerify, verifyPayload{
		ExecutionID: "exec-1",
		NodeID:      "cond-1",
		MessageID:   "msg-9",
	}, 30*time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.JobKindVerify, got.Kind)
	assert.Equal(t, schema.JobPending, got.State)
	assert.JSONEq(t, `{"execution_id":"exec-1","node_id":"cond-1","message_id":"msg-9"}`, string(got.Payload))

	// Due roughly 30 minutes out.
	assert.True(t, got.RunAt.After(before.Add(29*time.Minute)))
	assert.True(t, got.RunAt.Before(before.Add(31*time.Minute)))
}

func TestEnqueue_ZeroDelayIsDueNow(t *testing.T) {
	s := newQueueStore(t)
	q := NewQueue(s, nil)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, schema.JobKindDispatch, map[string]any{"execution_id": "exec-1"}, 0)
	require.NoError(t, err)

	due, err := s.ListDueJobs(ctx, schema.JobKindDispatch, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, job.ID, due[0].ID)
}

func TestDepth(t *testing.T) {
	s := newQueueStore(t)
	q := NewQueue(s, nil)
	ctx := context.Background()

	n, err := q.Depth(ctx, schema.JobKindDispatch)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, schema.JobKindDispatch, map[string]any{}, time.Hour)
		require.NoError(t, err)
	}
	_, err = q.Enqueue(ctx, schema.JobKindVerify, map[string]any{}, time.Hour)
	require.NoError(t, err)

	n, err = q.Depth(ctx, schema.JobKindDispatch)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "depth counts only the requested kind")
}

func TestDepth_ExcludesClaimedJobs(t *testing.T) {
	s := newQueueStore(t)
	q := NewQueue(s, nil)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, schema.JobKindDispatch, map[string]any{}, 0)
	require.NoError(t, err)

	claimed, err := s.ClaimJob(ctx, job.ID, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, claimed)

	n, err := q.Depth(ctx, schema.JobKindDispatch)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
