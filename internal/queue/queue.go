// Package queue moves the engine's deferred work through store-backed
// delayed jobs: dispatch continuations after a throttled broadcast and
// condition verifications after their evaluation delay.
package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/outflowhq/outflow/internal/store"
	"github.com/outflowhq/outflow/pkg/schema"
)

// Queue enqueues delayed jobs.
type Queue struct {
	store  store.Store
	logger *slog.Logger
}

// NewQueue creates a queue over the given store.
func NewQueue(s store.Store, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{store: s, logger: logger}
}

// Enqueue creates a job of the given kind due after delay. The payload is
// marshalled as JSON.
func (q *Queue) Enqueue(ctx context.Context, kind string, payload any, delay time.Duration) (*store.Job, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "failed to marshal %s job payload", kind).WithCause(err)
	}

	job := &store.Job{
		Kind:    kind,
		Payload: body,
		RunAt:   time.Now().UTC().Add(delay),
	}
	if err := q.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	q.logger.DebugContext(ctx, "job enqueued",
		slog.String("job_id", job.ID),
		slog.String("kind", kind),
		slog.Duration("delay", delay))
	return job, nil
}

// Depth reports the number of pending jobs of the given kind.
func (q *Queue) Depth(ctx context.Context, kind string) (int, error) {
	return q.store.CountJobs(ctx, kind, schema.JobPending)
}
