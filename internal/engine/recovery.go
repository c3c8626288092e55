package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/outflowhq/outflow/internal/alert"
	"github.com/outflowhq/outflow/internal/logging"
	"github.com/outflowhq/outflow/internal/queue"
	"github.com/outflowhq/outflow/internal/store"
	"github.com/outflowhq/outflow/pkg/schema"
)

// RecoveryConfig tunes stuck-dispatch detection.
type RecoveryConfig struct {
	// InactivityWindow is how long a broadcast may sit without child
	// activity before it counts as stuck.
	InactivityWindow time.Duration
	// QueueDepthLimit is the pending dispatch-job depth at or above which
	// the queue counts as still working and recovery stands down.
	QueueDepthLimit int
	// Batch caps the executing records scanned per run.
	Batch int
}

// DefaultRecoveryConfig returns the recovery defaults.
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		InactivityWindow: 30 * time.Minute,
		QueueDepthLimit:  10,
		Batch:            100,
	}
}

// RecoveryResult summarizes one recovery run.
type RecoveryResult struct {
	Scanned  int `json:"scanned"`
	Repaired int `json:"repaired"`
}

// Recovery force-completes stage broadcasts abandoned mid-flight so
// their executions keep walking. Repair re-enters the executor's own
// branch resolution rather than reimplementing it, so a recovered
// execution advances exactly as a live one would have.
type Recovery struct {
	store    store.Store
	queue    *queue.Queue
	executor *Executor
	notifier alert.Notifier
	config   RecoveryConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewRecovery wires a recovery pass around an executor.
func NewRecovery(s store.Store, q *queue.Queue, exec *Executor, notifier alert.Notifier, cfg RecoveryConfig, logger *slog.Logger) *Recovery {
	def := DefaultRecoveryConfig()
	if cfg.InactivityWindow <= 0 {
		cfg.InactivityWindow = def.InactivityWindow
	}
	if cfg.QueueDepthLimit <= 0 {
		cfg.QueueDepthLimit = def.QueueDepthLimit
	}
	if cfg.Batch <= 0 {
		cfg.Batch = def.Batch
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recovery{
		store:    s,
		queue:    q,
		executor: exec,
		notifier: notifier,
		config:   cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Run scans executing stage records and repairs the stuck ones. A
// repair failure is logged and skipped; the rest of the batch proceeds.
func (r *Recovery) Run(ctx context.Context) (*RecoveryResult, error) {
	depth, err := r.queue.Depth(ctx, schema.JobKindDispatch)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "dispatch queue depth: %s", err.Error()).WithCause(err)
	}
	result := &RecoveryResult{}
	if depth >= r.config.QueueDepthLimit {
		// Continuations are still flowing; let the queue drain first.
		r.logger.InfoContext(ctx, "dispatch queue active, recovery standing down",
			slog.Int("depth", depth))
		return result, nil
	}

	recs, err := r.store.ListStageRecordsByState(ctx, schema.RecordExecuting, r.config.Batch)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list executing stage records: %s", err.Error()).WithCause(err)
	}
	result.Scanned = len(recs)

	for _, rec := range recs {
		repaired, err := r.repair(ctx, rec)
		if err != nil {
			r.logger.ErrorContext(ctx, "stuck repair failed",
				slog.String("execution_id", rec.ExecutionID),
				slog.String("node_id", rec.NodeID),
				slog.String("error", err.Error()))
			continue
		}
		if repaired {
			result.Repaired++
		}
	}

	if result.Repaired > 0 {
		r.logger.InfoContext(ctx, "recovery finished",
			slog.Int("scanned", result.Scanned),
			slog.Int("repaired", result.Repaired))
	}
	return result, nil
}

// repair applies the stuck heuristic to one executing record: unresolved
// children, an idle queue, and no child activity inside the window. When
// it holds, the unresolved children are forced failed, the record is
// completed synthetically, and the walk resumes.
func (r *Recovery) repair(ctx context.Context, rec *store.StageRecord) (bool, error) {
	ctx = logging.WithIDs(ctx, rec.ExecutionID, rec.NodeID)

	msgs, err := r.store.ListMessageRecords(ctx, rec.ExecutionID, rec.NodeID)
	if err != nil {
		return false, err
	}

	var pending []*store.MessageRecord
	var newest time.Time
	summary := stageSummary{Total: len(msgs), Recovered: true}
	firstMessageID := ""
	for _, m := range msgs {
		switch m.State {
		case schema.MessagePending:
			pending = append(pending, m)
		case schema.MessageSent:
			summary.Sent++
			if firstMessageID == "" && m.ProviderMessageID != "" {
				firstMessageID = m.ProviderMessageID
			}
		case schema.MessageFailed:
			summary.Failed++
		}
		if m.UpdatedAt.After(newest) {
			newest = m.UpdatedAt
		}
	}
	if len(pending) == 0 {
		// Fully attempted; the settle step owns this record.
		return false, nil
	}

	// A record with no child activity at all is as inactive as its own
	// start.
	if newest.IsZero() && rec.StartedAt != nil {
		newest = *rec.StartedAt
	}
	if !newest.IsZero() && r.now().UTC().Sub(newest) < r.config.InactivityWindow {
		return false, nil
	}

	failedState := schema.MessageFailed
	reason := "forced failed by stuck recovery"
	for _, m := range pending {
		if err := r.store.UpdateMessageRecord(ctx, m.ID, store.MessageRecordUpdate{
			State:        &failedState,
			ErrorMessage: &reason,
		}); err != nil {
			return false, err
		}
		summary.Failed++
	}

	// Downstream conditions need something to measure even when nothing
	// was confirmed sent.
	if firstMessageID == "" {
		firstMessageID = "recovered-" + uuid.NewString()
	}
	summaryJSON, _ := json.Marshal(summary)

	if err := r.executor.recFSM.Transition(ctx, rec.ExecutionID, rec.NodeID, schema.NodeKindStage, schema.RecordExecuting, schema.RecordCompleted, summaryJSON); err != nil {
		return false, err
	}
	completedState := schema.RecordCompleted
	synthetic := true
	now := r.now().UTC()
	if err := r.store.UpdateStageRecord(ctx, rec.ExecutionID, rec.NodeID, store.StageRecordUpdate{
		State:             &completedState,
		ProviderMessageID: &firstMessageID,
		ProviderResponse:  summaryJSON,
		Synthetic:         &synthetic,
		CompletedAt:       &now,
	}); err != nil {
		return false, err
	}

	_ = r.executor.events.AppendEvent(ctx, &store.Event{
		ExecutionID: rec.ExecutionID,
		NodeID:      rec.NodeID,
		Type:        schema.EventStageRecovered,
		Payload:     summaryJSON,
	})

	if r.notifier != nil {
		_ = r.notifier.Notify(ctx, alert.Event{
			Kind:        alert.KindStuckRecovered,
			Message:     "stuck stage broadcast force-completed",
			ExecutionID: rec.ExecutionID,
			NodeID:      rec.NodeID,
			Details: map[string]any{
				"forced_failed": len(pending),
				"sent":          summary.Sent,
				"failed":        summary.Failed,
			},
		})
	}

	r.logger.WarnContext(ctx, "stuck stage recovered",
		slog.Int("forced_failed", len(pending)),
		slog.Int("sent", summary.Sent))

	return true, r.resume(ctx, rec)
}

// resume re-enters the executor's branch resolution for the repaired
// node.
func (r *Recovery) resume(ctx context.Context, rec *store.StageRecord) error {
	exec, err := r.store.GetExecution(ctx, rec.ExecutionID)
	if err != nil {
		return err
	}
	if exec.State.Terminal() {
		return nil
	}
	g, err := r.executor.loadGraph(ctx, exec.FlowID)
	if err != nil {
		r.executor.failExecution(ctx, exec, err)
		return nil
	}
	return r.executor.resolveNext(ctx, exec, g, rec.NodeID, nil)
}
