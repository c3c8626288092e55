package engine

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/outflowhq/outflow/internal/flow"
	"github.com/outflowhq/outflow/internal/logging"
	"github.com/outflowhq/outflow/internal/store"
	"github.com/outflowhq/outflow/pkg/schema"
)

// verifyJob is the payload of a condition verification job. It carries
// everything the check needs so the handler stays cheap on the happy
// path.
type verifyJob struct {
	ExecutionID   string            `json:"execution_id"`
	NodeID        string            `json:"node_id"`
	MessageID     string            `json:"message_id"`
	CheckParam    schema.CheckParam `json:"check_param"`
	CheckOperator string            `json:"check_operator"`
	CheckValue    json.RawMessage   `json:"check_value"`
	// DelayMinutes is the wait already served before the condition node
	// ran; diagnostic only, the job itself is due immediately.
	DelayMinutes int `json:"delay_minutes"`
}

// HandleVerify evaluates a scheduled condition check: fetch the metric,
// run the comparison, settle the record, and route the walk down the
// winning branch. Registered on the queue consumer under the verify job
// kind.
func (e *Executor) HandleVerify(ctx context.Context, job *store.Job) error {
	var payload verifyJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "decode verify job: %s", err.Error()).WithCause(err)
	}
	ctx = logging.WithIDs(ctx, payload.ExecutionID, payload.NodeID)

	exec, err := e.store.GetExecution(ctx, payload.ExecutionID)
	if err != nil {
		return err
	}
	if exec.State.Terminal() {
		e.logger.InfoContext(ctx, "execution already terminal, dropping verification",
			slog.String("state", string(exec.State)))
		return nil
	}

	rec, err := e.store.GetConditionRecord(ctx, exec.ID, payload.NodeID)
	if err != nil {
		return err
	}
	if rec.State != schema.RecordExecuting {
		// Recovery or a duplicate delivery settled it first.
		e.logger.InfoContext(ctx, "condition record not executing, dropping verification",
			slog.String("state", string(rec.State)))
		return nil
	}

	g, err := e.loadGraph(ctx, exec.FlowID)
	if err != nil {
		e.failExecution(ctx, exec, err)
		return nil
	}

	value, err := e.metrics.Fetch(ctx, payload.CheckParam, payload.MessageID)
	if err != nil {
		e.logger.WarnContext(ctx, "metric fetch failed",
			slog.String("param", string(payload.CheckParam)),
			slog.String("message_id", payload.MessageID),
			slog.String("error", err.Error()))
		return e.failCondition(ctx, exec, g, payload.NodeID, schema.RecordExecuting,
			"metric fetch failed: "+err.Error())
	}

	result := flow.Evaluate(value, payload.CheckOperator, payload.CheckValue)

	// The whole cohort rides the winning branch; per-contact splits are a
	// future refinement.
	var branchYes, branchNo []string
	if result {
		branchYes = exec.ContactIDs
	} else {
		branchNo = exec.ContactIDs
	}

	evalPayload, _ := json.Marshal(map[string]any{
		"result":       result,
		"metric_value": value,
		"operator":     payload.CheckOperator,
	})
	if err := e.recFSM.Transition(ctx, exec.ID, payload.NodeID, schema.NodeKindCondition, schema.RecordExecuting, schema.RecordCompleted, evalPayload); err != nil {
		return err
	}
	completed := schema.RecordCompleted
	now := e.now().UTC()
	if err := e.store.UpdateConditionRecord(ctx, exec.ID, payload.NodeID, store.ConditionRecordUpdate{
		State:       &completed,
		Result:      &result,
		MetricValue: &value,
		BranchYes:   branchYes,
		BranchNo:    branchNo,
		CompletedAt: &now,
	}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "complete condition record: %s", err.Error()).WithCause(err)
	}

	e.logger.InfoContext(ctx, "condition evaluated",
		slog.String("param", string(payload.CheckParam)),
		slog.Int("metric_value", value),
		slog.Bool("result", result))

	return e.resolveNext(ctx, exec, g, payload.NodeID, &result)
}
