// Package engine advances flow executions: the periodic sweep, stage
// dispatch under the guard, asynchronous condition verification, and
// stuck recovery.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/outflowhq/outflow/internal/archive"
	"github.com/outflowhq/outflow/internal/dispatch"
	"github.com/outflowhq/outflow/internal/flow"
	"github.com/outflowhq/outflow/internal/logging"
	"github.com/outflowhq/outflow/internal/metrics"
	"github.com/outflowhq/outflow/internal/queue"
	"github.com/outflowhq/outflow/internal/store"
	"github.com/outflowhq/outflow/pkg/schema"
)

// EventLogger abstracts the event log operations the executor needs.
// Satisfied by *store.EventLog and by the Store itself.
type EventLogger interface {
	EventAppender
	GetEvents(ctx context.Context, executionID string, since int64) ([]*store.Event, error)
}

// DefaultPoolSize is the default sweep fan-out.
const DefaultPoolSize = 8

// DefaultSweepBatch is the default cap on executions loaded per sweep.
const DefaultSweepBatch = 100

// ExecutorConfig holds tuning for the sweep.
type ExecutorConfig struct {
	PoolSize   int // max concurrently advanced executions
	SweepBatch int // max due executions loaded per sweep
}

// Executor walks executions through their flow graphs, one node per
// wake-up. All state lives in the store; the executor itself is
// stateless and safe for concurrent use.
type Executor struct {
	store    store.Store
	events   EventLogger
	execFSM  *ExecutionFSM
	recFSM   *RecordFSM
	pool     *WorkerPool
	guard    *dispatch.Guard
	provider dispatch.Provider
	queue    *queue.Queue
	metrics  metrics.Provider
	archiver archive.Archiver
	config   ExecutorConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewExecutor wires an executor. archiver is optional; omitting it
// disables payload archiving.
func NewExecutor(s store.Store, el EventLogger, guard *dispatch.Guard, provider dispatch.Provider, q *queue.Queue, m metrics.Provider, cfg ExecutorConfig, logger *slog.Logger, archiver ...archive.Archiver) *Executor {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = DefaultSweepBatch
	}
	if logger == nil {
		logger = slog.Default()
	}
	var arch archive.Archiver = archive.NopArchiver{}
	if len(archiver) > 0 && archiver[0] != nil {
		arch = archiver[0]
	}
	return &Executor{
		store:    s,
		events:   el,
		execFSM:  NewExecutionFSM(el),
		recFSM:   NewRecordFSM(el),
		pool:     NewWorkerPool(cfg.PoolSize),
		guard:    guard,
		provider: provider,
		queue:    q,
		metrics:  m,
		archiver: arch,
		config:   cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Shutdown drains the sweep pool. In-flight advances finish; new sweeps
// are rejected.
func (e *Executor) Shutdown() {
	e.pool.Shutdown()
}

// Start creates an execution for a contact cohort at the flow's entry
// node and schedules it for the next sweep.
func (e *Executor) Start(ctx context.Context, flowID string, contactIDs []string) (*store.Execution, error) {
	if flowID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "flow id is empty")
	}
	if len(contactIDs) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "contact cohort is empty")
	}

	flowRec, err := e.store.GetFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}
	g, err := flow.Parse(&flowRec.Definition)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	exec := &store.Execution{
		ID:                  uuid.NewString(),
		FlowID:              flowID,
		ContactIDs:          contactIDs,
		State:               schema.ExecutionPending,
		NextNodeID:          g.EntryNodeID(),
		NextNodeScheduledAt: &now,
		CreatedAt:           now,
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create execution: %s", err.Error()).WithCause(err)
	}

	ctx = logging.WithExecutionID(ctx, exec.ID)
	if err := e.execFSM.Transition(ctx, exec.ID, schema.ExecutionPending, schema.ExecutionInProgress, nil); err != nil {
		return nil, err
	}
	inProgress := schema.ExecutionInProgress
	if err := e.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
		State:     &inProgress,
		StartedAt: &now,
	}); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "start execution: %s", err.Error()).WithCause(err)
	}
	exec.State = schema.ExecutionInProgress
	exec.StartedAt = &now

	e.logger.InfoContext(ctx, "execution started",
		slog.String("flow_id", flowID),
		slog.String("entry_node", exec.NextNodeID),
		slog.Int("contacts", len(contactIDs)))
	return exec, nil
}

// ExecutionStatus is an operator-facing snapshot of one execution.
type ExecutionStatus struct {
	Execution  *store.Execution         `json:"execution"`
	Stages     []*store.StageRecord     `json:"stages,omitempty"`
	Conditions []*store.ConditionRecord `json:"conditions,omitempty"`
	Messages   []*store.MessageRecord   `json:"messages,omitempty"`
	Events     []*store.Event           `json:"events,omitempty"`
}

// Status returns the execution with its node records, per-contact
// messages, and event history.
func (e *Executor) Status(ctx context.Context, executionID string) (*ExecutionStatus, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	stages, err := e.store.ListStageRecords(ctx, executionID)
	if err != nil {
		return nil, err
	}
	conditions, err := e.store.ListConditionRecords(ctx, executionID)
	if err != nil {
		return nil, err
	}
	messages, err := e.store.ListMessageRecords(ctx, executionID, "")
	if err != nil {
		return nil, err
	}
	events, err := e.events.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, err
	}
	return &ExecutionStatus{
		Execution:  exec,
		Stages:     stages,
		Conditions: conditions,
		Messages:   messages,
		Events:     events,
	}, nil
}

// SweepResult summarizes one sweep invocation.
type SweepResult struct {
	Due      int `json:"due"`
	Advanced int `json:"advanced"`
	Failed   int `json:"failed"`
}

// Sweep loads every in-progress execution whose next node is due and
// advances each across the worker pool. Failures stay isolated: one bad
// execution never halts the batch.
func (e *Executor) Sweep(ctx context.Context) (*SweepResult, error) {
	due, err := e.store.ListDueExecutions(ctx, e.now().UTC(), e.config.SweepBatch)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list due executions: %s", err.Error()).WithCause(err)
	}

	result := &SweepResult{Due: len(due)}
	if len(due) == 0 {
		return result, nil
	}

	var advanced, failed int64
	for _, exec := range due {
		err := e.pool.Submit(ctx, func(ctx context.Context) error {
			if err := e.advance(ctx, exec); err != nil {
				atomic.AddInt64(&failed, 1)
				return err
			}
			atomic.AddInt64(&advanced, 1)
			return nil
		})
		if err != nil {
			// Cancelled or shutting down; the rest of the batch stays due
			// and is picked up by the next trigger.
			e.logger.WarnContext(ctx, "sweep submission stopped", slog.String("error", err.Error()))
			break
		}
	}
	e.pool.Wait()

	result.Advanced = int(atomic.LoadInt64(&advanced))
	result.Failed = int(atomic.LoadInt64(&failed))
	e.logger.InfoContext(ctx, "sweep finished",
		slog.Int("due", result.Due),
		slog.Int("advanced", result.Advanced),
		slog.Int("failed", result.Failed))
	return result, nil
}

// advance walks one execution a single node forward. Any error or panic
// in here marks only this execution failed.
func (e *Executor) advance(ctx context.Context, exec *store.Execution) (err error) {
	ctx = logging.WithIDs(ctx, exec.ID, exec.NextNodeID)

	defer func() {
		if r := recover(); r != nil {
			err = schema.NewErrorf(schema.ErrCodeExecution, "advance panicked: %v", r)
			e.logger.ErrorContext(ctx, "execution advance panicked", slog.Any("panic", r))
			e.failExecution(ctx, exec, err)
		}
	}()

	g, err := e.loadGraph(ctx, exec.FlowID)
	if err != nil {
		e.failExecution(ctx, exec, err)
		return err
	}

	node, ok := g.Node(exec.NextNodeID)
	if !ok {
		gerr := schema.NewErrorf(schema.ErrCodeGraph, "next node %q not in flow %s", exec.NextNodeID, exec.FlowID).
			WithNode(exec.NextNodeID)
		e.failExecution(ctx, exec, gerr)
		return gerr
	}

	switch node.Kind {
	case schema.NodeKindStage:
		err = e.runStage(ctx, exec, g, node.Stage)
	default:
		err = e.runCondition(ctx, exec, g, node.Condition)
	}
	if err != nil {
		e.failExecution(ctx, exec, err)
	}
	return err
}

// loadGraph fetches and parses the execution's flow definition. Any
// failure here is fatal to the execution, not to the sweep.
func (e *Executor) loadGraph(ctx context.Context, flowID string) (*flow.Graph, error) {
	flowRec, err := e.store.GetFlow(ctx, flowID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeGraph, "load flow %s: %s", flowID, err.Error()).WithCause(err)
	}
	g, err := flow.Parse(&flowRec.Definition)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeGraph, "parse flow %s: %s", flowID, err.Error()).WithCause(err)
	}
	return g, nil
}

// failExecution marks the execution failed. Best-effort: a store error
// here is logged, the original failure is what matters.
func (e *Executor) failExecution(ctx context.Context, exec *store.Execution, cause error) {
	payload, _ := json.Marshal(map[string]any{"error": cause.Error()})
	if err := e.execFSM.Transition(ctx, exec.ID, exec.State, schema.ExecutionFailed, payload); err != nil {
		e.logger.WarnContext(ctx, "failed-state transition rejected", slog.String("error", err.Error()))
		return
	}
	failedState := schema.ExecutionFailed
	msg := cause.Error()
	now := e.now().UTC()
	if err := e.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
		State:        &failedState,
		ErrorMessage: &msg,
		CompletedAt:  &now,
	}); err != nil {
		e.logger.ErrorContext(ctx, "persist failed execution", slog.String("error", err.Error()))
		return
	}
	exec.State = schema.ExecutionFailed
	e.logger.ErrorContext(ctx, "execution failed", slog.String("error", msg))
}

// runStage dispatches a stage node's broadcast.
func (e *Executor) runStage(ctx context.Context, exec *store.Execution, g *flow.Graph, stage *schema.StageNode) error {
	rec, err := e.store.GetStageRecord(ctx, exec.ID, stage.ID)
	if err != nil {
		if !isNotFound(err) {
			return schema.NewErrorf(schema.ErrCodeStore, "load stage record: %s", err.Error()).WithCause(err)
		}
		now := e.now().UTC()
		rec = &store.StageRecord{
			ExecutionID: exec.ID,
			NodeID:      stage.ID,
			State:       schema.RecordPending,
			StartedAt:   &now,
		}
		if err := e.store.CreateStageRecord(ctx, rec); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "create stage record: %s", err.Error()).WithCause(err)
		}
	}

	// Idempotent re-entry guard: overlapping sweeps must not dispatch the
	// same node twice.
	if rec.State != schema.RecordPending {
		e.logger.InfoContext(ctx, "stage record not pending, skipping",
			slog.String("state", string(rec.State)))
		return nil
	}

	if err := e.recFSM.Transition(ctx, exec.ID, stage.ID, schema.NodeKindStage, schema.RecordPending, schema.RecordExecuting, nil); err != nil {
		return err
	}
	executing := schema.RecordExecuting
	if err := e.store.UpdateStageRecord(ctx, exec.ID, stage.ID, store.StageRecordUpdate{State: &executing}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "mark stage executing: %s", err.Error()).WithCause(err)
	}
	rec.State = schema.RecordExecuting

	return e.dispatchStage(ctx, exec, g, stage, rec)
}

// dispatchJob is the payload of a dispatch continuation job.
type dispatchJob struct {
	ExecutionID string `json:"execution_id"`
	NodeID      string `json:"node_id"`
	Attempt     int    `json:"attempt"`
}

// stageSummary is the provider response summary persisted when a stage
// record settles.
type stageSummary struct {
	Total     int  `json:"total"`
	Sent      int  `json:"sent"`
	Failed    int  `json:"failed"`
	Recovered bool `json:"recovered,omitempty"`
}

// dispatchStage sends the stage's message to every contact still
// pending, then settles the record and resolves the branch. A guard
// deferral parks the remainder on a delayed continuation job and leaves
// the record executing.
func (e *Executor) dispatchStage(ctx context.Context, exec *store.Execution, g *flow.Graph, stage *schema.StageNode, rec *store.StageRecord) error {
	channel := string(stage.MessageType)
	ctx = logging.WithChannel(ctx, channel)

	msgs, err := e.stageMessages(ctx, exec, stage)
	if err != nil {
		return err
	}

	for _, msg := range msgs {
		if msg.State != schema.MessagePending {
			continue
		}

		req := e.buildRequest(exec, stage, msg.ContactID)
		var result dispatch.SendResult
		sendErr := e.guard.Run(ctx, channel, rec.Attempt, func(ctx context.Context) error {
			var err error
			result, err = e.provider.Send(ctx, req)
			return err
		})

		if deferred, ok := dispatch.AsDeferred(sendErr); ok {
			return e.parkDispatch(ctx, exec, stage, rec, deferred)
		}
		if sendErr != nil {
			e.recordMessageFailure(ctx, msg, req, sendErr)
			continue
		}
		e.recordMessageSent(ctx, msg, req, result.MessageID)
	}

	return e.settleStage(ctx, exec, g, stage, msgs)
}

// stageMessages loads the per-contact records for this stage, creating
// the full cohort as pending on first entry. Continuations see the
// records the original dispatch created.
func (e *Executor) stageMessages(ctx context.Context, exec *store.Execution, stage *schema.StageNode) ([]*store.MessageRecord, error) {
	msgs, err := e.store.ListMessageRecords(ctx, exec.ID, stage.ID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list message records: %s", err.Error()).WithCause(err)
	}
	if len(msgs) > 0 {
		return msgs, nil
	}

	now := e.now().UTC()
	for _, contactID := range exec.ContactIDs {
		msg := &store.MessageRecord{
			ID:          uuid.NewString(),
			ExecutionID: exec.ID,
			NodeID:      stage.ID,
			ContactID:   contactID,
			Channel:     stage.MessageType,
			State:       schema.MessagePending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := e.store.CreateMessageRecord(ctx, msg); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "create message record: %s", err.Error()).WithCause(err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// buildRequest assembles the provider payload for one contact.
func (e *Executor) buildRequest(exec *store.Execution, stage *schema.StageNode, contactID string) dispatch.SendRequest {
	return dispatch.SendRequest{
		Channel:     string(stage.MessageType),
		Recipient:   contactID,
		Subject:     stage.Subject,
		TemplateRef: stage.TemplateRef,
		Content:     stage.InlineContent,
		Metadata: map[string]string{
			"flow_id":      exec.FlowID,
			"execution_id": exec.ID,
			"node_id":      stage.ID,
		},
	}
}

func (e *Executor) recordMessageSent(ctx context.Context, msg *store.MessageRecord, req dispatch.SendRequest, providerID string) {
	sent := schema.MessageSent
	if err := e.store.UpdateMessageRecord(ctx, msg.ID, store.MessageRecordUpdate{
		State:             &sent,
		ProviderMessageID: &providerID,
	}); err != nil {
		e.logger.ErrorContext(ctx, "persist sent message",
			slog.String("message_record_id", msg.ID), slog.String("error", err.Error()))
	}
	msg.State = schema.MessageSent
	msg.ProviderMessageID = providerID

	e.appendMessageEvent(ctx, msg, schema.EventMessageSent, "")
	e.archiveDispatch(ctx, msg, req, "")
}

func (e *Executor) recordMessageFailure(ctx context.Context, msg *store.MessageRecord, req dispatch.SendRequest, sendErr error) {
	failedState := schema.MessageFailed
	errMsg := sendErr.Error()
	if err := e.store.UpdateMessageRecord(ctx, msg.ID, store.MessageRecordUpdate{
		State:        &failedState,
		ErrorMessage: &errMsg,
	}); err != nil {
		e.logger.ErrorContext(ctx, "persist failed message",
			slog.String("message_record_id", msg.ID), slog.String("error", err.Error()))
	}
	msg.State = schema.MessageFailed
	msg.ErrorMessage = errMsg

	e.logger.WarnContext(ctx, "message send failed",
		slog.String("contact_id", msg.ContactID), slog.String("error", errMsg))
	e.appendMessageEvent(ctx, msg, schema.EventMessageFailed, errMsg)
	e.archiveDispatch(ctx, msg, req, errMsg)
}

func (e *Executor) appendMessageEvent(ctx context.Context, msg *store.MessageRecord, eventType, errMsg string) {
	fields := map[string]any{
		"contact_id":        msg.ContactID,
		"message_record_id": msg.ID,
	}
	if msg.ProviderMessageID != "" {
		fields["provider_message_id"] = msg.ProviderMessageID
	}
	if errMsg != "" {
		fields["error"] = errMsg
	}
	payload, _ := json.Marshal(fields)
	_ = e.events.AppendEvent(ctx, &store.Event{
		ExecutionID: msg.ExecutionID,
		NodeID:      msg.NodeID,
		Type:        eventType,
		Payload:     payload,
	})
}

// archiveDispatch stores a compliance copy of the outbound payload.
// Best-effort: failures are logged and never fail the send.
func (e *Executor) archiveDispatch(ctx context.Context, msg *store.MessageRecord, req dispatch.SendRequest, sendErr string) {
	rec := archive.Record{
		ExecutionID: msg.ExecutionID,
		NodeID:      msg.NodeID,
		ContactID:   msg.ContactID,
		Channel:     string(msg.Channel),
		MessageID:   msg.ProviderMessageID,
		Request:     req,
		Error:       sendErr,
	}
	if err := e.archiver.Archive(ctx, rec); err != nil {
		e.logger.WarnContext(ctx, "archive dispatch record", slog.String("error", err.Error()))
	}
}

// parkDispatch re-queues the rest of the broadcast after a guard
// deferral. The record stays executing; branch resolution waits for the
// continuation.
func (e *Executor) parkDispatch(ctx context.Context, exec *store.Execution, stage *schema.StageNode, rec *store.StageRecord, deferred *dispatch.DeferredError) error {
	nextAttempt := rec.Attempt + 1
	if err := e.store.UpdateStageRecord(ctx, exec.ID, stage.ID, store.StageRecordUpdate{Attempt: &nextAttempt}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "bump dispatch attempt: %s", err.Error()).WithCause(err)
	}
	rec.Attempt = nextAttempt

	payload := dispatchJob{ExecutionID: exec.ID, NodeID: stage.ID, Attempt: nextAttempt}
	if _, err := e.queue.Enqueue(ctx, schema.JobKindDispatch, payload, deferred.Delay); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "enqueue dispatch continuation: %s", err.Error()).WithCause(err)
	}

	eventPayload, _ := json.Marshal(map[string]any{
		"code":    deferred.Code,
		"reason":  deferred.Reason,
		"attempt": nextAttempt,
		"delay":   deferred.Delay.String(),
	})
	_ = e.events.AppendEvent(ctx, &store.Event{
		ExecutionID: exec.ID,
		NodeID:      stage.ID,
		Type:        schema.EventDispatchDeferred,
		Payload:     eventPayload,
	})

	e.logger.WarnContext(ctx, "dispatch deferred, broadcast parked",
		slog.String("reason", deferred.Reason),
		slog.Int("attempt", nextAttempt),
		slog.Duration("delay", deferred.Delay))
	return nil
}

// settleStage closes out a fully attempted broadcast: at least one sent
// message completes the record, a total failure fails it, and either
// way the walk advances.
func (e *Executor) settleStage(ctx context.Context, exec *store.Execution, g *flow.Graph, stage *schema.StageNode, msgs []*store.MessageRecord) error {
	summary := stageSummary{Total: len(msgs)}
	firstMessageID := ""
	for _, m := range msgs {
		switch m.State {
		case schema.MessageSent:
			summary.Sent++
			if firstMessageID == "" && m.ProviderMessageID != "" {
				firstMessageID = m.ProviderMessageID
			}
		case schema.MessageFailed:
			summary.Failed++
		}
	}
	summaryJSON, _ := json.Marshal(summary)
	now := e.now().UTC()

	if summary.Sent > 0 {
		if err := e.recFSM.Transition(ctx, exec.ID, stage.ID, schema.NodeKindStage, schema.RecordExecuting, schema.RecordCompleted, summaryJSON); err != nil {
			return err
		}
		completed := schema.RecordCompleted
		if err := e.store.UpdateStageRecord(ctx, exec.ID, stage.ID, store.StageRecordUpdate{
			State:             &completed,
			ProviderMessageID: &firstMessageID,
			ProviderResponse:  summaryJSON,
			CompletedAt:       &now,
		}); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "complete stage record: %s", err.Error()).WithCause(err)
		}
		e.logger.InfoContext(ctx, "stage dispatched",
			slog.Int("sent", summary.Sent), slog.Int("failed", summary.Failed))
	} else {
		errMsg := fmt.Sprintf("all %d sends failed", summary.Total)
		if err := e.recFSM.Transition(ctx, exec.ID, stage.ID, schema.NodeKindStage, schema.RecordExecuting, schema.RecordFailed, summaryJSON); err != nil {
			return err
		}
		failedState := schema.RecordFailed
		if err := e.store.UpdateStageRecord(ctx, exec.ID, stage.ID, store.StageRecordUpdate{
			State:            &failedState,
			ProviderResponse: summaryJSON,
			ErrorMessage:     &errMsg,
			CompletedAt:      &now,
		}); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "fail stage record: %s", err.Error()).WithCause(err)
		}
		e.logger.WarnContext(ctx, "stage dispatch failed for every contact",
			slog.Int("failed", summary.Failed))
	}

	// Send failures advance gracefully; a broadcast never stalls the walk.
	return e.resolveNext(ctx, exec, g, stage.ID, nil)
}

// HandleDispatch resumes a parked broadcast. Registered on the queue
// consumer under the dispatch job kind.
func (e *Executor) HandleDispatch(ctx context.Context, job *store.Job) error {
	var payload dispatchJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "decode dispatch job: %s", err.Error()).WithCause(err)
	}
	ctx = logging.WithIDs(ctx, payload.ExecutionID, payload.NodeID)

	exec, err := e.store.GetExecution(ctx, payload.ExecutionID)
	if err != nil {
		return err
	}
	if exec.State.Terminal() {
		e.logger.InfoContext(ctx, "execution already terminal, dropping continuation",
			slog.String("state", string(exec.State)))
		return nil
	}

	g, err := e.loadGraph(ctx, exec.FlowID)
	if err != nil {
		e.failExecution(ctx, exec, err)
		return nil
	}
	stage, ok := g.Stage(payload.NodeID)
	if !ok {
		gerr := schema.NewErrorf(schema.ErrCodeGraph, "stage %q not in flow %s", payload.NodeID, exec.FlowID).
			WithNode(payload.NodeID)
		e.failExecution(ctx, exec, gerr)
		return nil
	}

	rec, err := e.store.GetStageRecord(ctx, exec.ID, payload.NodeID)
	if err != nil {
		return err
	}
	if rec.State != schema.RecordExecuting {
		// Recovery or another worker settled it first.
		e.logger.InfoContext(ctx, "stage record no longer executing, dropping continuation",
			slog.String("state", string(rec.State)))
		return nil
	}

	return e.dispatchStage(ctx, exec, g, stage, rec)
}

// runCondition enters a condition node: it either fails fast when the
// prior stage left nothing to measure, or parks the walk behind an
// asynchronous verification job.
func (e *Executor) runCondition(ctx context.Context, exec *store.Execution, g *flow.Graph, cond *schema.ConditionNode) error {
	rec, err := e.store.GetConditionRecord(ctx, exec.ID, cond.ID)
	if err != nil {
		if !isNotFound(err) {
			return schema.NewErrorf(schema.ErrCodeStore, "load condition record: %s", err.Error()).WithCause(err)
		}
		now := e.now().UTC()
		rec = &store.ConditionRecord{
			ExecutionID:   exec.ID,
			NodeID:        cond.ID,
			State:         schema.RecordPending,
			CheckParam:    string(cond.CheckParam),
			CheckOperator: cond.CheckOperator,
			CheckValue:    cond.CheckValue,
			StartedAt:     &now,
		}
		if err := e.store.CreateConditionRecord(ctx, rec); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "create condition record: %s", err.Error()).WithCause(err)
		}
	}

	if rec.State != schema.RecordPending {
		e.logger.InfoContext(ctx, "condition record not pending, skipping",
			slog.String("state", string(rec.State)))
		return nil
	}

	// A condition can only measure a message the prior stage tracked.
	messageID := e.priorMessageID(ctx, exec)
	if messageID == "" {
		return e.failCondition(ctx, exec, g, cond.ID, schema.RecordPending,
			"no provider message id from prior node")
	}

	if err := e.recFSM.Transition(ctx, exec.ID, cond.ID, schema.NodeKindCondition, schema.RecordPending, schema.RecordExecuting, nil); err != nil {
		return err
	}
	executing := schema.RecordExecuting
	if err := e.store.UpdateConditionRecord(ctx, exec.ID, cond.ID, store.ConditionRecordUpdate{
		State:           &executing,
		SourceMessageID: &messageID,
	}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "mark condition executing: %s", err.Error()).WithCause(err)
	}

	payload := verifyJob{
		ExecutionID:   exec.ID,
		NodeID:        cond.ID,
		MessageID:     messageID,
		CheckParam:    cond.CheckParam,
		CheckOperator: cond.CheckOperator,
		CheckValue:    cond.CheckValue,
		DelayMinutes:  cond.EvaluationDelay,
	}
	if _, err := e.queue.Enqueue(ctx, schema.JobKindVerify, payload, 0); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "enqueue verification: %s", err.Error()).WithCause(err)
	}

	e.logger.InfoContext(ctx, "condition verification scheduled",
		slog.String("param", string(cond.CheckParam)),
		slog.String("message_id", messageID))
	return nil
}

// priorMessageID finds the tracking id of the stage that precedes this
// condition in the walk. Empty when the prior node failed, was itself a
// condition, or never tracked a message.
func (e *Executor) priorMessageID(ctx context.Context, exec *store.Execution) string {
	if exec.CurrentNodeID == "" {
		return ""
	}
	prior, err := e.store.GetStageRecord(ctx, exec.ID, exec.CurrentNodeID)
	if err != nil {
		return ""
	}
	return prior.ProviderMessageID
}

// failCondition settles a condition record as failed and routes the
// walk down the no branch.
func (e *Executor) failCondition(ctx context.Context, exec *store.Execution, g *flow.Graph, nodeID string, from schema.RecordState, reason string) error {
	payload, _ := json.Marshal(map[string]any{"error": reason})
	if err := e.recFSM.Transition(ctx, exec.ID, nodeID, schema.NodeKindCondition, from, schema.RecordFailed, payload); err != nil {
		return err
	}
	failedState := schema.RecordFailed
	now := e.now().UTC()
	if err := e.store.UpdateConditionRecord(ctx, exec.ID, nodeID, store.ConditionRecordUpdate{
		State:        &failedState,
		ErrorMessage: &reason,
		CompletedAt:  &now,
	}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "fail condition record: %s", err.Error()).WithCause(err)
	}

	e.logger.WarnContext(ctx, "condition failed, taking no branch", slog.String("reason", reason))
	no := false
	return e.resolveNext(ctx, exec, g, nodeID, &no)
}

// resolveNext advances the walk out of nodeID. For condition nodes
// result selects the branch. No outgoing edge, or an end sentinel,
// completes the execution; otherwise the next node is scheduled after
// its wait.
func (e *Executor) resolveNext(ctx context.Context, exec *store.Execution, g *flow.Graph, nodeID string, result *bool) error {
	target, ok := g.Next(nodeID, result)
	if !ok || schema.IsEndTarget(target) {
		return e.completeExecution(ctx, exec, nodeID)
	}

	wait := g.Wait(target)
	at := e.now().UTC().Add(wait)
	if err := e.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
		CurrentNodeID:       &nodeID,
		NextNodeID:          &target,
		NextNodeScheduledAt: &at,
	}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "advance execution: %s", err.Error()).WithCause(err)
	}
	exec.CurrentNodeID = nodeID
	exec.NextNodeID = target
	exec.NextNodeScheduledAt = &at

	payload, _ := json.Marshal(map[string]any{"from": nodeID, "scheduled_at": at})
	_ = e.events.AppendEvent(ctx, &store.Event{
		ExecutionID: exec.ID,
		NodeID:      target,
		Type:        schema.EventNodeScheduled,
		Payload:     payload,
	})

	e.logger.InfoContext(ctx, "next node scheduled",
		slog.String("from", nodeID),
		slog.String("next", target),
		slog.Time("at", at))
	return nil
}

// completeExecution ends the walk at its final node.
func (e *Executor) completeExecution(ctx context.Context, exec *store.Execution, finalNodeID string) error {
	if err := e.execFSM.Transition(ctx, exec.ID, exec.State, schema.ExecutionCompleted, nil); err != nil {
		return err
	}
	completed := schema.ExecutionCompleted
	now := e.now().UTC()
	if err := e.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
		State:         &completed,
		CurrentNodeID: &finalNodeID,
		ClearNext:     true,
		CompletedAt:   &now,
	}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "complete execution: %s", err.Error()).WithCause(err)
	}
	exec.State = schema.ExecutionCompleted
	exec.CurrentNodeID = finalNodeID
	exec.NextNodeID = ""
	exec.NextNodeScheduledAt = nil

	e.logger.InfoContext(ctx, "execution completed", slog.String("final_node", finalNodeID))
	return nil
}

func isNotFound(err error) bool {
	var oerr *schema.OutflowError
	return errors.As(err, &oerr) && oerr.Code == schema.ErrCodeNotFound
}
