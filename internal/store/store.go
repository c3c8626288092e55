// Package store provides persistence for flows, executions, node records,
// messages, delayed jobs, and the event sourcing log.
package store

import (
	"context"
	"time"

	"github.com/outflowhq/outflow/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Flows
	CreateFlow(ctx context.Context, flow *FlowRecord) error
	GetFlow(ctx context.Context, id string) (*FlowRecord, error)
	UpdateFlow(ctx context.Context, flow *FlowRecord) error
	DeleteFlow(ctx context.Context, id string) error
	ListFlows(ctx context.Context) ([]*FlowRecord, error)

	// Executions
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)
	// ListDueExecutions returns in-progress executions whose next node is
	// scheduled at or before now, oldest first.
	ListDueExecutions(ctx context.Context, now time.Time, limit int) ([]*Execution, error)

	// Stage records
	CreateStageRecord(ctx context.Context, rec *StageRecord) error
	GetStageRecord(ctx context.Context, executionID, nodeID string) (*StageRecord, error)
	UpdateStageRecord(ctx context.Context, executionID, nodeID string, update StageRecordUpdate) error
	ListStageRecords(ctx context.Context, executionID string) ([]*StageRecord, error)
	// ListStageRecordsByState returns records in the given state across all
	// executions, oldest first. Stuck recovery scans executing records.
	ListStageRecordsByState(ctx context.Context, state schema.RecordState, limit int) ([]*StageRecord, error)

	// Condition records
	CreateConditionRecord(ctx context.Context, rec *ConditionRecord) error
	GetConditionRecord(ctx context.Context, executionID, nodeID string) (*ConditionRecord, error)
	UpdateConditionRecord(ctx context.Context, executionID, nodeID string, update ConditionRecordUpdate) error
	ListConditionRecords(ctx context.Context, executionID string) ([]*ConditionRecord, error)

	// Message records
	CreateMessageRecord(ctx context.Context, rec *MessageRecord) error
	GetMessageRecord(ctx context.Context, id string) (*MessageRecord, error)
	UpdateMessageRecord(ctx context.Context, id string, update MessageRecordUpdate) error
	ListMessageRecords(ctx context.Context, executionID, nodeID string) ([]*MessageRecord, error)

	// Delayed jobs
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	UpdateJob(ctx context.Context, id string, update JobUpdate) error
	// ClaimJob transitions a pending job to running. Returns false when the
	// job was already claimed or is no longer pending.
	ClaimJob(ctx context.Context, id string, now time.Time) (bool, error)
	// ListDueJobs returns pending jobs of the given kind due at or before
	// now, oldest first.
	ListDueJobs(ctx context.Context, kind string, now time.Time, limit int) ([]*Job, error)
	CountJobs(ctx context.Context, kind string, state schema.JobState) (int, error)

	// Event sourcing (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error
	Close() error
}
