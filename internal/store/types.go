package store

import (
	"encoding/json"
	"time"

	"github.com/outflowhq/outflow/pkg/schema"
)

// FlowRecord is the persisted flow graph definition.
type FlowRecord struct {
	ID         string                `json:"id"`
	Name       string                `json:"name,omitempty"`
	Version    int                   `json:"version"`
	Definition schema.FlowDefinition `json:"definition"`
	CreatedAt  time.Time             `json:"created_at"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

// Execution is the persisted graph-walk state of one campaign run over a
// set of contacts. The scheduler wakes it whenever next_node_scheduled_at
// comes due.
type Execution struct {
	ID                  string                `json:"id"`
	FlowID              string                `json:"flow_id"`
	ContactIDs          []string              `json:"contact_ids"`
	State               schema.ExecutionState `json:"state"`
	CurrentNodeID       string                `json:"current_node_id,omitempty"`
	NextNodeID          string                `json:"next_node_id,omitempty"`
	NextNodeScheduledAt *time.Time            `json:"next_node_scheduled_at,omitempty"`
	ErrorMessage        string                `json:"error_message,omitempty"`
	CreatedAt           time.Time             `json:"created_at"`
	StartedAt           *time.Time            `json:"started_at,omitempty"`
	CompletedAt         *time.Time            `json:"completed_at,omitempty"`
	UpdatedAt           time.Time             `json:"updated_at"`
}

// StageRecord tracks one stage node's dispatch within an execution.
// The (execution_id, node_id) pair is unique; re-entry on a completed or
// executing record is skipped.
type StageRecord struct {
	ExecutionID       string             `json:"execution_id"`
	NodeID            string             `json:"node_id"`
	State             schema.RecordState `json:"state"`
	Attempt           int                `json:"attempt"`
	ProviderMessageID string             `json:"provider_message_id,omitempty"`
	ProviderResponse  json.RawMessage    `json:"provider_response,omitempty"`
	ErrorMessage      string             `json:"error_message,omitempty"`
	Synthetic         bool               `json:"synthetic,omitempty"` // completion written by stuck recovery
	StartedAt         *time.Time         `json:"started_at,omitempty"`
	CompletedAt       *time.Time         `json:"completed_at,omitempty"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// ConditionRecord tracks one condition node's evaluation within an execution.
type ConditionRecord struct {
	ExecutionID     string             `json:"execution_id"`
	NodeID          string             `json:"node_id"`
	State           schema.RecordState `json:"state"`
	CheckParam      string             `json:"check_param"`
	CheckOperator   string             `json:"check_operator"`
	CheckValue      json.RawMessage    `json:"check_value,omitempty"`
	SourceMessageID string             `json:"source_message_id,omitempty"` // prior stage's provider message id
	Result          *bool              `json:"result,omitempty"`
	MetricValue     *int               `json:"metric_value,omitempty"`
	BranchYes       []string           `json:"branch_yes,omitempty"` // contact cohort routed yes
	BranchNo        []string           `json:"branch_no,omitempty"`
	ErrorMessage    string             `json:"error_message,omitempty"`
	StartedAt       *time.Time         `json:"started_at,omitempty"`
	CompletedAt     *time.Time         `json:"completed_at,omitempty"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// MessageRecord tracks one contact's message within a stage dispatch.
type MessageRecord struct {
	ID                string              `json:"id"`
	ExecutionID       string              `json:"execution_id"`
	NodeID            string              `json:"node_id"`
	ContactID         string              `json:"contact_id"`
	Channel           schema.Channel      `json:"channel"`
	State             schema.MessageState `json:"state"`
	ProviderMessageID string              `json:"provider_message_id,omitempty"`
	ErrorMessage      string              `json:"error_message,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// Job is a delayed work item consumed by the queue: deferred dispatch
// continuations and condition verifications.
type Job struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RunAt     time.Time       `json:"run_at"`
	Attempts  int             `json:"attempts"`
	State     schema.JobState `json:"state"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Event is an immutable entry in the event sourcing log.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	NodeID      string          `json:"node_id,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// --- Filter and update types ---

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	State     *schema.ExecutionState `json:"state,omitempty"`
	FlowID    string                 `json:"flow_id,omitempty"`
	DueBefore *time.Time             `json:"due_before,omitempty"`
	Since     *time.Time             `json:"since,omitempty"`
	Limit     int                    `json:"limit,omitempty"`
	Offset    int                    `json:"offset,omitempty"`
}

// ExecutionUpdate specifies mutable fields of an execution. ClearNext
// nulls both next-node columns, used when an execution reaches the end.
type ExecutionUpdate struct {
	State               *schema.ExecutionState `json:"state,omitempty"`
	CurrentNodeID       *string                `json:"current_node_id,omitempty"`
	NextNodeID          *string                `json:"next_node_id,omitempty"`
	NextNodeScheduledAt *time.Time             `json:"next_node_scheduled_at,omitempty"`
	ClearNext           bool                   `json:"clear_next,omitempty"`
	ErrorMessage        *string                `json:"error_message,omitempty"`
	StartedAt           *time.Time             `json:"started_at,omitempty"`
	CompletedAt         *time.Time             `json:"completed_at,omitempty"`
}

// StageRecordUpdate specifies mutable fields of a stage record.
type StageRecordUpdate struct {
	State             *schema.RecordState `json:"state,omitempty"`
	Attempt           *int                `json:"attempt,omitempty"`
	ProviderMessageID *string             `json:"provider_message_id,omitempty"`
	ProviderResponse  json.RawMessage     `json:"provider_response,omitempty"`
	ErrorMessage      *string             `json:"error_message,omitempty"`
	Synthetic         *bool               `json:"synthetic,omitempty"`
	CompletedAt       *time.Time          `json:"completed_at,omitempty"`
}

// ConditionRecordUpdate specifies mutable fields of a condition record.
type ConditionRecordUpdate struct {
	State           *schema.RecordState `json:"state,omitempty"`
	SourceMessageID *string             `json:"source_message_id,omitempty"`
	Result          *bool               `json:"result,omitempty"`
	MetricValue     *int                `json:"metric_value,omitempty"`
	BranchYes       []string            `json:"branch_yes,omitempty"`
	BranchNo        []string            `json:"branch_no,omitempty"`
	ErrorMessage    *string             `json:"error_message,omitempty"`
	CompletedAt     *time.Time          `json:"completed_at,omitempty"`
}

// MessageRecordUpdate specifies mutable fields of a message record.
type MessageRecordUpdate struct {
	State             *schema.MessageState `json:"state,omitempty"`
	ProviderMessageID *string              `json:"provider_message_id,omitempty"`
	ErrorMessage      *string              `json:"error_message,omitempty"`
}

// JobUpdate specifies mutable fields of a queued job.
type JobUpdate struct {
	State     *schema.JobState `json:"state,omitempty"`
	RunAt     *time.Time       `json:"run_at,omitempty"`
	Attempts  *int             `json:"attempts,omitempty"`
	LastError *string          `json:"last_error,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	ExecutionID string     `json:"execution_id,omitempty"`
	NodeID      string     `json:"node_id,omitempty"`
	Since       *time.Time `json:"since,omitempty"`
	Limit       int        `json:"limit,omitempty"`
}
