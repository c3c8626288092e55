package schema

// Event type constants for the event sourcing log.
const (
	EventExecutionStarted   = "execution_started"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"

	EventNodeScheduled = "node_scheduled"

	EventStageDispatching = "stage_dispatching"
	EventStageCompleted   = "stage_completed"
	EventStageFailed      = "stage_failed"
	EventStageRecovered   = "stage_recovered"

	EventMessageSent   = "message_sent"
	EventMessageFailed = "message_failed"

	EventDispatchDeferred = "dispatch_deferred"

	EventConditionScheduled = "condition_scheduled"
	EventConditionEvaluated = "condition_evaluated"
	EventConditionFailed    = "condition_failed"
)

// ExecutionState represents the lifecycle state of a flow execution.
type ExecutionState string

const (
	ExecutionPending    ExecutionState = "pending"
	ExecutionInProgress ExecutionState = "in_progress"
	ExecutionCompleted  ExecutionState = "completed"
	ExecutionFailed     ExecutionState = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s ExecutionState) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

// RecordState represents the lifecycle state of a node execution record
// (stage or condition).
type RecordState string

const (
	RecordPending   RecordState = "pending"
	RecordExecuting RecordState = "executing"
	RecordCompleted RecordState = "completed"
	RecordFailed    RecordState = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s RecordState) Terminal() bool {
	return s == RecordCompleted || s == RecordFailed
}

// MessageState represents the delivery state of a per-contact message.
type MessageState string

const (
	MessagePending MessageState = "pending"
	MessageSent    MessageState = "sent"
	MessageFailed  MessageState = "failed"
)

// JobState represents the lifecycle state of a queued job.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// Job kinds understood by the queue consumer.
const (
	JobKindDispatch = "dispatch"
	JobKindVerify   = "verify"
)
