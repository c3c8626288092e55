package schema

import "encoding/json"

// FlowDefinition is the JSON-serializable flow graph format.
// Builders provide this when registering a flow; the engine walks it
// one node per wake-up while an execution is in progress.
type FlowDefinition struct {
	Stages     []StageNode     `json:"stages"`
	Conditions []ConditionNode `json:"conditions,omitempty"`
	Branches   []Branch        `json:"branches,omitempty"`
	Edges      []LegacyEdge    `json:"edges,omitempty"` // legacy connector shape, normalized on parse
	Metadata   map[string]any  `json:"metadata,omitempty"`
}

// StageNode is a message-sending node. The engine dispatches one message
// per contact in the execution when the walk reaches it.
type StageNode struct {
	ID            string  `json:"id"`
	Name          string  `json:"name,omitempty"`
	WaitDays      int     `json:"waitDays"`                // delay before dispatch, in days
	MessageType   Channel `json:"messageType,omitempty"`   // email | sms (default: email)
	TemplateRef   string  `json:"templateRef,omitempty"`   // provider-side template identifier
	Subject       string  `json:"subject,omitempty"`       // email only
	InlineContent string  `json:"inlineContent,omitempty"` // literal body when no template is set
}

// ConditionNode is a branching node. The engine fetches an engagement
// metric for the prior stage's message and routes the walk down the
// yes or no branch.
type ConditionNode struct {
	ID              string          `json:"id"`
	Name            string          `json:"name,omitempty"`
	CheckParam      CheckParam      `json:"checkParam"`
	CheckOperator   string          `json:"checkOperator"`
	CheckValue      json.RawMessage `json:"checkValue"`
	EvaluationDelay int             `json:"evaluationDelay"` // delay before evaluation, in minutes
}

// Branch connects two nodes. SourceHandle carries the branch label when
// the source is a condition node.
type Branch struct {
	SourceNodeID string `json:"sourceNodeId"`
	TargetNodeID string `json:"targetNodeId"`
	SourceHandle string `json:"sourceHandle,omitempty"` // yes | no for condition sources
}

// LegacyEdge is the older connector shape (source/target keys). Parsers
// fold these into Branches; Branches win when both are present.
type LegacyEdge struct {
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
}

// NodeKind enumerates the kinds of nodes in a flow graph.
type NodeKind string

const (
	NodeKindStage     NodeKind = "stage"
	NodeKindCondition NodeKind = "condition"
)

// Channel enumerates the delivery channels for stage messages.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// CheckParam enumerates the engagement metrics a condition can test.
type CheckParam string

const (
	ParamViews        CheckParam = "Views"
	ParamClicks       CheckParam = "Clicks"
	ParamBounces      CheckParam = "Bounces"
	ParamUnsubscribes CheckParam = "Unsubscribes"
)

// Comparison operators accepted by condition nodes.
const (
	OpEqual        = "="
	OpEqualAlias   = "=="
	OpNotEqual     = "!="
	OpGreater      = ">"
	OpGreaterEqual = ">="
	OpLess         = "<"
	OpLessEqual    = "<="
	OpIn           = "in"
	OpNotIn        = "not_in"
)

// BranchYes and BranchNo are the handle labels on condition branches.
const (
	BranchYes = "yes"
	BranchNo  = "no"
)

// EndNodeID is the terminal sentinel. A branch targeting "end", or any
// id with the "end-" prefix, completes the execution.
const EndNodeID = "end"

// IsEndTarget reports whether a branch target is the terminal sentinel.
func IsEndTarget(id string) bool {
	return id == EndNodeID || (len(id) > len(EndNodeID) && id[:len(EndNodeID)+1] == EndNodeID+"-")
}
