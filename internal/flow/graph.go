package flow

import (
	"fmt"
	"strings"
	"time"

	"github.com/outflowhq/outflow/pkg/schema"
)

// Graph is the in-memory representation of a flow definition.
// Built from a FlowDefinition, used by the executor to resolve the next
// node each time an execution wakes up.
type Graph struct {
	stages     map[string]*schema.StageNode
	conditions map[string]*schema.ConditionNode
	branches   []schema.Branch
	outgoing   map[string][]schema.Branch
	entry      string
	order      []string // node registration order
}

// Node is a unified view over stage and condition nodes.
type Node struct {
	ID        string
	Kind      schema.NodeKind
	Stage     *schema.StageNode
	Condition *schema.ConditionNode
}

// validChannels is the set of recognized stage delivery channels.
var validChannels = map[schema.Channel]bool{
	schema.ChannelEmail: true,
	schema.ChannelSMS:   true,
}

// Parse parses a FlowDefinition into a walkable Graph.
// It registers all nodes, checks for duplicates, normalizes legacy edges
// into branches, validates branch endpoints, and computes the entry node.
func Parse(def *schema.FlowDefinition) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "flow definition is nil")
	}

	if len(def.Stages) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "flow has no stages")
	}

	g := &Graph{
		stages:     make(map[string]*schema.StageNode, len(def.Stages)),
		conditions: make(map[string]*schema.ConditionNode, len(def.Conditions)),
		outgoing:   make(map[string][]schema.Branch),
	}

	// First pass: register all stages and check for duplicates.
	for i := range def.Stages {
		stage := &def.Stages[i]

		if stage.ID == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, fmt.Sprintf("stage at index %d has empty ID", i))
		}
		if schema.IsEndTarget(stage.ID) {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "stage ID %s collides with the end sentinel", stage.ID)
		}
		if _, exists := g.stages[stage.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node ID: %s", stage.ID)
		}

		// Default the channel to email when empty.
		if stage.MessageType == "" {
			stage.MessageType = schema.ChannelEmail
		}
		if !validChannels[stage.MessageType] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "stage %s has unknown message type: %s", stage.ID, stage.MessageType)
		}
		if stage.WaitDays < 0 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "stage %s has negative waitDays", stage.ID)
		}

		g.stages[stage.ID] = stage
		g.order = append(g.order, stage.ID)
	}

	// Second pass: register condition nodes.
	for i := range def.Conditions {
		cond := &def.Conditions[i]

		if cond.ID == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, fmt.Sprintf("condition at index %d has empty ID", i))
		}
		if schema.IsEndTarget(cond.ID) {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "condition ID %s collides with the end sentinel", cond.ID)
		}
		if _, exists := g.stages[cond.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node ID: %s", cond.ID)
		}
		if _, exists := g.conditions[cond.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node ID: %s", cond.ID)
		}
		if cond.EvaluationDelay < 0 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "condition %s has negative evaluationDelay", cond.ID)
		}

		g.conditions[cond.ID] = cond
		g.order = append(g.order, cond.ID)
	}

	// Third pass: normalize connectors and validate endpoints.
	// Branches win when both shapes are present.
	branches := def.Branches
	if len(branches) == 0 && len(def.Edges) > 0 {
		branches = make([]schema.Branch, 0, len(def.Edges))
		for _, e := range def.Edges {
			branches = append(branches, schema.Branch{
				SourceNodeID: e.Source,
				TargetNodeID: e.Target,
				SourceHandle: e.SourceHandle,
			})
		}
	}

	for i, b := range branches {
		if b.SourceNodeID == "" || b.TargetNodeID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "branch at index %d has empty endpoint", i)
		}
		if !g.hasNode(b.SourceNodeID) {
			return nil, schema.NewErrorf(schema.ErrCodeGraph, "branch source references non-existent node: %s", b.SourceNodeID)
		}
		if !schema.IsEndTarget(b.TargetNodeID) && !g.hasNode(b.TargetNodeID) {
			return nil, schema.NewErrorf(schema.ErrCodeGraph, "branch target references non-existent node: %s", b.TargetNodeID)
		}

		b.SourceHandle = strings.ToLower(strings.TrimSpace(b.SourceHandle))
		g.branches = append(g.branches, b)
		g.outgoing[b.SourceNodeID] = append(g.outgoing[b.SourceNodeID], b)
	}

	g.entry = computeEntry(g)

	return g, nil
}

// computeEntry finds the walk's starting node: the first registered node
// that no branch targets. Falls back to the first stage when every node
// is a branch target.
func computeEntry(g *Graph) string {
	targeted := make(map[string]bool, len(g.branches))
	for _, b := range g.branches {
		targeted[b.TargetNodeID] = true
	}
	for _, id := range g.order {
		if !targeted[id] {
			return id
		}
	}
	return g.order[0]
}

func (g *Graph) hasNode(id string) bool {
	if _, ok := g.stages[id]; ok {
		return true
	}
	_, ok := g.conditions[id]
	return ok
}

// Node returns the unified view of a node by ID.
func (g *Graph) Node(id string) (*Node, bool) {
	if s, ok := g.stages[id]; ok {
		return &Node{ID: id, Kind: schema.NodeKindStage, Stage: s}, true
	}
	if c, ok := g.conditions[id]; ok {
		return &Node{ID: id, Kind: schema.NodeKindCondition, Condition: c}, true
	}
	return nil, false
}

// Stage returns a stage node by ID.
func (g *Graph) Stage(id string) (*schema.StageNode, bool) {
	s, ok := g.stages[id]
	return s, ok
}

// Condition returns a condition node by ID.
func (g *Graph) Condition(id string) (*schema.ConditionNode, bool) {
	c, ok := g.conditions[id]
	return c, ok
}

// Outgoing returns the branches leaving a node, in definition order.
func (g *Graph) Outgoing(id string) []schema.Branch {
	return g.outgoing[id]
}

// EntryNodeID returns the node where new executions start.
func (g *Graph) EntryNodeID() string {
	return g.entry
}

// NodeIDs returns all node IDs in registration order.
func (g *Graph) NodeIDs() []string {
	ids := make([]string, len(g.order))
	copy(ids, g.order)
	return ids
}

// Size returns the number of nodes in the graph.
func (g *Graph) Size() int {
	return len(g.order)
}

// Next resolves the branch taken when leaving nodeID. For condition
// nodes result selects the yes or no side; for stages result is ignored.
// The first matching branch in definition order wins. ok is false when
// no branch matches, which the caller treats as reaching the end.
func (g *Graph) Next(nodeID string, result *bool) (string, bool) {
	branches := g.outgoing[nodeID]
	if len(branches) == 0 {
		return "", false
	}

	if _, isCond := g.conditions[nodeID]; isCond && result != nil {
		handle := schema.BranchNo
		if *result {
			handle = schema.BranchYes
		}
		for _, b := range branches {
			if b.SourceHandle == handle {
				return b.TargetNodeID, true
			}
		}
		return "", false
	}

	return branches[0].TargetNodeID, true
}

// Wait returns how long an execution sleeps before the given node runs.
// Stages wait WaitDays days; conditions wait EvaluationDelay minutes.
func (g *Graph) Wait(nodeID string) time.Duration {
	if s, ok := g.stages[nodeID]; ok {
		return time.Duration(s.WaitDays) * 24 * time.Hour
	}
	if c, ok := g.conditions[nodeID]; ok {
		return time.Duration(c.EvaluationDelay) * time.Minute
	}
	return 0
}
