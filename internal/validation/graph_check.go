package validation

import (
	"fmt"
	"sort"

	"github.com/outflowhq/outflow/pkg/schema"
)

// validateGraph performs graph analysis on the flow:
// cycle detection (Kahn's algorithm) and reachability from the entry node.
func validateGraph(def *schema.FlowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodeIDs := make(map[string]bool, len(def.Stages)+len(def.Conditions))
	for _, s := range def.Stages {
		nodeIDs[s.ID] = true
	}
	for _, c := range def.Conditions {
		nodeIDs[c.ID] = true
	}

	branches := normalizedBranches(def)

	// outgoing[id] = walk successors of node id. End targets and invalid
	// refs are skipped; the latter are already caught by semantic.
	outgoing := make(map[string][]string, len(nodeIDs))
	for _, b := range branches {
		if !nodeIDs[b.SourceNodeID] || !nodeIDs[b.TargetNodeID] {
			continue
		}
		outgoing[b.SourceNodeID] = append(outgoing[b.SourceNodeID], b.TargetNodeID)
	}

	// Kahn's algorithm for cycle detection over the walk direction.
	inDegree := make(map[string]int, len(nodeIDs))
	for id := range nodeIDs {
		inDegree[id] = 0
	}
	for _, targets := range outgoing {
		for _, t := range targets {
			inDegree[t]++
		}
	}

	queue := make([]string, 0, len(nodeIDs))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	// Sort roots for deterministic output.
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, t := range outgoing[node] {
			inDegree[t]--
			if inDegree[t] == 0 {
				queue = append(queue, t)
			}
		}
	}

	if visited != len(nodeIDs) {
		result.AddError("branches", schema.ErrCodeGraph,
			"flow contains a branch cycle; executions walking it would never complete")
		return result // cycle makes reachability analysis meaningless
	}

	// Reachability: BFS from the entry node through walk edges.
	entry := entryNodeID(def, branches)
	reachable := map[string]bool{entry: true}
	bfsQueue := []string{entry}

	for len(bfsQueue) > 0 {
		node := bfsQueue[0]
		bfsQueue = bfsQueue[1:]
		for _, t := range outgoing[node] {
			if !reachable[t] {
				reachable[t] = true
				bfsQueue = append(bfsQueue, t)
			}
		}
	}

	for id := range nodeIDs {
		if !reachable[id] {
			result.AddWarning(fmt.Sprintf("nodes[%s]", id),
				schema.ErrCodeValidation,
				fmt.Sprintf("node %q is unreachable from the entry node", id))
		}
	}

	return result
}
