package validation

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/outflowhq/outflow/internal/flow"
	"github.com/outflowhq/outflow/pkg/schema"
)

// validateSemantic performs semantic analysis on the flow definition.
// Checks: branch endpoint refs, condition handle coverage, operator and
// check value sanity, stage content, entry node shape.
func validateSemantic(def *schema.FlowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	// Build node ID sets.
	stageIDs := make(map[string]bool, len(def.Stages))
	for _, s := range def.Stages {
		stageIDs[s.ID] = true
	}
	condIDs := make(map[string]bool, len(def.Conditions))
	for _, c := range def.Conditions {
		condIDs[c.ID] = true
	}
	nodeIDs := func(id string) bool { return stageIDs[id] || condIDs[id] }

	branches := normalizedBranches(def)

	// Branch endpoint references and handle labels.
	handles := make(map[string]map[string]bool, len(def.Conditions)) // condition ID → seen handles
	for i, b := range branches {
		path := fmt.Sprintf("branches[%d]", i)
		if !nodeIDs(b.SourceNodeID) {
			result.AddError(path+".sourceNodeId", schema.ErrCodeGraph,
				fmt.Sprintf("references non-existent node %q", b.SourceNodeID))
			continue
		}
		if !schema.IsEndTarget(b.TargetNodeID) && !nodeIDs(b.TargetNodeID) {
			result.AddError(path+".targetNodeId", schema.ErrCodeGraph,
				fmt.Sprintf("references non-existent node %q", b.TargetNodeID))
			continue
		}

		handle := strings.ToLower(strings.TrimSpace(b.SourceHandle))
		if condIDs[b.SourceNodeID] {
			if handle != schema.BranchYes && handle != schema.BranchNo {
				result.AddError(path+".sourceHandle", schema.ErrCodeValidation,
					fmt.Sprintf("branch from condition %q needs a yes or no handle, got %q", b.SourceNodeID, b.SourceHandle))
				continue
			}
			if handles[b.SourceNodeID] == nil {
				handles[b.SourceNodeID] = make(map[string]bool, 2)
			}
			handles[b.SourceNodeID][handle] = true
		} else if handle != "" {
			result.AddWarning(path+".sourceHandle", schema.ErrCodeValidation,
				fmt.Sprintf("handle %q on stage branch is ignored", b.SourceHandle))
		}
	}

	// Condition handle coverage: a missing side completes executions that
	// resolve to it.
	for i, c := range def.Conditions {
		path := fmt.Sprintf("conditions[%d]", i)
		for _, side := range []string{schema.BranchYes, schema.BranchNo} {
			if !handles[c.ID][side] {
				result.AddWarning(path, schema.ErrCodeValidation,
					fmt.Sprintf("condition %q has no %s branch; executions resolving %s will complete", c.ID, side, side))
			}
		}

		if !flow.ValidOperator(c.CheckOperator) {
			result.AddError(path+".checkOperator", schema.ErrCodeValidation,
				fmt.Sprintf("unknown operator %q", c.CheckOperator))
		}
		validateCheckValue(&c, path, result)
	}

	// Stage content sanity.
	for i, s := range def.Stages {
		path := fmt.Sprintf("stages[%d]", i)
		if s.TemplateRef == "" && s.InlineContent == "" {
			result.AddWarning(path, schema.ErrCodeValidation,
				fmt.Sprintf("stage %q has neither templateRef nor inlineContent; messages will have an empty body", s.ID))
		}
		if s.MessageType == schema.ChannelSMS && s.Subject != "" {
			result.AddWarning(path+".subject", schema.ErrCodeValidation,
				"subject is ignored for sms stages")
		}
	}

	// Entry node shape: a condition entry has no prior stage message to check.
	if entry := entryNodeID(def, branches); condIDs[entry] {
		result.AddWarning("conditions", schema.ErrCodeValidation,
			fmt.Sprintf("entry node %q is a condition; without a prior stage its evaluation resolves no", entry))
	}

	return result
}

// validateCheckValue verifies the check value can be coerced to a number,
// or to a number list for membership operators.
func validateCheckValue(c *schema.ConditionNode, path string, result *schema.ValidationResult) {
	if len(c.CheckValue) == 0 {
		result.AddError(path+".checkValue", schema.ErrCodeValidation,
			fmt.Sprintf("condition %q has no checkValue", c.ID))
		return
	}

	var decoded any
	dec := json.NewDecoder(strings.NewReader(string(c.CheckValue)))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		result.AddError(path+".checkValue", schema.ErrCodeValidation,
			fmt.Sprintf("condition %q has malformed checkValue", c.ID))
		return
	}

	membership := c.CheckOperator == schema.OpIn || c.CheckOperator == schema.OpNotIn
	switch v := decoded.(type) {
	case json.Number:
		// fine for any operator
	case string:
		if _, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err != nil {
			result.AddError(path+".checkValue", schema.ErrCodeValidation,
				fmt.Sprintf("condition %q checkValue %q is not numeric", c.ID, v))
		}
	case []any:
		if !membership {
			result.AddError(path+".checkValue", schema.ErrCodeValidation,
				fmt.Sprintf("condition %q uses an array checkValue with operator %q", c.ID, c.CheckOperator))
			return
		}
		for _, item := range v {
			if !numericItem(item) {
				result.AddError(path+".checkValue", schema.ErrCodeValidation,
					fmt.Sprintf("condition %q checkValue list contains a non-numeric entry", c.ID))
				return
			}
		}
	default:
		result.AddError(path+".checkValue", schema.ErrCodeValidation,
			fmt.Sprintf("condition %q checkValue must be a number, numeric string, or number list", c.ID))
	}
}

func numericItem(v any) bool {
	switch x := v.(type) {
	case json.Number:
		return true
	case string:
		_, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return err == nil
	default:
		return false
	}
}

// normalizedBranches folds legacy edges into the branch shape. Branches
// win when both are present, mirroring the runtime parser.
func normalizedBranches(def *schema.FlowDefinition) []schema.Branch {
	if len(def.Branches) > 0 || len(def.Edges) == 0 {
		return def.Branches
	}
	out := make([]schema.Branch, 0, len(def.Edges))
	for _, e := range def.Edges {
		out = append(out, schema.Branch{
			SourceNodeID: e.Source,
			TargetNodeID: e.Target,
			SourceHandle: e.SourceHandle,
		})
	}
	return out
}

// entryNodeID mirrors the runtime entry rule: the first declared node no
// branch targets, falling back to the first stage.
func entryNodeID(def *schema.FlowDefinition, branches []schema.Branch) string {
	if len(def.Stages) == 0 {
		return ""
	}
	targeted := make(map[string]bool, len(branches))
	for _, b := range branches {
		targeted[b.TargetNodeID] = true
	}
	for _, s := range def.Stages {
		if !targeted[s.ID] {
			return s.ID
		}
	}
	for _, c := range def.Conditions {
		if !targeted[c.ID] {
			return c.ID
		}
	}
	return def.Stages[0].ID
}
