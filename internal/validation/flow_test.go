package validation

import (
	"encoding/json"
	"testing"

	"github.com/outflowhq/outflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPipeline(t *testing.T) *FlowValidator {
	t.Helper()
	fv, err := NewFlowValidator()
	require.NoError(t, err)
	return fv
}

func TestFlowValidator_ImplementsValidator(t *testing.T) {
	var _ Validator = (*FlowValidator)(nil)
}

func TestFlowValidator_ValidFlow(t *testing.T) {
	fv := newPipeline(t)

	r := fv.Validate(validFlow())
	assert.True(t, r.Valid())
	assert.NoError(t, fv.ValidateDefinition(validFlow()))
}

func TestFlowValidator_NilDefinition(t *testing.T) {
	fv := newPipeline(t)

	r := fv.Validate(nil)
	assert.False(t, r.Valid())
}

func TestFlowValidator_StructuralShortCircuits(t *testing.T) {
	fv := newPipeline(t)

	// Bad channel (structural) AND a cycle (graph): only the structural
	// error should surface.
	def := &schema.FlowDefinition{
		Stages: []schema.StageNode{
			{ID: "s1", MessageType: "pigeon"},
			{ID: "s2"},
		},
		Branches: []schema.Branch{
			{SourceNodeID: "s1", TargetNodeID: "s2"},
			{SourceNodeID: "s2", TargetNodeID: "s1"},
		},
	}

	r := fv.Validate(def)
	require.False(t, r.Valid())
	for _, e := range r.Errors {
		assert.NotContains(t, e.Message, "cycle")
	}
}

func TestFlowValidator_SemanticBlocksGraphStage(t *testing.T) {
	fv := newPipeline(t)

	def := validFlow()
	def.Branches[0].TargetNodeID = "ghost"

	r := fv.Validate(def)
	require.False(t, r.Valid())
	assert.Equal(t, schema.ErrCodeGraph, r.Errors[0].Code)
}

func TestFlowValidator_GraphStageRuns(t *testing.T) {
	fv := newPipeline(t)

	def := &schema.FlowDefinition{
		Stages: []schema.StageNode{
			{ID: "s1", TemplateRef: "t"},
			{ID: "s2", TemplateRef: "t"},
		},
		Branches: []schema.Branch{
			{SourceNodeID: "s1", TargetNodeID: "s2"},
			{SourceNodeID: "s2", TargetNodeID: "s1"},
		},
	}

	r := fv.Validate(def)
	require.False(t, r.Valid())
	assert.Contains(t, r.Errors[0].Message, "cycle")
}

func TestFlowValidator_WarningsSurvivePipeline(t *testing.T) {
	fv := newPipeline(t)

	def := validFlow()
	def.Stages[0].TemplateRef = ""

	r := fv.Validate(def)
	assert.True(t, r.Valid())
	assert.NotEmpty(t, r.Warnings)
	assert.NoError(t, fv.ValidateDefinition(def))
}

func TestFlowValidator_RealWorldShape(t *testing.T) {
	fv := newPipeline(t)

	raw := `{
		"stages": [
			{"id": "stage-1", "waitDays": 0, "messageType": "email", "templateRef": "intro", "subject": "Welcome aboard"},
			{"id": "stage-2", "waitDays": 2, "messageType": "email", "templateRef": "nudge", "subject": "Quick follow-up"},
			{"id": "stage-3", "waitDays": 5, "messageType": "sms", "inlineContent": "Last chance!"}
		],
		"conditions": [
			{"id": "conditional-1", "checkParam": "Views", "checkOperator": ">", "checkValue": 0, "evaluationDelay": 1440},
			{"id": "conditional-2", "checkParam": "Clicks", "checkOperator": ">=", "checkValue": "1", "evaluationDelay": 720}
		],
		"branches": [
			{"sourceNodeId": "stage-1", "targetNodeId": "conditional-1"},
			{"sourceNodeId": "conditional-1", "targetNodeId": "conditional-2", "sourceHandle": "yes"},
			{"sourceNodeId": "conditional-1", "targetNodeId": "stage-2", "sourceHandle": "no"},
			{"sourceNodeId": "conditional-2", "targetNodeId": "end", "sourceHandle": "yes"},
			{"sourceNodeId": "conditional-2", "targetNodeId": "stage-3", "sourceHandle": "no"},
			{"sourceNodeId": "stage-2", "targetNodeId": "end"},
			{"sourceNodeId": "stage-3", "targetNodeId": "end"}
		]
	}`

	var def schema.FlowDefinition
	require.NoError(t, json.Unmarshal([]byte(raw), &def))

	r := fv.Validate(&def)
	assert.True(t, r.Valid(), "errors: %+v", r.Errors)
	assert.Empty(t, r.Warnings, "warnings: %+v", r.Warnings)
}
