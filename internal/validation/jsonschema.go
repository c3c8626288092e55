package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/outflowhq/outflow/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// flowSchemaJSON is the JSON Schema for FlowDefinition validation.
// Embedded as a constant to avoid filesystem dependencies.
const flowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://outflowhq.dev/schemas/flow.json",
  "type": "object",
  "required": ["stages"],
  "properties": {
    "stages": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/stage" }
    },
    "conditions": {
      "type": "array",
      "items": { "$ref": "#/$defs/condition" }
    },
    "branches": {
      "type": "array",
      "items": { "$ref": "#/$defs/branch" }
    },
    "edges": {
      "type": "array",
      "items": { "$ref": "#/$defs/edge" }
    },
    "metadata": {
      "type": "object"
    }
  },
  "additionalProperties": false,
  "$defs": {
    "stage": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": {
          "type": "string",
          "minLength": 1
        },
        "name": { "type": "string" },
        "waitDays": {
          "type": "integer",
          "minimum": 0
        },
        "messageType": {
          "type": "string",
          "enum": ["email", "sms"]
        },
        "templateRef": { "type": "string" },
        "subject": { "type": "string" },
        "inlineContent": { "type": "string" }
      },
      "additionalProperties": false
    },
    "condition": {
      "type": "object",
      "required": ["id", "checkParam", "checkOperator"],
      "properties": {
        "id": {
          "type": "string",
          "minLength": 1
        },
        "name": { "type": "string" },
        "checkParam": {
          "type": "string",
          "enum": ["Views", "Clicks", "Bounces", "Unsubscribes"]
        },
        "checkOperator": {
          "type": "string",
          "enum": ["=", "==", "!=", ">", ">=", "<", "<=", "in", "not_in"]
        },
        "checkValue": {},
        "evaluationDelay": {
          "type": "integer",
          "minimum": 0
        }
      },
      "additionalProperties": false
    },
    "branch": {
      "type": "object",
      "required": ["sourceNodeId", "targetNodeId"],
      "properties": {
        "sourceNodeId": {
          "type": "string",
          "minLength": 1
        },
        "targetNodeId": {
          "type": "string",
          "minLength": 1
        },
        "sourceHandle": { "type": "string" }
      },
      "additionalProperties": false
    },
    "edge": {
      "type": "object",
      "required": ["source", "target"],
      "properties": {
        "source": {
          "type": "string",
          "minLength": 1
        },
        "target": {
          "type": "string",
          "minLength": 1
        },
        "sourceHandle": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

// FlowSchemaValidator validates flow definitions against the embedded
// JSON Schema. It is safe for concurrent use.
type FlowSchemaValidator struct {
	flowSchema *jsonschema.Schema
}

// NewFlowSchemaValidator creates a FlowSchemaValidator with the flow schema pre-compiled.
func NewFlowSchemaValidator() (*FlowSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(flowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal flow schema: %w", err)
	}
	if err := c.AddResource("https://outflowhq.dev/schemas/flow.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add flow schema resource: %w", err)
	}

	compiled, err := c.Compile("https://outflowhq.dev/schemas/flow.json")
	if err != nil {
		return nil, fmt.Errorf("compile flow schema: %w", err)
	}

	return &FlowSchemaValidator{flowSchema: compiled}, nil
}

// ValidateDefinition validates a FlowDefinition against the flow JSON Schema.
func (v *FlowSchemaValidator) ValidateDefinition(def *schema.FlowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "flow definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize flow definition").WithCause(err)
	}

	if err := v.flowSchema.Validate(doc); err != nil {
		return toOutflowError(err)
	}

	// Structural checks that JSON Schema cannot express: duplicate node IDs
	// across the stage and condition lists.
	seen := make(map[string]struct{}, len(def.Stages)+len(def.Conditions))
	for _, s := range def.Stages {
		if _, exists := seen[s.ID]; exists {
			return schema.NewError(schema.ErrCodeValidation,
				fmt.Sprintf("duplicate node id %q", s.ID))
		}
		seen[s.ID] = struct{}{}
	}
	for _, c := range def.Conditions {
		if _, exists := seen[c.ID]; exists {
			return schema.NewError(schema.ErrCodeValidation,
				fmt.Sprintf("duplicate node id %q", c.ID))
		}
		seen[c.ID] = struct{}{}
	}

	return nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toOutflowError converts a jsonschema.ValidationError into an OutflowError
// with clear messages pointing at the offending location.
func toOutflowError(err error) *schema.OutflowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
