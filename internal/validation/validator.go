package validation

import "github.com/outflowhq/outflow/pkg/schema"

// Validator checks flow definitions for correctness before registration.
// Uses JSON Schema Draft 2020-12 for structural validation.
type Validator interface {
	ValidateDefinition(def *schema.FlowDefinition) error
}
