package validation

import (
	"errors"

	"github.com/rendis/ensemble/pkg/schema"
)

// EnsembleValidator orchestrates the two-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (per-kind fields, agent refs, condition syntax, suspend placement)
type EnsembleValidator struct {
	jsonSchema *JSONSchemaValidator
	agents     AgentLookup
	conditions ConditionCompiler
}

// NewEnsembleValidator creates an EnsembleValidator. agents and conditions may
// be nil to skip agent existence checks and condition compilation.
func NewEnsembleValidator(agents AgentLookup, conditions ConditionCompiler) (*EnsembleValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &EnsembleValidator{
		jsonSchema: jsv,
		agents:     agents,
		conditions: conditions,
	}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit the semantic stage.
func (v *EnsembleValidator) Validate(ens *schema.Ensemble) *schema.ValidationResult {
	if ens == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "ensemble is nil")
		return r
	}

	result := structuralResult(v.jsonSchema.ValidateEnsemble(ens))
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(ens, v.agents, v.conditions))
	return result
}

// ValidateDocument runs the structural stage on a raw decoded document.
func (v *EnsembleValidator) ValidateDocument(doc any) *schema.ValidationResult {
	return structuralResult(v.jsonSchema.ValidateDocument(doc))
}

// ValidateEnsemble satisfies the Validator interface.
func (v *EnsembleValidator) ValidateEnsemble(ens *schema.Ensemble) error {
	return v.Validate(ens).ToError()
}

// ValidateValue delegates to the underlying JSONSchemaValidator.
func (v *EnsembleValidator) ValidateValue(value any, valueSchema []byte) error {
	return v.jsonSchema.ValidateValue(value, valueSchema)
}

// structuralResult converts a JSON Schema error into a ValidationResult.
func structuralResult(err error) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if err == nil {
		return result
	}

	var ensErr *schema.EnsembleError
	if !errors.As(err, &ensErr) {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if violations, ok := ensErr.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError("/", schema.ErrCodeValidation, v)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, ensErr.Message)
	return result
}

var _ Validator = (*EnsembleValidator)(nil)
