package validation

import "github.com/rendis/ensemble/pkg/schema"

// Validator checks ensemble definitions for correctness before execution.
// Uses JSON Schema Draft 2020-12 for document and value validation.
type Validator interface {
	ValidateEnsemble(ens *schema.Ensemble) error
	ValidateValue(value any, valueSchema []byte) error
}

// AgentLookup reports whether an agent is registered.
type AgentLookup interface {
	Has(name string) bool
}

// ConditionCompiler compiles bare condition expressions without evaluating them.
type ConditionCompiler interface {
	Compile(expression string) error
}
