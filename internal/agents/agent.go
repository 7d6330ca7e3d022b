// Package agents defines the uniform agent contract, the registry agents are
// looked up in and the adapter that invokes them on behalf of flow steps.
package agents

import (
	"context"

	"github.com/rendis/ensemble/pkg/schema"
)

// Agent is an independently implemented unit of work invoked by name.
type Agent interface {
	Name() string
	Execute(ctx context.Context, in Input) (*schema.AgentResult, error)
}

// Describer is optionally implemented by agents that describe themselves.
type Describer interface {
	Description() string
}

// StateAccess gives an agent read/write access to the execution state.
type StateAccess interface {
	Read(path string) (any, bool)
	Write(path string, value any) error
}

// Input is the data provided to an agent at execution time.
type Input struct {
	// Input is the step config after interpolation.
	Input any
	// Env holds platform bindings. Read-only by convention.
	Env map[string]any
	// Context describes the calling execution.
	Context *ExecutionInfo
}

// ExecutionInfo is the agent's view of the calling execution.
type ExecutionInfo struct {
	ExecutionID string
	Step        string
	Vars        map[string]any
	State       StateAccess
}

// Params returns the interpolated input as an object, or an empty map.
func (in Input) Params() map[string]any {
	if m, ok := in.Input.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// Info is a summary of a registered agent for listing.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// FuncAgent adapts a plain function to the Agent interface.
type FuncAgent struct {
	name string
	desc string
	fn   func(ctx context.Context, in Input) (*schema.AgentResult, error)
}

// Func wraps fn as an Agent named name.
func Func(name string, fn func(ctx context.Context, in Input) (*schema.AgentResult, error)) *FuncAgent {
	return &FuncAgent{name: name, fn: fn}
}

// Describe sets the agent description.
func (f *FuncAgent) Describe(desc string) *FuncAgent {
	f.desc = desc
	return f
}

func (f *FuncAgent) Name() string        { return f.name }
func (f *FuncAgent) Description() string { return f.desc }

func (f *FuncAgent) Execute(ctx context.Context, in Input) (*schema.AgentResult, error) {
	return f.fn(ctx, in)
}
