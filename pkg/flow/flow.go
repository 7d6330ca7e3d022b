// Package flow is the programmatic authoring API for ensembles. It builds the
// same schema.Ensemble values the YAML loader produces, so both formats run
// identically.
//
//	ens := flow.New("review").
//		Flow(
//			flow.Agent("draft", map[string]any{"topic": "${input.topic}"}, flow.Named("draft")),
//			flow.Suspend("approve ${steps.draft.output}", flow.TTL(48*time.Hour)),
//			flow.Agent("publish", "${steps.draft.output}"),
//		).
//		MustBuild()
package flow

import (
	"context"
	"time"

	"github.com/rendis/ensemble/pkg/schema"
)

// Builder assembles an Ensemble.
type Builder struct {
	ens schema.Ensemble
}

// New starts an ensemble named name.
func New(name string) *Builder {
	return &Builder{ens: schema.Ensemble{Name: name}}
}

// Version sets the ensemble version.
func (b *Builder) Version(v string) *Builder {
	b.ens.Version = v
	return b
}

// Description sets the ensemble description.
func (b *Builder) Description(d string) *Builder {
	b.ens.Description = d
	return b
}

// Flow appends steps to the static flow.
func (b *Builder) Flow(steps ...schema.FlowStep) *Builder {
	b.ens.Flow = append(b.ens.Flow, steps...)
	return b
}

// Dynamic makes the flow a function of the execution variables. It is
// evaluated once per execution and replaces any static flow.
func (b *Builder) Dynamic(fn schema.FlowFunc) *Builder {
	b.ens.DynamicFlow = fn
	return b
}

// State declares workflow state with its type schema and initial values.
func (b *Builder) State(fields map[string]string, initial map[string]any) *Builder {
	b.ens.State = &schema.StateConfig{Schema: fields, Initial: initial, Strict: b.strict()}
	return b
}

// Strict enforces the state schema on every write.
func (b *Builder) Strict() *Builder {
	if b.ens.State == nil {
		b.ens.State = &schema.StateConfig{}
	}
	b.ens.State.Strict = true
	return b
}

func (b *Builder) strict() bool {
	return b.ens.State != nil && b.ens.State.Strict
}

// Scoring sets ensemble-level scoring defaults.
func (b *Builder) Scoring(cfg schema.ScoringConfig) *Builder {
	b.ens.Scoring = &cfg
	return b
}

// Output declares the interpolated output of a completed execution.
func (b *Builder) Output(output any) *Builder {
	b.ens.Output = output
	return b
}

// Trigger records an external invocation binding.
func (b *Builder) Trigger(trigger map[string]any) *Builder {
	b.ens.Triggers = append(b.ens.Triggers, trigger)
	return b
}

// BeforeExecute registers a hook that can veto the execution.
func (b *Builder) BeforeExecute(fn func(ctx context.Context, vars map[string]any) error) *Builder {
	b.ens.Hooks.BeforeExecute = fn
	return b
}

// AfterExecute registers a hook that sees every final result.
func (b *Builder) AfterExecute(fn func(ctx context.Context, result *schema.GraphExecutionResult)) *Builder {
	b.ens.Hooks.AfterExecute = fn
	return b
}

// OnError registers a hook that sees failed executions.
func (b *Builder) OnError(fn func(ctx context.Context, err *schema.EnsembleError)) *Builder {
	b.ens.Hooks.OnError = fn
	return b
}

// Build returns the ensemble. It fails with VALIDATION_ERROR when the name is
// empty or no flow was given.
func (b *Builder) Build() (*schema.Ensemble, error) {
	if b.ens.Name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "ensemble name is required")
	}
	if len(b.ens.Flow) == 0 && b.ens.DynamicFlow == nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "ensemble %s has no flow", b.ens.Name)
	}
	ens := b.ens
	return &ens, nil
}

// MustBuild is Build for static definitions; it panics on error.
func (b *Builder) MustBuild() *schema.Ensemble {
	ens, err := b.Build()
	if err != nil {
		panic(err)
	}
	return ens
}

// StepOption adjusts a step after its kind-specific fields are set.
type StepOption func(*schema.FlowStep)

// Named names a step; its result is recorded under that name.
func Named(name string) StepOption {
	return func(s *schema.FlowStep) { s.Name = name }
}

// When guards a step; it is skipped when condition is falsy.
func When(condition string) StepOption {
	return func(s *schema.FlowStep) { s.When = condition }
}

// SetState writes interpolated values to state after the step succeeds.
// The step output is bound as output.
func SetState(values map[string]any) StepOption {
	return func(s *schema.FlowStep) { s.SetState = values }
}

// Scored wraps an agent step in the scoring loop.
func Scored(cfg schema.ScoringConfig) StepOption {
	return func(s *schema.FlowStep) { s.Scoring = &cfg }
}

// Timeout bounds one agent invocation.
func Timeout(d time.Duration) StepOption {
	return func(s *schema.FlowStep) { s.Timeout = schema.Duration(d) }
}

// WaitFor sets the settle mode of a parallel step.
func WaitFor(mode schema.WaitMode) StepOption {
	return func(s *schema.FlowStep) { s.WaitFor = mode }
}

// MaxConcurrency bounds concurrent foreach and map iterations.
func MaxConcurrency(n int) StepOption {
	return func(s *schema.FlowStep) { s.MaxConcurrency = n }
}

// BreakWhen stops a foreach once condition holds for an iteration result.
func BreakWhen(condition any) StepOption {
	return func(s *schema.FlowStep) { s.BreakWhen = condition }
}

// MaxIterations caps a while loop.
func MaxIterations(n int) StepOption {
	return func(s *schema.FlowStep) { s.MaxIterations = n }
}

// TTL sets how long a suspension stays pending.
func TTL(d time.Duration) StepOption {
	return func(s *schema.FlowStep) { s.TTL = schema.Duration(d) }
}

// Metadata attaches interpolated metadata to a suspension.
func Metadata(meta map[string]any) StepOption {
	return func(s *schema.FlowStep) { s.Metadata = meta }
}

func apply(s schema.FlowStep, opts []StepOption) schema.FlowStep {
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Steps is a readability helper for nested step lists.
func Steps(steps ...schema.FlowStep) []schema.FlowStep {
	return steps
}

// Agent invokes the agent name with an interpolated input.
func Agent(name string, input any, opts ...StepOption) schema.FlowStep {
	return apply(schema.FlowStep{Type: schema.StepTypeAgent, Agent: name, Input: input}, opts)
}

// Parallel runs steps concurrently. The default settle mode is all.
func Parallel(steps []schema.FlowStep, opts ...StepOption) schema.FlowStep {
	return apply(schema.FlowStep{Type: schema.StepTypeParallel, Steps: steps}, opts)
}

// Branch runs then when condition is truthy, otherwise els.
func Branch(condition any, then, els []schema.FlowStep, opts ...StepOption) schema.FlowStep {
	return apply(schema.FlowStep{Type: schema.StepTypeBranch, Condition: condition, Then: then, Else: els}, opts)
}

// Switch runs the case whose key equals the stringified value, or def.
func Switch(value any, cases map[string][]schema.FlowStep, def []schema.FlowStep, opts ...StepOption) schema.FlowStep {
	return apply(schema.FlowStep{Type: schema.StepTypeSwitch, Value: value, Cases: cases, Default: def}, opts)
}

// Foreach runs step once per item with item and index bound.
func Foreach(items any, step schema.FlowStep, opts ...StepOption) schema.FlowStep {
	return apply(schema.FlowStep{Type: schema.StepTypeForeach, Items: items, Step: &step}, opts)
}

// While repeats body while condition holds, up to maxIterations (default 100).
func While(condition any, body []schema.FlowStep, opts ...StepOption) schema.FlowStep {
	return apply(schema.FlowStep{Type: schema.StepTypeWhile, Condition: condition, Steps: body}, opts)
}

// Try runs body, catch on failure and finally in every case. catch and
// finally may be nil.
func Try(body, catch, finally []schema.FlowStep, opts ...StepOption) schema.FlowStep {
	return apply(schema.FlowStep{Type: schema.StepTypeTry, Steps: body, Catch: catch, Finally: finally}, opts)
}

// MapReduce runs mapStep per item, then reduce once with results bound.
func MapReduce(items any, mapStep, reduce schema.FlowStep, opts ...StepOption) schema.FlowStep {
	return apply(schema.FlowStep{Type: schema.StepTypeMapReduce, Items: items, Map: &mapStep, Reduce: &reduce}, opts)
}

// Map is a map-reduce without a reduce step; its output is the result list.
func Map(items any, mapStep schema.FlowStep, opts ...StepOption) schema.FlowStep {
	return apply(schema.FlowStep{Type: schema.StepTypeMapReduce, Items: items, Map: &mapStep}, opts)
}

// Suspend pauses the execution for approval. Only valid at the top level.
func Suspend(reason string, opts ...StepOption) schema.FlowStep {
	return apply(schema.FlowStep{Type: schema.StepTypeSuspend, Reason: reason}, opts)
}
