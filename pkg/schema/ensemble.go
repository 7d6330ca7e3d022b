package schema

import "context"

// Ensemble is a named workflow definition. Ensembles are built once, from YAML
// or from pkg/flow, and treated as immutable afterwards.
type Ensemble struct {
	Name        string           `json:"name" yaml:"name"`
	Version     string           `json:"version,omitempty" yaml:"version,omitempty"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Flow        []FlowStep       `json:"flow,omitempty" yaml:"flow,omitempty"`
	State       *StateConfig     `json:"state,omitempty" yaml:"state,omitempty"`
	Triggers    []map[string]any `json:"triggers,omitempty" yaml:"triggers,omitempty"`
	Scoring     *ScoringConfig   `json:"scoring,omitempty" yaml:"scoring,omitempty"`
	Output      any              `json:"output,omitempty" yaml:"output,omitempty"`

	// DynamicFlow, when set, replaces Flow. It is evaluated once per execution.
	DynamicFlow FlowFunc `json:"-" yaml:"-"`
	Hooks       Hooks    `json:"-" yaml:"-"`
}

// IsDynamic reports whether the flow is generated per execution.
func (e *Ensemble) IsDynamic() bool {
	return e.DynamicFlow != nil
}

// FlowFunc builds the flow of a dynamic ensemble from the execution variables
// (input, state, env).
type FlowFunc func(ctx context.Context, vars map[string]any) ([]FlowStep, error)

// Hooks are lifecycle callbacks attached to an ensemble.
type Hooks struct {
	// BeforeExecute runs before the first step. A non-nil error fails the execution.
	BeforeExecute func(ctx context.Context, vars map[string]any) error
	// AfterExecute runs with every final result, including failures and suspensions.
	AfterExecute func(ctx context.Context, result *GraphExecutionResult)
	// OnError runs when the execution fails.
	OnError func(ctx context.Context, err *EnsembleError)
}

// StateConfig declares the workflow-scoped state.
type StateConfig struct {
	Schema  map[string]string `json:"schema,omitempty" yaml:"schema,omitempty"` // field -> string|number|integer|boolean|object|array|any
	Initial map[string]any    `json:"initial,omitempty" yaml:"initial,omitempty"`
	Strict  bool              `json:"strict,omitempty" yaml:"strict,omitempty"`
}

// StepType is the discriminant of FlowStep.
type StepType string

const (
	StepTypeAgent     StepType = "agent"
	StepTypeParallel  StepType = "parallel"
	StepTypeBranch    StepType = "branch"
	StepTypeSwitch    StepType = "switch"
	StepTypeForeach   StepType = "foreach"
	StepTypeWhile     StepType = "while"
	StepTypeTry       StepType = "try"
	StepTypeMapReduce StepType = "map-reduce"
	StepTypeSuspend   StepType = "suspend"
)

// StepTypes lists every known step kind.
var StepTypes = []StepType{
	StepTypeAgent, StepTypeParallel, StepTypeBranch, StepTypeSwitch, StepTypeForeach,
	StepTypeWhile, StepTypeTry, StepTypeMapReduce, StepTypeSuspend,
}

// WaitMode controls when a parallel step settles.
type WaitMode string

const (
	WaitAll   WaitMode = "all"
	WaitAny   WaitMode = "any"
	WaitFirst WaitMode = "first"
)

// DefaultMaxIterations caps while loops that do not declare maxIterations.
const DefaultMaxIterations = 100

// FlowStep is one node of an ensemble's control-flow tree. Type selects which
// of the kind-specific fields are meaningful.
type FlowStep struct {
	Type StepType `json:"type,omitempty" yaml:"type,omitempty"`
	Name string   `json:"name,omitempty" yaml:"name,omitempty"`
	// When is an optional guard; the step is skipped when it is falsy.
	When string `json:"when,omitempty" yaml:"when,omitempty"`

	// agent
	Agent   string         `json:"agent,omitempty" yaml:"agent,omitempty"`
	Input   any            `json:"input,omitempty" yaml:"input,omitempty"`
	Scoring *ScoringConfig `json:"scoring,omitempty" yaml:"scoring,omitempty"`
	Timeout Duration       `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// SetState maps state paths to values interpolated after the step
	// succeeds, with the step's output bound as output.
	SetState map[string]any `json:"setState,omitempty" yaml:"setState,omitempty"`

	// parallel children, while body, try body
	Steps   []FlowStep `json:"steps,omitempty" yaml:"steps,omitempty"`
	WaitFor WaitMode   `json:"waitFor,omitempty" yaml:"waitFor,omitempty"`

	// branch, while
	Condition any        `json:"condition,omitempty" yaml:"condition,omitempty"`
	Then      []FlowStep `json:"then,omitempty" yaml:"then,omitempty"`
	Else      []FlowStep `json:"else,omitempty" yaml:"else,omitempty"`

	// switch
	Value   any                   `json:"value,omitempty" yaml:"value,omitempty"`
	Cases   map[string][]FlowStep `json:"cases,omitempty" yaml:"cases,omitempty"`
	Default []FlowStep            `json:"default,omitempty" yaml:"default,omitempty"`

	// foreach, map-reduce
	Items          any       `json:"items,omitempty" yaml:"items,omitempty"`
	Step           *FlowStep `json:"step,omitempty" yaml:"step,omitempty"`
	MaxConcurrency int       `json:"maxConcurrency,omitempty" yaml:"maxConcurrency,omitempty"`
	BreakWhen      any       `json:"breakWhen,omitempty" yaml:"breakWhen,omitempty"`

	// while
	MaxIterations int `json:"maxIterations,omitempty" yaml:"maxIterations,omitempty"`

	// try
	Catch   []FlowStep `json:"catch,omitempty" yaml:"catch,omitempty"`
	Finally []FlowStep `json:"finally,omitempty" yaml:"finally,omitempty"`

	// map-reduce
	Map    *FlowStep `json:"map,omitempty" yaml:"map,omitempty"`
	Reduce *FlowStep `json:"reduce,omitempty" yaml:"reduce,omitempty"`

	// suspend
	Reason   string         `json:"reason,omitempty" yaml:"reason,omitempty"`
	TTL      Duration       `json:"ttl,omitempty" yaml:"ttl,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Kind returns the step discriminant, treating an untyped step that names an
// agent as an agent step.
func (s *FlowStep) Kind() StepType {
	if s.Type == "" && s.Agent != "" {
		return StepTypeAgent
	}
	return s.Type
}

// Key is the name under which the step is recorded in the execution context
// and reported in errors.
func (s *FlowStep) Key() string {
	if s.Name != "" {
		return s.Name
	}
	if s.Agent != "" {
		return s.Agent
	}
	return string(s.Kind())
}

// EffectiveMaxIterations returns the while-loop cap. Zero means unset; an
// explicit zero is rejected when the document is loaded.
func (s *FlowStep) EffectiveMaxIterations() int {
	if s.MaxIterations > 0 {
		return s.MaxIterations
	}
	return DefaultMaxIterations
}

// EffectiveWaitFor returns the parallel wait mode, defaulting to all.
func (s *FlowStep) EffectiveWaitFor() WaitMode {
	if s.WaitFor == "" {
		return WaitAll
	}
	return s.WaitFor
}

// BackoffStrategy selects how the delay grows between scoring retries.
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// DefaultScoreThreshold applies when a scoring config leaves threshold unset.
const DefaultScoreThreshold = 0.7

// ScoringConfig configures quality-gated retries. At ensemble level it
// supplies defaults for every scored step.
type ScoringConfig struct {
	Evaluator          string             `json:"evaluator,omitempty" yaml:"evaluator,omitempty"`
	Threshold          float64            `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	MaxRetries         int                `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`
	BackoffStrategy    BackoffStrategy    `json:"backoffStrategy,omitempty" yaml:"backoffStrategy,omitempty"`
	InitialBackoff     Duration           `json:"initialBackoff,omitempty" yaml:"initialBackoff,omitempty"`
	MaxBackoff         Duration           `json:"maxBackoff,omitempty" yaml:"maxBackoff,omitempty"`
	RequireImprovement bool               `json:"requireImprovement,omitempty" yaml:"requireImprovement,omitempty"`
	MinImprovement     float64            `json:"minImprovement,omitempty" yaml:"minImprovement,omitempty"`
	Criteria           map[string]any     `json:"criteria,omitempty" yaml:"criteria,omitempty"`
	Weights            map[string]float64 `json:"weights,omitempty" yaml:"weights,omitempty"`
}

// EffectiveThreshold returns the pass threshold. Zero means unset; an
// explicit zero is rejected when the document is loaded.
func (c *ScoringConfig) EffectiveThreshold() float64 {
	if c.Threshold > 0 {
		return c.Threshold
	}
	return DefaultScoreThreshold
}

// WithDefaults returns a copy of c where unset fields are taken from defaults.
func (c *ScoringConfig) WithDefaults(defaults *ScoringConfig) *ScoringConfig {
	merged := *c
	if defaults == nil {
		return &merged
	}
	if merged.Evaluator == "" {
		merged.Evaluator = defaults.Evaluator
	}
	if merged.Threshold == 0 {
		merged.Threshold = defaults.Threshold
	}
	if merged.MaxRetries == 0 {
		merged.MaxRetries = defaults.MaxRetries
	}
	if merged.BackoffStrategy == "" {
		merged.BackoffStrategy = defaults.BackoffStrategy
	}
	if merged.InitialBackoff == 0 {
		merged.InitialBackoff = defaults.InitialBackoff
	}
	if merged.MaxBackoff == 0 {
		merged.MaxBackoff = defaults.MaxBackoff
	}
	if !merged.RequireImprovement {
		merged.RequireImprovement = defaults.RequireImprovement
	}
	if merged.MinImprovement == 0 {
		merged.MinImprovement = defaults.MinImprovement
	}
	if merged.Criteria == nil {
		merged.Criteria = defaults.Criteria
	}
	if merged.Weights == nil {
		merged.Weights = defaults.Weights
	}
	return &merged
}
