package validation

import (
	"fmt"
	"strings"

	"github.com/rendis/ensemble/internal/expressions"
	"github.com/rendis/ensemble/pkg/schema"
)

// semanticChecker walks the flow tree and checks what JSON Schema cannot
// express: per-kind required fields, agent references, condition syntax and
// suspend placement.
type semanticChecker struct {
	agents     AgentLookup
	conditions ConditionCompiler
	scoring    *schema.ScoringConfig
	result     *schema.ValidationResult
}

// validateSemantic performs semantic analysis on an ensemble.
func validateSemantic(ens *schema.Ensemble, agents AgentLookup, conditions ConditionCompiler) *schema.ValidationResult {
	c := &semanticChecker{
		agents:     agents,
		conditions: conditions,
		scoring:    ens.Scoring,
		result:     &schema.ValidationResult{},
	}

	if !ens.IsDynamic() && len(ens.Flow) == 0 {
		c.result.AddError("flow", schema.ErrCodeValidation, "ensemble has no steps")
	}
	if ens.Scoring != nil && ens.Scoring.Evaluator != "" {
		c.checkAgent("scoring.evaluator", ens.Scoring.Evaluator)
	}
	if ens.State != nil {
		for field := range ens.State.Initial {
			if _, declared := ens.State.Schema[field]; len(ens.State.Schema) > 0 && !declared {
				c.result.AddWarning("state.initial."+field, schema.ErrCodeValidation,
					fmt.Sprintf("initial value for undeclared state field %q", field))
			}
		}
	}

	c.steps(ens.Flow, "flow", 0)
	return c.result
}

func (c *semanticChecker) steps(steps []schema.FlowStep, path string, depth int) {
	for i := range steps {
		c.step(&steps[i], fmt.Sprintf("%s[%d]", path, i), depth)
	}
}

func (c *semanticChecker) step(step *schema.FlowStep, path string, depth int) {
	if step.When != "" {
		c.checkCondition(path+".when", step.When)
	}

	switch step.Kind() {
	case schema.StepTypeAgent:
		if step.Agent == "" {
			c.result.AddError(path+".agent", schema.ErrCodeValidation, "agent step requires an agent name")
		} else {
			c.checkAgent(path+".agent", step.Agent)
		}
		if step.Scoring != nil {
			c.checkScoring(path+".scoring", step.Scoring.WithDefaults(c.scoring))
		}

	case schema.StepTypeParallel:
		if len(step.Steps) == 0 {
			c.result.AddError(path+".steps", schema.ErrCodeValidation, "parallel step requires sub-steps")
		}
		switch step.EffectiveWaitFor() {
		case schema.WaitAll, schema.WaitAny, schema.WaitFirst:
		default:
			c.result.AddError(path+".waitFor", schema.ErrCodeValidation,
				fmt.Sprintf("unknown waitFor %q; expected all, any or first", step.WaitFor))
		}
		c.steps(step.Steps, path+".steps", depth+1)

	case schema.StepTypeBranch:
		c.requireCondition(path+".condition", step.Condition)
		if len(step.Then) == 0 {
			c.result.AddError(path+".then", schema.ErrCodeValidation, "branch step requires then steps")
		}
		c.steps(step.Then, path+".then", depth+1)
		c.steps(step.Else, path+".else", depth+1)

	case schema.StepTypeSwitch:
		if step.Value == nil {
			c.result.AddError(path+".value", schema.ErrCodeValidation, "switch step requires a value")
		}
		if len(step.Cases) == 0 && len(step.Default) == 0 {
			c.result.AddError(path+".cases", schema.ErrCodeValidation, "switch step requires cases or default")
		}
		for key, steps := range step.Cases {
			c.steps(steps, fmt.Sprintf("%s.cases[%s]", path, key), depth+1)
		}
		c.steps(step.Default, path+".default", depth+1)

	case schema.StepTypeForeach:
		if step.Items == nil {
			c.result.AddError(path+".items", schema.ErrCodeValidation, "foreach step requires items")
		}
		if step.Step == nil {
			c.result.AddError(path+".step", schema.ErrCodeValidation, "foreach step requires a template step")
		} else {
			c.step(step.Step, path+".step", depth+1)
		}
		if step.MaxConcurrency < 0 {
			c.result.AddError(path+".maxConcurrency", schema.ErrCodeValidation, "maxConcurrency must be >= 0")
		}
		if s, ok := step.BreakWhen.(string); ok && s != "" {
			c.checkCondition(path+".breakWhen", s)
		}

	case schema.StepTypeWhile:
		c.requireCondition(path+".condition", step.Condition)
		if len(step.Steps) == 0 {
			c.result.AddError(path+".steps", schema.ErrCodeValidation, "while step requires body steps")
		}
		if step.MaxIterations < 0 {
			c.result.AddError(path+".maxIterations", schema.ErrCodeValidation, "maxIterations must be at least 1")
		}
		if step.MaxIterations > 10000 {
			c.result.AddWarning(path+".maxIterations", schema.ErrCodeValidation,
				fmt.Sprintf("very high maxIterations (%d)", step.MaxIterations))
		}
		c.steps(step.Steps, path+".steps", depth+1)

	case schema.StepTypeTry:
		if len(step.Steps) == 0 {
			c.result.AddError(path+".steps", schema.ErrCodeValidation, "try step requires body steps")
		}
		c.steps(step.Steps, path+".steps", depth+1)
		c.steps(step.Catch, path+".catch", depth+1)
		c.steps(step.Finally, path+".finally", depth+1)

	case schema.StepTypeMapReduce:
		if step.Items == nil {
			c.result.AddError(path+".items", schema.ErrCodeValidation, "map-reduce step requires items")
		}
		if step.Map == nil {
			c.result.AddError(path+".map", schema.ErrCodeValidation, "map-reduce step requires a map step")
		} else {
			c.step(step.Map, path+".map", depth+1)
		}
		if step.Reduce == nil {
			c.result.AddError(path+".reduce", schema.ErrCodeValidation, "map-reduce step requires a reduce step")
		} else {
			c.step(step.Reduce, path+".reduce", depth+1)
		}
		if step.MaxConcurrency < 0 {
			c.result.AddError(path+".maxConcurrency", schema.ErrCodeValidation, "maxConcurrency must be >= 0")
		}

	case schema.StepTypeSuspend:
		if depth > 0 {
			c.result.AddError(path, schema.ErrCodeValidation,
				"suspend steps are only allowed at the top level of a flow")
		}

	case "":
		c.result.AddError(path+".type", schema.ErrCodeValidation, "step has no type and no agent")

	default:
		c.result.AddError(path+".type", schema.ErrCodeValidation,
			fmt.Sprintf("unknown step type %q", step.Type))
	}
}

func (c *semanticChecker) checkAgent(path, name string) {
	if c.agents != nil && !c.agents.Has(name) {
		c.result.AddError(path, schema.ErrCodeMemberNotFound,
			fmt.Sprintf("agent %q not registered", name))
	}
}

func (c *semanticChecker) checkScoring(path string, cfg *schema.ScoringConfig) {
	if cfg.Evaluator == "" {
		c.result.AddError(path+".evaluator", schema.ErrCodeValidation,
			"scoring requires an evaluator on the step or the ensemble")
	} else if cfg.Evaluator != c.scoringEvaluator() {
		c.checkAgent(path+".evaluator", cfg.Evaluator)
	}
	if cfg.Threshold < 0 || cfg.Threshold > 1 {
		c.result.AddError(path+".threshold", schema.ErrCodeValidation, "threshold must be within (0, 1]")
	}
	if cfg.MaxRetries < 0 {
		c.result.AddError(path+".maxRetries", schema.ErrCodeValidation, "maxRetries must be >= 0")
	}
	if cfg.MaxRetries > 10 {
		c.result.AddWarning(path+".maxRetries", schema.ErrCodeValidation,
			fmt.Sprintf("high retry count (%d) may cause excessive delays", cfg.MaxRetries))
	}
	switch cfg.BackoffStrategy {
	case "", schema.BackoffFixed, schema.BackoffLinear, schema.BackoffExponential:
	default:
		c.result.AddError(path+".backoffStrategy", schema.ErrCodeValidation,
			fmt.Sprintf("unknown backoff strategy %q", cfg.BackoffStrategy))
	}
}

// scoringEvaluator returns the ensemble-level evaluator, which is checked once.
func (c *semanticChecker) scoringEvaluator() string {
	if c.scoring == nil {
		return ""
	}
	return c.scoring.Evaluator
}

func (c *semanticChecker) requireCondition(path string, condition any) {
	if condition == nil {
		c.result.AddError(path, schema.ErrCodeValidation, "condition is required")
		return
	}
	if s, ok := condition.(string); ok {
		if strings.TrimSpace(s) == "" {
			c.result.AddError(path, schema.ErrCodeValidation, "condition is empty")
			return
		}
		c.checkCondition(path, s)
	}
}

// checkCondition compiles bare conditions. Interpolated conditions are
// resolved at runtime and never fail to parse.
func (c *semanticChecker) checkCondition(path, condition string) {
	condition = strings.TrimSpace(condition)
	if c.conditions == nil || expressions.HasReferences(condition) || expressions.IsLiteral(condition) {
		return
	}
	if err := c.conditions.Compile(condition); err != nil {
		c.result.AddError(path, schema.ErrCodeValidation, err.Error())
	}
}
