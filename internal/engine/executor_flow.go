package engine

import (
	"context"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/ensemble/internal/agents"
	"github.com/rendis/ensemble/internal/expressions"
	"github.com/rendis/ensemble/internal/logging"
	"github.com/rendis/ensemble/internal/scoring"
	"github.com/rendis/ensemble/pkg/schema"
)

// guard evaluates a step's when condition. Steps without one always run.
func (e *executorImpl) guard(ctx context.Context, scope *expressions.Scope, step *schema.FlowStep) (bool, error) {
	if strings.TrimSpace(step.When) == "" {
		return true, nil
	}
	ok, err := e.conditions.Evaluate(ctx, step.When, scope.Vars())
	if err != nil {
		return false, stepError(err, step)
	}
	return ok, nil
}

// executeStep runs one step and returns its output. A skipped step returns
// nil without error and leaves no record.
func (e *executorImpl) executeStep(ctx context.Context, r *run, scope *expressions.Scope, step *schema.FlowStep) (any, error) {
	ok, err := e.guard(ctx, scope, step)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithStep(ctx, step.Key())
	log := logging.LogWith(ctx, e.logger)
	if !ok {
		log.Debug("step skipped", slog.String("event", schema.EventStepSkipped))
		e.publish(ctx, r, schema.EventStepSkipped, step.Key(), nil)
		return nil, nil
	}

	log.Debug("step started", slog.String("event", schema.EventStepStarted), slog.String("type", string(step.Kind())))
	e.publish(ctx, r, schema.EventStepStarted, step.Key(), map[string]any{"type": string(step.Kind())})
	start := time.Now()
	output, err := e.dispatch(ctx, r, scope, step)
	elapsed := time.Since(start)
	if e.metrics != nil {
		e.metrics.StepFinished(step.Kind(), err == nil, elapsed)
	}
	if err != nil {
		ee := stepError(err, step)
		log.Debug("step failed",
			slog.String("event", schema.EventStepFailed),
			slog.String("code", ee.Code),
			slog.String("error", ee.Message))
		e.publish(ctx, r, schema.EventStepFailed, step.Key(), map[string]any{"code": ee.Code, "error": ee.Message})
		return nil, ee
	}

	if step.Kind() != schema.StepTypeAgent && step.Name != "" {
		r.ec.SetStep(step.Name, map[string]any{"success": true, "output": output})
	}
	if len(step.SetState) > 0 {
		if err := e.applySetState(ctx, r, scope, step, output); err != nil {
			return nil, err
		}
	}
	log.Debug("step completed", slog.String("event", schema.EventStepCompleted), slog.Duration("elapsed", elapsed))
	e.publish(ctx, r, schema.EventStepCompleted, step.Key(), map[string]any{"elapsed_ms": elapsed.Milliseconds()})
	return output, nil
}

func (e *executorImpl) dispatch(ctx context.Context, r *run, scope *expressions.Scope, step *schema.FlowStep) (any, error) {
	switch step.Kind() {
	case schema.StepTypeAgent:
		if step.Scoring != nil {
			return e.runScoredAgent(ctx, r, scope, step)
		}
		return e.runAgent(ctx, r, scope, step)
	case schema.StepTypeParallel:
		return e.runParallel(ctx, r, scope, step)
	case schema.StepTypeBranch:
		return e.runBranch(ctx, r, scope, step)
	case schema.StepTypeSwitch:
		return e.runSwitch(ctx, r, scope, step)
	case schema.StepTypeForeach:
		return e.runForeach(ctx, r, scope, step)
	case schema.StepTypeWhile:
		return e.runWhile(ctx, r, scope, step)
	case schema.StepTypeTry:
		return e.runTry(ctx, r, scope, step)
	case schema.StepTypeMapReduce:
		return e.runMapReduce(ctx, r, scope, step)
	case schema.StepTypeSuspend:
		return nil, schema.NewError(schema.ErrCodeValidation, "suspend steps are only allowed at the top level of a flow")
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown step type %q", step.Type)
	}
}

// runSteps runs steps in order and returns the output of the last one that ran.
func (e *executorImpl) runSteps(ctx context.Context, r *run, scope *expressions.Scope, steps []schema.FlowStep) (any, error) {
	var last any
	for i := range steps {
		if err := ctx.Err(); err != nil {
			return nil, cancelled(err)
		}
		out, err := e.executeStep(ctx, r, scope, &steps[i])
		if err != nil {
			return nil, err
		}
		last = out
	}
	return last, nil
}

// --- agent ---

func (e *executorImpl) runAgent(ctx context.Context, r *run, scope *expressions.Scope, step *schema.FlowStep) (any, error) {
	key := step.Key()
	res, err := e.invoke(ctx, r, agents.Call{
		Agent:   step.Agent,
		Config:  step.Input,
		Vars:    scope.Vars(),
		Step:    key,
		Timeout: step.Timeout.Std(),
	})
	if err != nil {
		return nil, err
	}
	r.ec.SetStep(key, stepRecord(res))
	if !res.Success {
		return nil, res.Err().WithStep(key)
	}
	r.setLast(res.Data)
	return res.Data, nil
}

// invoke calls an agent through the adapter and records its timing.
func (e *executorImpl) invoke(ctx context.Context, r *run, call agents.Call) (*schema.AgentResult, error) {
	call.ExecutionID = r.id
	call.Env = r.ec.Env
	call.State = r.ec.State
	start := time.Now()
	res, err := e.adapter.Invoke(ctx, call)
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start)
	r.metrics.agent(call.Agent, elapsed, res)
	if e.metrics != nil {
		e.metrics.AgentInvoked(call.Agent, res.Success, elapsed)
	}
	return res, nil
}

// runScoredAgent wraps an agent step in the scoring loop. Every attempt
// overwrites steps[key]; the final record adds score and attempts. The
// evaluator agent receives {output, attempt, previousScore, criteria} and
// returns a score or a scoring object.
func (e *executorImpl) runScoredAgent(ctx context.Context, r *run, scope *expressions.Scope, step *schema.FlowStep) (any, error) {
	key := step.Key()
	cfg := step.Scoring.WithDefaults(r.ensemble.Scoring)
	if cfg.Evaluator == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "scored step has no evaluator").WithStep(key)
	}
	registry := e.adapter.Registry()
	for _, name := range []string{step.Agent, cfg.Evaluator} {
		if !registry.Has(name) {
			return nil, schema.NewErrorf(schema.ErrCodeMemberNotFound, "agent %q is not registered", name).WithStep(key)
		}
	}

	vars := scope.Vars()
	config := e.adapter.Resolve(ctx, step.Input, vars)

	exec := func(ctx context.Context, attempt int) (any, error) {
		res, err := e.invoke(ctx, r, agents.Call{
			Agent:    step.Agent,
			Config:   config,
			Resolved: true,
			Vars:     vars,
			Step:     key,
			Timeout:  step.Timeout.Std(),
		})
		if err != nil {
			return nil, err
		}
		rec := stepRecord(res)
		rec["attempt"] = attempt + 1
		r.ec.SetStep(key, rec)
		if !res.Success {
			return nil, res.Err()
		}
		return res.Data, nil
	}
	evaluate := func(ctx context.Context, output any, attempt int, previous *schema.ScoringResult) (*schema.ScoringResult, error) {
		var previousScore any
		if previous != nil {
			previousScore = previous.Score
		}
		res, err := e.invoke(ctx, r, agents.Call{
			Agent: cfg.Evaluator,
			Config: map[string]any{
				"output":        output,
				"attempt":       attempt,
				"previousScore": previousScore,
				"criteria":      cfg.Criteria,
			},
			Resolved: true,
			Vars:     scope.Vars(),
			Step:     key,
		})
		if err != nil {
			return nil, err
		}
		if !res.Success {
			return nil, res.Err()
		}
		return scoring.ParseResult(res.Data, cfg.Weights)
	}

	observe := func(attempt int, result *schema.ScoringResult) {
		e.publish(ctx, r, schema.EventScoringAttempt, key, map[string]any{
			"attempt": attempt,
			"score":   result.Score,
			"passed":  result.Passed,
		})
	}
	scored, err := scoring.Execute(ctx, exec, evaluate, cfg,
		scoring.WithLogger(e.logger),
		scoring.WithObserver(observe))
	if err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.ScoringFinished(step.Agent, scored.Status, scored.Attempts)
	}

	var score float64
	var feedback string
	if scored.Score != nil {
		score = scored.Score.Score
		feedback = scored.Score.Feedback
	}
	passed := scored.Status == schema.ScoringPassed
	record := map[string]any{
		"success":  passed,
		"output":   scored.Output,
		"score":    score,
		"attempts": scored.Attempts,
		"status":   string(scored.Status),
	}
	if !passed {
		record["error"] = scored.Error
	}
	r.ec.SetStep(key, record)
	r.ec.setScoring(key, map[string]any{
		"score":    score,
		"passed":   passed,
		"attempts": scored.Attempts,
		"status":   string(scored.Status),
		"feedback": feedback,
	})

	if !passed {
		return nil, schema.NewErrorf(schema.ErrCodeAgentExecution,
			"scoring ended with %s after %d attempts", scored.Status, scored.Attempts).
			WithStep(key).
			WithDetails(map[string]any{
				"status":   string(scored.Status),
				"score":    score,
				"attempts": scored.Attempts,
			})
	}
	r.setLast(scored.Output)
	return scored.Output, nil
}

// --- parallel ---

type settled struct {
	output any
	err    error
}

func (e *executorImpl) runParallel(ctx context.Context, r *run, scope *expressions.Scope, step *schema.FlowStep) (any, error) {
	children := step.Steps
	if len(children) == 0 {
		return []any{}, nil
	}

	mode := step.EffectiveWaitFor()
	switch mode {
	case schema.WaitAll:
		outputs := make([]any, len(children))
		g, gctx := errgroup.WithContext(ctx)
		for i := range children {
			child := &children[i]
			g.Go(func() error {
				out, err := e.executeStep(gctx, r, scope, child)
				if err != nil {
					return err
				}
				outputs[i] = out
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		return outputs, nil

	case schema.WaitFirst, schema.WaitAny:
		// Branches are detached from ctx: losers run to completion after the
		// race settles, including inside an enclosing errgroup.
		branchCtx := context.WithoutCancel(ctx)
		ch := make(chan settled, len(children))
		for i := range children {
			child := &children[i]
			go func() {
				out, err := e.executeStep(branchCtx, r, scope, child)
				ch <- settled{output: out, err: err}
			}()
		}
		var firstErr error
		for range children {
			var s settled
			select {
			case s = <-ch:
			case <-ctx.Done():
				return nil, cancelled(ctx.Err())
			}
			if mode == schema.WaitFirst || s.err == nil {
				return s.output, s.err
			}
			if firstErr == nil {
				firstErr = s.err
			}
		}
		return nil, firstErr

	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown waitFor mode %q", mode)
	}
}

// --- branch / switch ---

func (e *executorImpl) runBranch(ctx context.Context, r *run, scope *expressions.Scope, step *schema.FlowStep) (any, error) {
	ok, err := e.conditions.Evaluate(ctx, step.Condition, scope.Vars())
	if err != nil {
		return nil, err
	}
	if ok {
		return e.runSteps(ctx, r, scope, step.Then)
	}
	return e.runSteps(ctx, r, scope, step.Else)
}

func (e *executorImpl) runSwitch(ctx context.Context, r *run, scope *expressions.Scope, step *schema.FlowStep) (any, error) {
	value := expressions.Stringify(e.interp.Interpolate(ctx, step.Value, scope.Vars()))
	if steps, ok := step.Cases[value]; ok {
		return e.runSteps(ctx, r, scope, steps)
	}
	return e.runSteps(ctx, r, scope, step.Default)
}

// --- foreach / map-reduce ---

func (e *executorImpl) runForeach(ctx context.Context, r *run, scope *expressions.Scope, step *schema.FlowStep) (any, error) {
	items, err := e.items(ctx, scope, step)
	if err != nil {
		return nil, err
	}
	return e.fanOut(ctx, r, scope, step, step.Step, items)
}

func (e *executorImpl) runMapReduce(ctx context.Context, r *run, scope *expressions.Scope, step *schema.FlowStep) (any, error) {
	items, err := e.items(ctx, scope, step)
	if err != nil {
		return nil, err
	}
	results, err := e.fanOut(ctx, r, scope, step, step.Map, items)
	if err != nil {
		return nil, err
	}
	if step.Reduce == nil {
		return results, nil
	}
	return e.executeStep(ctx, r, scope.With("results", results), step.Reduce)
}

// items resolves the collection a foreach or map-reduce iterates over.
func (e *executorImpl) items(ctx context.Context, scope *expressions.Scope, step *schema.FlowStep) ([]any, error) {
	resolved := e.interp.Interpolate(ctx, step.Items, scope.Vars())
	switch v := resolved.(type) {
	case nil:
		return nil, nil
	case []any:
		return v, nil
	}
	rv := reflect.ValueOf(resolved)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeValidation, "items resolved to %T, expected an array", resolved)
}

// fanOut runs body once per item with item and index bound. maxConcurrency
// bounds the number of concurrent iterations; zero or less runs them one at a
// time. When breakWhen holds for an iteration's result no further
// iterations start and the in-flight ones are awaited. The output keeps item
// order and only contains iterations that ran.
func (e *executorImpl) fanOut(ctx context.Context, r *run, scope *expressions.Scope, parent, body *schema.FlowStep, items []any) ([]any, error) {
	if body == nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s step has no body", parent.Kind())
	}
	outputs := make([]any, len(items))
	ran := make([]bool, len(items))
	var stopped atomic.Bool

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(parent.MaxConcurrency, 1))
	for i, item := range items {
		if stopped.Load() || gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if stopped.Load() {
				return nil
			}
			iter := scope.WithLoopVars(item, i)
			out, err := e.executeStep(gctx, r, iter, body)
			if err != nil {
				return err
			}
			outputs[i] = out
			ran[i] = true
			if parent.BreakWhen == nil {
				return nil
			}
			brk, err := e.conditions.Evaluate(gctx, parent.BreakWhen, iter.With("result", out).Vars())
			if err != nil {
				return err
			}
			if brk && !stopped.Swap(true) {
				logging.LogWith(gctx, e.logger).Debug("foreach stopped",
					slog.String("event", schema.EventForeachBreak), slog.Int("index", i))
				e.publish(gctx, r, schema.EventForeachBreak, parent.Key(), map[string]any{"index": i})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	collected := make([]any, 0, len(items))
	for i := range items {
		if ran[i] {
			collected = append(collected, outputs[i])
		}
	}
	return collected, nil
}

// --- while ---

// runWhile checks the condition before every iteration. Reaching the cap
// while the condition still holds stops the loop without failing the
// execution; the cap is reported in the execution metrics.
func (e *executorImpl) runWhile(ctx context.Context, r *run, scope *expressions.Scope, step *schema.FlowStep) (any, error) {
	limit := step.EffectiveMaxIterations()
	var last any
	for i := 0; ; i++ {
		iter := scope.With("index", i)
		ok, err := e.conditions.Evaluate(ctx, step.Condition, iter.Vars())
		if err != nil {
			return nil, err
		}
		if !ok {
			return last, nil
		}
		if i >= limit {
			r.metrics.iterationCap(step.Key(), limit)
			logging.LogWith(ctx, e.logger).Warn("while loop reached maxIterations",
				slog.String("event", schema.EventLoopIterationCap),
				slog.Int("max_iterations", limit))
			if e.metrics != nil {
				e.metrics.IterationCapHit(r.ensemble.Name, step.Key())
			}
			e.publish(ctx, r, schema.EventLoopIterationCap, step.Key(), map[string]any{"max_iterations": limit})
			return last, nil
		}
		out, err := e.runSteps(ctx, r, iter, step.Steps)
		if err != nil {
			return nil, err
		}
		last = out
	}
}

// --- try ---

// runTry runs the body, then catch on failure with error bound, then finally
// regardless of outcome. A failing finally replaces the result.
func (e *executorImpl) runTry(ctx context.Context, r *run, scope *expressions.Scope, step *schema.FlowStep) (any, error) {
	out, err := e.runSteps(ctx, r, scope, step.Steps)
	if err != nil && len(step.Catch) > 0 {
		ee := schema.AsEnsembleError(err)
		logging.LogWith(ctx, e.logger).Debug("try caught error",
			slog.String("code", ee.Code), slog.String("failed_step", ee.Step))
		out, err = e.runSteps(ctx, r, scope.With("error", map[string]any{
			"message": ee.Message,
			"code":    ee.Code,
			"step":    ee.Step,
		}), step.Catch)
	}
	if len(step.Finally) > 0 {
		if _, ferr := e.runSteps(context.WithoutCancel(ctx), r, scope, step.Finally); ferr != nil {
			return nil, ferr
		}
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// --- state ---

// applySetState writes each setState entry, in path order, with the step's
// output bound as output.
func (e *executorImpl) applySetState(ctx context.Context, r *run, scope *expressions.Scope, step *schema.FlowStep, output any) error {
	vars := scope.With("output", output).Vars()
	paths := make([]string, 0, len(step.SetState))
	for path := range step.SetState {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		value := e.interp.Interpolate(ctx, step.SetState[path], vars)
		if err := r.ec.State.Write(path, value); err != nil {
			return stepError(err, step)
		}
	}
	return nil
}

// stepError converts err into an EnsembleError attributed to step unless a
// nested step already claimed it.
func stepError(err error, step *schema.FlowStep) *schema.EnsembleError {
	ee := schema.AsEnsembleError(err)
	if ee.Step == "" {
		ee.Step = step.Key()
	}
	return ee
}

func cancelled(err error) *schema.EnsembleError {
	return schema.NewError(schema.ErrCodeCancelled, "execution cancelled").WithCause(err)
}
