// Package engine interprets ensemble flows: it walks the step tree, invokes
// agents through the adapter, wraps scored steps in the scoring loop and
// hands suspensions to the resumption manager.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/ensemble/internal/agents"
	"github.com/rendis/ensemble/internal/expressions"
	"github.com/rendis/ensemble/internal/logging"
	"github.com/rendis/ensemble/internal/resumption"
	"github.com/rendis/ensemble/internal/state"
	"github.com/rendis/ensemble/internal/streaming"
	"github.com/rendis/ensemble/internal/validation"
	"github.com/rendis/ensemble/pkg/schema"
)

// Executor runs ensembles.
type Executor interface {
	// Execute runs ens from its first step. Failures and suspensions are
	// reported in the result; the error is reserved for invalid arguments.
	Execute(ctx context.Context, ens *schema.Ensemble, input any, env map[string]any) (*schema.GraphExecutionResult, error)

	// Resume continues the execution suspended under token. Resumption
	// failures (pending, rejected, expired, unknown) come back as failed
	// results.
	Resume(ctx context.Context, token string) (*schema.GraphExecutionResult, error)

	// Register adds ens to the catalog so resumed executions get its hooks back.
	Register(ens *schema.Ensemble)

	// Ensemble returns a registered ensemble by name.
	Ensemble(name string) (*schema.Ensemble, bool)
}

// EnsembleValidator checks an ensemble before it runs.
type EnsembleValidator interface {
	ValidateEnsemble(ens *schema.Ensemble) error
}

// MetricsSink receives execution telemetry. Implemented by internal/metrics.
type MetricsSink interface {
	ExecutionFinished(ensemble string, status schema.ExecutionStatus, elapsed time.Duration)
	StepFinished(kind schema.StepType, success bool, elapsed time.Duration)
	AgentInvoked(agent string, success bool, elapsed time.Duration)
	ScoringFinished(agent string, status schema.ScoringStatus, attempts int)
	IterationCapHit(ensemble, step string)
}

// Option configures the executor.
type Option func(*executorImpl)

// WithResumption enables suspend steps and Resume.
func WithResumption(m *resumption.Manager) Option {
	return func(e *executorImpl) { e.resumption = m }
}

// WithLogger sets the executor logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *executorImpl) { e.logger = l }
}

// WithMetrics sets a telemetry sink.
func WithMetrics(sink MetricsSink) Option {
	return func(e *executorImpl) { e.metrics = sink }
}

// WithEvents publishes execution and step lifecycle events to p.
func WithEvents(p streaming.Publisher) Option {
	return func(e *executorImpl) { e.events = p }
}

// WithValidator validates every ensemble (and every resolved dynamic flow)
// before it runs.
func WithValidator(v EnsembleValidator) Option {
	return func(e *executorImpl) { e.validator = v }
}

// WithValueValidator sets the JSON Schema validator used by strict state.
func WithValueValidator(v state.ValueValidator) Option {
	return func(e *executorImpl) { e.values = v }
}

// WithInterpolator replaces the default interpolator (paths plus Expr).
func WithInterpolator(interp *expressions.Interpolator) Option {
	return func(e *executorImpl) { e.interp = interp }
}

// WithClock replaces time.Now for metrics.
func WithClock(now func() time.Time) Option {
	return func(e *executorImpl) { e.now = now }
}

type executorImpl struct {
	adapter    *agents.Adapter
	resumption *resumption.Manager
	interp     *expressions.Interpolator
	conditions *expressions.ConditionEvaluator
	fsm        *ExecutionFSM
	validator  EnsembleValidator
	values     state.ValueValidator
	metrics    MetricsSink
	events     streaming.Publisher
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.RWMutex
	catalog map[string]*schema.Ensemble
}

// run is one in-flight execution.
type run struct {
	id       string
	ensemble *schema.Ensemble
	flow     []schema.FlowStep
	ec       *ExecutionContext
	metrics  *metricsRecorder
	status   schema.ExecutionStatus

	mu   sync.Mutex
	last any
}

func (r *run) setLast(v any) {
	r.mu.Lock()
	r.last = v
	r.mu.Unlock()
}

func (r *run) lastOutput() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// NewExecutor creates an Executor invoking agents through adapter.
func NewExecutor(adapter *agents.Adapter, opts ...Option) Executor {
	e := &executorImpl{
		adapter: adapter,
		now:     time.Now,
		catalog: make(map[string]*schema.Ensemble),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.interp == nil {
		e.interp = expressions.NewInterpolator(expressions.WithExpressionEngine(expressions.NewExprEngine()))
	}
	if e.values == nil {
		if jsv, err := validation.NewJSONSchemaValidator(); err == nil {
			e.values = jsv
		}
	}

	// CEL is optional: without it bare conditions are read as literals.
	var cel expressions.Engine
	if celEngine, err := expressions.NewCELEngine(); err == nil {
		cel = celEngine
	}
	e.conditions = expressions.NewConditionEvaluator(e.interp, cel)
	e.fsm = NewExecutionFSM(e.logger)
	return e
}

func (e *executorImpl) Register(ens *schema.Ensemble) {
	if ens == nil || ens.Name == "" {
		return
	}
	e.mu.Lock()
	e.catalog[ens.Name] = ens
	e.mu.Unlock()
}

func (e *executorImpl) Ensemble(name string) (*schema.Ensemble, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ens, ok := e.catalog[name]
	return ens, ok
}

// Execute starts a new execution.
func (e *executorImpl) Execute(ctx context.Context, ens *schema.Ensemble, input any, env map[string]any) (*schema.GraphExecutionResult, error) {
	if ens == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "ensemble is nil")
	}

	id := uuid.NewString()
	ctx = logging.WithExecutionID(ctx, id)
	r := &run{
		id:       id,
		ensemble: ens,
		metrics:  newMetricsRecorder(e.now().UTC()),
		status:   schema.ExecutionStatusPending,
	}

	st, err := e.newState(ens.State)
	if err != nil {
		r.ec = newExecutionContext(id, input, env, mustEmptyState())
		return e.fail(ctx, r, err), nil
	}
	r.ec = newExecutionContext(id, input, env, st)

	if e.validator != nil && !ens.IsDynamic() {
		if err := e.validator.ValidateEnsemble(ens); err != nil {
			return e.fail(ctx, r, err), nil
		}
	}

	if hook := ens.Hooks.BeforeExecute; hook != nil {
		if err := hook(ctx, r.ec.Vars()); err != nil {
			return e.fail(ctx, r, err), nil
		}
	}

	flow, err := e.resolveFlow(ctx, r)
	if err != nil {
		return e.fail(ctx, r, err), nil
	}
	r.flow = flow

	if err := e.transition(ctx, r, schema.ExecutionStatusRunning); err != nil {
		return e.fail(ctx, r, err), nil
	}
	logging.LogWith(ctx, e.logger).Info("execution started",
		slog.String("event", schema.EventExecutionStarted),
		slog.String("ensemble", ens.Name),
		slog.Int("steps", len(flow)),
	)
	e.publish(ctx, r, schema.EventExecutionStarted, "", map[string]any{"steps": len(flow)})
	return e.runFlow(ctx, r, 0), nil
}

// Resume continues a suspended execution whose token has been approved.
func (e *executorImpl) Resume(ctx context.Context, token string) (*schema.GraphExecutionResult, error) {
	if e.resumption == nil {
		return nil, schema.NewError(schema.ErrCodeInternal, "executor has no resumption manager")
	}
	ctx = logging.WithToken(ctx, token)

	suspended, err := e.resumption.Resume(ctx, token)
	if err == nil {
		err = e.resumption.Consume(ctx, token)
	}
	if err != nil {
		return &schema.GraphExecutionResult{
			Status: schema.ExecutionStatusFailed,
			Error:  schema.AsEnsembleError(err),
		}, nil
	}

	ens := suspended.Ensemble
	if registered, ok := e.Ensemble(ens.Name); ok {
		ens.Hooks = registered.Hooks
	}

	id := suspended.Context.ExecutionID
	if id == "" {
		id = uuid.NewString()
	}
	ctx = logging.WithExecutionID(ctx, id)
	r := &run{
		id:       id,
		ensemble: &ens,
		flow:     ens.Flow,
		metrics:  restoreMetricsRecorder(suspended.Metrics),
		status:   schema.ExecutionStatusPending,
	}

	st, err := e.newState(ens.State)
	if err != nil {
		r.ec = restoreExecutionContext(suspended.Context, mustEmptyState())
		return e.fail(ctx, r, err), nil
	}
	r.ec = restoreExecutionContext(suspended.Context, st)
	r.ec.setResume(map[string]any{
		"token":      token,
		"approvedBy": suspended.Metadata.ResolvedBy,
		"data":       suspended.Metadata.ApprovalData,
	})

	if err := e.transition(ctx, r, schema.ExecutionStatusRunning); err != nil {
		return e.fail(ctx, r, err), nil
	}
	logging.LogWith(ctx, e.logger).Info("execution resumed",
		slog.String("event", schema.EventExecutionResumed),
		slog.String("ensemble", ens.Name),
		slog.Int("resume_from_step", suspended.ResumeFromStep),
	)
	e.publish(ctx, r, schema.EventExecutionResumed, "", map[string]any{
		"resume_from_step": suspended.ResumeFromStep,
		"approved_by":      suspended.Metadata.ResolvedBy,
	})
	return e.runFlow(ctx, r, suspended.ResumeFromStep), nil
}

func (e *executorImpl) newState(cfg *schema.StateConfig) (*state.Manager, error) {
	opts := []state.Option{state.WithLogger(e.logger)}
	if cfg != nil && cfg.Strict && e.values != nil {
		opts = append(opts, state.WithStrict(e.values))
	}
	return state.New(cfg, opts...)
}

func mustEmptyState() *state.Manager {
	st, _ := state.New(nil)
	return st
}

// resolveFlow evaluates a dynamic flow exactly once, or returns the static one.
func (e *executorImpl) resolveFlow(ctx context.Context, r *run) ([]schema.FlowStep, error) {
	ens := r.ensemble
	if !ens.IsDynamic() {
		return ens.Flow, nil
	}
	flow, err := ens.DynamicFlow(ctx, r.ec.Vars())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "dynamic flow of %s failed: %s", ens.Name, err.Error()).WithCause(err)
	}
	if e.validator != nil {
		resolved := *ens
		resolved.Flow = flow
		resolved.DynamicFlow = nil
		if err := e.validator.ValidateEnsemble(&resolved); err != nil {
			return nil, err
		}
	}
	return flow, nil
}

// runFlow executes the top-level flow from index from. Suspend steps are
// handled here because they end the in-memory execution.
func (e *executorImpl) runFlow(ctx context.Context, r *run, from int) *schema.GraphExecutionResult {
	scope := expressions.NewScope(r.ec)
	for i := from; i < len(r.flow); i++ {
		step := &r.flow[i]
		if step.Kind() == schema.StepTypeSuspend {
			suspend, err := e.guard(ctx, scope, step)
			if err != nil {
				return e.fail(ctx, r, err)
			}
			if suspend {
				return e.suspend(ctx, r, scope, step, i+1)
			}
			continue
		}
		if _, err := e.executeStep(ctx, r, scope, step); err != nil {
			return e.fail(ctx, r, err)
		}
	}
	return e.complete(ctx, r)
}

// suspend persists the execution and ends it with a token.
func (e *executorImpl) suspend(ctx context.Context, r *run, scope *expressions.Scope, step *schema.FlowStep, resumeFrom int) *schema.GraphExecutionResult {
	if e.resumption == nil {
		return e.fail(ctx, r, schema.NewError(schema.ErrCodeInternal,
			"suspend step requires a resumption manager").WithStep(step.Key()))
	}
	vars := scope.Vars()

	ens := *r.ensemble
	ens.Flow = r.flow
	ens.DynamicFlow = nil
	ens.Hooks = schema.Hooks{}

	var meta map[string]any
	if step.Metadata != nil {
		meta, _ = e.interp.Interpolate(ctx, step.Metadata, vars).(map[string]any)
	}
	suspendedBy := step.Name
	if suspendedBy == "" {
		suspendedBy = r.ensemble.Name
	}

	token, err := e.resumption.Suspend(ctx, &ens, r.ec.Snapshot(), resumeFrom, suspendedBy, r.metrics.snapshot(),
		resumption.SuspendOptions{
			Reason:   expressions.Stringify(e.interp.Interpolate(ctx, step.Reason, vars)),
			TTL:      step.TTL.Std(),
			Metadata: meta,
		})
	if err != nil {
		return e.fail(ctx, r, schema.AsEnsembleError(err).WithStep(step.Key()))
	}

	if err := e.transition(ctx, r, schema.ExecutionStatusSuspended); err != nil {
		return e.fail(ctx, r, err)
	}
	result := &schema.GraphExecutionResult{
		ExecutionID: r.id,
		Status:      schema.ExecutionStatusSuspended,
		Token:       token,
		Metrics:     e.finishMetrics(r),
	}
	e.finish(ctx, r, result)
	return result
}

func (e *executorImpl) complete(ctx context.Context, r *run) *schema.GraphExecutionResult {
	output := r.lastOutput()
	if r.ensemble.Output != nil {
		output = e.interp.Interpolate(ctx, r.ensemble.Output, r.ec.Vars())
	}
	if err := e.transition(ctx, r, schema.ExecutionStatusCompleted); err != nil {
		return e.fail(ctx, r, err)
	}
	result := &schema.GraphExecutionResult{
		ExecutionID: r.id,
		Status:      schema.ExecutionStatusCompleted,
		Output:      output,
		Metrics:     e.finishMetrics(r),
	}
	e.finish(ctx, r, result)
	return result
}

func (e *executorImpl) fail(ctx context.Context, r *run, err error) *schema.GraphExecutionResult {
	ee := schema.AsEnsembleError(err)
	if IsValidTransition(r.status, schema.ExecutionStatusFailed) {
		_ = e.transition(ctx, r, schema.ExecutionStatusFailed)
	}
	result := &schema.GraphExecutionResult{
		ExecutionID: r.id,
		Status:      schema.ExecutionStatusFailed,
		Error:       ee,
		Metrics:     e.finishMetrics(r),
	}
	if hook := r.ensemble.Hooks.OnError; hook != nil {
		hook(ctx, ee)
	}
	e.finish(ctx, r, result)
	return result
}

func (e *executorImpl) finishMetrics(r *run) *schema.ExecutionMetrics {
	r.metrics.finish(e.now().UTC())
	m := r.metrics.snapshot()
	return &m
}

// finish logs the outcome and runs the after hook.
func (e *executorImpl) finish(ctx context.Context, r *run, result *schema.GraphExecutionResult) {
	log := logging.LogWith(ctx, e.logger)
	attrs := []any{
		slog.String("ensemble", r.ensemble.Name),
		slog.String("status", string(result.Status)),
		slog.Duration("duration", result.Metrics.Duration),
	}
	switch result.Status {
	case schema.ExecutionStatusFailed:
		log.Warn("execution failed", append(attrs,
			slog.String("event", schema.EventExecutionFailed),
			slog.String("code", result.Error.Code),
			slog.String("step", result.Error.Step),
			slog.String("error", result.Error.Message))...)
	case schema.ExecutionStatusSuspended:
		log.Info("execution suspended", append(attrs, slog.String("event", schema.EventExecutionSuspended))...)
	default:
		log.Info("execution completed", append(attrs, slog.String("event", schema.EventExecutionCompleted))...)
	}
	if result.Metrics.MaxIterationsExceeded() {
		log.Warn("while loop iteration cap reached",
			slog.String("code", schema.ErrCodeMaxIterations),
			slog.Any("caps", result.Metrics.IterationCaps))
	}

	if e.metrics != nil {
		e.metrics.ExecutionFinished(r.ensemble.Name, result.Status, result.Metrics.Duration)
	}
	e.publish(ctx, r, finishEvent(result), "", finishPayload(result))
	if hook := r.ensemble.Hooks.AfterExecute; hook != nil {
		hook(ctx, result)
	}
}

func (e *executorImpl) transition(ctx context.Context, r *run, to schema.ExecutionStatus) error {
	if err := e.fsm.Transition(ctx, r.id, r.status, to); err != nil {
		return err
	}
	r.status = to
	return nil
}

// publish sends one event to the configured hub. Delivery is best effort.
func (e *executorImpl) publish(ctx context.Context, r *run, typ, step string, payload map[string]any) {
	if e.events == nil {
		return
	}
	_ = e.events.Publish(context.WithoutCancel(ctx), streaming.Event{
		ExecutionID: r.id,
		Ensemble:    r.ensemble.Name,
		Step:        step,
		Type:        typ,
		Time:        e.now().UTC(),
		Payload:     payload,
	})
}

func finishEvent(result *schema.GraphExecutionResult) string {
	switch result.Status {
	case schema.ExecutionStatusFailed:
		return schema.EventExecutionFailed
	case schema.ExecutionStatusSuspended:
		return schema.EventExecutionSuspended
	default:
		return schema.EventExecutionCompleted
	}
}

func finishPayload(result *schema.GraphExecutionResult) map[string]any {
	payload := map[string]any{"duration_ms": result.Metrics.Duration.Milliseconds()}
	if result.Token != "" {
		payload["token"] = result.Token
	}
	if result.Error != nil {
		payload["code"] = result.Error.Code
		payload["error"] = result.Error.Message
	}
	return payload
}
