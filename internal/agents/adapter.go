package agents

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/rendis/ensemble/internal/expressions"
	"github.com/rendis/ensemble/internal/logging"
	"github.com/rendis/ensemble/pkg/schema"
)

// Call describes one agent invocation requested by a flow step.
type Call struct {
	Agent string
	// Config is the raw step input; ${...} references are resolved against Vars.
	Config any
	// Resolved passes Config through without interpolation.
	Resolved bool
	Vars     map[string]any
	Env      map[string]any
	// ExecutionID and Step identify the caller for logging and agent context.
	ExecutionID string
	Step        string
	State       StateAccess
	// Timeout overrides the adapter default when positive.
	Timeout time.Duration
}

// Observer is notified after every invocation that reached an agent.
type Observer func(agent string, elapsed time.Duration, result *schema.AgentResult)

// Adapter resolves an agent by name, interpolates its config and invokes it
// behind the uniform result contract. Agent errors and panics never escape:
// they become failed results.
type Adapter struct {
	registry *Registry
	interp   *expressions.Interpolator
	breakers *CircuitBreakerRegistry
	timeout  time.Duration
	observer Observer
	logger   *slog.Logger
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithTimeout bounds every invocation that does not set its own timeout.
func WithTimeout(d time.Duration) AdapterOption {
	return func(a *Adapter) { a.timeout = d }
}

// WithCircuitBreaker enables per-agent circuit breaking.
func WithCircuitBreaker(cfg CircuitBreakerConfig) AdapterOption {
	return func(a *Adapter) { a.breakers = NewCircuitBreakerRegistry(cfg) }
}

// WithObserver registers a callback invoked after each agent execution.
func WithObserver(o Observer) AdapterOption {
	return func(a *Adapter) { a.observer = o }
}

// WithAdapterLogger sets the adapter logger.
func WithAdapterLogger(l *slog.Logger) AdapterOption {
	return func(a *Adapter) { a.logger = l }
}

// NewAdapter creates an Adapter over registry. A nil interpolator gets a
// default one.
func NewAdapter(registry *Registry, interp *expressions.Interpolator, opts ...AdapterOption) *Adapter {
	a := &Adapter{registry: registry, interp: interp}
	for _, opt := range opts {
		opt(a)
	}
	if a.interp == nil {
		a.interp = expressions.NewInterpolator()
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a
}

// Registry returns the registry agents are resolved from.
func (a *Adapter) Registry() *Registry {
	return a.registry
}

// Breakers returns the circuit breaker registry, or nil when disabled.
func (a *Adapter) Breakers() *CircuitBreakerRegistry {
	return a.breakers
}

// Resolve interpolates a step config against vars.
func (a *Adapter) Resolve(ctx context.Context, config any, vars map[string]any) any {
	return a.interp.Interpolate(ctx, config, vars)
}

// Invoke runs call.Agent. The returned error is reserved for MEMBER_NOT_FOUND;
// every other failure is reported through a failed AgentResult.
func (a *Adapter) Invoke(ctx context.Context, call Call) (*schema.AgentResult, error) {
	agent, err := a.registry.Get(call.Agent)
	if err != nil {
		return nil, schema.AsEnsembleError(err).WithStep(call.Step)
	}

	ctx = logging.WithAgent(ctx, call.Agent)
	log := logging.LogWith(ctx, a.logger)

	if a.breakers != nil {
		if err := a.breakers.Allow(call.Agent); err != nil {
			log.Warn("agent call rejected", slog.String("event", schema.EventCircuitBreakerOpen))
			ee := schema.AsEnsembleError(err)
			return schema.Failed(ee.Code, ee.Message), nil
		}
	}

	config := call.Config
	if !call.Resolved {
		config = a.Resolve(ctx, config, call.Vars)
	}
	in := Input{
		Input: config,
		Env:   call.Env,
		Context: &ExecutionInfo{
			ExecutionID: call.ExecutionID,
			Step:        call.Step,
			Vars:        call.Vars,
			State:       call.State,
		},
	}

	timeout := a.timeout
	if call.Timeout > 0 {
		timeout = call.Timeout
	}

	start := time.Now()
	result := a.run(ctx, agent, in, timeout)
	elapsed := time.Since(start)

	if a.breakers != nil {
		if result.Success {
			a.breakers.Succeeded(call.Agent)
		} else if result.Code != schema.ErrCodeCancelled {
			if a.breakers.Failed(call.Agent) == CircuitOpen {
				log.Warn("circuit opened", slog.String("event", schema.EventCircuitBreakerOpen))
			}
		}
	}
	if a.observer != nil {
		a.observer(call.Agent, elapsed, result)
	}

	if result.Success {
		log.Debug("agent succeeded", slog.Duration("elapsed", elapsed))
	} else {
		log.Info("agent failed", slog.Duration("elapsed", elapsed),
			slog.String("code", result.Code), slog.String("error", result.Error))
	}
	return result, nil
}

type outcome struct {
	result *schema.AgentResult
	err    error
}

// run executes the agent on its own goroutine so that a timeout or a
// cancelled context returns even when the agent ignores ctx.
func (a *Adapter) run(ctx context.Context, agent Agent, in Input, timeout time.Duration) *schema.AgentResult {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				a.logger.Error("agent panicked",
					slog.String("agent", agent.Name()),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				done <- outcome{err: fmt.Errorf("agent %q panicked: %v", agent.Name(), r)}
			}
		}()
		res, err := agent.Execute(runCtx, in)
		done <- outcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		if failed := out.err != nil || (out.result != nil && !out.result.Success); failed && runCtx.Err() != nil {
			return a.interrupted(ctx, agent, timeout)
		}
		return normalize(out)
	case <-runCtx.Done():
		return a.interrupted(ctx, agent, timeout)
	}
}

// interrupted reports a call cut short by the caller or by the timeout.
func (a *Adapter) interrupted(ctx context.Context, agent Agent, timeout time.Duration) *schema.AgentResult {
	if ctx.Err() != nil {
		return schema.Failed(schema.ErrCodeCancelled, ctx.Err().Error())
	}
	return schema.Failed(schema.ErrCodeTimeout,
		fmt.Sprintf("agent %q timed out after %s", agent.Name(), timeout))
}

func normalize(out outcome) *schema.AgentResult {
	if out.err != nil {
		ee := schema.AsEnsembleError(out.err)
		code := ee.Code
		if code == schema.ErrCodeInternal {
			code = schema.ErrCodeAgentExecution
		}
		return schema.Failed(code, ee.Message)
	}
	if out.result == nil {
		return schema.Succeeded(nil)
	}
	if !out.result.Success && out.result.Code == "" {
		res := *out.result
		res.Code = schema.ErrCodeAgentExecution
		return &res
	}
	return out.result
}
