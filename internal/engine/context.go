package engine

import (
	"sync"
	"time"

	"github.com/rendis/ensemble/internal/expressions"
	"github.com/rendis/ensemble/internal/state"
	"github.com/rendis/ensemble/pkg/schema"
)

// ExecutionContext is the mutable bundle owned by one execution: input,
// state, step records, env and scoring sub-state. It is safe for concurrent
// use by parallel branches of the same execution.
type ExecutionContext struct {
	ID    string
	Input any
	Env   map[string]any
	State *state.Manager

	mu      sync.RWMutex
	steps   map[string]any
	scoring map[string]any
	resume  map[string]any
}

func newExecutionContext(id string, input any, env map[string]any, st *state.Manager) *ExecutionContext {
	return &ExecutionContext{
		ID:      id,
		Input:   expressions.DeepCopy(input),
		Env:     expressions.DeepCopyMap(env),
		State:   st,
		steps:   make(map[string]any),
		scoring: make(map[string]any),
	}
}

// restoreExecutionContext rebuilds a context from a snapshot taken at
// suspension time.
func restoreExecutionContext(snap schema.ContextSnapshot, st *state.Manager) *ExecutionContext {
	ec := newExecutionContext(snap.ExecutionID, snap.Input, snap.Env, st)
	for k, v := range snap.Steps {
		ec.steps[k] = expressions.DeepCopy(v)
	}
	for k, v := range snap.Scoring {
		ec.scoring[k] = expressions.DeepCopy(v)
	}
	if snap.State != nil {
		st.Restore(snap.State)
	}
	return ec
}

// Vars returns a fresh view of the variable roots for interpolation and
// conditions: input, state, steps, env, scoring and, after a resume, resume.
func (c *ExecutionContext) Vars() map[string]any {
	c.mu.RLock()
	steps := make(map[string]any, len(c.steps))
	for k, v := range c.steps {
		steps[k] = v
	}
	scoring := make(map[string]any, len(c.scoring))
	for k, v := range c.scoring {
		scoring[k] = v
	}
	resume := c.resume
	c.mu.RUnlock()

	vars := map[string]any{
		"input":   c.Input,
		"state":   c.State.Snapshot(),
		"steps":   steps,
		"env":     c.Env,
		"scoring": scoring,
	}
	if resume != nil {
		vars["resume"] = resume
	}
	return vars
}

// SetStep records a step result under name, replacing any earlier record.
func (c *ExecutionContext) SetStep(name string, record any) {
	c.mu.Lock()
	c.steps[name] = expressions.DeepCopy(record)
	c.mu.Unlock()
}

// Step returns the record stored under name.
func (c *ExecutionContext) Step(name string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.steps[name]
	return v, ok
}

func (c *ExecutionContext) setScoring(name string, v any) {
	c.mu.Lock()
	c.scoring[name] = expressions.DeepCopy(v)
	c.mu.Unlock()
}

func (c *ExecutionContext) setResume(v map[string]any) {
	c.mu.Lock()
	c.resume = v
	c.mu.Unlock()
}

// Snapshot returns a deep copy suitable for persistence.
func (c *ExecutionContext) Snapshot() schema.ContextSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return schema.ContextSnapshot{
		ExecutionID: c.ID,
		Input:       expressions.DeepCopy(c.Input),
		State:       c.State.Snapshot(),
		Steps:       expressions.DeepCopyMap(c.steps),
		Env:         expressions.DeepCopyMap(c.Env),
		Scoring:     expressions.DeepCopyMap(c.scoring),
	}
}

// stepRecord is the shape stored in steps[name].
func stepRecord(res *schema.AgentResult) map[string]any {
	rec := map[string]any{
		"success": res.Success,
		"output":  res.Data,
	}
	if !res.Success {
		rec["error"] = res.Error
	}
	if res.Cached {
		rec["cached"] = true
	}
	return rec
}

// metricsRecorder accumulates ExecutionMetrics for one execution.
type metricsRecorder struct {
	mu sync.Mutex
	m  schema.ExecutionMetrics
}

func newMetricsRecorder(start time.Time) *metricsRecorder {
	return &metricsRecorder{m: schema.ExecutionMetrics{StartedAt: start, Agents: map[string]schema.AgentTiming{}}}
}

func restoreMetricsRecorder(m schema.ExecutionMetrics) *metricsRecorder {
	r := &metricsRecorder{m: m}
	r.m.Agents = make(map[string]schema.AgentTiming, len(m.Agents))
	for k, v := range m.Agents {
		r.m.Agents[k] = v
	}
	r.m.IterationCaps = append([]schema.IterationCap(nil), m.IterationCaps...)
	r.m.CompletedAt = time.Time{}
	r.m.Duration = 0
	return r
}

func (r *metricsRecorder) agent(name string, elapsed time.Duration, res *schema.AgentResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.m.Agents[name]
	t.Calls++
	if !res.Success {
		t.Failures++
	}
	t.Total += elapsed
	t.Last = elapsed
	r.m.Agents[name] = t
	if res.Cached {
		r.m.CacheHits++
	}
}

func (r *metricsRecorder) iterationCap(step string, max int) {
	r.mu.Lock()
	r.m.IterationCaps = append(r.m.IterationCaps, schema.IterationCap{Step: step, MaxIterations: max})
	r.mu.Unlock()
}

func (r *metricsRecorder) finish(now time.Time) {
	r.mu.Lock()
	r.m.CompletedAt = now
	r.m.Duration = now.Sub(r.m.StartedAt)
	r.mu.Unlock()
}

// snapshot returns a copy of the metrics collected so far.
func (r *metricsRecorder) snapshot() schema.ExecutionMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.m
	out.Agents = make(map[string]schema.AgentTiming, len(r.m.Agents))
	for k, v := range r.m.Agents {
		out.Agents[k] = v
	}
	out.IterationCaps = append([]schema.IterationCap(nil), r.m.IterationCaps...)
	return out
}
