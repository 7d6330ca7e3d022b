// Package metrics exports execution telemetry to Prometheus. A Collector owns
// its registry, so several collectors can coexist in one process and in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/ensemble/internal/engine"
	"github.com/rendis/ensemble/pkg/schema"
)

const defaultNamespace = "ensemble"

// Collector records executions, steps, agent calls, scoring loops and
// suspension lifecycle events.
type Collector struct {
	registry *prometheus.Registry

	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	stepsTotal        *prometheus.CounterVec
	stepDuration      *prometheus.HistogramVec
	agentCallsTotal   *prometheus.CounterVec
	agentDuration     *prometheus.HistogramVec
	scoringTotal      *prometheus.CounterVec
	scoringAttempts   *prometheus.HistogramVec
	iterationCaps     *prometheus.CounterVec
	suspensionEvents  *prometheus.CounterVec
}

// Option configures a Collector.
type Option func(*options)

type options struct {
	namespace string
	runtime   bool
}

// WithNamespace prefixes every metric name. Default "ensemble".
func WithNamespace(ns string) Option {
	return func(o *options) { o.namespace = ns }
}

// WithRuntimeMetrics also registers the Go runtime and process collectors.
func WithRuntimeMetrics() Option {
	return func(o *options) { o.runtime = true }
}

// NewCollector creates a Collector with a fresh registry.
func NewCollector(opts ...Option) *Collector {
	o := options{namespace: defaultNamespace}
	for _, opt := range opts {
		opt(&o)
	}
	ns := o.namespace

	c := &Collector{
		registry: prometheus.NewRegistry(),
		executionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "executions_total",
			Help:      "Finished executions by ensemble and final status.",
		}, []string{"ensemble", "status"}),
		executionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "execution_duration_seconds",
			Help:      "Wall time of one execution segment, up to completion or suspension.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"ensemble", "status"}),
		stepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "steps_total",
			Help:      "Executed flow steps by kind and outcome.",
		}, []string{"kind", "outcome"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "step_duration_seconds",
			Help:      "Flow step duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		agentCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "agent_invocations_total",
			Help:      "Agent invocations by agent and outcome.",
		}, []string{"agent", "outcome"}),
		agentDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "agent_duration_seconds",
			Help:      "Agent invocation duration in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"agent"}),
		scoringTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "scoring_loops_total",
			Help:      "Finished scoring loops by agent and status.",
		}, []string{"agent", "status"}),
		scoringAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "scoring_attempts",
			Help:      "Attempts used by one scoring loop.",
			Buckets:   []float64{1, 2, 3, 4, 5, 8, 13},
		}, []string{"agent"}),
		iterationCaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "while_iteration_cap_hits_total",
			Help:      "While loops stopped by their iteration cap.",
		}, []string{"ensemble", "step"}),
		suspensionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "suspension_events_total",
			Help:      "Suspension lifecycle events (suspended, approved, rejected, resumed, cancelled, purged).",
		}, []string{"event"}),
	}

	c.registry.MustRegister(
		c.executionsTotal,
		c.executionDuration,
		c.stepsTotal,
		c.stepDuration,
		c.agentCallsTotal,
		c.agentDuration,
		c.scoringTotal,
		c.scoringAttempts,
		c.iterationCaps,
		c.suspensionEvents,
	)
	if o.runtime {
		c.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// ExecutionFinished implements engine.MetricsSink.
func (c *Collector) ExecutionFinished(ensemble string, status schema.ExecutionStatus, elapsed time.Duration) {
	c.executionsTotal.WithLabelValues(ensemble, string(status)).Inc()
	c.executionDuration.WithLabelValues(ensemble, string(status)).Observe(elapsed.Seconds())
}

// StepFinished implements engine.MetricsSink.
func (c *Collector) StepFinished(kind schema.StepType, success bool, elapsed time.Duration) {
	c.stepsTotal.WithLabelValues(string(kind), outcome(success)).Inc()
	c.stepDuration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
}

// AgentInvoked implements engine.MetricsSink.
func (c *Collector) AgentInvoked(agent string, success bool, elapsed time.Duration) {
	c.agentCallsTotal.WithLabelValues(agent, outcome(success)).Inc()
	c.agentDuration.WithLabelValues(agent).Observe(elapsed.Seconds())
}

// ScoringFinished implements engine.MetricsSink.
func (c *Collector) ScoringFinished(agent string, status schema.ScoringStatus, attempts int) {
	c.scoringTotal.WithLabelValues(agent, string(status)).Inc()
	c.scoringAttempts.WithLabelValues(agent).Observe(float64(attempts))
}

// IterationCapHit implements engine.MetricsSink.
func (c *Collector) IterationCapHit(ensemble, step string) {
	c.iterationCaps.WithLabelValues(ensemble, step).Inc()
}

// SuspensionEvent counts a suspension lifecycle event. Its signature matches
// resumption.EventHook.
func (c *Collector) SuspensionEvent(event string, count int) {
	if count <= 0 {
		return
	}
	c.suspensionEvents.WithLabelValues(event).Add(float64(count))
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

var _ engine.MetricsSink = (*Collector)(nil)
