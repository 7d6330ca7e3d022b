package metrics

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/ensemble/internal/agents"
	"github.com/rendis/ensemble/internal/engine"
	"github.com/rendis/ensemble/internal/expressions"
	"github.com/rendis/ensemble/internal/resumption"
	"github.com/rendis/ensemble/pkg/flow"
	"github.com/rendis/ensemble/pkg/schema"
)

func TestCollector_Records(t *testing.T) {
	c := NewCollector()

	c.ExecutionFinished("review", schema.ExecutionStatusCompleted, 120*time.Millisecond)
	c.ExecutionFinished("review", schema.ExecutionStatusCompleted, 80*time.Millisecond)
	c.ExecutionFinished("review", schema.ExecutionStatusFailed, time.Second)
	c.StepFinished(schema.StepTypeAgent, true, time.Millisecond)
	c.StepFinished(schema.StepTypeAgent, false, time.Millisecond)
	c.AgentInvoked("writer", true, 10*time.Millisecond)
	c.ScoringFinished("writer", schema.ScoringPassed, 3)
	c.IterationCapHit("review", "poll")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.executionsTotal.WithLabelValues("review", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.executionsTotal.WithLabelValues("review", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stepsTotal.WithLabelValues("agent", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stepsTotal.WithLabelValues("agent", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.agentCallsTotal.WithLabelValues("writer", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.scoringTotal.WithLabelValues("writer", "passed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.iterationCaps.WithLabelValues("review", "poll")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.executionDuration))
}

func TestCollector_SuspensionEvent(t *testing.T) {
	c := NewCollector()
	c.SuspensionEvent(schema.EventExecutionSuspended, 1)
	c.SuspensionEvent(schema.EventSuspensionPurged, 4)
	c.SuspensionEvent(schema.EventSuspensionPurged, 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.suspensionEvents.WithLabelValues(schema.EventExecutionSuspended)))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.suspensionEvents.WithLabelValues(schema.EventSuspensionPurged)))
}

func TestCollector_IndependentRegistries(t *testing.T) {
	a := NewCollector()
	b := NewCollector(WithNamespace("other"))
	a.IterationCapHit("x", "y")

	assert.Equal(t, 1, testutil.CollectAndCount(a.iterationCaps))
	assert.Equal(t, 0, testutil.CollectAndCount(b.iterationCaps))
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector(WithRuntimeMetrics())
	c.AgentInvoked("echo", true, time.Millisecond)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `ensemble_agent_invocations_total{agent="echo",outcome="success"} 1`)
	assert.Contains(t, body, "go_goroutines")
}

func TestCollector_WiredIntoExecution(t *testing.T) {
	c := NewCollector()
	reg := agents.NewRegistry()
	require.NoError(t, agents.RegisterBuiltins(reg, agents.BuiltinConfig{}))
	interp := expressions.NewInterpolator(expressions.WithExpressionEngine(expressions.NewExprEngine()))
	rm := resumption.NewManager(resumption.NewMemoryStore(), resumption.WithEventHook(c.SuspensionEvent))
	exec := engine.NewExecutor(agents.NewAdapter(reg, interp),
		engine.WithResumption(rm),
		engine.WithMetrics(c),
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)

	ens := flow.New("approval").
		Flow(
			flow.Agent("echo", "draft", flow.Named("draft")),
			flow.Suspend("check ${draft.output}"),
			flow.Agent("echo", "published"),
		).
		MustBuild()

	ctx := context.Background()
	res, err := exec.Execute(ctx, ens, nil, nil)
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusSuspended, res.Status)
	require.NoError(t, rm.Approve(ctx, res.Token, "alice", nil))

	res, err = exec.Resume(ctx, res.Token)
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusCompleted, res.Status, "error: %v", res.Error)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.executionsTotal.WithLabelValues("approval", "suspended")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.executionsTotal.WithLabelValues("approval", "completed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.agentCallsTotal.WithLabelValues("echo", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.suspensionEvents.WithLabelValues(schema.EventExecutionSuspended)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.suspensionEvents.WithLabelValues(schema.EventSuspensionApproved)))

	n, err := testutil.GatherAndCount(c.Registry(), "ensemble_steps_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2.0, testutil.ToFloat64(c.stepsTotal.WithLabelValues("agent", "success")))
}
