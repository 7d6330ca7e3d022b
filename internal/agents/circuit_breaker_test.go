package agents

import (
	"testing"
	"time"

	"github.com/rendis/ensemble/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets breaker tests move past the cooldown without sleeping.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreakers(threshold int) (*CircuitBreakerRegistry, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cbr := NewCircuitBreakerRegistry(CircuitBreakerConfig{
		FailureThreshold: threshold,
		Cooldown:         time.Minute,
		HalfOpenMax:      1,
	})
	cbr.now = clock.now
	return cbr, clock
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cbr, _ := newTestBreakers(3)

	cbr.Failed("summarize")
	cbr.Failed("summarize")
	assert.Equal(t, CircuitClosed, cbr.State("summarize"))
	require.NoError(t, cbr.Allow("summarize"))

	assert.Equal(t, CircuitOpen, cbr.Failed("summarize"))

	err := cbr.Allow("summarize")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeCircuitOpen))
	assert.Equal(t, "summarize", schema.AsEnsembleError(err).Details["agent"])
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cbr, _ := newTestBreakers(2)

	cbr.Failed("fetch")
	cbr.Succeeded("fetch")
	cbr.Failed("fetch")
	assert.Equal(t, CircuitClosed, cbr.State("fetch"))
}

func TestCircuitBreaker_HalfOpenLifecycle(t *testing.T) {
	tests := []struct {
		name      string
		probeOK   bool
		wantState CircuitState
	}{
		{"probe succeeds", true, CircuitClosed},
		{"probe fails", false, CircuitOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cbr, clock := newTestBreakers(2)
			cbr.Failed("judge")
			cbr.Failed("judge")

			clock.advance(30 * time.Second)
			require.Error(t, cbr.Allow("judge"), "still cooling down")

			clock.advance(31 * time.Second)
			require.NoError(t, cbr.Allow("judge"))
			assert.Error(t, cbr.Allow("judge"), "only one probe while half-open")

			if tt.probeOK {
				cbr.Succeeded("judge")
			} else {
				cbr.Failed("judge")
			}
			assert.Equal(t, tt.wantState, cbr.State("judge"))
		})
	}
}

func TestCircuitBreaker_StateTransitionsAfterCooldown(t *testing.T) {
	cbr, clock := newTestBreakers(1)
	cbr.Failed("x")
	assert.Equal(t, CircuitOpen, cbr.State("x"))

	clock.advance(time.Minute)
	assert.Equal(t, CircuitHalfOpen, cbr.State("x"))
	assert.NoError(t, cbr.Allow("x"))
}

func TestCircuitBreaker_PerAgentIsolation(t *testing.T) {
	cbr, _ := newTestBreakers(1)
	cbr.Failed("a")
	assert.Equal(t, CircuitOpen, cbr.State("a"))
	assert.Equal(t, CircuitClosed, cbr.State("b"))
	assert.NoError(t, cbr.Allow("b"))
}

func TestCircuitBreaker_Stats(t *testing.T) {
	cbr := NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig())
	cbr.Failed("stats")
	cbr.Failed("stats")

	stats := cbr.Stats("stats")
	assert.Equal(t, "stats", stats.Agent)
	assert.Equal(t, CircuitClosed, stats.State)
	assert.Equal(t, "closed", stats.StateName)
	assert.Equal(t, 2, stats.ConsecutiveFailures)
	assert.Equal(t, 5, stats.FailureThreshold)
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half_open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(99).String())
}
