package agents

import (
	"sync"
	"time"

	"github.com/rendis/ensemble/pkg/schema"
)

// CircuitState is the state of one agent's breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

var circuitStateNames = [...]string{"closed", "open", "half_open"}

func (s CircuitState) String() string {
	if s < 0 || int(s) >= len(circuitStateNames) {
		return "unknown"
	}
	return circuitStateNames[s]
}

// CircuitBreakerConfig tunes when a breaker trips and how it recovers.
type CircuitBreakerConfig struct {
	FailureThreshold int           // consecutive failures that open the circuit
	Cooldown         time.Duration // time spent open before probing
	HalfOpenMax      int           // concurrent probes while half-open
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second, HalfOpenMax: 1}
}

// BreakerStats is a point-in-time view of one breaker.
type BreakerStats struct {
	Agent               string        `json:"agent"`
	State               CircuitState  `json:"-"`
	StateName           string        `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	FailureThreshold    int           `json:"failure_threshold"`
	Cooldown            time.Duration `json:"cooldown"`
}

type breaker struct {
	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	probes   int
}

// advance moves an open breaker to half-open once its cooldown has passed.
func (b *breaker) advance(cfg CircuitBreakerConfig, now time.Time) {
	if b.state == CircuitOpen && now.Sub(b.openedAt) >= cfg.Cooldown {
		b.state = CircuitHalfOpen
		b.probes = 0
	}
}

// CircuitBreakerRegistry holds one breaker per agent name. A tripped agent is
// rejected with CIRCUIT_OPEN until a probe call succeeds.
type CircuitBreakerRegistry struct {
	cfg      CircuitBreakerConfig
	now      func() time.Time
	breakers sync.Map // agent name -> *breaker
}

func NewCircuitBreakerRegistry(cfg CircuitBreakerConfig) *CircuitBreakerRegistry {
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	return &CircuitBreakerRegistry{cfg: cfg, now: time.Now}
}

func (r *CircuitBreakerRegistry) lock(agent string) *breaker {
	v, _ := r.breakers.LoadOrStore(agent, &breaker{})
	b := v.(*breaker)
	b.mu.Lock()
	return b
}

// Allow admits a call to agent or returns a CIRCUIT_OPEN error. A call
// admitted while half-open counts as a probe.
func (r *CircuitBreakerRegistry) Allow(agent string) error {
	b := r.lock(agent)
	defer b.mu.Unlock()

	now := r.now()
	b.advance(r.cfg, now)
	switch b.state {
	case CircuitOpen:
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"agent %q is unavailable after %d consecutive failures", agent, b.failures).
			WithDetails(map[string]any{
				"agent":                agent,
				"consecutive_failures": b.failures,
				"retry_in":             (r.cfg.Cooldown - now.Sub(b.openedAt)).String(),
			})
	case CircuitHalfOpen:
		if b.probes >= r.cfg.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen, "agent %q is being probed", agent).
				WithDetails(map[string]any{"agent": agent})
		}
		b.probes++
	}
	return nil
}

// Succeeded closes the agent's circuit.
func (r *CircuitBreakerRegistry) Succeeded(agent string) {
	b := r.lock(agent)
	defer b.mu.Unlock()
	b.state, b.failures, b.probes = CircuitClosed, 0, 0
}

// Failed counts a failure and returns the resulting state. A failed probe
// reopens the circuit immediately.
func (r *CircuitBreakerRegistry) Failed(agent string) CircuitState {
	b := r.lock(agent)
	defer b.mu.Unlock()

	b.failures++
	if b.state == CircuitHalfOpen || b.failures >= r.cfg.FailureThreshold {
		b.state = CircuitOpen
		b.openedAt = r.now()
	}
	return b.state
}

// State reports the agent's current state.
func (r *CircuitBreakerRegistry) State(agent string) CircuitState {
	return r.Stats(agent).State
}

func (r *CircuitBreakerRegistry) Stats(agent string) BreakerStats {
	b := r.lock(agent)
	defer b.mu.Unlock()

	b.advance(r.cfg, r.now())
	return BreakerStats{
		Agent:               agent,
		State:               b.state,
		StateName:           b.state.String(),
		ConsecutiveFailures: b.failures,
		FailureThreshold:    r.cfg.FailureThreshold,
		Cooldown:            r.cfg.Cooldown,
	}
}
