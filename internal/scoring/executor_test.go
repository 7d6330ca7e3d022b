package scoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rendis/ensemble/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scripted returns an evaluator yielding scores in order, repeating the last.
func scripted(scores ...float64) (EvaluateFunc, *[]*schema.ScoringResult) {
	var seen []*schema.ScoringResult
	return func(_ context.Context, _ any, attempt int, previous *schema.ScoringResult) (*schema.ScoringResult, error) {
		seen = append(seen, previous)
		i := min(attempt, len(scores)-1)
		return &schema.ScoringResult{Score: scores[i]}, nil
	}, &seen
}

func counting(calls *int) ExecuteFunc {
	return func(_ context.Context, attempt int) (any, error) {
		*calls++
		return map[string]any{"draft": attempt}, nil
	}
}

func noWait(delays *[]time.Duration) Option {
	return WithWait(func(_ context.Context, d time.Duration) error {
		if delays != nil {
			*delays = append(*delays, d)
		}
		return nil
	})
}

func TestExecute_PassesOnThirdAttempt(t *testing.T) {
	eval, _ := scripted(0.3, 0.5, 0.9)
	calls := 0

	res, err := Execute(context.Background(), counting(&calls), eval,
		&schema.ScoringConfig{Threshold: 0.8, MaxRetries: 3}, noWait(nil))
	require.NoError(t, err)

	assert.Equal(t, schema.ScoringPassed, res.Status)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, calls)
	assert.Equal(t, map[string]any{"draft": 2}, res.Output)
	assert.InDelta(t, 0.9, res.Score.Score, 1e-9)
	assert.True(t, res.Score.Passed)
	assert.Len(t, res.History, 3)
}

func TestExecute_MaxRetriesExceeded(t *testing.T) {
	eval, _ := scripted(0.3, 0.4, 0.5)
	calls := 0

	res, err := Execute(context.Background(), counting(&calls), eval,
		&schema.ScoringConfig{Threshold: 0.8, MaxRetries: 3}, noWait(nil))
	require.NoError(t, err)

	assert.Equal(t, schema.ScoringMaxRetriesExceeded, res.Status)
	assert.Equal(t, 4, res.Attempts)
	assert.Equal(t, 4, calls)
	assert.False(t, res.Score.Passed)
}

func TestExecute_AttemptsBounds(t *testing.T) {
	for retries := 0; retries <= 4; retries++ {
		eval, _ := scripted(0.1)
		calls := 0
		res, err := Execute(context.Background(), counting(&calls), eval,
			&schema.ScoringConfig{MaxRetries: retries}, noWait(nil))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, res.Attempts, 1)
		assert.Equal(t, retries+1, res.Attempts)
	}
}

func TestExecute_PassedMeansThresholdMet(t *testing.T) {
	// The evaluator's own passed flag is ignored in favour of the threshold.
	eval := func(context.Context, any, int, *schema.ScoringResult) (*schema.ScoringResult, error) {
		return &schema.ScoringResult{Score: 0.69, Passed: true}, nil
	}
	calls := 0
	res, err := Execute(context.Background(), counting(&calls), eval, &schema.ScoringConfig{}, noWait(nil))
	require.NoError(t, err)
	assert.Equal(t, schema.ScoringMaxRetriesExceeded, res.Status)
	assert.False(t, res.Score.Passed)

	exact := func(context.Context, any, int, *schema.ScoringResult) (*schema.ScoringResult, error) {
		return &schema.ScoringResult{Score: schema.DefaultScoreThreshold}, nil
	}
	res, err = Execute(context.Background(), counting(&calls), exact, nil, noWait(nil))
	require.NoError(t, err)
	assert.Equal(t, schema.ScoringPassed, res.Status)
}

func TestExecute_ExecErrorScoresZeroAndRetries(t *testing.T) {
	attempts := 0
	exec := func(_ context.Context, attempt int) (any, error) {
		attempts++
		if attempt == 0 {
			return nil, errors.New("model overloaded")
		}
		return "ok", nil
	}
	eval, seen := scripted(0.95)

	res, err := Execute(context.Background(), exec, eval, &schema.ScoringConfig{MaxRetries: 2}, noWait(nil))
	require.NoError(t, err)
	assert.Equal(t, schema.ScoringPassed, res.Status)
	assert.Equal(t, 2, res.Attempts)
	assert.Empty(t, res.Error)
	assert.Equal(t, 0.0, res.History[0].Score)
	require.Len(t, *seen, 1, "evaluator is not called for a failed attempt")
	assert.Equal(t, 0.0, (*seen)[0].Score, "previous score of a thrown attempt is 0")
}

func TestExecute_TerminalErrorIsFailed(t *testing.T) {
	exec := func(context.Context, int) (any, error) { return nil, errors.New("always down") }
	eval, _ := scripted(1)

	res, err := Execute(context.Background(), exec, eval, &schema.ScoringConfig{MaxRetries: 1}, noWait(nil))
	require.NoError(t, err)
	assert.Equal(t, schema.ScoringFailed, res.Status)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, "always down", res.Error)
}

func TestExecute_EvaluatorErrorScoresZero(t *testing.T) {
	eval := func(context.Context, any, int, *schema.ScoringResult) (*schema.ScoringResult, error) {
		return nil, errors.New("judge unavailable")
	}
	calls := 0
	res, err := Execute(context.Background(), counting(&calls), eval, &schema.ScoringConfig{MaxRetries: 1}, noWait(nil))
	require.NoError(t, err)
	assert.Equal(t, schema.ScoringMaxRetriesExceeded, res.Status)
	assert.Contains(t, res.Score.Feedback, "judge unavailable")
}

func TestExecute_RequireImprovementStopsEarly(t *testing.T) {
	eval, _ := scripted(0.5, 0.52, 0.9)
	calls := 0

	res, err := Execute(context.Background(), counting(&calls), eval, &schema.ScoringConfig{
		Threshold:          0.8,
		MaxRetries:         5,
		RequireImprovement: true,
		MinImprovement:     0.05,
	}, noWait(nil))
	require.NoError(t, err)
	assert.Equal(t, schema.ScoringBelowThreshold, res.Status)
	assert.Equal(t, 2, res.Attempts)
}

func TestExecute_RequireImprovementKeepsGoing(t *testing.T) {
	eval, _ := scripted(0.3, 0.5, 0.85)
	calls := 0

	res, err := Execute(context.Background(), counting(&calls), eval, &schema.ScoringConfig{
		Threshold:          0.8,
		MaxRetries:         5,
		RequireImprovement: true,
		MinImprovement:     0.1,
	}, noWait(nil))
	require.NoError(t, err)
	assert.Equal(t, schema.ScoringPassed, res.Status)
	assert.Equal(t, 3, res.Attempts)
}

func TestExecute_BackoffBetweenAttemptsOnly(t *testing.T) {
	eval, _ := scripted(0.1)
	var delays []time.Duration
	calls := 0

	_, err := Execute(context.Background(), counting(&calls), eval, &schema.ScoringConfig{
		MaxRetries:      3,
		BackoffStrategy: schema.BackoffExponential,
		InitialBackoff:  schema.Duration(10 * time.Millisecond),
	}, noWait(&delays))
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}, delays)
}

func TestExecute_PreviousScorePassedToEvaluator(t *testing.T) {
	eval, seen := scripted(0.2, 0.4, 0.9)
	calls := 0
	_, err := Execute(context.Background(), counting(&calls), eval, &schema.ScoringConfig{MaxRetries: 3}, noWait(nil))
	require.NoError(t, err)

	require.Len(t, *seen, 3)
	assert.Nil(t, (*seen)[0])
	assert.InDelta(t, 0.2, (*seen)[1].Score, 1e-9)
	assert.InDelta(t, 0.4, (*seen)[2].Score, 1e-9)
}

func TestExecute_BreakdownComposite(t *testing.T) {
	eval := func(context.Context, any, int, *schema.ScoringResult) (*schema.ScoringResult, error) {
		return &schema.ScoringResult{Breakdown: map[string]float64{"accuracy": 1, "tone": 0.5}}, nil
	}
	calls := 0
	res, err := Execute(context.Background(), counting(&calls), eval, &schema.ScoringConfig{
		Threshold: 0.8,
		Weights:   map[string]float64{"accuracy": 3},
	}, noWait(nil))
	require.NoError(t, err)
	assert.InDelta(t, 0.875, res.Score.Score, 1e-9)
	assert.Equal(t, schema.ScoringPassed, res.Status)
}

func TestExecute_ContextCancelledDuringBackoff(t *testing.T) {
	eval, _ := scripted(0.1)
	calls := 0
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := Execute(ctx, counting(&calls), eval, &schema.ScoringConfig{
		MaxRetries:     3,
		InitialBackoff: schema.Duration(time.Hour),
	})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeCancelled))
	assert.Equal(t, schema.ScoringFailed, res.Status)
	assert.Equal(t, 1, res.Attempts)
}

func TestExecute_RealBackoffDelays(t *testing.T) {
	eval, _ := scripted(0.1, 0.9)
	calls := 0
	start := time.Now()
	res, err := Execute(context.Background(), counting(&calls), eval, &schema.ScoringConfig{
		MaxRetries:     1,
		InitialBackoff: schema.Duration(30 * time.Millisecond),
	})
	require.NoError(t, err)
	assert.Equal(t, schema.ScoringPassed, res.Status)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.GreaterOrEqual(t, res.ExecutionTime, 30*time.Millisecond)
}

func TestExecute_Observer(t *testing.T) {
	eval, _ := scripted(0.1, 0.9)
	calls := 0
	var attempts []int
	_, err := Execute(context.Background(), counting(&calls), eval, &schema.ScoringConfig{MaxRetries: 2},
		noWait(nil), WithObserver(func(attempt int, _ *schema.ScoringResult) {
			attempts = append(attempts, attempt)
		}))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, attempts)
}

func TestExecute_NilFuncs(t *testing.T) {
	_, err := Execute(context.Background(), nil, nil, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}
