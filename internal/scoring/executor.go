// Package scoring wraps an agent invocation in a quality-gated retry loop:
// each output is scored by an evaluator and the agent is retried with
// backoff until the threshold is met or retries run out.
package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/ensemble/internal/logging"
	"github.com/rendis/ensemble/pkg/schema"
)

// ExecuteFunc produces one candidate output. attempt starts at 0.
type ExecuteFunc func(ctx context.Context, attempt int) (any, error)

// EvaluateFunc scores one output. previous is nil on the first attempt.
type EvaluateFunc func(ctx context.Context, output any, attempt int, previous *schema.ScoringResult) (*schema.ScoringResult, error)

// AttemptObserver is called after every scored attempt.
type AttemptObserver func(attempt int, result *schema.ScoringResult)

type options struct {
	logger   *slog.Logger
	wait     func(context.Context, time.Duration) error
	observer AttemptObserver
}

// Option configures Execute.
type Option func(*options)

// WithLogger sets the logger for attempt and backoff records.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithWait replaces the backoff wait, e.g. to record delays in tests.
func WithWait(wait func(context.Context, time.Duration) error) Option {
	return func(o *options) { o.wait = wait }
}

// WithObserver registers a per-attempt callback.
func WithObserver(fn AttemptObserver) Option {
	return func(o *options) { o.observer = fn }
}

// Execute runs exec until evaluate reports a passing score or retries are
// exhausted. An exec error counts as a score of 0; so does an evaluator
// error. At most cfg.MaxRetries+1 attempts are made. When
// cfg.RequireImprovement is set, a retry whose score does not improve on the
// previous one by cfg.MinImprovement stops the loop with below_threshold.
//
// The returned error is non-nil only when ctx ends the loop; the result is
// still populated in that case.
func Execute(ctx context.Context, exec ExecuteFunc, evaluate EvaluateFunc, cfg *schema.ScoringConfig, opts ...Option) (*schema.ScoredExecutionResult, error) {
	o := options{wait: WaitForBackoff}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if exec == nil || evaluate == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "scoring requires an execute and an evaluate function")
	}
	if cfg == nil {
		cfg = &schema.ScoringConfig{}
	}
	threshold := cfg.EffectiveThreshold()
	maxRetries := max(cfg.MaxRetries, 0)
	log := logging.LogWith(ctx, o.logger)

	start := time.Now()
	result := &schema.ScoredExecutionResult{}
	finish := func(status schema.ScoringStatus) *schema.ScoredExecutionResult {
		result.Status = status
		result.ExecutionTime = time.Since(start)
		return result
	}

	var previous *schema.ScoringResult
	for attempt := 0; ; attempt++ {
		result.Attempts = attempt + 1

		output, execErr := exec(ctx, attempt)
		var scored *schema.ScoringResult
		if execErr != nil {
			scored = &schema.ScoringResult{Feedback: execErr.Error()}
			result.Error = execErr.Error()
		} else {
			result.Output = output
			result.Error = ""
			scored = score(ctx, evaluate, output, attempt, previous, cfg, log)
		}
		scored.Passed = execErr == nil && scored.Score >= threshold
		result.Score = scored
		result.History = append(result.History, *scored)
		if o.observer != nil {
			o.observer(attempt, scored)
		}

		log.Debug("scoring attempt",
			slog.String("event", schema.EventScoringAttempt),
			slog.Int("attempt", attempt+1),
			slog.Float64("score", scored.Score),
			slog.Float64("threshold", threshold),
			slog.Bool("passed", scored.Passed),
		)

		if scored.Passed {
			return finish(schema.ScoringPassed), nil
		}

		if cfg.RequireImprovement && previous != nil && scored.Score-previous.Score < cfg.MinImprovement {
			log.Info("scoring stopped: no improvement",
				slog.Float64("previous", previous.Score), slog.Float64("score", scored.Score))
			if execErr != nil {
				return finish(schema.ScoringFailed), nil
			}
			return finish(schema.ScoringBelowThreshold), nil
		}

		if attempt >= maxRetries {
			if execErr != nil {
				return finish(schema.ScoringFailed), nil
			}
			return finish(schema.ScoringMaxRetriesExceeded), nil
		}

		delay := ComputeBackoff(cfg.BackoffStrategy, cfg.InitialBackoff.Std(), cfg.MaxBackoff.Std(), attempt)
		if delay > 0 {
			log.Debug("scoring backoff",
				slog.String("event", schema.EventScoringBackoff),
				slog.Duration("delay", delay))
		}
		if err := o.wait(ctx, delay); err != nil {
			result.Error = err.Error()
			return finish(schema.ScoringFailed),
				schema.NewError(schema.ErrCodeCancelled, "scoring interrupted").WithCause(err)
		}
		previous = scored
	}
}

// score runs the evaluator; an evaluator failure scores 0.
func score(ctx context.Context, evaluate EvaluateFunc, output any, attempt int, previous *schema.ScoringResult, cfg *schema.ScoringConfig, log *slog.Logger) *schema.ScoringResult {
	res, err := evaluate(ctx, output, attempt, previous)
	if err != nil {
		log.Warn("evaluator failed", slog.Int("attempt", attempt+1), slog.String("error", err.Error()))
		return &schema.ScoringResult{Feedback: fmt.Sprintf("evaluator failed: %v", err)}
	}
	if res == nil {
		return &schema.ScoringResult{Feedback: "evaluator returned no result"}
	}
	cp := *res
	if cp.Score == 0 && len(cp.Breakdown) > 0 {
		cp.Score = CompositeScore(cp.Breakdown, cfg.Weights)
	}
	return &cp
}
