package scoring

import (
	"context"
	"testing"
	"time"

	"github.com/rendis/ensemble/pkg/schema"
	"github.com/stretchr/testify/assert"
)

func TestComputeBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	tests := []struct {
		name     string
		strategy schema.BackoffStrategy
		maxDelay time.Duration
		retry    int
		want     time.Duration
	}{
		{"fixed first", schema.BackoffFixed, 0, 0, base},
		{"fixed later", schema.BackoffFixed, 0, 5, base},
		{"default is fixed", "", 0, 3, base},
		{"linear first", schema.BackoffLinear, 0, 0, base},
		{"linear third", schema.BackoffLinear, 0, 2, 3 * base},
		{"exponential first", schema.BackoffExponential, 0, 0, base},
		{"exponential third", schema.BackoffExponential, 0, 2, 4 * base},
		{"exponential capped", schema.BackoffExponential, 250 * time.Millisecond, 10, 250 * time.Millisecond},
		{"linear capped", schema.BackoffLinear, 150 * time.Millisecond, 4, 150 * time.Millisecond},
		{"negative retry", schema.BackoffLinear, 0, -1, base},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeBackoff(tt.strategy, base, tt.maxDelay, tt.retry))
		})
	}
	assert.Zero(t, ComputeBackoff(schema.BackoffExponential, 0, 0, 3))
}

func TestWaitForBackoff(t *testing.T) {
	assert.NoError(t, WaitForBackoff(context.Background(), 0))

	start := time.Now()
	assert.NoError(t, WaitForBackoff(context.Background(), 20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start = time.Now()
	assert.ErrorIs(t, WaitForBackoff(ctx, time.Hour), context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}
