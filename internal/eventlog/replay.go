package eventlog

import (
	"context"
	"time"

	"github.com/rendis/ensemble/pkg/schema"
)

// Step statuses rebuilt by Replay.
const (
	StepRunning   = "running"
	StepCompleted = "completed"
	StepFailed    = "failed"
	StepSkipped   = "skipped"
)

// StepTrace is the last known state of one step key. Steps inside loops run
// several times under the same key; Runs counts them.
type StepTrace struct {
	Step            string        `json:"step"`
	Status          string        `json:"status"`
	Runs            int           `json:"runs"`
	ScoringAttempts int           `json:"scoring_attempts,omitempty"`
	StartedAt       time.Time     `json:"started_at,omitzero"`
	CompletedAt     time.Time     `json:"completed_at,omitzero"`
	Duration        time.Duration `json:"duration,omitempty"`
	Error           string        `json:"error,omitempty"`
}

// Trace is an execution reconstructed from its events.
type Trace struct {
	ExecutionID string                 `json:"execution_id"`
	Ensemble    string                 `json:"ensemble"`
	Status      schema.ExecutionStatus `json:"status"`
	Steps       map[string]*StepTrace  `json:"steps"`
	Events      int                    `json:"events"`
}

// Replay folds the events of an execution into a Trace. A gap in the
// sequence fails with INTERNAL_ERROR; an unknown execution with NOT_FOUND.
func (l *Log) Replay(ctx context.Context, executionID string) (*Trace, error) {
	records, err := l.Events(ctx, executionID, 0)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no events for execution %s", executionID)
	}

	tr := &Trace{
		ExecutionID: executionID,
		Ensemble:    records[0].Ensemble,
		Status:      schema.ExecutionStatusPending,
		Steps:       make(map[string]*StepTrace),
		Events:      len(records),
	}
	for i, rec := range records {
		if want := int64(i + 1); rec.Sequence != want {
			return nil, schema.NewErrorf(schema.ErrCodeInternal,
				"sequence gap in execution %s: expected %d, got %d", executionID, want, rec.Sequence)
		}

		switch rec.Type {
		case schema.EventExecutionStarted, schema.EventExecutionResumed:
			tr.Status = schema.ExecutionStatusRunning
		case schema.EventExecutionCompleted:
			tr.Status = schema.ExecutionStatusCompleted
		case schema.EventExecutionFailed:
			tr.Status = schema.ExecutionStatusFailed
		case schema.EventExecutionSuspended:
			tr.Status = schema.ExecutionStatusSuspended
		}

		if rec.Step == "" {
			continue
		}
		st, ok := tr.Steps[rec.Step]
		if !ok {
			st = &StepTrace{Step: rec.Step}
			tr.Steps[rec.Step] = st
		}

		switch rec.Type {
		case schema.EventStepStarted:
			st.Status = StepRunning
			st.Runs++
			st.StartedAt = rec.Time
			st.Error = ""
		case schema.EventStepCompleted:
			st.Status = StepCompleted
			st.CompletedAt = rec.Time
			if !st.StartedAt.IsZero() {
				st.Duration = rec.Time.Sub(st.StartedAt)
			}
		case schema.EventStepFailed:
			st.Status = StepFailed
			st.CompletedAt = rec.Time
			st.Error, _ = rec.Payload["error"].(string)
		case schema.EventStepSkipped:
			st.Status = StepSkipped
		case schema.EventScoringAttempt:
			st.ScoringAttempts++
		}
	}
	return tr, nil
}
