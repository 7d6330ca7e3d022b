package schema

// Event names emitted through logs and metrics.
const (
	EventExecutionStarted   = "execution_started"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionSuspended = "execution_suspended"
	EventExecutionResumed   = "execution_resumed"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"

	EventScoringAttempt = "scoring_attempt"
	EventScoringBackoff = "scoring_backoff"

	EventLoopIterationCap = "loop_iteration_cap"
	EventForeachBreak     = "foreach_break"

	EventCircuitBreakerOpen   = "circuit_breaker_open"
	EventCircuitBreakerClosed = "circuit_breaker_closed"

	EventSuspensionApproved = "suspension_approved"
	EventSuspensionRejected = "suspension_rejected"
	EventSuspensionCanceled = "suspension_canceled"
	EventSuspensionPurged   = "suspension_purged"
)

// ExecutionStatus is the lifecycle state of one ensemble execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusSuspended ExecutionStatus = "suspended"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusSuspended
}

// SuspensionStatus is the state of a resumption token.
type SuspensionStatus string

const (
	SuspensionPending  SuspensionStatus = "pending"
	SuspensionApproved SuspensionStatus = "approved"
	SuspensionRejected SuspensionStatus = "rejected"
	SuspensionExpired  SuspensionStatus = "expired"
)

// ScoringStatus is the outcome of a scoring-wrapped agent invocation.
type ScoringStatus string

const (
	ScoringPassed             ScoringStatus = "passed"
	ScoringBelowThreshold     ScoringStatus = "below_threshold"
	ScoringMaxRetriesExceeded ScoringStatus = "max_retries_exceeded"
	ScoringFailed             ScoringStatus = "failed"
)

// ScoreRange buckets a 0..1 score.
type ScoreRange string

const (
	ScoreExcellent  ScoreRange = "excellent"
	ScoreGood       ScoreRange = "good"
	ScoreAcceptable ScoreRange = "acceptable"
	ScorePoor       ScoreRange = "poor"
)
