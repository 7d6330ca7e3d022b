package schema

import "time"

// AgentResult is the uniform outcome of an agent invocation.
type AgentResult struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	// Code classifies a failure (AGENT_EXECUTION_ERROR, TIMEOUT_ERROR, CIRCUIT_OPEN).
	Code   string `json:"code,omitempty"`
	Cached bool   `json:"cached,omitempty"`
}

// ScoringResult is an evaluator's verdict on one attempt.
type ScoringResult struct {
	Score      float64            `json:"score"`
	Breakdown  map[string]float64 `json:"breakdown,omitempty"`
	Passed     bool               `json:"passed"`
	Feedback   string             `json:"feedback,omitempty"`
	Confidence float64            `json:"confidence,omitempty"`
	Reasoning  string             `json:"reasoning,omitempty"`
}

// ScoredExecutionResult is the outcome of one scoring-wrapped invocation.
// Attempts is always between 1 and MaxRetries+1.
type ScoredExecutionResult struct {
	Output        any             `json:"output,omitempty"`
	Score         *ScoringResult  `json:"score,omitempty"`
	Attempts      int             `json:"attempts"`
	Status        ScoringStatus   `json:"status"`
	ExecutionTime time.Duration   `json:"execution_time"`
	History       []ScoringResult `json:"history,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// GraphExecutionResult is the discriminated result of Execute and Resume:
// Output is set when completed, Error when failed, Token when suspended.
type GraphExecutionResult struct {
	ExecutionID string            `json:"execution_id"`
	Status      ExecutionStatus   `json:"status"`
	Output      any               `json:"output,omitempty"`
	Error       *EnsembleError    `json:"error,omitempty"`
	Token       string            `json:"token,omitempty"`
	Metrics     *ExecutionMetrics `json:"metrics,omitempty"`
}

// AgentTiming aggregates invocation timings for one agent.
type AgentTiming struct {
	Calls    int           `json:"calls"`
	Failures int           `json:"failures"`
	Total    time.Duration `json:"total"`
	Last     time.Duration `json:"last"`
}

// IterationCap records a while loop stopped by its maxIterations cap.
type IterationCap struct {
	Step          string `json:"step"`
	MaxIterations int    `json:"max_iterations"`
}

// ExecutionMetrics are collected per execution and carried across suspensions.
type ExecutionMetrics struct {
	StartedAt     time.Time              `json:"started_at"`
	CompletedAt   time.Time              `json:"completed_at,omitempty"`
	Duration      time.Duration          `json:"duration,omitempty"`
	Agents        map[string]AgentTiming `json:"agents,omitempty"`
	CacheHits     int                    `json:"cache_hits,omitempty"`
	IterationCaps []IterationCap         `json:"iteration_caps,omitempty"`
}

// MaxIterationsExceeded reports whether any while loop hit its cap.
func (m *ExecutionMetrics) MaxIterationsExceeded() bool {
	return m != nil && len(m.IterationCaps) > 0
}

// ContextSnapshot is the serializable form of an execution context.
type ContextSnapshot struct {
	ExecutionID string         `json:"execution_id"`
	Input       any            `json:"input,omitempty"`
	State       map[string]any `json:"state,omitempty"`
	Steps       map[string]any `json:"steps,omitempty"`
	Env         map[string]any `json:"env,omitempty"`
	Scoring     map[string]any `json:"scoring,omitempty"`
}

// SuspensionMetadata describes a suspension without its state snapshot.
type SuspensionMetadata struct {
	Token           string           `json:"token"`
	Status          SuspensionStatus `json:"status"`
	EnsembleName    string           `json:"ensemble_name"`
	SuspendedBy     string           `json:"suspended_by,omitempty"`
	Reason          string           `json:"reason,omitempty"`
	SuspendedAt     time.Time        `json:"suspended_at"`
	ExpiresAt       time.Time        `json:"expires_at"`
	ResolvedBy      string           `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time       `json:"resolved_at,omitempty"`
	ApprovalData    map[string]any   `json:"approval_data,omitempty"`
	RejectionReason string           `json:"rejection_reason,omitempty"`
	Extra           map[string]any   `json:"extra,omitempty"`
}

// Expired reports whether the suspension is past its expiry at now.
func (m *SuspensionMetadata) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && !now.Before(m.ExpiresAt)
}

// SuspendedState is everything needed to continue a paused execution.
type SuspendedState struct {
	Token          string             `json:"token"`
	Ensemble       Ensemble           `json:"ensemble"`
	Context        ContextSnapshot    `json:"context"`
	ResumeFromStep int                `json:"resume_from_step"`
	Metrics        ExecutionMetrics   `json:"metrics"`
	Metadata       SuspensionMetadata `json:"metadata"`
}

// Succeeded returns a successful AgentResult carrying data.
func Succeeded(data any) *AgentResult {
	return &AgentResult{Success: true, Data: data}
}

// Failed returns a failed AgentResult.
func Failed(code, message string) *AgentResult {
	return &AgentResult{Success: false, Code: code, Error: message}
}

// Err converts a failed result into an EnsembleError. It returns nil for a
// successful result.
func (r *AgentResult) Err() *EnsembleError {
	if r == nil || r.Success {
		return nil
	}
	code := r.Code
	if code == "" {
		code = ErrCodeAgentExecution
	}
	msg := r.Error
	if msg == "" {
		msg = "agent reported failure"
	}
	return NewError(code, msg)
}
