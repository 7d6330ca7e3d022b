package engine

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/rendis/ensemble/internal/logging"
	"github.com/rendis/ensemble/pkg/schema"
)

// TransitionHook is called before or after a state transition. A before
// hook error aborts the transition.
type TransitionHook func(ctx context.Context, executionID string, from, to schema.ExecutionStatus) error

type hookKey struct {
	from, to schema.ExecutionStatus
}

// ValidExecutionTransitions lists the allowed execution transitions. A
// resumed execution starts a new run from pending.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusPending:   {schema.ExecutionStatusRunning, schema.ExecutionStatusFailed},
	schema.ExecutionStatusRunning:   {schema.ExecutionStatusCompleted, schema.ExecutionStatusFailed, schema.ExecutionStatusSuspended},
	schema.ExecutionStatusCompleted: {},
	schema.ExecutionStatusFailed:    {},
	schema.ExecutionStatusSuspended: {},
}

// ExecutionFSM validates execution lifecycle transitions and logs an event
// for each one.
type ExecutionFSM struct {
	mu     sync.Mutex
	logger *slog.Logger
	before map[hookKey][]TransitionHook
	after  map[hookKey][]TransitionHook
}

// NewExecutionFSM creates an ExecutionFSM.
func NewExecutionFSM(logger *slog.Logger) *ExecutionFSM {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecutionFSM{
		logger: logger,
		before: make(map[hookKey][]TransitionHook),
		after:  make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before from -> to.
func (f *ExecutionFSM) OnBefore(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after from -> to.
func (f *ExecutionFSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates from -> to, runs hooks and logs the matching event.
func (f *ExecutionFSM) Transition(ctx context.Context, executionID string, from, to schema.ExecutionStatus) error {
	if !IsValidTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}

	f.mu.Lock()
	key := hookKey{from, to}
	before := slices.Clone(f.before[key])
	after := slices.Clone(f.after[key])
	f.mu.Unlock()

	for _, hook := range before {
		if err := hook(ctx, executionID, from, to); err != nil {
			return err
		}
	}

	if event := executionEvent(to); event != "" {
		logging.LogWith(ctx, f.logger).Debug("execution transition",
			slog.String("event", event),
			slog.String("from", string(from)),
			slog.String("to", string(to)),
		)
	}

	for _, hook := range after {
		if err := hook(ctx, executionID, from, to); err != nil {
			return err
		}
	}
	return nil
}

// IsValidTransition reports whether from -> to is allowed.
func IsValidTransition(from, to schema.ExecutionStatus) bool {
	return slices.Contains(ValidExecutionTransitions[from], to)
}

func executionEvent(to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionStatusRunning:
		return schema.EventExecutionStarted
	case schema.ExecutionStatusCompleted:
		return schema.EventExecutionCompleted
	case schema.ExecutionStatusFailed:
		return schema.EventExecutionFailed
	case schema.ExecutionStatusSuspended:
		return schema.EventExecutionSuspended
	default:
		return ""
	}
}
