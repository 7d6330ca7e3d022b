// Package resumption persists suspended executions behind resumption tokens
// and drives each token through pending -> approved | rejected, with expiry
// checked at read time.
package resumption

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/ensemble/internal/expressions"
	"github.com/rendis/ensemble/internal/logging"
	"github.com/rendis/ensemble/pkg/schema"
)

// TokenPrefix starts every resumption token.
const TokenPrefix = "resume_"

// DefaultTTL is how long a suspension stays pending when no TTL is given.
const DefaultTTL = 24 * time.Hour

// SuspendOptions describe one suspension.
type SuspendOptions struct {
	Reason   string
	TTL      time.Duration
	Metadata map[string]any
}

// EventHook observes suspension lifecycle events (schema.EventExecutionSuspended,
// schema.EventSuspensionApproved, ...). count is 1 except for purges.
type EventHook func(event string, count int)

// Manager is a thin client over a Store.
type Manager struct {
	store  Store
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
	hook   EventHook
}

// Option configures a Manager.
type Option func(*Manager)

// WithDefaultTTL sets the TTL used when SuspendOptions.TTL is zero.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.ttl = ttl }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithEventHook registers a lifecycle observer.
func WithEventHook(hook EventHook) Option {
	return func(m *Manager) { m.hook = hook }
}

// NewManager creates a Manager backed by store.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{store: store, ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Store returns the backing store.
func (m *Manager) Store() Store { return m.store }

// NewToken returns a fresh resumption token.
func NewToken() string {
	return TokenPrefix + uuid.NewString()
}

// Suspend snapshots an execution and persists it under a new token.
func (m *Manager) Suspend(ctx context.Context, ens *schema.Ensemble, snapshot schema.ContextSnapshot,
	resumeFromStep int, suspendedBy string, metrics schema.ExecutionMetrics, opts SuspendOptions) (string, error) {
	if ens == nil {
		return "", schema.NewError(schema.ErrCodeValidation, "suspend requires an ensemble")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = m.ttl
	}
	now := m.now().UTC()
	token := NewToken()

	state := &schema.SuspendedState{
		Token:    token,
		Ensemble: *ens,
		Context: schema.ContextSnapshot{
			ExecutionID: snapshot.ExecutionID,
			Input:       expressions.DeepCopy(snapshot.Input),
			State:       expressions.DeepCopyMap(snapshot.State),
			Steps:       expressions.DeepCopyMap(snapshot.Steps),
			Env:         expressions.DeepCopyMap(snapshot.Env),
			Scoring:     expressions.DeepCopyMap(snapshot.Scoring),
		},
		ResumeFromStep: resumeFromStep,
		Metrics:        metrics,
		Metadata: schema.SuspensionMetadata{
			Token:        token,
			Status:       schema.SuspensionPending,
			EnsembleName: ens.Name,
			SuspendedBy:  suspendedBy,
			Reason:       opts.Reason,
			SuspendedAt:  now,
			ExpiresAt:    now.Add(ttl),
			Extra:        expressions.DeepCopyMap(opts.Metadata),
		},
	}

	if err := m.store.Create(ctx, state); err != nil {
		return "", schema.NewError(schema.ErrCodeInternal, "failed to persist suspended state").WithCause(err)
	}

	logging.LogWith(logging.WithToken(ctx, token), m.logger).Info("execution suspended",
		slog.String("event", schema.EventExecutionSuspended),
		slog.String("ensemble", ens.Name),
		slog.Int("resume_from_step", resumeFromStep),
		slog.Time("expires_at", state.Metadata.ExpiresAt),
	)
	m.emit(schema.EventExecutionSuspended, 1)
	return token, nil
}

// Resume returns the suspended state of an approved token. Unknown tokens
// fail with NOT_FOUND, pending ones with SUSPENSION_PENDING, expired ones
// with SUSPENSION_EXPIRED and rejected ones with SUSPENSION_REJECTED
// carrying the reason.
func (m *Manager) Resume(ctx context.Context, token string) (*schema.SuspendedState, error) {
	state, err := m.load(ctx, token)
	if err != nil {
		return nil, err
	}
	meta := state.Metadata
	switch meta.Status {
	case schema.SuspensionApproved:
		return state, nil
	case schema.SuspensionPending:
		return nil, schema.NewErrorf(schema.ErrCodeSuspensionPending, "suspension %s is still pending approval", token)
	case schema.SuspensionRejected:
		return nil, schema.NewErrorf(schema.ErrCodeSuspensionRejected, "suspension %s was rejected", token).
			WithDetails(map[string]any{"reason": meta.RejectionReason, "rejected_by": meta.ResolvedBy})
	case schema.SuspensionExpired:
		return nil, schema.NewErrorf(schema.ErrCodeSuspensionExpired, "suspension %s expired at %s",
			token, meta.ExpiresAt.Format(time.RFC3339))
	default:
		return nil, schema.NewErrorf(schema.ErrCodeInternal, "suspension %s has unknown status %q", token, meta.Status)
	}
}

// Approve moves a pending token to approved.
func (m *Manager) Approve(ctx context.Context, token, actor string, data map[string]any) error {
	return m.resolve(ctx, token, Resolution{
		Status: schema.SuspensionApproved,
		Actor:  actor,
		Data:   expressions.DeepCopyMap(data),
	}, schema.EventSuspensionApproved)
}

// Reject moves a pending token to rejected.
func (m *Manager) Reject(ctx context.Context, token, actor, reason string) error {
	return m.resolve(ctx, token, Resolution{
		Status: schema.SuspensionRejected,
		Actor:  actor,
		Reason: reason,
	}, schema.EventSuspensionRejected)
}

func (m *Manager) resolve(ctx context.Context, token string, res Resolution, event string) error {
	res.At = m.now().UTC()
	if _, err := m.store.Resolve(ctx, token, res); err != nil {
		return schema.NewErrorf(schema.ErrCodeInternal, "cannot %s suspension %s", verb(res.Status), token).
			WithCause(err).
			WithDetails(map[string]any{"reason": schema.CodeOf(err)})
	}
	logging.LogWith(logging.WithToken(ctx, token), m.logger).Info("suspension resolved",
		slog.String("event", event),
		slog.String("actor", res.Actor),
	)
	m.emit(event, 1)
	return nil
}

func verb(status schema.SuspensionStatus) string {
	if status == schema.SuspensionApproved {
		return "approve"
	}
	return "reject"
}

// Cancel deletes the token unconditionally.
func (m *Manager) Cancel(ctx context.Context, token string) error {
	if err := m.store.Delete(ctx, token); err != nil {
		return schema.NewError(schema.ErrCodeInternal, "failed to delete suspended state").WithCause(err)
	}
	logging.LogWith(logging.WithToken(ctx, token), m.logger).Info("suspension canceled",
		slog.String("event", schema.EventSuspensionCanceled))
	m.emit(schema.EventSuspensionCanceled, 1)
	return nil
}

// Consume claims an approved token so the same approval cannot continue the
// execution twice. Only one concurrent caller succeeds; the others get
// CONFLICT, or NOT_FOUND once the record is gone.
func (m *Manager) Consume(ctx context.Context, token string) error {
	if err := m.store.Claim(ctx, token); err != nil {
		switch schema.CodeOf(err) {
		case schema.ErrCodeConflict, schema.ErrCodeNotFound:
			return err
		}
		return schema.NewError(schema.ErrCodeInternal, "failed to claim suspended state").WithCause(err)
	}
	logging.LogWith(logging.WithToken(ctx, token), m.logger).Debug("suspension consumed",
		slog.String("event", schema.EventExecutionResumed))
	return nil
}

// GetMetadata returns the token's metadata without the state snapshot. A
// pending token past its expiry reports status expired.
func (m *Manager) GetMetadata(ctx context.Context, token string) (*schema.SuspensionMetadata, error) {
	state, err := m.load(ctx, token)
	if err != nil {
		return nil, err
	}
	meta := state.Metadata
	return &meta, nil
}

// Sweep purges expired records and returns how many were removed.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	n, err := m.store.PurgeExpired(ctx, m.now().UTC())
	if err != nil {
		return n, schema.NewError(schema.ErrCodeInternal, "failed to purge expired suspensions").WithCause(err)
	}
	if n > 0 {
		m.logger.InfoContext(ctx, "expired suspensions purged",
			slog.String("event", schema.EventSuspensionPurged), slog.Int("count", n))
		m.emit(schema.EventSuspensionPurged, n)
	}
	return n, nil
}

// load reads a record and applies read-time expiry.
func (m *Manager) load(ctx context.Context, token string) (*schema.SuspendedState, error) {
	state, err := m.store.Get(ctx, token)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			return nil, err
		}
		return nil, schema.NewError(schema.ErrCodeInternal, "failed to load suspended state").WithCause(err)
	}
	if state.Metadata.Status == schema.SuspensionPending && state.Metadata.Expired(m.now()) {
		state.Metadata.Status = schema.SuspensionExpired
	}
	return state, nil
}

func (m *Manager) emit(event string, count int) {
	if m.hook != nil {
		m.hook(event, count)
	}
}
