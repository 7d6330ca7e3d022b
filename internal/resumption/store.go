package resumption

import (
	"context"
	"time"

	"github.com/rendis/ensemble/pkg/schema"
)

// Store persists suspended states keyed by token. Implementations must give
// per-token linearizable access: Resolve is a compare-and-set that only
// succeeds on a pending, unexpired record.
type Store interface {
	// Create persists a new record. A duplicate token returns CONFLICT.
	Create(ctx context.Context, state *schema.SuspendedState) error
	// Get returns the record or NOT_FOUND.
	Get(ctx context.Context, token string) (*schema.SuspendedState, error)
	// Resolve moves a pending record to approved or rejected and returns the
	// updated record.
	Resolve(ctx context.Context, token string, res Resolution) (*schema.SuspendedState, error)
	// Claim atomically removes an approved record so exactly one caller can
	// resume it. A missing record returns NOT_FOUND, any other status CONFLICT.
	Claim(ctx context.Context, token string) error
	// Delete removes the record. Deleting a missing token is not an error.
	Delete(ctx context.Context, token string) error
	// PurgeExpired removes every unapproved record whose expiry is at or
	// before now and returns how many were removed.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// Resolution is the outcome applied by Store.Resolve.
type Resolution struct {
	Status schema.SuspensionStatus
	Actor  string
	Data   map[string]any
	Reason string
	At     time.Time
}

// apply validates the pending -> resolved transition on state and mutates it.
// All stores share it so they refuse the same transitions.
func apply(state *schema.SuspendedState, res Resolution) error {
	meta := &state.Metadata
	if res.Status != schema.SuspensionApproved && res.Status != schema.SuspensionRejected {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "cannot resolve suspension to %q", res.Status)
	}
	if meta.Status != schema.SuspensionPending {
		return schema.NewErrorf(schema.ErrCodeConflict, "suspension %s is already %s", state.Token, meta.Status).
			WithDetails(map[string]any{"status": string(meta.Status)})
	}
	if meta.Expired(res.At) {
		return schema.NewErrorf(schema.ErrCodeSuspensionExpired, "suspension %s expired at %s",
			state.Token, meta.ExpiresAt.Format(time.RFC3339))
	}

	at := res.At
	meta.Status = res.Status
	meta.ResolvedBy = res.Actor
	meta.ResolvedAt = &at
	if res.Status == schema.SuspensionApproved {
		meta.ApprovalData = res.Data
	} else {
		meta.RejectionReason = res.Reason
	}
	return nil
}

// claimable checks that a record may be consumed by Claim.
func claimable(state *schema.SuspendedState) error {
	if state.Metadata.Status != schema.SuspensionApproved {
		return schema.NewErrorf(schema.ErrCodeConflict, "suspension %s is %s, not approved", state.Token, state.Metadata.Status).
			WithDetails(map[string]any{"status": string(state.Metadata.Status)})
	}
	return nil
}

func alreadyClaimed(token string) *schema.EnsembleError {
	return schema.NewErrorf(schema.ErrCodeConflict, "suspension %s was claimed concurrently", token)
}

// purgeable reports whether a record may be removed by PurgeExpired.
func purgeable(meta *schema.SuspensionMetadata, now time.Time) bool {
	return meta.Status != schema.SuspensionApproved && meta.Expired(now)
}

func notFound(token string) *schema.EnsembleError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "suspension %q not found", token)
}

func duplicate(token string) *schema.EnsembleError {
	return schema.NewErrorf(schema.ErrCodeConflict, "suspension %q already exists", token)
}
