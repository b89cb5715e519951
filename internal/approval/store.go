package approval

import (
	"context"
	"errors"
	"time"
)

const (
	// DefaultStateTTL bounds how long a record survives after its last mutation.
	DefaultStateTTL = 24 * time.Hour
	// DefaultActivityCap is the number of entries kept per tenant log.
	DefaultActivityCap = 1000
	// DefaultActivityQueryMax caps RecentActivity regardless of the requested limit.
	DefaultActivityQueryMax = 100
)

// ErrNotFound is returned when a record does not exist (or has expired).
var ErrNotFound = errors.New("approval not found")

// Store persists approval records and per-tenant activity logs.
//
// Every mutation refreshes the record TTL. Implementations serialize
// mutations per id so concurrent transitions cannot both apply.
type Store interface {
	// Create persists a new record. It returns false when the id already has
	// a record past new, or a new record and policy is DuplicateReject.
	Create(ctx context.Context, st State, policy DuplicatePolicy) (bool, error)
	// Get returns the record or ErrNotFound.
	Get(ctx context.Context, id string) (State, error)
	// Transition moves the record to status. applied is false when the record
	// is missing, terminal, or the move is not forward. editedText is kept
	// only for StatusEdited.
	Transition(ctx context.Context, id string, to Status, decider, editedText string, at time.Time) (st State, applied bool, err error)
	// SweepDue returns every prompted record whose deadline is <= now.
	SweepDue(ctx context.Context, now time.Time) ([]State, error)
	AppendActivity(ctx context.Context, tenantID string, entry ActivityEntry) error
	// RecentActivity returns entries newest first, clamped to the query cap.
	RecentActivity(ctx context.Context, tenantID string, limit int) ([]ActivityEntry, error)
}

// StoreOptions tunes retention for both backends.
type StoreOptions struct {
	TTL              time.Duration
	ActivityCap      int
	ActivityQueryMax int
}

func (o StoreOptions) normalized() StoreOptions {
	if o.TTL <= 0 {
		o.TTL = DefaultStateTTL
	}
	if o.ActivityCap <= 0 {
		o.ActivityCap = DefaultActivityCap
	}
	if o.ActivityQueryMax <= 0 {
		o.ActivityQueryMax = DefaultActivityQueryMax
	}
	return o
}

func (o StoreOptions) clampLimit(limit int) int {
	if limit <= 0 {
		return 1
	}
	if limit > o.ActivityQueryMax {
		return o.ActivityQueryMax
	}
	return limit
}

// admitCreate applies the idempotency contract against an existing record.
func admitCreate(existing State, policy DuplicatePolicy) bool {
	if existing.Status != StatusNew {
		return false
	}
	return policy != DuplicateReject
}
