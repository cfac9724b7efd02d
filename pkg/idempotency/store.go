// Package idempotency maps caller-supplied idempotency keys to previously
// computed results so retried requests cause at most one side effect.
// Reservation is atomic: of N concurrent callers presenting the same key,
// exactly one wins and executes; the rest wait for the winner's result.
package idempotency

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL bounds storage growth. Expiry does not retroactively
// invalidate already-recorded ledger events.
const DefaultTTL = 24 * time.Hour

// Status describes the lifecycle of a reservation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ErrUnknownKey is returned when waiting on a key that was never reserved.
var ErrUnknownKey = errors.New("idempotency: unknown key")

// Record is the stored state for one idempotency key.
type Record struct {
	Key         string    `json:"key"`
	Status      Status    `json:"status"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	// Result is the cached outcome (JSON) once Status is completed or failed.
	Result []byte `json:"result,omitempty"`
}

// Store is the persistence boundary for idempotency records.
type Store interface {
	// Reserve atomically claims the key. isNew is true for exactly one
	// caller; losers receive the current record.
	Reserve(ctx context.Context, key string) (isNew bool, rec Record, err error)

	// Complete marks the reservation finished and caches the result.
	Complete(ctx context.Context, key string, result []byte) error

	// Fail marks the reservation failed. A later Reserve on the same key
	// wins again and re-executes.
	Fail(ctx context.Context, key string, result []byte) error

	// Get returns the record for a key, if present and unexpired.
	Get(ctx context.Context, key string) (Record, bool, error)

	// Await blocks until the key leaves the pending state or ctx expires.
	Await(ctx context.Context, key string) (Record, error)
}
