// Package idempotency stores operation outcomes keyed by caller-supplied
// idempotency keys, so a retried call replays the stored response instead of
// re-executing side effects.
//
// Mutating operations reserve their key before executing and finalize it
// with the outcome afterwards, so duplicate deliveries racing each other get
// at most one effective execution. Records expire after a retention window
// and are purged by the sweep scheduler.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("idempotency key not found")
	ErrKeyExists = errors.New("idempotency key already recorded")
)

// DefaultRetention is how long a key record is kept before it may be purged.
const DefaultRetention = 24 * time.Hour

// Record is the stored outcome of one externally-triggered operation. A
// record written by Reserve and not yet finalized (no success, no error) is
// an in-flight reservation.
type Record struct {
	Key              string          `json:"key"`
	OperationType    string          `json:"operationType"` // create_escrow, release_escrow, refund_escrow
	EscrowID         string          `json:"escrowId,omitempty"`
	Success          bool            `json:"success"`
	Error            string          `json:"error,omitempty"`
	ResponseSnapshot json.RawMessage `json:"responseSnapshot,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	ExpiresAt        time.Time       `json:"expiresAt"`
}

// InFlight reports whether the record is a reservation whose outcome has not
// been written yet.
func (r *Record) InFlight() bool {
	return !r.Success && r.Error == "" && len(r.ResponseSnapshot) == 0
}

// Store persists idempotency key records.
type Store interface {
	// Get returns the record for key, or ErrNotFound if absent or expired.
	Get(ctx context.Context, key string) (*Record, error)
	// Put writes a record. Returns ErrKeyExists if the key is already stored.
	Put(ctx context.Context, rec *Record) error
	// Reserve atomically claims the key before the operation executes.
	// Absent, expired, and failed records are claimable (failed operations
	// re-execute on retry); a successful or in-flight record returns
	// ErrKeyExists, so a concurrent duplicate delivery loses the race.
	Reserve(ctx context.Context, rec *Record) error
	// Update overwrites the record for rec.Key, finalizing a reservation
	// with the operation's outcome.
	Update(ctx context.Context, rec *Record) error
	// PurgeExpired deletes records whose retention window has passed and
	// returns how many were removed.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}
