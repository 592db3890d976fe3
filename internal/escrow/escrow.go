// Package escrow implements the coin escrow ledger engine for moments.
//
// Flow:
//  1. Sender pledges coins against a promised moment → funds moved: available → escrowed
//  2. Counterparty's proof is verified → release moves funds to the recipient
//  3. Dispute, cancel, or expiry → funds return to the sender
//
// Every state transition happens under a per-escrow lock acquired without
// blocking: a concurrent operation on the same escrow fails fast with
// ErrLockContention and is expected to be retried by the caller. Mutating
// operations are idempotent under retry via the idempotency key store.
package escrow

import (
	"context"
	"errors"
	"time"
)

var (
	ErrEscrowNotFound      = errors.New("escrow not found")
	ErrLockContention      = errors.New("escrow is locked by a concurrent operation")
	ErrInvalidParticipants = errors.New("sender and recipient must be distinct users")
	ErrInvalidAmount       = errors.New("amount must be a positive coin value")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrRecipientNotFound   = errors.New("recipient not found")
	ErrInvalidStatus       = errors.New("invalid escrow status for this operation")
	ErrUnauthorized        = errors.New("not authorized for this escrow operation")
)

// Status represents the state of an escrow.
//
// pending → processing → {released | refunded}, with expired, disputed and
// cancelled as alternate outcomes. processing is a transient state held only
// while a release or refund is moving funds; the recovery sweep resolves
// records stuck there past the dwell window.
type Status string

const (
	StatusPending    Status = "pending"    // Created, coins held
	StatusProcessing Status = "processing" // Transition in flight
	StatusReleased   Status = "released"   // Coins credited to recipient
	StatusRefunded   Status = "refunded"   // Coins returned to sender
	StatusExpired    Status = "expired"    // Expiry sweep refunded the sender
	StatusDisputed   Status = "disputed"   // Dispute intake; coins stay held
	StatusCancelled  Status = "cancelled"  // Sender cancelled; coins returned
)

// IsTerminal returns true if the escrow is in a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Outcome codes carried on operation results so callers can branch on what
// actually happened, including benign retry no-ops.
const (
	CodeCreated             = "created"
	CodeReleased            = "released"
	CodeRefunded            = "refunded"
	CodeCancelled           = "cancelled"
	CodeDisputed            = "disputed"
	CodeAlreadyReleased     = "already_released"
	CodeAlreadyRefunded     = "already_refunded"
	CodeExpiredAutoRefunded = "expired_auto_refunded"
)

// Refund reason tags written to the ledger.
const (
	ReasonExpired        = "expired"
	ReasonDisputeTimeout = "dispute_timeout"
	ReasonCancelled      = "cancelled_by_sender"
)

// Defaults for the escrow clock.
const (
	// DefaultExpiry is how long an escrow stays open before the sweep
	// refunds it.
	DefaultExpiry = 7 * 24 * time.Hour
	// DefaultHoldFloor is the dispute-intake window after creation during
	// which release is discouraged.
	DefaultHoldFloor = 24 * time.Hour
	// DefaultProcessingDwell is how long a record may sit in processing
	// before the recovery sweep treats it as stuck.
	DefaultProcessingDwell = 5 * time.Minute
)

// Escrow represents one in-flight or resolved coin transfer. Records are
// never deleted; terminal rows are kept for audit.
type Escrow struct {
	ID               string     `json:"id"`
	SenderID         string     `json:"senderId"`
	RecipientID      string     `json:"recipientId"`
	Amount           string     `json:"amount"`
	Status           Status     `json:"status"`
	ReleaseCondition string     `json:"releaseCondition,omitempty"` // e.g. "proof_verified"
	MomentRef        string     `json:"momentRef,omitempty"`        // linked moment/content ID
	VerifierID       string     `json:"verifierId,omitempty"`
	RefundReason     string     `json:"refundReason,omitempty"`
	DisputeReason    string     `json:"disputeReason,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	ExpiresAt        time.Time  `json:"expiresAt"`
	HoldUntil        time.Time  `json:"holdUntil"`
	ReleasedAt       *time.Time `json:"releasedAt,omitempty"`
	RefundedAt       *time.Time `json:"refundedAt,omitempty"`
	ProcessingAt     *time.Time `json:"processingAt,omitempty"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	return e.Status.IsTerminal()
}

// Result is the typed outcome of an escrow operation. State-conflict
// outcomes (already released, already refunded) are results, not errors.
type Result struct {
	Code     string  `json:"code"`
	Escrow   *Escrow `json:"escrow"`
	Replayed bool    `json:"replayed,omitempty"` // served from the idempotency store
}

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	SenderID         string `json:"senderId" binding:"required"`
	RecipientID      string `json:"recipientId" binding:"required"`
	Amount           string `json:"amount" binding:"required"`
	MomentRef        string `json:"momentRef"`
	ReleaseCondition string `json:"releaseCondition"`
	IdempotencyKey   string `json:"idempotencyKey"`
	ExpiresIn        string `json:"expiresIn"` // Duration string, e.g. "72h"; default 7 days
}

// Store persists escrow records.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	Update(ctx context.Context, e *Escrow) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error)
	// ListExpired returns escrows in the given statuses with expires_at
	// before the cutoff.
	ListExpired(ctx context.Context, statuses []Status, before time.Time, limit int) ([]*Escrow, error)
	// ListStuckProcessing returns processing escrows whose processing_at is
	// before the cutoff.
	ListStuckProcessing(ctx context.Context, before time.Time, limit int) ([]*Escrow, error)
	// ListOpen returns all non-terminal escrows (reconciliation input).
	ListOpen(ctx context.Context, limit int) ([]*Escrow, error)
}

// LedgerService abstracts balance operations so escrow doesn't import ledger.
// Implementations must translate their own failure modes into this package's
// sentinel errors: ErrInsufficientFunds when a hold cannot be funded and
// ErrRecipientNotFound when a credited account is unknown.
type LedgerService interface {
	EscrowHold(ctx context.Context, userID, amount, reference string) error
	EscrowRelease(ctx context.Context, senderID, recipientID, amount, reference string) error
	EscrowRefund(ctx context.Context, userID, amount, reference, description string) error
	HasAccount(ctx context.Context, userID string) (bool, error)
	// EntryTypes returns the ledger entry types recorded against a
	// reference. The recovery sweep uses it to decide whether a stuck
	// processing transition already moved funds.
	EntryTypes(ctx context.Context, reference string) ([]string, error)
}
