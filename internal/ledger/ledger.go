// Package ledger tracks user coin balances for the Velora economy.
//
// Flow:
//  1. A user is provisioned and granted coins (credits available)
//  2. Creating an escrow moves coins: available → escrowed
//  3. Release moves coins: sender's escrowed → recipient's available
//  4. Refund moves coins: sender's escrowed → sender's available
//
// Every balance mutation appends an immutable ledger entry in the same
// atomic unit, so reconciliation can replay the history of any escrow.
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/veloraapp/veloracoin/internal/coin"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAccountNotFound     = errors.New("account not found")
	ErrInvalidAmount       = errors.New("invalid amount")
)

// Entry types written by the ledger. Append-only; never updated or deleted.
const (
	EntryGrant         = "grant"          // admin/provisioning credit
	EntryEscrowHold    = "escrow_hold"    // available → escrowed (sender)
	EntryEscrowRelease = "escrow_release" // escrowed debited (sender side of release)
	EntryEscrowReceive = "escrow_receive" // available credited (recipient side of release)
	EntryEscrowRefund  = "escrow_refund"  // escrowed → available (sender)
)

// Entry is one immutable line of the transaction log.
type Entry struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Type        string    `json:"type"`
	Amount      string    `json:"amount"`
	Reference   string    `json:"reference,omitempty"` // escrow ID or grant reference
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Balance is a user's coin position. Available and Escrowed are never
// negative; they are mutated only inside a single store operation.
type Balance struct {
	UserID    string    `json:"userId"`
	Available string    `json:"available"`
	Escrowed  string    `json:"escrowed"`
	TotalIn   string    `json:"totalIn"`
	TotalOut  string    `json:"totalOut"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists balances and ledger entries. Each mutating method is one
// atomic unit: balance change and entry are written together or not at all.
type Store interface {
	GetBalance(ctx context.Context, userID string) (*Balance, error)
	HasAccount(ctx context.Context, userID string) (bool, error)
	Grant(ctx context.Context, userID, amount, reference, description string) error
	EscrowHold(ctx context.Context, userID, amount, reference string) error
	EscrowRelease(ctx context.Context, senderID, recipientID, amount, reference string) error
	EscrowRefund(ctx context.Context, userID, amount, reference, description string) error
	GetHistory(ctx context.Context, userID string, limit int) ([]*Entry, error)
	EntriesByReference(ctx context.Context, reference string) ([]*Entry, error)
	SumBalances(ctx context.Context) (available, escrowed string, err error)
}

// Ledger manages user balances.
type Ledger struct {
	store Store
}

// New creates a new ledger.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// GetBalance returns a user's current balance.
func (l *Ledger) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	return l.store.GetBalance(ctx, normalize(userID))
}

// HasAccount reports whether a balance row exists for the user.
func (l *Ledger) HasAccount(ctx context.Context, userID string) (bool, error) {
	return l.store.HasAccount(ctx, normalize(userID))
}

// Grant credits a user's available balance (provisioning, promos, purchases
// settled upstream). Creates the balance row if it does not exist.
func (l *Ledger) Grant(ctx context.Context, userID, amount, reference, description string) error {
	if !coin.IsPositive(amount) {
		return ErrInvalidAmount
	}
	return l.store.Grant(ctx, normalize(userID), amount, reference, description)
}

// EscrowHold moves coins from available to escrowed for the sender.
func (l *Ledger) EscrowHold(ctx context.Context, userID, amount, reference string) error {
	if !coin.IsPositive(amount) {
		return ErrInvalidAmount
	}
	return l.store.EscrowHold(ctx, normalize(userID), amount, reference)
}

// EscrowRelease moves coins from the sender's escrowed balance to the
// recipient's available balance. Debit and credit net to zero and are
// committed in one atomic unit.
func (l *Ledger) EscrowRelease(ctx context.Context, senderID, recipientID, amount, reference string) error {
	if !coin.IsPositive(amount) {
		return ErrInvalidAmount
	}
	return l.store.EscrowRelease(ctx, normalize(senderID), normalize(recipientID), amount, reference)
}

// EscrowRefund returns escrowed coins to the sender's available balance.
func (l *Ledger) EscrowRefund(ctx context.Context, userID, amount, reference, description string) error {
	if !coin.IsPositive(amount) {
		return ErrInvalidAmount
	}
	return l.store.EscrowRefund(ctx, normalize(userID), amount, reference, description)
}

// GetHistory returns ledger entries for a user, newest first.
func (l *Ledger) GetHistory(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.GetHistory(ctx, normalize(userID), limit)
}

// EntriesByReference returns all entries written against a reference
// (typically an escrow ID). Used by reconciliation.
func (l *Ledger) EntriesByReference(ctx context.Context, reference string) ([]*Entry, error) {
	return l.store.EntriesByReference(ctx, reference)
}

// SumBalances returns the sum of all available and escrowed balances.
func (l *Ledger) SumBalances(ctx context.Context) (available, escrowed string, err error) {
	return l.store.SumBalances(ctx)
}

func normalize(userID string) string {
	return strings.TrimSpace(userID)
}
