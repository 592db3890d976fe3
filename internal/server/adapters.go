package server

import (
	"context"
	"errors"

	"github.com/veloraapp/veloracoin/internal/escrow"
	"github.com/veloraapp/veloracoin/internal/ledger"
)

// escrowLedgerAdapter adapts ledger.Ledger to escrow.LedgerService. It
// translates ledger failure modes into the escrow package's sentinel errors
// so escrow never imports ledger.
type escrowLedgerAdapter struct {
	l *ledger.Ledger
}

func (a *escrowLedgerAdapter) EscrowHold(ctx context.Context, userID, amount, reference string) error {
	err := a.l.EscrowHold(ctx, userID, amount, reference)
	// A sender with no balance row cannot fund anything.
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return escrow.ErrInsufficientFunds
	}
	return translateLedgerErr(err)
}

func (a *escrowLedgerAdapter) EscrowRelease(ctx context.Context, senderID, recipientID, amount, reference string) error {
	err := a.l.EscrowRelease(ctx, senderID, recipientID, amount, reference)
	return translateLedgerErr(err)
}

func (a *escrowLedgerAdapter) EscrowRefund(ctx context.Context, userID, amount, reference, description string) error {
	err := a.l.EscrowRefund(ctx, userID, amount, reference, description)
	return translateLedgerErr(err)
}

func (a *escrowLedgerAdapter) HasAccount(ctx context.Context, userID string) (bool, error) {
	return a.l.HasAccount(ctx, userID)
}

func (a *escrowLedgerAdapter) EntryTypes(ctx context.Context, reference string) ([]string, error) {
	entries, err := a.l.EntriesByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	types := make([]string, 0, len(entries))
	for _, e := range entries {
		types = append(types, e.Type)
	}
	return types, nil
}

func translateLedgerErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return escrow.ErrInsufficientFunds
	case errors.Is(err, ledger.ErrAccountNotFound):
		return escrow.ErrRecipientNotFound
	case errors.Is(err, ledger.ErrInvalidAmount):
		return escrow.ErrInvalidAmount
	}
	return err
}

var _ escrow.LedgerService = (*escrowLedgerAdapter)(nil)
