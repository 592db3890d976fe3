package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/veloraapp/veloracoin/internal/metrics"
)

// Ledger entry types the recovery sweep looks for. These match the contract
// documented on LedgerService.EntryTypes.
const (
	entryTypeRelease = "escrow_release"
	entryTypeRefund  = "escrow_refund"
)

// DefaultSweepBatch bounds how many records one sweep pass touches.
const DefaultSweepBatch = 100

// SweepResult summarizes one sweep pass.
type SweepResult struct {
	Scanned   int `json:"scanned"`
	Refunded  int `json:"refunded"`
	Recovered int `json:"recovered"`
	Contended int `json:"contended"`
	Failed    int `json:"failed"`
}

// SweepExpired refunds pending escrows whose expiry has passed. Invoked
// periodically by the scheduler; contended rows are being handled elsewhere
// and are skipped.
func (s *Service) SweepExpired(ctx context.Context, batch int) SweepResult {
	if batch <= 0 {
		batch = DefaultSweepBatch
	}

	var res SweepResult
	expired, err := s.store.ListExpired(ctx, []Status{StatusPending}, time.Now(), batch)
	if err != nil {
		s.logger.Warn("failed to list expired escrows", "error", err)
		return res
	}

	for _, e := range expired {
		res.Scanned++
		if _, err := s.Refund(ctx, e.ID, ReasonExpired); err != nil {
			if errors.Is(err, ErrLockContention) {
				res.Contended++
				continue
			}
			res.Failed++
			s.logger.Warn("failed to refund expired escrow", "escrowId", e.ID, "error", err)
			continue
		}
		res.Refunded++
		s.logger.Info("refunded expired escrow",
			"escrowId", e.ID, "sender", e.SenderID, "amount", e.Amount)
	}

	metrics.SweepRefunds.Add(float64(res.Refunded))
	return res
}

// EscalateDisputes refunds disputed escrows whose expiry has passed without
// resolution. Timeout favors the sender.
func (s *Service) EscalateDisputes(ctx context.Context, batch int) SweepResult {
	if batch <= 0 {
		batch = DefaultSweepBatch
	}

	var res SweepResult
	disputed, err := s.store.ListExpired(ctx, []Status{StatusDisputed}, time.Now(), batch)
	if err != nil {
		s.logger.Warn("failed to list timed-out disputes", "error", err)
		return res
	}

	for _, e := range disputed {
		res.Scanned++
		if _, err := s.Refund(ctx, e.ID, ReasonDisputeTimeout); err != nil {
			if errors.Is(err, ErrLockContention) {
				res.Contended++
				continue
			}
			res.Failed++
			s.logger.Warn("failed to escalate disputed escrow", "escrowId", e.ID, "error", err)
			continue
		}
		res.Refunded++
		s.logger.Info("refunded disputed escrow after timeout",
			"escrowId", e.ID, "sender", e.SenderID, "amount", e.Amount)
	}
	return res
}

// RecoverStuck resolves escrows left in processing past the dwell window,
// usually after a crash between the fund movement and the finalization. The
// ledger trail decides the direction: a recorded release or refund entry
// means the funds moved and the transition is completed; no entry means
// nothing moved and the escrow rolls back to pending.
func (s *Service) RecoverStuck(ctx context.Context, batch int) SweepResult {
	if batch <= 0 {
		batch = DefaultSweepBatch
	}

	var res SweepResult
	cutoff := time.Now().Add(-s.processingDwell)
	stuck, err := s.store.ListStuckProcessing(ctx, cutoff, batch)
	if err != nil {
		s.logger.Warn("failed to list stuck processing escrows", "error", err)
		return res
	}

	for _, e := range stuck {
		res.Scanned++
		if err := s.recoverOne(ctx, e.ID); err != nil {
			if errors.Is(err, ErrLockContention) {
				res.Contended++
				continue
			}
			res.Failed++
			s.logger.Warn("failed to recover stuck escrow", "escrowId", e.ID, "error", err)
			continue
		}
		res.Recovered++
	}

	metrics.SweepRecoveries.Add(float64(res.Recovered))
	return res
}

func (s *Service) recoverOne(ctx context.Context, id string) error {
	unlock, err := s.tryLock("recover", id)
	if err != nil {
		return err
	}
	defer unlock()

	// Re-read under lock; the owner may have finished meanwhile.
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if e.Status != StatusProcessing {
		return nil
	}

	if _, err := s.resolveProcessing(ctx, e); err != nil {
		if errors.Is(err, ErrLockContention) {
			// Still inside the dwell window; leave it for the next pass.
			return nil
		}
		return err
	}
	s.logger.Info("recovered stuck escrow", "escrowId", e.ID, "status", string(e.Status))
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
