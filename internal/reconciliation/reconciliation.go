// Package reconciliation audits the escrow table against the ledger trail.
//
// Three checks run per pass:
//  1. missing_hold: an open escrow with no escrow_hold entry — coins were
//     never moved out of the sender's available balance.
//  2. premature_settlement: a pending or disputed escrow that already has a
//     release or refund entry — funds moved without a terminal status.
//  3. escrowed_drift: the sum of all escrowed balances differs from the sum
//     of open escrow amounts beyond the alert threshold.
//
// Findings are written to the repair log for operator review; the runner
// never mutates balances itself.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/veloraapp/veloracoin/internal/coin"
	"github.com/veloraapp/veloracoin/internal/escrow"
	"github.com/veloraapp/veloracoin/internal/idgen"
	"github.com/veloraapp/veloracoin/internal/ledger"
	"github.com/veloraapp/veloracoin/internal/metrics"
)

// Check names recorded on discrepancies and repair records.
const (
	CheckMissingHold         = "missing_hold"
	CheckPrematureSettlement = "premature_settlement"
	CheckEscrowedDrift       = "escrowed_drift"
)

// DefaultScanLimit bounds how many open escrows one pass inspects.
const DefaultScanLimit = 1000

// EscrowLister lists open escrow records.
type EscrowLister interface {
	ListOpen(ctx context.Context, limit int) ([]*escrow.Escrow, error)
}

// LedgerReader reads the ledger trail and balance sums.
type LedgerReader interface {
	EntriesByReference(ctx context.Context, reference string) ([]*ledger.Entry, error)
	SumBalances(ctx context.Context) (available, escrowed string, err error)
}

// Discrepancy is one finding from a reconciliation pass.
type Discrepancy struct {
	Check    string `json:"check"`
	EscrowID string `json:"escrowId,omitempty"`
	Detail   string `json:"detail"`
}

// Report summarizes one reconciliation pass.
type Report struct {
	RanAt                time.Time     `json:"ranAt"`
	Duration             string        `json:"duration"`
	Scanned              int           `json:"scanned"`
	MissingHolds         int           `json:"missingHolds"`
	PrematureSettlements int           `json:"prematureSettlements"`
	LedgerEscrowed       string        `json:"ledgerEscrowed"`
	OpenEscrowTotal      string        `json:"openEscrowTotal"`
	Drift                string        `json:"drift"`
	DriftExceeded        bool          `json:"driftExceeded"`
	Discrepancies        []Discrepancy `json:"discrepancies,omitempty"`
}

// Runner performs reconciliation passes.
type Runner struct {
	escrows        EscrowLister
	ledger         LedgerReader
	repairs        RepairStore
	logger         *slog.Logger
	alertThreshold *big.Int // smallest coin units; default 0.01
	scanLimit      int

	lastReport *Report
}

// NewRunner creates a reconciliation runner.
func NewRunner(escrows EscrowLister, ledgerReader LedgerReader, repairs RepairStore) *Runner {
	threshold, _ := coin.Parse("0.01")
	return &Runner{
		escrows:        escrows,
		ledger:         ledgerReader,
		repairs:        repairs,
		logger:         slog.Default(),
		alertThreshold: threshold,
		scanLimit:      DefaultScanLimit,
	}
}

// WithLogger sets a custom logger.
func (r *Runner) WithLogger(logger *slog.Logger) *Runner {
	r.logger = logger
	return r
}

// SetAlertThreshold sets the drift above which the sum check is flagged.
func (r *Runner) SetAlertThreshold(amount string) {
	if t, ok := coin.Parse(amount); ok {
		r.alertThreshold = t
	}
}

// LastReport returns the report from the most recent pass, or nil.
func (r *Runner) LastReport() *Report {
	return r.lastReport
}

// RunAll performs one full reconciliation pass.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{RanAt: start}

	open, err := r.escrows.ListOpen(ctx, r.scanLimit)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("failed to list open escrows: %w", err)
	}
	report.Scanned = len(open)
	reconcileScanned.Add(float64(len(open)))

	openTotal := new(big.Int)
	for _, e := range open {
		if amt, ok := coin.Parse(e.Amount); ok {
			openTotal.Add(openTotal, amt)
		}

		entries, err := r.ledger.EntriesByReference(ctx, e.ID)
		if err != nil {
			reconcileErrors.Inc()
			r.logger.Warn("failed to read ledger trail", "escrowId", e.ID, "error", err)
			continue
		}

		hasHold, hasSettlement := false, false
		for _, entry := range entries {
			switch entry.Type {
			case ledger.EntryEscrowHold:
				hasHold = true
			case ledger.EntryEscrowRelease, ledger.EntryEscrowRefund:
				hasSettlement = true
			}
		}

		if !hasHold {
			report.MissingHolds++
			r.flag(ctx, report, Discrepancy{
				Check:    CheckMissingHold,
				EscrowID: e.ID,
				Detail:   fmt.Sprintf("open escrow for %s coins has no hold entry", e.Amount),
			})
		}
		// processing is allowed a settlement entry mid-flight; the recovery
		// sweep owns that window.
		if hasSettlement && e.Status != escrow.StatusProcessing {
			report.PrematureSettlements++
			r.flag(ctx, report, Discrepancy{
				Check:    CheckPrematureSettlement,
				EscrowID: e.ID,
				Detail:   fmt.Sprintf("escrow in status %s already has a settlement entry", e.Status),
			})
		}
	}

	_, escrowedStr, err := r.ledger.SumBalances(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("failed to sum balances: %w", err)
	}
	escrowed, _ := coin.Parse(escrowedStr)

	drift := new(big.Int).Sub(escrowed, openTotal)
	report.LedgerEscrowed = coin.Format(escrowed)
	report.OpenEscrowTotal = coin.Format(openTotal)
	report.Drift = coin.Format(drift)
	if new(big.Int).Abs(drift).Cmp(r.alertThreshold) > 0 {
		report.DriftExceeded = true
		r.flag(ctx, report, Discrepancy{
			Check:  CheckEscrowedDrift,
			Detail: fmt.Sprintf("escrowed balances sum to %s but open escrows total %s", report.LedgerEscrowed, report.OpenEscrowTotal),
		})
	}

	report.Duration = time.Since(start).String()
	reconcileDuration.Observe(time.Since(start).Seconds())
	reconcileLastRun.SetToCurrentTime()
	metrics.ReconciliationDiscrepancies.WithLabelValues(CheckMissingHold).Set(float64(report.MissingHolds))
	metrics.ReconciliationDiscrepancies.WithLabelValues(CheckPrematureSettlement).Set(float64(report.PrematureSettlements))
	if report.DriftExceeded {
		metrics.ReconciliationDiscrepancies.WithLabelValues(CheckEscrowedDrift).Set(1)
	} else {
		metrics.ReconciliationDiscrepancies.WithLabelValues(CheckEscrowedDrift).Set(0)
	}

	if len(report.Discrepancies) > 0 {
		r.logger.Warn("reconciliation found discrepancies",
			"scanned", report.Scanned,
			"missingHolds", report.MissingHolds,
			"prematureSettlements", report.PrematureSettlements,
			"driftExceeded", report.DriftExceeded)
	} else {
		r.logger.Info("reconciliation clean", "scanned", report.Scanned)
	}

	r.lastReport = report
	return report, nil
}

// flag records a discrepancy on the report and in the repair log.
func (r *Runner) flag(ctx context.Context, report *Report, d Discrepancy) {
	report.Discrepancies = append(report.Discrepancies, d)

	rec := &RepairRecord{
		ID:           idgen.WithPrefix("rep_"),
		Check:        d.Check,
		EscrowID:     d.EscrowID,
		Detail:       d.Detail,
		AutoRepaired: false, // the runner only reports; operators repair
		CreatedAt:    time.Now(),
	}
	if err := r.repairs.Record(ctx, rec); err != nil {
		r.logger.Warn("failed to write repair record", "check", d.Check, "error", err)
	}
}
