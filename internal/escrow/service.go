package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/veloraapp/veloracoin/internal/coin"
	"github.com/veloraapp/veloracoin/internal/idempotency"
	"github.com/veloraapp/veloracoin/internal/idgen"
	"github.com/veloraapp/veloracoin/internal/metrics"
	"github.com/veloraapp/veloracoin/internal/traces"
)

// Operation types recorded against idempotency keys.
const (
	opCreate  = "create_escrow"
	opRelease = "release_escrow"
	opRefund  = "refund_escrow"
	opCancel  = "cancel_escrow"
)

// Service implements the escrow state machine.
type Service struct {
	store           Store
	ledger          LedgerService
	idem            idempotency.Store
	logger          *slog.Logger
	locks           sync.Map // per-escrow ID locks; TryLock gives fail-fast contention
	expiry          time.Duration
	holdFloor       time.Duration
	processingDwell time.Duration
	idemRetention   time.Duration
}

// NewService creates a new escrow service with default windows.
func NewService(store Store, ledger LedgerService, idem idempotency.Store) *Service {
	return &Service{
		store:           store,
		ledger:          ledger,
		idem:            idem,
		logger:          slog.Default(),
		expiry:          DefaultExpiry,
		holdFloor:       DefaultHoldFloor,
		processingDwell: DefaultProcessingDwell,
		idemRetention:   idempotency.DefaultRetention,
	}
}

// WithLogger sets a custom logger.
func (s *Service) WithLogger(logger *slog.Logger) *Service {
	s.logger = logger
	return s
}

// WithWindows overrides the expiry, hold-floor, and processing-dwell windows.
func (s *Service) WithWindows(expiry, holdFloor, processingDwell time.Duration) *Service {
	if expiry > 0 {
		s.expiry = expiry
	}
	if holdFloor > 0 {
		s.holdFloor = holdFloor
	}
	if processingDwell > 0 {
		s.processingDwell = processingDwell
	}
	return s
}

// tryLock acquires the per-escrow lock without blocking. The returned
// unlock func must be called; ErrLockContention means a concurrent
// operation holds the escrow and the caller should retry.
func (s *Service) tryLock(op, id string) (func(), error) {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	if !mu.TryLock() {
		metrics.LockContentions.WithLabelValues(op).Inc()
		return nil, ErrLockContention
	}
	return mu.Unlock, nil
}

// Create validates the participants, holds the sender's coins, and inserts
// the pending escrow record. The hold and the record insert are separate
// atomic units; a failed insert triggers a compensating refund of the hold.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create",
		traces.UserID(req.SenderID), traces.Amount(req.Amount))
	defer span.End()

	sender := strings.TrimSpace(req.SenderID)
	recipient := strings.TrimSpace(req.RecipientID)
	if sender == "" || recipient == "" || strings.EqualFold(sender, recipient) {
		return nil, ErrInvalidParticipants
	}
	if !coin.IsPositive(req.Amount) {
		return nil, ErrInvalidAmount
	}

	// Reserve the key before executing, so two concurrent deliveries of the
	// same webhook cannot both debit the sender. The loser of the race
	// replays the winner's result once it lands, or backs off while the
	// winner is still in flight.
	if req.IdempotencyKey != "" {
		if res, ok := s.replay(ctx, req.IdempotencyKey); ok {
			return res, nil
		}
		if err := s.reserve(ctx, req.IdempotencyKey, opCreate); err != nil {
			if errors.Is(err, idempotency.ErrKeyExists) {
				if res, ok := s.replay(ctx, req.IdempotencyKey); ok {
					return res, nil
				}
				metrics.LockContentions.WithLabelValues("create").Inc()
				return nil, ErrLockContention
			}
			return nil, fmt.Errorf("failed to reserve idempotency key: %w", err)
		}
	}

	exists, err := s.ledger.HasAccount(ctx, recipient)
	if err != nil {
		err = fmt.Errorf("failed to look up recipient: %w", err)
		s.failCreate(ctx, req.IdempotencyKey, err)
		return nil, err
	}
	if !exists {
		s.failCreate(ctx, req.IdempotencyKey, ErrRecipientNotFound)
		return nil, ErrRecipientNotFound
	}

	expiry := s.expiry
	if req.ExpiresIn != "" {
		if d, err := time.ParseDuration(req.ExpiresIn); err == nil && d > 0 {
			expiry = d
		}
	}

	condition := req.ReleaseCondition
	if condition == "" {
		condition = "proof_verified"
	}

	now := time.Now()
	e := &Escrow{
		ID:               idgen.WithPrefix("esc_"),
		SenderID:         sender,
		RecipientID:      recipient,
		Amount:           req.Amount,
		Status:           StatusPending,
		ReleaseCondition: condition,
		MomentRef:        req.MomentRef,
		CreatedAt:        now,
		UpdatedAt:        now,
		ExpiresAt:        now.Add(expiry),
		HoldUntil:        now.Add(min(s.holdFloor, expiry)),
	}

	if err := s.ledger.EscrowHold(ctx, sender, e.Amount, e.ID); err != nil {
		s.failCreate(ctx, req.IdempotencyKey, err)
		return nil, err
	}

	if err := s.store.Create(ctx, e); err != nil {
		// Best-effort compensation: return the held coins
		_ = s.ledger.EscrowRefund(ctx, sender, e.Amount, e.ID, "create_rollback")
		err = fmt.Errorf("failed to create escrow record: %w", err)
		s.failCreate(ctx, req.IdempotencyKey, err)
		return nil, err
	}

	res := &Result{Code: CodeCreated, Escrow: e}
	if req.IdempotencyKey != "" {
		s.record(ctx, req.IdempotencyKey, opCreate, e.ID, res)
	}
	metrics.EscrowOperations.WithLabelValues("create", res.Code).Inc()
	return res, nil
}

// Release credits the escrowed coins to the recipient. A release attempted
// after expiry is redirected to a refund and surfaced with the
// expired_auto_refunded code. Calling release on an already-terminal escrow
// is a benign no-op result, not an error.
func (s *Service) Release(ctx context.Context, id, verifierID string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release", traces.EscrowID(id))
	defer span.End()

	key := opRelease + "_" + id
	if res, ok := s.replay(ctx, key); ok {
		return res, nil
	}

	unlock, err := s.tryLock("release", id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if e.IsTerminal() {
		return terminalResult(e), nil
	}
	if e.Status == StatusDisputed {
		return nil, ErrInvalidStatus
	}
	if e.Status == StatusProcessing {
		res, rerr := s.resolveProcessing(ctx, e)
		if rerr != nil {
			return nil, rerr
		}
		if res != nil {
			metrics.EscrowOperations.WithLabelValues("release", res.Code).Inc()
			return res, nil
		}
	}

	now := time.Now()
	if !now.Before(e.ExpiresAt) {
		// Policy: late release becomes a refund, not a silent success or
		// failure. The caller sees the dedicated code.
		res, ferr := s.finalizeRefund(ctx, e, ReasonExpired, StatusRefunded, CodeExpiredAutoRefunded)
		if ferr != nil {
			s.recordFailure(ctx, key, opRelease, id, ferr)
			return nil, ferr
		}
		s.record(ctx, key, opRelease, e.ID, res)
		metrics.EscrowOperations.WithLabelValues("release", res.Code).Inc()
		return res, nil
	}

	if now.Before(e.HoldUntil) {
		// The hold floor is advisory at the state-machine level; the
		// dispute-intake window is enforced upstream.
		s.logger.Warn("release before hold floor elapsed",
			"escrowId", e.ID, "holdUntil", e.HoldUntil)
	}

	// Enter processing so a crash between the fund movement and the
	// finalization is visible to the recovery sweep.
	e.Status = StatusProcessing
	e.ProcessingAt = &now
	e.VerifierID = verifierID
	e.UpdatedAt = now
	if err := s.store.Update(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to mark escrow processing: %w", err)
	}

	if err := s.ledger.EscrowRelease(ctx, e.SenderID, e.RecipientID, e.Amount, e.ID); err != nil {
		// No funds moved; return to pending so the escrow stays releasable.
		s.revertToPending(ctx, e)
		s.recordFailure(ctx, key, opRelease, id, err)
		return nil, fmt.Errorf("failed to release escrow funds: %w", err)
	}

	done := time.Now()
	e.Status = StatusReleased
	e.ReleasedAt = &done
	e.ProcessingAt = nil
	e.UpdatedAt = done
	if err := s.store.Update(ctx, e); err != nil {
		// Funds already moved; retry once, then leave the record in
		// processing for the recovery sweep to finalize.
		if retryErr := s.store.Update(ctx, e); retryErr != nil {
			s.logger.Error("escrow funds released but status update failed; recovery sweep will finalize",
				"escrowId", e.ID, "recipient", e.RecipientID, "error", retryErr)
			return nil, fmt.Errorf("failed to finalize escrow after release: %w", err)
		}
	}

	res := &Result{Code: CodeReleased, Escrow: e}
	s.record(ctx, key, opRelease, e.ID, res)
	span.SetAttributes(traces.Outcome(res.Code))
	metrics.EscrowOperations.WithLabelValues("release", res.Code).Inc()
	return res, nil
}

// Refund returns the escrowed coins to the sender with the supplied reason
// tag. Refund is permitted from any non-terminal state, including disputed.
func (s *Service) Refund(ctx context.Context, id, reason string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Refund", traces.EscrowID(id))
	defer span.End()

	key := opRefund + "_" + id
	if res, ok := s.replay(ctx, key); ok {
		return res, nil
	}

	unlock, err := s.tryLock("refund", id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if e.IsTerminal() {
		return terminalResult(e), nil
	}
	if e.Status == StatusProcessing {
		res, rerr := s.resolveProcessing(ctx, e)
		if rerr != nil {
			return nil, rerr
		}
		if res != nil {
			metrics.EscrowOperations.WithLabelValues("refund", res.Code).Inc()
			return res, nil
		}
	}

	status := StatusRefunded
	code := CodeRefunded
	if reason == ReasonExpired {
		status = StatusExpired
	}

	res, err := s.finalizeRefund(ctx, e, reason, status, code)
	if err != nil {
		s.recordFailure(ctx, key, opRefund, id, err)
		return nil, err
	}
	s.record(ctx, key, opRefund, e.ID, res)
	metrics.EscrowOperations.WithLabelValues("refund", res.Code).Inc()
	return res, nil
}

// Cancel lets the sender withdraw a pending or disputed escrow before
// release. It is a refund variant with its own terminal status.
func (s *Service) Cancel(ctx context.Context, id, callerID string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Cancel", traces.EscrowID(id))
	defer span.End()

	key := opCancel + "_" + id
	if res, ok := s.replay(ctx, key); ok {
		return res, nil
	}

	unlock, err := s.tryLock("cancel", id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if callerID != "" && !strings.EqualFold(callerID, e.SenderID) {
		return nil, ErrUnauthorized
	}

	if e.IsTerminal() {
		return terminalResult(e), nil
	}
	if e.Status == StatusProcessing {
		res, rerr := s.resolveProcessing(ctx, e)
		if rerr != nil {
			return nil, rerr
		}
		if res != nil {
			metrics.EscrowOperations.WithLabelValues("cancel", res.Code).Inc()
			return res, nil
		}
	}

	res, err := s.finalizeRefund(ctx, e, ReasonCancelled, StatusCancelled, CodeCancelled)
	if err != nil {
		s.recordFailure(ctx, key, opCancel, id, err)
		return nil, err
	}
	s.record(ctx, key, opCancel, e.ID, res)
	metrics.EscrowOperations.WithLabelValues("cancel", res.Code).Inc()
	return res, nil
}

// Dispute marks a pending escrow as disputed. The coins stay held; the
// dispute is later resolved by a refund, a release decision upstream, or
// the dispute-timeout escalation sweep.
func (s *Service) Dispute(ctx context.Context, id, callerID, reason string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Dispute", traces.EscrowID(id))
	defer span.End()

	unlock, err := s.tryLock("dispute", id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if callerID != "" && !strings.EqualFold(callerID, e.SenderID) {
		return nil, ErrUnauthorized
	}

	if e.IsTerminal() {
		return terminalResult(e), nil
	}
	if e.Status != StatusPending {
		return nil, ErrInvalidStatus
	}

	now := time.Now()
	e.Status = StatusDisputed
	e.DisputeReason = reason
	e.UpdatedAt = now
	if err := s.store.Update(ctx, e); err != nil {
		return nil, err
	}

	metrics.EscrowOperations.WithLabelValues("dispute", CodeDisputed).Inc()
	return &Result{Code: CodeDisputed, Escrow: e}, nil
}

// HoldPeriodRemaining returns the time left in the dispute-intake window.
// Zero if the escrow is unknown, terminal, or already past the hold floor.
func (s *Service) HoldPeriodRemaining(ctx context.Context, id string) time.Duration {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return 0
	}
	if e.IsTerminal() {
		return 0
	}
	rem := time.Until(e.HoldUntil)
	if rem < 0 {
		return 0
	}
	return rem
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns escrows involving a user (as sender or recipient).
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, strings.TrimSpace(userID), limit)
}

// finalizeRefund moves a non-terminal escrow through processing into the
// given refund-variant terminal status. Caller must hold the escrow lock.
func (s *Service) finalizeRefund(ctx context.Context, e *Escrow, reason string, status Status, code string) (*Result, error) {
	now := time.Now()
	prior := e.Status
	e.Status = StatusProcessing
	e.ProcessingAt = &now
	e.UpdatedAt = now
	if err := s.store.Update(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to mark escrow processing: %w", err)
	}

	if err := s.ledger.EscrowRefund(ctx, e.SenderID, e.Amount, e.ID, reason); err != nil {
		e.Status = prior
		e.ProcessingAt = nil
		e.UpdatedAt = time.Now()
		if uerr := s.store.Update(ctx, e); uerr != nil {
			s.logger.Error("failed to roll back processing state after refund failure",
				"escrowId", e.ID, "error", uerr)
		}
		return nil, fmt.Errorf("failed to refund escrow funds: %w", err)
	}

	done := time.Now()
	e.Status = status
	e.RefundedAt = &done
	e.RefundReason = reason
	e.ProcessingAt = nil
	e.UpdatedAt = done
	if err := s.store.Update(ctx, e); err != nil {
		if retryErr := s.store.Update(ctx, e); retryErr != nil {
			s.logger.Error("escrow funds refunded but status update failed; recovery sweep will finalize",
				"escrowId", e.ID, "sender", e.SenderID, "error", retryErr)
			return nil, fmt.Errorf("failed to finalize escrow after refund: %w", err)
		}
	}

	return &Result{Code: code, Escrow: e}, nil
}

// resolveProcessing settles an operation that found the escrow already in
// processing. Inside the dwell window the original owner may still be
// running, so the caller backs off with ErrLockContention. Past the window
// the ledger trail decides, the same way the recovery sweep does: a
// settlement entry means the funds already moved and the record is finalized
// WITHOUT moving them again; no entry means the interrupted operation never
// moved funds, and the escrow rolls back to pending so the caller may
// proceed. Returns (nil, nil) in that last case. Caller must hold the
// escrow lock.
func (s *Service) resolveProcessing(ctx context.Context, e *Escrow) (*Result, error) {
	if e.ProcessingAt != nil && time.Since(*e.ProcessingAt) < s.processingDwell {
		return nil, ErrLockContention
	}

	types, err := s.ledger.EntryTypes(ctx, e.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger trail: %w", err)
	}

	now := time.Now()
	switch {
	case contains(types, entryTypeRelease):
		e.Status = StatusReleased
		e.ReleasedAt = &now
	case contains(types, entryTypeRefund):
		e.Status = StatusRefunded
		e.RefundedAt = &now
		if e.RefundReason == "" {
			e.RefundReason = "recovered"
		}
	default:
		e.Status = StatusPending
	}
	e.ProcessingAt = nil
	e.UpdatedAt = now

	if err := s.store.Update(ctx, e); err != nil {
		return nil, err
	}
	if e.Status == StatusPending {
		return nil, nil
	}
	return terminalResult(e), nil
}

// revertToPending rolls a processing escrow back after a failed fund move.
// Only valid when this call entered processing itself; a record found in
// processing goes through resolveProcessing, which checks the trail first.
func (s *Service) revertToPending(ctx context.Context, e *Escrow) {
	e.Status = StatusPending
	e.ProcessingAt = nil
	e.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, e); err != nil {
		s.logger.Error("failed to roll back processing state",
			"escrowId", e.ID, "error", err)
	}
}

// terminalResult maps an already-terminal escrow to its benign retry result.
func terminalResult(e *Escrow) *Result {
	code := CodeAlreadyRefunded
	if e.Status == StatusReleased {
		code = CodeAlreadyReleased
	}
	return &Result{Code: code, Escrow: e}
}

// reserve claims the idempotency key for an in-flight operation.
func (s *Service) reserve(ctx context.Context, key, opType string) error {
	now := time.Now()
	return s.idem.Reserve(ctx, &idempotency.Record{
		Key:           key,
		OperationType: opType,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.idemRetention),
	})
}

// failCreate finalizes a create reservation with a failed outcome so a
// later retry can reclaim the key. No-op without a key.
func (s *Service) failCreate(ctx context.Context, key string, opErr error) {
	if key == "" {
		return
	}
	s.recordFailure(ctx, key, opCreate, "", opErr)
}

// replay returns the stored result for a previously successful execution of
// the keyed operation, if any.
func (s *Service) replay(ctx context.Context, key string) (*Result, bool) {
	rec, err := s.idem.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, idempotency.ErrNotFound) {
			s.logger.Warn("idempotency lookup failed", "key", key, "error", err)
		}
		return nil, false
	}
	if !rec.Success || len(rec.ResponseSnapshot) == 0 {
		return nil, false
	}
	var res Result
	if err := json.Unmarshal(rec.ResponseSnapshot, &res); err != nil {
		return nil, false
	}
	res.Replayed = true
	metrics.IdempotencyReplays.Inc()
	return &res, true
}

// record persists the successful outcome under the idempotency key.
func (s *Service) record(ctx context.Context, key, opType, escrowID string, res *Result) {
	snapshot, err := json.Marshal(res)
	if err != nil {
		return
	}
	now := time.Now()
	rec := &idempotency.Record{
		Key:              key,
		OperationType:    opType,
		EscrowID:         escrowID,
		Success:          true,
		ResponseSnapshot: snapshot,
		CreatedAt:        now,
		ExpiresAt:        now.Add(s.idemRetention),
	}
	s.storeRecord(ctx, rec)
}

// recordFailure persists a failed outcome so auditing can see the attempt.
// Failed records are never replayed; a retry re-executes the operation.
func (s *Service) recordFailure(ctx context.Context, key, opType, escrowID string, opErr error) {
	now := time.Now()
	rec := &idempotency.Record{
		Key:           key,
		OperationType: opType,
		EscrowID:      escrowID,
		Success:       false,
		Error:         opErr.Error(),
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.idemRetention),
	}
	s.storeRecord(ctx, rec)
}

// storeRecord writes the outcome, overwriting a reservation or an earlier
// failed attempt under the same key.
func (s *Service) storeRecord(ctx context.Context, rec *idempotency.Record) {
	err := s.idem.Put(ctx, rec)
	if errors.Is(err, idempotency.ErrKeyExists) {
		err = s.idem.Update(ctx, rec)
	}
	if err != nil {
		s.logger.Warn("failed to record idempotency outcome", "key", rec.Key, "error", err)
	}
}
