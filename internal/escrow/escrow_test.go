package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/veloraapp/veloracoin/internal/idempotency"
)

// mockLedger records fund movements for verification and derives the entry
// trail from them.
type mockLedger struct {
	mu       sync.Mutex
	accounts map[string]bool
	held     map[string]string // reference -> amount
	released map[string]string
	refunded map[string]string

	holdCalls    int
	releaseCalls int
	refundCalls  int

	holdErr    error
	releaseErr error
	refundErr  error

	// releaseGate, when set, blocks EscrowRelease until closed. Used to
	// provoke lock contention. releaseStarted is closed when the blocked
	// call is entered. holdGate/holdStarted do the same for EscrowHold.
	releaseGate    chan struct{}
	releaseStarted chan struct{}
	holdGate       chan struct{}
	holdStarted    chan struct{}
}

func newMockLedger(accounts ...string) *mockLedger {
	m := &mockLedger{
		accounts: make(map[string]bool),
		held:     make(map[string]string),
		released: make(map[string]string),
		refunded: make(map[string]string),
	}
	for _, a := range accounts {
		m.accounts[a] = true
	}
	return m
}

func (m *mockLedger) EscrowHold(ctx context.Context, userID, amount, reference string) error {
	if m.holdGate != nil {
		if m.holdStarted != nil {
			close(m.holdStarted)
		}
		<-m.holdGate
	}
	if m.holdErr != nil {
		return m.holdErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holdCalls++
	m.held[reference] = amount
	return nil
}

func (m *mockLedger) EscrowRelease(ctx context.Context, senderID, recipientID, amount, reference string) error {
	if m.releaseGate != nil {
		if m.releaseStarted != nil {
			close(m.releaseStarted)
		}
		<-m.releaseGate
	}
	if m.releaseErr != nil {
		return m.releaseErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseCalls++
	m.released[reference] = amount
	return nil
}

func (m *mockLedger) EscrowRefund(ctx context.Context, userID, amount, reference, description string) error {
	if m.refundErr != nil {
		return m.refundErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refundCalls++
	m.refunded[reference] = amount
	return nil
}

func (m *mockLedger) HasAccount(ctx context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accounts[userID], nil
}

func (m *mockLedger) EntryTypes(ctx context.Context, reference string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var types []string
	if _, ok := m.held[reference]; ok {
		types = append(types, "escrow_hold")
	}
	if _, ok := m.released[reference]; ok {
		types = append(types, "escrow_release")
	}
	if _, ok := m.refunded[reference]; ok {
		types = append(types, "escrow_refund")
	}
	return types, nil
}

func newTestService(ledger LedgerService) (*Service, *MemoryStore) {
	store := NewMemoryStore()
	svc := NewService(store, ledger, idempotency.NewMemoryStore())
	return svc, store
}

func TestEscrow_HappyPath(t *testing.T) {
	ledger := newMockLedger("alice", "bob")
	svc, _ := newTestService(ledger)
	ctx := context.Background()

	res, err := svc.Create(ctx, CreateRequest{
		SenderID:    "alice",
		RecipientID: "bob",
		Amount:      "10.00",
		MomentRef:   "moment_1",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if res.Code != CodeCreated {
		t.Errorf("expected code %q, got %q", CodeCreated, res.Code)
	}
	e := res.Escrow
	if e.Status != StatusPending {
		t.Errorf("expected status pending, got %s", e.Status)
	}
	if ledger.held[e.ID] != "10.00" {
		t.Errorf("expected hold of 10.00, got %q", ledger.held[e.ID])
	}

	rel, err := svc.Release(ctx, e.ID, "verifier_1")
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if rel.Code != CodeReleased {
		t.Errorf("expected code %q, got %q", CodeReleased, rel.Code)
	}
	if rel.Escrow.Status != StatusReleased {
		t.Errorf("expected status released, got %s", rel.Escrow.Status)
	}
	if rel.Escrow.VerifierID != "verifier_1" {
		t.Errorf("verifier not recorded: %q", rel.Escrow.VerifierID)
	}
	if ledger.released[e.ID] != "10.00" {
		t.Errorf("expected release of 10.00, got %q", ledger.released[e.ID])
	}
}

func TestEscrow_CreateValidation(t *testing.T) {
	ledger := newMockLedger("alice", "bob")
	svc, _ := newTestService(ledger)
	ctx := context.Background()

	tests := []struct {
		name    string
		req     CreateRequest
		wantErr error
	}{
		{"self transfer", CreateRequest{SenderID: "alice", RecipientID: "alice", Amount: "1.00"}, ErrInvalidParticipants},
		{"self transfer case-insensitive", CreateRequest{SenderID: "Alice", RecipientID: "alice", Amount: "1.00"}, ErrInvalidParticipants},
		{"missing sender", CreateRequest{RecipientID: "bob", Amount: "1.00"}, ErrInvalidParticipants},
		{"zero amount", CreateRequest{SenderID: "alice", RecipientID: "bob", Amount: "0"}, ErrInvalidAmount},
		{"negative amount", CreateRequest{SenderID: "alice", RecipientID: "bob", Amount: "-5"}, ErrInvalidAmount},
		{"garbage amount", CreateRequest{SenderID: "alice", RecipientID: "bob", Amount: "ten"}, ErrInvalidAmount},
		{"unknown recipient", CreateRequest{SenderID: "alice", RecipientID: "ghost", Amount: "1.00"}, ErrRecipientNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(ctx, tt.req)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestEscrow_InsufficientFunds(t *testing.T) {
	ledger := newMockLedger("alice", "bob")
	ledger.holdErr = ErrInsufficientFunds
	svc, _ := newTestService(ledger)

	_, err := svc.Create(context.Background(), CreateRequest{
		SenderID:    "alice",
		RecipientID: "bob",
		Amount:      "999.00",
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestEscrow_CreateIdempotent(t *testing.T) {
	ledger := newMockLedger("alice", "bob")
	svc, _ := newTestService(ledger)
	ctx := context.Background()

	req := CreateRequest{
		SenderID:       "alice",
		RecipientID:    "bob",
		Amount:         "5.00",
		IdempotencyKey: "client-key-1",
	}

	first, err := svc.Create(ctx, req)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	second, err := svc.Create(ctx, req)
	if err != nil {
		t.Fatalf("retried Create failed: %v", err)
	}

	if !second.Replayed {
		t.Error("expected second create to be replayed")
	}
	if second.Escrow.ID != first.Escrow.ID {
		t.Errorf("replay returned different escrow: %s vs %s", second.Escrow.ID, first.Escrow.ID)
	}
	if len(ledger.held) != 1 {
		t.Errorf("expected exactly one hold, got %d", len(ledger.held))
	}
}

func TestEscrow_DoubleReleaseBenign(t *testing.T) {
	ledger := newMockLedger("alice", "bob")
	svc, _ := newTestService(ledger)
	ctx := context.Background()

	res, _ := svc.Create(ctx, CreateRequest{SenderID: "alice", RecipientID: "bob", Amount: "2.00"})
	id := res.Escrow.ID

	if _, err := svc.Release(ctx, id, ""); err != nil {
		t.Fatalf("first release failed: %v", err)
	}
	second, err := svc.Release(ctx, id, "")
	if err != nil {
		t.Fatalf("second release should be benign, got error: %v", err)
	}
	if !second.Replayed && second.Code != CodeAlreadyReleased {
		t.Errorf("expected replay or already_released, got code %q replayed=%v", second.Code, second.Replayed)
	}
	if len(ledger.released) != 1 {
		t.Errorf("funds must move exactly once, got %d releases", len(ledger.released))
	}
}

func TestEscrow_RefundThenRelease(t *testing.T) {
	ledger := newMockLedger("alice", "bob")
	svc, _ := newTestService(ledger)
	ctx := context.Background()

	res, _ := svc.Create(ctx, CreateRequest{SenderID: "alice", RecipientID: "bob", Amount: "3.00"})
	id := res.Escrow.ID

	ref, err := svc.Refund(ctx, id, "changed_mind")
	if err != nil {
		t.Fatalf("Refund failed: %v", err)
	}
	if ref.Code != CodeRefunded || ref.Escrow.Status != StatusRefunded {
		t.Errorf("unexpected refund outcome: code=%q status=%s", ref.Code, ref.Escrow.Status)
	}

	rel, err := svc.Release(ctx, id, "")
	if err != nil {
		t.Fatalf("release after refund should be benign, got: %v", err)
	}
	if rel.Code != CodeAlreadyRefunded {
		t.Errorf("expected code %q, got %q", CodeAlreadyRefunded, rel.Code)
	}
	if len(ledger.released) != 0 {
		t.Error("release after refund must not move funds")
	}
}

func TestEscrow_ReleaseAfterExpiryRefunds(t *testing.T) {
	ledger := newMockLedger("alice", "bob")
	svc, store := newTestService(ledger)
	ctx := context.Background()

	res, _ := svc.Create(ctx, CreateRequest{SenderID: "alice", RecipientID: "bob", Amount: "4.00"})
	e := res.Escrow

	// Backdate the expiry.
	e.ExpiresAt = time.Now().Add(-time.Minute)
	if err := store.Update(ctx, e); err != nil {
		t.Fatalf("backdate failed: %v", err)
	}

	rel, err := svc.Release(ctx, e.ID, "verifier_1")
	if err != nil {
		t.Fatalf("late release failed: %v", err)
	}
	if rel.Code != CodeExpiredAutoRefunded {
		t.Errorf("expected code %q, got %q", CodeExpiredAutoRefunded, rel.Code)
	}
	if rel.Escrow.Status != StatusRefunded {
		t.Errorf("expected status refunded, got %s", rel.Escrow.Status)
	}
	if rel.Escrow.RefundReason != ReasonExpired {
		t.Errorf("expected refund reason %q, got %q", ReasonExpired, rel.Escrow.RefundReason)
	}
	if len(ledger.released) != 0 {
		t.Error("late release must not credit the recipient")
	}
	if ledger.refunded[e.ID] != "4.00" {
		t.Errorf("expected refund of 4.00, got %q", ledger.refunded[e.ID])
	}
}

func TestEscrow_CancelAuthorization(t *testing.T) {
	ledger := newMockLedger("alice", "bob")
	svc, _ := newTestService(ledger)
	ctx := context.Background()

	res, _ := svc.Create(ctx, CreateRequest{SenderID: "alice", RecipientID: "bob", Amount: "1.00"})
	id := res.Escrow.ID

	if _, err := svc.Cancel(ctx, id, "bob"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("recipient cancel should be unauthorized, got %v", err)
	}

	cancelled, err := svc.Cancel(ctx, id, "alice")
	if err != nil {
		t.Fatalf("sender cancel failed: %v", err)
	}
	if cancelled.Code != CodeCancelled || cancelled.Escrow.Status != StatusCancelled {
		t.Errorf("unexpected cancel outcome: code=%q status=%s", cancelled.Code, cancelled.Escrow.Status)
	}
	if cancelled.Escrow.RefundReason != ReasonCancelled {
		t.Errorf("expected reason %q, got %q", ReasonCancelled, cancelled.Escrow.RefundReason)
	}
}

func TestEscrow_DisputeFlow(t *testing.T) {
	ledger := newMockLedger("alice", "bob")
	svc, _ := newTestService(ledger)
	ctx := context.Background()

	res, _ := svc.Create(ctx, CreateRequest{SenderID: "alice", RecipientID: "bob", Amount: "7.00"})
	id := res.Escrow.ID

	disp, err := svc.Dispute(ctx, id, "alice", "moment never happened")
	if err != nil {
		t.Fatalf("Dispute failed: %v", err)
	}
	if disp.Escrow.Status != StatusDisputed {
		t.Errorf("expected disputed, got %s", disp.Escrow.Status)
	}

	// Coins stay held during a dispute.
	if len(ledger.refunded) != 0 || len(ledger.released) != 0 {
		t.Error("dispute must not move funds")
	}

	// Release is blocked while disputed.
	if _, err := svc.Release(ctx, id, ""); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("release of disputed escrow should fail, got %v", err)
	}

	// Refund resolves the dispute in the sender's favor.
	ref, err := svc.Refund(ctx, id, ReasonDisputeTimeout)
	if err != nil {
		t.Fatalf("dispute refund failed: %v", err)
	}
	if ref.Escrow.Status != StatusRefunded {
		t.Errorf("expected refunded, got %s", ref.Escrow.Status)
	}
}

func TestEscrow_ReleaseFailureRollsBack(t *testing.T) {
	ledger := newMockLedger("alice", "bob")
	ledger.releaseErr = errors.New("ledger unavailable")
	svc, store := newTestService(ledger)
	ctx := context.Background()

	res, _ := svc.Create(ctx, CreateRequest{SenderID: "alice", RecipientID: "bob", Amount: "6.00"})
	id := res.Escrow.ID

	if _, err := svc.Release(ctx, id, ""); err == nil {
		t.Fatal("expected release to fail")
	}

	e, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if e.Status != StatusPending {
		t.Errorf("failed release must roll back to pending, got %s", e.Status)
	}

	// Retry succeeds once the ledger recovers.
	ledger.releaseErr = nil
	rel, err := svc.Release(ctx, id, "")
	if err != nil {
		t.Fatalf("retry release failed: %v", err)
	}
	if rel.Escrow.Status != StatusReleased {
		t.Errorf("expected released after retry, got %s", rel.Escrow.Status)
	}
}

func TestEscrow_LockContention(t *testing.T) {
	ledger := newMockLedger("alice", "bob")
	gate := make(chan struct{})
	started := make(chan struct{})
	ledger.releaseGate = gate
	ledger.releaseStarted = started
	svc, _ := newTestService(ledger)
	ctx := context.Background()

	res, _ := svc.Create(ctx, CreateRequest{SenderID: "alice", RecipientID: "bob", Amount: "8.00"})
	id := res.Escrow.ID

	releaseDone := make(chan error, 1)
	go func() {
		_, err := svc.Release(ctx, id, "")
		releaseDone <- err
	}()

	// Wait until the release holds the lock and is blocked in the ledger.
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("release never reached the ledger")
	}

	if _, err := svc.Refund(ctx, id, "racing"); !errors.Is(err, ErrLockContention) {
		t.Fatalf("expected ErrLockContention, got %v", err)
	}

	close(gate)
	if err := <-releaseDone; err != nil {
		t.Fatalf("release failed: %v", err)
	}

	// After the release completes, refund is a benign no-op.
	ref, err := svc.Refund(ctx, id, "racing")
	if err != nil {
		t.Fatalf("post-release refund should be benign: %v", err)
	}
	if ref.Code != CodeAlreadyReleased {
		t.Errorf("expected code %q, got %q", CodeAlreadyReleased, ref.Code)
	}
}

func TestEscrow_HoldPeriodRemaining(t *testing.T) {
	ledger := newMockLedger("alice", "bob")
	svc, store := newTestService(ledger)
	ctx := context.Background()

	if rem := svc.HoldPeriodRemaining(ctx, "esc_missing"); rem != 0 {
		t.Errorf("unknown escrow should have zero remaining, got %v", rem)
	}

	res, _ := svc.Create(ctx, CreateRequest{SenderID: "alice", RecipientID: "bob", Amount: "1.00"})
	e := res.Escrow

	rem := svc.HoldPeriodRemaining(ctx, e.ID)
	if rem <= 0 || rem > DefaultHoldFloor {
		t.Errorf("expected remaining in (0, %v], got %v", DefaultHoldFloor, rem)
	}

	// Past the floor.
	e.HoldUntil = time.Now().Add(-time.Hour)
	if err := store.Update(ctx, e); err != nil {
		t.Fatal(err)
	}
	if rem := svc.HoldPeriodRemaining(ctx, e.ID); rem != 0 {
		t.Errorf("expected zero past the floor, got %v", rem)
	}

	// Terminal.
	if _, err := svc.Release(ctx, e.ID, ""); err != nil {
		t.Fatal(err)
	}
	if rem := svc.HoldPeriodRemaining(ctx, e.ID); rem != 0 {
		t.Errorf("expected zero for terminal escrow, got %v", rem)
	}
}

func TestEscrow_ShortExpiresIn(t *testing.T) {
	ledger := newMockLedger("alice", "bob")
	svc, _ := newTestService(ledger)
	ctx := context.Background()

	res, err := svc.Create(ctx, CreateRequest{
		SenderID:    "alice",
		RecipientID: "bob",
		Amount:      "1.00",
		ExpiresIn:   "1h",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	e := res.Escrow

	if until := time.Until(e.ExpiresAt); until > time.Hour || until < 50*time.Minute {
		t.Errorf("expiry not honored: %v", until)
	}
	// Hold floor is capped at the expiry.
	if e.HoldUntil.After(e.ExpiresAt) {
		t.Error("hold floor must not extend past expiry")
	}
}

// markProcessing forces an escrow into the crash-visible processing state
// with the given age.
func markProcessing(t *testing.T, store *MemoryStore, e *Escrow, age time.Duration) {
	t.Helper()
	at := time.Now().Add(-age)
	e.Status = StatusProcessing
	e.ProcessingAt = &at
	if err := store.Update(context.Background(), e); err != nil {
		t.Fatalf("failed to mark escrow processing: %v", err)
	}
}

func TestEscrow_ReleaseRetryAfterCrashDoesNotMoveFundsTwice(t *testing.T) {
	ledger := newMockLedger("alice", "bob")
	svc, store := newTestService(ledger)
	ctx := context.Background()

	res, err := svc.Create(ctx, CreateRequest{SenderID: "alice", RecipientID: "bob", Amount: "10.00"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	e := res.Escrow

	// Crash scenario: the funds moved but the record never left processing.
	if err := ledger.EscrowRelease(ctx, e.SenderID, e.RecipientID, e.Amount, e.ID); err != nil {
		t.Fatal(err)
	}
	markProcessing(t, store, e, time.Hour)

	rel, err := svc.Release(ctx, e.ID, "verifier_1")
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if rel.Code != CodeAlreadyReleased {
		t.Errorf("expected code %q, got %q", CodeAlreadyReleased, rel.Code)
	}
	if rel.Escrow.Status != StatusReleased {
		t.Errorf("expected status released, got %s", rel.Escrow.Status)
	}
	if ledger.releaseCalls != 1 {
		t.Errorf("recipient credited %d times, want 1", ledger.releaseCalls)
	}

	got, err := store.Get(ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ProcessingAt != nil {
		t.Error("processing marker not cleared")
	}
}

func TestEscrow_RefundOfStuckProcessingFollowsTrail(t *testing.T) {
	ledger := newMockLedger("alice", "bob")
	svc, store := newTestService(ledger)
	ctx := context.Background()

	res, err := svc.Create(ctx, CreateRequest{SenderID: "alice", RecipientID: "bob", Amount: "10.00"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	e := res.Escrow

	// The interrupted operation was a release; a refund retry must not undo it.
	if err := ledger.EscrowRelease(ctx, e.SenderID, e.RecipientID, e.Amount, e.ID); err != nil {
		t.Fatal(err)
	}
	markProcessing(t, store, e, time.Hour)

	ref, err := svc.Refund(ctx, e.ID, "requested")
	if err != nil {
		t.Fatalf("Refund failed: %v", err)
	}
	if ref.Code != CodeAlreadyReleased {
		t.Errorf("expected code %q, got %q", CodeAlreadyReleased, ref.Code)
	}
	if ledger.refundCalls != 0 {
		t.Errorf("refund executed %d times despite released trail", ledger.refundCalls)
	}
}

func TestEscrow_ReleaseOfStuckProcessingWithoutTrailProceeds(t *testing.T) {
	ledger := newMockLedger("alice", "bob")
	svc, store := newTestService(ledger)
	ctx := context.Background()

	res, err := svc.Create(ctx, CreateRequest{SenderID: "alice", RecipientID: "bob", Amount: "10.00"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	e := res.Escrow

	// Stuck in processing with only the hold entry: nothing moved.
	markProcessing(t, store, e, time.Hour)

	rel, err := svc.Release(ctx, e.ID, "verifier_1")
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if rel.Code != CodeReleased {
		t.Errorf("expected code %q, got %q", CodeReleased, rel.Code)
	}
	if ledger.releaseCalls != 1 {
		t.Errorf("recipient credited %d times, want 1", ledger.releaseCalls)
	}
}

func TestEscrow_OperationsBackOffWhileProcessingFresh(t *testing.T) {
	ledger := newMockLedger("alice", "bob")
	svc, store := newTestService(ledger)
	ctx := context.Background()

	res, err := svc.Create(ctx, CreateRequest{SenderID: "alice", RecipientID: "bob", Amount: "10.00"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	e := res.Escrow

	// Inside the dwell window the original owner may still be running.
	markProcessing(t, store, e, 0)

	if _, err := svc.Release(ctx, e.ID, ""); !errors.Is(err, ErrLockContention) {
		t.Errorf("Release on fresh processing = %v, want ErrLockContention", err)
	}
	if _, err := svc.Refund(ctx, e.ID, "requested"); !errors.Is(err, ErrLockContention) {
		t.Errorf("Refund on fresh processing = %v, want ErrLockContention", err)
	}
	if ledger.releaseCalls != 0 || ledger.refundCalls != 0 {
		t.Errorf("funds moved during dwell window: %d releases, %d refunds",
			ledger.releaseCalls, ledger.refundCalls)
	}
}

func TestEscrow_CreateConcurrentDuplicateKey(t *testing.T) {
	ledger := newMockLedger("alice", "bob")
	ledger.holdGate = make(chan struct{})
	ledger.holdStarted = make(chan struct{})
	svc, _ := newTestService(ledger)
	ctx := context.Background()

	req := CreateRequest{
		SenderID:       "alice",
		RecipientID:    "bob",
		Amount:         "5.00",
		IdempotencyKey: "delivery-1",
	}

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := svc.Create(ctx, req)
		done <- outcome{res, err}
	}()
	<-ledger.holdStarted

	// Duplicate delivery while the first execution is mid-flight.
	if _, err := svc.Create(ctx, req); !errors.Is(err, ErrLockContention) {
		t.Fatalf("in-flight duplicate = %v, want ErrLockContention", err)
	}

	close(ledger.holdGate)
	first := <-done
	if first.err != nil {
		t.Fatalf("Create failed: %v", first.err)
	}
	if first.res.Code != CodeCreated {
		t.Errorf("expected code %q, got %q", CodeCreated, first.res.Code)
	}
	if ledger.holdCalls != 1 {
		t.Errorf("sender debited %d times, want 1", ledger.holdCalls)
	}

	// A later retry replays the stored result instead of re-executing.
	replayed, err := svc.Create(ctx, req)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if !replayed.Replayed {
		t.Error("expected replayed result")
	}
	if replayed.Escrow.ID != first.res.Escrow.ID {
		t.Errorf("replay returned escrow %s, want %s", replayed.Escrow.ID, first.res.Escrow.ID)
	}
	if ledger.holdCalls != 1 {
		t.Errorf("replay re-executed the hold: %d calls", ledger.holdCalls)
	}
}

func TestEscrow_CreateRetryAfterFailureReclaimsKey(t *testing.T) {
	ledger := newMockLedger("alice", "bob")
	ledger.holdErr = ErrInsufficientFunds
	svc, _ := newTestService(ledger)
	ctx := context.Background()

	req := CreateRequest{
		SenderID:       "alice",
		RecipientID:    "bob",
		Amount:         "5.00",
		IdempotencyKey: "delivery-2",
	}

	if _, err := svc.Create(ctx, req); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	// Failed outcomes don't pin the key; a retry re-executes.
	ledger.holdErr = nil
	res, err := svc.Create(ctx, req)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if res.Code != CodeCreated || res.Replayed {
		t.Errorf("retry result code=%q replayed=%v, want fresh creation", res.Code, res.Replayed)
	}
}
