package escrow_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/veloraapp/veloracoin/internal/escrow"
	"github.com/veloraapp/veloracoin/internal/testutil"
)

func pgEscrow(id string, status escrow.Status) *escrow.Escrow {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &escrow.Escrow{
		ID:               id,
		SenderID:         "alice",
		RecipientID:      "bob",
		Amount:           "10.00",
		Status:           status,
		ReleaseCondition: "proof_verified",
		CreatedAt:        now,
		UpdatedAt:        now,
		ExpiresAt:        now.Add(time.Hour),
		HoldUntil:        now.Add(30 * time.Minute),
	}
}

func TestPostgresStore_CreateGetUpdate(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := escrow.NewPostgresStore(db)
	ctx := context.Background()

	e := pgEscrow("esc_pg_1", escrow.StatusPending)
	if err := store.Create(ctx, e); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "esc_pg_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.SenderID != "alice" || got.Amount != "10.00" || got.Status != escrow.StatusPending {
		t.Errorf("round trip mismatch: %+v", got)
	}

	now := time.Now().UTC()
	got.Status = escrow.StatusReleased
	got.VerifierID = "mod_1"
	got.ReleasedAt = &now
	got.UpdatedAt = now
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	updated, _ := store.Get(ctx, "esc_pg_1")
	if updated.Status != escrow.StatusReleased || updated.VerifierID != "mod_1" {
		t.Errorf("update not persisted: %+v", updated)
	}
	if updated.ReleasedAt == nil {
		t.Error("releasedAt not persisted")
	}

	if _, err := store.Get(ctx, "esc_absent"); !errors.Is(err, escrow.ErrEscrowNotFound) {
		t.Errorf("missing escrow Get = %v, want ErrEscrowNotFound", err)
	}
	if err := store.Update(ctx, pgEscrow("esc_absent", escrow.StatusPending)); !errors.Is(err, escrow.ErrEscrowNotFound) {
		t.Errorf("missing escrow Update = %v, want ErrEscrowNotFound", err)
	}
}

func TestPostgresStore_SweepQueries(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := escrow.NewPostgresStore(db)
	ctx := context.Background()

	expired := pgEscrow("esc_pg_expired", escrow.StatusPending)
	expired.ExpiresAt = time.Now().UTC().Add(-time.Hour)
	fresh := pgEscrow("esc_pg_fresh", escrow.StatusPending)
	stuckAt := time.Now().UTC().Add(-time.Hour)
	stuck := pgEscrow("esc_pg_stuck", escrow.StatusProcessing)
	stuck.ProcessingAt = &stuckAt
	done := pgEscrow("esc_pg_done", escrow.StatusReleased)

	for _, e := range []*escrow.Escrow{expired, fresh, stuck, done} {
		if err := store.Create(ctx, e); err != nil {
			t.Fatalf("Create %s failed: %v", e.ID, err)
		}
	}

	got, err := store.ListExpired(ctx, []escrow.Status{escrow.StatusPending}, time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("ListExpired failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "esc_pg_expired" {
		t.Errorf("unexpected expired set: %+v", got)
	}

	got, err = store.ListStuckProcessing(ctx, time.Now().UTC().Add(-5*time.Minute), 10)
	if err != nil {
		t.Fatalf("ListStuckProcessing failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "esc_pg_stuck" {
		t.Errorf("unexpected stuck set: %+v", got)
	}

	open, err := store.ListOpen(ctx, 10)
	if err != nil {
		t.Fatalf("ListOpen failed: %v", err)
	}
	if len(open) != 3 {
		t.Errorf("expected 3 open escrows, got %d", len(open))
	}

	byUser, err := store.ListByUser(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("ListByUser failed: %v", err)
	}
	if len(byUser) != 4 {
		t.Errorf("expected 4 escrows for alice, got %d", len(byUser))
	}
}
