package ledger_test

import (
	"context"
	"errors"
	"testing"

	"github.com/veloraapp/veloracoin/internal/ledger"
	"github.com/veloraapp/veloracoin/internal/testutil"
)

func TestPostgresStore_EscrowCycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	l := ledger.New(ledger.NewPostgresStore(db))
	ctx := context.Background()

	if err := l.Grant(ctx, "alice", "100.00", "grant_pg_1", "test grant"); err != nil {
		t.Fatalf("Grant failed: %v", err)
	}
	if err := l.Grant(ctx, "bob", "1.00", "grant_pg_2", ""); err != nil {
		t.Fatalf("Grant failed: %v", err)
	}

	if err := l.EscrowHold(ctx, "alice", "40.00", "esc_pg_1"); err != nil {
		t.Fatalf("EscrowHold failed: %v", err)
	}

	bal, err := l.GetBalance(ctx, "alice")
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if bal.Available != "60.00" || bal.Escrowed != "40.00" {
		t.Errorf("after hold: available=%s escrowed=%s", bal.Available, bal.Escrowed)
	}

	if err := l.EscrowRelease(ctx, "alice", "bob", "40.00", "esc_pg_1"); err != nil {
		t.Fatalf("EscrowRelease failed: %v", err)
	}

	bobBal, _ := l.GetBalance(ctx, "bob")
	if bobBal.Available != "41.00" {
		t.Errorf("recipient available = %s, want 41.00", bobBal.Available)
	}

	// Conservation across the whole cycle.
	avail, escrowed, err := l.SumBalances(ctx)
	if err != nil {
		t.Fatalf("SumBalances failed: %v", err)
	}
	if avail != "101.00" || escrowed != "0.00" {
		t.Errorf("sum available=%s escrowed=%s", avail, escrowed)
	}

	entries, err := l.EntriesByReference(ctx, "esc_pg_1")
	if err != nil {
		t.Fatalf("EntriesByReference failed: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("expected hold+release+receive entries, got %d", len(entries))
	}
}

func TestPostgresStore_HoldErrors(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	l := ledger.New(ledger.NewPostgresStore(db))
	ctx := context.Background()

	if err := l.EscrowHold(ctx, "ghost", "10.00", "esc_pg_x"); !errors.Is(err, ledger.ErrAccountNotFound) {
		t.Errorf("hold on unknown account = %v, want ErrAccountNotFound", err)
	}

	if err := l.Grant(ctx, "carol", "5.00", "grant_pg_3", ""); err != nil {
		t.Fatal(err)
	}
	if err := l.EscrowHold(ctx, "carol", "10.00", "esc_pg_x"); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Errorf("overdraw = %v, want ErrInsufficientBalance", err)
	}

	// Failed holds leave no ledger entries behind.
	entries, _ := l.EntriesByReference(ctx, "esc_pg_x")
	if len(entries) != 0 {
		t.Errorf("failed holds must not write entries, got %d", len(entries))
	}
}
