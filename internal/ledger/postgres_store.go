package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/veloraapp/veloracoin/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL. Schema is managed by the
// goose migrations in migrations/.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	bal := &Balance{UserID: userID}

	err := p.db.QueryRowContext(ctx, `
		SELECT available, escrowed, total_in, total_out, updated_at
		FROM user_balances WHERE user_id = $1
	`, userID).Scan(&bal.Available, &bal.Escrowed, &bal.TotalIn, &bal.TotalOut, &bal.UpdatedAt)

	if err == sql.ErrNoRows {
		return &Balance{
			UserID:    userID,
			Available: "0.00",
			Escrowed:  "0.00",
			TotalIn:   "0.00",
			TotalOut:  "0.00",
			UpdatedAt: time.Now(),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return bal, nil
}

func (p *PostgresStore) HasAccount(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM user_balances WHERE user_id = $1)
	`, userID).Scan(&exists)
	return exists, err
}

// Grant credits available balance, creating the row if needed.
func (p *PostgresStore) Grant(ctx context.Context, userID, amount, reference, description string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO user_balances (user_id, available, total_in, updated_at)
		VALUES ($1, $2::NUMERIC(20,2), $2::NUMERIC(20,2), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			available  = user_balances.available + $2::NUMERIC(20,2),
			total_in   = user_balances.total_in  + $2::NUMERIC(20,2),
			updated_at = NOW()
	`, userID, amount)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}

	if err := insertEntry(ctx, tx, userID, EntryGrant, amount, reference, description); err != nil {
		return err
	}
	return tx.Commit()
}

// EscrowHold moves available → escrowed. The conditional UPDATE is the
// balance check and the debit in one statement; zero rows affected means
// either the account is missing or the funds are insufficient.
func (p *PostgresStore) EscrowHold(ctx context.Context, userID, amount, reference string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE user_balances SET
			available  = available - $2::NUMERIC(20,2),
			escrowed   = escrowed  + $2::NUMERIC(20,2),
			updated_at = NOW()
		WHERE user_id = $1 AND available >= $2::NUMERIC(20,2)
	`, userID, amount)
	if err != nil {
		return fmt.Errorf("failed to place escrow hold: %w", err)
	}

	if err := checkAffected(ctx, tx, result, userID); err != nil {
		return err
	}

	if err := insertEntry(ctx, tx, userID, EntryEscrowHold, amount, reference, "escrow_hold"); err != nil {
		return err
	}
	return tx.Commit()
}

// EscrowRelease moves the sender's escrowed coins to the recipient's
// available balance. Sender is always mutated first so concurrent releases
// touch the two rows in a consistent order.
func (p *PostgresStore) EscrowRelease(ctx context.Context, senderID, recipientID, amount, reference string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE user_balances SET
			escrowed   = escrowed  - $2::NUMERIC(20,2),
			total_out  = total_out + $2::NUMERIC(20,2),
			updated_at = NOW()
		WHERE user_id = $1 AND escrowed >= $2::NUMERIC(20,2)
	`, senderID, amount)
	if err != nil {
		return fmt.Errorf("failed to debit sender escrow: %w", err)
	}
	if err := checkAffected(ctx, tx, result, senderID); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO user_balances (user_id, available, total_in, updated_at)
		VALUES ($1, $2::NUMERIC(20,2), $2::NUMERIC(20,2), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			available  = user_balances.available + $2::NUMERIC(20,2),
			total_in   = user_balances.total_in  + $2::NUMERIC(20,2),
			updated_at = NOW()
	`, recipientID, amount)
	if err != nil {
		return fmt.Errorf("failed to credit recipient: %w", err)
	}

	if err := insertEntry(ctx, tx, senderID, EntryEscrowRelease, amount, reference, "escrow_released_to_recipient"); err != nil {
		return err
	}
	if err := insertEntry(ctx, tx, recipientID, EntryEscrowReceive, amount, reference, "escrow_payment_received"); err != nil {
		return err
	}
	return tx.Commit()
}

// EscrowRefund returns escrowed coins to available.
func (p *PostgresStore) EscrowRefund(ctx context.Context, userID, amount, reference, description string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE user_balances SET
			escrowed   = escrowed  - $2::NUMERIC(20,2),
			available  = available + $2::NUMERIC(20,2),
			updated_at = NOW()
		WHERE user_id = $1 AND escrowed >= $2::NUMERIC(20,2)
	`, userID, amount)
	if err != nil {
		return fmt.Errorf("failed to refund escrow: %w", err)
	}
	if err := checkAffected(ctx, tx, result, userID); err != nil {
		return err
	}

	if err := insertEntry(ctx, tx, userID, EntryEscrowRefund, amount, reference, description); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) GetHistory(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, type, amount, reference, description, created_at
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEntries(rows)
}

func (p *PostgresStore) EntriesByReference(ctx context.Context, reference string) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, type, amount, reference, description, created_at
		FROM ledger_entries
		WHERE reference = $1
		ORDER BY created_at ASC
	`, reference)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEntries(rows)
}

func (p *PostgresStore) SumBalances(ctx context.Context) (string, string, error) {
	var available, escrowed string
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(available), 0)::TEXT, COALESCE(SUM(escrowed), 0)::TEXT
		FROM user_balances
	`).Scan(&available, &escrowed)
	if err != nil {
		return "", "", err
	}
	return available, escrowed, nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, userID, entryType, amount, reference, description string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, user_id, type, amount, reference, description, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,2), $5, $6, NOW())
	`, idgen.WithPrefix("ent_"), userID, entryType, amount, nullString(reference), nullString(description))
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}
	return nil
}

// checkAffected distinguishes a missing account from an insufficient balance
// when a conditional UPDATE touched zero rows.
func checkAffected(ctx context.Context, tx *sql.Tx, result sql.Result, userID string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}
	var exists bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM user_balances WHERE user_id = $1)
	`, userID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrAccountNotFound
	}
	return ErrInsufficientBalance
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var reference, description sql.NullString
		if err := rows.Scan(&e.ID, &e.UserID, &e.Type, &e.Amount, &reference, &description, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Reference = reference.String
		e.Description = description.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
