package escrow

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists escrow records in PostgreSQL. Schema is managed by
// the goose migrations in migrations/.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `id, sender_id, recipient_id, amount, status,
		       release_condition, moment_ref, verifier_id,
		       refund_reason, dispute_reason,
		       created_at, updated_at, expires_at, hold_until,
		       released_at, refunded_at, processing_at`

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, sender_id, recipient_id, amount, status,
			release_condition, moment_ref, verifier_id,
			refund_reason, dispute_reason,
			created_at, updated_at, expires_at, hold_until,
			released_at, refunded_at, processing_at
		) VALUES (
			$1, $2, $3, $4::NUMERIC(20,2), $5,
			$6, $7, $8,
			$9, $10,
			$11, $12, $13, $14,
			$15, $16, $17
		)`,
		e.ID, e.SenderID, e.RecipientID, e.Amount, string(e.Status),
		nullString(e.ReleaseCondition), nullString(e.MomentRef), nullString(e.VerifierID),
		nullString(e.RefundReason), nullString(e.DisputeReason),
		e.CreatedAt, e.UpdatedAt, e.ExpiresAt, e.HoldUntil,
		nullTime(e.ReleasedAt), nullTime(e.RefundedAt), nullTime(e.ProcessingAt),
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			status = $1, verifier_id = $2, refund_reason = $3,
			dispute_reason = $4, updated_at = $5,
			released_at = $6, refunded_at = $7, processing_at = $8
		WHERE id = $9`,
		string(e.Status), nullString(e.VerifierID), nullString(e.RefundReason),
		nullString(e.DisputeReason), e.UpdatedAt,
		nullTime(e.ReleasedAt), nullTime(e.RefundedAt), nullTime(e.ProcessingAt),
		e.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE sender_id = $1 OR recipient_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListExpired(ctx context.Context, statuses []Status, before time.Time, limit int) ([]*Escrow, error) {
	states := make([]string, len(statuses))
	for i, st := range statuses {
		states[i] = string(st)
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = ANY($1)
		  AND expires_at < $2
		LIMIT $3`, pq.Array(states), before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListStuckProcessing(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = 'processing'
		  AND processing_at < $1
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListOpen(ctx context.Context, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status IN ('pending', 'processing', 'disputed')
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		status           string
		releaseCondition sql.NullString
		momentRef        sql.NullString
		verifierID       sql.NullString
		refundReason     sql.NullString
		disputeReason    sql.NullString
		releasedAt       sql.NullTime
		refundedAt       sql.NullTime
		processingAt     sql.NullTime
	)

	err := s.Scan(
		&e.ID, &e.SenderID, &e.RecipientID, &e.Amount, &status,
		&releaseCondition, &momentRef, &verifierID,
		&refundReason, &disputeReason,
		&e.CreatedAt, &e.UpdatedAt, &e.ExpiresAt, &e.HoldUntil,
		&releasedAt, &refundedAt, &processingAt,
	)
	if err != nil {
		return nil, err
	}

	e.Status = Status(status)
	e.ReleaseCondition = releaseCondition.String
	e.MomentRef = momentRef.String
	e.VerifierID = verifierID.String
	e.RefundReason = refundReason.String
	e.DisputeReason = disputeReason.String
	if releasedAt.Valid {
		e.ReleasedAt = &releasedAt.Time
	}
	if refundedAt.Valid {
		e.RefundedAt = &refundedAt.Time
	}
	if processingAt.Valid {
		e.ProcessingAt = &processingAt.Time
	}

	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
