package idempotency

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists idempotency key records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed idempotency store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	rec := &Record{}
	var escrowID, errMsg sql.NullString
	var snapshot []byte

	err := p.db.QueryRowContext(ctx, `
		SELECT key, operation_type, escrow_id, success, error, response_snapshot, created_at, expires_at
		FROM idempotency_keys
		WHERE key = $1 AND expires_at > NOW()
	`, key).Scan(&rec.Key, &rec.OperationType, &escrowID, &rec.Success, &errMsg, &snapshot, &rec.CreatedAt, &rec.ExpiresAt)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rec.EscrowID = escrowID.String
	rec.Error = errMsg.String
	rec.ResponseSnapshot = snapshot
	return rec, nil
}

func (p *PostgresStore) Put(ctx context.Context, rec *Record) error {
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, operation_type, escrow_id, success, error, response_snapshot, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (key) DO NOTHING
	`, rec.Key, rec.OperationType, nullString(rec.EscrowID), rec.Success, nullString(rec.Error),
		[]byte(rec.ResponseSnapshot), rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrKeyExists
	}
	return nil
}

func (p *PostgresStore) Reserve(ctx context.Context, rec *Record) error {
	// The conditional upsert claims the key when it is absent, expired, or
	// holds a failed outcome; a successful or in-flight row wins the conflict
	// and no rows are touched.
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, operation_type, escrow_id, success, error, response_snapshot, created_at, expires_at)
		VALUES ($1, $2, $3, FALSE, NULL, NULL, $4, $5)
		ON CONFLICT (key) DO UPDATE SET
			operation_type    = EXCLUDED.operation_type,
			escrow_id         = NULL,
			success           = FALSE,
			error             = NULL,
			response_snapshot = NULL,
			created_at        = EXCLUDED.created_at,
			expires_at        = EXCLUDED.expires_at
		WHERE idempotency_keys.expires_at <= NOW()
		   OR (NOT idempotency_keys.success AND idempotency_keys.error IS NOT NULL)
	`, rec.Key, rec.OperationType, nullString(rec.EscrowID), rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrKeyExists
	}
	return nil
}

func (p *PostgresStore) Update(ctx context.Context, rec *Record) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET escrow_id = $2, success = $3, error = $4, response_snapshot = $5, expires_at = $6
		WHERE key = $1
	`, rec.Key, nullString(rec.EscrowID), rec.Success, nullString(rec.Error),
		[]byte(rec.ResponseSnapshot), rec.ExpiresAt)
	return err
}

func (p *PostgresStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	result, err := p.db.ExecContext(ctx, `
		DELETE FROM idempotency_keys WHERE expires_at <= $1
	`, now)
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	return int(rows), err
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
