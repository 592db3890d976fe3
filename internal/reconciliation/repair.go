package reconciliation

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// RepairRecord is one logged discrepancy awaiting operator review. Records
// are append-only. The runner never repairs anything itself, so it always
// writes AutoRepaired false with the action and timestamp unset; the fields
// exist so an operator tool closing a record can say what it did and when.
type RepairRecord struct {
	ID           string     `json:"id"`
	Check        string     `json:"check"`
	EscrowID     string     `json:"escrowId,omitempty"`
	Detail       string     `json:"detail"`
	AutoRepaired bool       `json:"autoRepaired"`
	RepairAction string     `json:"repairAction,omitempty"`
	RepairedAt   *time.Time `json:"repairedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// RepairStore persists the repair log.
type RepairStore interface {
	Record(ctx context.Context, rec *RepairRecord) error
	List(ctx context.Context, limit int) ([]*RepairRecord, error)
}

// MemoryRepairStore is an in-memory repair log for demo/development mode.
type MemoryRepairStore struct {
	records []*RepairRecord
	mu      sync.RWMutex
}

// NewMemoryRepairStore creates a new in-memory repair log.
func NewMemoryRepairStore() *MemoryRepairStore {
	return &MemoryRepairStore{}
}

func (m *MemoryRepairStore) Record(ctx context.Context, rec *RepairRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.records = append(m.records, &cp)
	return nil
}

func (m *MemoryRepairStore) List(ctx context.Context, limit int) ([]*RepairRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*RepairRecord
	// Newest first
	for i := len(m.records) - 1; i >= 0 && len(result) < limit; i-- {
		cp := *m.records[i]
		result = append(result, &cp)
	}
	return result, nil
}

// PostgresRepairStore persists the repair log in PostgreSQL.
type PostgresRepairStore struct {
	db *sql.DB
}

// NewPostgresRepairStore creates a new PostgreSQL-backed repair log.
func NewPostgresRepairStore(db *sql.DB) *PostgresRepairStore {
	return &PostgresRepairStore{db: db}
}

func (p *PostgresRepairStore) Record(ctx context.Context, rec *RepairRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO repair_log (id, check_name, escrow_id, detail, auto_repaired, repair_action, repaired_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.Check, nullIfEmpty(rec.EscrowID), rec.Detail,
		rec.AutoRepaired, nullIfEmpty(rec.RepairAction), rec.RepairedAt, rec.CreatedAt,
	)
	return err
}

func (p *PostgresRepairStore) List(ctx context.Context, limit int) ([]*RepairRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, check_name, escrow_id, detail, auto_repaired, repair_action, repaired_at, created_at
		FROM repair_log
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*RepairRecord
	for rows.Next() {
		rec := &RepairRecord{}
		var escrowID, action sql.NullString
		var repairedAt sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.Check, &escrowID, &rec.Detail,
			&rec.AutoRepaired, &action, &repairedAt, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.EscrowID = escrowID.String
		rec.RepairAction = action.String
		if repairedAt.Valid {
			t := repairedAt.Time
			rec.RepairedAt = &t
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var (
	_ RepairStore = (*MemoryRepairStore)(nil)
	_ RepairStore = (*PostgresRepairStore)(nil)
)
