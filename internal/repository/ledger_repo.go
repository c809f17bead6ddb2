package repository

import (
	"context"
	"database/sql"
	"fmt"

	"aeroledger-engine/internal/domain"

	"go.uber.org/zap"
)

// LedgerRepository 账本条目的 PostgreSQL 后端（实现 ledger.Backend）
// 对应 ledger_entries 表：
//
//	CREATE TABLE ledger_entries (
//	    seq        BIGINT PRIMARY KEY,
//	    prev_hash  TEXT NOT NULL,
//	    hash       TEXT NOT NULL,
//	    kind       TEXT NOT NULL,
//	    device_id  TEXT NOT NULL,
//	    payload    JSONB NOT NULL,
//	    ts         TIMESTAMPTZ NOT NULL
//	);
type LedgerRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewLedgerRepository 创建账本仓库
func NewLedgerRepository(db *sql.DB, logger *zap.Logger) *LedgerRepository {
	return &LedgerRepository{
		db:     db,
		logger: logger,
	}
}

// AppendEntry 追加一条账本条目（绝不更新既有行）
func (r *LedgerRepository) AppendEntry(ctx context.Context, entry domain.LedgerEntry) error {
	query := `
		INSERT INTO ledger_entries (seq, prev_hash, hash, kind, device_id, payload, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.ExecContext(ctx, query,
		int64(entry.Seq),
		entry.PrevHash,
		entry.Hash,
		string(entry.Kind),
		entry.DeviceID,
		[]byte(entry.Payload),
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return nil
}

// ReadRange 按序号区间读取账本条目（升序）
func (r *LedgerRepository) ReadRange(ctx context.Context, from, to uint64) ([]domain.LedgerEntry, error) {
	query := `
		SELECT seq, prev_hash, hash, kind, device_id, payload, ts
		FROM ledger_entries
		WHERE seq >= $1 AND seq <= $2
		ORDER BY seq ASC
	`

	rows, err := r.db.QueryContext(ctx, query, int64(from), int64(to))
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger range: %w", err)
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ledger rows: %w", err)
	}
	return entries, nil
}

// ReadByDevice 按设备读取最近的账本条目（新到旧）
func (r *LedgerRepository) ReadByDevice(ctx context.Context, deviceID string, limit int) ([]domain.LedgerEntry, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("device_id is required")
	}

	query := `
		SELECT seq, prev_hash, hash, kind, device_id, payload, ts
		FROM ledger_entries
		WHERE device_id = $1
		ORDER BY seq DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger by device: %w", err)
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ledger rows: %w", err)
	}
	return entries, nil
}

// LastEntry 读取序号最大的条目；空账本返回 nil
func (r *LedgerRepository) LastEntry(ctx context.Context) (*domain.LedgerEntry, error) {
	query := `
		SELECT seq, prev_hash, hash, kind, device_id, payload, ts
		FROM ledger_entries
		ORDER BY seq DESC
		LIMIT 1
	`

	row := r.db.QueryRowContext(ctx, query)
	entry, err := scanEntry(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

// scanner 兼容 *sql.Row 和 *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (domain.LedgerEntry, error) {
	var (
		entry   domain.LedgerEntry
		seq     int64
		kind    string
		payload []byte
	)
	if err := s.Scan(&seq, &entry.PrevHash, &entry.Hash, &kind, &entry.DeviceID, &payload, &entry.Timestamp); err != nil {
		if err == sql.ErrNoRows {
			return domain.LedgerEntry{}, err
		}
		return domain.LedgerEntry{}, fmt.Errorf("failed to scan ledger entry: %w", err)
	}
	entry.Seq = uint64(seq)
	entry.Kind = domain.EventKind(kind)
	entry.Payload = payload
	return entry, nil
}
