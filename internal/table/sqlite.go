package table

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"tenant-ingest/internal/domain"
)

var _ domain.Table = (*SQLiteTable)(nil)

// SQLiteTable stores items in the migrated items table of a local SQLite
// file. A batch commits in one transaction, so it never partially rejects.
type SQLiteTable struct {
	write *sql.DB
	read  *sql.DB
}

// NewSQLiteTable wraps a write pool and a read pool on the same file.
func NewSQLiteTable(write, read *sql.DB) *SQLiteTable {
	return &SQLiteTable{write: write, read: read}
}

const upsertItem = `INSERT INTO items (table_name, partition_key, sort_key, attributes)
VALUES (?, ?, ?, ?)
ON CONFLICT (table_name, partition_key, sort_key)
DO UPDATE SET attributes = excluded.attributes, written_at = excluded.written_at`

// BatchPut implements domain.Table.
func (t *SQLiteTable) BatchPut(ctx context.Context, table string, items []domain.Item) (_ []domain.Item, err error) {
	if len(items) == 0 {
		return nil, nil
	}
	if len(items) > domain.MaxBatchItems {
		return nil, domain.ErrValidation("batch of %d items exceeds limit of %d", len(items), domain.MaxBatchItems)
	}

	tx, err := t.write.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, upsertItem)
	if err != nil {
		return nil, fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close() //nolint:errcheck

	for _, it := range items {
		attrs, err := json.Marshal(it.Attributes)
		if err != nil {
			return nil, fmt.Errorf("encode attributes: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, table, it.Key.PartitionKey, it.Key.SortKey, string(attrs)); err != nil {
			return nil, fmt.Errorf("upsert %s/%s: %w", it.Key.PartitionKey, it.Key.SortKey, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return nil, nil
}

// Query implements domain.Table.
func (t *SQLiteTable) Query(ctx context.Context, table, partitionKey string, limit int) ([]domain.Item, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := t.read.QueryContext(ctx,
		`SELECT sort_key, attributes FROM items
		 WHERE table_name = ? AND partition_key = ?
		 ORDER BY sort_key LIMIT ?`,
		table, partitionKey, limit)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close() //nolint:errcheck

	var items []domain.Item
	for rows.Next() {
		var sortKey, raw string
		if err := rows.Scan(&sortKey, &raw); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		var attrs map[string]string
		if err := json.Unmarshal([]byte(raw), &attrs); err != nil {
			return nil, fmt.Errorf("decode attributes: %w", err)
		}
		items = append(items, domain.Item{
			Key:        domain.StorageKey{PartitionKey: partitionKey, SortKey: sortKey},
			Attributes: attrs,
		})
	}
	return items, rows.Err()
}
