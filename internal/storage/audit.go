package storage

import (
	"context"
	"fmt"

	"github.com/realisonsdotcom/execution-core/internal/audit"
)

func (s *Store) InsertAuditEntry(ctx context.Context, entry audit.Entry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_entries (id, order_id, account_id, broker_id, event, actor, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, entry.ID, entry.OrderID, entry.AccountID, entry.BrokerID, entry.Event, entry.Actor, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditEntries(ctx context.Context, filter audit.Filter) ([]audit.Entry, error) {
	query := `
		SELECT id, order_id, account_id, broker_id, event, actor, detail, created_at
		FROM audit_entries
		WHERE 1=1
	`
	args := []any{}
	idx := 1
	if filter.OrderID != "" {
		query += fmt.Sprintf(" AND order_id = $%d", idx)
		args = append(args, filter.OrderID)
		idx++
	}
	if filter.AccountID != "" {
		query += fmt.Sprintf(" AND account_id = $%d", idx)
		args = append(args, filter.AccountID)
		idx++
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", idx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		var e audit.Entry
		if err := rows.Scan(&e.ID, &e.OrderID, &e.AccountID, &e.BrokerID, &e.Event, &e.Actor, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
