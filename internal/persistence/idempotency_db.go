package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// dedupLookupTimeout bounds a single processed-id lookup.
const dedupLookupTimeout = 500 * time.Millisecond

// IsProcessed reports whether the operation's effects are committed.
func (s *PostgresStore) IsProcessed(ctx context.Context, vault, opID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, dedupLookupTimeout)
	defer cancel()

	var exists int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1
		FROM vault_ledger.processed_operations
		WHERE vault = $1 AND op_id = $2
		LIMIT 1
	`, vault, opID).Scan(&exists)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecentProcessedIDs returns the vault's latest processed ids by chain
// position.
func (s *PostgresStore) RecentProcessedIDs(ctx context.Context, vault string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT op_id
		FROM vault_ledger.processed_operations
		WHERE vault = $1
		ORDER BY block_number DESC, log_index DESC
		LIMIT $2
	`, vault, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
