package persistence

import (
	"VaultLedger/internal/event"
	"VaultLedger/internal/state"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// GetSnapshot loads the vault status document at block.
func (s *PostgresStore) GetSnapshot(ctx context.Context, vault string, block uint64) (state.RawSnapshot, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT document
		FROM vault_ledger.snapshots
		WHERE vault = $1 AND block_number = $2
	`, vault, int64(block)).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return state.RawSnapshot{}, fmt.Errorf("vault %s block %d: %w", vault, block, state.ErrSnapshotNotFound)
	}
	if err != nil {
		return state.RawSnapshot{}, fmt.Errorf("query snapshot: %w", err)
	}

	return decodeSnapshot(doc)
}

// GetRecentSnapshots returns up to limit snapshots, newest first.
func (s *PostgresStore) GetRecentSnapshots(ctx context.Context, vault string, limit int) ([]state.RawSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document
		FROM vault_ledger.snapshots
		WHERE vault = $1
		ORDER BY block_number DESC
		LIMIT $2
	`, vault, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent snapshots: %w", err)
	}
	defer rows.Close()

	var out []state.RawSnapshot
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snap, err := decodeSnapshot(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// SaveSnapshot stores a status document, replacing any previous document
// for the same vault and block.
func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap state.RawSnapshot) error {
	doc, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO vault_ledger.snapshots (vault, block_number, timestamp, document)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (vault, block_number) DO UPDATE
		SET timestamp = EXCLUDED.timestamp, document = EXCLUDED.document
	`, event.NormalizeAddress(snap.Address), int64(snap.Block), snap.Timestamp, doc)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func decodeSnapshot(doc []byte) (state.RawSnapshot, error) {
	var snap state.RawSnapshot
	if err := json.Unmarshal(doc, &snap); err != nil {
		return state.RawSnapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}
