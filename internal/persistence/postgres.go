package persistence

import (
	"VaultLedger/internal/core"
	"VaultLedger/internal/event"
	"VaultLedger/internal/observability"
	"VaultLedger/internal/state"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// PostgresStore is the Postgres implementation of core.Store,
// state.PriceSource and state.QuoteSource. All tables live in the vault_ledger schema.
type PostgresStore struct {
	db      *sql.DB
	logger  zerolog.Logger
	metrics *observability.Metrics

	// Upper bound on retrying one commit.
	commitTimeout time.Duration
}

var (
	_ core.Store        = (*PostgresStore)(nil)
	_ state.QuoteSource = (*PostgresStore)(nil)
)

func NewPostgresStore(db *sql.DB, logger zerolog.Logger, metrics *observability.Metrics) *PostgresStore {
	return &PostgresStore{
		db:            db,
		logger:        logger,
		metrics:       metrics,
		commitTimeout: 2 * time.Minute,
	}
}

// SetCommitTimeout bounds how long one commit is retried.
func (s *PostgresStore) SetCommitTimeout(d time.Duration) {
	if d > 0 {
		s.commitTimeout = d
	}
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string, maxOpenConns int) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxOpenConns)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// DB returns the underlying handle.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping reports whether the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- Operations ---

// GetOperations returns the vault's operations outside notInBlocks in
// (block, logIndex) order.
func (s *PostgresStore) GetOperations(ctx context.Context, vault string, notInBlocks []uint64) ([]event.RawOperation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document
		FROM vault_ledger.operations
		WHERE vault = $1 AND NOT (block_number = ANY($2))
		ORDER BY block_number, log_index, id
	`, vault, pq.Array(toInt64s(notInBlocks)))
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()

	var ops []event.RawOperation
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		raw, err := event.UnmarshalRawOperation(doc)
		if err != nil {
			return nil, err
		}
		ops = append(ops, raw)
	}
	return ops, rows.Err()
}

// SaveOperations upserts operation documents. Existing ids are left
// untouched.
func (s *PostgresStore) SaveOperations(ctx context.Context, ops []event.RawOperation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO vault_ledger.operations (id, vault, block_number, log_index, topic, document)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (vault, id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("prepare operation insert: %w", err)
	}
	defer stmt.Close()

	for _, op := range ops {
		doc, err := json.Marshal(op)
		if err != nil {
			return fmt.Errorf("marshal operation %s: %w", op.ID, err)
		}
		vault := event.NormalizeAddress(op.Address)
		if _, err := stmt.ExecContext(ctx, op.ID, vault, int64(op.BlockNumber), int64(op.LogIndex), op.Topic, doc); err != nil {
			return fmt.Errorf("insert operation %s: %w", op.ID, err)
		}
	}
	return tx.Commit()
}

func toInt64s(v []uint64) []int64 {
	out := make([]int64, len(v))
	for i, b := range v {
		out[i] = int64(b)
	}
	return out
}
