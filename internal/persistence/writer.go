package persistence

import (
	"VaultLedger/internal/core"
	"VaultLedger/internal/event"
	"VaultLedger/internal/ledger"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lib/pq"
)

// CommitOperation writes the entries of one operation and its processed
// marker in a single transaction, retrying transient failures with
// exponential backoff. Re-committing the same operation is a no-op.
func (s *PostgresStore) CommitOperation(ctx context.Context, c core.Commit) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = s.commitTimeout

	var attempt int
	operation := func() error {
		err := s.commit(ctx, c)
		if err != nil && !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		attempt++
		s.logger.Warn().
			Err(err).
			Str("vault", c.Vault).
			Str("op_id", c.OpID).
			Int("attempt", attempt).
			Dur("next_retry_in", next).
			Msg("commit failed, retrying")
		if s.metrics != nil {
			s.metrics.PersistRetry.Inc()
		}
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify); err != nil {
		if s.metrics != nil {
			s.metrics.PersistErrors.WithLabelValues("commit").Inc()
		}
		return fmt.Errorf("commit %s after %d retries: %w", c.OpID, attempt, err)
	}
	if attempt > 0 {
		s.logger.Info().Str("op_id", c.OpID).Int("retries", attempt).Msg("commit succeeded after retries")
	}
	return nil
}

func (s *PostgresStore) commit(ctx context.Context, c core.Commit) error {
	start := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if len(c.Entries) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO vault_ledger.entries
				(vault, account, block_number, log_index, topic, op_id, timestamp, shares_qty, entry)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (vault, account, block_number, log_index) DO NOTHING
		`)
		if err != nil {
			return fmt.Errorf("prepare entry insert: %w", err)
		}
		defer stmt.Close()

		for _, e := range c.Entries {
			doc := ledger.EntryBytes(e)
			if _, err := stmt.ExecContext(ctx,
				e.Vault, e.Account, int64(e.Block), int64(e.LogIndex), e.Topic.String(),
				c.OpID, e.Timestamp, e.SharesQty.String(), doc,
			); err != nil {
				return fmt.Errorf("insert entry %s/%s: %w", e.Account, c.OpID, err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO vault_ledger.processed_operations (vault, op_id, topic, block_number, log_index, entries)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (vault, op_id) DO NOTHING
	`, c.Vault, c.OpID, c.Topic.String(), int64(c.Ref.Block), int64(c.Ref.LogIndex), len(c.Entries)); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	if s.metrics != nil {
		s.metrics.CommitDur.Observe(time.Since(start).Seconds())
	}
	return nil
}

// isTransient reports whether a failed commit may succeed on retry.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "40", "53", "57": // connection, rollback, resources, operator intervention
			return true
		}
		return false
	}
	// Driver-level failures (broken connections) carry no SQLSTATE.
	return true
}

// --- Entry reads ---

// GetLatestEntry returns the account's entry strictly before ref.
func (s *PostgresStore) GetLatestEntry(ctx context.Context, vault, account string, before event.Ref) (*ledger.AccountStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry
		FROM vault_ledger.entries
		WHERE vault = $1 AND account = $2 AND (block_number, log_index) < ($3, $4)
		ORDER BY block_number DESC, log_index DESC
		LIMIT 1
	`, vault, account, int64(before.Block), int64(before.LogIndex))
	if err != nil {
		return nil, fmt.Errorf("query latest entry: %w", err)
	}
	entries, err := scanEntries(rows)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return entries[0], nil
}

// GetAllEntriesAt returns every account's latest entry strictly before
// ref, ordered by account.
func (s *PostgresStore) GetAllEntriesAt(ctx context.Context, vault string, before event.Ref) ([]*ledger.AccountStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (account) entry
		FROM vault_ledger.entries
		WHERE vault = $1 AND (block_number, log_index) < ($2, $3)
		ORDER BY account, block_number DESC, log_index DESC
	`, vault, int64(before.Block), int64(before.LogIndex))
	if err != nil {
		return nil, fmt.Errorf("query entries at %d/%d: %w", before.Block, before.LogIndex, err)
	}
	return scanEntries(rows)
}

// GetDistinctProcessedBlocks returns the blocks holding ledger entries.
func (s *PostgresStore) GetDistinctProcessedBlocks(ctx context.Context, vault string) ([]uint64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT block_number
		FROM vault_ledger.entries
		WHERE vault = $1
		ORDER BY block_number
	`, vault)
	if err != nil {
		return nil, fmt.Errorf("query processed blocks: %w", err)
	}
	defer rows.Close()

	var blocks []uint64
	for rows.Next() {
		var b int64
		if err := rows.Scan(&b); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		blocks = append(blocks, uint64(b))
	}
	return blocks, rows.Err()
}

// GetEntries returns the vault's full ledger in (block, logIndex, account)
// order.
func (s *PostgresStore) GetEntries(ctx context.Context, vault string) ([]*ledger.AccountStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry
		FROM vault_ledger.entries
		WHERE vault = $1
		ORDER BY block_number, log_index, account
	`, vault)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	return scanEntries(rows)
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

func scanEntries(rows rowScanner) ([]*ledger.AccountStatus, error) {
	defer rows.Close()

	var out []*ledger.AccountStatus
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		var e ledger.AccountStatus
		if err := json.Unmarshal(doc, &e); err != nil {
			return nil, fmt.Errorf("decode entry: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
