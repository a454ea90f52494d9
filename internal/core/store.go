package core

import (
	"VaultLedger/internal/event"
	"VaultLedger/internal/ledger"
	"VaultLedger/internal/state"
	"context"
)

// OperationReader fetches the vault's operation log.
type OperationReader interface {
	// GetOperations returns the vault's operations whose block is not in
	// notInBlocks, ordered by (blockNumber, logIndex).
	GetOperations(ctx context.Context, vault string, notInBlocks []uint64) ([]event.RawOperation, error)
}

// SnapshotReader fetches point-in-time vault status documents.
type SnapshotReader interface {
	// GetSnapshot returns state.ErrSnapshotNotFound when none exists.
	GetSnapshot(ctx context.Context, vault string, block uint64) (state.RawSnapshot, error)

	// GetRecentSnapshots returns up to limit snapshots, newest first.
	GetRecentSnapshots(ctx context.Context, vault string, limit int) ([]state.RawSnapshot, error)
}

// LedgerReader resolves ledger entries at a position.
type LedgerReader interface {
	// GetLatestEntry returns the account's most recent entry strictly
	// before ref, or nil when there is none.
	GetLatestEntry(ctx context.Context, vault, account string, before event.Ref) (*ledger.AccountStatus, error)

	// GetAllEntriesAt returns the latest entry strictly before ref of every
	// account in the vault.
	GetAllEntriesAt(ctx context.Context, vault string, before event.Ref) ([]*ledger.AccountStatus, error)

	// GetDistinctProcessedBlocks returns the blocks holding ledger entries.
	GetDistinctProcessedBlocks(ctx context.Context, vault string) ([]uint64, error)
}

// DBIdempotencyChecker is the durable tier of operation deduplication.
type DBIdempotencyChecker interface {
	IsProcessed(ctx context.Context, vault, opID string) (bool, error)

	// RecentProcessedIDs returns up to limit most recently processed ids,
	// used to warm the in-memory tier.
	RecentProcessedIDs(ctx context.Context, vault string, limit int) ([]string, error)
}

// Commit is the persisted effect of one operation.
type Commit struct {
	Vault   string
	OpID    string
	Topic   event.Topic
	Ref     event.Ref
	Entries []*ledger.AccountStatus
}

// LedgerWriter persists the effect of one operation.
type LedgerWriter interface {
	// CommitOperation appends every entry of c and marks c.OpID processed
	// in one transaction. Either all of it is visible or none.
	CommitOperation(ctx context.Context, c Commit) error
}

// Store is everything the replay driver needs from persistence.
type Store interface {
	OperationReader
	SnapshotReader
	LedgerReader
	LedgerWriter
	DBIdempotencyChecker
}

// EntrySink receives committed entries, e.g. to publish them downstream.
// Failures are logged by the driver and never fail a replay.
type EntrySink interface {
	PublishEntries(ctx context.Context, c Commit) error
}
