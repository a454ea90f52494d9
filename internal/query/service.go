package query

import (
	"VaultLedger/internal/core"
	"VaultLedger/internal/event"
	"VaultLedger/internal/ledger"
	"VaultLedger/internal/state"
	"context"
	"errors"
	"fmt"
	stdmath "math"
)

// ErrNotFound is returned when an account has no entry at or before the
// requested block.
var ErrNotFound = errors.New("no ledger entry")

// Latest as a block selects the newest entry.
const Latest uint64 = 0

// QueryService answers point-in-time questions from the ledger. All reads
// are resolved by the latest entry at or before the end of a block, so a
// report injected at that block is included.
type QueryService struct {
	ledger    core.LedgerReader
	snapshots core.SnapshotReader
}

func NewQueryService(ledgerReader core.LedgerReader, snapshots core.SnapshotReader) *QueryService {
	return &QueryService{ledger: ledgerReader, snapshots: snapshots}
}

// endOf returns the first position after block.
func endOf(block uint64) event.Ref {
	// Positions are stored as signed 64-bit integers.
	if block == Latest || block >= stdmath.MaxInt64 {
		return event.Ref{Block: stdmath.MaxInt64}
	}
	return event.Ref{Block: block + 1}
}

// AccountAt returns the account's status as of block.
func (qs *QueryService) AccountAt(ctx context.Context, vault, account string, block uint64) (*AccountResponse, error) {
	vault, account = event.NormalizeAddress(vault), event.NormalizeAddress(account)

	e, err := qs.ledger.GetLatestEntry(ctx, vault, account, endOf(block))
	if err != nil {
		return nil, fmt.Errorf("account %s at %d: %w", account, block, err)
	}
	if e == nil {
		return nil, fmt.Errorf("account %s in %s at block %d: %w", account, vault, block, ErrNotFound)
	}

	return &AccountResponse{Vault: vault, Account: account, AsOf: block, Entry: e}, nil
}

// HoldersAt returns every account holding shares as of block, ordered by
// account address.
func (qs *QueryService) HoldersAt(ctx context.Context, vault string, block uint64) (*VaultResponse, error) {
	vault = event.NormalizeAddress(vault)

	all, err := qs.ledger.GetAllEntriesAt(ctx, vault, endOf(block))
	if err != nil {
		return nil, fmt.Errorf("holders of %s at %d: %w", vault, block, err)
	}

	resp := &VaultResponse{
		Vault:   vault,
		AsOf:    block,
		Holders: make([]*ledger.AccountStatus, 0, len(all)),
	}
	for _, e := range all {
		if !e.HasShares() {
			continue
		}
		resp.Holders = append(resp.Holders, e)
		resp.TotalShares = resp.TotalShares.Add(e.SharesQty)
		resp.TotalInvestmentUSD = resp.TotalInvestmentUSD.Add(e.InvestmentUSD)
		resp.TotalUnderlyingUSD = resp.TotalUnderlyingUSD.Add(e.UnderlyingUSD)
		resp.TotalFeesCollectedUSD = resp.TotalFeesCollectedUSD.Add(e.FeesCollectedUSD)
	}
	return resp, nil
}

// VerifyIntegrity checks share conservation at a snapshot block.
func (qs *QueryService) VerifyIntegrity(ctx context.Context, vault string, block uint64) (*IntegrityReport, error) {
	vault = event.NormalizeAddress(vault)

	raw, err := qs.snapshots.GetSnapshot(ctx, vault, block)
	if err != nil {
		return nil, err
	}
	snap, err := state.Normalize(raw)
	if err != nil {
		return nil, err
	}

	entries, err := qs.ledger.GetAllEntriesAt(ctx, vault, endOf(block))
	if err != nil {
		return nil, fmt.Errorf("entries of %s at %d: %w", vault, block, err)
	}

	rep := ledger.CheckConservation(entries, snap.TotalSupply)
	return &IntegrityReport{
		Vault:        vault,
		Block:        block,
		LedgerShares: rep.LedgerShares,
		TotalSupply:  rep.TotalSupply,
		Deviation:    rep.Deviation,
		IsHealthy:    rep.OK,
	}, nil
}
