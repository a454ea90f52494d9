package persistence

import (
	"VaultLedger/internal/core"
	"VaultLedger/internal/event"
	"VaultLedger/internal/ledger"
	"VaultLedger/internal/state"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-process core.Store and state.PriceSource. It backs
// tests and one-shot replays that do not need durable output.
type MemoryStore struct {
	mu sync.RWMutex

	ops       map[string][]event.RawOperation  // vault -> operations
	opIDs     map[string]map[string]struct{}   // vault -> id set
	snapshots map[string]map[uint64]state.RawSnapshot
	prices    map[string][]pricePoint          // network:token -> ascending by block
	entries   *ledger.EntryIndex
	processed map[string]map[string]event.Ref // vault -> op id -> position
}

type pricePoint struct {
	block uint64
	price decimal.Decimal
}

var (
	_ core.Store        = (*MemoryStore)(nil)
	_ state.PriceSource = (*MemoryStore)(nil)
	_ state.QuoteSource = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ops:       make(map[string][]event.RawOperation),
		opIDs:     make(map[string]map[string]struct{}),
		snapshots: make(map[string]map[uint64]state.RawSnapshot),
		prices:    make(map[string][]pricePoint),
		entries:   ledger.NewEntryIndex(),
		processed: make(map[string]map[string]event.Ref),
	}
}

// --- Seeding ---

// SaveOperations adds operation documents. Ids already stored for the
// vault are ignored.
func (m *MemoryStore) SaveOperations(_ context.Context, ops []event.RawOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, op := range ops {
		vault := event.NormalizeAddress(op.Address)
		ids, ok := m.opIDs[vault]
		if !ok {
			ids = make(map[string]struct{})
			m.opIDs[vault] = ids
		}
		if _, dup := ids[op.ID]; dup {
			continue
		}
		ids[op.ID] = struct{}{}
		m.ops[vault] = append(m.ops[vault], op)
	}
	return nil
}

// SaveSnapshot stores a status document, replacing any previous one for
// the same vault and block.
func (m *MemoryStore) SaveSnapshot(_ context.Context, snap state.RawSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	vault := event.NormalizeAddress(snap.Address)
	byBlock, ok := m.snapshots[vault]
	if !ok {
		byBlock = make(map[uint64]state.RawSnapshot)
		m.snapshots[vault] = byBlock
	}
	byBlock[snap.Block] = snap
	return nil
}

// SavePrice records a token price.
func (m *MemoryStore) SavePrice(_ context.Context, network string, block uint64, token string, price decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := priceKey(network, token)
	points := m.prices[key]
	i := sort.Search(len(points), func(i int) bool { return points[i].block >= block })
	if i < len(points) && points[i].block == block {
		points[i].price = price
		return nil
	}
	points = append(points, pricePoint{})
	copy(points[i+1:], points[i:])
	points[i] = pricePoint{block: block, price: price}
	m.prices[key] = points
	return nil
}

// --- core.OperationReader ---

func (m *MemoryStore) GetOperations(_ context.Context, vault string, notInBlocks []uint64) ([]event.RawOperation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	skip := make(map[uint64]struct{}, len(notInBlocks))
	for _, b := range notInBlocks {
		skip[b] = struct{}{}
	}

	var out []event.RawOperation
	for _, op := range m.ops[vault] {
		if _, ok := skip[op.BlockNumber]; ok {
			continue
		}
		out = append(out, op)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		if out[i].LogIndex != out[j].LogIndex {
			return out[i].LogIndex < out[j].LogIndex
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// --- core.SnapshotReader ---

func (m *MemoryStore) GetSnapshot(_ context.Context, vault string, block uint64) (state.RawSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap, ok := m.snapshots[vault][block]
	if !ok {
		return state.RawSnapshot{}, fmt.Errorf("vault %s block %d: %w", vault, block, state.ErrSnapshotNotFound)
	}
	return snap, nil
}

func (m *MemoryStore) GetRecentSnapshots(_ context.Context, vault string, limit int) ([]state.RawSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byBlock := m.snapshots[vault]
	blocks := make([]uint64, 0, len(byBlock))
	for b := range byBlock {
		blocks = append(blocks, b)
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i] > blocks[j] })
	if limit >= 0 && len(blocks) > limit {
		blocks = blocks[:limit]
	}

	out := make([]state.RawSnapshot, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, byBlock[b])
	}
	return out, nil
}

// --- state.PriceSource, state.QuoteSource ---

// GetPriceUSD returns the price at block or the latest one before it.
func (m *MemoryStore) GetPriceUSD(ctx context.Context, network string, block uint64, token string) (decimal.Decimal, error) {
	q, err := m.GetQuote(ctx, network, block, token)
	if err != nil {
		return decimal.Zero, err
	}
	return q.PriceUSD, nil
}

func (m *MemoryStore) GetQuote(_ context.Context, network string, block uint64, token string) (state.Quote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	points := m.prices[priceKey(network, token)]
	i := sort.Search(len(points), func(i int) bool { return points[i].block > block })
	if i == 0 {
		return state.Quote{}, fmt.Errorf("%s %s at block %d: %w", network, token, block, state.ErrPriceNotFound)
	}
	return state.Quote{Block: points[i-1].block, PriceUSD: points[i-1].price}, nil
}

// --- core.LedgerReader ---

func (m *MemoryStore) GetLatestEntry(_ context.Context, vault, account string, before event.Ref) (*ledger.AccountStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries.LatestBefore(vault, account, before), nil
}

func (m *MemoryStore) GetAllEntriesAt(_ context.Context, vault string, before event.Ref) ([]*ledger.AccountStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries.AllBefore(vault, before), nil
}

func (m *MemoryStore) GetDistinctProcessedBlocks(_ context.Context, vault string) ([]uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set := m.entries.Blocks(vault)
	out := make([]uint64, 0, len(set))
	for b := range set {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// GetEntries returns the vault's full ledger in (block, logIndex, account)
// order.
func (m *MemoryStore) GetEntries(_ context.Context, vault string) ([]*ledger.AccountStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries.Entries(vault), nil
}

// --- core.LedgerWriter ---

func (m *MemoryStore) CommitOperation(_ context.Context, c core.Commit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range c.Entries {
		m.entries.Append(e)
	}

	done, ok := m.processed[c.Vault]
	if !ok {
		done = make(map[string]event.Ref)
		m.processed[c.Vault] = done
	}
	if _, exists := done[c.OpID]; !exists {
		done[c.OpID] = c.Ref
	}
	return nil
}

// --- core.DBIdempotencyChecker ---

func (m *MemoryStore) IsProcessed(_ context.Context, vault, opID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.processed[vault][opID]
	return ok, nil
}

func (m *MemoryStore) RecentProcessedIDs(_ context.Context, vault string, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	done := m.processed[vault]
	ids := make([]string, 0, len(done))
	for id := range done {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ri, rj := done[ids[i]], done[ids[j]]
		if c := ri.Compare(rj); c != 0 {
			return c > 0
		}
		return ids[i] > ids[j]
	})
	if limit >= 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// Reset drops every ledger entry and processed marker of the vault.
// Operations, snapshots and prices are kept.
func (m *MemoryStore) Reset(vault string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fresh := ledger.NewEntryIndex()
	for v := range m.processed {
		if v == vault {
			continue
		}
		for _, e := range m.entries.Entries(v) {
			fresh.Append(e)
		}
	}
	m.entries = fresh
	delete(m.processed, vault)
}

func priceKey(network, token string) string {
	return network + ":" + event.NormalizeAddress(token)
}
