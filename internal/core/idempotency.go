package core

import (
	"VaultLedger/internal/observability"
	"container/list"
	"context"
	"fmt"
	"sync"
)

// IdempotencyChecker implements two-tier deduplication of operation ids.
// Safe for concurrent use by replays of different vaults.
type IdempotencyChecker struct {
	mu sync.Mutex

	// Tier 1: in-memory LRU of "vault:opID"
	lru *IdempotencyLRU

	// Tier 2: the store's processed-operations set
	dbChecker DBIdempotencyChecker

	metrics *IdempotencyMetrics
	prom    *observability.Metrics

	reportedEvictions int64 // evictions already exported, guarded by mu
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, prom *observability.Metrics) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   NewIdempotencyMetrics(),
		prom:      prom,
	}
}

func compositeKey(vault, opID string) string {
	return fmt.Sprintf("%s:%s", vault, opID)
}

// IsDuplicate reports whether the operation has already been processed.
// A store error is returned to the caller; a replay must not guess.
func (ic *IdempotencyChecker) IsDuplicate(ctx context.Context, vault, opID string) (bool, error) {
	key := compositeKey(vault, opID)

	ic.mu.Lock()
	hit := ic.lru.Contains(key)
	ic.mu.Unlock()
	if hit {
		ic.recordDuplicate("lru")
		return true, nil
	}

	if ic.dbChecker == nil {
		return false, nil
	}

	isDup, err := ic.dbChecker.IsProcessed(ctx, vault, opID)
	if err != nil {
		ic.metrics.RecordTier2Error()
		if ic.prom != nil {
			ic.prom.DedupTier2Errors.Inc()
		}
		return false, fmt.Errorf("dedup lookup %s: %w", key, err)
	}
	if isDup {
		ic.recordDuplicate("store")
		ic.mu.Lock()
		ic.lru.Add(key)
		ic.mu.Unlock()
	}
	return isDup, nil
}

func (ic *IdempotencyChecker) recordDuplicate(tier string) {
	ic.metrics.RecordDuplicate(tier)
	if ic.prom != nil {
		ic.prom.IdempotencyDuplicates.WithLabelValues(tier).Inc()
	}
}

// MarkProcessed adds the id to the LRU after a successful commit.
func (ic *IdempotencyChecker) MarkProcessed(vault, opID string) {
	ic.mu.Lock()
	ic.lru.Add(compositeKey(vault, opID))
	size := ic.lru.Size()
	newEvictions := ic.lru.Evictions() - ic.reportedEvictions
	ic.reportedEvictions += newEvictions
	ic.mu.Unlock()

	if ic.prom != nil {
		ic.prom.DedupLRUSize.Set(float64(size))
		if newEvictions > 0 {
			ic.prom.DedupLRUEvictions.Add(float64(newEvictions))
		}
	}
}

// Warm loads the vault's most recently processed ids into the LRU so a
// resumed replay skips them without store round trips.
func (ic *IdempotencyChecker) Warm(ctx context.Context, vault string, limit int) error {
	if ic.dbChecker == nil || limit <= 0 {
		return nil
	}
	ids, err := ic.dbChecker.RecentProcessedIDs(ctx, vault, limit)
	if err != nil {
		return fmt.Errorf("warm dedup cache for %s: %w", vault, err)
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = compositeKey(vault, id)
	}
	ic.mu.Lock()
	ic.lru.WarmFromKeys(keys)
	ic.mu.Unlock()
	return nil
}

// Size returns the LRU occupancy and total evictions.
func (ic *IdempotencyChecker) Size() (int, int64) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.lru.Size(), ic.lru.Evictions()
}

func (ic *IdempotencyChecker) GetMetrics() *IdempotencyMetrics {
	return ic.metrics
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU set of keys. Not thread-safe; the checker
// guards it.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element),
		lruList:  list.New(),
	}
}

// Contains checks if key exists and promotes it.
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if it exists).
func (lru *IdempotencyLRU) Add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	lru.cache[key] = lru.lruList.PushFront(key)
	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		delete(lru.cache, elem.Value.(string))
		lru.evictions++
	}
}

// WarmFromKeys loads a batch of keys without promoting existing ones.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		if _, exists := lru.cache[key]; exists {
			continue
		}
		lru.cache[key] = lru.lruList.PushFront(key)
		if lru.lruList.Len() > lru.capacity {
			lru.evictOldest()
		}
	}
}

func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}

// --- Metrics ---

// IdempotencyMetrics tracks dedup stats.
type IdempotencyMetrics struct {
	mu          sync.Mutex
	duplicates  map[string]int64 // tier -> count
	tier2Errors int64
}

func NewIdempotencyMetrics() *IdempotencyMetrics {
	return &IdempotencyMetrics{
		duplicates: make(map[string]int64),
	}
}

func (m *IdempotencyMetrics) RecordDuplicate(tier string) {
	m.mu.Lock()
	m.duplicates[tier]++
	m.mu.Unlock()
}

func (m *IdempotencyMetrics) RecordTier2Error() {
	m.mu.Lock()
	m.tier2Errors++
	m.mu.Unlock()
}

// GetDuplicates returns duplicate counts by tier.
func (m *IdempotencyMetrics) GetDuplicates() (lru int64, store int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.duplicates["lru"], m.duplicates["store"]
}

func (m *IdempotencyMetrics) GetTier2Errors() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tier2Errors
}
