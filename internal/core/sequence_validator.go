package core

import (
	"errors"
	"fmt"
	"sync"
)

// ErrOutOfOrder is returned for an operation whose block precedes the last
// block processed for its vault.
var ErrOutOfOrder = errors.New("out-of-order operation")

// SequenceValidator enforces per-vault block ordering. Safe for concurrent
// use across vaults; a single vault is only ever replayed by one goroutine.
type SequenceValidator struct {
	mu        sync.Mutex
	lastBlock map[string]uint64 // vault -> last block processed
	metrics   *SequenceMetrics
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		lastBlock: make(map[string]uint64),
		metrics:   NewSequenceMetrics(),
	}
}

// Validate checks an operation's block against the vault's last processed
// block. Duplicates are never rejected here: they are skipped by the
// idempotency tier before ordering matters.
func (sv *SequenceValidator) Validate(vault string, block uint64, isDuplicate bool) error {
	if isDuplicate {
		return nil
	}

	sv.mu.Lock()
	defer sv.mu.Unlock()

	last := sv.lastBlock[vault]
	if block < last {
		sv.metrics.RecordOutOfOrder(vault)
		return fmt.Errorf("%w: vault=%s, last_block=%d, got=%d", ErrOutOfOrder, vault, last, block)
	}
	return nil
}

// Advance records block as processed. The last block never moves backwards.
func (sv *SequenceValidator) Advance(vault string, block uint64) {
	sv.mu.Lock()
	if block > sv.lastBlock[vault] {
		sv.lastBlock[vault] = block
	}
	sv.mu.Unlock()
}

// GetLastBlock returns the last processed block of a vault.
func (sv *SequenceValidator) GetLastBlock(vault string) uint64 {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.lastBlock[vault]
}

// SetLastBlock initializes the last block (used when a replay resumes).
func (sv *SequenceValidator) SetLastBlock(vault string, block uint64) {
	sv.mu.Lock()
	sv.lastBlock[vault] = block
	sv.mu.Unlock()
}

func (sv *SequenceValidator) GetMetrics() *SequenceMetrics {
	return sv.metrics
}

// --- Metrics ---

// SequenceMetrics tracks ordering rejections per vault.
type SequenceMetrics struct {
	mu         sync.Mutex
	outOfOrder map[string]int64
}

func NewSequenceMetrics() *SequenceMetrics {
	return &SequenceMetrics{
		outOfOrder: make(map[string]int64),
	}
}

func (m *SequenceMetrics) RecordOutOfOrder(vault string) {
	m.mu.Lock()
	m.outOfOrder[vault]++
	m.mu.Unlock()
}

func (m *SequenceMetrics) GetOutOfOrder(vault string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outOfOrder[vault]
}
