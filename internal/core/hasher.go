package core

import (
	"VaultLedger/internal/ledger"
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "VaultLedger:genesis:v1"

// StateHasher chains a hash over every committed operation of a replay.
// Not thread-safe; one hasher belongs to one vault replay.
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher seeds the chain with the vault address so chains of
// different vaults never collide.
func NewStateHasher(vault string) *StateHasher {
	return &StateHasher{
		prevHash: sha256.Sum256([]byte(GenesisHashSeed + ":" + vault)),
	}
}

// ComputeHash calculates hash[N] = SHA-256(prev_hash || block || log_index || digest(entries)).
func (h *StateHasher) ComputeHash(c Commit) [32]byte {
	hasher := sha256.New()

	hasher.Write(h.prevHash[:])

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], c.Ref.Block)
	hasher.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], c.Ref.LogIndex)
	hasher.Write(buf[:])

	digest := ledger.Digest(c.Entries)
	hasher.Write(digest[:])

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	h.prevHash = hash
	return hash
}

// GetPrevHash returns the current chain tip.
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}
