package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
)

// Digest returns a canonical SHA-256 over entries. Entries are hashed in
// (block, logIndex, account) order so two ledgers with the same content
// produce the same digest regardless of how they were collected.
func Digest(entries []*AccountStatus) [32]byte {
	sorted := make([]*AccountStatus, len(entries))
	copy(sorted, entries)
	SortEntries(sorted)

	h := sha256.New()
	var lenBuf [8]byte
	for _, e := range sorted {
		b := EntryBytes(e)
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(b)))
		h.Write(lenBuf[:])
		h.Write(b)
	}

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// EntryBytes is the canonical serialization of one entry. Decimals are
// encoded as their exact string form.
func EntryBytes(e *AccountStatus) []byte {
	// Marshal of a plain struct with decimal and integer fields cannot fail.
	b, _ := json.Marshal(e)
	return b
}
