package ledger

import (
	"VaultLedger/internal/event"
	"sort"
)

// EntryIndex holds every account's entry history per vault, each history
// sorted by (block, logIndex). Point-in-time lookups are binary searches.
// Not thread-safe; callers serialize access.
type EntryIndex struct {
	vaults map[string]map[string][]*AccountStatus // vault -> account -> history
}

func NewEntryIndex() *EntryIndex {
	return &EntryIndex{
		vaults: make(map[string]map[string][]*AccountStatus),
	}
}

// Append inserts an entry in position order. An entry at a position the
// account already has is ignored and Append returns false.
func (x *EntryIndex) Append(e *AccountStatus) bool {
	accounts, ok := x.vaults[e.Vault]
	if !ok {
		accounts = make(map[string][]*AccountStatus)
		x.vaults[e.Vault] = accounts
	}

	history := accounts[e.Account]
	pos := e.Position()
	i := sort.Search(len(history), func(i int) bool {
		return !history[i].Position().Less(pos)
	})
	if i < len(history) && history[i].Position() == pos {
		return false
	}

	// Replay appends in order, so the common case is i == len(history).
	history = append(history, nil)
	copy(history[i+1:], history[i:])
	history[i] = e
	accounts[e.Account] = history
	return true
}

// LatestBefore returns the account's most recent entry strictly before ref,
// or nil when the account has none.
func (x *EntryIndex) LatestBefore(vault, account string, ref event.Ref) *AccountStatus {
	history := x.vaults[vault][account]
	i := sort.Search(len(history), func(i int) bool {
		return !history[i].Position().Less(ref)
	})
	if i == 0 {
		return nil
	}
	return history[i-1]
}

// AllBefore returns the latest entry strictly before ref of every account in
// the vault, sorted by account address.
func (x *EntryIndex) AllBefore(vault string, ref event.Ref) []*AccountStatus {
	var out []*AccountStatus
	for _, account := range x.Accounts(vault) {
		if e := x.LatestBefore(vault, account, ref); e != nil {
			out = append(out, e)
		}
	}
	return out
}

// Accounts returns the vault's account addresses in sorted order.
func (x *EntryIndex) Accounts(vault string) []string {
	accounts := x.vaults[vault]
	out := make([]string, 0, len(accounts))
	for a := range accounts {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Entries returns every entry of the vault ordered by position, then
// account.
func (x *EntryIndex) Entries(vault string) []*AccountStatus {
	var out []*AccountStatus
	for _, history := range x.vaults[vault] {
		out = append(out, history...)
	}
	SortEntries(out)
	return out
}

// Blocks returns the distinct blocks holding at least one entry.
func (x *EntryIndex) Blocks(vault string) map[uint64]struct{} {
	out := make(map[uint64]struct{})
	for _, history := range x.vaults[vault] {
		for _, e := range history {
			out[e.Block] = struct{}{}
		}
	}
	return out
}

// Len returns the number of entries held for the vault.
func (x *EntryIndex) Len(vault string) int {
	n := 0
	for _, history := range x.vaults[vault] {
		n += len(history)
	}
	return n
}

// SortEntries orders entries by (block, logIndex, account).
func SortEntries(entries []*AccountStatus) {
	sort.Slice(entries, func(i, j int) bool {
		if c := entries[i].Position().Compare(entries[j].Position()); c != 0 {
			return c < 0
		}
		return entries[i].Account < entries[j].Account
	})
}
