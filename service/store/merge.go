package store

import (
	"sort"
)

// Reconcile merges local records into ledger history. Ledger records are
// authoritative and always kept. A local record is dropped when its ID, or
// its signature (both non-empty), matches a ledger record. The result is
// ordered newest first; records with equal timestamps keep ledger-then-local
// order.
func Reconcile(local, ledger []Record) []Record {
	ids := make(map[string]struct{}, len(ledger))
	sigs := make(map[string]struct{}, len(ledger))
	for _, r := range ledger {
		if r.ID != "" {
			ids[r.ID] = struct{}{}
		}
		if r.Signature != "" {
			sigs[r.Signature] = struct{}{}
		}
	}

	merged := make([]Record, 0, len(ledger)+len(local))
	merged = append(merged, ledger...)
	for _, r := range local {
		if _, dup := ids[r.ID]; dup {
			continue
		}
		if r.Signature != "" {
			if _, dup := sigs[r.Signature]; dup {
				continue
			}
		}
		merged = append(merged, r)
	}

	sortNewestFirst(merged)
	return merged
}

func sortNewestFirst(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})
}
