// Package remap holds the live in-memory remap table the I/O engine consults
// on its fast path: an ordered list of main-sector to spare-sector mappings
// guarded by a single RWMutex. The metadata store serializes the table on
// every write and restores it on read or after failover.
//
// Callers must not hold the table lock while calling into the metadata
// store; every method here takes and releases the lock internally.
package remap

import (
	"errors"
	"sort"
	"sync"

	"github.com/sparemap/sparemap/pkg/metaformat"
)

// Table errors.
var (
	ErrTableFull = errors.New("remap: table full")
	ErrDuplicate = errors.New("remap: main sector already remapped")
	ErrNotFound  = errors.New("remap: no entry for sector")
)

// Table is the in-memory remap table for one setup.
type Table struct {
	mu      sync.RWMutex
	entries []metaformat.RemapEntry // ordered by MainSector
	max     int
}

// NewTable creates a table bounded at max entries.
func NewTable(max int) *Table {
	return &Table{max: max}
}

// Add installs a new main-to-spare mapping, keeping the table ordered.
func (t *Table) Add(mainSector, spareSector uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.max > 0 && len(t.entries) >= t.max {
		return ErrTableFull
	}
	i := sort.Search(len(t.entries), func(i int) bool {
		return t.entries[i].MainSector >= mainSector
	})
	if i < len(t.entries) && t.entries[i].MainSector == mainSector {
		return ErrDuplicate
	}
	t.entries = append(t.entries, metaformat.RemapEntry{})
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = metaformat.RemapEntry{MainSector: mainSector, SpareSector: spareSector}
	return nil
}

// Lookup maps a main sector to its spare sector. The linear scan is the I/O
// fast path: n is small and bounded, and the common case is a miss.
func (t *Table) Lookup(mainSector uint64) (spareSector uint64, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for i := range t.entries {
		if t.entries[i].MainSector == mainSector {
			return t.entries[i].SpareSector, true
		}
		if t.entries[i].MainSector > mainSector {
			break
		}
	}
	return 0, false
}

// RecordError bumps the error counter of an entry and sets its errored flag
// once the counter is non-zero.
func (t *Table) RecordError(mainSector uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.entries {
		if t.entries[i].MainSector == mainSector {
			if t.entries[i].ErrorCount < ^uint16(0) {
				t.entries[i].ErrorCount++
			}
			t.entries[i].Flags |= metaformat.EntryFlagErrored
			return nil
		}
	}
	return ErrNotFound
}

// MarkVerified flags an entry as having passed a read-back scan.
func (t *Table) MarkVerified(mainSector uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.entries {
		if t.entries[i].MainSector == mainSector {
			t.entries[i].Flags |= metaformat.EntryFlagVerified
			return nil
		}
	}
	return ErrNotFound
}

// Len returns the number of installed mappings.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Errored returns how many entries have seen spare-side errors.
func (t *Table) Errored() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for i := range t.entries {
		if t.entries[i].Flags&metaformat.EntryFlagErrored != 0 {
			n++
		}
	}
	return n
}

// Snapshot returns a copy of the entries for persisting into a metadata
// record.
func (t *Table) Snapshot() []metaformat.RemapEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]metaformat.RemapEntry(nil), t.entries...)
}

// Restore replaces the table contents from a persisted record, re-sorting
// defensively since the on-disk order is not trusted.
func (t *Table) Restore(entries []metaformat.RemapEntry) {
	sorted := append([]metaformat.RemapEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MainSector < sorted[j].MainSector })

	t.mu.Lock()
	t.entries = sorted
	t.mu.Unlock()
}
