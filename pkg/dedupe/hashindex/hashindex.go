// Package hashindex implements the fixed-memory bucketed hash table
// that backs content-defined deduplication. It is keyed by the 32-bit
// window fingerprint produced by pkg/dedupe/window and records enough per
// block to confirm and locate a duplicate.
package hashindex

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/duparc/duparc/internal/bytesize"
)

// Slots is the number of parallel (key, entry) pairs per row. A row is
// scanned linearly, so this also bounds worst-case lookup/insert cost;
// collisions beyond Slots count as congestion rather than growing the row.
const Slots = 4

// largeSmallRatio is the fixed tuning constant separating large_table from
// small_table: the large table gets 1/largeSmallRatio of the rows, since
// large-block matches are far rarer than small-block ones by design.
const largeSmallRatio = 16

// Entry records where a block starts, how far its content-defined anchor
// sits from that start, and enough of the block to confirm a hit cheaply
// before paying for a full strong-hash comparison.
type Entry struct {
	Offset    uint64  // payload offset of the block start
	Slide     uint16  // distance from block start to the anchor
	FirstByte byte    // block's first byte, a cheap pre-check
	Strong    [12]byte // truncated 128-bit hash confirming the block's content
}

// row is exactly Slots parallel (key, entry) pairs. Keys[i] == 0 means
// Entries[i] is unused; insertion fills the first such slot.
type row struct {
	keys    [Slots]uint32
	entries [Slots]Entry
}

func (r *row) find(w uint32) (Entry, bool) {
	for i := 0; i < Slots; i++ {
		if r.keys[i] == w {
			return r.entries[i], true
		}
	}
	return Entry{}, false
}

// Stats exposes non-fatal operational counters. Congestion never
// surfaces as an error: a full row is recorded here and the caller
// simply continues without that block being indexed.
type Stats struct {
	SmallCongestion uint64
	LargeCongestion uint64
	SmallInserted   uint64
	LargeInserted   uint64
}

// Index is the two-level (small/large) bucketed hash table. All reads and
// writes take a single mutex; the table's memory footprint is fixed at
// construction and never grows.
type Index struct {
	mu    sync.Mutex
	small []row
	large []row
	stats Stats
}

// New allocates an Index sized to fit within memory bytes, split between
// the small and large tables at the fixed largeSmallRatio.
func New(memory uint64) *Index {
	const rowSize = uint64(Slots) * (4 /* key */ + 8 + 2 + 1 + 12 /* entry */)
	const overhead = 4096 // reserved for hashtable snapshot framing

	budget := memory
	if budget <= overhead {
		budget = overhead + rowSize
	}
	totalRows := bytesize.ByteSize(budget - overhead).Rows(rowSize)

	largeRows := totalRows / largeSmallRatio
	if largeRows == 0 {
		largeRows = 1
	}
	smallRows := totalRows - largeRows
	if smallRows == 0 {
		smallRows = 1
	}

	return &Index{
		small: make([]row, smallRows),
		large: make([]row, largeRows),
	}
}

// table returns the bucket array to use for a lookup/insert.
func (idx *Index) table(large bool) []row {
	if large {
		return idx.large
	}
	return idx.small
}

// Lookup returns the entry recorded for fingerprint w, or false if none is
// present (including the w == 0 sentinel, which is never stored).
func (idx *Index) Lookup(w uint32, large bool) (Entry, bool) {
	if w == 0 {
		return Entry{}, false
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	t := idx.table(large)
	r := &t[w%uint32(len(t))]
	return r.find(w)
}

// Insert records entry under fingerprint w. It returns false when the row
// is congested (all Slots occupied by other keys) — callers must treat
// that as a statistics event, never as an error.
//
// If w is already present the existing entry is kept: re-inserting the
// same content is a no-op reporting success, so the recorded offset stays
// the earliest copy of the block. A later copy must never displace it —
// the matcher only accepts candidates that strictly precede the current
// write position, and the earliest offset is the one every later
// duplicate can reference.
func (idx *Index) Insert(w uint32, entry Entry, large bool) bool {
	if w == 0 {
		return true
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	t := idx.table(large)
	r := &t[w%uint32(len(t))]

	for i := 0; i < Slots; i++ {
		if r.keys[i] == w {
			return r.entries[i].Strong == entry.Strong
		}
	}
	for i := 0; i < Slots; i++ {
		if r.keys[i] == 0 {
			r.keys[i] = w
			r.entries[i] = entry
			idx.recordInsert(large)
			return true
		}
	}

	idx.recordCongestion(large)
	return false
}

func (idx *Index) recordInsert(large bool) {
	if large {
		idx.stats.LargeInserted++
	} else {
		idx.stats.SmallInserted++
	}
}

func (idx *Index) recordCongestion(large bool) {
	if large {
		idx.stats.LargeCongestion++
	} else {
		idx.stats.SmallCongestion++
	}
}

// Stats returns a snapshot of the index's operational counters.
func (idx *Index) Stats() Stats {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.stats
}

// SmallRows and LargeRows report the fixed row counts chosen at
// construction, for diagnostics and for the snapshot format.
func (idx *Index) SmallRows() int { return len(idx.small) }
func (idx *Index) LargeRows() int { return len(idx.large) }

// RowCount is the total number of rows across both tables, small rows
// first then large rows — the combined addressing space the snapshot
// format iterates over.
func (idx *Index) RowCount() int { return len(idx.small) + len(idx.large) }

func (idx *Index) rowAt(i int) *row {
	if i < len(idx.small) {
		return &idx.small[i]
	}
	return &idx.large[i-len(idx.small)]
}

// RowUsed reports whether row i (combined addressing, see RowCount) has
// any occupied slot.
func (idx *Index) RowUsed(i int) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	r := idx.rowAt(i)
	for _, k := range r.keys {
		if k != 0 {
			return true
		}
	}
	return false
}

// RowSnapshot returns a copy of row i's keys and entries, for
// serialization.
func (idx *Index) RowSnapshot(i int) ([Slots]uint32, [Slots]Entry) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	r := idx.rowAt(i)
	return r.keys, r.entries
}

// LoadRow overwrites row i's keys and entries, for deserialization.
func (idx *Index) LoadRow(i int, keys [Slots]uint32, entries [Slots]Entry) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	r := idx.rowAt(i)
	r.keys = keys
	r.entries = entries
}

// Digest returns a 64-bit digest of the table's entire content (both
// tables, combined addressing order), used to verify a hashtable
// snapshot round-trips correctly.
func (idx *Index) Digest() uint64 {
	h := xxhash.New()
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var keyBuf [4]byte
	var entryBuf [23]byte
	for _, t := range [...][]row{idx.small, idx.large} {
		for i := range t {
			r := &t[i]
			for s := 0; s < Slots; s++ {
				binary.LittleEndian.PutUint32(keyBuf[:], r.keys[s])
				h.Write(keyBuf[:])
				if r.keys[s] == 0 {
					continue
				}
				binary.LittleEndian.PutUint64(entryBuf[0:8], r.entries[s].Offset)
				binary.LittleEndian.PutUint16(entryBuf[8:10], r.entries[s].Slide)
				entryBuf[10] = r.entries[s].FirstByte
				copy(entryBuf[11:23], r.entries[s].Strong[:])
				h.Write(entryBuf[:])
			}
		}
	}
	return h.Sum64()
}
