// RDP client core - TLS trust resolution and bitmap caching
// Copyright (C) 2025 - Pepijn van der Stap, pepijn@neosecurity.nl
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package bitmapcache implements the client-side bitmap cache: an ordered
// set of Cells, each holding a fixed number of decoded bitmaps plus one
// waiting-list overflow slot, content-addressed for v2/v3 cache orders.
package bitmapcache

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/x-stp/rdp-core-go/pkg/metrics"
)

// WaitingListIndex is the reserved index RDP servers use to mean "the
// overflow slot of this cell" (BITMAP_CACHE_WAITING_LIST_INDEX).
const WaitingListIndex = 0x7FFF

// Bitmap is a decoded bitmap owned by a cache slot.
type Bitmap struct {
	Width  int
	Height int
	BPP    int
	// Key64 is key1 | key2<<32 for v2/v3 cache orders; zero for v1 (no key).
	Key64  uint64
	Pixels []byte
}

// Cell is one indexable array of decoded bitmaps; the server selects a
// cell by cacheId. entries has Capacity+1 slots: 0..Capacity-1 are
// ordinary slots, Capacity is the waiting-list overflow slot.
type Cell struct {
	Capacity int
	entries  []*Bitmap
}

func newCell(capacity int) *Cell {
	return &Cell{Capacity: capacity, entries: make([]*Bitmap, capacity+1)}
}

// ErrCellOutOfRange is returned when cellID does not index an existing
// cell (unified bound check: cellID >= len(cells) for both Put and Get,
// resolving the put-vs-get off-by-one discrepancy recorded in DESIGN.md).
var ErrCellOutOfRange = fmt.Errorf("bitmapcache: cell id out of range")

// ErrSlotOutOfRange is returned when an index does not fit within a
// cell's entries, including its waiting-list slot.
var ErrSlotOutOfRange = fmt.Errorf("bitmapcache: slot index out of range")

// Cache is the ordered vector of Cells described in spec §4.4.
type Cache struct {
	log *zap.Logger

	mu    sync.Mutex
	cells []*Cell

	// keyIndex maps a v2/v3 content key to its (cellID, slot) location,
	// supporting lookups the wire protocol performs by key rather than by
	// position (e.g. duplicate-detection before a redundant decode).
	keyIndex map[uint64]location

	metrics *metrics.Collectors
}

// SetMetrics attaches a metrics collector; nil detaches it.
func (c *Cache) SetMetrics(m *metrics.Collectors) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = m
}

type location struct {
	cellID int
	slot   int
}

// New builds a cache with one Cell per entry in capacities, in order
// (cacheId 0 is capacities[0], and so on).
func New(log *zap.Logger, capacities []int) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	cells := make([]*Cell, len(capacities))
	for i, capacity := range capacities {
		cells[i] = newCell(capacity)
	}
	return &Cache{log: log, cells: cells, keyIndex: make(map[uint64]location)}
}

// resolveSlot maps a wire index (which may be WaitingListIndex) to the
// physical slot within a cell's entries array.
func resolveSlot(cell *Cell, index int) (int, error) {
	if index == WaitingListIndex {
		return cell.Capacity, nil
	}
	if index < 0 || index > cell.Capacity {
		return 0, ErrSlotOutOfRange
	}
	return index, nil
}

// Put installs bmp at (cellID, index), freeing any prior occupant first.
// cellID out of range, or index out of range, returns an error without
// mutating the cache (spec §4.4 put semantics; bound unified to >= len(cells)
// for both Put and Get per DESIGN.md Open Question (b)).
func (c *Cache) Put(cellID int, index int, bmp *Bitmap) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cellID < 0 || cellID >= len(c.cells) {
		c.log.Error("bitmap cache put: cell id out of range", zap.Int("cell_id", cellID))
		return ErrCellOutOfRange
	}
	cell := c.cells[cellID]
	slot, err := resolveSlot(cell, index)
	if err != nil {
		c.log.Error("bitmap cache put: slot out of range", zap.Int("cell_id", cellID), zap.Int("index", index))
		return err
	}

	if prior := cell.entries[slot]; prior != nil && prior.Key64 != 0 {
		delete(c.keyIndex, prior.Key64)
	}
	cell.entries[slot] = bmp
	if bmp != nil && bmp.Key64 != 0 {
		c.keyIndex[bmp.Key64] = location{cellID: cellID, slot: slot}
	}
	return nil
}

// Get returns the bitmap at (cellID, index), or (nil, false) if the slot is
// empty or out of range — out-of-range is "absent", not an error, because
// RDP servers legitimately reference slots they never populated (spec §4.4
// get semantics).
func (c *Cache) Get(cellID int, index int) (*Bitmap, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cellID < 0 || cellID >= len(c.cells) {
		c.metrics.RecordCacheLookup(false)
		return nil, false
	}
	cell := c.cells[cellID]
	slot, err := resolveSlot(cell, index)
	if err != nil {
		c.metrics.RecordCacheLookup(false)
		return nil, false
	}
	bmp := cell.entries[slot]
	c.metrics.RecordCacheLookup(bmp != nil)
	return bmp, bmp != nil
}

// GetByKey looks up a previously Put v2/v3 bitmap by its 64-bit content
// key, so a caller can find a bitmap the server has already cached under a
// different wire index.
func (c *Cache) GetByKey(key64 uint64) (*Bitmap, bool) {
	if key64 == 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	loc, ok := c.keyIndex[key64]
	if !ok {
		return nil, false
	}
	return c.cells[loc.cellID].entries[loc.slot], true
}

// CellCount reports the number of cells configured, for diagnostics and
// persistence iteration.
func (c *Cache) CellCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cells)
}

// Snapshot returns, for persistence (§4.4 "persistent cache"), every
// non-empty entry across all cells with a non-zero key, skipping entries
// whose pixel size does not fit in 32 bits.
func (c *Cache) Snapshot() []PersistedEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []PersistedEntry
	for cellID, cell := range c.cells {
		for slot, bmp := range cell.entries {
			if bmp == nil || bmp.Key64 == 0 {
				continue
			}
			if len(bmp.Pixels) > 0xFFFFFFFF {
				c.log.Warn("bitmap cache snapshot: skipping oversized entry",
					zap.Int("cell_id", cellID), zap.Int("slot", slot))
				continue
			}
			out = append(out, PersistedEntry{
				CellID: cellID,
				Key64:  bmp.Key64,
				Width:  bmp.Width,
				Height: bmp.Height,
				BPP:    bmp.BPP,
				Pixels: bmp.Pixels,
			})
		}
	}
	return out
}

// CoerceBPP applies the defaulting rule of spec §4.4 "Codec selection":
// if the order's BPP is zero, inherit the session's configured color
// depth; if the session is 15bpp and the order claims 16, coerce to 15.
func CoerceBPP(orderBPP, sessionColorDepth int) int {
	bpp := orderBPP
	if bpp == 0 {
		bpp = sessionColorDepth
	}
	if sessionColorDepth == 15 && bpp == 16 {
		bpp = 15
	}
	return bpp
}
