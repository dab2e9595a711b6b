// Copyright 2024 The vmcore Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pagetables

// visitor is the per-operation behavior threaded through a walk. The walker
// owns level traversal, table allocation, large-entry splitting and empty
// table reclamation; visitors own terminal entry mutation.
type visitor interface {
	// visit is called on each relevant entry. start is the base virtual
	// address of the entry's span. Returning false aborts the walk.
	visit(start uintptr, pte *PTE, level int) bool

	// requiresAlloc indicates that the walk must build structure for
	// absent entries rather than skip them.
	requiresAlloc() bool

	// requiresSplit indicates that partially covered large entries must
	// be split rather than visited whole.
	requiresSplit() bool

	// requiresFree indicates that child tables found empty after the
	// sub-walk should be reclaimed.
	requiresFree() bool
}

// splitFailureHandler lets a visitor absorb an out-of-memory split. If
// handleSplitFailure returns true the walker treats the whole large entry as
// processed and continues.
type splitFailureHandler interface {
	handleSplitFailure(base uintptr, pte *PTE, level int) bool
}

// walker performs one walk of the tree under the tree mutex.
type walker struct {
	pt      *PageTables
	cm      *consistencyManager
	visitor visitor

	// forceSplit splits every large entry touched, even fully covered
	// ones. Used when the visitor can only express 4K terminal entries.
	forceSplit bool

	// err is the first structural failure (table allocation or split).
	err error
}

// next returns the start of the entry slot after the one containing start.
func next(start, size uintptr) uintptr {
	return (start &^ (size - 1)) + size
}

// splitLarge replaces a terminal large entry at base with a child table of
// equivalent next-level entries, preserving every option bit including the
// hardware accessed and dirty bits.
func (w *walker) splitLarge(entry *PTE, base uintptr, level int) (*PTEs, error) {
	t, err := w.pt.allocTable()
	if err != nil {
		return nil, err
	}
	old := entry.Load()
	opts := old &^ addrMask
	if level-1 == levelPTE {
		// Bit 7 is PAT at the bottom level, not a page size.
		opts &^= super
	}
	childSpan := uint64(levelSize(level - 1))
	for i := 0; i < entriesPerTable; i++ {
		t[i].store(old&addrMask + uint64(i)*childSpan | opts)
		w.cm.flushEntry(&t[i])
	}
	entry.setTable(w.pt.Allocator.PhysicalFor(t))
	w.cm.flushEntry(entry)
	// The old large translation is stale everywhere it was cached.
	w.cm.enqueue(base, level, old&global != 0, true)
	return t, nil
}

// reclaim clears the intermediate entry at base and queues its child table
// for free, once the child is known empty.
func (w *walker) reclaim(entry *PTE, child *PTEs, base uintptr, level int) {
	entry.Clear()
	w.cm.flushEntry(entry)
	w.cm.enqueue(base, level, false, false)
	w.cm.queueFree(child)
}

// walkPTEs iterates the bottom-level entries in [start, end).
func (w *walker) walkPTEs(entries *PTEs, start, end uintptr) (bool, int) {
	clearEntries := 0
	for start < end {
		pteIndex := (start & pteMask) >> pteShift
		entry := &entries[pteIndex]
		if !entry.Valid() && !w.visitor.requiresAlloc() {
			clearEntries++
			start += pteSize
			continue
		}
		if !w.visitor.visit(start&^(pteSize-1), entry, levelPTE) {
			return false, clearEntries
		}
		if !entry.Valid() && !w.visitor.requiresAlloc() {
			clearEntries++
		}
		start += pteSize
	}
	return true, clearEntries
}

// walkPMDs iterates the 2M-level entries in [start, end).
func (w *walker) walkPMDs(pmdEntries *PTEs, start, end uintptr) (bool, int) {
	clearEntries := 0
	for start < end {
		var pteEntries *PTEs
		nextBoundary := addrEnd(start, end, pmdSize)
		pmdIndex := (start & pmdMask) >> pmdShift
		pmdEntry := &pmdEntries[pmdIndex]
		if !pmdEntry.Valid() {
			if !w.visitor.requiresAlloc() {
				clearEntries++
				start = nextBoundary
				continue
			}

			// This level has 2M huge pages. If the region covers a
			// whole slot, give the visitor a shot at mapping it
			// terminally; if it declines, the entry stays invalid
			// and a child table is built instead.
			if start&(pmdSize-1) == 0 && end-start >= pmdSize {
				if !w.visitor.visit(start, pmdEntry, levelPMD) {
					return false, clearEntries
				}
				if pmdEntry.Valid() {
					start = nextBoundary
					continue
				}
			}

			t, err := w.pt.allocTable()
			if err != nil {
				w.err = err
				return false, clearEntries
			}
			pteEntries = t
			pmdEntry.setTable(w.pt.Allocator.PhysicalFor(t))
			w.cm.flushEntry(pmdEntry)
		} else if pmdEntry.IsLarge() {
			base := start &^ (pmdSize - 1)
			partial := start&(pmdSize-1) != 0 || end < next(start, pmdSize)
			if w.visitor.requiresSplit() && (partial || w.forceSplit) {
				t, err := w.splitLarge(pmdEntry, base, levelPMD)
				if err != nil {
					if h, ok := w.visitor.(splitFailureHandler); ok && h.handleSplitFailure(base, pmdEntry, levelPMD) {
						if !pmdEntry.Valid() {
							clearEntries++
						}
						start = nextBoundary
						continue
					}
					w.err = err
					return false, clearEntries
				}
				pteEntries = t
			} else {
				// A huge page checked directly.
				if !w.visitor.visit(base, pmdEntry, levelPMD) {
					return false, clearEntries
				}
				if !pmdEntry.Valid() {
					clearEntries++
				}
				start = nextBoundary
				continue
			}
		} else {
			pteEntries = w.pt.Allocator.LookupTable(pmdEntry.Address())
		}

		ok, clearPTEntries := w.walkPTEs(pteEntries, start, nextBoundary)
		if !ok {
			return false, clearEntries
		}

		// Check if the child table is no longer needed.
		if w.visitor.requiresFree() && clearPTEntries > 0 && tableEmpty(pteEntries) {
			w.reclaim(pmdEntry, pteEntries, start&^(pmdSize-1), levelPMD)
			clearEntries++
		}

		start = nextBoundary
	}
	return true, clearEntries
}

// walkPUDs iterates the 1G-level entries in [start, end).
func (w *walker) walkPUDs(pudEntries *PTEs, start, end uintptr) (bool, int) {
	clearEntries := 0
	for start < end {
		var pmdEntries *PTEs
		nextBoundary := addrEnd(start, end, pudSize)
		pudIndex := (start & pudMask) >> pudShift
		pudEntry := &pudEntries[pudIndex]
		if !pudEntry.Valid() {
			if !w.visitor.requiresAlloc() {
				clearEntries++
				start = nextBoundary
				continue
			}

			// This level has 1G super pages.
			if start&(pudSize-1) == 0 && end-start >= pudSize {
				if !w.visitor.visit(start, pudEntry, levelPUD) {
					return false, clearEntries
				}
				if pudEntry.Valid() {
					start = nextBoundary
					continue
				}
			}

			t, err := w.pt.allocTable()
			if err != nil {
				w.err = err
				return false, clearEntries
			}
			pmdEntries = t
			pudEntry.setTable(w.pt.Allocator.PhysicalFor(t))
			w.cm.flushEntry(pudEntry)
		} else if pudEntry.IsLarge() {
			base := start &^ (pudSize - 1)
			partial := start&(pudSize-1) != 0 || end < next(start, pudSize)
			if w.visitor.requiresSplit() && (partial || w.forceSplit) {
				t, err := w.splitLarge(pudEntry, base, levelPUD)
				if err != nil {
					if h, ok := w.visitor.(splitFailureHandler); ok && h.handleSplitFailure(base, pudEntry, levelPUD) {
						if !pudEntry.Valid() {
							clearEntries++
						}
						start = nextBoundary
						continue
					}
					w.err = err
					return false, clearEntries
				}
				pmdEntries = t
			} else {
				if !w.visitor.visit(base, pudEntry, levelPUD) {
					return false, clearEntries
				}
				if !pudEntry.Valid() {
					clearEntries++
				}
				start = nextBoundary
				continue
			}
		} else {
			pmdEntries = w.pt.Allocator.LookupTable(pudEntry.Address())
		}

		ok, clearPMDEntries := w.walkPMDs(pmdEntries, start, nextBoundary)
		if !ok {
			return false, clearEntries
		}

		if w.visitor.requiresFree() && clearPMDEntries > 0 && tableEmpty(pmdEntries) {
			w.reclaim(pudEntry, pmdEntries, start&^(pudSize-1), levelPUD)
			clearEntries++
		}

		start = nextBoundary
	}
	return true, clearEntries
}

// iterateRange walks all appropriate levels for [start, end), which must be
// page-aligned and canonical.
func (w *walker) iterateRange(start, end uintptr) bool {
	for start < end {
		var pudEntries *PTEs
		nextBoundary := addrEnd(start, end, pgdSize)
		pgdIndex := (start & pgdMask) >> pgdShift
		pgdEntry := &w.pt.root[pgdIndex]
		if !pgdEntry.Valid() {
			if !w.visitor.requiresAlloc() {
				start = nextBoundary
				continue
			}
			t, err := w.pt.allocTable()
			if err != nil {
				w.err = err
				return false
			}
			pudEntries = t
			pgdEntry.setTable(w.pt.Allocator.PhysicalFor(t))
			w.cm.flushEntry(pgdEntry)
		} else {
			pudEntries = w.pt.Allocator.LookupTable(pgdEntry.Address())
		}

		ok, clearPUDEntries := w.walkPUDs(pudEntries, start, nextBoundary)
		if !ok {
			return false
		}

		if w.visitor.requiresFree() && clearPUDEntries > 0 && tableEmpty(pudEntries) {
			w.reclaim(pgdEntry, pudEntries, start&^(pgdSize-1), levelPGD)
		}

		start = nextBoundary
	}
	return true
}
