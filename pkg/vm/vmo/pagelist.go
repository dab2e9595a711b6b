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

package vmo

import (
	"fmt"

	"github.com/google/btree"

	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/vm/pmm"
)

// maxPinCount is the per-page pin ceiling. Pinning past it fails with
// Unavailable; unpinning past zero is a fatal reference-counting bug.
const maxPinCount = 31

// pageListEntry is one committed page: an owned page handle at a
// page-aligned VMO offset, plus its pin count.
type pageListEntry struct {
	off      uint64
	page     *pmm.Page
	pinCount uint8
}

func (e *pageListEntry) pinned() bool {
	return e.pinCount > 0
}

// pageList is a sparse offset → page mapping. Offsets are unique; pages are
// owned by the list slot holding them.
type pageList struct {
	tree *btree.BTreeG[*pageListEntry]
}

const pageListDegree = 16

func newPageList() pageList {
	return pageList{
		tree: btree.NewG(pageListDegree, func(a, b *pageListEntry) bool {
			return a.off < b.off
		}),
	}
}

// get returns the entry at the page-aligned offset, or nil.
func (l *pageList) get(off uint64) *pageListEntry {
	e, ok := l.tree.Get(&pageListEntry{off: off})
	if !ok {
		return nil
	}
	return e
}

// insert adds a page at off. Double insertion at one offset is a fatal
// ownership bug.
func (l *pageList) insert(e *pageListEntry) {
	if _, dup := l.tree.ReplaceOrInsert(e); dup {
		panic(fmt.Sprintf("vmo: double page insert at offset %#x", e.off))
	}
}

// remove detaches and returns the entry at off, or nil.
func (l *pageList) remove(off uint64) *pageListEntry {
	e, ok := l.tree.Delete(&pageListEntry{off: off})
	if !ok {
		return nil
	}
	return e
}

// forRange calls fn on each entry with off in [start, end), in ascending
// order, stopping early if fn returns false.
func (l *pageList) forRange(start, end uint64, fn func(*pageListEntry) bool) {
	l.tree.AscendRange(&pageListEntry{off: start}, &pageListEntry{off: end}, fn)
}

// removeRange detaches every entry in [start, end), calling fn on each.
func (l *pageList) removeRange(start, end uint64, fn func(*pageListEntry)) {
	var victims []*pageListEntry
	l.forRange(start, end, func(e *pageListEntry) bool {
		victims = append(victims, e)
		return true
	})
	for _, e := range victims {
		l.tree.Delete(e)
		fn(e)
	}
}

// anyPinned reports whether any page in [start, end) has a nonzero pin
// count.
func (l *pageList) anyPinned(start, end uint64) bool {
	pinned := false
	l.forRange(start, end, func(e *pageListEntry) bool {
		if e.pinned() {
			pinned = true
			return false
		}
		return true
	})
	return pinned
}

// committedInRange counts entries with off in [start, end).
func (l *pageList) committedInRange(start, end uint64) uint64 {
	var n uint64
	l.forRange(start, end, func(*pageListEntry) bool {
		n++
		return true
	})
	return n
}

// count returns the total number of committed pages.
func (l *pageList) count() uint64 {
	return uint64(l.tree.Len())
}

// isEmpty returns true if no pages are committed.
func (l *pageList) isEmpty() bool {
	return l.tree.Len() == 0
}

// pagesInRange returns the page count spanned by the aligned range.
func pagesInRange(start, end uint64) uint64 {
	return (end - start) / hostarch.PageSize
}
