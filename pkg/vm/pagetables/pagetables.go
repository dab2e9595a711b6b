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

// Package pagetables provides a manager for one x86-64 radix page-table
// tree.
//
// The tree has four levels (pte, pmd, pud, pgd in ascending order), 512
// entries per table, and terminal mappings of 4K, 2M and 1G. Every public
// operation serializes on the tree mutex, performs one walk, and drains
// exactly one ConsistencyManager before returning, so cache flushes, TLB
// invalidations and deferred table frees are applied in order exactly once
// per operation.
package pagetables

import (
	"fmt"

	"vmcore.dev/vmcore/pkg/atomicbitops"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/sync"
)

// Table geometry.
const (
	entriesPerTable = 512

	pteShift = 12
	pmdShift = 21
	pudShift = 30
	pgdShift = 39

	pteSize = uintptr(1) << pteShift
	pmdSize = uintptr(1) << pmdShift
	pudSize = uintptr(1) << pudShift
	pgdSize = uintptr(1) << pgdShift

	pteMask = uintptr(entriesPerTable-1) << pteShift
	pmdMask = uintptr(entriesPerTable-1) << pmdShift
	pudMask = uintptr(entriesPerTable-1) << pudShift
	pgdMask = uintptr(entriesPerTable-1) << pgdShift

	// lowerTop is the exclusive top of the canonical lower half.
	lowerTop = uintptr(1) << 47
)

// Levels, bottom up. Level numbers appear in TLB invalidation records.
const (
	levelPTE = iota
	levelPMD
	levelPUD
	levelPGD

	numLevels
)

// levelSize returns the bytes spanned by one entry at the given level.
func levelSize(level int) uintptr {
	return pteSize << (uint(level) * 9)
}

// PageTables owns one radix page-table tree.
type PageTables struct {
	// mu guards the entire tree. Every public operation holds it for the
	// whole walk.
	mu sync.Mutex

	// Allocator supplies intermediate tables.
	Allocator TableAllocator

	// Invalidator receives batched TLB invalidations. Never nil.
	Invalidator Invalidator

	// LineFlusher flushes entry cache lines for hardware walkers that are
	// not cache-coherent. Nil on coherent hosts.
	LineFlusher LineFlusher

	root     *PTEs
	rootPhys uint64

	// pages counts live tables owned by the tree, including the root.
	// It must equal the number of tables reachable from root at any
	// instant the mu is not held.
	pages atomicbitops.Int64
}

// New returns new PageTables with one empty top-level table.
func New(allocator TableAllocator, inv Invalidator) (*PageTables, error) {
	if inv == nil {
		inv = NullInvalidator{}
	}
	p := &PageTables{
		Allocator:   allocator,
		Invalidator: inv,
	}
	root, err := allocator.NewTable()
	if err != nil {
		return nil, err
	}
	p.root = root
	p.rootPhys = allocator.PhysicalFor(root)
	p.pages.Store(1)
	return p, nil
}

// RootPhysical returns the physical address of the top-level table, suitable
// for loading into a hardware page-table base register.
func (p *PageTables) RootPhysical() uint64 {
	return p.rootPhys
}

// TableCount returns the number of live tables owned by the tree.
func (p *PageTables) TableCount() int64 {
	return p.pages.Load()
}

// Destroy tears down the tree. The caller must have unmapped everything in
// [base, base+size); any surviving entry is a caller bug and panics.
func (p *PageTables) Destroy(base hostarch.Addr, size uintptr) {
	p.mu.Lock()
	defer p.mu.Unlock()

	paddr, _, _, err := p.queryLocked(uintptr(base), uintptr(base)+size)
	if err == nil {
		panic(fmt.Sprintf("pagetables: Destroy with live mapping of %#x in [%#x, %#x)", paddr, base, uintptr(base)+size))
	}
	p.Allocator.FreeTable(p.root)
	p.root = nil
	if n := p.pages.Add(-1); n != 0 {
		panic(fmt.Sprintf("pagetables: Destroy leaked %d tables", n))
	}
}

// allocTable allocates one child table, maintaining the live-table count.
func (p *PageTables) allocTable() (*PTEs, error) {
	t, err := p.Allocator.NewTable()
	if err != nil {
		return nil, err
	}
	p.pages.Add(1)
	return t, nil
}

// tableEmpty reports whether the table contains no present entries.
func tableEmpty(t *PTEs) bool {
	for i := 0; i < entriesPerTable; i++ {
		if t[i].Valid() {
			return false
		}
	}
	return true
}

// addrEnd returns the address of the next size boundary after addr, or end
// if that comes earlier. size must be a power of two.
func addrEnd(addr, end, size uintptr) uintptr {
	next := (addr + size) &^ (size - 1)
	if next < addr || next > end {
		return end
	}
	return next
}

// checkRange validates a page-aligned [vaddr, vaddr+count pages) operand
// range against the canonical lower half.
func checkRange(vaddr hostarch.Addr, count uint64) (uintptr, uintptr, bool) {
	if !vaddr.IsPageAligned() {
		return 0, 0, false
	}
	length := count * hostarch.PageSize
	if length/hostarch.PageSize != count {
		return 0, 0, false
	}
	end, ok := vaddr.AddLength(length)
	if !ok || uintptr(end) > lowerTop {
		return 0, 0, false
	}
	return uintptr(vaddr), uintptr(end), true
}
