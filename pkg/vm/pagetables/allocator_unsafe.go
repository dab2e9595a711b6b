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

import (
	"unsafe"

	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/vm/pmm"
)

// PhysAllocator is a TableAllocator whose tables live in real frames handed
// out by the physical page allocator, viewed through its identity map. This
// is the production configuration: the tree it builds is walkable by
// hardware given the frames' true physical addresses.
type PhysAllocator struct {
	pmm pmm.Allocator

	// owners maps table physical address to the owning page handle, for
	// return to the allocator on free.
	owners map[uint64]*pmm.Page

	// phys maps the frame view back to its physical address.
	phys map[*PTEs]uint64
}

// NewPhysAllocator returns a PhysAllocator drawing from the given physical
// allocator.
func NewPhysAllocator(a pmm.Allocator) *PhysAllocator {
	return &PhysAllocator{
		pmm:    a,
		owners: make(map[uint64]*pmm.Page),
		phys:   make(map[*PTEs]uint64),
	}
}

// entryAddr returns the kernel virtual address of an entry, for cache-line
// maintenance.
func entryAddr(pte *PTE) uintptr {
	return uintptr(unsafe.Pointer(pte))
}

// tableAt reinterprets the frame at paddr as a table.
func (a *PhysAllocator) tableAt(paddr uint64) *PTEs {
	b := a.pmm.PhysToVirt(paddr)
	if len(b) < hostarch.PageSize {
		panic("pagetables: table frame not page aligned")
	}
	return (*PTEs)(unsafe.Pointer(&b[0]))
}

// NewTable implements TableAllocator.NewTable.
func (a *PhysAllocator) NewTable() (*PTEs, error) {
	page, err := a.pmm.AllocPage(pmm.AllocDefault)
	if err != nil {
		return nil, err
	}
	paddr := page.PhysicalAddress()
	t := a.tableAt(paddr)
	*t = PTEs{}
	a.owners[paddr] = page
	a.phys[t] = paddr
	return t, nil
}

// PhysicalFor implements TableAllocator.PhysicalFor.
func (a *PhysAllocator) PhysicalFor(ptes *PTEs) uint64 {
	paddr, ok := a.phys[ptes]
	if !ok {
		panic("pagetables: PhysicalFor of unknown table")
	}
	return paddr
}

// LookupTable implements TableAllocator.LookupTable.
func (a *PhysAllocator) LookupTable(paddr uint64) *PTEs {
	if _, ok := a.owners[paddr]; !ok {
		panic("pagetables: LookupTable of foreign frame")
	}
	return a.tableAt(paddr)
}

// FreeTable implements TableAllocator.FreeTable.
func (a *PhysAllocator) FreeTable(ptes *PTEs) {
	paddr := a.PhysicalFor(ptes)
	page := a.owners[paddr]
	delete(a.owners, paddr)
	delete(a.phys, ptes)
	a.pmm.FreePage(page)
}
