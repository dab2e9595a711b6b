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
	"fmt"

	"vmcore.dev/vmcore/pkg/errors/kernelerr"
	"vmcore.dev/vmcore/pkg/hostarch"
)

// TableAllocator supplies the fixed-size node blocks of the radix tree,
// addressed by physical frame rather than by pointer. Each live table has
// exactly one owning entry (or is the root); LookupTable dereferences a
// child pointer recorded in an intermediate entry.
type TableAllocator interface {
	// NewTable returns a new zeroed table. Exhaustion is
	// kernelerr.NoMemory; allocation never blocks.
	NewTable() (*PTEs, error)

	// PhysicalFor returns the physical address of a table returned by
	// NewTable.
	PhysicalFor(ptes *PTEs) uint64

	// LookupTable returns the table at the given physical address,
	// previously returned by PhysicalFor.
	LookupTable(paddr uint64) *PTEs

	// FreeTable releases a table. The caller guarantees no entry
	// references it and that any TLB entries derived from it are gone.
	FreeTable(ptes *PTEs)
}

// RuntimeAllocator is a TableAllocator that allocates tables from the Go
// heap and assigns them synthetic physical addresses. It backs tests and
// any caller that does not need tables in real physical frames.
type RuntimeAllocator struct {
	// used maps synthetic physical address to table.
	used map[uint64]*PTEs

	// phys is the reverse of used.
	phys map[*PTEs]uint64

	// pool holds freed tables for reuse.
	pool []*PTEs

	next uint64

	// failAfter, when >= 0, counts down allocations and then forces
	// NoMemory, for exercising partial-failure paths.
	failAfter int64
}

// runtimeAllocatorBase keeps synthetic table addresses disjoint from any
// plausible mapped physical address used in tests.
const runtimeAllocatorBase = 0x40_0000_0000

// NewRuntimeAllocator returns a new RuntimeAllocator.
func NewRuntimeAllocator() *RuntimeAllocator {
	return &RuntimeAllocator{
		used:      make(map[uint64]*PTEs),
		phys:      make(map[*PTEs]uint64),
		next:      runtimeAllocatorBase,
		failAfter: -1,
	}
}

// FailAfter arranges for NewTable to fail after n more allocations. A
// negative n disables injection.
func (r *RuntimeAllocator) FailAfter(n int64) {
	r.failAfter = n
}

// NewTable implements TableAllocator.NewTable.
func (r *RuntimeAllocator) NewTable() (*PTEs, error) {
	if r.failAfter == 0 {
		return nil, kernelerr.NoMemory
	}
	if r.failAfter > 0 {
		r.failAfter--
	}
	var t *PTEs
	if n := len(r.pool); n > 0 {
		t = r.pool[n-1]
		r.pool = r.pool[:n-1]
		*t = PTEs{}
	} else {
		t = new(PTEs)
	}
	paddr := r.next
	r.next += hostarch.PageSize
	r.used[paddr] = t
	r.phys[t] = paddr
	return t, nil
}

// PhysicalFor implements TableAllocator.PhysicalFor.
func (r *RuntimeAllocator) PhysicalFor(ptes *PTEs) uint64 {
	paddr, ok := r.phys[ptes]
	if !ok {
		panic("pagetables: PhysicalFor of unknown table")
	}
	return paddr
}

// LookupTable implements TableAllocator.LookupTable.
func (r *RuntimeAllocator) LookupTable(paddr uint64) *PTEs {
	t, ok := r.used[paddr]
	if !ok {
		panic(fmt.Sprintf("pagetables: LookupTable of unknown address %#x", paddr))
	}
	return t
}

// FreeTable implements TableAllocator.FreeTable.
func (r *RuntimeAllocator) FreeTable(ptes *PTEs) {
	paddr, ok := r.phys[ptes]
	if !ok {
		panic("pagetables: FreeTable of unknown table")
	}
	delete(r.used, paddr)
	delete(r.phys, ptes)
	r.pool = append(r.pool, ptes)
}
