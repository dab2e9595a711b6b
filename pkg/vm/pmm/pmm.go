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

// Package pmm defines the physical page allocator boundary consumed by the
// virtual memory subsystem, together with a host-backed implementation.
//
// Physical pages are handed out as opaque *Page handles carrying a physical
// address. Page contents are reached through the allocator's identity map
// (PhysToVirt), never through the handle itself.
package pmm

import (
	"vmcore.dev/vmcore/pkg/hostarch"
)

// AllocFlags modify allocator behavior for a single call.
type AllocFlags uint32

const (
	// AllocDefault requests ordinary allocator behavior.
	AllocDefault AllocFlags = 0

	// AllocLowMemory requests frames below 4GiB, for hardware that cannot
	// address beyond 32 bits. The host implementation treats the whole
	// arena as low memory.
	AllocLowMemory AllocFlags = 1 << 0
)

// Page is a handle to a single physical page frame.
//
// A Page is owned by exactly one holder at a time: the allocator free pool,
// a VMO page list slot, or a page-table tree (for intermediate tables). It
// must never appear in two places at once.
type Page struct {
	paddr uint64

	// next links the page into a PageList. Intrusive so that allocation
	// and free paths never allocate.
	next *Page
}

// PhysicalAddress returns the physical address of the page frame.
func (p *Page) PhysicalAddress() uint64 {
	return p.paddr
}

// PageList is an intrusive singly-linked list of pages, used to carry batches
// of pages between the allocator and its callers.
type PageList struct {
	head  *Page
	count uint64
}

// Push adds p to the front of the list.
func (l *PageList) Push(p *Page) {
	p.next = l.head
	l.head = p
	l.count++
}

// Pop removes and returns the front page, or nil if the list is empty.
func (l *PageList) Pop() *Page {
	p := l.head
	if p == nil {
		return nil
	}
	l.head = p.next
	p.next = nil
	l.count--
	return p
}

// Count returns the number of pages in the list.
func (l *PageList) Count() uint64 {
	return l.count
}

// IsEmpty returns true if the list holds no pages.
func (l *PageList) IsEmpty() bool {
	return l.head == nil
}

// Allocator is the physical page allocator consumed by the VM subsystem.
//
// All methods are non-blocking at kernel level; exhaustion is reported as
// kernelerr.NoMemory, never by waiting.
type Allocator interface {
	// AllocPage allocates a single page frame.
	AllocPage(flags AllocFlags) (*Page, error)

	// AllocPages allocates count page frames, pushing each onto list.
	// On failure no pages are added to list.
	AllocPages(count uint64, flags AllocFlags, list *PageList) error

	// AllocContiguous allocates count physically contiguous page frames
	// aligned to 1<<alignLog2 bytes, pushing them onto list in ascending
	// physical order and returning the base physical address.
	AllocContiguous(count uint64, flags AllocFlags, alignLog2 uint, list *PageList) (uint64, error)

	// FreePage returns a single page to the allocator.
	FreePage(p *Page)

	// FreeList returns every page in list to the allocator, emptying it.
	FreeList(list *PageList)

	// PhysToVirt returns the kernel-visible bytes of the page frame
	// containing paddr, starting at paddr and running to the end of the
	// frame. It is the physical-identity map and never fails for a frame
	// owned by this allocator.
	PhysToVirt(paddr uint64) []byte

	// ZeroPage returns the shared systemwide zero page. It is read-only
	// by convention, is never freed, and may be referenced from any
	// number of mappings simultaneously.
	ZeroPage() *Page
}

// PageSize is re-exported for callers that only import pmm.
const PageSize = hostarch.PageSize
