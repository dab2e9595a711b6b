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

package pmm

import (
	"fmt"

	"golang.org/x/sys/unix"

	"vmcore.dev/vmcore/pkg/errors/kernelerr"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/sync"
)

// hostPaddrBase is the synthetic physical address of the arena's first frame.
// Nonzero so that address 0 never names a valid frame and so that confusing a
// physical address for an arena index fails loudly.
const hostPaddrBase = 0x8000_0000

// HostAllocator is an Allocator backed by one anonymous host mapping carved
// into page frames. Frame n lives at synthetic physical address
// hostPaddrBase + n*PageSize; PhysToVirt indexes straight into the mapping.
type HostAllocator struct {
	mu sync.Mutex

	arena  []byte
	frames uint64

	// pages[n] is the handle for frame n. Handles are preallocated so
	// that AllocPage never allocates on the Go heap.
	pages []Page

	// bitmap tracks frame allocation, one bit per frame, set = in use.
	bitmap []uint64

	// searchHint is the lowest word that may contain a free frame.
	searchHint uint64

	// failAfter, when >= 0, counts down successful frame allocations and
	// then forces NoMemory. Used by tests to exercise partial-failure
	// paths deterministically.
	failAfter int64

	zeroPage *Page
}

// NewHostAllocator creates a HostAllocator with the given arena size, rounded
// up to page granularity. The shared zero page is carved out of the first
// frame.
func NewHostAllocator(size uint64) (*HostAllocator, error) {
	size, ok := hostarch.PageRoundUp(size)
	if !ok || size == 0 {
		return nil, kernelerr.InvalidArgs
	}
	arena, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("pmm: arena mmap of %d bytes failed: %w", size, err)
	}
	frames := size / hostarch.PageSize
	a := &HostAllocator{
		arena:     arena,
		frames:    frames,
		pages:     make([]Page, frames),
		bitmap:    make([]uint64, (frames+63)/64),
		failAfter: -1,
	}
	for n := uint64(0); n < frames; n++ {
		a.pages[n].paddr = hostPaddrBase + n*hostarch.PageSize
	}
	// Frame 0 is the shared zero page; mmap guarantees it is zeroed and
	// nothing may ever write through it.
	a.setBit(0)
	a.zeroPage = &a.pages[0]
	return a, nil
}

// Close releases the arena. No pages may be in use.
func (a *HostAllocator) Close() error {
	return unix.Munmap(a.arena)
}

// FailAfter arranges for allocations to fail with NoMemory after n more
// frames have been handed out. A negative n disables injection.
func (a *HostAllocator) FailAfter(n int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failAfter = n
}

// FreeCount returns the number of unallocated frames.
func (a *HostAllocator) FreeCount() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	free := uint64(0)
	for n := uint64(0); n < a.frames; n++ {
		if !a.testBit(n) {
			free++
		}
	}
	return free
}

func (a *HostAllocator) testBit(n uint64) bool {
	return a.bitmap[n/64]&(1<<(n%64)) != 0
}

func (a *HostAllocator) setBit(n uint64) {
	a.bitmap[n/64] |= 1 << (n % 64)
}

func (a *HostAllocator) clearBit(n uint64) {
	a.bitmap[n/64] &^= 1 << (n % 64)
}

// chargeLocked consumes one unit of the failure-injection budget.
func (a *HostAllocator) chargeLocked() bool {
	if a.failAfter < 0 {
		return true
	}
	if a.failAfter == 0 {
		return false
	}
	a.failAfter--
	return true
}

// findFreeLocked returns the lowest free frame index, or false.
func (a *HostAllocator) findFreeLocked() (uint64, bool) {
	for w := a.searchHint; w < uint64(len(a.bitmap)); w++ {
		if a.bitmap[w] == ^uint64(0) {
			continue
		}
		for b := uint64(0); b < 64; b++ {
			n := w*64 + b
			if n >= a.frames {
				return 0, false
			}
			if !a.testBit(n) {
				a.searchHint = w
				return n, true
			}
		}
	}
	return 0, false
}

func (a *HostAllocator) allocFrameLocked() (*Page, error) {
	if !a.chargeLocked() {
		return nil, kernelerr.NoMemory
	}
	n, ok := a.findFreeLocked()
	if !ok {
		return nil, kernelerr.NoMemory
	}
	a.setBit(n)
	return &a.pages[n], nil
}

// AllocPage implements Allocator.AllocPage.
func (a *HostAllocator) AllocPage(flags AllocFlags) (*Page, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocFrameLocked()
}

// AllocPages implements Allocator.AllocPages.
func (a *HostAllocator) AllocPages(count uint64, flags AllocFlags, list *PageList) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var got PageList
	for i := uint64(0); i < count; i++ {
		p, err := a.allocFrameLocked()
		if err != nil {
			// Roll the partial batch back.
			for q := got.Pop(); q != nil; q = got.Pop() {
				a.freeLocked(q)
			}
			return err
		}
		got.Push(p)
	}
	for p := got.Pop(); p != nil; p = got.Pop() {
		list.Push(p)
	}
	return nil
}

// AllocContiguous implements Allocator.AllocContiguous.
func (a *HostAllocator) AllocContiguous(count uint64, flags AllocFlags, alignLog2 uint, list *PageList) (uint64, error) {
	if count == 0 {
		return 0, kernelerr.InvalidArgs
	}
	if alignLog2 < hostarch.PageShift {
		alignLog2 = hostarch.PageShift
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failAfter >= 0 && uint64(a.failAfter) < count {
		return 0, kernelerr.NoMemory
	}
	step := (uint64(1) << alignLog2) / hostarch.PageSize
	// First-fit scan over aligned candidate bases. The synthetic base is
	// 2GiB-aligned, so frame alignment equals physical alignment for any
	// alignment this allocator accepts.
	for base := uint64(0); base+count <= a.frames; base += step {
		run := uint64(0)
		for run < count && !a.testBit(base+run) {
			run++
		}
		if run < count {
			continue
		}
		for i := uint64(0); i < count; i++ {
			a.setBit(base + i)
		}
		if a.failAfter >= 0 {
			a.failAfter -= int64(count)
		}
		// Push in descending order so the list pops ascending.
		for i := count; i > 0; i-- {
			list.Push(&a.pages[base+i-1])
		}
		return a.pages[base].paddr, nil
	}
	return 0, kernelerr.NoMemory
}

func (a *HostAllocator) freeLocked(p *Page) {
	n := (p.paddr - hostPaddrBase) / hostarch.PageSize
	if n >= a.frames || !a.testBit(n) {
		panic(fmt.Sprintf("pmm: free of bad or unallocated frame %#x", p.paddr))
	}
	if p == a.zeroPage {
		panic("pmm: free of the shared zero page")
	}
	a.clearBit(n)
	if n/64 < a.searchHint {
		a.searchHint = n / 64
	}
}

// FreePage implements Allocator.FreePage.
func (a *HostAllocator) FreePage(p *Page) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.freeLocked(p)
}

// FreeList implements Allocator.FreeList.
func (a *HostAllocator) FreeList(list *PageList) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for p := list.Pop(); p != nil; p = list.Pop() {
		a.freeLocked(p)
	}
}

// PhysToVirt implements Allocator.PhysToVirt.
func (a *HostAllocator) PhysToVirt(paddr uint64) []byte {
	off := paddr - hostPaddrBase
	if off >= uint64(len(a.arena)) {
		panic(fmt.Sprintf("pmm: PhysToVirt of foreign address %#x", paddr))
	}
	end := hostarch.PageRoundDown(off) + hostarch.PageSize
	return a.arena[off:end]
}

// ZeroPage implements Allocator.ZeroPage.
func (a *HostAllocator) ZeroPage() *Page {
	return a.zeroPage
}
