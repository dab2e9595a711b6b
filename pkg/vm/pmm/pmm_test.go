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
	"bytes"
	"testing"

	"vmcore.dev/vmcore/pkg/errors/kernelerr"
	"vmcore.dev/vmcore/pkg/hostarch"
)

func newAllocator(t *testing.T, pages uint64) *HostAllocator {
	t.Helper()
	a, err := NewHostAllocator(pages * hostarch.PageSize)
	if err != nil {
		t.Fatalf("NewHostAllocator: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestAllocFree(t *testing.T) {
	a := newAllocator(t, 8)

	// Frame 0 is the zero page.
	if got := a.FreeCount(); got != 7 {
		t.Fatalf("FreeCount: got %d, want 7", got)
	}

	p, err := a.AllocPage(AllocDefault)
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	if p.PhysicalAddress()&(hostarch.PageSize-1) != 0 {
		t.Errorf("page address %#x not page aligned", p.PhysicalAddress())
	}
	if got := a.FreeCount(); got != 6 {
		t.Errorf("FreeCount after alloc: got %d, want 6", got)
	}

	// The frame is usable through the identity map.
	b := a.PhysToVirt(p.PhysicalAddress())
	if len(b) != hostarch.PageSize {
		t.Errorf("PhysToVirt: got %d bytes, want %d", len(b), hostarch.PageSize)
	}
	b[0] = 0x5a

	a.FreePage(p)
	if got := a.FreeCount(); got != 7 {
		t.Errorf("FreeCount after free: got %d, want 7", got)
	}
}

func TestAllocPagesAllOrNothing(t *testing.T) {
	a := newAllocator(t, 8)

	var list PageList
	if err := a.AllocPages(10, AllocDefault, &list); err != kernelerr.NoMemory {
		t.Fatalf("AllocPages beyond arena: got %v, want NoMemory", err)
	}
	if !list.IsEmpty() {
		t.Errorf("failed batch left pages on the list")
	}
	if got := a.FreeCount(); got != 7 {
		t.Errorf("FreeCount after failed batch: got %d, want 7", got)
	}

	if err := a.AllocPages(7, AllocDefault, &list); err != nil {
		t.Fatalf("AllocPages: %v", err)
	}
	if got := list.Count(); got != 7 {
		t.Errorf("list count: got %d, want 7", got)
	}
	a.FreeList(&list)
	if !list.IsEmpty() {
		t.Errorf("FreeList did not empty the list")
	}
}

func TestAllocContiguousAlignment(t *testing.T) {
	a := newAllocator(t, 32)

	// Fragment the low frames.
	hold, err := a.AllocPage(AllocDefault)
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}

	var list PageList
	base, err := a.AllocContiguous(4, AllocDefault, hostarch.PageShift+2, &list)
	if err != nil {
		t.Fatalf("AllocContiguous: %v", err)
	}
	if base&(4*hostarch.PageSize-1) != 0 {
		t.Errorf("base %#x not aligned to 4 pages", base)
	}
	// Pops ascend through the run.
	for i := uint64(0); i < 4; i++ {
		p := list.Pop()
		if p == nil {
			t.Fatalf("run shorter than requested")
		}
		if want := base + i*hostarch.PageSize; p.PhysicalAddress() != want {
			t.Errorf("page %d: got %#x, want %#x", i, p.PhysicalAddress(), want)
		}
		a.FreePage(p)
	}
	a.FreePage(hold)
}

func TestFailAfter(t *testing.T) {
	a := newAllocator(t, 8)

	a.FailAfter(2)
	var list PageList
	if err := a.AllocPages(2, AllocDefault, &list); err != nil {
		t.Fatalf("AllocPages within budget: %v", err)
	}
	if _, err := a.AllocPage(AllocDefault); err != kernelerr.NoMemory {
		t.Errorf("AllocPage past budget: got %v, want NoMemory", err)
	}
	a.FailAfter(-1)
	if _, err := a.AllocPage(AllocDefault); err != nil {
		t.Errorf("AllocPage after reset: %v", err)
	}
}

func TestZeroPage(t *testing.T) {
	a := newAllocator(t, 8)

	z := a.ZeroPage()
	if !bytes.Equal(a.PhysToVirt(z.PhysicalAddress()), make([]byte, hostarch.PageSize)) {
		t.Errorf("zero page is not zeroed")
	}
	// The zero page is never handed out by allocation.
	seen := map[uint64]bool{}
	var list PageList
	if err := a.AllocPages(7, AllocDefault, &list); err != nil {
		t.Fatalf("AllocPages: %v", err)
	}
	for p := list.Pop(); p != nil; p = list.Pop() {
		if p.PhysicalAddress() == z.PhysicalAddress() {
			t.Errorf("allocator handed out the zero page")
		}
		seen[p.PhysicalAddress()] = true
	}
	if len(seen) != 7 {
		t.Errorf("duplicate frames in batch")
	}

	defer func() {
		if recover() == nil {
			t.Errorf("freeing the zero page did not panic")
		}
	}()
	a.FreePage(z)
}
