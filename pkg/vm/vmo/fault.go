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
	"vmcore.dev/vmcore/pkg/errors/kernelerr"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/vm/pager"
	"vmcore.dev/vmcore/pkg/vm/pmm"
)

// FaultFlags describe the access being resolved. The zero value is a probe:
// look up an existing page without materializing anything.
type FaultFlags uint32

const (
	// FaultRead resolves a read access, materializing zero fill or pager
	// content where no page exists. The returned page may be shared with
	// ancestors or be the systemwide zero page, and must not be written.
	FaultRead FaultFlags = 1 << iota

	// FaultWrite resolves a write access. The returned page is always
	// owned by this VMO and private to it.
	FaultWrite
)

// getPageLocked resolves the page backing the page-aligned offset off.
//
// Resolution order: this VMO's own pages, then ancestor pages through the
// copy-on-write window, then the chain root's page source, then the shared
// zero page. A probe (flags == 0) stops after the ancestor walk and reports
// NotFound rather than materialize anything.
//
// A write fault never returns a shared page: content visible at off is
// copied (or zeroed) into a freshly owned page, which is inserted into this
// VMO's page list. freeList, if non-nil, is drawn from before the allocator.
//
// If the root's source must be consulted and misses, req is armed and
// ErrShouldWait is returned; the caller must drop the chain lock, wait on
// req, retake the lock and retry.
func (v *VMO) getPageLocked(off uint64, flags FaultFlags, freeList *pmm.PageList, req *pager.Request) (*pmm.Page, error) {
	if off >= v.size {
		return nil, kernelerr.OutOfRange
	}

	if e := v.pages.get(off); e != nil {
		return e.page, nil
	}

	// Walk up the clone chain looking for a committed ancestor page
	// visible through the stacked windows.
	var src *pmm.Page
	owner, ownerOff := v, off
	for owner.parent != nil && ownerOff < owner.parentLimit {
		ownerOff += owner.parentOffset
		owner = owner.parent
		if e := owner.pages.get(ownerOff); e != nil {
			src = e.page
			break
		}
	}

	if src == nil {
		// Only a true chain root consults its source: falling off a
		// window mid-chain means the range reads as zeros regardless
		// of what lies beyond.
		if owner.parent == nil && owner.source != nil {
			if flags == 0 {
				return nil, kernelerr.NotFound
			}
			page, err := owner.source.GetPage(ownerOff, req)
			switch {
			case err == nil:
				src = page
			case err == kernelerr.ErrShouldWait:
				return nil, err
			case err == kernelerr.NotFound && owner != v:
				// The source detached under a clone: the clone
				// keeps working and reads zeros where content
				// never arrived.
				src = nil
			default:
				return nil, err
			}
		}
		if src == nil {
			if flags == 0 {
				return nil, kernelerr.NotFound
			}
			src = v.alloc.ZeroPage()
		}
	}

	if flags&FaultWrite == 0 {
		return src, nil
	}

	// Write: give this VMO a private copy of whatever is visible.
	var page *pmm.Page
	if freeList != nil {
		page = freeList.Pop()
	}
	if page == nil {
		var err error
		page, err = v.alloc.AllocPage(v.allocFlags)
		if err != nil {
			return nil, err
		}
	}
	dst := v.alloc.PhysToVirt(page.PhysicalAddress())
	if src == v.alloc.ZeroPage() {
		clear(dst)
	} else {
		copy(dst, v.alloc.PhysToVirt(src.PhysicalAddress()))
	}
	v.pages.insert(&pageListEntry{off: off, page: page})

	// Descendants that were reading this offset through us now have a
	// page of their own parent's past; their translations of the shared
	// ancestor page remain correct. Our own mappings, and descendants
	// that mapped the page we just shadowed, must refault.
	v.rangeChangeLocked(off, hostarch.PageSize, RangeChangeUnmap)
	return page, nil
}

// GetPage resolves a fault at offset on behalf of a mapping, returning the
// backing page. See getPageLocked for the resolution rules; ErrShouldWait
// propagates to the caller, which must wait on req without holding any VMO
// lock and retry.
func (v *VMO) GetPage(offset uint64, flags FaultFlags, req *pager.Request) (*pmm.Page, error) {
	off := offset &^ (hostarch.PageSize - 1)
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.getPageLocked(off, flags, nil, req)
}

// Lookup returns the physical address backing each page of [offset,
// offset+length), without resolving faults. Fails with NotFound on the first
// page not committed in this VMO or an ancestor.
func (v *VMO) Lookup(offset, length uint64) ([]uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	start, end, err := v.clampRangeLocked(offset, length)
	if err != nil {
		return nil, err
	}
	paddrs := make([]uint64, 0, pagesInRange(start, end))
	for off := start; off < end; off += hostarch.PageSize {
		page, err := v.getPageLocked(off, 0, nil, nil)
		if err != nil {
			return nil, err
		}
		paddrs = append(paddrs, page.PhysicalAddress())
	}
	return paddrs, nil
}
