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

	"vmcore.dev/vmcore/pkg/errors/kernelerr"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/log"
	"vmcore.dev/vmcore/pkg/vm/pager"
	"vmcore.dev/vmcore/pkg/vm/pmm"
)

// Resize grows or shrinks the VMO to the page-rounded size. Shrinking frees
// the trimmed pages, invalidates the trimmed range out of every mapping, and
// fails with BadState if any trimmed page is pinned. Growing exposes fresh
// zero-fill range. Fails with Unavailable on a VMO created without
// OptionResizable.
func (v *VMO) Resize(size uint64) error {
	if !v.IsResizable() {
		return kernelerr.Unavailable
	}
	newSize, err := roundSize(size)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	oldSize := v.size
	if newSize == oldSize {
		return nil
	}

	if newSize > oldSize {
		// The grown range may previously have been trimmed away while
		// a stale not-present translation lingered; force refaults.
		v.size = newSize
		v.rangeChangeLocked(oldSize, newSize-oldSize, RangeChangeUnmap)
		return nil
	}

	if v.pages.anyPinned(newSize, oldSize) {
		log.Debugf("vmo: %s shrink to %#x blocked by pinned pages", v, newSize)
		return kernelerr.BadState
	}

	v.rangeChangeLocked(newSize, oldSize-newSize, RangeChangeUnmap)

	var freeList pmm.PageList
	v.pages.removeRange(newSize, oldSize, func(e *pageListEntry) {
		freeList.Push(e.page)
	})
	if !freeList.IsEmpty() {
		v.alloc.FreeList(&freeList)
	}

	// Children looking through the trimmed range now read zeros; clamp
	// their windows so they stop walking into it.
	for _, c := range v.children {
		if c.parentOffset >= newSize {
			c.parentLimit = 0
		} else if c.parentOffset+c.parentLimit > newSize {
			c.parentLimit = newSize - c.parentOffset
		}
	}

	// A clone's own window shrinks with it: growing back must expose zero
	// fill, not resurrect the parent content the trimmed range used to
	// inherit.
	if v.parentLimit > newSize {
		v.parentLimit = newSize
	}

	// A request blocked on a trimmed offset will never be supplied; wake
	// it so the waiter revalidates against the new size.
	if v.source != nil {
		v.source.OnPagesSupplied(newSize, oldSize-newSize)
	}

	v.size = newSize
	return nil
}

// CommitRange materializes an owned page for every page of [offset,
// offset+length), as if each were written with zeros-or-inherited content.
// For anonymous VMOs the exact number of missing pages is allocated up front
// so the operation either fully succeeds or fails with NoMemory having
// changed nothing. For pager-backed VMOs pages arrive asynchronously and the
// call blocks, releasing the chain lock, until the source supplies them.
func (v *VMO) CommitRange(offset, length uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	start, end, err := v.clampRangeLocked(offset, length)
	if err != nil {
		return err
	}
	if start == end {
		return nil
	}

	var freeList pmm.PageList
	if v.source == nil {
		need := pagesInRange(start, end) - v.pages.committedInRange(start, end)
		if need > 0 {
			if err := v.alloc.AllocPages(need, v.allocFlags, &freeList); err != nil {
				return err
			}
		}
		defer func() {
			if !freeList.IsEmpty() {
				v.alloc.FreeList(&freeList)
			}
		}()
	}

	var req pager.Request
	waited := false
	for off := start; off < end; {
		_, err := v.getPageLocked(off, FaultWrite, &freeList, &req)
		if err == kernelerr.ErrShouldWait {
			waited = true
			v.mu.Unlock()
			werr := req.Wait()
			v.mu.Lock()
			if werr != nil {
				return werr
			}
			// The VMO may have been resized while we slept.
			if off >= v.size {
				return kernelerr.OutOfRange
			}
			if end > v.size {
				end = v.size
			}
			continue
		}
		if err != nil {
			return err
		}
		off += hostarch.PageSize
	}
	if waited {
		// Every arrival the request waited on has been observed.
		return v.rootSourceLocked().FinalizeRequest(&req)
	}
	return nil
}

// DecommitRange releases the owned pages in [offset, offset+length) back to
// the allocator, returning the range to zero-fill (or ancestor/pager
// visible) content. Fails with BadState if any page in the range is pinned;
// a contiguous VMO's pages are pinned from birth, so it always fails here.
func (v *VMO) DecommitRange(offset, length uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	start, end, err := v.clampRangeLocked(offset, length)
	if err != nil {
		return err
	}
	if start == end {
		return nil
	}
	if v.pages.anyPinned(start, end) {
		return kernelerr.BadState
	}

	v.rangeChangeLocked(start, end-start, RangeChangeUnmap)

	var freeList pmm.PageList
	v.pages.removeRange(start, end, func(e *pageListEntry) {
		freeList.Push(e.page)
	})
	if !freeList.IsEmpty() {
		v.alloc.FreeList(&freeList)
	}
	return nil
}

// Pin marks every page of [offset, offset+length) as unevictable: pinned
// pages survive Resize and DecommitRange attempts (those fail with
// BadState). Every page must already be committed in this VMO; a gap fails
// with NotFound and leaves no pin behind. A page already pinned maxPinCount
// times fails with Unavailable, likewise fully unwound.
func (v *VMO) Pin(offset, length uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	start, end, err := v.clampRangeLocked(offset, length)
	if err != nil {
		return err
	}
	if start == end {
		return nil
	}

	pinned := uint64(0)
	for off := start; off < end; off += hostarch.PageSize {
		e := v.pages.get(off)
		if e == nil {
			err = kernelerr.NotFound
			break
		}
		if e.pinCount >= maxPinCount {
			err = kernelerr.Unavailable
			break
		}
		e.pinCount++
		pinned++
	}
	if err != nil {
		// Unwind the prefix so a failed pin holds nothing.
		v.unpinRangeLocked(start, start+pinned*hostarch.PageSize)
		return err
	}
	return nil
}

// Unpin drops one pin from every page of [offset, offset+length). Unpinning
// a page that is not pinned is a fatal accounting bug, not an error.
func (v *VMO) Unpin(offset, length uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	start, end, err := v.clampRangeLocked(offset, length)
	if err != nil {
		panic(fmt.Sprintf("vmo: Unpin of invalid range [%#x, +%#x): %v", offset, length, err))
	}
	v.unpinRangeLocked(start, end)
}

func (v *VMO) unpinRangeLocked(start, end uint64) {
	for off := start; off < end; off += hostarch.PageSize {
		e := v.pages.get(off)
		if e == nil || e.pinCount == 0 {
			panic(fmt.Sprintf("vmo: unpin of unpinned page at offset %#x", off))
		}
		e.pinCount--
	}
}

// PinnedPages returns the number of pages with at least one pin, for
// diagnostics.
func (v *VMO) PinnedPages() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	var n uint64
	v.pages.forRange(0, v.size, func(e *pageListEntry) bool {
		if e.pinned() {
			n++
		}
		return true
	})
	return n
}
