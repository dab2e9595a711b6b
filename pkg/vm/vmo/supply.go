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
	"vmcore.dev/vmcore/pkg/vm/pmm"
)

// exclusiveShapeLocked reports whether page-transfer operations are legal:
// the VMO must exclusively own its shape, with no mappings, no clones, no
// parent, and no pinned pages that a transfer would tear out from under a
// holder.
func (v *VMO) exclusiveShapeLocked(start, end uint64) bool {
	if len(v.mappings) != 0 || len(v.children) != 0 || v.parent != nil {
		return false
	}
	return !v.pages.anyPinned(start, end)
}

// TakePages detaches the committed pages of [offset, offset+length) from the
// VMO and pushes them onto out, in ascending offset order of removal. Every
// page of the range must be committed; a gap fails with NotFound before any
// page has been moved. Only legal on a VMO with no mappings, clones, parent,
// page source, or pins in the range: a taken page must not be resupplied
// behind the new owner's back.
func (v *VMO) TakePages(offset, length uint64, out *pmm.PageList) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	start, end, err := v.clampRangeLocked(offset, length)
	if err != nil {
		return err
	}
	if offset%hostarch.PageSize != 0 || length%hostarch.PageSize != 0 {
		return kernelerr.InvalidArgs
	}
	if v.source != nil || !v.exclusiveShapeLocked(start, end) {
		return kernelerr.BadState
	}
	if v.pages.committedInRange(start, end) != pagesInRange(start, end) {
		return kernelerr.NotFound
	}

	v.pages.removeRange(start, end, func(e *pageListEntry) {
		out.Push(e.page)
	})
	return nil
}

// SupplyPages moves pages from in into [offset, offset+length), one page per
// page-aligned slot in ascending order. An already-committed slot keeps its
// existing page and the incoming one is returned to the allocator. If the
// VMO is pager backed, the source is notified so waiters blocked on the
// supplied range wake. in must carry at least the range's page count.
func (v *VMO) SupplyPages(offset, length uint64, in *pmm.PageList) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	start, end, err := v.clampRangeLocked(offset, length)
	if err != nil {
		return err
	}
	if offset%hostarch.PageSize != 0 || length%hostarch.PageSize != 0 {
		return kernelerr.InvalidArgs
	}
	if !v.exclusiveShapeLocked(start, end) {
		return kernelerr.BadState
	}
	if in.Count() < pagesInRange(start, end) {
		return kernelerr.InvalidArgs
	}

	var surplus pmm.PageList
	for off := start; off < end; off += hostarch.PageSize {
		page := in.Pop()
		if v.pages.get(off) != nil {
			// First supply wins; the racing duplicate goes back.
			surplus.Push(page)
			continue
		}
		v.pages.insert(&pageListEntry{off: off, page: page})
	}
	if !surplus.IsEmpty() {
		v.alloc.FreeList(&surplus)
	}

	if v.source != nil {
		v.source.OnPagesSupplied(start, end-start)
	}
	return nil
}
