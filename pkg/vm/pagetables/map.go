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
	"vmcore.dev/vmcore/pkg/errors/kernelerr"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/log"
)

// ExistingEntryAction selects what MapPages does when it finds a present
// entry inside the requested range.
type ExistingEntryAction int

const (
	// ExistingEntryError fails the call with AlreadyExists.
	ExistingEntryError ExistingEntryAction = iota

	// ExistingEntrySkip leaves the existing entry and its physical page
	// untouched, consuming the corresponding input pages.
	ExistingEntrySkip

	// ExistingEntryUpgrade replaces the existing entry. Large entries
	// overlapping a per-page request are split first, so replacement is
	// always at the request's granularity.
	ExistingEntryUpgrade
)

// mapVisitor installs terminal entries from a MappingCursor.
type mapVisitor struct {
	cm     *consistencyManager
	cursor *MappingCursor
	flags  MMUFlags
	action ExistingEntryAction
	err    error

	// installed records the virtual spans whose entries this walk created
	// or replaced. Rollback removes exactly these; entries the walk
	// skipped were never ours to touch.
	installed []installedRange
}

type installedRange struct {
	start, end uintptr
}

func (v *mapVisitor) record(start, span uintptr) {
	if n := len(v.installed); n > 0 && v.installed[n-1].end == start {
		v.installed[n-1].end = start + span
		return
	}
	v.installed = append(v.installed, installedRange{start, start + span})
}

func (*mapVisitor) requiresAlloc() bool { return true }
func (*mapVisitor) requiresSplit() bool { return true }
func (*mapVisitor) requiresFree() bool  { return false }

func (v *mapVisitor) visit(start uintptr, pte *PTE, level int) bool {
	span := levelSize(level)
	if pte.Valid() {
		switch v.action {
		case ExistingEntryError:
			v.err = kernelerr.AlreadyExists
			return false
		case ExistingEntrySkip:
			v.cursor.consume(span)
			return true
		case ExistingEntryUpgrade:
			old := pte.Load()
			newVal := encodeTerminal(v.cursor.peek(), v.flags, level)
			if entriesDiffer(old, newVal) {
				pte.store(newVal)
				v.cm.flushEntry(pte)
				v.cm.enqueue(start, level, old&global != 0, true)
				v.record(start, span)
			}
			v.cursor.consume(span)
			return true
		}
	}

	// The walker offers a large slot whenever the virtual range covers
	// it; accept only if the physical side cooperates.
	if level > levelPTE {
		if !v.cursor.contiguous() {
			return true
		}
		if v.cursor.peek()&uint64(span-1) != 0 {
			return true
		}
	}
	pte.setTerminal(v.cursor.peek(), v.flags, level)
	v.cm.flushEntry(pte)
	v.record(start, span)
	v.cursor.consume(span)
	return true
}

// MapPages installs len(paddrs) consecutive 4K mappings starting at addr,
// one physical page per entry. On any mid-walk failure every mapping made by
// this call is rolled back before the error is returned, so the operation is
// all-or-nothing from the caller's point of view.
//
// Returns the number of pages mapped (on success, always len(paddrs)).
func (p *PageTables) MapPages(addr hostarch.Addr, paddrs []uint64, flags MMUFlags, action ExistingEntryAction) (uint64, error) {
	start, end, ok := checkRange(addr, uint64(len(paddrs)))
	if !ok || !flags.valid() {
		return 0, kernelerr.InvalidArgs
	}
	for _, paddr := range paddrs {
		if paddr&uint64(pteSize-1) != 0 {
			return 0, kernelerr.InvalidArgs
		}
	}
	if len(paddrs) == 0 {
		return 0, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	cm := newConsistencyManager(p)
	defer cm.release()

	cursor := newArrayCursor(paddrs)
	v := mapVisitor{cm: &cm, cursor: &cursor, flags: flags, action: action}
	w := walker{pt: p, cm: &cm, visitor: &v, forceSplit: action == ExistingEntryUpgrade}
	if !w.iterateRange(start, end) {
		err := v.err
		if err == nil {
			err = w.err
		}
		p.rollbackLocked(&cm, &v, start+cursor.Consumed(), err)
		cm.Finish()
		return 0, err
	}
	cm.Finish()
	return uint64(len(paddrs)), nil
}

// MapPagesContiguous maps count pages of the contiguous physical run at
// paddr starting at addr, using large entries whenever virtual and physical
// alignment and the remaining run permit. Overlap with an existing entry
// fails with AlreadyExists. The same all-or-nothing rollback contract as
// MapPages applies.
func (p *PageTables) MapPagesContiguous(addr hostarch.Addr, paddr uint64, count uint64, flags MMUFlags) (uint64, error) {
	start, end, ok := checkRange(addr, count)
	if !ok || !flags.valid() || paddr&uint64(pteSize-1) != 0 {
		return 0, kernelerr.InvalidArgs
	}
	if count == 0 {
		return 0, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	cm := newConsistencyManager(p)
	defer cm.release()

	cursor := newContiguousCursor(paddr)
	v := mapVisitor{cm: &cm, cursor: &cursor, flags: flags, action: ExistingEntryError}
	w := walker{pt: p, cm: &cm, visitor: &v}
	if !w.iterateRange(start, end) {
		err := v.err
		if err == nil {
			err = w.err
		}
		p.rollbackLocked(&cm, &v, start+cursor.Consumed(), err)
		cm.Finish()
		return 0, err
	}
	cm.Finish()
	return count, nil
}

// rollbackLocked undoes a failed map walk. Every entry the walk installed is
// removed; pre-existing entries, including ones the walk skipped over, are
// left alone. failAddr is the first address the walk did not complete: when
// no entry covers it, intermediate tables freshly linked on the way down to
// the failing slot are empty, and an unmap walk over the slot reclaims them.
func (p *PageTables) rollbackLocked(cm *consistencyManager, v *mapVisitor, failAddr uintptr, cause error) {
	log.Debugf("pagetables: rolling back map at %#x after %v", failAddr, cause)
	for _, r := range v.installed {
		// Installed entries are covered whole, so no split can occur.
		if _, err := p.unmapRangeLocked(cm, r.start, r.end, EnlargeNo); err != nil {
			panic("pagetables: rollback walk failed")
		}
	}
	if _, _, _, err := p.queryLocked(failAddr, failAddr+pteSize); err == nil {
		// A present entry covers the failing slot, so its table chain
		// pre-existed. Nothing to reclaim.
		return
	}
	if _, err := p.unmapRangeLocked(cm, failAddr, failAddr+pteSize, EnlargeNo); err != nil {
		panic("pagetables: rollback walk failed")
	}
}
