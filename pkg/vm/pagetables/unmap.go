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

// EnlargeOperation is the policy for an unmap that must split a large entry
// but cannot allocate the child table.
type EnlargeOperation int

const (
	// EnlargeNo fails the whole call with NoMemory.
	EnlargeNo EnlargeOperation = iota

	// EnlargeYes unmaps the entire large entry instead: more than asked,
	// never less, and always safe for callers that tolerate over-unmap
	// (the pages become faultable again).
	EnlargeYes
)

// unmapVisitor clears terminal entries.
type unmapVisitor struct {
	cm      *consistencyManager
	enlarge EnlargeOperation

	// unmapped counts 4K-page equivalents actually removed.
	unmapped uint64
}

func (*unmapVisitor) requiresAlloc() bool { return false }
func (*unmapVisitor) requiresSplit() bool { return true }
func (*unmapVisitor) requiresFree() bool  { return true }

func (v *unmapVisitor) visit(start uintptr, pte *PTE, level int) bool {
	span := levelSize(level)
	old := pte.Load()
	pte.Clear()
	v.cm.flushEntry(pte)
	v.cm.enqueue(start, level, old&global != 0, true)
	v.unmapped += uint64(span / pteSize)
	return true
}

// handleSplitFailure implements the enlarge policy: consume the whole large
// entry when permitted.
func (v *unmapVisitor) handleSplitFailure(base uintptr, pte *PTE, level int) bool {
	if v.enlarge == EnlargeNo {
		return false
	}
	log.Warningf("pagetables: no memory to split %d-level entry at %#x, unmapping whole entry", level, base)
	return v.visit(base, pte, level)
}

// UnmapPages removes any mappings in [addr, addr+count pages). Unmapping an
// unmapped range is a no-op. A large entry covered only partially by the
// range is split first; if the split cannot allocate, enlarge picks between
// over-unmapping the whole large entry and failing the call.
//
// Returns the number of 4K-page equivalents actually unmapped.
func (p *PageTables) UnmapPages(addr hostarch.Addr, count uint64, enlarge EnlargeOperation) (uint64, error) {
	start, end, ok := checkRange(addr, count)
	if !ok {
		return 0, kernelerr.InvalidArgs
	}
	if count == 0 {
		return 0, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	cm := newConsistencyManager(p)
	defer cm.release()

	n, err := p.unmapRangeLocked(&cm, start, end, enlarge)
	cm.Finish()
	return n, err
}

// unmapRangeLocked is UnmapPages without the lock or the Finish, shared with
// the map rollback path.
func (p *PageTables) unmapRangeLocked(cm *consistencyManager, start, end uintptr, enlarge EnlargeOperation) (uint64, error) {
	v := unmapVisitor{cm: cm, enlarge: enlarge}
	w := walker{pt: p, cm: cm, visitor: &v}
	if !w.iterateRange(start, end) {
		return v.unmapped, w.err
	}
	return v.unmapped, nil
}
