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
)

// queryVisitor captures the first terminal entry in the walked range.
type queryVisitor struct {
	found bool
	base  uintptr
	paddr uint64
	span  uintptr
	flags MMUFlags
}

func (*queryVisitor) requiresAlloc() bool { return false }
func (*queryVisitor) requiresSplit() bool { return false }
func (*queryVisitor) requiresFree() bool  { return false }

func (v *queryVisitor) visit(start uintptr, pte *PTE, level int) bool {
	if !pte.Valid() {
		return true
	}
	v.found = true
	v.base = start
	v.paddr = pte.Address()
	v.span = levelSize(level)
	v.flags = pte.Flags()
	return false
}

// queryLocked finds the first present terminal entry covering [start, end),
// returning its base physical address, span and flags.
func (p *PageTables) queryLocked(start, end uintptr) (uint64, uintptr, MMUFlags, error) {
	cm := newConsistencyManager(p)
	defer cm.release()

	var v queryVisitor
	w := walker{pt: p, cm: &cm, visitor: &v}
	w.iterateRange(start, end)
	cm.Finish()
	if !v.found {
		return 0, 0, 0, kernelerr.NotFound
	}
	return v.paddr, v.span, v.flags, nil
}

// QueryVaddr translates one virtual address, returning the exact physical
// address it maps to, the page size of the covering entry, and the mapping's
// flags. Fails with NotFound if no present mapping covers addr.
func (p *PageTables) QueryVaddr(addr hostarch.Addr) (uint64, uintptr, MMUFlags, error) {
	vaddr := uintptr(addr.RoundDown())
	if vaddr >= lowerTop {
		return 0, 0, 0, kernelerr.InvalidArgs
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	paddr, span, flags, err := p.queryLocked(vaddr, vaddr+pteSize)
	if err != nil {
		return 0, 0, 0, err
	}
	// paddr is the base of the covering entry, which for a large entry is
	// below addr; report the exact translation.
	base := uintptr(addr) &^ (span - 1)
	return paddr + uint64(uintptr(addr)-base), span, flags, nil
}
