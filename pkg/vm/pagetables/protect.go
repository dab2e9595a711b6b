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

// protectVisitor re-encodes terminal entries with new permissions, keeping
// the physical backing and the hardware accessed/dirty state.
type protectVisitor struct {
	cm    *consistencyManager
	flags MMUFlags
}

func (*protectVisitor) requiresAlloc() bool { return false }
func (*protectVisitor) requiresSplit() bool { return true }
func (*protectVisitor) requiresFree() bool  { return false }

func (v *protectVisitor) visit(start uintptr, pte *PTE, level int) bool {
	old := pte.Load()
	newVal := encodeTerminal(old&addrMask, v.flags, level) &^ (accessed | dirty)
	newVal |= old & (accessed | dirty)
	if !entriesDiffer(old, newVal) {
		return true
	}
	pte.store(newVal)
	v.cm.flushEntry(pte)
	v.cm.enqueue(start, level, old&global != 0, true)
	return true
}

// ProtectPages changes the permissions and cache policy of any existing
// mappings in [addr, addr+count pages) without touching the physical
// backing. Unmapped gaps in the range are left unmapped. Page-table
// structure is never freed, but a large entry covered only partially is
// split, and that split may fail with NoMemory.
func (p *PageTables) ProtectPages(addr hostarch.Addr, count uint64, flags MMUFlags) error {
	start, end, ok := checkRange(addr, count)
	if !ok || !flags.valid() {
		return kernelerr.InvalidArgs
	}
	if count == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	cm := newConsistencyManager(p)
	defer cm.release()

	v := protectVisitor{cm: &cm, flags: flags}
	w := walker{pt: p, cm: &cm, visitor: &v}
	if !w.iterateRange(start, end) {
		cm.Finish()
		return w.err
	}
	cm.Finish()
	return nil
}
