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

// NonTerminalAction controls what HarvestAccessed does with intermediate
// tables whose accessed bit is clear.
type NonTerminalAction int

const (
	// NonTerminalActionRetain leaves unaccessed subtrees in place.
	NonTerminalActionRetain NonTerminalAction = iota

	// NonTerminalActionFreeUnaccessed unmaps and reclaims a subtree whose
	// intermediate entry has not been accessed since the last aging pass.
	// The pages beneath it remain owned by their VMOs and become
	// faultable again.
	NonTerminalActionFreeUnaccessed
)

// TerminalAction controls what HarvestAccessed does with set accessed bits
// on terminal entries.
type TerminalAction int

const (
	// TerminalActionObserve only counts accessed entries.
	TerminalActionObserve TerminalAction = iota

	// TerminalActionUpdateAge clears each observed accessed bit so the
	// next harvest reports fresh accesses only.
	TerminalActionUpdateAge
)

// harvest walks one table level. It is a separate walk rather than a
// visitor because it inspects and ages intermediate entries, which the
// shared walker never surfaces.
func (p *PageTables) harvest(cm *consistencyManager, table *PTEs, level int, start, end uintptr, nta NonTerminalAction, ta TerminalAction) uint64 {
	span := levelSize(level)
	shift := uint(pteShift) + 9*uint(level)
	var count uint64
	for start < end {
		nextBoundary := addrEnd(start, end, span)
		entry := &table[(start>>shift)&(entriesPerTable-1)]
		if !entry.Valid() {
			start = nextBoundary
			continue
		}
		base := start &^ (span - 1)
		if level == levelPTE || entry.IsLarge() {
			if entry.Accessed() {
				count++
				if ta == TerminalActionUpdateAge {
					old := entry.Load()
					entry.clearAccessed()
					cm.flushEntry(entry)
					cm.enqueue(base, level, old&global != 0, true)
				}
			}
			start = nextBoundary
			continue
		}

		child := p.Allocator.LookupTable(entry.Address())
		if !entry.Accessed() {
			if nta == NonTerminalActionFreeUnaccessed {
				// Nothing below was touched since the last
				// aging pass; drop the whole subtree.
				p.freeSubtree(cm, child, level-1)
				entry.Clear()
				cm.flushEntry(entry)
				cm.enqueue(base, level, false, false)
				cm.queueFree(child)
				start = nextBoundary
				continue
			}
		} else if ta == TerminalActionUpdateAge {
			// Age the intermediate entry too, so an untouched
			// subtree is reclaimable next pass. The
			// paging-structure caches may hold it, hence the
			// invalidation.
			entry.clearAccessed()
			cm.flushEntry(entry)
			cm.enqueue(base, level, false, false)
		}
		count += p.harvest(cm, child, level-1, start, nextBoundary, nta, ta)
		start = nextBoundary
	}
	return count
}

// freeSubtree queues every table under table for deferred free. Terminal
// entries are simply dropped; their pages belong to VMOs.
func (p *PageTables) freeSubtree(cm *consistencyManager, table *PTEs, level int) {
	if level == levelPTE {
		return
	}
	for i := 0; i < entriesPerTable; i++ {
		e := &table[i]
		if e.Valid() && !e.IsLarge() {
			child := p.Allocator.LookupTable(e.Address())
			p.freeSubtree(cm, child, level-1)
			cm.queueFree(child)
		}
	}
}

// HarvestAccessed scans [addr, addr+count pages) for hardware accessed bits,
// returning the number of accessed terminal entries observed. ta selects
// whether observed bits are cleared (aged); nta selects whether untouched
// intermediate tables are reclaimed.
func (p *PageTables) HarvestAccessed(addr hostarch.Addr, count uint64, nta NonTerminalAction, ta TerminalAction) (uint64, error) {
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

	n := p.harvest(&cm, p.root, levelPGD, start, end, nta, ta)
	cm.Finish()
	return n, nil
}
