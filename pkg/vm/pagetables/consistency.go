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
	"sync/atomic"
)

// InvalidationItem is one precise TLB invalidation record.
type InvalidationItem struct {
	// Vaddr is the base virtual address of the stale translation.
	Vaddr uintptr

	// Level is the tree level of the mutated entry.
	Level int

	// Global is true if the translation carried the global bit.
	Global bool

	// Terminal is true if the mutated entry was terminal.
	Terminal bool
}

// Invalidator executes TLB invalidations for one tree. The implementation is
// the platform boundary: on real hardware it issues invlpg sequences or
// cross-CPU shootdown IPIs.
type Invalidator interface {
	// Invalidate invalidates the precise set of translations described
	// by items.
	Invalidate(items []InvalidationItem)

	// InvalidateAll performs a full shootdown of the tree's address
	// space.
	InvalidateAll()
}

// NullInvalidator discards invalidations. Suitable when the tree is not
// loaded into any hardware context.
type NullInvalidator struct{}

// Invalidate implements Invalidator.Invalidate.
func (NullInvalidator) Invalidate([]InvalidationItem) {}

// InvalidateAll implements Invalidator.InvalidateAll.
func (NullInvalidator) InvalidateAll() {}

// LineFlusher writes back the cache line containing addr for hardware table
// walkers without cache coherence. A nil LineFlusher means the platform is
// coherent and no flushing is needed.
type LineFlusher interface {
	FlushLine(addr uintptr)
}

const cacheLineSize = 64

// cacheLineFlusher coalesces flushes of adjacent entry writes falling in the
// same cache line, so a run of 8 entry stores costs one flush.
type cacheLineFlusher struct {
	fl LineFlusher

	// dirtyLine is the line owed a flush, valid iff dirty.
	dirtyLine uintptr
	dirty     bool
}

func (c *cacheLineFlusher) flushEntry(pte *PTE) {
	if c.fl == nil {
		return
	}
	line := entryAddr(pte) &^ (cacheLineSize - 1)
	if c.dirty && line == c.dirtyLine {
		return
	}
	c.forceFlush()
	c.dirtyLine = line
	c.dirty = true
}

func (c *cacheLineFlusher) forceFlush() {
	if c.dirty {
		c.fl.FlushLine(c.dirtyLine)
		c.dirty = false
	}
}

// maxPendingItems bounds the precise invalidation batch. Past this point a
// full shootdown is cheaper than the bookkeeping. The exact value is a
// tuning parameter, not a contract.
const maxPendingItems = 32

// pendingInvalidations accumulates invalidation records for one walk.
type pendingInvalidations struct {
	items [maxPendingItems]InvalidationItem
	count int
	full  bool
}

func (p *pendingInvalidations) enqueue(vaddr uintptr, level int, global, terminal bool) {
	// A top-level change affects an entire 512GiB slot; precise
	// invalidation of everything beneath it is hopeless.
	if level == levelPGD || p.count == maxPendingItems {
		p.full = true
	}
	if p.full {
		return
	}
	p.items[p.count] = InvalidationItem{
		Vaddr:    vaddr,
		Level:    level,
		Global:   global,
		Terminal: terminal,
	}
	p.count++
}

func (p *pendingInvalidations) pending() bool {
	return p.full || p.count > 0
}

// consistencyManager batches the cache flushes, TLB invalidations and
// deferred table frees produced by one walk, and applies them in that order
// exactly once. Tables queued for free are not returned to the allocator
// until after invalidation, so a concurrent hardware walker can never chase
// a child pointer into a recycled frame.
type consistencyManager struct {
	pt       *PageTables
	flusher  cacheLineFlusher
	pending  pendingInvalidations
	toFree   []*PTEs
	finished bool
}

func newConsistencyManager(pt *PageTables) consistencyManager {
	return consistencyManager{
		pt:      pt,
		flusher: cacheLineFlusher{fl: pt.LineFlusher},
	}
}

// flushEntry records that *pte was written.
func (cm *consistencyManager) flushEntry(pte *PTE) {
	cm.flusher.flushEntry(pte)
}

// enqueue records one stale translation.
func (cm *consistencyManager) enqueue(vaddr uintptr, level int, global, terminal bool) {
	cm.pending.enqueue(vaddr, level, global, terminal)
}

// queueFree defers the release of a detached child table until after
// invalidation. The live-table count drops immediately; the frame does not.
func (cm *consistencyManager) queueFree(t *PTEs) {
	cm.pt.pages.Add(-1)
	cm.toFree = append(cm.toFree, t)
}

// Finish applies the batch: force out the pending cache line, fence so the
// stores are globally visible before any invalidation, invalidate, then
// release queued tables. Must be called exactly once per walk, with the tree
// mutex held.
func (cm *consistencyManager) Finish() {
	if cm.finished {
		panic("pagetables: ConsistencyManager finished twice")
	}
	cm.finished = true

	cm.flusher.forceFlush()
	if cm.pending.pending() {
		if cm.pt.LineFlusher != nil {
			storeFence()
		}
		if cm.pending.full {
			cm.pt.Invalidator.InvalidateAll()
		} else {
			cm.pt.Invalidator.Invalidate(cm.pending.items[:cm.pending.count])
		}
	}
	for _, t := range cm.toFree {
		cm.pt.Allocator.FreeTable(t)
	}
	cm.toFree = nil
}

// release double-checks that the walk finished properly. Reaching it with
// queued work and no Finish is a programming error, not a recoverable
// condition.
func (cm *consistencyManager) release() {
	if !cm.finished && (len(cm.toFree) > 0 || cm.pending.pending()) {
		panic("pagetables: walk ended without ConsistencyManager.Finish")
	}
}

// fence is a dummy variable forcing a sequentially consistent store, which
// on x86 drains the store buffer ahead of the subsequent invalidation.
var fence uint64

func storeFence() {
	atomic.StoreUint64(&fence, atomic.LoadUint64(&fence)+1)
}
