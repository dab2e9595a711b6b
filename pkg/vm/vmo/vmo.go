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

// Package vmo implements paged virtual memory objects: sparse, page-granular
// containers of physical pages that mappings and kernel callers commit,
// read, write, pin, and clone copy-on-write.
//
// Every VMO in a clone chain shares a single lock, held while walking
// ancestor page lists during fault resolution. Operations that must block on
// a page source drop that lock, wait, retake it, and revalidate against the
// current size before resuming.
package vmo

import (
	"fmt"

	"vmcore.dev/vmcore/pkg/atomicbitops"
	"vmcore.dev/vmcore/pkg/errors/kernelerr"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/log"
	"vmcore.dev/vmcore/pkg/sync"
	"vmcore.dev/vmcore/pkg/vm/pager"
	"vmcore.dev/vmcore/pkg/vm/pmm"
)

// MaxSize bounds the byte size of any VMO. Offsets and sizes beyond it fail
// with OutOfRange before any allocation happens.
const MaxSize = uint64(1) << 44

// Options select per-VMO behavior at creation time.
type Options uint32

const (
	// OptionResizable permits Resize after creation.
	OptionResizable Options = 1 << iota

	// OptionContiguous marks a VMO whose pages were allocated as one
	// physically contiguous, pinned run at creation.
	OptionContiguous
)

// CachePolicy selects the memory type mappings of a VMO should use.
type CachePolicy uint8

const (
	// CachePolicyCached is ordinary write-back memory.
	CachePolicyCached CachePolicy = iota

	// CachePolicyUncached disables caching, for device memory.
	CachePolicyUncached

	// CachePolicyWriteCombining is uncached with combined writes, for
	// framebuffer-style memory.
	CachePolicyWriteCombining
)

// RangeChangeOp tells a mapping why a VMO range it maps changed.
type RangeChangeOp int

const (
	// RangeChangeUnmap: the translations for the range are stale and must
	// be removed; the next access refaults.
	RangeChangeUnmap RangeChangeOp = iota

	// RangeChangeRemoveWrite: writable translations for the range must be
	// downgraded so the next write refaults. Used when a fresh clone
	// starts depending on the parent's pages.
	RangeChangeRemoveWrite
)

// MappingSpace is the interface a mapping registers with a VMO to hear about
// changes to the committed pages it maps. Invalidate is called with the VMO's
// lock held and must not call back into the VMO.
type MappingSpace interface {
	// Invalidate reports that [offset, offset+length) of the VMO changed,
	// in VMO byte offsets, page aligned.
	Invalidate(offset, length uint64, op RangeChangeOp)
}

var lastID atomicbitops.Uint64

// VMO is a paged virtual memory object.
//
// All mutable fields are guarded by mu, which is shared by every VMO in one
// copy-on-write clone chain. refs is the exception, managed atomically.
type VMO struct {
	// CacheMaint performs the data-cache maintenance behind CacheOp on
	// hosts whose bus masters are not cache coherent. Nil means the host
	// is coherent. Set before the VMO is shared.
	CacheMaint CacheMaintenance

	// mu protects all fields below and is shared across the clone chain.
	mu *sync.Mutex

	// alloc is the physical page allocator backing this VMO. Immutable.
	alloc pmm.Allocator

	// allocFlags is applied to every allocation made on behalf of this
	// VMO. Immutable.
	allocFlags pmm.AllocFlags

	// options is immutable after creation.
	options Options

	// id is a process-wide unique identity, for logging. Immutable.
	id uint64

	name string

	// size is the current byte size, always page aligned.
	size uint64

	// pages holds this VMO's own committed pages.
	pages pageList

	// source supplies page content, or nil for anonymous memory. Only a
	// chain root may have a source.
	source pager.Source

	// parent, parentOffset and parentLimit define the copy-on-write
	// window: offset o of this VMO sees parent offset parentOffset+o
	// while o < parentLimit. Beyond the limit reads are zero fill.
	parent       *VMO
	parentOffset uint64
	parentLimit  uint64

	// children are the live clones of this VMO. Each child holds a
	// reference on this VMO.
	children []*VMO

	cachePolicy CachePolicy

	// mappings are the registered mapping spaces to notify on range
	// changes.
	mappings []MappingSpace

	refs atomicbitops.Int64

	dead bool
}

// newVMO initializes the common fields. Callers fill in backing-specific
// state.
func newVMO(alloc pmm.Allocator, allocFlags pmm.AllocFlags, options Options, size uint64) *VMO {
	v := &VMO{
		mu:         &sync.Mutex{},
		alloc:      alloc,
		allocFlags: allocFlags,
		options:    options,
		id:         lastID.Add(1),
		size:       size,
		pages:      newPageList(),
	}
	v.refs.Store(1)
	return v
}

// roundSize page-aligns a requested byte size, enforcing MaxSize.
func roundSize(size uint64) (uint64, error) {
	rounded, ok := hostarch.PageRoundUp(size)
	if !ok || rounded > MaxSize {
		return 0, kernelerr.OutOfRange
	}
	return rounded, nil
}

// Create builds an anonymous VMO of the given size. No pages are committed;
// reads see zeros and writes commit pages on demand.
func Create(alloc pmm.Allocator, allocFlags pmm.AllocFlags, options Options, size uint64) (*VMO, error) {
	if options&OptionContiguous != 0 {
		return nil, kernelerr.InvalidArgs
	}
	rounded, err := roundSize(size)
	if err != nil {
		return nil, err
	}
	return newVMO(alloc, allocFlags, options, rounded), nil
}

// CreateContiguous builds a VMO fully committed at creation with a single
// physically contiguous run aligned to 1<<alignLog2 bytes. The pages are
// created pinned so the run cannot be decommitted out from under hardware
// holding its physical address.
func CreateContiguous(alloc pmm.Allocator, allocFlags pmm.AllocFlags, size uint64, alignLog2 uint) (*VMO, error) {
	rounded, err := roundSize(size)
	if err != nil {
		return nil, err
	}
	if rounded == 0 {
		return nil, kernelerr.InvalidArgs
	}
	count := rounded / hostarch.PageSize

	var list pmm.PageList
	base, err := alloc.AllocContiguous(count, allocFlags, alignLog2, &list)
	if err != nil {
		return nil, err
	}

	v := newVMO(alloc, allocFlags, OptionContiguous, rounded)
	for p := list.Pop(); p != nil; p = list.Pop() {
		v.pages.insert(&pageListEntry{
			off:      p.PhysicalAddress() - base,
			page:     p,
			pinCount: 1,
		})
	}
	return v, nil
}

// CreateExternal builds a pager-backed VMO whose page content arrives
// asynchronously from src.
func CreateExternal(alloc pmm.Allocator, allocFlags pmm.AllocFlags, src pager.Source, options Options, size uint64) (*VMO, error) {
	if options&OptionContiguous != 0 {
		return nil, kernelerr.InvalidArgs
	}
	rounded, err := roundSize(size)
	if err != nil {
		return nil, err
	}
	v := newVMO(alloc, allocFlags, options, rounded)
	v.source = src
	return v, nil
}

// CreateCowClone builds a copy-on-write child seeing [offset, offset+size)
// of v. The child starts with no pages of its own: reads fall through to v
// (or further ancestors), and the first write to a page gives the child a
// private copy. offset must be page aligned; the window may extend past v's
// current size, in which case the excess reads as zeros.
func (v *VMO) CreateCowClone(offset, size uint64, resizable bool) (*VMO, error) {
	if offset%hostarch.PageSize != 0 {
		return nil, kernelerr.InvalidArgs
	}
	rounded, err := roundSize(size)
	if err != nil {
		return nil, err
	}
	if offset > MaxSize-rounded {
		return nil, kernelerr.OutOfRange
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.dead {
		return nil, kernelerr.BadState
	}
	if v.options&OptionContiguous != 0 {
		// The contiguous run is pinned for hardware; a COW child would
		// either share or silently diverge from it.
		return nil, kernelerr.NotSupported
	}
	if v.cachePolicy != CachePolicyCached {
		return nil, kernelerr.BadState
	}

	var childOptions Options
	if resizable {
		childOptions |= OptionResizable
	}
	child := &VMO{
		mu:           v.mu,
		alloc:        v.alloc,
		allocFlags:   v.allocFlags,
		options:      childOptions,
		id:           lastID.Add(1),
		size:         rounded,
		pages:        newPageList(),
		parent:       v,
		parentOffset: offset,
	}
	child.refs.Store(1)
	if offset < v.size {
		child.parentLimit = minUint64(rounded, v.size-offset)
	}

	v.refs.Add(1)
	v.children = append(v.children, child)

	// Pages the child now depends on must stop being writable through
	// existing mappings of v, or the child would see post-clone stores.
	if child.parentLimit > 0 {
		v.rangeChangeLocked(offset, child.parentLimit, RangeChangeRemoveWrite)
	}
	return child, nil
}

// IncRef adds a reference.
func (v *VMO) IncRef() {
	if v.refs.Add(1) <= 1 {
		panic("vmo: IncRef on released VMO")
	}
}

// DecRef drops a reference, destroying the VMO when the last one goes. Any
// children keep their own references, so a VMO with live clones outlives the
// caller's handle.
func (v *VMO) DecRef() {
	switch refs := v.refs.Add(-1); {
	case refs < 0:
		panic("vmo: DecRef on released VMO")
	case refs == 0:
		v.destroy()
	}
}

// destroy releases the VMO's pages and detaches it from its parent. Called
// with no references outstanding, which implies no children.
func (v *VMO) destroy() {
	v.mu.Lock()
	if len(v.children) != 0 {
		panic("vmo: destroying VMO with live children")
	}
	v.dead = true

	var freeList pmm.PageList
	v.pages.removeRange(0, v.size, func(e *pageListEntry) {
		freeList.Push(e.page)
	})
	if !freeList.IsEmpty() {
		v.alloc.FreeList(&freeList)
	}
	if v.source != nil {
		v.source.Close()
	}

	parent := v.parent
	if parent != nil {
		for i, c := range parent.children {
			if c == v {
				last := len(parent.children) - 1
				parent.children[i] = parent.children[last]
				parent.children[last] = nil
				parent.children = parent.children[:last]
				break
			}
		}
		v.parent = nil
	}
	v.mu.Unlock()

	log.Debugf("vmo: destroyed %s", v)
	if parent != nil {
		parent.DecRef()
	}
}

// String implements fmt.Stringer.
func (v *VMO) String() string {
	return fmt.Sprintf("vmo %d (%s)", v.id, v.name)
}

// ID returns the VMO's unique identity.
func (v *VMO) ID() uint64 {
	return v.id
}

// SetName names the VMO for diagnostics.
func (v *VMO) SetName(name string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.name = name
}

// Name returns the diagnostic name.
func (v *VMO) Name() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.name
}

// Size returns the current byte size.
func (v *VMO) Size() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.size
}

// AttributedPages returns the number of pages committed in this VMO itself,
// not counting pages read through ancestors or the shared zero page.
func (v *VMO) AttributedPages() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pages.count()
}

// IsResizable returns whether Resize is permitted.
func (v *VMO) IsResizable() bool {
	return v.options&OptionResizable != 0
}

// IsContiguous returns whether the VMO was created physically contiguous.
func (v *VMO) IsContiguous() bool {
	return v.options&OptionContiguous != 0
}

// CachePolicy returns the current mapping cache policy.
func (v *VMO) CachePolicy() CachePolicy {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cachePolicy
}

// SetMappingCachePolicy sets the cache policy mappings of this VMO must use.
// Only legal while the VMO is pristine: no committed pages, no mappings, no
// clones, and not itself a clone, since already-built translations would
// retain the old memory type.
func (v *VMO) SetMappingCachePolicy(cp CachePolicy) error {
	switch cp {
	case CachePolicyCached, CachePolicyUncached, CachePolicyWriteCombining:
	default:
		return kernelerr.InvalidArgs
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.pages.isEmpty() || len(v.mappings) != 0 || len(v.children) != 0 || v.parent != nil {
		return kernelerr.BadState
	}
	v.cachePolicy = cp
	return nil
}

// AddMapping registers ms for range-change notification.
func (v *VMO) AddMapping(ms MappingSpace) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.mappings = append(v.mappings, ms)
}

// RemoveMapping unregisters ms.
func (v *VMO) RemoveMapping(ms MappingSpace) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, m := range v.mappings {
		if m == ms {
			last := len(v.mappings) - 1
			v.mappings[i] = v.mappings[last]
			v.mappings[last] = nil
			v.mappings = v.mappings[:last]
			return
		}
	}
}

// rangeChangeLocked notifies this VMO's mappings, and transitively every
// descendant's mappings, that [off, off+length) changed. Descendant windows
// are intersected with the changed range; a descendant offset covered by the
// descendant's own committed page is unaffected in principle, but mappings
// refault cheaply so the notification is not narrowed around such pages.
func (v *VMO) rangeChangeLocked(off, length uint64, op RangeChangeOp) {
	for _, m := range v.mappings {
		m.Invalidate(off, length, op)
	}
	for _, c := range v.children {
		start := maxUint64(off, c.parentOffset)
		end := minUint64(off+length, c.parentOffset+c.parentLimit)
		if start >= end {
			continue
		}
		c.rangeChangeLocked(start-c.parentOffset, end-start, op)
	}
}

// rootSourceLocked returns the page source of the clone chain's root, the
// only VMO that can have one.
func (v *VMO) rootSourceLocked() pager.Source {
	r := v
	for r.parent != nil {
		r = r.parent
	}
	return r.source
}

// clampRangeLocked validates and page-aligns [offset, offset+length) against
// the current size, returning the aligned bounds.
func (v *VMO) clampRangeLocked(offset, length uint64) (uint64, uint64, error) {
	if length > MaxSize || offset > MaxSize-length {
		return 0, 0, kernelerr.OutOfRange
	}
	end, ok := hostarch.PageRoundUp(offset + length)
	if !ok || end > v.size {
		return 0, 0, kernelerr.OutOfRange
	}
	start := offset &^ (hostarch.PageSize - 1)
	return start, end, nil
}

func minUint64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func maxUint64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
