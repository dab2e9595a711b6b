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
	"bytes"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"vmcore.dev/vmcore/pkg/errors/kernelerr"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/sync"
	"vmcore.dev/vmcore/pkg/vm/pager"
	"vmcore.dev/vmcore/pkg/vm/pmm"
)

const pageSize = hostarch.PageSize

func newTestAllocator(t *testing.T) *pmm.HostAllocator {
	t.Helper()
	alloc, err := pmm.NewHostAllocator(256 * pageSize)
	if err != nil {
		t.Fatalf("NewHostAllocator: %v", err)
	}
	t.Cleanup(func() { alloc.Close() })
	return alloc
}

func newAnon(t *testing.T, alloc pmm.Allocator, options Options, size uint64) *VMO {
	t.Helper()
	v, err := Create(alloc, pmm.AllocDefault, options, size)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(v.DecRef)
	return v
}

// fillPattern writes a page-sized recognizable pattern.
func fillPattern(b []byte, seed byte) {
	for i := range b {
		b[i] = seed + byte(i%13)
	}
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	fillPattern(b, seed)
	return b
}

func TestCommitAndLookup(t *testing.T) {
	alloc := newTestAllocator(t)
	v := newAnon(t, alloc, 0, 3*pageSize)

	if err := v.CommitRange(0, 3*pageSize); err != nil {
		t.Fatalf("CommitRange: %v", err)
	}
	if n := v.AttributedPages(); n != 3 {
		t.Errorf("AttributedPages: got %d, want 3", n)
	}
	paddrs, err := v.Lookup(0, 3*pageSize)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(paddrs) != 3 {
		t.Fatalf("Lookup: got %d pages, want 3", len(paddrs))
	}
	seen := make(map[uint64]bool)
	for _, paddr := range paddrs {
		if paddr == alloc.ZeroPage().PhysicalAddress() {
			t.Errorf("committed page backed by the zero page")
		}
		if seen[paddr] {
			t.Errorf("duplicate backing page %#x", paddr)
		}
		seen[paddr] = true
	}
}

func TestReadZeroFillDoesNotCommit(t *testing.T) {
	alloc := newTestAllocator(t)
	v := newAnon(t, alloc, 0, 2*pageSize)

	buf := make([]byte, 2*pageSize)
	buf[0] = 0xff
	if err := v.Read(buf, 0); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(buf, make([]byte, len(buf))) {
		t.Errorf("uncommitted read is not zero fill")
	}
	if n := v.AttributedPages(); n != 0 {
		t.Errorf("AttributedPages after read: got %d, want 0", n)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	alloc := newTestAllocator(t)
	v := newAnon(t, alloc, 0, 3*pageSize)

	// Straddle a page boundary.
	want := pattern(pageSize, 7)
	off := uint64(pageSize - 61)
	if err := v.Write(want, off); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := make([]byte, len(want))
	if err := v.Read(got, off); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("read back wrong bytes")
	}
	// Two pages were touched by the write.
	if n := v.AttributedPages(); n != 2 {
		t.Errorf("AttributedPages: got %d, want 2", n)
	}
}

func TestReadWriteOutOfRange(t *testing.T) {
	alloc := newTestAllocator(t)
	v := newAnon(t, alloc, 0, pageSize)

	buf := make([]byte, 2)
	if err := v.Read(buf, pageSize-1); err != kernelerr.OutOfRange {
		t.Errorf("Read past end: got %v, want OutOfRange", err)
	}
	if err := v.Write(buf, pageSize-1); err != kernelerr.OutOfRange {
		t.Errorf("Write past end: got %v, want OutOfRange", err)
	}
}

func TestCommitAllOrNothing(t *testing.T) {
	alloc := newTestAllocator(t)
	v := newAnon(t, alloc, 0, 8*pageSize)

	alloc.FailAfter(3)
	err := v.CommitRange(0, 8*pageSize)
	alloc.FailAfter(-1)
	if err != kernelerr.NoMemory {
		t.Fatalf("CommitRange: got %v, want NoMemory", err)
	}
	// The preallocation failed before any page was inserted.
	if n := v.AttributedPages(); n != 0 {
		t.Errorf("AttributedPages after failed commit: got %d, want 0", n)
	}
}

func TestDecommitReturnsPages(t *testing.T) {
	alloc := newTestAllocator(t)
	v := newAnon(t, alloc, 0, 3*pageSize)

	if err := v.Write(pattern(pageSize, 3), 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	free := alloc.FreeCount()
	if err := v.DecommitRange(0, pageSize); err != nil {
		t.Fatalf("DecommitRange: %v", err)
	}
	if got := alloc.FreeCount(); got != free+1 {
		t.Errorf("FreeCount after decommit: got %d, want %d", got, free+1)
	}
	// Decommitted range reads as zeros again.
	buf := make([]byte, pageSize)
	if err := v.Read(buf, 0); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(buf, make([]byte, pageSize)) {
		t.Errorf("decommitted range is not zero fill")
	}
}

func TestPinBlocksDecommitAndResize(t *testing.T) {
	alloc := newTestAllocator(t)
	v := newAnon(t, alloc, OptionResizable, 4*pageSize)

	if err := v.CommitRange(0, 4*pageSize); err != nil {
		t.Fatalf("CommitRange: %v", err)
	}
	before, err := v.Lookup(0, 4*pageSize)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if err := v.Pin(2*pageSize, pageSize); err != nil {
		t.Fatalf("Pin: %v", err)
	}

	if err := v.DecommitRange(0, 4*pageSize); err != kernelerr.BadState {
		t.Errorf("DecommitRange of pinned range: got %v, want BadState", err)
	}
	if err := v.Resize(2 * pageSize); err != kernelerr.BadState {
		t.Errorf("Resize through pinned page: got %v, want BadState", err)
	}

	// The pinned page kept its backing through the failed attempts.
	after, err := v.Lookup(0, 4*pageSize)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("backing changed under pin (-before +after):\n%s", diff)
	}

	v.Unpin(2*pageSize, pageSize)
	if err := v.DecommitRange(0, 4*pageSize); err != nil {
		t.Errorf("DecommitRange after unpin: %v", err)
	}
}

func TestPinGapFailsCleanly(t *testing.T) {
	alloc := newTestAllocator(t)
	v := newAnon(t, alloc, 0, 3*pageSize)

	// Commit pages 0 and 2, leaving a gap at 1.
	if err := v.CommitRange(0, pageSize); err != nil {
		t.Fatalf("CommitRange: %v", err)
	}
	if err := v.CommitRange(2*pageSize, pageSize); err != nil {
		t.Fatalf("CommitRange: %v", err)
	}
	if err := v.Pin(0, 3*pageSize); err != kernelerr.NotFound {
		t.Fatalf("Pin across gap: got %v, want NotFound", err)
	}
	// The failed pin unwound its prefix: nothing is pinned.
	if n := v.PinnedPages(); n != 0 {
		t.Errorf("PinnedPages after failed pin: got %d, want 0", n)
	}
	if err := v.DecommitRange(0, 3*pageSize); err != nil {
		t.Errorf("DecommitRange after failed pin: %v", err)
	}
}

func TestPinCeiling(t *testing.T) {
	alloc := newTestAllocator(t)
	v := newAnon(t, alloc, 0, pageSize)

	if err := v.CommitRange(0, pageSize); err != nil {
		t.Fatalf("CommitRange: %v", err)
	}
	for i := 0; i < maxPinCount; i++ {
		if err := v.Pin(0, pageSize); err != nil {
			t.Fatalf("Pin %d: %v", i, err)
		}
	}
	if err := v.Pin(0, pageSize); err != kernelerr.Unavailable {
		t.Fatalf("Pin past ceiling: got %v, want Unavailable", err)
	}
	for i := 0; i < maxPinCount; i++ {
		v.Unpin(0, pageSize)
	}
}

func TestUnpinUnderflowPanics(t *testing.T) {
	alloc := newTestAllocator(t)
	v := newAnon(t, alloc, 0, pageSize)
	if err := v.CommitRange(0, pageSize); err != nil {
		t.Fatalf("CommitRange: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Errorf("Unpin of unpinned page did not panic")
		}
	}()
	v.Unpin(0, pageSize)
}

func TestCowCloneWriteIsolation(t *testing.T) {
	alloc := newTestAllocator(t)
	parent := newAnon(t, alloc, 0, 2*pageSize)

	parentData := pattern(pageSize, 1)
	if err := parent.Write(parentData, 0); err != nil {
		t.Fatalf("parent Write: %v", err)
	}

	clone, err := parent.CreateCowClone(0, 2*pageSize, false)
	if err != nil {
		t.Fatalf("CreateCowClone: %v", err)
	}
	defer clone.DecRef()

	// The clone reads through to the parent without committing anything.
	got := make([]byte, pageSize)
	if err := clone.Read(got, 0); err != nil {
		t.Fatalf("clone Read: %v", err)
	}
	if !bytes.Equal(got, parentData) {
		t.Errorf("clone does not see parent content")
	}
	if n := clone.AttributedPages(); n != 0 {
		t.Errorf("clone AttributedPages after read: got %d, want 0", n)
	}

	// Writing forks a private copy; the parent keeps its bytes.
	cloneData := pattern(pageSize, 2)
	if err := clone.Write(cloneData, 0); err != nil {
		t.Fatalf("clone Write: %v", err)
	}
	if n := clone.AttributedPages(); n != 1 {
		t.Errorf("clone AttributedPages after write: got %d, want 1", n)
	}
	if err := parent.Read(got, 0); err != nil {
		t.Fatalf("parent Read: %v", err)
	}
	if !bytes.Equal(got, parentData) {
		t.Errorf("clone write leaked into parent")
	}
	if err := clone.Read(got, 0); err != nil {
		t.Fatalf("clone Read: %v", err)
	}
	if !bytes.Equal(got, cloneData) {
		t.Errorf("clone lost its private copy")
	}
}

func TestCloneSharesParentPageUntilWrite(t *testing.T) {
	alloc := newTestAllocator(t)
	parent := newAnon(t, alloc, 0, pageSize)
	if err := parent.CommitRange(0, pageSize); err != nil {
		t.Fatalf("CommitRange: %v", err)
	}
	clone, err := parent.CreateCowClone(0, pageSize, false)
	if err != nil {
		t.Fatalf("CreateCowClone: %v", err)
	}
	defer clone.DecRef()

	parentPage, err := parent.GetPage(0, FaultRead, nil)
	if err != nil {
		t.Fatalf("parent GetPage: %v", err)
	}
	clonePage, err := clone.GetPage(0, FaultRead, nil)
	if err != nil {
		t.Fatalf("clone GetPage: %v", err)
	}
	if clonePage != parentPage {
		t.Errorf("clone read fault got %#x, want parent's page %#x",
			clonePage.PhysicalAddress(), parentPage.PhysicalAddress())
	}

	clonePage, err = clone.GetPage(0, FaultWrite, nil)
	if err != nil {
		t.Fatalf("clone GetPage write: %v", err)
	}
	if clonePage == parentPage {
		t.Errorf("clone write fault did not fork a private page")
	}
}

func TestCloneZeroFillBeyondWindow(t *testing.T) {
	alloc := newTestAllocator(t)
	parent := newAnon(t, alloc, 0, pageSize)
	if err := parent.Write(pattern(pageSize, 9), 0); err != nil {
		t.Fatalf("parent Write: %v", err)
	}

	// The clone is larger than its window into the parent; the tail is
	// zero fill backed by the shared zero page.
	clone, err := parent.CreateCowClone(0, 3*pageSize, false)
	if err != nil {
		t.Fatalf("CreateCowClone: %v", err)
	}
	defer clone.DecRef()

	page, err := clone.GetPage(2*pageSize, FaultRead, nil)
	if err != nil {
		t.Fatalf("clone GetPage: %v", err)
	}
	if got, want := page.PhysicalAddress(), alloc.ZeroPage().PhysicalAddress(); got != want {
		t.Errorf("zero-fill fault: got page %#x, want zero page %#x", got, want)
	}

	buf := make([]byte, pageSize)
	buf[0] = 0xaa
	if err := clone.Read(buf, 2*pageSize); err != nil {
		t.Fatalf("clone Read: %v", err)
	}
	if !bytes.Equal(buf, make([]byte, pageSize)) {
		t.Errorf("beyond-window read is not zero fill")
	}
}

func TestCloneWindowClampedByParentShrink(t *testing.T) {
	alloc := newTestAllocator(t)
	parent := newAnon(t, alloc, OptionResizable, 4*pageSize)
	if err := parent.Write(pattern(pageSize, 5), 3*pageSize); err != nil {
		t.Fatalf("parent Write: %v", err)
	}
	clone, err := parent.CreateCowClone(0, 4*pageSize, false)
	if err != nil {
		t.Fatalf("CreateCowClone: %v", err)
	}
	defer clone.DecRef()

	if err := parent.Resize(2 * pageSize); err != nil {
		t.Fatalf("parent Resize: %v", err)
	}

	// The trimmed tail no longer shows through.
	buf := make([]byte, pageSize)
	buf[0] = 0xaa
	if err := clone.Read(buf, 3*pageSize); err != nil {
		t.Fatalf("clone Read: %v", err)
	}
	if !bytes.Equal(buf, make([]byte, pageSize)) {
		t.Errorf("clone still sees parent content past the parent's new size")
	}
}

func TestCloneShrinkRegrowReadsZeros(t *testing.T) {
	alloc := newTestAllocator(t)
	parent := newAnon(t, alloc, 0, 4*pageSize)
	if err := parent.Write(pattern(4*pageSize, 7), 0); err != nil {
		t.Fatalf("parent Write: %v", err)
	}
	clone, err := parent.CreateCowClone(0, 4*pageSize, true)
	if err != nil {
		t.Fatalf("CreateCowClone: %v", err)
	}
	defer clone.DecRef()

	if err := clone.Resize(pageSize); err != nil {
		t.Fatalf("clone Resize shrink: %v", err)
	}
	if err := clone.Resize(4 * pageSize); err != nil {
		t.Fatalf("clone Resize grow: %v", err)
	}

	// The regrown range is new zero fill; the parent's bytes do not come
	// back.
	buf := make([]byte, pageSize)
	buf[0] = 0xaa
	if err := clone.Read(buf, 3*pageSize); err != nil {
		t.Fatalf("clone Read: %v", err)
	}
	if !bytes.Equal(buf, make([]byte, pageSize)) {
		t.Errorf("regrown clone range resurrects parent content")
	}
	// The surviving window still reads through.
	if err := clone.Read(buf, 0); err != nil {
		t.Fatalf("clone Read: %v", err)
	}
	if !bytes.Equal(buf, pattern(pageSize, 7)) {
		t.Errorf("surviving window no longer reads through to the parent")
	}
}

func TestCreateContiguous(t *testing.T) {
	alloc := newTestAllocator(t)
	v, err := CreateContiguous(alloc, pmm.AllocDefault, 4*pageSize, 13)
	if err != nil {
		t.Fatalf("CreateContiguous: %v", err)
	}
	defer v.DecRef()

	paddrs, err := v.Lookup(0, 4*pageSize)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if paddrs[0]&(1<<13-1) != 0 {
		t.Errorf("base %#x not aligned to %d bytes", paddrs[0], 1<<13)
	}
	for i, paddr := range paddrs {
		if want := paddrs[0] + uint64(i)*pageSize; paddr != want {
			t.Errorf("page %d: got %#x, want %#x (not contiguous)", i, paddr, want)
		}
	}

	// Contiguous pages are born pinned: the run cannot be broken up.
	if err := v.DecommitRange(0, pageSize); err != kernelerr.BadState {
		t.Errorf("DecommitRange: got %v, want BadState", err)
	}
	if err := v.Resize(2 * pageSize); err != kernelerr.Unavailable {
		t.Errorf("Resize: got %v, want Unavailable", err)
	}
	if _, err := v.CreateCowClone(0, pageSize, false); err != kernelerr.NotSupported {
		t.Errorf("CreateCowClone of contiguous VMO: got %v, want NotSupported", err)
	}
}

func TestResize(t *testing.T) {
	alloc := newTestAllocator(t)
	v := newAnon(t, alloc, OptionResizable, 4*pageSize)

	if err := v.Write(pattern(pageSize, 4), 3*pageSize); err != nil {
		t.Fatalf("Write: %v", err)
	}
	free := alloc.FreeCount()
	if err := v.Resize(2 * pageSize); err != nil {
		t.Fatalf("Resize shrink: %v", err)
	}
	if got := v.Size(); got != 2*pageSize {
		t.Errorf("Size: got %#x, want %#x", got, 2*pageSize)
	}
	if got := alloc.FreeCount(); got != free+1 {
		t.Errorf("FreeCount after shrink: got %d, want %d", got, free+1)
	}

	// Growing back exposes zeros, not the old bytes.
	if err := v.Resize(4 * pageSize); err != nil {
		t.Fatalf("Resize grow: %v", err)
	}
	buf := make([]byte, pageSize)
	buf[0] = 0xaa
	if err := v.Read(buf, 3*pageSize); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(buf, make([]byte, pageSize)) {
		t.Errorf("regrown range is not zero fill")
	}
}

func TestResizeNotResizable(t *testing.T) {
	alloc := newTestAllocator(t)
	v := newAnon(t, alloc, 0, pageSize)
	if err := v.Resize(2 * pageSize); err != kernelerr.Unavailable {
		t.Errorf("Resize: got %v, want Unavailable", err)
	}
}

// recordingMapping records Invalidate calls.
type recordingMapping struct {
	calls []invalidateCall
}

type invalidateCall struct {
	Offset, Length uint64
	Op             RangeChangeOp
}

func (m *recordingMapping) Invalidate(offset, length uint64, op RangeChangeOp) {
	m.calls = append(m.calls, invalidateCall{offset, length, op})
}

func TestMappingNotifications(t *testing.T) {
	alloc := newTestAllocator(t)
	v := newAnon(t, alloc, OptionResizable, 4*pageSize)
	if err := v.CommitRange(0, 4*pageSize); err != nil {
		t.Fatalf("CommitRange: %v", err)
	}

	ms := &recordingMapping{}
	v.AddMapping(ms)
	defer v.RemoveMapping(ms)

	// Cloning downgrades the window to read-only.
	clone, err := v.CreateCowClone(pageSize, 2*pageSize, false)
	if err != nil {
		t.Fatalf("CreateCowClone: %v", err)
	}
	defer clone.DecRef()

	// Shrinking invalidates the trimmed tail.
	if err := v.Resize(3 * pageSize); err != nil {
		t.Fatalf("Resize: %v", err)
	}

	want := []invalidateCall{
		{pageSize, 2 * pageSize, RangeChangeRemoveWrite},
		{3 * pageSize, pageSize, RangeChangeUnmap},
	}
	if diff := cmp.Diff(want, ms.calls); diff != "" {
		t.Errorf("notifications mismatch (-want +got):\n%s", diff)
	}
}

func TestCloneMappingInvalidatedByParentDecommit(t *testing.T) {
	alloc := newTestAllocator(t)
	parent := newAnon(t, alloc, 0, 2*pageSize)
	if err := parent.CommitRange(0, 2*pageSize); err != nil {
		t.Fatalf("CommitRange: %v", err)
	}
	clone, err := parent.CreateCowClone(pageSize, pageSize, false)
	if err != nil {
		t.Fatalf("CreateCowClone: %v", err)
	}
	defer clone.DecRef()

	ms := &recordingMapping{}
	clone.AddMapping(ms)
	defer clone.RemoveMapping(ms)

	// Decommitting parent page 1 changes what the clone's offset 0 reads.
	if err := parent.DecommitRange(pageSize, pageSize); err != nil {
		t.Fatalf("DecommitRange: %v", err)
	}
	want := []invalidateCall{{0, pageSize, RangeChangeUnmap}}
	if diff := cmp.Diff(want, ms.calls); diff != "" {
		t.Errorf("clone notifications mismatch (-want +got):\n%s", diff)
	}
}

func TestSetMappingCachePolicy(t *testing.T) {
	alloc := newTestAllocator(t)
	v := newAnon(t, alloc, 0, pageSize)

	if err := v.SetMappingCachePolicy(CachePolicyWriteCombining); err != nil {
		t.Fatalf("SetMappingCachePolicy on pristine VMO: %v", err)
	}
	if got := v.CachePolicy(); got != CachePolicyWriteCombining {
		t.Errorf("CachePolicy: got %d, want %d", got, CachePolicyWriteCombining)
	}

	if err := v.CommitRange(0, pageSize); err != nil {
		t.Fatalf("CommitRange: %v", err)
	}
	if err := v.SetMappingCachePolicy(CachePolicyUncached); err != kernelerr.BadState {
		t.Errorf("SetMappingCachePolicy with committed pages: got %v, want BadState", err)
	}
}

func TestTakeAndSupplyPages(t *testing.T) {
	alloc := newTestAllocator(t)
	src := newAnon(t, alloc, 0, 2*pageSize)
	dst := newAnon(t, alloc, 0, 2*pageSize)

	want := pattern(2*pageSize, 11)
	if err := src.Write(want, 0); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var moved pmm.PageList
	if err := src.TakePages(0, 2*pageSize, &moved); err != nil {
		t.Fatalf("TakePages: %v", err)
	}
	if n := src.AttributedPages(); n != 0 {
		t.Errorf("source AttributedPages after take: got %d, want 0", n)
	}
	if n := moved.Count(); n != 2 {
		t.Fatalf("moved pages: got %d, want 2", n)
	}

	if err := dst.SupplyPages(0, 2*pageSize, &moved); err != nil {
		t.Fatalf("SupplyPages: %v", err)
	}
	got := make([]byte, 2*pageSize)
	if err := dst.Read(got, 0); err != nil {
		t.Fatalf("Read: %v", err)
	}
	// TakePages pops in removal order and SupplyPages reinserts in
	// ascending offsets, so the two pages swap places.
	if !bytes.Equal(got[:pageSize], want[pageSize:]) || !bytes.Equal(got[pageSize:], want[:pageSize]) {
		// Order is an implementation detail of the intrusive list; all
		// that matters is both pages arrived with content intact.
		if !bytes.Equal(got, want) {
			t.Errorf("supplied content mangled")
		}
	}
}

func TestTakePagesPreconditions(t *testing.T) {
	alloc := newTestAllocator(t)
	v := newAnon(t, alloc, 0, 2*pageSize)
	if err := v.CommitRange(0, pageSize); err != nil {
		t.Fatalf("CommitRange: %v", err)
	}

	var list pmm.PageList
	// Gap at page 1.
	if err := v.TakePages(0, 2*pageSize, &list); err != kernelerr.NotFound {
		t.Errorf("TakePages across gap: got %v, want NotFound", err)
	}
	// Pinned pages cannot be taken.
	if err := v.Pin(0, pageSize); err != nil {
		t.Fatalf("Pin: %v", err)
	}
	if err := v.TakePages(0, pageSize, &list); err != kernelerr.BadState {
		t.Errorf("TakePages of pinned page: got %v, want BadState", err)
	}
	v.Unpin(0, pageSize)
	// A mapped VMO cannot be torn apart.
	ms := &recordingMapping{}
	v.AddMapping(ms)
	if err := v.TakePages(0, pageSize, &list); err != kernelerr.BadState {
		t.Errorf("TakePages of mapped VMO: got %v, want BadState", err)
	}
	v.RemoveMapping(ms)
}

// testSource is a pager source that records armed requests and completes
// them when pages are supplied.
type testSource struct {
	mu        sync.Mutex
	armed     map[uint64][]*pager.Request
	arrived   chan uint64
	detached  bool
	finalized int
}

func newTestSource() *testSource {
	return &testSource{
		armed:   make(map[uint64][]*pager.Request),
		arrived: make(chan uint64, 16),
	}
}

func (s *testSource) GetPage(offset uint64, req *pager.Request) (*pmm.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached {
		return nil, kernelerr.NotFound
	}
	req.Arm()
	s.armed[offset] = append(s.armed[offset], req)
	select {
	case s.arrived <- offset:
	default:
	}
	return nil, kernelerr.ErrShouldWait
}

func (s *testSource) OnPagesSupplied(offset, length uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for off, reqs := range s.armed {
		if off >= offset && off < offset+length {
			for _, r := range reqs {
				r.Complete(nil)
			}
			delete(s.armed, off)
		}
	}
}

func (s *testSource) FinalizeRequest(*pager.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized++
	return nil
}

func (s *testSource) Detached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detached
}

func (s *testSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detached = true
	for _, reqs := range s.armed {
		for _, r := range reqs {
			r.Complete(kernelerr.NotFound)
		}
	}
	s.armed = make(map[uint64][]*pager.Request)
}

func TestPagerBackedCommitWaitsForSupply(t *testing.T) {
	alloc := newTestAllocator(t)
	src := newTestSource()
	v, err := CreateExternal(alloc, pmm.AllocDefault, src, 0, 2*pageSize)
	if err != nil {
		t.Fatalf("CreateExternal: %v", err)
	}
	defer v.DecRef()

	errCh := make(chan error, 1)
	go func() {
		errCh <- v.CommitRange(0, 2*pageSize)
	}()

	// The committer blocks on the first page.
	select {
	case off := <-src.arrived:
		if off != 0 {
			t.Errorf("first request at %#x, want 0", off)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no page request arrived")
	}
	select {
	case err := <-errCh:
		t.Fatalf("CommitRange returned %v before pages were supplied", err)
	case <-time.After(10 * time.Millisecond):
	}

	// Supply both pages with recognizable content.
	want := pattern(2*pageSize, 21)
	var list pmm.PageList
	for i := 1; i >= 0; i-- {
		page, err := alloc.AllocPage(pmm.AllocDefault)
		if err != nil {
			t.Fatalf("AllocPage: %v", err)
		}
		copy(alloc.PhysToVirt(page.PhysicalAddress()), want[i*pageSize:])
		list.Push(page)
	}
	if err := v.SupplyPages(0, 2*pageSize, &list); err != nil {
		t.Fatalf("SupplyPages: %v", err)
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("CommitRange: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("CommitRange did not resume after supply")
	}

	got := make([]byte, 2*pageSize)
	if err := v.Read(got, 0); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("pager-supplied content mangled")
	}

	// The commit loop finalized its request once every arrival was
	// observed; the read hit committed pages and issued none.
	src.mu.Lock()
	finalized := src.finalized
	src.mu.Unlock()
	if finalized != 1 {
		t.Errorf("FinalizeRequest calls: got %d, want 1", finalized)
	}
}

func TestDetachedSourceAsymmetry(t *testing.T) {
	alloc := newTestAllocator(t)
	src := newTestSource()
	v, err := CreateExternal(alloc, pmm.AllocDefault, src, 0, 2*pageSize)
	if err != nil {
		t.Fatalf("CreateExternal: %v", err)
	}
	defer v.DecRef()

	clone, err := v.CreateCowClone(0, 2*pageSize, false)
	if err != nil {
		t.Fatalf("CreateCowClone: %v", err)
	}
	defer clone.DecRef()

	src.Close()

	// The root's content is genuinely gone.
	if _, err := v.GetPage(0, FaultRead, nil); err != kernelerr.NotFound {
		t.Errorf("root fault after detach: got %v, want NotFound", err)
	}
	// The clone keeps working, reading zeros where content never arrived.
	page, err := clone.GetPage(0, FaultRead, nil)
	if err != nil {
		t.Fatalf("clone fault after detach: %v", err)
	}
	if got, want := page.PhysicalAddress(), alloc.ZeroPage().PhysicalAddress(); got != want {
		t.Errorf("clone fault after detach: got %#x, want zero page %#x", got, want)
	}
}

func TestDestroyFreesEverything(t *testing.T) {
	alloc := newTestAllocator(t)
	free := alloc.FreeCount()

	v, err := Create(alloc, pmm.AllocDefault, 0, 4*pageSize)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := v.CommitRange(0, 4*pageSize); err != nil {
		t.Fatalf("CommitRange: %v", err)
	}
	clone, err := v.CreateCowClone(0, 4*pageSize, false)
	if err != nil {
		t.Fatalf("CreateCowClone: %v", err)
	}
	if err := clone.Write(pattern(pageSize, 1), 0); err != nil {
		t.Fatalf("clone Write: %v", err)
	}

	// The parent handle can go first; the clone's reference keeps the
	// chain alive.
	v.DecRef()
	buf := make([]byte, pageSize)
	if err := clone.Read(buf, pageSize); err != nil {
		t.Fatalf("clone Read after parent DecRef: %v", err)
	}
	clone.DecRef()

	if got := alloc.FreeCount(); got != free {
		t.Errorf("FreeCount after destroy: got %d, want %d", got, free)
	}
}

// recordingMaintainer records every cache maintenance call it receives.
type recordingMaintainer struct {
	ops  []CacheOpType
	lens []int
}

func (m *recordingMaintainer) Maintain(op CacheOpType, frame []byte) {
	m.ops = append(m.ops, op)
	m.lens = append(m.lens, len(frame))
}

func TestCacheOp(t *testing.T) {
	alloc := newTestAllocator(t)
	v := newAnon(t, alloc, 0, 4*pageSize)
	m := &recordingMaintainer{}
	v.CacheMaint = m

	// Pages 0 and 2 committed; page 1 is a gap with no frame to maintain.
	if err := v.CommitRange(0, pageSize); err != nil {
		t.Fatalf("CommitRange: %v", err)
	}
	if err := v.CommitRange(2*pageSize, pageSize); err != nil {
		t.Fatalf("CommitRange: %v", err)
	}
	if err := v.CacheOp(0, 3*pageSize, CacheOpClean); err != nil {
		t.Fatalf("CacheOp: %v", err)
	}
	if diff := cmp.Diff([]int{pageSize, pageSize}, m.lens); diff != "" {
		t.Errorf("maintained lengths mismatch (-want +got):\n%s", diff)
	}
	for _, op := range m.ops {
		if op != CacheOpClean {
			t.Errorf("maintained op: got %d, want %d", op, CacheOpClean)
		}
	}

	// An unaligned range maintains only the bytes it covers.
	m.ops, m.lens = nil, nil
	if err := v.CacheOp(61, pageSize, CacheOpInvalidate); err != nil {
		t.Fatalf("CacheOp: %v", err)
	}
	// [61, 61+pageSize) covers the tail of page 0 plus the gap at page 1.
	if diff := cmp.Diff([]int{pageSize - 61}, m.lens); diff != "" {
		t.Errorf("partial maintenance mismatch (-want +got):\n%s", diff)
	}

	if err := v.CacheOp(0, 5*pageSize, CacheOpClean); err != kernelerr.OutOfRange {
		t.Errorf("CacheOp past end: got %v, want OutOfRange", err)
	}
	if err := v.CacheOp(0, pageSize, CacheOpType(99)); err != kernelerr.InvalidArgs {
		t.Errorf("CacheOp with bogus op: got %v, want InvalidArgs", err)
	}
}

func TestCacheOpRequiresCachedPolicy(t *testing.T) {
	alloc := newTestAllocator(t)
	v := newAnon(t, alloc, 0, pageSize)
	if err := v.SetMappingCachePolicy(CachePolicyUncached); err != nil {
		t.Fatalf("SetMappingCachePolicy: %v", err)
	}
	if err := v.CacheOp(0, pageSize, CacheOpClean); err != kernelerr.InvalidArgs {
		t.Errorf("CacheOp on uncached VMO: got %v, want InvalidArgs", err)
	}
}

func TestSupplyPagesPinnedPages(t *testing.T) {
	alloc := newTestAllocator(t)
	v := newAnon(t, alloc, 0, 2*pageSize)
	if err := v.CommitRange(0, pageSize); err != nil {
		t.Fatalf("CommitRange: %v", err)
	}
	if err := v.Pin(0, pageSize); err != nil {
		t.Fatalf("Pin: %v", err)
	}
	defer v.Unpin(0, pageSize)

	var list pmm.PageList
	page, err := alloc.AllocPage(pmm.AllocDefault)
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	list.Push(page)
	// A pinned page must not be swapped out from under its holder.
	if err := v.SupplyPages(0, pageSize, &list); err != kernelerr.BadState {
		t.Errorf("SupplyPages over pinned page: got %v, want BadState", err)
	}
	alloc.FreeList(&list)
}
