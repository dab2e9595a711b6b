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

// Package hostarch contains host arch address operations for user memory.
package hostarch

// Page size constants for the 4-level x86-64 layout.
const (
	// PageSize is the system page size.
	PageSize = 1 << PageShift

	// PageShift is the binary log of the system page size.
	PageShift = 12

	// HugePageSize is the system huge page size.
	HugePageSize = 1 << HugePageShift

	// HugePageShift is the binary log of the system huge page size.
	HugePageShift = 21

	// SuperPageSize is the system super page size.
	SuperPageSize = 1 << SuperPageShift

	// SuperPageShift is the binary log of the system super page size.
	SuperPageShift = 30
)

// PageRoundDown returns x rounded down to the nearest page boundary.
func PageRoundDown(x uint64) uint64 {
	return x &^ (PageSize - 1)
}

// PageRoundUp returns x rounded up to the nearest page boundary. ok is true
// iff rounding up did not wrap around.
func PageRoundUp(x uint64) (addr uint64, ok bool) {
	addr = PageRoundDown(x + PageSize - 1)
	ok = addr >= x
	return
}

// IsPageAligned returns true if x is a multiple of the page size.
func IsPageAligned(x uint64) bool {
	return x&(PageSize-1) == 0
}

// PagesInRange returns the number of pages spanned by [offset, offset+length),
// assuming both ends are page-aligned.
func PagesInRange(offset, length uint64) uint64 {
	return length >> PageShift
}
