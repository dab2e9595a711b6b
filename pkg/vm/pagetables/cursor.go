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

// MappingCursor tracks progress of a physical address stream through a walk.
// Map operations consume from it one terminal entry at a time; the consumed
// extent is what a failed walk must roll back.
type MappingCursor struct {
	// paddrs is the per-page stream, nil for contiguous runs.
	paddrs []uint64

	// paddr is the next physical address of a contiguous run.
	paddr uint64

	// consumed is the number of bytes already mapped.
	consumed uintptr
}

func newContiguousCursor(paddr uint64) MappingCursor {
	return MappingCursor{paddr: paddr}
}

func newArrayCursor(paddrs []uint64) MappingCursor {
	return MappingCursor{paddrs: paddrs}
}

// contiguous reports whether the stream is one physical run, which is what
// makes large-page candidacy possible.
func (c *MappingCursor) contiguous() bool {
	return c.paddrs == nil
}

// peek returns the physical address the next terminal entry would map.
func (c *MappingCursor) peek() uint64 {
	if c.paddrs != nil {
		return c.paddrs[0]
	}
	return c.paddr
}

// consume advances the cursor past one terminal entry of the given span.
// For a per-page stream a span larger than one page pops span/pteSize
// entries, which happens only when skipping an existing large mapping.
func (c *MappingCursor) consume(span uintptr) {
	if c.paddrs != nil {
		c.paddrs = c.paddrs[span/pteSize:]
	} else {
		c.paddr += uint64(span)
	}
	c.consumed += span
}

// Consumed returns the bytes mapped so far.
func (c *MappingCursor) Consumed() uintptr {
	return c.consumed
}
