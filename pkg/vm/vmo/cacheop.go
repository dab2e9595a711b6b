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
	"vmcore.dev/vmcore/pkg/errors/kernelerr"
	"vmcore.dev/vmcore/pkg/hostarch"
)

// CacheOpType selects the data-cache maintenance CacheOp performs.
type CacheOpType int

const (
	// CacheOpClean writes dirty lines back to memory.
	CacheOpClean CacheOpType = iota

	// CacheOpCleanInvalidate writes dirty lines back and discards them.
	CacheOpCleanInvalidate

	// CacheOpInvalidate discards lines without writing them back.
	CacheOpInvalidate

	// CacheOpSync makes instruction fetch observe prior data writes.
	CacheOpSync
)

// CacheMaintenance applies data-cache maintenance to page frames on hosts
// whose bus masters are not cache coherent. A nil maintainer means the host
// is coherent; CacheOp still validates and walks, but nothing needs doing.
type CacheMaintenance interface {
	Maintain(op CacheOpType, frame []byte)
}

// CacheOp applies data-cache maintenance to the bytes of [offset,
// offset+length) backed by this VMO's own committed pages. Gaps have no
// frame to maintain and are skipped; pages visible through a clone window
// are the ancestor's to maintain. Only legal with the cached mapping policy:
// uncached and write-combining memory bypasses the cache, so the op is
// meaningless there and fails with InvalidArgs.
func (v *VMO) CacheOp(offset, length uint64, op CacheOpType) error {
	switch op {
	case CacheOpClean, CacheOpCleanInvalidate, CacheOpInvalidate, CacheOpSync:
	default:
		return kernelerr.InvalidArgs
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	start, end, err := v.clampRangeLocked(offset, length)
	if err != nil {
		return err
	}
	if v.cachePolicy != CachePolicyCached {
		return kernelerr.InvalidArgs
	}
	if v.CacheMaint == nil || length == 0 {
		return nil
	}

	v.pages.forRange(start, end, func(e *pageListEntry) bool {
		// The first and last pages may be covered only partially.
		lo, hi := uint64(0), uint64(hostarch.PageSize)
		if e.off < offset {
			lo = offset - e.off
		}
		if e.off+hostarch.PageSize > offset+length {
			hi = offset + length - e.off
		}
		frame := v.alloc.PhysToVirt(e.page.PhysicalAddress())
		v.CacheMaint.Maintain(op, frame[lo:hi])
		return true
	})
	return nil
}
