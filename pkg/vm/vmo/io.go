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
	"vmcore.dev/vmcore/pkg/vm/pager"
)

// Read copies len(p) bytes starting at offset into p, faulting pages in as
// needed. The copy proceeds page by page; if a page must be awaited from a
// pager the chain lock is dropped for the wait and the loop resumes from the
// progress already made, revalidating the range against the current size.
func (v *VMO) Read(p []byte, offset uint64) error {
	return v.ioLoop(p, offset, false)
}

// Write copies p into the VMO starting at offset. Every touched page
// becomes a private committed page of this VMO. Blocking and resumption
// behave as in Read.
func (v *VMO) Write(p []byte, offset uint64) error {
	return v.ioLoop(p, offset, true)
}

func (v *VMO) ioLoop(p []byte, offset uint64, write bool) error {
	length := uint64(len(p))
	if length == 0 {
		return nil
	}
	flags := FaultRead
	if write {
		flags = FaultWrite
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if length > MaxSize || offset > MaxSize-length || offset+length > v.size {
		return kernelerr.OutOfRange
	}

	var req pager.Request
	waited := false
	done := uint64(0)
	for done < length {
		cur := offset + done
		pageOff := cur & (hostarch.PageSize - 1)
		n := minUint64(hostarch.PageSize-pageOff, length-done)

		page, err := v.getPageLocked(cur&^(hostarch.PageSize-1), flags, nil, &req)
		if err == kernelerr.ErrShouldWait {
			waited = true
			v.mu.Unlock()
			werr := req.Wait()
			v.mu.Lock()
			if werr != nil {
				return werr
			}
			// A concurrent resize may have trimmed the tail of the
			// request while we slept.
			if offset+length > v.size {
				return kernelerr.OutOfRange
			}
			continue
		}
		if err != nil {
			return err
		}

		frame := v.alloc.PhysToVirt(page.PhysicalAddress())
		if write {
			copy(frame[pageOff:pageOff+n], p[done:done+n])
		} else {
			copy(p[done:done+n], frame[pageOff:pageOff+n])
		}
		done += n
	}
	if waited {
		// Every arrival the request waited on has been observed.
		return v.rootSourceLocked().FinalizeRequest(&req)
	}
	return nil
}
