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

// Package pager defines the asynchronous backing-store boundary for
// pager-backed VMOs.
//
// A page source never satisfies a true miss synchronously: GetPage arms the
// caller's Request and returns kernelerr.ErrShouldWait, and the caller must
// drop its locks and block on the Request until the source supplies the page
// (or fails the request). Timeout and cancellation policy, if any, belong to
// the source implementation; this boundary has none.
package pager

import (
	"vmcore.dev/vmcore/pkg/sync"
	"vmcore.dev/vmcore/pkg/vm/pmm"
)

// Source supplies page content for a pager-backed VMO.
type Source interface {
	// GetPage requests the page at the given page-aligned offset. If the
	// page has already been supplied it may be returned synchronously;
	// for a true miss the source arms req and returns
	// kernelerr.ErrShouldWait. A detached source returns
	// kernelerr.NotFound.
	GetPage(offset uint64, req *Request) (*pmm.Page, error)

	// OnPagesSupplied notifies the source that [offset, offset+length)
	// no longer needs supplying, waking any request blocked on an offset
	// in the range. Used both when pages arrive and when a resize trims
	// the range a request was waiting on out of existence.
	OnPagesSupplied(offset, length uint64)

	// FinalizeRequest completes req after the caller has observed every
	// page arrival it was waiting on, returning the request's final
	// status.
	FinalizeRequest(req *Request) error

	// Detached returns true once the source has been closed. Requests
	// against a detached source fail with kernelerr.NotFound.
	Detached() bool

	// Close detaches the source. No further requests are permitted.
	Close()
}

// Request tracks one outstanding page request. A Request may be reused for
// successive waits within one logical operation's retry loop.
type Request struct {
	mu sync.Mutex

	// done is non-nil while the request is armed; completing the request
	// closes it.
	done chan struct{}

	// err is the request's completion status, valid after done closes.
	err error
}

// Arm prepares the request for one wait cycle. Called by the source under
// its own lock from GetPage.
func (r *Request) Arm() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done == nil {
		r.done = make(chan struct{})
		r.err = nil
	}
}

// Complete wakes the waiter with the given status. Completing an unarmed or
// already-complete request is a no-op, since a supply racing with a retry is
// legal.
func (r *Request) Complete(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done == nil {
		return
	}
	r.err = err
	close(r.done)
	r.done = nil
}

// Wait blocks until the request completes and returns its status. The caller
// must not hold any VMO lock.
func (r *Request) Wait() error {
	r.mu.Lock()
	done := r.done
	if done == nil {
		// Completed before we got here.
		err := r.err
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()
	<-done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}
