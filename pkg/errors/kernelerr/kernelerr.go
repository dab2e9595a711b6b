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

// Package kernelerr contains kernel status codes exported as error interface
// pointers. This allows for fast comparison and return operations throughout
// the memory subsystem.
package kernelerr

import (
	"vmcore.dev/vmcore/pkg/errors"
)

// Status code values. These are stable and never reused.
const (
	codeInternal errors.Code = iota + 1
	codeNotSupported
	codeNoResources
	codeNoMemory
	codeInvalidArgs
	codeBadState
	codeOutOfRange
	codeNotFound
	codeAlreadyExists
	codeUnavailable
	codeBadHandle
	codeAccessDenied
	codeTimedOut
	codeCanceled
	codeShouldWait
)

// The following errors are the canonical failure values returned by the
// memory subsystem. They are preallocated so that error returns never
// allocate and comparisons are pointer comparisons.
var (
	Internal      = errors.New(codeInternal, "internal error")
	NotSupported  = errors.New(codeNotSupported, "operation not supported")
	NoResources   = errors.New(codeNoResources, "no resources")
	NoMemory      = errors.New(codeNoMemory, "out of memory")
	InvalidArgs   = errors.New(codeInvalidArgs, "invalid arguments")
	BadState      = errors.New(codeBadState, "bad state")
	OutOfRange    = errors.New(codeOutOfRange, "out of range")
	NotFound      = errors.New(codeNotFound, "not found")
	AlreadyExists = errors.New(codeAlreadyExists, "already exists")
	Unavailable   = errors.New(codeUnavailable, "unavailable")
	BadHandle     = errors.New(codeBadHandle, "bad handle")
	AccessDenied  = errors.New(codeAccessDenied, "access denied")
	TimedOut      = errors.New(codeTimedOut, "timed out")
	Canceled      = errors.New(codeCanceled, "canceled")
)

// ErrShouldWait is an internal error used to indicate that an operation
// cannot be satisfied immediately and the caller should block on the
// associated page request, retrying once the request completes. It never
// escapes the memory subsystem's public operations.
var ErrShouldWait = errors.New(codeShouldWait, "request should wait")
