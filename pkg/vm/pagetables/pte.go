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

	"vmcore.dev/vmcore/pkg/hostarch"
)

// Hardware entry bits. This layout is the x86-64 paging ABI; it is a protocol
// with the MMU and is manipulated only through the encode/decode helpers
// below.
const (
	present      uint64 = 1 << 0
	writable     uint64 = 1 << 1
	user         uint64 = 1 << 2
	writeThrough uint64 = 1 << 3
	cacheDisable uint64 = 1 << 4
	accessed     uint64 = 1 << 5
	dirty        uint64 = 1 << 6
	super        uint64 = 1 << 7
	global       uint64 = 1 << 8
	executeNo    uint64 = 1 << 63

	optionMask = executeNo | super | global | cacheDisable | writeThrough | user | writable | present

	// addrMask covers the physical frame number field.
	addrMask uint64 = 0x000f_ffff_ffff_f000
)

// MMUFlags describe the permissions and cache policy of a mapping.
type MMUFlags uint32

// Permission and attribute flags.
const (
	FlagRead MMUFlags = 1 << iota
	FlagWrite
	FlagExecute
	FlagUser
	FlagGlobal
)

// Cache policy flags. At most one may be set; absence means fully cached.
const (
	CacheUncached MMUFlags = 1 << (8 + iota)
	CacheWriteCombining

	cachePolicyMask = CacheUncached | CacheWriteCombining
)

// permMask covers the permission flags of an MMUFlags value.
const permMask = FlagRead | FlagWrite | FlagExecute | FlagUser | FlagGlobal

// valid returns true if the flag combination is expressible in a hardware
// entry. Write or execute access without read is not expressible on x86-64.
func (f MMUFlags) valid() bool {
	if f&(FlagWrite|FlagExecute) != 0 && f&FlagRead == 0 {
		return false
	}
	if f&cachePolicyMask == cachePolicyMask {
		return false
	}
	return f&FlagRead != 0
}

// FlagsForAccess builds the MMUFlags for at, applying the implied-read rule:
// write or execute access is not expressible without read.
func FlagsForAccess(at hostarch.AccessType, user, global bool) MMUFlags {
	at = at.Effective()
	var f MMUFlags
	if at.Read {
		f |= FlagRead
	}
	if at.Write {
		f |= FlagWrite
	}
	if at.Execute {
		f |= FlagExecute
	}
	if user {
		f |= FlagUser
	}
	if global {
		f |= FlagGlobal
	}
	return f
}

// AccessType returns the access a mapping with these flags permits.
func (f MMUFlags) AccessType() hostarch.AccessType {
	return hostarch.AccessType{
		Read:    f&FlagRead != 0,
		Write:   f&FlagWrite != 0,
		Execute: f&FlagExecute != 0,
	}
}

// PTE is a page table entry. Entries are mutated with atomic word operations
// because hardware walkers (and the lock-free query fast path of a real MMU)
// observe them concurrently with mutation.
type PTE uint64

// PTEs is a single table: one page worth of entries.
type PTEs [entriesPerTable]PTE

// Load atomically reads the raw entry.
func (p *PTE) Load() uint64 {
	return atomic.LoadUint64((*uint64)(p))
}

func (p *PTE) store(v uint64) {
	atomic.StoreUint64((*uint64)(p), v)
}

// Valid returns true iff the entry is present.
func (p *PTE) Valid() bool {
	return p.Load()&present != 0
}

// IsLarge returns true iff the entry is a terminal large mapping. Only
// meaningful above the bottom level.
func (p *PTE) IsLarge() bool {
	return p.Load()&super != 0
}

// Address extracts the physical frame address.
func (p *PTE) Address() uint64 {
	return p.Load() & addrMask
}

// Accessed returns the hardware accessed bit.
func (p *PTE) Accessed() bool {
	return p.Load()&accessed != 0
}

// Clear zaps the entry.
func (p *PTE) Clear() {
	p.store(0)
}

// encodeTerminal builds the raw word for a terminal mapping of paddr at the
// given level. Entries are born with the accessed bit (and dirty, when
// writable) already set, sparing the walker a locked read-modify-write on
// first touch; HarvestAccessed ages them back down.
func encodeTerminal(paddr uint64, flags MMUFlags, level int) uint64 {
	v := paddr&addrMask | present | accessed | encodeFlags(flags)
	if v&writable != 0 {
		v |= dirty
	}
	if level > 0 {
		v |= super
	}
	return v
}

// setTerminal installs a terminal mapping of paddr at the given level.
func (p *PTE) setTerminal(paddr uint64, flags MMUFlags, level int) {
	p.store(encodeTerminal(paddr, flags, level))
}

// setTable installs an intermediate entry pointing at a child table. The
// entry is maximally permissive; effective permissions live in the terminal
// entries below it. Born accessed, like terminal entries.
func (p *PTE) setTable(paddr uint64) {
	p.store(paddr&addrMask | present | writable | user | accessed)
}

// clearAccessed drops the accessed bit, preserving everything else.
func (p *PTE) clearAccessed() {
	p.store(p.Load() &^ accessed)
}

func encodeFlags(flags MMUFlags) uint64 {
	var v uint64
	if flags&FlagWrite != 0 {
		v |= writable
	}
	if flags&FlagExecute == 0 {
		v |= executeNo
	}
	if flags&FlagUser != 0 {
		v |= user
	}
	if flags&FlagGlobal != 0 {
		v |= global
	}
	switch flags & cachePolicyMask {
	case CacheUncached:
		v |= cacheDisable
	case CacheWriteCombining:
		// Approximated without PAT: write-through with caching disabled.
		v |= cacheDisable | writeThrough
	}
	return v
}

// Flags decodes a terminal entry's MMUFlags.
func (p *PTE) Flags() MMUFlags {
	v := p.Load()
	f := FlagRead
	if v&writable != 0 {
		f |= FlagWrite
	}
	if v&executeNo == 0 {
		f |= FlagExecute
	}
	if v&user != 0 {
		f |= FlagUser
	}
	if v&global != 0 {
		f |= FlagGlobal
	}
	switch {
	case v&cacheDisable != 0 && v&writeThrough != 0:
		f |= CacheWriteCombining
	case v&cacheDisable != 0:
		f |= CacheUncached
	}
	return f
}

// entriesDiffer reports whether old and new encode genuinely different
// mappings, ignoring the hardware-owned accessed and dirty bits.
func entriesDiffer(old, new uint64) bool {
	const hwOwned = accessed | dirty
	return old&^hwOwned != new&^hwOwned
}
