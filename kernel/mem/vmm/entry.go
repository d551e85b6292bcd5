package vmm

import "ia32kernel/kernel/mem"

// entry is a single page directory or page table entry: bits 0-11 carry
// flags, bits 12-31 carry a frame number.
type entry uint32

const (
	flagPresent  entry = 1 << 0
	flagWritable entry = 1 << 1
	flagUser     entry = 1 << 2
)

func (e entry) present() bool  { return e&flagPresent != 0 }
func (e entry) writable() bool { return e&flagWritable != 0 }
func (e entry) user() bool     { return e&flagUser != 0 }

func (e entry) frame() uintptr {
	return uintptr(e) >> mem.PageShift
}

func makeEntry(frame uintptr, flags Flags) entry {
	var e entry = flagPresent
	if flags&FlagWritable != 0 {
		e |= flagWritable
	}
	if flags&FlagUser != 0 {
		e |= flagUser
	}
	return e | entry(frame<<mem.PageShift)
}

// Flags describes mapping permissions requested by a caller.
type Flags uint8

const (
	// FlagWritable requests a read-write mapping; its absence means
	// read-only.
	FlagWritable Flags = 1 << iota
	// FlagUser requests a ring-3-accessible mapping in the user domain;
	// its absence means kernel-only, in the kernel domain.
	FlagUser
)

// Kernel is the common kernel-domain, read-write, supervisor-only flag set.
const Kernel = FlagWritable

// User is the common user-domain, read-write, ring-3-accessible flag set.
const User = FlagWritable | FlagUser
