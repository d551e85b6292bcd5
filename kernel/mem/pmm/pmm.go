// Package pmm implements the physical memory manager: a dense bitmap that
// tags every 4 KiB frame in the 4 GiB physical address space as Unused,
// Reserved, Kernel or User, plus a first-fit allocator over it.
package pmm

import (
	"ia32kernel/kernel"
	"ia32kernel/kernel/kfmt"
	"ia32kernel/kernel/mem"
)

// Flag tags the owner of a physical frame.
type Flag uint8

const (
	// Unused marks a frame as free for allocation.
	Unused Flag = iota
	// Reserved marks a frame the PMM must never hand out (BIOS/MMIO, the
	// null-guard page, or memory GRUB never reported as available).
	Reserved
	// Kernel marks a frame owned by the kernel image or its structures.
	Kernel
	// User marks a frame owned by a user task.
	User
)

func (f Flag) String() string {
	switch f {
	case Unused:
		return "unused"
	case Reserved:
		return "reserved"
	case Kernel:
		return "kernel"
	case User:
		return "user"
	default:
		return "?"
	}
}

const (
	typeBits    = 2
	typeMask    = 1<<typeBits - 1
	frameCount  = (4 * uint64(mem.Gb)) / mem.PageSize
	bitmapWords = frameCount * typeBits / 32
)

var (
	// ErrOutOfMemory is reported when no run of free frames satisfies a
	// request.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}
)

// bitmap holds 2 bits per frame; index by frame*typeBits.
var bitmap [bitmapWords]uint32

// highestKernelFrame is the highest frame index ever tagged Kernel. The VMM
// identity-maps up to this bound during initialization.
var highestKernelFrame uintptr

func bitGet(bitIndex uint32) bool {
	return (bitmap[bitIndex/32]>>(bitIndex%32))&1 != 0
}

func bitSet(bitIndex uint32, v bool) {
	if v {
		bitmap[bitIndex/32] |= 1 << (bitIndex % 32)
	} else {
		bitmap[bitIndex/32] &^= 1 << (bitIndex % 32)
	}
}

func tagSet(frame uintptr, flag Flag) {
	idx := uint32(frame) * typeBits
	for i := uint32(0); i < typeBits; i++ {
		bitSet(idx+i, (uint32(flag)>>i)&1 != 0)
	}
}

func tagGet(frame uintptr) Flag {
	idx := uint32(frame) * typeBits
	var v uint32
	for i := uint32(0); i < typeBits; i++ {
		if bitGet(idx + i) {
			v |= 1 << i
		}
	}
	return Flag(v & typeMask)
}

// Init marks every frame Reserved. Callers then punch holes to Unused using
// Use for every range the boot memory map reports as available, following
// with Use(..., Kernel, ...) for the kernel image and boot structures.
func Init() {
	for i := range bitmap {
		// 0b01 repeated: every 2-bit lane set to Reserved(1).
		bitmap[i] = 0x55555555
	}
	highestKernelFrame = 0
}

// PageOf returns the frame index containing ptr+offset.
func PageOf(ptr uintptr, offset uintptr) uintptr {
	return (ptr + offset) >> mem.PageShift
}

// AddressOf returns the physical address of the start of frame, +offset.
func AddressOf(frame uintptr, offset uintptr) uintptr {
	return (frame << mem.PageShift) + offset
}

// Use tags every frame intersecting [addr, addr+length) with flag. Tagging
// is idempotent: the most recent call for a frame wins. A zero length is a
// no-op. label is used only for diagnostics.
func Use(addr uintptr, length mem.Size, flag Flag, label string) {
	if length == 0 {
		return
	}
	startPage := PageOf(addr, 0)
	endPage := PageOf(addr, uintptr(length)-1)

	verb := "Use "
	if flag == Unused {
		verb = "Free"
	}
	if label != "" {
		kfmt.Printf("[pmm] %s %x-%x (frame %x-%x) for %s\n", verb, addr, addr+uintptr(length)-1, startPage, endPage, label)
	}

	for i := startPage; i <= endPage; i++ {
		tagSet(i, flag)
	}

	if flag == Kernel && endPage > highestKernelFrame {
		highestKernelFrame = endPage
	}
}

func findFree(length mem.Size) (uintptr, bool) {
	if length == 0 {
		return 0, false
	}
	pages := uintptr(length) / mem.PageSize
	if uintptr(length)%mem.PageSize != 0 {
		pages++
	}

	var run uintptr
	for i := uintptr(0); i < frameCount; i++ {
		if tagGet(i) == Unused {
			run++
		} else {
			run = 0
		}
		if run >= pages {
			return AddressOf(i-run+1, 0), true
		}
	}
	return 0, false
}

// Alloc finds enough consecutive Unused frames to hold `length` bytes
// (rounded up to whole pages), tags them with flag and
// returns the physical address of the first. It reports ErrOutOfMemory if no
// such run exists.
func Alloc(length mem.Size, flag Flag) (uintptr, *kernel.Error) {
	addr, ok := findFree(length)
	if !ok {
		return 0, ErrOutOfMemory
	}
	Use(addr, length, flag, "pmm.Alloc")
	return addr, nil
}

// Free tags every frame in [addr, addr+length) as Unused. A zero length is a
// no-op.
func Free(addr uintptr, length mem.Size) {
	if length == 0 {
		return
	}
	Use(addr, length, Unused, "")
}

// Check returns the tag of the frame containing addr.
func Check(addr uintptr) Flag {
	return tagGet(PageOf(addr, 0))
}

// HighestKernelFrame returns the highest frame index ever tagged Kernel.
func HighestKernelFrame() uintptr {
	return highestKernelFrame
}
