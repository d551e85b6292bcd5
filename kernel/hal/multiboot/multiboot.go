// Package multiboot parses the Multiboot 1 information structure the
// bootloader hands off, exposing the BIOS memory map, the command line, and
// any loaded modules. The lower/upper memory size fields are not exposed.
package multiboot

import "unsafe"

const bootloaderMagic = 0x2BADB002

// flags bit positions within info.Flags.
const (
	flagMem = 1 << iota
	flagBootDevice
	flagCmdline
	flagMods
	flagAoutSymbolTable
	flagElfSectionHeaderTable
	flagMmap
	flagDrives
	flagConfigTable
	flagBootLoaderName
	flagApmTable
	flagVBE
)

// moduleEntry mirrors multiboot_module_t: one boot module's bounds and its
// identifying string (conventionally "name arg1 arg2...").
type moduleEntry struct {
	Start, End uintptr
	str        uintptr
	_          uint32
}

// memoryMapEntry mirrors multiboot_memory_map_t. Note the entry's own
// size field sits at offset 0 and is excluded from itself: walking the map
// advances by size+4, not size.
type memoryMapEntry struct {
	size                      uint32
	BaseAddrLow, BaseAddrHigh uint32
	LengthLow, LengthHigh     uint32
	Type                      uint32
}

// MemoryEntryType classifies a memory map region.
type MemoryEntryType uint32

const (
	// MemAvailable is free, usable RAM.
	MemAvailable MemoryEntryType = 1
	// MemReserved covers everything else: ACPI tables, MMIO holes, and
	// any type this kernel doesn't specifically distinguish.
	MemReserved MemoryEntryType = 2
)

// info mirrors multiboot_info_t for the fields this kernel actually reads.
// Fields beyond mmap/modules/cmdline (drives, VBE, APM, ...) are present in
// the original layout purely to keep later offsets correct, and carry no
// accessors here.
type info struct {
	Flags             uint32
	MemLower, MemUpper uint32
	bootDevice        uint32
	Cmdline           uint32
	ModsCount         uint32
	ModsAddr          uint32
	elfSec            [4]uint32
	MmapLength        uint32
	MmapAddr          uint32
	DrivesLength      uint32
	DrivesAddr        uint32
	ConfigTable       uint32
	BootLoaderName    uint32
	ApmTable          uint32
	vbe               [7]uint32
}

var mbInfo *info

// cstring reads a NUL-terminated string starting at addr. Used for the boot
// command line and module identifier strings, both of which the bootloader
// places in memory this kernel identity-maps before paging is even enabled.
func cstring(addr uint32) string {
	if addr == 0 {
		return ""
	}
	p := (*byte)(unsafe.Pointer(uintptr(addr)))
	n := 0
	for *(*byte)(unsafe.Pointer(uintptr(addr) + uintptr(n))) != 0 {
		n++
	}
	return string((*[1 << 20]byte)(unsafe.Pointer(p))[:n:n])
}

// Init records the bootloader-supplied info pointer. magic must match the
// Multiboot 1 bootloader magic; a mismatch leaves every other function in
// this package reporting empty results rather than dereferencing untrusted
// memory.
func Init(infoAddr uintptr, magic uint32) bool {
	if magic != bootloaderMagic {
		return false
	}
	mbInfo = (*info)(unsafe.Pointer(infoAddr))
	return true
}

// CommandLine returns the kernel command line the bootloader was given, or
// "" if none was supplied.
func CommandLine() string {
	if mbInfo == nil || mbInfo.Flags&flagCmdline == 0 {
		return ""
	}
	return cstring(mbInfo.Cmdline)
}

// Module looks up a boot module by its identifier string (the text after
// the module's file name on the bootloader's module line) and returns its
// start and end addresses. ok is false if no module has that identifier.
func Module(name string) (start, end uintptr, ok bool) {
	if mbInfo == nil || mbInfo.Flags&flagMods == 0 {
		return 0, 0, false
	}
	base := uintptr(mbInfo.ModsAddr)
	for i := uint32(0); i < mbInfo.ModsCount; i++ {
		m := (*moduleEntry)(unsafe.Pointer(base + uintptr(i)*unsafe.Sizeof(moduleEntry{})))
		if cstring(uint32(m.str)) == name {
			return m.Start, m.End, true
		}
	}
	return 0, 0, false
}

// MemRegionVisitor is called once per BIOS memory map entry. Returning
// false stops the scan early.
type MemRegionVisitor func(base uintptr, length uint64, kind MemoryEntryType) bool

// VisitMemoryMap walks the BIOS-supplied memory map, if any, invoking
// visitor for each entry. Only the low 32 bits of base/length are
// meaningful: this kernel does not support more than 4 GiB of RAM.
func VisitMemoryMap(visitor MemRegionVisitor) {
	if mbInfo == nil || mbInfo.Flags&flagMmap == 0 {
		return
	}

	cur := uintptr(mbInfo.MmapAddr)
	end := cur + uintptr(mbInfo.MmapLength)
	for cur < end {
		e := (*memoryMapEntry)(unsafe.Pointer(cur))
		kind := MemReserved
		if e.Type == 1 {
			kind = MemAvailable
		}
		length := uint64(e.LengthLow) | uint64(e.LengthHigh)<<32
		if !visitor(uintptr(e.BaseAddrLow), length, kind) {
			return
		}
		cur += uintptr(e.size) + 4
	}
}
