// Package elf loads 32-bit, little-endian, x86 ELF executables into a task's
// address space. Only PT_LOAD program header entries are processed; this
// kernel has no dynamic linker, relocation, or shared-object support.
package elf

import (
	"ia32kernel/kernel"
	"ia32kernel/kernel/irq"
	"ia32kernel/kernel/mem"
	"ia32kernel/kernel/mem/vmm"
	"ia32kernel/kernel/task"
	"unsafe"
)

const (
	magic0, magic1, magic2, magic3 = 0x7F, 'E', 'L', 'F'
	classBits32                    = 1
	dataLittleEndian               = 1
	version1                       = 1
	typeExecutable                 = 2
	machineX86                     = 3
)

const (
	ptNull = 0
	ptLoad = 1
)

const (
	pfExec  = 0b001
	pfWrite = 0b010
	pfRead  = 0b100
)

// ident is the 16-byte e_ident field of an ELF32 header.
type ident struct {
	Mag0, Mag1, Mag2, Mag3 uint8
	Class                  uint8
	Data                   uint8
	Version                uint8
	_                      [9]uint8
}

// header32 is the ELF32 file header.
type header32 struct {
	Ident     ident
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint32
	Phoff     uint32
	Shoff     uint32
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

// programHeader32 is one ELF32 program header table entry.
type programHeader32 struct {
	Type   uint32
	Offset uint32
	Vaddr  uint32
	Paddr  uint32
	Filesz uint32
	Memsz  uint32
	Flags  uint32
	Align  uint32
}

var (
	// ErrBadMagic and friends are the individual rejection reasons
	// elf_check in the original distinguishes; kept distinct to make
	// diagnostics as specific as the C implementation's.
	ErrBadMagic   = &kernel.Error{Module: "elf", Message: "ELF magic not found"}
	ErrNot32Bit   = &kernel.Error{Module: "elf", Message: "ELF not 32-bit"}
	ErrNotLittle  = &kernel.Error{Module: "elf", Message: "ELF not little endian"}
	ErrBadVersion = &kernel.Error{Module: "elf", Message: "ELF version not 1"}
	ErrNotExec    = &kernel.Error{Module: "elf", Message: "ELF not executable"}
	ErrNotX86     = &kernel.Error{Module: "elf", Message: "ELF target not x86"}
	ErrMissingElf = &kernel.Error{Module: "elf", Message: "ELF not found"}
)

// The vmm/task/irq calls below are seamed so tests can drive the loader
// without a real page directory or task table.
var (
	vmmModifyDirectoryFn   = vmm.ModifyDirectory
	vmmModifiedDirectoryFn = vmm.ModifiedDirectory
	vmmUseVirtualMemoryFn  = vmm.UseVirtualMemory
	vmmFreeFn              = vmm.Free
	vmmCreateDirectoryFn   = vmm.CreateDirectory
	taskCreateUserFn       = task.CreateUser
	taskGetFn              = task.Get
	taskDestroyFn          = task.Destroy
	irqEnableInterruptsFn  = irq.EnableInterrupts

	// vaddrAtFn resolves a segment's destination virtual address to the
	// unsafe.Pointer zero/copyBytes write through. Seamed so tests can
	// back a segment's Vaddr (a uint32 in the ELF32 format) with a real
	// Go buffer instead of a raw, possibly-truncated 64-bit pointer; the
	// image address itself (copyBytes' source) is always a full uintptr
	// already and needs no such remapping.
	vaddrAtFn = func(addr uintptr) unsafe.Pointer { return unsafe.Pointer(addr) }
)

func headerOf(image uintptr) *header32 {
	return (*header32)(unsafe.Pointer(image))
}

// check validates the fixed fields this kernel requires of every executable
// it loads.
func check(h *header32) *kernel.Error {
	id := h.Ident
	if id.Mag0 != magic0 || id.Mag1 != magic1 || id.Mag2 != magic2 || id.Mag3 != magic3 {
		return ErrBadMagic
	}
	if id.Class != classBits32 {
		return ErrNot32Bit
	}
	if id.Data != dataLittleEndian {
		return ErrNotLittle
	}
	if id.Version != version1 || h.Version != version1 {
		return ErrBadVersion
	}
	if h.Type != typeExecutable {
		return ErrNotExec
	}
	if h.Machine != machineX86 {
		return ErrNotX86
	}
	return nil
}

func programHeaders(image uintptr, h *header32) []programHeader32 {
	base := image + uintptr(h.Phoff)
	hdrs := make([]programHeader32, h.Phnum)
	for i := range hdrs {
		hdrs[i] = *(*programHeader32)(unsafe.Pointer(base + uintptr(i)*unsafe.Sizeof(programHeader32{})))
	}
	return hdrs
}

// Load validates image and maps every PT_LOAD segment into pageDirectory,
// zero-filling memsz bytes (covering BSS beyond filesz) before copying
// filesz bytes from the image. Returns the entry point virtual address.
func Load(image uintptr, pageDirectory uintptr) (uintptr, *kernel.Error) {
	h := headerOf(image)
	if err := check(h); err != nil {
		return 0, err
	}

	vmmModifyDirectoryFn(pageDirectory)
	defer vmmModifiedDirectoryFn()

	for _, ph := range programHeaders(image, h) {
		if ph.Type != ptLoad {
			continue
		}
		flags := vmm.FlagUser
		if ph.Flags&pfWrite != 0 {
			flags |= vmm.FlagWritable
		}
		if _, err := vmmUseVirtualMemoryFn(uintptr(ph.Vaddr), mem.Size(ph.Memsz), flags); err != nil {
			return 0, err
		}
		zero(uintptr(ph.Vaddr), ph.Memsz)
		copyBytes(uintptr(ph.Vaddr), image+uintptr(ph.Offset), ph.Filesz)
	}

	return uintptr(h.Entry), nil
}

// Unload validates image and frees every PT_LOAD segment's mapping from
// pageDirectory.
func Unload(image uintptr, pageDirectory uintptr) {
	h := headerOf(image)
	if check(h) != nil {
		return
	}

	vmmModifyDirectoryFn(pageDirectory)
	defer vmmModifiedDirectoryFn()

	for _, ph := range programHeaders(image, h) {
		if ph.Type == ptLoad {
			vmmFreeFn(uintptr(ph.Vaddr), mem.Size(ph.Memsz))
		}
	}
}

// CreateTask builds a fresh page directory, loads image into it, and
// creates a user task starting at the loaded entry point. image must
// outlive the task: Destroy needs it again to unmap the segments.
func CreateTask(image uintptr, kernelStackLen, userStackLen mem.Size) (task.PID, *kernel.Error) {
	if image == 0 {
		return 0, ErrMissingElf
	}

	old := irqEnableInterruptsFn(false)
	defer irqEnableInterruptsFn(old)

	dir := vmmCreateDirectoryFn()
	entry, err := Load(image, dir)
	if err != nil {
		return 0, err
	}

	pid := taskCreateUserFn(entry, dir, kernelStackLen, userStackLen, image)
	return pid, nil
}

// DestroyTask unmaps the ELF image's segments from pid's directory and
// destroys the task. Installed into sched.SetELFDestroyer by boot wiring so
// the scheduler's finalizer pass reaps ELF tasks correctly.
func DestroyTask(pid task.PID) {
	old := irqEnableInterruptsFn(false)
	defer irqEnableInterruptsFn(old)

	t := taskGetFn(pid)
	if t == nil {
		return
	}
	if image, ok := t.ELF.(uintptr); ok {
		Unload(image, t.PageDirectory)
	}
	taskDestroyFn(pid)
}

func zero(vaddr uintptr, n uint32) {
	p := (*[1 << 30]byte)(vaddrAtFn(vaddr))[:n:n]
	for i := range p {
		p[i] = 0
	}
}

func copyBytes(dst, src uintptr, n uint32) {
	d := (*[1 << 30]byte)(vaddrAtFn(dst))[:n:n]
	s := (*[1 << 30]byte)(unsafe.Pointer(src))[:n:n]
	copy(d, s)
}
