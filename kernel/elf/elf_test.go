package elf

import (
	"ia32kernel/kernel"
	"ia32kernel/kernel/irq"
	"ia32kernel/kernel/mem"
	"ia32kernel/kernel/mem/vmm"
	"ia32kernel/kernel/task"
	"testing"
	"unsafe"
)

func validIdent() ident {
	return ident{Mag0: magic0, Mag1: magic1, Mag2: magic2, Mag3: magic3, Class: classBits32, Data: dataLittleEndian, Version: version1}
}

func validHeader() header32 {
	return header32{Ident: validIdent(), Version: version1, Type: typeExecutable, Machine: machineX86}
}

func TestCheckValidatesEachField(t *testing.T) {
	base := validHeader()
	if err := check(&base); err != nil {
		t.Fatalf("expected a well-formed header to pass; got %v", err)
	}

	specs := []struct {
		name   string
		mutate func(h *header32)
		exp    *kernel.Error
	}{
		{"bad magic", func(h *header32) { h.Ident.Mag0 = 0 }, ErrBadMagic},
		{"not 32-bit", func(h *header32) { h.Ident.Class = 2 }, ErrNot32Bit},
		{"not little endian", func(h *header32) { h.Ident.Data = 2 }, ErrNotLittle},
		{"bad ident version", func(h *header32) { h.Ident.Version = 0 }, ErrBadVersion},
		{"bad header version", func(h *header32) { h.Version = 0 }, ErrBadVersion},
		{"not executable", func(h *header32) { h.Type = 3 }, ErrNotExec},
		{"not x86", func(h *header32) { h.Machine = 0x3E }, ErrNotX86},
	}
	for specIndex, spec := range specs {
		h := base
		spec.mutate(&h)
		if err := check(&h); err != spec.exp {
			t.Errorf("[spec %d] %s: expected %v; got %v", specIndex, spec.name, spec.exp, err)
		}
	}
}

func TestProgramHeadersReadsTable(t *testing.T) {
	var buf [256]byte
	image := uintptr(unsafe.Pointer(&buf[0]))

	h := (*header32)(unsafe.Pointer(image))
	h.Phoff = 64
	h.Phnum = 2

	ph0 := (*programHeader32)(unsafe.Pointer(image + uintptr(h.Phoff)))
	ph0.Type = ptLoad
	ph0.Vaddr = 0x1000
	ph1 := (*programHeader32)(unsafe.Pointer(image + uintptr(h.Phoff) + unsafe.Sizeof(programHeader32{})))
	ph1.Type = ptNull

	hdrs := programHeaders(image, h)
	if len(hdrs) != 2 {
		t.Fatalf("expected 2 program headers; got %d", len(hdrs))
	}
	if hdrs[0].Type != ptLoad || hdrs[0].Vaddr != 0x1000 {
		t.Errorf("unexpected first header: %+v", hdrs[0])
	}
	if hdrs[1].Type != ptNull {
		t.Errorf("unexpected second header: %+v", hdrs[1])
	}
}

// withIdentityVaddrAt seams vaddrAtFn to index directly into dest by
// virtual address, so a segment's (uint32, ELF32-format) Vaddr can stand in
// as a plain offset into a real Go buffer instead of a raw pointer.
func withIdentityVaddrAt(t *testing.T, dest []byte) {
	t.Helper()
	origVaddrAt := vaddrAtFn
	t.Cleanup(func() { vaddrAtFn = origVaddrAt })
	vaddrAtFn = func(addr uintptr) unsafe.Pointer { return unsafe.Pointer(&dest[addr]) }
}

func TestLoadCopiesSegmentAndZeroFillsBSS(t *testing.T) {
	origModify, origModified, origUseVM := vmmModifyDirectoryFn, vmmModifiedDirectoryFn, vmmUseVirtualMemoryFn
	t.Cleanup(func() {
		vmmModifyDirectoryFn, vmmModifiedDirectoryFn, vmmUseVirtualMemoryFn = origModify, origModified, origUseVM
	})
	vmmModifyDirectoryFn = func(uintptr) *kernel.Error { return nil }
	vmmModifiedDirectoryFn = func() *kernel.Error { return nil }
	vmmUseVirtualMemoryFn = func(uintptr, mem.Size, vmm.Flags) (uintptr, *kernel.Error) { return 0, nil }

	var image [256]byte
	imgAddr := uintptr(unsafe.Pointer(&image[0]))

	h := (*header32)(unsafe.Pointer(imgAddr))
	*h = validHeader()
	h.Entry = 0xDEADBEEF
	h.Phoff = 64
	h.Phnum = 1

	payload := []byte("HELLO")
	copy(image[128:], payload)

	dest := make([]byte, 16)
	for i := range dest {
		dest[i] = 0xFF
	}
	withIdentityVaddrAt(t, dest)

	ph := (*programHeader32)(unsafe.Pointer(imgAddr + uintptr(h.Phoff)))
	ph.Type = ptLoad
	ph.Vaddr = 0
	ph.Offset = 128
	ph.Filesz = uint32(len(payload))
	ph.Memsz = uint32(len(dest))

	entry, err := Load(imgAddr, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry != 0xDEADBEEF {
		t.Errorf("expected entry 0xDEADBEEF; got %x", entry)
	}
	if string(dest[:len(payload)]) != "HELLO" {
		t.Errorf("expected the segment's file contents copied in; got %q", dest[:len(payload)])
	}
	for i := len(payload); i < len(dest); i++ {
		if dest[i] != 0 {
			t.Errorf("expected BSS tail byte %d zero-filled; got %x", i, dest[i])
		}
	}
}

func TestLoadRejectsMalformedImage(t *testing.T) {
	var image [64]byte
	imgAddr := uintptr(unsafe.Pointer(&image[0]))
	// Ident left zeroed: magic check should fail before anything else runs.
	if _, err := Load(imgAddr, 0); err != ErrBadMagic {
		t.Errorf("expected ErrBadMagic; got %v", err)
	}
}

func TestLoadSkipsNonLoadSegments(t *testing.T) {
	origModify, origModified, origUseVM := vmmModifyDirectoryFn, vmmModifiedDirectoryFn, vmmUseVirtualMemoryFn
	t.Cleanup(func() {
		vmmModifyDirectoryFn, vmmModifiedDirectoryFn, vmmUseVirtualMemoryFn = origModify, origModified, origUseVM
	})
	vmmModifyDirectoryFn = func(uintptr) *kernel.Error { return nil }
	vmmModifiedDirectoryFn = func() *kernel.Error { return nil }
	calledUseVM := false
	vmmUseVirtualMemoryFn = func(uintptr, mem.Size, vmm.Flags) (uintptr, *kernel.Error) {
		calledUseVM = true
		return 0, nil
	}

	var image [256]byte
	imgAddr := uintptr(unsafe.Pointer(&image[0]))
	h := (*header32)(unsafe.Pointer(imgAddr))
	*h = validHeader()
	h.Phoff = 64
	h.Phnum = 1

	ph := (*programHeader32)(unsafe.Pointer(imgAddr + uintptr(h.Phoff)))
	ph.Type = ptNull

	if _, err := Load(imgAddr, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calledUseVM {
		t.Error("expected a non-PT_LOAD entry to be skipped entirely")
	}
}

func TestCreateTaskRejectsMissingImage(t *testing.T) {
	if _, err := CreateTask(0, 0, 0); err != ErrMissingElf {
		t.Errorf("expected ErrMissingElf; got %v", err)
	}
}

func TestCreateTaskLoadsImageAndCreatesUserTask(t *testing.T) {
	origModify, origModified, origUseVM := vmmModifyDirectoryFn, vmmModifiedDirectoryFn, vmmUseVirtualMemoryFn
	origCreateDir, origCreateUser, origEnableInterrupts := vmmCreateDirectoryFn, taskCreateUserFn, irqEnableInterruptsFn
	t.Cleanup(func() {
		vmmModifyDirectoryFn, vmmModifiedDirectoryFn, vmmUseVirtualMemoryFn = origModify, origModified, origUseVM
		vmmCreateDirectoryFn, taskCreateUserFn, irqEnableInterruptsFn = origCreateDir, origCreateUser, origEnableInterrupts
	})
	vmmModifyDirectoryFn = func(uintptr) *kernel.Error { return nil }
	vmmModifiedDirectoryFn = func() *kernel.Error { return nil }
	vmmUseVirtualMemoryFn = func(uintptr, mem.Size, vmm.Flags) (uintptr, *kernel.Error) { return 0, nil }
	vmmCreateDirectoryFn = func() uintptr { return 0xABCD000 }
	irqEnableInterruptsFn = func(bool) bool { return false }

	var image [256]byte
	imgAddr := uintptr(unsafe.Pointer(&image[0]))
	h := (*header32)(unsafe.Pointer(imgAddr))
	*h = validHeader()
	h.Entry = 0x8048000
	h.Phoff = 64
	h.Phnum = 0 // no segments to load; only the handoff into task.CreateUser matters here

	var gotEntry, gotDir uintptr
	var gotELF interface{}
	taskCreateUserFn = func(entry, dir uintptr, kernelStackLen, userStackLen mem.Size, elf interface{}) task.PID {
		gotEntry, gotDir, gotELF = entry, dir, elf
		return 7
	}

	pid, err := CreateTask(imgAddr, mem.PageSize, mem.PageSize)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pid != 7 {
		t.Errorf("expected the PID task.CreateUser returned; got %d", pid)
	}
	if gotEntry != 0x8048000 {
		t.Errorf("expected the loaded entry point to be passed through; got %x", gotEntry)
	}
	if gotDir != 0xABCD000 {
		t.Errorf("expected the freshly created directory to be passed through; got %x", gotDir)
	}
	if gotELF != imgAddr {
		t.Errorf("expected the image address to be stashed as the task's ELF reference; got %v", gotELF)
	}
}

func TestDestroyTaskUnmapsAndDestroysKnownTask(t *testing.T) {
	origGet, origDestroy, origEnableInterrupts := taskGetFn, taskDestroyFn, irqEnableInterruptsFn
	origModify, origModified, origFree := vmmModifyDirectoryFn, vmmModifiedDirectoryFn, vmmFreeFn
	t.Cleanup(func() {
		taskGetFn, taskDestroyFn, irqEnableInterruptsFn = origGet, origDestroy, origEnableInterrupts
		vmmModifyDirectoryFn, vmmModifiedDirectoryFn, vmmFreeFn = origModify, origModified, origFree
	})
	irqEnableInterruptsFn = func(bool) bool { return false }
	vmmModifyDirectoryFn = func(uintptr) *kernel.Error { return nil }
	vmmModifiedDirectoryFn = func() *kernel.Error { return nil }
	freedCount := 0
	vmmFreeFn = func(uintptr, mem.Size) { freedCount++ }

	var image [256]byte
	imgAddr := uintptr(unsafe.Pointer(&image[0]))
	h := (*header32)(unsafe.Pointer(imgAddr))
	*h = validHeader()
	h.Phoff = 64
	h.Phnum = 1
	ph := (*programHeader32)(unsafe.Pointer(imgAddr + uintptr(h.Phoff)))
	ph.Type = ptLoad
	ph.Memsz = mem.PageSize

	tk := &task.Task{PID: 3, PageDirectory: 0x1000, ELF: imgAddr, Frame: &irq.Frame{}}
	taskGetFn = func(task.PID) *task.Task { return tk }
	var destroyedPID task.PID
	taskDestroyFn = func(pid task.PID) *kernel.Error { destroyedPID = pid; return nil }

	DestroyTask(3)
	if freedCount != 1 {
		t.Errorf("expected the one PT_LOAD segment's mapping to be freed; got %d frees", freedCount)
	}
	if destroyedPID != 3 {
		t.Errorf("expected task.Destroy to be called with PID 3; got %d", destroyedPID)
	}
}

func TestDestroyTaskOfUnknownPIDIsNoop(t *testing.T) {
	origGet, origDestroy, origEnableInterrupts := taskGetFn, taskDestroyFn, irqEnableInterruptsFn
	t.Cleanup(func() { taskGetFn, taskDestroyFn, irqEnableInterruptsFn = origGet, origDestroy, origEnableInterrupts })
	irqEnableInterruptsFn = func(bool) bool { return false }
	taskGetFn = func(task.PID) *task.Task { return nil }
	called := false
	taskDestroyFn = func(task.PID) *kernel.Error { called = true; return nil }

	DestroyTask(99)
	if called {
		t.Error("expected DestroyTask to do nothing for an unknown PID")
	}
}
