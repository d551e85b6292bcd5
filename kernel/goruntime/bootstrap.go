// Package goruntime bootstraps the pieces of the Go runtime that would
// otherwise assume a hosted OS underneath them: its allocator's low-level
// address space reservation and mapping hooks are redirected here, onto
// this kernel's own VMM.
package goruntime

import (
	"ia32kernel/kernel/mem"
	"ia32kernel/kernel/mem/vmm"
	"unsafe"
)

var allocFn = vmm.Alloc

//go:linkname mSysStatInc runtime.mSysStatInc
func mSysStatInc(*uint64, uintptr)

// sysReserve reserves address space for the runtime's allocator. Unlike
// gopher-os, this kernel's VMM has no copy-on-write zero page to back a
// reservation that hasn't been touched yet, so reservation and backing
// happen together: the region is mapped to real frames immediately.
//
//go:redirect-from runtime.sysReserve
//go:nosplit
func sysReserve(_ unsafe.Pointer, size uintptr, reserved *bool) unsafe.Pointer {
	addr, err := allocFn(mem.Size(size), vmm.Kernel)
	if err != nil {
		panic(err)
	}
	*reserved = true
	return unsafe.Pointer(addr)
}

// sysMap is called after sysReserve to back a previously reserved region.
// Since sysReserve already backed the region with real frames, sysMap has
// nothing left to do beyond accounting.
//
//go:redirect-from runtime.sysMap
//go:nosplit
func sysMap(virtAddr unsafe.Pointer, size uintptr, reserved bool, sysStat *uint64) unsafe.Pointer {
	if !reserved {
		panic("sysMap should only be called with reserved=true")
	}
	mSysStatInc(sysStat, size)
	return virtAddr
}

// sysAlloc combines reservation and mapping into a single allocation.
//
//go:redirect-from runtime.sysAlloc
//go:nosplit
func sysAlloc(size uintptr, sysStat *uint64) unsafe.Pointer {
	addr, err := allocFn(mem.Size(size), vmm.Kernel)
	if err != nil {
		return unsafe.Pointer(uintptr(0))
	}
	mSysStatInc(sysStat, size)
	return unsafe.Pointer(addr)
}

func init() {
	var (
		reserved bool
		stat     uint64
		zeroPtr  = unsafe.Pointer(uintptr(0))
	)

	sysReserve(zeroPtr, 0, &reserved)
	sysMap(zeroPtr, 0, reserved, &stat)
	sysAlloc(0, &stat)
}
