// Package vmm implements the IA-32 virtual memory manager: per-task page
// directories with a self-referential recursive mapping, a kernel/user
// domain policy, and the map/unmap primitives the rest of the kernel is
// built on.
//
// The recursive mapping trick: every directory's last entry (index
// Entries-1) points at itself. Once that directory is active, its own
// content becomes addressable at the fixed virtual address pageDirWindow
// (0xFFFFF000), and page table k becomes addressable at
// pageTabWindowBase+k*PageSize (0xFFC00000+k*4096) — because the top 10 bits
// of those addresses select the self-pointing last entry, turning the
// directory into "its own page table" for the purposes of the second-level
// walk. This lets every structural edit to the active directory go through
// ordinary pointer dereferences instead of a separate physical-memory
// mapping step.
package vmm

import (
	"ia32kernel/kernel"
	"ia32kernel/kernel/cpu"
	"ia32kernel/kernel/kfmt"
	"ia32kernel/kernel/mem"
	"ia32kernel/kernel/mem/pmm"
	"unsafe"
)

func logf(format string, args ...interface{}) {
	kfmt.Printf(format, args...)
}

// Function-variable seams around the handful of privileged cpu operations
// this package needs, swapped out in tests the same way
// gopheros/kernel/mem/vmm/vmm_test.go stubs ptePtrFn/flushTLBEntryFn: there
// is no MMU to exercise in a hosted test binary, so the seam stands in for
// one.
var (
	pagingEnabledFn     = cpu.PagingEnabled
	flushTLBEntryFn     = cpu.FlushTLBEntry
	loadPageDirectoryFn = cpu.LoadPageDirectory
	enablePagingFn      = cpu.EnablePaging
	interruptsEnabledFn = cpu.InterruptsEnabled
	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn  = cpu.EnableInterrupts

	// memAtFn resolves a physical (pre-paging) or window (post-paging)
	// address to the unsafe.Pointer dirPtr/tabPtr dereference. The
	// identity is correct once the kernel's own paging is live; tests
	// swap it to redirect "physical" addresses at Go-allocated buffers,
	// the same role gopheros/kernel/mem/vmm/vmm_test.go's ptePtrFn plays.
	memAtFn = func(addr uintptr) unsafe.Pointer { return unsafe.Pointer(addr) }
)

var (
	// active holds either the physical address of the current directory
	// (before paging is enabled) or the sentinel pageDirWindow (once
	// paging is enabled and the self-map makes the directory reachable at
	// that fixed virtual address).
	active uintptr

	// modifiedFrom holds the physical address of the directory active before
	// ModifyDirectory loaded a foreign one (0 if that directory was already
	// active), and modifiedInterrupts the interrupt-enabled state to restore
	// on ModifiedDirectory.
	modifiedFrom       uintptr
	modifiedInterrupts bool
	modifying          bool
)

// ErrAlreadyModifying is reported by ModifyDirectory when a modification is
// already in progress; nesting is not supported.
var ErrAlreadyModifying = &kernel.Error{Module: "vmm", Message: "already modifying a page directory"}

// ErrNotModifying is reported by ModifiedDirectory when called without a
// matching ModifyDirectory.
var ErrNotModifying = &kernel.Error{Module: "vmm", Message: "not modifying a page directory"}

// ErrAlreadyMapped is reported by Map when the target page is already
// present.
var ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "page already mapped"}

// ErrOutOfVirtualMemory is reported when no unmapped run satisfies a find.
var ErrOutOfVirtualMemory = &kernel.Error{Module: "vmm", Message: "out of virtual memory"}

// paging reports whether the active value refers to the fixed virtual
// window (paging enabled) as opposed to a raw physical address.
func paging() bool {
	return active == pageDirWindow
}

// dirPtr returns a pointer to the 1024 entries of the currently active
// directory. Before paging is enabled, physical memory is identity mapped
// so a raw cast of the physical address is valid; after paging is enabled,
// the self-map makes pageDirWindow the right virtual address.
func dirPtr() *[Entries]entry {
	return (*[Entries]entry)(memAtFn(active))
}

// tabPtr returns a pointer to page table k's 1024 entries, given the
// directory entry that owns it and which virtual address it is being
// consulted for.
func tabPtr(dirEntry entry, vaddr uintptr) *[Entries]entry {
	if paging() {
		return (*[Entries]entry)(memAtFn(pageTabWindow(dirIndex(vaddr))))
	}
	return (*[Entries]entry)(memAtFn(mem.FrameAddress(dirEntry.frame())))
}

// destroyTable frees the page table backing directory entry i and clears
// the directory entry.
func destroyTable(i uintptr) {
	d := dirPtr()
	pmm.Free(mem.FrameAddress(d[i].frame()), mem.PageSize)
	d[i] = 0
}

// CreateDirectory allocates and zeroes a fresh page directory frame and
// installs the recursive self-map in its last entry. Returns the physical
// address of the new directory.
func CreateDirectory() uintptr {
	dirPhys, err := pmm.Alloc(mem.PageSize, pmm.Kernel)
	if err != nil {
		panic(err)
	}
	logf("[vmm] creating page directory at %x\n", dirPhys)

	dir := MapPhysicalScratch(dirPhys, mem.PageSize)
	entries := (*[Entries]entry)(memAtFn(dir))
	for i := range entries {
		entries[i] = 0
	}
	entries[Entries-1] = makeEntry(mem.Frame(dirPhys), Kernel&^FlagWritable)
	UnmapPhysicalScratch(dir, mem.PageSize)

	return dirPhys
}

// DestroyDirectory frees every page table owned by dirPhys's user domain
// and VM86 slot, and finally the directory frame itself. dirPhys must not be
// the currently active directory of a running task.
func DestroyDirectory(dirPhys uintptr) {
	logf("[vmm] destroying page directory at %x\n", dirPhys)

	saved := active
	dir := MapPhysicalScratch(dirPhys, mem.PageSize)
	active = dir // temporarily operate on the directory being destroyed

	if dirPtr()[0].present() {
		destroyTable(0) // VM86 slot
	}
	for i := dirIndex(UserDomain.Start); i <= dirIndex(UserDomain.End); i++ {
		if dirPtr()[i].present() {
			destroyTable(i)
		}
	}
	destroyTable(Entries - 1) // the directory's own self-map slot

	active = saved
	UnmapPhysicalScratch(dir, mem.PageSize)
}

// refreshDirectory copies the kernel-domain entries of the currently active
// directory into dirPhys, so newly created directories observe every
// kernel mapping made so far.
func refreshDirectory(dirPhys uintptr) {
	dir := MapPhysicalScratch(dirPhys, mem.PageSize)
	dst := (*[Entries]entry)(memAtFn(dir))
	src := dirPtr()

	start, end := dirIndex(KernelDomain.Start), dirIndex(KernelDomain.End)
	for i := start; i <= end; i++ {
		dst[i] = src[i]
	}

	UnmapPhysicalScratch(dir, mem.PageSize)
}

// LoadDirectory activates dirPhys as the current directory, refreshing its
// kernel-domain entries first if paging is already enabled, or enabling
// paging with it if this is the very first load. Returns the physical
// address of the previously active directory (0 if dirPhys was already
// active).
func LoadDirectory(dirPhys uintptr) uintptr {
	if active == pageDirWindow && translatePhysicalOfActive() == dirPhys {
		return 0
	}

	logf("[vmm] loading page directory at %x\n", dirPhys)
	prevPhys := translatePhysicalOfActive()

	if pagingEnabledFn() {
		refreshDirectory(dirPhys)
		loadPageDirectoryFn(dirPhys)
	} else {
		loadPageDirectoryFn(dirPhys)
		enablePagingFn()
	}
	active = pageDirWindow

	return prevPhys
}

// translatePhysicalOfActive returns the physical address backing the
// currently active directory.
func translatePhysicalOfActive() uintptr {
	if !paging() {
		return active
	}
	return mem.FrameAddress(dirPtr()[Entries-1].frame())
}

// ModifyDirectory loads a foreign directory so its structures become
// editable through the fixed windows, disabling interrupts for the
// duration. Nesting is rejected; pair every call with ModifiedDirectory.
func ModifyDirectory(dirPhys uintptr) *kernel.Error {
	if modifying {
		logf("%s at %x\n", ErrAlreadyModifying.Message, modifiedFrom)
		return ErrAlreadyModifying
	}
	modifying = true
	modifiedInterrupts = interruptsEnabledFn()
	disableInterruptsFn()
	modifiedFrom = LoadDirectory(dirPhys)
	return nil
}

// ModifiedDirectory restores the directory active before the matching
// ModifyDirectory call and re-enables interrupts if they were enabled
// before.
func ModifiedDirectory() *kernel.Error {
	if !modifying {
		logf("%s\n", ErrNotModifying.Message)
		return ErrNotModifying
	}
	if modifiedFrom != 0 { // 0: the modified directory was already active
		LoadDirectory(modifiedFrom)
	}
	modifying = false
	if modifiedInterrupts {
		enableInterruptsFn()
	}
	return nil
}

// Map establishes a single 4 KiB mapping from vaddr to paddr under flags,
// allocating a backing page table if the covering directory entry does not
// exist yet. Fails if vaddr is outside the domain implied by flags, or is
// already mapped.
func Map(vaddr, paddr uintptr, flags Flags) *kernel.Error {
	if !domainCheck(vaddr, flags) {
		return ErrDomainMismatch
	}

	d := dirPtr()
	di := dirIndex(vaddr)
	if !d[di].present() {
		tabPhys, err := pmm.Alloc(mem.PageSize, pmm.Kernel)
		if err != nil {
			return err
		}
		d[di] = makeEntry(mem.Frame(tabPhys), User)
		tab := tabPtr(d[di], vaddr)
		for i := range tab {
			tab[i] = 0
		}
	}

	tab := tabPtr(d[di], vaddr)
	ti := tabIndex(vaddr)
	if tab[ti].present() {
		logf("[vmm] %x is already mapped\n", vaddr)
		return ErrAlreadyMapped
	}
	tab[ti] = makeEntry(mem.Frame(paddr), flags)

	if paging() {
		flushTLBEntryFn(vaddr)
	}
	return nil
}

// Unmap clears the mapping at vaddr, freeing the backing page table if it
// becomes empty. A vaddr with no mapping is a no-op.
func Unmap(vaddr uintptr) {
	d := dirPtr()
	di := dirIndex(vaddr)
	if !d[di].present() {
		return
	}
	tab := tabPtr(d[di], vaddr)
	ti := tabIndex(vaddr)
	if !tab[ti].present() {
		return
	}
	tab[ti] = 0

	empty := true
	for i := range tab {
		if tab[i].present() {
			empty = false
			break
		}
	}
	if empty {
		destroyTable(di)
	}

	if paging() {
		flushTLBEntryFn(vaddr)
	}
}

// MapRange maps `length` bytes starting at vaddr to paddr, one page at a
// time.
func MapRange(vaddr, paddr uintptr, length mem.Size, flags Flags) *kernel.Error {
	if length == 0 {
		return nil
	}
	if !domainCheck(vaddr, flags) {
		return ErrDomainMismatch
	}
	pages := (uintptr(length) + mem.PageSize - 1) / mem.PageSize
	for i := uintptr(0); i < pages; i++ {
		if err := Map(vaddr+i*mem.PageSize, paddr+i*mem.PageSize, flags); err != nil {
			return err
		}
	}
	return nil
}

// UnmapRange unmaps `length` bytes starting at vaddr, one page at a time.
func UnmapRange(vaddr uintptr, length mem.Size) {
	if length == 0 {
		return
	}
	pages := (uintptr(length) + mem.PageSize - 1) / mem.PageSize
	for i := uintptr(0); i < pages; i++ {
		Unmap(vaddr + i*mem.PageSize)
	}
}

// Translate returns the physical address mapped to vaddr, or (0, false) if
// vaddr is unmapped. Before paging is enabled every address translates to
// itself.
func Translate(vaddr uintptr) (uintptr, bool) {
	if !pagingEnabledFn() {
		return vaddr, true
	}
	d := dirPtr()
	di := dirIndex(vaddr)
	if !d[di].present() {
		return 0, false
	}
	tab := tabPtr(d[di], vaddr)
	ti := tabIndex(vaddr)
	if !tab[ti].present() {
		return 0, false
	}
	return mem.FrameAddress(tab[ti].frame()) + pageOffset(vaddr), true
}

// findFree performs a first-fit search over d for `length` consecutive
// unmapped pages, returning the virtual address of the first.
func findFree(length mem.Size, d Domain) (uintptr, bool) {
	if length == 0 {
		return 0, false
	}
	pages := (uintptr(length) + mem.PageSize - 1) / mem.PageSize
	var run uintptr
	start, end := mem.Frame(d.Start), mem.Frame(d.End)
	for i := start; i <= end; i++ {
		if _, mapped := Translate(mem.FrameAddress(i)); !mapped {
			run++
		} else {
			run = 0
		}
		if run >= pages {
			return mem.FrameAddress(i - run + 1), true
		}
	}
	logf("[vmm] %s\n", ErrOutOfVirtualMemory.Message)
	return 0, false
}

func pmmFlagsFor(flags Flags) pmm.Flag {
	if flags&FlagUser != 0 {
		return pmm.User
	}
	return pmm.Kernel
}

// MapPhysicalScratch maps `length` bytes of physical memory at paddr
// somewhere into the kernel domain and returns the chosen virtual address,
// without tagging the underlying frames as owned by anyone (they already
// are). Used internally to edit directories/tables by physical address
// before or while they are not the active directory.
func MapPhysicalScratch(paddr uintptr, length mem.Size) uintptr {
	if !pagingEnabledFn() {
		return paddr
	}
	vaddr, ok := findFree(length, KernelDomain)
	if !ok {
		panic(ErrOutOfVirtualMemory)
	}
	MapRange(vaddr, paddr, length, Kernel)
	return vaddr
}

// UnmapPhysicalScratch reverses MapPhysicalScratch.
func UnmapPhysicalScratch(vaddr uintptr, length mem.Size) {
	if pagingEnabledFn() {
		UnmapRange(vaddr, length)
	}
}

// Use tags the physical range as owned (via the PMM) and maps it at vaddr.
func Use(vaddr, paddr uintptr, length mem.Size, flags Flags) *kernel.Error {
	if length == 0 {
		return nil
	}
	if !domainCheck(vaddr, flags) {
		return ErrDomainMismatch
	}
	pmm.Use(paddr, length, pmmFlagsFor(flags), "vmm.Use")
	return MapRange(vaddr, paddr, length, flags)
}

// UsePhysicalMemory finds free virtual space in the domain implied by flags,
// tags and maps paddr there, and returns the chosen virtual address.
func UsePhysicalMemory(paddr uintptr, length mem.Size, flags Flags) (uintptr, *kernel.Error) {
	vaddr, ok := findFree(length, domainFor(flags))
	if !ok {
		return 0, ErrOutOfVirtualMemory
	}
	if err := Use(vaddr, paddr, length, flags); err != nil {
		return 0, err
	}
	return vaddr, nil
}

// UseVirtualMemory allocates physical frames from the PMM and maps them at
// the caller-chosen vaddr, returning the physical address.
func UseVirtualMemory(vaddr uintptr, length mem.Size, flags Flags) (uintptr, *kernel.Error) {
	if !domainCheck(vaddr, flags) {
		return 0, ErrDomainMismatch
	}
	paddr, err := pmm.Alloc(length, pmmFlagsFor(flags))
	if err != nil {
		return 0, err
	}
	if err := MapRange(vaddr, paddr, length, flags); err != nil {
		return 0, err
	}
	return paddr, nil
}

// Alloc allocates `length` bytes of physical memory and maps them
// somewhere into the domain implied by flags; the mapping is not
// necessarily identity. Returns the chosen virtual address.
func Alloc(length mem.Size, flags Flags) (uintptr, *kernel.Error) {
	paddr, err := pmm.Alloc(length, pmmFlagsFor(flags))
	if err != nil {
		return 0, err
	}
	vaddr, ok := findFree(length, domainFor(flags))
	if !ok {
		return 0, ErrOutOfVirtualMemory
	}
	if err := MapRange(vaddr, paddr, length, flags); err != nil {
		return 0, err
	}
	return vaddr, nil
}

// Free unmaps `length` bytes starting at vaddr and returns the backing
// frames to the PMM.
func Free(vaddr uintptr, length mem.Size) {
	if length == 0 {
		return
	}
	paddr, _ := Translate(vaddr)
	UnmapRange(vaddr, length)
	pmm.Free(paddr, length)
}

// ErrDomainMismatch is returned by operations whose virtual address falls
// outside the domain implied by their flags.
var ErrDomainMismatch = &kernel.Error{Module: "vmm", Message: errDomainMismatch}

// Init creates the first page directory, identity-maps every frame the PMM
// has tagged Kernel or Reserved up to its highest-ever Kernel frame,
// enables domain checking, and activates paging.
func Init() uintptr {
	dirPhys := CreateDirectory()
	active = dirPhys

	highest := pmm.HighestKernelFrame()
	for i := uintptr(0); i <= highest; i++ {
		addr := mem.FrameAddress(i)
		tag := pmm.Check(addr)
		if tag == pmm.Kernel || tag == pmm.Reserved {
			Map(addr, addr, Kernel)
		}
	}

	EnableDomainCheck(true)
	LoadDirectory(dirPhys)
	return dirPhys
}
