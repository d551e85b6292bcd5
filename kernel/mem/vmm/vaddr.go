package vmm

import "ia32kernel/kernel/mem"

// Entries is the number of entries in a page directory or page table.
const Entries = mem.PageTableEntries

// pageDirWindow is the fixed virtual address at which the active directory
// is reachable once its last entry points at itself: the top 10 bits select
// the last directory entry, the next 10 bits again select the last entry
// (now interpreted as a page-table index into what the self-map exposes as
// the directory), landing on the directory's own first byte.
const pageDirWindow = 0xFFFFF000

// pageTabWindowBase is the fixed virtual address at which page table k
// becomes reachable once the self-map is active: pageTabWindowBase +
// k*PageSize. k==Entries-1 (the last page table) is the directory itself,
// i.e. pageTabWindowBase+((Entries-1)*PageSize) == pageDirWindow.
const pageTabWindowBase = 0xFFC00000

func pageTabWindow(k uintptr) uintptr {
	return pageTabWindowBase + k*mem.PageSize
}

// dirIndex, tabIndex and pageOffset split a virtual address into its
// directory index, table index and in-page offset, mirroring the bit
// layout: [31:22] directory index, [21:12] table index, [11:0] offset.
func dirIndex(vaddr uintptr) uintptr   { return (vaddr >> 22) & 0x3FF }
func tabIndex(vaddr uintptr) uintptr   { return (vaddr >> 12) & 0x3FF }
func pageOffset(vaddr uintptr) uintptr { return vaddr & 0xFFF }
