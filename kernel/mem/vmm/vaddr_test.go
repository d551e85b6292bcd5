package vmm

import "testing"

func TestAddressSplit(t *testing.T) {
	specs := []struct {
		vaddr      uintptr
		expDir     uintptr
		expTab     uintptr
		expOffset  uintptr
	}{
		{0, 0, 0, 0},
		{0xFFFFFFFF, 0x3FF, 0x3FF, 0xFFF},
		{0x00400000, 1, 0, 0}, // start of the kernel domain
		{0x00401234, 1, 1, 0x234},
	}

	for specIndex, spec := range specs {
		if got := dirIndex(spec.vaddr); got != spec.expDir {
			t.Errorf("[spec %d] dirIndex(%x): expected %x; got %x", specIndex, spec.vaddr, spec.expDir, got)
		}
		if got := tabIndex(spec.vaddr); got != spec.expTab {
			t.Errorf("[spec %d] tabIndex(%x): expected %x; got %x", specIndex, spec.vaddr, spec.expTab, got)
		}
		if got := pageOffset(spec.vaddr); got != spec.expOffset {
			t.Errorf("[spec %d] pageOffset(%x): expected %x; got %x", specIndex, spec.vaddr, spec.expOffset, got)
		}
	}
}

func TestPageTabWindowReachesPageDirWindow(t *testing.T) {
	if got := pageTabWindow(Entries - 1); got != pageDirWindow {
		t.Errorf("expected the last page table window to equal the page directory window; got %x want %x", got, pageDirWindow)
	}
}
