package pmm

import (
	"ia32kernel/kernel/mem"
	"testing"
)

func TestInitMarksEverythingReserved(t *testing.T) {
	Init()

	for _, addr := range []uintptr{0, mem.PageSize, 1000 * mem.PageSize, uintptr(frameCount-1) * mem.PageSize} {
		if got := Check(addr); got != Reserved {
			t.Errorf("expected frame at %x to be Reserved after Init; got %v", addr, got)
		}
	}
	if got := HighestKernelFrame(); got != 0 {
		t.Errorf("expected HighestKernelFrame to be 0 after Init; got %d", got)
	}
}

func TestUseTagsIntersectingFrames(t *testing.T) {
	Init()

	specs := []struct {
		addr   uintptr
		length mem.Size
		flag   Flag
	}{
		{0, mem.PageSize, Kernel},
		{mem.PageSize, mem.PageSize, Unused},
		{10 * mem.PageSize, 3 * mem.PageSize, User},
	}

	for specIndex, spec := range specs {
		Use(spec.addr, spec.length, spec.flag, "test")

		startPage := PageOf(spec.addr, 0)
		endPage := PageOf(spec.addr, uintptr(spec.length)-1)
		for p := startPage; p <= endPage; p++ {
			if got := tagGet(p); got != spec.flag {
				t.Errorf("[spec %d] expected frame %d to be tagged %v; got %v", specIndex, p, spec.flag, got)
			}
		}
	}
}

func TestUseIsIdempotentLastWriteWins(t *testing.T) {
	Init()

	Use(0, mem.PageSize, Kernel, "")
	Use(0, mem.PageSize, User, "")

	if got := Check(0); got != User {
		t.Errorf("expected last Use call to win; got %v", got)
	}
}

func TestUseZeroLengthIsNoop(t *testing.T) {
	Init()

	before := tagGet(0)
	Use(0, 0, Kernel, "")
	if got := tagGet(0); got != before {
		t.Errorf("expected zero-length Use to be a no-op; tag changed from %v to %v", before, got)
	}
}

func TestUseTracksHighestKernelFrame(t *testing.T) {
	Init()

	Use(5*mem.PageSize, mem.PageSize, Kernel, "")
	if got := HighestKernelFrame(); got != 5 {
		t.Errorf("expected highest kernel frame 5; got %d", got)
	}

	Use(2*mem.PageSize, mem.PageSize, Kernel, "")
	if got := HighestKernelFrame(); got != 5 {
		t.Errorf("expected highest kernel frame to stay 5 after tagging a lower frame; got %d", got)
	}

	Use(9*mem.PageSize, mem.PageSize, Kernel, "")
	if got := HighestKernelFrame(); got != 9 {
		t.Errorf("expected highest kernel frame to advance to 9; got %d", got)
	}
}

func TestAllocFindsFirstFitRun(t *testing.T) {
	Init()
	Use(0, mem.Size(frameCount*mem.PageSize), Reserved, "")
	Use(3*mem.PageSize, 2*mem.PageSize, Unused, "")

	addr, err := Alloc(2*mem.PageSize, User)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exp := AddressOf(3, 0); addr != exp {
		t.Errorf("expected allocation at %x; got %x", exp, addr)
	}
	if got := Check(addr); got != User {
		t.Errorf("expected allocated frame tagged User; got %v", got)
	}
}

func TestAllocOutOfMemory(t *testing.T) {
	Init()
	Use(0, mem.Size(frameCount*mem.PageSize), Reserved, "")

	if _, err := Alloc(mem.PageSize, Kernel); err != ErrOutOfMemory {
		t.Errorf("expected ErrOutOfMemory; got %v", err)
	}
}

func TestFreeTagsUnused(t *testing.T) {
	Init()
	Use(0, mem.PageSize, Kernel, "")

	Free(0, mem.PageSize)
	if got := Check(0); got != Unused {
		t.Errorf("expected freed frame to be Unused; got %v", got)
	}
}

func TestFreeZeroLengthIsNoop(t *testing.T) {
	Init()
	Use(0, mem.PageSize, Kernel, "")

	before := tagGet(0)
	Free(0, 0)
	if got := tagGet(0); got != before {
		t.Errorf("expected zero-length Free to be a no-op; tag changed from %v to %v", before, got)
	}
}

func TestFlagString(t *testing.T) {
	specs := []struct {
		flag Flag
		exp  string
	}{
		{Unused, "unused"},
		{Reserved, "reserved"},
		{Kernel, "kernel"},
		{User, "user"},
		{Flag(99), "?"},
	}

	for specIndex, spec := range specs {
		if got := spec.flag.String(); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}
}

func TestPageOfAndAddressOf(t *testing.T) {
	specs := []struct {
		addr     uintptr
		offset   uintptr
		expFrame uintptr
	}{
		{0, 0, 0},
		{mem.PageSize - 1, 0, 0},
		{mem.PageSize, 0, 1},
		{0, mem.PageSize + 123, 1},
	}

	for specIndex, spec := range specs {
		if got := PageOf(spec.addr, spec.offset); got != spec.expFrame {
			t.Errorf("[spec %d] expected frame %d; got %d", specIndex, spec.expFrame, got)
		}
	}

	if got := AddressOf(3, 42); got != 3*mem.PageSize+42 {
		t.Errorf("expected AddressOf(3, 42) to be %x; got %x", 3*mem.PageSize+42, got)
	}
}
