package mem

import "testing"

func TestSizeUnitConversions(t *testing.T) {
	specs := []struct {
		name string
		got  Size
		want Size
	}{
		{"Kb", Kb, 1024},
		{"Mb", Mb, 1024 * 1024},
		{"Gb", Gb, 1024 * 1024 * 1024},
	}
	for specIndex, spec := range specs {
		if spec.got != spec.want {
			t.Errorf("[spec %d] %s: got %d, want %d", specIndex, spec.name, spec.got, spec.want)
		}
	}
}

func TestPageFloorAndCeil(t *testing.T) {
	specs := []struct {
		v         uintptr
		wantFloor uintptr
		wantCeil  uintptr
	}{
		{0, 0, 0},
		{1, 0, PageSize},
		{PageSize, PageSize, PageSize},
		{PageSize + 1, PageSize, 2 * PageSize},
	}
	for specIndex, spec := range specs {
		if got := PageFloor(spec.v); got != spec.wantFloor {
			t.Errorf("[spec %d] PageFloor(%d): got %d, want %d", specIndex, spec.v, got, spec.wantFloor)
		}
		if got := PageCeil(spec.v); got != spec.wantCeil {
			t.Errorf("[spec %d] PageCeil(%d): got %d, want %d", specIndex, spec.v, got, spec.wantCeil)
		}
	}
}

func TestFrameAndFrameAddressRoundtrip(t *testing.T) {
	specs := []uintptr{0, PageSize, 42 * PageSize}
	for specIndex, physAddr := range specs {
		frame := Frame(physAddr)
		if got := FrameAddress(frame); got != physAddr {
			t.Errorf("[spec %d] roundtrip %d: got %d", specIndex, physAddr, got)
		}
	}
}
