package vmm

import "testing"

func TestErrorCodeDecode(t *testing.T) {
	specs := []struct {
		code                                        errorCode
		present, write, user, reserved, fetch bool
	}{
		{0, false, false, false, false, false},
		{1, true, false, false, false, false},
		{1 << 1, false, true, false, false, false},
		{1 << 2, false, false, true, false, false},
		{1 << 3, false, false, false, true, false},
		{1 << 4, false, false, false, false, true},
		{0x1F, true, true, true, true, true},
	}

	for specIndex, spec := range specs {
		if got := spec.code.present(); got != spec.present {
			t.Errorf("[spec %d] present: expected %v; got %v", specIndex, spec.present, got)
		}
		if got := spec.code.write(); got != spec.write {
			t.Errorf("[spec %d] write: expected %v; got %v", specIndex, spec.write, got)
		}
		if got := spec.code.user(); got != spec.user {
			t.Errorf("[spec %d] user: expected %v; got %v", specIndex, spec.user, got)
		}
		if got := spec.code.reserved(); got != spec.reserved {
			t.Errorf("[spec %d] reserved: expected %v; got %v", specIndex, spec.reserved, got)
		}
		if got := spec.code.fetch(); got != spec.fetch {
			t.Errorf("[spec %d] fetch: expected %v; got %v", specIndex, spec.fetch, got)
		}
	}
}
