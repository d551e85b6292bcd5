package kmain

import "testing"

func TestParseQuantumReadsValueFromCmdline(t *testing.T) {
	specs := []struct {
		cmdline string
		want    uint32
	}{
		{"", defaultQuantum},
		{"console=ttyS0", defaultQuantum},
		{"quantum=10", 10},
		{"console=ttyS0 quantum=3 debug", 3},
		{"quantum=0", defaultQuantum},
		{"quantum=abc", defaultQuantum},
	}
	for specIndex, spec := range specs {
		if got := parseQuantum(spec.cmdline); got != spec.want {
			t.Errorf("[spec %d] parseQuantum(%q): got %d, want %d", specIndex, spec.cmdline, got, spec.want)
		}
	}
}

func TestIndexOfFindsSubstring(t *testing.T) {
	specs := []struct {
		s, substr string
		want      int
	}{
		{"hello world", "world", 6},
		{"hello world", "xyz", -1},
		{"", "a", -1},
		{"abc", "", -1},
		{"abc", "abc", 0},
	}
	for specIndex, spec := range specs {
		if got := indexOf(spec.s, spec.substr); got != spec.want {
			t.Errorf("[spec %d] indexOf(%q, %q): got %d, want %d", specIndex, spec.s, spec.substr, got, spec.want)
		}
	}
}
