package irq

import "testing"

func resetHandlers() {
	for i := range handlers {
		handlers[i] = nil
	}
	eoiFn = func(vector uint32) {}
}

func TestRegisterRejectsOutOfRangeVector(t *testing.T) {
	resetHandlers()
	defer resetHandlers()

	Register(idtEntries, func(f *Frame) *Frame { return f })
	if handlers[0] != nil {
		t.Error("expected out-of-range Register to install nothing")
	}
}

func TestDispatchInvokesRegisteredHandler(t *testing.T) {
	resetHandlers()
	defer resetHandlers()

	called := false
	replacement := &Frame{Vector: 0x21}
	Register(0x21, func(f *Frame) *Frame {
		called = true
		return replacement
	})

	got := Dispatch(&Frame{Vector: 0x21})
	if !called {
		t.Fatal("expected registered handler to be invoked")
	}
	if got != replacement {
		t.Error("expected Dispatch to return the handler's replacement frame")
	}
}

func TestDispatchSendsEOIOnlyForIRQs(t *testing.T) {
	resetHandlers()
	defer resetHandlers()

	specs := []struct {
		vector  uint32
		expEOI  bool
	}{
		{0x00, false}, // exception; handled below to avoid the panic path
		{0x20, true},  // IRQ0
		{0x2F, true},  // IRQ15
		{SyscallVector, false},
	}

	for specIndex, spec := range specs {
		eoiCalled := false
		eoiFn = func(vector uint32) { eoiCalled = true }
		Register(spec.vector, func(f *Frame) *Frame { return f })

		Dispatch(&Frame{Vector: spec.vector})
		if eoiCalled != spec.expEOI {
			t.Errorf("[spec %d] expected EOI=%v for vector %x; got %v", specIndex, spec.expEOI, spec.vector, eoiCalled)
		}
	}
}

func TestDispatchPanicsOnUnhandledException(t *testing.T) {
	resetHandlers()
	defer resetHandlers()

	defer func() {
		if recover() == nil {
			t.Error("expected Dispatch to panic on an unhandled exception vector")
		}
	}()
	Dispatch(&Frame{Vector: 0x0D})
}

func TestDispatchDoesNotPanicOnUnhandledIRQOrSyscall(t *testing.T) {
	resetHandlers()
	defer resetHandlers()

	Dispatch(&Frame{Vector: 0x22})
	Dispatch(&Frame{Vector: SyscallVector})
}
