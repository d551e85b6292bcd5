package kfmt

import (
	"bytes"
	"ia32kernel/kernel"
	"strings"
	"testing"
)

func withHaltRecorder(t *testing.T) (*bytes.Buffer, *bool) {
	t.Helper()

	origHaltFn := haltFn
	origSink := outputSink
	origEarlyBuf := earlyPrintBuffer
	t.Cleanup(func() {
		haltFn = origHaltFn
		outputSink = origSink
		earlyPrintBuffer = origEarlyBuf
	})

	halted := false
	haltFn = func() { halted = true }

	var buf bytes.Buffer
	outputSink = &buf
	earlyPrintBuffer = ringBuffer{}

	return &buf, &halted
}

func TestPanicWithKernelErrorReportsModuleAndMessage(t *testing.T) {
	buf, halted := withHaltRecorder(t)

	Panic(&kernel.Error{Module: "vmm", Message: "double fault"})

	if !*halted {
		t.Fatal("expected Panic to halt the CPU")
	}
	if got := buf.String(); !strings.Contains(got, "vmm") || !strings.Contains(got, "double fault") {
		t.Errorf("expected panic output to mention module and message; got %q", got)
	}
}

func TestPanicWithStringMessage(t *testing.T) {
	buf, halted := withHaltRecorder(t)

	Panic("something went wrong")

	if !*halted {
		t.Fatal("expected Panic to halt the CPU")
	}
	if got := buf.String(); !strings.Contains(got, "something went wrong") {
		t.Errorf("expected panic output to mention the string message; got %q", got)
	}
}

func TestPanicWithGenericErrorUsesItsMessage(t *testing.T) {
	buf, halted := withHaltRecorder(t)

	Panic(errTestPanic{})

	if !*halted {
		t.Fatal("expected Panic to halt the CPU")
	}
	if got := buf.String(); !strings.Contains(got, "boom") {
		t.Errorf("expected panic output to mention the error's message; got %q", got)
	}
}

type errTestPanic struct{}

func (errTestPanic) Error() string { return "boom" }
