package kfmt

import (
	"ia32kernel/kernel"
	"ia32kernel/kernel/cpu"
)

const panicBanner = "-----------------------------------"

var (
	// haltFn is swapped out by tests so Panic's control flow can be
	// exercised without actually stopping the test process.
	haltFn = cpu.Halt

	// genericPanic wraps any panic value this package doesn't otherwise
	// know how to format (a plain string, or a stdlib error) into the
	// same *kernel.Error shape the rest of the kernel reports through.
	genericPanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// Panic formats e, if it carries any diagnostic information, then halts the
// CPU; it never returns to its caller. It is also the redirect target the
// patched runtime uses for the builtin panic() (via runtime.gopanic) and
// for runtime.throw, so every unrecovered Go panic in this kernel funnels
// through here rather than unwinding a goroutine stack that doesn't exist.
//go:redirect-from runtime.gopanic
func Panic(e interface{}) {
	var reported *kernel.Error

	switch cause := e.(type) {
	case *kernel.Error:
		reported = cause
	case string:
		panicString(cause)
		return
	case error:
		genericPanic.Message = cause.Error()
		reported = genericPanic
	}

	Printf("\n%s\n", panicBanner)
	if reported != nil {
		Printf("[%s] unrecoverable error: %s\n", reported.Module, reported.Message)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n%s\n", panicBanner)

	haltFn()
}

// panicString is the runtime.throw redirect target: throw only ever
// carries a bare string, so it's routed through genericPanic rather than
// duplicating Panic's formatting.
//go:redirect-from runtime.throw
func panicString(msg string) {
	genericPanic.Message = msg
	Panic(genericPanic)
}
