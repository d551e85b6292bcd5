// Package irq implements the interrupt/exception/syscall dispatch core: the
// CPU frame saved by the common assembly entry stub, the per-vector
// handler table, and the dispatch routine the stub calls into. The per-id
// syscall handler table lives in package syscall.
package irq

import "ia32kernel/kernel/kfmt"

// Regs holds the general purpose and segment registers saved by the common
// entry stub, in the exact order the stub pushes them (low address to high
// address on the stack): segment selectors first, then general purpose
// registers via PUSHA order. This ordering is an ABI shared with the
// assembly stub and must not be reordered independently of it.
type Regs struct {
	GS, FS, ES, DS uint32
	EDI, ESI, EBP  uint32
	espDiscarded   uint32 // PUSHA's ESP slot; stale, never read
	EBX, EDX, ECX, EAX uint32
}

// Print writes a diagnostic dump of the register set.
func (r *Regs) Print() {
	kfmt.Printf("  eax=%x ebx=%x ecx=%x edx=%x\n", r.EAX, r.EBX, r.ECX, r.EDX)
	kfmt.Printf("  esi=%x edi=%x ebp=%x\n", r.ESI, r.EDI, r.EBP)
	kfmt.Printf("  ds=%x es=%x fs=%x gs=%x\n", r.DS, r.ES, r.FS, r.GS)
}

// Frame is the complete CPU state saved on interrupt entry: Regs, followed
// by the vector and (possibly synthetic, zero) error code pushed by the
// stub, then the EIP/CS/EFLAGS triple the CPU itself pushes, and finally
// the fields that only carry meaningful values when the interrupted context
// was ring-3 (UserESP/UserSS) or a VM86 task (VM86ES..VM86GS) — the CPU only
// pushes those conditionally, so the stub always reserves room for them and
// zero-fills whichever do not apply, keeping Frame a single fixed layout
// regardless of the interrupted context.
type Frame struct {
	Regs

	Vector    uint32
	ErrorCode uint32

	EIP    uint32
	CS     uint32
	EFlags uint32

	// Valid only when the interrupted context was ring-3 or VM86.
	UserESP uint32
	UserSS  uint32

	// Valid only when the interrupted context was a VM86 task.
	VM86ES uint32
	VM86DS uint32
	VM86FS uint32
	VM86GS uint32
}

// Print writes a diagnostic dump of the frame.
func (f *Frame) Print() {
	kfmt.Printf("  vector=%x error=%x eip=%x cs=%x eflags=%x\n",
		f.Vector, f.ErrorCode, f.EIP, f.CS, f.EFlags)
	kfmt.Printf("  user_esp=%x user_ss=%x\n", f.UserESP, f.UserSS)
}

// EFlagsVM is the VM86 mode flag in EFLAGS. Exported so task construction
// outside this package (see task.CreateVM86) can set it in a fresh frame.
const EFlagsVM = 1 << 17

// FromVM86 reports whether the interrupted context was a VM86 task.
func (f *Frame) FromVM86() bool {
	return f.EFlags&EFlagsVM != 0
}

const ringMask = 0x3

// FromUser reports whether the interrupted context ran at ring 3.
func (f *Frame) FromUser() bool {
	return f.CS&ringMask == 3
}
