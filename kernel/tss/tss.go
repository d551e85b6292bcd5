// Package tss holds the single Task State Segment this kernel needs purely
// as a ring-3-to-ring-0 stack switch vehicle: software multitasking means
// only esp0/ss0 are ever consulted by the CPU, on every privilege-raising
// interrupt.
package tss

// entry is the subset of the IA-32 TSS layout the CPU actually reads on a
// ring transition. The remaining fields (I/O bitmap, segment selectors for
// hardware task switching, etc.) are never used by this kernel's software
// task switching and are left zeroed by the (external) descriptor wiring
// that allocates the real, full-sized structure and installs it in the
// GDT.
type entry struct {
	_    uint32
	ESP0 uint32
	SS0  uint16
}

var tss entry

// Init records the ring-0 stack segment selector. The GDT descriptor
// itself, and loading TR via LTR, are performed by the (external) GDT/TSS
// wiring collaborator; this function only seeds the one field this
// package is the source of truth for.
func Init(ring0DataSelector uint16) {
	tss.SS0 = ring0DataSelector
}

// SetStack sets the kernel stack pointer (esp0) the CPU loads whenever an
// interrupt or trap raises the privilege level to ring 0. The scheduler
// calls this on every context switch.
func SetStack(stackPointer uintptr) {
	tss.ESP0 = uint32(stackPointer)
}

// Stack returns the currently configured esp0.
func Stack() uintptr {
	return uintptr(tss.ESP0)
}
