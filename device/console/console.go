// Package console implements the VGA text-mode console: the kernel's only
// output device. It backs both the kernel's own diagnostic printing (via
// kfmt) and the two console-related syscalls exposed to user tasks.
package console

import (
	"ia32kernel/kernel/irq"
	"reflect"
	"unsafe"
)

// irqEnableInterruptsFn is a seam over irq.EnableInterrupts so tests can
// exercise PutChar/Attribute/Clear without a real interrupt controller.
var irqEnableInterruptsFn = irq.EnableInterrupts

// Attr is a VGA text-mode attribute byte: low nibble foreground, high
// nibble background.
type Attr uint8

// DefaultAttr is light grey on black, the attribute new output starts
// with and that IOAttr(0) maps back to.
const DefaultAttr Attr = 0x07

const (
	cols = 80
	rows = 25
	size = cols * rows

	physAddr = 0xB8000
)

// vga is the single VGA text console instance. There is exactly one
// physical screen, so unlike gopher-os's Console interface this package
// exposes package-level functions directly rather than a constructible
// type.
//
// Access is serialized by disabling interrupts rather than a sync.Mutex:
// sysIOPutChar/sysIOAttr (kernel/syscall) run under a trap gate, which does
// not clear IF on entry, so the timer IRQ can legitimately preempt a task
// mid-PutChar. A blocking mutex would let the timer ISR's own scheduler
// trace (which calls back into PutChar/Attribute) deadlock against itself
// on the same core; this kernel has no primitive to block and resume a
// contended lock this early in boot anyway. Matches the pattern used by
// kernel/task and kernel/elf for their own shared mutable state.
var vga struct {
	fb     []uint16
	attr   Attr
	cursor uint16
}

// Init maps the VGA text buffer and resets cursor and attribute state.
// physAddr lies below 1 MiB, outside the kernel domain, and Init uses it
// directly, so it must run while that address is reachable: before paging
// is enabled, or once the active directory identity-maps it.
func Init() {
	old := irqEnableInterruptsFn(false)
	defer irqEnableInterruptsFn(old)

	vga.fb = *(*[]uint16)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  size,
		Cap:  size,
		Data: physAddr,
	}))
	vga.attr = DefaultAttr
	vga.cursor = 0
	for i := range vga.fb {
		vga.fb[i] = 0
	}
}

func cellAt(pos uint16, ch byte, attr Attr) uint16 {
	return uint16(attr)<<8 | uint16(ch)
}

// PutChar writes a single character at the cursor and advances it,
// wrapping at the end of the screen back to the top rather than
// scrolling: matches the original firmware-console convention of
// treating the screen as a ring buffer.
func PutChar(ch byte) {
	old := irqEnableInterruptsFn(false)
	defer irqEnableInterruptsFn(old)

	if ch == '\n' {
		vga.cursor = vga.cursor + cols - (vga.cursor % cols)
	} else {
		vga.fb[vga.cursor%size] = cellAt(vga.cursor, ch, vga.attr)
		vga.cursor = (vga.cursor + 1) % size
	}
}

// PutString writes every byte of s via PutChar.
func PutString(s string) {
	for i := 0; i < len(s); i++ {
		PutChar(s[i])
	}
}

// Attribute sets the active attribute byte, returning the previous one.
// newAttr of 0 resets to DefaultAttr, matching the original format
// routine's "%0a" meaning "default" rather than "black on black".
func Attribute(newAttr Attr) Attr {
	wasEnabled := irqEnableInterruptsFn(false)
	defer irqEnableInterruptsFn(wasEnabled)

	old := vga.attr
	if newAttr == 0 {
		newAttr = DefaultAttr
	}
	vga.attr = newAttr
	return old
}

// Clear blanks the entire screen and resets the cursor to the top-left.
func Clear() {
	old := irqEnableInterruptsFn(false)
	defer irqEnableInterruptsFn(old)

	vga.cursor = 0
	for i := range vga.fb {
		vga.fb[i] = cellAt(uint16(i), ' ', vga.attr)
	}
}

// Writer adapts the console to io.Writer so it can be installed as kfmt's
// output sink; it holds no state of its own since there is exactly one
// physical screen.
type Writer struct{}

// Write sends every byte of p to PutChar and always reports full success:
// a VGA text console cannot fail a write short of a hardware fault kfmt
// has no way to act on anyway.
func (Writer) Write(p []byte) (int, error) {
	PutString(string(p))
	return len(p), nil
}
