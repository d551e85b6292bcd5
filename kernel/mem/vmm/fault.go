package vmm

import (
	"ia32kernel/kernel"
	"ia32kernel/kernel/cpu"
	"ia32kernel/kernel/irq"
	"ia32kernel/kernel/kfmt"
)

var errPageFault = &kernel.Error{Module: "vmm", Message: "unrecoverable page fault"}

// errorCode decodes the IA-32 page-fault error code pushed alongside vector
// 0x0E.
type errorCode uint32

func (e errorCode) present() bool  { return e&1 != 0 }
func (e errorCode) write() bool    { return e&(1<<1) != 0 }
func (e errorCode) user() bool     { return e&(1<<2) != 0 }
func (e errorCode) reserved() bool { return e&(1<<3) != 0 }
func (e errorCode) fetch() bool    { return e&(1<<4) != 0 }

// PageFaultHandler formats page-fault diagnostics and panics: this kernel
// has no demand-paging policy, so every page fault is unrecoverable.
func PageFaultHandler(frame *irq.Frame, regs *irq.Regs) {
	code := errorCode(frame.ErrorCode)
	addr := cpu.ReadCR2()

	kfmt.Printf("\n[vmm] page fault at %x (eip %x)\n", addr, frame.EIP)
	kfmt.Printf("  present=%t write=%t user=%t reserved=%t fetch=%t\n",
		code.present(), code.write(), code.user(), code.reserved(), code.fetch())
	regs.Print()
	frame.Print()

	panic(errPageFault)
}
