// Package kmain contains the boot-to-scheduler wiring sequence: the single
// place that knows the init order every other package's documentation
// assumes (PMM before VMM, VMM before paging, descriptor tables before
// interrupts are enabled, and so on).
package kmain

import (
	"ia32kernel/device/console"
	"ia32kernel/kernel/cpu"
	"ia32kernel/kernel/elf"
	"ia32kernel/kernel/gate"
	"ia32kernel/kernel/hal/multiboot"
	_ "ia32kernel/kernel/goruntime"
	"ia32kernel/kernel/irq"
	"ia32kernel/kernel/kfmt"
	"ia32kernel/kernel/mem"
	"ia32kernel/kernel/mem/pmm"
	"ia32kernel/kernel/mem/vmm"
	"ia32kernel/kernel/sched"
	"ia32kernel/kernel/syscall"
	"ia32kernel/kernel/task"
	"ia32kernel/kernel/tss"
	"ia32kernel/kernel/vm86"
)

// defaultQuantum is the number of timer ticks in a task's time slice
// absent a "quantum=" boot command line option.
const defaultQuantum = 5

// Kmain is the first Go function to run, called by the (external) rt0
// assembly stub once it has built a minimal stack and loaded a flat GDT.
// It never returns in practice: the last line is an idle loop.
//
//go:noinline
func Kmain(multibootInfoPtr uintptr, multibootMagic uint32) {
	gate.LoadDescriptorTables()
	console.Init()
	console.Clear()
	kfmt.SetOutputSink(console.Writer{})
	kfmt.Printf("starting kernel\n")

	multiboot.Init(multibootInfoPtr, multibootMagic)
	quantum := parseQuantum(multiboot.CommandLine())

	pmm.Init()
	multiboot.VisitMemoryMap(func(base uintptr, length uint64, kind multiboot.MemoryEntryType) bool {
		flag := pmm.Reserved
		if kind == multiboot.MemAvailable {
			flag = pmm.Unused
		}
		pmm.Use(base, mem.Size(length), flag, "BIOS memory map")
		return true
	})

	vmm.Init()

	installExceptionHandlers()
	tss.Init(uint16(gate.Ring0Data))
	task.Kernel.Code, task.Kernel.Data = uint32(gate.Ring0Code), uint32(gate.Ring0Data)
	task.User.Code, task.User.Data = uint32(gate.Ring3Code)|3, uint32(gate.Ring3Data)|3

	syscall.SetConsole(console.PutChar, func(a byte) byte {
		return byte(console.Attribute(console.Attr(a)))
	})
	syscall.Init()
	vm86.Init()
	sched.SetQuantum(quantum)
	sched.SetELFDestroyer(elf.DestroyTask)

	cpu.EnableInterrupts()

	for {
		sched.FinalizeTasks()
		cpu.Halt()
	}
}

// timerVector is the remapped IRQ0 vector: the PIC collaborator is
// configured, as part of its own opaque setup, to deliver the timer
// interrupt here rather than at its real-mode default of 0x08.
const timerVector = 0x20

// installExceptionHandlers wires every vector the core scheduler and VMM
// need beyond the default unhandled-exception panic: the timer IRQ (drives
// preemption), page faults (diagnostics; this kernel has no demand-paging
// policy so they are always fatal), and the syscall trap gate. The general
// protection gate is installed here too, but its handler is registered by
// vm86.Init, since only the VM86 monitor knows whether a given fault is
// emulable.
func installExceptionHandlers() {
	gate.InstallGate(0x0D, 0, gate.InterruptGate)
	gate.InstallGate(0x0E, 0, gate.InterruptGate)
	gate.InstallGate(timerVector, 0, gate.InterruptGate)
	gate.InstallGate(irq.SyscallVector, 3, gate.TrapGate)

	irq.Register(0x0E, func(f *irq.Frame) *irq.Frame {
		vmm.PageFaultHandler(f, &f.Regs)
		return f
	})
	irq.Register(timerVector, sched.Tick)
}

// parseQuantum looks for "quantum=N" on the boot command line, falling
// back to defaultQuantum if absent or malformed.
func parseQuantum(cmdline string) uint32 {
	const key = "quantum="
	idx := indexOf(cmdline, key)
	if idx < 0 {
		return defaultQuantum
	}
	n := uint32(0)
	i := idx + len(key)
	for i < len(cmdline) && cmdline[i] >= '0' && cmdline[i] <= '9' {
		n = n*10 + uint32(cmdline[i]-'0')
		i++
	}
	if n == 0 {
		return defaultQuantum
	}
	return n
}

func indexOf(s, substr string) int {
	if len(substr) == 0 || len(substr) > len(s) {
		return -1
	}
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
