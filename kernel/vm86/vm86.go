// Package vm86 runs 16-bit real-mode code (BIOS calls) inside virtual-8086
// mode and monitors it, emulating the handful of instructions that are
// sensitive in VM86 mode and therefore fault into ring 0 as a general
// protection exception (vector 0x0D).
package vm86

import (
	"ia32kernel/kernel"
	"ia32kernel/kernel/cpu"
	"ia32kernel/kernel/irq"
	"ia32kernel/kernel/kfmt"
	"ia32kernel/kernel/mem"
	"ia32kernel/kernel/mem/vmm"
	"ia32kernel/kernel/sched"
	"ia32kernel/kernel/task"
	"unsafe"
)

// The cpu/vmm/sched/task calls below are seamed so tests can drive the
// far-pointer arithmetic, task-creation wiring, and opcode emulation without
// real port I/O, a real page directory, or a real scheduler.
var (
	cpuInBFn  = cpu.InB
	cpuOutBFn = cpu.OutB
	cpuInWFn  = cpu.InW
	cpuOutWFn = cpu.OutW
	cpuInLFn  = cpu.InL
	cpuOutLFn = cpu.OutL

	vmmCreateDirectoryFn   = vmm.CreateDirectory
	vmmModifyDirectoryFn   = vmm.ModifyDirectory
	vmmModifiedDirectoryFn = vmm.ModifiedDirectory
	vmmEnableDomainCheckFn = vmm.EnableDomainCheck
	vmmMapRangeFn          = vmm.MapRange
	taskCreateVM86Fn       = task.CreateVM86

	schedCurrentTaskFn = sched.CurrentTask
	schedNextTaskFn    = sched.NextTask
	schedSwitchFn      = sched.Switch
	taskStopFn         = task.Stop
	taskGetFn          = task.Get

	irqEnableInterruptsFn = irq.EnableInterrupts

	// lowMemAtFn resolves an address within the first MiB of conventional
	// memory (a VM86 task's code, stack, and the IVT all live there) to the
	// unsafe.Pointer a read/write goes through. Seamed so tests can back
	// that address space with a real Go buffer instead of dereferencing a
	// literal low address, which is only valid once this kernel's identity
	// mapping is live.
	lowMemAtFn = func(a uintptr) unsafe.Pointer { return unsafe.Pointer(a) }
)

func addr(a uintptr) unsafe.Pointer {
	return unsafe.Pointer(a)
}

func addOffset(p *uint8, n uintptr) unsafe.Pointer {
	return unsafe.Pointer(uintptr(unsafe.Pointer(p)) + n)
}

// copyBytes copies from src, a fully-resolved address, to dst, an address
// within conventional memory (see lowMemAtFn).
func copyBytes(dst, src uintptr, n uint32) {
	d := (*[1 << 30]byte)(lowMemAtFn(dst))[:n:n]
	s := (*[1 << 30]byte)(addr(src))[:n:n]
	copy(d, s)
}

const (
	// codeAddress is where 16-bit code is copied before entry: the very
	// start of conventional memory. Only one VM86 task can usefully run
	// at a time, since every one of them lands here.
	codeAddress = 0x500
	// lowerMemory bounds the conventional-memory region this package is
	// willing to address with a 16-bit far pointer (1 MiB).
	lowerMemory = 1 << 20

	operandSizePrefix = 0x66
	opPushf           = 0x9C
	opPopf            = 0x9D
	opInt3            = 0xCC
	opInt             = 0xCD
	opIret            = 0xCF
	opCli             = 0xFA
	opSti             = 0xFB
)

// farptr is a real-mode segment:offset pair. paddr = segment*16 + offset.
type farptr struct {
	offset, segment uint16
}

func toFarptr(linAddr uintptr) farptr {
	if linAddr >= lowerMemory {
		kfmt.Printf("[vm86] address %x too large for VM86 mode\n", linAddr)
		return farptr{}
	}
	offset := uint16(linAddr & 0xFFFF)
	return farptr{offset: offset, segment: uint16((linAddr - uintptr(offset)) >> 4)}
}

func (f farptr) address() uintptr {
	return uintptr(f.segment)<<4 + uintptr(f.offset)
}

var (
	// ivtAt is the address of the real mode interrupt vector table: 256 far pointers at
	// physical/linear address 0, one of the few legitimate uses of a null
	// pointer in this kernel.
	ivtAt = uintptr(0)

	// biosCallStart, biosCallEnd and biosCallInterruptHook are set by the
	// (external) VM86 BIOS-call assembly stub: a tiny position-independent
	// blob ending in INT3 that CallBIOS copies into low memory like any
	// other VM86 program, with interruptHook pointing at the INT opcode, whose
	// operand byte (the next one) is patched with the interrupt vector before
	// each call.
	biosCallStart, biosCallEnd uintptr
	biosCallInterruptHook      *uint8
)

// SetBIOSCallStub installs the assembly BIOS-call blob's bounds, letting
// CallBIOS treat it like ordinary 16-bit code.
func SetBIOSCallStub(start, end uintptr, interruptHook *uint8) {
	biosCallStart, biosCallEnd, biosCallInterruptHook = start, end, interruptHook
}

var errCorruptStub = &kernel.Error{Module: "vm86", Message: "BIOS call stub corrupted"}

// CreateTask copies the 16-bit code at [codeStart, codeEnd] into
// conventional memory and creates a task that enters it in virtual-8086
// mode. If pageDirectory is 0 a fresh directory is created. regs seeds the
// initial general-purpose registers, the calling convention's parameters.
func CreateTask(codeStart, codeEnd, pageDirectory uintptr, kernelStackLen, userStackLen mem.Size, regs irq.Regs) task.PID {
	old := irqEnableInterruptsFn(false)
	kfmt.Printf("[vm86] creating task with %d byte kernel and %d byte user stack\n",
		kernelStackLen, userStackLen)

	if pageDirectory == 0 {
		pageDirectory = vmmCreateDirectoryFn()
	}
	vmmModifyDirectoryFn(pageDirectory)

	// Identity maps the first MiB so the task can address it in both real
	// and protected mode. This lies below the user domain (1 GiB and up),
	// so domain checking is bypassed for the call.
	vmmEnableDomainCheckFn(false)
	vmmMapRangeFn(0, 0, lowerMemory, vmm.User|vmm.FlagWritable)
	vmmEnableDomainCheckFn(true)

	codeLength := uint32(codeEnd - codeStart + 1)
	copyBytes(codeAddress, codeStart, codeLength)
	vmmModifiedDirectoryFn()

	entryFarptr := toFarptr(codeAddress)
	// The user stack follows the code; this assumes the remainder of
	// conventional memory is free, same as the original BIOS-call
	// convention.
	userStackFarptr := toFarptr(codeAddress + uintptr(codeLength) + uintptr(userStackLen) - 1)

	pid := taskCreateVM86Fn(pageDirectory, kernelStackLen, userStackLen, task.VM86Entry{
		EIP:         entryFarptr.offset,
		CS:          entryFarptr.segment,
		UserESP:     userStackFarptr.offset,
		UserSS:      userStackFarptr.segment,
		DataSegment: entryFarptr.segment,
		Regs:        regs,
	})

	irqEnableInterruptsFn(old)
	return pid
}

// CallBIOS invokes a BIOS interrupt by patching interrupt into the stub's
// INT opcode operand and running it as a one-off VM86 task.
func CallBIOS(interrupt uint8, regs irq.Regs) *kernel.Error {
	if biosCallInterruptHook == nil || *biosCallInterruptHook != opInt {
		kfmt.Printf("[vm86] BIOS call handler not installed or corrupted\n")
		return errCorruptStub
	}
	*(*uint8)(addOffset(biosCallInterruptHook, 1)) = interrupt
	CreateTask(biosCallStart, biosCallEnd, 0, 4*mem.Kb, 4*mem.Kb, regs)
	return nil
}

func push(f *irq.Frame, value uint16) {
	sp := farptr{offset: uint16(f.UserESP), segment: uint16(f.UserSS)}.address() - 2
	*(*uint16)(lowMemAtFn(sp)) = value
	next := toFarptr(sp)
	f.UserESP, f.UserSS = uint32(next.offset), uint32(next.segment)
}

func pop(f *irq.Frame) uint16 {
	sp := farptr{offset: uint16(f.UserESP), segment: uint16(f.UserSS)}.address()
	value := *(*uint16)(lowMemAtFn(sp))
	next := toFarptr(sp + 2)
	f.UserESP, f.UserSS = uint32(next.offset), uint32(next.segment)
	return value
}

func incrementEIP(f *irq.Frame, inc uintptr) {
	csip := farptr{offset: uint16(f.EIP), segment: uint16(f.CS)}
	next := toFarptr(csip.address() + inc)
	f.EIP, f.CS = uint32(next.offset), uint32(next.segment)
}

func eipByte(f *irq.Frame, n uintptr) uint8 {
	csip := farptr{offset: uint16(f.EIP), segment: uint16(f.CS)}
	return *(*uint8)(lowMemAtFn(csip.address() + n))
}

// monitor emulates the instruction that triggered a GPF from inside VM86
// mode. It returns true once the opcode is handled; an opcode outside the
// emulated set panics, so it never returns false.
func monitor(f *irq.Frame) bool {
	b0 := eipByte(f, 0)
	opcode := uint16(b0)
	if b0 == operandSizePrefix {
		opcode = operandSizePrefix<<8 | uint16(eipByte(f, 1))
	}

	switch opcode {
	case opPushf:
		push(f, uint16(f.EFlags))
		incrementEIP(f, 1)
	case opPopf:
		pop(f) // value discarded: this kernel runs VM86 tasks with IF fixed
		incrementEIP(f, 1)
	case opInt3:
		kfmt.Printf("[vm86] BIOS call returned eax=%x ebx=%x ecx=%x edx=%x\n",
			f.EAX, f.EBX, f.ECX, f.EDX)
		exitVM86Task(f)
	case opInt:
		vector := eipByte(f, 1)
		kfmt.Printf("[vm86] emulating int %x\n", vector)
		ret := toFarptr(csipAfterInt(f))
		push(f, uint16(f.EFlags))
		push(f, ret.segment)
		push(f, ret.offset)
		target := *(*farptr)(lowMemAtFn(ivtAt + uintptr(vector)*4))
		f.EIP, f.CS = uint32(target.offset), uint32(target.segment)
	case opIret:
		f.EIP = uint32(pop(f))
		f.CS = uint32(pop(f))
		pop(f) // FLAGS, discarded for the same reason as POPF above
	case 0xE4:
		f.EAX = uint32(cpuInBFn(uint16(eipByte(f, 1))))
		incrementEIP(f, 2)
	case 0xE5:
		f.EAX = uint32(cpuInWFn(uint16(eipByte(f, 1))))
		incrementEIP(f, 2)
	case 0x66E5:
		f.EAX = cpuInLFn(uint16(eipByte(f, 1)))
		incrementEIP(f, 3)
	case 0xE6:
		cpuOutBFn(uint16(eipByte(f, 1)), uint8(f.EAX))
		incrementEIP(f, 2)
	case 0xE7:
		cpuOutWFn(uint16(eipByte(f, 1)), uint16(f.EAX))
		incrementEIP(f, 2)
	case 0x66E7:
		cpuOutLFn(uint16(eipByte(f, 1)), f.EAX)
		incrementEIP(f, 3)
	case 0xEC:
		f.EAX = uint32(cpuInBFn(uint16(f.EDX)))
		incrementEIP(f, 1)
	case 0xED:
		f.EAX = uint32(cpuInWFn(uint16(f.EDX)))
		incrementEIP(f, 1)
	case 0x66ED:
		f.EAX = cpuInLFn(uint16(f.EDX))
		incrementEIP(f, 2)
	case 0xEE:
		cpuOutBFn(uint16(f.EDX), uint8(f.EAX))
		incrementEIP(f, 1)
	case 0xEF:
		cpuOutWFn(uint16(f.EDX), uint16(f.EAX))
		incrementEIP(f, 1)
	case 0x66EF:
		cpuOutLFn(uint16(f.EDX), f.EAX)
		incrementEIP(f, 2)
	case opCli, opSti:
		// Pretended, not applied: a VM86 task never actually controls the
		// real IF.
		incrementEIP(f, 1)
	default:
		panic(&kernel.Error{Module: "vm86", Message: "unhandled opcode"})
	}
	return true
}

func csipAfterInt(f *irq.Frame) uintptr {
	csip := farptr{offset: uint16(f.EIP), segment: uint16(f.CS)}
	return csip.address() + 2
}

// exitVM86Task stops the current task and switches away, mirroring the
// syscall exit path: a breakpoint inside the BIOS-call stub marks the end
// of the call.
func exitVM86Task(f *irq.Frame) {
	current := schedCurrentTaskFn()
	next := schedNextTaskFn()
	if current == next {
		kfmt.Printf("[vm86] the last task cannot exit\n")
		return
	}
	taskStopFn(current)
	schedSwitchFn(next)
}

// GPFHandler is the irq.Handler for vector 0x0D. If the faulting context is
// a VM86 task, the offending instruction is emulated and execution resumes;
// otherwise the fault is a genuine protection violation and unrecoverable.
func GPFHandler(frame *irq.Frame) *irq.Frame {
	current := taskGetFn(schedCurrentTaskFn())
	if current == nil || !current.VM86 {
		panic(&kernel.Error{Module: "vm86", Message: "general protection fault outside VM86 mode"})
	}
	monitor(frame)
	return frame
}

// Init registers GPFHandler for the general protection exception.
func Init() {
	irq.Register(0x0D, GPFHandler)
}
