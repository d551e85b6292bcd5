// Package syscall implements the kernel side of the fixed system call set:
// exit, getpid, and two console operations. Calls arrive via the trap gate
// at irq.SyscallVector (DPL=3); argument registers are EBX/ECX/EDX/ESI/EDI,
// the syscall id is EAX, and the return value is written back to EAX.
package syscall

import (
	"ia32kernel/kernel/irq"
	"ia32kernel/kernel/kfmt"
	"ia32kernel/kernel/sched"
	"ia32kernel/kernel/task"
)

// ID identifies one of the fixed syscalls.
type ID uint32

const (
	Exit ID = iota
	GetPID
	IOPutChar
	IOAttr

	numSyscalls = 8 // headroom for growth without reshaping the table
)

// Func is a syscall's kernel-side implementation. It receives the five
// argument registers and a pointer to the frame pointer so sys_exit can
// redirect execution to a different task by mutating *framePtr; its return
// value is written to EAX only if *framePtr is unchanged by the call (a
// task switch means there is no longer an EAX worth writing — the
// interrupted task isn't running again immediately, if at all).
type Func func(ebx, ecx, edx, esi, edi uint32, framePtr **irq.Frame) uint32

var table [numSyscalls]Func

// The scheduler/task calls below are seamed so tests can drive sysExit and
// sysGetPID without a real scheduler wired up.
var (
	schedCurrentTaskFn = sched.CurrentTask
	schedNextTaskFn    = sched.NextTask
	schedSwitchFn      = sched.Switch
	taskStopFn         = task.Stop
)

// Register installs fn as the handler for id. Out-of-range ids are
// rejected and logged.
func Register(id ID, fn Func) {
	if int(id) >= numSyscalls {
		kfmt.Printf("[syscall] id %d not allowed\n", id)
		return
	}
	table[id] = fn
}

// Dispatch is installed as the irq.Handler for irq.SyscallVector. It looks
// up frame.EAX in the syscall table and, if present, invokes it; otherwise
// it logs an unknown-syscall diagnostic. table entries may redirect
// execution to a different task by mutating the frame pointer they are
// given; Dispatch only writes back EAX when that didn't happen.
func Dispatch(frame *irq.Frame) *irq.Frame {
	id := frame.EAX
	if int(id) >= numSyscalls || table[id] == nil {
		kfmt.Printf("[syscall] unknown syscall %x\n", id)
		return frame
	}

	original := frame
	ret := table[id](frame.EBX, frame.ECX, frame.EDX, frame.ESI, frame.EDI, &frame)
	if frame == original {
		frame.EAX = ret
	}
	return frame
}

// Init registers the fixed syscall set and wires Dispatch into the IRQ
// table at irq.SyscallVector.
func Init() {
	Register(Exit, sysExit)
	Register(GetPID, sysGetPID)
	Register(IOPutChar, sysIOPutChar)
	Register(IOAttr, sysIOAttr)
	irq.Register(irq.SyscallVector, Dispatch)
}

// sysExit stops the calling task and switches to the next Running one. A
// task is never allowed to exit if it is the only Running task, since there
// would be nothing left to switch to; the task is left Running in that
// case, a reported (non-fatal) condition the caller can retry once another
// task exists.
func sysExit(returnValue, _, _, _, _ uint32, framePtr **irq.Frame) uint32 {
	current := schedCurrentTaskFn()
	next := schedNextTaskFn()
	if current == next {
		kfmt.Printf("[syscall] the last task cannot exit\n")
		return 0
	}

	// The task is only marked Stopped here; it is reaped later by
	// sched.FinalizeTasks, since its kernel stack (which this very call is
	// executing on) cannot be freed while still in use.
	taskStopFn(current)
	*framePtr = schedSwitchFn(next)
	return 0
}

func sysGetPID(_, _, _, _, _ uint32, _ **irq.Frame) uint32 {
	return uint32(schedCurrentTaskFn())
}

// putCharFn and attrFn are wired by the (external) console collaborator;
// see device/console.
var (
	putCharFn = func(ch byte) {}
	attrFn    = func(attr byte) byte { return 0 }
)

// SetConsole installs the console's putchar/attr backing functions.
func SetConsole(putChar func(ch byte), attr func(attr byte) byte) {
	putCharFn = putChar
	attrFn = attr
}

func sysIOPutChar(ebx, _, _, _, _ uint32, _ **irq.Frame) uint32 {
	putCharFn(byte(ebx))
	return 0
}

func sysIOAttr(ebx, _, _, _, _ uint32, _ **irq.Frame) uint32 {
	return uint32(attrFn(byte(ebx)))
}
