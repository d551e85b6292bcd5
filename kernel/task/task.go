// Package task implements the kernel's task model: a fixed-size task table
// indexed by PID, each task owning a kernel stack, an optional user stack,
// a page directory, and the saved CPU frame the scheduler context-switches
// through.
package task

import (
	"ia32kernel/kernel"
	"ia32kernel/kernel/irq"
	"ia32kernel/kernel/mem"
	"ia32kernel/kernel/mem/vmm"
	"unsafe"
)

// MaxTasks bounds the task table. PID 0 is reserved as an invalid sentinel.
const MaxTasks = 1024

// The vmm/irq calls below are behind function-variable seams so tests can
// exercise task creation and teardown without a real page directory or
// interrupt controller.
var (
	vmmCreateDirectoryFn   = vmm.CreateDirectory
	vmmModifyDirectoryFn   = vmm.ModifyDirectory
	vmmModifiedDirectoryFn = vmm.ModifiedDirectory
	vmmAllocFn             = vmm.Alloc
	vmmFreeFn              = vmm.Free
	vmmDestroyDirectoryFn  = vmm.DestroyDirectory
	irqEnableInterruptsFn  = irq.EnableInterrupts
)

// State is a task's scheduling state.
type State uint8

const (
	// Stopped tasks are still listed but never selected by the scheduler;
	// they are reaped by the next finalizer pass.
	Stopped State = iota
	// Running tasks participate in round-robin scheduling.
	Running
)

// PID identifies a task. 0 is never a valid task.
type PID uint32

// Task is a single schedulable unit of execution.
type Task struct {
	PID   PID
	State State

	PageDirectory uintptr

	KernelStack    uintptr
	KernelStackLen mem.Size
	UserStack      uintptr
	UserStackLen   mem.Size

	// Frame points at the saved CPU state, which lives at the top of the
	// kernel stack. The scheduler swaps this out on every context switch.
	Frame *irq.Frame

	// Ticks is the number of timer ticks remaining in the task's current
	// time slice.
	Ticks uint32

	// VM86 marks a task created by the VM86 monitor; the monitor's
	// general protection fault handler consults this to decide whether a
	// fault can be emulated.
	VM86 bool

	// ELF references the loaded image, if any, so task destruction can
	// release its mappings. Owned by package elf, not by Task.
	ELF interface{}
}

var (
	tasks [MaxTasks]*Task

	// ErrNoSuchTask is reported by lookups against an unused PID slot.
	ErrNoSuchTask = &kernel.Error{Module: "task", Message: "task does not exist"}

	// ErrMaxTasksReached is a fatal condition: the table has no free PID.
	ErrMaxTasksReached = &kernel.Error{Module: "task", Message: "maximum task number reached"}

	// ErrRunning is reported by Destroy against a task that hasn't been
	// stopped yet.
	ErrRunning = &kernel.Error{Module: "task", Message: "cannot destroy a running task"}
)

// Get returns the task with the given PID, or nil if the slot is unused.
func Get(pid PID) *Task {
	if pid == 0 || pid >= MaxTasks {
		return nil
	}
	return tasks[pid]
}

// Add inserts t into the first free slot (PID 1..MaxTasks-1) and returns its
// new PID. Panics if the table is full. Exported so the scheduler and ELF
// loader can register tasks assembled outside the Create* constructors, and
// so tests can populate the table without a real page directory.
func Add(t *Task) PID {
	for pid := PID(1); pid < MaxTasks; pid++ {
		if tasks[pid] == nil {
			tasks[pid] = t
			t.PID = pid
			return pid
		}
	}
	panic(ErrMaxTasksReached)
}

func remove(pid PID) {
	tasks[pid] = nil
}

// Reset clears the entire task table. Exported for test isolation in
// packages (scheduler, ELF loader) that build Task values directly via Add
// rather than the vmm-backed Create* constructors.
func Reset() {
	for pid := range tasks {
		tasks[pid] = nil
	}
}

// segmentSelectors supplies the code/data selectors to embed in a new
// task's CPU frame. Populated by the (external, opaque) GDT/TSS wiring
// collaborator; callers pick Kernel or User below.
type segmentSelectors struct {
	Code, Data uint32
}

// Kernel and User are swapped in tests and set from kernel/gate's GDT
// selectors by kernel/kmain during boot.
var (
	Kernel = segmentSelectors{}
	User   = segmentSelectors{}
)

// CreateDetailed builds a new task. If pageDirectory is 0, a fresh directory
// is created for it. kernelStackLen/userStackLen are rounded up to whole
// pages by vmm.Alloc. elf, if non-nil, is stashed in Task.ELF; Destroy does
// not release it (the scheduler hands such tasks to the teardown routine
// installed by sched.SetELFDestroyer). segs selects the ring-0 or ring-3 code/data selectors for the
// initial frame.
func CreateDetailed(entryPoint uintptr, pageDirectory uintptr, kernelStackLen, userStackLen mem.Size, elf interface{}, segs segmentSelectors) PID {
	old := irqEnableInterruptsFn(false)
	defer irqEnableInterruptsFn(old)

	t := &Task{}
	if pageDirectory != 0 {
		t.PageDirectory = pageDirectory
	} else {
		t.PageDirectory = vmmCreateDirectoryFn()
	}

	vmmModifyDirectoryFn(t.PageDirectory)
	t.State = Running
	t.ELF = elf

	kstack, err := vmmAllocFn(kernelStackLen, vmm.Kernel)
	if err != nil {
		panic(err)
	}
	t.KernelStack, t.KernelStackLen = kstack, kernelStackLen

	if userStackLen != 0 {
		ustack, err := vmmAllocFn(userStackLen, vmm.User)
		if err != nil {
			panic(err)
		}
		t.UserStack, t.UserStackLen = ustack, userStackLen
	}

	// The saved frame sits at the top of the kernel stack.
	frameAddr := t.KernelStack + uintptr(t.KernelStackLen) - unsafe.Sizeof(irq.Frame{})
	t.Frame = (*irq.Frame)(unsafe.Pointer(frameAddr))
	*t.Frame = irq.Frame{}
	t.Frame.GS, t.Frame.FS, t.Frame.ES, t.Frame.DS = segs.Data, segs.Data, segs.Data, segs.Data
	t.Frame.EIP = uint32(entryPoint)
	t.Frame.CS = segs.Code
	t.Frame.EFlags = eflagsIF | eflagsReserved
	if t.UserStack != 0 {
		t.Frame.UserESP = uint32(t.UserStack) + uint32(t.UserStackLen) - 1
		t.Frame.UserSS = segs.Data
	}

	vmmModifiedDirectoryFn()
	return Add(t)
}

const (
	eflagsIF       = 1 << 9
	eflagsReserved = 1 << 1
)

// CreateKernel creates a ring-0 task with no user stack.
func CreateKernel(entryPoint uintptr, pageDirectory uintptr, kernelStackLen mem.Size) PID {
	return CreateDetailed(entryPoint, pageDirectory, kernelStackLen, 0, nil, Kernel)
}

// CreateUser creates a ring-3 task with both stacks.
func CreateUser(entryPoint uintptr, pageDirectory uintptr, kernelStackLen, userStackLen mem.Size, elf interface{}) PID {
	return CreateDetailed(entryPoint, pageDirectory, kernelStackLen, userStackLen, elf, User)
}

// VM86Entry carries the real-mode addressing package vm86 has already
// computed (CS:IP and SS:SP far pointers, and the single data segment the
// code, stack and IVT lookups all share) plus the initial general-purpose
// registers the BIOS-call convention passes as parameters.
type VM86Entry struct {
	EIP, CS         uint16
	UserESP, UserSS uint16
	DataSegment     uint16
	Regs            irq.Regs
}

// CreateVM86 creates a task entering virtual-8086 mode. Unlike
// CreateDetailed, the initial frame is built directly here rather than
// through the normal ring-0/ring-3 selector pair, since VM86 entry needs
// EFLAGS.VM set and the four vm86_* segment fields populated in addition to
// the ordinary ones.
func CreateVM86(pageDirectory uintptr, kernelStackLen, userStackLen mem.Size, entry VM86Entry) PID {
	old := irqEnableInterruptsFn(false)
	defer irqEnableInterruptsFn(old)

	t := &Task{}
	if pageDirectory != 0 {
		t.PageDirectory = pageDirectory
	} else {
		t.PageDirectory = vmmCreateDirectoryFn()
	}

	vmmModifyDirectoryFn(t.PageDirectory)
	t.State = Running
	t.VM86 = true

	kstack, err := vmmAllocFn(kernelStackLen, vmm.Kernel)
	if err != nil {
		panic(err)
	}
	t.KernelStack, t.KernelStackLen = kstack, kernelStackLen
	t.UserStack, t.UserStackLen = 0, userStackLen // backed by low conventional memory, not vmm.Alloc

	frameAddr := t.KernelStack + uintptr(t.KernelStackLen) - unsafe.Sizeof(irq.Frame{})
	t.Frame = (*irq.Frame)(unsafe.Pointer(frameAddr))
	*t.Frame = irq.Frame{}
	t.Frame.Regs = entry.Regs
	t.Frame.GS, t.Frame.FS, t.Frame.ES, t.Frame.DS = User.Data, User.Data, User.Data, User.Data
	t.Frame.EIP = uint32(entry.EIP)
	t.Frame.CS = uint32(entry.CS)
	t.Frame.EFlags = eflagsIF | eflagsReserved | irq.EFlagsVM
	t.Frame.UserESP = uint32(entry.UserESP)
	t.Frame.UserSS = uint32(entry.UserSS)
	t.Frame.VM86ES = uint32(entry.DataSegment)
	t.Frame.VM86DS = uint32(entry.DataSegment)
	t.Frame.VM86FS = uint32(entry.DataSegment)
	t.Frame.VM86GS = uint32(entry.DataSegment)

	vmmModifiedDirectoryFn()
	return Add(t)
}

// Stop marks a task Stopped. It remains in the table until Destroy (or the
// scheduler's finalizer pass) reaps it.
func Stop(pid PID) {
	t := Get(pid)
	if t == nil {
		return
	}
	t.State = Stopped
}

// Destroy releases a stopped task's stacks and directory and removes it
// from the table. Destroying a Running task is refused.
func Destroy(pid PID) *kernel.Error {
	old := irqEnableInterruptsFn(false)
	defer irqEnableInterruptsFn(old)

	t := Get(pid)
	if t == nil {
		return ErrNoSuchTask
	}
	if t.State == Running {
		return ErrRunning
	}

	vmmModifyDirectoryFn(t.PageDirectory)
	vmmFreeFn(t.KernelStack, t.KernelStackLen)
	if t.UserStack != 0 {
		vmmFreeFn(t.UserStack, t.UserStackLen)
	}
	vmmModifiedDirectoryFn()

	vmmDestroyDirectoryFn(t.PageDirectory)
	remove(pid)
	return nil
}

// NextTask returns the PID following pid in the table, wrapping around; 0
// if the table has no tasks at all.
func NextTask(pid PID) PID {
	for p := pid + 1; p < MaxTasks; p++ {
		if tasks[p] != nil {
			return p
		}
	}
	for p := PID(1); p < MaxTasks; p++ {
		if tasks[p] != nil {
			return p
		}
	}
	return 0
}

// NextTaskWithState returns the next task after pid whose state is state,
// scanning at most once around the table; 0 if none match.
func NextTaskWithState(pid PID, state State) PID {
	start := pid
	for scanned := 0; scanned <= MaxTasks; scanned++ {
		pid = NextTask(pid)
		if pid == 0 {
			return 0
		}
		if Get(pid).State == state {
			return pid
		}
		if pid == start {
			return 0
		}
	}
	return 0
}
