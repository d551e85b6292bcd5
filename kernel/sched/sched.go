// Package sched implements the round-robin preemptive scheduler. It is
// driven by the timer IRQ handler calling Tick once per PIT pulse; all
// other state transitions (task creation/stop) happen elsewhere and are
// picked up the next time Tick or FinalizeTasks runs.
package sched

import (
	"ia32kernel/kernel/irq"
	"ia32kernel/kernel/kfmt"
	"ia32kernel/kernel/mem/vmm"
	"ia32kernel/kernel/task"
	"ia32kernel/kernel/tss"
	"unsafe"
)

// frameTop returns the stack pointer value the CPU should find loaded once
// t's saved frame has been fully popped by IRET: one frame-width past the
// frame's base address.
func frameTop(t *task.Task) uintptr {
	return uintptr(unsafe.Pointer(t.Frame)) + unsafe.Sizeof(irq.Frame{})
}

var (
	currentTask       task.PID
	ticksPerTimeSlice uint32 = 1

	// Seamed so tests can drive Switch/Tick without a real page
	// directory or TSS-backed stack switch.
	vmmLoadDirectoryFn = vmm.LoadDirectory
	tssSetStackFn      = tss.SetStack
)

// SetQuantum overrides the number of timer ticks in a time slice. Exposed so
// boot wiring can apply a value parsed from the boot command line (see
// kernel/hal/multiboot).
func SetQuantum(ticks uint32) {
	if ticks == 0 {
		ticks = 1
	}
	ticksPerTimeSlice = ticks
}

// CurrentTask returns the PID of the task currently executing, or 0 before
// the first switch.
func CurrentTask() task.PID {
	return currentTask
}

// NextTask returns the next Running task after currentTask, or 0 if there is
// none.
func NextTask() task.PID {
	return task.NextTaskWithState(currentTask, task.Running)
}

// Tick is called by the timer IRQ handler with the frame it saved. It
// decrements the current task's remaining ticks and, once exhausted, hands
// control to the next Running task. frame is returned unchanged if no
// switch occurs.
func Tick(frame *irq.Frame) *irq.Frame {
	next := NextTask()
	if next == 0 {
		return frame // nothing to schedule yet
	}

	if currentTask != 0 {
		t := task.Get(currentTask)
		if t.Ticks > 0 {
			t.Ticks--
		}
		if t.Ticks > 0 {
			return frame
		}
		t.Frame = frame
	}

	if currentTask == next {
		return frame
	}

	return Switch(next)
}

// Switch unconditionally switches execution to next, reprogramming the TSS
// kernel-stack pointer, refilling next's time slice, and loading its page
// directory. Returns next's saved frame, which the caller (ordinarily the
// common interrupt stub via Tick, or sys_exit) restores.
func Switch(next task.PID) *irq.Frame {
	nt := task.Get(next)
	if currentTask != 0 {
		kfmt.Printf("[sched] task switch from %d to %d\n", currentTask, next)
	} else {
		kfmt.Printf("[sched] initial task switch to %d\n", next)
	}

	// Once this frame's IRET pops the full saved state, ESP settles one
	// frame-width past its base; that is the stack pointer the CPU should
	// load on the *next* privilege-raising interrupt into this task.
	tssSetStackFn(frameTop(nt))

	nt.Ticks = ticksPerTimeSlice
	vmmLoadDirectoryFn(nt.PageDirectory)
	currentTask = next

	return nt.Frame
}

// FinalizeTasks destroys every Stopped task other than the current one,
// releasing its resources. Called
// from the scheduler's idle path, outside the timer IRQ, since destruction
// involves PMM/VMM work that need not run with interrupts masked by the
// timer specifically (ModifyDirectory still masks them for its own
// critical section).
func FinalizeTasks() {
	var pid task.PID
	for {
		pid = task.NextTaskWithState(pid, task.Stopped)
		if pid == 0 {
			return
		}
		if pid == currentTask {
			// The current task is never destroyed; stop once it is the
			// only Stopped task left.
			if task.NextTaskWithState(pid, task.Stopped) == pid {
				return
			}
			continue
		}
		if t := task.Get(pid); t != nil && t.ELF != nil {
			destroyELFTaskFn(pid)
		} else {
			task.Destroy(pid)
		}
	}
}

// destroyELFTaskFn is installed by boot wiring through SetELFDestroyer to
// avoid an import cycle (elf depends on task; sched must be able to call
// back into elf's teardown).
var destroyELFTaskFn = func(pid task.PID) { task.Destroy(pid) }

// SetELFDestroyer installs the teardown routine used for tasks that carry
// an ELF image reference.
func SetELFDestroyer(fn func(task.PID)) {
	destroyELFTaskFn = fn
}
