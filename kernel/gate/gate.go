// Package gate names the segment selectors and descriptor-table operations
// this kernel relies on but does not itself own: the GDT, IDT and TSS
// descriptor layout are fixed once at boot by a lower-level collaborator
// (raw descriptor table construction and the LGDT/LIDT/LTR instructions),
// and everything above that boundary only ever needs the resulting
// selector values.
package gate

// Selector is a GDT selector: an entry index with an RPL (requested
// privilege level) folded into the low 2 bits.
type Selector uint16

// Entry indices into the GDT. Matches the fixed 6-entry table this kernel
// installs: null descriptor, then ring-0 code/data, ring-3 code/data, and
// a single TSS descriptor.
const (
	entryNull = iota
	entryRing0Code
	entryRing0Data
	entryRing3Code
	entryRing3Data
	entryTaskState

	Entries
)

func selector(entry int, rpl uint16) Selector {
	return Selector(entry*8) | Selector(rpl)
}

// Ring0Code, Ring0Data, Ring3Code and Ring3Data are the fixed flat-model
// selectors every task's saved frame is built from (see task.Kernel and
// task.User). TaskState is loaded into TR once at boot and never again.
var (
	Ring0Code = selector(entryRing0Code, 0)
	Ring0Data = selector(entryRing0Data, 0)
	Ring3Code = selector(entryRing3Code, 3)
	Ring3Data = selector(entryRing3Data, 3)
	TaskState = selector(entryTaskState, 0)
)

// GateType distinguishes interrupt gates (which clear IF on entry) from
// trap gates (which leave it alone); the syscall vector uses a trap gate
// so a task can still be interrupted while inside a system call.
type GateType uint8

const (
	InterruptGate GateType = iota
	TrapGate
)

// InstallGate enables the IDT entry for vector at the given privilege level
// and gate type, routing it to the single common entry trampoline that
// saves a Frame and calls irq.Dispatch. Per-vector handling is then purely
// a matter of irq.Register; this function only ever needs to be called
// once per vector, during boot. Implemented by the (external)
// descriptor-table collaborator.
func InstallGate(vector uint8, dpl uint8, kind GateType)

// LoadDescriptorTables issues LGDT and LIDT against the tables the
// collaborator above has already populated, and LTR against TaskState.
// Called exactly once during boot, before interrupts are first enabled.
func LoadDescriptorTables()
