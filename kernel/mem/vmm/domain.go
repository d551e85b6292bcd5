package vmm

import "ia32kernel/kernel/mem"

// Domain is a virtual address range used both for permission checking and to
// decide which directory entries are shared (kernel domain) versus private
// (user domain) when a new address space is created.
type Domain struct {
	Start uintptr
	End   uintptr
}

var (
	// KernelDomain is mapped identically into every directory. The first
	// page table's worth of addresses below it is deliberately excluded so
	// it remains free for VM86 use.
	KernelDomain = Domain{Start: 0x00400000, End: 0x3FFFFFFF}

	// UserDomain is private to each directory. The highest 4 MiB
	// (Entries pages, one page table's worth) are excluded because they are where the
	// recursive self-map lives.
	UserDomain = Domain{Start: 0x40000000, End: 0xFFFFFFFF - Entries*mem.PageSize}
)

var domainCheckEnabled bool

// EnableDomainCheck turns domain permission checking on or off. It is off
// during early init, before any domain is actually mapped.
func EnableDomainCheck(enabled bool) {
	domainCheckEnabled = enabled
}

// InDomain reports whether vaddr lies within d.
func InDomain(vaddr uintptr, d Domain) bool {
	return vaddr >= d.Start && vaddr <= d.End
}

// domainFor returns the domain matching flags: UserDomain if FlagUser is
// set, KernelDomain otherwise.
func domainFor(flags Flags) Domain {
	if flags&FlagUser != 0 {
		return UserDomain
	}
	return KernelDomain
}

// domainOf returns the domain vaddr belongs to, or false if it belongs to
// neither.
func domainOf(vaddr uintptr) (Domain, bool) {
	switch {
	case InDomain(vaddr, KernelDomain):
		return KernelDomain, true
	case InDomain(vaddr, UserDomain):
		return UserDomain, true
	default:
		return Domain{}, false
	}
}

// errDomainMismatch is the diagnostic domainCheck logs when a virtual address
// falls outside the domain implied by its flags; ErrDomainMismatch carries it
// as its message.
var errDomainMismatch = "vmm: domain mismatch"

// domainCheck reports whether vaddr may be accessed under flags, logging a
// diagnostic if domain checking is enabled and the check fails.
func domainCheck(vaddr uintptr, flags Flags) bool {
	if !domainCheckEnabled {
		return true
	}
	got, ok := domainOf(vaddr)
	want := domainFor(flags)
	if !ok || got != want {
		logf("%s\n", errDomainMismatch)
		return false
	}
	return true
}
