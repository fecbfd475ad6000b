// Package sim provides userspace stand-ins for the engine's host
// collaborators (EPT, VMCS, guest memory, executable allocation, and the
// per-CPU broadcaster), so the engine can run, be tested, and be watched
// outside of any real VT-x hypervisor (spec.md §8 "Testability").
package sim

import (
	"fmt"
	"sync"

	"github.com/shadowhook/vtxhook/internal/shadowhook/eptview"
	"github.com/shadowhook/vtxhook/internal/shadowhook/page"
)

// pte is one simulated second-level (EPT) page-table entry.
type pte struct {
	read, write bool
	pfn         uint64
}

// EPT is an in-memory stand-in for the hypervisor's extended page tables:
// one pte per guest page, keyed by page base VA. InvalidateEPT is a no-op
// counter rather than a real TLB flush.
type EPT struct {
	mu      sync.Mutex
	entries map[uint64]*pte
	invepts int
}

// NewEPT returns an empty EPT.
func NewEPT() *EPT {
	return &EPT{entries: make(map[uint64]*pte)}
}

// SetEntry implements eptview.Accessor.
func (e *EPT) SetEntry(va uint64, read, write bool, pfn uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	base := page.Base(va)
	e.entries[base] = &pte{read: read, write: write, pfn: pfn}
}

// InvalidateEPT implements eptview.Accessor.
func (e *EPT) InvalidateEPT() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.invepts++
}

// InveptCount returns how many times InvalidateEPT has been called, so a
// caller can check that view transitions flush.
func (e *EPT) InveptCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.invepts
}

// Lookup returns the simulated permissions and PFN currently installed for
// va's page, or ok=false if nothing has been set yet.
func (e *EPT) Lookup(va uint64) (read, write bool, pfn uint64, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, found := e.entries[page.Base(va)]
	if !found {
		return false, false, 0, false
	}
	return p.read, p.write, p.pfn, true
}

// Guest is an in-memory stand-in for guest physical memory: a flat byte
// slice addressed by guest virtual address (identity-mapped, since the
// simulation has no paging layer of its own).
type Guest struct {
	mu   sync.Mutex
	mem  []byte
	base uint64
}

// NewGuest allocates a zeroed guest address space of size bytes starting at
// base.
func NewGuest(base uint64, size int) *Guest {
	return &Guest{mem: make([]byte, size), base: base}
}

func (g *Guest) offset(va uint64) int {
	return int(va - g.base)
}

// Write copies data into the guest address space at va.
func (g *Guest) Write(va uint64, data []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	off := g.offset(va)
	copy(g.mem[off:], data)
}

// Read returns n bytes from the guest address space starting at va.
func (g *Guest) Read(va uint64, n int) []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	off := g.offset(va)
	out := make([]byte, n)
	copy(out, g.mem[off:off+n])
	return out
}

// ReadGuestPage implements install.GuestAccessor.
func (g *Guest) ReadGuestPage(pageBaseVA uint64) []byte {
	return g.Read(page.Base(pageBaseVA), page.Size)
}

// PhysicalAddress implements install.GuestAccessor and handler.GuestAccessor:
// the simulation's guest address space is identity-mapped VA==PA, matching
// how DdiMon treats guest-physical addresses for a single flat guest.
func (g *Guest) PhysicalAddress(va uint64) uint64 {
	return va
}

// PFN returns the page frame number backing va in the simulated guest,
// usable as the "original" PFN passed to eptview.Switcher's Identity and
// MonitorAllow/Deny transitions.
func (g *Guest) PFN(va uint64) uint64 {
	return eptview.PFN(g.PhysicalAddress(va))
}

// Exec is an in-memory stand-in for non-paged executable host memory
// (spec.md §6 `alloc.exec_nonpaged`): a bump allocator over one big buffer.
type Exec struct {
	mu        sync.Mutex
	buf       []byte
	base      uint64
	next      uint64
	invalidations int
}

// NewExec allocates an executable region of size bytes starting at base.
func NewExec(base uint64, size int) *Exec {
	return &Exec{buf: make([]byte, size), base: base, next: base}
}

// AllocateExecutable implements install.HostAllocator.
func (x *Exec) AllocateExecutable(size uint) (hostAddr uint64, buf []byte) {
	x.mu.Lock()
	defer x.mu.Unlock()
	addr := x.next
	off := int(addr - x.base)
	if off+int(size) > len(x.buf) {
		return 0, nil
	}
	x.next += uint64(size)
	return addr, x.buf[off : off+int(size)]
}

// InvalidateAllCaches implements install.HostAllocator.
func (x *Exec) InvalidateAllCaches() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.invalidations++
}

// InvalidationCount returns how many times InvalidateAllCaches fired, used
// by tests asserting every shadow-page write invalidates caches (spec.md §9
// "Cache coherence").
func (x *Exec) InvalidationCount() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.invalidations
}

// VMCS is an in-memory stand-in for one logical processor's VMCS fields:
// GuestRip and the MTF bit of CpuBasedVmExecControl.
type VMCS struct {
	mu       sync.Mutex
	guestRIP uint64
	mtf      bool
}

// NewVMCS returns a VMCS with GuestRip set to rip.
func NewVMCS(rip uint64) *VMCS {
	return &VMCS{guestRIP: rip}
}

// ReadGuestRIP implements handler.VMCS.
func (v *VMCS) ReadGuestRIP() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.guestRIP
}

// WriteGuestRIP implements handler.VMCS.
func (v *VMCS) WriteGuestRIP(rip uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.guestRIP = rip
}

// SetMTF implements handler.VMCS.
func (v *VMCS) SetMTF(enabled bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.mtf = enabled
}

// MTF reports whether the Monitor Trap Flag is currently armed.
func (v *VMCS) MTF() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.mtf
}

// Broadcaster implements lifecycle.Broadcaster with a fixed CPU count.
type Broadcaster int

// NumCPU implements lifecycle.Broadcaster.
func (b Broadcaster) NumCPU() int { return int(b) }

// String renders the EPT's current state for debugging, in the same
// register-dump spirit as the teacher's disassembly/trace views.
func (e *EPT) String() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fmt.Sprintf("ept{entries=%d invepts=%d}", len(e.entries), e.invepts)
}
