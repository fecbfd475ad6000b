// Package registry implements the Hook Registry (spec.md §3, §4.4): the
// shared catalog of page-level entries, function-hook records, and
// memory-monitor records, plus the per-CPU slot used to thread MTF context
// between the EPT-violation handler and the MTF handler on the same CPU.
package registry

import (
	"sync"

	"github.com/shadowhook/vtxhook/internal/shadowhook/page"
)

// Kind distinguishes what a PageHookEntry carries. The source this engine
// is grounded on never mixes kinds on one page (spec.md §9 Design Notes,
// "Mixed kinds on one page"); we keep the one-kind-per-entry model the spec
// describes rather than speculatively generalizing to a kind set, and
// document that choice as an Open Question decision in DESIGN.md.
type Kind int

const (
	FunctionHookKind Kind = iota
	MemoryMonitorKind
)

func (k Kind) String() string {
	if k == MemoryMonitorKind {
		return "memory-monitor"
	}
	return "function-hook"
}

// PageHookEntry is a lightweight index entry: one per distinct guest page
// carrying any hook (invariant I1).
type PageHookEntry struct {
	PageBaseVA uint64
	Kind       Kind
}

// FunctionHook records an installed inline breakpoint hook or raw patch
// (spec.md §3).
type FunctionHook struct {
	ID           string // caller-facing handle, assigned by the engine facade
	PatchAddress uint64
	Handler      uint64 // host VA of the redirect target; zero for raw patches
	PatchLength  uint   // only meaningful for raw patches
	NewCode      []byte // only meaningful for raw patches
	ExecShadow   *page.Shadow
	RWShadow     *page.Shadow
	ExecPA       uint64
	RWPA         uint64
	OriginalCall uint64 // host VA of the saved-prologue+trampoline stub; zero for raw patches
}

// IsPatch reports whether this FunctionHook is a raw patch rather than an
// inline (breakpoint) hook.
func (f *FunctionHook) IsPatch() bool {
	return f.Handler == 0 && len(f.NewCode) > 0
}

// MemoryMonitor records an installed memory-access monitor (spec.md §3).
type MemoryMonitor struct {
	ID         string
	MemAddress uint64
	MemLen     uint64
	Handler    func(faultVA, guestRIP uint64)
	RWShadow   *page.Shadow
	RWPA       uint64
}

// Contains reports whether va falls within [MemAddress, MemAddress+MemLen).
func (m *MemoryMonitor) Contains(va uint64) bool {
	return va >= m.MemAddress && va < m.MemAddress+m.MemLen
}

// PerCPU is PerCpuState (spec.md §3): a one-slot cell threading MTF context
// between the EPT-violation handler and the MTF handler on the same logical
// processor. last_hook is `Some` only between an EPT-violation handler that
// armed MTF and the corresponding MTF handler (invariant I4).
type PerCPU struct {
	mu       sync.Mutex
	lastHook *PageHookEntry
}

// NewPerCPU returns a fresh, empty per-CPU slot.
func NewPerCPU() *PerCPU {
	return &PerCPU{}
}

// Stash records entry as the last hook seen on this CPU. Calling it while
// already non-empty is a programming error (spec.md §5: "`last_hook` must
// be empty on entry to on_ept_violation").
func (p *PerCPU) Stash(entry *PageHookEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastHook = entry
}

// Peek returns the stashed entry without consuming it.
func (p *PerCPU) Peek() *PageHookEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastHook
}

// Consume returns the stashed entry and clears the slot, implementing
// invariant I4 ("It is consumed (set to None) at MTF").
func (p *PerCPU) Consume() *PageHookEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.lastHook
	p.lastHook = nil
	return e
}

// Empty reports whether the slot currently holds nothing.
func (p *PerCPU) Empty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastHook == nil
}

// Registry is the process-wide mutable state described in spec.md §5: three
// ordered collections, mutated under a single-writer lock. The registry has
// no notion of enabled/disabled, and neither it nor the engine facade
// rejects a mutation made between Enable and Disable.
type Registry struct {
	mu             sync.Mutex
	pageEntries    []*PageHookEntry
	functionHooks  []*FunctionHook
	memoryMonitors []*MemoryMonitor
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{}
}

// FindPage returns the first PageHookEntry whose PageBaseVA equals
// page.Base(va), or nil.
func (r *Registry) FindPage(va uint64) *PageHookEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findPageLocked(page.Base(va))
}

func (r *Registry) findPageLocked(base uint64) *PageHookEntry {
	for _, e := range r.pageEntries {
		if e.PageBaseVA == base {
			return e
		}
	}
	return nil
}

// FindFunctionByPage returns the first FunctionHook whose PatchAddress
// falls on va's page, or nil.
func (r *Registry) FindFunctionByPage(va uint64) *FunctionHook {
	r.mu.Lock()
	defer r.mu.Unlock()
	base := page.Base(va)
	for _, h := range r.functionHooks {
		if page.Base(h.PatchAddress) == base {
			return h
		}
	}
	return nil
}

// FindFunctionByExact returns the first FunctionHook with
// PatchAddress == va, or nil. Tie-break on multiple hooks at the same exact
// address is undefined (spec.md §4.4); we return the first match in
// insertion order.
func (r *Registry) FindFunctionByExact(va uint64) *FunctionHook {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.functionHooks {
		if h.PatchAddress == va {
			return h
		}
	}
	return nil
}

// FindMonitorByPage returns the first MemoryMonitor whose MemAddress falls
// on va's page, or nil.
func (r *Registry) FindMonitorByPage(va uint64) *MemoryMonitor {
	r.mu.Lock()
	defer r.mu.Unlock()
	base := page.Base(va)
	for _, m := range r.memoryMonitors {
		if page.Base(m.MemAddress) == base {
			return m
		}
	}
	return nil
}

// FunctionHooksOnPage returns every FunctionHook sharing va's page, used to
// reuse exec/rw shadow page references per invariant I2.
func (r *Registry) FunctionHooksOnPage(va uint64) []*FunctionHook {
	r.mu.Lock()
	defer r.mu.Unlock()
	base := page.Base(va)
	var out []*FunctionHook
	for _, h := range r.functionHooks {
		if page.Base(h.PatchAddress) == base {
			out = append(out, h)
		}
	}
	return out
}

// MonitorsOnPage returns every MemoryMonitor sharing va's page, used to
// reuse the rw shadow page reference per invariant I3.
func (r *Registry) MonitorsOnPage(va uint64) []*MemoryMonitor {
	r.mu.Lock()
	defer r.mu.Unlock()
	base := page.Base(va)
	var out []*MemoryMonitor
	for _, m := range r.memoryMonitors {
		if page.Base(m.MemAddress) == base {
			out = append(out, m)
		}
	}
	return out
}

// AddFunctionHook records h and, if no PageHookEntry exists for its page,
// creates one with Kind = FunctionHookKind (spec.md §4.5 step 8). Returns
// the (possibly newly created) PageHookEntry.
func (r *Registry) AddFunctionHook(h *FunctionHook) *PageHookEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.functionHooks = append(r.functionHooks, h)

	base := page.Base(h.PatchAddress)
	entry := r.findPageLocked(base)
	if entry == nil {
		entry = &PageHookEntry{PageBaseVA: base, Kind: FunctionHookKind}
		r.pageEntries = append(r.pageEntries, entry)
	}
	return entry
}

// AddMemoryMonitor records m and, if no PageHookEntry exists for its page,
// creates one with Kind = MemoryMonitorKind (spec.md §4.5 install_memory_monitor).
func (r *Registry) AddMemoryMonitor(m *MemoryMonitor) *PageHookEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.memoryMonitors = append(r.memoryMonitors, m)

	base := page.Base(m.MemAddress)
	entry := r.findPageLocked(base)
	if entry == nil {
		entry = &PageHookEntry{PageBaseVA: base, Kind: MemoryMonitorKind}
		r.pageEntries = append(r.pageEntries, entry)
	}
	return entry
}

// PageEntries returns a snapshot copy of every PageHookEntry, in install
// order, for Lifecycle and for the introspection service.
func (r *Registry) PageEntries() []*PageHookEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*PageHookEntry, len(r.pageEntries))
	copy(out, r.pageEntries)
	return out
}

// FunctionHooks returns a snapshot copy of every FunctionHook, in install order.
func (r *Registry) FunctionHooks() []*FunctionHook {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*FunctionHook, len(r.functionHooks))
	copy(out, r.functionHooks)
	return out
}

// MemoryMonitors returns a snapshot copy of every MemoryMonitor, in install order.
func (r *Registry) MemoryMonitors() []*MemoryMonitor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*MemoryMonitor, len(r.memoryMonitors))
	copy(out, r.memoryMonitors)
	return out
}
