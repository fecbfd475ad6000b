// Package handler implements the Event Handlers (spec.md §4.7): the core
// state machine driven by three VM-exit reasons — #BP, EPT violation, and
// MTF — plus the per-CPU bookkeeping that threads context between the
// EPT-violation handler and the MTF handler on the same logical processor.
package handler

import (
	"sync"
	"sync/atomic"

	glog "github.com/shadowhook/vtxhook/internal/log"
	"github.com/shadowhook/vtxhook/internal/shadowhook/bugcheck"
	"github.com/shadowhook/vtxhook/internal/shadowhook/eptview"
	"github.com/shadowhook/vtxhook/internal/shadowhook/registry"
	"github.com/shadowhook/vtxhook/internal/trace"
)

// VMCS is the external VMCS collaborator named in spec.md §6:
// `vmcs.read/write` for GuestRip and CpuBasedVmExecControl's MTF bit.
type VMCS interface {
	ReadGuestRIP() uint64
	WriteGuestRIP(rip uint64)
	SetMTF(enabled bool)
}

// GuestAccessor resolves a guest VA's original physical address, needed to
// restore identity/monitor-allow views that point at the guest's own page
// rather than a shadow page.
type GuestAccessor interface {
	PhysicalAddress(va uint64) uint64
}

// PerCPUTable owns one registry.PerCPU slot per logical processor,
// allocated lazily the first time a CPU id is seen.
type PerCPUTable struct {
	mu    sync.Mutex
	slots map[int]*registry.PerCPU
}

// NewPerCPUTable returns an empty table.
func NewPerCPUTable() *PerCPUTable {
	return &PerCPUTable{slots: make(map[int]*registry.PerCPU)}
}

// Get returns the slot for cpu, creating it if necessary.
func (t *PerCPUTable) Get(cpu int) *registry.PerCPU {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[cpu]
	if !ok {
		s = registry.NewPerCPU()
		t.slots[cpu] = s
	}
	return s
}

// Dispatcher is the engine's event-handler surface: OnBreakpoint,
// OnEptViolation, OnMonitorTrapFlag. It is infallible at the public
// boundary per spec.md §7: missing entries produce a benign "not ours"
// return; only invariant violations escalate to bugcheck.Fatal.
type Dispatcher struct {
	Registry *registry.Registry
	Switcher *eptview.Switcher
	VMCS     VMCS
	Guest    GuestAccessor
	PerCPU   *PerCPUTable

	active atomic.Bool

	// onEvent, if set, receives every transition for the watch TUI /
	// introspection service. May be called from VM-exit context in the
	// simulation; keep it cheap and non-blocking.
	onEvent func(*trace.Event)
}

// New returns a Dispatcher bound to the given collaborators.
func New(reg *registry.Registry, sw *eptview.Switcher, vmcs VMCS, guest GuestAccessor) *Dispatcher {
	return &Dispatcher{
		Registry: reg,
		Switcher: sw,
		VMCS:     vmcs,
		Guest:    guest,
		PerCPU:   NewPerCPUTable(),
	}
}

// OnEvent registers a sink for trace events; nil disables it.
func (d *Dispatcher) OnEvent(fn func(*trace.Event)) {
	d.onEvent = fn
}

// emit is the single funnel every state transition passes through: it
// feeds the zap trace log (gated to debug level, per spec.md §9's "the
// log-level trace inside the MTF path is verbose; an implementation should
// gate it") and the registered event sink, which drives the watch TUI and
// the introspection snapshot.
func (d *Dispatcher) emit(cpu int, tag trace.Tag, pageBase uint64, detail string) {
	if glog.L != nil {
		glog.L.Trace(cpu, string(tag), glog.Hex(pageBase), detail)
	}

	if d.onEvent == nil {
		return
	}
	d.onEvent(trace.NewEvent(cpu, tag, pageBase, detail))
}

// Emit publishes a trace event from outside the three VM-exit handlers
// (used by lifecycle for Enable/Disable transitions).
func (d *Dispatcher) Emit(cpu int, tag trace.Tag, pageBase uint64, detail string) {
	d.emit(cpu, tag, pageBase, detail)
}

// SetActive marks the registry active or inactive; handlers treat an
// inactive registry as "not ours" for every event (spec.md §4.7).
func (d *Dispatcher) SetActive(active bool) {
	d.active.Store(active)
}

// Active reports whether the registry is currently active.
func (d *Dispatcher) Active() bool {
	return d.active.Load()
}

// OnBreakpoint handles a #BP VM-exit (spec.md §4.7 on_breakpoint).
func (d *Dispatcher) OnBreakpoint(cpu int, guestIP uint64) bool {
	if !d.active.Load() {
		return false
	}

	entry := d.Registry.FindPage(guestIP)
	if entry == nil {
		d.emit(cpu, trace.NotOurs, guestIP, "no page entry")
		return false
	}

	hook := d.Registry.FindFunctionByExact(guestIP)
	if hook == nil {
		d.emit(cpu, trace.NotOurs, entry.PageBaseVA, "no exact function hook")
		return false
	}

	d.VMCS.WriteGuestRIP(hook.Handler)
	d.emit(cpu, trace.Breakpoint, entry.PageBaseVA, "rip redirected to handler")
	return true
}

// OnEptViolation handles an EPT-violation VM-exit (spec.md §4.7
// on_ept_violation).
func (d *Dispatcher) OnEptViolation(cpu int, faultVA uint64) {
	if !d.active.Load() {
		return
	}

	entry := d.Registry.FindPage(faultVA)
	if entry == nil {
		d.emit(cpu, trace.NotOurs, faultVA, "no page entry")
		return
	}

	slot := d.PerCPU.Get(cpu)
	if !slot.Empty() {
		bugcheck.Fatal("on_ept_violation: last_hook must be empty on entry, cpu=%d", cpu)
	}

	switch entry.Kind {
	case registry.FunctionHookKind:
		hook := d.Registry.FindFunctionByPage(entry.PageBaseVA)
		if hook == nil {
			d.emit(cpu, trace.NotOurs, entry.PageBaseVA, "page entry without function hook")
			return
		}
		d.Switcher.ViewRW(entry.PageBaseVA, hook.RWPA)
		d.VMCS.SetMTF(true)
		slot.Stash(entry)
		d.emit(cpu, trace.EptViolation, entry.PageBaseVA, "exec->rw, mtf armed")

	case registry.MemoryMonitorKind:
		monitor := d.Registry.FindMonitorByPage(entry.PageBaseVA)
		if monitor == nil {
			d.emit(cpu, trace.NotOurs, entry.PageBaseVA, "page entry without memory monitor")
			return
		}
		originalPA := d.Guest.PhysicalAddress(entry.PageBaseVA)
		d.Switcher.ViewMonitorAllow(entry.PageBaseVA, originalPA)
		d.VMCS.SetMTF(true)
		slot.Stash(entry)
		d.emit(cpu, trace.MemoryMonitor, entry.PageBaseVA, "deny->allow, mtf armed")

		if monitor.Contains(faultVA) && monitor.Handler != nil {
			monitor.Handler(faultVA, d.VMCS.ReadGuestRIP())
		}
	}
}

// OnMonitorTrapFlag handles the MTF VM-exit after the guest single-stepped
// exactly one instruction (spec.md §4.7 on_mtf).
func (d *Dispatcher) OnMonitorTrapFlag(cpu int) {
	slot := d.PerCPU.Get(cpu)
	entry := slot.Consume()
	if entry == nil {
		bugcheck.Fatal("on_mtf: last_hook must be non-empty, cpu=%d", cpu)
	}

	switch entry.Kind {
	case registry.FunctionHookKind:
		hook := d.Registry.FindFunctionByPage(entry.PageBaseVA)
		if hook != nil {
			d.Switcher.ViewExec(entry.PageBaseVA, hook.ExecPA)
		}
		d.emit(cpu, trace.MonitorTrapFlag, entry.PageBaseVA, "rw->exec")

	case registry.MemoryMonitorKind:
		originalPA := d.Guest.PhysicalAddress(entry.PageBaseVA)
		d.Switcher.ViewMonitorDeny(entry.PageBaseVA, originalPA)
		d.emit(cpu, trace.MonitorTrapFlag, entry.PageBaseVA, "allow->deny")
	}

	d.VMCS.SetMTF(false)
}
