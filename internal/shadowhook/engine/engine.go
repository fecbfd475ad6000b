// Package engine is the host-facing facade named in spec.md §6 "Exposed to
// host": AllocateSharedData, AllocatePerCPU, EnableHooks/DisableHooks,
// InstallPatch/InstallInlineHook/InstallMemoryMonitor, and the three
// VM-exit handlers. It is the one package external callers — the CLI, the
// simulator, and the introspection service — import.
package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/shadowhook/vtxhook/internal/shadowhook/decoder"
	"github.com/shadowhook/vtxhook/internal/shadowhook/eptview"
	"github.com/shadowhook/vtxhook/internal/shadowhook/handler"
	"github.com/shadowhook/vtxhook/internal/shadowhook/install"
	"github.com/shadowhook/vtxhook/internal/shadowhook/lifecycle"
	"github.com/shadowhook/vtxhook/internal/shadowhook/registry"
	"github.com/shadowhook/vtxhook/internal/trace"
)

// Collaborators bundles the external services consumed from the host
// (spec.md §6 "Consumed from host"): the EPT accessor, the VMCS accessor,
// the guest memory/PA translator, the executable allocator, and the
// logical-CPU broadcaster.
type Collaborators struct {
	EPT       eptview.Accessor
	VMCS      handler.VMCS
	Guest     install.GuestAccessor // ReadGuestPage + PhysicalAddress
	Host      install.HostAllocator
	NumCPU    int
	Mode      decoder.Mode
}

// cpuCount adapts Collaborators.NumCPU to the lifecycle.Broadcaster interface.
type cpuCount int

func (c cpuCount) NumCPU() int { return int(c) }

// Engine owns one Registry and wires every component spec.md §2 names
// around it. AllocateSharedData's "opaque handle allocated once by the
// host and passed by reference into every API call" (§9) is simply *Engine
// itself; there is no hidden package-level singleton.
type Engine struct {
	registry   *registry.Registry
	installer  *install.Installer
	dispatcher *handler.Dispatcher
	lifecycle  *lifecycle.Lifecycle
	switcher   *eptview.Switcher
}

// AllocateSharedData constructs a fresh Engine bound to the given
// collaborators, equivalent to spec.md's allocate_shared_data() ->
// SharedRegistry*.
func AllocateSharedData(c Collaborators) *Engine {
	reg := registry.New()
	sw := eptview.New(c.EPT)
	dec := decoder.New()
	disp := handler.New(reg, sw, c.VMCS, c.Guest)
	in := install.New(reg, dec, c.Guest, c.Host, c.Mode)
	lc := lifecycle.New(reg, sw, c.Guest, cpuCount(c.NumCPU), disp)

	return &Engine{
		registry:   reg,
		installer:  in,
		dispatcher: disp,
		lifecycle:  lc,
		switcher:   sw,
	}
}

// FreeSharedData is a no-op in Go (the garbage collector reclaims the
// Engine once the caller drops its last reference); it exists so the host
// API surface matches spec.md §6's explicit allocate/free pairing.
func FreeSharedData(*Engine) {}

// AllocatePerCPU creates the per-CPU slot for logical processor cpu if it
// does not exist yet. It returns nothing: the handlers look the slot up by
// cpu id, and also create it on first use. Counterpart of spec.md's
// allocate_percpu().
func (e *Engine) AllocatePerCPU(cpu int) { _ = e.dispatcher.PerCPU.Get(cpu) }

// OnTrace registers a sink that receives every state-machine transition,
// used by the watch TUI and the introspection service.
func (e *Engine) OnTrace(fn func(*trace.Event)) {
	e.dispatcher.OnEvent(fn)
}

// Registry exposes the underlying Hook Registry for read-only inspection
// (used by internal/introspect; never mutated from there).
func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

// InstallPatch implements spec.md §6 install_patch.
func (e *Engine) InstallPatch(target install.PatchTarget) (id string, err error) {
	hook, err := e.installer.InstallPatch(target)
	if err != nil {
		return "", err
	}
	hook.ID = uuid.NewString()
	return hook.ID, nil
}

// InstallInlineHook implements spec.md §6 install_inline_hook. It returns
// the installed hook's id and the host address of the original_call stub
// (target.OriginalCallOut in spec.md's HookTarget).
func (e *Engine) InstallInlineHook(target install.HookTarget) (id string, originalCall uint64, err error) {
	hook, err := e.installer.InstallInlineHook(target)
	if err != nil {
		return "", 0, err
	}
	hook.ID = uuid.NewString()
	return hook.ID, hook.OriginalCall, nil
}

// InstallMemoryMonitor implements spec.md §6 install_memory_monitor.
func (e *Engine) InstallMemoryMonitor(target install.MonitorTarget) (id string, err error) {
	monitor, err := e.installer.InstallMemoryMonitor(target)
	if err != nil {
		return "", err
	}
	monitor.ID = uuid.NewString()
	return monitor.ID, nil
}

// EnableHooks implements spec.md §6 enable_hooks(): host-wide broadcast.
func (e *Engine) EnableHooks(ctx context.Context) error {
	return e.lifecycle.EnableHooks(ctx)
}

// DisableHooks implements spec.md §6 disable_hooks(): host-wide broadcast.
func (e *Engine) DisableHooks(ctx context.Context) error {
	return e.lifecycle.DisableHooks(ctx)
}

// OnBreakpoint implements spec.md §6 on_breakpoint(percpu, shared, guest_ip).
func (e *Engine) OnBreakpoint(cpu int, guestIP uint64) bool {
	return e.dispatcher.OnBreakpoint(cpu, guestIP)
}

// OnEptViolation implements spec.md §6
// on_ept_violation(percpu, shared, ept, fault_va).
func (e *Engine) OnEptViolation(cpu int, faultVA uint64) {
	e.dispatcher.OnEptViolation(cpu, faultVA)
}

// OnMonitorTrapFlag implements spec.md §6
// on_monitor_trap_flag(percpu, shared, ept).
func (e *Engine) OnMonitorTrapFlag(cpu int) {
	e.dispatcher.OnMonitorTrapFlag(cpu)
}

// Active reports whether the engine is between an EnableHooks and the
// matching DisableHooks.
func (e *Engine) Active() bool {
	return e.dispatcher.Active()
}
