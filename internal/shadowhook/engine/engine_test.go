package engine

import (
	"context"
	"testing"

	"github.com/shadowhook/vtxhook/internal/shadowhook/decoder"
	"github.com/shadowhook/vtxhook/internal/shadowhook/eptview"
	"github.com/shadowhook/vtxhook/internal/shadowhook/install"
	"github.com/shadowhook/vtxhook/internal/shadowhook/page"
	"github.com/shadowhook/vtxhook/internal/shadowhook/sim"
)

const (
	testGuestBase = uint64(0x400000)
	testHandlerVA = uint64(0xDEADBEEF)
	testGuestSize = 0x2000
	testExecBase  = uint64(0x10000000)
	testExecSize  = 4096
)

// newTestEngine wires a fresh Engine against the sim fakes the way
// cmd/shadowhookctl's session does, with a two-page guest whose first page
// is filled with nops so any offset in it decodes as a valid one-byte
// instruction.
func newTestEngine(t *testing.T) (*Engine, *sim.Guest, *sim.EPT, *sim.VMCS) {
	t.Helper()

	guest := sim.NewGuest(testGuestBase, testGuestSize)
	code := make([]byte, page.Size)
	for i := range code {
		code[i] = 0x90
	}
	guest.Write(testGuestBase, code)

	ept := sim.NewEPT()
	vmcs := sim.NewVMCS(testGuestBase)
	exec := sim.NewExec(testExecBase, testExecSize)

	e := AllocateSharedData(Collaborators{
		EPT:    ept,
		VMCS:   vmcs,
		Guest:  guest,
		Host:   exec,
		NumCPU: 1,
		Mode:   decoder.Mode64,
	})
	return e, guest, ept, vmcs
}

// TestEngineInstallEnableTrapDisable drives the full lifecycle spec.md §8
// asks for: install_inline_hook, enable_hooks (exec view applied),
// on_breakpoint (RIP redirected), on_ept_violation + on_monitor_trap_flag
// (the rw<->exec round trip), then disable_hooks (identity restored).
func TestEngineInstallEnableTrapDisable(t *testing.T) {
	e, guest, ept, vmcs := newTestEngine(t)

	id, originalCall, err := e.InstallInlineHook(install.HookTarget{
		FunctionType: install.Exported,
		Address:      testGuestBase,
		Handler:      testHandlerVA,
	})
	if err != nil {
		t.Fatalf("InstallInlineHook: %v", err)
	}
	if id == "" {
		t.Error("expected a non-empty hook id")
	}
	if originalCall == 0 {
		t.Error("expected a non-zero original_call stub address")
	}

	hook := e.Registry().FindFunctionByExact(testGuestBase)
	if hook == nil {
		t.Fatal("expected the installed hook to be findable by exact address")
	}

	if err := e.EnableHooks(context.Background()); err != nil {
		t.Fatalf("EnableHooks: %v", err)
	}
	if !e.Active() {
		t.Fatal("expected the engine to report Active() after EnableHooks")
	}
	if read, write, pfn, ok := ept.Lookup(testGuestBase); !ok || read || write || pfn != eptview.PFN(hook.ExecPA) {
		t.Fatalf("ept state after enable = (read=%v write=%v pfn=%#x ok=%v), want exec-only view at exec pfn", read, write, pfn, ok)
	}

	if !e.OnBreakpoint(0, testGuestBase) {
		t.Fatal("expected OnBreakpoint to claim the planted #BP")
	}
	if vmcs.ReadGuestRIP() != testHandlerVA {
		t.Fatalf("GuestRip = %#x, want handler %#x", vmcs.ReadGuestRIP(), testHandlerVA)
	}

	e.OnEptViolation(0, testGuestBase)
	if !vmcs.MTF() {
		t.Fatal("expected MTF to be armed after OnEptViolation on the hooked page")
	}
	if read, write, pfn, ok := ept.Lookup(testGuestBase); !ok || !read || !write || pfn != eptview.PFN(hook.RWPA) {
		t.Fatalf("ept state after violation = (read=%v write=%v pfn=%#x ok=%v), want rw view at rw pfn", read, write, pfn, ok)
	}

	e.OnMonitorTrapFlag(0)
	if vmcs.MTF() {
		t.Fatal("expected MTF to be disarmed after OnMonitorTrapFlag")
	}
	if read, write, pfn, ok := ept.Lookup(testGuestBase); !ok || read || write || pfn != eptview.PFN(hook.ExecPA) {
		t.Fatalf("ept state after mtf = (read=%v write=%v pfn=%#x ok=%v), want exec view restored", read, write, pfn, ok)
	}

	if err := e.DisableHooks(context.Background()); err != nil {
		t.Fatalf("DisableHooks: %v", err)
	}
	if e.Active() {
		t.Fatal("expected Active() to report false after DisableHooks")
	}
	originalPA := guest.PhysicalAddress(testGuestBase)
	if read, write, pfn, ok := ept.Lookup(testGuestBase); !ok || !read || !write || pfn != eptview.PFN(originalPA) {
		t.Fatalf("ept state after disable = (read=%v write=%v pfn=%#x ok=%v), want identity view at the original pfn", read, write, pfn, ok)
	}
}

// TestEngineOnBreakpointDeclinesUnrelatedAddressWhenInactive asserts the
// "not ours" path (spec.md §4.7) holds end-to-end through the facade
// before any hook has been installed or enabled.
func TestEngineOnBreakpointDeclinesUnrelatedAddressWhenInactive(t *testing.T) {
	e, _, _, _ := newTestEngine(t)

	if e.OnBreakpoint(0, testGuestBase) {
		t.Error("expected OnBreakpoint to decline with no installed hooks and the engine inactive")
	}
}
