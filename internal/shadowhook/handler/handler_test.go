package handler

import (
	"testing"

	"github.com/shadowhook/vtxhook/internal/shadowhook/bugcheck"
	"github.com/shadowhook/vtxhook/internal/shadowhook/eptview"
	"github.com/shadowhook/vtxhook/internal/shadowhook/page"
	"github.com/shadowhook/vtxhook/internal/shadowhook/registry"
	"github.com/shadowhook/vtxhook/internal/shadowhook/sim"
	"github.com/shadowhook/vtxhook/internal/trace"
)

const (
	hookVA    = uint64(0x401000)
	handlerVA = uint64(0xDEADBEEF)
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *registry.FunctionHook, *sim.VMCS, *sim.EPT) {
	t.Helper()

	reg := registry.New()
	original := make([]byte, page.Size)
	original[0] = 0xCC

	execShadow := page.New(original)
	rwShadow := page.New(original)

	hook := &registry.FunctionHook{
		PatchAddress: hookVA,
		Handler:      handlerVA,
		ExecShadow:   execShadow,
		RWShadow:     rwShadow,
		ExecPA:       execShadow.PhysicalAddress(),
		RWPA:         rwShadow.PhysicalAddress(),
	}
	reg.AddFunctionHook(hook)

	ept := sim.NewEPT()
	guest := sim.NewGuest(page.Base(hookVA), page.Size)
	vmcs := sim.NewVMCS(hookVA)
	disp := New(reg, eptview.New(ept), vmcs, guest)
	disp.SetActive(true)

	return disp, hook, vmcs, ept
}

func TestOnBreakpointRedirectsRIP(t *testing.T) {
	disp, hook, vmcs, _ := newTestDispatcher(t)

	handled := disp.OnBreakpoint(0, hookVA)
	if !handled {
		t.Fatal("expected OnBreakpoint to report this #BP as ours")
	}
	if vmcs.ReadGuestRIP() != hook.Handler {
		t.Errorf("GuestRip = %#x, want handler %#x", vmcs.ReadGuestRIP(), hook.Handler)
	}
}

func TestOnBreakpointIgnoresUnknownAddress(t *testing.T) {
	disp, _, vmcs, _ := newTestDispatcher(t)

	handled := disp.OnBreakpoint(0, 0x999000)
	if handled {
		t.Fatal("expected OnBreakpoint to report an unrelated address as not ours")
	}
	if vmcs.ReadGuestRIP() != hookVA {
		t.Error("GuestRip should be untouched for an unrelated #BP")
	}
}

func TestOnBreakpointInactiveIsNotOurs(t *testing.T) {
	disp, _, _, _ := newTestDispatcher(t)
	disp.SetActive(false)

	if disp.OnBreakpoint(0, hookVA) {
		t.Error("expected OnBreakpoint to decline while inactive")
	}
}

func TestEptViolationThenMTFRoundTrip(t *testing.T) {
	disp, hook, vmcs, ept := newTestDispatcher(t)

	disp.OnEptViolation(0, hookVA)

	if !vmcs.MTF() {
		t.Fatal("expected MTF to be armed after an EPT violation on a hooked page")
	}
	if read, write, pfn, ok := ept.Lookup(hookVA); !ok || !read || !write || pfn != eptview.PFN(hook.RWPA) {
		t.Errorf("ept state after violation = (read=%v write=%v pfn=%#x ok=%v), want rw view at rw pfn", read, write, pfn, ok)
	}

	disp.OnMonitorTrapFlag(0)

	if vmcs.MTF() {
		t.Error("expected MTF to be disarmed after the MTF handler runs")
	}
	if read, write, pfn, ok := ept.Lookup(hookVA); !ok || read || write || pfn != eptview.PFN(hook.ExecPA) {
		t.Errorf("ept state after mtf = (read=%v write=%v pfn=%#x ok=%v), want exec view at exec pfn", read, write, pfn, ok)
	}
}

func TestOnEptViolationFatalsWhenSlotNotEmpty(t *testing.T) {
	disp, _, _, _ := newTestDispatcher(t)

	disp.PerCPU.Get(0).Stash(&registry.PageHookEntry{PageBaseVA: hookVA, Kind: registry.FunctionHookKind})

	_, fired := bugcheck.Intercept(func() {
		disp.OnEptViolation(0, hookVA)
	})
	if !fired {
		t.Error("expected bugcheck.Fatal when last_hook is already stashed (invariant I4)")
	}
}

func TestOnMonitorTrapFlagFatalsWhenSlotEmpty(t *testing.T) {
	disp, _, _, _ := newTestDispatcher(t)

	_, fired := bugcheck.Intercept(func() {
		disp.OnMonitorTrapFlag(0)
	})
	if !fired {
		t.Error("expected bugcheck.Fatal when last_hook is empty at MTF (invariant I4)")
	}
}

func TestEmitFiresRegisteredSink(t *testing.T) {
	disp, _, _, _ := newTestDispatcher(t)

	var got *trace.Event
	disp.OnEvent(func(e *trace.Event) { got = e })

	disp.OnBreakpoint(0, hookVA)

	if got == nil {
		t.Fatal("expected a trace event to be emitted")
	}
	if got.PrimaryTag() != "#"+string(trace.Breakpoint) {
		t.Errorf("got.PrimaryTag() = %q, want %q", got.PrimaryTag(), "#"+string(trace.Breakpoint))
	}
}
