package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/shadowhook/vtxhook/internal/shadowhook/eptview"
	"github.com/shadowhook/vtxhook/internal/shadowhook/handler"
	"github.com/shadowhook/vtxhook/internal/shadowhook/page"
	"github.com/shadowhook/vtxhook/internal/shadowhook/registry"
	"github.com/shadowhook/vtxhook/internal/shadowhook/sim"
)

var errBoom = errors.New("boom")

const numCPU = 4

func newTestLifecycle(t *testing.T) (*Lifecycle, *registry.FunctionHook, *sim.EPT) {
	t.Helper()

	reg := registry.New()
	original := make([]byte, page.Size)
	execShadow := page.New(original)
	rwShadow := page.New(original)

	hook := &registry.FunctionHook{
		PatchAddress: 0x401000,
		Handler:      0xDEAD,
		ExecShadow:   execShadow,
		RWShadow:     rwShadow,
		ExecPA:       execShadow.PhysicalAddress(),
		RWPA:         rwShadow.PhysicalAddress(),
	}
	reg.AddFunctionHook(hook)

	ept := sim.NewEPT()
	guest := sim.NewGuest(page.Base(hook.PatchAddress), page.Size)
	vmcs := sim.NewVMCS(0)
	sw := eptview.New(ept)
	disp := handler.New(reg, sw, vmcs, guest)

	return New(reg, sw, guest, sim.Broadcaster(numCPU), disp), hook, ept
}

func TestEnableHooksAppliesExecViewOnEveryCPU(t *testing.T) {
	lc, hook, ept := newTestLifecycle(t)

	if err := lc.EnableHooks(context.Background()); err != nil {
		t.Fatalf("EnableHooks: %v", err)
	}
	if !lc.Dispatcher.Active() {
		t.Error("expected dispatcher to be active after EnableHooks")
	}

	read, write, pfn, ok := ept.Lookup(hook.PatchAddress)
	if !ok || read || write || pfn != eptview.PFN(hook.ExecPA) {
		t.Errorf("ept state = (read=%v write=%v pfn=%#x ok=%v), want exec-only view", read, write, pfn, ok)
	}
}

func TestDisableHooksRestoresIdentity(t *testing.T) {
	lc, hook, ept := newTestLifecycle(t)

	if err := lc.EnableHooks(context.Background()); err != nil {
		t.Fatalf("EnableHooks: %v", err)
	}
	if err := lc.DisableHooks(context.Background()); err != nil {
		t.Fatalf("DisableHooks: %v", err)
	}
	if lc.Dispatcher.Active() {
		t.Error("expected dispatcher to be inactive after DisableHooks")
	}

	read, write, _, ok := ept.Lookup(hook.PatchAddress)
	if !ok || !read || !write {
		t.Error("expected identity (read/write) view after DisableHooks")
	}
}

func TestMultierrCollectorAggregates(t *testing.T) {
	var c multierrCollector
	if c.result() != nil {
		t.Fatal("expected nil result with no errors added")
	}

	c.add(errBoom)
	c.add(errBoom)
	if c.result() == nil {
		t.Error("expected a non-nil aggregated error")
	}
}
