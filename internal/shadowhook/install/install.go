// Package install implements the Installer (spec.md §4.5): given a target,
// it allocates or shares shadow pages, builds the trampoline, writes the
// breakpoint/patch into the exec shadow page, and registers the record.
package install

import (
	"fmt"

	glog "github.com/shadowhook/vtxhook/internal/log"
	"github.com/shadowhook/vtxhook/internal/shadowhook/decoder"
	"github.com/shadowhook/vtxhook/internal/shadowhook/page"
	"github.com/shadowhook/vtxhook/internal/shadowhook/registry"
	"github.com/shadowhook/vtxhook/internal/shadowhook/trampoline"
)

// FunctionType distinguishes exported-by-name targets from raw address
// targets requiring a locate callback (spec.md §6).
type FunctionType int

const (
	Exported FunctionType = iota
	Unexported
)

// LocateCallback resolves the address of an unexported target, mirroring
// DdiMon's ShadowHookTargetInitCallbackType (bool(*)(ULONG64*)). It is the
// host's process/name-resolution collaborator, out of scope per spec.md §1.
type LocateCallback func() (address uint64, ok bool)

// PatchTarget expresses where to install a raw patch (spec.md §6).
type PatchTarget struct {
	FunctionType   FunctionType
	Name           string
	Address        uint64
	PatchLength    uint
	NewCode        []byte // up to 256 bytes
	LocateCallback LocateCallback
}

// HookTarget expresses where to install an inline breakpoint hook and its
// handler (spec.md §6).
type HookTarget struct {
	FunctionType   FunctionType
	Name           string
	Address        uint64
	LocateCallback LocateCallback
	Handler        uint64
}

// MonitorTarget expresses a memory-access monitor (spec.md §6).
type MonitorTarget struct {
	TargetAddress uint64
	Len           uint64
	Handler       func(faultVA, guestRIP uint64)
}

// GuestAccessor is the external collaborator that lets the installer read a
// guest page's original bytes and translate a guest VA to a physical
// address (spec.md §6: `util.pa_from_va`).
type GuestAccessor interface {
	ReadGuestPage(pageBaseVA uint64) []byte // exactly page.Size bytes
	PhysicalAddress(va uint64) uint64
}

// HostAllocator is the external collaborator for executable non-paged
// memory and cache invalidation (spec.md §6: `alloc.exec_nonpaged`,
// `cpu.invalidate_all_caches`).
type HostAllocator interface {
	AllocateExecutable(size uint) (hostAddr uint64, buf []byte)
	InvalidateAllCaches()
}

// Installer wires the decoder, trampoline builder, and registry together
// per spec.md §4.5.
type Installer struct {
	Registry *registry.Registry
	Decoder  *decoder.Adapter
	Guest    GuestAccessor
	Host     HostAllocator
	Mode     decoder.Mode
}

// New returns an Installer bound to the given collaborators.
func New(reg *registry.Registry, dec *decoder.Adapter, guest GuestAccessor, host HostAllocator, mode decoder.Mode) *Installer {
	return &Installer{Registry: reg, Decoder: dec, Guest: guest, Host: host, Mode: mode}
}

// resolve applies the locate-callback step DdiMon's two-phase "locate, then
// patch" flow performs before either ShInstallPatch or ShInstallHook: an
// Unexported target with no address supplies a LocateCallback that the
// installer invokes to learn where to patch.
func resolve(ft FunctionType, address uint64, cb LocateCallback) (uint64, bool) {
	if ft == Unexported && address == 0 {
		if cb == nil {
			return 0, false
		}
		return cb()
	}
	return address, true
}

// sharedFunctionPages returns the exec/rw shadow pages to use for a function hook on
// va's page: reused from any existing FunctionHook on that page per
// invariant I2, or freshly allocated and populated from the guest page.
func (in *Installer) sharedFunctionPages(va uint64) (exec, rw *page.Shadow) {
	existing := in.Registry.FunctionHooksOnPage(va)
	if len(existing) > 0 {
		return existing[0].ExecShadow.Acquire(), existing[0].RWShadow.Acquire()
	}

	base := page.Base(va)
	original := in.Guest.ReadGuestPage(base)

	return page.New(original), page.New(original)
}

// sharedMonitorPage returns the rw shadow page to use for a memory monitor
// on va's page: reused from any existing PageHookEntry with an rw shadow
// (a FunctionHook's rw page, or another monitor's) per invariant I3, or
// freshly allocated.
func (in *Installer) sharedMonitorPage(va uint64) *page.Shadow {
	if monitors := in.Registry.MonitorsOnPage(va); len(monitors) > 0 {
		return monitors[0].RWShadow.Acquire()
	}
	if hooks := in.Registry.FunctionHooksOnPage(va); len(hooks) > 0 {
		return hooks[0].RWShadow.Acquire()
	}

	base := page.Base(va)
	original := in.Guest.ReadGuestPage(base)
	return page.New(original)
}

// InstallInlineHook implements spec.md §4.5 install_inline_hook.
func (in *Installer) InstallInlineHook(target HookTarget) (*registry.FunctionHook, error) {
	address, ok := resolve(target.FunctionType, target.Address, target.LocateCallback)
	if !ok {
		return nil, fmt.Errorf("install: could not resolve target %q", target.Name)
	}

	execShadow, rwShadow := in.sharedFunctionPages(address)

	original := rwShadow.Bytes()
	offsetInPage := page.Offset(address)
	codeAtTarget := original[offsetInPage:]

	patchSize := in.Decoder.InstructionLength(codeAtTarget, in.Mode)
	if patchSize == 0 {
		execShadow.Release()
		rwShadow.Release()
		return nil, fmt.Errorf("install: disassembler failed at %#x", address)
	}

	jmpToOriginal := trampoline.Build(in.Mode, address+uint64(patchSize))

	stubSize := uint(patchSize) + uint(len(jmpToOriginal))
	originalCallAddr, stub := in.Host.AllocateExecutable(stubSize)
	if stub == nil {
		execShadow.Release()
		rwShadow.Release()
		return nil, fmt.Errorf("install: executable allocation failed for %#x", address)
	}
	copy(stub, codeAtTarget[:patchSize])
	copy(stub[patchSize:], jmpToOriginal)

	execShadow.WriteAt(offsetInPage, []byte{0xCC}, in.Host.InvalidateAllCaches)

	hook := &registry.FunctionHook{
		PatchAddress: address,
		Handler:      target.Handler,
		ExecShadow:   execShadow,
		RWShadow:     rwShadow,
		ExecPA:       execShadow.PhysicalAddress(),
		RWPA:         rwShadow.PhysicalAddress(),
		OriginalCall: originalCallAddr,
	}
	in.Registry.AddFunctionHook(hook)
	if glog.L != nil {
		glog.L.Install("inline-hook", glog.Hex(page.Base(address)), address)
	}
	return hook, nil
}

// InstallPatch implements spec.md §4.5 install_patch: identical page
// sharing as InstallInlineHook, but writes raw replacement bytes instead of
// a single 0xCC and produces no original_call stub.
func (in *Installer) InstallPatch(target PatchTarget) (*registry.FunctionHook, error) {
	address, ok := resolve(target.FunctionType, target.Address, target.LocateCallback)
	if !ok {
		return nil, fmt.Errorf("install: could not resolve target %q", target.Name)
	}
	if target.PatchLength == 0 || uint(len(target.NewCode)) < target.PatchLength {
		return nil, fmt.Errorf("install: invalid patch length for %#x", address)
	}

	execShadow, rwShadow := in.sharedFunctionPages(address)
	offsetInPage := page.Offset(address)

	execShadow.WriteAt(offsetInPage, target.NewCode[:target.PatchLength], in.Host.InvalidateAllCaches)

	hook := &registry.FunctionHook{
		PatchAddress: address,
		PatchLength:  target.PatchLength,
		NewCode:      append([]byte(nil), target.NewCode[:target.PatchLength]...),
		ExecShadow:   execShadow,
		RWShadow:     rwShadow,
		ExecPA:       execShadow.PhysicalAddress(),
		RWPA:         rwShadow.PhysicalAddress(),
	}
	in.Registry.AddFunctionHook(hook)
	if glog.L != nil {
		glog.L.Install("patch", glog.Hex(page.Base(address)), address)
	}
	return hook, nil
}

// InstallMemoryMonitor implements spec.md §4.5 install_memory_monitor.
func (in *Installer) InstallMemoryMonitor(target MonitorTarget) (*registry.MemoryMonitor, error) {
	if target.Len == 0 {
		return nil, fmt.Errorf("install: zero-length memory monitor at %#x", target.TargetAddress)
	}

	rwShadow := in.sharedMonitorPage(target.TargetAddress)

	monitor := &registry.MemoryMonitor{
		MemAddress: target.TargetAddress,
		MemLen:     target.Len,
		Handler:    target.Handler,
		RWShadow:   rwShadow,
		RWPA:       rwShadow.PhysicalAddress(),
	}
	in.Registry.AddMemoryMonitor(monitor)
	if glog.L != nil {
		glog.L.Install("memory-monitor", glog.Hex(page.Base(target.TargetAddress)), target.TargetAddress)
	}
	return monitor, nil
}
