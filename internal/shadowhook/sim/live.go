package sim

import (
	"fmt"
	"sync"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// Memory layout for the x86_64 LiveGuest, in the same spirit as the
// teacher's ARM64 emulator memory map: one code region and one stack.
const (
	LiveCodeBase  = 0x0000000000400000
	LiveCodeSize  = 0x0000000000100000 // 1MB
	LiveStackBase = 0x0000000000800000
	LiveStackSize = 0x0000000000010000 // 64KB
)

// LiveGuest runs real x86_64 machine code under Unicorn Engine and drives
// the engine's OnBreakpoint handler from genuine INT3 traps, exercising the
// #BP side of the state machine against real decoded instructions rather
// than a hand-rolled stub (spec.md §8's "stubbed EPT and guest" taken one
// step further for the function-hook happy path).
//
// EPT violations and MTF have no Unicorn equivalent for guest-side
// execution (they are host/hypervisor constructs), so LiveGuest covers
// on_breakpoint only; sim.EPT/sim.VMCS/sim.Guest cover the rest.
type LiveGuest struct {
	mu sync.Mutex
	uc uc.Unicorn

	onBreakpoint func(guestIP uint64) bool
}

// NewLiveGuest creates an x86_64 Unicorn context with one code region and
// one stack mapped, mirroring the teacher's mapMemory/setupHooks split.
func NewLiveGuest() (*LiveGuest, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_X86, uc.MODE_64)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}

	g := &LiveGuest{uc: mu}

	if err := g.mapMemory(); err != nil {
		mu.Close()
		return nil, err
	}
	if err := g.setupHooks(); err != nil {
		mu.Close()
		return nil, err
	}
	return g, nil
}

func (g *LiveGuest) mapMemory() error {
	if err := g.uc.MemMap(LiveCodeBase, LiveCodeSize); err != nil {
		return fmt.Errorf("map code: %w", err)
	}
	if err := g.uc.MemMap(LiveStackBase, LiveStackSize); err != nil {
		return fmt.Errorf("map stack: %w", err)
	}
	sp := uint64(LiveStackBase + LiveStackSize - 0x1000)
	return g.uc.RegWrite(uc.X86_REG_RSP, sp)
}

// setupHooks installs the INT3 trap that stands in for a #BP VM-exit: on a
// real VT-x host this would be vmcs.GuestRip plus exit-reason #BP; here
// Unicorn delivers intno == 3 at the faulting RIP directly.
func (g *LiveGuest) setupHooks() error {
	_, err := g.uc.HookAdd(uc.HOOK_INTR, func(mu uc.Unicorn, intno uint32) {
		if intno != 3 {
			return
		}
		rip, _ := mu.RegRead(uc.X86_REG_RIP)

		g.mu.Lock()
		cb := g.onBreakpoint
		g.mu.Unlock()

		if cb == nil {
			return
		}
		if cb(rip) {
			newRIP, _ := mu.RegRead(uc.X86_REG_RIP)
			_ = newRIP
		}
	}, 1, 0)
	return err
}

// OnBreakpoint registers the callback invoked for every INT3 trap. It
// should call through to engine.OnBreakpoint and, if that returns true,
// the guest RIP has already been redirected via the VMCS collaborator
// (here, LiveGuest's own RIP register) by the time it returns.
func (g *LiveGuest) OnBreakpoint(fn func(guestIP uint64) bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onBreakpoint = fn
}

// LoadCode writes code at the code base.
func (g *LiveGuest) LoadCode(code []byte) error {
	return g.uc.MemWrite(LiveCodeBase, code)
}

// WriteByte pokes a single byte, used to plant or remove the 0xCC breakpoint
// byte the way the real exec shadow page does.
func (g *LiveGuest) WriteByte(addr uint64, b byte) error {
	return g.uc.MemWrite(addr, []byte{b})
}

// ReadGuestRIP implements handler.VMCS for LiveGuest-driven scenarios.
func (g *LiveGuest) ReadGuestRIP() uint64 {
	rip, _ := g.uc.RegRead(uc.X86_REG_RIP)
	return rip
}

// WriteGuestRIP implements handler.VMCS.
func (g *LiveGuest) WriteGuestRIP(rip uint64) {
	_ = g.uc.RegWrite(uc.X86_REG_RIP, rip)
}

// SetMTF implements handler.VMCS; LiveGuest covers #BP only, so arming MTF
// is a no-op (nothing is recorded) rather than a real single-step trap.
func (g *LiveGuest) SetMTF(bool) {}

// Run starts emulation from start through end (exclusive).
func (g *LiveGuest) Run(start, end uint64) error {
	return g.uc.Start(start, end)
}

// RegRead exposes a raw register read for assertions in tests.
func (g *LiveGuest) RegRead(reg int) (uint64, error) {
	return g.uc.RegRead(reg)
}

// RegWrite exposes a raw register write for test setup.
func (g *LiveGuest) RegWrite(reg int, val uint64) error {
	return g.uc.RegWrite(reg, val)
}

// Close releases the underlying Unicorn context.
func (g *LiveGuest) Close() error {
	return g.uc.Close()
}
