// Package lifecycle implements enable/disable across every logical
// processor (spec.md §4.8, §2 item 8, §5): enabling broadcasts to every
// logical processor via a cross-processor RPC; each CPU applies EPT edits
// locally and issues INVEPT globally.
package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/shadowhook/vtxhook/internal/shadowhook/eptview"
	"github.com/shadowhook/vtxhook/internal/shadowhook/handler"
	"github.com/shadowhook/vtxhook/internal/shadowhook/registry"
	"github.com/shadowhook/vtxhook/internal/trace"
)

// GuestAccessor resolves a guest VA's original physical address.
type GuestAccessor interface {
	PhysicalAddress(va uint64) uint64
}

// Broadcaster stands in for the external `util.for_each_processor(fn)`
// collaborator (spec.md §6) by reporting the number of logical CPUs.
// Lifecycle itself runs the per-CPU work concurrently via errgroup and
// waits for every CPU before returning.
type Broadcaster interface {
	NumCPU() int
}

// Lifecycle ties the registry, EPT switcher, and per-CPU dispatch state
// together for EnableHooks/DisableHooks.
type Lifecycle struct {
	Registry    *registry.Registry
	Switcher    *eptview.Switcher
	Guest       GuestAccessor
	Broadcaster Broadcaster
	Dispatcher  *handler.Dispatcher
}

// New returns a Lifecycle bound to the given collaborators.
func New(reg *registry.Registry, sw *eptview.Switcher, guest GuestAccessor, bc Broadcaster, disp *handler.Dispatcher) *Lifecycle {
	return &Lifecycle{Registry: reg, Switcher: sw, Guest: guest, Broadcaster: bc, Dispatcher: disp}
}

// EnableHooks broadcasts page-shadowing enablement to every logical CPU
// (spec.md §4.7 "Initial enable"). Each PageHookEntry's view is applied on
// every CPU; failures on individual CPUs are aggregated with multierr
// rather than aborting the remaining CPUs, since a partial broadcast still
// needs every other CPU's state reconciled for the caller to reason about.
func (l *Lifecycle) EnableHooks(ctx context.Context) error {
	entries := l.Registry.PageEntries()

	g, _ := errgroup.WithContext(ctx)
	var errsMu multierrCollector
	for cpu := 0; cpu < l.Broadcaster.NumCPU(); cpu++ {
		cpu := cpu
		g.Go(func() error {
			if err := l.enableOnCPU(cpu, entries); err != nil {
				errsMu.add(err)
			}
			return nil
		})
	}
	_ = g.Wait()

	l.Dispatcher.SetActive(true)
	return errsMu.result()
}

func (l *Lifecycle) enableOnCPU(cpu int, entries []*registry.PageHookEntry) error {
	for _, entry := range entries {
		switch entry.Kind {
		case registry.FunctionHookKind:
			hook := l.Registry.FindFunctionByPage(entry.PageBaseVA)
			if hook == nil {
				return fmt.Errorf("lifecycle: cpu %d: page %#x has no function hook", cpu, entry.PageBaseVA)
			}
			l.Switcher.ViewExec(entry.PageBaseVA, hook.ExecPA)
		case registry.MemoryMonitorKind:
			l.Switcher.ViewMonitorDeny(entry.PageBaseVA, l.Guest.PhysicalAddress(entry.PageBaseVA))
		}
	}
	l.Dispatcher.Emit(cpu, trace.Enable, 0, "page shadowing enabled")
	return nil
}

// DisableHooks broadcasts page-shadowing teardown to every logical CPU
// (spec.md §4.7 "Disable"): every PageHookEntry is restored to identity
// (FunctionHook) or monitor-allow (MemoryMonitor).
func (l *Lifecycle) DisableHooks(ctx context.Context) error {
	entries := l.Registry.PageEntries()

	g, _ := errgroup.WithContext(ctx)
	var errsMu multierrCollector
	for cpu := 0; cpu < l.Broadcaster.NumCPU(); cpu++ {
		cpu := cpu
		g.Go(func() error {
			if err := l.disableOnCPU(cpu, entries); err != nil {
				errsMu.add(err)
			}
			return nil
		})
	}
	_ = g.Wait()

	l.Dispatcher.SetActive(false)
	return errsMu.result()
}

func (l *Lifecycle) disableOnCPU(cpu int, entries []*registry.PageHookEntry) error {
	for _, entry := range entries {
		originalPA := l.Guest.PhysicalAddress(entry.PageBaseVA)
		switch entry.Kind {
		case registry.FunctionHookKind:
			l.Switcher.ViewIdentity(entry.PageBaseVA, originalPA)
		case registry.MemoryMonitorKind:
			l.Switcher.ViewMonitorAllow(entry.PageBaseVA, originalPA)
		}
	}
	l.Dispatcher.Emit(cpu, trace.Disable, 0, "page shadowing disabled")
	return nil
}

// multierrCollector aggregates per-CPU broadcast failures behind a mutex,
// since errgroup runs each CPU's closure concurrently.
type multierrCollector struct {
	mu  sync.Mutex
	err error
}

func (c *multierrCollector) add(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = multierr.Append(c.err, err)
}

func (c *multierrCollector) result() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
