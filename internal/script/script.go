// Package script lets shadowhookctl's simulation config name a handler
// function defined in a small JavaScript file instead of a compiled Go
// closure, so install.HookTarget.Handler and MonitorTarget.Handler can be
// authored without recompiling the binary.
package script

import (
	"fmt"

	"github.com/dop251/goja"
)

// Engine wraps one goja VM whose only added global is a log(msg) builtin.
// Memory handlers receive faultVA and guestRIP as call arguments.
type Engine struct {
	vm *goja.Runtime
}

// New runs src once so its top-level functions are defined; handlers are
// called later through the closures returned by MemoryHandler and
// BreakpointHandlerAddress.
func New(src string) (*Engine, error) {
	vm := goja.New()
	vm.Set("log", func(msg string) {
		fmt.Println("[script]", msg)
	})

	if _, err := vm.RunString(src); err != nil {
		return nil, fmt.Errorf("script: load: %w", err)
	}
	return &Engine{vm: vm}, nil
}

// MemoryHandler returns an install.MonitorTarget.Handler-shaped closure that
// calls the named JS function with (faultVA, guestRIP).
func (e *Engine) MemoryHandler(name string) (func(faultVA, guestRIP uint64), error) {
	fn, ok := goja.AssertFunction(e.vm.Get(name))
	if !ok {
		return nil, fmt.Errorf("script: %q is not a function", name)
	}
	return func(faultVA, guestRIP uint64) {
		_, err := fn(goja.Undefined(), e.vm.ToValue(faultVA), e.vm.ToValue(guestRIP))
		if err != nil {
			fmt.Println("[script] handler error:", err)
		}
	}, nil
}

// BreakpointHandlerAddress evaluates the named JS function once at install
// time to obtain a host handler address (for scripts that compute or
// allocate their own redirect targets), mirroring install.HookTarget's
// Handler being a plain host VA.
func (e *Engine) BreakpointHandlerAddress(name string) (uint64, error) {
	fn, ok := goja.AssertFunction(e.vm.Get(name))
	if !ok {
		return 0, fmt.Errorf("script: %q is not a function", name)
	}
	v, err := fn(goja.Undefined())
	if err != nil {
		return 0, fmt.Errorf("script: call %q: %w", name, err)
	}
	return uint64(v.ToInteger()), nil
}
