// Package decoder adapts an external x86 disassembler to the engine's
// narrow need (spec.md §4.2): the byte length of the first instruction at a
// host-readable address. It is the engine's literal "Instruction Decoder
// Adapter" component, wrapping golang.org/x/arch/x86/x86asm the way DdiMon's
// ShpGetInstructionSize wraps Capstone.
package decoder

import (
	"golang.org/x/arch/x86/x86asm"
)

// Mode selects 32- or 64-bit decoding, matching the two TrampolineCode
// layouts in trampoline.Build.
type Mode int

const (
	Mode32 Mode = 32
	Mode64 Mode = 64
)

// MaxInstructionLength is the longest possible x86 instruction; the engine
// never needs to read more than this many bytes to size the first one.
const MaxInstructionLength = 15

// Adapter decodes the length of the first instruction in a byte slice.
// Real implementations in kernel mode must save and restore FPU/SIMD state
// around the call because the decoder may use it internally (spec.md §4.2);
// SaveRestoreFPU models that save/restore pair for the userspace engine so
// the calling convention matches the kernel-mode original even though the
// Go runtime does not expose raw FPU register access to us.
type Adapter struct {
	// SaveRestoreFPU, if set, is invoked once before each decode and the
	// restore func it returns runs once after, standing in for
	// KeSaveFloatingPointState / KeRestoreFloatingPointState.
	SaveRestoreFPU func() (restore func())
}

// New returns an Adapter with a no-op FPU save/restore hook.
func New() *Adapter {
	return &Adapter{}
}

// InstructionLength returns the size in bytes (1-15) of the first
// instruction in code, or 0 on failure (spec.md §4.2: "Output: size in
// bytes of the first instruction (1–15), or 0 on failure").
func (a *Adapter) InstructionLength(code []byte, mode Mode) uint {
	if a.SaveRestoreFPU != nil {
		restore := a.SaveRestoreFPU()
		defer restore()
	}

	if len(code) == 0 {
		return 0
	}
	if len(code) > MaxInstructionLength {
		code = code[:MaxInstructionLength]
	}

	inst, err := x86asm.Decode(code, int(mode))
	if err != nil {
		return 0
	}
	if inst.Len <= 0 || inst.Len > MaxInstructionLength {
		return 0
	}
	return uint(inst.Len)
}
