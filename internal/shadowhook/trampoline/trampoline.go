// Package trampoline implements the Trampoline Builder (spec.md §4.3): a
// fixed, byte-exact absolute-jump stub, grounded directly on DdiMon's
// TrampolineCode/ShpMakeTrampolineCode (original_source/DdiMon/shadow_hook.cpp).
package trampoline

import (
	"encoding/binary"

	"github.com/shadowhook/vtxhook/internal/shadowhook/decoder"
)

// Size64 and Size32 are the two fixed trampoline layouts named in spec.md
// §4.3 and asserted with static_assert in the original.
const (
	Size64 = 15 // nop; ff 25 00 00 00 00; 8-byte absolute target
	Size32 = 7  // nop; 68 <4-byte imm>; c3
)

// Build emits the packed trampoline stub that branches to target.
//
//	x86-64 (15 B): 90  NOP
//	               FF 25 00 00 00 00  JMP qword ptr [rip+0]
//	               <8-byte absolute target>
//	x86-32 (7 B):  90  NOP
//	               68 <4-byte imm>    PUSH target
//	               C3                 RET
//
// The leading NOP is a consistent anchor used when the stub is chained
// after copied prologue bytes (spec.md §4.3).
func Build(mode decoder.Mode, target uint64) []byte {
	switch mode {
	case decoder.Mode64:
		buf := make([]byte, Size64)
		buf[0] = 0x90
		buf[1] = 0xFF
		buf[2] = 0x25
		buf[3] = 0x00
		buf[4] = 0x00
		buf[5] = 0x00
		buf[6] = 0x00
		binary.LittleEndian.PutUint64(buf[7:], target)
		return buf
	case decoder.Mode32:
		buf := make([]byte, Size32)
		buf[0] = 0x90
		buf[1] = 0x68
		binary.LittleEndian.PutUint32(buf[2:], uint32(target))
		buf[6] = 0xC3
		return buf
	default:
		panic("trampoline: unsupported mode")
	}
}

// Size returns the fixed stub size for mode.
func Size(mode decoder.Mode) int {
	if mode == decoder.Mode32 {
		return Size32
	}
	return Size64
}
