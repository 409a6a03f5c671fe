package compile

import (
	"github.com/jcorbin/yalp/value"
	"github.com/jcorbin/yalp/vm"
)

// asm accumulates one closure body's instructions, with forward jump
// targets patched in after the code they target has been emitted.
type asm struct {
	code []value.Instr
}

func (a *asm) here() int { return len(a.code) }

func (a *asm) emit(op vm.Op, A, B int, V value.Value) int {
	a.code = append(a.code, value.Instr{Op: uint8(op), A: A, B: B, V: V})
	return len(a.code) - 1
}

func (a *asm) patchA(i, target int) { a.code[i].A = target }
