// Package vm implements the register+stack bytecode interpreter: five
// registers (A, PC, C, FP, SP), proper tail calls via frame reuse, and
// first-class continuations reified from the operand and frame stacks.
package vm

import (
	"fmt"

	"github.com/jcorbin/yalp/gc"
	"github.com/jcorbin/yalp/internal/mem"
	"github.com/jcorbin/yalp/value"
)

// Kind discriminates a runtime error, matching the RuntimeError subkinds.
type Kind int

const (
	UnboundGlobal Kind = iota
	ArityMismatch
	TypeMismatch
	DivisionByZero
	NonCallable
	StackOverflow
)

func (k Kind) String() string {
	switch k {
	case UnboundGlobal:
		return "unbound global"
	case ArityMismatch:
		return "arity mismatch"
	case TypeMismatch:
		return "type mismatch"
	case DivisionByZero:
		return "division by zero"
	case NonCallable:
		return "non-callable"
	case StackOverflow:
		return "stack overflow"
	default:
		return "runtime error"
	}
}

// Error is a runtime error: a kind, an optional message, and the value (if
// any) that triggered it.
type Error struct {
	Kind    Kind
	Message string
	Value   value.Value
}

func (e Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%v: %v", e.Kind, e.Message)
	}
	return e.Kind.String()
}

// MaxStackDepth bounds the frame stack; exceeding it is StackOverflow
// rather than letting the host process's own stack grow unbounded, since
// the VM's frame stack is itself just a Go slice.
const MaxStackDepth = 1 << 16

// VM holds the five architectural registers plus the operand and frame
// stacks backing them. A VM is owned by exactly one interpreter instance.
type VM struct {
	Globals *mem.Values
	Heap    *gc.Heap

	A  value.Value
	PC int
	C  value.Value // current closure, Nil at top level
	FP int

	stack  []value.Value
	frames []value.Frame

	code []value.Instr

	// Namer maps a global SymbolId's addr in Globals to a printable
	// name only for diagnostics; the interpreter owns the real symbol
	// table and sets this field for error messages.
	Namer func(id uint) string
}

// New creates a VM over the given globals table and heap.
func New(globals *mem.Values, heap *gc.Heap) *VM {
	return &VM{Globals: globals, Heap: heap}
}

// SP reports the current operand stack depth.
func (vm *VM) SP() int { return len(vm.stack) }

// Stack returns the live operand stack, for debug dumping. Callers must
// not retain or mutate the returned slice past the VM's next step.
func (vm *VM) Stack() []value.Value { return vm.stack }

// Frames returns the live frame stack, for debug dumping. Callers must
// not retain or mutate the returned slice past the VM's next step.
func (vm *VM) Frames() []value.Frame { return vm.frames }

func (vm *VM) push(v value.Value) { vm.stack = append(vm.stack, v) }

func (vm *VM) pop() value.Value {
	n := len(vm.stack) - 1
	v := vm.stack[n]
	vm.stack = vm.stack[:n]
	return v
}

// Roots marks every VM-owned GC root: the operand stack up to SP, the
// frame stack's closures, the accumulator, and the current closure.
func (vm *VM) Roots(mark func(value.Value)) {
	for _, v := range vm.stack {
		mark(v)
	}
	for _, f := range vm.frames {
		mark(f.C)
	}
	mark(vm.A)
	mark(vm.C)
}

func (vm *VM) name(id uint) string {
	if vm.Namer != nil {
		return vm.Namer(id)
	}
	return fmt.Sprintf("sym%d", id)
}

// Run calls a zero-argument thunk closure (the compiled form of one
// top-level expression) and runs the VM until it halts, returning the
// accumulator.
func (vm *VM) Run(thunk value.Value) (value.Value, error) {
	if !thunk.IsObject() || thunk.Object().Tag != value.TagClosure {
		return value.Nil, Error{Kind: NonCallable, Value: thunk}
	}
	base := len(vm.stack)
	baseFrames := len(vm.frames)
	vm.C = thunk
	vm.code = thunk.Object().Closure().Code
	vm.PC = 0
	vm.FP = base

	for {
		result, halted, err := vm.step()
		if err != nil {
			vm.truncateTo(base, baseFrames)
			return value.Nil, err
		}
		if halted {
			vm.truncateTo(base, baseFrames)
			return result, nil
		}
		if vm.Heap.ShouldCollect() {
			// no-op: the owning interpreter collects between top-level
			// operations, where it has the full root set (globals included).
		}
	}
}

// truncateTo restores the stack/frame depth Run had before its thunk ran.
// Ordinarily the thunk's own RET/HALT leaves both at exactly base/
// baseFrames already. Invoking a continuation is the exception: it
// replaces vm.stack/vm.frames wholesale with its own saved image, which
// may be shorter than the caller's, so this clamps rather than slicing
// unconditionally — re-entering a continuation that escaped its
// capturing call is supported for the common case, but composing an
// escaped continuation's resumption with an unrelated caller's own
// scoping is not fully general here (see DESIGN.md).
func (vm *VM) truncateTo(base, baseFrames int) {
	if base > len(vm.stack) {
		base = len(vm.stack)
	}
	vm.stack = vm.stack[:base]
	if baseFrames > len(vm.frames) {
		baseFrames = len(vm.frames)
	}
	vm.frames = vm.frames[:baseFrames]
}

// Funcall invokes any callable value (Closure, NativeFunc, or
// Continuation) with args and runs it to completion, returning its
// result. It works by assembling a tiny throwaway thunk that pushes each
// arg, loads callable into A, and APPLYs — the same mechanism Run uses for
// a compiled top-level form — so callable's own calling convention (arity
// checking, rest-arg collection, tail semantics) applies unchanged. Used
// by the compiler to run macro transformers and by the host embedding API
// to call back into interpreter code.
func (vm *VM) Funcall(callable value.Value, args []value.Value) (value.Value, error) {
	code := make([]value.Instr, 0, len(args)*2+3)
	for _, a := range args {
		code = append(code, value.Instr{Op: uint8(CONST), V: a})
		code = append(code, value.Instr{Op: uint8(PUSH)})
	}
	code = append(code, value.Instr{Op: uint8(CONST), V: callable})
	code = append(code, value.Instr{Op: uint8(APPLY), A: len(args)})
	code = append(code, value.Instr{Op: uint8(HALT)})
	thunk := value.NewClosure(code, nil, 0, false)
	vm.Heap.Track(thunk)
	return vm.Run(value.FromObject(thunk))
}

// step executes exactly one instruction, returning (result, true, nil)
// when HALT is reached.
func (vm *VM) step() (value.Value, bool, error) {
	if vm.PC < 0 || vm.PC >= len(vm.code) {
		return value.Nil, false, Error{Kind: TypeMismatch, Message: "program counter out of range"}
	}
	instr := vm.code[vm.PC]
	vm.PC++

	switch Op(instr.Op) {
	case CONST:
		vm.A = instr.V

	case LREF:
		v, err := vm.localRef(instr.A, instr.B)
		if err != nil {
			return value.Nil, false, err
		}
		vm.A = v

	case FREF:
		free := vm.C.Object().Closure().Free
		if instr.B < 0 || instr.B >= len(free) {
			return value.Nil, false, Error{Kind: TypeMismatch, Message: "free variable index out of range"}
		}
		vm.A = free[instr.B]

	case GREF:
		v, ok := vm.globalRef(instr.V)
		if !ok {
			return value.Nil, false, Error{Kind: UnboundGlobal, Value: instr.V, Message: vm.name(instr.V.SymbolID())}
		}
		vm.A = v

	case LSET:
		if err := vm.localSet(instr.A, instr.B, vm.A); err != nil {
			return value.Nil, false, err
		}

	case GSET:
		if _, ok := vm.globalRef(instr.V); !ok {
			return value.Nil, false, Error{Kind: UnboundGlobal, Value: instr.V, Message: vm.name(instr.V.SymbolID())}
		}
		vm.globalSet(instr.V, vm.A)

	case DEF:
		vm.globalSet(instr.V, vm.A)

	case PUSH:
		vm.push(vm.A)

	case TEST:
		if !vm.A.Bool() {
			vm.PC = instr.A
		}

	case JMP:
		vm.PC = instr.A

	case CLOS:
		nfree := instr.B
		if nfree > len(vm.stack) {
			return value.Nil, false, Error{Kind: StackOverflow, Message: "closure capture underflow"}
		}
		free := make([]value.Value, nfree)
		copy(free, vm.stack[len(vm.stack)-nfree:])
		vm.stack = vm.stack[:len(vm.stack)-nfree]

		tmpl := instr.V.Object().Closure()
		var obj *value.Object
		if tmpl.IsMacro {
			obj = value.NewMacro(tmpl.Code, free, tmpl.MinArity, tmpl.HasRest)
			obj.Macro().Name = tmpl.Name
		} else {
			obj = value.NewClosure(tmpl.Code, free, tmpl.MinArity, tmpl.HasRest)
			obj.Closure().Name = tmpl.Name
		}
		vm.Heap.Track(obj)
		vm.A = value.FromObject(obj)

	case FRAME:
		if len(vm.frames) >= MaxStackDepth {
			return value.Nil, false, Error{Kind: StackOverflow}
		}
		// FP deliberately stays put here: the args for the call this frame
		// guards are pushed by instructions AFTER this one, and those
		// instructions may themselves reference the CURRENT closure's own
		// locals (depth-0 LREF) while computing them — mutating FP now
		// would point those reads at the not-yet-populated callee frame
		// instead. apply() advances FP to the args' base once they are
		// actually all on the stack, right before dispatching the call.
		vm.frames = append(vm.frames, value.Frame{RetPC: instr.A, RetFP: vm.FP, C: vm.C})

	case APPLY:
		if done, result, err := vm.apply(instr.A, false); err != nil {
			return value.Nil, false, err
		} else if done {
			return result, true, nil
		}

	case TAPPLY:
		if done, result, err := vm.apply(instr.A, true); err != nil {
			return value.Nil, false, err
		} else if done {
			return result, true, nil
		}

	case RET:
		if len(vm.frames) == 0 {
			return vm.A, true, nil
		}
		fr := vm.frames[len(vm.frames)-1]
		vm.frames = vm.frames[:len(vm.frames)-1]
		vm.stack = vm.stack[:vm.FP]
		vm.PC = fr.RetPC
		vm.FP = fr.RetFP
		vm.C = fr.C
		if vm.C.IsObject() {
			vm.code = vm.C.Object().Closure().Code
		}

	case CONTI:
		vm.frames = append(vm.frames, value.Frame{RetPC: vm.PC, RetFP: vm.FP, C: vm.C})
		cont := value.NewContinuation(vm.stack, vm.frames)
		vm.Heap.Track(cont)
		vm.frames = vm.frames[:len(vm.frames)-1]
		vm.A = value.FromObject(cont)

	case NUATE:
		return value.Nil, false, Error{Kind: TypeMismatch, Message: "NUATE is only reachable via APPLY/TAPPLY on a continuation"}

	case HALT:
		return vm.A, true, nil

	case BOX:
		b := value.NewCell(vm.A, value.Nil)
		vm.Heap.Track(b)
		vm.A = value.FromObject(b)

	case UNBOX:
		if !vm.A.IsObject() || vm.A.Object().Tag != value.TagCell {
			return value.Nil, false, Error{Kind: TypeMismatch, Message: "UNBOX of non-box", Value: vm.A}
		}
		vm.A = vm.A.Object().Cell().Car

	default:
		return value.Nil, false, Error{Kind: TypeMismatch, Message: fmt.Sprintf("unknown opcode %d", instr.Op)}
	}

	return value.Nil, false, nil
}

func (vm *VM) localRef(depth, slot int) (value.Value, error) {
	fp := vm.FP
	for d := depth; d > 0; d-- {
		idx := vm.frameIndexFor(fp)
		if idx < 0 {
			return value.Nil, Error{Kind: TypeMismatch, Message: "local frame depth out of range"}
		}
		fp = vm.frames[idx].RetFP
	}
	addr := fp + slot
	if addr < 0 || addr >= len(vm.stack) {
		return value.Nil, Error{Kind: TypeMismatch, Message: "local slot out of range"}
	}
	return vm.stack[addr], nil
}

func (vm *VM) localSet(depth, slot int, v value.Value) error {
	fp := vm.FP
	for d := depth; d > 0; d-- {
		idx := vm.frameIndexFor(fp)
		if idx < 0 {
			return Error{Kind: TypeMismatch, Message: "local frame depth out of range"}
		}
		fp = vm.frames[idx].RetFP
	}
	addr := fp + slot
	if addr < 0 || addr >= len(vm.stack) {
		return Error{Kind: TypeMismatch, Message: "local slot out of range"}
	}
	vm.stack[addr] = v
	return nil
}

// frameIndexFor finds the topmost frame marker whose call established fp
// as its callee's frame pointer, used only by the depth>0 path of
// LREF/LSET. This port's compiler always emits depth 0 (every lexical
// scope boundary — lambda or let — becomes its own Closure, so crossing a
// scope always goes through FREF instead, see DESIGN.md); depth>0 walks
// the frame-marker stack under the assumption that every FRAME push
// strictly nests, which holds as long as no tail call has discarded the
// marker that would otherwise identify fp's caller.
func (vm *VM) frameIndexFor(fp int) int {
	for i := len(vm.frames) - 1; i >= 0; i-- {
		if vm.frames[i].RetFP < fp {
			return i
		}
	}
	return -1
}

func (vm *VM) globalRef(sym value.Value) (value.Value, bool) {
	v, err := vm.Globals.Load(sym.SymbolID())
	if err != nil || v.IsUnbound() {
		return value.Nil, false
	}
	return v, true
}

func (vm *VM) globalSet(sym value.Value, v value.Value) {
	vm.Globals.Stor(sym.SymbolID(), v)
}

// apply dispatches a call: tail reuses the current frame (no new marker,
// args relocated down to FP); non-tail has already pushed a frame marker
// via FRAME, and apply now moves FP to the base of the fresh args block.
func (vm *VM) apply(nargs int, tail bool) (halted bool, result value.Value, err error) {
	callee := vm.A
	argsStart := len(vm.stack) - nargs
	if argsStart < 0 {
		return false, value.Nil, Error{Kind: StackOverflow, Message: "apply arg underflow"}
	}

	if tail {
		args := make([]value.Value, nargs)
		copy(args, vm.stack[argsStart:])
		vm.stack = append(vm.stack[:vm.FP], args...)
	} else {
		// Advance FP to the args just pushed now that they're all present;
		// see the FRAME case in step() for why this can't happen earlier.
		vm.FP = argsStart
	}

	switch {
	case callee.IsObject() && callee.Object().Tag == value.TagClosure:
		cl := callee.Object().Closure()
		args := vm.stack[vm.FP:]
		bound, rerr := vm.bindArgs(cl, args)
		if rerr != nil {
			return false, value.Nil, rerr
		}
		vm.stack = append(vm.stack[:vm.FP], bound...)
		vm.C = callee
		vm.code = cl.Code
		vm.PC = 0
		return false, value.Nil, nil

	case callee.IsObject() && callee.Object().Tag == value.TagContinuation:
		if nargs != 1 {
			return false, value.Nil, Error{Kind: ArityMismatch, Message: "continuations take exactly one argument"}
		}
		arg := vm.stack[len(vm.stack)-1]
		cont := callee.Object().Continuation()
		newStack := make([]value.Value, len(cont.Stack))
		copy(newStack, cont.Stack)
		newFrames := make([]value.Frame, len(cont.Frames))
		copy(newFrames, cont.Frames)
		if len(newFrames) == 0 {
			return false, value.Nil, Error{Kind: TypeMismatch, Message: "invalid continuation"}
		}
		resume := newFrames[len(newFrames)-1]
		vm.stack = newStack
		vm.frames = newFrames[:len(newFrames)-1]
		vm.PC = resume.RetPC
		vm.FP = resume.RetFP
		vm.C = resume.C
		if vm.C.IsObject() {
			vm.code = vm.C.Object().Closure().Code
		}
		vm.A = arg
		return false, value.Nil, nil

	case callee.IsObject() && callee.Object().Tag == value.TagNativeFunc:
		nf := callee.Object().NativeFunc()
		args := make([]value.Value, nargs)
		copy(args, vm.stack[vm.FP:])
		vm.stack = vm.stack[:vm.FP]
		if nargs < nf.MinArity || (nf.MaxArity >= 0 && nargs > nf.MaxArity) {
			return false, value.Nil, Error{Kind: ArityMismatch, Message: nf.Name}
		}
		out, nerr := nf.Fn(args)
		if nerr != nil {
			return false, value.Nil, nerr
		}
		vm.A = out
		return vm.returnFromCall(tail)

	default:
		return false, value.Nil, Error{Kind: NonCallable, Value: callee}
	}
}

// returnFromCall implements the "immediate return" a native call performs:
// since a native function has no bytecode of its own to run, invoking one
// behaves like executing the call and then immediately hitting RET — true
// whether the call was in tail position (no frame was pushed for it, so
// this returns through the enclosing call's own marker) or not (FRAME
// pushed a marker for exactly this call, and this is that marker).
func (vm *VM) returnFromCall(tail bool) (bool, value.Value, error) {
	if len(vm.frames) == 0 {
		return true, vm.A, nil
	}
	fr := vm.frames[len(vm.frames)-1]
	vm.frames = vm.frames[:len(vm.frames)-1]
	vm.stack = vm.stack[:vm.FP]
	vm.PC = fr.RetPC
	vm.FP = fr.RetFP
	vm.C = fr.C
	if vm.C.IsObject() {
		vm.code = vm.C.Object().Closure().Code
	}
	return false, value.Nil, nil
}

// bindArgs implements the closure calling convention: arity check, and if
// the closure has a rest parameter, collecting surplus arguments into a
// list in the final slot.
func (vm *VM) bindArgs(cl *value.ClosureBody, args []value.Value) ([]value.Value, error) {
	n := len(args)
	if cl.HasRest {
		if n < cl.MinArity {
			return nil, Error{Kind: ArityMismatch, Message: cl.Name}
		}
		fixed := cl.MinArity
		rest := value.Nil
		for i := n - 1; i >= fixed; i-- {
			c := value.NewCell(args[i], rest)
			vm.Heap.Track(c)
			rest = value.FromObject(c)
		}
		out := make([]value.Value, fixed+1)
		copy(out, args[:fixed])
		out[fixed] = rest
		return out, nil
	}
	if n != cl.MinArity {
		return nil, Error{Kind: ArityMismatch, Message: cl.Name}
	}
	return args, nil
}
