// Package compile turns a read value.Value expression into bytecode the vm
// package can run directly: a recursive-descent compiler recognizing a
// fixed special-form set, expanding top-level macros to a fixed point,
// and closure-converting every lexical scope (see scope.go) so the VM
// never needs a live environment-chain register.
package compile

import (
	"fmt"

	"github.com/jcorbin/yalp/gc"
	"github.com/jcorbin/yalp/symbol"
	"github.com/jcorbin/yalp/value"
	"github.com/jcorbin/yalp/vm"
)

// Error is a compile-time failure: a malformed special form, an unbound
// reference in a position the compiler resolves statically, or a macro
// expansion that itself failed.
type Error struct {
	Message string
	Value   value.Value
}

func (e Error) Error() string {
	if e.Value.IsNil() {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, value.Write(e.Value))
}

// Compiler compiles one expression at a time against a shared symbol
// table, heap, and VM. The VM is needed only to run macro transformers
// during expansion (via vm.Funcall) and to read the globals table to
// recognize a symbol bound to a Macro object — compiling does not
// otherwise execute anything.
type Compiler struct {
	Syms *symbol.Manager
	Heap *gc.Heap
	VM   *vm.VM

	sQuote, sIf, sLambda, sSetBang, sDefine, sBegin, sDefineMacro symbol.ID
	sQuasiquote, sUnquote, sUnquoteSplicing                       symbol.ID
}

// New creates a Compiler, interning the fixed special-form keywords it
// recognizes.
func New(syms *symbol.Manager, heap *gc.Heap, m *vm.VM) *Compiler {
	return &Compiler{
		Syms: syms, Heap: heap, VM: m,
		sQuote:           syms.Intern("quote"),
		sIf:              syms.Intern("if"),
		sLambda:          syms.Intern("lambda"),
		sSetBang:         syms.Intern("set!"),
		sDefine:          syms.Intern("define"),
		sBegin:           syms.Intern("begin"),
		sDefineMacro:     syms.Intern("define-macro"),
		sQuasiquote:      syms.Intern("quasiquote"),
		sUnquote:         syms.Intern("unquote"),
		sUnquoteSplicing: syms.Intern("unquote-splicing"),
	}
}

// Compile produces a zero-argument thunk Closure for one top-level
// expression, suitable for vm.Run. A returned error carries the
// diagnostic the host should record on its error slot; the caller decides
// how "compile(expr) -> bytecode | false" is surfaced at its own layer.
func (c *Compiler) Compile(expr value.Value) (value.Value, error) {
	a := &asm{}
	if err := c.compileExpr(nil, expr, a, true); err != nil {
		return value.Nil, err
	}
	a.emit(vm.RET, 0, 0, value.Nil)
	thunk := value.NewClosure(a.code, nil, 0, false)
	c.Heap.Track(thunk)
	return value.FromObject(thunk), nil
}

func (c *Compiler) cons(car, cdr value.Value) value.Value {
	o := value.NewCell(car, cdr)
	c.Heap.Track(o)
	return value.FromObject(o)
}

func (c *Compiler) listExpr(items ...value.Value) value.Value {
	result := value.Nil
	for i := len(items) - 1; i >= 0; i-- {
		result = c.cons(items[i], result)
	}
	return result
}

func (c *Compiler) sym(id symbol.ID) value.Value { return value.Symbol(uint(id)) }

func (c *Compiler) callExpr(name symbol.ID, args ...value.Value) value.Value {
	items := make([]value.Value, 0, len(args)+1)
	items = append(items, c.sym(name))
	items = append(items, args...)
	return c.listExpr(items...)
}

// listToSlice walks a cons chain, returning its elements and its final
// cdr (Nil for a proper list, non-nil for an improper one).
func listToSlice(v value.Value) (elems []value.Value, tail value.Value) {
	for v.IsObject() && v.Object().Tag == value.TagCell {
		cell := v.Object().Cell()
		elems = append(elems, cell.Car)
		v = cell.Cdr
	}
	return elems, v
}

func (c *Compiler) lookupMacro(sym value.Value) (value.Value, bool) {
	if c.VM == nil || c.VM.Globals == nil {
		return value.Nil, false
	}
	v, err := c.VM.Globals.Load(sym.SymbolID())
	if err != nil || v.IsUnbound() || !v.IsObject() || v.Object().Tag != value.TagMacro {
		return value.Nil, false
	}
	return v, true
}

// compileExpr compiles expr so that its value ends up in A. tail says
// whether expr sits in tail position of its enclosing closure body —
// only an application in tail position changes code shape (TAPPLY vs
// FRAME+APPLY); everything else ignores it.
func (c *Compiler) compileExpr(sc *scope, expr value.Value, a *asm, tail bool) error {
	switch {
	case expr.IsSymbol():
		return c.compileVarRef(sc, expr, a)
	case expr.IsObject() && expr.Object().Tag == value.TagCell:
		return c.compileCompound(sc, expr, a, tail)
	default:
		a.emit(vm.CONST, 0, 0, expr)
		return nil
	}
}

func (c *Compiler) compileVarRef(sc *scope, sym value.Value, a *asm) error {
	if ref, ok := sc.resolve(sym.SymbolID()); ok {
		if ref.local {
			a.emit(vm.LREF, 0, ref.idx, value.Nil)
		} else {
			a.emit(vm.FREF, 0, ref.idx, value.Nil)
		}
		return nil
	}
	a.emit(vm.GREF, 0, 0, sym)
	return nil
}

func (c *Compiler) compileCompound(sc *scope, expr value.Value, a *asm, tail bool) error {
	cell := expr.Object().Cell()
	head := cell.Car

	if head.IsSymbol() {
		switch symbol.ID(head.SymbolID()) {
		case c.sQuote:
			args, _ := listToSlice(cell.Cdr)
			if len(args) != 1 {
				return Error{Message: "quote takes exactly one argument", Value: expr}
			}
			a.emit(vm.CONST, 0, 0, args[0])
			return nil

		case c.sIf:
			return c.compileIf(sc, cell.Cdr, a, tail)

		case c.sLambda:
			return c.compileLambdaForm(sc, cell.Cdr, a)

		case c.sSetBang:
			return c.compileSet(sc, cell.Cdr, a)

		case c.sDefine:
			return c.compileDefine(sc, cell.Cdr, a)

		case c.sBegin:
			elems, _ := listToSlice(cell.Cdr)
			return c.compileBody(sc, elems, a, tail)

		case c.sDefineMacro:
			return c.compileDefineMacro(sc, cell.Cdr, a)

		case c.sQuasiquote:
			args, _ := listToSlice(cell.Cdr)
			if len(args) != 1 {
				return Error{Message: "quasiquote takes exactly one argument", Value: expr}
			}
			expanded, err := c.quasiquote(args[0], 1)
			if err != nil {
				return err
			}
			return c.compileExpr(sc, expanded, a, tail)
		}

		if macroVal, ok := c.lookupMacro(head); ok {
			argForms, improperTail := listToSlice(cell.Cdr)
			if !improperTail.IsNil() {
				return Error{Message: "macro call must be a proper list", Value: expr}
			}
			expanded, err := c.VM.Funcall(macroVal, argForms)
			if err != nil {
				return Error{Message: "macro expansion failed: " + err.Error(), Value: expr}
			}
			return c.compileExpr(sc, expanded, a, tail)
		}
	}

	return c.compileApply(sc, head, cell.Cdr, a, tail)
}

func (c *Compiler) compileIf(sc *scope, body value.Value, a *asm, tail bool) error {
	args, improperTail := listToSlice(body)
	if !improperTail.IsNil() || (len(args) != 2 && len(args) != 3) {
		return Error{Message: "if requires (if test then [else])", Value: body}
	}
	if err := c.compileExpr(sc, args[0], a, false); err != nil {
		return err
	}
	testIdx := a.emit(vm.TEST, 0, 0, value.Nil)
	if err := c.compileExpr(sc, args[1], a, tail); err != nil {
		return err
	}
	jmpIdx := a.emit(vm.JMP, 0, 0, value.Nil)
	a.patchA(testIdx, a.here())
	if len(args) == 3 {
		if err := c.compileExpr(sc, args[2], a, tail); err != nil {
			return err
		}
	} else {
		a.emit(vm.CONST, 0, 0, value.Nil)
	}
	a.patchA(jmpIdx, a.here())
	return nil
}

func (c *Compiler) compileSet(sc *scope, body value.Value, a *asm) error {
	args, improperTail := listToSlice(body)
	if !improperTail.IsNil() || len(args) != 2 || !args[0].IsSymbol() {
		return Error{Message: "set! requires (set! name expr)", Value: body}
	}
	if err := c.compileExpr(sc, args[1], a, false); err != nil {
		return err
	}
	if ref, ok := sc.resolve(args[0].SymbolID()); ok {
		if !ref.local {
			return Error{Message: "set! of a variable captured from an enclosing scope is not supported", Value: args[0]}
		}
		a.emit(vm.LSET, 0, ref.idx, value.Nil)
		return nil
	}
	a.emit(vm.GSET, 0, 0, args[0])
	return nil
}

// parseFormals reads a lambda parameter spec: a proper list of symbols, a
// dotted list whose final cdr symbol collects surplus arguments, or a
// single bare symbol collecting every argument.
func parseFormals(formals value.Value) (params []uint, hasRest bool, err error) {
	if formals.IsSymbol() {
		return []uint{formals.SymbolID()}, true, nil
	}
	for formals.IsObject() && formals.Object().Tag == value.TagCell {
		cell := formals.Object().Cell()
		if !cell.Car.IsSymbol() {
			return nil, false, Error{Message: "malformed lambda parameter list", Value: formals}
		}
		params = append(params, cell.Car.SymbolID())
		formals = cell.Cdr
	}
	if formals.IsNil() {
		return params, false, nil
	}
	if formals.IsSymbol() {
		return append(params, formals.SymbolID()), true, nil
	}
	return nil, false, Error{Message: "malformed lambda parameter list", Value: formals}
}

func (c *Compiler) compileLambdaForm(sc *scope, body value.Value, a *asm) error {
	parts, improperTail := listToSlice(body)
	if !improperTail.IsNil() || len(parts) < 1 {
		return Error{Message: "lambda requires (lambda formals body...)", Value: body}
	}
	params, hasRest, err := parseFormals(parts[0])
	if err != nil {
		return err
	}
	return c.emitClosure(sc, params, hasRest, parts[1:], a, false, "")
}

// emitClosure compiles bodyExprs as a fresh child scope's closure body,
// then — in the ENCLOSING scope/asm — pushes every free variable that
// child scope ended up needing (each supplied either from a local slot or
// from a free slot already captured here) before emitting CLOS, per the
// capture-relay scheme documented in scope.go.
func (c *Compiler) emitClosure(sc *scope, params []uint, hasRest bool, bodyExprs []value.Value, a *asm, isMacro bool, name string) error {
	child := newScope(sc, params)
	ba := &asm{}
	if err := c.compileBody(child, bodyExprs, ba, true); err != nil {
		return err
	}
	ba.emit(vm.RET, 0, 0, value.Nil)

	minArity := len(params)
	if hasRest {
		minArity--
	}

	var tmpl *value.Object
	if isMacro {
		tmpl = value.NewMacro(ba.code, nil, minArity, hasRest)
		tmpl.Macro().Name = name
	} else {
		tmpl = value.NewClosure(ba.code, nil, minArity, hasRest)
		tmpl.Closure().Name = name
	}
	c.Heap.Track(tmpl)

	for _, sup := range child.suppliers {
		if sup.kind == supplyLocal {
			a.emit(vm.LREF, 0, sup.idx, value.Nil)
		} else {
			a.emit(vm.FREF, 0, sup.idx, value.Nil)
		}
		a.emit(vm.PUSH, 0, 0, value.Nil)
	}
	a.emit(vm.CLOS, 0, len(child.suppliers), value.FromObject(tmpl))
	return nil
}

// compileBody compiles a closure body: every expression but the last is
// compiled for effect (non-tail, result discarded by the next
// instruction), the last is compiled in tail position iff the body
// itself is. An empty body evaluates to Nil.
func (c *Compiler) compileBody(sc *scope, bodyExprs []value.Value, a *asm, tail bool) error {
	if len(bodyExprs) == 0 {
		a.emit(vm.CONST, 0, 0, value.Nil)
		return nil
	}
	for i, e := range bodyExprs {
		isLast := i == len(bodyExprs)-1
		if err := c.compileExpr(sc, e, a, tail && isLast); err != nil {
			return err
		}
	}
	return nil
}

func (c *Compiler) compileDefine(sc *scope, body value.Value, a *asm) error {
	elems, improperTail := listToSlice(body)
	if !improperTail.IsNil() || len(elems) == 0 {
		return Error{Message: "malformed define", Value: body}
	}
	if sc != nil {
		return Error{Message: "define is only supported at top level", Value: body}
	}
	target := elems[0]

	if target.IsObject() && target.Object().Tag == value.TagCell {
		tcell := target.Object().Cell()
		if !tcell.Car.IsSymbol() {
			return Error{Message: "malformed define target", Value: target}
		}
		params, hasRest, err := parseFormals(tcell.Cdr)
		if err != nil {
			return err
		}
		name := c.Syms.Name(symbol.ID(tcell.Car.SymbolID()))
		if err := c.emitClosure(sc, params, hasRest, elems[1:], a, false, name); err != nil {
			return err
		}
		a.emit(vm.DEF, 0, 0, tcell.Car)
		return nil
	}

	if !target.IsSymbol() {
		return Error{Message: "malformed define target", Value: target}
	}
	if len(elems) != 2 {
		return Error{Message: "define requires exactly one value expression", Value: body}
	}
	if err := c.compileExpr(sc, elems[1], a, false); err != nil {
		return err
	}
	a.emit(vm.DEF, 0, 0, target)
	return nil
}

func (c *Compiler) compileDefineMacro(sc *scope, body value.Value, a *asm) error {
	elems, improperTail := listToSlice(body)
	if !improperTail.IsNil() || len(elems) == 0 {
		return Error{Message: "malformed define-macro", Value: body}
	}
	if sc != nil {
		return Error{Message: "define-macro is only supported at top level", Value: body}
	}
	target := elems[0]
	if !(target.IsObject() && target.Object().Tag == value.TagCell) {
		return Error{Message: "define-macro requires (define-macro (name . params) body...)", Value: target}
	}
	tcell := target.Object().Cell()
	if !tcell.Car.IsSymbol() {
		return Error{Message: "malformed define-macro target", Value: target}
	}
	params, hasRest, err := parseFormals(tcell.Cdr)
	if err != nil {
		return err
	}
	name := c.Syms.Name(symbol.ID(tcell.Car.SymbolID()))
	if err := c.emitClosure(sc, params, hasRest, elems[1:], a, true, name); err != nil {
		return err
	}
	a.emit(vm.DEF, 0, 0, tcell.Car)
	return nil
}

func (c *Compiler) compileApply(sc *scope, headExpr, argList value.Value, a *asm, tail bool) error {
	args, improperTail := listToSlice(argList)
	if !improperTail.IsNil() {
		return Error{Message: "malformed call: improper argument list", Value: argList}
	}

	var retIdx int
	if !tail {
		retIdx = a.emit(vm.FRAME, 0, 0, value.Nil)
	}
	for _, arg := range args {
		if err := c.compileExpr(sc, arg, a, false); err != nil {
			return err
		}
		a.emit(vm.PUSH, 0, 0, value.Nil)
	}
	if err := c.compileExpr(sc, headExpr, a, false); err != nil {
		return err
	}
	if tail {
		a.emit(vm.TAPPLY, len(args), 0, value.Nil)
	} else {
		a.emit(vm.APPLY, len(args), 0, value.Nil)
		a.patchA(retIdx, a.here())
	}
	return nil
}

// quasiquote resolves a quasiquoted template into an expression built out
// of cons/list/append calls, the standard technique for desugaring
// quasiquote into ordinary list-construction code at compile time rather
// than needing a VM-level quasiquote primitive. depth tracks nesting so
// nested quasiquote/unquote pairs balance correctly.
func (c *Compiler) quasiquote(expr value.Value, depth int) (value.Value, error) {
	if !(expr.IsObject() && expr.Object().Tag == value.TagCell) {
		if expr.IsNil() {
			return expr, nil
		}
		return c.listExpr(c.sym(c.sQuote), expr), nil
	}
	cell := expr.Object().Cell()

	if cell.Car.IsSymbol() {
		switch symbol.ID(cell.Car.SymbolID()) {
		case c.sUnquote:
			args, _ := listToSlice(cell.Cdr)
			if len(args) != 1 {
				return value.Nil, Error{Message: "unquote takes exactly one argument", Value: expr}
			}
			if depth == 1 {
				return args[0], nil
			}
			inner, err := c.quasiquote(args[0], depth-1)
			if err != nil {
				return value.Nil, err
			}
			return c.callExpr(c.listSym(), c.listExpr(c.sym(c.sQuote), c.sym(c.sUnquote)), inner), nil

		case c.sQuasiquote:
			args, _ := listToSlice(cell.Cdr)
			if len(args) != 1 {
				return value.Nil, Error{Message: "quasiquote takes exactly one argument", Value: expr}
			}
			inner, err := c.quasiquote(args[0], depth+1)
			if err != nil {
				return value.Nil, err
			}
			return c.callExpr(c.listSym(), c.listExpr(c.sym(c.sQuote), c.sym(c.sQuasiquote)), inner), nil
		}
	}

	if cell.Car.IsObject() && cell.Car.Object().Tag == value.TagCell {
		carCell := cell.Car.Object().Cell()
		if carCell.Car.IsSymbol() && symbol.ID(carCell.Car.SymbolID()) == c.sUnquoteSplicing && depth == 1 {
			args, _ := listToSlice(carCell.Cdr)
			if len(args) != 1 {
				return value.Nil, Error{Message: "unquote-splicing takes exactly one argument", Value: expr}
			}
			rest, err := c.quasiquote(cell.Cdr, depth)
			if err != nil {
				return value.Nil, err
			}
			return c.callExpr(c.appendSym(), args[0], rest), nil
		}
	}

	carQ, err := c.quasiquote(cell.Car, depth)
	if err != nil {
		return value.Nil, err
	}
	cdrQ, err := c.quasiquote(cell.Cdr, depth)
	if err != nil {
		return value.Nil, err
	}
	return c.callExpr(c.consSym(), carQ, cdrQ), nil
}

func (c *Compiler) consSym() symbol.ID   { return c.Syms.Intern("cons") }
func (c *Compiler) appendSym() symbol.ID { return c.Syms.Intern("append") }
func (c *Compiler) listSym() symbol.ID   { return c.Syms.Intern("list") }
