package compile_test

import (
	"testing"

	"github.com/jcorbin/yalp/compile"
	"github.com/jcorbin/yalp/gc"
	"github.com/jcorbin/yalp/internal/mem"
	"github.com/jcorbin/yalp/symbol"
	"github.com/jcorbin/yalp/value"
	"github.com/jcorbin/yalp/vm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixture bundles a fresh symbol table, heap, VM and Compiler, matching how
// a host wires these together: the compiler needs the VM only to run macro
// transformers and to read the globals table.
type fixture struct {
	syms *symbol.Manager
	heap *gc.Heap
	m    *vm.VM
	c    *compile.Compiler
}

func newFixture() *fixture {
	syms := symbol.New("")
	heap := gc.New()
	m := vm.New(&mem.Values{}, heap)
	m.Namer = func(id uint) string { return syms.Name(symbol.ID(id)) }
	return &fixture{syms: syms, heap: heap, m: m, c: compile.New(syms, heap, m)}
}

func (f *fixture) sym(name string) value.Value { return value.Symbol(uint(f.syms.Intern(name))) }

// bindNative interns name and binds it in the globals table to a fresh
// NativeFunc, the same wiring the prelude does for built-in procedures.
func (f *fixture) bindNative(name string, fn value.Native, minArity, maxArity int) {
	obj := value.NewNativeFunc(name, fn, minArity, maxArity)
	f.heap.Track(obj)
	id := f.syms.Intern(name)
	if err := f.m.Globals.Stor(uint(id), value.FromObject(obj)); err != nil {
		panic(err)
	}
}

// bindListPrimitives binds cons/list/append, the three procedures the
// compiler's quasiquote expansion relies on being callable at run time.
func (f *fixture) bindListPrimitives() {
	f.bindNative("cons", func(args []value.Value) (value.Value, error) {
		return f.cons(args[0], args[1]), nil
	}, 2, 2)
	f.bindNative("list", func(args []value.Value) (value.Value, error) {
		return f.list(args...), nil
	}, 0, -1)
	f.bindNative("append", func(args []value.Value) (value.Value, error) {
		if len(args) == 0 {
			return value.Nil, nil
		}
		result := args[len(args)-1]
		for i := len(args) - 2; i >= 0; i-- {
			elems, _ := listToSliceForTest(args[i])
			for j := len(elems) - 1; j >= 0; j-- {
				result = f.cons(elems[j], result)
			}
		}
		return result, nil
	}, 0, -1)
}

func listToSliceForTest(v value.Value) (elems []value.Value, tail value.Value) {
	for v.IsObject() && v.Object().Tag == value.TagCell {
		cell := v.Object().Cell()
		elems = append(elems, cell.Car)
		v = cell.Cdr
	}
	return elems, v
}

func (f *fixture) cons(car, cdr value.Value) value.Value {
	o := value.NewCell(car, cdr)
	f.heap.Track(o)
	return value.FromObject(o)
}

func (f *fixture) list(items ...value.Value) value.Value {
	result := value.Nil
	for i := len(items) - 1; i >= 0; i-- {
		result = f.cons(items[i], result)
	}
	return result
}

// s interns name as a symbol and returns it as a value, convenience for
// building test forms.
func (f *fixture) s(name string) value.Value { return f.sym(name) }

func (f *fixture) runExpr(t *testing.T, expr value.Value) value.Value {
	t.Helper()
	thunk, err := f.c.Compile(expr)
	require.NoError(t, err)
	out, err := f.m.Run(thunk)
	require.NoError(t, err)
	return out
}

func TestCompileSelfEvaluating(t *testing.T) {
	f := newFixture()
	out := f.runExpr(t, value.Fixnum(42))
	assert.True(t, out.Eq(value.Fixnum(42)))
}

func TestCompileQuote(t *testing.T) {
	f := newFixture()
	// (quote (1 2))
	body := f.list(value.Fixnum(1), value.Fixnum(2))
	expr := f.list(f.s("quote"), body)
	out := f.runExpr(t, expr)
	assert.True(t, out.Equal(body))
}

func TestCompileIf(t *testing.T) {
	f := newFixture()
	// (if #t 1 2) -> 1
	expr := f.list(f.s("if"), value.True, value.Fixnum(1), value.Fixnum(2))
	out := f.runExpr(t, expr)
	assert.True(t, out.Eq(value.Fixnum(1)))

	// (if #f 1 2) -> 2
	expr2 := f.list(f.s("if"), value.False, value.Fixnum(1), value.Fixnum(2))
	out2 := f.runExpr(t, expr2)
	assert.True(t, out2.Eq(value.Fixnum(2)))

	// (if #f 1) -> nil, the missing-else default
	expr3 := f.list(f.s("if"), value.False, value.Fixnum(1))
	out3 := f.runExpr(t, expr3)
	assert.True(t, out3.IsNil())
}

func TestCompileDefineAndGlobalRef(t *testing.T) {
	f := newFixture()
	// (define x 7)
	def := f.list(f.s("define"), f.s("x"), value.Fixnum(7))
	_ = f.runExpr(t, def)

	out := f.runExpr(t, f.s("x"))
	assert.True(t, out.Eq(value.Fixnum(7)))
}

func TestCompileDefineFunctionShorthandAndApply(t *testing.T) {
	f := newFixture()
	// (define (add1 n) (+ n 1))
	plus := value.NewNativeFunc("+", func(args []value.Value) (value.Value, error) {
		return value.Fixnum(args[0].Fixnum() + args[1].Fixnum()), nil
	}, 2, 2)
	f.heap.Track(plus)
	plusSym, ok := f.syms.Lookup("+")
	if !ok {
		plusSym = f.syms.Intern("+")
	}
	require.NoError(t, f.m.Globals.Stor(uint(plusSym), value.FromObject(plus)))

	defTarget := f.cons(f.s("add1"), f.list(f.s("n")))
	body := f.list(f.s("+"), f.s("n"), value.Fixnum(1))
	def := f.list(f.s("define"), defTarget, body)
	_ = f.runExpr(t, def)

	call := f.list(f.s("add1"), value.Fixnum(9))
	out := f.runExpr(t, call)
	assert.True(t, out.Eq(value.Fixnum(10)))
}

func TestCompileLambdaClosureCapture(t *testing.T) {
	f := newFixture()
	// ((lambda (x) (lambda (y) x)) 5) applied to 9 -> 5
	inner := f.list(f.s("lambda"), f.list(f.s("y")), f.s("x"))
	outer := f.list(f.s("lambda"), f.list(f.s("x")), inner)
	makeAdder := f.list(outer, value.Fixnum(5))
	capturing := f.runExpr(t, makeAdder)
	require.True(t, capturing.IsObject())
	require.Equal(t, value.TagClosure, capturing.Object().Tag)

	out, err := f.m.Funcall(capturing, []value.Value{value.Fixnum(9)})
	require.NoError(t, err)
	assert.True(t, out.Eq(value.Fixnum(5)))
}

func TestCompileSetBangLocal(t *testing.T) {
	f := newFixture()
	// (lambda (x) (begin (set! x 99) x)) applied to 1 -> 99
	setExpr := f.list(f.s("set!"), f.s("x"), value.Fixnum(99))
	body := f.list(f.s("begin"), setExpr, f.s("x"))
	lam := f.list(f.s("lambda"), f.list(f.s("x")), body)
	makeClosure := f.list(lam, value.Fixnum(1))
	out := f.runExpr(t, makeClosure)
	assert.True(t, out.Eq(value.Fixnum(99)))
}

func TestCompileSetBangCapturedIsRejected(t *testing.T) {
	f := newFixture()
	// (lambda (x) (lambda () (set! x 1)))
	setExpr := f.list(f.s("set!"), f.s("x"), value.Fixnum(1))
	inner := f.list(f.s("lambda"), value.Nil, setExpr)
	outer := f.list(f.s("lambda"), f.list(f.s("x")), inner)
	_, err := f.c.Compile(outer)
	require.Error(t, err)
	var cerr compile.Error
	require.ErrorAs(t, err, &cerr)
}

func TestCompileDefineMacroAndExpansion(t *testing.T) {
	f := newFixture()
	// (define-macro (when test body) (if test body '()))
	whenBody := f.list(f.s("if"), f.s("test"), f.s("body"), f.list(f.s("quote"), value.Nil))
	defTarget := f.cons(f.s("when"), f.list(f.s("test"), f.s("body")))
	defMacro := f.list(f.s("define-macro"), defTarget, whenBody)
	_ = f.runExpr(t, defMacro)

	call := f.list(f.s("when"), value.True, value.Fixnum(42))
	out := f.runExpr(t, call)
	assert.True(t, out.Eq(value.Fixnum(42)))

	callFalse := f.list(f.s("when"), value.False, value.Fixnum(42))
	outFalse := f.runExpr(t, callFalse)
	assert.True(t, outFalse.IsNil())
}

func TestCompileQuasiquoteUnquote(t *testing.T) {
	f := newFixture()
	f.bindListPrimitives()
	// (define x 3)
	_ = f.runExpr(t, f.list(f.s("define"), f.s("x"), value.Fixnum(3)))

	// `(1 ,x 2) -> (1 3 2)
	tmpl := f.list(value.Fixnum(1), f.list(f.s("unquote"), f.s("x")), value.Fixnum(2))
	qq := f.list(f.s("quasiquote"), tmpl)
	out := f.runExpr(t, qq)

	expected := f.list(value.Fixnum(1), value.Fixnum(3), value.Fixnum(2))
	assert.True(t, out.Equal(expected))
}

func TestCompileQuasiquoteUnquoteSplicing(t *testing.T) {
	f := newFixture()
	f.bindListPrimitives()
	// (define xs '(2 3))
	xs := f.list(value.Fixnum(2), value.Fixnum(3))
	defXs := f.list(f.s("define"), f.s("xs"), f.list(f.s("quote"), xs))
	_ = f.runExpr(t, defXs)

	// `(1 ,@xs 4) -> (1 2 3 4)
	tmpl := f.list(value.Fixnum(1), f.list(f.s("unquote-splicing"), f.s("xs")), value.Fixnum(4))
	qq := f.list(f.s("quasiquote"), tmpl)
	out := f.runExpr(t, qq)

	expected := f.list(value.Fixnum(1), value.Fixnum(2), value.Fixnum(3), value.Fixnum(4))
	assert.True(t, out.Equal(expected))
}

func TestCompileNestedQuasiquote(t *testing.T) {
	f := newFixture()
	f.bindListPrimitives()
	// (define x 5)
	_ = f.runExpr(t, f.list(f.s("define"), f.s("x"), value.Fixnum(5)))

	// ``(a ,(b ,x)) -- the inner unquote is at depth 2, so it stays
	// unevaluated; only the innermost ,x (depth 1 relative to its own
	// quasiquote) evaluates when the whole thing is itself unquoted once.
	innerUnquote := f.list(f.s("unquote"), f.s("x"))
	innerList := f.list(f.s("b"), innerUnquote)
	outerUnquote := f.list(f.s("unquote"), innerList)
	tmpl := f.list(f.s("a"), outerUnquote)
	nestedQQ := f.list(f.s("quasiquote"), tmpl)
	qq := f.list(f.s("quasiquote"), nestedQQ)

	out := f.runExpr(t, qq)
	// Expect: (quasiquote (a (unquote (b 5))))
	require.True(t, out.IsObject())
	require.Equal(t, value.TagCell, out.Object().Tag)
	head := out.Object().Cell().Car
	require.True(t, head.IsSymbol())
	qqID, _ := f.syms.Lookup("quasiquote")
	assert.Equal(t, uint(qqID), head.SymbolID())
}

func TestCompileTailCallDoesNotGrowFrames(t *testing.T) {
	f := newFixture()
	zero := value.NewNativeFunc("zero?", func(args []value.Value) (value.Value, error) {
		return value.FromBool(args[0].Fixnum() == 0), nil
	}, 1, 1)
	f.heap.Track(zero)
	sub := value.NewNativeFunc("-", func(args []value.Value) (value.Value, error) {
		return value.Fixnum(args[0].Fixnum() - args[1].Fixnum()), nil
	}, 2, 2)
	f.heap.Track(sub)
	for name, obj := range map[string]*value.Object{"zero?": zero, "-": sub} {
		id := f.syms.Intern(name)
		require.NoError(t, f.m.Globals.Stor(uint(id), value.FromObject(obj)))
	}

	// (define (loop n) (if (zero? n) 0 (loop (- n 1))))
	test := f.list(f.s("zero?"), f.s("n"))
	recur := f.list(f.s("loop"), f.list(f.s("-"), f.s("n"), value.Fixnum(1)))
	ifExpr := f.list(f.s("if"), test, value.Fixnum(0), recur)
	defTarget := f.cons(f.s("loop"), f.list(f.s("n")))
	def := f.list(f.s("define"), defTarget, ifExpr)
	_ = f.runExpr(t, def)

	loopID, _ := f.syms.Lookup("loop")
	loopVal, err := f.m.Globals.Load(uint(loopID))
	require.NoError(t, err)

	out, err := f.m.Funcall(loopVal, []value.Value{value.Fixnum(50000)})
	require.NoError(t, err)
	assert.True(t, out.Eq(value.Fixnum(0)))
}

func TestCompileRestArgs(t *testing.T) {
	f := newFixture()
	// (lambda (a . rest) rest) applied to (1 2 3)
	formals := f.cons(f.s("a"), f.s("rest"))
	lam := f.list(f.s("lambda"), formals, f.s("rest"))
	closure := f.runExpr(t, lam)

	out, err := f.m.Funcall(closure, []value.Value{value.Fixnum(1), value.Fixnum(2), value.Fixnum(3)})
	require.NoError(t, err)
	expected := f.list(value.Fixnum(2), value.Fixnum(3))
	assert.True(t, out.Equal(expected))
}

func TestCompileMalformedIfIsError(t *testing.T) {
	f := newFixture()
	badIf := f.list(f.s("if"), value.True)
	_, err := f.c.Compile(badIf)
	require.Error(t, err)
	var cerr compile.Error
	require.ErrorAs(t, err, &cerr)
}

func TestCompileDefineNotAtTopLevelIsError(t *testing.T) {
	f := newFixture()
	inner := f.list(f.s("define"), f.s("x"), value.Fixnum(1))
	lam := f.list(f.s("lambda"), value.Nil, inner)
	_, err := f.c.Compile(lam)
	require.Error(t, err)
	var cerr compile.Error
	require.ErrorAs(t, err, &cerr)
}
