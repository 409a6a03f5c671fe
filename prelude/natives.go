// Package prelude installs the core primitive procedures and the
// macro/procedure library every fresh interpreter needs before running
// user source: cons/car/cdr/list/append (which the compiler's own
// quasiquote expansion calls by name), the rest of the small numeric and
// predicate tower, and a handful of derived special forms (when, unless,
// let, and, or, cond) defined as ordinary macros over those primitives.
package prelude

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"

	"github.com/jcorbin/yalp"
	"github.com/jcorbin/yalp/gc"
	"github.com/jcorbin/yalp/internal/runeio"
	"github.com/jcorbin/yalp/value"
)

//go:embed boot.scm
var bootSource string

// Install binds every native this package provides, then evaluates the
// embedded boot.scm source to layer the macro library on top of them. It
// is meant to run once, immediately after yalp.New, before any user
// source is read. Safe to call on any number of distinct States: every
// native natives builds closes over the particular State passed to it,
// so installing a second interpreter never disturbs a first one's
// display/write/newline/write-char output.
func Install(s *yalp.State) error {
	for _, n := range natives(s) {
		s.DefineRawNative(n.name, n.min, n.max, n.fn)
	}
	return s.LoadBootImage(strings.NewReader(bootSource))
}

type native struct {
	name     string
	min, max int
	fn       value.Native
}

// natives builds every raw-native binding, closing over s so that the
// pair/flonum allocators it uses (cons, append, numericResult) can track
// their results on s's own heap, and so display/write/newline/write-char
// write to s's own output, the same way State's own methods are scoped
// to one instance.
func natives(s *yalp.State) []native {
	n := &natEnv{heap: s.Heap, s: s}
	return []native{
		{"cons", 2, 2, n.cons},
		{"car", 1, 1, nativeCar},
		{"cdr", 1, 1, nativeCdr},
		{"pair?", 1, 1, nativePairP},
		{"null?", 1, 1, nativeNullP},
		{"not", 1, 1, nativeNot},
		{"eq?", 2, 2, nativeEqP},
		{"equal?", 2, 2, nativeEqualP},
		{"list", 0, -1, n.list},
		{"append", 0, -1, n.append},
		{"+", 0, -1, n.add},
		{"*", 0, -1, n.mul},
		{"-", 1, -1, n.sub},
		{"/", 1, -1, n.div},
		{"=", 1, -1, nativeNumEq},
		{"<", 1, -1, nativeLt},
		{">", 1, -1, nativeGt},
		{"<=", 1, -1, nativeLe},
		{">=", 1, -1, nativeGe},
		{"display", 1, 1, n.display},
		{"write", 1, 1, n.write},
		{"newline", 0, 0, n.newline},
		{"write-char", 1, 1, n.writeChar},
	}
}

// natEnv holds the per-instance state every native built by natives
// closes over: the heap an allocating native tracks its results on, and
// the State an I/O native writes to, so each installed State's natives
// are wired to that State alone.
type natEnv struct {
	heap *gc.Heap
	s    *yalp.State
}

func (n *natEnv) track(obj *value.Object) value.Value {
	n.heap.Track(obj)
	return value.FromObject(obj)
}

func (n *natEnv) cons(args []value.Value) (value.Value, error) {
	return n.track(value.NewCell(args[0], args[1])), nil
}

func wrongType(proc string, v value.Value) error {
	return fmt.Errorf("%s: expected a pair, got %s", proc, kindName(v))
}

func kindName(v value.Value) string {
	if v.IsObject() {
		return v.Object().Tag.String()
	}
	return v.Kind().String()
}

func asCell(proc string, v value.Value) (*value.CellBody, error) {
	if !v.IsObject() || v.Object().Tag != value.TagCell {
		return nil, wrongType(proc, v)
	}
	return v.Object().Cell(), nil
}

func nativeCar(args []value.Value) (value.Value, error) {
	c, err := asCell("car", args[0])
	if err != nil {
		return value.Nil, err
	}
	return c.Car, nil
}

func nativeCdr(args []value.Value) (value.Value, error) {
	c, err := asCell("cdr", args[0])
	if err != nil {
		return value.Nil, err
	}
	return c.Cdr, nil
}

func nativePairP(args []value.Value) (value.Value, error) {
	v := args[0]
	return value.FromBool(v.IsObject() && v.Object().Tag == value.TagCell), nil
}

func nativeNullP(args []value.Value) (value.Value, error) {
	return value.FromBool(args[0].IsNil()), nil
}

func nativeNot(args []value.Value) (value.Value, error) {
	return value.FromBool(args[0].IsFalse()), nil
}

func nativeEqP(args []value.Value) (value.Value, error) {
	return value.FromBool(args[0].Eq(args[1])), nil
}

func nativeEqualP(args []value.Value) (value.Value, error) {
	return value.FromBool(args[0].Equal(args[1])), nil
}

func (n *natEnv) list(args []value.Value) (value.Value, error) {
	result := value.Nil
	for i := len(args) - 1; i >= 0; i-- {
		result = n.track(value.NewCell(args[i], result))
	}
	return result, nil
}

func listToSlice(v value.Value) ([]value.Value, error) {
	var elems []value.Value
	for !v.IsNil() {
		c, err := asCell("append", v)
		if err != nil {
			return nil, err
		}
		elems = append(elems, c.Car)
		v = c.Cdr
	}
	return elems, nil
}

func (n *natEnv) append(args []value.Value) (value.Value, error) {
	if len(args) == 0 {
		return value.Nil, nil
	}
	tail := args[len(args)-1]
	for i := len(args) - 2; i >= 0; i-- {
		elems, err := listToSlice(args[i])
		if err != nil {
			return value.Nil, err
		}
		for j := len(elems) - 1; j >= 0; j-- {
			tail = n.track(value.NewCell(elems[j], tail))
		}
	}
	return tail, nil
}

func asNumber(proc string, v value.Value) (float64, bool, error) {
	switch {
	case v.IsFixnum():
		return float64(v.Fixnum()), true, nil
	case v.IsObject() && v.Object().Tag == value.TagFlonum:
		return v.AsFloat(), false, nil
	default:
		return 0, false, fmt.Errorf("%s: expected a number, got %s", proc, kindName(v))
	}
}

func (n *natEnv) numericResult(exact bool, f float64) value.Value {
	if exact && value.InFixnumRange(int64(f)) {
		return value.Fixnum(int64(f))
	}
	return n.track(value.NewFlonum(f))
}

func (n *natEnv) add(args []value.Value) (value.Value, error) {
	exact := true
	sum := 0.0
	for _, a := range args {
		f, ax, err := asNumber("+", a)
		if err != nil {
			return value.Nil, err
		}
		exact = exact && ax
		sum += f
	}
	return n.numericResult(exact, sum), nil
}

func (n *natEnv) mul(args []value.Value) (value.Value, error) {
	exact := true
	prod := 1.0
	for _, a := range args {
		f, ax, err := asNumber("*", a)
		if err != nil {
			return value.Nil, err
		}
		exact = exact && ax
		prod *= f
	}
	return n.numericResult(exact, prod), nil
}

func (n *natEnv) sub(args []value.Value) (value.Value, error) {
	first, exact, err := asNumber("-", args[0])
	if err != nil {
		return value.Nil, err
	}
	if len(args) == 1 {
		return n.numericResult(exact, -first), nil
	}
	for _, a := range args[1:] {
		f, ax, err := asNumber("-", a)
		if err != nil {
			return value.Nil, err
		}
		exact = exact && ax
		first -= f
	}
	return n.numericResult(exact, first), nil
}

func (n *natEnv) div(args []value.Value) (value.Value, error) {
	first, exact, err := asNumber("/", args[0])
	if err != nil {
		return value.Nil, err
	}
	if len(args) == 1 {
		if first == 0 {
			return value.Nil, fmt.Errorf("/: division by zero")
		}
		return n.numericResult(false, 1/first), nil
	}
	for _, a := range args[1:] {
		f, ax, err := asNumber("/", a)
		if err != nil {
			return value.Nil, err
		}
		if f == 0 {
			return value.Nil, fmt.Errorf("/: division by zero")
		}
		exact = exact && ax && (int64(first)%int64(f) == 0)
		first /= f
	}
	return n.numericResult(exact, first), nil
}

func compareChain(proc string, args []value.Value, ok func(a, b float64) bool) (value.Value, error) {
	prev, _, err := asNumber(proc, args[0])
	if err != nil {
		return value.Nil, err
	}
	for _, a := range args[1:] {
		f, _, err := asNumber(proc, a)
		if err != nil {
			return value.Nil, err
		}
		if !ok(prev, f) {
			return value.False, nil
		}
		prev = f
	}
	return value.True, nil
}

func nativeNumEq(args []value.Value) (value.Value, error) {
	return compareChain("=", args, func(a, b float64) bool { return a == b })
}
func nativeLt(args []value.Value) (value.Value, error) {
	return compareChain("<", args, func(a, b float64) bool { return a < b })
}
func nativeGt(args []value.Value) (value.Value, error) {
	return compareChain(">", args, func(a, b float64) bool { return a > b })
}
func nativeLe(args []value.Value) (value.Value, error) {
	return compareChain("<=", args, func(a, b float64) bool { return a <= b })
}
func nativeGe(args []value.Value) (value.Value, error) {
	return compareChain(">=", args, func(a, b float64) bool { return a >= b })
}

// display writes v in display syntax (raw string bytes, no quoting) to
// n's own State, so two installed interpreters never share an output
// sink.
func (n *natEnv) display(args []value.Value) (value.Value, error) {
	return value.Nil, n.s.WriteString(displayString(args[0]))
}

// write writes v in the reader's own grammar (quoted strings) to n's own
// State.
func (n *natEnv) write(args []value.Value) (value.Value, error) {
	return value.Nil, n.s.WriteString(value.Write(args[0]))
}

// displayString renders v the way display does: like Write, except a
// string value's bytes are emitted raw rather than quoted.
func displayString(v value.Value) string {
	if v.IsObject() && v.Object().Tag == value.TagString {
		return string(v.Object().String().Bytes)
	}
	return value.Write(v)
}

func (n *natEnv) newline([]value.Value) (value.Value, error) {
	return value.Nil, n.s.WriteString("\n")
}

// writeChar writes the code point named by a fixnum argument, rendering
// it the way a terminal would: ASCII bytes verbatim, C1 controls in
// their 7-bit escape form, everything else as UTF-8, using
// internal/runeio's ANSI-aware rune encoding. There is no dedicated character value
// kind (the data model has none), so a code point is just a fixnum the
// caller is responsible for producing (e.g. from a string's byte/rune
// values, once those accessors exist).
func (n *natEnv) writeChar(args []value.Value) (value.Value, error) {
	if !args[0].IsFixnum() {
		return value.Nil, fmt.Errorf("write-char: expected a fixnum code point, got %s", kindName(args[0]))
	}
	var buf bytes.Buffer
	if _, err := runeio.WriteANSIRune(&buf, rune(args[0].Fixnum())); err != nil {
		return value.Nil, err
	}
	return value.Nil, n.s.WriteString(buf.String())
}
