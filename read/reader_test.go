package read_test

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/jcorbin/yalp/gc"
	"github.com/jcorbin/yalp/read"
	"github.com/jcorbin/yalp/symbol"
	"github.com/jcorbin/yalp/value"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newReader(t *testing.T, src string) (*read.Reader, *symbol.Manager) {
	t.Helper()
	syms := symbol.New(symbol.DefaultGensymPrefix)
	heap := gc.New()
	return read.New(strings.NewReader(src), "<test>", syms, heap), syms
}

func readOne(t *testing.T, src string) (value.Value, error) {
	t.Helper()
	r, _ := newReader(t, src)
	return r.Read()
}

func TestLineComment(t *testing.T) {
	v, err := readOne(t, " ; Line comment\n 123")
	require.NoError(t, err)
	assert.True(t, v.Eq(value.Fixnum(123)))
}

func TestEof(t *testing.T) {
	_, err := readOne(t, "")
	var rerr read.Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, read.EndOfFile, rerr.Code)
	assert.True(t, errors.Is(err, io.EOF))
}

func TestFixnum(t *testing.T) {
	v, err := readOne(t, "123")
	require.NoError(t, err)
	assert.True(t, v.Eq(value.Fixnum(123)))

	v, err = readOne(t, "-123")
	require.NoError(t, err)
	assert.True(t, v.Eq(value.Fixnum(-123)))
}

func TestSymbol(t *testing.T) {
	r, syms := newReader(t, "symbol")
	v, err := r.Read()
	require.NoError(t, err)
	id, ok := syms.Lookup("symbol")
	require.True(t, ok)
	assert.True(t, v.Eq(value.Symbol(uint(id))))

	r2, syms2 := newReader(t, "+=")
	v2, err := r2.Read()
	require.NoError(t, err)
	id2, ok := syms2.Lookup("+=")
	require.True(t, ok)
	assert.True(t, v2.Eq(value.Symbol(uint(id2))))
}

func list(heap *gc.Heap, vs ...value.Value) value.Value {
	out := value.Nil
	for i := len(vs) - 1; i >= 0; i-- {
		c := value.NewCell(vs[i], out)
		heap.Track(c)
		out = value.FromObject(c)
	}
	return out
}

func TestList(t *testing.T) {
	heap := gc.New()
	syms := symbol.New(symbol.DefaultGensymPrefix)

	r := read.New(strings.NewReader("(123)"), "<test>", syms, heap)
	v, err := r.Read()
	require.NoError(t, err)
	assert.True(t, v.Equal(list(heap, value.Fixnum(123))))

	r2 := read.New(strings.NewReader("(1 2 3)"), "<test>", syms, heap)
	v2, err := r2.Read()
	require.NoError(t, err)
	assert.True(t, v2.Equal(list(heap, value.Fixnum(1), value.Fixnum(2), value.Fixnum(3))))

	r3 := read.New(strings.NewReader("(1 (2) 3)"), "<test>", syms, heap)
	v3, err := r3.Read()
	require.NoError(t, err)
	assert.True(t, v3.Equal(list(heap, value.Fixnum(1), list(heap, value.Fixnum(2)), value.Fixnum(3))))
}

func TestDottedList(t *testing.T) {
	_, err := readOne(t, ".")
	var rerr read.Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, read.DotAtBase, rerr.Code, "dot is not a symbol")

	heap := gc.New()
	syms := symbol.New(symbol.DefaultGensymPrefix)
	r := read.New(strings.NewReader("(1 2 . 3)"), "<test>", syms, heap)
	v, err := r.Read()
	require.NoError(t, err)

	inner := value.NewCell(value.Fixnum(2), value.Fixnum(3))
	heap.Track(inner)
	want := value.NewCell(value.Fixnum(1), value.FromObject(inner))
	heap.Track(want)
	assert.True(t, v.Equal(value.FromObject(want)))
}

func TestQuote(t *testing.T) {
	heap := gc.New()
	syms := symbol.New(symbol.DefaultGensymPrefix)
	r := read.New(strings.NewReader("'(x y z)"), "<test>", syms, heap)
	v, err := r.Read()
	require.NoError(t, err)

	quote := value.Symbol(uint(syms.Intern("quote")))
	x := value.Symbol(uint(syms.Intern("x")))
	y := value.Symbol(uint(syms.Intern("y")))
	z := value.Symbol(uint(syms.Intern("z")))
	want := list(heap, quote, list(heap, x, y, z))
	assert.True(t, v.Equal(want))
}

func TestQuasiquoteFamily(t *testing.T) {
	heap := gc.New()
	syms := symbol.New(symbol.DefaultGensymPrefix)

	cases := []struct {
		src, head string
	}{
		{"`x", "quasiquote"},
		{",x", "unquote"},
		{",@x", "unquote-splicing"},
	}
	for _, c := range cases {
		r := read.New(strings.NewReader(c.src), "<test>", syms, heap)
		v, err := r.Read()
		require.NoError(t, err)
		head := value.Symbol(uint(syms.Intern(c.head)))
		x := value.Symbol(uint(syms.Intern("x")))
		assert.True(t, v.Equal(list(heap, head, x)), "src=%q", c.src)
	}
}

func TestSharedStructure(t *testing.T) {
	r, _ := newReader(t, "(#0=(a) #0#)")
	v, err := r.Read()
	require.NoError(t, err)

	require.True(t, v.IsObject())
	cell := v.Object().Cell()
	require.True(t, cell.Cdr.IsObject())
	cdrCell := cell.Cdr.Object().Cell()
	assert.True(t, cell.Car.Eq(cdrCell.Car))
}

func TestString(t *testing.T) {
	v, err := readOne(t, `"string"`)
	require.NoError(t, err)

	heap := gc.New()
	s := value.NewString([]byte("string"))
	heap.Track(s)
	assert.True(t, v.Equal(value.FromObject(s)))

	v2, err := readOne(t, `"a b\tc\nd"`)
	require.NoError(t, err)
	s2 := value.NewString([]byte("a b\tc\nd"))
	heap.Track(s2)
	assert.True(t, v2.Equal(value.FromObject(s2)))

	v3, err := readOne(t, `"'\"foobar\"'"`)
	require.NoError(t, err)
	s3 := value.NewString([]byte(`'"foobar"'`))
	heap.Track(s3)
	assert.True(t, v3.Equal(value.FromObject(s3)))

	v4, err := readOne(t, `"null\0char"`)
	require.NoError(t, err)
	s4 := value.NewString([]byte("null\x00char"))
	heap.Track(s4)
	assert.True(t, v4.Equal(value.FromObject(s4)))
	sOnlyNull := value.NewString([]byte("null"))
	heap.Track(sOnlyNull)
	assert.False(t, v4.Equal(value.FromObject(sOnlyNull)))
}

func TestFloat(t *testing.T) {
	v, err := readOne(t, "1.23")
	require.NoError(t, err)
	require.True(t, v.IsObject())
	assert.InDelta(t, 1.23, v.Object().Flonum().F, 1e-9)

	v2, err := readOne(t, "-1.23")
	require.NoError(t, err)
	assert.InDelta(t, -1.23, v2.Object().Flonum().F, 1e-9)
}

func TestChar(t *testing.T) {
	cases := []struct {
		src  string
		want rune
	}{
		{`#\A`, 'A'},
		{`#\[`, '['},
		{`#\space`, ' '},
		{`#\nl`, '\n'},
		{`#\tab`, '\t'},
	}
	for _, c := range cases {
		v, err := readOne(t, c.src)
		require.NoError(t, err, "src=%q", c.src)
		assert.True(t, v.Eq(value.Fixnum(int64(c.want))), "src=%q", c.src)
	}
}

func TestErrorCodes(t *testing.T) {
	_, err := readOne(t, "(1 (2) 3")
	assertCode(t, err, read.NoCloseParen)

	_, err = readOne(t, ")")
	assertCode(t, err, read.ExtraCloseParen)

	_, err = readOne(t, "(. 1)")
	assertCode(t, err, read.IllegalChar)

	_, err = readOne(t, "(1 . 2 3)")
	assertCode(t, err, read.NoCloseParen)

	_, err = readOne(t, `"string`)
	assertCode(t, err, read.NoCloseString)
}

func assertCode(t *testing.T, err error, want read.Code) {
	t.Helper()
	var rerr read.Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, want, rerr.Code)
}
