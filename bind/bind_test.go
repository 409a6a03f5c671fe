package bind_test

import (
	"errors"
	"testing"

	"github.com/jcorbin/yalp/bind"
	"github.com/jcorbin/yalp/gc"
	"github.com/jcorbin/yalp/value"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func square(x int) int { return x * x }

func emphasis(s string) string { return "** " + s + " **" }

func divide(a, b int) (int, error) {
	if b == 0 {
		return 0, errors.New("divide by zero")
	}
	return a / b, nil
}

func sum(xs ...int) int {
	total := 0
	for _, x := range xs {
		total += x
	}
	return total
}

func TestBindSquare(t *testing.T) {
	b := bind.New(gc.New())
	obj, err := b.Bind("square", square)
	require.NoError(t, err)
	nf := obj.NativeFunc()
	out, err := nf.Fn([]value.Value{value.Fixnum(12)})
	require.NoError(t, err)
	assert.True(t, out.Eq(value.Fixnum(144)))
}

func TestBindString(t *testing.T) {
	heap := gc.New()
	b := bind.New(heap)
	obj, err := b.Bind("emphasis", emphasis)
	require.NoError(t, err)
	arg := value.NewString([]byte("hi"))
	heap.Track(arg)
	out, err := obj.NativeFunc().Fn([]value.Value{value.FromObject(arg)})
	require.NoError(t, err)
	require.True(t, out.IsObject())
	assert.Equal(t, "** hi **", string(out.Object().String().Bytes))
}

func TestBindErrorResult(t *testing.T) {
	b := bind.New(gc.New())
	obj, err := b.Bind("divide", divide)
	require.NoError(t, err)
	nf := obj.NativeFunc()

	out, err := nf.Fn([]value.Value{value.Fixnum(10), value.Fixnum(2)})
	require.NoError(t, err)
	assert.True(t, out.Eq(value.Fixnum(5)))

	_, err = nf.Fn([]value.Value{value.Fixnum(10), value.Fixnum(0)})
	require.Error(t, err)
}

func TestBindVariadic(t *testing.T) {
	b := bind.New(gc.New())
	obj, err := b.Bind("sum", sum)
	require.NoError(t, err)
	nf := obj.NativeFunc()
	assert.Equal(t, 0, nf.MinArity)
	assert.Equal(t, -1, nf.MaxArity)

	out, err := nf.Fn([]value.Value{value.Fixnum(1), value.Fixnum(2), value.Fixnum(3)})
	require.NoError(t, err)
	assert.True(t, out.Eq(value.Fixnum(6)))
}

func TestBindNonFuncIsError(t *testing.T) {
	b := bind.New(gc.New())
	_, err := b.Bind("notAFunc", 42)
	require.Error(t, err)
	var berr bind.Error
	require.ErrorAs(t, err, &berr)
}

func TestBindWrongArgTypeIsRuntimeError(t *testing.T) {
	b := bind.New(gc.New())
	obj, err := b.Bind("square", square)
	require.NoError(t, err)
	_, err = obj.NativeFunc().Fn([]value.Value{value.True})
	require.Error(t, err)
}
