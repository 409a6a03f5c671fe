// Package bind lets host code register an ordinary Go function as a
// callable value, converting arguments and results across the tagged
// value.Value boundary with reflection — so a host never hand-writes a
// NativeFunc wrapper for a simple function like `func(int) int`.
package bind

import (
	"fmt"
	"reflect"

	"github.com/jcorbin/yalp/gc"
	"github.com/jcorbin/yalp/value"
)

// Binder accumulates Go function bindings against a shared heap, the way
// the embedding API's Binder ties every bound NativeFunc's allocations
// (its closure-captured reflect.Value, any string/vector results) to one
// interpreter's heap.
type Binder struct {
	Heap *gc.Heap
}

// New creates a Binder over heap.
func New(heap *gc.Heap) *Binder {
	return &Binder{Heap: heap}
}

// Error reports a function signature Bind cannot wrap, or an argument/
// result conversion that failed at call time.
type Error struct {
	Name    string
	Message string
}

func (e Error) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return fmt.Sprintf("bind %q: %s", e.Name, e.Message)
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// Bind reflects over fn (which must be a func value) and returns a
// NativeFunc object that converts arguments from value.Value to fn's
// parameter types, calls fn, and converts its result(s) back. fn may
// return a single value, a single error, or (value, error); a non-nil
// error result becomes the NativeFunc's returned error rather than a
// value.Value. A final variadic parameter is supported the same way Go's
// own variadic call convention works.
func (b *Binder) Bind(name string, fn interface{}) (*value.Object, error) {
	rv := reflect.ValueOf(fn)
	rt := rv.Type()
	if rt.Kind() != reflect.Func {
		return nil, Error{Name: name, Message: "not a function"}
	}

	nIn := rt.NumIn()
	variadic := rt.IsVariadic()
	minArity := nIn
	maxArity := nIn
	if variadic {
		minArity = nIn - 1
		maxArity = -1
	}

	outKind, err := classifyResults(rt)
	if err != nil {
		return nil, Error{Name: name, Message: err.Error()}
	}

	native := func(args []value.Value) (value.Value, error) {
		in, err := convertArgs(name, rt, args, variadic)
		if err != nil {
			return value.Nil, err
		}
		out := rv.Call(in)
		return outKind.result(b.Heap, out)
	}

	obj := value.NewNativeFunc(name, native, minArity, maxArity)
	b.Heap.Track(obj)
	return obj, nil
}

// resultShape says how to turn a reflect.Value.Call result slice back into
// (value.Value, error).
type resultShape struct {
	valueIdx int // index of the non-error result, or -1 if none
	errIdx   int // index of the error result, or -1 if none
}

func classifyResults(rt reflect.Type) (resultShape, error) {
	n := rt.NumOut()
	shape := resultShape{valueIdx: -1, errIdx: -1}
	switch n {
	case 0:
		return shape, nil
	case 1:
		if rt.Out(0) == errorType {
			shape.errIdx = 0
		} else {
			shape.valueIdx = 0
		}
		return shape, nil
	case 2:
		if rt.Out(1) != errorType {
			return shape, fmt.Errorf("second return value must be error, got %s", rt.Out(1))
		}
		shape.valueIdx = 0
		shape.errIdx = 1
		return shape, nil
	default:
		return shape, fmt.Errorf("at most two return values (value, error) are supported, got %d", n)
	}
}

func (s resultShape) result(heap *gc.Heap, out []reflect.Value) (value.Value, error) {
	if s.errIdx >= 0 {
		if errv := out[s.errIdx].Interface(); errv != nil {
			return value.Nil, errv.(error)
		}
	}
	if s.valueIdx < 0 {
		return value.Nil, nil
	}
	return fromGo(heap, out[s.valueIdx])
}

func convertArgs(name string, rt reflect.Type, args []value.Value, variadic bool) ([]reflect.Value, error) {
	nIn := rt.NumIn()
	fixed := nIn
	if variadic {
		fixed = nIn - 1
	}
	if len(args) < fixed || (!variadic && len(args) != fixed) {
		return nil, Error{Name: name, Message: "argument count mismatch"}
	}

	in := make([]reflect.Value, 0, len(args))
	for i := 0; i < fixed; i++ {
		rv, err := toGo(args[i], rt.In(i))
		if err != nil {
			return nil, Error{Name: name, Message: fmt.Sprintf("argument %d: %s", i, err)}
		}
		in = append(in, rv)
	}
	if variadic {
		elemType := rt.In(nIn - 1).Elem()
		for i := fixed; i < len(args); i++ {
			rv, err := toGo(args[i], elemType)
			if err != nil {
				return nil, Error{Name: name, Message: fmt.Sprintf("argument %d: %s", i, err)}
			}
			in = append(in, rv)
		}
	}
	return in, nil
}

// toGo converts a value.Value into the Go value a bound function's
// parameter type expects.
func toGo(v value.Value, t reflect.Type) (reflect.Value, error) {
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if !v.IsFixnum() {
			return reflect.Value{}, fmt.Errorf("want integer, got %s", kindName(v))
		}
		n := reflect.New(t).Elem()
		n.SetInt(v.Fixnum())
		return n, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if !v.IsFixnum() || v.Fixnum() < 0 {
			return reflect.Value{}, fmt.Errorf("want non-negative integer, got %s", kindName(v))
		}
		n := reflect.New(t).Elem()
		n.SetUint(uint64(v.Fixnum()))
		return n, nil
	case reflect.Float32, reflect.Float64:
		if !(v.IsFixnum() || (v.IsObject() && v.Object().Tag == value.TagFlonum)) {
			return reflect.Value{}, fmt.Errorf("want number, got %s", kindName(v))
		}
		n := reflect.New(t).Elem()
		n.SetFloat(v.AsFloat())
		return n, nil
	case reflect.Bool:
		n := reflect.New(t).Elem()
		n.SetBool(v.Bool())
		return n, nil
	case reflect.String:
		if !(v.IsObject() && v.Object().Tag == value.TagString) {
			return reflect.Value{}, fmt.Errorf("want string, got %s", kindName(v))
		}
		n := reflect.New(t).Elem()
		n.SetString(string(v.Object().String().Bytes))
		return n, nil
	default:
		return reflect.Value{}, fmt.Errorf("unsupported parameter type %s", t)
	}
}

// fromGo converts a bound function's Go result back into a value.Value.
func fromGo(heap *gc.Heap, rv reflect.Value) (value.Value, error) {
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n := rv.Int()
		if !value.InFixnumRange(n) {
			return value.Nil, fmt.Errorf("result %d overflows fixnum range", n)
		}
		return value.Fixnum(n), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n := int64(rv.Uint())
		if !value.InFixnumRange(n) {
			return value.Nil, fmt.Errorf("result %d overflows fixnum range", n)
		}
		return value.Fixnum(n), nil
	case reflect.Float32, reflect.Float64:
		obj := value.NewFlonum(rv.Float())
		heap.Track(obj)
		return value.FromObject(obj), nil
	case reflect.Bool:
		return value.FromBool(rv.Bool()), nil
	case reflect.String:
		obj := value.NewString([]byte(rv.String()))
		heap.Track(obj)
		return value.FromObject(obj), nil
	default:
		return value.Nil, fmt.Errorf("unsupported result type %s", rv.Type())
	}
}

func kindName(v value.Value) string {
	if v.IsObject() {
		return v.Object().Tag.String()
	}
	return v.Kind().String()
}
