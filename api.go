// Package yalp is the host embedding API: a State ties together the
// symbol table, heap, globals, compiler and VM into one interpreter
// instance, and exposes the operations a host program uses to load code,
// call back into it, and bind its own functions as callable values.
package yalp

import (
	"errors"
	"fmt"
	"io"

	"github.com/jcorbin/yalp/bind"
	"github.com/jcorbin/yalp/compile"
	"github.com/jcorbin/yalp/gc"
	"github.com/jcorbin/yalp/internal/fileinput"
	"github.com/jcorbin/yalp/internal/flushio"
	"github.com/jcorbin/yalp/internal/mem"
	"github.com/jcorbin/yalp/internal/panicerr"
	"github.com/jcorbin/yalp/read"
	"github.com/jcorbin/yalp/symbol"
	"github.com/jcorbin/yalp/value"
	"github.com/jcorbin/yalp/vm"
)

// State is one interpreter instance: its own symbol table, heap, global
// environment, compiler and VM, plus the input/output a host wired up via
// options at New. Nothing here is safe for concurrent use by more than one
// goroutine at a time, the same way a single VM owns its own registers.
type State struct {
	Syms     *symbol.Manager
	Heap     *gc.Heap
	Globals  *mem.Values
	VM       *vm.VM
	Compiler *compile.Compiler
	Binder   *bind.Binder

	input   fileinput.Input
	out     flushio.WriteFlusher
	closers []io.Closer
	logfn   func(mess string, args ...interface{})

	// Err records the error (if any) from the most recently run operation,
	// letting a host check it without threading a fresh error return
	// through every intervening call. ResetError clears it.
	Err error
}

// New creates a State, applying opts over the default configuration: no
// input, output discarded, no memory limit.
func New(opts ...Option) *State {
	var cfg config
	defaultOptions.apply(&cfg)
	Options(opts...).apply(&cfg)

	syms := symbol.New(cfg.gensymPrefix)
	heap := gc.New()
	globals := &mem.Values{}
	globals.Limit = cfg.memLimit
	m := vm.New(globals, heap)
	m.Namer = func(id uint) string { return syms.Name(symbol.ID(id)) }

	s := &State{
		Syms:     syms,
		Heap:     heap,
		Globals:  globals,
		VM:       m,
		Compiler: compile.New(syms, heap, m),
		Binder:   bind.New(heap),
		out:      cfg.out,
		closers:  cfg.closers,
		logfn:    cfg.logfn,
	}
	s.input.Queue = cfg.queue
	return s
}

// Close flushes the State's output and runs every registered closer (in
// reverse registration order), the way defer unwinds.
func (s *State) Close() (err error) {
	if s.out != nil {
		if ferr := s.out.Flush(); err == nil {
			err = ferr
		}
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if cerr := s.closers[i].Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (s *State) logf(mark, mess string, args ...interface{}) {
	if s.logfn == nil {
		return
	}
	if len(args) > 0 {
		mess = fmt.Sprintf(mess, args...)
	}
	s.logfn("%v %v", mark, mess)
}

// ResetError clears Err, the way a host re-arms the prompt after reporting
// a prior error to its user.
func (s *State) ResetError() { s.Err = nil }

// roots enumerates every GC root State owns: the VM's own stacks and
// registers, plus the global environment table the VM only holds a
// reference into. The VM's own per-step ShouldCollect check is
// deliberately a no-op (see vm.Run); collection itself happens here,
// between top-level operations, where this full root set is available.
func (s *State) roots(mark func(value.Value)) {
	s.VM.Roots(mark)
	s.Globals.Each(func(_ uint, v value.Value) { mark(v) })
}

func (s *State) maybeCollect() {
	if s.Heap.ShouldCollect() {
		before := s.Heap.Count()
		s.Heap.Collect(s.roots)
		s.logf("#", "gc: %d -> %d objects", before, s.Heap.Count())
	}
}

// run isolates f's evaluation the way a single top-level form's panic
// should never unwind the host's own call stack: f runs in its own
// goroutine, and a panic or runtime.Goexit inside it comes back as a
// regular error. The result is recorded on Err either way.
func (s *State) run(name string, f func() (value.Value, error)) (value.Value, error) {
	var result value.Value
	err := panicerr.Recover(name, func() error {
		var ferr error
		result, ferr = f()
		return ferr
	})
	if err != nil {
		s.Err = err
		s.logf("#", "%v error: %v", name, err)
		return value.Nil, err
	}
	s.Err = nil
	return result, nil
}

// RunSource reads and evaluates every top-level form from src in sequence,
// returning the value of the last one. name is used only for reader error
// positions (e.g. "<stdin>").
func (s *State) RunSource(name string, src io.Reader) (value.Value, error) {
	return s.run(name, func() (value.Value, error) {
		r := read.New(src, name, s.Syms, s.Heap)
		var result value.Value
		for {
			expr, err := r.Read()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return result, nil
				}
				return value.Nil, err
			}
			s.maybeCollect()
			thunk, err := s.Compiler.Compile(expr)
			if err != nil {
				return value.Nil, err
			}
			result, err = s.VM.Run(thunk)
			if err != nil {
				return value.Nil, err
			}
		}
	})
}

// RunBytecode runs an already-compiled thunk (e.g. one built by
// Compiler.Compile ahead of time, or read back from a cached image),
// skipping the reader and compiler entirely.
func (s *State) RunBytecode(thunk value.Value) (value.Value, error) {
	return s.run("<bytecode>", func() (value.Value, error) {
		s.maybeCollect()
		return s.VM.Run(thunk)
	})
}

// LoadBootImage evaluates every form in src as setup code and discards the
// final result; used to install the prelude's macros and procedures into a
// fresh State before any user source runs.
func (s *State) LoadBootImage(src io.Reader) error {
	_, err := s.RunSource("<boot>", src)
	return err
}

// Funcall invokes callable (a Closure, NativeFunc or Continuation) with
// args and runs it to completion, the way a host calls back into
// interpreter code from its own native functions or event loop.
func (s *State) Funcall(callable value.Value, args ...value.Value) (value.Value, error) {
	return s.run("funcall", func() (value.Value, error) {
		s.maybeCollect()
		return s.VM.Funcall(callable, args)
	})
}

// Intern returns the symbol id for name, interning it if this is the first
// time it has been seen.
func (s *State) Intern(name string) symbol.ID { return s.Syms.Intern(name) }

// ReferGlobal looks up name's current global binding, reporting false if
// name was never interned or its global slot is unbound.
func (s *State) ReferGlobal(name string) (value.Value, bool) {
	id, ok := s.Syms.Lookup(name)
	if !ok {
		return value.Nil, false
	}
	v, err := s.Globals.Load(uint(id))
	if err != nil || v.IsUnbound() {
		return value.Nil, false
	}
	return v, true
}

// DefineGlobal interns name and binds it to v in the global environment,
// overwriting any prior binding.
func (s *State) DefineGlobal(name string, v value.Value) {
	id := s.Syms.Intern(name)
	s.Globals.Stor(uint(id), v)
}

// DefineNative binds fn (an ordinary Go function) as a global procedure
// named name, via Binder.Bind.
func (s *State) DefineNative(name string, fn interface{}) error {
	obj, err := s.Binder.Bind(name, fn)
	if err != nil {
		return err
	}
	s.DefineGlobal(name, value.FromObject(obj))
	return nil
}

// DefineRawNative binds fn directly as a global procedure named name, with
// the given arity bounds (maxArity < 0 means unbounded), bypassing the
// reflection-based Binder entirely. It exists for primitives that operate
// on value.Value generically (cons, car, append, ...), which Binder's Go-
// typed reflection cannot express.
func (s *State) DefineRawNative(name string, minArity, maxArity int, fn value.Native) {
	obj := value.NewNativeFunc(name, fn, minArity, maxArity)
	s.Heap.Track(obj)
	s.DefineGlobal(name, value.FromObject(obj))
}

// GetArg validates that args has an argument at i, for hand-written
// Native functions that skip the reflection-based Binder and want direct
// argument access with a friendly out-of-range diagnostic.
func GetArg(args []value.Value, i int) (value.Value, error) {
	if i < 0 || i >= len(args) {
		return value.Nil, fmt.Errorf("missing argument %d (have %d)", i, len(args))
	}
	return args[i], nil
}

// Cons allocates a heap pair and tracks it on the State's heap.
func (s *State) Cons(car, cdr value.Value) value.Value {
	obj := value.NewCell(car, cdr)
	s.Heap.Track(obj)
	return value.FromObject(obj)
}

// NewString allocates a heap string and tracks it on the State's heap.
func (s *State) NewString(b []byte) value.Value {
	obj := value.NewString(b)
	s.Heap.Track(obj)
	return value.FromObject(obj)
}

// NewFlonum allocates a heap flonum and tracks it on the State's heap.
func (s *State) NewFlonum(f float64) value.Value {
	obj := value.NewFlonum(f)
	s.Heap.Track(obj)
	return value.FromObject(obj)
}

// NewVector allocates a heap vector and tracks it on the State's heap.
func (s *State) NewVector(slots []value.Value) value.Value {
	obj := value.NewVector(slots)
	s.Heap.Track(obj)
	return value.FromObject(obj)
}

// WriteString writes str to the State's configured output.
func (s *State) WriteString(str string) error {
	if s.out == nil {
		return nil
	}
	_, err := io.WriteString(s.out, str)
	return err
}

// Flush flushes the State's configured output.
func (s *State) Flush() error {
	if s.out == nil {
		return nil
	}
	return s.out.Flush()
}

// ReadRune reads the next rune from the State's configured input queue.
func (s *State) ReadRune() (rune, error) {
	r, _, err := s.input.ReadRune()
	return r, err
}
