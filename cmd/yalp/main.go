// Command yalp is the command-line launcher for the embeddable
// interpreter: option parsing, file I/O, tty detection and REPL prompt
// printing, none of which the core packages concern themselves with.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/term"

	"github.com/jcorbin/yalp"
	"github.com/jcorbin/yalp/dump"
	"github.com/jcorbin/yalp/internal/logio"
	"github.com/jcorbin/yalp/prelude"
	"github.com/jcorbin/yalp/read"
	"github.com/jcorbin/yalp/value"
)

func main() {
	log := logio.Logger{}
	log.SetOutput(os.Stderr)
	defer os.Exit(log.ExitCode())

	var (
		dumpOnExit   = flag.Bool("d", false, "report debug info on exit")
		bytecodeMode = flag.Bool("b", false, "treat input as serialized bytecode rather than source")
		printCompile = flag.Bool("c", false, "print compiled form")
		compileOnly  = flag.Bool("C", false, "compile without running")
		loadSource   = flag.String("l", "", "load source library FILE before main input")
		loadBytecode = flag.String("L", "", "load bytecode library FILE before main input")
		memLimit     = flag.Uint("mem-limit", 0, "highest global table address (symbol id) a store or load may use (0 means unlimited)")
		trace        = flag.Bool("trace", false, "log GC cycles and panic recovery at TRACE level")
	)
	flag.Parse()

	opts := []yalp.Option{yalp.WithOutput(os.Stdout)}
	if *memLimit > 0 {
		opts = append(opts, yalp.WithMemLimit(*memLimit))
	}
	if *trace {
		opts = append(opts, yalp.WithLogf(log.Leveledf("TRACE")))
	}
	s := yalp.New(opts...)
	defer s.Close()

	if err := prelude.Install(s); err != nil {
		log.Errorf("boot image failed to load: %+v", errors.Wrap(err, "prelude.Install"))
		return
	}

	r := &runner{s: s, compileOnly: *compileOnly, printCompile: *printCompile}

	if *loadSource != "" {
		if err := r.runFile(*loadSource, false); err != nil {
			log.Errorf("%+v", errors.Wrapf(err, "loading source library %v", *loadSource))
			return
		}
	}
	if *loadBytecode != "" {
		if err := r.runFile(*loadBytecode, true); err != nil {
			log.Errorf("%+v", errors.Wrapf(err, "loading bytecode library %v", *loadBytecode))
			return
		}
	}

	args := flag.Args()
	if len(args) == 0 {
		if err := runStdin(s, r, *bytecodeMode); err != nil {
			log.Errorf("%+v", err)
		}
	} else {
		for _, name := range args {
			if err := r.runFile(name, *bytecodeMode); err != nil {
				log.Errorf("%+v", errors.Wrapf(err, "running %v", name))
				break
			}
		}
	}

	if *dumpOnExit {
		d := dump.Dumper{Syms: s.Syms, Heap: s.Heap, VM: s.VM, Globals: s.Globals, Out: os.Stderr}
		d.Dump()
	}
}

// runner threads the -c/-C flags through every top-level form it compiles,
// the same handful of forms whether they come from a file, a library, or
// piped stdin input.
type runner struct {
	s            *yalp.State
	compileOnly  bool
	printCompile bool
}

// runFile loads name (source or, if bytecode is true, a stream whose
// top-level forms are themselves bytecode values) and runs every form in
// sequence.
func (r *runner) runFile(name string, bytecode bool) error {
	f, err := os.Open(name)
	if err != nil {
		return errors.Wrap(err, "opening "+name)
	}
	defer f.Close()
	return r.run(name, f, bytecode)
}

func (r *runner) run(name string, src io.Reader, bytecode bool) error {
	if bytecode {
		return r.runBytecodeStream(name, src)
	}
	return r.runSourceStream(name, src)
}

// runSourceStream reads and compiles each top-level form itself (rather
// than delegating to State.RunSource) so -c/-C can intercede between
// compiling and running a form.
func (r *runner) runSourceStream(name string, src io.Reader) error {
	rd := read.New(src, name, r.s.Syms, r.s.Heap)
	for {
		expr, err := rd.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return errors.Wrap(err, "read")
		}
		thunk, err := r.s.Compiler.Compile(expr)
		if err != nil {
			return errors.Wrap(err, "compile")
		}
		if r.printCompile {
			fmt.Fprintln(os.Stdout, value.Write(thunk))
		}
		if r.compileOnly {
			continue
		}
		if _, err := r.s.VM.Run(thunk); err != nil {
			return errors.Wrap(err, "run")
		}
	}
}

// runBytecodeStream reads each top-level form as an already-compiled
// thunk value and runs it directly, skipping the compiler entirely. The
// boot image format (spec.md §6) is exactly this: a sequence of bytecode
// values in the reader's ordinary text grammar.
func (r *runner) runBytecodeStream(name string, src io.Reader) error {
	rd := read.New(src, name, r.s.Syms, r.s.Heap)
	for {
		thunk, err := rd.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return errors.Wrap(err, "read")
		}
		if r.compileOnly {
			continue
		}
		if _, err := r.s.VM.Run(thunk); err != nil {
			return errors.Wrap(err, "run")
		}
	}
}

// runStdin runs stdin as a single batch when it is not a terminal (e.g.
// piped input or redirected from a file), and as a line-at-a-time REPL
// when it is, printing "> " before each read and treating ":q" as a quit
// command (spec §6).
func runStdin(s *yalp.State, r *runner, bytecode bool) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return r.run("<stdin>", os.Stdin, bytecode)
	}
	return repl(s)
}

func repl(s *yalp.State) error {
	sc := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stdout, "> ")
		if !sc.Scan() {
			return sc.Err()
		}
		line := sc.Text()
		if strings.TrimSpace(line) == ":q" {
			return nil
		}
		v, err := s.RunSource("<stdin>", strings.NewReader(line))
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			s.ResetError()
			continue
		}
		if err := s.Flush(); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
		fmt.Fprintln(os.Stdout, value.Write(v))
	}
}
