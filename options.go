package yalp

import (
	"fmt"
	"io"
	"io/ioutil"

	"github.com/jcorbin/yalp/internal/flushio"
)

// config accumulates Option settings before New constructs the pieces that
// need them at construction time (the symbol table's gensym prefix, the
// globals table's memory limit); everything else is just copied onto the
// built State.
type config struct {
	gensymPrefix string
	memLimit     uint
	logfn        func(mess string, args ...interface{})
	queue        []io.Reader
	out          flushio.WriteFlusher
	closers      []io.Closer
}

// Option configures a State at New.
type Option interface{ apply(cfg *config) }

var defaultOptions = Options(
	withOutput(ioutil.Discard),
)

// Options flattens a variadic option list into a single Option, the same
// way multiple functional options are commonly combined so a caller can
// build up a reusable option set before passing it to New.
func Options(opts ...Option) Option {
	var res options
	for _, opt := range opts {
		switch impl := opt.(type) {
		case nil, noption:
		case options:
			res = append(res, impl...)
		default:
			res = append(res, opt)
		}
	}
	switch len(res) {
	case 0:
		return noption{}
	case 1:
		return res[0]
	default:
		return res
	}
}

type noption struct{}

func (noption) apply(*config) {}

type options []Option

func (opts options) apply(cfg *config) {
	for _, opt := range opts {
		if opt != nil {
			opt.apply(cfg)
		}
	}
}

// WithInput queues r as a source of input, consumed after any sources
// queued by earlier options are exhausted.
func WithInput(r io.Reader) Option { return inputOption{r} }

// WithInputWriter adapts an io.WriterTo into a queued input source by
// running it against a pipe in its own goroutine, letting a host hand the
// interpreter generated source (e.g. a prelude) without materializing it
// as a byte slice first.
func WithInputWriter(w io.WriterTo) Option { return withInputWriter(w) }

// WithOutput sets the interpreter's output, replacing any previously
// configured output. It is wrapped in a flushio.WriteFlusher, so an
// in-memory buffer is used unbuffered while any other io.Writer is
// buffered and must be flushed (State.Flush, or Close) to be observed.
func WithOutput(w io.Writer) Option { return outputOption{w} }

// WithTee adds w as an additional output destination alongside whatever
// output is already configured, the way a REPL's transcript log runs
// alongside its terminal output.
func WithTee(w io.Writer) Option { return teeOption{w} }

// WithMemLimit caps the global environment table's address space; zero
// (the default) means unlimited.
func WithMemLimit(limit uint) Option { return memLimitOption(limit) }

// WithLogf installs a printf-style sink for the State's own diagnostic
// logging (GC cycles, panic recovery); nil (the default) disables it.
func WithLogf(logfn func(mess string, args ...interface{})) Option { return logfOption(logfn) }

// WithGensymPrefix overrides the prefix symbol.Manager.Gensym prepends to
// its counter; the empty string (the default) falls back to
// symbol.DefaultGensymPrefix.
func WithGensymPrefix(prefix string) Option { return gensymPrefixOption(prefix) }

type inputOption struct{ io.Reader }
type outputOption struct{ io.Writer }
type teeOption struct{ io.Writer }
type memLimitOption uint
type logfOption func(mess string, args ...interface{})
type gensymPrefixOption string

func withOutput(w io.Writer) outputOption { return outputOption{w} }

func withInputWriter(wto io.WriterTo) pipeInput {
	r, w := io.Pipe()
	go func() {
		defer w.Close()
		wto.WriteTo(w) //nolint:errcheck // surfaced to the reader as a read error instead
	}()
	return pipeInput{r, nameOf(wto)}
}

func nameOf(obj interface{}) string {
	if nom, ok := obj.(interface{ Name() string }); ok {
		return nom.Name()
	}
	return fmt.Sprintf("<unnamed %T>", obj)
}

func (i inputOption) apply(cfg *config) {
	cfg.queue = append(cfg.queue, i.Reader)
}

func (o outputOption) apply(cfg *config) {
	if cfg.out != nil {
		cfg.out.Flush() //nolint:errcheck // best effort; New has no error return to surface it
	}
	cfg.out = flushio.NewWriteFlusher(o.Writer)
	if cl, ok := o.Writer.(io.Closer); ok {
		cfg.closers = append(cfg.closers, cl)
	}
}

func (o teeOption) apply(cfg *config) {
	cfg.out = flushio.WriteFlushers(cfg.out, flushio.NewWriteFlusher(o.Writer))
	if cl, ok := o.Writer.(io.Closer); ok {
		cfg.closers = append(cfg.closers, cl)
	}
}

func (lim memLimitOption) apply(cfg *config) { cfg.memLimit = uint(lim) }

func (logfn logfOption) apply(cfg *config) { cfg.logfn = logfn }

func (prefix gensymPrefixOption) apply(cfg *config) { cfg.gensymPrefix = string(prefix) }

type pipeInput struct {
	*io.PipeReader
	name string
}

func (pi pipeInput) Name() string { return pi.name }

func (pi pipeInput) apply(cfg *config) {
	cfg.queue = append(cfg.queue, pi)
	cfg.closers = append(cfg.closers, pi)
}
