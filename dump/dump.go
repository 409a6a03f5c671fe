// Package dump implements a debug snapshot printer for an interpreter's
// register, stack and global-environment state, driven by cmd/yalp's -d
// flag.
package dump

import (
	"fmt"
	"io"
	"sort"

	"github.com/jcorbin/yalp/gc"
	"github.com/jcorbin/yalp/internal/mem"
	"github.com/jcorbin/yalp/symbol"
	"github.com/jcorbin/yalp/value"
	"github.com/jcorbin/yalp/vm"
)

// Dumper prints a snapshot to Out: the VM's registers and stacks, the
// bound globals (sorted by name), and heap collector stats.
type Dumper struct {
	Syms    *symbol.Manager
	Heap    *gc.Heap
	VM      *vm.VM
	Globals *mem.Values
	Out     io.Writer
}

// Dump writes the full snapshot.
func (d *Dumper) Dump() {
	fmt.Fprintln(d.Out, "# VM")
	fmt.Fprintf(d.Out, "  A:  %v\n", value.Write(d.VM.A))
	fmt.Fprintf(d.Out, "  PC: %v\n", d.VM.PC)
	fmt.Fprintf(d.Out, "  C:  %v\n", value.Write(d.VM.C))
	fmt.Fprintf(d.Out, "  FP: %v\n", d.VM.FP)
	fmt.Fprintf(d.Out, "  SP: %v\n", d.VM.SP())

	d.dumpStack()
	d.dumpFrames()
	d.dumpGlobals()
	d.dumpHeap()
}

func (d *Dumper) dumpStack() {
	fmt.Fprintln(d.Out, "# Stack")
	for i, v := range d.VM.Stack() {
		fmt.Fprintf(d.Out, "  [%v] %v\n", i, value.Write(v))
	}
}

func (d *Dumper) dumpFrames() {
	fmt.Fprintln(d.Out, "# Frames")
	for i, fr := range d.VM.Frames() {
		fmt.Fprintf(d.Out, "  [%v] retPC:%v retFP:%v C:%v\n", i, fr.RetPC, fr.RetFP, value.Write(fr.C))
	}
}

type binding struct {
	name string
	v    value.Value
}

func (d *Dumper) dumpGlobals() {
	fmt.Fprintln(d.Out, "# Globals")
	var bindings []binding
	d.Globals.Each(func(addr uint, v value.Value) {
		bindings = append(bindings, binding{d.Syms.Name(symbol.ID(addr)), v})
	})
	sort.Slice(bindings, func(i, j int) bool { return bindings[i].name < bindings[j].name })
	for _, b := range bindings {
		fmt.Fprintf(d.Out, "  %v = %v\n", b.name, value.Write(b.v))
	}
}

func (d *Dumper) dumpHeap() {
	fmt.Fprintln(d.Out, "# Heap")
	fmt.Fprintf(d.Out, "  live:%v collections:%v freed:%v allocated:%v\n",
		d.Heap.Count(), d.Heap.Stats.Collections, d.Heap.Stats.Freed, d.Heap.Stats.Allocated)
}
