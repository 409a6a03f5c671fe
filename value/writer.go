package value

import (
	"fmt"
	"strconv"
	"strings"
)

// Write renders v in the reader's own grammar, so that for any non-cyclic
// value produced by the reader, Write followed by a re-read is equal? to
// the original. Cyclic structure is
// rendered using #n=/#n# labels discovered by a pre-pass.
func Write(v Value) string {
	var sb strings.Builder
	labels := findSharedCells(v)
	w := writer{labels: labels, seen: map[*Object]bool{}}
	w.write(&sb, v)
	return sb.String()
}

type writer struct {
	labels map[*Object]int
	seen   map[*Object]bool
	next   int
}

func (w *writer) write(sb *strings.Builder, v Value) {
	if v.IsObject() {
		o := v.Object()
		if id, labeled := w.labels[o]; labeled {
			if w.seen[o] {
				fmt.Fprintf(sb, "#%d#", id)
				return
			}
			w.seen[o] = true
			fmt.Fprintf(sb, "#%d=", id)
		}
	}
	switch v.Kind() {
	case KindNil:
		sb.WriteString("()")
	case KindTrue:
		sb.WriteString("#t")
	case KindFalse:
		sb.WriteString("#f")
	case KindUnbound:
		sb.WriteString("#unbound")
	case KindEof:
		sb.WriteString("#eof")
	case KindFixnum:
		sb.WriteString(strconv.FormatInt(v.Fixnum(), 10))
	case KindSymbol:
		fmt.Fprintf(sb, "#[sym %d]", v.SymbolID())
	case KindObject:
		w.writeObject(sb, v.Object())
	}
}

func (w *writer) writeObject(sb *strings.Builder, o *Object) {
	switch o.Tag {
	case TagCell:
		w.writeList(sb, o)
	case TagString:
		writeQuotedString(sb, o.String().Bytes)
	case TagFlonum:
		writeFloat(sb, o.Flonum().F)
	case TagVector:
		sb.WriteString("#(")
		for i, s := range o.Vector().Slots {
			if i > 0 {
				sb.WriteByte(' ')
			}
			w.write(sb, s)
		}
		sb.WriteByte(')')
	case TagHashTable:
		sb.WriteString("#[hash-table]")
	case TagClosure:
		sb.WriteString("#[closure]")
	case TagMacro:
		sb.WriteString("#[macro]")
	case TagNativeFunc:
		fmt.Fprintf(sb, "#[native %s]", o.NativeFunc().Name)
	case TagContinuation:
		sb.WriteString("#[continuation]")
	case TagStream:
		fmt.Fprintf(sb, "#[stream %s]", o.Stream().Name)
	}
}

func (w *writer) writeList(sb *strings.Builder, o *Object) {
	sb.WriteByte('(')
	first := true
	for {
		cell := o.Cell()
		if !first {
			sb.WriteByte(' ')
		}
		first = false
		w.write(sb, cell.Car)
		if cell.Cdr.IsNil() {
			break
		}
		if cell.Cdr.IsObject() && cell.Cdr.Object().Tag == TagCell {
			if _, labeled := w.labels[cell.Cdr.Object()]; !labeled {
				o = cell.Cdr.Object()
				continue
			}
			// A labeled cdr cell must be written through w.write, the same
			// as any other labeled value, so the first encounter (from
			// whichever direction reaches it first) emits the "#n=" prefix
			// and marks it seen; only then is "#n#" ever emitted for later
			// encounters. Flattening it into this list's own chain would
			// either skip the label entirely or attach it to the wrong
			// encounter.
		}
		sb.WriteString(" . ")
		w.write(sb, cell.Cdr)
		break
	}
	sb.WriteByte(')')
}

func writeQuotedString(sb *strings.Builder, b []byte) {
	sb.WriteByte('"')
	for _, c := range b {
		switch c {
		case '"':
			sb.WriteString(`\"`)
		case '\\':
			sb.WriteString(`\\`)
		case '\n':
			sb.WriteString(`\n`)
		case '\t':
			sb.WriteString(`\t`)
		case '\r':
			sb.WriteString(`\r`)
		case 0:
			sb.WriteString(`\0`)
		default:
			sb.WriteByte(c)
		}
	}
	sb.WriteByte('"')
}

func writeFloat(sb *strings.Builder, f float64) {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += "."
	}
	sb.WriteString(s)
}

// findSharedCells walks v and records every Cell object reachable more than
// once, assigning each a stable #n= label id in first-visit order. This
// mirrors the reader's own labeling (a label is only ever needed for a
// structure that is actually shared or cyclic).
func findSharedCells(v Value) map[*Object]int {
	visits := map[*Object]int{}
	var walk func(Value, map[*Object]bool)
	walk = func(v Value, onPath map[*Object]bool) {
		if !v.IsObject() {
			return
		}
		o := v.Object()
		visits[o]++
		if onPath[o] {
			return // already walking this object on the current path: cyclic, stop
		}
		if visits[o] > 1 {
			return // already fully walked elsewhere: shared, don't re-descend
		}
		onPath[o] = true
		switch o.Tag {
		case TagCell:
			c := o.Cell()
			walk(c.Car, onPath)
			walk(c.Cdr, onPath)
		case TagVector:
			for _, s := range o.Vector().Slots {
				walk(s, onPath)
			}
		}
		delete(onPath, o)
	}
	walk(v, map[*Object]bool{})

	labels := map[*Object]int{}
	id := 0
	var assign func(Value, map[*Object]bool)
	assigned := map[*Object]bool{}
	assign = func(v Value, onPath map[*Object]bool) {
		if !v.IsObject() {
			return
		}
		o := v.Object()
		if visits[o] > 1 || onPath[o] {
			if !assigned[o] {
				labels[o] = id
				id++
				assigned[o] = true
			}
		}
		if onPath[o] {
			return
		}
		onPath[o] = true
		switch o.Tag {
		case TagCell:
			c := o.Cell()
			assign(c.Car, onPath)
			assign(c.Cdr, onPath)
		case TagVector:
			for _, s := range o.Vector().Slots {
				assign(s, onPath)
			}
		}
		delete(onPath, o)
	}
	assign(v, map[*Object]bool{})
	return labels
}
