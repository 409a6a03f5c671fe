// Package gc implements a non-moving mark-sweep collector over the heap
// objects defined by package value: a single heap abstraction with an
// intrusive allocation list threading every live object together, and a
// per-tag switch describing which slots on each object are pointer-bearing
// for the collector. Roots are supplied by the caller at each collection
// via a Roots callback rather than a registration API, since every root
// (globals, VM stacks and registers) is already owned by a single
// interpreter instance and trivially enumerable at a safepoint.
package gc

import "github.com/jcorbin/yalp/value"

// Heap owns every value.Object allocated through it, threading each onto an
// intrusive allocation list (a next-object link in the GC header) so Sweep
// can walk and free unmarked objects without a separate object table.
type Heap struct {
	head  *value.Object
	count int

	limit     int // object count high-water mark triggering GC; 0 = caller decides
	liveAfter int // live object count measured after the last GC

	Stats Stats
}

// Stats accumulates lifetime collector counters, useful for -d debug output
// and tests.
type Stats struct {
	Collections int
	Freed       int
	Allocated   int
}

// GrowthFactor is the minimum k in the collector's trigger policy:
// allocation should not be allowed to exceed a high-water mark set to
// k * live_after_last_gc, with k >= 1.5.
const GrowthFactor = 1.5

// New creates an empty Heap.
func New() *Heap { return &Heap{} }

// Track adds obj to the allocation list. Every constructor in package
// value returns an object that must be published here before control
// returns to code that might trigger another allocation.
func (h *Heap) Track(obj *value.Object) {
	obj.SetNext(h.head)
	h.head = obj
	h.count++
	h.Stats.Allocated++
}

// Count returns the number of objects currently on the allocation list
// (i.e. allocated since the heap was created, minus anything swept).
func (h *Heap) Count() int { return h.count }

// ShouldCollect reports whether the next allocation should be preceded by
// a collection: once allocation would exceed a high-water mark of
// GrowthFactor * live_after_last_gc. A Heap with no prior collection never
// triggers, since there is no live-after-last-gc baseline yet.
func (h *Heap) ShouldCollect() bool {
	if h.liveAfter == 0 {
		return false
	}
	return float64(h.count) > float64(h.liveAfter)*GrowthFactor
}

// Roots is supplied by the interpreter at each Collect call, enumerating
// every GC root value. The interpreter's State supplies the globals table,
// the operand stack up to SP, the frame stack's closures, the accumulator
// and the current closure; objects held only by a reader in progress or by
// host Go code are not roots and are swept if nothing else reaches them.
type Roots func(mark func(value.Value))

// Collect runs one mark-sweep cycle: clear mark bits, mark from roots and
// transitively through every pointer-bearing slot, then sweep unmarked
// objects off the allocation list.
func (h *Heap) Collect(roots Roots) {
	h.clearMarks()

	var mark func(value.Value)
	mark = func(v value.Value) {
		if !v.IsObject() {
			return
		}
		markObject(v.Object(), mark)
	}
	roots(mark)

	freed := h.sweep()
	h.Stats.Collections++
	h.Stats.Freed += freed
	h.liveAfter = h.count
}

func (h *Heap) clearMarks() {
	for o := h.head; o != nil; o = o.Next() {
		o.SetMarked(false)
	}
}

// markObject marks obj and recurses into every pointer-bearing slot
// enumerated for each heap object tag.
func markObject(obj *value.Object, mark func(value.Value)) {
	if obj == nil || obj.Marked() {
		return
	}
	obj.SetMarked(true)

	switch obj.Tag {
	case value.TagCell:
		c := obj.Cell()
		mark(c.Car)
		mark(c.Cdr)
	case value.TagVector:
		for _, s := range obj.Vector().Slots {
			mark(s)
		}
	case value.TagHashTable:
		obj.HashTable().Each(func(k, v value.Value) {
			mark(k)
			mark(v)
		})
	case value.TagClosure, value.TagMacro:
		cl := obj.Closure()
		for _, f := range cl.Free {
			mark(f)
		}
		for _, instr := range cl.Code {
			mark(instr.V)
		}
	case value.TagContinuation:
		k := obj.Continuation()
		for _, v := range k.Stack {
			mark(v)
		}
		for _, fr := range k.Frames {
			mark(fr.C)
		}
	case value.TagString, value.TagFlonum, value.TagNativeFunc, value.TagStream:
		// no pointer-bearing slots
	}
}

func (h *Heap) sweep() (freed int) {
	var kept, tail *value.Object
	for o := h.head; o != nil; {
		next := o.Next()
		if o.Marked() {
			o.SetNext(nil)
			if tail == nil {
				kept, tail = o, o
			} else {
				tail.SetNext(o)
				tail = o
			}
		} else {
			freed++
		}
		o = next
	}
	h.head = kept
	h.count -= freed
	return freed
}
