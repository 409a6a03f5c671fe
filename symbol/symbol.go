// Package symbol implements the interpreter's symbol table: strings
// interned into a growable array, indexed by a small integer id, plus
// gensym for minting fresh, never-reinterned names.
package symbol

import "fmt"

// ID identifies an interned symbol. The zero ID is never assigned by
// Manager.Intern, so it is safe to use as a "no such symbol" sentinel.
type ID uint

// DefaultGensymPrefix is prepended to the counter in names minted by Gensym
// when New is given an empty prefix.
const DefaultGensymPrefix = "#G:"

// Manager is the intern table: name ↔ small integer id. Interning is
// idempotent; gensym allocates a fresh id whose printable name is never
// re-interned.
type Manager struct {
	names   []string
	byName  map[string]ID
	prefix  string
	counter int
}

// New creates an empty Manager. An empty prefix falls back to
// DefaultGensymPrefix.
func New(gensymPrefix string) *Manager {
	if gensymPrefix == "" {
		gensymPrefix = DefaultGensymPrefix
	}
	return &Manager{byName: make(map[string]ID), prefix: gensymPrefix}
}

// Intern returns the id for name, allocating a fresh one if this is the
// first time name has been seen.
func (m *Manager) Intern(name string) ID {
	if id, ok := m.byName[name]; ok {
		return id
	}
	id := ID(len(m.names) + 1)
	m.names = append(m.names, name)
	m.byName[name] = id
	return id
}

// Lookup returns the id already bound to name, and false if name was never
// interned (it does not intern as a side effect).
func (m *Manager) Lookup(name string) (ID, bool) {
	id, ok := m.byName[name]
	return id, ok
}

// Name returns the printable name for id, or "" if id is out of range.
func (m *Manager) Name(id ID) string {
	if i := int(id) - 1; i >= 0 && i < len(m.names) {
		return m.names[i]
	}
	return ""
}

// Gensym allocates a fresh id with a name of the form "<prefix><n>", n
// starting at 1 and incrementing on every call. That name is deliberately
// not passed through Intern, so a later source token matching it interns to
// a distinct id (test/symbol_manager_test.cc in the original yalp source
// fixes this exact behavior and naming format).
func (m *Manager) Gensym() ID {
	m.counter++
	name := fmt.Sprintf("%s%d", m.prefix, m.counter)
	id := ID(len(m.names) + 1)
	m.names = append(m.names, name)
	// deliberately not added to m.byName
	return id
}

// Count returns the number of names allocated so far, including gensyms.
func (m *Manager) Count() int { return len(m.names) }
