package mem

import "github.com/jcorbin/yalp/value"

// DefaultValuesPageSize provides a default for Values.PageSize.
const DefaultValuesPageSize = 64

// Values implements a symbol-id-addressed paged memory of value.Value,
// backing the interpreter's global environment table. Pages may not
// necessarily be the same size, but usually are in practice; unallocated
// addresses read back as value.Unbound rather than a zero Value, so an
// unset global is distinguishable from one explicitly bound to nil/0.
type Values struct {
	PagedCore
	pages [][]value.Value
}

// Size returns an address one past the last position in the last page
// allocated so far.
func (m *Values) Size() uint {
	if i := len(m.bases) - 1; i >= 0 {
		return m.bases[i] + uint(len(m.pages[i]))
	}
	return 0
}

// Load returns the value at addr, or value.Unbound if addr falls in an
// unallocated page.
func (m *Values) Load(addr uint) (value.Value, error) {
	if err := m.checkLimit(addr, "load"); err != nil {
		return value.Unbound, err
	}
	if m.PageSize == 0 || len(m.pages) == 0 {
		return value.Unbound, nil
	}

	pageID := m.findPage(addr)
	base := m.bases[pageID]
	page := m.pages[pageID]
	if i := int(addr) - int(base); 0 <= i && i < len(page) {
		return page[i], nil
	}
	return value.Unbound, nil
}

// Stor stores val at addr, allocating pages (and filling new slots with
// value.Unbound) as needed.
func (m *Values) Stor(addr uint, val value.Value) error {
	if err := m.checkLimit(addr, "stor"); err != nil {
		return err
	}
	if m.PageSize == 0 {
		m.PageSize = DefaultValuesPageSize
	}

	pageID := m.findPage(addr)
	if pageID < len(m.bases) && addr >= m.bases[pageID]+m.sizes[pageID] {
		pageID++
	}
	base, size, isNew := m.allocPage(pageID, addr)
	if isNew {
		page := make([]value.Value, size)
		for i := range page {
			page[i] = value.Unbound
		}
		if pageID == len(m.pages) {
			m.pages = append(m.pages, page)
		} else {
			m.pages = append(m.pages, nil)
			copy(m.pages[pageID+1:], m.pages[pageID:])
			m.pages[pageID] = page
		}
	}
	page := m.pages[pageID]
	if i := int(addr) - int(base); 0 <= i && i < len(page) {
		page[i] = val
		return nil
	}
	return nil
}

// Each calls fn for every bound (non-Unbound) slot across every allocated
// page, in address order. Used by the GC to trace the globals table root.
func (m *Values) Each(fn func(addr uint, v value.Value)) {
	for pageID, base := range m.bases {
		for i, v := range m.pages[pageID] {
			if !v.IsUnbound() {
				fn(base+uint(i), v)
			}
		}
	}
}
