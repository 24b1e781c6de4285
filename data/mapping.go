package data

import "github.com/grailbio/laik/space"

// Mapping is the contiguous allocation backing one mapNo of a process's
// share of a Partitioning. Required is the range the current switch
// actually needs; Layout.Range (the "allocated range") may be larger,
// when the buffer was reused from a prior mapping or grown to satisfy a
// Reserve call, so that a later switch whose required range fits inside
// it can reuse it again without a fresh allocation.
type Mapping struct {
	MapNo    int
	Required space.Range
	Layout   Layout
	Buf      []byte

	// donated is true once this mapping's buffer has been handed to a
	// successor mapping; a donated mapping's buffer must not be freed by
	// its original owner.
	donated bool
}

// Allocated returns the range m's buffer actually covers.
func (m *Mapping) Allocated() space.Range { return m.Layout.Range }

// covers reports whether required fits inside m's allocated range, i.e.
// whether m can be reused as-is (after relabeling) for a new mapping
// that needs exactly required.
func (m *Mapping) covers(required space.Range) bool {
	return required.ContainedIn(m.Layout.Range)
}

// mappingView adapts a pair of map[int]*Mapping (the OLD mapping set a
// switch is moving from, and the NEW one it is moving to) to
// backend.Mappings, so Exec can address a process's local buffers
// without importing this package's concrete types. Keeping both sets
// distinct matters: transition.Compute numbers them independently, so
// a FromMapNo and a ToMapNo with the same integer value routinely name
// unrelated buffers during a genuine repartition.
type mappingView struct {
	old map[int]*Mapping
	new map[int]*Mapping
}

func (v *mappingView) SliceFrom(mapNo int, r space.Range) []byte { return slice(v.old, mapNo, r) }
func (v *mappingView) SliceTo(mapNo int, r space.Range) []byte   { return slice(v.new, mapNo, r) }

func slice(mappings map[int]*Mapping, mapNo int, r space.Range) []byte {
	m := mappings[mapNo]
	if m == nil {
		return nil
	}
	flat, ok := m.Layout.Slice(m.Buf, r)
	if !ok {
		panic("data: Slice called with a non-contiguous range")
	}
	return flat
}

func (v *mappingView) Pack(mapNo int, r space.Range) []byte {
	m := v.old[mapNo]
	if m == nil {
		return nil
	}
	return m.Layout.Pack(m.Buf, r)
}

func (v *mappingView) Unpack(mapNo int, r space.Range, buf []byte) {
	m := v.new[mapNo]
	if m == nil {
		return
	}
	m.Layout.Unpack(m.Buf, r, buf)
}
