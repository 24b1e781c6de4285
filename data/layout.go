// Package data implements the Data container and its Mappings: the
// per-process memory that backs an active (partitioning, flow) pair, the
// lexicographic Layout used to address it, the pluggable Allocator that
// supplies backing storage, and the donate-on-switch reuse Mapping
// bookkeeping.
package data

import "github.com/grailbio/laik/space"

// Layout describes how Range's indices are serialised into a flat byte
// buffer: lexicographic order, the last dimension varying fastest. It is
// the only layout kind this engine supports.
type Layout struct {
	Range    space.Range
	ElemSize int64
}

// NewLayout returns the lexicographic layout of r with elements of size
// elemSize bytes.
func NewLayout(r space.Range, elemSize int64) Layout {
	return Layout{Range: r, ElemSize: elemSize}
}

// ByteSize returns the number of bytes a buffer laid out this way needs.
func (l Layout) ByteSize() int64 {
	return l.Range.Size() * l.ElemSize
}

// Offset returns the byte offset of idx within a buffer laid out over
// Range, and whether idx lies inside Range at all.
func (l Layout) Offset(idx space.Index) (int64, bool) {
	r := l.Range
	if !r.Contains(idx) {
		return 0, false
	}
	var off int64
	stride := int64(1)
	for i := r.Dims - 1; i >= 0; i-- {
		off += (idx[i] - r.From[i]) * stride
		stride *= r.To[i] - r.From[i]
	}
	return off * l.ElemSize, true
}

// Contiguous reports whether sub is expressible as a single contiguous
// byte run within l: sub must agree with l.Range on every dimension but
// the slowest-varying one (dimension 0), the same rule
// rangelist.Freeze's adjacency merge uses.
func (l Layout) Contiguous(sub space.Range) bool {
	if sub.IsEmpty() {
		return true
	}
	if sub.Dims != l.Range.Dims || !sub.ContainedIn(l.Range) {
		return false
	}
	for i := 1; i < l.Range.Dims; i++ {
		if sub.From[i] != l.Range.From[i] || sub.To[i] != l.Range.To[i] {
			return false
		}
	}
	return true
}

// Slice returns the byte range within buf (laid out per l) that backs
// sub, and whether sub is addressable as one contiguous run of buf. If a
// non-empty sub is not contained in l.Range it returns (nil, false).
func (l Layout) Slice(buf []byte, sub space.Range) ([]byte, bool) {
	if !l.Contiguous(sub) {
		return nil, false
	}
	if sub.IsEmpty() {
		return nil, true
	}
	from, ok := l.Offset(sub.From)
	if !ok {
		panic("data: range not contained in layout")
	}
	n := sub.Size() * l.ElemSize
	return buf[from : from+n], true
}

// Pack copies sub out of buf (laid out per l) into a freshly allocated
// byte slice in lexicographic order, element by element — the general
// path used when sub is not a contiguous run of buf.
func (l Layout) Pack(buf []byte, sub space.Range) []byte {
	if flat, ok := l.Slice(buf, sub); ok {
		out := make([]byte, len(flat))
		copy(out, flat)
		return out
	}
	out := make([]byte, sub.Size()*l.ElemSize)
	n := 0
	l.walk(sub, func(idx space.Index) {
		off, _ := l.Offset(idx)
		n += copy(out[n:], buf[off:off+l.ElemSize])
	})
	return out
}

// Unpack is Pack's inverse: it scatters packed (as produced by Pack, in
// the same lexicographic order over sub) back into buf at sub.
func (l Layout) Unpack(buf []byte, sub space.Range, packed []byte) {
	if flat, ok := l.Slice(buf, sub); ok {
		copy(flat, packed)
		return
	}
	n := 0
	l.walk(sub, func(idx space.Index) {
		off, _ := l.Offset(idx)
		n += copy(buf[off:off+l.ElemSize], packed[n:])
	})
}

// walk calls fn once per index of sub, in lexicographic order.
func (l Layout) walk(sub space.Range, fn func(space.Index)) {
	if sub.IsEmpty() {
		return
	}
	idx := sub.From
	for {
		fn(idx)
		i := sub.Dims - 1
		for i >= 0 {
			idx[i]++
			if idx[i] < sub.To[i] {
				break
			}
			idx[i] = sub.From[i]
			i--
		}
		if i < 0 {
			return
		}
	}
}
