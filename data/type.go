package data

import (
	"encoding/binary"
	"math"

	"github.com/grailbio/laik/transition"
)

// Type binds an element's byte size to its reduction behaviour: Init
// fills a buffer with op's neutral element, Reduce combines src into dst
// element-wise. Built-in numeric types are provided as package values;
// custom POD types register their own Type value — the same "a small
// interface with one implementation per built-in scalar kind, plus
// custom registrations" shape the design notes ask for in place of
// function-pointer dispatch on a type tag. Type implements
// backend.Reducer directly, so a Data can be passed to a Backend's Exec
// without a separate adapter.
type Type struct {
	ElemSize int64
	initFn   func(buf []byte, op transition.ReduceOp)
	reduceFn func(dst, src []byte, op transition.ReduceOp)
}

// Init implements backend.Reducer.
func (t Type) Init(buf []byte, op transition.ReduceOp) { t.initFn(buf, op) }

// Reduce implements backend.Reducer.
func (t Type) Reduce(dst, src []byte, op transition.ReduceOp) { t.reduceFn(dst, src, op) }

var (
	// Int32Type is a 4-byte signed integer with Sum/Prod/Min/Max/And/Or.
	Int32Type = Type{ElemSize: 4, initFn: initInt32, reduceFn: reduceInt32}
	// Int64Type is an 8-byte signed integer.
	Int64Type = Type{ElemSize: 8, initFn: initInt64, reduceFn: reduceInt64}
	// Uint32Type is a 4-byte unsigned integer.
	Uint32Type = Type{ElemSize: 4, initFn: initUint32, reduceFn: reduceUint32}
	// Uint64Type is an 8-byte unsigned integer.
	Uint64Type = Type{ElemSize: 8, initFn: initUint64, reduceFn: reduceUint64}
	// Float32Type is IEEE-754 single precision.
	Float32Type = Type{ElemSize: 4, initFn: initFloat32, reduceFn: reduceFloat32}
	// Float64Type is IEEE-754 double precision.
	Float64Type = Type{ElemSize: 8, initFn: initFloat64, reduceFn: reduceFloat64}
	// ByteType is a single opaque byte with no reduction support (Init
	// zero-fills, Reduce panics if called with anything but OpNone).
	ByteType = Type{ElemSize: 1, initFn: initByte, reduceFn: reduceByte}
)

func neutralInt(op transition.ReduceOp) int64 {
	switch op {
	case transition.OpSum, transition.OpOr:
		return 0
	case transition.OpProd, transition.OpAnd:
		return 1
	case transition.OpMin:
		return math.MaxInt64
	case transition.OpMax:
		return math.MinInt64
	default:
		return 0
	}
}

func combineInt(dst, src int64, op transition.ReduceOp) int64 {
	switch op {
	case transition.OpSum:
		return dst + src
	case transition.OpProd:
		return dst * src
	case transition.OpMin:
		if src < dst {
			return src
		}
		return dst
	case transition.OpMax:
		if src > dst {
			return src
		}
		return dst
	case transition.OpAnd:
		return dst & src
	case transition.OpOr:
		return dst | src
	default:
		return src
	}
}

func initInt32(buf []byte, op transition.ReduceOp) {
	n := neutralInt(op)
	switch op {
	case transition.OpMin:
		n = math.MaxInt32
	case transition.OpMax:
		n = math.MinInt32
	}
	v := uint32(int32(n))
	for i := 0; i+4 <= len(buf); i += 4 {
		binary.LittleEndian.PutUint32(buf[i:], v)
	}
}

func reduceInt32(dst, src []byte, op transition.ReduceOp) {
	for i := 0; i+4 <= len(dst) && i+4 <= len(src); i += 4 {
		d := int64(int32(binary.LittleEndian.Uint32(dst[i:])))
		s := int64(int32(binary.LittleEndian.Uint32(src[i:])))
		binary.LittleEndian.PutUint32(dst[i:], uint32(int32(combineInt(d, s, op))))
	}
}

func initInt64(buf []byte, op transition.ReduceOp) {
	v := uint64(neutralInt(op))
	for i := 0; i+8 <= len(buf); i += 8 {
		binary.LittleEndian.PutUint64(buf[i:], v)
	}
}

func reduceInt64(dst, src []byte, op transition.ReduceOp) {
	for i := 0; i+8 <= len(dst) && i+8 <= len(src); i += 8 {
		d := int64(binary.LittleEndian.Uint64(dst[i:]))
		s := int64(binary.LittleEndian.Uint64(src[i:]))
		binary.LittleEndian.PutUint64(dst[i:], uint64(combineInt(d, s, op)))
	}
}

func initUint32(buf []byte, op transition.ReduceOp) {
	var v uint32
	switch op {
	case transition.OpProd:
		v = 1
	case transition.OpAnd, transition.OpMin:
		v = math.MaxUint32
	}
	for i := 0; i+4 <= len(buf); i += 4 {
		binary.LittleEndian.PutUint32(buf[i:], v)
	}
}

func reduceUint32(dst, src []byte, op transition.ReduceOp) {
	for i := 0; i+4 <= len(dst) && i+4 <= len(src); i += 4 {
		d := int64(binary.LittleEndian.Uint32(dst[i:]))
		s := int64(binary.LittleEndian.Uint32(src[i:]))
		binary.LittleEndian.PutUint32(dst[i:], uint32(combineInt(d, s, op)))
	}
}

func initUint64(buf []byte, op transition.ReduceOp) {
	var v uint64
	switch op {
	case transition.OpProd:
		v = 1
	case transition.OpAnd, transition.OpMin:
		v = math.MaxUint64
	}
	for i := 0; i+8 <= len(buf); i += 8 {
		binary.LittleEndian.PutUint64(buf[i:], v)
	}
}

func reduceUint64(dst, src []byte, op transition.ReduceOp) {
	for i := 0; i+8 <= len(dst) && i+8 <= len(src); i += 8 {
		d := binary.LittleEndian.Uint64(dst[i:])
		s := binary.LittleEndian.Uint64(src[i:])
		switch {
		case op == transition.OpMin && s < d, op == transition.OpMax && s > d:
			d = s
		case op != transition.OpMin && op != transition.OpMax:
			d = uint64(combineInt(int64(d), int64(s), op))
		}
		binary.LittleEndian.PutUint64(dst[i:], d)
	}
}

func neutralFloat(op transition.ReduceOp) float64 {
	switch op {
	case transition.OpSum:
		return 0
	case transition.OpProd:
		return 1
	case transition.OpMin:
		return math.Inf(1)
	case transition.OpMax:
		return math.Inf(-1)
	default:
		return 0
	}
}

func combineFloat(dst, src float64, op transition.ReduceOp) float64 {
	switch op {
	case transition.OpSum:
		return dst + src
	case transition.OpProd:
		return dst * src
	case transition.OpMin:
		return math.Min(dst, src)
	case transition.OpMax:
		return math.Max(dst, src)
	default:
		return src
	}
}

func initFloat32(buf []byte, op transition.ReduceOp) {
	v := math.Float32bits(float32(neutralFloat(op)))
	for i := 0; i+4 <= len(buf); i += 4 {
		binary.LittleEndian.PutUint32(buf[i:], v)
	}
}

func reduceFloat32(dst, src []byte, op transition.ReduceOp) {
	for i := 0; i+4 <= len(dst) && i+4 <= len(src); i += 4 {
		d := float64(math.Float32frombits(binary.LittleEndian.Uint32(dst[i:])))
		s := float64(math.Float32frombits(binary.LittleEndian.Uint32(src[i:])))
		binary.LittleEndian.PutUint32(dst[i:], math.Float32bits(float32(combineFloat(d, s, op))))
	}
}

func initFloat64(buf []byte, op transition.ReduceOp) {
	v := math.Float64bits(neutralFloat(op))
	for i := 0; i+8 <= len(buf); i += 8 {
		binary.LittleEndian.PutUint64(buf[i:], v)
	}
}

func reduceFloat64(dst, src []byte, op transition.ReduceOp) {
	for i := 0; i+8 <= len(dst) && i+8 <= len(src); i += 8 {
		d := math.Float64frombits(binary.LittleEndian.Uint64(dst[i:]))
		s := math.Float64frombits(binary.LittleEndian.Uint64(src[i:]))
		binary.LittleEndian.PutUint64(dst[i:], math.Float64bits(combineFloat(d, s, op)))
	}
}

func initByte(buf []byte, op transition.ReduceOp) {
	for i := range buf {
		buf[i] = 0
	}
}

func reduceByte(dst, src []byte, op transition.ReduceOp) {
	if op != transition.OpNone {
		panic("data: ByteType has no reduction support")
	}
	copy(dst, src)
}
