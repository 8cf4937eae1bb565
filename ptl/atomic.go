package ptl

import (
	"encoding/binary"
	"fmt"
	"math"
)

// AtomicOp is the operation applied by Atomic, FetchAtomic and Swap.
type AtomicOp uint8

const (
	AtomicMin AtomicOp = iota
	AtomicMax
	AtomicSum
	AtomicProd
	AtomicLOr
	AtomicLAnd
	AtomicBOr
	AtomicBAnd
	AtomicLXor
	AtomicBXor
	AtomicSwap
	AtomicCSwap
	AtomicCSwapNE
	AtomicCSwapLE
	AtomicCSwapLT
	AtomicCSwapGE
	AtomicCSwapGT
	AtomicMSwap
)

var atomicOpNames = [...]string{
	AtomicMin: "min", AtomicMax: "max", AtomicSum: "sum", AtomicProd: "prod",
	AtomicLOr: "lor", AtomicLAnd: "land", AtomicBOr: "bor", AtomicBAnd: "band",
	AtomicLXor: "lxor", AtomicBXor: "bxor", AtomicSwap: "swap", AtomicCSwap: "cswap",
	AtomicCSwapNE: "cswap_ne", AtomicCSwapLE: "cswap_le", AtomicCSwapLT: "cswap_lt",
	AtomicCSwapGE: "cswap_ge", AtomicCSwapGT: "cswap_gt", AtomicMSwap: "mswap",
}

func (o AtomicOp) String() string {
	if int(o) < len(atomicOpNames) {
		return atomicOpNames[o]
	}
	return fmt.Sprintf("atomic_op(%d)", uint8(o))
}

// isSwap reports whether the operation belongs to the swap class, which takes
// an operand and always returns the old value.
func (o AtomicOp) isSwap() bool { return o >= AtomicSwap && o <= AtomicMSwap }

// singleElement reports whether the operation works on exactly one element.
func (o AtomicOp) singleElement() bool { return o >= AtomicCSwap && o <= AtomicMSwap }

func (o AtomicOp) bitwise() bool {
	switch o {
	case AtomicBOr, AtomicBAnd, AtomicBXor, AtomicMSwap:
		return true
	}
	return false
}

// Datatype is the element type of an atomic operation.
type Datatype uint8

const (
	Int8 Datatype = iota
	Uint8
	Int16
	Uint16
	Int32
	Uint32
	Int64
	Uint64
	Float
	Double
)

var datatypeNames = [...]string{
	Int8: "int8", Uint8: "uint8", Int16: "int16", Uint16: "uint16", Int32: "int32",
	Uint32: "uint32", Int64: "int64", Uint64: "uint64", Float: "float", Double: "double",
}

func (d Datatype) String() string {
	if int(d) < len(datatypeNames) {
		return datatypeNames[d]
	}
	return fmt.Sprintf("datatype(%d)", uint8(d))
}

// Size returns the element size in bytes.
func (d Datatype) Size() int {
	switch d {
	case Int8, Uint8:
		return 1
	case Int16, Uint16:
		return 2
	case Int32, Uint32, Float:
		return 4
	case Int64, Uint64, Double:
		return 8
	default:
		return 0
	}
}

func (d Datatype) float() bool { return d == Float || d == Double }

// checkAtomic validates an op and type pair for a transfer of length bytes.
func checkAtomic(op AtomicOp, dt Datatype, length uint64) error {
	if int(op) >= len(atomicOpNames) || dt.Size() == 0 {
		return fmt.Errorf("%w: atomic %s on %s", ErrArgInvalid, op, dt)
	}
	if dt.float() && op.bitwise() {
		return fmt.Errorf("%w: bitwise %s on %s", ErrArgInvalid, op, dt)
	}
	if length%uint64(dt.Size()) != 0 {
		return fmt.Errorf("%w: length %d not a multiple of %s", ErrArgInvalid, length, dt)
	}
	if op.singleElement() && length != uint64(dt.Size()) {
		return fmt.Errorf("%w: %s operates on a single element", ErrArgInvalid, op)
	}
	return nil
}

// applyAtomic combines src into dst element by element. operand is the
// comparison value of the conditional swaps and the mask of MSwap.
func applyAtomic(op AtomicOp, dt Datatype, dst, src []byte, operand uint64) {
	size := dt.Size()
	for i := 0; i+size <= len(dst) && i+size <= len(src); i += size {
		d := load(dst[i:], size)
		s := load(src[i:], size)
		store(dst[i:], size, combine(op, dt, d, s, operand))
	}
}

func load(b []byte, size int) uint64 {
	switch size {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	default:
		return binary.LittleEndian.Uint64(b)
	}
}

func store(b []byte, size int, v uint64) {
	switch size {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	default:
		binary.LittleEndian.PutUint64(b, v)
	}
}

// combine returns the new target element given its old value d and the
// incoming value s, both as raw little-endian bits.
func combine(op AtomicOp, dt Datatype, d, s, operand uint64) uint64 {
	switch dt {
	case Int8:
		return uint64(uint8(combineNum(op, int8(d), int8(s), int8(operand), d, s, operand)))
	case Uint8:
		return uint64(combineNum(op, uint8(d), uint8(s), uint8(operand), d, s, operand))
	case Int16:
		return uint64(uint16(combineNum(op, int16(d), int16(s), int16(operand), d, s, operand)))
	case Uint16:
		return uint64(combineNum(op, uint16(d), uint16(s), uint16(operand), d, s, operand))
	case Int32:
		return uint64(uint32(combineNum(op, int32(d), int32(s), int32(operand), d, s, operand)))
	case Uint32:
		return uint64(combineNum(op, uint32(d), uint32(s), uint32(operand), d, s, operand))
	case Int64:
		return uint64(combineNum(op, int64(d), int64(s), int64(operand), d, s, operand))
	case Uint64:
		return combineNum(op, d, s, operand, d, s, operand)
	case Float:
		f := combineNum(op, math.Float32frombits(uint32(d)), math.Float32frombits(uint32(s)), math.Float32frombits(uint32(operand)), d, s, operand)
		return uint64(math.Float32bits(f))
	case Double:
		f := combineNum(op, math.Float64frombits(d), math.Float64frombits(s), math.Float64frombits(operand), d, s, operand)
		return math.Float64bits(f)
	}
	return d
}

type number interface {
	~int8 | ~uint8 | ~int16 | ~uint16 | ~int32 | ~uint32 | ~int64 | ~uint64 | ~float32 | ~float64
}

// combineNum applies arithmetic and comparisons on typed values and bitwise
// operations on the raw bits, which checkAtomic restricts to integers.
func combineNum[T number](op AtomicOp, d, s, operand T, rd, rs, rop uint64) T {
	truth := func(v T) bool { return v != 0 }
	boolean := func(v bool) T {
		if v {
			return 1
		}
		return 0
	}
	switch op {
	case AtomicMin:
		return min(d, s)
	case AtomicMax:
		return max(d, s)
	case AtomicSum:
		return d + s
	case AtomicProd:
		return d * s
	case AtomicLOr:
		return boolean(truth(d) || truth(s))
	case AtomicLAnd:
		return boolean(truth(d) && truth(s))
	case AtomicLXor:
		return boolean(truth(d) != truth(s))
	case AtomicBOr:
		return T(rd | rs)
	case AtomicBAnd:
		return T(rd & rs)
	case AtomicBXor:
		return T(rd ^ rs)
	case AtomicSwap:
		return s
	case AtomicCSwap:
		return pick(operand == d, s, d)
	case AtomicCSwapNE:
		return pick(operand != d, s, d)
	case AtomicCSwapLE:
		return pick(operand <= d, s, d)
	case AtomicCSwapLT:
		return pick(operand < d, s, d)
	case AtomicCSwapGE:
		return pick(operand >= d, s, d)
	case AtomicCSwapGT:
		return pick(operand > d, s, d)
	case AtomicMSwap:
		return T(rd&^rop | rs&rop)
	}
	return d
}

func pick[T any](cond bool, a, b T) T {
	if cond {
		return a
	}
	return b
}
