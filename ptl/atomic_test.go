package ptl

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
)

func TestApplyAtomicIntegers(t *testing.T) {
	cases := []struct {
		op      AtomicOp
		dt      Datatype
		dst     uint64
		src     uint64
		operand uint64
		want    uint64
	}{
		{AtomicMin, Int32, uint64(uint32(5)), uint64(math.MaxUint32), 0, uint64(math.MaxUint32)}, // -1 < 5
		{AtomicMin, Uint32, 5, uint64(math.MaxUint32), 0, 5},
		{AtomicMax, Int8, 0x80, 0x01, 0, 0x01},
		{AtomicSum, Uint16, 0xffff, 2, 0, 1},
		{AtomicProd, Int64, 6, 7, 0, 42},
		{AtomicLOr, Uint8, 0, 9, 0, 1},
		{AtomicLAnd, Uint8, 3, 0, 0, 0},
		{AtomicLXor, Uint8, 3, 4, 0, 0},
		{AtomicBOr, Uint32, 0x0f, 0xf0, 0, 0xff},
		{AtomicBAnd, Uint32, 0x3c, 0x0f, 0, 0x0c},
		{AtomicBXor, Uint64, 0xff, 0x0f, 0, 0xf0},
		{AtomicSwap, Uint32, 1, 2, 0, 2},
		{AtomicCSwap, Uint32, 1, 2, 1, 2},
		{AtomicCSwap, Uint32, 1, 2, 3, 1},
		{AtomicCSwapNE, Uint32, 1, 2, 3, 2},
		{AtomicCSwapLE, Int32, 5, 9, 5, 9},
		{AtomicCSwapLT, Int32, 5, 9, 5, 5},
		{AtomicCSwapGE, Uint64, 5, 9, 6, 9},
		{AtomicCSwapGT, Uint64, 5, 9, 5, 5},
		{AtomicMSwap, Uint16, 0xaaaa, 0x5555, 0x00ff, 0xaa55},
	}
	for _, tc := range cases {
		size := tc.dt.Size()
		dst := make([]byte, size)
		src := make([]byte, size)
		store(dst, size, tc.dst)
		store(src, size, tc.src)
		applyAtomic(tc.op, tc.dt, dst, src, tc.operand)
		if got := load(dst, size); got != tc.want {
			t.Fatalf("%s on %s: got %#x want %#x", tc.op, tc.dt, got, tc.want)
		}
	}
}

func TestApplyAtomicFloats(t *testing.T) {
	dst := make([]byte, 16)
	src := make([]byte, 16)
	binary.LittleEndian.PutUint64(dst, math.Float64bits(1.5))
	binary.LittleEndian.PutUint64(dst[8:], math.Float64bits(-2))
	binary.LittleEndian.PutUint64(src, math.Float64bits(2.25))
	binary.LittleEndian.PutUint64(src[8:], math.Float64bits(3))
	applyAtomic(AtomicSum, Double, dst, src, 0)
	if a, b := math.Float64frombits(binary.LittleEndian.Uint64(dst)), math.Float64frombits(binary.LittleEndian.Uint64(dst[8:])); a != 3.75 || b != 1 {
		t.Fatalf("double sum produced %v %v", a, b)
	}

	f := make([]byte, 4)
	g := make([]byte, 4)
	binary.LittleEndian.PutUint32(f, math.Float32bits(-1))
	binary.LittleEndian.PutUint32(g, math.Float32bits(0.5))
	applyAtomic(AtomicMax, Float, f, g, 0)
	if got := math.Float32frombits(binary.LittleEndian.Uint32(f)); got != 0.5 {
		t.Fatalf("float max produced %v", got)
	}
}

func TestApplyAtomicStopsAtShorterBuffer(t *testing.T) {
	dst := []byte{1, 1, 1, 1}
	src := []byte{2, 2}
	applyAtomic(AtomicSum, Uint8, dst, src, 0)
	if dst[0] != 3 || dst[1] != 3 || dst[2] != 1 || dst[3] != 1 {
		t.Fatalf("unexpected result %v", dst)
	}
}

func TestCheckAtomic(t *testing.T) {
	cases := []struct {
		op     AtomicOp
		dt     Datatype
		length uint64
		ok     bool
	}{
		{AtomicSum, Int32, 16, true},
		{AtomicSum, Int32, 6, false},
		{AtomicBOr, Double, 8, false},
		{AtomicBOr, Uint64, 8, true},
		{AtomicCSwap, Uint32, 4, true},
		{AtomicCSwap, Uint32, 8, false},
		{AtomicSwap, Uint32, 8, true},
		{AtomicMSwap, Float, 4, false},
		{AtomicMSwap + 1, Uint32, 4, false},
		{AtomicSum, Datatype(200), 4, false},
	}
	for _, tc := range cases {
		err := checkAtomic(tc.op, tc.dt, tc.length)
		if tc.ok && err != nil {
			t.Fatalf("%s/%s/%d: unexpected error %v", tc.op, tc.dt, tc.length, err)
		}
		if !tc.ok && !errors.Is(err, ErrArgInvalid) {
			t.Fatalf("%s/%s/%d: expected ErrArgInvalid, got %v", tc.op, tc.dt, tc.length, err)
		}
	}
}

func TestDatatypeSizes(t *testing.T) {
	sizes := map[Datatype]int{Int8: 1, Uint8: 1, Int16: 2, Uint16: 2, Int32: 4, Uint32: 4, Float: 4, Int64: 8, Uint64: 8, Double: 8}
	for dt, want := range sizes {
		if got := dt.Size(); got != want {
			t.Fatalf("%s size %d, want %d", dt, got, want)
		}
	}
}
