package jpeg

import (
	"testing"

	"github.com/cocosip/go-jpeg-decoder/huffman"
)

// The tests below exercise the progressive-Huffman EOBRUN and refinement
// branches of scan.go directly (they are reached only from deep inside a
// multi-block, multi-scan progressive stream, which is impractical to
// stand up as a single end-to-end fixture), and the arithmetic-coded path
// via a full Decode() round trip using a small MQ encoder confined to this
// test file.

func buildTestACHuffmanTable(t *testing.T, symbol byte) *huffman.Table {
	t.Helper()
	var counts [16]int
	counts[0] = 1 // single 1-bit code, bit 0, mapping to symbol
	table, err := huffman.Build(counts, []byte{symbol})
	if err != nil {
		t.Fatalf("huffman.Build: %v", err)
	}
	return table
}

func TestDecodeACProgressiveHuffmanEOBRUNSetThenConsumed(t *testing.T) {
	// RS symbol 0x10: run=1 (EOBRUN exponent), size=0. eobrun = (1<<1)-1 = 1,
	// then one extra bit (0) is read and added, leaving eobrun = 1.
	acTable := buildTestACHuffmanTable(t, 0x10)
	d := &decoder{acHuff: [4]*huffman.Table{acTable}}
	sc := &scanState{decoder: d, ss: 1, se: 63, ah: 0, al: 0}
	comp := scanComponent{acTable: 0}

	var blk1 [64]int
	cur := &cursor{}
	buf := []byte{0x3F} // code bit 0, extra run-bit 0, rest fill
	if err := sc.decodeACProgressiveHuffman(cur, buf, comp, &blk1); err != nil {
		t.Fatalf("block 1: %v", err)
	}
	if sc.eobrun != 1 {
		t.Fatalf("eobrun after block 1 = %d, want 1", sc.eobrun)
	}
	for k, v := range blk1 {
		if v != 0 {
			t.Fatalf("blk1[%d] = %d, want 0 (EOBRUN block)", k, v)
		}
	}

	// Block 2 consumes the pending EOBRUN entry without reading any more
	// Huffman symbols from the (now-exhausted) cursor.
	var blk2 [64]int
	if err := sc.decodeACProgressiveHuffman(cur, buf, comp, &blk2); err != nil {
		t.Fatalf("block 2: %v", err)
	}
	if sc.eobrun != 0 {
		t.Fatalf("eobrun after block 2 = %d, want 0", sc.eobrun)
	}
	for k, v := range blk2 {
		if v != 0 {
			t.Fatalf("blk2[%d] = %d, want 0 (EOBRUN block)", k, v)
		}
	}
}

func TestDecodeDCProgressiveHuffmanRefinementBit(t *testing.T) {
	sc := &scanState{decoder: &decoder{}, ah: 1, al: 2}
	var blk [64]int
	cur := &cursor{}
	buf := []byte{0xFF} // leading bit = 1
	if err := sc.decodeDCProgressiveHuffman(cur, buf, scanComponent{}, 0, &blk); err != nil {
		t.Fatalf("decodeDCProgressiveHuffman: %v", err)
	}
	if blk[0] != 1<<2 {
		t.Fatalf("blk[0] = %d, want %d", blk[0], 1<<2)
	}
}

func TestDecodeACRefinementHuffmanCorrectsAndInserts(t *testing.T) {
	// RS symbol 0x11: run=1, size=1. After decoding, the refinement loop
	// skips one zero-history position (k=2) past the already-nonzero
	// position (k=1, refined in place) and places the new coefficient at
	// k=3.
	acTable := buildTestACHuffmanTable(t, 0x11)
	sc := &scanState{ss: 1, se: 3, al: 0}

	var blk [64]int
	blk[1] = 5
	cur := &cursor{}
	buf := []byte{0x1F} // code bit 0, sign bit 0, refine bit 0, rest fill
	if err := sc.decodeACRefinementHuffman(cur, buf, acTable, &blk); err != nil {
		t.Fatalf("decodeACRefinementHuffman: %v", err)
	}
	if blk[1] != 5 {
		t.Fatalf("blk[1] = %d, want 5 (unchanged: correction bit was 0)", blk[1])
	}
	if blk[2] != 0 {
		t.Fatalf("blk[2] = %d, want 0 (skipped by run)", blk[2])
	}
	if blk[3] != 1 {
		t.Fatalf("blk[3] = %d, want 1 (newly placed, sign bit 0 -> +p1)", blk[3])
	}
}

// --- Arithmetic-coded end-to-end fixture ---
//
// encoderState is a minimal MQ encoder confined to this test file: package
// jpeg cannot reach arith's unexported Statistics fields or state table
// from outside the arith package, so it carries its own parallel
// state/mps arrays per context bank and its own copy of the T.81 Annex D
// state-transition table, kept in lockstep with the production decoder by
// running the identical conditional-exchange algorithm forward instead of
// backward (mirrors arith's own internal test encoder, but duplicated here
// since that one is unexported in a different package).
type encoderState struct {
	A, C uint32
	CT   int
	out  []byte
}

type bankRow struct {
	Qe        uint32
	NLPS      uint8
	NMPS      uint8
	switchMPS bool
}

var testStateTable = [113]bankRow{
	{0x5a1d, 1, 1, true}, {0x2586, 14, 2, false}, {0x1114, 16, 3, false},
	{0x080b, 18, 4, false}, {0x03d8, 20, 5, false}, {0x01da, 23, 6, false},
	{0x00e5, 25, 7, false}, {0x006f, 28, 8, false}, {0x0036, 30, 9, false},
	{0x001a, 33, 10, false}, {0x000d, 35, 11, false}, {0x0006, 9, 12, false},
	{0x0003, 10, 13, false}, {0x0001, 12, 13, false}, {0x5a7f, 15, 15, true},
	{0x3f25, 36, 16, false}, {0x2cf2, 38, 17, false}, {0x207c, 39, 18, false},
	{0x17b9, 40, 19, false}, {0x1182, 42, 20, false}, {0x0cef, 43, 21, false},
	{0x09a1, 45, 22, false}, {0x072f, 46, 23, false}, {0x055c, 48, 24, false},
	{0x0406, 49, 25, false}, {0x0303, 51, 26, false}, {0x0240, 52, 27, false},
	{0x01b1, 54, 28, false}, {0x0144, 56, 29, false}, {0x00f5, 57, 30, false},
	{0x00b7, 59, 31, false}, {0x008a, 60, 32, false}, {0x0068, 62, 33, false},
	{0x004e, 63, 34, false}, {0x003b, 32, 35, false}, {0x002c, 33, 9, false},
	{0x5ae1, 37, 37, true}, {0x484c, 64, 38, false}, {0x3a0d, 65, 39, false},
	{0x2ef1, 67, 40, false}, {0x261f, 68, 41, false}, {0x1f33, 69, 42, false},
	{0x19a8, 70, 43, false}, {0x1518, 72, 44, false}, {0x1177, 73, 45, false},
	{0x0e74, 74, 46, false}, {0x0bfb, 75, 47, false}, {0x09f8, 77, 48, false},
	{0x0861, 78, 49, false}, {0x0706, 79, 50, false}, {0x05cd, 48, 51, false},
	{0x04de, 50, 52, false}, {0x040f, 50, 53, false}, {0x0363, 51, 54, false},
	{0x02d4, 52, 55, false}, {0x025c, 53, 56, false}, {0x01f8, 54, 57, false},
	{0x01a4, 55, 58, false}, {0x0160, 56, 59, false}, {0x0125, 57, 60, false},
	{0x00f6, 58, 61, false}, {0x00cb, 59, 62, false}, {0x00ab, 61, 63, false},
	{0x008f, 61, 32, false}, {0x5b12, 65, 65, true}, {0x4d04, 80, 66, false},
	{0x412c, 81, 67, false}, {0x37d8, 82, 68, false}, {0x2fe8, 83, 69, false},
	{0x293c, 84, 70, false}, {0x2379, 86, 71, false}, {0x1edf, 87, 72, false},
	{0x1aa9, 87, 73, false}, {0x174e, 72, 74, false}, {0x1424, 72, 75, false},
	{0x119c, 74, 76, false}, {0x0f6b, 74, 77, false}, {0x0d51, 75, 78, false},
	{0x0bb6, 77, 79, false}, {0x0a40, 77, 48, false}, {0x5832, 80, 81, true},
	{0x4d1c, 88, 82, false}, {0x438e, 89, 83, false}, {0x3bdd, 90, 84, false},
	{0x34ee, 91, 85, false}, {0x2eae, 92, 86, false}, {0x299a, 93, 87, false},
	{0x2516, 86, 71, false}, {0x5570, 88, 89, true}, {0x4ca9, 95, 90, false},
	{0x44d9, 96, 91, false}, {0x3e22, 97, 92, false}, {0x3824, 99, 93, false},
	{0x32b4, 99, 94, false}, {0x2e17, 93, 86, false}, {0x56a8, 95, 96, true},
	{0x4f46, 101, 97, false}, {0x47e5, 102, 98, false}, {0x41cf, 103, 99, false},
	{0x3c3d, 104, 100, false}, {0x375e, 99, 93, false}, {0x5231, 105, 102, false},
	{0x4c0f, 106, 103, false}, {0x4639, 107, 104, false}, {0x415e, 103, 99, false},
	{0x5627, 105, 106, true}, {0x50e7, 108, 107, false}, {0x4b85, 109, 103, false},
	{0x5597, 110, 109, false}, {0x504f, 111, 107, false}, {0x5a10, 110, 111, true},
	{0x5522, 112, 109, false}, {0x59eb, 112, 111, true},
}

func newTestEncoder() *encoderState {
	return &encoderState{A: 0x10000, CT: 11}
}

// byteOut emits the byte above bit 19 of C, propagating a carry (bit 27)
// into the bytes already emitted.
func (e *encoderState) byteOut() {
	t := e.C >> 19
	if t > 0xFF {
		for i := len(e.out) - 1; i >= 0; i-- {
			e.out[i]++
			if e.out[i] != 0 {
				break
			}
		}
	}
	e.out = append(e.out, byte(t))
	e.C &= (1 << 19) - 1
	e.CT = 8
}

func (e *encoderState) renorm() {
	for e.A < 0x8000 {
		e.C <<= 1
		e.A <<= 1
		e.CT--
		if e.CT == 0 {
			e.byteOut()
		}
	}
}

func (e *encoderState) encode(states []uint8, mps []bool, ctx, bit int) {
	row := &testStateTable[states[ctx]]
	qe := row.Qe
	curMPS := 0
	if mps[ctx] {
		curMPS = 1
	}
	e.A -= qe
	if bit == curMPS {
		if e.A&0x8000 != 0 {
			return
		}
		if e.A < qe {
			e.C += e.A
			e.A = qe
		}
		states[ctx] = row.NMPS
	} else {
		if e.A >= qe {
			e.C += e.A
			e.A = qe
		}
		if row.switchMPS {
			mps[ctx] = !mps[ctx]
		}
		states[ctx] = row.NLPS
	}
	e.renorm()
}

// flush terminates the code stream (clearing the final bits of C as in
// T.81 Annex D) and returns the raw, unstuffed output bytes.
func (e *encoderState) flush() []byte {
	t := (e.C + e.A - 1) &^ 0xFFFF
	if t < e.C {
		t += 0x8000
	}
	e.C = t << uint(e.CT)
	e.byteOut()
	e.C <<= 8
	e.byteOut()
	return e.out
}

// stuffForTest inserts the 0x00 stuffing byte after every 0xFF byte the
// encoder produced, mirroring what a real arithmetic encoder emits into
// the entropy-coded segment so that the production bitio.Unstuff pass
// (run by parseAndDecodeScan before any bit is decoded) reconstructs the
// original bytes rather than mistaking one for a marker.
func stuffForTest(buf []byte) []byte {
	out := make([]byte, 0, len(buf))
	for _, b := range buf {
		out = append(out, b)
		if b == 0xFF {
			out = append(out, 0x00)
		}
	}
	return out
}

// TestDecodeArithmeticSolidBlock builds a single-component, single-8x8-block
// extended-sequential arithmetic (SOF9) stream whose DC delta is encoded as
// +64 (exercising the magnitude path, not the magnitude-1 shortcut) with an
// identity quant table, and whose AC band is an immediate end-of-block, then
// decodes it through the real production decoder end to end.
func TestDecodeArithmeticSolidBlock(t *testing.T) {
	const (
		acSEBase = 0
		dcX1Base = 20
		dcM2Base = 34
		catWidth = 14
	)

	enc := newTestEncoder()
	dcStates := make([]uint8, 49)
	dcMPS := make([]bool, 49)
	acStates := make([]uint8, 245)
	acMPS := make([]bool, 245)

	// DC delta = +64, prevDelta = 0 -> bucket 0 -> base contexts 0..3.
	enc.encode(dcStates, dcMPS, 0, 1) // nonzero
	enc.encode(dcStates, dcMPS, 1, 0) // positive
	enc.encode(dcStates, dcMPS, 2, 0) // not the magnitude-1 shortcut
	magnitude := 64
	category := 7 // bitLen(64); well under catWidth, so no index capping applies
	for i := 1; i < category; i++ {
		enc.encode(dcStates, dcMPS, dcX1Base+i-1, 1)
	}
	enc.encode(dcStates, dcMPS, dcX1Base+category-1, 0) // stop bit
	for i := 1; i < category; i++ {
		bit := (magnitude >> uint(category-1-i)) & 1
		enc.encode(dcStates, dcMPS, dcM2Base+i-1, bit)
	}

	// AC: immediate EOB at k=1.
	enc.encode(acStates, acMPS, acSEBase+3*(1-1), 1)

	encoded := enc.flush()
	entropy := stuffForTest(encoded)

	var buf []byte
	buf = append(buf, 0xFF, 0xD8) // SOI

	quant := make([]byte, 1+64)
	for i := 1; i < len(quant); i++ {
		quant[i] = 1
	}
	buf = appendSegment(buf, 0xDB, quant) // DQT, identity

	sof := []byte{8, 0, 8, 0, 8, 1, 1, 0x11, 0}
	buf = appendSegment(buf, 0xC9, sof) // SOF9: extended-sequential, arithmetic

	sos := []byte{1, 1, 0x00, 0, 63, 0}
	buf = appendSegment(buf, 0xDA, sos)

	buf = append(buf, entropy...)
	buf = append(buf, 0xFF, 0xD9) // EOI

	frame, raster, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if frame.Mode != modeExtendedSequential || frame.Coding != codingArithmetic {
		t.Fatalf("unexpected mode/coding: %v/%v", frame.Mode, frame.Coding)
	}
	// DC=64, dequantized by identity -> F(0,0)=64 -> constant spatial sample
	// 64*C(0)^2/4 = 8, level-shifted +128 = 136.
	for i := range raster {
		if raster[i] != 136 {
			t.Fatalf("raster[%d] = %d, want 136", i, raster[i])
		}
	}
}
