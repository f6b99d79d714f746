package jpeg

import "testing"

// appendSegment appends a marker, its big-endian length (2 + len(payload)),
// and the payload.
func appendSegment(buf []byte, marker byte, payload []byte) []byte {
	length := len(payload) + 2
	buf = append(buf, 0xFF, marker, byte(length>>8), byte(length))
	return append(buf, payload...)
}

// grayscaleFixture builds a minimal single-component (grayscale) baseline
// JPEG encoding one constant-value 8x8 block, using single-symbol Huffman
// tables (DC category `dcCat`, AC table mapping only to end-of-block) and
// an identity (all-ones) quantization table, so the decoded DC coefficient
// equals the forward DCT's F(0,0) for a constant sample block exactly:
// F(0,0) = 8*(sample-128). entropyBits is the already bit-packed,
// byte-aligned (padded with 1 fill bits) entropy-coded segment.
func grayscaleFixture(dcCat byte, entropyBits []byte) []byte {
	var buf []byte
	buf = append(buf, 0xFF, 0xD8) // SOI

	quant := make([]byte, 1+64)
	quant[0] = 0x00 // Pq=0 (8-bit), Tq=0
	for i := 1; i < len(quant); i++ {
		quant[i] = 1
	}
	buf = appendSegment(buf, 0xDB, quant) // DQT

	dcCounts := make([]byte, 16)
	dcCounts[0] = 1 // one 1-bit code
	dcPayload := append([]byte{0x00}, dcCounts...)
	dcPayload = append(dcPayload, dcCat)
	buf = appendSegment(buf, 0xC4, dcPayload) // DHT (DC, class 0, id 0)

	acCounts := make([]byte, 16)
	acCounts[0] = 1
	acPayload := append([]byte{0x10}, acCounts...)
	acPayload = append(acPayload, 0x00) // symbol 0x00 = EOB
	buf = appendSegment(buf, 0xC4, acPayload) // DHT (AC, class 1, id 0)

	sof := []byte{8, 0, 8, 0, 8, 1, 1, 0x11, 0} // precision, H, W, Nc, (ID,HV,Tq)
	buf = appendSegment(buf, 0xC0, sof)         // SOF0

	sos := []byte{1, 1, 0x00, 0, 63, 0} // Ns, Cs, TdTa, Ss, Se, AhAl
	buf = appendSegment(buf, 0xDA, sos) // SOS

	buf = append(buf, entropyBits...)
	buf = append(buf, 0xFF, 0xD9) // EOI
	return buf
}

func TestDecodeSolidBlack8x8(t *testing.T) {
	// sample = 0 -> level-shifted S = -128 -> DC = 8*S = -1024.
	// category 11, EXTEND-inverse value bits = 1023 = 0b01111111111.
	// bitstream: DC-code(0) + 11 diff bits(01111111111) + AC-code(0) + 3
	// fill bits(111) = 0011111111110111 = 0x3F 0xF7.
	data := grayscaleFixture(11, []byte{0x3F, 0xF7})

	frame, raster, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if frame.Width != 8 || frame.Height != 8 {
		t.Fatalf("dimensions = %dx%d, want 8x8", frame.Width, frame.Height)
	}
	for i := 0; i < len(raster); i++ {
		if raster[i] != 0 {
			t.Fatalf("raster[%d] = %d, want 0 (solid black)", i, raster[i])
		}
	}
}

func TestDecodeSolidWhite8x8(t *testing.T) {
	// sample = 255 -> S = 127 -> DC = 8*127 = 1016.
	// category 10, value bits = 1016 = 0b1111111000.
	// bitstream: DC-code(0) + 10 diff bits(1111111000) + AC-code(0) + 4
	// fill bits(1111) = 0111111100001111 = 0x7F 0x0F.
	data := grayscaleFixture(10, []byte{0x7F, 0x0F})

	frame, raster, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if frame.Mode != modeBaseline || frame.Coding != codingHuffman {
		t.Fatalf("unexpected mode/coding: %v/%v", frame.Mode, frame.Coding)
	}
	for i := 0; i < len(raster); i++ {
		if raster[i] != 255 {
			t.Fatalf("raster[%d] = %d, want 255 (solid white)", i, raster[i])
		}
	}
}

func TestDecodeTruncatedInputReportsError(t *testing.T) {
	_, _, err := Decode([]byte{0xFF, 0xD8})
	if err == nil {
		t.Fatal("expected an error decoding a stream with only SOI")
	}
}

func TestDecodeRejectsBadSOI(t *testing.T) {
	_, _, err := Decode([]byte{0x00, 0x00})
	if err == nil {
		t.Fatal("expected an error for a stream not starting with SOI")
	}
}
