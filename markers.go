package jpeg

// Marker byte values, big-endian 0xFFxx pairs as they appear in the stream.
const (
	markerSOI = 0xFFD8
	markerEOI = 0xFFD9

	markerSOF0  = 0xFFC0 // Baseline DCT, Huffman
	markerSOF1  = 0xFFC1 // Extended sequential DCT, Huffman
	markerSOF2  = 0xFFC2 // Progressive DCT, Huffman
	markerSOF3  = 0xFFC3 // Lossless (sequential) -- recognized, not decoded
	markerSOF5  = 0xFFC5 // Differential sequential DCT
	markerSOF6  = 0xFFC6 // Differential progressive DCT
	markerSOF7  = 0xFFC7 // Differential lossless
	markerSOF9  = 0xFFC9 // Extended sequential DCT, arithmetic
	markerSOF10 = 0xFFCA // Progressive DCT, arithmetic
	markerSOF11 = 0xFFCB // Lossless, arithmetic
	markerSOF13 = 0xFFCD // Differential sequential, arithmetic
	markerSOF14 = 0xFFCE // Differential progressive, arithmetic
	markerSOF15 = 0xFFCF // Differential lossless, arithmetic

	markerDHT = 0xFFC4
	markerDQT = 0xFFDB
	markerDAC = 0xFFCC
	markerDRI = 0xFFDD
	markerSOS = 0xFFDA

	markerAPP0  = 0xFFE0
	markerAPP15 = 0xFFEF
	markerCOM   = 0xFFFE

	markerRST0 = 0xFFD0
	markerRST7 = 0xFFD7
)

func isSOF(marker uint16) bool {
	return (marker >= markerSOF0 && marker <= markerSOF3) ||
		(marker >= markerSOF5 && marker <= markerSOF7) ||
		(marker >= markerSOF9 && marker <= markerSOF11) ||
		(marker >= markerSOF13 && marker <= markerSOF15)
}

func isRST(marker uint16) bool {
	return marker >= markerRST0 && marker <= markerRST7
}

// hasLength reports whether marker is followed by a 2-byte big-endian
// length field. SOI, EOI and RSTn are the only markers without one.
func hasLength(marker uint16) bool {
	if marker == markerSOI || marker == markerEOI {
		return false
	}
	return !isRST(marker)
}

// sofMode classifies a recognized SOF marker into the frame mode and
// entropy coding it implies. Arithmetic-coded SOF markers are SOF9..SOF11
// and SOF13..SOF15; Huffman-coded are SOF0..SOF3 and SOF5..SOF7.
func sofMode(marker uint16) (mode frameMode, coding codingMode, supported bool) {
	switch marker {
	case markerSOF0:
		return modeBaseline, codingHuffman, true
	case markerSOF1:
		return modeExtendedSequential, codingHuffman, true
	case markerSOF2:
		return modeProgressive, codingHuffman, true
	case markerSOF9:
		return modeExtendedSequential, codingArithmetic, true
	case markerSOF10:
		return modeProgressive, codingArithmetic, true
	default:
		// SOF3/5/6/7/11/13/14/15: lossless, differential, or arithmetic
		// lossless variants. Recognized at the marker level only, per
		// the requirement that the bitstream marker scan must not fault
		// on them; never decoded.
		return 0, 0, false
	}
}
