// Package block implements the coefficient-to-pixel pipeline: zig-zag
// permutation, dequantization, the reference inverse DCT, chroma
// alignment, and Y'CbCr->RGB color conversion.
package block

import "math"

// ZigZag is the standard 64-entry zig-zag-order -> natural-order
// permutation table: ZigZag[k] is the natural (row-major) position of
// the coefficient at zig-zag scan position k.
var ZigZag = [64]int{
	0, 1, 8, 16, 9, 2, 3, 10,
	17, 24, 32, 25, 18, 11, 4, 5,
	12, 19, 26, 33, 40, 48, 41, 34,
	27, 20, 13, 6, 7, 14, 21, 28,
	35, 42, 49, 56, 57, 50, 43, 36,
	29, 22, 15, 23, 30, 37, 44, 51,
	58, 59, 52, 45, 38, 31, 39, 46,
	53, 60, 61, 54, 47, 55, 62, 63,
}

// Dequantize permutes a 64-entry zig-zag-ordered coefficient block to
// natural order, multiplying by the zig-zag-ordered quantization table as
// it goes: coefficient[k] (zig-zag order) times quantTable[k] (also
// zig-zag order) lands at natural position ZigZag[k].
func Dequantize(zigzagCoeffs *[64]int, quantTable *[64]int32) [64]float64 {
	var out [64]float64
	for k := 0; k < 64; k++ {
		natural := ZigZag[k]
		out[natural] = float64(zigzagCoeffs[k]) * float64(quantTable[k])
	}
	return out
}

var cosTable [8][8]float64
var cNorm [8]float64

func init() {
	for u := 0; u < 8; u++ {
		if u == 0 {
			cNorm[u] = 1 / math.Sqrt2
		} else {
			cNorm[u] = 1
		}
		for x := 0; x < 8; x++ {
			cosTable[u][x] = math.Cos(math.Pi * float64(u) * float64(2*x+1) / 16)
		}
	}
}

// IDCT8x8 computes the reference (non-fast, non-scaled) separable inverse
// DCT of a natural-order coefficient block:
//
//	s(x,y) = (1/4) sum_u sum_v C(u)C(v) F(u,v) cos(pi u (2x+1)/16) cos(pi v (2y+1)/16)
//
// Output samples are left unshifted real numbers; the +128 JFIF level
// shift is applied by the color conversion stage.
func IDCT8x8(f *[64]float64) [64]float64 {
	var out [64]float64
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			var sum float64
			for u := 0; u < 8; u++ {
				for v := 0; v < 8; v++ {
					sum += cNorm[u] * cNorm[v] * f[v*8+u] * cosTable[u][x] * cosTable[v][y]
				}
			}
			out[y*8+x] = sum / 4
		}
	}
	return out
}
