package arith

// JPEG (Annex F) conditioning and context-bank layout built on top of the
// generic MQ decoder. DC statistics use 49 contexts: 20 "S0" slots (5
// magnitude buckets x 4 decisions), 14 "X1" magnitude-category slots, 14
// "M2" value-bit slots (one slot of the 49 is unused padding, matching
// the declared context-area size). AC statistics use 245 contexts: 189
// "SE" slots (3 per zig-zag position 1..63: end-of-block, zero, shared
// sign), and two 28-wide banks (14 category + 14 value each) selected by
// the Kx conditioning threshold.
const (
	dcStatsSize = 49
	acStatsSize = 245

	dcX1Base = 20
	dcM2Base = 34

	acSEBase     = 0
	acX2LowBase  = 189
	acX2HighBase = 217

	acBankCatWidth = 14
)

// NewDCStatistics allocates a fresh DC Statistics object.
func NewDCStatistics() *Statistics { return NewStatistics(dcStatsSize) }

// NewACStatistics allocates a fresh AC Statistics object.
func NewACStatistics() *Statistics { return NewStatistics(acStatsSize) }

// DCConditioning derives the (low, high) magnitude-bucket thresholds from
// a DAC conditioning byte: low = 0 if the low nibble is 0 else
// 1<<(low-1); high = 1<<highNibble.
type DCConditioning struct {
	Low, High int
}

func NewDCConditioning(b byte) DCConditioning {
	lowNibble := int(b & 0x0F)
	highNibble := int(b >> 4)
	low := 0
	if lowNibble != 0 {
		low = 1 << uint(lowNibble-1)
	}
	return DCConditioning{Low: low, High: 1 << uint(highNibble)}
}

// dcBucket classifies the previous DC delta for this component into one
// of 5 magnitude buckets: zero, small positive, large positive, small
// negative, large negative. Low is the sole small/large magnitude
// threshold, applied symmetrically to both signs, so every prevDelta
// value lands in exactly one bucket; High is parsed from the DAC segment
// but otherwise unused (no pack-grounded reference implements JPEG
// arithmetic DC conditioning to confirm a role for it here).
func dcBucket(prevDelta int, c DCConditioning) int {
	switch {
	case prevDelta == 0:
		return 0
	case prevDelta > 0 && prevDelta <= c.Low:
		return 1
	case prevDelta > 0:
		return 2
	case prevDelta < 0 && prevDelta >= -c.Low:
		return 3
	default:
		return 4
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// decodeMagnitude reads a truncated-unary category (via catBase, capped
// at 14 contexts) followed by (category-1) value bits (via valBase,
// capped at 14 contexts), returning the unsigned magnitude.
func decodeMagnitude(dec *Decoder, stats *Statistics, catBase, valBase int) int {
	category := 1
	for category <= acBankCatWidth && dec.DecodeBit(stats, catBase+min(category-1, acBankCatWidth-1)) == 1 {
		category++
	}
	value := 1
	for i := 1; i < category; i++ {
		bit := dec.DecodeBit(stats, valBase+min(i-1, acBankCatWidth-1))
		value = (value << 1) | bit
	}
	return value
}

// DecodeDCDelta decodes one DC coefficient delta against the magnitude
// bucket of the previous DC delta (prevDelta), per the S0/X1/M2 context
// layout.
func DecodeDCDelta(dec *Decoder, stats *Statistics, prevDelta int, cond DCConditioning) int {
	bucket := dcBucket(prevDelta, cond)
	base := bucket * 4
	if dec.DecodeBit(stats, base+0) == 0 {
		return 0
	}
	negative := dec.DecodeBit(stats, base+1) == 1
	magCtx := base + 2
	if negative {
		magCtx = base + 3
	}
	if dec.DecodeBit(stats, magCtx) == 1 {
		if negative {
			return -1
		}
		return 1
	}
	magnitude := decodeMagnitude(dec, stats, dcX1Base, dcM2Base)
	if negative {
		return -magnitude
	}
	return magnitude
}

// ACEOBContext, ACZeroContext and ACSignContext return the three SE
// context indices for zig-zag position k (k in [1,63]), for callers
// (progressive AC scans) that need to drive the EOB/zero/sign decisions
// directly instead of through DecodeACBlock's single-pass-to-63 loop.
// Positions are packed from 0 (k=1 uses indices 0..2, k=63 uses indices
// 186..188) so the 189-context SE bank exactly fills acSEBase..acX2LowBase-1
// without overlapping the magnitude banks that start at acX2LowBase.
func ACEOBContext(k int) int  { return acSEBase + 3*(k-1) }
func ACZeroContext(k int) int { return acSEBase + 3*(k-1) + 1 }
func ACSignContext(k int) int { return acSEBase + 3*(k-1) + 2 }

// ACMagnitudeBanks returns the (category, value) context bases for zig-zag
// position k given the Kx conditioning threshold, selecting the low or
// high bank exactly as DecodeACBlock does internally.
func ACMagnitudeBanks(kx, k int) (catBase, valBase int) {
	if k >= kx {
		return acX2HighBase, acX2HighBase + acBankCatWidth
	}
	return acX2LowBase, acX2LowBase + acBankCatWidth
}

// DecodeMagnitude exposes decodeMagnitude for progressive AC scans that
// need to decode a magnitude independently of DecodeACBlock's fixed
// Ss=1..63 loop.
func DecodeMagnitude(dec *Decoder, stats *Statistics, catBase, valBase int) int {
	return decodeMagnitude(dec, stats, catBase, valBase)
}

// DecodeACBlock decodes AC coefficients (zig-zag positions 1..63) for one
// block into dst, given the AC conditioning threshold kx. Returns the
// highest zig-zag index written (0 if the block was entirely end-of-block
// from position 1).
func DecodeACBlock(dec *Decoder, stats *Statistics, kx int, dst *[64]int) int {
	last := 0
	for k := 1; k <= 63; k++ {
		if dec.DecodeBit(stats, ACEOBContext(k)) == 1 {
			break
		}
		if dec.DecodeBit(stats, ACZeroContext(k)) == 0 {
			dst[k] = 0
			continue
		}
		sign := dec.DecodeBit(stats, ACSignContext(k))
		catBase, valBase := acX2LowBase, acX2LowBase+acBankCatWidth
		if k >= kx {
			catBase, valBase = acX2HighBase, acX2HighBase+acBankCatWidth
		}
		magnitude := decodeMagnitude(dec, stats, catBase, valBase)
		if sign == 1 {
			magnitude = -magnitude
		}
		dst[k] = magnitude
		last = k
	}
	return last
}
