// Package huffman builds canonical JPEG Huffman code tables and decodes
// them through a nibble-indexed (4-bit-at-a-time) state machine, rather
// than a bit-at-a-time tree walk or a byte-wide lookup table.
package huffman

import (
	"github.com/cocosip/go-jpeg-decoder/bitio"
	"github.com/pkg/errors"
)

// ErrInvalidHuffman is returned when no code matches the bits consumed or
// canonical-code construction is impossible.
var ErrInvalidHuffman = errors.New("huffman: invalid code")

type code struct {
	bits uint32
	len  int
}

// transition is the result of feeding one more nibble (or, for the
// realignment sentinels, fewer than 4 bits) to a DFA state.
type transition struct {
	valid        bool
	emits        []byte // all symbols emitted while processing this step
	firstConsumed int   // bits consumed (from just this step's input) to complete the first emitted symbol
	next         int    // index into Table.states for the residual prefix
}

// state is one DFA state: the residual bit prefix accumulated so far that
// does not itself complete any code.
type state struct {
	bits uint32
	len  int
}

// Table is a built canonical Huffman code table plus its nibble DFA.
type Table struct {
	symbolOf map[code]byte
	maxLen   int

	states      []state
	transitions [][16]transition // transitions[state][nibble]

	// sentinels[k-1][v] realigns a 1-, 2-, or 3-bit leading fragment (v in
	// [0, 2^k)) from state 0 onto one of the main states.
	sentinels [3][]transition
}

// Build constructs the canonical code table and nibble DFA from 16
// length counts (bits[0] = count of 1-bit codes, ..., bits[15] = count
// of 16-bit codes) and the concatenated symbol list, using the standard
// canonical-code construction: nextCode starts at 0; for each length in
// increasing order, the bits[length] symbols for that length receive
// codes nextCode, nextCode+1, ...; then nextCode = (nextCode + count) << 1.
func Build(bits [16]int, values []byte) (*Table, error) {
	t := &Table{symbolOf: make(map[code]byte)}

	var nextCode uint32
	vi := 0
	for length := 1; length <= 16; length++ {
		count := bits[length-1]
		for k := 0; k < count; k++ {
			if vi >= len(values) {
				return nil, errors.Wrap(ErrInvalidHuffman, "symbol list shorter than bit counts declare")
			}
			c := code{bits: nextCode, len: length}
			if _, dup := t.symbolOf[c]; dup {
				return nil, errors.Wrap(ErrInvalidHuffman, "duplicate canonical code")
			}
			t.symbolOf[c] = values[vi]
			vi++
			nextCode++
			if length > t.maxLen {
				t.maxLen = length
			}
		}
		nextCode <<= 1
	}
	if vi != len(values) {
		return nil, errors.Wrap(ErrInvalidHuffman, "symbol list longer than bit counts declare")
	}

	t.buildDFA()
	return t, nil
}

// lookup returns the symbol matching the leading `length` bits of
// (bits,len) when taken as an exact code, or false.
func (t *Table) lookupCode(bits uint32, length int) (byte, bool) {
	v, ok := t.symbolOf[code{bits: bits, len: length}]
	return v, ok
}

// strip greedily removes complete codes from the front of (prefixBits,
// prefixLen), emitting their symbols, until the remainder is not itself a
// complete code. It returns the emitted symbols, the bit length consumed
// by the first emitted symbol (as an offset into the original prefix),
// and the residual (bits,len). Callers treat a residual longer than the
// longest code as an invalid bitstream rather than a still-growing prefix.
func (t *Table) strip(prefixBits uint32, prefixLen int) (emits []byte, firstLen int, residBits uint32, residLen int) {
	bits, length := prefixBits, prefixLen
	consumedBeforeFirst := 0
	for {
		matched := false
		for l := 1; l <= length && l <= t.maxLen; l++ {
			top := bits >> uint(length-l)
			if _, ok := t.lookupCode(top, l); ok {
				sym, _ := t.lookupCode(top, l)
				emits = append(emits, sym)
				if len(emits) == 1 {
					firstLen = consumedBeforeFirst + l
				}
				consumedBeforeFirst += l
				// strip l bits from the front
				mask := uint32(1)<<uint(length-l) - 1
				bits &= mask
				length -= l
				matched = true
				break
			}
		}
		if !matched {
			break
		}
		if length == 0 {
			break
		}
	}
	return emits, firstLen, bits, length
}

func (t *Table) internState(bits uint32, length int) int {
	for i, s := range t.states {
		if s.bits == bits && s.len == length {
			return i
		}
	}
	t.states = append(t.states, state{bits: bits, len: length})
	t.transitions = append(t.transitions, [16]transition{})
	return len(t.states) - 1
}

// buildDFA performs a BFS over reachable residual states, computing the
// 16-way nibble transition table for each, plus the three sub-nibble
// realignment sentinels rooted at state 0.
func (t *Table) buildDFA() {
	t.internState(0, 0) // state 0: empty prefix
	for i := 0; i < len(t.states); i++ {
		s := t.states[i]
		for nib := 0; nib < 16; nib++ {
			bits := (s.bits << 4) | uint32(nib)
			length := s.len + 4
			if length > t.maxLen && s.len >= t.maxLen {
				// Residual already exceeds any valid code length with no
				// match possible; mark invalid.
				t.transitions[i][nib] = transition{valid: false}
				continue
			}
			emits, firstLen, rBits, rLen := t.strip(bits, length)
			// An over-long residual with no symbol emitted is invalid. If a
			// symbol was completed first, the step stays valid and the
			// residual becomes a dead state whose transitions are invalid.
			if rLen > t.maxLen && len(emits) == 0 {
				t.transitions[i][nib] = transition{valid: false}
				continue
			}
			next := t.internState(rBits, rLen)
			// firstLen is counted from the start of the combined
			// (state-prefix + nibble) bitstring; the cursor in DecodeOne
			// only needs the portion newly read from this nibble, i.e.
			// with the state's own (already-consumed) length subtracted.
			consumedFromNibble := firstLen - s.len
			if len(emits) == 0 {
				consumedFromNibble = 0
			}
			t.transitions[i][nib] = transition{
				valid:         true,
				emits:         emits,
				firstConsumed: consumedFromNibble,
				next:          next,
			}
		}
	}

	// Realignment sentinels: consume k (1,2,3) bits from state 0.
	for k := 1; k <= 3; k++ {
		tbl := make([]transition, 1<<uint(k))
		for v := 0; v < len(tbl); v++ {
			emits, firstLen, rBits, rLen := t.strip(uint32(v), k)
			if rLen > t.maxLen && len(emits) == 0 {
				tbl[v] = transition{valid: false}
				continue
			}
			next := t.internState(rBits, rLen)
			tbl[v] = transition{valid: true, emits: emits, firstConsumed: firstLen, next: next}
		}
		t.sentinels[k-1] = tbl
	}
}

// DecodeOne decodes exactly one symbol starting at (byteIdx, bitIdx) of
// buf, realigning to a 4-bit nibble boundary first if necessary. It
// returns the cursor position immediately after that one symbol.
func (t *Table) DecodeOne(buf []byte, byteIdx, bitIdx int) (nextByte, nextBit int, symbol byte, err error) {
	state := 0
	curByte, curBit := byteIdx, bitIdx

	misalignment := curBit % 4
	if misalignment != 0 {
		k := 4 - misalignment
		nb, nbit, v, rerr := bitio.ReadBits(buf, curByte, curBit, k)
		if rerr != nil {
			return byteIdx, bitIdx, 0, errors.Wrap(ErrInvalidHuffman, rerr.Error())
		}
		tr := t.sentinels[k-1][v]
		if !tr.valid {
			return byteIdx, bitIdx, 0, errors.Wrap(ErrInvalidHuffman, "invalid realignment prefix")
		}
		if len(tr.emits) > 0 {
			consumedBits := tr.firstConsumed
			fb, fbit, _, _ := bitio.ReadBits(buf, curByte, curBit, consumedBits)
			return fb, fbit, tr.emits[0], nil
		}
		curByte, curBit = nb, nbit
		state = tr.next
	}

	for {
		nb, nbit, v, rerr := bitio.ReadBits(buf, curByte, curBit, 4)
		if rerr != nil {
			if curByte >= len(buf) {
				return byteIdx, bitIdx, 0, bitio.ErrEndOfInput
			}
			return byteIdx, bitIdx, 0, errors.Wrap(ErrInvalidHuffman, rerr.Error())
		}
		tr := t.transitions[state][v]
		if !tr.valid {
			if curByte >= len(buf)-1 {
				return byteIdx, bitIdx, 0, bitio.ErrEndOfInput
			}
			return byteIdx, bitIdx, 0, errors.Wrap(ErrInvalidHuffman, "no outgoing transition")
		}
		if len(tr.emits) > 0 {
			fb, fbit, _, _ := bitio.ReadBits(buf, curByte, curBit, tr.firstConsumed)
			return fb, fbit, tr.emits[0], nil
		}
		curByte, curBit = nb, nbit
		state = tr.next
	}
}

// DecodeAll consumes the whole buffer nibble by nibble from (0,0),
// emitting every symbol encountered. Used by tests.
func (t *Table) DecodeAll(buf []byte) ([]byte, error) {
	var out []byte
	state := 0
	byteIdx, bitIdx := 0, 0
	for byteIdx < len(buf) {
		nb, nbit, v, err := bitio.ReadBits(buf, byteIdx, bitIdx, 4)
		if err != nil {
			break
		}
		tr := t.transitions[state][v]
		if !tr.valid {
			break
		}
		out = append(out, tr.emits...)
		byteIdx, bitIdx = nb, nbit
		state = tr.next
	}
	return out, nil
}
