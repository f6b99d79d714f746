// Package jpeg decodes baseline, extended-sequential, and progressive
// DCT JPEG streams (ITU-T T.81 / ISO 10918-1) with Huffman or MQ-style
// arithmetic entropy coding into an interleaved RGB raster.
package jpeg

import (
	"github.com/cocosip/go-jpeg-decoder/arith"
	"github.com/cocosip/go-jpeg-decoder/block"
	"github.com/cocosip/go-jpeg-decoder/huffman"
	"github.com/pkg/errors"
)

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// componentPlane holds one component's decoded coefficient grid: blocks
// are stored in zig-zag sequence order, i.e. each block is the 64 raw
// decoded coefficients indexed by zig-zag scan position, exactly as
// produced by the entropy decoder (paint converts them to natural order).
type componentPlane struct {
	gridW, gridH   int // MCU-aligned block grid dimensions
	validW, validH int // blocks actually covering real image samples
	blocks         [][64]int
}

func (p *componentPlane) block(row, col int) *[64]int {
	return &p.blocks[row*p.gridW+col]
}

// decoder is the single decoder-context value shared by the frame driver,
// the scan decoder, and progressive refinement: it owns the coefficient
// grid and all per-component predictor state, avoiding back-pointers
// between otherwise-separate stages.
type decoder struct {
	data []byte
	pos  int
	opts Options

	frame   *FrameData
	planes  []componentPlane
	byID    map[byte]int // component ID -> index into frame.Components/planes

	quant [4][64]int32

	dcHuff [4]*huffman.Table
	acHuff [4]*huffman.Table

	dcCond [4]arith.DCConditioning
	acCond [4]int // Kx threshold

	restartInterval int
}

// Decode parses a JPEG byte stream and returns its frame metadata and
// decoded RGB raster.
func Decode(data []byte, opts ...Options) (*FrameData, Raster, error) {
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}
	d := &decoder{data: data, opts: o, byID: map[byte]int{}}

	marker, pos, err := d.nextMarker(0)
	if err != nil {
		return nil, nil, err
	}
	if marker != markerSOI {
		return nil, nil, errors.Wrap(ErrInvalidMarker, "missing SOI")
	}
	d.pos = pos
	d.restartInterval = 0

	for {
		marker, pos, err := d.nextMarker(d.pos)
		if err != nil {
			return nil, nil, err
		}
		d.pos = pos

		switch {
		case marker == markerEOI:
			if d.opts.StrictTrailingMarkers && d.pos < len(d.data) && d.data[d.pos] != 0xFF {
				return nil, nil, errors.Wrap(ErrInvalidMarker, "trailing data after EOI")
			}
			raster := d.paint()
			return d.frame, raster, nil

		case isSOF(marker):
			if err := d.parseSOF(marker); err != nil {
				return nil, nil, err
			}

		case marker == markerDHT:
			if err := d.parseDHT(); err != nil {
				return nil, nil, err
			}

		case marker == markerDAC:
			if err := d.parseDAC(); err != nil {
				return nil, nil, err
			}

		case marker == markerDQT:
			if err := d.parseDQT(); err != nil {
				return nil, nil, err
			}

		case marker == markerDRI:
			if err := d.parseDRI(); err != nil {
				return nil, nil, err
			}

		case marker == markerSOS:
			if err := d.parseAndDecodeScan(); err != nil {
				return nil, nil, err
			}

		case isRST(marker):
			// Stray restart marker outside a scan: no length field, nothing
			// to skip.

		case marker == markerCOM, (marker >= markerAPP0 && marker <= markerAPP15):
			if err := d.skipSegment(); err != nil {
				return nil, nil, err
			}

		default:
			// Unrecognized segment with a length field (DNL, DHP, EXP,
			// JPGn, etc.): skip without fault.
			if hasLength(marker) {
				if err := d.skipSegment(); err != nil {
					return nil, nil, err
				}
			}
		}
	}
}

func (d *decoder) nextMarker(pos int) (marker uint16, next int, err error) {
	for {
		if pos >= len(d.data) {
			return 0, pos, errors.Wrap(ErrTruncated, "no marker found before end of input")
		}
		if d.data[pos] != 0xFF {
			pos++
			continue
		}
		if pos+1 >= len(d.data) {
			return 0, pos, errors.Wrap(ErrTruncated, "truncated marker")
		}
		second := d.data[pos+1]
		if second == 0xFF {
			pos++ // fill byte
			continue
		}
		if second == 0x00 {
			pos += 2 // stray stuffed byte outside an ECS
			continue
		}
		return 0xFF00 | uint16(second), pos + 2, nil
	}
}

func (d *decoder) readUint16(pos int) (int, error) {
	if pos+1 >= len(d.data) {
		return 0, errors.Wrap(ErrTruncated, "truncated length/field")
	}
	return int(d.data[pos])<<8 | int(d.data[pos+1]), nil
}

// skipSegment reads a marker's 2-byte length and advances past it.
func (d *decoder) skipSegment() error {
	length, err := d.readUint16(d.pos)
	if err != nil {
		return err
	}
	if d.pos+length > len(d.data) {
		return errors.Wrap(ErrTruncated, "segment length exceeds input")
	}
	d.pos += length
	return nil
}

func (d *decoder) parseSOF(marker uint16) error {
	mode, coding, supported := sofMode(marker)
	if !supported {
		return errors.Wrap(ErrUnsupportedMode, "lossless/differential/unrecognized SOF")
	}

	length, err := d.readUint16(d.pos)
	if err != nil {
		return err
	}
	segEnd := d.pos + length
	p := d.pos + 2

	if p+5 >= len(d.data) {
		return errors.Wrap(ErrTruncated, "truncated SOF header")
	}
	precision := int(d.data[p])
	p++
	if precision != 8 {
		return errors.Wrap(ErrUnsupportedMode, "only 8-bit sample precision is supported")
	}
	height := int(d.data[p])<<8 | int(d.data[p+1])
	p += 2
	width := int(d.data[p])<<8 | int(d.data[p+1])
	p += 2
	numComponents := int(d.data[p])
	p++
	if numComponents != 1 && numComponents != 3 {
		return errors.Wrap(ErrUnsupportedMode, "only 1 or 3 component frames are supported")
	}
	if numComponents > d.opts.maxComponents() {
		return errors.Wrap(ErrUnsupportedMode, "too many components")
	}

	frame := &FrameData{Mode: mode, Coding: coding, Precision: precision, Width: width, Height: height}
	comps := make([]Component, numComponents)
	for i := 0; i < numComponents; i++ {
		if p+2 >= len(d.data) {
			return errors.Wrap(ErrTruncated, "truncated SOF component entry")
		}
		id := d.data[p]
		hv := d.data[p+1]
		tq := int(d.data[p+2])
		p += 3
		if tq > 3 {
			return errors.Wrap(ErrInvalidTable, "quant table index out of range")
		}
		comps[i] = Component{
			ID:            id,
			HorizSampling: int(hv >> 4),
			VertSampling:  int(hv & 0x0F),
			QuantTableIdx: tq,
		}
	}
	frame.Components = comps

	maxH, maxV := 1, 1
	for _, c := range comps {
		if c.HorizSampling > maxH {
			maxH = c.HorizSampling
		}
		if c.VertSampling > maxV {
			maxV = c.VertSampling
		}
	}
	frame.maxH, frame.maxV = maxH, maxV
	frame.mcuPxW, frame.mcuPxH = 8*maxH, 8*maxV
	frame.mcusPerRow = ceilDiv(width, frame.mcuPxW)
	frame.mcusPerCol = ceilDiv(height, frame.mcuPxH)
	frame.totalMcus = frame.mcusPerRow * frame.mcusPerCol
	frame.restartInterval = 0

	d.frame = frame
	d.planes = make([]componentPlane, numComponents)
	d.byID = make(map[byte]int, numComponents)
	for i, c := range comps {
		d.byID[c.ID] = i
		gridW := frame.mcusPerRow * c.HorizSampling
		gridH := frame.mcusPerCol * c.VertSampling
		validW := ceilDiv(width*c.HorizSampling, 8*maxH)
		validH := ceilDiv(height*c.VertSampling, 8*maxV)
		d.planes[i] = componentPlane{
			gridW: gridW, gridH: gridH,
			validW: validW, validH: validH,
			blocks: make([][64]int, gridW*gridH),
		}
	}
	d.pos = segEnd
	return nil
}

func (d *decoder) parseDQT() error {
	length, err := d.readUint16(d.pos)
	if err != nil {
		return err
	}
	end := d.pos + length
	p := d.pos + 2
	for p < end {
		pqTq := d.data[p]
		p++
		pq := pqTq >> 4
		tq := pqTq & 0x0F
		if tq > 3 {
			return errors.Wrap(ErrInvalidTable, "DQT table index out of range")
		}
		var table [64]int32
		for i := 0; i < 64; i++ {
			if pq == 0 {
				table[i] = int32(d.data[p])
				p++
			} else {
				table[i] = int32(d.data[p])<<8 | int32(d.data[p+1])
				p += 2
			}
		}
		d.quant[tq] = table
	}
	d.pos = end
	return nil
}

func (d *decoder) parseDHT() error {
	length, err := d.readUint16(d.pos)
	if err != nil {
		return err
	}
	end := d.pos + length
	p := d.pos + 2
	for p < end {
		classID := d.data[p]
		p++
		class := classID >> 4
		id := classID & 0x0F
		if id > 3 {
			return errors.Wrap(ErrInvalidTable, "DHT table index out of range")
		}
		var counts [16]int
		total := 0
		for i := 0; i < 16; i++ {
			counts[i] = int(d.data[p+i])
			total += counts[i]
		}
		p += 16
		values := make([]byte, total)
		copy(values, d.data[p:p+total])
		p += total

		table, err := huffman.Build(counts, values)
		if err != nil {
			return errors.Wrap(ErrInvalidHuffman, err.Error())
		}
		if class == 0 {
			d.dcHuff[id] = table
		} else {
			d.acHuff[id] = table
		}
	}
	d.pos = end
	return nil
}

func (d *decoder) parseDAC() error {
	length, err := d.readUint16(d.pos)
	if err != nil {
		return err
	}
	end := d.pos + length
	p := d.pos + 2
	for p < end {
		classID := d.data[p]
		cs := d.data[p+1]
		p += 2
		class := classID >> 4
		id := classID & 0x0F
		if id > 3 {
			return errors.Wrap(ErrInvalidTable, "DAC table index out of range")
		}
		if class == 0 {
			d.dcCond[id] = arith.NewDCConditioning(cs)
		} else {
			if cs > 63 {
				return errors.Wrap(ErrInvalidTable, "AC conditioning Kx out of range")
			}
			d.acCond[id] = int(cs)
		}
	}
	d.pos = end
	return nil
}

func (d *decoder) parseDRI() error {
	length, err := d.readUint16(d.pos)
	if err != nil {
		return err
	}
	if length != 4 {
		return errors.Wrap(ErrInvalidMarker, "malformed DRI length")
	}
	ri, err := d.readUint16(d.pos + 2)
	if err != nil {
		return err
	}
	d.restartInterval = ri
	if d.frame != nil {
		d.frame.restartInterval = ri
	}
	d.pos += length
	return nil
}

// paint dequantizes, inverse-transforms, aligns and color-converts every
// MCU into the final raster. Called once, after EOI.
func (d *decoder) paint() Raster {
	f := d.frame
	raster := make(Raster, f.Width*f.Height*3)

	// Precompute spatial-domain samples for every block of every
	// component up front (cheap relative to entropy decoding, and keeps
	// the paint loop below simple).
	samples := make([][][64]float64, len(d.planes))
	for ci, plane := range d.planes {
		qt := &d.quant[f.Components[ci].QuantTableIdx]
		out := make([][64]float64, len(plane.blocks))
		for bi := range plane.blocks {
			deq := block.Dequantize(&plane.blocks[bi], qt)
			out[bi] = block.IDCT8x8(&deq)
		}
		samples[ci] = out
	}

	for my := 0; my < f.mcusPerCol; my++ {
		for mx := 0; mx < f.mcusPerRow; mx++ {
			for py := 0; py < f.mcuPxH; py++ {
				globalY := my*f.mcuPxH + py
				if globalY >= f.Height {
					continue
				}
				for px := 0; px < f.mcuPxW; px++ {
					globalX := mx*f.mcuPxW + px
					if globalX >= f.Width {
						continue
					}

					if len(f.Components) == 1 {
						plane := d.planes[0]
						comp := f.Components[0]
						sx, sy := block.UpsampleNearest(px, py, comp.HorizSampling, comp.VertSampling, f.maxH, f.maxV)
						blockCol := mx*comp.HorizSampling + sx/8
						blockRow := my*comp.VertSampling + sy/8
						v := samples[0][blockRow*plane.gridW+blockCol][(sy%8)*8+(sx%8)] + 128
						r, g, b := block.GrayToRGB(v)
						idx := (globalY*f.Width + globalX) * 3
						raster[idx], raster[idx+1], raster[idx+2] = r, g, b
						continue
					}

					var yv, cbv, crv float64
					for ci, comp := range f.Components {
						sx, sy := block.UpsampleNearest(px, py, comp.HorizSampling, comp.VertSampling, f.maxH, f.maxV)
						plane := d.planes[ci]
						blockCol := mx*comp.HorizSampling + sx/8
						blockRow := my*comp.VertSampling + sy/8
						v := samples[ci][blockRow*plane.gridW+blockCol][(sy%8)*8+(sx%8)]
						switch ci {
						case 0:
							yv = v + 128
						case 1:
							cbv = v
						case 2:
							crv = v
						}
					}
					r, g, b := block.YCbCrToRGB(yv, cbv, crv)
					idx := (globalY*f.Width + globalX) * 3
					raster[idx], raster[idx+1], raster[idx+2] = r, g, b
				}
			}
		}
	}
	return raster
}
