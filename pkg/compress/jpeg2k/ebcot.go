package jpeg2k

import (
	"errors"
	"fmt"
	"math"
)

// ErrCorruptBlock signals code-block data that cannot be decoded
var ErrCorruptBlock = errors.New("corrupt code-block")

// Per-coefficient state flags
const (
	flagSig     = 1 << iota // significant
	flagVisit               // coded by the significance pass of the current plane
	flagRefined             // refined at least once
	flagNeg                 // negative sign, valid once significant
)

// CodePass records a truncation point of a code-block's embedded bitstream
type CodePass struct {
	Rate       int     // cumulative bytes needed to decode through this pass
	Distortion float64 // cumulative (weighted) squared-error reduction through this pass
}

// EncodedBlock is the Tier-1 result for one code-block
type EncodedBlock struct {
	Data   []byte
	NumBps int        // magnitude bit-planes actually coded
	Passes []CodePass // 3*NumBps-2 entries, none when the block is all zero
	Energy float64    // weighted squared error when nothing is decoded
}

// blockCoder holds the state shared by the block encoder and decoder: a
// flag plane padded by one sample on every side.
type blockCoder struct {
	w, h   int
	stride int
	flags  []uint8
	orient Subband
	ctx    []MQState
}

func (b *blockCoder) reset(w, h int, orient Subband) {
	b.w, b.h, b.orient = w, h, orient
	b.stride = w + 2
	n := (w + 2) * (h + 2)
	if cap(b.flags) < n {
		b.flags = make([]uint8, n)
	} else {
		b.flags = b.flags[:n]
		clear(b.flags)
	}
	b.ctx = SetupDefaultContexts()
}

func (b *blockCoder) idx(x, y int) int {
	return (y+1)*b.stride + x + 1
}

func sigOf(f uint8) int {
	return int(f & flagSig)
}

func (b *blockCoder) neighbours(i int) (h, v, d int) {
	f, s := b.flags, b.stride
	h = sigOf(f[i-1]) + sigOf(f[i+1])
	v = sigOf(f[i-s]) + sigOf(f[i+s])
	d = sigOf(f[i-s-1]) + sigOf(f[i-s+1]) + sigOf(f[i+s-1]) + sigOf(f[i+s+1])
	return
}

// zeroContext implements T.800 Table D.1
func zeroContext(h, v, d int, orient Subband) int {
	switch orient {
	case SubbandHH:
		hv := h + v
		switch {
		case d >= 3:
			return 8
		case d == 2:
			if hv >= 1 {
				return 7
			}
			return 6
		case d == 1:
			if hv >= 2 {
				return 5
			}
			if hv == 1 {
				return 4
			}
			return 3
		default:
			if hv >= 2 {
				return 2
			}
			return hv
		}
	case SubbandHL:
		h, v = v, h
	}
	switch {
	case h == 2:
		return 8
	case h == 1:
		if v >= 1 {
			return 7
		}
		if d >= 1 {
			return 6
		}
		return 5
	case v == 2:
		return 4
	case v == 1:
		return 3
	case d >= 2:
		return 2
	default:
		return d
	}
}

func signContribution(f uint8) int {
	if f&flagSig == 0 {
		return 0
	}
	if f&flagNeg != 0 {
		return -1
	}
	return 1
}

func clampUnit(v int) int {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

// signContext implements T.800 Table D.3, returning the context and the XOR bit
func (b *blockCoder) signContext(i int) (int, int) {
	f, s := b.flags, b.stride
	hc := clampUnit(signContribution(f[i-1]) + signContribution(f[i+1]))
	vc := clampUnit(signContribution(f[i-s]) + signContribution(f[i+s]))
	xor := 0
	if hc < 0 || (hc == 0 && vc < 0) {
		xor = 1
		hc, vc = -hc, -vc
	}
	if hc == 0 {
		return CtxSignStart + vc, xor // 9 or 10
	}
	return CtxSignStart + 3 + vc, xor // 11, 12 or 13
}

func (b *blockCoder) refineContext(i int) int {
	if b.flags[i]&flagRefined != 0 {
		return CtxMagRefNext
	}
	h, v, d := b.neighbours(i)
	if h+v+d == 0 {
		return CtxMagRefFirst
	}
	return CtxMagRef
}

// runLengthEligible reports whether the 4 samples of the column starting at
// (x, y) are all insignificant, uncoded in this plane and without significant
// neighbours.
func (b *blockCoder) runLengthEligible(x, y int) bool {
	for j := 0; j < 4; j++ {
		i := b.idx(x, y+j)
		if b.flags[i]&(flagSig|flagVisit) != 0 {
			return false
		}
		h, v, d := b.neighbours(i)
		if h+v+d != 0 {
			return false
		}
	}
	return true
}

// BlockEncoder codes code-blocks. It is not safe for concurrent use; each
// encode call owns one.
type BlockEncoder struct {
	blockCoder
	mq     *MQEncoder
	mag    []uint32
	exact  []float64
	recon  []float64
	bitpos int
	dist   float64
	rev    bool
}

// NewBlockEncoder creates a Tier-1 block encoder
func NewBlockEncoder() *BlockEncoder {
	return &BlockEncoder{mq: NewMQEncoder()}
}

// Encode codes a w x h block of signed quantized coefficients. exact holds
// |coefficient|/step for irreversible coding (nil when lossless) and weight
// converts squared quantized error to squared pixel error.
func (e *BlockEncoder) Encode(q []int32, exact []float64, w, h int, orient Subband, weight float64) *EncodedBlock {
	e.reset(w, h, orient)
	e.mq.Reset()
	e.rev = exact == nil
	n := w * h
	if cap(e.mag) < n {
		e.mag = make([]uint32, n)
		e.recon = make([]float64, n)
	}
	e.mag, e.recon = e.mag[:n], e.recon[:n]
	clear(e.recon)
	e.exact = exact

	var maxMag uint32
	energy := 0.0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			k := y*w + x
			v := q[k]
			m := uint32(v)
			if v < 0 {
				m = uint32(-v)
				e.flags[e.idx(x, y)] |= flagNeg
			}
			e.mag[k] = m
			if m > maxMag {
				maxMag = m
			}
			t := e.target(k)
			energy += t * t
		}
	}
	out := &EncodedBlock{Energy: energy * weight * weight}
	if maxMag == 0 {
		return out
	}
	numbps := 0
	for maxMag != 0 {
		numbps++
		maxMag >>= 1
	}
	out.NumBps = numbps
	total := 3*numbps - 2
	out.Passes = make([]CodePass, 0, total)
	cum := 0.0
	for pass := 0; pass < total; pass++ {
		plane := numbps - 1 - (pass+2)/3
		e.bitpos = plane
		e.dist = 0
		switch pass % 3 {
		case 0:
			e.cleanup()
		case 1:
			e.significance()
		case 2:
			e.refinement()
		}
		cum += e.dist * weight * weight
		out.Passes = append(out.Passes, CodePass{Rate: e.mq.NumBytes() + rateExtraBytes, Distortion: cum})
	}
	e.mq.Flush()
	data := e.mq.Bytes()
	out.Data = append([]byte(nil), data...)
	final := len(out.Data)
	for i := range out.Passes {
		r := out.Passes[i].Rate
		if r > final || i == len(out.Passes)-1 {
			r = final
		}
		if r > 1 && out.Data[r-1] == 0xFF {
			r--
		}
		out.Passes[i].Rate = r
	}
	return out
}

// rateExtraBytes covers the bytes still held in the MQ registers at the end
// of a non-terminated pass.
const rateExtraBytes = 3

func (e *BlockEncoder) target(k int) float64 {
	if e.exact != nil {
		return e.exact[k]
	}
	return float64(e.mag[k])
}

// reconstruct updates the distortion reduction once coefficient k is known
// down to the current bit-plane.
func (e *BlockEncoder) reconstruct(k int) {
	p := e.bitpos
	known := float64(e.mag[k] >> p << p)
	var r float64
	switch {
	case e.rev && p == 0:
		r = known
	default:
		r = known + math.Ldexp(0.5, p)
	}
	t := e.target(k)
	before := t - e.recon[k]
	after := t - r
	e.dist += before*before - after*after
	e.recon[k] = r
}

func (e *BlockEncoder) bit(k int) int {
	return int(e.mag[k]>>e.bitpos) & 1
}

func (e *BlockEncoder) codeSign(i int) {
	ctx, xor := e.signContext(i)
	neg := 0
	if e.flags[i]&flagNeg != 0 {
		neg = 1
	}
	e.mq.Encode(neg^xor, &e.ctx[ctx])
}

func (e *BlockEncoder) significance() {
	for y0 := 0; y0 < e.h; y0 += codeBlockStripe {
		for x := 0; x < e.w; x++ {
			for y := y0; y < y0+codeBlockStripe && y < e.h; y++ {
				i := e.idx(x, y)
				if e.flags[i]&flagSig != 0 {
					continue
				}
				hn, vn, dn := e.neighbours(i)
				if hn+vn+dn == 0 {
					continue
				}
				k := y*e.w + x
				b := e.bit(k)
				e.mq.Encode(b, &e.ctx[zeroContext(hn, vn, dn, e.orient)])
				e.flags[i] |= flagVisit
				if b == 1 {
					e.codeSign(i)
					e.flags[i] |= flagSig
					e.reconstruct(k)
				}
			}
		}
	}
}

func (e *BlockEncoder) refinement() {
	for y0 := 0; y0 < e.h; y0 += codeBlockStripe {
		for x := 0; x < e.w; x++ {
			for y := y0; y < y0+codeBlockStripe && y < e.h; y++ {
				i := e.idx(x, y)
				if e.flags[i]&(flagSig|flagVisit) != flagSig {
					continue
				}
				k := y*e.w + x
				e.mq.Encode(e.bit(k), &e.ctx[e.refineContext(i)])
				e.flags[i] |= flagRefined
				e.reconstruct(k)
			}
		}
	}
}

func (e *BlockEncoder) cleanup() {
	for y0 := 0; y0 < e.h; y0 += codeBlockStripe {
		full := y0+codeBlockStripe <= e.h
		for x := 0; x < e.w; x++ {
			start := y0
			known := -1
			if full && e.runLengthEligible(x, y0) {
				run := 0
				for run < codeBlockStripe && e.bit((y0+run)*e.w+x) == 0 {
					run++
				}
				if run == codeBlockStripe {
					e.mq.Encode(0, &e.ctx[CtxRunLength])
					continue
				}
				e.mq.Encode(1, &e.ctx[CtxRunLength])
				e.mq.Encode(run>>1, &e.ctx[CtxUniform])
				e.mq.Encode(run&1, &e.ctx[CtxUniform])
				start = y0 + run
				known = start
			}
			for y := start; y < y0+codeBlockStripe && y < e.h; y++ {
				i := e.idx(x, y)
				k := y*e.w + x
				if y != known {
					if e.flags[i]&(flagSig|flagVisit) != 0 {
						e.flags[i] &^= flagVisit
						continue
					}
					hn, vn, dn := e.neighbours(i)
					b := e.bit(k)
					e.mq.Encode(b, &e.ctx[zeroContext(hn, vn, dn, e.orient)])
					if b == 0 {
						continue
					}
				}
				e.codeSign(i)
				e.flags[i] |= flagSig
				e.reconstruct(k)
			}
			for y := y0; y < start; y++ {
				e.flags[e.idx(x, y)] &^= flagVisit
			}
		}
	}
}

// codeBlockStripe is the stripe height of the Tier-1 scan (T.800 D.1)
const codeBlockStripe = 4

// BlockDecoder decodes code-blocks
type BlockDecoder struct {
	blockCoder
	mq     *MQDecoder
	mag    []uint32
	plane  []uint8
	bitpos int
}

// NewBlockDecoder creates a Tier-1 block decoder
func NewBlockDecoder() *BlockDecoder {
	return &BlockDecoder{}
}

// Decode decodes the first passes coding passes of a block with numbps
// magnitude bit-planes. Coefficients not reached stay zero.
func (d *BlockDecoder) Decode(data []byte, w, h int, orient Subband, numbps, passes int) error {
	if w <= 0 || h <= 0 {
		return fmt.Errorf("%w: block size %dx%d", ErrCorruptBlock, w, h)
	}
	if numbps < 0 || numbps > maxCodeBlockBitPlanes {
		return fmt.Errorf("%w: %d bit-planes", ErrCorruptBlock, numbps)
	}
	d.reset(w, h, orient)
	n := w * h
	if cap(d.mag) < n {
		d.mag = make([]uint32, n)
		d.plane = make([]uint8, n)
	}
	d.mag, d.plane = d.mag[:n], d.plane[:n]
	clear(d.mag)
	clear(d.plane)
	if numbps == 0 || passes <= 0 {
		return nil
	}
	if limit := 3*numbps - 2; passes > limit {
		return fmt.Errorf("%w: %d passes for %d bit-planes", ErrCorruptBlock, passes, numbps)
	}
	d.mq = NewMQDecoder(data)
	for pass := 0; pass < passes; pass++ {
		d.bitpos = numbps - 1 - (pass+2)/3
		switch pass % 3 {
		case 0:
			d.cleanup()
		case 1:
			d.significance()
		case 2:
			d.refinement()
		}
	}
	return nil
}

// maxCodeBlockBitPlanes bounds the magnitude bit-planes of a code-block
const maxCodeBlockBitPlanes = 30

func (d *BlockDecoder) setBit(k int) {
	d.mag[k] |= 1 << d.bitpos
	d.plane[k] = uint8(d.bitpos)
}

func (d *BlockDecoder) decodeSign(i int) {
	ctx, xor := d.signContext(i)
	if d.mq.Decode(&d.ctx[ctx])^xor != 0 {
		d.flags[i] |= flagNeg
	}
}

func (d *BlockDecoder) significance() {
	for y0 := 0; y0 < d.h; y0 += codeBlockStripe {
		for x := 0; x < d.w; x++ {
			for y := y0; y < y0+codeBlockStripe && y < d.h; y++ {
				i := d.idx(x, y)
				if d.flags[i]&flagSig != 0 {
					continue
				}
				hn, vn, dn := d.neighbours(i)
				if hn+vn+dn == 0 {
					continue
				}
				d.flags[i] |= flagVisit
				if d.mq.Decode(&d.ctx[zeroContext(hn, vn, dn, d.orient)]) == 1 {
					d.decodeSign(i)
					d.flags[i] |= flagSig
					d.setBit(y*d.w + x)
				}
			}
		}
	}
}

func (d *BlockDecoder) refinement() {
	for y0 := 0; y0 < d.h; y0 += codeBlockStripe {
		for x := 0; x < d.w; x++ {
			for y := y0; y < y0+codeBlockStripe && y < d.h; y++ {
				i := d.idx(x, y)
				if d.flags[i]&(flagSig|flagVisit) != flagSig {
					continue
				}
				k := y*d.w + x
				if d.mq.Decode(&d.ctx[d.refineContext(i)]) == 1 {
					d.mag[k] |= 1 << d.bitpos
				}
				d.plane[k] = uint8(d.bitpos)
				d.flags[i] |= flagRefined
			}
		}
	}
}

func (d *BlockDecoder) cleanup() {
	for y0 := 0; y0 < d.h; y0 += codeBlockStripe {
		full := y0+codeBlockStripe <= d.h
		for x := 0; x < d.w; x++ {
			start := y0
			known := -1
			if full && d.runLengthEligible(x, y0) {
				if d.mq.Decode(&d.ctx[CtxRunLength]) == 0 {
					continue
				}
				run := d.mq.Decode(&d.ctx[CtxUniform]) << 1
				run |= d.mq.Decode(&d.ctx[CtxUniform])
				start = y0 + run
				known = start
			}
			for y := start; y < y0+codeBlockStripe && y < d.h; y++ {
				i := d.idx(x, y)
				if y != known {
					if d.flags[i]&(flagSig|flagVisit) != 0 {
						d.flags[i] &^= flagVisit
						continue
					}
					hn, vn, dn := d.neighbours(i)
					if d.mq.Decode(&d.ctx[zeroContext(hn, vn, dn, d.orient)]) == 0 {
						continue
					}
				}
				d.decodeSign(i)
				d.flags[i] |= flagSig
				d.setBit(y*d.w + x)
			}
			for y := y0; y < start; y++ {
				d.flags[d.idx(x, y)] &^= flagVisit
			}
		}
	}
}

// half returns 2*|value| of coefficient k reconstructed at the midpoint of
// its remaining uncertainty interval, and whether it is negative.
func (d *BlockDecoder) half(x, y int) (uint32, bool) {
	k := y*d.w + x
	m := d.mag[k]
	if m == 0 {
		return 0, false
	}
	return m<<1 | 1<<d.plane[k], d.flags[d.idx(x, y)]&flagNeg != 0
}

// Reversible writes integer coefficients into dst at (x0, y0) with the given stride
func (d *BlockDecoder) Reversible(dst []int32, stride, x0, y0 int) {
	for y := 0; y < d.h; y++ {
		row := dst[(y0+y)*stride+x0:]
		for x := 0; x < d.w; x++ {
			h, neg := d.half(x, y)
			v := int32(h >> 1)
			if neg {
				v = -v
			}
			row[x] = v
		}
	}
}

// Irreversible writes dequantized coefficients into dst at (x0, y0)
func (d *BlockDecoder) Irreversible(dst []float64, stride, x0, y0 int, step float64) {
	for y := 0; y < d.h; y++ {
		row := dst[(y0+y)*stride+x0:]
		for x := 0; x < d.w; x++ {
			h, neg := d.half(x, y)
			v := float64(h) * 0.5 * step
			if neg {
				v = -v
			}
			row[x] = v
		}
	}
}
