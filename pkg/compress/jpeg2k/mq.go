package jpeg2k

// MQ arithmetic coder, ITU-T T.800 Annex C.

// MQState represents the state of a context in the MQ coder
type MQState struct {
	Index int // Index into probability estimation table
	MPS   int // Most probable symbol (0 or 1)
}

// Probability estimation state table (ITU-T T.800 Table C.2)
type mqEntry struct {
	qe   uint32 // Probability estimate (Qe)
	nmps int    // Next state if MPS
	nlps int    // Next state if LPS
	swi  int    // Switch MPS and LPS on LPS occurrence
}

var mqTable = [47]mqEntry{
	{0x5601, 1, 1, 1},
	{0x3401, 2, 6, 0},
	{0x1801, 3, 9, 0},
	{0x0AC1, 4, 12, 0},
	{0x0521, 5, 29, 0},
	{0x0221, 38, 33, 0},
	{0x5601, 7, 6, 1},
	{0x5401, 8, 14, 0},
	{0x4801, 9, 14, 0},
	{0x3801, 10, 14, 0},
	{0x3001, 11, 17, 0},
	{0x2401, 12, 18, 0},
	{0x1C01, 13, 20, 0},
	{0x1601, 29, 21, 0},
	{0x5601, 15, 14, 1},
	{0x5401, 16, 14, 0},
	{0x5101, 17, 15, 0},
	{0x4801, 18, 16, 0},
	{0x3801, 19, 17, 0},
	{0x3401, 20, 18, 0},
	{0x3001, 21, 19, 0},
	{0x2801, 22, 19, 0},
	{0x2401, 23, 20, 0},
	{0x2201, 24, 21, 0},
	{0x1C01, 25, 22, 0},
	{0x1801, 26, 23, 0},
	{0x1601, 27, 24, 0},
	{0x1401, 28, 25, 0},
	{0x1201, 29, 26, 0},
	{0x1101, 30, 27, 0},
	{0x0AC1, 31, 28, 0},
	{0x09C1, 32, 29, 0},
	{0x08A1, 33, 30, 0},
	{0x0521, 34, 31, 0},
	{0x0441, 35, 32, 0},
	{0x02A1, 36, 33, 0},
	{0x0221, 37, 34, 0},
	{0x0141, 38, 35, 0},
	{0x0111, 39, 36, 0},
	{0x0085, 40, 37, 0},
	{0x0049, 41, 38, 0},
	{0x0025, 42, 39, 0},
	{0x0015, 43, 40, 0},
	{0x0009, 44, 41, 0},
	{0x0005, 45, 42, 0},
	{0x0001, 45, 43, 0},
	{0x5601, 46, 46, 0},
}

// MQEncoder implements the MQ arithmetic encoder. buf[0] is a scratch byte
// standing in for the byte before the first output byte, so a carry into it
// is harmless.
type MQEncoder struct {
	buf []byte
	bp  int    // index of the last byte written
	A   uint32 // Interval size
	C   uint32 // Code register
	ct  int    // Bits left before the next byte out
}

// NewMQEncoder creates a new MQ encoder
func NewMQEncoder() *MQEncoder {
	e := &MQEncoder{buf: make([]byte, 1, 4096)}
	e.Reset()
	return e
}

// Reset clears all output and restarts the coder
func (e *MQEncoder) Reset() {
	e.buf = e.buf[:1]
	e.buf[0] = 0
	e.bp = 0
	e.A = 0x8000
	e.C = 0
	e.ct = 12
}

// Encode codes one decision in the given context
func (e *MQEncoder) Encode(bit int, ctx *MQState) {
	entry := &mqTable[ctx.Index]
	qe := entry.qe
	e.A -= qe
	if bit == ctx.MPS {
		if e.A&0x8000 != 0 {
			e.C += qe
			return
		}
		if e.A < qe {
			e.A = qe
		} else {
			e.C += qe
		}
		ctx.Index = entry.nmps
		e.renorm()
		return
	}
	if e.A < qe {
		e.C += qe
	} else {
		e.A = qe
	}
	if entry.swi != 0 {
		ctx.MPS = 1 - ctx.MPS
	}
	ctx.Index = entry.nlps
	e.renorm()
}

func (e *MQEncoder) renorm() {
	for {
		e.A <<= 1
		e.C <<= 1
		e.ct--
		if e.ct == 0 {
			e.byteOut()
		}
		if e.A&0x8000 != 0 {
			return
		}
	}
}

func (e *MQEncoder) advance() {
	e.bp++
	if e.bp == len(e.buf) {
		e.buf = append(e.buf, 0)
	}
}

func (e *MQEncoder) byteOut() {
	if e.buf[e.bp] == 0xFF {
		e.advance()
		e.buf[e.bp] = byte(e.C >> 20)
		e.C &= 0xFFFFF
		e.ct = 7
		return
	}
	if e.C&0x8000000 == 0 {
		e.advance()
		e.buf[e.bp] = byte(e.C >> 19)
		e.C &= 0x7FFFF
		e.ct = 8
		return
	}
	e.buf[e.bp]++
	if e.buf[e.bp] == 0xFF {
		e.C &= 0x7FFFFFF
		e.advance()
		e.buf[e.bp] = byte(e.C >> 20)
		e.C &= 0xFFFFF
		e.ct = 7
		return
	}
	e.advance()
	e.buf[e.bp] = byte(e.C >> 19)
	e.C &= 0x7FFFF
	e.ct = 8
}

// NumBytes returns the number of bytes that can no longer change. The byte
// under bp may still receive a carry.
func (e *MQEncoder) NumBytes() int {
	if e.bp < 1 {
		return 0
	}
	return e.bp - 1
}

// Flush terminates the codeword (T.800 C.2.9). A trailing 0xFF is dropped;
// the decoder synthesizes it.
func (e *MQEncoder) Flush() {
	tempc := e.C + e.A
	e.C |= 0xFFFF
	if e.C >= tempc {
		e.C -= 0x8000
	}
	e.C <<= uint(e.ct)
	e.byteOut()
	e.C <<= uint(e.ct)
	e.byteOut()
	if e.buf[e.bp] != 0xFF {
		e.advance()
	}
}

// Bytes returns encoded data. After Flush this is the complete codeword.
func (e *MQEncoder) Bytes() []byte {
	if e.bp < 1 {
		return nil
	}
	return e.buf[1:e.bp]
}

// MQDecoder implements the MQ arithmetic decoder
type MQDecoder struct {
	data []byte
	bp   int
	A    uint32
	C    uint32
	ct   int
}

// NewMQDecoder creates a decoder over one codeword segment
func NewMQDecoder(data []byte) *MQDecoder {
	d := &MQDecoder{data: data}
	d.C = uint32(d.at(0)) << 16
	d.byteIn()
	d.C <<= 7
	d.ct -= 7
	d.A = 0x8000
	return d
}

// at returns data[i], or 0xFF past the end of the segment
func (d *MQDecoder) at(i int) uint32 {
	if i < len(d.data) {
		return uint32(d.data[i])
	}
	return 0xFF
}

func (d *MQDecoder) byteIn() {
	next := d.at(d.bp + 1)
	if d.at(d.bp) == 0xFF {
		if next > 0x8F {
			d.C += 0xFF00
			d.ct = 8
			return
		}
		d.bp++
		d.C += next << 9
		d.ct = 7
		return
	}
	d.bp++
	d.C += next << 8
	d.ct = 8
}

func (d *MQDecoder) renorm() {
	for {
		if d.ct == 0 {
			d.byteIn()
		}
		d.A <<= 1
		d.C <<= 1
		d.ct--
		if d.A&0x8000 != 0 {
			return
		}
	}
}

// Decode decodes one decision in the given context
func (d *MQDecoder) Decode(ctx *MQState) int {
	entry := &mqTable[ctx.Index]
	qe := entry.qe
	d.A -= qe
	var bit int
	if d.C>>16 < qe {
		// LPS exchange
		if d.A < qe {
			bit = ctx.MPS
			ctx.Index = entry.nmps
		} else {
			bit = 1 - ctx.MPS
			if entry.swi != 0 {
				ctx.MPS = 1 - ctx.MPS
			}
			ctx.Index = entry.nlps
		}
		d.A = qe
		d.renorm()
		return bit
	}
	d.C -= qe << 16
	if d.A&0x8000 != 0 {
		return ctx.MPS
	}
	// MPS exchange
	if d.A < qe {
		bit = 1 - ctx.MPS
		if entry.swi != 0 {
			ctx.MPS = 1 - ctx.MPS
		}
		ctx.Index = entry.nlps
	} else {
		bit = ctx.MPS
		ctx.Index = entry.nmps
	}
	d.renorm()
	return bit
}

// Context constants for EBCOT (T.800 Table D.7 numbering)
const (
	NumMQContexts  = 19
	CtxZeroStart   = 0
	CtxSignStart   = 9
	CtxMagRefFirst = 14
	CtxMagRef      = 15
	CtxMagRefNext  = 16
	CtxRunLength   = 17
	CtxUniform     = 18
)

// ResetContexts creates contexts all in state 0
func ResetContexts(n int) []MQState {
	return make([]MQState, n)
}

// SetupDefaultContexts returns EBCOT-initialized contexts (T.800 Table D.7)
func SetupDefaultContexts() []MQState {
	contexts := make([]MQState, NumMQContexts)
	contexts[CtxZeroStart] = MQState{Index: 4}
	contexts[CtxRunLength] = MQState{Index: 3}
	contexts[CtxUniform] = MQState{Index: 46}
	return contexts
}
