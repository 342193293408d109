package jpeg2k

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrImageTooLarge signals dimensions beyond what the codec will allocate
	ErrImageTooLarge = errors.New("image too large")
)

const (
	// maxImagePixels bounds W*H on both encode and decode
	maxImagePixels = 1 << 28
	// maxPrecinctSide is the largest single-precinct resolution (PPx = PPy = 15)
	maxPrecinctSide = 1 << 15
)

// tileParams are the coding parameters shared by the encoder and decoder of
// the single tile.
type tileParams struct {
	width, height int
	numComps      int
	precision     []int
	levels        int
	transform     TransformType
	mct           bool
	cbw, cbh      int
}

func (p *tileParams) reversible() bool {
	return p.transform == TransformReversible53
}

func (p *tileParams) resolutions() int {
	return p.levels + 1
}

func (p *tileParams) check() error {
	if p.width < 1 || p.height < 1 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidDimension, p.width, p.height)
	}
	if int64(p.width)*int64(p.height) > maxImagePixels {
		return fmt.Errorf("%w: %dx%d", ErrImageTooLarge, p.width, p.height)
	}
	if p.width > maxPrecinctSide || p.height > maxPrecinctSide {
		return fmt.Errorf("%w: %dx%d needs more than one precinct", ErrUnsupportedCodec, p.width, p.height)
	}
	return CheckLevels(p.width, p.height, p.levels)
}

// tileComponent is the band and code-block structure of one component
type tileComponent struct {
	res []*resolution
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

func (p *tileParams) newComponent() *tileComponent {
	tc := &tileComponent{res: make([]*resolution, p.resolutions())}
	for r := range tc.res {
		res := &resolution{}
		if r == 0 {
			res.bands = []*band{p.newBand(p.levels, SubbandLL)}
		} else {
			level := p.levels - r + 1
			res.bands = []*band{p.newBand(level, SubbandHL), p.newBand(level, SubbandLH), p.newBand(level, SubbandHH)}
		}
		tc.res[r] = res
	}
	return tc
}

func (p *tileParams) newBand(level int, kind Subband) *band {
	b := &band{kind: kind, level: level, bounds: GetSubbandBounds(p.width, p.height, level, kind), step: 1}
	if b.bounds.Empty() {
		return b
	}
	b.gridW = ceilDiv(b.bounds.Width(), p.cbw)
	b.gridH = ceilDiv(b.bounds.Height(), p.cbh)
	b.blocks = make([]*codeBlock, 0, b.gridW*b.gridH)
	for gy := 0; gy < b.gridH; gy++ {
		for gx := 0; gx < b.gridW; gx++ {
			x0 := b.bounds.X0 + gx*p.cbw
			y0 := b.bounds.Y0 + gy*p.cbh
			b.blocks = append(b.blocks, &codeBlock{
				gx: gx, gy: gy,
				bounds: SubbandBounds{x0, y0, min(x0+p.cbw, b.bounds.X1), min(y0+p.cbh, b.bounds.Y1)},
			})
		}
	}
	return b
}

func (tc *tileComponent) bands(fn func(*band)) {
	for _, r := range tc.res {
		for _, b := range r.bands {
			fn(b)
		}
	}
}

// packetize writes the packets of the first layers in the given order. Bodies
// are skipped unless withBody is set; the size always counts them.
func packetize(comps []*tileComponent, order ProgressionOrder, layers int, withBody bool) ([]byte, int) {
	for _, tc := range comps {
		for _, r := range tc.res {
			r.resetEncoder()
		}
	}
	var out []byte
	total := 0
	for _, pi := range progressionSequence(order, layers, len(comps[0].res), len(comps)) {
		var n int
		out, n = comps[pi.comp].res[pi.res].encodePacket(out, pi.layer, withBody)
		total += n
	}
	return out, total
}

// tileEncoding is the coded tile plus the quantization it was coded with
type tileEncoding struct {
	data []byte
	qcd  *QCDMarker
}

// encodeTile codes unsigned samples (one plane per component) into packets.
// headerBytes is the size of everything but the packets, charged against
// ratio budgets.
func encodeTile(planes [][]int32, p *tileParams, plan LayerPlan, order ProgressionOrder, headerBytes int) (*tileEncoding, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	n := p.width * p.height
	qcd := p.quantization()
	comps := make([]*tileComponent, p.numComps)
	ints := make([][]int32, p.numComps)
	floats := make([][]float64, p.numComps)
	for c := range planes {
		shift := int32(1) << (p.precision[c] - 1)
		if p.reversible() {
			ints[c] = make([]int32, n)
			for i, v := range planes[c][:n] {
				ints[c][i] = v - shift
			}
		} else {
			floats[c] = make([]float64, n)
			for i, v := range planes[c][:n] {
				floats[c][i] = float64(v - shift)
			}
		}
	}
	if p.mct {
		if p.reversible() {
			ForwardRCT(ints[0], ints[1], ints[2])
		} else {
			ForwardICT(floats[0], floats[1], floats[2])
		}
	}

	bandBits := make([]int, len(qcd.Steps))
	enc := NewBlockEncoder()
	var blocks []*codeBlock
	for c := 0; c < p.numComps; c++ {
		if p.reversible() {
			ForwardMultiLevel53(ints[c], p.width, p.height, p.levels)
		} else {
			ForwardMultiLevel97(floats[c], p.width, p.height, p.levels)
		}
		tc := p.newComponent()
		comps[c] = tc
		tc.bands(func(b *band) {
			idx := BandIndex(p.levels, b.level, b.kind)
			step := qcd.Steps[idx]
			if !p.reversible() {
				b.step = step.Delta(dynamicRange(p.precision[c], p.transform, b.kind))
			}
			weight := b.step * SubbandNorm(p.transform, b.level, b.kind) * ComponentNorm(p.transform, p.mct, c)
			for _, cb := range b.blocks {
				var q []int32
				var exact []float64
				if p.reversible() {
					q = ExtractSubband(ints[c], p.width, cb.bounds)
				} else {
					src := ExtractSubband(floats[c], p.width, cb.bounds)
					q = make([]int32, len(src))
					exact = make([]float64, len(src))
					for i, v := range src {
						q[i], exact[i] = quantize(v, b.step)
					}
				}
				cb.enc = enc.Encode(q, exact, cb.bounds.Width(), cb.bounds.Height(), b.kind, weight)
				bandBits[idx] = max(bandBits[idx], cb.enc.NumBps)
				blocks = append(blocks, cb)
			}
		})
	}

	guard := defaultGuardBits
	for i, nb := range bandBits {
		guard = max(guard, guardBitsFor(nb, qcd.Steps[i].Exponent))
	}
	if guard > maxGuardBits {
		return nil, fmt.Errorf("%w: coefficients need %d guard bits", ErrUnsupportedImage, guard)
	}
	qcd.GuardBits = byte(guard)
	for _, tc := range comps {
		tc.bands(func(b *band) {
			b.mb = guard + qcd.Steps[BandIndex(p.levels, b.level, b.kind)].Exponent - 1
		})
	}

	alloc := newRateAllocator(blocks, plan)
	alloc.measure = func(k int) int {
		_, size := packetize(comps, ProgressionLRCP, k+1, false)
		return size
	}
	alloc.budget = func(ratio float64) int {
		return int(float64(p.width*p.height*p.numComps)/ratio) - headerBytes
	}
	alloc.tolerated = func(psnr float64) float64 {
		return float64(p.numComps*p.width*p.height) * 255 * 255 / math.Pow(10, psnr/10)
	}
	alloc.distortion = func(k int) float64 {
		got, _, _, err := p.synthesize(comps, 0, func(cb *codeBlock) ([]byte, int, int) {
			n := cb.layerPasses[k]
			if cb.enc == nil || n == 0 {
				return nil, 0, 0
			}
			return cb.enc.Data[:cb.enc.Passes[n-1].Rate], cb.enc.NumBps, n
		})
		if err != nil {
			return math.Inf(1)
		}
		sum := 0.0
		for c := range planes {
			for i, v := range planes[c][:n] {
				d := float64(v - got[c][i])
				sum += d * d
			}
		}
		return sum
	}
	alloc.allocate()

	data, _ := packetize(comps, order, plan.NumLayers(), true)
	return &tileEncoding{data: data, qcd: qcd}, nil
}

// quantization returns the QCD of the tile with provisional guard bits
func (p *tileParams) quantization() *QCDMarker {
	qcd := &QCDMarker{GuardBits: defaultGuardBits, Steps: make([]StepSize, 3*p.levels+1)}
	prec := p.precision[0]
	set := func(level int, kind Subband) {
		idx := BandIndex(p.levels, level, kind)
		if p.reversible() {
			qcd.Steps[idx] = StepSize{Exponent: reversibleExponent(prec, kind)}
		} else {
			qcd.Steps[idx] = irreversibleStep(level, kind, prec)
		}
	}
	set(p.levels, SubbandLL)
	for level := p.levels; level >= 1; level-- {
		set(level, SubbandHL)
		set(level, SubbandLH)
		set(level, SubbandHH)
	}
	if p.reversible() {
		qcd.Style = QuantizationNone
	} else {
		qcd.Style = QuantizationScalarExpounded
	}
	return qcd
}

// decodedTile holds reconstructed unsigned samples, one plane per component
type decodedTile struct {
	width, height int
	planes        [][]int32
	precision     []int
}

// decodeParams derives and validates tile parameters from the main header
func decodeParams(cs *CodestreamReader) (*tileParams, error) {
	siz, cod := &cs.SIZ, &cs.COD
	switch {
	case siz.XOsiz != 0 || siz.YOsiz != 0 || siz.XTOsiz != 0 || siz.YTOsiz != 0:
		return nil, fmt.Errorf("%w: image or tile offset", ErrUnsupportedCodec)
	case siz.NumTiles() != 1:
		return nil, fmt.Errorf("%w: %d tiles", ErrUnsupportedCodec, siz.NumTiles())
	case len(siz.Components) > 4:
		return nil, fmt.Errorf("%w: %d components", ErrUnsupportedCodec, len(siz.Components))
	case cod.CodeBlockStyle != 0:
		return nil, fmt.Errorf("%w: code-block style 0x%02X", ErrUnsupportedCodec, cod.CodeBlockStyle)
	case cod.Scod&(CodingStyleSOPMarker|CodingStyleEPHMarker) != 0:
		return nil, fmt.Errorf("%w: SOP/EPH markers", ErrUnsupportedCodec)
	case cod.MCT != 0 && len(siz.Components) < 3:
		return nil, fmt.Errorf("%w: component transform on %d components", ErrInvalidCOD, len(siz.Components))
	}
	for _, pp := range cod.PrecinctSizes {
		if pp != 0xFF {
			return nil, fmt.Errorf("%w: user precinct sizes", ErrUnsupportedCodec)
		}
	}
	p := &tileParams{
		width:     siz.Width(),
		height:    siz.Height(),
		numComps:  len(siz.Components),
		levels:    int(cod.DecompLevels),
		transform: cod.Transform,
		mct:       cod.MCT != 0,
		cbw:       cod.CodeBlockWidth(),
		cbh:       cod.CodeBlockHeight(),
	}
	for i, c := range siz.Components {
		if c.XRsiz != 1 || c.YRsiz != 1 {
			return nil, fmt.Errorf("%w: subsampled component %d", ErrUnsupportedCodec, i)
		}
		if c.Precision > 16 {
			return nil, fmt.Errorf("%w: %d-bit component", ErrUnsupportedCodec, c.Precision)
		}
		p.precision = append(p.precision, c.Precision)
	}
	if err := p.check(); err != nil {
		return nil, err
	}
	qcd := &cs.QCD
	if qcd.Style != QuantizationScalarDerived && len(qcd.Steps) < 3*p.levels+1 {
		return nil, fmt.Errorf("%w: %d steps for %d levels", ErrInvalidQCD, len(qcd.Steps), p.levels)
	}
	if p.reversible() != (qcd.Style == QuantizationNone) {
		return nil, fmt.Errorf("%w: quantization style %d with %s", ErrInvalidQCD, qcd.Style, p.transform)
	}
	return p, nil
}

// decodeTile reconstructs the tile from its packet data, dropping the skip
// finest resolutions and every layer from layers on.
func decodeTile(cs *CodestreamReader, data []byte, skip, layers int) (*decodedTile, error) {
	p, err := decodeParams(cs)
	if err != nil {
		return nil, err
	}
	numLayers := int(cs.COD.NumLayers)
	if layers <= 0 || layers > numLayers {
		layers = numLayers
	}
	skip = min(max(skip, 0), p.levels)
	keepRes := p.resolutions() - skip

	comps := make([]*tileComponent, p.numComps)
	for c := range comps {
		comps[c] = p.newComponent()
		for _, r := range comps[c].res {
			r.resetDecoder()
		}
		comps[c].bands(func(b *band) {
			step := cs.QCD.Step(BandIndex(p.levels, b.level, b.kind), p.levels)
			b.mb = int(cs.QCD.GuardBits) + step.Exponent - 1
			if !p.reversible() {
				b.step = step.Delta(dynamicRange(p.precision[c], p.transform, b.kind))
			}
		})
	}

	seq := progressionSequence(cs.COD.Progression, numLayers, p.resolutions(), p.numComps)
	keep := func(pi packetIndex) bool { return pi.layer < layers && pi.res < keepRes }
	last := -1
	for i, pi := range seq {
		if keep(pi) {
			last = i
		}
	}
	pos := 0
	for _, pi := range seq[:last+1] {
		n, err := comps[pi.comp].res[pi.res].decodePacket(data[pos:], pi.layer, keep(pi))
		if err != nil {
			return nil, fmt.Errorf("packet l%d r%d c%d: %w", pi.layer, pi.res, pi.comp, err)
		}
		pos += n
	}

	planes, w, h, err := p.synthesize(comps, skip, func(cb *codeBlock) ([]byte, int, int) {
		return cb.segment, cb.numbps, cb.kept
	})
	if err != nil {
		return nil, err
	}
	return &decodedTile{width: w, height: h, planes: planes, precision: p.precision}, nil
}

// synthesize dequantizes the code-blocks of comps, runs the inverse wavelet
// and component transforms without the skip finest resolutions and returns
// clamped unsigned samples. block yields the codeword, magnitude bit-planes
// and pass count of a code-block.
func (p *tileParams) synthesize(comps []*tileComponent, skip int, block func(*codeBlock) ([]byte, int, int)) ([][]int32, int, int, error) {
	keepRes := p.resolutions() - skip
	dims := LevelDims(p.width, p.height, p.levels)
	w, h := dims[skip][0], dims[skip][1]
	ints := make([][]int32, p.numComps)
	floats := make([][]float64, p.numComps)
	dec := NewBlockDecoder()
	for c, tc := range comps {
		if p.reversible() {
			ints[c] = make([]int32, w*h)
		} else {
			floats[c] = make([]float64, w*h)
		}
		for _, r := range tc.res[:keepRes] {
			for _, b := range r.bands {
				for _, cb := range b.blocks {
					data, numbps, passes := block(cb)
					if passes == 0 {
						continue
					}
					bw, bh := cb.bounds.Width(), cb.bounds.Height()
					if err := dec.Decode(data, bw, bh, b.kind, numbps, passes); err != nil {
						return nil, 0, 0, err
					}
					if p.reversible() {
						dec.Reversible(ints[c], w, cb.bounds.X0, cb.bounds.Y0)
					} else {
						dec.Irreversible(floats[c], w, cb.bounds.X0, cb.bounds.Y0, b.step)
					}
				}
			}
		}
		if p.reversible() {
			InverseMultiLevel53(ints[c], w, h, p.levels-skip, 0)
		} else {
			InverseMultiLevel97(floats[c], w, h, p.levels-skip, 0)
		}
	}
	if p.mct {
		if p.reversible() {
			InverseRCT(ints[0], ints[1], ints[2])
		} else {
			InverseICT(floats[0], floats[1], floats[2])
		}
	}
	planes := make([][]int32, p.numComps)
	for c := range planes {
		prec := p.precision[c]
		shift := int32(1) << (prec - 1)
		hi := int32(1)<<prec - 1
		plane := make([]int32, w*h)
		for i := range plane {
			var v int32
			if p.reversible() {
				v = ints[c][i]
			} else {
				v = int32(math.Round(floats[c][i]))
			}
			plane[i] = min(max(v+shift, 0), hi)
		}
		planes[c] = plane
	}
	return planes, w, h, nil
}
