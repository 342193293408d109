package jpeg2k

// Component transforms of ITU-T T.800 Annex G: the reversible RCT paired
// with the 5/3 wavelet and the irreversible ICT paired with the 9/7.

// ForwardRCT applies the reversible color transform in place (RGB -> Y Cb Cr)
func ForwardRCT(r, g, b []int32) {
	for i := range r {
		ri, gi, bi := r[i], g[i], b[i]
		r[i] = (ri + 2*gi + bi) >> 2 // Y = floor((R + 2G + B) / 4)
		g[i] = bi - gi               // Cb = B - G
		b[i] = ri - gi               // Cr = R - G
	}
}

// InverseRCT undoes ForwardRCT in place
func InverseRCT(y, cb, cr []int32) {
	for i := range y {
		yi, cbi, cri := y[i], cb[i], cr[i]
		g := yi - ((cbi + cri) >> 2)
		y[i] = cri + g  // R
		cb[i] = g       // G
		cr[i] = cbi + g // B
	}
}

// ForwardICT applies the irreversible color transform in place (RGB -> Y Cb Cr)
func ForwardICT(r, g, b []float64) {
	for i := range r {
		ri, gi, bi := r[i], g[i], b[i]
		r[i] = 0.299*ri + 0.587*gi + 0.114*bi
		g[i] = -0.16875*ri - 0.33126*gi + 0.5*bi
		b[i] = 0.5*ri - 0.41869*gi - 0.08131*bi
	}
}

// InverseICT undoes ForwardICT in place
func InverseICT(y, cb, cr []float64) {
	for i := range y {
		yi, cbi, cri := y[i], cb[i], cr[i]
		y[i] = yi + 1.402*cri
		cb[i] = yi - 0.34413*cbi - 0.71414*cri
		cr[i] = yi + 1.772*cbi
	}
}

// Energy gains of each transformed component back into RGB: the L2 norms
// of the columns of the inverse transform matrices.
var (
	rctNorms = [3]float64{1.732, 0.8292, 0.8292}
	ictNorms = [3]float64{1.732, 1.805, 1.573}
)

// ComponentNorm returns the synthesis gain of transformed component c, or 1
// when no component transform is applied.
func ComponentNorm(t TransformType, mct bool, c int) float64 {
	if !mct || c < 0 || c > 2 {
		return 1
	}
	if t == TransformReversible53 {
		return rctNorms[c]
	}
	return ictNorms[c]
}
