package jpeg2k

import (
	"math"
	"math/bits"
)

// Scalar quantization, ITU-T T.800 Annex E.

const (
	defaultGuardBits = 2
	maxGuardBits     = 7
)

// BandIndex maps a subband to its position in the QCD step list: LL first,
// then HL, LH, HH for each level from the coarsest to the finest.
func BandIndex(levels, level int, band Subband) int {
	if band == SubbandLL {
		return 0
	}
	return 1 + 3*(levels-level) + int(band) - 1
}

// dynamicRange returns R_b, the nominal bit depth of a subband
func dynamicRange(precision int, t TransformType, band Subband) int {
	if t == TransformReversible53 {
		return precision + band.reversibleGain()
	}
	return precision
}

// EncodeStepSize expresses delta as 2^(rb-exponent) * (1 + mantissa/2048)
// (T.800 E-3), rounding the mantissa down.
func EncodeStepSize(delta float64, rb int) StepSize {
	fixed := uint32(delta * 8192)
	if fixed == 0 {
		fixed = 1
	}
	log := bits.Len32(fixed) - 1
	p := log - 13
	n := 11 - log
	var mant uint32
	if n < 0 {
		mant = fixed >> -n
	} else {
		mant = fixed << n
	}
	return StepSize{Exponent: rb - p, Mantissa: int(mant & 0x7FF)}
}

// Delta returns the quantizer step size of a subband with dynamic range rb
func (s StepSize) Delta(rb int) float64 {
	return math.Ldexp(1+float64(s.Mantissa)/2048, rb-s.Exponent)
}

// reversibleExponent is the exponent written for a reversible subband
func reversibleExponent(precision int, band Subband) int {
	return precision + band.reversibleGain()
}

// irreversibleStep returns the target step of a 9/7 subband: coefficients
// are quantized so a unit of error carries equal weight in the image domain.
func irreversibleStep(level int, band Subband, precision int) StepSize {
	return EncodeStepSize(1/SubbandNorm(TransformIrreversible97, level, band), dynamicRange(precision, TransformIrreversible97, band))
}

// quantize returns the deadzone quantized value of c and |c|/delta
func quantize(c, delta float64) (int32, float64) {
	exact := math.Abs(c) / delta
	q := int32(exact)
	if c < 0 {
		q = -q
	}
	return q, exact
}

// guardBitsFor returns the guard bits needed so that numbps magnitude
// planes fit a subband written with exponent, never fewer than the default.
func guardBitsFor(numbps, exponent int) int {
	return max(defaultGuardBits, numbps-exponent+1)
}
