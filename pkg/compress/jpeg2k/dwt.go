package jpeg2k

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"sync"
)

// DWT implements the 5/3 reversible and 9/7 irreversible discrete wavelet
// transforms of ITU-T T.800 Annex F. Coefficients are kept in place in the
// Mallat layout: after each level the LL band occupies the top-left corner.

// ErrInvalidDimension signals a decomposition the image cannot support
var ErrInvalidDimension = errors.New("invalid dimension")

// maxDecompLevels is the Part-1 limit on decomposition levels
const maxDecompLevels = 32

// MaxResolutions returns the most resolution levels a width x height image
// can be decomposed into.
func MaxResolutions(width, height int) int {
	m := min(width, height)
	if m < 1 {
		return 0
	}
	return min(bits.Len(uint(m)), maxDecompLevels+1)
}

// CheckLevels validates a decomposition level count for an image size
func CheckLevels(width, height, levels int) error {
	maxRes := MaxResolutions(width, height)
	if levels < 0 || levels > maxRes-1 {
		return fmt.Errorf("%w: %d levels for %dx%d (max %d)", ErrInvalidDimension, levels, width, height, maxRes-1)
	}
	return nil
}

// LevelDims returns the LL size after each level: dims[0] is the full image
// and dims[i] = ceil(dims[i-1]/2).
func LevelDims(width, height, levels int) [][2]int {
	dims := make([][2]int, levels+1)
	dims[0] = [2]int{width, height}
	for i := 1; i <= levels; i++ {
		dims[i] = [2]int{(dims[i-1][0] + 1) / 2, (dims[i-1][1] + 1) / 2}
	}
	return dims
}

// Forward53 performs a 1D forward 5/3 transform in place: low-pass samples
// followed by high-pass samples.
func Forward53(signal, scratch []int32) {
	n := len(signal)
	if n < 2 {
		return
	}
	nl := (n + 1) / 2
	nh := n / 2
	low, high := scratch[:nl], scratch[nl:n]
	for i := 0; i < nl; i++ {
		low[i] = signal[2*i]
	}
	for i := 0; i < nh; i++ {
		high[i] = signal[2*i+1]
	}
	// Predict: d[i] = x[2i+1] - floor((x[2i] + x[2i+2]) / 2)
	for i := 0; i < nh; i++ {
		right := low[i]
		if i+1 < nl {
			right = low[i+1]
		}
		high[i] -= (low[i] + right) >> 1
	}
	// Update: s[i] = x[2i] + floor((d[i-1] + d[i] + 2) / 4)
	for i := 0; i < nl; i++ {
		left := high[max(i-1, 0)]
		right := high[min(i, nh-1)]
		low[i] += (left + right + 2) >> 2
	}
	copy(signal, scratch[:n])
}

// Inverse53 undoes Forward53
func Inverse53(signal, scratch []int32) {
	n := len(signal)
	if n < 2 {
		return
	}
	nl := (n + 1) / 2
	nh := n / 2
	copy(scratch[:n], signal)
	low, high := scratch[:nl], scratch[nl:n]
	for i := 0; i < nl; i++ {
		left := high[max(i-1, 0)]
		right := high[min(i, nh-1)]
		low[i] -= (left + right + 2) >> 2
	}
	for i := 0; i < nh; i++ {
		right := low[i]
		if i+1 < nl {
			right = low[i+1]
		}
		high[i] += (low[i] + right) >> 1
	}
	for i := 0; i < nl; i++ {
		signal[2*i] = low[i]
	}
	for i := 0; i < nh; i++ {
		signal[2*i+1] = high[i]
	}
}

// lifting describes a floating-point lifting factorization: steps alternate
// predict (even index) and update (odd index), then the bands are scaled.
type lifting struct {
	steps     []float64
	lowScale  float64
	highScale float64
}

// 9/7 lifting coefficients (T.800 Table F.4)
var lifting97 = lifting{
	steps:     []float64{-1.586134342059924, -0.052980118572961, 0.882911075530934, 0.443506852043971},
	lowScale:  1 / 1.230174104914001,
	highScale: 1.230174104914001 / 2,
}

// lifting53 is the 5/3 filter in floating point, used for norm computation
var lifting53 = lifting{
	steps:     []float64{-0.5, 0.25},
	lowScale:  1,
	highScale: 1,
}

func (l *lifting) predict(low, high []float64, a float64) {
	nl := len(low)
	for i := range high {
		right := low[min(i+1, nl-1)]
		high[i] += a * (low[i] + right)
	}
}

func (l *lifting) update(low, high []float64, a float64) {
	nh := len(high)
	for i := range low {
		high0 := high[max(i-1, 0)]
		high1 := high[min(i, nh-1)]
		low[i] += a * (high0 + high1)
	}
}

func (l *lifting) forward(signal, scratch []float64) {
	n := len(signal)
	if n < 2 {
		return
	}
	nl := (n + 1) / 2
	low, high := scratch[:nl], scratch[nl:n]
	for i := range low {
		low[i] = signal[2*i]
	}
	for i := range high {
		high[i] = signal[2*i+1]
	}
	for j, a := range l.steps {
		if j%2 == 0 {
			l.predict(low, high, a)
		} else {
			l.update(low, high, a)
		}
	}
	for i := range low {
		low[i] *= l.lowScale
	}
	for i := range high {
		high[i] *= l.highScale
	}
	copy(signal, scratch[:n])
}

func (l *lifting) inverse(signal, scratch []float64) {
	n := len(signal)
	if n < 2 {
		return
	}
	nl := (n + 1) / 2
	copy(scratch[:n], signal)
	low, high := scratch[:nl], scratch[nl:n]
	for i := range low {
		low[i] /= l.lowScale
	}
	for i := range high {
		high[i] /= l.highScale
	}
	for j := len(l.steps) - 1; j >= 0; j-- {
		if j%2 == 0 {
			l.predict(low, high, -l.steps[j])
		} else {
			l.update(low, high, -l.steps[j])
		}
	}
	for i := range low {
		signal[2*i] = low[i]
	}
	for i := range high {
		signal[2*i+1] = high[i]
	}
}

// Forward97 performs a 1D forward 9/7 transform in place
func Forward97(signal, scratch []float64) {
	lifting97.forward(signal, scratch)
}

// Inverse97 undoes Forward97
func Inverse97(signal, scratch []float64) {
	lifting97.inverse(signal, scratch)
}

// transform2D applies a 1D transform to the rows then the columns of the
// top-left width x height region, or the reverse order when inverse is set.
func transform2D[T int32 | float64](data []T, stride, width, height int, fn func(signal, scratch []T), inverse bool) {
	scratch := make([]T, max(width, height))
	col := make([]T, height)
	rows := func() {
		if width < 2 {
			return
		}
		for y := 0; y < height; y++ {
			fn(data[y*stride:y*stride+width], scratch)
		}
	}
	cols := func() {
		if height < 2 {
			return
		}
		for x := 0; x < width; x++ {
			for y := 0; y < height; y++ {
				col[y] = data[y*stride+x]
			}
			fn(col, scratch)
			for y := 0; y < height; y++ {
				data[y*stride+x] = col[y]
			}
		}
	}
	if inverse {
		cols()
		rows()
		return
	}
	rows()
	cols()
}

func forwardLevels[T int32 | float64](data []T, width, height, levels int, fn func(signal, scratch []T)) {
	dims := LevelDims(width, height, levels)
	for level := 0; level < levels; level++ {
		transform2D(data, width, dims[level][0], dims[level][1], fn, false)
	}
}

func inverseLevels[T int32 | float64](data []T, width, height, levels, skip int, fn func(signal, scratch []T)) (int, int) {
	skip = min(max(skip, 0), levels)
	dims := LevelDims(width, height, levels)
	for level := levels - 1; level >= skip; level-- {
		transform2D(data, width, dims[level][0], dims[level][1], fn, true)
	}
	return dims[skip][0], dims[skip][1]
}

// ForwardMultiLevel53 performs a multi-level 2D 5/3 decomposition in place
func ForwardMultiLevel53(data []int32, width, height, levels int) {
	forwardLevels(data, width, height, levels, Forward53)
}

// InverseMultiLevel53 reconstructs all but the skip finest levels. The
// reduced image is left in the top-left corner; its size is returned.
func InverseMultiLevel53(data []int32, width, height, levels, skip int) (int, int) {
	return inverseLevels(data, width, height, levels, skip, Inverse53)
}

// ForwardMultiLevel97 performs a multi-level 2D 9/7 decomposition in place
func ForwardMultiLevel97(data []float64, width, height, levels int) {
	forwardLevels(data, width, height, levels, Forward97)
}

// InverseMultiLevel97 is the 9/7 counterpart of InverseMultiLevel53
func InverseMultiLevel97(data []float64, width, height, levels, skip int) (int, int) {
	return inverseLevels(data, width, height, levels, skip, Inverse97)
}

// SubbandBounds is a rectangle of the coefficient plane, X1/Y1 exclusive
type SubbandBounds struct {
	X0, Y0 int
	X1, Y1 int
}

// Width of the rectangle
func (b SubbandBounds) Width() int { return b.X1 - b.X0 }

// Height of the rectangle
func (b SubbandBounds) Height() int { return b.Y1 - b.Y0 }

// Empty reports whether the rectangle has no samples
func (b SubbandBounds) Empty() bool { return b.Width() <= 0 || b.Height() <= 0 }

// GetSubbandBounds returns where a subband of decomposition level (1 is the
// finest) lives in the coefficient plane.
func GetSubbandBounds(width, height, level int, band Subband) SubbandBounds {
	if level < 1 {
		return SubbandBounds{X1: width, Y1: height}
	}
	dims := LevelDims(width, height, level)
	pw, ph := dims[level-1][0], dims[level-1][1]
	lw, lh := dims[level][0], dims[level][1]
	switch band {
	case SubbandLL:
		return SubbandBounds{0, 0, lw, lh}
	case SubbandHL:
		return SubbandBounds{lw, 0, pw, lh}
	case SubbandLH:
		return SubbandBounds{0, lh, lw, ph}
	case SubbandHH:
		return SubbandBounds{lw, lh, pw, ph}
	default:
		return SubbandBounds{}
	}
}

// ExtractSubband copies a rectangle out of the coefficient plane
func ExtractSubband[T any](data []T, stride int, bounds SubbandBounds) []T {
	w, h := bounds.Width(), bounds.Height()
	result := make([]T, w*h)
	for y := 0; y < h; y++ {
		copy(result[y*w:(y+1)*w], data[(bounds.Y0+y)*stride+bounds.X0:])
	}
	return result
}

// InsertSubband copies a rectangle back into the coefficient plane
func InsertSubband[T any](data []T, stride int, bounds SubbandBounds, sub []T) {
	w, h := bounds.Width(), bounds.Height()
	for y := 0; y < h; y++ {
		copy(data[(bounds.Y0+y)*stride+bounds.X0:(bounds.Y0+y)*stride+bounds.X1], sub[y*w:(y+1)*w])
	}
}

// waveletNorms holds the L2 norms of the 1D synthesis basis functions of
// each level, index 0 unused.
type waveletNorms struct {
	low, high []float64
}

const normLevels = 12

func computeNorms(l *lifting) waveletNorms {
	norms := waveletNorms{low: make([]float64, normLevels+1), high: make([]float64, normLevels+1)}
	norms.low[0], norms.high[0] = 1, 1
	impulse := func(level, pos int) float64 {
		n := 16 << level
		signal := make([]float64, n)
		scratch := make([]float64, n)
		signal[pos] = 1
		for j := level; j >= 1; j-- {
			l.inverse(signal[:n>>(j-1)], scratch)
		}
		e := 0.0
		for _, v := range signal {
			e += v * v
		}
		return math.Sqrt(e)
	}
	const band = 16 // band length at the impulse level
	for level := 1; level <= normLevels; level++ {
		norms.low[level] = impulse(level, band/2)
		norms.high[level] = impulse(level, band+band/2)
	}
	return norms
}

var (
	norms53 = sync.OnceValue(func() waveletNorms { return computeNorms(&lifting53) })
	norms97 = sync.OnceValue(func() waveletNorms { return computeNorms(&lifting97) })
)

func (n waveletNorms) at(v []float64, level int) float64 {
	if level <= normLevels {
		return v[level]
	}
	ratio := v[normLevels] / v[normLevels-1]
	return v[normLevels] * math.Pow(ratio, float64(level-normLevels))
}

// SubbandNorm returns the L2 norm of the 2D synthesis basis function of a
// subband at decomposition level (1 finest). Level 0 is the untransformed
// image with norm 1.
func SubbandNorm(t TransformType, level int, band Subband) float64 {
	if level < 1 {
		return 1
	}
	n := norms97()
	if t == TransformReversible53 {
		n = norms53()
	}
	lo, hi := n.at(n.low, level), n.at(n.high, level)
	switch band {
	case SubbandLL:
		return lo * lo
	case SubbandHL, SubbandLH:
		return lo * hi
	default:
		return hi * hi
	}
}
