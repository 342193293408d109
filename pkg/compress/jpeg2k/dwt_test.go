package jpeg2k

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForward53_Inverse53_RoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		signal []int32
	}{
		{"single element", []int32{42}},
		{"two elements", []int32{100, 200}},
		{"three elements", []int32{10, 20, 30}},
		{"simple 4 elements", []int32{1, 2, 3, 4}},
		{"odd length", []int32{1, 2, 3, 4, 5}},
		{"constant signal", []int32{100, 100, 100, 100}},
		{"alternating", []int32{0, 255, 0, 255, 0, 255, 0, 255}},
		{"negative", []int32{-128, 127, -1, 0, 5, -77, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := append([]int32(nil), tt.signal...)
			scratch := make([]int32, len(tt.signal))
			Forward53(tt.signal, scratch)
			Inverse53(tt.signal, scratch)
			assert.Equal(t, original, tt.signal)
		})
	}
}

func TestForward53_KnownValues(t *testing.T) {
	signal := []int32{100, 100, 100, 100}
	Forward53(signal, make([]int32, 4))
	assert.Equal(t, []int32{100, 100, 0, 0}, signal, "constant signal has no high-pass energy")
}

func TestForward97_Inverse97_RoundTrip(t *testing.T) {
	for _, n := range []int{1, 2, 3, 8, 17, 64} {
		signal := make([]float64, n)
		for i := range signal {
			signal[i] = math.Sin(float64(i)) * 100
		}
		original := append([]float64(nil), signal...)
		scratch := make([]float64, n)
		Forward97(signal, scratch)
		Inverse97(signal, scratch)
		assert.InDeltaSlice(t, original, signal, 1e-9, "length %d", n)
	}
}

func TestForward97_UnitDCGain(t *testing.T) {
	signal := []float64{10, 10, 10, 10, 10, 10, 10, 10}
	Forward97(signal, make([]float64, 8))
	for i := 0; i < 4; i++ {
		assert.InDelta(t, 10, signal[i], 1e-6, "low %d", i)
		assert.InDelta(t, 0, signal[4+i], 1e-6, "high %d", i)
	}
}

func TestMultiLevel53_RoundTrip(t *testing.T) {
	tests := []struct {
		name          string
		width, height int
		levels        int
	}{
		{"1x1 no levels", 1, 1, 0},
		{"16x16 2 levels", 16, 16, 2},
		{"32x32 4 levels", 32, 32, 4},
		{"64x64 6 levels", 64, 64, 6},
		{"17x17 odd 3 levels", 17, 17, 3},
		{"20x30 rect 2 levels", 20, 30, 2},
		{"1x9 column", 1, 9, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := make([]int32, tt.width*tt.height)
			for i := range data {
				data[i] = int32(i%256) - 128
			}
			original := append([]int32(nil), data...)

			ForwardMultiLevel53(data, tt.width, tt.height, tt.levels)
			w, h := InverseMultiLevel53(data, tt.width, tt.height, tt.levels, 0)
			assert.Equal(t, tt.width, w)
			assert.Equal(t, tt.height, h)
			assert.Equal(t, original, data)
		})
	}
}

func TestMultiLevel97_RoundTrip(t *testing.T) {
	width, height, levels := 37, 23, 4
	data := make([]float64, width*height)
	for i := range data {
		data[i] = float64((i*7)%255) - 127
	}
	original := append([]float64(nil), data...)
	ForwardMultiLevel97(data, width, height, levels)
	InverseMultiLevel97(data, width, height, levels, 0)
	assert.InDeltaSlice(t, original, data, 1e-6)
}

func TestInverseMultiLevel_Skip(t *testing.T) {
	tests := []struct {
		width, height, levels, skip int
		wantW, wantH                int
	}{
		{64, 64, 3, 1, 32, 32},
		{17, 9, 3, 2, 5, 3},
		{640, 512, 5, 5, 20, 16},
		{16, 16, 2, 9, 4, 4},
	}
	for _, tt := range tests {
		data := make([]int32, tt.width*tt.height)
		for i := range data {
			data[i] = 50
		}
		ForwardMultiLevel53(data, tt.width, tt.height, tt.levels)
		w, h := InverseMultiLevel53(data, tt.width, tt.height, tt.levels, tt.skip)
		assert.Equal(t, tt.wantW, w, "%dx%d skip %d", tt.width, tt.height, tt.skip)
		assert.Equal(t, tt.wantH, h, "%dx%d skip %d", tt.width, tt.height, tt.skip)
		// a flat image stays flat at every scale
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				require.Equal(t, int32(50), data[y*tt.width+x], "(%d,%d)", x, y)
			}
		}
	}
}

func TestMaxResolutions(t *testing.T) {
	assert.Equal(t, 1, MaxResolutions(1, 1))
	assert.Equal(t, 2, MaxResolutions(2, 300))
	assert.Equal(t, 10, MaxResolutions(640, 512))
	assert.Equal(t, 33, MaxResolutions(1<<40, 1<<40))
	assert.Equal(t, 0, MaxResolutions(0, 5))

	assert.NoError(t, CheckLevels(640, 512, 9))
	assert.ErrorIs(t, CheckLevels(640, 512, 10), ErrInvalidDimension)
	assert.ErrorIs(t, CheckLevels(8, 8, -1), ErrInvalidDimension)
}

func TestLevelDims(t *testing.T) {
	dims := LevelDims(17, 9, 3)
	assert.Equal(t, [][2]int{{17, 9}, {9, 5}, {5, 3}, {3, 2}}, dims)
}

func TestGetSubbandBounds(t *testing.T) {
	width, height := 64, 48

	assert.Equal(t, SubbandBounds{0, 0, 64, 48}, GetSubbandBounds(width, height, 0, SubbandLL))

	assert.Equal(t, SubbandBounds{0, 0, 32, 24}, GetSubbandBounds(width, height, 1, SubbandLL))
	assert.Equal(t, SubbandBounds{32, 0, 64, 24}, GetSubbandBounds(width, height, 1, SubbandHL))
	assert.Equal(t, SubbandBounds{0, 24, 32, 48}, GetSubbandBounds(width, height, 1, SubbandLH))
	assert.Equal(t, SubbandBounds{32, 24, 64, 48}, GetSubbandBounds(width, height, 1, SubbandHH))

	assert.Equal(t, SubbandBounds{0, 0, 16, 12}, GetSubbandBounds(width, height, 2, SubbandLL))
	assert.Equal(t, SubbandBounds{16, 0, 32, 12}, GetSubbandBounds(width, height, 2, SubbandHL))

	odd := GetSubbandBounds(5, 3, 1, SubbandHH)
	assert.Equal(t, SubbandBounds{3, 2, 5, 3}, odd)
	assert.Equal(t, 2, odd.Width())
	assert.Equal(t, 1, odd.Height())
	assert.True(t, GetSubbandBounds(1, 3, 1, SubbandHL).Empty())
}

func TestExtractInsertSubband(t *testing.T) {
	width := 8
	data := make([]int32, width*8)
	for i := range data {
		data[i] = int32(i)
	}

	bounds := SubbandBounds{4, 0, 8, 4}
	extracted := ExtractSubband(data, width, bounds)
	require.Len(t, extracted, 16)
	assert.Equal(t, int32(4), extracted[0])
	assert.Equal(t, int32(5), extracted[1])
	assert.Equal(t, int32(12), extracted[4])

	for i := range extracted {
		extracted[i] = 999
	}
	InsertSubband(data, width, bounds, extracted)
	for y := 0; y < 4; y++ {
		for x := 4; x < 8; x++ {
			assert.Equal(t, int32(999), data[y*width+x])
		}
	}
	assert.Equal(t, int32(3), data[3])
}

func TestSubbandNorm(t *testing.T) {
	assert.Equal(t, 1.0, SubbandNorm(TransformIrreversible97, 0, SubbandLL))
	assert.InDelta(t, 1.5, SubbandNorm(TransformReversible53, 1, SubbandLL), 1e-9)
	assert.InDelta(t, 1.965, SubbandNorm(TransformIrreversible97, 1, SubbandLL), 0.02)
	assert.InDelta(t, 2.022, SubbandNorm(TransformIrreversible97, 1, SubbandHL), 0.02)
	for _, tr := range []TransformType{TransformReversible53, TransformIrreversible97} {
		// LL norms roughly double each level
		for level := 1; level < 10; level++ {
			ll := SubbandNorm(tr, level, SubbandLL)
			assert.InDelta(t, 2.0, SubbandNorm(tr, level+1, SubbandLL)/ll, 0.2, "%s level %d", tr, level)
			assert.Equal(t, SubbandNorm(tr, level, SubbandHL), SubbandNorm(tr, level, SubbandLH))
		}
		assert.Greater(t, SubbandNorm(tr, 20, SubbandLL), SubbandNorm(tr, 12, SubbandLL))
	}
}

func TestDWT_LargeImage(t *testing.T) {
	width, height, levels := 256, 256, 5
	data := make([]int32, width*height)
	for i := range data {
		data[i] = int32(i % 65536)
	}
	original := append([]int32(nil), data...)
	ForwardMultiLevel53(data, width, height, levels)
	InverseMultiLevel53(data, width, height, levels, 0)
	assert.Equal(t, original, data)
}

func BenchmarkForwardMultiLevel53(b *testing.B) {
	width, height, levels := 512, 512, 5
	src := make([]int32, width*height)
	for i := range src {
		src[i] = int32(i % 256)
	}
	data := make([]int32, len(src))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		copy(data, src)
		ForwardMultiLevel53(data, width, height, levels)
	}
}

func BenchmarkForwardMultiLevel97(b *testing.B) {
	width, height, levels := 512, 512, 5
	src := make([]float64, width*height)
	for i := range src {
		src[i] = float64(i % 256)
	}
	data := make([]float64, len(src))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		copy(data, src)
		ForwardMultiLevel97(data, width, height, levels)
	}
}
