package jpeg2k

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRCT_RoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		r, g, b int32
	}{
		{"black", 0, 0, 0},
		{"white", 255, 255, 255},
		{"red", 255, 0, 0},
		{"green", 0, 255, 0},
		{"blue", 0, 0, 255},
		{"grey", 128, 128, 128},
		{"level shifted", -128, 127, -1},
		{"16-bit", 65535, 1, 40000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, g, b := []int32{tt.r}, []int32{tt.g}, []int32{tt.b}
			ForwardRCT(r, g, b)
			InverseRCT(r, g, b)
			assert.Equal(t, []int32{tt.r}, r)
			assert.Equal(t, []int32{tt.g}, g)
			assert.Equal(t, []int32{tt.b}, b)
		})
	}
}

func TestForwardRCT_KnownValues(t *testing.T) {
	r, g, b := []int32{255, 100}, []int32{0, 100}, []int32{0, 100}
	ForwardRCT(r, g, b)
	assert.Equal(t, []int32{63, 100}, r, "Y")
	assert.Equal(t, []int32{0, 0}, g, "Cb")
	assert.Equal(t, []int32{255, 0}, b, "Cr")
}

func TestRCT_RandomPlanes(t *testing.T) {
	rng := rand.New(rand.NewPCG(11, 12))
	n := 4096
	r, g, b := make([]int32, n), make([]int32, n), make([]int32, n)
	for i := 0; i < n; i++ {
		r[i] = rng.Int32N(256) - 128
		g[i] = rng.Int32N(256) - 128
		b[i] = rng.Int32N(256) - 128
	}
	wantR := append([]int32(nil), r...)
	wantG := append([]int32(nil), g...)
	wantB := append([]int32(nil), b...)

	ForwardRCT(r, g, b)
	InverseRCT(r, g, b)
	assert.Equal(t, wantR, r)
	assert.Equal(t, wantG, g)
	assert.Equal(t, wantB, b)
}

func TestICT_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	n := 1024
	r, g, b := make([]float64, n), make([]float64, n), make([]float64, n)
	for i := 0; i < n; i++ {
		r[i] = float64(rng.IntN(256)) - 128
		g[i] = float64(rng.IntN(256)) - 128
		b[i] = float64(rng.IntN(256)) - 128
	}
	wantR := append([]float64(nil), r...)
	wantG := append([]float64(nil), g...)
	wantB := append([]float64(nil), b...)

	ForwardICT(r, g, b)
	InverseICT(r, g, b)
	assert.InDeltaSlice(t, wantR, r, 0.05)
	assert.InDeltaSlice(t, wantG, g, 0.05)
	assert.InDeltaSlice(t, wantB, b, 0.05)
}

func TestForwardICT_Grey(t *testing.T) {
	y, cb, cr := []float64{90}, []float64{90}, []float64{90}
	ForwardICT(y, cb, cr)
	assert.InDelta(t, 90, y[0], 1e-3)
	assert.InDelta(t, 0, cb[0], 1e-3)
	assert.InDelta(t, 0, cr[0], 1e-3)
}

func TestComponentNorm(t *testing.T) {
	assert.Equal(t, 1.0, ComponentNorm(TransformReversible53, false, 0))
	assert.Equal(t, 1.0, ComponentNorm(TransformIrreversible97, true, 3), "alpha is untouched")
	assert.InDelta(t, 1.732, ComponentNorm(TransformReversible53, true, 0), 1e-3)
	assert.InDelta(t, 0.8292, ComponentNorm(TransformReversible53, true, 2), 1e-4)
	assert.InDelta(t, 1.805, ComponentNorm(TransformIrreversible97, true, 1), 1e-3)
	assert.InDelta(t, 1.573, ComponentNorm(TransformIrreversible97, true, 2), 1e-3)
}

func BenchmarkForwardRCT(b *testing.B) {
	n := 512 * 512
	r, g, bl := make([]int32, n), make([]int32, n), make([]int32, n)
	for i := 0; i < n; i++ {
		r[i], g[i], bl[i] = int32(i%256), int32((i*3)%256), int32((i*7)%256)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ForwardRCT(r, g, bl)
		InverseRCT(r, g, bl)
	}
}
